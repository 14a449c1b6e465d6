package workflow

import (
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"time"

	"gopkg.in/yaml.v3"
)

// GraphDefinition is the declarative, serializable form of a Graph.
type GraphDefinition struct {
	Name  string           `json:"name" yaml:"name"`
	Entry string           `json:"entry,omitempty" yaml:"entry,omitempty"`
	Nodes []NodeDefinition `json:"nodes" yaml:"nodes"`
	Edges []EdgeDefinition `json:"edges,omitempty" yaml:"edges,omitempty"`
}

// NodeDefinition describes one node.
type NodeDefinition struct {
	Name     string            `json:"name" yaml:"name"`
	TaskRef  string            `json:"task_ref" yaml:"task_ref"`
	Metadata map[string]any    `json:"metadata,omitempty" yaml:"metadata,omitempty"`
	Policy   *PolicyDefinition `json:"policy,omitempty" yaml:"policy,omitempty"`
}

// PolicyDefinition is the serializable form of NodePolicy. Timeout uses Go
// duration syntax ("1.5s", "2m").
type PolicyDefinition struct {
	Timeout    string `json:"timeout,omitempty" yaml:"timeout,omitempty"`
	MaxRetries *int   `json:"max_retries,omitempty" yaml:"max_retries,omitempty"`
}

// EdgeDefinition describes one edge. At most one of ConditionRef and
// Condition is set.
type EdgeDefinition struct {
	Source       string               `json:"source" yaml:"source"`
	Target       string               `json:"target" yaml:"target"`
	ConditionRef string               `json:"condition_ref,omitempty" yaml:"condition_ref,omitempty"`
	Condition    *ConditionDefinition `json:"condition,omitempty" yaml:"condition,omitempty"`
}

// Definition exports g. Edges whose conditions are neither registered by
// name nor built-in fail with ErrConditionNotSerializable.
func (g *Graph) Definition() (*GraphDefinition, error) {
	def := &GraphDefinition{
		Name:  g.name,
		Entry: g.entry,
		Nodes: make([]NodeDefinition, 0, len(g.order)),
		Edges: make([]EdgeDefinition, 0, len(g.edges)),
	}

	for _, name := range g.order {
		n := g.nodes[name]
		nd := NodeDefinition{Name: n.Name, TaskRef: n.TaskRef, Metadata: n.Metadata}
		if n.Policy != nil {
			nd.Policy = &PolicyDefinition{MaxRetries: n.Policy.MaxRetries}
			if n.Policy.Timeout > 0 {
				nd.Policy.Timeout = n.Policy.Timeout.String()
			}
		}
		def.Nodes = append(def.Nodes, nd)
	}

	for _, e := range g.edges {
		ed := EdgeDefinition{Source: e.Source, Target: e.Target}
		if e.Condition != nil {
			if ref, ok := ConditionRefOf(e.Condition); ok {
				ed.ConditionRef = ref
			} else if d, ok := e.Condition.(Definer); ok && definitionComplete(d.Definition()) {
				cd := d.Definition()
				ed.Condition = &cd
			} else {
				return nil, fmt.Errorf("%w: edge %s -> %s", ErrConditionNotSerializable, e.Source, e.Target)
			}
		}
		def.Edges = append(def.Edges, ed)
	}
	return def, nil
}

// FromDefinition rebuilds a graph from def without validating it, so that
// graphs failing validation can still be loaded for inspection. Structural
// errors (duplicates, self-loops, unknown endpoints) are still reported.
func FromDefinition(def *GraphDefinition, reg *ConditionRegistry) (*Graph, error) {
	if def == nil {
		return nil, fmt.Errorf("workflow: definition is nil")
	}
	g := NewGraph(def.Name)

	for _, nd := range def.Nodes {
		var opts []NodeOption
		if nd.Policy != nil {
			if nd.Policy.Timeout != "" {
				d, err := time.ParseDuration(nd.Policy.Timeout)
				if err != nil {
					return nil, fmt.Errorf("node %s: invalid timeout %q: %w", nd.Name, nd.Policy.Timeout, err)
				}
				opts = append(opts, WithTimeout(d))
			}
			if nd.Policy.MaxRetries != nil {
				opts = append(opts, WithMaxRetries(*nd.Policy.MaxRetries))
			}
		}
		if err := g.AddNode(nd.Name, nd.TaskRef, nd.Metadata, opts...); err != nil {
			return nil, err
		}
	}

	if def.Entry != "" {
		if err := g.SetEntry(def.Entry); err != nil {
			return nil, err
		}
	}

	for _, ed := range def.Edges {
		var cond Condition
		switch {
		case ed.ConditionRef != "" && ed.Condition != nil:
			return nil, fmt.Errorf("edge %s -> %s: condition_ref and condition are mutually exclusive", ed.Source, ed.Target)
		case ed.ConditionRef != "":
			c, ok := reg.Lookup(ed.ConditionRef)
			if !ok {
				return nil, &UnknownConditionError{Ref: ed.ConditionRef}
			}
			cond = c
		case ed.Condition != nil:
			c, err := BuildCondition(*ed.Condition, reg)
			if err != nil {
				return nil, fmt.Errorf("edge %s -> %s: %w", ed.Source, ed.Target, err)
			}
			cond = c
		}
		if err := g.AddEdge(ed.Source, ed.Target, cond); err != nil {
			return nil, err
		}
	}
	return g, nil
}

// ToJSON exports g as indented JSON.
func (g *Graph) ToJSON() ([]byte, error) {
	def, err := g.Definition()
	if err != nil {
		return nil, err
	}
	return json.MarshalIndent(def, "", "  ")
}

// ToYAML exports g as YAML.
func (g *Graph) ToYAML() ([]byte, error) {
	def, err := g.Definition()
	if err != nil {
		return nil, err
	}
	return yaml.Marshal(def)
}

// ParseDefinitionJSON decodes a definition without building it.
func ParseDefinitionJSON(data []byte) (*GraphDefinition, error) {
	var def GraphDefinition
	if err := json.Unmarshal(data, &def); err != nil {
		return nil, fmt.Errorf("failed to unmarshal graph definition from JSON: %w", err)
	}
	return &def, nil
}

// ParseDefinitionYAML decodes a definition without building it.
func ParseDefinitionYAML(data []byte) (*GraphDefinition, error) {
	var def GraphDefinition
	if err := yaml.Unmarshal(data, &def); err != nil {
		return nil, fmt.Errorf("failed to unmarshal graph definition from YAML: %w", err)
	}
	return &def, nil
}

// GraphFromJSON decodes, builds and validates a graph.
func GraphFromJSON(data []byte, reg *ConditionRegistry) (*Graph, error) {
	def, err := ParseDefinitionJSON(data)
	if err != nil {
		return nil, err
	}
	return buildValidated(def, reg)
}

// GraphFromYAML decodes, builds and validates a graph.
func GraphFromYAML(data []byte, reg *ConditionRegistry) (*Graph, error) {
	def, err := ParseDefinitionYAML(data)
	if err != nil {
		return nil, err
	}
	return buildValidated(def, reg)
}

func buildValidated(def *GraphDefinition, reg *ConditionRegistry) (*Graph, error) {
	g, err := FromDefinition(def, reg)
	if err != nil {
		return nil, err
	}
	if err := g.Validate(); err != nil {
		return nil, fmt.Errorf("graph validation failed: %w", err)
	}
	return g, nil
}

// LoadGraphFile reads a graph from a .json, .yaml or .yml file.
func LoadGraphFile(path string, reg *ConditionRegistry) (*Graph, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("failed to read graph file: %w", err)
	}
	switch strings.ToLower(filepath.Ext(path)) {
	case ".json":
		return GraphFromJSON(data, reg)
	case ".yaml", ".yml":
		return GraphFromYAML(data, reg)
	default:
		return nil, fmt.Errorf("unsupported graph file extension %q", filepath.Ext(path))
	}
}

// SaveGraphFile writes g in the format implied by the file extension.
func SaveGraphFile(g *Graph, path string) error {
	var (
		data []byte
		err  error
	)
	switch strings.ToLower(filepath.Ext(path)) {
	case ".json":
		data, err = g.ToJSON()
	case ".yaml", ".yml":
		data, err = g.ToYAML()
	default:
		return fmt.Errorf("unsupported graph file extension %q", filepath.Ext(path))
	}
	if err != nil {
		return err
	}
	if err := os.WriteFile(path, data, 0o644); err != nil {
		return fmt.Errorf("failed to write graph file: %w", err)
	}
	return nil
}
