package workflow

import (
	"fmt"

	"go.uber.org/zap"
)

// Builder provides a fluent API for constructing graphs. The first error
// encountered is kept and returned by Build; later calls become no-ops.
type Builder struct {
	graph  *Graph
	err    error
	logger *zap.Logger
}

// NewBuilder creates a builder for a graph with the given name.
func NewBuilder(name string) *Builder {
	return &Builder{
		graph:  NewGraph(name),
		logger: zap.NewNop(),
	}
}

// WithLogger sets a custom logger.
func (b *Builder) WithLogger(logger *zap.Logger) *Builder {
	if logger != nil {
		b.logger = logger.With(zap.String("component", "graph_builder"))
	}
	return b
}

// AddNode adds a node.
func (b *Builder) AddNode(name, taskRef string, metadata map[string]any, opts ...NodeOption) *Builder {
	if b.err == nil {
		b.err = b.graph.AddNode(name, taskRef, metadata, opts...)
	}
	return b
}

// SetEntry designates the primary entry node. It must follow AddNode.
func (b *Builder) SetEntry(name string) *Builder {
	if b.err == nil {
		b.err = b.graph.SetEntry(name)
	}
	return b
}

// AddEdge adds an unconditional edge.
func (b *Builder) AddEdge(source, target string) *Builder {
	return b.AddConditionalEdge(source, target, nil)
}

// AddConditionalEdge adds an edge guarded by cond.
func (b *Builder) AddConditionalEdge(source, target string, cond Condition) *Builder {
	if b.err == nil {
		b.err = b.graph.AddEdge(source, target, cond)
	}
	return b
}

// Build validates and returns the graph.
func (b *Builder) Build() (*Graph, error) {
	if b.err != nil {
		return nil, fmt.Errorf("graph build failed: %w", b.err)
	}
	if err := b.graph.Validate(); err != nil {
		return nil, fmt.Errorf("graph validation failed: %w", err)
	}

	b.logger.Debug("graph built",
		zap.String("name", b.graph.Name()),
		zap.Int("nodes", len(b.graph.order)),
		zap.Int("edges", len(b.graph.edges)),
		zap.Strings("entry_points", b.graph.EntryPoints()),
	)
	return b.graph, nil
}

// MustBuild is Build that panics on error. Intended for tests and fixed graphs.
func (b *Builder) MustBuild() *Graph {
	g, err := b.Build()
	if err != nil {
		panic(err)
	}
	return g
}
