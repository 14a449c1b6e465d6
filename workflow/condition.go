package workflow

import (
	"fmt"
	"regexp"
	"sort"
	"strings"
	"sync"
)

// Condition guards an edge. Evaluate must not mutate state and must return the
// same answer for the same snapshot.
type Condition interface {
	Evaluate(state StateReader) bool
}

// ConditionFunc adapts a plain function to Condition. Function conditions can
// only be serialized when registered under a name, see Named.
type ConditionFunc func(state StateReader) bool

// Evaluate calls f.
func (f ConditionFunc) Evaluate(state StateReader) bool { return f(state) }

// Definer is implemented by conditions that can describe themselves inline in
// a graph definition.
type Definer interface {
	Definition() ConditionDefinition
}

// Condition types used in definitions.
const (
	ConditionMessageCount = "message_count"
	ConditionContent      = "content"
	ConditionIteration    = "iteration"
	ConditionResult       = "result"
	ConditionAll          = "all"
	ConditionAny          = "any"
	ConditionNot          = "not"
	ConditionRef          = "ref"
)

// ConditionDefinition is the declarative form of a condition.
type ConditionDefinition struct {
	Type       string                `json:"type" yaml:"type"`
	Operator   string                `json:"operator,omitempty" yaml:"operator,omitempty"`
	Threshold  int                   `json:"threshold,omitempty" yaml:"threshold,omitempty"`
	Pattern    string                `json:"pattern,omitempty" yaml:"pattern,omitempty"`
	Match      string                `json:"match,omitempty" yaml:"match,omitempty"`
	Node       string                `json:"node,omitempty" yaml:"node,omitempty"`
	Max        int                   `json:"max,omitempty" yaml:"max,omitempty"`
	Equals     string                `json:"equals,omitempty" yaml:"equals,omitempty"`
	Ref        string                `json:"ref,omitempty" yaml:"ref,omitempty"`
	Conditions []ConditionDefinition `json:"conditions,omitempty" yaml:"conditions,omitempty"`
}

// ---------------------------------------------------------------------------
// Message count
// ---------------------------------------------------------------------------

// CompareOp is a numeric comparison operator.
type CompareOp string

const (
	OpLess         CompareOp = "<"
	OpLessEqual    CompareOp = "<="
	OpEqual        CompareOp = "=="
	OpGreaterEqual CompareOp = ">="
	OpGreater      CompareOp = ">"
)

// ParseCompareOp validates s as a comparison operator.
func ParseCompareOp(s string) (CompareOp, error) {
	switch op := CompareOp(strings.TrimSpace(s)); op {
	case OpLess, OpLessEqual, OpEqual, OpGreaterEqual, OpGreater:
		return op, nil
	default:
		return "", fmt.Errorf("workflow: unsupported operator %q", s)
	}
}

// Compare applies op to a and b. Unknown operators compare false.
func (op CompareOp) Compare(a, b int) bool {
	switch op {
	case OpLess:
		return a < b
	case OpLessEqual:
		return a <= b
	case OpEqual:
		return a == b
	case OpGreaterEqual:
		return a >= b
	case OpGreater:
		return a > b
	default:
		return false
	}
}

// MessageCountCondition holds when len(messages) <Operator> Threshold.
type MessageCountCondition struct {
	Threshold int
	Operator  CompareOp
}

// NewMessageCountCondition validates op and builds the condition.
func NewMessageCountCondition(threshold int, op string) (*MessageCountCondition, error) {
	parsed, err := ParseCompareOp(op)
	if err != nil {
		return nil, err
	}
	return &MessageCountCondition{Threshold: threshold, Operator: parsed}, nil
}

// Evaluate implements Condition.
func (c *MessageCountCondition) Evaluate(state StateReader) bool {
	return c.Operator.Compare(state.MessageCount(), c.Threshold)
}

// Definition implements Definer.
func (c *MessageCountCondition) Definition() ConditionDefinition {
	return ConditionDefinition{Type: ConditionMessageCount, Operator: string(c.Operator), Threshold: c.Threshold}
}

// ---------------------------------------------------------------------------
// Content
// ---------------------------------------------------------------------------

// MatchType selects how ContentCondition compares the latest message.
type MatchType string

const (
	MatchContains MatchType = "contains"
	MatchExact    MatchType = "exact"
	MatchRegex    MatchType = "regex"
)

// ContentCondition holds when the latest message content matches Pattern.
// It is false while the message log is empty.
type ContentCondition struct {
	Pattern string
	Match   MatchType
	re      *regexp.Regexp
}

// NewContentCondition validates match and, for regex matching, compiles the
// pattern once.
func NewContentCondition(pattern string, match MatchType) (*ContentCondition, error) {
	c := &ContentCondition{Pattern: pattern, Match: match}
	switch match {
	case MatchContains, MatchExact:
	case MatchRegex:
		re, err := regexp.Compile(pattern)
		if err != nil {
			return nil, fmt.Errorf("workflow: invalid content pattern: %w", err)
		}
		c.re = re
	default:
		return nil, fmt.Errorf("workflow: unsupported match type %q", match)
	}
	return c, nil
}

// Evaluate implements Condition.
func (c *ContentCondition) Evaluate(state StateReader) bool {
	last, ok := state.LastMessage()
	if !ok {
		return false
	}
	switch c.Match {
	case MatchContains:
		return strings.Contains(last.Content, c.Pattern)
	case MatchExact:
		return last.Content == c.Pattern
	case MatchRegex:
		if c.re == nil {
			return false
		}
		return c.re.MatchString(last.Content)
	default:
		return false
	}
}

// Definition implements Definer.
func (c *ContentCondition) Definition() ConditionDefinition {
	return ConditionDefinition{Type: ConditionContent, Pattern: c.Pattern, Match: string(c.Match)}
}

// ---------------------------------------------------------------------------
// Iteration / result
// ---------------------------------------------------------------------------

// IterationCondition holds while a loop has re-entered Node fewer than Max
// times. It is meant to guard back-edges.
type IterationCondition struct {
	Node string
	Max  int
}

// Evaluate implements Condition.
func (c *IterationCondition) Evaluate(state StateReader) bool {
	return state.Iteration(c.Node) < c.Max
}

// Definition implements Definer.
func (c *IterationCondition) Definition() ConditionDefinition {
	return ConditionDefinition{Type: ConditionIteration, Node: c.Node, Max: c.Max}
}

// ResultCondition holds when the formatted result of Node equals Equals.
type ResultCondition struct {
	Node   string
	Equals string
}

// Evaluate implements Condition.
func (c *ResultCondition) Evaluate(state StateReader) bool {
	v, ok := state.Result(c.Node)
	if !ok {
		return false
	}
	return fmt.Sprint(v) == c.Equals
}

// Definition implements Definer.
func (c *ResultCondition) Definition() ConditionDefinition {
	return ConditionDefinition{Type: ConditionResult, Node: c.Node, Equals: c.Equals}
}

// ---------------------------------------------------------------------------
// Combinators
// ---------------------------------------------------------------------------

type allCondition []Condition

// All holds when every condition holds. An empty All is true.
func All(conds ...Condition) Condition { return allCondition(conds) }

func (a allCondition) Evaluate(state StateReader) bool {
	for _, c := range a {
		if !c.Evaluate(state) {
			return false
		}
	}
	return true
}

func (a allCondition) Definition() ConditionDefinition {
	return ConditionDefinition{Type: ConditionAll, Conditions: defineAll(a)}
}

type anyCondition []Condition

// Any holds when at least one condition holds. An empty Any is false.
func Any(conds ...Condition) Condition { return anyCondition(conds) }

func (a anyCondition) Evaluate(state StateReader) bool {
	for _, c := range a {
		if c.Evaluate(state) {
			return true
		}
	}
	return false
}

func (a anyCondition) Definition() ConditionDefinition {
	return ConditionDefinition{Type: ConditionAny, Conditions: defineAll(a)}
}

type notCondition struct{ inner Condition }

// Not negates c.
func Not(c Condition) Condition { return notCondition{inner: c} }

func (n notCondition) Evaluate(state StateReader) bool { return !n.inner.Evaluate(state) }

func (n notCondition) Definition() ConditionDefinition {
	return ConditionDefinition{Type: ConditionNot, Conditions: defineAll([]Condition{n.inner})}
}

// namedCondition ties a condition to the name it was registered under.
type namedCondition struct {
	ref   string
	inner Condition
}

// Named labels c with ref so it serializes as a condition reference.
func Named(ref string, c Condition) Condition { return namedCondition{ref: ref, inner: c} }

func (n namedCondition) Evaluate(state StateReader) bool { return n.inner.Evaluate(state) }

func (n namedCondition) Definition() ConditionDefinition {
	return ConditionDefinition{Type: ConditionRef, Ref: n.ref}
}

// ConditionRefOf returns the registry name of c, if it has one.
func ConditionRefOf(c Condition) (string, bool) {
	if n, ok := c.(namedCondition); ok {
		return n.ref, true
	}
	return "", false
}

// defineAll describes nested conditions; non-describable ones become an
// empty definition and are rejected at export time.
func defineAll(conds []Condition) []ConditionDefinition {
	out := make([]ConditionDefinition, 0, len(conds))
	for _, c := range conds {
		if d, ok := c.(Definer); ok {
			out = append(out, d.Definition())
		} else {
			out = append(out, ConditionDefinition{})
		}
	}
	return out
}

// definitionComplete reports whether def and its children all carry a type.
func definitionComplete(def ConditionDefinition) bool {
	if def.Type == "" {
		return false
	}
	for _, child := range def.Conditions {
		if !definitionComplete(child) {
			return false
		}
	}
	return true
}

// ---------------------------------------------------------------------------
// Registry
// ---------------------------------------------------------------------------

// ConditionRegistry resolves condition references when graphs are loaded
// from definitions.
type ConditionRegistry struct {
	mu    sync.RWMutex
	conds map[string]Condition
}

// NewConditionRegistry creates an empty registry.
func NewConditionRegistry() *ConditionRegistry {
	return &ConditionRegistry{conds: make(map[string]Condition)}
}

// Register stores c under ref.
func (r *ConditionRegistry) Register(ref string, c Condition) error {
	if ref == "" {
		return fmt.Errorf("workflow: condition ref is required")
	}
	if c == nil {
		return fmt.Errorf("workflow: condition %q is nil", ref)
	}
	r.mu.Lock()
	defer r.mu.Unlock()
	if _, exists := r.conds[ref]; exists {
		return fmt.Errorf("workflow: condition %q already registered", ref)
	}
	r.conds[ref] = c
	return nil
}

// MustRegister is Register that panics on error.
func (r *ConditionRegistry) MustRegister(ref string, c Condition) {
	if err := r.Register(ref, c); err != nil {
		panic(err)
	}
}

// Lookup returns the condition registered under ref, labelled with ref.
func (r *ConditionRegistry) Lookup(ref string) (Condition, bool) {
	if r == nil {
		return nil, false
	}
	r.mu.RLock()
	defer r.mu.RUnlock()
	c, ok := r.conds[ref]
	if !ok {
		return nil, false
	}
	return Named(ref, c), true
}

// Refs returns the registered names in sorted order.
func (r *ConditionRegistry) Refs() []string {
	r.mu.RLock()
	defer r.mu.RUnlock()
	refs := make([]string, 0, len(r.conds))
	for ref := range r.conds {
		refs = append(refs, ref)
	}
	sort.Strings(refs)
	return refs
}

// BuildCondition turns a definition back into a Condition. References are
// resolved through reg, which may be nil when none are used.
func BuildCondition(def ConditionDefinition, reg *ConditionRegistry) (Condition, error) {
	switch def.Type {
	case ConditionMessageCount:
		return NewMessageCountCondition(def.Threshold, def.Operator)
	case ConditionContent:
		match := MatchType(def.Match)
		if match == "" {
			match = MatchContains
		}
		return NewContentCondition(def.Pattern, match)
	case ConditionIteration:
		if def.Node == "" {
			return nil, fmt.Errorf("workflow: iteration condition requires a node")
		}
		return &IterationCondition{Node: def.Node, Max: def.Max}, nil
	case ConditionResult:
		if def.Node == "" {
			return nil, fmt.Errorf("workflow: result condition requires a node")
		}
		return &ResultCondition{Node: def.Node, Equals: def.Equals}, nil
	case ConditionAll, ConditionAny:
		children := make([]Condition, 0, len(def.Conditions))
		for _, child := range def.Conditions {
			c, err := BuildCondition(child, reg)
			if err != nil {
				return nil, err
			}
			children = append(children, c)
		}
		if def.Type == ConditionAll {
			return All(children...), nil
		}
		return Any(children...), nil
	case ConditionNot:
		if len(def.Conditions) != 1 {
			return nil, fmt.Errorf("workflow: not condition takes exactly one child, got %d", len(def.Conditions))
		}
		inner, err := BuildCondition(def.Conditions[0], reg)
		if err != nil {
			return nil, err
		}
		return Not(inner), nil
	case ConditionRef:
		c, ok := reg.Lookup(def.Ref)
		if !ok {
			return nil, &UnknownConditionError{Ref: def.Ref}
		}
		return c, nil
	default:
		return nil, fmt.Errorf("workflow: unknown condition type %q", def.Type)
	}
}
