package workflow

import (
	"fmt"
	"sync"
	"time"
)

// NodePolicy overrides executor defaults for a single node.
type NodePolicy struct {
	// Timeout bounds one attempt; zero falls back to Options.NodeTimeout.
	Timeout time.Duration
	// MaxRetries replaces Options.MaxRetries when set.
	MaxRetries *int
}

// Node is a unit of work delegated to a TaskRunner.
type Node struct {
	Name     string
	TaskRef  string
	Metadata map[string]any
	Policy   *NodePolicy
}

// NodeOption customizes a node when it is added.
type NodeOption func(*Node)

// WithTimeout sets a per-attempt timeout for the node.
func WithTimeout(d time.Duration) NodeOption {
	return func(n *Node) {
		if n.Policy == nil {
			n.Policy = &NodePolicy{}
		}
		n.Policy.Timeout = d
	}
}

// WithMaxRetries overrides the retry budget for the node.
func WithMaxRetries(retries int) NodeOption {
	return func(n *Node) {
		if n.Policy == nil {
			n.Policy = &NodePolicy{}
		}
		n.Policy.MaxRetries = &retries
	}
}

// Edge connects Source to Target, optionally guarded by Condition.
type Edge struct {
	Source    string
	Target    string
	Condition Condition
}

// Graph is a set of named nodes joined by directed edges. Cycles are allowed;
// a back-edge is re-taken only while its condition holds.
//
// A graph must not be mutated while a run is using it.
type Graph struct {
	name     string
	entry    string
	nodes    map[string]*Node
	order    []string
	edges    []Edge
	incoming map[string][]int
	outgoing map[string][]int

	topoMu sync.Mutex
	topo   *topology
}

// NewGraph creates an empty graph.
func NewGraph(name string) *Graph {
	return &Graph{
		name:     name,
		nodes:    make(map[string]*Node),
		incoming: make(map[string][]int),
		outgoing: make(map[string][]int),
	}
}

// Name returns the graph name.
func (g *Graph) Name() string { return g.name }

// SetEntry designates the primary entry node. Without it the first node
// added is the primary entry.
func (g *Graph) SetEntry(name string) error {
	if _, ok := g.nodes[name]; !ok {
		return &UnknownNodeError{Node: name}
	}
	g.entry = name
	g.invalidate()
	return nil
}

// Entry returns the primary entry node.
func (g *Graph) Entry() string {
	if g.entry != "" {
		return g.entry
	}
	if len(g.order) > 0 {
		return g.order[0]
	}
	return ""
}

// AddNode registers a node.
func (g *Graph) AddNode(name, taskRef string, metadata map[string]any, opts ...NodeOption) error {
	if name == "" {
		return ErrEmptyNodeName
	}
	if _, exists := g.nodes[name]; exists {
		return &DuplicateNodeError{Node: name}
	}
	n := &Node{Name: name, TaskRef: taskRef, Metadata: metadata}
	for _, opt := range opts {
		opt(n)
	}
	g.nodes[name] = n
	g.order = append(g.order, name)
	g.invalidate()
	return nil
}

// AddEdge connects source to target. cond may be nil.
func (g *Graph) AddEdge(source, target string, cond Condition) error {
	if source == target {
		return &SelfLoopError{Node: source}
	}
	for _, end := range []string{source, target} {
		if _, ok := g.nodes[end]; !ok {
			return &UnknownNodeError{Node: end, Source: source, Target: target}
		}
	}
	idx := len(g.edges)
	g.edges = append(g.edges, Edge{Source: source, Target: target, Condition: cond})
	g.outgoing[source] = append(g.outgoing[source], idx)
	g.incoming[target] = append(g.incoming[target], idx)
	g.invalidate()
	return nil
}

// Node returns the node registered under name.
func (g *Graph) Node(name string) (Node, bool) {
	n, ok := g.nodes[name]
	if !ok {
		return Node{}, false
	}
	return *n, true
}

// NodeNames returns node names in insertion order.
func (g *Graph) NodeNames() []string {
	out := make([]string, len(g.order))
	copy(out, g.order)
	return out
}

// Edges returns the edges in insertion order.
func (g *Graph) Edges() []Edge {
	out := make([]Edge, len(g.edges))
	copy(out, g.edges)
	return out
}

// Predecessors returns the sources of all edges into name.
func (g *Graph) Predecessors(name string) []string {
	out := make([]string, 0, len(g.incoming[name]))
	for _, idx := range g.incoming[name] {
		out = append(out, g.edges[idx].Source)
	}
	return out
}

// Successors returns the targets of all edges out of name.
func (g *Graph) Successors(name string) []string {
	out := make([]string, 0, len(g.outgoing[name]))
	for _, idx := range g.outgoing[name] {
		out = append(out, g.edges[idx].Target)
	}
	return out
}

// EntryPoints returns nodes without incoming edges, in insertion order.
func (g *Graph) EntryPoints() []string {
	var out []string
	for _, name := range g.order {
		if len(g.incoming[name]) == 0 {
			out = append(out, name)
		}
	}
	return out
}

// Validate checks that the primary entry has no incoming edges and that
// every node is reachable from some node without incoming edges. It does not
// modify the graph.
func (g *Graph) Validate() error {
	if len(g.nodes) == 0 {
		return ErrEmptyGraph
	}
	entries := g.EntryPoints()
	if len(entries) == 0 {
		return &NoEntryPointError{}
	}
	if entry := g.Entry(); len(g.incoming[entry]) > 0 {
		return &NoEntryPointError{Entry: entry}
	}

	seen := make(map[string]bool, len(g.nodes))
	queue := append([]string(nil), entries...)
	for _, e := range entries {
		seen[e] = true
	}
	for len(queue) > 0 {
		cur := queue[0]
		queue = queue[1:]
		for _, next := range g.Successors(cur) {
			if !seen[next] {
				seen[next] = true
				queue = append(queue, next)
			}
		}
	}

	var unreachable []string
	for _, name := range g.order {
		if !seen[name] {
			unreachable = append(unreachable, name)
		}
	}
	if len(unreachable) > 0 {
		return &UnreachableNodeError{Nodes: unreachable}
	}
	return nil
}

// ReadyNodes returns, in insertion order, the PENDING nodes whose incoming
// forward edges all come from SUCCEEDED nodes with satisfied conditions.
// Back-edges never gate readiness. The call does not modify state.
func (g *Graph) ReadyNodes(state StateReader) []string {
	topo := g.topology()
	var ready []string
	for _, name := range g.order {
		if state.Status(name) != StatusPending {
			continue
		}
		if g.forwardSatisfied(name, topo, state) {
			ready = append(ready, name)
		}
	}
	return ready
}

func (g *Graph) forwardSatisfied(name string, topo *topology, state StateReader) bool {
	for _, idx := range g.incoming[name] {
		if topo.back[idx] {
			continue
		}
		e := g.edges[idx]
		if state.Status(e.Source) != StatusSucceeded {
			return false
		}
		if e.Condition != nil && !e.Condition.Evaluate(state) {
			return false
		}
	}
	return true
}

// IsBackEdge reports whether the i-th edge closes a cycle.
func (g *Graph) IsBackEdge(i int) bool {
	return g.topology().back[i]
}

// blocked returns the PENDING nodes that can never run because an upstream
// node along a forward edge FAILED, tripped its circuit, or is itself blocked.
func (g *Graph) blocked(state StateReader) map[string]bool {
	topo := g.topology()
	blocked := make(map[string]bool)
	for changed := true; changed; {
		changed = false
		for _, name := range g.order {
			if blocked[name] || state.Status(name) != StatusPending {
				continue
			}
			for _, idx := range g.incoming[name] {
				if topo.back[idx] {
					continue
				}
				src := g.edges[idx].Source
				s := state.Status(src)
				if s == StatusFailed || s == StatusCircuitOpen || blocked[src] {
					blocked[name] = true
					changed = true
					break
				}
			}
		}
	}
	return blocked
}

// ---------------------------------------------------------------------------
// Topology
// ---------------------------------------------------------------------------

// topology caches the back-edge classification of the current graph shape.
type topology struct {
	back map[int]bool
}

func (g *Graph) invalidate() {
	g.topoMu.Lock()
	g.topo = nil
	g.topoMu.Unlock()
}

func (g *Graph) topology() *topology {
	g.topoMu.Lock()
	defer g.topoMu.Unlock()
	if g.topo == nil {
		g.topo = g.classify()
	}
	return g.topo
}

// classify marks edges into a node still on the DFS stack as back-edges.
// Entry points are visited first, then any node left over, so the result is
// deterministic for a given insertion order.
func (g *Graph) classify() *topology {
	const (
		white = iota
		grey
		black
	)
	color := make(map[string]int, len(g.nodes))
	back := make(map[int]bool)

	var visit func(string)
	visit = func(name string) {
		color[name] = grey
		for _, idx := range g.outgoing[name] {
			next := g.edges[idx].Target
			switch color[next] {
			case grey:
				back[idx] = true
			case white:
				visit(next)
			}
		}
		color[name] = black
	}

	for _, e := range g.EntryPoints() {
		if color[e] == white {
			visit(e)
		}
	}
	for _, name := range g.order {
		if color[name] == white {
			visit(name)
		}
	}
	return &topology{back: back}
}

// loopBody returns the nodes on forward paths from target to source, both
// included. These are the nodes re-armed when back-edge source -> target fires.
func (g *Graph) loopBody(source, target string) []string {
	topo := g.topology()
	forward := g.reach(target, func(idx int) (string, bool) {
		if topo.back[idx] {
			return "", false
		}
		return g.edges[idx].Target, true
	}, g.outgoing)
	backward := g.reach(source, func(idx int) (string, bool) {
		if topo.back[idx] {
			return "", false
		}
		return g.edges[idx].Source, true
	}, g.incoming)

	var body []string
	for _, name := range g.order {
		if forward[name] && backward[name] {
			body = append(body, name)
		}
	}
	return body
}

func (g *Graph) reach(start string, step func(int) (string, bool), adj map[string][]int) map[string]bool {
	seen := map[string]bool{start: true}
	stack := []string{start}
	for len(stack) > 0 {
		cur := stack[len(stack)-1]
		stack = stack[:len(stack)-1]
		for _, idx := range adj[cur] {
			next, ok := step(idx)
			if ok && !seen[next] {
				seen[next] = true
				stack = append(stack, next)
			}
		}
	}
	return seen
}

// String renders a short summary for logs.
func (g *Graph) String() string {
	return fmt.Sprintf("Graph(%s, %d nodes, %d edges)", g.name, len(g.nodes), len(g.edges))
}
