package workflow

import (
	"context"
	"fmt"
	"sort"
	"sync"
)

// TaskRunner executes the work behind a node. It is the only place actual
// node work happens; the executor treats it as opaque. Runners should honor
// ctx so timeouts and cancellation can interrupt them.
type TaskRunner interface {
	Execute(ctx context.Context, node Node, tc TaskContext) (any, error)
}

// TaskRunnerFunc adapts a function to TaskRunner.
type TaskRunnerFunc func(ctx context.Context, node Node, tc TaskContext) (any, error)

// Execute calls f.
func (f TaskRunnerFunc) Execute(ctx context.Context, node Node, tc TaskContext) (any, error) {
	return f(ctx, node, tc)
}

// TaskRegistry routes a node to the runner registered for its TaskRef.
type TaskRegistry struct {
	mu      sync.RWMutex
	runners map[string]TaskRunner
}

// NewTaskRegistry creates an empty registry.
func NewTaskRegistry() *TaskRegistry {
	return &TaskRegistry{runners: make(map[string]TaskRunner)}
}

// Register stores runner under ref.
func (r *TaskRegistry) Register(ref string, runner TaskRunner) error {
	if ref == "" {
		return fmt.Errorf("workflow: task ref is required")
	}
	if runner == nil {
		return fmt.Errorf("workflow: runner for %q is nil", ref)
	}
	r.mu.Lock()
	defer r.mu.Unlock()
	if _, exists := r.runners[ref]; exists {
		return fmt.Errorf("workflow: task %q already registered", ref)
	}
	r.runners[ref] = runner
	return nil
}

// MustRegister is Register that panics on error.
func (r *TaskRegistry) MustRegister(ref string, runner TaskRunner) {
	if err := r.Register(ref, runner); err != nil {
		panic(err)
	}
}

// Lookup returns the runner for ref.
func (r *TaskRegistry) Lookup(ref string) (TaskRunner, bool) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	runner, ok := r.runners[ref]
	return runner, ok
}

// Refs returns the registered task refs in sorted order.
func (r *TaskRegistry) Refs() []string {
	r.mu.RLock()
	defer r.mu.RUnlock()
	refs := make([]string, 0, len(r.runners))
	for ref := range r.runners {
		refs = append(refs, ref)
	}
	sort.Strings(refs)
	return refs
}

// Execute implements TaskRunner by dispatching on node.TaskRef.
func (r *TaskRegistry) Execute(ctx context.Context, node Node, tc TaskContext) (any, error) {
	runner, ok := r.Lookup(node.TaskRef)
	if !ok {
		return nil, fmt.Errorf("%w: %q (node %s)", ErrUnknownTask, node.TaskRef, node.Name)
	}
	return runner.Execute(ctx, node, tc)
}

var _ TaskRunner = (*TaskRegistry)(nil)
