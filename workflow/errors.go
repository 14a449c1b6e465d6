package workflow

import (
	"errors"
	"fmt"
	"strings"
)

// Sentinel errors.
var (
	// ErrEmptyGraph is returned when validating a graph with no nodes.
	ErrEmptyGraph = errors.New("workflow: graph has no nodes")
	// ErrEmptyNodeName is returned when a node is added without a name.
	ErrEmptyNodeName = errors.New("workflow: node name is required")
	// ErrUnknownTask is returned when no runner is registered for a node's task ref.
	ErrUnknownTask = errors.New("workflow: no task runner registered")
	// ErrTaskUnavailable is returned when the task-level breaker rejects an attempt.
	ErrTaskUnavailable = errors.New("workflow: task breaker open")
	// ErrConditionNotSerializable is returned when exporting an edge whose
	// condition has neither a registered name nor a built-in definition.
	ErrConditionNotSerializable = errors.New("workflow: condition cannot be serialized")
)

// DuplicateNodeError reports a node name registered twice.
type DuplicateNodeError struct {
	Node string
}

func (e *DuplicateNodeError) Error() string {
	return fmt.Sprintf("workflow: duplicate node %q", e.Node)
}

// SelfLoopError reports an edge whose source and target are the same node.
type SelfLoopError struct {
	Node string
}

func (e *SelfLoopError) Error() string {
	return fmt.Sprintf("workflow: self-loop edge on node %q", e.Node)
}

// UnknownNodeError reports an edge endpoint that was never declared.
type UnknownNodeError struct {
	Node   string
	Source string
	Target string
}

func (e *UnknownNodeError) Error() string {
	return fmt.Sprintf("workflow: edge %s -> %s references unknown node %q", e.Source, e.Target, e.Node)
}

// NoEntryPointError reports a graph without a usable start node: either every
// node has an incoming edge, or the designated entry (Entry) has one.
type NoEntryPointError struct {
	Entry string
}

func (e *NoEntryPointError) Error() string {
	if e.Entry != "" {
		return fmt.Sprintf("workflow: entry node %q has incoming edges "+
			"(the first node is the entry unless SetEntry or the definition's entry field names another)", e.Entry)
	}
	return "workflow: graph has no entry point (every node has an incoming edge)"
}

// UnreachableNodeError reports nodes that no entry point can reach.
type UnreachableNodeError struct {
	Nodes []string
}

func (e *UnreachableNodeError) Error() string {
	return fmt.Sprintf("workflow: unreachable nodes: %s", strings.Join(e.Nodes, ", "))
}

// UnknownConditionError reports a condition reference missing from the registry.
type UnknownConditionError struct {
	Ref string
}

func (e *UnknownConditionError) Error() string {
	return fmt.Sprintf("workflow: unknown condition ref %q", e.Ref)
}

// NodeExecutionError wraps the last task failure of a node whose retries ran out.
type NodeExecutionError struct {
	Node     string
	Attempts int
	Err      error
}

func (e *NodeExecutionError) Error() string {
	return fmt.Sprintf("workflow: node %q failed after %d attempt(s): %v", e.Node, e.Attempts, e.Err)
}

func (e *NodeExecutionError) Unwrap() error { return e.Err }

// CircuitBreakerOpenError reports a node whose consecutive failures reached
// the circuit breaker threshold. The node and everything downstream of it is
// abandoned for the rest of the run.
type CircuitBreakerOpenError struct {
	Node     string
	Failures int
	Err      error
}

func (e *CircuitBreakerOpenError) Error() string {
	return fmt.Sprintf("workflow: circuit open for node %q after %d consecutive failure(s): %v", e.Node, e.Failures, e.Err)
}

func (e *CircuitBreakerOpenError) Unwrap() error { return e.Err }

// DeadlockError is returned when nothing is ready but some nodes are still
// pending for reasons other than an upstream failure.
type DeadlockError struct {
	Pending []string
	Result  *WorkflowResult
}

func (e *DeadlockError) Error() string {
	return fmt.Sprintf("workflow: deadlock, no progress possible for pending nodes: %s", strings.Join(e.Pending, ", "))
}

// CancelledError is returned when the run context is cancelled. Result holds
// the state accumulated up to the cancellation.
type CancelledError struct {
	Result *WorkflowResult
	Err    error
}

func (e *CancelledError) Error() string {
	return fmt.Sprintf("workflow: run cancelled: %v", e.Err)
}

func (e *CancelledError) Unwrap() error { return e.Err }

// IsBuildError reports whether err is one of the graph construction or
// validation errors.
func IsBuildError(err error) bool {
	var (
		dup   *DuplicateNodeError
		loop  *SelfLoopError
		unk   *UnknownNodeError
		entry *NoEntryPointError
		unr   *UnreachableNodeError
	)
	return errors.As(err, &dup) || errors.As(err, &loop) || errors.As(err, &unk) ||
		errors.As(err, &entry) || errors.As(err, &unr) ||
		errors.Is(err, ErrEmptyGraph) || errors.Is(err, ErrEmptyNodeName)
}
