package workflow

import (
	"sync"
	"time"
)

// NodeStatus is the lifecycle state of a node within one run.
type NodeStatus string

const (
	StatusPending     NodeStatus = "pending"
	StatusRunning     NodeStatus = "running"
	StatusSucceeded   NodeStatus = "succeeded"
	StatusFailed      NodeStatus = "failed"
	StatusRetrying    NodeStatus = "retrying"
	StatusCircuitOpen NodeStatus = "circuit_open"
)

// IsTerminal reports whether no further transition is expected for the node.
func (s NodeStatus) IsTerminal() bool {
	return s == StatusSucceeded || s == StatusFailed || s == StatusCircuitOpen
}

// Message is a record produced by a task and shared with later nodes.
type Message struct {
	Node      string         `json:"node,omitempty"`
	Content   string         `json:"content"`
	Metadata  map[string]any `json:"metadata,omitempty"`
	Timestamp time.Time      `json:"timestamp"`
}

// StateReader is the read-only view of a run that conditions evaluate.
type StateReader interface {
	Messages() []Message
	LastMessage() (Message, bool)
	MessageCount() int
	Result(node string) (any, bool)
	Status(node string) NodeStatus
	Iteration(node string) int
}

// TaskContext is the handle a TaskRunner receives for one attempt.
type TaskContext interface {
	StateReader
	RunID() string
	AppendMessage(msg Message)
	SetResult(node string, value any)
}

// ExecutionContext holds the mutable state of a single run. Messages,
// results, counters and status are guarded by separate locks so updates to
// one never wait on another.
type ExecutionContext struct {
	runID string

	msgMu    sync.RWMutex
	messages []Message

	resMu   sync.RWMutex
	results map[string]any

	cntMu      sync.Mutex
	retries    map[string]int
	failures   map[string]int
	iterations map[string]int

	stMu   sync.RWMutex
	status map[string]NodeStatus
}

// NewExecutionContext creates a fresh context with every node PENDING.
func NewExecutionContext(runID string, nodes []string) *ExecutionContext {
	c := &ExecutionContext{
		runID:      runID,
		messages:   make([]Message, 0),
		results:    make(map[string]any),
		retries:    make(map[string]int),
		failures:   make(map[string]int),
		iterations: make(map[string]int),
		status:     make(map[string]NodeStatus, len(nodes)),
	}
	for _, n := range nodes {
		c.status[n] = StatusPending
	}
	return c
}

// RunID returns the identifier of the run owning this context.
func (c *ExecutionContext) RunID() string { return c.runID }

// ---- messages ----

// AppendMessage appends msg to the shared log, stamping it if needed.
func (c *ExecutionContext) AppendMessage(msg Message) {
	if msg.Timestamp.IsZero() {
		msg.Timestamp = time.Now()
	}
	c.msgMu.Lock()
	c.messages = append(c.messages, msg)
	c.msgMu.Unlock()
}

// Messages returns a copy of the message log.
func (c *ExecutionContext) Messages() []Message {
	c.msgMu.RLock()
	defer c.msgMu.RUnlock()
	out := make([]Message, len(c.messages))
	copy(out, c.messages)
	return out
}

// LastMessage returns the most recent message, if any.
func (c *ExecutionContext) LastMessage() (Message, bool) {
	c.msgMu.RLock()
	defer c.msgMu.RUnlock()
	if len(c.messages) == 0 {
		return Message{}, false
	}
	return c.messages[len(c.messages)-1], true
}

// MessageCount returns the length of the message log.
func (c *ExecutionContext) MessageCount() int {
	c.msgMu.RLock()
	defer c.msgMu.RUnlock()
	return len(c.messages)
}

// ---- results ----

// SetResult records the latest successful result of node.
func (c *ExecutionContext) SetResult(node string, value any) {
	c.resMu.Lock()
	c.results[node] = value
	c.resMu.Unlock()
}

// Result returns the latest successful result of node.
func (c *ExecutionContext) Result(node string) (any, bool) {
	c.resMu.RLock()
	defer c.resMu.RUnlock()
	v, ok := c.results[node]
	return v, ok
}

// Results returns a copy of all recorded results.
func (c *ExecutionContext) Results() map[string]any {
	c.resMu.RLock()
	defer c.resMu.RUnlock()
	out := make(map[string]any, len(c.results))
	for k, v := range c.results {
		out[k] = v
	}
	return out
}

// ---- counters ----

// IncrementRetry bumps the retry counter of node and returns the new value.
func (c *ExecutionContext) IncrementRetry(node string) int {
	c.cntMu.Lock()
	defer c.cntMu.Unlock()
	c.retries[node]++
	return c.retries[node]
}

// IncrementFailure bumps the consecutive failure counter of node and returns
// the new value.
func (c *ExecutionContext) IncrementFailure(node string) int {
	c.cntMu.Lock()
	defer c.cntMu.Unlock()
	c.failures[node]++
	return c.failures[node]
}

// RetryCount returns the number of retries scheduled for node.
func (c *ExecutionContext) RetryCount(node string) int {
	c.cntMu.Lock()
	defer c.cntMu.Unlock()
	return c.retries[node]
}

// FailureCount returns the consecutive failures recorded for node.
func (c *ExecutionContext) FailureCount(node string) int {
	c.cntMu.Lock()
	defer c.cntMu.Unlock()
	return c.failures[node]
}

// ResetFailures clears the consecutive failure counter after a success.
func (c *ExecutionContext) ResetFailures(node string) {
	c.cntMu.Lock()
	delete(c.failures, node)
	c.cntMu.Unlock()
}

// IncrementIteration records one more loop re-entry into node.
func (c *ExecutionContext) IncrementIteration(node string) int {
	c.cntMu.Lock()
	defer c.cntMu.Unlock()
	c.iterations[node]++
	return c.iterations[node]
}

// Iteration returns how many times a loop re-entered node.
func (c *ExecutionContext) Iteration(node string) int {
	c.cntMu.Lock()
	defer c.cntMu.Unlock()
	return c.iterations[node]
}

// Iterations returns a copy of the loop re-entry counters.
func (c *ExecutionContext) Iterations() map[string]int {
	c.cntMu.Lock()
	defer c.cntMu.Unlock()
	out := make(map[string]int, len(c.iterations))
	for k, v := range c.iterations {
		out[k] = v
	}
	return out
}

// rearm clears the per-activation counters of node ahead of a loop pass.
func (c *ExecutionContext) rearm(node string) {
	c.cntMu.Lock()
	delete(c.retries, node)
	delete(c.failures, node)
	c.cntMu.Unlock()
}

// ---- status ----

// SetStatus sets the status of node.
func (c *ExecutionContext) SetStatus(node string, status NodeStatus) {
	c.stMu.Lock()
	c.status[node] = status
	c.stMu.Unlock()
}

// Status returns the status of node. Unknown nodes report PENDING.
func (c *ExecutionContext) Status(node string) NodeStatus {
	c.stMu.RLock()
	defer c.stMu.RUnlock()
	if s, ok := c.status[node]; ok {
		return s
	}
	return StatusPending
}

// Statuses returns a copy of the status map.
func (c *ExecutionContext) Statuses() map[string]NodeStatus {
	c.stMu.RLock()
	defer c.stMu.RUnlock()
	out := make(map[string]NodeStatus, len(c.status))
	for k, v := range c.status {
		out[k] = v
	}
	return out
}

// CountStatus returns how many nodes are currently in status.
func (c *ExecutionContext) CountStatus(status NodeStatus) int {
	c.stMu.RLock()
	defer c.stMu.RUnlock()
	n := 0
	for _, s := range c.status {
		if s == status {
			n++
		}
	}
	return n
}

var (
	_ StateReader = (*ExecutionContext)(nil)
	_ TaskContext = (*ExecutionContext)(nil)
)

// taskView is the TaskContext handed to runners and conditions. It forwards
// reads plus the message and result writes; status and counters stay with
// the executor.
type taskView struct{ c *ExecutionContext }

func (v taskView) RunID() string                    { return v.c.RunID() }
func (v taskView) Messages() []Message              { return v.c.Messages() }
func (v taskView) LastMessage() (Message, bool)     { return v.c.LastMessage() }
func (v taskView) MessageCount() int                { return v.c.MessageCount() }
func (v taskView) Result(node string) (any, bool)   { return v.c.Result(node) }
func (v taskView) Status(node string) NodeStatus    { return v.c.Status(node) }
func (v taskView) Iteration(node string) int        { return v.c.Iteration(node) }
func (v taskView) AppendMessage(msg Message)        { v.c.AppendMessage(msg) }
func (v taskView) SetResult(node string, value any) { v.c.SetResult(node, value) }

var _ TaskContext = taskView{}
