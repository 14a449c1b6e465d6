package workflow

import (
	"context"
	"errors"
	"sort"
	"sync"
	"time"
)

// ErrRunNotFound is returned by run stores for unknown run IDs.
var ErrRunNotFound = errors.New("workflow: run not found")

// AttemptStatus is the outcome of a single attempt.
type AttemptStatus string

const (
	AttemptSucceeded AttemptStatus = "succeeded"
	AttemptFailed    AttemptStatus = "failed"
	AttemptCancelled AttemptStatus = "cancelled"
)

// NodeAttempt records one execution attempt of a node.
type NodeAttempt struct {
	Node      string        `json:"node"`
	Attempt   int           `json:"attempt"`
	Iteration int           `json:"iteration,omitempty"`
	Status    AttemptStatus `json:"status"`
	StartedAt time.Time     `json:"started_at"`
	Duration  time.Duration `json:"duration"`
	Error     string        `json:"error,omitempty"`
}

// ExecutionHistory collects attempts as a run progresses.
type ExecutionHistory struct {
	mu       sync.Mutex
	attempts []NodeAttempt
}

// NewExecutionHistory creates an empty history.
func NewExecutionHistory() *ExecutionHistory {
	return &ExecutionHistory{attempts: make([]NodeAttempt, 0)}
}

// Record appends a finished attempt.
func (h *ExecutionHistory) Record(a NodeAttempt) {
	h.mu.Lock()
	h.attempts = append(h.attempts, a)
	h.mu.Unlock()
}

// Attempts returns a copy of the recorded attempts in completion order.
func (h *ExecutionHistory) Attempts() []NodeAttempt {
	h.mu.Lock()
	defer h.mu.Unlock()
	out := make([]NodeAttempt, len(h.attempts))
	copy(out, h.attempts)
	return out
}

// ---------------------------------------------------------------------------
// Run stores
// ---------------------------------------------------------------------------

// RunFilter narrows ListRuns. Zero values match everything.
type RunFilter struct {
	Workflow string
	Status   RunStatus
	Since    time.Time
	Limit    int
}

// RunStore persists finished runs.
type RunStore interface {
	SaveRun(ctx context.Context, result *WorkflowResult) error
	GetRun(ctx context.Context, runID string) (*WorkflowResult, error)
	ListRuns(ctx context.Context, filter RunFilter) ([]*WorkflowResult, error)
}

// MemoryRunStore keeps runs in process memory.
type MemoryRunStore struct {
	mu   sync.RWMutex
	runs map[string]*WorkflowResult
}

// NewMemoryRunStore creates an empty store.
func NewMemoryRunStore() *MemoryRunStore {
	return &MemoryRunStore{runs: make(map[string]*WorkflowResult)}
}

// SaveRun stores result, replacing any previous run with the same ID.
func (s *MemoryRunStore) SaveRun(_ context.Context, result *WorkflowResult) error {
	if result == nil || result.RunID == "" {
		return errors.New("workflow: run result without id")
	}
	s.mu.Lock()
	s.runs[result.RunID] = result
	s.mu.Unlock()
	return nil
}

// GetRun returns the stored run.
func (s *MemoryRunStore) GetRun(_ context.Context, runID string) (*WorkflowResult, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	r, ok := s.runs[runID]
	if !ok {
		return nil, ErrRunNotFound
	}
	return r, nil
}

// ListRuns returns matching runs, newest first.
func (s *MemoryRunStore) ListRuns(_ context.Context, filter RunFilter) ([]*WorkflowResult, error) {
	s.mu.RLock()
	out := make([]*WorkflowResult, 0, len(s.runs))
	for _, r := range s.runs {
		if filter.Workflow != "" && r.Workflow != filter.Workflow {
			continue
		}
		if filter.Status != "" && r.Status != filter.Status {
			continue
		}
		if !filter.Since.IsZero() && r.StartedAt.Before(filter.Since) {
			continue
		}
		out = append(out, r)
	}
	s.mu.RUnlock()

	sort.Slice(out, func(i, j int) bool { return out[i].StartedAt.After(out[j].StartedAt) })
	if filter.Limit > 0 && len(out) > filter.Limit {
		out = out[:filter.Limit]
	}
	return out, nil
}

var _ RunStore = (*MemoryRunStore)(nil)

// ---------------------------------------------------------------------------
// Graph stores
// ---------------------------------------------------------------------------

// ErrGraphNotFound is returned by graph stores for unknown names.
var ErrGraphNotFound = errors.New("workflow: graph definition not found")

// GraphStore persists named graph definitions.
type GraphStore interface {
	SaveGraph(ctx context.Context, def *GraphDefinition) error
	GetGraph(ctx context.Context, name string) (*GraphDefinition, error)
	ListGraphs(ctx context.Context) ([]string, error)
	DeleteGraph(ctx context.Context, name string) error
}

// MemoryGraphStore keeps definitions in process memory.
type MemoryGraphStore struct {
	mu     sync.RWMutex
	graphs map[string]*GraphDefinition
}

// NewMemoryGraphStore creates an empty store.
func NewMemoryGraphStore() *MemoryGraphStore {
	return &MemoryGraphStore{graphs: make(map[string]*GraphDefinition)}
}

// SaveGraph stores def under its name, replacing any previous version.
func (s *MemoryGraphStore) SaveGraph(_ context.Context, def *GraphDefinition) error {
	if def == nil || def.Name == "" {
		return errors.New("workflow: graph definition without name")
	}
	s.mu.Lock()
	s.graphs[def.Name] = def
	s.mu.Unlock()
	return nil
}

// GetGraph returns the stored definition.
func (s *MemoryGraphStore) GetGraph(_ context.Context, name string) (*GraphDefinition, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	def, ok := s.graphs[name]
	if !ok {
		return nil, ErrGraphNotFound
	}
	return def, nil
}

// ListGraphs returns the stored names, sorted.
func (s *MemoryGraphStore) ListGraphs(_ context.Context) ([]string, error) {
	s.mu.RLock()
	names := make([]string, 0, len(s.graphs))
	for name := range s.graphs {
		names = append(names, name)
	}
	s.mu.RUnlock()
	sort.Strings(names)
	return names, nil
}

// DeleteGraph removes a stored definition.
func (s *MemoryGraphStore) DeleteGraph(_ context.Context, name string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if _, ok := s.graphs[name]; !ok {
		return ErrGraphNotFound
	}
	delete(s.graphs, name)
	return nil
}

var _ GraphStore = (*MemoryGraphStore)(nil)
