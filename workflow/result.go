package workflow

import (
	"encoding/json"
	"errors"
	"sort"
	"time"
)

// RunStatus is the overall outcome of a run.
type RunStatus string

const (
	RunSucceeded RunStatus = "succeeded"
	RunFailed    RunStatus = "failed"
)

// WorkflowResult is the terminal snapshot of a run. It is built once when the
// run ends and is not modified afterwards.
type WorkflowResult struct {
	RunID       string                `json:"run_id"`
	Workflow    string                `json:"workflow"`
	Status      RunStatus             `json:"status"`
	Results     map[string]any        `json:"results"`
	Messages    []Message             `json:"messages"`
	NodeStatus  map[string]NodeStatus `json:"node_status"`
	NodeErrors  map[string]error      `json:"-"`
	Attempts    []NodeAttempt         `json:"attempts,omitempty"`
	Iterations  map[string]int        `json:"iterations,omitempty"`
	StartedAt   time.Time             `json:"started_at"`
	CompletedAt time.Time             `json:"completed_at"`
}

// Succeeded reports whether every node succeeded.
func (r *WorkflowResult) Succeeded() bool { return r.Status == RunSucceeded }

// Duration returns the wall time of the run.
func (r *WorkflowResult) Duration() time.Duration { return r.CompletedAt.Sub(r.StartedAt) }

// NodesIn returns the names of nodes that ended in status, sorted.
func (r *WorkflowResult) NodesIn(status NodeStatus) []string {
	var out []string
	for name, s := range r.NodeStatus {
		if s == status {
			out = append(out, name)
		}
	}
	sort.Strings(out)
	return out
}

// AttemptsFor returns the recorded attempts of node in order.
func (r *WorkflowResult) AttemptsFor(node string) []NodeAttempt {
	var out []NodeAttempt
	for _, a := range r.Attempts {
		if a.Node == node {
			out = append(out, a)
		}
	}
	return out
}

type workflowResultJSON struct {
	workflowResultAlias
	Errors map[string]string `json:"errors,omitempty"`
}

type workflowResultAlias WorkflowResult

// MarshalJSON renders NodeErrors as their messages.
func (r *WorkflowResult) MarshalJSON() ([]byte, error) {
	out := workflowResultJSON{workflowResultAlias: workflowResultAlias(*r)}
	if len(r.NodeErrors) > 0 {
		out.Errors = make(map[string]string, len(r.NodeErrors))
		for node, err := range r.NodeErrors {
			out.Errors[node] = err.Error()
		}
	}
	return json.Marshal(out)
}

// UnmarshalJSON restores NodeErrors as plain errors carrying the stored
// messages.
func (r *WorkflowResult) UnmarshalJSON(data []byte) error {
	var in workflowResultJSON
	if err := json.Unmarshal(data, &in); err != nil {
		return err
	}
	*r = WorkflowResult(in.workflowResultAlias)
	if len(in.Errors) > 0 {
		r.NodeErrors = make(map[string]error, len(in.Errors))
		for node, msg := range in.Errors {
			r.NodeErrors[node] = errors.New(msg)
		}
	}
	return nil
}
