package metrics

import (
	"github.com/BaSui01/taskgraph/workflow"
)

// Sink 把执行器事件折算为指标，其余事件忽略
type Sink struct {
	c *Collector
}

func NewSink(c *Collector) *Sink { return &Sink{c: c} }

// Emit implements workflow.Sink.
func (s *Sink) Emit(e workflow.Event) {
	switch e.Type {
	case workflow.EventWorkflowCompleted:
		s.c.RecordRun(e.Workflow, e.Status, e.Duration)
	case workflow.EventNodeSucceeded, workflow.EventNodeFailed:
		s.c.RecordNodeAttempt(e.Workflow, e.Node, e.Status, e.Duration)
	case workflow.EventNodeRetried:
		s.c.RecordNodeRetry(e.Workflow, e.Node)
	case workflow.EventCircuitOpened:
		s.c.RecordCircuitOpen(e.Workflow, e.Node)
	}
}

var _ workflow.Sink = (*Sink)(nil)
