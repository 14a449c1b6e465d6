package telemetry

import (
	"context"

	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/trace"

	"github.com/BaSui01/taskgraph/workflow"
)

const instrumentationName = "github.com/BaSui01/taskgraph/workflow"

// TracingSink records node attempts and finished runs as spans. Events carry
// their own duration, so each span is started and ended retroactively.
type TracingSink struct {
	tracer trace.Tracer
}

// NewTracingSink creates a sink on tp; nil uses the global provider.
func NewTracingSink(tp trace.TracerProvider) *TracingSink {
	if tp == nil {
		tp = otel.GetTracerProvider()
	}
	return &TracingSink{tracer: tp.Tracer(instrumentationName)}
}

// Emit implements workflow.Sink.
func (s *TracingSink) Emit(e workflow.Event) {
	var name string
	switch e.Type {
	case workflow.EventNodeSucceeded, workflow.EventNodeFailed:
		name = "node " + e.Node
	case workflow.EventWorkflowCompleted:
		name = "workflow " + e.Workflow
	case workflow.EventCircuitOpened:
		s.instant(e)
		return
	default:
		return
	}

	end := e.Timestamp
	start := end.Add(-e.Duration)
	_, span := s.tracer.Start(context.Background(), name,
		trace.WithTimestamp(start),
		trace.WithSpanKind(trace.SpanKindInternal),
		trace.WithAttributes(attributes(e)...),
	)
	if e.Error != "" {
		span.SetStatus(codes.Error, e.Error)
	} else if e.Status == string(workflow.RunFailed) {
		span.SetStatus(codes.Error, "workflow failed")
	} else {
		span.SetStatus(codes.Ok, "")
	}
	span.End(trace.WithTimestamp(end))
}

func (s *TracingSink) instant(e workflow.Event) {
	_, span := s.tracer.Start(context.Background(), "circuit_opened "+e.Node,
		trace.WithTimestamp(e.Timestamp),
		trace.WithAttributes(attributes(e)...),
	)
	span.SetStatus(codes.Error, e.Error)
	span.End(trace.WithTimestamp(e.Timestamp))
}

func attributes(e workflow.Event) []attribute.KeyValue {
	attrs := []attribute.KeyValue{
		attribute.String("taskgraph.run_id", e.RunID),
		attribute.String("taskgraph.workflow", e.Workflow),
		attribute.String("taskgraph.status", e.Status),
	}
	if e.Node != "" {
		attrs = append(attrs,
			attribute.String("taskgraph.node", e.Node),
			attribute.Int("taskgraph.attempt", e.Attempt),
		)
	}
	return attrs
}

var _ workflow.Sink = (*TracingSink)(nil)
