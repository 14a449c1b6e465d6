package workflow

import (
	"sync"
	"sync/atomic"
	"time"

	"go.uber.org/zap"
)

// EventType identifies a lifecycle notification.
type EventType string

const (
	EventNodeStarted       EventType = "node_started"
	EventNodeSucceeded     EventType = "node_succeeded"
	EventNodeFailed        EventType = "node_failed"
	EventNodeRetried       EventType = "node_retried"
	EventCircuitOpened     EventType = "circuit_opened"
	EventWorkflowCompleted EventType = "workflow_completed"
)

// Event is a lifecycle notification. Status carries the node status, or the
// run status for EventWorkflowCompleted.
type Event struct {
	Type      EventType     `json:"type"`
	RunID     string        `json:"run_id"`
	Workflow  string        `json:"workflow,omitempty"`
	Node      string        `json:"node,omitempty"`
	Status    string        `json:"status"`
	Attempt   int           `json:"attempt,omitempty"`
	Duration  time.Duration `json:"duration,omitempty"`
	Delay     time.Duration `json:"delay,omitempty"`
	Error     string        `json:"error,omitempty"`
	Timestamp time.Time     `json:"timestamp"`
}

// Sink receives lifecycle events. Implementations passed to the executor are
// wrapped in an AsyncSink, so Emit may be slow without stalling scheduling.
type Sink interface {
	Emit(event Event)
}

// SinkFunc adapts a function to Sink.
type SinkFunc func(Event)

// Emit calls f.
func (f SinkFunc) Emit(event Event) { f(event) }

// NopSink discards every event.
type NopSink struct{}

// Emit implements Sink.
func (NopSink) Emit(Event) {}

type multiSink []Sink

// NewMultiSink fans events out to every non-nil sink in order.
func NewMultiSink(sinks ...Sink) Sink {
	out := make(multiSink, 0, len(sinks))
	for _, s := range sinks {
		if s != nil {
			out = append(out, s)
		}
	}
	return out
}

func (m multiSink) Emit(event Event) {
	for _, s := range m {
		s.Emit(event)
	}
}

// ---------------------------------------------------------------------------
// AsyncSink
// ---------------------------------------------------------------------------

// AsyncSink delivers events to the next sink on its own goroutine. Emit never
// blocks: when the buffer is full the event is dropped and counted. A panic
// in the next sink is logged and swallowed.
type AsyncSink struct {
	next    Sink
	events  chan Event
	done    chan struct{}
	dropped atomic.Int64
	logger  *zap.Logger

	mu     sync.RWMutex
	closed bool
}

// NewAsyncSink starts the delivery goroutine. buffer < 1 defaults to 256.
func NewAsyncSink(next Sink, buffer int, logger *zap.Logger) *AsyncSink {
	if buffer < 1 {
		buffer = 256
	}
	if logger == nil {
		logger = zap.NewNop()
	}
	s := &AsyncSink{
		next:   next,
		events: make(chan Event, buffer),
		done:   make(chan struct{}),
		logger: logger.With(zap.String("component", "async_sink")),
	}
	go s.loop()
	return s
}

// Emit enqueues event without blocking.
func (s *AsyncSink) Emit(event Event) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	if s.closed {
		s.dropped.Add(1)
		return
	}
	select {
	case s.events <- event:
	default:
		s.dropped.Add(1)
	}
}

// Dropped returns how many events were discarded.
func (s *AsyncSink) Dropped() int64 { return s.dropped.Load() }

// Close stops accepting events and waits for the buffer to drain.
func (s *AsyncSink) Close() error {
	s.mu.Lock()
	if s.closed {
		s.mu.Unlock()
		<-s.done
		return nil
	}
	s.closed = true
	close(s.events)
	s.mu.Unlock()
	<-s.done
	return nil
}

func (s *AsyncSink) loop() {
	defer close(s.done)
	for event := range s.events {
		s.deliver(event)
	}
}

func (s *AsyncSink) deliver(event Event) {
	defer func() {
		if r := recover(); r != nil {
			s.logger.Error("event sink panicked",
				zap.String("event", string(event.Type)),
				zap.Any("panic", r))
		}
	}()
	s.next.Emit(event)
}

// ---------------------------------------------------------------------------
// RecordingSink
// ---------------------------------------------------------------------------

// RecordingSink keeps every event in memory.
type RecordingSink struct {
	mu     sync.Mutex
	events []Event
}

// NewRecordingSink creates an empty recorder.
func NewRecordingSink() *RecordingSink { return &RecordingSink{} }

// Emit implements Sink.
func (r *RecordingSink) Emit(event Event) {
	r.mu.Lock()
	r.events = append(r.events, event)
	r.mu.Unlock()
}

// Events returns a copy of the recorded events.
func (r *RecordingSink) Events() []Event {
	r.mu.Lock()
	defer r.mu.Unlock()
	out := make([]Event, len(r.events))
	copy(out, r.events)
	return out
}

// ByType returns the recorded events of type t.
func (r *RecordingSink) ByType(t EventType) []Event {
	r.mu.Lock()
	defer r.mu.Unlock()
	var out []Event
	for _, e := range r.events {
		if e.Type == t {
			out = append(out, e)
		}
	}
	return out
}

// ForNode returns the recorded events of node.
func (r *RecordingSink) ForNode(node string) []Event {
	r.mu.Lock()
	defer r.mu.Unlock()
	var out []Event
	for _, e := range r.events {
		if e.Node == node {
			out = append(out, e)
		}
	}
	return out
}

// ---------------------------------------------------------------------------
// LogSink
// ---------------------------------------------------------------------------

// LogSink writes events through zap. Failures and circuit trips are logged at
// warn level, everything else at debug.
type LogSink struct {
	logger *zap.Logger
}

// NewLogSink creates a log sink.
func NewLogSink(logger *zap.Logger) *LogSink {
	if logger == nil {
		logger = zap.NewNop()
	}
	return &LogSink{logger: logger.With(zap.String("component", "workflow_events"))}
}

// Emit implements Sink.
func (s *LogSink) Emit(event Event) {
	fields := []zap.Field{
		zap.String("event", string(event.Type)),
		zap.String("run_id", event.RunID),
		zap.String("status", event.Status),
	}
	if event.Node != "" {
		fields = append(fields, zap.String("node", event.Node))
	}
	if event.Attempt > 0 {
		fields = append(fields, zap.Int("attempt", event.Attempt))
	}
	if event.Duration > 0 {
		fields = append(fields, zap.Duration("duration", event.Duration))
	}
	if event.Delay > 0 {
		fields = append(fields, zap.Duration("delay", event.Delay))
	}
	if event.Error != "" {
		fields = append(fields, zap.String("error", event.Error))
	}

	switch event.Type {
	case EventNodeFailed, EventCircuitOpened:
		s.logger.Warn("workflow event", fields...)
	case EventWorkflowCompleted:
		s.logger.Info("workflow event", fields...)
	default:
		s.logger.Debug("workflow event", fields...)
	}
}
