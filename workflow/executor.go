package workflow

import (
	"context"
	"errors"
	"fmt"
	"math"
	"sync"
	"time"

	"github.com/google/uuid"
	"go.uber.org/zap"
	"golang.org/x/sync/errgroup"
	"golang.org/x/sync/semaphore"
	"golang.org/x/time/rate"
)

// Options configures an Executor.
type Options struct {
	// MaxConcurrent bounds how many attempts run at the same time.
	MaxConcurrent int
	// MaxRetries is the retry budget per node activation.
	MaxRetries int
	// CircuitBreakerThreshold trips a node after this many consecutive
	// failures. Zero disables the node circuit.
	CircuitBreakerThreshold int
	// BaseBackoff is the delay before the first retry; it doubles each retry.
	BaseBackoff time.Duration
	// MaxBackoff caps the retry delay. Zero means uncapped.
	MaxBackoff time.Duration
	// NodeTimeout bounds a single attempt. Zero means no timeout.
	NodeTimeout time.Duration
	// MaxIterations caps how often a back-edge may re-enter the same node.
	MaxIterations int
	// DispatchRate limits attempt starts per second. Zero means unlimited.
	DispatchRate float64
	// DispatchBurst is the limiter burst; defaults to MaxConcurrent.
	DispatchBurst int
	// EventBuffer sizes the asynchronous event queue.
	EventBuffer int

	// Sink receives lifecycle events; it is wrapped in an AsyncSink.
	Sink Sink
	// Breakers enables task-level breakers shared across runs.
	Breakers *BreakerRegistry
	// Logger defaults to a no-op logger.
	Logger *zap.Logger
}

// DefaultOptions returns the executor defaults.
func DefaultOptions() Options {
	return Options{
		MaxConcurrent:           4,
		MaxRetries:              2,
		CircuitBreakerThreshold: 5,
		BaseBackoff:             100 * time.Millisecond,
		MaxBackoff:              30 * time.Second,
		MaxIterations:           10,
		EventBuffer:             256,
	}
}

// Executor drives graphs to completion. One executor may serve many
// concurrent runs; each run gets its own ExecutionContext.
type Executor struct {
	opts   Options
	sink   Sink
	async  *AsyncSink
	logger *zap.Logger
}

// NewExecutor creates an executor. Non-positive limits fall back to defaults.
func NewExecutor(opts Options) *Executor {
	def := DefaultOptions()
	if opts.MaxConcurrent < 1 {
		opts.MaxConcurrent = def.MaxConcurrent
	}
	if opts.MaxRetries < 0 {
		opts.MaxRetries = 0
	}
	if opts.CircuitBreakerThreshold < 0 {
		opts.CircuitBreakerThreshold = 0
	}
	if opts.BaseBackoff < 0 {
		opts.BaseBackoff = 0
	}
	if opts.MaxIterations < 1 {
		opts.MaxIterations = def.MaxIterations
	}
	if opts.DispatchBurst < 1 {
		opts.DispatchBurst = opts.MaxConcurrent
	}
	if opts.Logger == nil {
		opts.Logger = zap.NewNop()
	}

	e := &Executor{
		opts:   opts,
		sink:   NopSink{},
		logger: opts.Logger.With(zap.String("component", "executor")),
	}
	if opts.Sink != nil {
		e.async = NewAsyncSink(opts.Sink, opts.EventBuffer, opts.Logger)
		e.sink = e.async
	}
	return e
}

// Options returns the effective configuration.
func (e *Executor) Options() Options { return e.opts }

// Close flushes pending events.
func (e *Executor) Close() error {
	if e.async != nil {
		return e.async.Close()
	}
	return nil
}

// RunOption customizes a single run.
type RunOption func(*runConfig)

type runConfig struct {
	runID    string
	messages []Message
}

// WithRunID sets the run identifier instead of generating one.
func WithRunID(id string) RunOption {
	return func(c *runConfig) { c.runID = id }
}

// WithMessages seeds the message log before any node runs.
func WithMessages(msgs ...Message) RunOption {
	return func(c *runConfig) { c.messages = append(c.messages, msgs...) }
}

// Run validates g and executes it with runner until every reachable node is
// terminal.
//
// The returned result is non-nil whenever the graph was valid. The error is
// a *CircuitBreakerOpenError (joined when several nodes tripped), a
// *DeadlockError, or a *CancelledError. Nodes that exhausted their retries
// below the circuit threshold only show up in the result.
func (e *Executor) Run(ctx context.Context, g *Graph, runner TaskRunner, opts ...RunOption) (*WorkflowResult, error) {
	if g == nil {
		return nil, errors.New("workflow: graph is nil")
	}
	if runner == nil {
		return nil, errors.New("workflow: task runner is nil")
	}
	if err := g.Validate(); err != nil {
		return nil, fmt.Errorf("invalid graph %q: %w", g.Name(), err)
	}

	cfg := runConfig{}
	for _, opt := range opts {
		opt(&cfg)
	}
	if cfg.runID == "" {
		cfg.runID = uuid.NewString()
	}

	state := NewExecutionContext(cfg.runID, g.NodeNames())
	for _, m := range cfg.messages {
		state.AppendMessage(m)
	}

	r := &run{
		exec:      e,
		graph:     g,
		runner:    runner,
		state:     state,
		view:      taskView{c: state},
		history:   NewExecutionHistory(),
		sem:       semaphore.NewWeighted(int64(e.opts.MaxConcurrent)),
		nodeErrs:  make(map[string]error),
		startedAt: time.Now(),
		logger: e.logger.With(
			zap.String("run_id", cfg.runID),
			zap.String("workflow", g.Name()),
		),
	}
	if e.opts.DispatchRate > 0 {
		r.limiter = rate.NewLimiter(rate.Limit(e.opts.DispatchRate), e.opts.DispatchBurst)
	}
	return r.execute(ctx)
}

// run is the state of one Run call.
type run struct {
	exec    *Executor
	graph   *Graph
	runner  TaskRunner
	state   *ExecutionContext
	view    taskView
	history *ExecutionHistory
	sem     *semaphore.Weighted
	limiter *rate.Limiter
	logger  *zap.Logger

	mu          sync.Mutex
	nodeErrs    map[string]error
	circuitErrs []error

	startedAt time.Time
}

func (r *run) execute(ctx context.Context) (*WorkflowResult, error) {
	r.logger.Info("workflow run started",
		zap.Int("nodes", len(r.graph.order)),
		zap.Int("max_concurrent", r.exec.opts.MaxConcurrent))

	for {
		if err := ctx.Err(); err != nil {
			return r.cancelled(err)
		}

		ready := r.graph.ReadyNodes(r.view)
		if len(ready) == 0 {
			if stuck := r.stuckNodes(); len(stuck) > 0 {
				result := r.finish()
				r.logger.Error("workflow deadlocked", zap.Strings("pending", stuck))
				return result, &DeadlockError{Pending: stuck, Result: result}
			}
			break
		}

		succeeded := r.dispatch(ctx, ready)
		if err := ctx.Err(); err != nil {
			return r.cancelled(err)
		}
		r.rearmLoops(succeeded)
	}

	result := r.finish()
	r.mu.Lock()
	circuitErrs := append([]error(nil), r.circuitErrs...)
	r.mu.Unlock()
	if len(circuitErrs) == 1 {
		return result, circuitErrs[0]
	}
	return result, errors.Join(circuitErrs...)
}

// dispatch runs one batch and waits for every node in it to settle. It
// returns the nodes that succeeded, in batch order.
func (r *run) dispatch(ctx context.Context, ready []string) []string {
	ok := make([]bool, len(ready))
	var g errgroup.Group
	for i, name := range ready {
		node := *r.graph.nodes[name]
		g.Go(func() error {
			ok[i] = r.runNode(ctx, node)
			return nil
		})
	}
	_ = g.Wait()

	succeeded := make([]string, 0, len(ready))
	for i, name := range ready {
		if ok[i] {
			succeeded = append(succeeded, name)
		}
	}
	return succeeded
}

// runNode drives one node through its attempts and reports whether it
// succeeded. Permits are held only while an attempt is running.
func (r *run) runNode(ctx context.Context, node Node) bool {
	name := node.Name
	maxRetries := r.maxRetries(node)
	threshold := r.exec.opts.CircuitBreakerThreshold
	log := r.logger.With(zap.String("node", name))

	for {
		if err := r.sem.Acquire(ctx, 1); err != nil {
			// Cancelled while waiting; the node stays PENDING or RETRYING.
			if r.state.Status(name) == StatusRetrying {
				r.state.SetStatus(name, StatusPending)
			}
			return false
		}

		attempt := r.state.RetryCount(name) + 1
		r.state.SetStatus(name, StatusRunning)
		r.emit(Event{Type: EventNodeStarted, Node: name, Status: string(StatusRunning), Attempt: attempt})

		start := time.Now()
		value, err := r.attempt(ctx, node)
		elapsed := time.Since(start)

		if err == nil {
			r.state.SetResult(name, value)
			r.state.ResetFailures(name)
			r.state.SetStatus(name, StatusSucceeded)
			r.sem.Release(1)

			r.record(node, attempt, AttemptSucceeded, start, elapsed, nil)
			r.emit(Event{Type: EventNodeSucceeded, Node: name, Status: string(StatusSucceeded), Attempt: attempt, Duration: elapsed})
			log.Debug("node succeeded", zap.Int("attempt", attempt), zap.Duration("duration", elapsed))
			return true
		}

		if ctx.Err() != nil {
			// Run cancelled mid-attempt: abandon without charging the node.
			r.state.SetStatus(name, StatusPending)
			r.sem.Release(1)
			r.record(node, attempt, AttemptCancelled, start, elapsed, ctx.Err())
			return false
		}

		r.record(node, attempt, AttemptFailed, start, elapsed, err)
		failures := r.state.IncrementFailure(name)

		if threshold > 0 && failures >= threshold {
			r.state.SetStatus(name, StatusCircuitOpen)
			r.sem.Release(1)

			cbErr := &CircuitBreakerOpenError{Node: name, Failures: failures, Err: err}
			r.fail(name, cbErr, true)
			r.emit(Event{Type: EventNodeFailed, Node: name, Status: string(StatusCircuitOpen), Attempt: attempt, Duration: elapsed, Error: err.Error()})
			r.emit(Event{Type: EventCircuitOpened, Node: name, Status: string(StatusCircuitOpen), Attempt: attempt, Error: err.Error()})
			log.Warn("node circuit opened", zap.Int("failures", failures), zap.Error(err))
			return false
		}

		if r.state.RetryCount(name) < maxRetries {
			retry := r.state.IncrementRetry(name)
			r.state.SetStatus(name, StatusRetrying)
			r.sem.Release(1)

			delay := r.backoff(retry)
			r.emit(Event{Type: EventNodeFailed, Node: name, Status: string(StatusRetrying), Attempt: attempt, Duration: elapsed, Error: err.Error()})
			r.emit(Event{Type: EventNodeRetried, Node: name, Status: string(StatusRetrying), Attempt: attempt + 1, Delay: delay})
			log.Debug("node retry scheduled",
				zap.Int("retry", retry),
				zap.Duration("delay", delay),
				zap.Error(err))

			if !sleep(ctx, delay) {
				r.state.SetStatus(name, StatusPending)
				return false
			}
			continue
		}

		r.state.SetStatus(name, StatusFailed)
		r.sem.Release(1)

		nodeErr := &NodeExecutionError{Node: name, Attempts: attempt, Err: err}
		r.fail(name, nodeErr, false)
		r.emit(Event{Type: EventNodeFailed, Node: name, Status: string(StatusFailed), Attempt: attempt, Duration: elapsed, Error: err.Error()})
		log.Warn("node failed", zap.Int("attempts", attempt), zap.Error(err))
		return false
	}
}

// attempt runs the task once under the node timeout, the dispatch limiter
// and the task breaker.
func (r *run) attempt(ctx context.Context, node Node) (any, error) {
	if r.limiter != nil {
		if err := r.limiter.Wait(ctx); err != nil {
			return nil, fmt.Errorf("dispatch limiter: %w", err)
		}
	}

	var breaker *TaskBreaker
	if r.exec.opts.Breakers != nil && node.TaskRef != "" {
		breaker = r.exec.opts.Breakers.Get(node.TaskRef)
		if err := breaker.Allow(); err != nil {
			return nil, fmt.Errorf("%w: %v", ErrTaskUnavailable, err)
		}
	}

	attemptCtx := ctx
	timeout := r.nodeTimeout(node)
	if timeout > 0 {
		var cancel context.CancelFunc
		attemptCtx, cancel = context.WithTimeout(ctx, timeout)
		defer cancel()
	}

	value, err := r.invoke(attemptCtx, node)
	if timeout > 0 && ctx.Err() == nil && errors.Is(attemptCtx.Err(), context.DeadlineExceeded) {
		cause := err
		if cause == nil {
			cause = context.DeadlineExceeded
		}
		value, err = nil, fmt.Errorf("node %s exceeded timeout of %v: %w", node.Name, timeout, cause)
	}

	if breaker != nil && ctx.Err() == nil {
		if err != nil {
			breaker.RecordFailure()
		} else {
			breaker.RecordSuccess()
		}
	}
	return value, err
}

// invoke calls the runner, turning a panic into an error.
func (r *run) invoke(ctx context.Context, node Node) (value any, err error) {
	defer func() {
		if p := recover(); p != nil {
			err = fmt.Errorf("task %s panicked: %v", node.Name, p)
		}
	}()
	return r.runner.Execute(ctx, node, r.view)
}

// rearmLoops re-enters loops whose back-edge fires after its source succeeded.
func (r *run) rearmLoops(succeeded []string) {
	topo := r.graph.topology()
	for _, src := range succeeded {
		for _, idx := range r.graph.outgoing[src] {
			if !topo.back[idx] {
				continue
			}
			e := r.graph.edges[idx]
			if e.Condition != nil && !e.Condition.Evaluate(r.view) {
				continue
			}
			if r.state.Iteration(e.Target) >= r.exec.opts.MaxIterations {
				r.logger.Warn("loop iteration limit reached",
					zap.String("source", e.Source),
					zap.String("target", e.Target),
					zap.Int("max_iterations", r.exec.opts.MaxIterations))
				continue
			}
			// An earlier back-edge in this pass may already have re-armed it.
			if r.state.Status(e.Target) == StatusPending {
				continue
			}

			iteration := r.state.IncrementIteration(e.Target)
			body := r.graph.loopBody(e.Source, e.Target)
			for _, name := range body {
				r.state.rearm(name)
				r.state.SetStatus(name, StatusPending)
			}
			r.logger.Debug("loop re-armed",
				zap.String("source", e.Source),
				zap.String("target", e.Target),
				zap.Int("iteration", iteration),
				zap.Strings("body", body))
		}
	}
}

// stuckNodes returns PENDING or RETRYING nodes that are not explained by an
// upstream failure.
func (r *run) stuckNodes() []string {
	blocked := r.graph.blocked(r.state)
	var stuck []string
	for _, name := range r.graph.order {
		s := r.state.Status(name)
		if (s == StatusPending || s == StatusRetrying) && !blocked[name] {
			stuck = append(stuck, name)
		}
	}
	return stuck
}

func (r *run) cancelled(cause error) (*WorkflowResult, error) {
	result := r.finish()
	r.logger.Warn("workflow run cancelled", zap.Error(cause))
	return result, &CancelledError{Result: result, Err: cause}
}

// finish snapshots the run and emits EventWorkflowCompleted.
func (r *run) finish() *WorkflowResult {
	statuses := r.state.Statuses()
	status := RunSucceeded
	for _, s := range statuses {
		if s != StatusSucceeded {
			status = RunFailed
			break
		}
	}

	r.mu.Lock()
	nodeErrs := make(map[string]error, len(r.nodeErrs))
	for k, v := range r.nodeErrs {
		nodeErrs[k] = v
	}
	r.mu.Unlock()

	result := &WorkflowResult{
		RunID:       r.state.RunID(),
		Workflow:    r.graph.Name(),
		Status:      status,
		Results:     r.state.Results(),
		Messages:    r.state.Messages(),
		NodeStatus:  statuses,
		NodeErrors:  nodeErrs,
		Attempts:    r.history.Attempts(),
		Iterations:  r.state.Iterations(),
		StartedAt:   r.startedAt,
		CompletedAt: time.Now(),
	}

	r.emit(Event{Type: EventWorkflowCompleted, Status: string(status), Duration: result.Duration()})
	r.logger.Info("workflow run completed",
		zap.String("status", string(status)),
		zap.Duration("duration", result.Duration()),
		zap.Strings("failed", result.NodesIn(StatusFailed)),
		zap.Strings("circuit_open", result.NodesIn(StatusCircuitOpen)))
	return result
}

func (r *run) fail(node string, err error, circuit bool) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.nodeErrs[node] = err
	if circuit {
		r.circuitErrs = append(r.circuitErrs, err)
	}
}

func (r *run) record(node Node, attempt int, status AttemptStatus, start time.Time, d time.Duration, err error) {
	a := NodeAttempt{
		Node:      node.Name,
		Attempt:   attempt,
		Iteration: r.state.Iteration(node.Name),
		Status:    status,
		StartedAt: start,
		Duration:  d,
	}
	if err != nil {
		a.Error = err.Error()
	}
	r.history.Record(a)
}

func (r *run) emit(event Event) {
	event.RunID = r.state.RunID()
	event.Workflow = r.graph.Name()
	if event.Timestamp.IsZero() {
		event.Timestamp = time.Now()
	}
	r.exec.sink.Emit(event)
}

func (r *run) maxRetries(node Node) int {
	if node.Policy != nil && node.Policy.MaxRetries != nil {
		return max(*node.Policy.MaxRetries, 0)
	}
	return r.exec.opts.MaxRetries
}

func (r *run) nodeTimeout(node Node) time.Duration {
	if node.Policy != nil && node.Policy.Timeout > 0 {
		return node.Policy.Timeout
	}
	return r.exec.opts.NodeTimeout
}

// backoff returns BaseBackoff * 2^(retry-1), capped at MaxBackoff.
func (r *run) backoff(retry int) time.Duration {
	return computeBackoff(r.exec.opts.BaseBackoff, r.exec.opts.MaxBackoff, retry)
}

func computeBackoff(base, limit time.Duration, retry int) time.Duration {
	if base <= 0 || retry < 1 {
		return 0
	}
	d := base
	for i := 1; i < retry; i++ {
		if limit > 0 && d >= limit {
			return limit
		}
		if d > math.MaxInt64/2 {
			return time.Duration(math.MaxInt64)
		}
		d *= 2
	}
	if limit > 0 && d > limit {
		return limit
	}
	return d
}

// sleep waits for d or until ctx is done; it reports whether the full delay
// elapsed.
func sleep(ctx context.Context, d time.Duration) bool {
	if d <= 0 {
		return ctx.Err() == nil
	}
	t := time.NewTimer(d)
	defer t.Stop()
	select {
	case <-ctx.Done():
		return false
	case <-t.C:
		return true
	}
}
