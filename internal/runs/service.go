package runs

import (
	"context"
	"errors"
	"net/http"
	"sort"
	"sync"
	"time"

	"github.com/google/uuid"
	"go.uber.org/zap"

	"github.com/BaSui01/taskgraph/internal/ctxkeys"
	"github.com/BaSui01/taskgraph/internal/pool"
	"github.com/BaSui01/taskgraph/types"
	"github.com/BaSui01/taskgraph/workflow"
)

const saveTimeout = 10 * time.Second

// Status 是服务层的运行状态：排队、执行中，或结束后的 RunStatus
type Status string

const (
	StatusQueued    Status = "queued"
	StatusRunning   Status = "running"
	StatusSucceeded Status = Status(workflow.RunSucceeded)
	StatusFailed    Status = Status(workflow.RunFailed)
)

// RunGauge 跟踪执行中的运行数，*metrics.Collector 实现该接口
type RunGauge interface {
	RunStarted()
	RunFinished()
}

// Config 运行服务的依赖。Runs 与 Graphs 为空时使用内存实现。
type Config struct {
	// Executor 的 Sink 会与服务自身的 Sink 组合
	Executor   workflow.Options
	Tasks      workflow.TaskRunner
	Conditions *workflow.ConditionRegistry
	Runs       workflow.RunStore
	Graphs     workflow.GraphStore
	Pool       *pool.GoroutinePool
	Hub        *Hub
	Gauge      RunGauge
	Logger     *zap.Logger
}

// SubmitRequest 提交一次运行。Graph 与 GraphName 二选一，Graph 优先。
type SubmitRequest struct {
	Graph     *workflow.GraphDefinition
	GraphName string
	RunID     string
	Messages  []workflow.Message
}

// Snapshot 是运行的对外视图
type Snapshot struct {
	RunID       string                         `json:"run_id"`
	Workflow    string                         `json:"workflow"`
	Status      Status                         `json:"status"`
	NodeStatus  map[string]workflow.NodeStatus `json:"node_status,omitempty"`
	SubmittedAt time.Time                      `json:"submitted_at"`
	StartedAt   *time.Time                     `json:"started_at,omitempty"`
	Result      *workflow.WorkflowResult       `json:"result,omitempty"`
}

// Done 报告运行是否已结束
func (s *Snapshot) Done() bool { return s.Result != nil }

type liveRun struct {
	runID       string
	workflow    string
	status      Status
	nodes       map[string]workflow.NodeStatus
	submittedAt time.Time
	startedAt   time.Time
	cancel      context.CancelFunc
	cancelled   bool
}

func (lr *liveRun) snapshot() *Snapshot {
	nodes := make(map[string]workflow.NodeStatus, len(lr.nodes))
	for k, v := range lr.nodes {
		nodes[k] = v
	}
	s := &Snapshot{
		RunID:       lr.runID,
		Workflow:    lr.workflow,
		Status:      lr.status,
		NodeStatus:  nodes,
		SubmittedAt: lr.submittedAt,
	}
	if !lr.startedAt.IsZero() {
		started := lr.startedAt
		s.StartedAt = &started
	}
	return s
}

func resultSnapshot(r *workflow.WorkflowResult) *Snapshot {
	started := r.StartedAt
	return &Snapshot{
		RunID:       r.RunID,
		Workflow:    r.Workflow,
		Status:      Status(r.Status),
		NodeStatus:  r.NodeStatus,
		SubmittedAt: r.StartedAt,
		StartedAt:   &started,
		Result:      r,
	}
}

// =============================================================================
// Service
// =============================================================================

// Service 在 goroutine 池上异步执行工作流，跟踪执行中的运行并持久化结果
type Service struct {
	exec       *workflow.Executor
	tasks      workflow.TaskRunner
	conditions *workflow.ConditionRegistry
	runs       workflow.RunStore
	graphs     workflow.GraphStore
	pool       *pool.GoroutinePool
	hub        *Hub
	gauge      RunGauge
	logger     *zap.Logger

	mu   sync.RWMutex
	live map[string]*liveRun
}

// NewService 创建运行服务
func NewService(cfg Config) (*Service, error) {
	if cfg.Tasks == nil {
		return nil, errors.New("runs: task runner is required")
	}
	if cfg.Pool == nil {
		return nil, errors.New("runs: goroutine pool is required")
	}
	if cfg.Logger == nil {
		cfg.Logger = zap.NewNop()
	}
	if cfg.Runs == nil {
		cfg.Runs = workflow.NewMemoryRunStore()
	}
	if cfg.Graphs == nil {
		cfg.Graphs = workflow.NewMemoryGraphStore()
	}
	if cfg.Hub == nil {
		cfg.Hub = NewHub(0)
	}

	s := &Service{
		tasks:      cfg.Tasks,
		conditions: cfg.Conditions,
		runs:       cfg.Runs,
		graphs:     cfg.Graphs,
		pool:       cfg.Pool,
		hub:        cfg.Hub,
		gauge:      cfg.Gauge,
		logger:     cfg.Logger.With(zap.String("component", "run_service")),
		live:       make(map[string]*liveRun),
	}

	opts := cfg.Executor
	if opts.Logger == nil {
		opts.Logger = cfg.Logger
	}
	opts.Sink = workflow.NewMultiSink(opts.Sink, workflow.SinkFunc(s.observe))
	s.exec = workflow.NewExecutor(opts)
	return s, nil
}

// Hub 返回事件分发器
func (s *Service) Hub() *Hub { return s.hub }

// Validate 构建并校验 def
func (s *Service) Validate(def *workflow.GraphDefinition) (*workflow.Graph, error) {
	g, err := workflow.FromDefinition(def, s.conditions)
	if err != nil {
		return nil, err
	}
	if err := g.Validate(); err != nil {
		return nil, err
	}
	return g, nil
}

// Submit 校验图并把运行放入池中，立即返回排队中的快照。
// 池满时返回 RUN_QUEUE_FULL。
func (s *Service) Submit(ctx context.Context, req SubmitRequest) (*Snapshot, error) {
	def := req.Graph
	if def == nil {
		if req.GraphName == "" {
			return nil, types.NewError(types.ErrInvalidRequest, "graph or graph_name is required").
				WithHTTPStatus(http.StatusBadRequest)
		}
		stored, err := s.graphs.GetGraph(ctx, req.GraphName)
		if err != nil {
			return nil, err
		}
		def = stored
	}
	g, err := s.Validate(def)
	if err != nil {
		return nil, err
	}

	runID := req.RunID
	if runID == "" {
		runID = uuid.NewString()
	} else if _, err := s.runs.GetRun(ctx, runID); err == nil {
		return nil, runExists(runID)
	}

	nodes := make(map[string]workflow.NodeStatus, len(g.NodeNames()))
	for _, name := range g.NodeNames() {
		nodes[name] = workflow.StatusPending
	}
	lr := &liveRun{
		runID:       runID,
		workflow:    g.Name(),
		status:      StatusQueued,
		nodes:       nodes,
		submittedAt: time.Now(),
	}

	s.mu.Lock()
	if _, exists := s.live[runID]; exists {
		s.mu.Unlock()
		return nil, runExists(runID)
	}
	s.live[runID] = lr
	snap := lr.snapshot()
	s.mu.Unlock()

	msgs := req.Messages
	err = s.pool.Submit(func(poolCtx context.Context) error {
		return s.execute(poolCtx, lr, g, msgs)
	})
	if err != nil {
		s.forget(runID)
		if errors.Is(err, pool.ErrPoolFull) {
			return nil, types.NewError(types.ErrRunQueueFull, "run queue is full").
				WithCause(err).WithHTTPStatus(http.StatusTooManyRequests).WithRetryable(true)
		}
		return nil, types.NewError(types.ErrServiceUnavailable, "run service is shutting down").
			WithCause(err).WithHTTPStatus(http.StatusServiceUnavailable)
	}

	fields := []zap.Field{zap.String("run_id", runID), zap.String("workflow", g.Name())}
	if reqID, ok := ctxkeys.RequestID(ctx); ok {
		fields = append(fields, zap.String("request_id", reqID))
	}
	s.logger.Info("run queued", fields...)
	return snap, nil
}

func runExists(runID string) error {
	return types.NewError(types.ErrConflict, "run "+runID+" already exists").
		WithHTTPStatus(http.StatusConflict)
}

// Run 同步执行 def，不经过池，供 CLI 使用
func (s *Service) Run(ctx context.Context, def *workflow.GraphDefinition, runID string, msgs ...workflow.Message) (*workflow.WorkflowResult, error) {
	g, err := s.Validate(def)
	if err != nil {
		return nil, err
	}
	if runID == "" {
		runID = uuid.NewString()
	}
	result, runErr := s.exec.Run(ctxkeys.WithRunID(ctx, runID), g, s.tasks,
		workflow.WithRunID(runID), workflow.WithMessages(msgs...))
	s.save(result)
	return result, runErr
}

func (s *Service) execute(ctx context.Context, lr *liveRun, g *workflow.Graph, msgs []workflow.Message) error {
	ctx, cancel := context.WithCancel(ctxkeys.WithRunID(ctx, lr.runID))
	defer cancel()

	s.mu.Lock()
	lr.cancel = cancel
	lr.status = StatusRunning
	lr.startedAt = time.Now()
	if lr.cancelled {
		cancel()
	}
	s.mu.Unlock()

	if s.gauge != nil {
		s.gauge.RunStarted()
		defer s.gauge.RunFinished()
	}

	result, err := s.exec.Run(ctx, g, s.tasks,
		workflow.WithRunID(lr.runID), workflow.WithMessages(msgs...))
	s.save(result)
	s.forget(lr.runID)

	if err != nil {
		s.logger.Warn("run finished with error",
			zap.String("run_id", lr.runID),
			zap.String("workflow", lr.workflow),
			zap.Error(err))
	}
	return err
}

// save 使用独立的 context，运行被取消后结果仍能落库
func (s *Service) save(result *workflow.WorkflowResult) {
	if result == nil {
		return
	}
	ctx, cancel := context.WithTimeout(context.Background(), saveTimeout)
	defer cancel()
	if err := s.runs.SaveRun(ctx, result); err != nil {
		s.logger.Error("failed to save run",
			zap.String("run_id", result.RunID),
			zap.Error(err))
	}
}

func (s *Service) forget(runID string) {
	s.mu.Lock()
	delete(s.live, runID)
	s.mu.Unlock()
}

// observe 维护执行中运行的节点状态并转发给 Hub
func (s *Service) observe(e workflow.Event) {
	if e.Node != "" {
		s.mu.Lock()
		if lr, ok := s.live[e.RunID]; ok {
			lr.nodes[e.Node] = workflow.NodeStatus(e.Status)
		}
		s.mu.Unlock()
	}
	s.hub.Emit(e)
}

// Cancel 取消排队中或执行中的运行
func (s *Service) Cancel(ctx context.Context, runID string) error {
	s.mu.Lock()
	lr, ok := s.live[runID]
	if ok {
		lr.cancelled = true
		if lr.cancel != nil {
			lr.cancel()
		}
	}
	s.mu.Unlock()
	if ok {
		s.logger.Info("run cancel requested", zap.String("run_id", runID))
		return nil
	}

	if _, err := s.runs.GetRun(ctx, runID); err != nil {
		return err
	}
	return types.NewError(types.ErrConflict, "run "+runID+" already completed").
		WithHTTPStatus(http.StatusConflict)
}

// Get 返回执行中运行的实时视图，或已结束运行的存储结果
func (s *Service) Get(ctx context.Context, runID string) (*Snapshot, error) {
	s.mu.RLock()
	lr, ok := s.live[runID]
	var snap *Snapshot
	if ok {
		snap = lr.snapshot()
	}
	s.mu.RUnlock()
	if ok {
		return snap, nil
	}

	result, err := s.runs.GetRun(ctx, runID)
	if err != nil {
		return nil, err
	}
	return resultSnapshot(result), nil
}

// List 返回已结束的运行，最新的在前
func (s *Service) List(ctx context.Context, filter workflow.RunFilter) ([]*Snapshot, error) {
	results, err := s.runs.ListRuns(ctx, filter)
	if err != nil {
		return nil, err
	}
	out := make([]*Snapshot, len(results))
	for i, r := range results {
		out[i] = resultSnapshot(r)
	}
	return out, nil
}

// Active 返回排队中与执行中的运行，按提交时间排序
func (s *Service) Active() []*Snapshot {
	s.mu.RLock()
	out := make([]*Snapshot, 0, len(s.live))
	for _, lr := range s.live {
		out = append(out, lr.snapshot())
	}
	s.mu.RUnlock()
	sort.Slice(out, func(i, j int) bool { return out[i].SubmittedAt.Before(out[j].SubmittedAt) })
	return out
}

// Subscribe 订阅运行事件，运行必须存在
func (s *Service) Subscribe(ctx context.Context, runID string) (<-chan workflow.Event, func(), error) {
	ch, cancel := s.hub.Subscribe(runID)
	if _, err := s.Get(ctx, runID); err != nil {
		cancel()
		return nil, nil, err
	}
	return ch, cancel, nil
}

// =============================================================================
// Graph definitions
// =============================================================================

// SaveGraph 校验后保存 def
func (s *Service) SaveGraph(ctx context.Context, def *workflow.GraphDefinition) error {
	if _, err := s.Validate(def); err != nil {
		return err
	}
	return s.graphs.SaveGraph(ctx, def)
}

// GetGraph 返回保存的图定义
func (s *Service) GetGraph(ctx context.Context, name string) (*workflow.GraphDefinition, error) {
	return s.graphs.GetGraph(ctx, name)
}

// ListGraphs 返回保存的图名称
func (s *Service) ListGraphs(ctx context.Context) ([]string, error) {
	return s.graphs.ListGraphs(ctx)
}

// DeleteGraph 删除保存的图定义
func (s *Service) DeleteGraph(ctx context.Context, name string) error {
	return s.graphs.DeleteGraph(ctx, name)
}

// PoolStats 返回池的统计
func (s *Service) PoolStats() pool.Stats { return s.pool.Stats() }

// Close 等待排队与执行中的运行结束，ctx 到期时取消它们，最后刷新事件
func (s *Service) Close(ctx context.Context) error {
	err := s.pool.Shutdown(ctx)
	if cerr := s.exec.Close(); err == nil {
		err = cerr
	}
	return err
}
