package workflow

import (
	"fmt"
	"sync"
	"time"

	"go.uber.org/zap"
)

// 本文件实现任务级熔断器：按 TaskRef 跨多次运行统计连续失败。
// 节点级熔断（CIRCUIT_OPEN）由执行器基于 ExecutionContext 计数器完成，
// 两者互相独立：任务级熔断拒绝的尝试同样计入节点自身的失败次数。

// BreakerState 熔断器状态
type BreakerState int

const (
	// BreakerClosed 正常放行
	BreakerClosed BreakerState = iota
	// BreakerOpen 拒绝所有尝试
	BreakerOpen
	// BreakerHalfOpen 允许有限探测
	BreakerHalfOpen
)

func (s BreakerState) String() string {
	switch s {
	case BreakerClosed:
		return "closed"
	case BreakerOpen:
		return "open"
	case BreakerHalfOpen:
		return "half_open"
	default:
		return "unknown"
	}
}

// BreakerConfig 任务级熔断器配置
type BreakerConfig struct {
	// FailureThreshold 连续失败达到该值后熔断
	FailureThreshold int `json:"failure_threshold" yaml:"failure_threshold"`
	// RecoveryTimeout 熔断后多久进入半开
	RecoveryTimeout time.Duration `json:"recovery_timeout" yaml:"recovery_timeout"`
	// HalfOpenMaxProbes 半开状态允许的探测次数
	HalfOpenMaxProbes int `json:"half_open_max_probes" yaml:"half_open_max_probes"`
	// SuccessThreshold 半开状态下连续成功多少次后恢复
	SuccessThreshold int `json:"success_threshold" yaml:"success_threshold"`
}

// DefaultBreakerConfig 默认配置
func DefaultBreakerConfig() BreakerConfig {
	return BreakerConfig{
		FailureThreshold:  5,
		RecoveryTimeout:   30 * time.Second,
		HalfOpenMaxProbes: 1,
		SuccessThreshold:  1,
	}
}

// BreakerEvent 状态变更事件
type BreakerEvent struct {
	TaskRef   string       `json:"task_ref"`
	From      BreakerState `json:"from"`
	To        BreakerState `json:"to"`
	Reason    string       `json:"reason"`
	Failures  int          `json:"failures"`
	Timestamp time.Time    `json:"timestamp"`
}

// BreakerStateHandler 接收状态变更通知（异步调用）
type BreakerStateHandler interface {
	OnStateChange(event BreakerEvent)
}

// BreakerStateHandlerFunc 函数适配器
type BreakerStateHandlerFunc func(BreakerEvent)

// OnStateChange implements BreakerStateHandler.
func (f BreakerStateHandlerFunc) OnStateChange(event BreakerEvent) { f(event) }

// TaskBreaker 单个任务的熔断器
type TaskBreaker struct {
	taskRef     string
	config      BreakerConfig
	handler     BreakerStateHandler
	logger      *zap.Logger
	now         func() time.Time
	mu          sync.Mutex
	state       BreakerState
	failures    int
	successes   int
	probes      int
	lastFailure time.Time
}

func newTaskBreaker(taskRef string, config BreakerConfig, handler BreakerStateHandler, logger *zap.Logger, now func() time.Time) *TaskBreaker {
	return &TaskBreaker{
		taskRef: taskRef,
		config:  config,
		handler: handler,
		logger:  logger.With(zap.String("task_ref", taskRef)),
		now:     now,
	}
}

// Allow 判断是否放行一次尝试；拒绝时返回原因
func (b *TaskBreaker) Allow() error {
	b.mu.Lock()
	defer b.mu.Unlock()

	switch b.state {
	case BreakerClosed:
		return nil
	case BreakerOpen:
		elapsed := b.now().Sub(b.lastFailure)
		if elapsed >= b.config.RecoveryTimeout {
			b.transition(BreakerHalfOpen, "recovery timeout elapsed")
			b.probes = 1
			b.successes = 0
			return nil
		}
		return fmt.Errorf("task %s: %d consecutive failures, retry in %v",
			b.taskRef, b.failures, b.config.RecoveryTimeout-elapsed)
	case BreakerHalfOpen:
		if b.probes < b.config.HalfOpenMaxProbes {
			b.probes++
			return nil
		}
		return fmt.Errorf("task %s: half-open probe limit %d reached", b.taskRef, b.config.HalfOpenMaxProbes)
	default:
		return fmt.Errorf("task %s: unknown breaker state %d", b.taskRef, b.state)
	}
}

// RecordSuccess 记录一次成功
func (b *TaskBreaker) RecordSuccess() {
	b.mu.Lock()
	defer b.mu.Unlock()

	switch b.state {
	case BreakerClosed:
		b.failures = 0
	case BreakerHalfOpen:
		b.successes++
		if b.successes >= b.config.SuccessThreshold {
			b.transition(BreakerClosed, fmt.Sprintf("%d successful probe(s)", b.successes))
			b.failures = 0
			b.successes = 0
			b.probes = 0
		}
	}
}

// RecordFailure 记录一次失败
func (b *TaskBreaker) RecordFailure() {
	b.mu.Lock()
	defer b.mu.Unlock()

	b.failures++
	b.lastFailure = b.now()

	switch b.state {
	case BreakerClosed:
		if b.config.FailureThreshold > 0 && b.failures >= b.config.FailureThreshold {
			b.transition(BreakerOpen, fmt.Sprintf("%d consecutive failures", b.failures))
		}
	case BreakerHalfOpen:
		// 半开状态下任何失败都重新熔断
		b.successes = 0
		b.transition(BreakerOpen, "probe failed")
	}
}

// State 当前状态
func (b *TaskBreaker) State() BreakerState {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.state
}

// Failures 当前连续失败次数
func (b *TaskBreaker) Failures() int {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.failures
}

// Reset 手动恢复
func (b *TaskBreaker) Reset() {
	b.mu.Lock()
	defer b.mu.Unlock()
	if b.state != BreakerClosed {
		b.transition(BreakerClosed, "manual reset")
	}
	b.failures = 0
	b.successes = 0
	b.probes = 0
}

// transition 必须在持锁时调用
func (b *TaskBreaker) transition(to BreakerState, reason string) {
	from := b.state
	b.state = to

	b.logger.Info("task breaker state change",
		zap.String("from", from.String()),
		zap.String("to", to.String()),
		zap.String("reason", reason),
		zap.Int("failures", b.failures))

	if b.handler != nil {
		event := BreakerEvent{
			TaskRef:   b.taskRef,
			From:      from,
			To:        to,
			Reason:    reason,
			Failures:  b.failures,
			Timestamp: b.now(),
		}
		// 异步通知，避免回调中再次加锁导致死锁
		go b.handler.OnStateChange(event)
	}
}

// BreakerRegistry 按 TaskRef 管理熔断器，可在多次运行之间共享
type BreakerRegistry struct {
	config   BreakerConfig
	handler  BreakerStateHandler
	logger   *zap.Logger
	now      func() time.Time
	mu       sync.RWMutex
	breakers map[string]*TaskBreaker
}

// NewBreakerRegistry 创建注册表；handler 与 logger 可为 nil
func NewBreakerRegistry(config BreakerConfig, handler BreakerStateHandler, logger *zap.Logger) *BreakerRegistry {
	if logger == nil {
		logger = zap.NewNop()
	}
	return &BreakerRegistry{
		config:   config,
		handler:  handler,
		logger:   logger.With(zap.String("component", "task_breaker")),
		now:      time.Now,
		breakers: make(map[string]*TaskBreaker),
	}
}

// Get 获取或创建 taskRef 对应的熔断器
func (r *BreakerRegistry) Get(taskRef string) *TaskBreaker {
	r.mu.RLock()
	b, ok := r.breakers[taskRef]
	r.mu.RUnlock()
	if ok {
		return b
	}

	r.mu.Lock()
	defer r.mu.Unlock()
	// 双重检查
	if b, ok := r.breakers[taskRef]; ok {
		return b
	}
	b = newTaskBreaker(taskRef, r.config, r.handler, r.logger, r.now)
	r.breakers[taskRef] = b
	return b
}

// States 返回所有熔断器的当前状态
func (r *BreakerRegistry) States() map[string]BreakerState {
	r.mu.RLock()
	defer r.mu.RUnlock()
	out := make(map[string]BreakerState, len(r.breakers))
	for ref, b := range r.breakers {
		out[ref] = b.State()
	}
	return out
}

// ResetAll 重置所有熔断器
func (r *BreakerRegistry) ResetAll() {
	r.mu.RLock()
	defer r.mu.RUnlock()
	for _, b := range r.breakers {
		b.Reset()
	}
}
