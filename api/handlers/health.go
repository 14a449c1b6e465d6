package handlers

import (
	"context"
	"maps"
	"net/http"
	"runtime"
	"slices"
	"sync"
	"sync/atomic"
	"time"

	"go.uber.org/zap"
	"golang.org/x/sync/errgroup"
)

// 健康状态取值
const (
	HealthStatusHealthy   = "healthy"
	HealthStatusDegraded  = "degraded"
	HealthStatusUnhealthy = "unhealthy"
	HealthStatusDraining  = "draining"
)

// DefaultCheckTimeout 单个就绪检查的超时时间
const DefaultCheckTimeout = 3 * time.Second

// =============================================================================
// 🏥 健康检查 Handler
// =============================================================================

// HealthCheck 就绪检查，通常是数据库或 Redis 的 Ping
type HealthCheck interface {
	Name() string
	Check(ctx context.Context) error
}

// Optional 标记非关键依赖：失败时 /ready 报告 degraded，仍返回 200
func Optional(c HealthCheck) HealthCheck { return optionalCheck{c} }

type optionalCheck struct{ HealthCheck }

func isOptional(c HealthCheck) bool {
	_, ok := c.(optionalCheck)
	return ok
}

// HealthHandler 提供存活、就绪与版本端点。
// 就绪检查并发执行，各自限时；进入排空状态后 /ready 直接返回 503。
type HealthHandler struct {
	logger   *zap.Logger
	timeout  time.Duration
	started  time.Time
	draining atomic.Bool

	mu      sync.RWMutex
	checks  []HealthCheck
	details map[string]func() any
}

// HealthReport 是 /health 与 /ready 的响应体
type HealthReport struct {
	Status    string                 `json:"status"`
	Timestamp time.Time              `json:"timestamp"`
	Uptime    string                 `json:"uptime,omitempty"`
	Checks    map[string]CheckResult `json:"checks,omitempty"`
	Details   map[string]any         `json:"details,omitempty"`
}

// CheckResult 单个检查结果，Status 为 pass 或 fail
type CheckResult struct {
	Status   string `json:"status"`
	Message  string `json:"message,omitempty"`
	Latency  string `json:"latency,omitempty"`
	Optional bool   `json:"optional,omitempty"`
}

// VersionInfo /version 响应
type VersionInfo struct {
	Version   string `json:"version"`
	BuildTime string `json:"build_time"`
	GitCommit string `json:"git_commit"`
	GoVersion string `json:"go_version"`
}

func NewHealthHandler(logger *zap.Logger) *HealthHandler {
	if logger == nil {
		logger = zap.NewNop()
	}
	return &HealthHandler{
		logger:  logger.With(zap.String("component", "health")),
		timeout: DefaultCheckTimeout,
		started: time.Now(),
		details: make(map[string]func() any),
	}
}

// WithCheckTimeout 设置单个检查的超时，非正数忽略
func (h *HealthHandler) WithCheckTimeout(d time.Duration) *HealthHandler {
	if d > 0 {
		h.timeout = d
	}
	return h
}

func (h *HealthHandler) RegisterCheck(check HealthCheck) {
	h.mu.Lock()
	h.checks = append(h.checks, check)
	h.mu.Unlock()
}

// RegisterDetail 注册 /ready 中附带的运行信息，如池与连接池统计
func (h *HealthHandler) RegisterDetail(name string, fn func() any) {
	h.mu.Lock()
	h.details[name] = fn
	h.mu.Unlock()
}

// SetDraining 标记服务正在关闭，负载均衡应停止转发新流量
func (h *HealthHandler) SetDraining(draining bool) { h.draining.Store(draining) }

func (h *HealthHandler) uptime() string {
	return time.Since(h.started).Truncate(time.Second).String()
}

// =============================================================================
// 🎯 HTTP 处理程序
// =============================================================================

// HandleLive 处理 /health 与 /healthz（存活探针，不检查依赖）
// @Summary 存活检查
// @Tags 健康
// @Produce json
// @Success 200 {object} HealthReport "进程存活"
// @Router /health [get]
// @Router /healthz [get]
func (h *HealthHandler) HandleLive(w http.ResponseWriter, r *http.Request) {
	WriteJSON(w, http.StatusOK, HealthReport{
		Status:    HealthStatusHealthy,
		Timestamp: time.Now(),
		Uptime:    h.uptime(),
	})
}

// HandleReady 处理 /ready 与 /readyz（就绪探针）
// @Summary 就绪检查
// @Description 并发执行依赖检查，附带运行池等统计信息。可选依赖失败时为 degraded，仍返回 200
// @Tags 健康
// @Produce json
// @Success 200 {object} HealthReport "可以接收流量"
// @Failure 503 {object} HealthReport "关键依赖不可用或正在关闭"
// @Router /ready [get]
// @Router /readyz [get]
func (h *HealthHandler) HandleReady(w http.ResponseWriter, r *http.Request) {
	if h.draining.Load() {
		WriteJSON(w, http.StatusServiceUnavailable, HealthReport{
			Status:    HealthStatusDraining,
			Timestamp: time.Now(),
		})
		return
	}

	report := h.readiness(r.Context())
	status := http.StatusOK
	if report.Status == HealthStatusUnhealthy {
		status = http.StatusServiceUnavailable
	}
	WriteJSON(w, status, report)
}

// readiness 执行检查并汇总；关键检查失败为 unhealthy，仅可选检查失败为 degraded
func (h *HealthHandler) readiness(ctx context.Context) HealthReport {
	h.mu.RLock()
	checks := slices.Clone(h.checks)
	details := maps.Clone(h.details)
	h.mu.RUnlock()

	report := HealthReport{
		Status:    HealthStatusHealthy,
		Timestamp: time.Now(),
		Uptime:    h.uptime(),
	}

	if len(checks) > 0 {
		report.Checks = make(map[string]CheckResult, len(checks))
		for i, res := range h.runChecks(ctx, checks) {
			report.Checks[checks[i].Name()] = res
			switch {
			case res.Status == "pass":
			case res.Optional:
				if report.Status == HealthStatusHealthy {
					report.Status = HealthStatusDegraded
				}
			default:
				report.Status = HealthStatusUnhealthy
			}
		}
	}
	if len(details) > 0 {
		report.Details = make(map[string]any, len(details))
		for k, fn := range details {
			report.Details[k] = fn()
		}
	}
	return report
}

// runChecks 并发执行检查，结果与 checks 下标一一对应
func (h *HealthHandler) runChecks(ctx context.Context, checks []HealthCheck) []CheckResult {
	results := make([]CheckResult, len(checks))
	var g errgroup.Group
	for i, check := range checks {
		g.Go(func() error {
			cctx, cancel := context.WithTimeout(ctx, h.timeout)
			defer cancel()

			start := time.Now()
			err := check.Check(cctx)
			took := time.Since(start)

			res := CheckResult{Status: "pass", Latency: took.String(), Optional: isOptional(check)}
			if err != nil {
				res.Status, res.Message = "fail", err.Error()
				h.logger.Warn("readiness check failed",
					zap.String("check", check.Name()),
					zap.Bool("optional", res.Optional),
					zap.Duration("latency", took),
					zap.Error(err))
			}
			results[i] = res
			return nil
		})
	}
	_ = g.Wait()
	return results
}

// HandleVersion 返回 /version 处理函数
// @Summary 版本信息
// @Tags 健康
// @Produce json
// @Success 200 {object} Response{data=VersionInfo} "版本信息"
// @Router /version [get]
func (h *HealthHandler) HandleVersion(version, buildTime, gitCommit string) http.HandlerFunc {
	info := VersionInfo{
		Version:   version,
		BuildTime: buildTime,
		GitCommit: gitCommit,
		GoVersion: runtime.Version(),
	}
	return func(w http.ResponseWriter, r *http.Request) {
		WriteSuccess(w, info)
	}
}

// =============================================================================
// 🔧 函数式检查
// =============================================================================

// CheckFunc 把一个 Ping 函数包装为 HealthCheck
type CheckFunc struct {
	name string
	fn   func(ctx context.Context) error
}

// NewCheck 创建命名的健康检查
func NewCheck(name string, fn func(ctx context.Context) error) *CheckFunc {
	return &CheckFunc{name: name, fn: fn}
}

// Name implements HealthCheck.
func (c *CheckFunc) Name() string { return c.name }

// Check implements HealthCheck.
func (c *CheckFunc) Check(ctx context.Context) error { return c.fn(ctx) }
