package config

import (
	"go.uber.org/zap"

	"github.com/BaSui01/taskgraph/workflow"
)

// Options converts the section to executor options. Sink, breakers and
// logger are left for the caller to attach.
func (c ExecutorConfig) Options() workflow.Options {
	return workflow.Options{
		MaxConcurrent:           c.MaxConcurrent,
		MaxRetries:              c.MaxRetries,
		CircuitBreakerThreshold: c.CircuitBreakerThreshold,
		BaseBackoff:             c.BaseBackoff,
		MaxBackoff:              c.MaxBackoff,
		NodeTimeout:             c.NodeTimeout,
		MaxIterations:           c.MaxIterations,
		DispatchRate:            c.DispatchRate,
		EventBuffer:             c.EventBuffer,
	}
}

// Breakers builds the task-level breaker registry, or nil when disabled.
func (c ExecutorConfig) Breakers(handler workflow.BreakerStateHandler, logger *zap.Logger) *workflow.BreakerRegistry {
	if !c.TaskBreaker.Enabled {
		return nil
	}
	cfg := workflow.DefaultBreakerConfig()
	if c.TaskBreaker.FailureThreshold > 0 {
		cfg.FailureThreshold = c.TaskBreaker.FailureThreshold
	}
	if c.TaskBreaker.RecoveryTimeout > 0 {
		cfg.RecoveryTimeout = c.TaskBreaker.RecoveryTimeout
	}
	return workflow.NewBreakerRegistry(cfg, handler, logger)
}
