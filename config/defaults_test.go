package config

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"

	"github.com/BaSui01/taskgraph/workflow"
)

// --- DefaultConfig aggregate ---

func TestDefaultConfig_ContainsAllSubConfigs(t *testing.T) {
	cfg := DefaultConfig()
	require.NotNil(t, cfg)

	assert.NotEqual(t, ExecutorConfig{}, cfg.Executor)
	assert.NotEqual(t, ServerConfig{}, cfg.Server)
	assert.NotEqual(t, RedisConfig{}, cfg.Redis)
	assert.NotEqual(t, DatabaseConfig{}, cfg.Database)
	assert.NotEqual(t, TelemetryConfig{}, cfg.Telemetry)
	assert.NotEmpty(t, cfg.Log.OutputPaths)
	assert.NoError(t, cfg.Validate())
}

func TestDefaultServerConfig(t *testing.T) {
	cfg := DefaultServerConfig()
	assert.Equal(t, 8080, cfg.HTTPPort)
	assert.Equal(t, 9091, cfg.MetricsPort)
	assert.Equal(t, 30*time.Second, cfg.ReadTimeout)
	assert.Equal(t, 15*time.Second, cfg.ShutdownTimeout)
	assert.Equal(t, 100, cfg.RateLimitRPS)
	assert.Equal(t, 200, cfg.RateLimitBurst)
	assert.Equal(t, 16, cfg.MaxConcurrentRuns)
	assert.Equal(t, 256, cfg.RunQueueSize)
	assert.Empty(t, cfg.JWT.Secret)
}

func TestDefaultRedisAndDatabase(t *testing.T) {
	redis := DefaultRedisConfig()
	assert.False(t, redis.Enabled)
	assert.Equal(t, "taskgraph:", redis.KeyPrefix)
	assert.Equal(t, 24*time.Hour, redis.ResultTTL)

	db := DefaultDatabaseConfig()
	assert.False(t, db.Enabled)
	assert.Equal(t, "sqlite", db.Driver)
	assert.Equal(t, "taskgraph.db", db.DSN())
}

// 默认调度器配置必须与 workflow 包的默认值一致
func TestDefaultExecutorConfig_MatchesWorkflowDefaults(t *testing.T) {
	got := DefaultExecutorConfig().Options()
	want := workflow.DefaultOptions()

	assert.Equal(t, want.MaxConcurrent, got.MaxConcurrent)
	assert.Equal(t, want.MaxRetries, got.MaxRetries)
	assert.Equal(t, want.CircuitBreakerThreshold, got.CircuitBreakerThreshold)
	assert.Equal(t, want.BaseBackoff, got.BaseBackoff)
	assert.Equal(t, want.MaxBackoff, got.MaxBackoff)
	assert.Equal(t, want.MaxIterations, got.MaxIterations)
	assert.Equal(t, want.EventBuffer, got.EventBuffer)
}

func TestExecutorConfig_Breakers(t *testing.T) {
	cfg := DefaultExecutorConfig()
	assert.Nil(t, cfg.Breakers(nil, zap.NewNop()))

	cfg.TaskBreaker.Enabled = true
	cfg.TaskBreaker.FailureThreshold = 1
	reg := cfg.Breakers(nil, zap.NewNop())
	require.NotNil(t, reg)

	b := reg.Get("remote")
	b.RecordFailure()
	assert.Equal(t, workflow.BreakerOpen, b.State())
}
