package config

import (
	"errors"
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

// envMap 作为 Loader 的环境变量来源
type envMap map[string]string

func (m envMap) lookup(key string) (string, bool) {
	v, ok := m[key]
	return v, ok
}

func writeConfig(t *testing.T, content string) string {
	t.Helper()
	path := filepath.Join(t.TempDir(), "taskgraph.yaml")
	require.NoError(t, os.WriteFile(path, []byte(content), 0o644))
	return path
}

const sampleYAML = `
executor:
  max_concurrent: 8
  max_retries: 3
  base_backoff: 250ms
  node_timeout: 1m
  task_breaker:
    enabled: true
    failure_threshold: 2
server:
  http_port: 8888
  max_concurrent_runs: 4
  jwt:
    secret: ${JWT_SECRET}
    issuer: taskgraph
redis:
  enabled: true
  addr: redis.internal:6379
  result_ttl: 1h
database:
  enabled: true
  driver: sqlite
  path: /var/lib/taskgraph/history.db
log:
  level: debug
  format: console
`

func TestLoader_Defaults(t *testing.T) {
	cfg, err := NewLoader().WithLookup(envMap{}.lookup).Load()
	require.NoError(t, err)
	assert.Equal(t, DefaultConfig(), cfg)
}

func TestLoader_YAMLFile(t *testing.T) {
	path := writeConfig(t, sampleYAML)

	cfg, err := NewLoader().
		WithConfigPath(path).
		WithLookup(envMap{"JWT_SECRET": "s3cret"}.lookup).
		Load()
	require.NoError(t, err)

	assert.Equal(t, 8, cfg.Executor.MaxConcurrent)
	assert.Equal(t, 3, cfg.Executor.MaxRetries)
	assert.Equal(t, 250*time.Millisecond, cfg.Executor.BaseBackoff)
	assert.Equal(t, time.Minute, cfg.Executor.NodeTimeout)
	assert.True(t, cfg.Executor.TaskBreaker.Enabled)
	assert.Equal(t, 2, cfg.Executor.TaskBreaker.FailureThreshold)
	// 文件未出现的字段保留默认值
	assert.Equal(t, 30*time.Second, cfg.Executor.MaxBackoff)
	assert.Equal(t, 30*time.Second, cfg.Executor.TaskBreaker.RecoveryTimeout)

	assert.Equal(t, 8888, cfg.Server.HTTPPort)
	assert.Equal(t, "s3cret", cfg.Server.JWT.Secret, "expanded from the environment")
	assert.Equal(t, "redis.internal:6379", cfg.Redis.Addr)
	assert.Equal(t, time.Hour, cfg.Redis.ResultTTL)
	assert.Equal(t, "/var/lib/taskgraph/history.db", cfg.Database.DSN())
	assert.Equal(t, "console", cfg.Log.Format)
	assert.NoError(t, Validate(cfg))
}

func TestLoader_EnvOverrides(t *testing.T) {
	path := writeConfig(t, "server:\n  http_port: 8888\nexecutor:\n  max_retries: 7\n  max_concurrent: 3\n")
	env := envMap{
		"TASKGRAPH_SERVER_HTTP_PORT":              "9999",
		"TASKGRAPH_EXECUTOR_MAX_RETRIES":          "1",
		"TASKGRAPH_EXECUTOR_DISPATCH_RATE":        "2.5",
		"TASKGRAPH_EXECUTOR_NODE_TIMEOUT":         "45s",
		"TASKGRAPH_REDIS_ENABLED":                 "true",
		"TASKGRAPH_REDIS_STREAM_MAX_LEN":          "500",
		"TASKGRAPH_LOG_OUTPUT_PATHS":              "stdout, /tmp/taskgraph.log,",
		"TASKGRAPH_SERVER_JWT_SECRET":             "from-env",
		"TASKGRAPH_EXECUTOR_TASK_BREAKER_ENABLED": "true",
	}

	cfg, err := NewLoader().WithConfigPath(path).WithLookup(env.lookup).Load()
	require.NoError(t, err)

	assert.Equal(t, 9999, cfg.Server.HTTPPort)
	assert.Equal(t, 1, cfg.Executor.MaxRetries)
	assert.Equal(t, 3, cfg.Executor.MaxConcurrent, "yaml value kept")
	assert.InDelta(t, 2.5, cfg.Executor.DispatchRate, 1e-9)
	assert.Equal(t, 45*time.Second, cfg.Executor.NodeTimeout)
	assert.True(t, cfg.Redis.Enabled)
	assert.Equal(t, int64(500), cfg.Redis.StreamMaxLen)
	assert.Equal(t, []string{"stdout", "/tmp/taskgraph.log"}, cfg.Log.OutputPaths)
	assert.Equal(t, "from-env", cfg.Server.JWT.Secret)
	assert.True(t, cfg.Executor.TaskBreaker.Enabled)
}

func TestLoader_ProcessEnvironment(t *testing.T) {
	t.Setenv("MYAPP_SERVER_HTTP_PORT", "6666")

	cfg, err := NewLoader().WithEnvPrefix("MYAPP").Load()
	require.NoError(t, err)
	assert.Equal(t, 6666, cfg.Server.HTTPPort)
}

func TestLoader_Errors(t *testing.T) {
	tests := []struct {
		name string
		yaml string
		env  envMap
	}{
		{name: "bad duration env", env: envMap{"TASKGRAPH_EXECUTOR_BASE_BACKOFF": "soon"}},
		{name: "bad int env", env: envMap{"TASKGRAPH_SERVER_HTTP_PORT": "eighty"}},
		{name: "malformed yaml", yaml: "server:\n  http_port: [oops\n"},
		{name: "unknown key", yaml: "server:\n  http_prot: 8080\n"},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			l := NewLoader().WithLookup(tt.env.lookup)
			if tt.yaml != "" {
				l = l.WithConfigPath(writeConfig(t, tt.yaml))
			}
			_, err := l.Load()
			assert.Error(t, err)
		})
	}

	_, err := NewLoader().WithConfigPath(filepath.Join(t.TempDir(), "missing.yaml")).Load()
	assert.ErrorIs(t, err, os.ErrNotExist)
}

func TestLoader_EmptyFile(t *testing.T) {
	cfg, err := NewLoader().WithConfigPath(writeConfig(t, "")).WithLookup(envMap{}.lookup).Load()
	require.NoError(t, err)
	assert.Equal(t, 8080, cfg.Server.HTTPPort)
}

func TestLoader_Validators(t *testing.T) {
	privileged := func(cfg *Config) error {
		if cfg.Server.HTTPPort < 1024 {
			return assert.AnError
		}
		return nil
	}
	_, err := NewLoader().
		WithLookup(envMap{"TASKGRAPH_SERVER_HTTP_PORT": "80"}.lookup).
		WithValidator(privileged).
		Load()
	assert.ErrorIs(t, err, assert.AnError)
}

func TestLoad_ValidatesResult(t *testing.T) {
	_, err := Load(writeConfig(t, "executor:\n  max_concurrent: 0\n"))
	var fe *FieldError
	require.ErrorAs(t, err, &fe)
	assert.Equal(t, "executor.max_concurrent", fe.Field)

	cfg, err := Load("")
	require.NoError(t, err)
	assert.Equal(t, 8080, cfg.Server.HTTPPort)
}

func TestValidate(t *testing.T) {
	tests := []struct {
		name   string
		modify func(*Config)
		fields []string
	}{
		{"defaults", func(*Config) {}, nil},
		{"port range", func(c *Config) { c.Server.HTTPPort = 70000 }, []string{"server.http_port"}},
		{"port clash", func(c *Config) { c.Server.MetricsPort = c.Server.HTTPPort }, []string{"server.metrics_port"}},
		{"no run slots", func(c *Config) { c.Server.MaxConcurrentRuns = 0 }, []string{"server.max_concurrent_runs"}},
		{"half tls", func(c *Config) { c.Server.TLS.CertFile = "cert.pem" }, []string{"server.tls"}},
		{"executor", func(c *Config) {
			c.Executor.MaxConcurrent = 0
			c.Executor.MaxRetries = -1
			c.Executor.BaseBackoff = time.Minute
			c.Executor.MaxBackoff = time.Second
		}, []string{"executor.max_concurrent", "executor.max_retries", "executor.base_backoff"}},
		{"redis without addr", func(c *Config) {
			c.Redis.Enabled = true
			c.Redis.Addr = ""
		}, []string{"redis.addr"}},
		{"unknown driver", func(c *Config) {
			c.Database.Enabled = true
			c.Database.Driver = "oracle"
		}, []string{"database.driver"}},
		{"disabled database ignores driver", func(c *Config) { c.Database.Driver = "oracle" }, nil},
		{"log format", func(c *Config) { c.Log.Format = "xml" }, []string{"log.format"}},
		{"sample rate", func(c *Config) { c.Telemetry.SampleRate = 2 }, []string{"telemetry.sample_rate"}},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			cfg := DefaultConfig()
			tt.modify(cfg)
			err := cfg.Validate()
			if tt.fields == nil {
				assert.NoError(t, err)
				return
			}
			require.Error(t, err)
			assert.ElementsMatch(t, tt.fields, fieldsOf(err))
		})
	}
}

func fieldsOf(err error) []string {
	var fields []string
	var joined interface{ Unwrap() []error }
	if !errors.As(err, &joined) {
		return nil
	}
	for _, e := range joined.Unwrap() {
		var fe *FieldError
		if errors.As(e, &fe) {
			fields = append(fields, fe.Field)
		}
	}
	return fields
}

func TestDatabaseConfig_DSN(t *testing.T) {
	tests := []struct {
		cfg  DatabaseConfig
		want string
	}{
		{DatabaseConfig{Driver: "postgres", Host: "db", Port: 5432, User: "u", Password: "p", Name: "tg", SSLMode: "disable"},
			"host=db port=5432 user=u password=p dbname=tg sslmode=disable"},
		{DatabaseConfig{Driver: "mysql", Host: "db", Port: 3306, User: "u", Password: "p", Name: "tg"},
			"u:p@tcp(db:3306)/tg?parseTime=true"},
		{DatabaseConfig{Driver: "sqlite", Name: "ignored", Path: "/data/history.db"}, "/data/history.db"},
		{DatabaseConfig{Driver: "sqlite", Name: "history.db"}, "history.db"},
		{DatabaseConfig{Driver: "oracle"}, ""},
	}
	for _, tt := range tests {
		assert.Equal(t, tt.want, tt.cfg.DSN(), tt.cfg.Driver)
	}
}
