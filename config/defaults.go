package config

import (
	"time"

	"github.com/BaSui01/taskgraph/workflow"
)

// DefaultConfig 返回可直接使用的配置：Redis、数据库与遥测默认关闭，
// 此时 serve 只使用进程内存储。
func DefaultConfig() *Config {
	return &Config{
		Executor:  DefaultExecutorConfig(),
		Server:    DefaultServerConfig(),
		Redis:     DefaultRedisConfig(),
		Database:  DefaultDatabaseConfig(),
		Log:       DefaultLogConfig(),
		Telemetry: DefaultTelemetryConfig(),
	}
}

// DefaultExecutorConfig 取自 workflow.DefaultOptions，两处默认值不会分叉
func DefaultExecutorConfig() ExecutorConfig {
	o, b := workflow.DefaultOptions(), workflow.DefaultBreakerConfig()
	return ExecutorConfig{
		MaxConcurrent:           o.MaxConcurrent,
		MaxRetries:              o.MaxRetries,
		CircuitBreakerThreshold: o.CircuitBreakerThreshold,
		BaseBackoff:             o.BaseBackoff,
		MaxBackoff:              o.MaxBackoff,
		NodeTimeout:             o.NodeTimeout,
		MaxIterations:           o.MaxIterations,
		DispatchRate:            o.DispatchRate,
		EventBuffer:             o.EventBuffer,
		TaskBreaker: TaskBreakerConfig{
			FailureThreshold: b.FailureThreshold,
			RecoveryTimeout:  b.RecoveryTimeout,
		},
	}
}

func DefaultServerConfig() ServerConfig {
	return ServerConfig{
		HTTPPort:          8080,
		MetricsPort:       9091,
		ReadTimeout:       30 * time.Second,
		WriteTimeout:      30 * time.Second,
		ShutdownTimeout:   15 * time.Second,
		RateLimitRPS:      100,
		RateLimitBurst:    200,
		MaxConcurrentRuns: 16,
		RunQueueSize:      256,
	}
}

func DefaultRedisConfig() RedisConfig {
	return RedisConfig{
		Addr:         "localhost:6379",
		KeyPrefix:    "taskgraph:",
		PoolSize:     10,
		ResultTTL:    24 * time.Hour,
		StreamMaxLen: 10_000,
	}
}

// DefaultDatabaseConfig 指向当前目录下的 sqlite 文件；切换到 postgres 时
// 主机、端口与账号已有默认值。
func DefaultDatabaseConfig() DatabaseConfig {
	return DatabaseConfig{
		Driver:          "sqlite",
		Host:            "localhost",
		Port:            5432,
		User:            "taskgraph",
		Name:            "taskgraph",
		SSLMode:         "disable",
		Path:            "taskgraph.db",
		MaxOpenConns:    25,
		MaxIdleConns:    5,
		ConnMaxLifetime: 5 * time.Minute,
		AutoMigrate:     true,
	}
}

func DefaultLogConfig() LogConfig {
	return LogConfig{
		Level:        "info",
		Format:       "json",
		OutputPaths:  []string{"stdout"},
		EnableCaller: true,
	}
}

func DefaultTelemetryConfig() TelemetryConfig {
	return TelemetryConfig{
		OTLPEndpoint: "localhost:4317",
		ServiceName:  "taskgraph",
		SampleRate:   0.1,
	}
}
