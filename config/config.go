package config

import (
	"fmt"
	"time"
)

// =============================================================================
// 🎯 配置结构
// =============================================================================

// Config 是 taskgraph 的完整配置。yaml 键与 TASKGRAPH_ 前缀的环境变量一一对应，
// 例如 server.http_port 对应 TASKGRAPH_SERVER_HTTP_PORT。
type Config struct {
	Executor  ExecutorConfig  `yaml:"executor" env:"EXECUTOR"`
	Server    ServerConfig    `yaml:"server" env:"SERVER"`
	Redis     RedisConfig     `yaml:"redis" env:"REDIS"`
	Database  DatabaseConfig  `yaml:"database" env:"DATABASE"`
	Log       LogConfig       `yaml:"log" env:"LOG"`
	Telemetry TelemetryConfig `yaml:"telemetry" env:"TELEMETRY"`
}

// ExecutorConfig 对应 workflow.Options，由 Options() 转换
type ExecutorConfig struct {
	MaxConcurrent int `yaml:"max_concurrent" env:"MAX_CONCURRENT"`
	MaxRetries    int `yaml:"max_retries" env:"MAX_RETRIES"`
	// 连续失败多少次后熔断，0 表示关闭
	CircuitBreakerThreshold int `yaml:"circuit_breaker_threshold" env:"CIRCUIT_BREAKER_THRESHOLD"`

	BaseBackoff time.Duration `yaml:"base_backoff" env:"BASE_BACKOFF"`
	MaxBackoff  time.Duration `yaml:"max_backoff" env:"MAX_BACKOFF"`
	// 单次尝试超时，0 不限制
	NodeTimeout time.Duration `yaml:"node_timeout" env:"NODE_TIMEOUT"`
	// 回边最多重入次数
	MaxIterations int `yaml:"max_iterations" env:"MAX_ITERATIONS"`
	// 每秒最多启动的尝试数，0 不限制
	DispatchRate float64 `yaml:"dispatch_rate" env:"DISPATCH_RATE"`
	EventBuffer  int     `yaml:"event_buffer" env:"EVENT_BUFFER"`

	// 跨运行的任务级熔断
	TaskBreaker TaskBreakerConfig `yaml:"task_breaker" env:"TASK_BREAKER"`
}

type TaskBreakerConfig struct {
	Enabled          bool          `yaml:"enabled" env:"ENABLED"`
	FailureThreshold int           `yaml:"failure_threshold" env:"FAILURE_THRESHOLD"`
	RecoveryTimeout  time.Duration `yaml:"recovery_timeout" env:"RECOVERY_TIMEOUT"`
}

// ServerConfig 是 serve 子命令的 HTTP 端点、限流与运行池配置
type ServerConfig struct {
	HTTPPort        int           `yaml:"http_port" env:"HTTP_PORT"`
	MetricsPort     int           `yaml:"metrics_port" env:"METRICS_PORT"`
	ReadTimeout     time.Duration `yaml:"read_timeout" env:"READ_TIMEOUT"`
	WriteTimeout    time.Duration `yaml:"write_timeout" env:"WRITE_TIMEOUT"`
	ShutdownTimeout time.Duration `yaml:"shutdown_timeout" env:"SHUTDOWN_TIMEOUT"`

	// 按客户端 IP 的令牌桶
	RateLimitRPS   int `yaml:"rate_limit_rps" env:"RATE_LIMIT_RPS"`
	RateLimitBurst int `yaml:"rate_limit_burst" env:"RATE_LIMIT_BURST"`

	// 同时执行的运行数；排队超过 RunQueueSize 时提交返回 429
	MaxConcurrentRuns int `yaml:"max_concurrent_runs" env:"MAX_CONCURRENT_RUNS"`
	RunQueueSize      int `yaml:"run_queue_size" env:"RUN_QUEUE_SIZE"`

	JWT JWTConfig `yaml:"jwt" env:"JWT"`
	TLS TLSConfig `yaml:"tls" env:"TLS"`
}

// JWTConfig 为空 Secret 时不启用认证
type JWTConfig struct {
	Secret   string `yaml:"secret" env:"SECRET"`
	Issuer   string `yaml:"issuer" env:"ISSUER"`
	Audience string `yaml:"audience" env:"AUDIENCE"`
}

// TLSConfig 证书与私钥都设置时 API 端点以 HTTPS 提供服务
type TLSConfig struct {
	CertFile string `yaml:"cert_file" env:"CERT_FILE"`
	KeyFile  string `yaml:"key_file" env:"KEY_FILE"`
}

// RedisConfig 控制事件流回放与结果缓存
type RedisConfig struct {
	Enabled   bool   `yaml:"enabled" env:"ENABLED"`
	Addr      string `yaml:"addr" env:"ADDR"`
	Password  string `yaml:"password" env:"PASSWORD"`
	DB        int    `yaml:"db" env:"DB"`
	KeyPrefix string `yaml:"key_prefix" env:"KEY_PREFIX"`
	PoolSize  int    `yaml:"pool_size" env:"POOL_SIZE"`
	// 运行结果与已结束运行事件流的保留时间
	ResultTTL time.Duration `yaml:"result_ttl" env:"RESULT_TTL"`
	// 每个事件流的近似长度上限
	StreamMaxLen int64 `yaml:"stream_max_len" env:"STREAM_MAX_LEN"`
}

// DatabaseConfig 控制运行历史与图定义的持久化
type DatabaseConfig struct {
	Enabled bool `yaml:"enabled" env:"ENABLED"`
	// postgres, mysql, sqlite
	Driver   string `yaml:"driver" env:"DRIVER"`
	Host     string `yaml:"host" env:"HOST"`
	Port     int    `yaml:"port" env:"PORT"`
	User     string `yaml:"user" env:"USER"`
	Password string `yaml:"password" env:"PASSWORD"`
	Name     string `yaml:"name" env:"NAME"`
	SSLMode  string `yaml:"ssl_mode" env:"SSL_MODE"`
	// sqlite 文件路径
	Path string `yaml:"path" env:"PATH"`

	MaxOpenConns    int           `yaml:"max_open_conns" env:"MAX_OPEN_CONNS"`
	MaxIdleConns    int           `yaml:"max_idle_conns" env:"MAX_IDLE_CONNS"`
	ConnMaxLifetime time.Duration `yaml:"conn_max_lifetime" env:"CONN_MAX_LIFETIME"`

	// 启动时执行内嵌的 Schema 迁移
	AutoMigrate bool `yaml:"auto_migrate" env:"AUTO_MIGRATE"`
}

// LogConfig 对应 zap.Config 的常用字段
type LogConfig struct {
	// debug, info, warn, error
	Level string `yaml:"level" env:"LEVEL"`
	// json 或 console
	Format           string   `yaml:"format" env:"FORMAT"`
	OutputPaths      []string `yaml:"output_paths" env:"OUTPUT_PATHS"`
	EnableCaller     bool     `yaml:"enable_caller" env:"ENABLE_CALLER"`
	EnableStacktrace bool     `yaml:"enable_stacktrace" env:"ENABLE_STACKTRACE"`
}

// TelemetryConfig 控制 OTLP trace 与 metric 导出
type TelemetryConfig struct {
	Enabled      bool    `yaml:"enabled" env:"ENABLED"`
	OTLPEndpoint string  `yaml:"otlp_endpoint" env:"OTLP_ENDPOINT"`
	ServiceName  string  `yaml:"service_name" env:"SERVICE_NAME"`
	SampleRate   float64 `yaml:"sample_rate" env:"SAMPLE_RATE"`
}

// DSN 返回 GORM 驱动使用的连接串，未知驱动返回空串
func (d *DatabaseConfig) DSN() string {
	switch d.Driver {
	case "postgres":
		return fmt.Sprintf("host=%s port=%d user=%s password=%s dbname=%s sslmode=%s",
			d.Host, d.Port, d.User, d.Password, d.Name, d.SSLMode)
	case "mysql":
		return fmt.Sprintf("%s:%s@tcp(%s:%d)/%s?parseTime=true",
			d.User, d.Password, d.Host, d.Port, d.Name)
	case "sqlite":
		if d.Path == "" {
			return d.Name
		}
		return d.Path
	}
	return ""
}
