package config

import (
	"errors"
	"fmt"
	"strings"
)

// FieldError 单个配置项的校验错误
type FieldError struct {
	Field  string
	Reason string
}

func (e *FieldError) Error() string {
	return fmt.Sprintf("%s: %s", e.Field, e.Reason)
}

// Validate 校验配置，返回所有问题的 errors.Join
func Validate(c *Config) error {
	var errs []error
	check := func(ok bool, field, reason string) {
		if !ok {
			errs = append(errs, &FieldError{Field: field, Reason: reason})
		}
	}

	e := c.Executor
	check(e.MaxConcurrent > 0, "executor.max_concurrent", "must be positive")
	check(e.MaxRetries >= 0, "executor.max_retries", "must not be negative")
	check(e.CircuitBreakerThreshold >= 0, "executor.circuit_breaker_threshold", "must not be negative")
	check(e.BaseBackoff >= 0, "executor.base_backoff", "must not be negative")
	check(e.MaxBackoff == 0 || e.BaseBackoff <= e.MaxBackoff, "executor.base_backoff", "exceeds max_backoff")
	check(e.NodeTimeout >= 0, "executor.node_timeout", "must not be negative")
	check(e.DispatchRate >= 0, "executor.dispatch_rate", "must not be negative")

	s := c.Server
	check(validPort(s.HTTPPort), "server.http_port", "must be within 1-65535")
	check(validPort(s.MetricsPort), "server.metrics_port", "must be within 1-65535")
	check(s.HTTPPort != s.MetricsPort, "server.metrics_port", "must differ from http_port")
	check(s.MaxConcurrentRuns > 0, "server.max_concurrent_runs", "must be positive")
	check(s.RunQueueSize >= 0, "server.run_queue_size", "must not be negative")
	check((s.TLS.CertFile == "") == (s.TLS.KeyFile == ""), "server.tls", "cert_file and key_file must be set together")

	if c.Redis.Enabled {
		check(c.Redis.Addr != "", "redis.addr", "is required when redis is enabled")
	}
	if c.Database.Enabled {
		switch c.Database.Driver {
		case "postgres", "mysql", "sqlite":
		default:
			errs = append(errs, &FieldError{Field: "database.driver", Reason: fmt.Sprintf("unsupported driver %q", c.Database.Driver)})
		}
	}

	switch strings.ToLower(c.Log.Format) {
	case "json", "console":
	default:
		errs = append(errs, &FieldError{Field: "log.format", Reason: fmt.Sprintf("unsupported format %q", c.Log.Format)})
	}
	check(c.Telemetry.SampleRate >= 0 && c.Telemetry.SampleRate <= 1, "telemetry.sample_rate", "must be within 0-1")

	return errors.Join(errs...)
}

// Validate 校验配置
func (c *Config) Validate() error { return Validate(c) }

func validPort(p int) bool { return p > 0 && p <= 65535 }
