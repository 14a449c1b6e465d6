// =============================================================================
// TaskGraph 主入口
// =============================================================================
// 命令行与服务入口点，包含本地执行、HTTP 服务、健康检查、Prometheus 指标
//
// 使用方法:
//
//	taskgraph run --graph pipeline.yaml       # 本地执行图
//	taskgraph validate --graph pipeline.yaml  # 校验图定义
//	taskgraph export --graph g.yaml --format json
//	taskgraph serve --config config.yaml      # 启动服务
//	taskgraph migrate up                      # 运行数据库迁移
//	taskgraph health --ready                  # 健康 / 就绪检查
//	taskgraph version                         # 显示版本信息
// =============================================================================

// @title TaskGraph API
// @version 1.0.0
// @description TaskGraph executes directed task graphs with retries, circuit breakers and conditional edges.
// @description
// @description ## Features
// @description - Asynchronous run submission bounded by a worker pool
// @description - Graph definitions in JSON or YAML, stored by name
// @description - Live run events over WebSocket
// @description - Health monitoring and metrics

// @contact.name TaskGraph Team
// @contact.url https://github.com/BaSui01/taskgraph

// @license.name MIT
// @license.url https://opensource.org/licenses/MIT

// @host localhost:8080
// @BasePath /
// @schemes http https

// @securityDefinitions.apikey BearerAuth
// @in header
// @name Authorization
// @description JWT bearer token

package main

import (
	"encoding/json"
	"flag"
	"fmt"
	"io"
	"net/http"
	"os"
	"runtime"
	"time"

	"go.uber.org/zap"
	"go.uber.org/zap/zapcore"

	"github.com/BaSui01/taskgraph/config"
	"github.com/BaSui01/taskgraph/internal/tlsutil"
)

// 构建时通过 -ldflags 注入
var (
	Version   = "dev"
	BuildTime = "unknown"
	GitCommit = "unknown"
)

// command 是一个子命令，返回进程退出码
type command struct {
	summary string
	run     func(args []string, stdout, stderr io.Writer) int
}

var commands map[string]command

func init() {
	commands = map[string]command{
		"run":      {"Execute a graph file locally", cmdRun},
		"validate": {"Validate a graph file", cmdValidate},
		"export":   {"Convert a graph file between JSON and YAML", cmdExport},
		"serve":    {"Start the HTTP server", cmdServe},
		"migrate":  {"Manage the run history schema", cmdMigrate},
		"health":   {"Probe a running server", cmdHealth},
		"version":  {"Print build information", cmdVersion},
	}
}

func main() {
	os.Exit(dispatch(os.Args[1:], os.Stdout, os.Stderr))
}

func dispatch(args []string, stdout, stderr io.Writer) int {
	if len(args) == 0 {
		printUsage(stderr)
		return 1
	}
	switch args[0] {
	case "help", "-h", "--help":
		printUsage(stdout)
		return 0
	}
	cmd, ok := commands[args[0]]
	if !ok {
		fmt.Fprintf(stderr, "unknown command %q\n\n", args[0])
		printUsage(stderr)
		return 1
	}
	return cmd.run(args[1:], stdout, stderr)
}

// loadConfig 加载并校验配置，path 为空时只使用默认值与环境变量
func loadConfig(path string) (*config.Config, error) {
	cfg, err := config.Load(path)
	if err != nil {
		return nil, fmt.Errorf("failed to load config: %w", err)
	}
	return cfg, nil
}

// =============================================================================
// 🖥️ serve
// =============================================================================

func cmdServe(args []string, _, stderr io.Writer) int {
	fs := flag.NewFlagSet("serve", flag.ContinueOnError)
	fs.SetOutput(stderr)
	configPath := fs.String("config", "", "Path to config file")
	if err := fs.Parse(args); err != nil {
		return 2
	}

	cfg, err := loadConfig(*configPath)
	if err != nil {
		fmt.Fprintln(stderr, err)
		return 1
	}
	logger, err := newLogger(cfg.Log)
	if err != nil {
		fmt.Fprintf(stderr, "invalid log config: %v\n", err)
		return 1
	}
	defer logger.Sync()

	logger.Info("starting taskgraph",
		zap.String("version", Version),
		zap.String("git_commit", GitCommit),
		zap.String("build_time", BuildTime),
	)

	srv, err := NewServer(cfg, logger)
	if err != nil {
		logger.Error("server init failed", zap.Error(err))
		return 1
	}
	if err := srv.Run(); err != nil {
		logger.Error("server exited", zap.Error(err))
		return 1
	}
	logger.Info("taskgraph stopped")
	return 0
}

// =============================================================================
// 🏥 health
// =============================================================================

func cmdHealth(args []string, stdout, stderr io.Writer) int {
	fs := flag.NewFlagSet("health", flag.ContinueOnError)
	fs.SetOutput(stderr)
	addr := fs.String("addr", "http://localhost:8080", "Server base URL")
	ready := fs.Bool("ready", false, "Probe /readyz instead of /healthz")
	timeout := fs.Duration("timeout", 5*time.Second, "Request timeout")
	insecure := fs.Bool("insecure", false, "Skip TLS certificate verification")
	if err := fs.Parse(args); err != nil {
		return 2
	}

	path := "/healthz"
	if *ready {
		path = "/readyz"
	}
	resp, err := tlsutil.HTTPClient(*timeout, *insecure).Get(*addr + path)
	if err != nil {
		fmt.Fprintf(stderr, "health: %v\n", err)
		return 1
	}
	defer resp.Body.Close()

	var report struct {
		Status string `json:"status"`
	}
	_ = json.NewDecoder(resp.Body).Decode(&report)
	if report.Status == "" {
		report.Status = http.StatusText(resp.StatusCode)
	}
	if resp.StatusCode != http.StatusOK {
		fmt.Fprintf(stderr, "health: %s (HTTP %d)\n", report.Status, resp.StatusCode)
		return 1
	}
	fmt.Fprintln(stdout, report.Status)
	return 0
}

// =============================================================================
// 📋 version / usage
// =============================================================================

func cmdVersion(_ []string, stdout, _ io.Writer) int {
	fmt.Fprintf(stdout, "taskgraph %s (commit %s, built %s, %s)\n", Version, GitCommit, BuildTime, runtime.Version())
	return 0
}

func printUsage(w io.Writer) {
	fmt.Fprint(w, `TaskGraph executes directed task graphs.

Usage:
  taskgraph <command> [flags]

Commands:
`)
	for _, name := range []string{"run", "validate", "export", "serve", "migrate", "health", "version"} {
		fmt.Fprintf(w, "  %-9s %s\n", name, commands[name].summary)
	}
	fmt.Fprint(w, `
Run 'taskgraph <command> -h' for the flags of a command.

Examples:
  taskgraph run --graph review.yaml --message "draft" --output json
  taskgraph validate --graph pipeline.json
  taskgraph export --graph pipeline.yaml --format json --out pipeline.json
  taskgraph serve --config /etc/taskgraph/config.yaml
  taskgraph migrate up --config /etc/taskgraph/config.yaml
  taskgraph health --addr http://localhost:8080 --ready
`)
}

// =============================================================================
// 🔧 日志
// =============================================================================

// newLogger 按 log 配置段构建 zap logger
func newLogger(cfg config.LogConfig) (*zap.Logger, error) {
	level := zapcore.InfoLevel
	if cfg.Level != "" {
		l, err := zapcore.ParseLevel(cfg.Level)
		if err != nil {
			return nil, err
		}
		level = l
	}

	zc := zap.NewProductionConfig()
	zc.Level = zap.NewAtomicLevelAt(level)
	zc.EncoderConfig.TimeKey = "timestamp"
	zc.EncoderConfig.EncodeTime = zapcore.ISO8601TimeEncoder
	if cfg.Format == "console" {
		zc = zap.NewDevelopmentConfig()
		zc.Level = zap.NewAtomicLevelAt(level)
		zc.EncoderConfig.EncodeLevel = zapcore.CapitalColorLevelEncoder
	}
	if len(cfg.OutputPaths) > 0 {
		zc.OutputPaths = cfg.OutputPaths
	}
	zc.DisableCaller = !cfg.EnableCaller
	zc.DisableStacktrace = !cfg.EnableStacktrace

	return zc.Build()
}

// newCLILogger 以 console 格式把 debug 以上日志写到 w
func newCLILogger(w io.Writer) *zap.Logger {
	enc := zap.NewDevelopmentEncoderConfig()
	enc.TimeKey = ""
	core := zapcore.NewCore(zapcore.NewConsoleEncoder(enc), zapcore.AddSync(w), zapcore.DebugLevel)
	return zap.New(core)
}
