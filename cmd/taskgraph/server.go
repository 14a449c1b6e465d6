package main

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"go.uber.org/zap"

	"github.com/BaSui01/taskgraph/api/handlers"
	"github.com/BaSui01/taskgraph/config"
	"github.com/BaSui01/taskgraph/internal/cache"
	"github.com/BaSui01/taskgraph/internal/database"
	"github.com/BaSui01/taskgraph/internal/metrics"
	"github.com/BaSui01/taskgraph/internal/migration"
	"github.com/BaSui01/taskgraph/internal/pool"
	"github.com/BaSui01/taskgraph/internal/runs"
	"github.com/BaSui01/taskgraph/internal/server"
	"github.com/BaSui01/taskgraph/internal/tasks"
	"github.com/BaSui01/taskgraph/internal/telemetry"
	"github.com/BaSui01/taskgraph/workflow"
)

// 不需要认证的路径
var publicPaths = []string{"/health", "/healthz", "/ready", "/readyz", "/version"}

// =============================================================================
// 🖥️ Server
// =============================================================================

// Server 组装运行服务、存储、遥测与 HTTP 路由
type Server struct {
	cfg    *config.Config
	logger *zap.Logger

	telemetry *telemetry.Providers
	registry  *prometheus.Registry
	collector *metrics.Collector

	cache  *cache.Manager
	events *cache.EventStream
	db     *database.Pool

	svc    *runs.Service
	health *handlers.HealthHandler

	httpManager    *server.Manager
	metricsManager *server.Manager

	// 停止限流器清理 goroutine
	cancel context.CancelFunc
}

// NewServer 初始化全部依赖，不启动监听。
// Redis 与数据库不可用时降级为进程内存储。
func NewServer(cfg *config.Config, logger *zap.Logger) (*Server, error) {
	s := &Server{cfg: cfg, logger: logger}

	providers, err := telemetry.Init(context.Background(), cfg.Telemetry, logger, telemetry.WithVersion(Version))
	if err != nil {
		logger.Warn("failed to initialize telemetry", zap.Error(err))
	}
	s.telemetry = providers

	s.registry = prometheus.NewRegistry()
	s.registry.MustRegister(
		collectors.NewGoCollector(),
		collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}),
	)
	if s.collector, err = metrics.New("taskgraph", s.registry, logger); err != nil {
		return nil, err
	}
	s.health = handlers.NewHealthHandler(logger)

	var (
		runStore   workflow.RunStore   = workflow.NewMemoryRunStore()
		graphStore workflow.GraphStore = workflow.NewMemoryGraphStore()
	)

	if cfg.Database.Enabled {
		if history, err := s.initDatabase(); err != nil {
			logger.Warn("database not available, using in-memory history", zap.Error(err))
		} else {
			runStore, graphStore = history, history
		}
	}

	if cfg.Redis.Enabled {
		if err := s.initCache(); err != nil {
			logger.Warn("redis not available, event replay and result cache disabled", zap.Error(err))
		} else {
			runStore = cache.NewResultCache(s.cache, runStore, s.collector)
		}
	}

	opts := cfg.Executor.Options()
	opts.Logger = logger
	opts.Breakers = cfg.Executor.Breakers(workflow.BreakerStateHandlerFunc(func(e workflow.BreakerEvent) {
		logger.Warn("task breaker state changed",
			zap.String("task_ref", e.TaskRef),
			zap.String("from", e.From.String()),
			zap.String("to", e.To.String()),
			zap.String("reason", e.Reason))
	}), logger)
	sinks := []workflow.Sink{
		workflow.NewLogSink(logger),
		metrics.NewSink(s.collector),
		telemetry.NewTracingSink(s.telemetry.TracerProvider()),
	}
	if s.events != nil {
		sinks = append(sinks, s.events)
	}
	opts.Sink = workflow.NewMultiSink(sinks...)

	s.svc, err = runs.NewService(runs.Config{
		Executor: opts,
		Tasks:    tasks.NewRegistry(logger),
		Runs:     runStore,
		Graphs:   graphStore,
		Pool: pool.New(pool.Config{
			MaxWorkers: cfg.Server.MaxConcurrentRuns,
			QueueSize:  cfg.Server.RunQueueSize,
		}, logger),
		Gauge:  s.collector,
		Logger: logger,
	})
	if err != nil {
		s.closeStores()
		return nil, fmt.Errorf("failed to create run service: %w", err)
	}
	s.health.RegisterDetail("pool", func() any { return s.svc.PoolStats() })
	s.collector.WatchPool(s.svc.PoolStats)

	return s, nil
}

func (s *Server) initDatabase() (*database.HistoryStore, error) {
	dbCfg := s.cfg.Database
	if dbCfg.AutoMigrate {
		if err := s.migrateSchema(dbCfg); err != nil {
			return nil, err
		}
	}
	db, err := database.Open(dbCfg, s.logger)
	if err != nil {
		return nil, err
	}
	pm, err := database.NewPool(db, database.PoolConfigFrom(dbCfg), s.logger,
		database.WithStatsRecorder(dbCfg.Driver, s.collector))
	if err != nil {
		return nil, err
	}
	s.db = pm

	history := database.NewHistoryStore(pm.DB(), s.collector, s.logger).WithTransactor(pm)
	s.health.RegisterCheck(handlers.NewCheck("database", pm.Ping))
	s.health.RegisterDetail("database", func() any { return pm.Stats() })
	return history, nil
}

// migrateSchema 在打开连接池之前把历史库升级到内嵌的最新版本
func (s *Server) migrateSchema(dbCfg config.DatabaseConfig) error {
	m, err := migration.FromConfig(dbCfg, s.logger)
	if err != nil {
		return fmt.Errorf("open migrator: %w", err)
	}
	defer m.Close()

	ctx, cancel := context.WithTimeout(context.Background(), migration.DefaultLockTimeout*2)
	defer cancel()
	return m.Up(ctx)
}

func (s *Server) initCache() error {
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	m, err := cache.NewManager(ctx, cache.ConfigFrom(s.cfg.Redis), s.logger)
	if err != nil {
		return err
	}
	s.cache = m
	s.events = cache.NewEventStream(m)
	s.health.RegisterCheck(handlers.Optional(handlers.NewCheck("redis", m.Ping)))
	s.health.RegisterDetail("redis", func() any { return m.Stats() })
	return nil
}

// Handler 构建带中间件链的 API 路由
func (s *Server) Handler() http.Handler {
	mux := http.NewServeMux()

	// ========================================
	// 健康检查
	// ========================================
	mux.HandleFunc("GET /health", s.health.HandleLive)
	mux.HandleFunc("GET /healthz", s.health.HandleLive)
	mux.HandleFunc("GET /ready", s.health.HandleReady)
	mux.HandleFunc("GET /readyz", s.health.HandleReady)
	mux.HandleFunc("GET /version", s.health.HandleVersion(Version, BuildTime, GitCommit))

	// ========================================
	// 运行与图定义 API
	// ========================================
	runsH := handlers.NewRunHandler(s.svc, s.logger)
	graphsH := handlers.NewGraphHandler(s.svc, s.logger)
	var replay handlers.EventReplayer
	if s.events != nil {
		replay = s.events
	}
	eventsH := handlers.NewEventsHandler(s.svc, replay, s.logger)

	mux.HandleFunc("POST /api/v1/runs", runsH.HandleSubmit)
	mux.HandleFunc("GET /api/v1/runs", runsH.HandleList)
	mux.HandleFunc("GET /api/v1/runs/{id}", runsH.HandleGet)
	mux.HandleFunc("DELETE /api/v1/runs/{id}", runsH.HandleCancel)
	mux.HandleFunc("GET /api/v1/runs/{id}/events", eventsH.HandleEvents)

	mux.HandleFunc("POST /api/v1/graphs/validate", graphsH.HandleValidate)
	mux.HandleFunc("POST /api/v1/graphs", graphsH.HandleSave)
	mux.HandleFunc("GET /api/v1/graphs", graphsH.HandleList)
	mux.HandleFunc("GET /api/v1/graphs/{name}", graphsH.HandleGet)
	mux.HandleFunc("DELETE /api/v1/graphs/{name}", graphsH.HandleDelete)

	// ========================================
	// 中间件链
	// ========================================
	ctx, cancel := context.WithCancel(context.Background())
	if s.cancel != nil {
		s.cancel()
	}
	s.cancel = cancel

	return Chain(mux,
		Recovery(s.logger),
		RequestID(),
		SecurityHeaders(),
		Instrument(s.logger, s.collector),
		RateLimiter(ctx, float64(s.cfg.Server.RateLimitRPS), s.cfg.Server.RateLimitBurst, s.logger),
		JWTAuth(s.cfg.Server.JWT, publicPaths, s.logger),
	)
}

// =============================================================================
// 🚀 启动与关闭
// =============================================================================

// Run 启动 API 与 Metrics 服务器，阻塞到收到退出信号，随后依次关闭
func (s *Server) Run() error {
	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	metricsMux := http.NewServeMux()
	metricsMux.Handle("/metrics", promhttp.HandlerFor(s.registry, promhttp.HandlerOpts{Registry: s.registry}))
	s.metricsManager = server.NewManager(metricsMux, server.MetricsConfig(s.cfg.Server), s.logger)

	httpCfg := server.ConfigFrom(s.cfg.Server)
	s.httpManager = server.NewManager(s.Handler(), httpCfg, s.logger)

	s.logger.Info("servers starting",
		zap.Int("http_port", s.cfg.Server.HTTPPort),
		zap.Int("metrics_port", s.cfg.Server.MetricsPort),
		zap.Int("max_concurrent_runs", s.cfg.Server.MaxConcurrentRuns),
		zap.Bool("tls", httpCfg.TLSEnabled()),
		zap.Bool("redis", s.cache != nil),
		zap.Bool("database", s.db != nil),
	)

	// 收到信号后先让就绪探针失败，再关闭监听
	context.AfterFunc(ctx, func() { s.health.SetDraining(true) })

	runErr := server.RunAll(ctx, s.httpManager, s.metricsManager)
	return errors.Join(runErr, s.shutdown())
}

// shutdown 排空运行池后关闭存储与遥测
func (s *Server) shutdown() error {
	s.logger.Info("starting graceful shutdown")

	ctx, cancel := context.WithTimeout(context.Background(), s.cfg.Server.ShutdownTimeout)
	defer cancel()

	s.health.SetDraining(true)

	var errs []error
	if s.cancel != nil {
		s.cancel()
	}
	if err := s.svc.Close(ctx); err != nil {
		errs = append(errs, fmt.Errorf("run service: %w", err))
	}
	if err := s.closeStores(); err != nil {
		errs = append(errs, err)
	}
	if err := s.telemetry.Shutdown(ctx); err != nil {
		errs = append(errs, fmt.Errorf("telemetry: %w", err))
	}

	s.logger.Info("graceful shutdown completed")
	return errors.Join(errs...)
}

func (s *Server) closeStores() error {
	var errs []error
	if s.cache != nil {
		if err := s.cache.Close(); err != nil {
			errs = append(errs, fmt.Errorf("redis: %w", err))
		}
	}
	if s.db != nil {
		if err := s.db.Close(); err != nil {
			errs = append(errs, fmt.Errorf("database: %w", err))
		}
	}
	return errors.Join(errs...)
}
