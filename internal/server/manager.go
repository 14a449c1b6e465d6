package server

import (
	"context"
	"crypto/tls"
	"errors"
	"fmt"
	"net"
	"net/http"
	"sync"
	"time"

	"go.uber.org/zap"
	"golang.org/x/sync/errgroup"

	"github.com/BaSui01/taskgraph/config"
	"github.com/BaSui01/taskgraph/internal/tlsutil"
)

// ErrServerClosed 在已关闭的 Manager 上调用 Start 时返回
var ErrServerClosed = errors.New("server is closed")

// Config 描述一个监听端点
type Config struct {
	// Name 仅用于日志，如 "api"、"metrics"
	Name            string
	Addr            string
	ReadTimeout     time.Duration
	WriteTimeout    time.Duration
	IdleTimeout     time.Duration
	MaxHeaderBytes  int
	ShutdownTimeout time.Duration

	// 证书与私钥都设置时以 HTTPS 提供服务
	CertFile string
	KeyFile  string
}

// DefaultConfig 返回默认端点配置
func DefaultConfig() Config {
	return Config{
		Name:            "http",
		Addr:            ":8080",
		ReadTimeout:     30 * time.Second,
		WriteTimeout:    30 * time.Second,
		IdleTimeout:     2 * time.Minute,
		MaxHeaderBytes:  1 << 20,
		ShutdownTimeout: 30 * time.Second,
	}
}

// ConfigFrom 由 server 配置段得到 API 端点配置，零值沿用默认
func ConfigFrom(sc config.ServerConfig) Config {
	cfg := DefaultConfig()
	cfg.Name = "api"
	cfg.Addr = fmt.Sprintf(":%d", sc.HTTPPort)
	for _, o := range []struct {
		dst *time.Duration
		v   time.Duration
	}{
		{&cfg.ReadTimeout, sc.ReadTimeout},
		{&cfg.WriteTimeout, sc.WriteTimeout},
		{&cfg.ShutdownTimeout, sc.ShutdownTimeout},
	} {
		if o.v > 0 {
			*o.dst = o.v
		}
	}
	cfg.CertFile, cfg.KeyFile = sc.TLS.CertFile, sc.TLS.KeyFile
	return cfg
}

// MetricsConfig 是 /metrics 端点的配置，不启用 TLS
func MetricsConfig(sc config.ServerConfig) Config {
	cfg := DefaultConfig()
	cfg.Name = "metrics"
	cfg.Addr = fmt.Sprintf(":%d", sc.MetricsPort)
	if sc.ShutdownTimeout > 0 {
		cfg.ShutdownTimeout = sc.ShutdownTimeout
	}
	return cfg
}

func (c Config) TLSEnabled() bool { return c.CertFile != "" && c.KeyFile != "" }

// =============================================================================
// 🌐 Manager
// =============================================================================

// Manager 持有一个 http.Server：监听、后台服务与限时关闭
type Manager struct {
	cfg    Config
	srv    *http.Server
	logger *zap.Logger

	mu     sync.Mutex
	ln     net.Listener
	closed bool

	// serve goroutine 退出后关闭，serveErr 随之可读
	done     chan struct{}
	serveErr error
}

// NewManager 创建 Manager，不监听
func NewManager(handler http.Handler, cfg Config, logger *zap.Logger) *Manager {
	if logger == nil {
		logger = zap.NewNop()
	}
	srv := &http.Server{
		Addr:              cfg.Addr,
		Handler:           handler,
		ReadTimeout:       cfg.ReadTimeout,
		ReadHeaderTimeout: cfg.ReadTimeout,
		WriteTimeout:      cfg.WriteTimeout,
		IdleTimeout:       cfg.IdleTimeout,
		MaxHeaderBytes:    cfg.MaxHeaderBytes,
		ErrorLog:          zap.NewStdLog(logger.Named("net/http")),
	}
	if cfg.TLSEnabled() {
		srv.TLSConfig = tlsutil.DefaultTLSConfig()
	}
	return &Manager{
		cfg:    cfg,
		srv:    srv,
		logger: logger.With(zap.String("component", "http_server"), zap.String("server", cfg.Name)),
		done:   make(chan struct{}),
	}
}

// Start 监听并在后台提供服务。证书在此处加载，错误立即返回。
func (m *Manager) Start() error {
	m.mu.Lock()
	defer m.mu.Unlock()

	switch {
	case m.closed:
		return ErrServerClosed
	case m.ln != nil:
		return errors.New("server already started")
	}

	var tlsCfg *tls.Config
	if m.cfg.TLSEnabled() {
		cert, err := tls.LoadX509KeyPair(m.cfg.CertFile, m.cfg.KeyFile)
		if err != nil {
			return fmt.Errorf("load TLS key pair: %w", err)
		}
		tlsCfg = m.srv.TLSConfig.Clone()
		tlsCfg.Certificates = []tls.Certificate{cert}
		tlsCfg.NextProtos = []string{"h2", "http/1.1"}
	}

	ln, err := net.Listen("tcp", m.cfg.Addr)
	if err != nil {
		return fmt.Errorf("failed to listen on %s: %w", m.cfg.Addr, err)
	}
	m.ln = ln
	if tlsCfg != nil {
		ln = tls.NewListener(ln, tlsCfg)
	}

	m.logger.Info("server listening",
		zap.String("addr", m.ln.Addr().String()),
		zap.Bool("tls", tlsCfg != nil))

	go func() {
		defer close(m.done)
		if err := m.srv.Serve(ln); err != nil && !errors.Is(err, http.ErrServerClosed) {
			m.logger.Error("server failed", zap.Error(err))
			m.serveErr = err
		}
	}()
	return nil
}

// Run 启动后阻塞到 ctx 结束或服务异常退出，然后限时关闭
func (m *Manager) Run(ctx context.Context) error {
	if err := m.Start(); err != nil {
		return err
	}
	select {
	case <-ctx.Done():
		m.logger.Info("shutdown requested")
	case <-m.done:
	}
	// ctx 已取消，关闭不能再挂在它上面
	return errors.Join(m.Err(), m.Shutdown(context.WithoutCancel(ctx)))
}

// Shutdown 在 ShutdownTimeout 内排空请求；重复调用返回 nil
func (m *Manager) Shutdown(ctx context.Context) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.closed {
		return nil
	}
	m.closed = true

	ctx, cancel := context.WithTimeout(ctx, m.cfg.ShutdownTimeout)
	defer cancel()

	start := time.Now()
	if err := m.srv.Shutdown(ctx); err != nil {
		m.logger.Error("server shutdown failed", zap.Error(err))
		return err
	}
	m.logger.Info("server stopped", zap.Duration("took", time.Since(start)))
	return nil
}

// Done 在服务 goroutine 退出后关闭；从未 Start 时永不关闭
func (m *Manager) Done() <-chan struct{} { return m.done }

// Err 返回服务异常退出的原因，Done 关闭前为 nil
func (m *Manager) Err() error {
	select {
	case <-m.done:
		return m.serveErr
	default:
		return nil
	}
}

// Addr 返回实际监听地址，未监听时返回配置地址
func (m *Manager) Addr() string {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.ln != nil {
		return m.ln.Addr().String()
	}
	return m.cfg.Addr
}

func (m *Manager) IsRunning() bool {
	m.mu.Lock()
	defer m.mu.Unlock()
	return !m.closed
}

// TLSConfig 返回服务端 TLS 配置，未启用时为 nil
func (m *Manager) TLSConfig() *tls.Config { return m.srv.TLSConfig }

// =============================================================================
// 👥 多端点
// =============================================================================

// RunAll 同时运行多个 Manager；ctx 结束或任一端点异常退出时全部关闭
func RunAll(ctx context.Context, managers ...*Manager) error {
	for i, m := range managers {
		if err := m.Start(); err != nil {
			for _, started := range managers[:i] {
				_ = started.Shutdown(context.WithoutCancel(ctx))
			}
			return fmt.Errorf("%s: %w", m.cfg.Name, err)
		}
	}

	g, gctx := errgroup.WithContext(ctx)
	for _, m := range managers {
		g.Go(func() error {
			select {
			case <-gctx.Done():
			case <-m.Done():
				if err := m.Err(); err != nil {
					return fmt.Errorf("%s: %w", m.cfg.Name, err)
				}
				return fmt.Errorf("%s: %w", m.cfg.Name, ErrServerClosed)
			}
			return m.Shutdown(context.WithoutCancel(ctx))
		})
	}
	err := g.Wait()
	// 出错的那个端点不会走到 Shutdown
	for _, m := range managers {
		err = errors.Join(err, m.Shutdown(context.WithoutCancel(ctx)))
	}
	return err
}
