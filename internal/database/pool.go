package database

import (
	"context"
	"database/sql"
	"database/sql/driver"
	"errors"
	"fmt"
	"strings"
	"sync"
	"sync/atomic"
	"time"

	"github.com/cenkalti/backoff/v5"
	mysqldriver "github.com/go-sql-driver/mysql"
	"github.com/jackc/pgx/v5/pgconn"
	"go.uber.org/zap"
	"gorm.io/gorm"

	"github.com/BaSui01/taskgraph/config"
)

// ErrPoolClosed 连接池已关闭
var ErrPoolClosed = errors.New("database pool is closed")

// StatsRecorder 接收连接池统计，*metrics.Collector 实现该接口
type StatsRecorder interface {
	RecordDBConnections(database string, open, idle int)
}

// PoolConfig 连接池与事务重试配置
type PoolConfig struct {
	MaxOpenConns    int
	MaxIdleConns    int
	ConnMaxLifetime time.Duration
	ConnMaxIdleTime time.Duration
	// 后台 ping 间隔，0 关闭
	HealthInterval time.Duration
	// 事务最多执行次数，含首次
	TxAttempts uint
	// 事务重试的初始退避
	TxBackoff time.Duration
}

// DefaultPoolConfig 返回默认连接池配置
func DefaultPoolConfig() PoolConfig {
	return PoolConfig{
		MaxOpenConns:    25,
		MaxIdleConns:    5,
		ConnMaxLifetime: 5 * time.Minute,
		ConnMaxIdleTime: 5 * time.Minute,
		HealthInterval:  30 * time.Second,
		TxAttempts:      3,
		TxBackoff:       50 * time.Millisecond,
	}
}

// PoolConfigFrom 合并 database 配置段，零值沿用默认；空闲数不超过最大连接数
func PoolConfigFrom(dc config.DatabaseConfig) PoolConfig {
	pc := DefaultPoolConfig()
	if dc.MaxOpenConns > 0 {
		pc.MaxOpenConns = dc.MaxOpenConns
	}
	if dc.MaxIdleConns > 0 {
		pc.MaxIdleConns = dc.MaxIdleConns
	}
	if dc.ConnMaxLifetime > 0 {
		pc.ConnMaxLifetime = dc.ConnMaxLifetime
	}
	pc.MaxIdleConns = min(pc.MaxIdleConns, pc.MaxOpenConns)
	// sqlite 单写者，多连接只会制造 "database is locked"
	if dc.Driver == "sqlite" {
		pc.MaxOpenConns, pc.MaxIdleConns = 1, 1
	}
	return pc
}

// PoolOption 连接池可选项
type PoolOption func(*Pool)

// WithStatsRecorder 每次后台 ping 成功后以 name 上报连接数
func WithStatsRecorder(name string, r StatsRecorder) PoolOption {
	return func(p *Pool) {
		p.name = name
		p.recorder = r
	}
}

// =============================================================================
// 🗄️ Pool
// =============================================================================

// Pool 持有 GORM 连接，负责连接池参数、后台存活检测与可重试事务
type Pool struct {
	db       *gorm.DB
	sqlDB    *sql.DB
	cfg      PoolConfig
	name     string
	recorder StatsRecorder
	logger   *zap.Logger

	closed    atomic.Bool
	healthy   atomic.Bool
	closeOnce sync.Once
	stop      context.CancelFunc
	done      chan struct{}
}

// NewPool 应用连接池参数并启动后台检测
func NewPool(db *gorm.DB, cfg PoolConfig, logger *zap.Logger, opts ...PoolOption) (*Pool, error) {
	if db == nil {
		return nil, errors.New("database: nil gorm.DB")
	}
	if logger == nil {
		logger = zap.NewNop()
	}
	sqlDB, err := db.DB()
	if err != nil {
		return nil, fmt.Errorf("database: unwrap sql.DB: %w", err)
	}
	if cfg.TxAttempts == 0 {
		cfg.TxAttempts = 1
	}

	sqlDB.SetMaxOpenConns(cfg.MaxOpenConns)
	sqlDB.SetMaxIdleConns(cfg.MaxIdleConns)
	sqlDB.SetConnMaxLifetime(cfg.ConnMaxLifetime)
	sqlDB.SetConnMaxIdleTime(cfg.ConnMaxIdleTime)

	p := &Pool{
		db:     db,
		sqlDB:  sqlDB,
		cfg:    cfg,
		name:   db.Dialector.Name(),
		logger: logger.With(zap.String("component", "db_pool")),
		done:   make(chan struct{}),
	}
	for _, opt := range opts {
		opt(p)
	}
	p.healthy.Store(true)

	ctx, cancel := context.WithCancel(context.Background())
	p.stop = cancel
	if cfg.HealthInterval > 0 {
		go p.monitor(ctx)
	} else {
		close(p.done)
	}

	p.logger.Info("database pool ready",
		zap.String("driver", p.name),
		zap.Int("max_open", cfg.MaxOpenConns),
		zap.Int("max_idle", cfg.MaxIdleConns),
	)
	return p, nil
}

// DB 返回底层 GORM 实例
func (p *Pool) DB() *gorm.DB { return p.db }

// Ping 检测数据库是否可达
func (p *Pool) Ping(ctx context.Context) error {
	if p.closed.Load() {
		return ErrPoolClosed
	}
	return p.sqlDB.PingContext(ctx)
}

// Tx 在事务中执行 fn；死锁、序列化冲突、锁等待与断连按指数退避重试，
// 最多执行 TxAttempts 次。fn 可能被调用多次，不应有事务外的副作用。
func (p *Pool) Tx(ctx context.Context, fn func(tx *gorm.DB) error) error {
	if p.closed.Load() {
		return ErrPoolClosed
	}

	b := backoff.NewExponentialBackOff()
	b.InitialInterval = p.cfg.TxBackoff
	b.MaxInterval = 2 * time.Second

	attempt := 0
	_, err := backoff.Retry(ctx, func() (struct{}, error) {
		attempt++
		err := p.db.WithContext(ctx).Transaction(fn)
		if err != nil && !Retryable(err) {
			return struct{}{}, backoff.Permanent(err)
		}
		return struct{}{}, err
	},
		backoff.WithBackOff(b),
		backoff.WithMaxTries(p.cfg.TxAttempts),
		backoff.WithNotify(func(err error, wait time.Duration) {
			p.logger.Warn("transaction conflict, retrying",
				zap.Int("attempt", attempt),
				zap.Duration("backoff", wait),
				zap.Error(err),
			)
		}),
	)
	return err
}

// Close 停止后台检测并关闭连接，重复调用返回 nil
func (p *Pool) Close() error {
	var err error
	p.closeOnce.Do(func() {
		p.closed.Store(true)
		p.stop()
		<-p.done
		err = p.sqlDB.Close()
		p.logger.Info("database pool closed")
	})
	return err
}

// PoolStats 是 /ready 中展示的连接池状态
type PoolStats struct {
	Driver       string `json:"driver"`
	Healthy      bool   `json:"healthy"`
	MaxOpen      int    `json:"max_open"`
	Open         int    `json:"open"`
	InUse        int    `json:"in_use"`
	Idle         int    `json:"idle"`
	WaitCount    int64  `json:"wait_count"`
	WaitDuration string `json:"wait_duration"`
}

// Stats 返回当前连接池状态
func (p *Pool) Stats() PoolStats {
	s := p.sqlDB.Stats()
	return PoolStats{
		Driver:       p.name,
		Healthy:      p.healthy.Load() && !p.closed.Load(),
		MaxOpen:      s.MaxOpenConnections,
		Open:         s.OpenConnections,
		InUse:        s.InUse,
		Idle:         s.Idle,
		WaitCount:    s.WaitCount,
		WaitDuration: s.WaitDuration.String(),
	}
}

func (p *Pool) monitor(ctx context.Context) {
	defer close(p.done)
	ticker := time.NewTicker(p.cfg.HealthInterval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			p.probe(ctx)
		}
	}
}

// probe ping 一次，只在状态翻转时记日志
func (p *Pool) probe(ctx context.Context) {
	ctx, cancel := context.WithTimeout(ctx, 5*time.Second)
	defer cancel()

	err := p.Ping(ctx)
	if err != nil {
		if ctx.Err() == nil && p.healthy.Swap(false) {
			p.logger.Error("database unreachable", zap.Error(err))
		}
		return
	}
	if !p.healthy.Swap(true) {
		p.logger.Info("database reachable again")
	}
	if p.recorder != nil {
		s := p.sqlDB.Stats()
		p.recorder.RecordDBConnections(p.name, s.OpenConnections, s.Idle)
	}
}

// =============================================================================
// 🔁 可重试错误
// =============================================================================

// Retryable 判断事务失败是否值得重试
func Retryable(err error) bool {
	if err == nil || errors.Is(err, context.Canceled) || errors.Is(err, context.DeadlineExceeded) {
		return false
	}
	if errors.Is(err, driver.ErrBadConn) {
		return true
	}

	var pgErr *pgconn.PgError
	if errors.As(err, &pgErr) {
		switch pgErr.Code {
		case "40001", "40P01", "55P03": // serialization_failure, deadlock_detected, lock_not_available
			return true
		}
		return false
	}

	var myErr *mysqldriver.MySQLError
	if errors.As(err, &myErr) {
		return myErr.Number == 1213 || myErr.Number == 1205 // deadlock, lock wait timeout
	}

	// sqlite 错误码：5 SQLITE_BUSY，6 SQLITE_LOCKED
	var coded interface{ Code() int }
	if errors.As(err, &coded) {
		switch coded.Code() & 0xff {
		case 5, 6:
			return true
		}
	}
	return strings.Contains(err.Error(), "database is locked")
}
