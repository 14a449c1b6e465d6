package migration

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"strings"
	"time"

	_ "github.com/glebarez/go-sqlite" // pure-Go "sqlite" driver
	"github.com/golang-migrate/migrate/v4"
	"github.com/golang-migrate/migrate/v4/database"
	"github.com/golang-migrate/migrate/v4/database/mysql"
	"github.com/golang-migrate/migrate/v4/database/postgres"
	"github.com/golang-migrate/migrate/v4/database/sqlite3"
	"go.uber.org/zap"

	"github.com/BaSui01/taskgraph/config"
)

const (
	// DefaultTable 记录已应用版本的表
	DefaultTable = "schema_migrations"
	// DefaultLockTimeout 等待迁移锁的上限
	DefaultLockTimeout = 15 * time.Second
)

// Options 配置 Migrator
type Options struct {
	Dialect     Dialect
	URL         string
	Table       string
	LockTimeout time.Duration
	Logger      *zap.Logger
}

// State 是数据库当前的 Schema 状态
type State struct {
	Version    uint        `json:"version"`
	Dirty      bool        `json:"dirty"`
	Migrations []Migration `json:"migrations"`
}

// Applied 返回已应用的迁移数
func (s *State) Applied() int {
	n := 0
	for _, m := range s.Migrations {
		if m.Applied {
			n++
		}
	}
	return n
}

// Pending 返回尚未应用的迁移
func (s *State) Pending() []Migration {
	var out []Migration
	for _, m := range s.Migrations {
		if !m.Applied {
			out = append(out, m)
		}
	}
	return out
}

// =============================================================================
// 🗄️ Migrator
// =============================================================================

// Migrator 在运行历史数据库上执行内嵌的 Schema 迁移。
//
// 所有操作接受 ctx：ctx 取消时当前迁移文件执行完毕后停止，
// 之后该 Migrator 不再可用，只能 Close。
type Migrator struct {
	opts   Options
	mig    *migrate.Migrate
	logger *zap.Logger
}

// New 打开 opts.URL 指向的数据库并创建 Migrator
func New(opts Options) (*Migrator, error) {
	if opts.URL == "" {
		return nil, errors.New("database URL is required")
	}
	if err := opts.Dialect.valid(); err != nil {
		return nil, err
	}

	db, err := sql.Open(opts.Dialect.driverName(), opts.URL)
	if err != nil {
		return nil, fmt.Errorf("open database: %w", err)
	}
	if err := db.Ping(); err != nil {
		db.Close()
		return nil, fmt.Errorf("ping database: %w", err)
	}

	m, err := NewWithDB(db, opts)
	if err != nil {
		db.Close()
		return nil, err
	}
	return m, nil
}

// NewWithDB 在已打开的连接上创建 Migrator，Close 时会关闭 db
func NewWithDB(db *sql.DB, opts Options) (*Migrator, error) {
	if db == nil {
		return nil, errors.New("db is required")
	}
	if opts.Table == "" {
		opts.Table = DefaultTable
	}
	if opts.LockTimeout <= 0 {
		opts.LockTimeout = DefaultLockTimeout
	}
	if opts.Logger == nil {
		opts.Logger = zap.NewNop()
	}

	src, err := opts.Dialect.source()
	if err != nil {
		return nil, err
	}
	target, err := databaseDriver(db, opts)
	if err != nil {
		src.Close()
		return nil, fmt.Errorf("create %s driver: %w", opts.Dialect, err)
	}
	mig, err := migrate.NewWithInstance("iofs", src, string(opts.Dialect), target)
	if err != nil {
		src.Close()
		return nil, fmt.Errorf("create migrate instance: %w", err)
	}
	mig.LockTimeout = opts.LockTimeout
	mig.Log = migrateLogger{opts.Logger.Sugar()}

	return &Migrator{
		opts:   opts,
		mig:    mig,
		logger: opts.Logger.With(zap.String("component", "migration"), zap.String("dialect", string(opts.Dialect))),
	}, nil
}

// FromConfig 根据 database 配置段创建 Migrator
func FromConfig(cfg config.DatabaseConfig, logger *zap.Logger) (*Migrator, error) {
	d, dsn, err := URL(cfg)
	if err != nil {
		return nil, err
	}
	return New(Options{Dialect: d, URL: dsn, Logger: logger})
}

// databaseDriver 包装 db；SQLite 复用 sqlite3 驱动，它只在给定连接上执行普通 SQL
func databaseDriver(db *sql.DB, opts Options) (database.Driver, error) {
	switch opts.Dialect {
	case Postgres:
		return postgres.WithInstance(db, &postgres.Config{MigrationsTable: opts.Table})
	case MySQL:
		return mysql.WithInstance(db, &mysql.Config{MigrationsTable: opts.Table})
	default:
		return sqlite3.WithInstance(db, &sqlite3.Config{MigrationsTable: opts.Table})
	}
}

// Dialect 返回目标数据库类型
func (m *Migrator) Dialect() Dialect { return m.opts.Dialect }

// Up 应用全部未执行的迁移，已是最新版本时返回 nil
func (m *Migrator) Up(ctx context.Context) error {
	return m.run(ctx, "up", m.mig.Up)
}

// Down 回滚最近一次迁移
func (m *Migrator) Down(ctx context.Context) error {
	return m.run(ctx, "down", func() error { return m.mig.Steps(-1) })
}

// Reset 回滚全部迁移
func (m *Migrator) Reset(ctx context.Context) error {
	return m.run(ctx, "reset", m.mig.Down)
}

// Steps 正数前进 n 步，负数回滚 -n 步
func (m *Migrator) Steps(ctx context.Context, n int) error {
	if n == 0 {
		return nil
	}
	return m.run(ctx, fmt.Sprintf("steps %d", n), func() error { return m.mig.Steps(n) })
}

// Goto 迁移到指定版本
func (m *Migrator) Goto(ctx context.Context, version uint) error {
	return m.run(ctx, fmt.Sprintf("goto %d", version), func() error { return m.mig.Migrate(version) })
}

// Force 只改写版本记录并清除 dirty 标记，不执行 SQL；-1 表示无版本
func (m *Migrator) Force(ctx context.Context, version int) error {
	if version < -1 {
		return fmt.Errorf("invalid version %d", version)
	}
	return m.run(ctx, fmt.Sprintf("force %d", version), func() error { return m.mig.Force(version) })
}

// Version 返回当前版本，未应用任何迁移时为 0
func (m *Migrator) Version(ctx context.Context) (uint, bool, error) {
	if err := ctx.Err(); err != nil {
		return 0, false, err
	}
	v, dirty, err := m.mig.Version()
	if errors.Is(err, migrate.ErrNilVersion) {
		return 0, false, nil
	}
	if err != nil {
		return 0, false, fmt.Errorf("read schema version: %w", err)
	}
	return v, dirty, nil
}

// State 返回当前版本与每个内嵌迁移的应用情况
func (m *Migrator) State(ctx context.Context) (*State, error) {
	v, dirty, err := m.Version(ctx)
	if err != nil {
		return nil, err
	}
	list, err := Migrations(m.opts.Dialect)
	if err != nil {
		return nil, err
	}
	for i := range list {
		list[i].Applied = list[i].Version <= v
		list[i].Dirty = dirty && list[i].Version == v
	}
	return &State{Version: v, Dirty: dirty, Migrations: list}, nil
}

// Close 释放源驱动与数据库连接
func (m *Migrator) Close() error {
	srcErr, dbErr := m.mig.Close()
	return errors.Join(srcErr, dbErr)
}

// run 执行一次迁移操作，ctx 取消时通过 GracefulStop 通知 golang-migrate
func (m *Migrator) run(ctx context.Context, op string, fn func() error) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	stop := context.AfterFunc(ctx, func() {
		select {
		case m.mig.GracefulStop <- true:
		default:
		}
	})
	defer stop()

	start := time.Now()
	err := fn()
	if err == nil {
		// GracefulStop 让 golang-migrate 提前返回 nil
		err = ctx.Err()
	}
	switch {
	case errors.Is(err, migrate.ErrNoChange):
		m.logger.Debug("schema unchanged", zap.String("op", op))
		return nil
	case err != nil:
		if ctxErr := ctx.Err(); ctxErr != nil {
			return fmt.Errorf("migrate %s: %w", op, ctxErr)
		}
		return fmt.Errorf("migrate %s: %w", op, err)
	}
	m.logger.Info("schema migrated", zap.String("op", op), zap.Duration("took", time.Since(start)))
	return nil
}

// migrateLogger 把 golang-migrate 的日志转到 zap 的 debug 级别
type migrateLogger struct {
	sugar *zap.SugaredLogger
}

func (l migrateLogger) Printf(format string, v ...any) {
	l.sugar.Debugf(strings.TrimSuffix(format, "\n"), v...)
}

func (l migrateLogger) Verbose() bool {
	return l.sugar.Desugar().Core().Enabled(zap.DebugLevel)
}
