package database

import (
	"context"
	"database/sql"
	"database/sql/driver"
	"errors"
	"fmt"
	"sync"
	"testing"
	"time"

	"github.com/DATA-DOG/go-sqlmock"
	mysqldriver "github.com/go-sql-driver/mysql"
	"github.com/jackc/pgx/v5/pgconn"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"
	"go.uber.org/zap/zaptest/observer"
	"gorm.io/driver/postgres"
	"gorm.io/gorm"

	"github.com/BaSui01/taskgraph/config"
)

func mockGorm(t *testing.T) (sqlmock.Sqlmock, *gorm.DB) {
	t.Helper()
	conn, mock, err := sqlmock.New(sqlmock.MonitorPingsOption(true))
	require.NoError(t, err)
	db, err := gorm.Open(postgres.New(postgres.Config{Conn: conn}), &gorm.Config{DisableAutomaticPing: true})
	require.NoError(t, err)
	return mock, db
}

func quietPool(t *testing.T, db *gorm.DB, logger *zap.Logger, opts ...PoolOption) *Pool {
	t.Helper()
	cfg := DefaultPoolConfig()
	cfg.HealthInterval = 0
	cfg.TxBackoff = time.Millisecond
	p, err := NewPool(db, cfg, logger, opts...)
	require.NoError(t, err)
	return p
}

type connRecorder struct {
	mu    sync.Mutex
	name  string
	calls int
}

func (r *connRecorder) RecordDBConnections(name string, _, _ int) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.name = name
	r.calls++
}

func TestNewPool(t *testing.T) {
	_, db := mockGorm(t)
	p := quietPool(t, db, nil)

	assert.Same(t, db, p.DB())
	st := p.Stats()
	assert.Equal(t, "postgres", st.Driver)
	assert.Equal(t, 25, st.MaxOpen)
	assert.True(t, st.Healthy)

	_, err := NewPool(nil, DefaultPoolConfig(), nil)
	assert.Error(t, err)
}

func TestPool_ProbeReportsTransitions(t *testing.T) {
	mock, db := mockGorm(t)
	core, logs := observer.New(zap.InfoLevel)
	rec := &connRecorder{}
	p := quietPool(t, db, zap.New(core), WithStatsRecorder("history", rec))
	ctx := context.Background()

	mock.ExpectPing()
	p.probe(ctx)
	assert.Equal(t, 1, rec.calls)
	assert.Equal(t, "history", rec.name)

	// 连续失败只记一次错误
	mock.ExpectPing().WillReturnError(sql.ErrConnDone)
	mock.ExpectPing().WillReturnError(sql.ErrConnDone)
	p.probe(ctx)
	p.probe(ctx)
	assert.Equal(t, 1, logs.FilterMessage("database unreachable").Len())
	assert.False(t, p.Stats().Healthy)
	assert.Equal(t, 1, rec.calls, "failed pings report nothing")

	mock.ExpectPing()
	p.probe(ctx)
	assert.Equal(t, 1, logs.FilterMessage("database reachable again").Len())
	assert.True(t, p.Stats().Healthy)
	assert.NoError(t, mock.ExpectationsWereMet())
}

func TestPool_MonitorStopsOnClose(t *testing.T) {
	mock, db := mockGorm(t)
	rec := &connRecorder{}
	cfg := DefaultPoolConfig()
	cfg.HealthInterval = 5 * time.Millisecond
	mock.MatchExpectationsInOrder(false)
	for range 100 {
		mock.ExpectPing()
	}
	mock.ExpectClose()

	p, err := NewPool(db, cfg, nil, WithStatsRecorder("history", rec))
	require.NoError(t, err)
	require.Eventually(t, func() bool {
		rec.mu.Lock()
		defer rec.mu.Unlock()
		return rec.calls >= 2
	}, time.Second, 5*time.Millisecond)

	require.NoError(t, p.Close())
	require.NoError(t, p.Close())
	assert.ErrorIs(t, p.Ping(context.Background()), ErrPoolClosed)
	assert.ErrorIs(t, p.Tx(context.Background(), func(*gorm.DB) error { return nil }), ErrPoolClosed)
	assert.False(t, p.Stats().Healthy)
}

func TestPool_Tx(t *testing.T) {
	mock, db := mockGorm(t)
	p := quietPool(t, db, nil)
	ctx := context.Background()

	mock.ExpectBegin()
	mock.ExpectCommit()
	require.NoError(t, p.Tx(ctx, func(*gorm.DB) error { return nil }))

	// 不可重试的错误只执行一次
	mock.ExpectBegin()
	mock.ExpectRollback()
	calls := 0
	err := p.Tx(ctx, func(*gorm.DB) error { calls++; return assert.AnError })
	assert.ErrorIs(t, err, assert.AnError)
	assert.Equal(t, 1, calls)
	assert.NoError(t, mock.ExpectationsWereMet())
}

func TestPool_TxRetriesConflicts(t *testing.T) {
	mock, db := mockGorm(t)
	core, logs := observer.New(zap.WarnLevel)
	p := quietPool(t, db, zap.New(core))
	ctx := context.Background()

	mock.ExpectBegin()
	mock.ExpectRollback()
	mock.ExpectBegin()
	mock.ExpectCommit()
	calls := 0
	err := p.Tx(ctx, func(*gorm.DB) error {
		calls++
		if calls == 1 {
			return &pgconn.PgError{Code: "40P01", Message: "deadlock detected"}
		}
		return nil
	})
	require.NoError(t, err)
	assert.Equal(t, 2, calls)
	assert.Equal(t, 1, logs.FilterMessage("transaction conflict, retrying").Len())
	assert.NoError(t, mock.ExpectationsWereMet())
}

func TestPool_TxGivesUpAfterAttempts(t *testing.T) {
	mock, db := mockGorm(t)
	p := quietPool(t, db, nil)
	for range 3 {
		mock.ExpectBegin()
		mock.ExpectRollback()
	}

	calls := 0
	conflict := &mysqldriver.MySQLError{Number: 1213, Message: "Deadlock found"}
	err := p.Tx(context.Background(), func(*gorm.DB) error { calls++; return conflict })
	assert.ErrorIs(t, err, conflict)
	assert.Equal(t, 3, calls)
}

type sqliteErr struct{ code int }

func (e *sqliteErr) Error() string { return fmt.Sprintf("sqlite error %d", e.code) }
func (e *sqliteErr) Code() int     { return e.code }

func TestRetryable(t *testing.T) {
	tests := []struct {
		name string
		err  error
		want bool
	}{
		{"nil", nil, false},
		{"plain", assert.AnError, false},
		{"cancelled", fmt.Errorf("tx: %w", context.Canceled), false},
		{"bad conn", fmt.Errorf("exec: %w", driver.ErrBadConn), true},
		{"pg serialization", &pgconn.PgError{Code: "40001"}, true},
		{"pg deadlock", &pgconn.PgError{Code: "40P01"}, true},
		{"pg unique violation", &pgconn.PgError{Code: "23505"}, false},
		{"mysql deadlock", &mysqldriver.MySQLError{Number: 1213}, true},
		{"mysql lock wait", &mysqldriver.MySQLError{Number: 1205}, true},
		{"mysql duplicate", &mysqldriver.MySQLError{Number: 1062}, false},
		{"sqlite busy", &sqliteErr{5}, true},
		{"sqlite busy extended", &sqliteErr{5 | 2<<8}, true},
		{"sqlite constraint", &sqliteErr{19}, false},
		{"sqlite text", errors.New("database is locked (5) (SQLITE_BUSY)"), true},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			assert.Equal(t, tt.want, Retryable(tt.err))
		})
	}
}

func TestPoolConfigFrom(t *testing.T) {
	pc := PoolConfigFrom(config.DatabaseConfig{Driver: "postgres", MaxOpenConns: 4, MaxIdleConns: 8, ConnMaxLifetime: time.Minute})
	assert.Equal(t, 4, pc.MaxOpenConns)
	assert.Equal(t, 4, pc.MaxIdleConns, "idle is clamped to open")
	assert.Equal(t, time.Minute, pc.ConnMaxLifetime)

	def := PoolConfigFrom(config.DatabaseConfig{Driver: "mysql"})
	assert.Equal(t, DefaultPoolConfig().MaxOpenConns, def.MaxOpenConns)

	lite := PoolConfigFrom(config.DatabaseConfig{Driver: "sqlite", MaxOpenConns: 10})
	assert.Equal(t, 1, lite.MaxOpenConns)
	assert.Equal(t, 1, lite.MaxIdleConns)
}
