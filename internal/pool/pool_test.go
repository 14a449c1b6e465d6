package pool

import (
	"context"
	"errors"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"
)

func TestGoroutinePool_RunsTasks(t *testing.T) {
	t.Parallel()
	p := New(Config{MaxWorkers: 4, QueueSize: 16}, zap.NewNop())

	var ran atomic.Int32
	for i := 0; i < 10; i++ {
		require.NoError(t, p.Submit(func(ctx context.Context) error {
			ran.Add(1)
			return nil
		}))
	}
	require.NoError(t, p.Shutdown(context.Background()))

	assert.Equal(t, int32(10), ran.Load())
	stats := p.Stats()
	assert.Equal(t, int64(10), stats.Submitted)
	assert.Equal(t, int64(10), stats.Completed)
	assert.Equal(t, 4, stats.Workers)
	assert.Zero(t, stats.Active)
	assert.Zero(t, stats.Queued)
}

func TestGoroutinePool_RejectsWhenFull(t *testing.T) {
	t.Parallel()
	p := New(Config{MaxWorkers: 1, QueueSize: 1}, zap.NewNop())
	release := make(chan struct{})
	started := make(chan struct{}, 1)

	block := func(ctx context.Context) error {
		select {
		case started <- struct{}{}:
		default:
		}
		<-release
		return nil
	}
	require.NoError(t, p.Submit(block))
	<-started
	require.NoError(t, p.Submit(block), "one task may wait in the queue")
	require.Eventually(t, func() bool {
		s := p.Stats()
		return s.Active == 1 && s.Queued == 1
	}, time.Second, 5*time.Millisecond)
	assert.ErrorIs(t, p.Submit(block), ErrPoolFull)
	assert.Equal(t, int64(1), p.Stats().Rejected)

	close(release)
	require.NoError(t, p.Shutdown(context.Background()))
	assert.Equal(t, int64(2), p.Stats().Completed)
}

func TestGoroutinePool_BoundsConcurrency(t *testing.T) {
	t.Parallel()
	p := New(Config{MaxWorkers: 3, QueueSize: 50}, nil)

	var running, peak atomic.Int32
	for i := 0; i < 30; i++ {
		require.NoError(t, p.Submit(func(ctx context.Context) error {
			n := running.Add(1)
			for {
				old := peak.Load()
				if n <= old || peak.CompareAndSwap(old, n) {
					break
				}
			}
			time.Sleep(2 * time.Millisecond)
			running.Add(-1)
			return nil
		}))
	}
	require.NoError(t, p.Shutdown(context.Background()))
	assert.LessOrEqual(t, peak.Load(), int32(3))
	assert.Equal(t, int64(30), p.Stats().Completed)
}

func TestGoroutinePool_FailuresAndPanics(t *testing.T) {
	t.Parallel()
	p := New(Config{MaxWorkers: 2, QueueSize: 4}, zap.NewNop())

	require.NoError(t, p.Submit(func(ctx context.Context) error { return errors.New("boom") }))
	require.NoError(t, p.Submit(func(ctx context.Context) error { panic("bad task") }))
	require.NoError(t, p.Submit(func(ctx context.Context) error { return nil }))
	require.NoError(t, p.Shutdown(context.Background()))

	stats := p.Stats()
	assert.Equal(t, int64(2), stats.Failed)
	assert.Equal(t, int64(1), stats.Completed)
}

func TestGoroutinePool_TaskContextOutlivesSubmitter(t *testing.T) {
	t.Parallel()
	p := New(DefaultConfig(), zap.NewNop())

	reqCtx, cancel := context.WithCancel(context.Background())
	errCh := make(chan error, 1)
	require.NoError(t, p.Submit(func(ctx context.Context) error {
		<-reqCtx.Done()
		errCh <- ctx.Err()
		return nil
	}))
	cancel()

	assert.NoError(t, <-errCh)
	require.NoError(t, p.Shutdown(context.Background()))
}

func TestGoroutinePool_ShutdownDeadlineCancelsTasks(t *testing.T) {
	t.Parallel()
	p := New(Config{MaxWorkers: 1}, zap.NewNop())

	cancelled := make(chan struct{})
	require.NoError(t, p.Submit(func(ctx context.Context) error {
		<-ctx.Done()
		close(cancelled)
		return ctx.Err()
	}))

	ctx, cancel := context.WithTimeout(context.Background(), 20*time.Millisecond)
	defer cancel()
	assert.ErrorIs(t, p.Shutdown(ctx), context.DeadlineExceeded)

	select {
	case <-cancelled:
	default:
		t.Fatal("running task was not cancelled")
	}
	assert.ErrorIs(t, p.Submit(func(context.Context) error { return nil }), ErrPoolClosed)
	assert.NoError(t, p.Shutdown(context.Background()), "second shutdown is a no-op")
}

func TestGoroutinePool_QueuedTasksRunAfterCancel(t *testing.T) {
	t.Parallel()
	p := New(Config{MaxWorkers: 1, QueueSize: 2}, zap.NewNop())

	started := make(chan struct{})
	require.NoError(t, p.Submit(func(ctx context.Context) error {
		close(started)
		<-ctx.Done()
		return ctx.Err()
	}))
	<-started

	var sawCancelled atomic.Int32
	for range 2 {
		require.NoError(t, p.Submit(func(ctx context.Context) error {
			if ctx.Err() != nil {
				sawCancelled.Add(1)
			}
			return nil
		}))
	}

	ctx, cancel := context.WithTimeout(context.Background(), 20*time.Millisecond)
	defer cancel()
	assert.ErrorIs(t, p.Shutdown(ctx), context.DeadlineExceeded)
	assert.Equal(t, int32(2), sawCancelled.Load(), "waiting tasks still run once to clean up")
	assert.Equal(t, int64(1), p.Stats().Failed)
}

func TestNew_Defaults(t *testing.T) {
	t.Parallel()
	p := New(Config{QueueSize: -3}, nil)
	t.Cleanup(func() { _ = p.Shutdown(context.Background()) })

	assert.Equal(t, DefaultConfig().MaxWorkers, p.Stats().Workers)
	assert.Zero(t, p.cfg.QueueSize)
}
