package pool

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"sync/atomic"

	"go.uber.org/zap"
	"golang.org/x/sync/semaphore"
)

var (
	ErrPoolClosed = errors.New("pool is closed")
	ErrPoolFull   = errors.New("pool is full")
)

// Task is one unit of background work. ctx belongs to the pool, not to the
// submitter, and is cancelled only when Shutdown gives up waiting.
type Task func(ctx context.Context) error

// Config bounds the pool.
type Config struct {
	// MaxWorkers bounds how many tasks run at once.
	MaxWorkers int
	// QueueSize bounds accepted-but-not-started tasks; Submit fails beyond it.
	QueueSize int
}

// DefaultConfig returns the defaults used when server settings are zero.
func DefaultConfig() Config {
	return Config{MaxWorkers: 8, QueueSize: 256}
}

// GoroutinePool admits up to MaxWorkers+QueueSize tasks and runs at most
// MaxWorkers of them at a time. Each admitted task gets its own goroutine
// that waits on a weighted semaphore.
type GoroutinePool struct {
	cfg    Config
	logger *zap.Logger
	sem    *semaphore.Weighted

	ctx    context.Context
	cancel context.CancelFunc

	mu     sync.RWMutex // closed vs. wg.Add
	closed bool
	wg     sync.WaitGroup

	admitted  atomic.Int32 // waiting + running
	active    atomic.Int32
	submitted atomic.Int64
	completed atomic.Int64
	failed    atomic.Int64
	rejected  atomic.Int64
}

// New creates a pool. Zero MaxWorkers falls back to the default.
func New(cfg Config, logger *zap.Logger) *GoroutinePool {
	if cfg.MaxWorkers <= 0 {
		cfg.MaxWorkers = DefaultConfig().MaxWorkers
	}
	cfg.QueueSize = max(cfg.QueueSize, 0)
	if logger == nil {
		logger = zap.NewNop()
	}
	ctx, cancel := context.WithCancel(context.Background())
	return &GoroutinePool{
		cfg:    cfg,
		logger: logger.With(zap.String("component", "run_pool")),
		sem:    semaphore.NewWeighted(int64(cfg.MaxWorkers)),
		ctx:    ctx,
		cancel: cancel,
	}
}

// Submit admits task without blocking, or returns ErrPoolFull when
// MaxWorkers tasks are running and QueueSize more are waiting.
func (p *GoroutinePool) Submit(task Task) error {
	p.mu.RLock()
	defer p.mu.RUnlock()
	if p.closed {
		return ErrPoolClosed
	}
	if !p.admit() {
		p.rejected.Add(1)
		return ErrPoolFull
	}
	p.submitted.Add(1)
	p.wg.Add(1)
	go p.run(task)
	return nil
}

func (p *GoroutinePool) admit() bool {
	limit := int32(p.cfg.MaxWorkers + p.cfg.QueueSize)
	for {
		n := p.admitted.Load()
		if n >= limit {
			return false
		}
		if p.admitted.CompareAndSwap(n, n+1) {
			return true
		}
	}
}

func (p *GoroutinePool) run(task Task) {
	defer p.wg.Done()
	defer p.admitted.Add(-1)

	// Acquire 只会因 Shutdown 超时取消而失败；此时任务仍然执行一次，
	// 让它在已取消的 ctx 上收尾（例如把运行标记为 cancelled）。
	if err := p.sem.Acquire(p.ctx, 1); err == nil {
		defer p.sem.Release(1)
	}

	p.active.Add(1)
	err := p.execute(task)
	p.active.Add(-1)
	if err != nil {
		p.failed.Add(1)
		return
	}
	p.completed.Add(1)
}

func (p *GoroutinePool) execute(task Task) (err error) {
	defer func() {
		if r := recover(); r != nil {
			p.logger.Error("task panicked", zap.Any("panic", r), zap.Stack("stack"))
			err = fmt.Errorf("task panicked: %v", r)
		}
	}()
	return task(p.ctx)
}

// Shutdown stops admitting tasks and waits for waiting and running ones. When
// ctx expires first, the tasks' context is cancelled and ctx.Err is returned
// once every task has returned.
func (p *GoroutinePool) Shutdown(ctx context.Context) error {
	p.mu.Lock()
	if p.closed {
		p.mu.Unlock()
		return nil
	}
	p.closed = true
	p.mu.Unlock()

	done := make(chan struct{})
	go func() {
		p.wg.Wait()
		close(done)
	}()

	select {
	case <-done:
		p.cancel()
		return nil
	case <-ctx.Done():
		p.logger.Warn("shutdown deadline reached, cancelling running tasks",
			zap.Int32("active", p.active.Load()),
			zap.Int32("waiting", p.admitted.Load()-p.active.Load()))
		p.cancel()
		<-done
		return ctx.Err()
	}
}

// Stats is the pool snapshot served on /ready and scraped as metrics.
type Stats struct {
	Workers   int   `json:"workers"`
	Active    int   `json:"active"`
	Queued    int   `json:"queued"`
	Submitted int64 `json:"submitted"`
	Completed int64 `json:"completed"`
	Failed    int64 `json:"failed"`
	Rejected  int64 `json:"rejected"`
}

// Stats returns a snapshot. Workers is the concurrency limit.
func (p *GoroutinePool) Stats() Stats {
	active := int(p.active.Load())
	return Stats{
		Workers:   p.cfg.MaxWorkers,
		Active:    active,
		Queued:    max(int(p.admitted.Load())-active, 0),
		Submitted: p.submitted.Load(),
		Completed: p.completed.Load(),
		Failed:    p.failed.Load(),
		Rejected:  p.rejected.Load(),
	}
}
