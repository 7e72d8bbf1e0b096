package engine

import (
	"context"
	"errors"
	"sync"
	"sync/atomic"
)

// ErrPoolShutdown is returned when work is submitted to a shut-down pool.
var ErrPoolShutdown = errors.New("worker pool is shut down")

// ErrPoolSaturated is returned by TrySubmit when every slot is taken.
var ErrPoolSaturated = errors.New("worker pool is saturated")

// PoolMetrics is a snapshot of the pool's operational counters.
type PoolMetrics struct {
	Active    int64 `json:"active"`
	Completed int64 `json:"completed"`
	Failed    int64 `json:"failed"`
	Panics    int64 `json:"panics"`
}

// WorkerPool is a bounded goroutine pool. Parallel step children and detached
// background children run through it so a burst of fan-out steps cannot spawn
// unbounded goroutines.
type WorkerPool struct {
	slots chan struct{}
	done  chan struct{}

	mu     sync.Mutex
	wg     sync.WaitGroup
	closed bool

	active    atomic.Int64
	completed atomic.Int64
	failed    atomic.Int64
	panics    atomic.Int64
}

// NewWorkerPool creates a pool with the given max concurrency.
func NewWorkerPool(size int) *WorkerPool {
	if size <= 0 {
		size = 1
	}
	return &WorkerPool{
		slots: make(chan struct{}, size),
		done:  make(chan struct{}),
	}
}

// Submit enqueues work into the pool. At capacity it blocks (backpressure),
// honoring ctx cancellation while waiting. Returns ErrPoolShutdown once
// Shutdown has been called.
func (p *WorkerPool) Submit(ctx context.Context, fn func(ctx context.Context) error) error {
	if err := p.acquire(ctx); err != nil {
		return err
	}
	go p.run(ctx, fn)
	return nil
}

// TrySubmit is a non-blocking Submit: a full pool yields ErrPoolSaturated
// instead of waiting for a slot. Callers that may already hold a slot (nested
// fan-out) use this and fall back to their own goroutine, which is what keeps
// a parallel-of-parallels from deadlocking on the slots its ancestors hold.
func (p *WorkerPool) TrySubmit(ctx context.Context, fn func(ctx context.Context) error) error {
	if err := p.tryAcquire(); err != nil {
		return err
	}
	go p.run(ctx, fn)
	return nil
}

func (p *WorkerPool) run(ctx context.Context, fn func(ctx context.Context) error) {
	defer p.release()
	p.active.Add(1)
	defer p.active.Add(-1)

	defer func() {
		if r := recover(); r != nil {
			p.panics.Add(1)
			p.failed.Add(1)
		}
	}()

	if err := fn(ctx); err != nil {
		p.failed.Add(1)
		return
	}
	p.completed.Add(1)
}

// acquire takes a slot and registers the job with the waitgroup. The closed
// check and wg.Add happen under the same lock Shutdown uses, so a job is
// either rejected or fully registered before wg.Wait can run.
func (p *WorkerPool) acquire(ctx context.Context) error {
	p.mu.Lock()
	closed := p.closed
	p.mu.Unlock()
	if closed {
		return ErrPoolShutdown
	}

	select {
	case p.slots <- struct{}{}:
	case <-ctx.Done():
		return ctx.Err()
	case <-p.done:
		return ErrPoolShutdown
	}

	p.mu.Lock()
	defer p.mu.Unlock()
	if p.closed {
		<-p.slots
		return ErrPoolShutdown
	}
	p.wg.Add(1)
	return nil
}

// tryAcquire takes a slot only if one is free right now.
func (p *WorkerPool) tryAcquire() error {
	p.mu.Lock()
	defer p.mu.Unlock()
	if p.closed {
		return ErrPoolShutdown
	}
	select {
	case p.slots <- struct{}{}:
	default:
		return ErrPoolSaturated
	}
	p.wg.Add(1)
	return nil
}

func (p *WorkerPool) release() {
	<-p.slots
	p.wg.Done()
}

// Wait blocks until all submitted work completes.
func (p *WorkerPool) Wait() {
	p.wg.Wait()
}

// Shutdown prevents new submissions and waits for in-flight work to finish.
// Safe to call more than once.
func (p *WorkerPool) Shutdown() {
	p.mu.Lock()
	if p.closed {
		p.mu.Unlock()
		return
	}
	p.closed = true
	close(p.done)
	p.mu.Unlock()

	p.wg.Wait()
}

// Metrics returns a snapshot of the pool counters.
func (p *WorkerPool) Metrics() PoolMetrics {
	return PoolMetrics{
		Active:    p.active.Load(),
		Completed: p.completed.Load(),
		Failed:    p.failed.Load(),
		Panics:    p.panics.Load(),
	}
}
