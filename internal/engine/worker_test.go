package engine

import (
	"context"
	"errors"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestWorkerPoolRunsSubmittedWork(t *testing.T) {
	pool := NewWorkerPool(4)
	defer pool.Shutdown()

	var counter int64
	for i := 0; i < 20; i++ {
		err := pool.Submit(context.Background(), func(ctx context.Context) error {
			atomic.AddInt64(&counter, 1)
			return nil
		})
		require.NoError(t, err)
	}
	pool.Wait()

	assert.Equal(t, int64(20), atomic.LoadInt64(&counter))
	m := pool.Metrics()
	assert.Equal(t, int64(20), m.Completed)
	assert.Equal(t, int64(0), m.Failed)
	assert.Equal(t, int64(0), m.Active)
}

func TestWorkerPoolBoundsConcurrency(t *testing.T) {
	pool := NewWorkerPool(2)
	defer pool.Shutdown()

	var active, peak int64
	var mu sync.Mutex
	for i := 0; i < 10; i++ {
		err := pool.Submit(context.Background(), func(ctx context.Context) error {
			cur := atomic.AddInt64(&active, 1)
			mu.Lock()
			if cur > peak {
				peak = cur
			}
			mu.Unlock()
			time.Sleep(5 * time.Millisecond)
			atomic.AddInt64(&active, -1)
			return nil
		})
		require.NoError(t, err)
	}
	pool.Wait()

	mu.Lock()
	defer mu.Unlock()
	assert.LessOrEqual(t, peak, int64(2))
}

func TestWorkerPoolSubmitRespectsContext(t *testing.T) {
	pool := NewWorkerPool(1)
	defer pool.Shutdown()

	block := make(chan struct{})
	require.NoError(t, pool.Submit(context.Background(), func(ctx context.Context) error {
		<-block
		return nil
	}))

	ctx, cancel := context.WithTimeout(context.Background(), 20*time.Millisecond)
	defer cancel()
	err := pool.Submit(ctx, func(ctx context.Context) error { return nil })
	require.ErrorIs(t, err, context.DeadlineExceeded)

	close(block)
	pool.Wait()
}

func TestWorkerPoolShutdownRejectsNewWork(t *testing.T) {
	pool := NewWorkerPool(2)
	pool.Shutdown()

	err := pool.Submit(context.Background(), func(ctx context.Context) error { return nil })
	require.ErrorIs(t, err, ErrPoolShutdown)

	// Idempotent.
	pool.Shutdown()
}

func TestWorkerPoolCountsFailures(t *testing.T) {
	pool := NewWorkerPool(2)
	defer pool.Shutdown()

	require.NoError(t, pool.Submit(context.Background(), func(ctx context.Context) error {
		return errors.New("boom")
	}))
	require.NoError(t, pool.Submit(context.Background(), func(ctx context.Context) error {
		return nil
	}))
	pool.Wait()

	m := pool.Metrics()
	assert.Equal(t, int64(1), m.Failed)
	assert.Equal(t, int64(1), m.Completed)
}

func TestWorkerPoolRecoversPanics(t *testing.T) {
	pool := NewWorkerPool(2)
	defer pool.Shutdown()

	require.NoError(t, pool.Submit(context.Background(), func(ctx context.Context) error {
		panic("worker exploded")
	}))
	pool.Wait()

	m := pool.Metrics()
	assert.Equal(t, int64(1), m.Panics)
	assert.Equal(t, int64(1), m.Failed)
	assert.Equal(t, int64(0), m.Active)

	// The pool is still usable after a panic.
	require.NoError(t, pool.Submit(context.Background(), func(ctx context.Context) error { return nil }))
	pool.Wait()
	assert.Equal(t, int64(1), pool.Metrics().Completed)
}

func TestWorkerPoolTrySubmit(t *testing.T) {
	pool := NewWorkerPool(1)

	block := make(chan struct{})
	require.NoError(t, pool.Submit(context.Background(), func(ctx context.Context) error {
		<-block
		return nil
	}))

	// The only slot is held: TrySubmit must refuse instead of waiting.
	err := pool.TrySubmit(context.Background(), func(ctx context.Context) error { return nil })
	require.ErrorIs(t, err, ErrPoolSaturated)

	close(block)
	pool.Wait()

	var ran int64
	require.NoError(t, pool.TrySubmit(context.Background(), func(ctx context.Context) error {
		atomic.AddInt64(&ran, 1)
		return nil
	}))
	pool.Wait()
	assert.Equal(t, int64(1), atomic.LoadInt64(&ran))

	pool.Shutdown()
	err = pool.TrySubmit(context.Background(), func(ctx context.Context) error { return nil })
	require.ErrorIs(t, err, ErrPoolShutdown)
}
