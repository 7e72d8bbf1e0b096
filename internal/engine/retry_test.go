package engine

import (
	"context"
	"errors"
	"fmt"
	"net"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/PadsterH2012/archon-plus-sub002/pkg/schema"
)

func intPtr(n int) *int { return &n }

func TestMaxAttempts(t *testing.T) {
	def := &schema.WorkflowDefinition{Name: "wf"}

	t.Run("default is single attempt", func(t *testing.T) {
		assert.Equal(t, 1, MaxAttempts(&schema.Step{Name: "a"}, def))
	})

	t.Run("step retry_count adds attempts", func(t *testing.T) {
		step := &schema.Step{Name: "a", RetryCount: intPtr(2)}
		assert.Equal(t, 3, MaxAttempts(step, def))
	})

	t.Run("step zero retry_count overrides definition", func(t *testing.T) {
		defRetries := &schema.WorkflowDefinition{Name: "wf", MaxRetries: 5}
		step := &schema.Step{Name: "a", RetryCount: intPtr(0)}
		assert.Equal(t, 1, MaxAttempts(step, defRetries))
	})

	t.Run("definition max_retries applies when step is silent", func(t *testing.T) {
		defRetries := &schema.WorkflowDefinition{Name: "wf", MaxRetries: 3}
		assert.Equal(t, 4, MaxAttempts(&schema.Step{Name: "a"}, defRetries))
	})

	t.Run("negative retry_count clamps to one attempt", func(t *testing.T) {
		step := &schema.Step{Name: "a", RetryCount: intPtr(-1)}
		assert.Equal(t, 1, MaxAttempts(step, def))
	})
}

func TestEffectiveTimeout(t *testing.T) {
	def := &schema.WorkflowDefinition{Name: "wf", TimeoutMinutes: 10}

	assert.Equal(t, 10*time.Minute, EffectiveTimeout(&schema.Step{Name: "a"}, def))
	assert.Equal(t, 2*time.Minute, EffectiveTimeout(&schema.Step{Name: "a", TimeoutMinutes: intPtr(2)}, def))
	assert.Equal(t, time.Duration(0), EffectiveTimeout(&schema.Step{Name: "a", TimeoutMinutes: intPtr(0)}, def))
	assert.Equal(t, time.Duration(0), EffectiveTimeout(&schema.Step{Name: "a"}, &schema.WorkflowDefinition{Name: "wf"}))
}

func TestComputeBackoff(t *testing.T) {
	assert.Equal(t, 500*time.Millisecond, ComputeBackoff(1))
	assert.Equal(t, 1*time.Second, ComputeBackoff(2))
	assert.Equal(t, 2*time.Second, ComputeBackoff(3))

	t.Run("monotonically non-decreasing", func(t *testing.T) {
		prev := time.Duration(0)
		for attempt := 1; attempt <= 20; attempt++ {
			d := ComputeBackoff(attempt)
			assert.GreaterOrEqual(t, d, prev, "attempt %d", attempt)
			prev = d
		}
	})

	t.Run("capped", func(t *testing.T) {
		assert.Equal(t, 30*time.Second, ComputeBackoff(10))
		assert.Equal(t, 30*time.Second, ComputeBackoff(100))
	})

	t.Run("underflow clamps", func(t *testing.T) {
		assert.Equal(t, 500*time.Millisecond, ComputeBackoff(0))
		assert.Equal(t, 500*time.Millisecond, ComputeBackoff(-3))
	})
}

type fakeNetError struct{}

func (fakeNetError) Error() string   { return "dial tcp: no route to host" }
func (fakeNetError) Timeout() bool   { return false }
func (fakeNetError) Temporary() bool { return true }

var _ net.Error = fakeNetError{}

func TestIsRetryableError(t *testing.T) {
	cases := []struct {
		name      string
		err       error
		retryable bool
	}{
		{"nil", nil, false},
		{"deadline exceeded", context.DeadlineExceeded, true},
		{"wrapped deadline", fmt.Errorf("step: %w", context.DeadlineExceeded), true},
		{"canceled", context.Canceled, false},
		{"net error", fakeNetError{}, true},
		{"validation engine error", schema.NewError(schema.ErrCodeValidation, "bad"), false},
		{"interpolation engine error", schema.NewError(schema.ErrCodeInterpolation, "unbound"), false},
		{"tool unavailable", schema.NewError(schema.ErrCodeToolUnavailable, "no tool"), false},
		{"repository engine error", schema.NewError(schema.ErrCodeRepository, "db down"), false},
		{"dispatch engine error", schema.NewError(schema.ErrCodeDispatch, "boom"), true},
		{"timeout engine error", schema.NewError(schema.ErrCodeTimeout, "slow"), true},
		{"connection refused string", errors.New("connect: connection refused"), true},
		{"service unavailable string", errors.New("503 Service Unavailable"), true},
		{"opaque error defaults retryable", errors.New("something odd happened"), true},
	}

	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			assert.Equal(t, tc.retryable, IsRetryableError(tc.err))
		})
	}
}

func TestWaitForBackoff(t *testing.T) {
	t.Run("zero delay returns immediately", func(t *testing.T) {
		require.NoError(t, WaitForBackoff(context.Background(), 0))
	})

	t.Run("waits out the delay", func(t *testing.T) {
		start := time.Now()
		require.NoError(t, WaitForBackoff(context.Background(), 20*time.Millisecond))
		assert.GreaterOrEqual(t, time.Since(start), 20*time.Millisecond)
	})

	t.Run("cancellation cuts the wait short", func(t *testing.T) {
		ctx, cancel := context.WithCancel(context.Background())
		go func() {
			time.Sleep(10 * time.Millisecond)
			cancel()
		}()
		start := time.Now()
		err := WaitForBackoff(ctx, 5*time.Second)
		require.ErrorIs(t, err, context.Canceled)
		assert.Less(t, time.Since(start), time.Second)
	})
}
