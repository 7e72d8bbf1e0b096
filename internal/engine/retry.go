package engine

import (
	"context"
	"errors"
	"net"
	"strings"
	"time"

	"github.com/PadsterH2012/archon-plus-sub002/pkg/schema"
)

const (
	// backoffBase is the delay before the second attempt.
	backoffBase = 500 * time.Millisecond
	// backoffCap bounds the exponential growth.
	backoffCap = 30 * time.Second
)

// MaxAttempts returns the attempt budget for a step: the step-level
// retry_count override plus one, else the definition max_retries plus one.
func MaxAttempts(step *schema.Step, def *schema.WorkflowDefinition) int {
	if step.RetryCount != nil {
		if *step.RetryCount < 0 {
			return 1
		}
		return *step.RetryCount + 1
	}
	if def.MaxRetries > 0 {
		return def.MaxRetries + 1
	}
	return 1
}

// EffectiveTimeout returns the step timeout override else the definition
// default, as a duration. Zero means no timeout.
func EffectiveTimeout(step *schema.Step, def *schema.WorkflowDefinition) time.Duration {
	minutes := def.TimeoutMinutes
	if step.TimeoutMinutes != nil {
		minutes = *step.TimeoutMinutes
	}
	if minutes <= 0 {
		return 0
	}
	return time.Duration(minutes) * time.Minute
}

// ComputeBackoff calculates the delay before re-dispatching a step after the
// given failed attempt (1-based). Exponential, monotonically non-decreasing,
// capped at backoffCap.
func ComputeBackoff(attempt int) time.Duration {
	if attempt < 1 {
		attempt = 1
	}
	delay := backoffBase
	for i := 1; i < attempt; i++ {
		delay *= 2
		if delay >= backoffCap {
			return backoffCap
		}
	}
	if delay > backoffCap {
		return backoffCap
	}
	return delay
}

// IsRetryableError classifies whether an error should be retried.
// Retryable by default: network errors, step timeouts, context.DeadlineExceeded.
// Non-retryable: validation/resolution errors, repository failures, typed
// EngineErrors with non-retryable codes, and context.Canceled (shutdown).
func IsRetryableError(err error) bool {
	if err == nil {
		return false
	}

	// A step-level deadline is retryable; the workflow watchdog is handled
	// separately at the loop boundary.
	if errors.Is(err, context.DeadlineExceeded) {
		return true
	}

	if errors.Is(err, context.Canceled) {
		return false
	}

	var engErr *schema.EngineError
	if errors.As(err, &engErr) {
		return engErr.IsRetryable()
	}

	var netErr net.Error
	if errors.As(err, &netErr) {
		return true
	}

	// String heuristics for common transient failures from tool effects.
	msg := strings.ToLower(err.Error())
	retryablePatterns := []string{
		"connection refused",
		"connection reset",
		"broken pipe",
		"eof",
		"temporary failure",
		"i/o timeout",
		"service unavailable",
		"bad gateway",
		"gateway timeout",
		"internal server error",
		"too many requests",
	}
	for _, p := range retryablePatterns {
		if strings.Contains(msg, p) {
			return true
		}
	}

	// Conservative default: retryable, the attempt budget limits the damage.
	return true
}

// WaitForBackoff sleeps for the given delay or returns early if the context
// is cancelled during the wait.
func WaitForBackoff(ctx context.Context, delay time.Duration) error {
	if delay <= 0 {
		return nil
	}
	select {
	case <-time.After(delay):
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}
