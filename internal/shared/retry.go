package shared

import (
	"context"
	"log/slog"
	"time"
)

// RetryPolicy bounds retries of SQLite busy/locked errors.
type RetryPolicy struct {
	MaxRetries int
	BaseDelay  time.Duration
}

// DefaultRetryPolicy matches the store defaults: 3 attempts, 50ms base.
var DefaultRetryPolicy = RetryPolicy{MaxRetries: 3, BaseDelay: 50 * time.Millisecond}

// WithRetry runs fn and retries it with exponential backoff while it fails
// with a SQLite conflict error. Other errors are returned immediately.
func WithRetry(ctx context.Context, policy RetryPolicy, op string, fn func() error) error {
	maxRetries := policy.MaxRetries
	if maxRetries <= 0 {
		maxRetries = 1
	}

	var err error
	for i := 0; i < maxRetries; i++ {
		err = fn()
		if err == nil || !IsSQLiteConflictError(err) {
			return err
		}
		if i == maxRetries-1 {
			break
		}

		delay := policy.BaseDelay * time.Duration(1<<i) // 50ms, 100ms, 200ms
		slog.Debug("Database locked, retrying",
			"op", op,
			"attempt", i+1,
			"delay", delay)

		timer := time.NewTimer(delay)
		select {
		case <-ctx.Done():
			timer.Stop()
			return ctx.Err()
		case <-timer.C:
		}
	}
	return err
}
