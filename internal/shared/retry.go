package shared

import (
	"context"
	"log/slog"
	"time"
)

// RetryConfig controls retries of database writes that hit lock contention.
type RetryConfig struct {
	MaxRetries int
	BaseDelay  time.Duration
}

// DefaultRetry is used when no configuration is supplied.
var DefaultRetry = RetryConfig{MaxRetries: 3, BaseDelay: 50 * time.Millisecond}

// RetryOnConflict runs fn, retrying with exponential backoff while it fails
// with a SQLite busy/locked error. Other errors are returned immediately.
func RetryOnConflict(ctx context.Context, cfg RetryConfig, op string, fn func() error) error {
	if cfg.MaxRetries <= 0 {
		cfg = DefaultRetry
	}

	var err error
	for i := 0; i < cfg.MaxRetries; i++ {
		err = fn()
		if err == nil || !IsSQLiteConflictError(err) {
			return err
		}
		if i == cfg.MaxRetries-1 {
			break
		}

		delay := cfg.BaseDelay * time.Duration(1<<i) // exponential backoff
		slog.Debug("Database locked, retrying", "op", op, "attempt", i+1, "delay", delay)

		select {
		case <-time.After(delay):
		case <-ctx.Done():
			return err
		}
	}
	return err
}
