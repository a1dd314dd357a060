// Package retry provides bounded retry logic for transient upstream errors.
//
// Donna's error policy is deliberately conservative: completion and embedding
// calls get exactly one retry after a short delay, and only when the failure
// looks transient (timeout, connection reset, HTTP 5xx). Permanent failures
// (4xx, auth) must never be retried — the ShouldRetry predicate lets callers
// encode that distinction.
//
// Usage:
//
//	err := retry.Do(ctx, retry.Config{MaxAttempts: 2, Delay: time.Second}, func() error {
//	    return client.Call(ctx)
//	})
package retry

import (
	"context"
	"errors"
	"log/slog"
	"time"
)

// Config controls the retry behaviour.
type Config struct {
	// MaxAttempts is the total number of attempts (including the first).
	// Zero or negative values are treated as 1 (no retries).
	MaxAttempts int

	// Delay is the wait between attempts. Subsequent delays double up to
	// MaxDelay when more than two attempts are configured.
	Delay time.Duration

	// MaxDelay caps the per-attempt wait. Zero means the default of 10 s.
	MaxDelay time.Duration

	// ShouldRetry classifies errors as retryable. When nil, every non-nil
	// error is retried.
	ShouldRetry func(err error) bool
}

// DefaultConfig matches the service-wide policy for upstream API calls:
// one retry after a one-second pause.
var DefaultConfig = Config{
	MaxAttempts: 2,
	Delay:       time.Second,
	MaxDelay:    10 * time.Second,
}

// Do calls fn up to cfg.MaxAttempts times, waiting cfg.Delay between
// attempts. It stops early when ctx is cancelled, fn succeeds, or
// ShouldRetry reports the error as non-retryable. The error from the last
// attempt is returned.
func Do(ctx context.Context, cfg Config, fn func() error) error {
	if cfg.MaxAttempts <= 0 {
		cfg.MaxAttempts = 1
	}
	if cfg.Delay <= 0 {
		cfg.Delay = DefaultConfig.Delay
	}
	if cfg.MaxDelay <= 0 {
		cfg.MaxDelay = DefaultConfig.MaxDelay
	}
	shouldRetry := cfg.ShouldRetry
	if shouldRetry == nil {
		shouldRetry = func(err error) bool { return true }
	}

	delay := cfg.Delay
	var lastErr error

	for attempt := 1; attempt <= cfg.MaxAttempts; attempt++ {
		if err := ctx.Err(); err != nil {
			return errors.Join(lastErr, err)
		}

		lastErr = fn()
		if lastErr == nil {
			return nil
		}

		if !shouldRetry(lastErr) {
			return lastErr
		}

		if attempt < cfg.MaxAttempts {
			slog.Debug("retry: attempt failed, retrying",
				"attempt", attempt, "max", cfg.MaxAttempts,
				"err", lastErr, "delay", delay)

			select {
			case <-ctx.Done():
				return errors.Join(lastErr, ctx.Err())
			case <-time.After(delay):
			}

			delay *= 2
			if delay > cfg.MaxDelay {
				delay = cfg.MaxDelay
			}
		}
	}

	return lastErr
}
