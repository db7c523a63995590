package common

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"math/rand/v2"
	"time"

	"github.com/janhalen/azure-smartmail/internal/service"
)

// WithRetry executes an operation against the mailbox provider with bounded
// retry and a fixed delay between attempts. The wait observes ctx and returns
// promptly when cancellation fires; exhausting all attempts returns the last
// error wrapped in ErrMaxRetries. A RetryableError marked non-retryable
// aborts immediately and is returned as-is.
func WithRetry(ctx context.Context, operation func() error, opts service.RetryOptions) error {
	if opts.MaxAttempts <= 0 {
		opts.MaxAttempts = 3
	}
	if opts.Delay <= 0 {
		opts.Delay = time.Second
	}

	var lastErr error
	for attempt := 1; attempt <= opts.MaxAttempts; attempt++ {
		lastErr = operation()
		if lastErr == nil {
			return nil
		}

		var retryableErr *RetryableError
		if errors.As(lastErr, &retryableErr) && !retryableErr.Retryable {
			return lastErr
		}

		if attempt == opts.MaxAttempts {
			break
		}

		slog.Warn("operation failed, retrying",
			"attempt", attempt,
			"max_attempts", opts.MaxAttempts,
			"delay", opts.Delay,
			"error", lastErr)

		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-time.After(opts.Delay):
		}
	}

	return fmt.Errorf("%w after %d attempts: %v", ErrMaxRetries, opts.MaxAttempts, lastErr)
}

// Backoff returns the wait before reconnect attempt n (zero-based) to the
// audit store: base doubled each attempt with a random factor in [0.8, 1.2].
func Backoff(base time.Duration, attempt int) time.Duration {
	if base <= 0 {
		base = time.Second
	}
	if attempt < 0 {
		attempt = 0
	}
	// cap the shift to keep the duration arithmetic from overflowing
	if attempt > 20 {
		attempt = 20
	}
	d := base * time.Duration(1<<uint(attempt))
	factor := 0.8 + 0.4*rand.Float64()
	return time.Duration(float64(d) * factor)
}
