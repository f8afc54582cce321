package library

import (
	"context"
	"errors"
	"fmt"
	"math/rand"
	"time"

	"go.uber.org/zap"
)

const (
	defaultMaxAttempts  = 2
	defaultBaseDelay    = 10 * time.Millisecond
	defaultJitterFactor = 0.3
	maxBackoff          = 2 * time.Second
)

// retryOnConflict runs fn until it succeeds, fails with something other than
// ErrStoreConflict, or maxAttempts is reached. Waits grow as
// baseDelay * 2^(attempt-1), capped at maxBackoff, plus up to 30% jitter.
func retryOnConflict(ctx context.Context, logger *zap.Logger, op string, maxAttempts int, baseDelay time.Duration, fn func(ctx context.Context) error) error {
	var lastErr error

	for attempt := 0; attempt < maxAttempts; attempt++ {
		if attempt > 0 {
			delay := backoff(baseDelay, attempt)
			jitter := rand.Float64() * float64(delay) * defaultJitterFactor //nolint:gosec // jitter only
			wait := delay + time.Duration(jitter)

			logger.Warn("transaction conflict, retrying",
				zap.String("op", op),
				zap.Int("attempt", attempt+1),
				zap.Duration("backoff", wait),
				zap.Error(lastErr))

			select {
			case <-time.After(wait):
			case <-ctx.Done():
				return ctx.Err()
			}
		}

		lastErr = fn(ctx)
		if lastErr == nil {
			return nil
		}
		if !errors.Is(lastErr, ErrStoreConflict) {
			return lastErr
		}
	}

	return fmt.Errorf("%s: %w after %d attempts: %w", op, ErrRetriesExhausted, maxAttempts, lastErr)
}

// backoff returns the wait before the given retry (attempt >= 1).
func backoff(baseDelay time.Duration, attempt int) time.Duration {
	delay := baseDelay
	for i := 1; i < attempt && delay > 0 && delay < maxBackoff; i++ {
		delay *= 2
	}
	return min(delay, maxBackoff)
}
