package errors

import (
	"context"
	"errors"
	"math"
	"math/rand/v2"
	"time"
)

const (
	MaxRetries        = 3
	InitialBackoff    = 100 * time.Millisecond
	MaxBackoff        = 5 * time.Second
	BackoffMultiplier = 2.0
)

// WithRetry runs fn until it succeeds, returns a non-retryable error, or
// the attempt budget is spent. Delays between attempts grow exponentially
// with full jitter so instances hitting the same outage do not retry in
// lockstep.
func WithRetry(ctx context.Context, fn func() error) error {
	if fn == nil {
		return nil
	}

	if ctx == nil {
		ctx = context.Background()
	}

	var err error
	for attempt := 0; attempt <= MaxRetries; attempt++ {
		select {
		case <-ctx.Done():
			return ctx.Err()
		default:
		}

		err = fn()
		if err == nil {
			return nil
		}

		if !IsRetryable(err) {
			return err
		}

		if attempt == MaxRetries {
			return err
		}

		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-time.After(Backoff(attempt + 1)):
		}
	}

	return err
}

// IsRetryable reports whether err is marked retryable via AppError.
func IsRetryable(err error) bool {
	if err == nil {
		return false
	}

	var appErr *AppError
	if errors.As(err, &appErr) && appErr != nil {
		return appErr.Retryable
	}

	return false
}

// Backoff returns the jittered delay before the given attempt (1-based).
// The delay is drawn uniformly from (0, ceiling] where the ceiling doubles
// per attempt up to MaxBackoff.
func Backoff(attempt int) time.Duration {
	if attempt < 1 {
		attempt = 1
	}

	ceiling := float64(InitialBackoff) * math.Pow(BackoffMultiplier, float64(attempt-1))
	if ceiling > float64(MaxBackoff) {
		ceiling = float64(MaxBackoff)
	}

	return time.Duration(rand.Float64() * ceiling)
}
