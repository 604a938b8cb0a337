package errors

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestWithRetry_SucceedsFirstTry(t *testing.T) {
	calls := 0
	err := WithRetry(context.Background(), func() error {
		calls++
		return nil
	})

	require.NoError(t, err)
	assert.Equal(t, 1, calls)
}

func TestWithRetry_RetriesRetryableErrors(t *testing.T) {
	calls := 0
	err := WithRetry(context.Background(), func() error {
		calls++
		if calls < 3 {
			return NewStoreUnavailableError(errors.New("connection refused"))
		}
		return nil
	})

	require.NoError(t, err)
	assert.Equal(t, 3, calls)
}

func TestWithRetry_StopsOnNonRetryable(t *testing.T) {
	calls := 0
	err := WithRetry(context.Background(), func() error {
		calls++
		return NewInvalidPolicyError("missing")
	})

	require.Error(t, err)
	assert.Equal(t, 1, calls)
}

func TestWithRetry_ExhaustsBudget(t *testing.T) {
	calls := 0
	err := WithRetry(context.Background(), func() error {
		calls++
		return NewStoreUnavailableError(errors.New("down"))
	})

	require.Error(t, err)
	assert.Equal(t, MaxRetries+1, calls)

	var appErr *AppError
	require.True(t, errors.As(err, &appErr))
	assert.Equal(t, "E200", appErr.Code)
}

func TestWithRetry_RespectsContextCancellation(t *testing.T) {
	ctx, cancel := context.WithCancel(context.Background())
	cancel()

	err := WithRetry(ctx, func() error {
		return NewStoreUnavailableError(errors.New("down"))
	})

	assert.ErrorIs(t, err, context.Canceled)
}

func TestIsRetryable(t *testing.T) {
	assert.False(t, IsRetryable(nil))
	assert.False(t, IsRetryable(errors.New("plain")))
	assert.False(t, IsRetryable(NewInvalidPolicyError("p")))
	assert.False(t, IsRetryable(NewInternalError(errors.New("boom"))))
	assert.True(t, IsRetryable(NewStoreUnavailableError(errors.New("down"))))
	assert.True(t, IsRetryable(NewConflictError("user:1")))
}

func TestBackoff_StaysWithinCeiling(t *testing.T) {
	for attempt := 1; attempt <= 10; attempt++ {
		for i := 0; i < 50; i++ {
			delay := Backoff(attempt)
			assert.GreaterOrEqual(t, delay, time.Duration(0))
			assert.LessOrEqual(t, delay, MaxBackoff)
		}
	}

	// Attempt one is bounded by the initial ceiling.
	for i := 0; i < 50; i++ {
		assert.LessOrEqual(t, Backoff(1), InitialBackoff)
	}
}

func TestAppError_UnwrapsCause(t *testing.T) {
	cause := errors.New("socket closed")
	err := NewStoreUnavailableError(cause)

	assert.ErrorIs(t, err, cause)
	assert.Equal(t, SeverityHigh, err.Severity)
}
