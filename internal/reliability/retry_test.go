package reliability

import (
	"context"
	"errors"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestExponentialBackoff(t *testing.T) {
	t.Run("constructor enables jitter", func(t *testing.T) {
		eb := NewExponentialBackoff(100*time.Millisecond, 5*time.Second, 2.0, 3)

		assert.Equal(t, 100*time.Millisecond, eb.InitialInterval)
		assert.Equal(t, 5*time.Second, eb.MaxInterval)
		assert.Equal(t, 2.0, eb.Multiplier)
		assert.Equal(t, 3, eb.MaxAttempts)
		assert.True(t, eb.Jitter)
	})

	t.Run("ShouldRetry respects the attempt bound", func(t *testing.T) {
		eb := NewExponentialBackoff(100*time.Millisecond, time.Second, 2.0, 3)

		for i := 0; i < 3; i++ {
			shouldRetry, delay := eb.ShouldRetry(i, errors.New("transient"))
			assert.True(t, shouldRetry, "attempt %d", i)
			assert.Greater(t, delay, time.Duration(0))
		}

		shouldRetry, delay := eb.ShouldRetry(3, errors.New("transient"))
		assert.False(t, shouldRetry)
		assert.Equal(t, time.Duration(0), delay)
	})

	t.Run("zero MaxAttempts never gives up", func(t *testing.T) {
		eb := NewExponentialBackoff(time.Millisecond, time.Second, 2.0, 0)

		shouldRetry, _ := eb.ShouldRetry(10_000, errors.New("transient"))
		assert.True(t, shouldRetry)
	})

	t.Run("NextDelay grows and caps", func(t *testing.T) {
		eb := NewExponentialBackoff(100*time.Millisecond, 10*time.Second, 2.0, 5)
		eb.Jitter = false

		tests := []struct {
			attempt  int
			expected time.Duration
		}{
			{0, 100 * time.Millisecond},
			{1, 200 * time.Millisecond},
			{2, 400 * time.Millisecond},
			{3, 800 * time.Millisecond},
			{10, 10 * time.Second}, // cap
		}
		for _, tt := range tests {
			assert.Equal(t, tt.expected, eb.NextDelay(tt.attempt), "attempt %d", tt.attempt)
		}
	})

	t.Run("jitter stays within ±15 percent", func(t *testing.T) {
		eb := NewExponentialBackoff(time.Second, 10*time.Second, 2.0, 5)

		var varied bool
		first := eb.NextDelay(0)
		for i := 0; i < 20; i++ {
			delay := eb.NextDelay(0)
			assert.GreaterOrEqual(t, delay, 850*time.Millisecond)
			assert.LessOrEqual(t, delay, 1150*time.Millisecond)
			if delay != first {
				varied = true
			}
		}
		assert.True(t, varied, "jitter should produce different delays")
	})

	t.Run("honors a non-retryable error", func(t *testing.T) {
		eb := NewExponentialBackoff(100*time.Millisecond, time.Second, 2.0, 3)

		shouldRetry, _ := eb.ShouldRetry(0, RetryableError{Err: errors.New("fatal"), Retryable: false})
		assert.False(t, shouldRetry)
	})
}

func TestFixedDelay(t *testing.T) {
	fd := NewFixedDelay(250*time.Millisecond, 2)

	assert.Equal(t, 250*time.Millisecond, fd.NextDelay(0))
	assert.Equal(t, 250*time.Millisecond, fd.NextDelay(7))
	assert.Equal(t, 2, fd.MaxRetries())

	shouldRetry, delay := fd.ShouldRetry(0, errors.New("transient"))
	assert.True(t, shouldRetry)
	assert.Equal(t, 250*time.Millisecond, delay)

	shouldRetry, _ = fd.ShouldRetry(2, errors.New("transient"))
	assert.False(t, shouldRetry)
}

func TestRetry(t *testing.T) {
	t.Run("returns on first success", func(t *testing.T) {
		var calls atomic.Int32
		err := Retry(context.Background(), NewFixedDelay(time.Millisecond, 3), func() error {
			calls.Add(1)
			return nil
		})

		require.NoError(t, err)
		assert.Equal(t, int32(1), calls.Load())
	})

	t.Run("retries until success", func(t *testing.T) {
		var calls atomic.Int32
		err := Retry(context.Background(), NewFixedDelay(time.Millisecond, 5), func() error {
			if calls.Add(1) < 3 {
				return errors.New("transient")
			}
			return nil
		})

		require.NoError(t, err)
		assert.Equal(t, int32(3), calls.Load())
	})

	t.Run("returns the last error when exhausted", func(t *testing.T) {
		boom := errors.New("still broken")
		var calls atomic.Int32
		err := Retry(context.Background(), NewFixedDelay(time.Millisecond, 2), func() error {
			calls.Add(1)
			return boom
		})

		assert.ErrorIs(t, err, boom)
		assert.Equal(t, int32(3), calls.Load(), "initial attempt plus two retries")
	})

	t.Run("stops on a non-retryable error", func(t *testing.T) {
		var calls atomic.Int32
		err := Retry(context.Background(), NewFixedDelay(time.Millisecond, 5), func() error {
			calls.Add(1)
			return RetryableError{Err: errors.New("fatal"), Retryable: false}
		})

		require.Error(t, err)
		assert.Equal(t, int32(1), calls.Load())
	})

	t.Run("honors context cancellation", func(t *testing.T) {
		ctx, cancel := context.WithCancel(context.Background())
		cancel()

		err := Retry(ctx, NewFixedDelay(time.Second, 5), func() error {
			return errors.New("transient")
		})
		assert.ErrorIs(t, err, context.Canceled)
	})
}

func TestRetryableError(t *testing.T) {
	cause := errors.New("root cause")
	err := RetryableError{Err: cause, Retryable: true}

	assert.Equal(t, "root cause", err.Error())
	assert.True(t, err.IsRetryable())
	assert.ErrorIs(t, err, cause)
}
