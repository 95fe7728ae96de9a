package reliability

import (
	"context"
	"math"
	"math/rand"
	"time"
)

// RetryPolicy paces repeated attempts at an operation, typically redialing
// the broker connection.
type RetryPolicy interface {
	// ShouldRetry reports whether another attempt should be made after err,
	// and how long to wait before it.
	ShouldRetry(attempt int, err error) (bool, time.Duration)
	// MaxRetries returns the attempt bound; zero or negative means unbounded.
	MaxRetries() int
	// NextDelay calculates the wait before the given attempt.
	NextDelay(attempt int) time.Duration
}

// ExponentialBackoff multiplies the delay per attempt, capped at MaxInterval,
// with optional ±15% jitter so a fleet of clients does not redial in
// lockstep.
type ExponentialBackoff struct {
	InitialInterval time.Duration
	MaxInterval     time.Duration
	Multiplier      float64
	MaxAttempts     int // zero or negative means unbounded
	Jitter          bool
}

// NewExponentialBackoff creates an exponential backoff policy with jitter
// enabled.
func NewExponentialBackoff(initial, max time.Duration, multiplier float64, maxRetries int) *ExponentialBackoff {
	return &ExponentialBackoff{
		InitialInterval: initial,
		MaxInterval:     max,
		Multiplier:      multiplier,
		MaxAttempts:     maxRetries,
		Jitter:          true,
	}
}

// ShouldRetry implements RetryPolicy.
func (e *ExponentialBackoff) ShouldRetry(attempt int, err error) (bool, time.Duration) {
	if e.MaxAttempts > 0 && attempt >= e.MaxAttempts {
		return false, 0
	}
	if !isRetryableError(err) {
		return false, 0
	}
	return true, e.NextDelay(attempt)
}

// MaxRetries implements RetryPolicy.
func (e *ExponentialBackoff) MaxRetries() int {
	return e.MaxAttempts
}

// NextDelay implements RetryPolicy.
func (e *ExponentialBackoff) NextDelay(attempt int) time.Duration {
	delay := float64(e.InitialInterval) * math.Pow(e.Multiplier, float64(attempt))

	if delay > float64(e.MaxInterval) {
		delay = float64(e.MaxInterval)
	}

	if e.Jitter {
		jitter := rand.Float64() * 0.3 * delay
		delay = delay + jitter - (0.15 * delay)
	}

	return time.Duration(delay)
}

// FixedDelay waits the same interval between attempts.
type FixedDelay struct {
	Delay       time.Duration
	MaxAttempts int // zero or negative means unbounded
}

// NewFixedDelay creates a fixed delay policy.
func NewFixedDelay(delay time.Duration, maxRetries int) *FixedDelay {
	return &FixedDelay{
		Delay:       delay,
		MaxAttempts: maxRetries,
	}
}

// ShouldRetry implements RetryPolicy.
func (f *FixedDelay) ShouldRetry(attempt int, err error) (bool, time.Duration) {
	if f.MaxAttempts > 0 && attempt >= f.MaxAttempts {
		return false, 0
	}
	if !isRetryableError(err) {
		return false, 0
	}
	return true, f.Delay
}

// MaxRetries implements RetryPolicy.
func (f *FixedDelay) MaxRetries() int {
	return f.MaxAttempts
}

// NextDelay implements RetryPolicy.
func (f *FixedDelay) NextDelay(attempt int) time.Duration {
	return f.Delay
}

// Retry runs fn until it succeeds, the policy gives up, or ctx is cancelled.
// The last error is returned when retries are exhausted.
func Retry(ctx context.Context, policy RetryPolicy, fn func() error) error {
	var lastErr error

	for attempt := 0; ; attempt++ {
		select {
		case <-ctx.Done():
			return ctx.Err()
		default:
		}

		err := fn()
		if err == nil {
			return nil
		}
		lastErr = err

		shouldRetry, delay := policy.ShouldRetry(attempt, err)
		if !shouldRetry {
			return lastErr
		}

		select {
		case <-time.After(delay):
		case <-ctx.Done():
			return ctx.Err()
		}
	}
}

// isRetryableError honors an error's own retryability claim and defaults to
// retryable for everything else.
func isRetryableError(err error) bool {
	if err == nil {
		return false
	}

	type retryable interface {
		IsRetryable() bool
	}
	if r, ok := err.(retryable); ok {
		return r.IsRetryable()
	}

	return true
}

// RetryableError wraps an error with an explicit retryability claim.
type RetryableError struct {
	Err       error
	Retryable bool
}

func (r RetryableError) Error() string {
	return r.Err.Error()
}

// IsRetryable indicates if the error is retryable.
func (r RetryableError) IsRetryable() bool {
	return r.Retryable
}

func (r RetryableError) Unwrap() error {
	return r.Err
}
