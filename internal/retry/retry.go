package retry

import (
	"context"
	"errors"
	"time"
)

// permanentError wraps an error that should not be retried.
type permanentError struct {
	err error
}

func (e *permanentError) Error() string { return e.err.Error() }
func (e *permanentError) Unwrap() error { return e.err }

// Permanent wraps an error to signal that it should not be retried.
func Permanent(err error) error {
	return &permanentError{err: err}
}

type options struct {
	maxAttempts int
	baseDelay   time.Duration
	maxDelay    time.Duration
}

// Option configures retry behavior.
type Option func(*options)

// WithMaxAttempts sets the maximum number of attempts (including first try).
func WithMaxAttempts(n int) Option {
	return func(o *options) { o.maxAttempts = n }
}

// WithBaseDelay sets the delay before the second attempt. Subsequent delays
// double until they reach the cap set by WithMaxDelay.
func WithBaseDelay(d time.Duration) Option {
	return func(o *options) { o.baseDelay = d }
}

// WithMaxDelay caps the exponential backoff delay.
func WithMaxDelay(d time.Duration) Option {
	return func(o *options) { o.maxDelay = d }
}

func resolveOptions(opts []Option) options {
	o := options{
		maxAttempts: 3,
		baseDelay:   100 * time.Millisecond,
		maxDelay:    5 * time.Second,
	}
	for _, opt := range opts {
		opt(&o)
	}
	return o
}

// Do executes fn, retrying on failure with exponential backoff.
// It stops retrying when fn returns nil, a permanent error, or the context
// is cancelled. Returns the last error on exhaustion.
func Do(ctx context.Context, fn func() error, opts ...Option) error {
	o := resolveOptions(opts)

	var lastErr error
	for attempt := range o.maxAttempts {
		lastErr = fn()
		if lastErr == nil {
			return nil
		}

		var pe *permanentError
		if errors.As(lastErr, &pe) {
			return pe.err
		}

		// Don't sleep after the last attempt.
		if attempt < o.maxAttempts-1 {
			select {
			case <-ctx.Done():
				return lastErr
			case <-time.After(o.delay(attempt)):
			}
		}
	}
	return lastErr
}

// DoVal is like Do but for functions that return a value and an error.
func DoVal[T any](ctx context.Context, fn func() (T, error), opts ...Option) (T, error) {
	o := resolveOptions(opts)

	var lastErr error
	var zero T
	for attempt := range o.maxAttempts {
		val, err := fn()
		if err == nil {
			return val, nil
		}
		lastErr = err

		var pe *permanentError
		if errors.As(lastErr, &pe) {
			return zero, pe.err
		}

		if attempt < o.maxAttempts-1 {
			select {
			case <-ctx.Done():
				return zero, lastErr
			case <-time.After(o.delay(attempt)):
			}
		}
	}
	return zero, lastErr
}

// delay returns the backoff delay for the given attempt index: baseDelay
// doubled per attempt, capped at maxDelay.
func (o options) delay(attempt int) time.Duration {
	d := o.baseDelay
	for range attempt {
		d *= 2
		if d >= o.maxDelay {
			return o.maxDelay
		}
	}
	return d
}
