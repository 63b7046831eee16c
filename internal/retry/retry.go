// Package retry runs an operation with exponential backoff and jitter.
package retry

import (
	"context"
	"crypto/rand"
	"encoding/binary"
	"errors"
	"time"
)

// PermanentError wraps an error that should not be retried.
type PermanentError struct {
	Err error
}

func (e *PermanentError) Error() string { return e.Err.Error() }
func (e *PermanentError) Unwrap() error { return e.Err }

// Permanent wraps err so that Do will not retry it.
func Permanent(err error) error {
	if err == nil {
		return nil
	}
	return &PermanentError{Err: err}
}

// Policy configures a retry loop.
type Policy struct {
	MaxAttempts int
	BaseDelay   time.Duration
	// Retryable classifies errors; nil retries everything not marked
	// Permanent.
	Retryable func(error) bool
	// OnRetry is called before each backoff sleep with the 1-based number
	// of the attempt that failed.
	OnRetry func(attempt int, err error)
}

// Do calls fn until it succeeds, returns a permanent or non-retryable error,
// ctx is cancelled, or MaxAttempts is reached. The delay doubles after each
// attempt with ±25% jitter.
func (p Policy) Do(ctx context.Context, fn func() error) error {
	maxAttempts := p.MaxAttempts
	if maxAttempts <= 0 {
		maxAttempts = 1
	}

	var err error
	delay := p.BaseDelay
	for attempt := 1; attempt <= maxAttempts; attempt++ {
		if err = fn(); err == nil {
			return nil
		}

		var pe *PermanentError
		if errors.As(err, &pe) {
			return pe.Err
		}
		if p.Retryable != nil && !p.Retryable(err) {
			return err
		}
		if attempt == maxAttempts {
			break
		}
		if p.OnRetry != nil {
			p.OnRetry(attempt, err)
		}

		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-time.After(jittered(delay)):
		}
		delay *= 2
	}
	return err
}

// Do is Policy{MaxAttempts: maxAttempts, BaseDelay: baseDelay}.Do(ctx, fn).
func Do(ctx context.Context, maxAttempts int, baseDelay time.Duration, fn func() error) error {
	return Policy{MaxAttempts: maxAttempts, BaseDelay: baseDelay}.Do(ctx, fn)
}

func jittered(d time.Duration) time.Duration {
	jitter := d / 4
	return d - jitter + time.Duration(randInt64n(int64(2*jitter+1)))
}

// randInt64n returns a value in [0, n) from crypto/rand.
func randInt64n(n int64) int64 {
	if n <= 0 {
		return 0
	}
	var b [8]byte
	_, _ = rand.Read(b[:])
	v := binary.LittleEndian.Uint64(b[:]) >> 1
	return int64(v % uint64(n)) //nolint:gosec // n > 0
}
