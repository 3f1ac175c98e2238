// Package retry retries transient failures (oracle submissions, webhook
// deliveries, client reads) with capped exponential backoff and jitter.
package retry

import (
	"context"
	"errors"
	"math/rand/v2"
	"time"
)

// PermanentError marks an error that must not be retried.
type PermanentError struct {
	Err error
}

func (e *PermanentError) Error() string { return e.Err.Error() }
func (e *PermanentError) Unwrap() error { return e.Err }

// Permanent wraps err so that Do returns it (unwrapped) without retrying.
func Permanent(err error) error {
	return &PermanentError{Err: err}
}

// IsPermanent reports whether err was marked with Permanent.
func IsPermanent(err error) bool {
	var pe *PermanentError
	return errors.As(err, &pe)
}

// DelayError carries a server-suggested wait, typically from a
// Retry-After header on 429 or 503.
type DelayError struct {
	Err   error
	Delay time.Duration
}

func (e *DelayError) Error() string { return e.Err.Error() }
func (e *DelayError) Unwrap() error { return e.Err }

// After wraps err so the next attempt waits at least d.
func After(err error, d time.Duration) error {
	return &DelayError{Err: err, Delay: d}
}

// Policy configures Do. BaseDelay doubles per attempt, with ±25% jitter,
// up to MaxDelay when it is set.
type Policy struct {
	Attempts  int
	BaseDelay time.Duration
	MaxDelay  time.Duration
}

// Do calls fn until it succeeds, returns a permanent error, the attempts
// run out, or ctx is done.
func (p Policy) Do(ctx context.Context, fn func() error) error {
	attempts := p.Attempts
	if attempts <= 0 {
		attempts = 1
	}

	var err error
	delay := p.BaseDelay
	for attempt := 1; ; attempt++ {
		if err = fn(); err == nil {
			return nil
		}
		var pe *PermanentError
		if errors.As(err, &pe) {
			return pe.Err
		}
		if attempt >= attempts {
			return err
		}

		wait := jitter(delay)
		var de *DelayError
		if errors.As(err, &de) && de.Delay > wait {
			wait = de.Delay
		}
		if p.MaxDelay > 0 && wait > p.MaxDelay {
			wait = p.MaxDelay
		}

		timer := time.NewTimer(wait)
		select {
		case <-ctx.Done():
			timer.Stop()
			return ctx.Err()
		case <-timer.C:
		}

		delay *= 2
		if p.MaxDelay > 0 && delay > p.MaxDelay {
			delay = p.MaxDelay
		}
	}
}

// Do is Policy{Attempts: maxAttempts, BaseDelay: baseDelay}.Do.
func Do(ctx context.Context, maxAttempts int, baseDelay time.Duration, fn func() error) error {
	return Policy{Attempts: maxAttempts, BaseDelay: baseDelay}.Do(ctx, fn)
}

func jitter(d time.Duration) time.Duration {
	spread := int64(d / 4)
	if spread <= 0 {
		return d
	}
	return d - time.Duration(spread) + time.Duration(rand.Int64N(2*spread+1))
}
