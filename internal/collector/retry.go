package collector

import (
	"errors"
	"fmt"
	"math/rand"
	"time"
)

var (
	ErrCircuitOpen = errors.New("collector skipped: circuit breaker open")
	ErrBusy        = errors.New("collector skipped: previous run still in flight")
)

// NoRetry marks an error as permanent. The runner does not retry it within
// the current occurrence.
//
//	return collector.NoRetry(fmt.Errorf("bad payload: %w", err))
func NoRetry(err error) error {
	if err == nil {
		return nil
	}
	return noRetryError{err: err}
}

// IsNoRetry reports whether err is wrapped with NoRetry.
func IsNoRetry(err error) bool {
	var e noRetryError
	return errors.As(err, &e)
}

type noRetryError struct{ err error }

func (e noRetryError) Error() string { return fmt.Sprintf("no-retry: %v", e.err) }
func (e noRetryError) Unwrap() error { return e.err }

// RetryAfter carries a suggested delay, e.g. from an HTTP 429 Retry-After
// header. The runner bounds it by its max delay and still applies jitter.
func RetryAfter(err error, after time.Duration) error {
	if err == nil {
		return nil
	}
	return retryAfterError{err: err, after: max(after, 0)}
}

// RetryAfterError is implemented by errors that carry an explicit retry delay.
type RetryAfterError interface {
	error
	RetryAfter() time.Duration
}

type retryAfterError struct {
	err   error
	after time.Duration
}

func (e retryAfterError) Error() string             { return fmt.Sprintf("retry-after(%s): %v", e.after, e.err) }
func (e retryAfterError) Unwrap() error             { return e.err }
func (e retryAfterError) RetryAfter() time.Duration { return e.after }

// RetryPolicy bounds retries inside a single occurrence. Retries never spill
// into the next occurrence: the scheduler owns the cadence.
type RetryPolicy struct {
	Max      int
	Base     time.Duration
	MaxDelay time.Duration
	// Jitter is the +/- fraction applied to every delay. Default 0.2.
	Jitter float64
}

func (p RetryPolicy) withDefaults() RetryPolicy {
	if p.Max < 0 {
		p.Max = 0
	}
	if p.Base <= 0 {
		p.Base = 2 * time.Second
	}
	if p.MaxDelay <= 0 {
		p.MaxDelay = 30 * time.Second
	}
	if p.MaxDelay < p.Base {
		p.MaxDelay = p.Base
	}
	if p.Jitter <= 0 {
		p.Jitter = 0.2
	}
	return p
}

// delay returns the wait before retry number retry (0 based).
func (p RetryPolicy) delay(retry int, err error, rng *rand.Rand) time.Duration {
	d := p.Base
	var ra RetryAfterError
	if err != nil && errors.As(err, &ra) {
		d = ra.RetryAfter()
	} else {
		for i := 0; i < retry && d < p.MaxDelay; i++ {
			d *= 2
		}
	}
	d = min(d, p.MaxDelay)
	if rng != nil && d > 0 {
		r := (rng.Float64()*2 - 1) * p.Jitter
		d = time.Duration(float64(d) * (1 + r))
	}
	return max(d, 0)
}
