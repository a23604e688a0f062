package collector

import (
	"sync"
	"time"
)

// Breaker is a consecutive-failure circuit breaker with exponential cooldown.
//   - On success: resets failures and closes the circuit.
//   - On failure: once failures >= Trip, opens the circuit for
//     Base * 2^(failures-Trip), capped at Max.
//
// A zero Trip disables the breaker.
type Breaker struct {
	Trip       int
	Base       time.Duration
	Max        time.Duration
	ResetAfter time.Duration

	mu          sync.Mutex
	fails       int
	openUntil   time.Time
	lastFailure time.Time
}

// BreakerState is a snapshot for status output.
type BreakerState struct {
	Failures  int       `json:"failures"`
	Open      bool      `json:"open"`
	OpenUntil time.Time `json:"open_until,omitempty"`
}

func NewBreaker(trip int, base time.Duration) *Breaker {
	if base <= 0 {
		base = time.Minute
	}
	return &Breaker{Trip: trip, Base: base, Max: 32 * base, ResetAfter: 64 * base}
}

// Allow reports whether a run may proceed at now, and otherwise until when
// the circuit stays open.
func (b *Breaker) Allow(now time.Time) (bool, time.Time) {
	if b == nil || b.Trip <= 0 {
		return true, time.Time{}
	}
	b.mu.Lock()
	defer b.mu.Unlock()
	b.expireLocked(now)
	if !b.openUntil.IsZero() && now.Before(b.openUntil) {
		return false, b.openUntil
	}
	return true, time.Time{}
}

// Record feeds the outcome of a run. It returns true when this failure
// opened the circuit.
func (b *Breaker) Record(now time.Time, err error) bool {
	if b == nil || b.Trip <= 0 {
		return false
	}
	b.mu.Lock()
	defer b.mu.Unlock()
	b.expireLocked(now)

	if err == nil {
		b.fails = 0
		b.openUntil = time.Time{}
		b.lastFailure = time.Time{}
		return false
	}

	b.fails++
	b.lastFailure = now
	if b.fails < b.Trip {
		return false
	}

	d := b.Base
	for i := 0; i < b.fails-b.Trip && d < b.Max; i++ {
		d *= 2
	}
	if b.Max > 0 {
		d = min(d, b.Max)
	}
	b.openUntil = now.Add(d)
	return b.fails == b.Trip
}

func (b *Breaker) State(now time.Time) BreakerState {
	if b == nil {
		return BreakerState{}
	}
	b.mu.Lock()
	defer b.mu.Unlock()
	st := BreakerState{Failures: b.fails}
	if !b.openUntil.IsZero() && now.Before(b.openUntil) {
		st.Open = true
		st.OpenUntil = b.openUntil
	}
	return st
}

// expireLocked forgets failures that are older than ResetAfter.
func (b *Breaker) expireLocked(now time.Time) {
	if !b.lastFailure.IsZero() && b.ResetAfter > 0 && now.Sub(b.lastFailure) > b.ResetAfter {
		b.fails = 0
		b.openUntil = time.Time{}
	}
}
