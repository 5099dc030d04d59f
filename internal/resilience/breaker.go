package resilience

import (
	"errors"
	"sync"
	"time"
)

// ErrBreakerOpen is returned by Allow while the breaker is tripped.
var ErrBreakerOpen = errors.New("circuit breaker open")

// Breaker is a three-method circuit breaker: Allow/RecordSuccess/
// RecordFailure. It trips open once failureCount reaches threshold and
// stays open for cooldown; a success at any time resets both the
// failure count and the open deadline.
type Breaker struct {
	name      string
	threshold int
	cooldown  time.Duration

	mu          sync.Mutex
	failures    int
	openedUntil time.Time
}

// NewBreaker constructs a breaker named name (used only for diagnostics)
// that trips after threshold consecutive failures and allows calls
// again once cooldown has elapsed since the trip.
func NewBreaker(name string, threshold int, cooldown time.Duration) *Breaker {
	return &Breaker{name: name, threshold: threshold, cooldown: cooldown}
}

// Name returns the breaker's diagnostic name.
func (b *Breaker) Name() string { return b.name }

// Allow returns ErrBreakerOpen if the breaker is currently tripped.
func (b *Breaker) Allow() error {
	b.mu.Lock()
	defer b.mu.Unlock()
	if time.Now().Before(b.openedUntil) {
		return ErrBreakerOpen
	}
	return nil
}

// RecordSuccess resets the failure count and clears any open deadline,
// restoring full budget for the next failure streak.
func (b *Breaker) RecordSuccess() {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.failures = 0
	b.openedUntil = time.Time{}
}

// RecordFailure increments the failure count; once it reaches
// threshold, the breaker trips open for cooldown and the count is
// reset so that one success after cooldown restores full budget. It
// reports whether this call caused the trip, so callers can drive a
// trip counter without duplicating the threshold check.
func (b *Breaker) RecordFailure() (tripped bool) {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.failures++
	if b.failures >= b.threshold {
		b.openedUntil = time.Now().Add(b.cooldown)
		b.failures = 0
		return true
	}
	return false
}
