package engine

import (
	"sync"
	"time"
)

// BreakerState represents the current state of a circuit breaker.
type BreakerState int

const (
	// BreakerClosed allows all sends through. Failures are counted.
	BreakerClosed BreakerState = iota
	// BreakerOpen rejects all sends immediately.
	BreakerOpen
	// BreakerHalfOpen allows probe sends through after the cooldown.
	BreakerHalfOpen
)

func (s BreakerState) String() string {
	switch s {
	case BreakerClosed:
		return "closed"
	case BreakerOpen:
		return "open"
	case BreakerHalfOpen:
		return "half-open"
	default:
		return "unknown"
	}
}

// halfOpenSuccesses is the number of consecutive successful probes required
// to close the breaker again.
const halfOpenSuccesses = 2

// Breaker implements the circuit breaker pattern with three states:
// Closed → Open → HalfOpen. It trips after a run of consecutive failures
// and half-opens after a cooldown. It is safe for concurrent use.
type Breaker struct {
	mu        sync.Mutex
	state     BreakerState
	failures  int
	successes int
	threshold int
	cooldown  time.Duration
	openedAt  time.Time
}

// NewBreaker creates a breaker that trips after threshold consecutive
// failures and stays open for the cooldown before allowing probes.
func NewBreaker(threshold int, cooldown time.Duration) *Breaker {
	if threshold < 1 {
		threshold = 5
	}
	if cooldown <= 0 {
		cooldown = 30 * time.Second
	}
	return &Breaker{
		state:     BreakerClosed,
		threshold: threshold,
		cooldown:  cooldown,
	}
}

// Allow reports whether a send may proceed. A false return means the
// circuit is open and the send must be rejected without attempting it.
func (b *Breaker) Allow() bool {
	b.mu.Lock()
	defer b.mu.Unlock()

	switch b.state {
	case BreakerClosed:
		return true
	case BreakerOpen:
		if time.Since(b.openedAt) > b.cooldown {
			b.state = BreakerHalfOpen
			b.successes = 0
			return true
		}
		return false
	case BreakerHalfOpen:
		return true
	}
	return true
}

// RecordSuccess records a successful send.
func (b *Breaker) RecordSuccess() {
	b.mu.Lock()
	defer b.mu.Unlock()

	switch b.state {
	case BreakerClosed:
		b.failures = 0
	case BreakerHalfOpen:
		b.successes++
		if b.successes >= halfOpenSuccesses {
			b.state = BreakerClosed
			b.failures = 0
			b.successes = 0
		}
	}
}

// RecordFailure records a failed send.
func (b *Breaker) RecordFailure() {
	b.mu.Lock()
	defer b.mu.Unlock()

	switch b.state {
	case BreakerClosed:
		b.failures++
		if b.failures >= b.threshold {
			b.state = BreakerOpen
			b.openedAt = time.Now()
		}
	case BreakerHalfOpen:
		// Any failure in half-open immediately reopens.
		b.state = BreakerOpen
		b.openedAt = time.Now()
		b.successes = 0
	}
}

// State returns the current breaker state.
func (b *Breaker) State() BreakerState {
	b.mu.Lock()
	defer b.mu.Unlock()

	if b.state == BreakerOpen && time.Since(b.openedAt) > b.cooldown {
		b.state = BreakerHalfOpen
		b.successes = 0
	}
	return b.state
}

// Counts returns the current failure and success counts (for diagnostics).
func (b *Breaker) Counts() (failures, successes int) {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.failures, b.successes
}
