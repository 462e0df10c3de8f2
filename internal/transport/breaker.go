package transport

import (
	"sync"
	"time"
)

type BreakerState int

const (
	BreakerClosed BreakerState = iota
	BreakerOpen
	BreakerHalfOpen
)

func (s BreakerState) String() string {
	switch s {
	case BreakerOpen:
		return "open"
	case BreakerHalfOpen:
		return "half-open"
	default:
		return "closed"
	}
}

// Breaker is a per-client circuit breaker wrapping single request attempts.
// Closed moves to open after threshold consecutive failures; open moves to
// half-open once the reset window elapses; a half-open probe success closes
// the breaker, a probe failure reopens it. Any success zeroes the failure
// count. Requests already in flight when the breaker opens run to
// completion; only new attempts observe the open state.
type Breaker struct {
	mu          sync.Mutex
	threshold   int
	reset       time.Duration
	state       BreakerState
	failures    int
	lastFailure time.Time

	now func() time.Time // injectable clock for tests
}

func NewBreaker(threshold int, reset time.Duration) *Breaker {
	if threshold <= 0 {
		threshold = 5
	}
	if reset <= 0 {
		reset = 60 * time.Second
	}
	return &Breaker{threshold: threshold, reset: reset, now: time.Now}
}

// Allow reports whether a new attempt may proceed, transitioning
// open -> half-open when the reset window has elapsed.
func (b *Breaker) Allow() bool {
	b.mu.Lock()
	defer b.mu.Unlock()

	if b.state == BreakerOpen {
		if b.now().Sub(b.lastFailure) >= b.reset {
			b.state = BreakerHalfOpen
			return true
		}
		return false
	}
	return true
}

func (b *Breaker) Success() {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.failures = 0
	b.state = BreakerClosed
}

func (b *Breaker) Failure() {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.lastFailure = b.now()

	if b.state == BreakerHalfOpen {
		b.state = BreakerOpen
		return
	}
	b.failures++
	if b.failures >= b.threshold {
		b.state = BreakerOpen
	}
}

func (b *Breaker) State() BreakerState {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.state
}
