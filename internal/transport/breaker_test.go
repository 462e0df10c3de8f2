package transport

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
)

func TestBreakerOpensAtExactThreshold(t *testing.T) {
	b := NewBreaker(3, time.Minute)

	b.Failure()
	b.Failure()
	assert.Equal(t, BreakerClosed, b.State())

	b.Failure()
	assert.Equal(t, BreakerOpen, b.State())
	assert.False(t, b.Allow())
}

func TestBreakerSuccessResetsFailureCount(t *testing.T) {
	b := NewBreaker(3, time.Minute)

	b.Failure()
	b.Failure()
	b.Success()

	// The counter restarted, so two more failures stay closed.
	b.Failure()
	b.Failure()
	assert.Equal(t, BreakerClosed, b.State())

	b.Failure()
	assert.Equal(t, BreakerOpen, b.State())
}

func TestBreakerHalfOpenProbe(t *testing.T) {
	current := time.Now()
	b := NewBreaker(1, 60*time.Second)
	b.now = func() time.Time { return current }

	b.Failure()
	assert.Equal(t, BreakerOpen, b.State())
	assert.False(t, b.Allow())

	// Reset window elapses: one probe is allowed.
	current = current.Add(61 * time.Second)
	assert.True(t, b.Allow())
	assert.Equal(t, BreakerHalfOpen, b.State())

	// Probe success closes the breaker.
	b.Success()
	assert.Equal(t, BreakerClosed, b.State())
}

func TestBreakerHalfOpenProbeFailureReopens(t *testing.T) {
	current := time.Now()
	b := NewBreaker(1, 60*time.Second)
	b.now = func() time.Time { return current }

	b.Failure()
	current = current.Add(61 * time.Second)
	assert.True(t, b.Allow())

	b.Failure()
	assert.Equal(t, BreakerOpen, b.State())
	assert.False(t, b.Allow())
}

func TestBreakerDefaults(t *testing.T) {
	b := NewBreaker(0, 0)
	assert.Equal(t, 5, b.threshold)
	assert.Equal(t, 60*time.Second, b.reset)
}
