package resilience

import (
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

type manualClock struct {
	mu  sync.Mutex
	now time.Time
}

func newManualClock() *manualClock {
	return &manualClock{now: time.Date(2025, 3, 10, 9, 30, 0, 0, time.UTC)}
}

func (c *manualClock) Now() time.Time {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.now
}

func (c *manualClock) Advance(d time.Duration) {
	c.mu.Lock()
	c.now = c.now.Add(d)
	c.mu.Unlock()
}

func TestBreaker_Transitions(t *testing.T) {
	clock := newManualClock()
	b := NewBreaker("test:transitions", BreakerConfig{Threshold: 3, Timeout: time.Minute}, clock.Now)

	for i := 0; i < 2; i++ {
		require.NoError(t, b.Allow())
		b.RecordFailure()
	}
	assert.Equal(t, StateClosed, b.State())

	// A success resets the streak.
	b.RecordSuccess()
	for i := 0; i < 2; i++ {
		b.RecordFailure()
	}
	assert.Equal(t, StateClosed, b.State())

	b.RecordFailure()
	assert.Equal(t, StateOpen, b.State())
	assert.ErrorIs(t, b.Allow(), ErrCircuitOpen)

	clock.Advance(59 * time.Second)
	assert.ErrorIs(t, b.Allow(), ErrCircuitOpen)

	clock.Advance(time.Second)
	require.NoError(t, b.Allow())
	assert.Equal(t, StateHalfOpen, b.State())

	// Only one trial at a time.
	assert.ErrorIs(t, b.Allow(), ErrCircuitOpen)

	// Trial failure re-opens with a fresh timeout.
	b.RecordFailure()
	assert.Equal(t, StateOpen, b.State())
	clock.Advance(30 * time.Second)
	assert.ErrorIs(t, b.Allow(), ErrCircuitOpen)

	clock.Advance(30 * time.Second)
	require.NoError(t, b.Allow())
	b.RecordSuccess()
	assert.Equal(t, StateClosed, b.State())
	assert.Equal(t, 0, b.Stats().FailureCount)
}

func TestBreaker_LateSuccessDoesNotClose(t *testing.T) {
	clock := newManualClock()
	b := NewBreaker("test:late", BreakerConfig{Threshold: 1, Timeout: time.Minute}, clock.Now)

	b.RecordFailure()
	require.Equal(t, StateOpen, b.State())
	b.RecordSuccess()
	assert.Equal(t, StateOpen, b.State())
}

func TestBreaker_TripAndRelease(t *testing.T) {
	clock := newManualClock()
	b := NewBreaker("test:trip", BreakerConfig{Threshold: 5, Timeout: time.Minute}, clock.Now)

	b.Trip()
	assert.Equal(t, StateOpen, b.State())

	clock.Advance(time.Minute)
	require.NoError(t, b.Allow())
	b.Release()
	require.NoError(t, b.Allow())
	assert.Equal(t, StateHalfOpen, b.State())
}

func TestBreakerRegistry(t *testing.T) {
	r := NewBreakerRegistry(DefaultBreakerConfig(), nil)
	a := r.Get("fetch:quote")
	assert.Same(t, a, r.Get("fetch:quote"))
	r.Get("fetch:income")

	stats := r.Stats()
	require.Len(t, stats, 2)
	assert.Equal(t, "fetch:income", stats[0].Name)
	assert.Equal(t, "closed", stats[1].State)
}
