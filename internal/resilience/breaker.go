package resilience

import (
	"errors"
	"fmt"
	"sort"
	"sync"
	"time"

	"github.com/occamssword/fmp-data-system-sub000/internal/metrics"
)

// ErrCircuitOpen is returned when a breaker rejects a call.
var ErrCircuitOpen = errors.New("circuit breaker is open")

// BreakerState is the state of a circuit breaker.
type BreakerState int

const (
	StateClosed BreakerState = iota
	StateHalfOpen
	StateOpen
)

func (s BreakerState) String() string {
	switch s {
	case StateClosed:
		return "closed"
	case StateHalfOpen:
		return "half-open"
	case StateOpen:
		return "open"
	default:
		return "unknown"
	}
}

// BreakerConfig controls state transitions.
type BreakerConfig struct {
	Threshold int           `yaml:"threshold"` // consecutive failures before opening
	Timeout   time.Duration `yaml:"timeout"`   // time spent open before a half-open trial
}

// DefaultBreakerConfig opens after 5 consecutive failures for 60s.
func DefaultBreakerConfig() BreakerConfig {
	return BreakerConfig{Threshold: 5, Timeout: 60 * time.Second}
}

// BreakerStats is a point-in-time view of a breaker.
type BreakerStats struct {
	Name          string    `json:"name"`
	State         string    `json:"state"`
	FailureCount  int       `json:"failure_count"`
	SuccessCount  int       `json:"success_count"`
	LastFailureAt time.Time `json:"last_failure_at,omitempty"`
	OpenedAt      time.Time `json:"opened_at,omitempty"`
}

// Breaker guards one named operation.
type Breaker struct {
	name  string
	cfg   BreakerConfig
	clock func() time.Time

	mu            sync.Mutex
	state         BreakerState
	failureCount  int
	successCount  int
	lastFailureAt time.Time
	openedAt      time.Time
	trialInFlight bool
}

// NewBreaker creates a closed breaker.
func NewBreaker(name string, cfg BreakerConfig, clock func() time.Time) *Breaker {
	def := DefaultBreakerConfig()
	if cfg.Threshold <= 0 {
		cfg.Threshold = def.Threshold
	}
	if cfg.Timeout <= 0 {
		cfg.Timeout = def.Timeout
	}
	if clock == nil {
		clock = time.Now
	}
	b := &Breaker{name: name, cfg: cfg, clock: clock}
	metrics.BreakerState.WithLabelValues(name).Set(float64(StateClosed))
	return b
}

// Allow reports whether a call may proceed. While open it returns
// ErrCircuitOpen until the timeout elapses, then admits exactly one
// half-open trial at a time.
func (b *Breaker) Allow() error {
	b.mu.Lock()
	defer b.mu.Unlock()

	switch b.state {
	case StateOpen:
		if b.clock().Sub(b.openedAt) < b.cfg.Timeout {
			return fmt.Errorf("%w: %s", ErrCircuitOpen, b.name)
		}
		b.setStateLocked(StateHalfOpen)
		b.trialInFlight = true
		return nil
	case StateHalfOpen:
		if b.trialInFlight {
			return fmt.Errorf("%w: %s (trial in flight)", ErrCircuitOpen, b.name)
		}
		b.trialInFlight = true
		return nil
	default:
		return nil
	}
}

// RecordSuccess closes a half-open breaker and resets the failure streak.
// A late success from a call admitted before the breaker opened does not
// close an open breaker.
func (b *Breaker) RecordSuccess() {
	b.mu.Lock()
	defer b.mu.Unlock()

	b.successCount++
	switch b.state {
	case StateHalfOpen:
		b.failureCount = 0
		b.trialInFlight = false
		b.setStateLocked(StateClosed)
	case StateClosed:
		b.failureCount = 0
	}
}

// RecordFailure counts a failure. A failed trial re-opens the breaker with a
// fresh timeout; in the closed state the breaker opens at the threshold.
func (b *Breaker) RecordFailure() {
	b.mu.Lock()
	defer b.mu.Unlock()

	now := b.clock()
	b.failureCount++
	b.lastFailureAt = now

	switch b.state {
	case StateHalfOpen:
		b.trialInFlight = false
		b.openedAt = now
		b.setStateLocked(StateOpen)
	case StateClosed:
		if b.failureCount >= b.cfg.Threshold {
			b.openedAt = now
			b.setStateLocked(StateOpen)
		}
	}
}

// Trip opens the breaker immediately (credential failures).
func (b *Breaker) Trip() {
	b.mu.Lock()
	defer b.mu.Unlock()

	now := b.clock()
	b.failureCount++
	b.lastFailureAt = now
	b.openedAt = now
	b.trialInFlight = false
	b.setStateLocked(StateOpen)
}

// Release gives back a half-open trial whose outcome says nothing about the
// operation (e.g. the caller's context was cancelled).
func (b *Breaker) Release() {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.trialInFlight = false
}

// State returns the current state.
func (b *Breaker) State() BreakerState {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.state
}

// Stats returns a snapshot of the breaker.
func (b *Breaker) Stats() BreakerStats {
	b.mu.Lock()
	defer b.mu.Unlock()
	return BreakerStats{
		Name:          b.name,
		State:         b.state.String(),
		FailureCount:  b.failureCount,
		SuccessCount:  b.successCount,
		LastFailureAt: b.lastFailureAt,
		OpenedAt:      b.openedAt,
	}
}

func (b *Breaker) setStateLocked(s BreakerState) {
	b.state = s
	metrics.BreakerState.WithLabelValues(b.name).Set(float64(s))
}

// BreakerRegistry lazily creates one breaker per operation name.
type BreakerRegistry struct {
	cfg   BreakerConfig
	clock func() time.Time

	mu       sync.Mutex
	breakers map[string]*Breaker
}

// NewBreakerRegistry creates an empty registry.
func NewBreakerRegistry(cfg BreakerConfig, clock func() time.Time) *BreakerRegistry {
	return &BreakerRegistry{
		cfg:      cfg,
		clock:    clock,
		breakers: make(map[string]*Breaker),
	}
}

// Get returns the breaker for name, creating it on first use.
func (r *BreakerRegistry) Get(name string) *Breaker {
	r.mu.Lock()
	defer r.mu.Unlock()

	b, ok := r.breakers[name]
	if !ok {
		b = NewBreaker(name, r.cfg, r.clock)
		r.breakers[name] = b
	}
	return b
}

// Stats returns stats for every breaker, sorted by name.
func (r *BreakerRegistry) Stats() []BreakerStats {
	r.mu.Lock()
	list := make([]*Breaker, 0, len(r.breakers))
	for _, b := range r.breakers {
		list = append(list, b)
	}
	r.mu.Unlock()

	out := make([]BreakerStats, 0, len(list))
	for _, b := range list {
		out = append(out, b.Stats())
	}
	sort.Slice(out, func(i, j int) bool { return out[i].Name < out[j].Name })
	return out
}
