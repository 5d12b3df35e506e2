// Package governor enforces the shared request budget against the metered API.
//
// The Governor is the only component that talks to the network. Every call
// first reserves a slot in a rolling window; callers that would exceed the
// per-window ceiling suspend until the oldest call in the window ages out.
// A rate-limit signal from the transport puts every caller into a cooldown.
package governor

import (
	"context"
	"errors"
	"log/slog"
	"net/url"
	"sync"
	"sync/atomic"
	"time"

	"github.com/occamssword/fmp-data-system-sub000/internal/core/apierror"
	"github.com/occamssword/fmp-data-system-sub000/internal/core/domain"
	"github.com/occamssword/fmp-data-system-sub000/internal/metrics"
)

// Transport performs a single upstream request.
type Transport interface {
	Get(ctx context.Context, endpoint string, params url.Values) ([]byte, error)
}

// UsageStore persists the daily call counter across restarts.
type UsageStore interface {
	AddUsage(ctx context.Context, day time.Time, delta int64) error
	GetUsage(ctx context.Context, day time.Time) (int64, error)
}

// Config holds budget settings.
type Config struct {
	MinuteLimit int           `yaml:"minute_limit"` // set below the provider's hard cap
	DailyLimit  int           `yaml:"daily_limit"`  // informational only
	Window      time.Duration `yaml:"window"`
	Cooldown    time.Duration `yaml:"cooldown"`
}

// DefaultConfig returns conservative defaults for a 300 calls/minute plan.
func DefaultConfig() Config {
	return Config{
		MinuteLimit: 250,
		DailyLimit:  0,
		Window:      time.Minute,
		Cooldown:    60 * time.Second,
	}
}

// Governor multiplexes callers onto one request budget.
type Governor struct {
	transport Transport
	usage     UsageStore
	cfg       Config
	log       *slog.Logger

	// Clock and Sleep may be replaced before first use (tests).
	Clock func() time.Time
	Sleep func(ctx context.Context, d time.Duration) error

	mu            sync.Mutex
	window        []time.Time
	cooldownUntil time.Time
	day           time.Time
	callsToday    int64
	pending       map[time.Time]int64
	dailyWarned   bool

	successCount atomic.Int64
	failureCount atomic.Int64

	// onReserve observes every reservation under the lock.
	onReserve func(at time.Time)
}

// New creates a governor. usage may be nil, in which case the daily counter
// lives in memory only.
func New(transport Transport, usage UsageStore, cfg Config, log *slog.Logger) *Governor {
	def := DefaultConfig()
	if cfg.MinuteLimit <= 0 {
		cfg.MinuteLimit = def.MinuteLimit
	}
	if cfg.Window <= 0 {
		cfg.Window = def.Window
	}
	if cfg.Cooldown <= 0 {
		cfg.Cooldown = def.Cooldown
	}
	if log == nil {
		log = slog.Default()
	}
	return &Governor{
		transport: transport,
		usage:     usage,
		cfg:       cfg,
		log:       log.With("component", "governor"),
		window:    make([]time.Time, 0, cfg.MinuteLimit),
		pending:   make(map[time.Time]int64),
	}
}

// MakeRequest waits for admission and performs the call.
// Errors from the transport are returned unchanged; a rate-limited response
// additionally starts a cooldown for every caller.
func (g *Governor) MakeRequest(ctx context.Context, endpoint string, params url.Values) ([]byte, error) {
	if err := g.acquire(ctx); err != nil {
		return nil, err
	}

	body, err := g.transport.Get(ctx, endpoint, params)
	if err != nil {
		g.failureCount.Add(1)
		var apiErr *apierror.Error
		if errors.As(err, &apiErr) && apiErr.Kind == apierror.KindRateLimited {
			g.enterCooldown(apiErr.RetryAfter)
		}
		return nil, err
	}

	g.successCount.Add(1)
	return body, nil
}

// acquire blocks until a slot in the window has been reserved.
func (g *Governor) acquire(ctx context.Context) error {
	var start time.Time
	for {
		wait := g.tryReserve()
		if wait <= 0 {
			if !start.IsZero() {
				metrics.GovernorWaitSeconds.Observe(g.now().Sub(start).Seconds())
			}
			return nil
		}
		if start.IsZero() {
			start = g.now()
			g.log.Debug("Request budget exhausted, waiting", "wait", wait)
		}
		if err := g.sleep(ctx, wait); err != nil {
			return err
		}
	}
}

// tryReserve reserves a slot and returns 0, or returns how long to wait
// before trying again. The wait is recomputed on every call.
func (g *Governor) tryReserve() time.Duration {
	g.mu.Lock()
	defer g.mu.Unlock()

	now := g.now()
	if now.Before(g.cooldownUntil) {
		return g.cooldownUntil.Sub(now)
	}

	g.pruneLocked(now)
	if len(g.window) >= g.cfg.MinuteLimit {
		return g.window[0].Add(g.cfg.Window).Sub(now)
	}

	g.window = append(g.window, now)
	g.countLocked(now)
	if g.onReserve != nil {
		g.onReserve(now)
	}
	metrics.GovernorCallsInWindow.Set(float64(len(g.window)))
	return 0
}

// pruneLocked drops timestamps that are no longer inside (now-Window, now].
func (g *Governor) pruneLocked(now time.Time) {
	cutoff := now.Add(-g.cfg.Window)
	i := 0
	for i < len(g.window) && !g.window[i].After(cutoff) {
		i++
	}
	if i > 0 {
		g.window = append(g.window[:0], g.window[i:]...)
	}
}

func (g *Governor) countLocked(now time.Time) {
	day := dayOf(now)
	if !day.Equal(g.day) {
		g.day = day
		g.callsToday = 0
		g.dailyWarned = false
	}
	g.callsToday++
	g.pending[day]++
	metrics.GovernorCallsToday.Set(float64(g.callsToday))

	if g.cfg.DailyLimit > 0 && g.callsToday > int64(g.cfg.DailyLimit) && !g.dailyWarned {
		g.dailyWarned = true
		g.log.Warn("Daily call figure exceeded configured limit",
			"calls_today", g.callsToday,
			"daily_limit", g.cfg.DailyLimit,
		)
	}
}

func (g *Governor) enterCooldown(retryAfter time.Duration) {
	d := g.cfg.Cooldown
	if retryAfter > d {
		d = retryAfter
	}

	g.mu.Lock()
	until := g.now().Add(d)
	extended := until.After(g.cooldownUntil)
	if extended {
		g.cooldownUntil = until
	}
	g.mu.Unlock()

	if extended {
		metrics.GovernorCooldowns.Inc()
		g.log.Warn("Provider rate limit signalled, cooling down", "cooldown", d)
	}
}

// Snapshot returns the current budget view.
func (g *Governor) Snapshot() domain.GovernorSnapshot {
	g.mu.Lock()
	defer g.mu.Unlock()

	now := g.now()
	g.pruneLocked(now)

	calls := len(g.window)
	remaining := g.cfg.MinuteLimit - calls
	if remaining < 0 {
		remaining = 0
	}
	today := g.callsToday
	if !dayOf(now).Equal(g.day) {
		today = 0
	}

	snap := domain.GovernorSnapshot{
		CallsInLastMinute:   calls,
		RemainingThisMinute: remaining,
		SuccessCount:        g.successCount.Load(),
		FailureCount:        g.failureCount.Load(),
		CallsToday:          today,
		DailyLimit:          g.cfg.DailyLimit,
		CoolingDown:         now.Before(g.cooldownUntil),
	}
	if snap.CoolingDown {
		snap.CooldownUntil = g.cooldownUntil
	}
	return snap
}

// TotalCalls returns the number of calls dispatched by this process.
func (g *Governor) TotalCalls() int64 {
	return g.successCount.Load() + g.failureCount.Load()
}

// Restore loads today's persisted call count so a restart does not reset it.
func (g *Governor) Restore(ctx context.Context) error {
	if g.usage == nil {
		return nil
	}
	day := dayOf(g.now())
	persisted, err := g.usage.GetUsage(ctx, day)
	if err != nil {
		return err
	}

	g.mu.Lock()
	defer g.mu.Unlock()
	if !day.Equal(g.day) {
		g.day = day
		g.callsToday = 0
	}
	g.callsToday += persisted
	metrics.GovernorCallsToday.Set(float64(g.callsToday))
	return nil
}

// FlushUsage writes unflushed daily counts to the usage store.
func (g *Governor) FlushUsage(ctx context.Context) error {
	if g.usage == nil {
		return nil
	}

	g.mu.Lock()
	pending := g.pending
	g.pending = make(map[time.Time]int64)
	g.mu.Unlock()

	var firstErr error
	for day, delta := range pending {
		if delta == 0 {
			continue
		}
		if err := g.usage.AddUsage(ctx, day, delta); err != nil {
			g.mu.Lock()
			g.pending[day] += delta
			g.mu.Unlock()
			if firstErr == nil {
				firstErr = err
			}
		}
	}
	return firstErr
}

// Run periodically logs the snapshot and flushes usage until ctx is done.
func (g *Governor) Run(ctx context.Context, interval time.Duration) {
	if interval <= 0 {
		interval = 30 * time.Second
	}
	ticker := time.NewTicker(interval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			flushCtx, cancel := context.WithTimeout(context.WithoutCancel(ctx), 5*time.Second)
			if err := g.FlushUsage(flushCtx); err != nil {
				g.log.Warn("Failed to flush API usage", "error", err)
			}
			cancel()
			return
		case <-ticker.C:
			snap := g.Snapshot()
			g.log.Info("Request budget",
				"calls_in_last_minute", snap.CallsInLastMinute,
				"remaining_this_minute", snap.RemainingThisMinute,
				"successful_calls", snap.SuccessCount,
				"failed_calls", snap.FailureCount,
				"calls_today", snap.CallsToday,
			)
			if err := g.FlushUsage(ctx); err != nil {
				g.log.Warn("Failed to flush API usage", "error", err)
			}
		}
	}
}

func (g *Governor) now() time.Time {
	if g.Clock != nil {
		return g.Clock()
	}
	return time.Now()
}

func (g *Governor) sleep(ctx context.Context, d time.Duration) error {
	if g.Sleep != nil {
		return g.Sleep(ctx, d)
	}
	timer := time.NewTimer(d)
	defer timer.Stop()
	select {
	case <-ctx.Done():
		return ctx.Err()
	case <-timer.C:
		return nil
	}
}

func dayOf(t time.Time) time.Time {
	t = t.UTC()
	return time.Date(t.Year(), t.Month(), t.Day(), 0, 0, 0, 0, time.UTC)
}
