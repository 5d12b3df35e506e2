package health

import (
	"context"
	"log/slog"
	"sync"
	"time"

	"github.com/occamssword/fmp-data-system-sub000/internal/core/domain"
	"github.com/occamssword/fmp-data-system-sub000/internal/resilience"
)

// Pinger is a dependency that can report its own health.
type Pinger interface {
	Health(ctx context.Context) error
}

// SnapshotSource exposes the request budget (the governor).
type SnapshotSource interface {
	Snapshot() domain.GovernorSnapshot
}

// BreakerSource exposes circuit breaker state.
type BreakerSource interface {
	Stats() []resilience.BreakerStats
}

// FailedJobCounter counts queued failed jobs.
type FailedJobCounter interface {
	Count(ctx context.Context) (int, error)
}

// ProgressSource exposes orchestrator progress.
type ProgressSource interface {
	Progress() domain.BatchProgress
	Running() bool
}

// Monitor aggregates health status from various system components.
// Any nil source is skipped.
type Monitor struct {
	Components map[string]Pinger
	Governor   SnapshotSource
	Breakers   BreakerSource
	FailedJobs FailedJobCounter
	Run        ProgressSource

	lastCheck  time.Time
	lastReport *StatusReport
	mu         sync.Mutex
}

// CheckHealth builds a status report. Results are cached for a few seconds
// to keep dependency pings off the hot path.
func (m *Monitor) CheckHealth(ctx context.Context) StatusReport {
	m.mu.Lock()
	defer m.mu.Unlock()

	now := time.Now()
	if m.lastReport != nil && now.Sub(m.lastCheck) < 2*time.Second {
		return *m.lastReport
	}

	report := StatusReport{
		SystemStatus: StatusHealthy,
		CheckedAt:    now,
		Components:   make(map[string]SystemStatus, len(m.Components)),
	}

	for name, p := range m.Components {
		pingCtx, cancel := context.WithTimeout(ctx, 2*time.Second)
		err := p.Health(pingCtx)
		cancel()
		if err != nil {
			slog.Warn("Health check failed", "component", name, "error", err)
			report.Components[name] = StatusCritical
			report.SystemStatus = StatusCritical
			continue
		}
		report.Components[name] = StatusHealthy
	}

	if m.Governor != nil {
		snap := m.Governor.Snapshot()
		report.Governor = &snap
		if snap.CoolingDown {
			report.degrade()
		}
	}

	if m.Breakers != nil {
		report.Breakers = m.Breakers.Stats()
		for _, b := range report.Breakers {
			if b.State != resilience.StateClosed.String() {
				report.degrade()
			}
		}
	}

	if m.FailedJobs != nil {
		n, err := m.FailedJobs.Count(ctx)
		if err != nil {
			slog.Warn("Failed to count failed jobs", "error", err)
			report.degrade()
		}
		report.FailedJobs = n
	}

	if m.Run != nil {
		p := m.Run.Progress()
		report.Run = &RunStatus{
			Running:  m.Run.Running(),
			Progress: p,
			Percent:  p.Percent(),
			ETA:      p.ETA(now).Round(time.Second).String(),
		}
	}

	m.lastCheck = now
	m.lastReport = &report
	return report
}

func (r *StatusReport) degrade() {
	if r.SystemStatus == StatusHealthy {
		r.SystemStatus = StatusDegraded
	}
}
