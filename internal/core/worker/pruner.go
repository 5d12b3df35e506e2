package worker

import (
	"context"
	"log/slog"
	"time"

	"github.com/occamssword/fmp-data-system-sub000/internal/infra/storage"
)

// Pruner deletes old daily usage counters based on retention policy.
type Pruner struct {
	retention time.Duration
	usageRepo storage.UsageRepository
	log       *slog.Logger

	// Clock may be replaced before first use (tests).
	Clock func() time.Time
}

// NewPruner creates a new Pruner worker.
func NewPruner(retention time.Duration, usageRepo storage.UsageRepository, log *slog.Logger) *Pruner {
	if log == nil {
		log = slog.Default()
	}
	return &Pruner{
		retention: retention,
		usageRepo: usageRepo,
		log:       log.With("component", "pruner"),
	}
}

// Start runs the pruner loop.
func (p *Pruner) Start(ctx context.Context) {
	if p.retention <= 0 {
		return // Retention disabled
	}

	// Check every 10% of the retention period, between 1 minute and 1 hour
	interval := min(p.retention/10, 1*time.Hour)
	interval = max(interval, 1*time.Minute)

	ticker := time.NewTicker(interval)
	defer ticker.Stop()

	// Initial prune
	p.Prune(ctx)

	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			p.Prune(ctx)
		}
	}
}

// Prune removes usage counters older than the retention period.
func (p *Pruner) Prune(ctx context.Context) {
	now := time.Now()
	if p.Clock != nil {
		now = p.Clock()
	}
	threshold := now.UTC().Add(-p.retention)

	n, err := p.usageRepo.DeleteUsageBefore(ctx, threshold)
	if err != nil {
		p.log.Error("Failed to prune API usage", "error", err)
		return
	}
	if n > 0 {
		p.log.Info("Pruned API usage", "days", n, "before", threshold.Format("2006-01-02"))
	}
}
