package resilience

import (
	"context"
	"fmt"
	"log/slog"
	"time"

	"github.com/occamssword/fmp-data-system-sub000/internal/core/domain"
	"github.com/occamssword/fmp-data-system-sub000/internal/metrics"
)

// FailedJobQueue is the durable failed-job store.
type FailedJobQueue interface {
	FailedJobStore

	// Due returns up to limit jobs with NextRetryAt <= now, ordered by
	// ErrorCount then NextRetryAt ascending.
	Due(ctx context.Context, now time.Time, limit int) ([]*domain.FailedJob, error)

	// Resolve removes a job after a successful retry.
	Resolve(ctx context.Context, id string) error
}

// JobHandler replays one failed job from its payload.
type JobHandler func(ctx context.Context, payload domain.Payload) error

// ProcessResult summarizes one pass over the failed-job queue.
type ProcessResult struct {
	Attempted int
	Resolved  int
	Failed    int
	Skipped   int
}

// FailedJobProcessor retries persisted failures out of band.
type FailedJobProcessor struct {
	queue    FailedJobQueue
	exec     *Executor
	handlers map[string]JobHandler
	limit    int
	log      *slog.Logger

	// Clock may be replaced before first use (tests).
	Clock func() time.Time
}

// DefaultProcessLimit bounds the number of jobs re-dispatched per pass.
const DefaultProcessLimit = 10

// NewFailedJobProcessor creates a processor.
func NewFailedJobProcessor(queue FailedJobQueue, exec *Executor, limit int, log *slog.Logger) *FailedJobProcessor {
	if limit <= 0 {
		limit = DefaultProcessLimit
	}
	if log == nil {
		log = slog.Default()
	}
	return &FailedJobProcessor{
		queue:    queue,
		exec:     exec,
		handlers: make(map[string]JobHandler),
		limit:    limit,
		log:      log.With("component", "failed-jobs"),
	}
}

// Register sets the handler for a job type. Not safe to call concurrently
// with Process.
func (p *FailedJobProcessor) Register(jobType string, h JobHandler) {
	p.handlers[jobType] = h
}

// Process re-dispatches one bounded slice of due jobs. Each job gets a single
// attempt; a failure updates the existing record through the executor.
func (p *FailedJobProcessor) Process(ctx context.Context) (ProcessResult, error) {
	var res ProcessResult

	jobs, err := p.queue.Due(ctx, p.now(), p.limit)
	if err != nil {
		return res, fmt.Errorf("failed to load due jobs: %w", err)
	}

	for _, job := range jobs {
		if err := ctx.Err(); err != nil {
			return res, err
		}

		handler, ok := p.handlers[job.JobType]
		if !ok {
			res.Skipped++
			p.log.Warn("No handler registered for failed job", "job_type", job.JobType, "job_id", job.ID)
			continue
		}

		res.Attempted++
		payload := job.Payload
		err := p.exec.execute(ctx, job.JobType, payload, 1, func(ctx context.Context) error {
			return handler(ctx, payload)
		})
		if err != nil {
			res.Failed++
			continue
		}

		if err := p.queue.Resolve(ctx, job.ID); err != nil {
			return res, fmt.Errorf("failed to resolve job %s: %w", job.ID, err)
		}
		res.Resolved++
		metrics.FailedJobsResolved.WithLabelValues(job.JobType).Inc()
		p.log.Info("Failed job resolved", "job_type", job.JobType, "job_id", job.ID, "error_count", job.ErrorCount)
	}

	return res, nil
}

// Run processes the queue every interval until ctx is cancelled.
func (p *FailedJobProcessor) Run(ctx context.Context, interval time.Duration) error {
	if interval <= 0 {
		interval = 5 * time.Minute
	}
	ticker := time.NewTicker(interval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-ticker.C:
			res, err := p.Process(ctx)
			if err != nil {
				p.log.Error("Failed job pass failed", "error", err)
				continue
			}
			if res.Attempted > 0 || res.Skipped > 0 {
				p.log.Info("Failed job pass complete",
					"attempted", res.Attempted,
					"resolved", res.Resolved,
					"failed", res.Failed,
					"skipped", res.Skipped,
				)
			}
		}
	}
}

func (p *FailedJobProcessor) now() time.Time {
	if p.Clock != nil {
		return p.Clock()
	}
	return time.Now()
}
