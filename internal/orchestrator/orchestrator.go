// Package orchestrator splits a run into batches of (entity, kind) tasks,
// runs each batch concurrently and reports progress.
package orchestrator

import (
	"context"
	"log/slog"
	"sync"
	"time"

	"github.com/google/uuid"
	"golang.org/x/sync/errgroup"

	"github.com/occamssword/fmp-data-system-sub000/internal/core/domain"
	"github.com/occamssword/fmp-data-system-sub000/internal/metrics"
	"github.com/occamssword/fmp-data-system-sub000/internal/resilience"
)

// TaskRunner executes one task. Failures are values; they never abort a run.
type TaskRunner interface {
	Ingest(ctx context.Context, task domain.Task) (int, error)
}

// CallCounter reports the total upstream calls issued (the governor). Runs
// report the difference between the counter at start and at the end, so any
// other caller sharing the counter during a run is included.
type CallCounter interface {
	TotalCalls() int64
}

// Config controls one run.
type Config struct {
	Mode       string
	BatchSize  int
	BatchDelay time.Duration
	// Lookback sets each task's From to now-Lookback. Zero fetches full history.
	Lookback time.Duration
}

// DefaultConfig returns the default incremental settings.
func DefaultConfig() Config {
	return Config{
		Mode:       "incremental",
		BatchSize:  10,
		BatchDelay: time.Second,
	}
}

// ProgressFunc receives a copy of the progress after every task.
type ProgressFunc func(domain.BatchProgress)

// Orchestrator runs batches of ingestion tasks.
type Orchestrator struct {
	runner TaskRunner
	calls  CallCounter
	log    *slog.Logger

	// Clock and Sleep may be replaced before first use (tests).
	Clock func() time.Time
	Sleep func(ctx context.Context, d time.Duration) error

	// OnProgress is optional.
	OnProgress ProgressFunc

	mu         sync.Mutex
	progress   domain.BatchProgress
	running    bool
	startCalls int64
}

// New creates an orchestrator. calls may be nil.
func New(runner TaskRunner, calls CallCounter, log *slog.Logger) *Orchestrator {
	if log == nil {
		log = slog.Default()
	}
	return &Orchestrator{
		runner: runner,
		calls:  calls,
		log:    log.With("component", "orchestrator"),
	}
}

// Run processes every (entity, kind) pair and always returns a summary.
// Cancellation of ctx is observed only between batches; tasks already
// started finish with a context detached from ctx.
func (o *Orchestrator) Run(
	ctx context.Context,
	entities []string,
	kinds []domain.DataKind,
	cfg Config,
) domain.FinalSummary {
	def := DefaultConfig()
	if cfg.BatchSize <= 0 {
		cfg.BatchSize = def.BatchSize
	}
	if cfg.BatchDelay < 0 {
		cfg.BatchDelay = 0
	}
	if cfg.Mode == "" {
		cfg.Mode = def.Mode
	}

	start := o.now()
	startCalls := o.totalCalls()
	summary := domain.FinalSummary{RunID: uuid.NewString(), Mode: cfg.Mode}

	o.mu.Lock()
	o.progress = domain.BatchProgress{
		TotalTasks: len(entities) * len(kinds),
		StartTime:  start,
	}
	o.startCalls = startCalls
	o.running = true
	o.mu.Unlock()
	defer func() {
		o.mu.Lock()
		o.running = false
		o.mu.Unlock()
	}()

	var from time.Time
	if cfg.Lookback > 0 {
		from = start.Add(-cfg.Lookback).Truncate(24 * time.Hour)
	}

	o.log.Info("Run started",
		"run_id", summary.RunID,
		"mode", cfg.Mode,
		"entities", len(entities),
		"kinds", len(kinds),
		"tasks", len(entities)*len(kinds),
		"batch_size", cfg.BatchSize,
	)

	categories := make(map[string]struct{})
	var catMu sync.Mutex
	batches := chunk(entities, cfg.BatchSize)
	processed := 0

	for i, batch := range batches {
		if i > 0 {
			if ctx.Err() != nil {
				summary.Cancelled = true
				break
			}
			if err := o.sleep(ctx, cfg.BatchDelay); err != nil {
				summary.Cancelled = true
				break
			}
		}
		if ctx.Err() != nil {
			summary.Cancelled = true
			break
		}

		// Tasks run to completion even if the run is cancelled mid-batch.
		taskCtx := context.WithoutCancel(ctx)
		g, gctx := errgroup.WithContext(taskCtx)
		g.SetLimit(cfg.BatchSize)

		for _, entity := range batch {
			for _, kind := range kinds {
				task := domain.Task{Entity: entity, Kind: kind, From: from, To: start}
				g.Go(func() error {
					if _, err := o.runner.Ingest(gctx, task); err != nil {
						o.recordFailure(task, err, cfg.Mode)
						return nil
					}
					catMu.Lock()
					categories[task.Kind.Name] = struct{}{}
					catMu.Unlock()
					o.recordSuccess(task, cfg.Mode)
					return nil
				})
			}
		}
		_ = g.Wait()
		processed += len(batch)

		p := o.Progress()
		o.log.Info("Batch complete",
			"run_id", summary.RunID,
			"batch", i+1,
			"batches", len(batches),
			"completed", p.CompletedTasks,
			"total", p.TotalTasks,
			"failed", p.FailedTasks,
			"percent", p.Percent(),
			"eta", p.ETA(o.now()).Round(time.Second),
		)
	}

	p := o.Progress()
	summary.Elapsed = o.now().Sub(start)
	summary.TotalRequests = o.totalCalls() - startCalls
	o.mu.Lock()
	o.progress.APICallsUsed = summary.TotalRequests
	o.mu.Unlock()
	summary.Successful = p.SuccessfulTasks
	summary.Failed = p.FailedTasks
	summary.CategoriesUpdated = domain.SortedCategories(categories)
	summary.SymbolsProcessed = processed

	o.log.Info("Run finished",
		"run_id", summary.RunID,
		"mode", summary.Mode,
		"duration_minutes", summary.DurationMinutes(),
		"requests", summary.TotalRequests,
		"successful", summary.Successful,
		"failed", summary.Failed,
		"symbols", summary.SymbolsProcessed,
		"categories", summary.CategoriesUpdated,
		"cancelled", summary.Cancelled,
	)
	return summary
}

// Progress returns a copy of the current (or last) run's progress.
func (o *Orchestrator) Progress() domain.BatchProgress {
	o.mu.Lock()
	defer o.mu.Unlock()
	p := o.progress.Clone()
	p.APICallsUsed = o.callsUsedLocked()
	return p
}

// Running reports whether a run is in progress.
func (o *Orchestrator) Running() bool {
	o.mu.Lock()
	defer o.mu.Unlock()
	return o.running
}

func (o *Orchestrator) recordSuccess(task domain.Task, mode string) {
	metrics.TasksTotal.WithLabelValues(task.Kind.Name, "success").Inc()
	o.update(mode, func(p *domain.BatchProgress) {
		p.CompletedTasks++
		p.SuccessfulTasks++
	})
}

func (o *Orchestrator) recordFailure(task domain.Task, err error, mode string) {
	kind := resilience.Classify(err)
	if gu, ok := resilience.IsGiveUp(err); ok {
		kind = gu.Kind
	}
	metrics.TasksTotal.WithLabelValues(task.Kind.Name, "failure").Inc()
	o.log.Warn("Task failed", "task", task.String(), "kind", kind, "error", err)

	o.update(mode, func(p *domain.BatchProgress) {
		p.CompletedTasks++
		p.FailedTasks++
		p.AddError(domain.TaskError{
			Task:  task.String(),
			Kind:  string(kind),
			Error: err.Error(),
			At:    o.now(),
		})
	})
}

func (o *Orchestrator) update(mode string, fn func(p *domain.BatchProgress)) {
	o.mu.Lock()
	fn(&o.progress)
	p := o.progress.Clone()
	p.APICallsUsed = o.callsUsedLocked()
	o.mu.Unlock()

	metrics.RunProgress.WithLabelValues(mode).Set(p.Percent())
	if o.OnProgress != nil {
		o.OnProgress(p)
	}
}

// callsUsedLocked returns the calls made since the current run started. After
// a run ends the value is frozen at the run's total.
func (o *Orchestrator) callsUsedLocked() int64 {
	if !o.running {
		return o.progress.APICallsUsed
	}
	return o.totalCalls() - o.startCalls
}

func (o *Orchestrator) totalCalls() int64 {
	if o.calls == nil {
		return 0
	}
	return o.calls.TotalCalls()
}

func (o *Orchestrator) now() time.Time {
	if o.Clock != nil {
		return o.Clock()
	}
	return time.Now()
}

func (o *Orchestrator) sleep(ctx context.Context, d time.Duration) error {
	if o.Sleep != nil {
		return o.Sleep(ctx, d)
	}
	if d <= 0 {
		return ctx.Err()
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

func chunk(items []string, size int) [][]string {
	var out [][]string
	for size < len(items) {
		items, out = items[size:], append(out, items[:size:size])
	}
	if len(items) > 0 {
		out = append(out, items)
	}
	return out
}
