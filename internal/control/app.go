package control

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"sync"
	"time"

	"github.com/occamssword/fmp-data-system-sub000/internal/core/config"
	"github.com/occamssword/fmp-data-system-sub000/internal/core/domain"
	"github.com/occamssword/fmp-data-system-sub000/internal/core/worker"
	"github.com/occamssword/fmp-data-system-sub000/internal/health"
	"github.com/occamssword/fmp-data-system-sub000/internal/infra/api/governor"
	"github.com/occamssword/fmp-data-system-sub000/internal/infra/api/provider"
	redisclient "github.com/occamssword/fmp-data-system-sub000/internal/infra/redis"
	"github.com/occamssword/fmp-data-system-sub000/internal/infra/storage"
	"github.com/occamssword/fmp-data-system-sub000/internal/infra/storage/memory"
	"github.com/occamssword/fmp-data-system-sub000/internal/infra/storage/postgres"
	"github.com/occamssword/fmp-data-system-sub000/internal/ingest"
	"github.com/occamssword/fmp-data-system-sub000/internal/orchestrator"
	"github.com/occamssword/fmp-data-system-sub000/internal/resilience"
)

// App wires the governor, resilience layer and orchestrator together and
// manages their background loops.
type App struct {
	cfg *config.AppConfig
	log *slog.Logger

	db          *postgres.DB
	redisClient *redisclient.Client
	store       *memory.MemoryStorage

	records    storage.RecordRepository
	failedJobs storage.FailedJobRepository
	usage      storage.UsageRepository

	provider     *provider.HTTPProvider
	governor     *governor.Governor
	breakers     *resilience.BreakerRegistry
	executor     *resilience.Executor
	processor    *resilience.FailedJobProcessor
	ingester     *ingest.Ingester
	orchestrator *orchestrator.Orchestrator
	pruner       *worker.Pruner

	healthMon    *health.Monitor
	healthServer *health.Server

	cancel context.CancelFunc
	wg     sync.WaitGroup
}

// New creates an App with all dependencies initialized. It fails when the
// database, redis or usage counter cannot be set up.
func New(ctx context.Context, cfg *config.AppConfig) (*App, error) {
	a := &App{cfg: cfg, log: slog.Default()}

	// 1. Initialize Storage
	if err := a.initStorage(ctx); err != nil {
		a.close()
		return nil, err
	}

	// 2. Initialize Governor
	a.provider = provider.NewHTTPProvider(cfg.API)
	a.governor = governor.New(a.provider, a.usage, cfg.Governor, a.log)
	if err := a.governor.Restore(ctx); err != nil {
		a.close()
		return nil, fmt.Errorf("failed to restore API usage: %w", err)
	}

	// 3. Initialize Resilience Layer
	a.breakers = resilience.NewBreakerRegistry(cfg.Resilience.Breaker, nil)
	policies := resilience.DefaultPolicies().Merge(cfg.Resilience.Policies)
	a.executor = resilience.NewExecutor(a.breakers, policies, a.failedJobs, a.log)

	// 4. Initialize Ingestion
	a.ingester = ingest.New(a.governor, a.records, a.executor, cfg.DataKinds, a.log)
	a.processor = resilience.NewFailedJobProcessor(
		a.failedJobs,
		a.executor,
		cfg.Resilience.FailedJobs.BatchLimit,
		a.log,
	)
	a.ingester.Register(a.processor)
	a.orchestrator = orchestrator.New(a.ingester, a.governor, a.log)

	if cfg.UsageRetentionDays > 0 {
		a.pruner = worker.NewPruner(time.Duration(cfg.UsageRetentionDays)*24*time.Hour, a.usage, a.log)
	}

	// 5. Initialize Health Monitor
	a.healthMon = &health.Monitor{
		Components: make(map[string]health.Pinger),
		Governor:   a.governor,
		Breakers:   a.breakers,
		FailedJobs: a.failedJobs,
		Run:        a.orchestrator,
	}
	if a.db != nil {
		a.healthMon.Components["database"] = a.db
	}
	if a.redisClient != nil {
		a.healthMon.Components["redis"] = a.redisClient
	}
	if cfg.Server.Port > 0 {
		a.healthServer = health.NewServer(a.healthMon, cfg.Server.Port)
	}

	return a, nil
}

func (a *App) initStorage(ctx context.Context) error {
	cfg := a.cfg

	if cfg.Database.URL != "" {
		db, err := postgres.NewDB(ctx, cfg.Database)
		if err != nil {
			return fmt.Errorf("failed to init db: %w", err)
		}
		a.db = db

		if err := db.Migrate(ctx); err != nil {
			return fmt.Errorf("failed to migrate db: %w", err)
		}

		a.records = postgres.NewRecordRepo(db)
		a.usage = postgres.NewUsageRepo(db)
		a.log.Info("Using PostgreSQL storage")
	} else {
		a.store = memory.NewMemoryStorage()
		a.records = memory.NewRecordRepo(a.store)
		a.usage = memory.NewUsageRepo(a.store)
		a.log.Warn("No database configured, using memory storage (dry run)")
	}

	if cfg.Redis.URL != "" {
		client, err := redisclient.NewClient(cfg.Redis)
		if err != nil {
			return fmt.Errorf("failed to init redis: %w", err)
		}
		a.redisClient = client
	}

	schedule := cfg.Resilience.FailedJobs.Schedule()
	switch cfg.Resilience.FailedJobs.Backend {
	case config.BackendRedis:
		if a.redisClient == nil {
			return fmt.Errorf("failed_jobs backend redis requires redis.url")
		}
		a.failedJobs = redisclient.NewFailedJobRepo(a.redisClient, schedule)
		// The daily counter follows the failed-job store when no database is configured.
		if a.db == nil {
			a.usage = redisclient.NewUsageRepo(a.redisClient)
		}
	case config.BackendPostgres:
		if a.db == nil {
			return fmt.Errorf("failed_jobs backend postgres requires database.url")
		}
		a.failedJobs = postgres.NewFailedJobRepo(a.db, schedule)
	default:
		if a.store == nil {
			a.store = memory.NewMemoryStorage()
		}
		a.failedJobs = memory.NewFailedJobRepo(a.store, schedule)
	}
	a.log.Info("Failed job queue ready", "backend", cfg.Resilience.FailedJobs.Backend)
	return nil
}

// Start starts the health server and background loops, including the
// failed-job processor. They stop on Stop or when ctx is cancelled.
func (a *App) Start(ctx context.Context) {
	a.start(ctx, true)
}

// StartRun starts the same loops as Start except the failed-job processor, so
// a run's request count covers only the run's own tasks.
func (a *App) StartRun(ctx context.Context) {
	a.start(ctx, false)
}

func (a *App) start(ctx context.Context, replay bool) {
	ctx, a.cancel = context.WithCancel(ctx)

	// Start Health Server
	if a.healthServer != nil {
		a.goBackground(func() {
			if err := a.healthServer.Start(); err != nil && !errors.Is(err, http.ErrServerClosed) {
				a.log.Error("Health server failed", "error", err)
			}
		})
	}

	// Start DB Metrics Collector
	if a.db != nil {
		a.db.StartMetricsCollector(ctx)
	}

	a.goBackground(func() { a.governor.Run(ctx, a.cfg.SnapshotInterval) })

	if interval := a.cfg.Resilience.FailedJobs.Interval; replay && interval > 0 {
		a.goBackground(func() {
			if err := a.processor.Run(ctx, interval); err != nil && !errors.Is(err, context.Canceled) {
				a.log.Error("Failed job processor stopped", "error", err)
			}
		})
	}

	if a.pruner != nil {
		a.goBackground(func() { a.pruner.Start(ctx) })
	}
}

func (a *App) goBackground(fn func()) {
	a.wg.Add(1)
	go func() {
		defer a.wg.Done()
		fn()
	}()
}

// RunMode runs one orchestrator pass for the named mode. lookbackDays >= 0
// overrides the configured lookback.
func (a *App) RunMode(ctx context.Context, mode string, lookbackDays int) (domain.FinalSummary, error) {
	modeCfg, err := a.cfg.Mode(mode)
	if err != nil {
		return domain.FinalSummary{}, err
	}
	if lookbackDays >= 0 {
		modeCfg.LookbackDays = lookbackDays
	}

	summary := a.orchestrator.Run(ctx, modeCfg.Entities, a.cfg.DataKinds, orchestrator.Config{
		Mode:       mode,
		BatchSize:  modeCfg.BatchSize,
		BatchDelay: a.cfg.Orchestrator.BatchDelay,
		Lookback:   modeCfg.Lookback(),
	})
	return summary, nil
}

// RetryFailed runs one pass over the failed-job queue.
func (a *App) RetryFailed(ctx context.Context) (resilience.ProcessResult, error) {
	return a.processor.Process(ctx)
}

// StatusInfo is the offline status view used by the status command.
type StatusInfo struct {
	FailedJobs   []*domain.FailedJob
	CallsToday   int64
	DailyLimit   int
	MinuteLimit  int
	StoreBackend string
}

// Status reports the failed-job queue and today's API usage.
func (a *App) Status(ctx context.Context) (StatusInfo, error) {
	jobs, err := a.failedJobs.GetAll(ctx)
	if err != nil {
		return StatusInfo{}, fmt.Errorf("failed to list failed jobs: %w", err)
	}
	snap := a.governor.Snapshot()
	return StatusInfo{
		FailedJobs:   jobs,
		CallsToday:   snap.CallsToday,
		DailyLimit:   a.cfg.Governor.DailyLimit,
		MinuteLimit:  a.cfg.Governor.MinuteLimit,
		StoreBackend: a.cfg.Resilience.FailedJobs.Backend,
	}, nil
}

// Governor returns the request governor.
func (a *App) Governor() *governor.Governor {
	return a.governor
}

// Stop stops background loops, flushes the usage counter and closes connections.
func (a *App) Stop(ctx context.Context) error {
	a.log.Info("Stopping ingestor...")

	var errs []error
	if a.healthServer != nil {
		if err := a.healthServer.Stop(ctx); err != nil {
			errs = append(errs, fmt.Errorf("health server: %w", err))
		}
	}
	if a.cancel != nil {
		a.cancel()
	}
	a.wg.Wait()

	if err := a.governor.FlushUsage(ctx); err != nil {
		errs = append(errs, fmt.Errorf("flush usage: %w", err))
	}

	a.close()
	return errors.Join(errs...)
}

func (a *App) close() {
	if a.provider != nil {
		_ = a.provider.Close()
	}
	if a.redisClient != nil {
		if err := a.redisClient.Close(); err != nil {
			a.log.Warn("Failed to close Redis", "error", err)
		}
		a.redisClient = nil
	}
	if a.db != nil {
		if err := a.db.Close(); err != nil {
			a.log.Warn("Failed to close database", "error", err)
		}
		a.db = nil
	}
}
