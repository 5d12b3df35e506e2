package metrics

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

var (
	// APICallsTotal tracks upstream calls per operation and outcome kind ("ok" on success)
	APICallsTotal = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "ingestor_api_calls_total",
			Help: "Total number of upstream API calls",
		},
		[]string{"operation", "result"},
	)

	// APILatency tracks upstream call latency
	APILatency = promauto.NewHistogramVec(
		prometheus.HistogramOpts{
			Name:    "ingestor_api_latency_seconds",
			Help:    "Upstream API call latency in seconds",
			Buckets: prometheus.DefBuckets,
		},
		[]string{"operation"},
	)

	// GovernorWaitSeconds tracks time spent suspended waiting for admission
	GovernorWaitSeconds = promauto.NewHistogram(
		prometheus.HistogramOpts{
			Name:    "ingestor_governor_wait_seconds",
			Help:    "Time callers spent waiting for request budget",
			Buckets: []float64{0.01, 0.1, 0.5, 1, 5, 15, 30, 60, 120},
		},
	)

	// GovernorCallsInWindow is the number of calls in the rolling window
	GovernorCallsInWindow = promauto.NewGauge(
		prometheus.GaugeOpts{
			Name: "ingestor_governor_calls_in_window",
			Help: "Calls dispatched within the current rolling window",
		},
	)

	// GovernorCallsToday is the informational daily call counter
	GovernorCallsToday = promauto.NewGauge(
		prometheus.GaugeOpts{
			Name: "ingestor_governor_calls_today",
			Help: "Calls dispatched since midnight UTC",
		},
	)

	// GovernorCooldowns counts rate-limit cooldowns entered
	GovernorCooldowns = promauto.NewCounter(
		prometheus.CounterOpts{
			Name: "ingestor_governor_cooldowns_total",
			Help: "Number of cooldowns triggered by provider rate limit signals",
		},
	)

	// RetriesTotal tracks inline retries per operation and error kind
	RetriesTotal = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "ingestor_retries_total",
			Help: "Total number of inline retries",
		},
		[]string{"operation", "kind"},
	)

	// BreakerState tracks circuit breaker state (0 closed, 1 half-open, 2 open)
	BreakerState = promauto.NewGaugeVec(
		prometheus.GaugeOpts{
			Name: "ingestor_breaker_state",
			Help: "Circuit breaker state per operation",
		},
		[]string{"operation"},
	)

	// BreakerRejections counts calls failed fast by an open breaker
	BreakerRejections = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "ingestor_breaker_rejections_total",
			Help: "Calls rejected by an open circuit breaker",
		},
		[]string{"operation"},
	)

	// FailedJobsRecorded counts failed-job upserts
	FailedJobsRecorded = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "ingestor_failed_jobs_recorded_total",
			Help: "Failed jobs persisted after exhausting retries",
		},
		[]string{"operation", "kind"},
	)

	// FailedJobsResolved counts failed jobs removed after a successful replay
	FailedJobsResolved = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "ingestor_failed_jobs_resolved_total",
			Help: "Failed jobs resolved by out-of-band retry",
		},
		[]string{"operation"},
	)

	// TasksTotal tracks orchestrator task outcomes
	TasksTotal = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "ingestor_tasks_total",
			Help: "Orchestrator tasks by data kind and result",
		},
		[]string{"kind", "result"},
	)

	// RecordsUpserted tracks rows written to the sink
	RecordsUpserted = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "ingestor_records_upserted_total",
			Help: "Records upserted into the warehouse",
		},
		[]string{"kind"},
	)

	// RunProgress is the completion percentage of the active run
	RunProgress = promauto.NewGaugeVec(
		prometheus.GaugeOpts{
			Name: "ingestor_run_progress_percent",
			Help: "Completion percentage of the current orchestrator run",
		},
		[]string{"mode"},
	)

	// DBConnectionPoolUsage tracks database pool usage percentage
	DBConnectionPoolUsage = promauto.NewGauge(
		prometheus.GaugeOpts{
			Name: "ingestor_db_connection_pool_usage_percent",
			Help: "Open connections as a percentage of the pool maximum",
		},
	)
)
