package config

import (
	"time"

	"github.com/occamssword/fmp-data-system-sub000/internal/core/domain"
	"github.com/occamssword/fmp-data-system-sub000/internal/infra/api/governor"
	"github.com/occamssword/fmp-data-system-sub000/internal/infra/api/provider"
	redisclient "github.com/occamssword/fmp-data-system-sub000/internal/infra/redis"
	"github.com/occamssword/fmp-data-system-sub000/internal/infra/storage/postgres"
	"github.com/occamssword/fmp-data-system-sub000/internal/resilience"
)

// Run modes.
const (
	ModeIncremental = "incremental"
	ModeFull        = "full"
)

// Failed-job store backends.
const (
	BackendMemory   = "memory"
	BackendPostgres = "postgres"
	BackendRedis    = "redis"
)

// AppConfig represents the top-level configuration.
type AppConfig struct {
	Server       ServerConfig       `yaml:"server"`
	API          provider.Config    `yaml:"api"`
	Governor     governor.Config    `yaml:"governor"`
	Resilience   ResilienceConfig   `yaml:"resilience"`
	Orchestrator OrchestratorConfig `yaml:"orchestrator"`
	DataKinds    []domain.DataKind  `yaml:"data_kinds"`
	Database     postgres.Config    `yaml:"database"`
	Redis        redisclient.Config `yaml:"redis"`
	Logging      LoggingConfig      `yaml:"logging"`

	// SnapshotInterval controls how often the governor logs its budget and
	// flushes the daily counter.
	SnapshotInterval time.Duration `yaml:"snapshot_interval"`

	// UsageRetentionDays bounds how long daily counters are kept (0 = forever).
	UsageRetentionDays int `yaml:"usage_retention_days"`
}

// ServerConfig holds HTTP server settings.
type ServerConfig struct {
	Port int `yaml:"port"` // 0 disables the health server
}

// LoggingConfig holds logging configuration.
type LoggingConfig struct {
	Level string `yaml:"level"` // debug, info, warn, error
}

// ResilienceConfig holds retry, breaker and failed-job settings.
type ResilienceConfig struct {
	Breaker    resilience.BreakerConfig `yaml:"breaker"`
	Policies   resilience.Policies      `yaml:"policies"` // overrides per kind
	FailedJobs FailedJobsConfig         `yaml:"failed_jobs"`
}

// FailedJobsConfig configures the durable failed-job queue.
type FailedJobsConfig struct {
	Backend    string        `yaml:"backend"` // memory, postgres, redis
	BatchLimit int           `yaml:"batch_limit"`
	Interval   time.Duration `yaml:"interval"` // 0 disables the background processor
	RetryBase  time.Duration `yaml:"retry_base"`
	RetryMax   time.Duration `yaml:"retry_max"`
}

// Schedule returns the retry schedule for persisted failures.
func (c FailedJobsConfig) Schedule() domain.RetrySchedule {
	return domain.RetrySchedule{Base: c.RetryBase, Max: c.RetryMax}
}

// OrchestratorConfig holds run settings.
type OrchestratorConfig struct {
	BatchDelay time.Duration         `yaml:"batch_delay"`
	Modes      map[string]ModeConfig `yaml:"modes"`
}

// ModeConfig selects what a run mode processes.
type ModeConfig struct {
	Entities     []string `yaml:"entities"`
	LookbackDays int      `yaml:"lookback_days"` // 0 = full history
	BatchSize    int      `yaml:"batch_size"`
}

// Lookback returns the lookback window as a duration.
func (m ModeConfig) Lookback() time.Duration {
	return time.Duration(m.LookbackDays) * 24 * time.Hour
}
