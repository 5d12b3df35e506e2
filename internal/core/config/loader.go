package config

import (
	"errors"
	"fmt"
	"os"
	"strings"
	"time"

	"gopkg.in/yaml.v2"

	"github.com/occamssword/fmp-data-system-sub000/internal/core/domain"
	"github.com/occamssword/fmp-data-system-sub000/internal/infra/api/governor"
	"github.com/occamssword/fmp-data-system-sub000/internal/resilience"
)

// Load reads configuration from a YAML file.
func Load(path string) (*AppConfig, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("failed to read config file: %w", err)
	}

	var cfg AppConfig
	// Expand environment variables in the YAML content
	expandedData := os.ExpandEnv(string(data))
	if err := yaml.Unmarshal([]byte(expandedData), &cfg); err != nil {
		return nil, fmt.Errorf("failed to parse config file: %w", err)
	}

	applyDefaults(&cfg)

	if err := cfg.Validate(); err != nil {
		return nil, fmt.Errorf("invalid config: %w", err)
	}
	return &cfg, nil
}

func applyDefaults(cfg *AppConfig) {
	if cfg.API.BaseURL == "" {
		cfg.API.BaseURL = "https://financialmodelingprep.com/api/v3"
	}
	if cfg.API.Timeout == 0 {
		cfg.API.Timeout = 30 * time.Second
	}

	gov := governor.DefaultConfig()
	if cfg.Governor.MinuteLimit == 0 {
		cfg.Governor.MinuteLimit = gov.MinuteLimit
	}
	if cfg.Governor.Window == 0 {
		cfg.Governor.Window = gov.Window
	}
	if cfg.Governor.Cooldown == 0 {
		cfg.Governor.Cooldown = gov.Cooldown
	}

	br := resilience.DefaultBreakerConfig()
	if cfg.Resilience.Breaker.Threshold == 0 {
		cfg.Resilience.Breaker.Threshold = br.Threshold
	}
	if cfg.Resilience.Breaker.Timeout == 0 {
		cfg.Resilience.Breaker.Timeout = br.Timeout
	}

	fj := &cfg.Resilience.FailedJobs
	if fj.Backend == "" {
		fj.Backend = BackendPostgres
		if cfg.Database.URL == "" {
			fj.Backend = BackendMemory
		}
	}
	if fj.BatchLimit == 0 {
		fj.BatchLimit = resilience.DefaultProcessLimit
	}
	if fj.RetryBase == 0 {
		fj.RetryBase = domain.DefaultRetrySchedule.Base
	}
	if fj.RetryMax == 0 {
		fj.RetryMax = domain.DefaultRetrySchedule.Max
	}

	if cfg.Orchestrator.BatchDelay == 0 {
		cfg.Orchestrator.BatchDelay = time.Second
	}
	for name, mode := range cfg.Orchestrator.Modes {
		if mode.BatchSize == 0 {
			mode.BatchSize = 10
		}
		cfg.Orchestrator.Modes[name] = mode
	}

	if cfg.Logging.Level == "" {
		cfg.Logging.Level = "info"
	}
	if cfg.SnapshotInterval == 0 {
		cfg.SnapshotInterval = time.Minute
	}
}

// Validate reports configuration that would make a run meaningless.
func (c *AppConfig) Validate() error {
	var errs []error

	if c.Governor.MinuteLimit < 0 {
		errs = append(errs, fmt.Errorf("governor.minute_limit must be positive"))
	}
	if len(c.DataKinds) == 0 {
		errs = append(errs, fmt.Errorf("data_kinds must not be empty"))
	}
	seen := make(map[string]bool, len(c.DataKinds))
	for i, k := range c.DataKinds {
		if k.Name == "" || k.Endpoint == "" {
			errs = append(errs, fmt.Errorf("data_kinds[%d]: name and endpoint are required", i))
		}
		if seen[k.Name] {
			errs = append(errs, fmt.Errorf("data_kinds[%d]: duplicate name %q", i, k.Name))
		}
		seen[k.Name] = true
	}

	switch c.Resilience.FailedJobs.Backend {
	case BackendMemory:
	case BackendPostgres:
		if c.Database.URL == "" {
			errs = append(errs, fmt.Errorf("failed_jobs backend %q requires database.url", BackendPostgres))
		}
	case BackendRedis:
		if c.Redis.URL == "" {
			errs = append(errs, fmt.Errorf("failed_jobs backend %q requires redis.url", BackendRedis))
		}
	default:
		errs = append(errs, fmt.Errorf("unknown failed_jobs backend %q", c.Resilience.FailedJobs.Backend))
	}

	return errors.Join(errs...)
}

// Mode returns the settings for a run mode.
func (c *AppConfig) Mode(name string) (ModeConfig, error) {
	mode, ok := c.Orchestrator.Modes[strings.ToLower(name)]
	if !ok {
		return ModeConfig{}, fmt.Errorf("unknown mode %q", name)
	}
	if len(mode.Entities) == 0 {
		return ModeConfig{}, fmt.Errorf("mode %q has no entities", name)
	}
	return mode, nil
}
