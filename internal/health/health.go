// Package health provides system health monitoring and status reporting.
package health

import (
	"time"

	"github.com/occamssword/fmp-data-system-sub000/internal/core/domain"
	"github.com/occamssword/fmp-data-system-sub000/internal/resilience"
)

// SystemStatus represents the overall health state of the system or a component.
type SystemStatus string

const (
	StatusHealthy  SystemStatus = "healthy"
	StatusDegraded SystemStatus = "degraded"
	StatusCritical SystemStatus = "critical"
)

// RunStatus describes the current or last orchestrator run.
type RunStatus struct {
	Running  bool                 `json:"running"`
	Progress domain.BatchProgress `json:"progress"`
	Percent  float64              `json:"percent"`
	ETA      string               `json:"eta"`
}

// StatusReport contains the full system status.
type StatusReport struct {
	SystemStatus SystemStatus              `json:"system_status"`
	CheckedAt    time.Time                 `json:"checked_at"`
	Components   map[string]SystemStatus   `json:"components"`
	Governor     *domain.GovernorSnapshot  `json:"governor,omitempty"`
	Breakers     []resilience.BreakerStats `json:"breakers"`
	FailedJobs   int                       `json:"failed_jobs"`
	Run          *RunStatus                `json:"run,omitempty"`
}
