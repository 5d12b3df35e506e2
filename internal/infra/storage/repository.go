package storage

import (
	"context"
	"errors"
	"time"

	"github.com/occamssword/fmp-data-system-sub000/internal/core/domain"
)

var (
	// ErrFailedJobNotFound is returned when a failed job doesn't exist
	ErrFailedJobNotFound = errors.New("failed job not found")
)

// RecordRepository is the downstream sink for fetched records
type RecordRepository interface {
	// UpsertBatch inserts records, overwriting rows with the same natural key
	UpsertBatch(ctx context.Context, records []domain.Record) (int, error)

	// Count returns the number of stored records of a kind ("" for all)
	Count(ctx context.Context, kind string) (int, error)
}

// FailedJobRepository handles the failed jobs queue
type FailedJobRepository interface {
	// RecordFailure upserts a failed job keyed by (job type, payload key)
	RecordFailure(ctx context.Context, report domain.FailureReport) (*domain.FailedJob, error)

	// Due retrieves up to limit jobs whose next retry time has passed
	Due(ctx context.Context, now time.Time, limit int) ([]*domain.FailedJob, error)

	// Resolve removes a failed job (successfully retried)
	Resolve(ctx context.Context, id string) error

	// ResolveMany removes several failed jobs at once
	ResolveMany(ctx context.Context, ids []string) error

	// GetAll retrieves all failed jobs
	GetAll(ctx context.Context) ([]*domain.FailedJob, error)

	// Count returns the count of failed jobs
	Count(ctx context.Context) (int, error)
}

// UsageRepository persists the daily API call counter
type UsageRepository interface {
	// AddUsage adds delta calls to the given UTC day
	AddUsage(ctx context.Context, day time.Time, delta int64) error

	// GetUsage returns the calls recorded for the given UTC day
	GetUsage(ctx context.Context, day time.Time) (int64, error)

	// DeleteUsageBefore removes counters for days before the given day
	DeleteUsageBefore(ctx context.Context, day time.Time) (int64, error)
}
