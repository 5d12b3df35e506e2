package memory

import (
	"context"
	"sort"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/occamssword/fmp-data-system-sub000/internal/core/domain"
	"github.com/occamssword/fmp-data-system-sub000/internal/infra/storage"
)

type recordKey struct {
	entity string
	kind   string
	ts     int64
	period string
}

type failedKey struct {
	jobType    string
	payloadKey string
}

// MemoryStorage backs the in-memory repositories. Used for dry runs and tests.
type MemoryStorage struct {
	records map[recordKey]domain.Record
	failed  map[failedKey]*domain.FailedJob
	usage   map[time.Time]int64
	mu      sync.RWMutex
}

func NewMemoryStorage() *MemoryStorage {
	return &MemoryStorage{
		records: make(map[recordKey]domain.Record),
		failed:  make(map[failedKey]*domain.FailedJob),
		usage:   make(map[time.Time]int64),
	}
}

// -----------------------------------------------------------------------------
// Record Repository
// -----------------------------------------------------------------------------

type RecordRepo struct {
	store *MemoryStorage
}

func NewRecordRepo(store *MemoryStorage) *RecordRepo {
	return &RecordRepo{store: store}
}

func (r *RecordRepo) UpsertBatch(ctx context.Context, records []domain.Record) (int, error) {
	r.store.mu.Lock()
	defer r.store.mu.Unlock()
	for _, rec := range records {
		key := recordKey{rec.Entity, rec.Kind, rec.Timestamp.UTC().UnixNano(), rec.Period}
		r.store.records[key] = rec
	}
	return len(records), nil
}

func (r *RecordRepo) Count(ctx context.Context, kind string) (int, error) {
	r.store.mu.RLock()
	defer r.store.mu.RUnlock()
	if kind == "" {
		return len(r.store.records), nil
	}
	n := 0
	for k := range r.store.records {
		if k.kind == kind {
			n++
		}
	}
	return n, nil
}

// Get returns the stored record for a natural key.
func (r *RecordRepo) Get(entity, kind string, ts time.Time, period string) (domain.Record, bool) {
	r.store.mu.RLock()
	defer r.store.mu.RUnlock()
	rec, ok := r.store.records[recordKey{entity, kind, ts.UTC().UnixNano(), period}]
	return rec, ok
}

// -----------------------------------------------------------------------------
// Failed Job Repository
// -----------------------------------------------------------------------------

type FailedJobRepo struct {
	store    *MemoryStorage
	schedule domain.RetrySchedule
}

func NewFailedJobRepo(store *MemoryStorage, schedule domain.RetrySchedule) *FailedJobRepo {
	return &FailedJobRepo{store: store, schedule: schedule}
}

func (r *FailedJobRepo) RecordFailure(ctx context.Context, report domain.FailureReport) (*domain.FailedJob, error) {
	r.store.mu.Lock()
	defer r.store.mu.Unlock()

	at := report.At
	if at.IsZero() {
		at = time.Now()
	}
	key := failedKey{report.JobType, report.Payload.Key()}

	job, ok := r.store.failed[key]
	if !ok {
		job = &domain.FailedJob{
			ID:         uuid.NewString(),
			JobType:    report.JobType,
			Payload:    clonePayload(report.Payload),
			PayloadKey: key.payloadKey,
			CreatedAt:  at,
		}
		r.store.failed[key] = job
	}
	job.ErrorCount++
	job.ErrorKind = report.ErrorKind
	job.ErrorMessage = report.Error
	job.LastErrorAt = at
	job.NextRetryAt = r.schedule.Next(at, job.ErrorCount)

	c := *job
	return &c, nil
}

func (r *FailedJobRepo) Due(ctx context.Context, now time.Time, limit int) ([]*domain.FailedJob, error) {
	r.store.mu.RLock()
	defer r.store.mu.RUnlock()

	var due []*domain.FailedJob
	for _, job := range r.store.failed {
		if !job.NextRetryAt.After(now) {
			c := *job
			due = append(due, &c)
		}
	}
	sortDue(due)
	if limit > 0 && len(due) > limit {
		due = due[:limit]
	}
	return due, nil
}

func (r *FailedJobRepo) Resolve(ctx context.Context, id string) error {
	r.store.mu.Lock()
	defer r.store.mu.Unlock()
	for k, job := range r.store.failed {
		if job.ID == id {
			delete(r.store.failed, k)
			return nil
		}
	}
	return storage.ErrFailedJobNotFound
}

func (r *FailedJobRepo) ResolveMany(ctx context.Context, ids []string) error {
	set := make(map[string]struct{}, len(ids))
	for _, id := range ids {
		set[id] = struct{}{}
	}
	r.store.mu.Lock()
	defer r.store.mu.Unlock()
	for k, job := range r.store.failed {
		if _, ok := set[job.ID]; ok {
			delete(r.store.failed, k)
		}
	}
	return nil
}

func (r *FailedJobRepo) GetAll(ctx context.Context) ([]*domain.FailedJob, error) {
	r.store.mu.RLock()
	defer r.store.mu.RUnlock()
	out := make([]*domain.FailedJob, 0, len(r.store.failed))
	for _, job := range r.store.failed {
		c := *job
		out = append(out, &c)
	}
	sortDue(out)
	return out, nil
}

func (r *FailedJobRepo) Count(ctx context.Context) (int, error) {
	r.store.mu.RLock()
	defer r.store.mu.RUnlock()
	return len(r.store.failed), nil
}

// sortDue orders jobs by error count, then next retry time.
func sortDue(jobs []*domain.FailedJob) {
	sort.Slice(jobs, func(i, j int) bool {
		if jobs[i].ErrorCount != jobs[j].ErrorCount {
			return jobs[i].ErrorCount < jobs[j].ErrorCount
		}
		return jobs[i].NextRetryAt.Before(jobs[j].NextRetryAt)
	})
}

func clonePayload(p domain.Payload) domain.Payload {
	c := make(domain.Payload, len(p))
	for k, v := range p {
		c[k] = v
	}
	return c
}

// -----------------------------------------------------------------------------
// Usage Repository
// -----------------------------------------------------------------------------

type UsageRepo struct {
	store *MemoryStorage
}

func NewUsageRepo(store *MemoryStorage) *UsageRepo {
	return &UsageRepo{store: store}
}

func (r *UsageRepo) AddUsage(ctx context.Context, day time.Time, delta int64) error {
	r.store.mu.Lock()
	defer r.store.mu.Unlock()
	r.store.usage[day.UTC().Truncate(24*time.Hour)] += delta
	return nil
}

func (r *UsageRepo) GetUsage(ctx context.Context, day time.Time) (int64, error) {
	r.store.mu.RLock()
	defer r.store.mu.RUnlock()
	return r.store.usage[day.UTC().Truncate(24*time.Hour)], nil
}

func (r *UsageRepo) DeleteUsageBefore(ctx context.Context, day time.Time) (int64, error) {
	r.store.mu.Lock()
	defer r.store.mu.Unlock()
	cutoff := day.UTC().Truncate(24 * time.Hour)
	var n int64
	for d := range r.store.usage {
		if d.Before(cutoff) {
			delete(r.store.usage, d)
			n++
		}
	}
	return n, nil
}

var (
	_ storage.RecordRepository    = (*RecordRepo)(nil)
	_ storage.FailedJobRepository = (*FailedJobRepo)(nil)
	_ storage.UsageRepository     = (*UsageRepo)(nil)
)
