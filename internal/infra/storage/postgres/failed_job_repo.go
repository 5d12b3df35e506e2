package postgres

import (
	"context"
	"encoding/json"
	"fmt"
	"time"

	"github.com/google/uuid"
	"github.com/lib/pq"

	"github.com/occamssword/fmp-data-system-sub000/internal/core/domain"
	"github.com/occamssword/fmp-data-system-sub000/internal/infra/storage"
)

// FailedJobRepo implements storage.FailedJobRepository using PostgreSQL.
type FailedJobRepo struct {
	db       *DB
	schedule domain.RetrySchedule
}

// NewFailedJobRepo creates a new PostgreSQL failed job repository.
func NewFailedJobRepo(db *DB, schedule domain.RetrySchedule) *FailedJobRepo {
	return &FailedJobRepo{db: db, schedule: schedule}
}

type failedJobRow struct {
	ID           string    `db:"id"`
	JobType      string    `db:"job_type"`
	Payload      []byte    `db:"payload"`
	PayloadKey   string    `db:"payload_key"`
	ErrorKind    string    `db:"error_kind"`
	ErrorMessage string    `db:"error_message"`
	ErrorCount   int       `db:"error_count"`
	LastErrorAt  time.Time `db:"last_error_at"`
	NextRetryAt  time.Time `db:"next_retry_at"`
	CreatedAt    time.Time `db:"created_at"`
}

func (row failedJobRow) toDomain() (*domain.FailedJob, error) {
	var payload domain.Payload
	if err := json.Unmarshal(row.Payload, &payload); err != nil {
		return nil, fmt.Errorf("failed to decode payload of job %s: %w", row.ID, err)
	}
	return &domain.FailedJob{
		ID:           row.ID,
		JobType:      row.JobType,
		Payload:      payload,
		PayloadKey:   row.PayloadKey,
		ErrorKind:    row.ErrorKind,
		ErrorMessage: row.ErrorMessage,
		ErrorCount:   row.ErrorCount,
		LastErrorAt:  row.LastErrorAt,
		NextRetryAt:  row.NextRetryAt,
		CreatedAt:    row.CreatedAt,
	}, nil
}

const failedJobColumns = `id, job_type, payload, payload_key, error_kind, error_message,
	error_count, last_error_at, next_retry_at, created_at`

// RecordFailure upserts a failed job. A repeated failure of the same
// (job_type, payload_key) increments error_count and pushes next_retry_at
// out by base * 2^(error_count-1), capped at the schedule maximum.
func (r *FailedJobRepo) RecordFailure(
	ctx context.Context,
	report domain.FailureReport,
) (*domain.FailedJob, error) {
	payload, err := json.Marshal(report.Payload)
	if err != nil {
		return nil, fmt.Errorf("failed to encode payload: %w", err)
	}
	at := report.At
	if at.IsZero() {
		at = time.Now()
	}
	at = at.UTC()

	query := `
		INSERT INTO failed_jobs (id, job_type, payload, payload_key, error_kind, error_message,
			error_count, last_error_at, next_retry_at, created_at)
		VALUES ($1, $2, CAST($3 AS JSONB), $4, $5, $6, 1, $7, $8, $7)
		ON CONFLICT (job_type, payload_key) DO UPDATE SET
			error_kind = EXCLUDED.error_kind,
			error_message = EXCLUDED.error_message,
			error_count = failed_jobs.error_count + 1,
			last_error_at = EXCLUDED.last_error_at,
			next_retry_at = EXCLUDED.last_error_at + LEAST(
				make_interval(secs => $9 * power(2, LEAST(failed_jobs.error_count, 30))),
				make_interval(secs => $10)
			)
		RETURNING ` + failedJobColumns

	var row failedJobRow
	err = r.db.GetContext(
		ctx,
		&row,
		query,
		uuid.NewString(),
		report.JobType,
		string(payload),
		report.Payload.Key(),
		report.ErrorKind,
		report.Error,
		at,
		r.schedule.Next(at, 1),
		r.schedule.Base.Seconds(),
		r.schedule.Max.Seconds(),
	)
	if err != nil {
		return nil, fmt.Errorf("failed to record failed job: %w", err)
	}
	return row.toDomain()
}

// Due returns jobs ready for retry, fewest failures first.
func (r *FailedJobRepo) Due(ctx context.Context, now time.Time, limit int) ([]*domain.FailedJob, error) {
	query := `
		SELECT ` + failedJobColumns + `
		FROM failed_jobs
		WHERE next_retry_at <= $1
		ORDER BY error_count ASC, next_retry_at ASC
		LIMIT $2
	`
	var rows []failedJobRow
	if err := r.db.SelectContext(ctx, &rows, query, now.UTC(), limit); err != nil {
		return nil, fmt.Errorf("failed to get due jobs: %w", err)
	}
	return toDomainJobs(rows)
}

// Resolve removes a failed job (successfully retried).
func (r *FailedJobRepo) Resolve(ctx context.Context, id string) error {
	res, err := r.db.ExecContext(ctx, `DELETE FROM failed_jobs WHERE id = $1`, id)
	if err != nil {
		return fmt.Errorf("failed to resolve job: %w", err)
	}
	n, err := res.RowsAffected()
	if err != nil {
		return fmt.Errorf("failed to resolve job: %w", err)
	}
	if n == 0 {
		return storage.ErrFailedJobNotFound
	}
	return nil
}

// ResolveMany removes several failed jobs at once.
func (r *FailedJobRepo) ResolveMany(ctx context.Context, ids []string) error {
	if len(ids) == 0 {
		return nil
	}
	_, err := r.db.ExecContext(ctx, `DELETE FROM failed_jobs WHERE id = ANY($1::uuid[])`, pq.Array(ids))
	if err != nil {
		return fmt.Errorf("failed to resolve jobs: %w", err)
	}
	return nil
}

// GetAll retrieves all failed jobs.
func (r *FailedJobRepo) GetAll(ctx context.Context) ([]*domain.FailedJob, error) {
	query := `SELECT ` + failedJobColumns + ` FROM failed_jobs ORDER BY error_count ASC, next_retry_at ASC`
	var rows []failedJobRow
	if err := r.db.SelectContext(ctx, &rows, query); err != nil {
		return nil, fmt.Errorf("failed to get failed jobs: %w", err)
	}
	return toDomainJobs(rows)
}

// Count returns the count of failed jobs.
func (r *FailedJobRepo) Count(ctx context.Context) (int, error) {
	var count int
	if err := r.db.GetContext(ctx, &count, `SELECT COUNT(*) FROM failed_jobs`); err != nil {
		return 0, fmt.Errorf("failed to count failed jobs: %w", err)
	}
	return count, nil
}

func toDomainJobs(rows []failedJobRow) ([]*domain.FailedJob, error) {
	out := make([]*domain.FailedJob, 0, len(rows))
	for _, row := range rows {
		job, err := row.toDomain()
		if err != nil {
			return nil, err
		}
		out = append(out, job)
	}
	return out, nil
}
