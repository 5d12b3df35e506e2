package postgres

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"time"
)

// UsageRepo implements storage.UsageRepository using PostgreSQL.
type UsageRepo struct {
	db *DB
}

// NewUsageRepo creates a new PostgreSQL usage repository.
func NewUsageRepo(db *DB) *UsageRepo {
	return &UsageRepo{db: db}
}

// AddUsage adds delta calls to the counter for day.
func (r *UsageRepo) AddUsage(ctx context.Context, day time.Time, delta int64) error {
	query := `
		INSERT INTO api_usage (day, calls, updated_at)
		VALUES ($1, $2, NOW())
		ON CONFLICT (day) DO UPDATE SET
			calls = api_usage.calls + EXCLUDED.calls,
			updated_at = NOW()
	`
	if _, err := r.db.ExecContext(ctx, query, day.UTC().Format("2006-01-02"), delta); err != nil {
		return fmt.Errorf("failed to add usage: %w", err)
	}
	return nil
}

// GetUsage returns the calls recorded for day.
func (r *UsageRepo) GetUsage(ctx context.Context, day time.Time) (int64, error) {
	var calls int64
	err := r.db.GetContext(ctx, &calls, `SELECT calls FROM api_usage WHERE day = $1`, day.UTC().Format("2006-01-02"))
	if errors.Is(err, sql.ErrNoRows) {
		return 0, nil
	}
	if err != nil {
		return 0, fmt.Errorf("failed to get usage: %w", err)
	}
	return calls, nil
}

// DeleteUsageBefore removes counters older than day.
func (r *UsageRepo) DeleteUsageBefore(ctx context.Context, day time.Time) (int64, error) {
	res, err := r.db.ExecContext(ctx, `DELETE FROM api_usage WHERE day < $1`, day.UTC().Format("2006-01-02"))
	if err != nil {
		return 0, fmt.Errorf("failed to prune usage: %w", err)
	}
	return res.RowsAffected()
}
