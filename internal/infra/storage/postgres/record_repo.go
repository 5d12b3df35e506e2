package postgres

import (
	"context"
	"fmt"

	"github.com/jmoiron/sqlx"

	"github.com/occamssword/fmp-data-system-sub000/internal/core/domain"
)

// RecordRepo implements storage.RecordRepository using PostgreSQL.
type RecordRepo struct {
	db *DB
}

// NewRecordRepo creates a new PostgreSQL record repository.
func NewRecordRepo(db *DB) *RecordRepo {
	return &RecordRepo{db: db}
}

const upsertRecordQuery = `
	INSERT INTO records (entity, kind, ts, period, payload, fetched_at)
	VALUES ($1, $2, $3, $4, CAST($5 AS JSONB), NOW())
	ON CONFLICT (entity, kind, ts, period) DO UPDATE SET
		payload = EXCLUDED.payload,
		fetched_at = NOW()
`

// UpsertBatch writes records in one transaction. Latest values win.
func (r *RecordRepo) UpsertBatch(ctx context.Context, records []domain.Record) (int, error) {
	if len(records) == 0 {
		return 0, nil
	}

	err := r.db.InTx(ctx, func(tx *sqlx.Tx) error {
		stmt, err := tx.PreparexContext(ctx, upsertRecordQuery)
		if err != nil {
			return fmt.Errorf("failed to prepare upsert: %w", err)
		}
		defer stmt.Close()

		for _, rec := range records {
			if _, err := stmt.ExecContext(
				ctx,
				rec.Entity,
				rec.Kind,
				rec.Timestamp.UTC(),
				rec.Period,
				string(rec.Payload),
			); err != nil {
				return fmt.Errorf("failed to upsert record %s/%s: %w", rec.Entity, rec.Kind, err)
			}
		}
		return nil
	})
	if err != nil {
		return 0, err
	}
	return len(records), nil
}

// Count returns the number of stored records of a kind ("" for all).
func (r *RecordRepo) Count(ctx context.Context, kind string) (int, error) {
	var count int
	query := `SELECT COUNT(*) FROM records WHERE ($1 = '' OR kind = $1)`
	if err := r.db.GetContext(ctx, &count, query, kind); err != nil {
		return 0, fmt.Errorf("failed to count records: %w", err)
	}
	return count, nil
}
