package db

import (
	"context"
	"errors"
	"time"

	"github.com/jackc/pgx/v5"

	"eventpulse/internal/types"
)

// WatermarkRepository reads and advances job_watermarks. Writes never move a
// watermark backwards.
type WatermarkRepository struct {
	db DBTX
}

func NewWatermarkRepository(db DBTX) *WatermarkRepository {
	return &WatermarkRepository{db: db}
}

// Get returns the watermark for jobType. ok is false when no row exists.
func (r *WatermarkRepository) Get(ctx context.Context, jobType string) (time.Time, bool, error) {
	var ts time.Time
	err := r.db.QueryRow(ctx,
		`SELECT last_processed_date FROM job_watermarks WHERE job_type = $1`,
		jobType,
	).Scan(&ts)
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return time.Time{}, false, nil
		}
		return time.Time{}, false, types.NewAppError(types.ErrCodeInternalDB, "failed to read watermark", err)
	}
	return ts.UTC(), true, nil
}

// Advance moves the watermark to "to" unless it is already later.
//
//	INSERT ... ON CONFLICT (job_type) DO UPDATE
//	  SET last_processed_date = GREATEST(job_watermarks.last_processed_date, EXCLUDED.last_processed_date)
func (r *WatermarkRepository) Advance(ctx context.Context, jobType string, to time.Time) error {
	_, err := r.db.Exec(ctx,
		`INSERT INTO job_watermarks (job_type, last_processed_date, updated_at)
		 VALUES ($1, $2, NOW())
		 ON CONFLICT (job_type) DO UPDATE
		   SET last_processed_date = GREATEST(job_watermarks.last_processed_date, EXCLUDED.last_processed_date),
		       updated_at = NOW()`,
		jobType,
		to.UTC(),
	)
	if err != nil {
		return types.NewAppError(types.ErrCodeInternalDB, "failed to advance watermark", err)
	}
	return nil
}

// Ensure creates the watermark row at initial if it does not exist.
func (r *WatermarkRepository) Ensure(ctx context.Context, jobType string, initial time.Time) error {
	_, err := r.db.Exec(ctx,
		`INSERT INTO job_watermarks (job_type, last_processed_date, updated_at)
		 VALUES ($1, $2, NOW())
		 ON CONFLICT (job_type) DO NOTHING`,
		jobType,
		initial.UTC(),
	)
	if err != nil {
		return types.NewAppError(types.ErrCodeInternalDB, "failed to seed watermark", err)
	}
	return nil
}

// LockForUpdate reads the watermark with a row lock held until the enclosing
// transaction ends. Call Ensure first.
func (r *WatermarkRepository) LockForUpdate(ctx context.Context, jobType string) (time.Time, error) {
	var ts time.Time
	err := r.db.QueryRow(ctx,
		`SELECT last_processed_date FROM job_watermarks WHERE job_type = $1 FOR UPDATE`,
		jobType,
	).Scan(&ts)
	if err != nil {
		return time.Time{}, types.NewAppError(types.ErrCodeInternalDB, "failed to lock watermark", err)
	}
	return ts.UTC(), nil
}

// List returns every watermark.
func (r *WatermarkRepository) List(ctx context.Context) ([]types.JobWatermark, error) {
	rows, err := r.db.Query(ctx,
		`SELECT job_type, last_processed_date, updated_at FROM job_watermarks ORDER BY job_type`,
	)
	if err != nil {
		return nil, types.NewAppError(types.ErrCodeInternalDB, "failed to list watermarks", err)
	}
	defer rows.Close()

	var out []types.JobWatermark
	for rows.Next() {
		var w types.JobWatermark
		if err := rows.Scan(&w.JobType, &w.LastProcessedDate, &w.UpdatedAt); err != nil {
			return nil, types.NewAppError(types.ErrCodeInternalDB, "failed to scan watermark", err)
		}
		out = append(out, w)
	}
	if err := rows.Err(); err != nil {
		return nil, types.NewAppError(types.ErrCodeInternalDB, "error iterating watermarks", err)
	}
	return out, nil
}
