package db

import (
	"context"
	"encoding/json"
	"fmt"
	"strings"
	"time"

	"eventpulse/internal/types"
)

// MetricRepository provides data access for aggregated_metrics.
type MetricRepository struct {
	db DBTX
}

func NewMetricRepository(db DBTX) *MetricRepository {
	return &MetricRepository{db: db}
}

const metricColumns = `id, job_type, data, period_start, period_end, created_at, updated_at`

// Insert appends one aggregated row and returns its id.
func (r *MetricRepository) Insert(ctx context.Context, jobType string, data json.RawMessage, start, end time.Time) (int64, error) {
	var id int64
	err := r.db.QueryRow(ctx,
		`INSERT INTO aggregated_metrics (job_type, data, period_start, period_end)
		 VALUES ($1, $2, $3, $4)
		 RETURNING id`,
		jobType,
		string(data),
		start.UTC(),
		end.UTC(),
	).Scan(&id)
	if err != nil {
		return 0, types.NewAppError(types.ErrCodeInternalPersistence, "failed to insert aggregated metric", err)
	}
	return id, nil
}

// List returns metrics newest first. The cursor is the (created_at, id) key
// of the last row of the previous page, so rows sharing a created_at are
// never skipped. Up to Limit+1 rows are returned so the caller can detect
// another page.
func (r *MetricRepository) List(ctx context.Context, f types.MetricFilter) ([]types.AggregatedMetric, error) {
	var conditions []string
	var args []any
	argIdx := 1

	if f.JobType != "" {
		conditions = append(conditions, fmt.Sprintf("job_type = $%d", argIdx))
		args = append(args, f.JobType)
		argIdx++
	}
	if f.From != nil {
		conditions = append(conditions, fmt.Sprintf("created_at >= $%d", argIdx))
		args = append(args, f.From.UTC())
		argIdx++
	}
	if f.To != nil {
		conditions = append(conditions, fmt.Sprintf("created_at < $%d", argIdx))
		args = append(args, f.To.UTC())
		argIdx++
	}
	if f.Cursor != "" {
		cursor, err := types.ParseKeysetCursor(f.Cursor)
		if err != nil {
			return nil, err
		}
		conditions = append(conditions, fmt.Sprintf("(created_at, id) < ($%d, $%d)", argIdx, argIdx+1))
		args = append(args, cursor.CreatedAt, cursor.ID)
		argIdx += 2
	}

	whereClause := ""
	if len(conditions) > 0 {
		whereClause = "WHERE " + strings.Join(conditions, " AND ")
	}

	query := fmt.Sprintf(
		`SELECT %s FROM aggregated_metrics %s ORDER BY created_at DESC, id DESC LIMIT $%d`,
		metricColumns,
		whereClause,
		argIdx,
	)
	args = append(args, types.ClampPageSize(f.Limit)+1)

	rows, err := r.db.Query(ctx, query, args...)
	if err != nil {
		return nil, types.NewAppError(types.ErrCodeInternalDB, "failed to query aggregated metrics", err)
	}
	defer rows.Close()

	var out []types.AggregatedMetric
	for rows.Next() {
		var m types.AggregatedMetric
		var data []byte
		if err := rows.Scan(&m.ID, &m.JobType, &data, &m.PeriodStart, &m.PeriodEnd, &m.CreatedAt, &m.UpdatedAt); err != nil {
			return nil, types.NewAppError(types.ErrCodeInternalDB, "failed to scan aggregated metric", err)
		}
		m.Data = json.RawMessage(data)
		out = append(out, m)
	}
	if err := rows.Err(); err != nil {
		return nil, types.NewAppError(types.ErrCodeInternalDB, "error iterating aggregated metrics", err)
	}
	return out, nil
}
