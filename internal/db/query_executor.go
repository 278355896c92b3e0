package db

import (
	"context"

	"github.com/jackc/pgx/v5"

	"eventpulse/internal/types"
)

// QueryExecutor runs catalog aggregation queries. Queries use named
// parameters (@window_start, @window_end, ...) and each result row is
// returned as a column-name keyed map.
type QueryExecutor struct {
	db DBTX
}

func NewQueryExecutor(db DBTX) *QueryExecutor {
	return &QueryExecutor{db: db}
}

// Execute runs sql with args and collects every row.
func (e *QueryExecutor) Execute(ctx context.Context, sql string, args pgx.NamedArgs) ([]map[string]any, error) {
	rows, err := e.db.Query(ctx, sql, args)
	if err != nil {
		return nil, types.NewAppError(types.ErrCodeInternalQueryExecution, "aggregation query failed", err)
	}
	out, err := pgx.CollectRows(rows, pgx.RowToMap)
	if err != nil {
		return nil, types.NewAppError(types.ErrCodeInternalQueryExecution, "failed to read aggregation rows", err)
	}
	return out, nil
}
