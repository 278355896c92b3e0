package db

import (
	"context"
	"time"

	"eventpulse/internal/types"
)

// JobRunRepository records run history in job_runs. Callers treat its
// failures as non-fatal.
type JobRunRepository struct {
	db DBTX
}

func NewJobRunRepository(db DBTX) *JobRunRepository {
	return &JobRunRepository{db: db}
}

// Start inserts a running row and returns its id.
func (r *JobRunRepository) Start(ctx context.Context, jobType, lockKey string, periodStart, periodEnd, startedAt time.Time) (int64, error) {
	var id int64
	err := r.db.QueryRow(ctx,
		`INSERT INTO job_runs (job_type, lock_key, period_start, period_end, started_at, status)
		 VALUES ($1, $2, $3, $4, $5, $6)
		 RETURNING id`,
		jobType,
		lockKey,
		periodStart.UTC(),
		periodEnd.UTC(),
		startedAt.UTC(),
		string(types.RunStatusRunning),
	).Scan(&id)
	if err != nil {
		return 0, types.NewAppError(types.ErrCodeInternalDB, "failed to record run start", err)
	}
	return id, nil
}

// Finish stamps the terminal status. errMsg is stored only when non-empty.
func (r *JobRunRepository) Finish(ctx context.Context, id int64, status types.RunStatus, errMsg string, finishedAt time.Time) error {
	var errCol *string
	if errMsg != "" {
		errCol = &errMsg
	}
	_, err := r.db.Exec(ctx,
		`UPDATE job_runs SET status = $2, error = $3, finished_at = $4 WHERE id = $1`,
		id,
		string(status),
		errCol,
		finishedAt.UTC(),
	)
	if err != nil {
		return types.NewAppError(types.ErrCodeInternalDB, "failed to record run finish", err)
	}
	return nil
}

// LatestByJob returns the most recent run of every job type.
func (r *JobRunRepository) LatestByJob(ctx context.Context) ([]types.JobRun, error) {
	rows, err := r.db.Query(ctx,
		`SELECT DISTINCT ON (job_type)
		   id, job_type, lock_key, period_start, period_end, started_at, finished_at, status, error
		 FROM job_runs
		 ORDER BY job_type, started_at DESC, id DESC`,
	)
	if err != nil {
		return nil, types.NewAppError(types.ErrCodeInternalDB, "failed to query latest runs", err)
	}
	defer rows.Close()

	var out []types.JobRun
	for rows.Next() {
		var run types.JobRun
		var status string
		if err := rows.Scan(&run.ID, &run.JobType, &run.LockKey, &run.PeriodStart, &run.PeriodEnd,
			&run.StartedAt, &run.FinishedAt, &status, &run.Error); err != nil {
			return nil, types.NewAppError(types.ErrCodeInternalDB, "failed to scan job run", err)
		}
		run.Status = types.RunStatus(status)
		out = append(out, run)
	}
	if err := rows.Err(); err != nil {
		return nil, types.NewAppError(types.ErrCodeInternalDB, "error iterating job runs", err)
	}
	return out, nil
}
