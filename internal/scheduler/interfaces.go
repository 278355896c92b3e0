package scheduler

import (
	"context"
	"time"

	"eventpulse/internal/jobs"
	"eventpulse/internal/types"
	"eventpulse/internal/workerpool"
)

// LockManager is the persisted mutex. *db.RunLockRepository satisfies it.
type LockManager interface {
	// Acquire returns false, without error, when a live holder exists.
	//
	// SQL: INSERT INTO run_locks ... ON CONFLICT (job_type) DO UPDATE ...
	//      WHERE run_locks.locked_until < now
	Acquire(ctx context.Context, key, holder string, ttl time.Duration) (bool, error)

	// Release deletes the row only while holder owns it.
	//
	// SQL: DELETE FROM run_locks WHERE job_type = $1 AND holder = $2
	Release(ctx context.Context, key, holder string) error

	// Extend pushes locked_until to now+ttl while holder still owns the row.
	// It returns false once another holder has reclaimed it.
	//
	// SQL: UPDATE run_locks SET locked_until = $3
	//      WHERE job_type = $1 AND holder = $2
	Extend(ctx context.Context, key, holder string, ttl time.Duration) (bool, error)
}

// LockReaperStore deletes expired locks. *db.RunLockRepository satisfies it.
type LockReaperStore interface {
	// SQL: DELETE FROM run_locks WHERE locked_until < $1 RETURNING job_type
	ReapExpired(ctx context.Context, now time.Time) ([]string, error)
}

// WatermarkStore reads and advances watermarks. *db.WatermarkRepository
// satisfies it.
type WatermarkStore interface {
	Get(ctx context.Context, jobType string) (time.Time, bool, error)
	Advance(ctx context.Context, jobType string, to time.Time) error
}

// RunCommitter persists a run's result in one fenced transaction.
// *db.Store satisfies it.
type RunCommitter interface {
	CommitRun(ctx context.Context, c types.RunCommit) (types.CommitResult, error)
}

// RunHistory records job_runs rows. Failures are logged and ignored.
// *db.JobRunRepository satisfies it.
type RunHistory interface {
	Start(ctx context.Context, jobType, lockKey string, periodStart, periodEnd, startedAt time.Time) (int64, error)
	Finish(ctx context.Context, id int64, status types.RunStatus, errMsg string, finishedAt time.Time) error
}

// TaskRunner executes a task on the worker pool. *workerpool.Pool satisfies it.
type TaskRunner interface {
	RunTask(ctx context.Context, task jobs.Task) (workerpool.Result, error)
}

// EventPurger removes raw events. *db.EventRepository satisfies it.
type EventPurger interface {
	// SQL: DELETE FROM raw_events WHERE created_at < $1
	DeleteOlderThan(ctx context.Context, cutoff time.Time) (int64, error)
	// SQL: SELECT ... FROM raw_events WHERE created_at < $1 AND id > $2 ORDER BY id LIMIT $3
	ListOlderThan(ctx context.Context, cutoff time.Time, afterID int64, limit int) ([]types.RawEvent, error)
	// SQL: DELETE FROM raw_events WHERE id = ANY($1)
	DeleteByIDs(ctx context.Context, ids []int64) (int64, error)
}

// EventArchiver uploads a batch of raw events to cold storage and returns
// the object key. *archive.S3Archiver satisfies it.
type EventArchiver interface {
	Archive(ctx context.Context, events []types.RawEvent, at time.Time) (string, error)
}
