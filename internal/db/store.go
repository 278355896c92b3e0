package db

import (
	"context"

	"eventpulse/internal/types"
)

// Pool is what Store needs from *pgxpool.Pool.
type Pool interface {
	DBTX
	TxBeginner
}

// Store groups the repositories over one pool and owns the fenced run
// commit, the only multi-table write in the pipeline.
type Store struct {
	pool  Pool
	clock types.Clock

	Locks      *RunLockRepository
	Watermarks *WatermarkRepository
	Metrics    *MetricRepository
	Events     *EventRepository
	Runs       *JobRunRepository
	APIKeys    *APIKeyRepository
	Queries    *QueryExecutor
}

func NewStore(pool Pool) *Store {
	return NewStoreWithClock(pool, types.RealClock{})
}

func NewStoreWithClock(pool Pool, clock types.Clock) *Store {
	locks := NewRunLockRepository(pool)
	locks.clock = clock
	return &Store{
		pool:       pool,
		clock:      clock,
		Locks:      locks,
		Watermarks: NewWatermarkRepository(pool),
		Metrics:    NewMetricRepository(pool),
		Events:     NewEventRepository(pool),
		Runs:       NewJobRunRepository(pool),
		APIKeys:    NewAPIKeyRepository(pool),
		Queries:    NewQueryExecutor(pool),
	}
}

// CommitRun persists a run's metric in one transaction:
//
//	BEGIN
//	  -- watermark-advancing runs only
//	  INSERT INTO job_watermarks ... ON CONFLICT DO NOTHING
//	  SELECT last_processed_date ... FOR UPDATE
//	  -- >= period_end: already_covered, < period_start: gap
//	  SELECT 1 FROM run_locks WHERE job_type = $1 AND holder = $2 ... FOR UPDATE
//	  INSERT INTO aggregated_metrics ...
//	  INSERT INTO job_watermarks ... GREATEST(...)
//	COMMIT
//
// AlreadyCovered and Gap roll back without writing. A lost run lock returns
// conflict_lock_held. Any other failure is internal_persistence and nothing
// is written.
func (s *Store) CommitRun(ctx context.Context, c types.RunCommit) (types.CommitResult, error) {
	var res types.CommitResult

	tx, err := s.pool.Begin(ctx)
	if err != nil {
		return res, types.NewAppError(types.ErrCodeInternalPersistence, "failed to begin commit transaction", err)
	}
	defer func() { _ = tx.Rollback(ctx) }()

	locks := &RunLockRepository{db: tx, clock: s.clock}
	marks := NewWatermarkRepository(tx)
	metrics := NewMetricRepository(tx)

	if c.AdvanceWatermark {
		if err := marks.Ensure(ctx, c.JobType, c.InitialWatermark); err != nil {
			return res, persistenceError(err)
		}
		wm, err := marks.LockForUpdate(ctx, c.JobType)
		if err != nil {
			return res, persistenceError(err)
		}
		res.Watermark = wm
		if !wm.Before(c.PeriodEnd) {
			res.Outcome = types.CommitOutcomeAlreadyCovered
			return res, nil
		}
		if wm.Before(c.PeriodStart) {
			res.Outcome = types.CommitOutcomeGap
			return res, nil
		}
	}

	held, err := locks.HoldForCommit(ctx, c.LockKey, c.Holder)
	if err != nil {
		return res, persistenceError(err)
	}
	if !held {
		return res, types.NewAppErrorWithDetails(types.ErrCodeConflictLockHeld,
			"run lock was lost before commit", nil,
			map[string]any{"lock_key": c.LockKey, "holder": c.Holder})
	}

	id, err := metrics.Insert(ctx, c.JobType, c.Data, c.PeriodStart, c.PeriodEnd)
	if err != nil {
		return res, persistenceError(err)
	}

	if c.AdvanceWatermark {
		if err := marks.Advance(ctx, c.JobType, c.PeriodEnd); err != nil {
			return res, persistenceError(err)
		}
		res.Watermark = c.PeriodEnd.UTC()
	}

	if err := tx.Commit(ctx); err != nil {
		return res, types.NewAppError(types.ErrCodeInternalPersistence, "failed to commit run", err)
	}

	res.Outcome = types.CommitOutcomeCommitted
	res.MetricID = id
	return res, nil
}

func persistenceError(err error) error {
	return types.NewAppError(types.ErrCodeInternalPersistence, "run commit failed", err)
}

// Ping checks connectivity.
func (s *Store) Ping(ctx context.Context) error {
	var one int
	return s.pool.QueryRow(ctx, "SELECT 1").Scan(&one)
}
