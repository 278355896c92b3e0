package db

import (
	"context"
	"errors"
	"time"

	"github.com/jackc/pgx/v5"

	"eventpulse/internal/types"
)

// RunLockRepository is the persisted mutex behind every scheduled run. A
// lock is one run_locks row keyed by job_type; the primary key guarantees at
// most one live holder per key across all instances.
type RunLockRepository struct {
	db    DBTX
	clock types.Clock
}

func NewRunLockRepository(db DBTX) *RunLockRepository {
	return &RunLockRepository{db: db, clock: types.RealClock{}}
}

// Acquire inserts the lock row. It returns false, without error, when a live
// row exists for key. An expired row is reclaimed by the same statement:
//
//	INSERT INTO run_locks (job_type, holder, locked_at, locked_until)
//	VALUES ($1, $2, $3, $4)
//	ON CONFLICT (job_type) DO UPDATE
//	  SET holder = EXCLUDED.holder, ...
//	  WHERE run_locks.locked_until < $3
//
// Timestamps are computed in Go so the TTL never passes through interval
// parsing.
func (r *RunLockRepository) Acquire(ctx context.Context, key, holder string, ttl time.Duration) (bool, error) {
	now := r.clock.Now()

	tag, err := r.db.Exec(ctx,
		`INSERT INTO run_locks (job_type, holder, locked_at, locked_until)
		 VALUES ($1, $2, $3, $4)
		 ON CONFLICT (job_type) DO UPDATE
		   SET holder = EXCLUDED.holder,
		       locked_at = EXCLUDED.locked_at,
		       locked_until = EXCLUDED.locked_until
		   WHERE run_locks.locked_until < $3`,
		key,
		holder,
		now,
		now.Add(ttl),
	)
	if err != nil {
		return false, types.NewAppError(types.ErrCodeInternalDB, "failed to acquire run lock", err)
	}

	// 1 when inserted or reclaimed, 0 when a live holder exists.
	return tag.RowsAffected() > 0, nil
}

// Release deletes the lock row if holder still owns it. A holder whose lock
// expired and was reclaimed deletes nothing.
func (r *RunLockRepository) Release(ctx context.Context, key, holder string) error {
	_, err := r.db.Exec(ctx,
		`DELETE FROM run_locks WHERE job_type = $1 AND holder = $2`,
		key,
		holder,
	)
	if err != nil {
		return types.NewAppError(types.ErrCodeInternalDB, "failed to release run lock", err)
	}
	return nil
}

// Extend moves locked_until to now+ttl while holder still owns the row. A
// row past its TTL but not yet reclaimed or reaped is still extended. It
// returns false once the row is gone or belongs to another holder.
func (r *RunLockRepository) Extend(ctx context.Context, key, holder string, ttl time.Duration) (bool, error) {
	tag, err := r.db.Exec(ctx,
		`UPDATE run_locks SET locked_until = $3 WHERE job_type = $1 AND holder = $2`,
		key,
		holder,
		r.clock.Now().Add(ttl),
	)
	if err != nil {
		return false, types.NewAppError(types.ErrCodeInternalDB, "failed to extend run lock", err)
	}
	return tag.RowsAffected() > 0, nil
}

// ReapExpired deletes every lock whose TTL elapsed before now and returns
// the freed keys.
func (r *RunLockRepository) ReapExpired(ctx context.Context, now time.Time) ([]string, error) {
	rows, err := r.db.Query(ctx,
		`DELETE FROM run_locks WHERE locked_until < $1 RETURNING job_type`,
		now,
	)
	if err != nil {
		return nil, types.NewAppError(types.ErrCodeInternalDB, "failed to reap expired run locks", err)
	}
	defer rows.Close()

	var keys []string
	for rows.Next() {
		var key string
		if err := rows.Scan(&key); err != nil {
			return nil, types.NewAppError(types.ErrCodeInternalDB, "failed to scan reaped lock key", err)
		}
		keys = append(keys, key)
	}
	if err := rows.Err(); err != nil {
		return nil, types.NewAppError(types.ErrCodeInternalDB, "error iterating reaped locks", err)
	}
	return keys, nil
}

// List returns every lock row ordered by key.
func (r *RunLockRepository) List(ctx context.Context) ([]types.RunLock, error) {
	rows, err := r.db.Query(ctx,
		`SELECT job_type, holder, locked_at, locked_until FROM run_locks ORDER BY job_type`,
	)
	if err != nil {
		return nil, types.NewAppError(types.ErrCodeInternalDB, "failed to list run locks", err)
	}
	defer rows.Close()

	var locks []types.RunLock
	for rows.Next() {
		var l types.RunLock
		if err := rows.Scan(&l.Key, &l.Holder, &l.LockedAt, &l.LockedUntil); err != nil {
			return nil, types.NewAppError(types.ErrCodeInternalDB, "failed to scan run lock", err)
		}
		locks = append(locks, l)
	}
	if err := rows.Err(); err != nil {
		return nil, types.NewAppError(types.ErrCodeInternalDB, "error iterating run locks", err)
	}
	return locks, nil
}

// HoldForCommit reports whether holder still owns a live lock on key. Inside
// a transaction the row stays locked until commit, so a concurrent reclaim or
// reap waits for the commit to finish.
func (r *RunLockRepository) HoldForCommit(ctx context.Context, key, holder string) (bool, error) {
	var one int
	err := r.db.QueryRow(ctx,
		`SELECT 1 FROM run_locks
		 WHERE job_type = $1 AND holder = $2 AND locked_until >= $3
		 FOR UPDATE`,
		key,
		holder,
		r.clock.Now(),
	).Scan(&one)
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return false, nil
		}
		return false, types.NewAppError(types.ErrCodeInternalDB, "failed to verify run lock", err)
	}
	return true, nil
}
