package scheduler

import (
	"context"
	"fmt"
	"log/slog"
	"time"

	"eventpulse/internal/types"
)

// SweepReport summarizes one retention sweep.
type SweepReport struct {
	Cutoff   time.Time `json:"cutoff"`
	Deleted  int64     `json:"deleted"`
	Archived int64     `json:"archived"`
	Objects  []string  `json:"objects,omitempty"`
	// Skipped is set when another instance held the sweep lock.
	Skipped bool `json:"skipped"`
}

// RetentionConfig holds the sweeper's settings.
type RetentionConfig struct {
	Holder  string
	LockTTL time.Duration
	// Horizon is the raw event retention; older rows are deleted.
	Horizon time.Duration
	// BatchSize is the number of rows per archive object.
	BatchSize int
	Clock     types.Clock
	Observer  types.RunObserver
	Logger    *slog.Logger
}

// RetentionSweeper deletes raw events older than the horizon under the
// DELETE_OLD_RAW_DATA lock. With an archiver, doomed rows are uploaded in
// batches and deleted by id after each successful upload.
type RetentionSweeper struct {
	locks    LockManager
	marks    WatermarkStore
	events   EventPurger
	archiver EventArchiver
	cfg      RetentionConfig
}

// NewRetentionSweeper creates a sweeper. archiver may be nil.
func NewRetentionSweeper(locks LockManager, marks WatermarkStore, events EventPurger, archiver EventArchiver, cfg RetentionConfig) *RetentionSweeper {
	if cfg.Logger == nil {
		cfg.Logger = slog.Default()
	}
	if cfg.Clock == nil {
		cfg.Clock = types.RealClock{}
	}
	if cfg.LockTTL <= 0 {
		cfg.LockTTL = 15 * time.Minute
	}
	if cfg.Horizon <= 0 {
		cfg.Horizon = 60 * 24 * time.Hour
	}
	if cfg.BatchSize <= 0 {
		cfg.BatchSize = 5000
	}
	return &RetentionSweeper{locks: locks, marks: marks, events: events, archiver: archiver, cfg: cfg}
}

// Sweep runs one sweep. Its watermark is advanced to now as a "last ran"
// marker.
func (s *RetentionSweeper) Sweep(ctx context.Context) (report SweepReport, err error) {
	now := s.cfg.Clock.Now()
	report.Cutoff = now.Add(-s.cfg.Horizon)
	logger := s.cfg.Logger

	state := types.RunStateLockRequested
	defer func() {
		if s.cfg.Observer != nil {
			s.cfg.Observer.ObserveRun(RetentionLockKey, state, s.cfg.Clock.Now().Sub(now))
		}
	}()

	acquired, err := s.locks.Acquire(ctx, RetentionLockKey, s.cfg.Holder, s.cfg.LockTTL)
	if err != nil {
		state = types.RunStateFailed
		return report, fmt.Errorf("acquiring retention lock: %w", err)
	}
	if !acquired {
		state = types.RunStateLockDenied
		report.Skipped = true
		logger.DebugContext(ctx, "retention sweep running elsewhere, skipping")
		return report, nil
	}
	defer func() {
		releaseCtx, cancel := context.WithTimeout(context.WithoutCancel(ctx), releaseTimeout)
		defer cancel()
		if relErr := s.locks.Release(releaseCtx, RetentionLockKey, s.cfg.Holder); relErr != nil {
			logger.ErrorContext(ctx, "failed to release retention lock", "error", relErr)
		}
	}()

	if s.archiver == nil {
		report.Deleted, err = s.events.DeleteOlderThan(ctx, report.Cutoff)
	} else {
		err = s.archiveAndDelete(ctx, now, &report)
	}
	if err != nil {
		state = types.RunStateFailed
		logger.ErrorContext(ctx, "retention sweep failed",
			"cutoff", report.Cutoff.Format(time.RFC3339),
			"deleted", report.Deleted,
			"error", err,
		)
		return report, err
	}

	if err := s.marks.Advance(ctx, RetentionLockKey, now); err != nil {
		state = types.RunStateFailed
		return report, fmt.Errorf("recording retention sweep: %w", err)
	}

	state = types.RunStateCommitted
	logger.InfoContext(ctx, "retention sweep finished",
		"cutoff", report.Cutoff.Format(time.RFC3339),
		"deleted", report.Deleted,
		"archived", report.Archived,
	)
	return report, nil
}

// archiveAndDelete pages through doomed rows in id order, uploading each
// page before deleting it.
func (s *RetentionSweeper) archiveAndDelete(ctx context.Context, now time.Time, report *SweepReport) error {
	var afterID int64
	for {
		batch, err := s.events.ListOlderThan(ctx, report.Cutoff, afterID, s.cfg.BatchSize)
		if err != nil {
			return fmt.Errorf("listing expired events: %w", err)
		}
		if len(batch) == 0 {
			return nil
		}

		key, err := s.archiver.Archive(ctx, batch, now)
		if err != nil {
			return fmt.Errorf("archiving %d events: %w", len(batch), err)
		}
		report.Objects = append(report.Objects, key)
		report.Archived += int64(len(batch))

		ids := make([]int64, len(batch))
		for i, e := range batch {
			ids[i] = e.ID
		}
		deleted, err := s.events.DeleteByIDs(ctx, ids)
		if err != nil {
			return fmt.Errorf("deleting archived events: %w", err)
		}
		report.Deleted += deleted
		afterID = ids[len(ids)-1]

		if len(batch) < s.cfg.BatchSize {
			return nil
		}
	}
}

// NeedsStartupSweep reports whether the last sweep is missing or happened
// before the start of the current month.
func (s *RetentionSweeper) NeedsStartupSweep(ctx context.Context) (bool, error) {
	last, ok, err := s.marks.Get(ctx, RetentionLockKey)
	if err != nil {
		return false, fmt.Errorf("reading retention marker: %w", err)
	}
	if !ok {
		return true, nil
	}
	return last.Before(types.StartOfMonth(s.cfg.Clock.Now())), nil
}

// StartupCheck sweeps once when NeedsStartupSweep says so.
func (s *RetentionSweeper) StartupCheck(ctx context.Context) (bool, error) {
	need, err := s.NeedsStartupSweep(ctx)
	if err != nil || !need {
		return false, err
	}
	report, err := s.Sweep(ctx)
	if err != nil {
		return false, err
	}
	return !report.Skipped, nil
}
