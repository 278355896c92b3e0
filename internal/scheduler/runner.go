package scheduler

import (
	"context"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"eventpulse/internal/jobs"
	"eventpulse/internal/types"
)

// releaseTimeout bounds the deferred lock release, which runs on a context
// detached from the (possibly cancelled) run context.
const releaseTimeout = 10 * time.Second

// minHeartbeat is the floor for the lock extension interval.
const minHeartbeat = time.Second

// RunRequest describes one run of one job over one window.
type RunRequest struct {
	JobType     string
	LockKey     string
	PeriodStart time.Time
	PeriodEnd   time.Time
	// AdvanceWatermark is set for daily runs and unset for live runs.
	AdvanceWatermark bool
}

// RunOutcome is the terminal state of a run.
type RunOutcome struct {
	JobType     string
	LockKey     string
	PeriodStart time.Time
	PeriodEnd   time.Time
	State       types.RunState
	MetricID    int64
	Err         error
	Duration    time.Duration
}

// RunnerConfig holds the runner's settings.
type RunnerConfig struct {
	// Holder identifies this instance in run_locks.
	Holder string
	// LockTTL bounds how long a crashed holder can block a key.
	LockTTL time.Duration
	// DefaultLookback positions a job's first watermark at now - lookback.
	DefaultLookback time.Duration
	Clock           types.Clock
	Observer        types.RunObserver
	Logger          *slog.Logger
}

// Runner executes lock-guarded job runs and catch-up.
type Runner struct {
	locks   LockManager
	marks   WatermarkStore
	commits RunCommitter
	history RunHistory
	pool    TaskRunner
	catalog *jobs.Catalog

	holder   string
	ttl      time.Duration
	lookback time.Duration
	clock    types.Clock
	observer types.RunObserver
	logger   *slog.Logger
}

// NewRunner creates a Runner. history and cfg.Observer may be nil.
func NewRunner(
	locks LockManager,
	marks WatermarkStore,
	commits RunCommitter,
	history RunHistory,
	pool TaskRunner,
	catalog *jobs.Catalog,
	cfg RunnerConfig,
) *Runner {
	if cfg.Logger == nil {
		cfg.Logger = slog.Default()
	}
	if cfg.Clock == nil {
		cfg.Clock = types.RealClock{}
	}
	if cfg.LockTTL <= 0 {
		cfg.LockTTL = 15 * time.Minute
	}
	if cfg.DefaultLookback <= 0 {
		cfg.DefaultLookback = 30 * 24 * time.Hour
	}
	return &Runner{
		locks:    locks,
		marks:    marks,
		commits:  commits,
		history:  history,
		pool:     pool,
		catalog:  catalog,
		holder:   cfg.Holder,
		ttl:      cfg.LockTTL,
		lookback: cfg.DefaultLookback,
		clock:    cfg.Clock,
		observer: cfg.Observer,
		logger:   cfg.Logger,
	}
}

// Catalog returns the runner's job catalog.
func (r *Runner) Catalog() *jobs.Catalog { return r.catalog }

// Holder returns the instance id written to run_locks.
func (r *Runner) Holder() string { return r.holder }

// InitialWatermark is where a job without a watermark starts.
func (r *Runner) InitialWatermark(now time.Time) time.Time {
	return types.StartOfDay(now.Add(-r.lookback))
}

// Run executes req: acquire the lock, run the task on the pool, commit, and
// release the lock. Lock denial is a normal outcome, not an error.
func (r *Runner) Run(ctx context.Context, req RunRequest) RunOutcome {
	start := r.clock.Now()
	out := RunOutcome{
		JobType:     req.JobType,
		LockKey:     req.LockKey,
		PeriodStart: req.PeriodStart,
		PeriodEnd:   req.PeriodEnd,
		State:       types.RunStateIdle,
	}
	defer func() {
		out.Duration = r.clock.Now().Sub(start)
		if r.observer != nil {
			r.observer.ObserveRun(out.JobType, out.State, out.Duration)
		}
	}()

	entry, ok := r.catalog.Lookup(req.JobType)
	if !ok {
		out.State = types.RunStateFailed
		out.Err = types.NewAppError(types.ErrCodeValidationUnknownJobType,
			fmt.Sprintf("unknown job type %q", req.JobType), nil)
		return out
	}

	out.State = types.RunStateLockRequested
	acquired, err := r.locks.Acquire(ctx, req.LockKey, r.holder, r.ttl)
	if err != nil {
		out.State = types.RunStateFailed
		out.Err = fmt.Errorf("acquiring lock %s: %w", req.LockKey, err)
		r.logger.ErrorContext(ctx, "lock acquisition failed",
			"job_type", req.JobType, "lock_key", req.LockKey, "error", err)
		return out
	}
	if !acquired {
		out.State = types.RunStateLockDenied
		r.logger.DebugContext(ctx, "lock held elsewhere, skipping run",
			"job_type", req.JobType, "lock_key", req.LockKey)
		return out
	}
	defer r.release(ctx, req.LockKey)
	stopHeartbeat := r.heartbeat(ctx, req.LockKey)
	defer stopHeartbeat()

	out.State = types.RunStateRunning

	if req.AdvanceWatermark {
		state, err := r.precheck(ctx, req)
		if err != nil {
			out.State = types.RunStateFailed
			out.Err = err
			r.logRun(ctx, out)
			return out
		}
		if state != types.RunStateRunning {
			out.State = state
			r.logRun(ctx, out)
			return out
		}
	}

	runID := r.recordStart(ctx, req, start)

	res, err := r.pool.RunTask(ctx, entry.Task(req.PeriodStart, req.PeriodEnd))
	if err != nil {
		out.State = types.RunStateFailed
		out.Err = err
		r.recordFinish(ctx, runID, out)
		r.logRun(ctx, out)
		return out
	}

	stopHeartbeat()
	if err := r.extendForCommit(ctx, req.LockKey); err != nil {
		out.State = types.RunStateFailed
		out.Err = err
		r.recordFinish(ctx, runID, out)
		r.logRun(ctx, out)
		return out
	}

	commit, err := r.commits.CommitRun(ctx, types.RunCommit{
		JobType:          req.JobType,
		LockKey:          req.LockKey,
		Holder:           r.holder,
		Data:             res.Data,
		PeriodStart:      req.PeriodStart,
		PeriodEnd:        req.PeriodEnd,
		AdvanceWatermark: req.AdvanceWatermark,
		InitialWatermark: r.InitialWatermark(start),
	})
	switch {
	case err != nil:
		out.State = types.RunStateFailed
		out.Err = err
	case commit.Outcome == types.CommitOutcomeAlreadyCovered:
		out.State = types.RunStateAlreadyCovered
	case commit.Outcome == types.CommitOutcomeGap:
		out.State = types.RunStateDeferred
	default:
		out.State = types.RunStateCommitted
		out.MetricID = commit.MetricID
	}

	r.recordFinish(ctx, runID, out)
	r.logRun(ctx, out)
	return out
}

// precheck compares the watermark with the run's window before any query
// runs. It returns Running when the run should proceed.
func (r *Runner) precheck(ctx context.Context, req RunRequest) (types.RunState, error) {
	wm, ok, err := r.marks.Get(ctx, req.JobType)
	if err != nil {
		return types.RunStateFailed, fmt.Errorf("reading watermark: %w", err)
	}
	if !ok {
		wm = r.InitialWatermark(r.clock.Now())
	}
	switch {
	case !wm.Before(req.PeriodEnd):
		return types.RunStateAlreadyCovered, nil
	case wm.Before(req.PeriodStart):
		return types.RunStateDeferred, nil
	default:
		return types.RunStateRunning, nil
	}
}

func (r *Runner) release(ctx context.Context, key string) {
	releaseCtx, cancel := context.WithTimeout(context.WithoutCancel(ctx), releaseTimeout)
	defer cancel()
	if err := r.locks.Release(releaseCtx, key, r.holder); err != nil {
		r.logger.ErrorContext(ctx, "failed to release lock",
			"lock_key", key, "error", err)
	}
}

// heartbeat extends the run lock every third of the TTL until the returned
// stop func is called. Queue wait and slow tasks would otherwise outlive the
// TTL and leave the run unable to commit.
func (r *Runner) heartbeat(ctx context.Context, key string) (stop func()) {
	interval := r.ttl / 3
	if interval < minHeartbeat {
		interval = minHeartbeat
	}
	hbCtx, cancel := context.WithCancel(ctx)
	done := make(chan struct{})
	go func() {
		defer close(done)
		ticker := time.NewTicker(interval)
		defer ticker.Stop()
		for {
			select {
			case <-hbCtx.Done():
				return
			case <-ticker.C:
			}
			held, err := r.locks.Extend(hbCtx, key, r.holder, r.ttl)
			if err != nil {
				if hbCtx.Err() == nil {
					r.logger.WarnContext(ctx, "failed to extend lock",
						"lock_key", key, "error", err)
				}
				continue
			}
			if !held {
				r.logger.WarnContext(ctx, "lock lost during run", "lock_key", key)
				return
			}
		}
	}()
	var once sync.Once
	return func() {
		once.Do(func() {
			cancel()
			<-done
		})
	}
}

// extendForCommit renews the lock right before the commit so the holder
// check inside the commit transaction sees a live row.
func (r *Runner) extendForCommit(ctx context.Context, key string) error {
	held, err := r.locks.Extend(ctx, key, r.holder, r.ttl)
	if err != nil {
		return fmt.Errorf("extending lock %s: %w", key, err)
	}
	if !held {
		return types.NewAppError(types.ErrCodeConflictLockHeld,
			fmt.Sprintf("lock %s was taken over before commit", key), nil)
	}
	return nil
}

func (r *Runner) recordStart(ctx context.Context, req RunRequest, at time.Time) int64 {
	if r.history == nil {
		return 0
	}
	id, err := r.history.Start(ctx, req.JobType, req.LockKey, req.PeriodStart, req.PeriodEnd, at)
	if err != nil {
		r.logger.WarnContext(ctx, "failed to record run start",
			"job_type", req.JobType, "error", err)
		return 0
	}
	return id
}

func (r *Runner) recordFinish(ctx context.Context, id int64, out RunOutcome) {
	if r.history == nil || id == 0 {
		return
	}
	var msg string
	if out.Err != nil {
		msg = out.Err.Error()
	}
	finishCtx := context.WithoutCancel(ctx)
	if err := r.history.Finish(finishCtx, id, runStatus(out.State), msg, r.clock.Now()); err != nil {
		r.logger.WarnContext(ctx, "failed to record run finish",
			"job_type", out.JobType, "error", err)
	}
}

func runStatus(s types.RunState) types.RunStatus {
	switch s {
	case types.RunStateCommitted:
		return types.RunStatusCommitted
	case types.RunStateAlreadyCovered:
		return types.RunStatusAlreadyCovered
	case types.RunStateDeferred:
		return types.RunStatusDeferred
	default:
		return types.RunStatusFailed
	}
}

func (r *Runner) logRun(ctx context.Context, out RunOutcome) {
	attrs := []any{
		"job_type", out.JobType,
		"lock_key", out.LockKey,
		"period_start", out.PeriodStart.Format(time.RFC3339),
		"state", string(out.State),
	}
	switch out.State {
	case types.RunStateFailed:
		r.logger.ErrorContext(ctx, "job run failed", append(attrs, "error", out.Err)...)
	case types.RunStateCommitted:
		r.logger.InfoContext(ctx, "job run committed", append(attrs, "metric_id", out.MetricID)...)
	case types.RunStateLockDenied:
		r.logger.DebugContext(ctx, "lock held elsewhere", attrs...)
	default:
		r.logger.InfoContext(ctx, "job run skipped", attrs...)
	}
}

// DailyTick runs catch-up for jobType and then yesterday under the bare job
// type lock key. The yesterday run is a no-op when catch-up already
// committed it.
func (r *Runner) DailyTick(ctx context.Context, jobType string) (CatchUpReport, RunOutcome) {
	report, err := r.CatchUp(ctx, jobType)
	if err != nil {
		r.logger.ErrorContext(ctx, "catch-up stopped",
			"job_type", jobType, "error", err, "remaining", report.Remaining)
	}

	today := types.StartOfDay(r.clock.Now())
	yesterday := today.AddDate(0, 0, -1)
	out := r.Run(ctx, RunRequest{
		JobType:          jobType,
		LockKey:          jobType,
		PeriodStart:      yesterday,
		PeriodEnd:        today,
		AdvanceWatermark: true,
	})
	return report, out
}

// LiveTick runs every near-real-time job over the trailing window ending
// now. Live runs never touch the watermark.
func (r *Runner) LiveTick(ctx context.Context, window time.Duration) []RunOutcome {
	now := r.clock.Now()
	entries := r.catalog.NearRealTime()
	outs := make([]RunOutcome, 0, len(entries))
	for _, e := range entries {
		outs = append(outs, r.Run(ctx, RunRequest{
			JobType:     e.Type,
			LockKey:     LiveLockKey(e.Type),
			PeriodStart: now.Add(-window),
			PeriodEnd:   now,
		}))
	}
	return outs
}
