package scheduler

import (
	"context"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/robfig/cron/v3"
	"golang.org/x/sync/errgroup"

	"eventpulse/internal/config"
	"eventpulse/internal/jobs"
	"eventpulse/internal/types"
)

// Config holds the cadences driving the pipeline.
type Config struct {
	DailyCadence     string
	StaggerStep      time.Duration
	FastCadence      string
	FastWindow       time.Duration
	RetentionCadence string
	ReaperCadence    string
	// StartupConcurrency bounds the parallel startup catch-up.
	StartupConcurrency int
	Logger             *slog.Logger
}

// ConfigFrom maps the loaded scheduler settings.
func ConfigFrom(c config.SchedulerConfig, logger *slog.Logger) Config {
	return Config{
		DailyCadence:       c.DailyCadence,
		StaggerStep:        c.StaggerStep,
		FastCadence:        c.FastCadence,
		FastWindow:         c.FastWindow,
		RetentionCadence:   c.RetentionCadence,
		ReaperCadence:      c.ReaperCadence,
		StartupConcurrency: c.PoolMaxWorkers,
		Logger:             logger,
	}
}

// JobSchedule describes when a daily job fires.
type JobSchedule struct {
	JobType       string        `json:"job_type"`
	Cadence       string        `json:"cadence"`
	StaggerOffset time.Duration `json:"stagger_offset"`
	Next          time.Time     `json:"next"`
}

// Scheduler owns the cron loop. Ticks of one entry never overlap.
type Scheduler struct {
	runner  *Runner
	sweeper *RetentionSweeper
	reaper  *LockReaper
	cfg     Config
	logger  *slog.Logger

	cron  *cron.Cron
	daily cron.Schedule

	mu      sync.Mutex
	baseCtx context.Context
	cancel  context.CancelFunc
	started bool
	stopped bool
}

// New validates every cadence and registers the pipeline's entries.
// sweeper and reaper may be nil.
func New(runner *Runner, sweeper *RetentionSweeper, reaper *LockReaper, cfg Config) (*Scheduler, error) {
	if cfg.Logger == nil {
		cfg.Logger = slog.Default()
	}
	if cfg.StartupConcurrency <= 0 {
		cfg.StartupConcurrency = 1
	}
	if cfg.FastWindow <= 0 {
		cfg.FastWindow = 5 * time.Minute
	}

	cronLog := cronLogger{cfg.Logger}
	s := &Scheduler{
		runner:  runner,
		sweeper: sweeper,
		reaper:  reaper,
		cfg:     cfg,
		logger:  cfg.Logger,
		cron: cron.New(
			cron.WithParser(config.CadenceParser),
			cron.WithLocation(time.UTC),
			cron.WithLogger(cronLog),
			cron.WithChain(cron.Recover(cronLog), cron.SkipIfStillRunning(cronLog)),
		),
		baseCtx: context.Background(),
	}

	daily, err := parseCadence(cfg.DailyCadence)
	if err != nil {
		return nil, err
	}
	s.daily = daily

	for _, e := range runner.Catalog().Daily() {
		jobType := e.Type
		offset := StaggerOffset(runner.Catalog().Position(jobType), cfg.StaggerStep)
		s.schedule("daily:"+jobType, Staggered(daily, offset), func(ctx context.Context) error {
			report, out := runner.DailyTick(ctx, jobType)
			if out.State == types.RunStateFailed {
				return out.Err
			}
			if report.Failed > 0 {
				return fmt.Errorf("catch-up of %s has %d failed day(s)", jobType, report.Failed)
			}
			return nil
		})
	}

	if len(runner.Catalog().NearRealTime()) > 0 {
		if err := s.Every("live", cfg.FastCadence, func(ctx context.Context) error {
			for _, out := range runner.LiveTick(ctx, cfg.FastWindow) {
				if out.State == types.RunStateFailed {
					return out.Err
				}
			}
			return nil
		}); err != nil {
			return nil, err
		}
	}

	if sweeper != nil {
		if err := s.Every("retention", cfg.RetentionCadence, func(ctx context.Context) error {
			_, err := sweeper.Sweep(ctx)
			return err
		}); err != nil {
			return nil, err
		}
	}

	if reaper != nil {
		if err := s.Every("reaper", cfg.ReaperCadence, func(ctx context.Context) error {
			_, err := reaper.Reap(ctx)
			return err
		}); err != nil {
			return nil, err
		}
	}

	return s, nil
}

// Every registers fn on a cadence expression. Errors returned by fn are
// logged; the next tick runs regardless.
func (s *Scheduler) Every(name, expr string, fn func(ctx context.Context) error) error {
	sched, err := parseCadence(expr)
	if err != nil {
		return err
	}
	s.schedule(name, sched, fn)
	return nil
}

func (s *Scheduler) schedule(name string, sched cron.Schedule, fn func(ctx context.Context) error) {
	s.cron.Schedule(sched, cron.FuncJob(func() {
		ctx := s.context()
		if ctx.Err() != nil {
			return
		}
		if err := fn(ctx); err != nil {
			s.logger.ErrorContext(ctx, "scheduled task failed", "task", name, "error", err)
		}
	}))
}

func (s *Scheduler) context() context.Context {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.baseCtx
}

// Schedules returns the daily schedule of every job, with the next fire
// time after now.
func (s *Scheduler) Schedules(now time.Time) []JobSchedule {
	return DailySchedules(s.runner.Catalog(), s.daily, s.cfg.DailyCadence, s.cfg.StaggerStep, now)
}

// Start runs startup catch-up for every daily job, bounded by
// StartupConcurrency, then the retention startup check, then starts the cron
// loop. Startup failures are logged; the scheduled ticks retry them.
func (s *Scheduler) Start(ctx context.Context) error {
	s.mu.Lock()
	if s.started {
		s.mu.Unlock()
		return fmt.Errorf("scheduler already started")
	}
	if s.stopped {
		s.mu.Unlock()
		return fmt.Errorf("scheduler stopped")
	}
	s.started = true
	s.baseCtx, s.cancel = context.WithCancel(ctx)
	base := s.baseCtx
	s.mu.Unlock()

	g, gCtx := errgroup.WithContext(base)
	g.SetLimit(s.cfg.StartupConcurrency)
	for _, e := range s.runner.Catalog().Daily() {
		jobType := e.Type
		g.Go(func() error {
			report, err := s.runner.CatchUp(gCtx, jobType)
			if err != nil {
				s.logger.ErrorContext(gCtx, "startup catch-up failed",
					"job_type", jobType, "remaining", report.Remaining, "error", err)
			}
			// Only cancellation aborts startup; a failed job must not stop
			// the others.
			return base.Err()
		})
	}
	if err := g.Wait(); err != nil {
		return err
	}

	if s.sweeper != nil {
		ran, err := s.sweeper.StartupCheck(base)
		switch {
		case err != nil:
			s.logger.ErrorContext(base, "startup retention sweep failed", "error", err)
		case ran:
			s.logger.InfoContext(base, "startup retention sweep ran")
		}
	}

	// Stop may have run while catch-up was in flight.
	s.mu.Lock()
	if s.stopped || base.Err() != nil {
		s.mu.Unlock()
		return fmt.Errorf("scheduler stopped during startup: %w", context.Canceled)
	}
	s.cron.Start()
	s.mu.Unlock()
	s.logger.InfoContext(base, "scheduler started", "entries", len(s.cron.Entries()))
	return nil
}

// Stop stops the cron loop and waits for running ticks until ctx expires,
// then cancels them. A Start still running its catch-up never starts the
// cron loop afterwards.
func (s *Scheduler) Stop(ctx context.Context) error {
	s.mu.Lock()
	s.stopped = true
	s.mu.Unlock()

	done := s.cron.Stop()
	defer func() {
		s.mu.Lock()
		if s.cancel != nil {
			s.cancel()
		}
		s.mu.Unlock()
	}()

	select {
	case <-done.Done():
		return nil
	case <-ctx.Done():
		return fmt.Errorf("waiting for scheduled ticks: %w", ctx.Err())
	}
}

// DailySchedules computes each daily job's staggered schedule.
func DailySchedules(cat *jobs.Catalog, daily cron.Schedule, cadence string, step time.Duration, now time.Time) []JobSchedule {
	entries := cat.Daily()
	out := make([]JobSchedule, 0, len(entries))
	for _, e := range entries {
		offset := StaggerOffset(cat.Position(e.Type), step)
		out = append(out, JobSchedule{
			JobType:       e.Type,
			Cadence:       cadence,
			StaggerOffset: offset,
			Next:          Staggered(daily, offset).Next(now),
		})
	}
	return out
}

// StaggerOffset is position * step; unknown positions get no offset.
func StaggerOffset(position int, step time.Duration) time.Duration {
	if position <= 0 || step <= 0 {
		return 0
	}
	return time.Duration(position) * step
}

// Staggered shifts every activation of base by offset.
func Staggered(base cron.Schedule, offset time.Duration) cron.Schedule {
	if offset == 0 {
		return base
	}
	return staggered{base: base, offset: offset}
}

type staggered struct {
	base   cron.Schedule
	offset time.Duration
}

func (s staggered) Next(t time.Time) time.Time {
	return s.base.Next(t.Add(-s.offset)).Add(s.offset)
}

func parseCadence(expr string) (cron.Schedule, error) {
	sched, err := config.CadenceParser.Parse(expr)
	if err != nil {
		return nil, types.NewAppError(types.ErrCodeValidationInvalidCadence,
			fmt.Sprintf("invalid cadence %q", expr), err)
	}
	return sched, nil
}

// cronLogger adapts slog to cron.Logger.
type cronLogger struct{ l *slog.Logger }

func (c cronLogger) Info(msg string, keysAndValues ...interface{}) {
	c.l.Debug("cron: "+msg, keysAndValues...)
}

func (c cronLogger) Error(err error, msg string, keysAndValues ...interface{}) {
	c.l.Error("cron: "+msg, append(keysAndValues, "error", err)...)
}
