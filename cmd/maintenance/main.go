// Package main is the EventPulse maintenance function.
//
// It is a Lambda multiplexer: EventBridge rules send a MaintenancePayload
// naming the task, and the handler routes it to the retention sweeper, the
// expired-lock reaper, or aggregation catch-up. Each operation takes its own
// run lock, so a manual invocation racing the server's scheduler is safe.
package main

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"os"
	"strings"

	"github.com/aws/aws-lambda-go/lambda"

	"eventpulse/internal/app"
	"eventpulse/internal/scheduler"
	"eventpulse/internal/types"
)

// Sweeper runs the retention sweep. *scheduler.RetentionSweeper satisfies it.
type Sweeper interface {
	Sweep(ctx context.Context) (scheduler.SweepReport, error)
}

// Reaper deletes expired run locks. *scheduler.LockReaper satisfies it.
type Reaper interface {
	Reap(ctx context.Context) ([]string, error)
}

// CatchUpper replays missed days. *scheduler.Runner satisfies it.
type CatchUpper interface {
	CatchUp(ctx context.Context, jobType string) (scheduler.CatchUpReport, error)
}

// Handler holds the dependencies of the maintenance function.
type Handler struct {
	Sweeper Sweeper
	Reaper  Reaper
	Runner  CatchUpper
	// DailyJobs is the catch_up target list when the payload names no job.
	DailyJobs []string
	// IsDaily reports whether a job type may be caught up.
	IsDaily func(jobType string) bool
	Logger  *slog.Logger
}

// Handle runs one maintenance task and returns a one-line summary.
func (h *Handler) Handle(ctx context.Context, payload scheduler.MaintenancePayload) (string, error) {
	logger := h.Logger
	if logger == nil {
		logger = slog.Default()
	}

	task := string(payload.Task)
	if task == "" {
		return "", fmt.Errorf("empty task type in maintenance payload")
	}
	logger.InfoContext(ctx, "maintenance handler invoked", "task", task, "job_type", payload.JobType)

	items, summary, err := h.dispatch(ctx, payload)
	if err != nil {
		logger.ErrorContext(ctx, "task execution failed",
			"task", task,
			"error", err,
			"items_before_error", items,
		)
		return "", fmt.Errorf("task %s failed: %w", task, err)
	}

	result := fmt.Sprintf("task %s complete: %d items processed", task, items)
	if summary != "" {
		result += " (" + summary + ")"
	}
	logger.InfoContext(ctx, result, "task", task, "items", items)
	return result, nil
}

func (h *Handler) dispatch(ctx context.Context, payload scheduler.MaintenancePayload) (int, string, error) {
	switch payload.Task {
	case scheduler.TaskRetentionSweep:
		report, err := h.Sweeper.Sweep(ctx)
		if err != nil {
			return int(report.Deleted), "", err
		}
		if report.Skipped {
			return 0, "skipped: " + scheduler.RetentionLockKey + " held by another instance", nil
		}
		return int(report.Deleted), fmt.Sprintf("archived %d rows in %d objects", report.Archived, len(report.Objects)), nil

	case scheduler.TaskReapLocks:
		reaped, err := h.Reaper.Reap(ctx)
		if err != nil {
			return 0, "", err
		}
		return len(reaped), strings.Join(reaped, ","), nil

	case scheduler.TaskCatchUp:
		return h.catchUp(ctx, payload.JobType)

	default:
		return 0, "", fmt.Errorf("unknown task type: %q", payload.Task)
	}
}

// catchUp replays one job, or every daily job when jobType is empty. Every
// job is attempted; their errors are joined.
func (h *Handler) catchUp(ctx context.Context, jobType string) (int, string, error) {
	targets := h.DailyJobs
	if jobType != "" {
		if h.IsDaily != nil && !h.IsDaily(jobType) {
			return 0, "", types.NewAppError(types.ErrCodeValidationUnknownJobType,
				fmt.Sprintf("%q is not a daily job type", jobType), nil)
		}
		targets = []string{jobType}
	}

	var (
		committed int
		deferred  int
		errs      []error
	)
	for _, jt := range targets {
		report, err := h.Runner.CatchUp(ctx, jt)
		committed += report.Committed
		deferred += report.Deferred
		if err != nil {
			errs = append(errs, fmt.Errorf("%s: %w", jt, err))
		}
	}
	return committed, fmt.Sprintf("%d jobs, %d deferred", len(targets), deferred), errors.Join(errs...)
}

func main() {
	cfg, err := app.LoadConfig()
	if err != nil {
		slog.Error("loading configuration", "error", err)
		os.Exit(1)
	}
	logger := app.NewLogger(cfg.LogLevel)
	logger.Info("maintenance function initializing (cold start)")

	a, err := app.New(context.Background(), cfg, logger)
	if err != nil {
		logger.Error("building application", "error", err)
		os.Exit(1)
	}

	handler := &Handler{
		Sweeper:   a.Sweeper,
		Reaper:    a.Reaper,
		Runner:    a.Runner,
		DailyJobs: a.Catalog.Types(),
		IsDaily: func(jobType string) bool {
			_, ok := a.Catalog.Lookup(jobType)
			return ok
		},
		Logger: logger,
	}

	logger.Info("maintenance function initialized", "holder", a.Holder)
	lambda.Start(handler.Handle)
}

