package scheduler

import (
	"context"
	"fmt"
	"time"

	"eventpulse/internal/types"
)

// CatchUpReport summarizes one catch-up pass for one job.
type CatchUpReport struct {
	JobType string    `json:"job_type"`
	From    time.Time `json:"from"`
	To      time.Time `json:"to"`

	Committed      int `json:"committed"`
	Skipped        int `json:"skipped"`
	AlreadyCovered int `json:"already_covered"`
	Deferred       int `json:"deferred"`
	Failed         int `json:"failed"`
	// Remaining counts days not attempted because the pass stopped early.
	Remaining int `json:"remaining"`
}

// Days returns the number of days in [From, To).
func (r CatchUpReport) Days() int {
	return daysBetween(r.From, r.To)
}

// CatchUp replays every day from the watermark's day up to today
// (exclusive) in increasing order, each under CATCHUP:<job>:<day>.
//
// A denied lock skips the day: another instance owns it. A failed day stops
// the pass, since the watermark cannot move past it; the next tick retries
// from that day. A deferred day (an earlier day is still being written
// elsewhere) also stops the pass, because every later day would defer too.
func (r *Runner) CatchUp(ctx context.Context, jobType string) (CatchUpReport, error) {
	now := r.clock.Now()
	report := CatchUpReport{JobType: jobType, To: types.StartOfDay(now)}

	if _, ok := r.catalog.Lookup(jobType); !ok {
		return report, types.NewAppError(types.ErrCodeValidationUnknownJobType,
			fmt.Sprintf("unknown job type %q", jobType), nil)
	}

	wm, ok, err := r.marks.Get(ctx, jobType)
	if err != nil {
		return report, fmt.Errorf("reading watermark for %s: %w", jobType, err)
	}
	if !ok {
		wm = r.InitialWatermark(now)
	}
	report.From = types.StartOfDay(wm)
	if report.From.After(report.To) {
		report.From = report.To
	}

	for day := report.From; day.Before(report.To); day = day.AddDate(0, 0, 1) {
		if err := ctx.Err(); err != nil {
			report.Remaining = daysBetween(day, report.To)
			return report, err
		}

		out := r.Run(ctx, RunRequest{
			JobType:          jobType,
			LockKey:          CatchUpLockKey(jobType, day),
			PeriodStart:      day,
			PeriodEnd:        day.AddDate(0, 0, 1),
			AdvanceWatermark: true,
		})

		switch out.State {
		case types.RunStateCommitted:
			report.Committed++
		case types.RunStateLockDenied:
			report.Skipped++
		case types.RunStateAlreadyCovered:
			report.AlreadyCovered++
		case types.RunStateDeferred:
			report.Deferred++
			report.Remaining = daysBetween(day, report.To) - 1
			return report, nil
		default:
			report.Failed++
			report.Remaining = daysBetween(day, report.To) - 1
			return report, fmt.Errorf("catch-up of %s stopped at %s: %w", jobType, day.Format(dayLayout), out.Err)
		}
	}

	if report.Committed > 0 || report.Skipped > 0 {
		r.logger.InfoContext(ctx, "catch-up finished",
			"job_type", jobType,
			"from", report.From.Format(dayLayout),
			"to", report.To.Format(dayLayout),
			"committed", report.Committed,
			"skipped", report.Skipped,
			"already_covered", report.AlreadyCovered,
		)
	}
	return report, nil
}

func daysBetween(from, to time.Time) int {
	if !from.Before(to) {
		return 0
	}
	return int(to.Sub(from).Hours() / 24)
}
