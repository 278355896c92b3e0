package scheduler

import (
	"context"
	"testing"
	"time"

	"github.com/leanovate/gopter"
	"github.com/leanovate/gopter/gen"
	"github.com/leanovate/gopter/prop"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"eventpulse/internal/types"
)

func assertConsecutiveDays(t *testing.T, metrics []storedMetric, from time.Time) {
	t.Helper()
	for i, m := range metrics {
		assert.Equal(t, from.AddDate(0, 0, i), m.PeriodStart, "row %d", i)
		assert.Equal(t, from.AddDate(0, 0, i+1), m.PeriodEnd, "row %d", i)
	}
}

func TestCatchUp_FillsEveryMissingDay(t *testing.T) {
	h := newHarness(t)
	h.store.marks[testJob] = day(2026, 3, 5)

	report, err := h.runner.CatchUp(context.Background(), testJob)

	require.NoError(t, err)
	assert.Equal(t, day(2026, 3, 5), report.From)
	assert.Equal(t, day(2026, 3, 10), report.To)
	assert.Equal(t, 5, report.Days())
	assert.Equal(t, 5, report.Committed)
	assert.Zero(t, report.Remaining)

	metrics := h.store.metricsFor(testJob)
	require.Len(t, metrics, 5)
	assertConsecutiveDays(t, metrics, day(2026, 3, 5))

	wm, _ := h.store.watermark(testJob)
	assert.Equal(t, day(2026, 3, 10), wm)
	assert.Contains(t, h.store.acquires, "CATCHUP:DAILY_TEST:2026-03-05")
}

func TestCatchUp_DefaultLookbackWithoutWatermark(t *testing.T) {
	h := newHarness(t)

	report, err := h.runner.CatchUp(context.Background(), testJob)

	require.NoError(t, err)
	assert.Equal(t, day(2026, 2, 8), report.From)
	assert.Equal(t, 30, report.Committed)
	assert.Len(t, h.store.metricsFor(testJob), 30)
}

func TestCatchUp_UpToDateIsNoop(t *testing.T) {
	h := newHarness(t)
	h.store.marks[testJob] = day(2026, 3, 10)

	report, err := h.runner.CatchUp(context.Background(), testJob)

	require.NoError(t, err)
	assert.Zero(t, report.Days())
	assert.Zero(t, h.exec.callCount())
}

func TestCatchUp_FailedDayStopsAndRetries(t *testing.T) {
	h := newHarness(t)
	h.store.marks[testJob] = day(2026, 3, 5)
	h.exec.fail = func(start time.Time) error {
		if start.Equal(day(2026, 3, 7)) {
			return errBoom
		}
		return nil
	}

	report, err := h.runner.CatchUp(context.Background(), testJob)

	require.Error(t, err)
	assert.Equal(t, 2, report.Committed)
	assert.Equal(t, 1, report.Failed)
	assert.Equal(t, 2, report.Remaining)
	wm, _ := h.store.watermark(testJob)
	assert.Equal(t, day(2026, 3, 7), wm)

	h.exec.mu.Lock()
	h.exec.fail = nil
	h.exec.mu.Unlock()

	report, err = h.runner.CatchUp(context.Background(), testJob)
	require.NoError(t, err)
	assert.Equal(t, day(2026, 3, 7), report.From)
	assert.Equal(t, 3, report.Committed)

	metrics := h.store.metricsFor(testJob)
	require.Len(t, metrics, 5)
	assertConsecutiveDays(t, metrics, day(2026, 3, 5))
}

func TestCatchUp_SlowDaysStillCommit(t *testing.T) {
	h := newHarness(t)
	h.store.marks[testJob] = day(2026, 3, 7)
	h.exec.fail = func(time.Time) error {
		h.clock.Advance(16 * time.Minute)
		return nil
	}

	report, err := h.runner.CatchUp(context.Background(), testJob)

	require.NoError(t, err)
	assert.Equal(t, 3, report.Committed)
	assert.Zero(t, report.Remaining)
	assert.Len(t, h.store.metricsFor(testJob), 3)
	wm, _ := h.store.watermark(testJob)
	assert.Equal(t, day(2026, 3, 10), wm)
}

func TestCatchUp_DeniedDaySkipped(t *testing.T) {
	h := newHarness(t)
	h.store.marks[testJob] = day(2026, 3, 5)
	ok, err := h.store.Acquire(context.Background(), CatchUpLockKey(testJob, day(2026, 3, 6)), "instance-b", time.Hour)
	require.NoError(t, err)
	require.True(t, ok)

	report, err := h.runner.CatchUp(context.Background(), testJob)

	require.NoError(t, err)
	assert.Equal(t, 1, report.Committed)
	assert.Equal(t, 1, report.Skipped)
	// 03-07 cannot commit while 03-06 is owned elsewhere.
	assert.Equal(t, 1, report.Deferred)
	assert.Equal(t, 2, report.Remaining)
	wm, _ := h.store.watermark(testJob)
	assert.Equal(t, day(2026, 3, 6), wm)
}

func TestCatchUp_TwoInstancesWriteEachDayOnce(t *testing.T) {
	h := newHarness(t)
	h.store.marks[testJob] = day(2026, 3, 1)
	other := h.newRunner(h.runner.Catalog(), "instance-b")

	done := make(chan struct{})
	go func() {
		defer close(done)
		_, _ = other.CatchUp(context.Background(), testJob)
	}()
	_, err := h.runner.CatchUp(context.Background(), testJob)
	require.NoError(t, err)
	<-done

	// Either instance may stop early; a final pass completes the range.
	_, err = h.runner.CatchUp(context.Background(), testJob)
	require.NoError(t, err)

	metrics := h.store.metricsFor(testJob)
	require.Len(t, metrics, 9)
	assertConsecutiveDays(t, metrics, day(2026, 3, 1))
}

func TestCatchUp_UnknownJob(t *testing.T) {
	h := newHarness(t)

	_, err := h.runner.CatchUp(context.Background(), "NOPE")

	assert.True(t, types.IsCode(err, types.ErrCodeValidationUnknownJobType))
}

func TestCatchUp_CancelledContext(t *testing.T) {
	h := newHarness(t)
	h.store.marks[testJob] = day(2026, 3, 5)
	ctx, cancel := context.WithCancel(context.Background())
	cancel()

	report, err := h.runner.CatchUp(ctx, testJob)

	assert.ErrorIs(t, err, context.Canceled)
	assert.Equal(t, 5, report.Remaining)
	assert.Empty(t, h.store.metricsFor(testJob))
}

func TestDailyTick_YesterdayCoveredByCatchUp(t *testing.T) {
	h := newHarness(t)
	h.store.marks[testJob] = day(2026, 3, 7)

	report, out := h.runner.DailyTick(context.Background(), testJob)

	assert.Equal(t, 3, report.Committed)
	assert.Equal(t, types.RunStateAlreadyCovered, out.State)
	assert.Equal(t, testJob, out.LockKey)
	assert.Len(t, h.store.metricsFor(testJob), 3)
}

func TestProperty_CatchUpCompleteness(t *testing.T) {
	parameters := gopter.DefaultTestParameters()
	parameters.MinSuccessfulTests = 25
	properties := gopter.NewProperties(parameters)

	properties.Property("a watermark N days back yields N consecutive rows and ends at today", prop.ForAll(
		func(n int) bool {
			h := newHarness(t)
			today := types.StartOfDay(refNow)
			h.store.marks[testJob] = today.AddDate(0, 0, -n)

			if _, err := h.runner.CatchUp(context.Background(), testJob); err != nil {
				return false
			}
			metrics := h.store.metricsFor(testJob)
			if len(metrics) != n {
				return false
			}
			for i := 1; i < len(metrics); i++ {
				if !metrics[i].PeriodStart.Equal(metrics[i-1].PeriodEnd) {
					return false
				}
			}
			wm, _ := h.store.watermark(testJob)
			return wm.Equal(today)
		},
		gen.IntRange(0, 40),
	))

	properties.TestingRun(t)
}

func TestProperty_WatermarkNeverMovesBackwards(t *testing.T) {
	parameters := gopter.DefaultTestParameters()
	parameters.MinSuccessfulTests = 50
	properties := gopter.NewProperties(parameters)

	properties.Property("runs over arbitrary days never lower the watermark or duplicate a day", prop.ForAll(
		func(offsets []int) bool {
			h := newHarness(t)
			today := types.StartOfDay(refNow)
			h.store.marks[testJob] = today.AddDate(0, 0, -10)

			prev, _ := h.store.watermark(testJob)
			for _, off := range offsets {
				start := today.AddDate(0, 0, -off)
				h.runner.Run(context.Background(), RunRequest{
					JobType:          testJob,
					LockKey:          CatchUpLockKey(testJob, start),
					PeriodStart:      start,
					PeriodEnd:        start.AddDate(0, 0, 1),
					AdvanceWatermark: true,
				})
				wm, _ := h.store.watermark(testJob)
				if wm.Before(prev) {
					return false
				}
				prev = wm
			}

			seen := map[time.Time]bool{}
			for _, m := range h.store.metricsFor(testJob) {
				if seen[m.PeriodStart] {
					return false
				}
				seen[m.PeriodStart] = true
			}
			return true
		},
		gen.SliceOf(gen.IntRange(1, 10)),
	))

	properties.TestingRun(t)
}
