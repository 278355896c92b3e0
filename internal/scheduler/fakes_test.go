package scheduler

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"sort"
	"sync"
	"testing"
	"time"

	"github.com/jackc/pgx/v5"
	"github.com/stretchr/testify/require"

	"eventpulse/internal/jobs"
	"eventpulse/internal/types"
	"eventpulse/internal/workerpool"
)

// --- clock ---

type testClock struct {
	mu  sync.Mutex
	now time.Time
}

func newTestClock(now time.Time) *testClock { return &testClock{now: now} }

func (c *testClock) Now() time.Time {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.now
}

func (c *testClock) Advance(d time.Duration) {
	c.mu.Lock()
	c.now = c.now.Add(d)
	c.mu.Unlock()
}

// --- in-memory store ---

type storedMetric struct {
	ID          int64
	JobType     string
	Data        json.RawMessage
	PeriodStart time.Time
	PeriodEnd   time.Time
}

type storedRun struct {
	JobType string
	LockKey string
	Status  types.RunStatus
	Err     string
}

// memStore mirrors the SQL contracts of the db package: reclaiming
// acquire, holder-scoped release, GREATEST watermarks and the fenced commit.
type memStore struct {
	mu    sync.Mutex
	clock types.Clock

	locks   map[string]types.RunLock
	marks   map[string]time.Time
	metrics []storedMetric
	events  []types.RawEvent
	runs    map[int64]*storedRun
	nextID  int64

	acquireErr error
	commitErr  error
	deleteErr  error
	// beforeCommit runs inside CommitRun before the fence is checked.
	beforeCommit func(c types.RunCommit)
	acquires     []string
	releases     []string
}

func newMemStore(clock types.Clock) *memStore {
	return &memStore{
		clock: clock,
		locks: map[string]types.RunLock{},
		marks: map[string]time.Time{},
		runs:  map[int64]*storedRun{},
	}
}

func (s *memStore) Acquire(_ context.Context, key, holder string, ttl time.Duration) (bool, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.acquireErr != nil {
		return false, s.acquireErr
	}
	now := s.clock.Now()
	if l, ok := s.locks[key]; ok && !l.Expired(now) {
		return false, nil
	}
	s.locks[key] = types.RunLock{Key: key, Holder: holder, LockedAt: now, LockedUntil: now.Add(ttl)}
	s.acquires = append(s.acquires, key)
	return true, nil
}

func (s *memStore) Release(_ context.Context, key, holder string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if l, ok := s.locks[key]; ok && l.Holder == holder {
		delete(s.locks, key)
	}
	s.releases = append(s.releases, key)
	return nil
}

func (s *memStore) Extend(_ context.Context, key, holder string, ttl time.Duration) (bool, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	l, ok := s.locks[key]
	if !ok || l.Holder != holder {
		return false, nil
	}
	l.LockedUntil = s.clock.Now().Add(ttl)
	s.locks[key] = l
	return true, nil
}

func (s *memStore) ReapExpired(_ context.Context, now time.Time) ([]string, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	var keys []string
	for k, l := range s.locks {
		if l.LockedUntil.Before(now) {
			keys = append(keys, k)
			delete(s.locks, k)
		}
	}
	sort.Strings(keys)
	return keys, nil
}

func (s *memStore) Get(_ context.Context, jobType string) (time.Time, bool, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	wm, ok := s.marks[jobType]
	return wm, ok, nil
}

func (s *memStore) Advance(_ context.Context, jobType string, to time.Time) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.advanceLocked(jobType, to)
	return nil
}

func (s *memStore) advanceLocked(jobType string, to time.Time) {
	if cur, ok := s.marks[jobType]; !ok || to.After(cur) {
		s.marks[jobType] = to.UTC()
	}
}

func (s *memStore) CommitRun(_ context.Context, c types.RunCommit) (types.CommitResult, error) {
	if s.beforeCommit != nil {
		s.beforeCommit(c)
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.commitErr != nil {
		return types.CommitResult{}, s.commitErr
	}

	var wm time.Time
	if c.AdvanceWatermark {
		var ok bool
		if wm, ok = s.marks[c.JobType]; !ok {
			wm = c.InitialWatermark
			s.marks[c.JobType] = wm
		}
		if !wm.Before(c.PeriodEnd) {
			return types.CommitResult{Outcome: types.CommitOutcomeAlreadyCovered, Watermark: wm}, nil
		}
		if wm.Before(c.PeriodStart) {
			return types.CommitResult{Outcome: types.CommitOutcomeGap, Watermark: wm}, nil
		}
	}

	l, ok := s.locks[c.LockKey]
	if !ok || l.Holder != c.Holder || l.LockedUntil.Before(s.clock.Now()) {
		return types.CommitResult{}, types.NewAppError(types.ErrCodeConflictLockHeld,
			fmt.Sprintf("lock %s no longer held", c.LockKey), nil)
	}

	s.nextID++
	s.metrics = append(s.metrics, storedMetric{
		ID: s.nextID, JobType: c.JobType, Data: c.Data,
		PeriodStart: c.PeriodStart, PeriodEnd: c.PeriodEnd,
	})
	res := types.CommitResult{Outcome: types.CommitOutcomeCommitted, MetricID: s.nextID, Watermark: wm}
	if c.AdvanceWatermark {
		s.advanceLocked(c.JobType, c.PeriodEnd)
		res.Watermark = s.marks[c.JobType]
	}
	return res, nil
}

func (s *memStore) Start(_ context.Context, jobType, lockKey string, _, _, _ time.Time) (int64, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.nextID++
	s.runs[s.nextID] = &storedRun{JobType: jobType, LockKey: lockKey, Status: types.RunStatusRunning}
	return s.nextID, nil
}

func (s *memStore) Finish(_ context.Context, id int64, status types.RunStatus, errMsg string, _ time.Time) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if r, ok := s.runs[id]; ok {
		r.Status = status
		r.Err = errMsg
	}
	return nil
}

func (s *memStore) DeleteOlderThan(_ context.Context, cutoff time.Time) (int64, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.deleteErr != nil {
		return 0, s.deleteErr
	}
	kept := s.events[:0]
	var n int64
	for _, e := range s.events {
		if e.CreatedAt.Before(cutoff) {
			n++
			continue
		}
		kept = append(kept, e)
	}
	s.events = kept
	return n, nil
}

func (s *memStore) ListOlderThan(_ context.Context, cutoff time.Time, afterID int64, limit int) ([]types.RawEvent, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	var out []types.RawEvent
	for _, e := range s.events {
		if e.CreatedAt.Before(cutoff) && e.ID > afterID {
			out = append(out, e)
		}
	}
	sort.Slice(out, func(i, j int) bool { return out[i].ID < out[j].ID })
	if len(out) > limit {
		out = out[:limit]
	}
	return out, nil
}

func (s *memStore) DeleteByIDs(_ context.Context, ids []int64) (int64, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.deleteErr != nil {
		return 0, s.deleteErr
	}
	doomed := make(map[int64]bool, len(ids))
	for _, id := range ids {
		doomed[id] = true
	}
	kept := s.events[:0]
	var n int64
	for _, e := range s.events {
		if doomed[e.ID] {
			n++
			continue
		}
		kept = append(kept, e)
	}
	s.events = kept
	return n, nil
}

func (s *memStore) metricsFor(jobType string) []storedMetric {
	s.mu.Lock()
	defer s.mu.Unlock()
	var out []storedMetric
	for _, m := range s.metrics {
		if m.JobType == jobType {
			out = append(out, m)
		}
	}
	return out
}

func (s *memStore) watermark(jobType string) (time.Time, bool) {
	s.mu.Lock()
	defer s.mu.Unlock()
	wm, ok := s.marks[jobType]
	return wm, ok
}

func (s *memStore) lockHeld(key string) bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	_, ok := s.locks[key]
	return ok
}

// --- pool ---

const (
	testJob = "DAILY_TEST"
	liveJob = "LIVE_TEST"
)

type scriptedExecutor struct {
	mu    sync.Mutex
	calls []pgx.NamedArgs
	// fail returns an error for a window start, when set.
	fail func(start time.Time) error
}

func (e *scriptedExecutor) Execute(_ context.Context, _ string, args pgx.NamedArgs) ([]map[string]any, error) {
	e.mu.Lock()
	e.calls = append(e.calls, args)
	fail := e.fail
	e.mu.Unlock()
	start, _ := args["window_start"].(time.Time)
	if fail != nil {
		if err := fail(start); err != nil {
			return nil, err
		}
	}
	return []map[string]any{{"n": int64(1)}}, nil
}

func (e *scriptedExecutor) callCount() int {
	e.mu.Lock()
	defer e.mu.Unlock()
	return len(e.calls)
}

func testCatalog(t *testing.T) *jobs.Catalog {
	t.Helper()
	echo := func(rows []jobs.Row, date time.Time) (json.RawMessage, error) {
		return json.Marshal(map[string]any{"rows": len(rows), "date": date.Format(dayLayout)})
	}
	c, err := jobs.New(
		jobs.Entry{Descriptor: jobs.Descriptor{Type: testJob, Query: "SELECT 1 AS n"}, Process: echo},
		jobs.Entry{Descriptor: jobs.Descriptor{Type: liveJob, Query: "SELECT 1 AS n", NearRealTime: true}, Process: echo},
	)
	require.NoError(t, err)
	return c
}

type harness struct {
	clock  *testClock
	store  *memStore
	exec   *scriptedExecutor
	pool   *workerpool.Pool
	runner *Runner
}

var refNow = time.Date(2026, 3, 10, 1, 0, 0, 0, time.UTC)

func newHarness(t *testing.T) *harness {
	t.Helper()
	h := &harness{
		clock: newTestClock(refNow),
		exec:  &scriptedExecutor{},
	}
	h.store = newMemStore(h.clock)
	cat := testCatalog(t)
	h.pool = workerpool.New(h.exec, cat, workerpool.Config{Size: 2})
	t.Cleanup(func() {
		ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		_ = h.pool.Terminate(ctx)
	})
	h.runner = h.newRunner(cat, "instance-a")
	return h
}

func (h *harness) newRunner(cat *jobs.Catalog, holder string) *Runner {
	return NewRunner(h.store, h.store, h.store, h.store, h.pool, cat, RunnerConfig{
		Holder:          holder,
		LockTTL:         15 * time.Minute,
		DefaultLookback: 30 * 24 * time.Hour,
		Clock:           h.clock,
	})
}

func day(y int, m time.Month, d int) time.Time {
	return time.Date(y, m, d, 0, 0, 0, 0, time.UTC)
}

var errBoom = errors.New("boom")
