//go:build integration

package db

import (
	"context"
	"encoding/json"
	"fmt"
	"os/exec"
	"sync"
	"testing"
	"time"

	"github.com/jackc/pgx/v5/pgxpool"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"github.com/testcontainers/testcontainers-go"
	"github.com/testcontainers/testcontainers-go/wait"

	"eventpulse/internal/types"
)

func skipIfNoDocker(t *testing.T) {
	t.Helper()
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	if exec.CommandContext(ctx, "docker", "info").Run() != nil {
		t.Skip("Skipping test: Docker not available")
	}
}

func startPostgres(t *testing.T) *pgxpool.Pool {
	t.Helper()
	skipIfNoDocker(t)
	ctx := context.Background()

	container, err := testcontainers.GenericContainer(ctx, testcontainers.GenericContainerRequest{
		ContainerRequest: testcontainers.ContainerRequest{
			Image:        "postgres:16-alpine",
			ExposedPorts: []string{"5432/tcp"},
			Env: map[string]string{
				"POSTGRES_USER":     "eventpulse",
				"POSTGRES_PASSWORD": "eventpulse",
				"POSTGRES_DB":       "eventpulse",
			},
			WaitingFor: wait.ForAll(
				wait.ForLog("database system is ready to accept connections").WithOccurrence(2),
				wait.ForListeningPort("5432/tcp"),
			).WithStartupTimeout(2 * time.Minute),
		},
		Started: true,
	})
	require.NoError(t, err)
	t.Cleanup(func() {
		if err := container.Terminate(context.Background()); err != nil {
			t.Logf("failed to terminate container: %v", err)
		}
	})

	host, err := container.Host(ctx)
	require.NoError(t, err)
	port, err := container.MappedPort(ctx, "5432/tcp")
	require.NoError(t, err)

	dsn := fmt.Sprintf("postgres://eventpulse:eventpulse@%s:%s/eventpulse?sslmode=disable", host, port.Port())
	pool, err := pgxpool.New(ctx, dsn)
	require.NoError(t, err)
	t.Cleanup(pool.Close)

	require.NoError(t, ApplySchema(ctx, pool))
	return pool
}

func TestIntegration_LockMutualExclusion(t *testing.T) {
	pool := startPostgres(t)
	locks := NewRunLockRepository(pool)
	ctx := context.Background()

	const contenders = 8
	var wg sync.WaitGroup
	results := make([]bool, contenders)
	for i := 0; i < contenders; i++ {
		wg.Add(1)
		go func(i int) {
			defer wg.Done()
			ok, err := locks.Acquire(ctx, "DAILY_PAGE_VIEWS", fmt.Sprintf("inst-%d", i), time.Minute)
			assert.NoError(t, err)
			results[i] = ok
		}(i)
	}
	wg.Wait()

	won := 0
	for _, ok := range results {
		if ok {
			won++
		}
	}
	assert.Equal(t, 1, won, "exactly one contender may hold the lock")
}

func TestIntegration_ExpiredLockIsReclaimedAndReaped(t *testing.T) {
	pool := startPostgres(t)
	ctx := context.Background()
	locks := NewRunLockRepository(pool)

	ok, err := locks.Acquire(ctx, "k", "old", -time.Second)
	require.NoError(t, err)
	require.True(t, ok)

	ok, err = locks.Acquire(ctx, "k", "new", time.Minute)
	require.NoError(t, err)
	assert.True(t, ok, "expired lock should be reclaimed")

	// The stale holder cannot delete the new holder's row.
	require.NoError(t, locks.Release(ctx, "k", "old"))
	held, err := locks.HoldForCommit(ctx, "k", "new")
	require.NoError(t, err)
	assert.True(t, held)

	ok, err = locks.Acquire(ctx, "stale", "x", -time.Second)
	require.NoError(t, err)
	require.True(t, ok)
	reaped, err := locks.ReapExpired(ctx, time.Now().UTC())
	require.NoError(t, err)
	assert.Equal(t, []string{"stale"}, reaped)
}

func TestIntegration_ExtendedLockOutlivesOriginalTTL(t *testing.T) {
	pool := startPostgres(t)
	ctx := context.Background()
	locks := NewRunLockRepository(pool)

	ok, err := locks.Acquire(ctx, "DAILY_PAGE_VIEWS", "slow", -time.Second)
	require.NoError(t, err)
	require.True(t, ok)

	// Past its TTL but not yet reclaimed: the holder can still renew.
	ok, err = locks.Extend(ctx, "DAILY_PAGE_VIEWS", "slow", time.Minute)
	require.NoError(t, err)
	require.True(t, ok)

	held, err := locks.HoldForCommit(ctx, "DAILY_PAGE_VIEWS", "slow")
	require.NoError(t, err)
	assert.True(t, held)

	ok, err = locks.Acquire(ctx, "DAILY_PAGE_VIEWS", "other", time.Minute)
	require.NoError(t, err)
	assert.False(t, ok, "an extended lock is live again")

	ok, err = locks.Extend(ctx, "DAILY_PAGE_VIEWS", "other", time.Minute)
	require.NoError(t, err)
	assert.False(t, ok, "only the holder may extend")
}

func TestIntegration_CommitFenceSingleWriter(t *testing.T) {
	pool := startPostgres(t)
	ctx := context.Background()
	store := NewStore(pool)

	day := types.StartOfDay(time.Now().AddDate(0, 0, -1))
	commit := func(key, holder string) (types.CommitResult, error) {
		ok, err := store.Locks.Acquire(ctx, key, holder, time.Minute)
		require.NoError(t, err)
		require.True(t, ok)
		defer func() { _ = store.Locks.Release(ctx, key, holder) }()
		return store.CommitRun(ctx, types.RunCommit{
			JobType:          "DAILY_PAGE_VIEWS",
			LockKey:          key,
			Holder:           holder,
			Data:             json.RawMessage(`{"page_views":1}`),
			PeriodStart:      day,
			PeriodEnd:        day.AddDate(0, 0, 1),
			AdvanceWatermark: true,
			InitialWatermark: day,
		})
	}

	first, err := commit("CATCHUP:DAILY_PAGE_VIEWS:"+day.Format("2006-01-02"), "a")
	require.NoError(t, err)
	assert.Equal(t, types.CommitOutcomeCommitted, first.Outcome)

	second, err := commit("DAILY_PAGE_VIEWS", "b")
	require.NoError(t, err)
	assert.Equal(t, types.CommitOutcomeAlreadyCovered, second.Outcome)

	rows, err := store.Metrics.List(ctx, types.MetricFilter{JobType: "DAILY_PAGE_VIEWS"})
	require.NoError(t, err)
	assert.Len(t, rows, 1)

	wm, ok, err := store.Watermarks.Get(ctx, "DAILY_PAGE_VIEWS")
	require.NoError(t, err)
	require.True(t, ok)
	assert.Equal(t, day.AddDate(0, 0, 1), wm)
}

func TestIntegration_MetricPagesSplitTiedTimestamps(t *testing.T) {
	pool := startPostgres(t)
	ctx := context.Background()

	// One transaction gives every row the same created_at.
	tx, err := pool.Begin(ctx)
	require.NoError(t, err)
	start := time.Date(2026, 3, 1, 0, 0, 0, 0, time.UTC)
	for i := 0; i < 5; i++ {
		_, err := NewMetricRepository(tx).Insert(ctx, "DAILY_PAGE_VIEWS",
			json.RawMessage(fmt.Sprintf(`{"page_views":%d}`, i)),
			start.AddDate(0, 0, i), start.AddDate(0, 0, i+1))
		require.NoError(t, err)
	}
	require.NoError(t, tx.Commit(ctx))

	metrics := NewMetricRepository(pool)
	seen := map[int64]bool{}
	filter := types.MetricFilter{JobType: "DAILY_PAGE_VIEWS", Limit: 2}
	for pages := 0; pages < 5; pages++ {
		rows, err := metrics.List(ctx, filter)
		require.NoError(t, err)
		more := len(rows) > filter.Limit
		if more {
			rows = rows[:filter.Limit]
		}
		for _, m := range rows {
			assert.False(t, seen[m.ID], "row %d returned twice", m.ID)
			seen[m.ID] = true
		}
		if !more {
			break
		}
		last := rows[len(rows)-1]
		filter.Cursor = types.KeysetCursor{CreatedAt: last.CreatedAt, ID: last.ID}.String()
	}
	assert.Len(t, seen, 5, "every tied row must appear on some page")
}

func TestIntegration_WatermarkNeverMovesBackwards(t *testing.T) {
	pool := startPostgres(t)
	ctx := context.Background()
	marks := NewWatermarkRepository(pool)

	base := time.Date(2026, 3, 1, 0, 0, 0, 0, time.UTC)
	for _, offset := range []int{3, 1, 5, 2, 5, 0} {
		require.NoError(t, marks.Advance(ctx, "J", base.AddDate(0, 0, offset)))
	}
	wm, _, err := marks.Get(ctx, "J")
	require.NoError(t, err)
	assert.Equal(t, base.AddDate(0, 0, 5), wm)
}

func TestIntegration_RetentionDeletesOnlyPastHorizon(t *testing.T) {
	pool := startPostgres(t)
	ctx := context.Background()
	events := NewEventRepository(pool)

	now := time.Now().UTC()
	var batch []types.RawEvent
	for _, age := range []int{10, 59, 61, 90} {
		batch = append(batch, types.RawEvent{
			Type:      types.EventPageView,
			Payload:   json.RawMessage(fmt.Sprintf(`{"age":%d}`, age)),
			SessionID: "s",
			CreatedAt: now.AddDate(0, 0, -age),
		})
	}
	n, err := events.InsertBatch(ctx, batch)
	require.NoError(t, err)
	require.Equal(t, int64(4), n)

	deleted, err := events.DeleteOlderThan(ctx, now.Add(-60*24*time.Hour))
	require.NoError(t, err)
	assert.Equal(t, int64(2), deleted)

	left, err := events.ListOlderThan(ctx, now.Add(time.Hour), 0, 10)
	require.NoError(t, err)
	require.Len(t, left, 2)
	assert.JSONEq(t, `{"age":10}`, string(left[0].Payload))
	assert.JSONEq(t, `{"age":59}`, string(left[1].Payload))
}
