package types

import (
	"encoding/json"
	"time"
)

// AggregatedMetric is one summarized row written by a successful job run.
// Rows are append-only; PeriodStart and PeriodEnd record the window the row
// summarizes (a calendar day for daily runs, the trailing window for live runs).
type AggregatedMetric struct {
	ID          int64           `json:"id"`
	JobType     string          `json:"job_type"`
	Data        json.RawMessage `json:"data"`
	PeriodStart time.Time       `json:"period_start"`
	PeriodEnd   time.Time       `json:"period_end"`
	CreatedAt   time.Time       `json:"created_at"`
	UpdatedAt   time.Time       `json:"updated_at"`
}

// JobWatermark is the last processed day boundary for a job. It never moves
// backwards.
type JobWatermark struct {
	JobType           string    `json:"job_type"`
	LastProcessedDate time.Time `json:"last_processed_date"`
	UpdatedAt         time.Time `json:"updated_at"`
}

// RunLock is a persisted mutual-exclusion row keyed by job type, job type
// plus day, or a maintenance task name.
type RunLock struct {
	Key         string    `json:"key"`
	Holder      string    `json:"holder"`
	LockedAt    time.Time `json:"locked_at"`
	LockedUntil time.Time `json:"locked_until"`
}

// Expired reports whether the lock's TTL has elapsed at now.
func (l RunLock) Expired(now time.Time) bool {
	return l.LockedUntil.Before(now)
}

// RunStatus is the terminal status recorded in job_runs.
type RunStatus string

const (
	RunStatusRunning        RunStatus = "running"
	RunStatusCommitted      RunStatus = "committed"
	RunStatusAlreadyCovered RunStatus = "already_covered"
	RunStatusDeferred       RunStatus = "deferred"
	RunStatusFailed         RunStatus = "failed"
)

// JobRun is one row of run history.
type JobRun struct {
	ID          int64      `json:"id"`
	JobType     string     `json:"job_type"`
	LockKey     string     `json:"lock_key"`
	PeriodStart time.Time  `json:"period_start"`
	PeriodEnd   time.Time  `json:"period_end"`
	StartedAt   time.Time  `json:"started_at"`
	FinishedAt  *time.Time `json:"finished_at,omitempty"`
	Status      RunStatus  `json:"status"`
	Error       *string    `json:"error,omitempty"`
}

// MetricFilter selects aggregated metrics for the read endpoint. From is
// inclusive and To exclusive, both compared against created_at.
type MetricFilter struct {
	JobType string
	From    *time.Time
	To      *time.Time
	Limit   int
	Cursor  string
}

// APIKey is a credential for the read endpoints. KeyHash is a bcrypt hash of
// the secret part and MUST NOT be exposed.
type APIKey struct {
	ID        string     `json:"id"`
	Prefix    string     `json:"prefix"`
	KeyHash   string     `json:"-"`
	Name      string     `json:"name"`
	CreatedAt time.Time  `json:"created_at"`
	ExpiresAt *time.Time `json:"expires_at,omitempty"`
	RevokedAt *time.Time `json:"revoked_at,omitempty"`
}

// RunCommit is the persistence request issued after a run produced data.
// The metric insert, the lock check and the optional watermark advance happen
// in one transaction.
type RunCommit struct {
	JobType     string
	LockKey     string
	Holder      string
	Data        json.RawMessage
	PeriodStart time.Time
	PeriodEnd   time.Time

	// AdvanceWatermark is false for near-real-time runs.
	AdvanceWatermark bool
	// InitialWatermark seeds the watermark row when the job has none yet.
	InitialWatermark time.Time
}

// CommitOutcome is the result of a fenced commit.
type CommitOutcome string

const (
	CommitOutcomeCommitted CommitOutcome = "committed"
	// The watermark already reached PeriodEnd; another run wrote this period.
	CommitOutcomeAlreadyCovered CommitOutcome = "already_covered"
	// The watermark is behind PeriodStart; an earlier period is still
	// unprocessed and catch-up owns it.
	CommitOutcomeGap CommitOutcome = "gap"
)

// CommitResult reports what a fenced commit did.
type CommitResult struct {
	Outcome   CommitOutcome
	MetricID  int64
	Watermark time.Time
}
