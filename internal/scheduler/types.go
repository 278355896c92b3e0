// Package scheduler drives the aggregation pipeline: lock-guarded job runs,
// day-by-day catch-up, the retention sweep, the expired-lock reaper, and the
// cron cadences that trigger them.
//
// MaintenancePayload is shared with cmd/maintenance, which runs the same
// operations on demand under the same lock discipline.
package scheduler

import "time"

// TaskType identifies an on-demand maintenance operation.
type TaskType string

const (
	TaskRetentionSweep TaskType = "retention_sweep"
	TaskReapLocks      TaskType = "reap_locks"
	TaskCatchUp        TaskType = "catch_up"
)

// MaintenancePayload is the JSON event accepted by the maintenance function:
//
//	{
//	  "task": "catch_up",
//	  "job_type": "DAILY_FUNNEL"
//	}
type MaintenancePayload struct {
	Task TaskType `json:"task"`
	// JobType selects the job for catch_up. Empty means every daily job.
	JobType string `json:"job_type,omitempty"`
}

// Lock keys.
const (
	RetentionLockKey = "DELETE_OLD_RAW_DATA"
	catchUpKeyPrefix = "CATCHUP:"
	liveKeyPrefix    = "LIVE:"
)

const dayLayout = "2006-01-02"

// CatchUpLockKey returns CATCHUP:<jobType>:<YYYY-MM-DD>.
func CatchUpLockKey(jobType string, day time.Time) string {
	return catchUpKeyPrefix + jobType + ":" + day.UTC().Format(dayLayout)
}

// LiveLockKey returns LIVE:<jobType>.
func LiveLockKey(jobType string) string {
	return liveKeyPrefix + jobType
}
