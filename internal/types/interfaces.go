package types

import "time"

// Validator is implemented by entities to self-validate.
type Validator interface {
	Validate() error
}

// RunState is the terminal state of one scheduled run.
//
// A run moves Idle -> LockRequested -> {LockDenied | Running}, and a running
// run ends as Committed, AlreadyCovered, Deferred or Failed. Deferred means an
// earlier period is still missing, so the watermark cannot advance past it.
// Only terminal states are reported to observers.
type RunState string

const (
	RunStateIdle           RunState = "idle"
	RunStateLockRequested  RunState = "lock_requested"
	RunStateLockDenied     RunState = "lock_denied"
	RunStateRunning        RunState = "running"
	RunStateCommitted      RunState = "committed"
	RunStateAlreadyCovered RunState = "already_covered"
	RunStateDeferred       RunState = "deferred"
	RunStateFailed         RunState = "failed"
)

// RunObserver receives one call per finished run.
// Implementations must be safe for concurrent use.
type RunObserver interface {
	ObserveRun(jobType string, state RunState, duration time.Duration)
}

// PoolObserver receives worker pool occupancy and task timings.
// Implementations must be safe for concurrent use.
type PoolObserver interface {
	SetPoolSize(size int)
	SetBusyWorkers(n int)
	SetQueueDepth(n int)
	ObserveTask(jobType string, success bool, duration time.Duration)
}
