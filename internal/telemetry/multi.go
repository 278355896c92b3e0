package telemetry

import (
	"time"

	"eventpulse/internal/types"
)

// MultiRunObserver fans a run out to every non-nil observer in order.
type MultiRunObserver []types.RunObserver

// NewMultiRunObserver drops nil entries. It returns nil when none remain.
func NewMultiRunObserver(observers ...types.RunObserver) types.RunObserver {
	var out MultiRunObserver
	for _, o := range observers {
		if o != nil {
			out = append(out, o)
		}
	}
	switch len(out) {
	case 0:
		return nil
	case 1:
		return out[0]
	}
	return out
}

func (m MultiRunObserver) ObserveRun(jobType string, state types.RunState, d time.Duration) {
	for _, o := range m {
		o.ObserveRun(jobType, state, d)
	}
}
