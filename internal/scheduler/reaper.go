package scheduler

import (
	"context"
	"log/slog"

	"eventpulse/internal/types"
)

// LockReaper deletes run locks whose TTL elapsed, so a crashed holder blocks
// its key for at most one TTL even if nobody contends for it.
type LockReaper struct {
	store  LockReaperStore
	clock  types.Clock
	logger *slog.Logger
}

func NewLockReaper(store LockReaperStore, clock types.Clock, logger *slog.Logger) *LockReaper {
	if logger == nil {
		logger = slog.Default()
	}
	if clock == nil {
		clock = types.RealClock{}
	}
	return &LockReaper{store: store, clock: clock, logger: logger}
}

// Reap returns the keys it freed.
func (r *LockReaper) Reap(ctx context.Context) ([]string, error) {
	keys, err := r.store.ReapExpired(ctx, r.clock.Now())
	if err != nil {
		return nil, err
	}
	if len(keys) > 0 {
		r.logger.WarnContext(ctx, "reaped expired run locks", "count", len(keys), "keys", keys)
	}
	return keys, nil
}
