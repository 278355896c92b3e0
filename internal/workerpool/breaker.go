package workerpool

import (
	"context"
	"errors"
	"time"

	"github.com/jackc/pgx/v5"
	"github.com/sony/gobreaker/v2"

	"eventpulse/internal/types"
)

// BreakerExecutor trips after repeated store failures so a failing database
// fails every queued task fast instead of each waiting on its own timeout.
type BreakerExecutor struct {
	next    QueryExecutor
	breaker *gobreaker.CircuitBreaker[[]map[string]any]
}

// NewBreakerExecutor wraps next. The breaker opens after more than five
// consecutive failures and probes again after 30 seconds. Caller
// cancellations are not counted as failures.
func NewBreakerExecutor(next QueryExecutor, name string) *BreakerExecutor {
	cb := gobreaker.NewCircuitBreaker[[]map[string]any](gobreaker.Settings{
		Name:        name,
		MaxRequests: 1,
		Interval:    60 * time.Second,
		Timeout:     30 * time.Second,
		ReadyToTrip: func(counts gobreaker.Counts) bool {
			return counts.ConsecutiveFailures > 5
		},
		IsSuccessful: func(err error) bool {
			return err == nil || errors.Is(err, context.Canceled)
		},
	})
	return NewBreakerExecutorWith(next, cb)
}

// NewBreakerExecutorWith uses a caller-provided breaker.
func NewBreakerExecutorWith(next QueryExecutor, cb *gobreaker.CircuitBreaker[[]map[string]any]) *BreakerExecutor {
	return &BreakerExecutor{next: next, breaker: cb}
}

func (b *BreakerExecutor) Execute(ctx context.Context, sql string, args pgx.NamedArgs) ([]map[string]any, error) {
	rows, err := b.breaker.Execute(func() ([]map[string]any, error) {
		return b.next.Execute(ctx, sql, args)
	})
	if errors.Is(err, gobreaker.ErrOpenState) || errors.Is(err, gobreaker.ErrTooManyRequests) {
		return nil, types.NewAppError(
			types.ErrCodeInternalQueryExecution,
			"store circuit breaker is open",
			err,
		)
	}
	return rows, err
}

// State exposes the breaker state for logging.
func (b *BreakerExecutor) State() gobreaker.State {
	return b.breaker.State()
}
