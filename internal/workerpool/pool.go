// Package workerpool runs aggregation tasks on a fixed set of goroutine
// workers. A single coordinator goroutine owns the FIFO queue and the idle
// worker set; workers report back over a channel, so no task state is shared
// between goroutines.
package workerpool

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"runtime"
	"sync"
	"time"

	"github.com/jackc/pgx/v5"

	"eventpulse/internal/jobs"
	"eventpulse/internal/types"
)

// ErrPoolClosed is returned for tasks submitted after Terminate and for
// tasks abandoned when Terminate's context expired.
var ErrPoolClosed = errors.New("worker pool is closed")

// QueryExecutor runs one catalog query. *db.QueryExecutor and
// BreakerExecutor satisfy it.
type QueryExecutor interface {
	Execute(ctx context.Context, sql string, args pgx.NamedArgs) ([]map[string]any, error)
}

// ProcessorLookup resolves a job type to its processor. *jobs.Catalog
// satisfies it.
type ProcessorLookup interface {
	Processor(jobType string) (jobs.Processor, bool)
}

// Result is the message a worker sends back for one task.
type Result struct {
	Type     string          `json:"type"`
	Data     json.RawMessage `json:"data,omitempty"`
	Date     time.Time       `json:"date"`
	Success  bool            `json:"success"`
	Error    string          `json:"error,omitempty"`
	Code     types.ErrorCode `json:"code,omitempty"`
	Duration time.Duration   `json:"duration"`
}

// Config controls pool construction.
type Config struct {
	// MaxWorkers caps the pool; the size is min(MaxWorkers, NumCPU-1), at least 1.
	MaxWorkers int
	// Size, when positive, fixes the worker count and skips the CPU cap.
	Size int
	// TaskTimeout bounds a single task. Zero disables it.
	TaskTimeout time.Duration
	Observer    types.PoolObserver
	Logger      *slog.Logger
}

// PoolSize returns min(maxWorkers, cpus-1) with a floor of 1.
func PoolSize(maxWorkers, cpus int) int {
	n := cpus - 1
	if maxWorkers < n {
		n = maxWorkers
	}
	if n < 1 {
		n = 1
	}
	return n
}

type outcome struct {
	res Result
	err error
}

type submission struct {
	ctx   context.Context
	task  jobs.Task
	reply chan outcome
}

type completion struct {
	w   *worker
	sub submission
	res Result
}

// Pool is a bounded worker pool. Create it with New; it is ready immediately.
type Pool struct {
	size     int
	observer types.PoolObserver
	logger   *slog.Logger

	submitCh chan submission
	doneCh   chan completion

	closing   chan struct{}
	abandoned chan struct{}
	stopped   chan struct{}

	closeOnce   sync.Once
	abandonOnce sync.Once

	runCtx    context.Context
	cancelRun context.CancelFunc
}

// New starts the workers and the coordinator.
func New(exec QueryExecutor, procs ProcessorLookup, cfg Config) *Pool {
	size := cfg.Size
	if size <= 0 {
		size = PoolSize(cfg.MaxWorkers, runtime.NumCPU())
	}
	logger := cfg.Logger
	if logger == nil {
		logger = slog.Default()
	}
	observer := cfg.Observer
	if observer == nil {
		observer = noopObserver{}
	}

	runCtx, cancel := context.WithCancel(context.Background())
	p := &Pool{
		size:      size,
		observer:  observer,
		logger:    logger,
		submitCh:  make(chan submission),
		doneCh:    make(chan completion),
		closing:   make(chan struct{}),
		abandoned: make(chan struct{}),
		stopped:   make(chan struct{}),
		runCtx:    runCtx,
		cancelRun: cancel,
	}

	workers := make([]*worker, size)
	for i := range workers {
		workers[i] = &worker{
			id:      i,
			in:      make(chan submission, 1),
			exec:    exec,
			procs:   procs,
			timeout: cfg.TaskTimeout,
			runCtx:  runCtx,
		}
		go workers[i].run(p.doneCh)
	}

	observer.SetPoolSize(size)
	go p.coordinate(workers)
	return p
}

// Size returns the number of workers.
func (p *Pool) Size() int { return p.size }

// RunTask queues task and waits for its result. A failed task returns the
// Result together with an AppError carrying internal_query_execution or
// internal_worker_communication.
func (p *Pool) RunTask(ctx context.Context, task jobs.Task) (Result, error) {
	sub := submission{ctx: ctx, task: task, reply: make(chan outcome, 1)}

	select {
	case p.submitCh <- sub:
	case <-p.closing:
		return Result{}, ErrPoolClosed
	case <-ctx.Done():
		return Result{}, ctx.Err()
	}

	select {
	case out := <-sub.reply:
		if out.err != nil {
			return out.res, out.err
		}
		if !out.res.Success {
			code := out.res.Code
			if code == "" {
				code = types.ErrCodeInternalWorkerCommunication
			}
			return out.res, types.NewAppErrorWithDetails(code, out.res.Error, nil,
				map[string]any{"job_type": task.JobType})
		}
		return out.res, nil
	case <-p.abandoned:
		return Result{}, ErrPoolClosed
	case <-ctx.Done():
		return Result{}, ctx.Err()
	}
}

// Terminate stops accepting tasks and waits until queued and running tasks
// finish. If ctx expires first, queued tasks are dropped, running tasks are
// cancelled, every waiting caller receives ErrPoolClosed, and ctx's error is
// returned.
func (p *Pool) Terminate(ctx context.Context) error {
	p.closeOnce.Do(func() { close(p.closing) })

	select {
	case <-p.stopped:
		p.cancelRun()
		return nil
	case <-ctx.Done():
		p.abandonOnce.Do(func() {
			close(p.abandoned)
			p.cancelRun()
		})
		return fmt.Errorf("worker pool did not drain: %w", ctx.Err())
	}
}

// coordinate owns all scheduling state. It exits once closing was requested
// and no work is queued or running.
func (p *Pool) coordinate(workers []*worker) {
	defer close(p.stopped)

	idle := append([]*worker(nil), workers...)
	var queue []submission
	busy := 0
	closing := p.closing
	abandoned := p.abandoned
	draining := false

	dispatch := func() {
		for len(idle) > 0 && len(queue) > 0 {
			sub := queue[0]
			queue[0] = submission{}
			queue = queue[1:]
			if err := sub.ctx.Err(); err != nil {
				sub.reply <- outcome{err: err}
				continue
			}
			w := idle[len(idle)-1]
			idle = idle[:len(idle)-1]
			busy++
			w.in <- sub
		}
		p.observer.SetBusyWorkers(busy)
		p.observer.SetQueueDepth(len(queue))
	}

	for {
		if draining && busy == 0 && len(queue) == 0 {
			for _, w := range workers {
				close(w.in)
			}
			return
		}

		select {
		case sub := <-p.submitCh:
			if draining {
				sub.reply <- outcome{err: ErrPoolClosed}
				continue
			}
			queue = append(queue, sub)
			dispatch()

		case c := <-p.doneCh:
			busy--
			idle = append(idle, c.w)
			p.observer.ObserveTask(c.res.Type, c.res.Success, c.res.Duration)
			if !c.res.Success {
				p.logger.Warn("worker task failed",
					"job_type", c.res.Type,
					"worker", c.w.id,
					"code", string(c.res.Code),
					"error", c.res.Error,
				)
			}
			c.sub.reply <- outcome{res: c.res}
			dispatch()

		case <-closing:
			closing = nil
			draining = true

		case <-abandoned:
			abandoned = nil
			for _, sub := range queue {
				sub.reply <- outcome{err: ErrPoolClosed}
			}
			queue = nil
			p.observer.SetQueueDepth(0)
		}
	}
}

type noopObserver struct{}

func (noopObserver) SetPoolSize(int)                          {}
func (noopObserver) SetBusyWorkers(int)                       {}
func (noopObserver) SetQueueDepth(int)                        {}
func (noopObserver) ObserveTask(string, bool, time.Duration) {}
