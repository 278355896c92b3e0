package workerpool

import (
	"context"
	"fmt"
	"time"

	"eventpulse/internal/types"
)

type worker struct {
	id      int
	in      chan submission
	exec    QueryExecutor
	procs   ProcessorLookup
	timeout time.Duration
	runCtx  context.Context
}

func (w *worker) run(done chan<- completion) {
	for sub := range w.in {
		done <- completion{w: w, sub: sub, res: w.execute(sub)}
	}
}

// execute never panics; a panic inside the query or processor becomes a
// failed Result.
func (w *worker) execute(sub submission) (res Result) {
	task := sub.task
	start := time.Now()
	res = Result{Type: task.JobType, Date: task.Date}

	defer func() {
		if r := recover(); r != nil {
			res.Success = false
			res.Data = nil
			res.Code = types.ErrCodeInternalWorkerCommunication
			res.Error = fmt.Sprintf("worker panic: %v", r)
		}
		res.Duration = time.Since(start)
	}()

	ctx, cancel := context.WithCancel(sub.ctx)
	defer cancel()
	stop := context.AfterFunc(w.runCtx, cancel)
	defer stop()
	if w.timeout > 0 {
		var cancelTimeout context.CancelFunc
		ctx, cancelTimeout = context.WithTimeout(ctx, w.timeout)
		defer cancelTimeout()
	}

	process, ok := w.procs.Processor(task.JobType)
	if !ok {
		res.Code = types.ErrCodeInternalWorkerCommunication
		res.Error = fmt.Sprintf("no processor registered for job type %q", task.JobType)
		return res
	}

	rows, err := w.exec.Execute(ctx, task.Query, task.NamedArgs())
	if err != nil {
		res.Code = types.ErrCodeInternalQueryExecution
		res.Error = err.Error()
		return res
	}

	data, err := process(rows, task.Date)
	if err != nil {
		res.Code = types.ErrCodeInternalQueryExecution
		res.Error = fmt.Sprintf("processing rows: %v", err)
		return res
	}

	res.Success = true
	res.Data = data
	return res
}
