package utils

import (
	"context"
	"sync"

	goutils "go.viam.com/utils"
)

// StoppableWorkers is a fixed set of goroutines sharing one cancellation context. Stop cancels
// them and waits; Wait only waits, for workers that finish on their own.
type StoppableWorkers interface {
	Stop()
	Wait()
}

// stoppableWorkersImpl is only handed out through the interface so the WaitGroup is never copied.
type stoppableWorkersImpl struct {
	cancel  context.CancelFunc
	running sync.WaitGroup
}

// NewStoppableWorkers runs each function in its own goroutine with a context cancelled by Stop.
// A panicking worker is logged and counts as returned.
func NewStoppableWorkers(funcs ...func(context.Context)) StoppableWorkers {
	ctx, cancel := context.WithCancel(context.Background())
	workers := &stoppableWorkersImpl{cancel: cancel}
	workers.running.Add(len(funcs))
	for _, f := range funcs {
		goutils.PanicCapturingGo(func() {
			defer workers.running.Done()
			f(ctx)
		})
	}
	return workers
}

// Stop cancels the workers and blocks until every one of them has returned. It may be called
// more than once.
func (sw *stoppableWorkersImpl) Stop() {
	sw.cancel()
	sw.running.Wait()
}

// Wait blocks until every worker has returned on its own, without cancelling them.
func (sw *stoppableWorkersImpl) Wait() {
	sw.running.Wait()
}
