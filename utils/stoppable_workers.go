// Package utils contains small helpers shared across the roverlink packages.
package utils

import (
	"context"
	"sync"

	goutils "go.viam.com/utils"
)

// StoppableWorkers is a group of background goroutines sharing one
// cancellation context. Stop cancels the context and waits for every worker
// to exit, so no timer callback can fire after teardown.
type StoppableWorkers struct {
	mu      sync.Mutex
	ctx     context.Context
	cancel  func()
	workers sync.WaitGroup
}

// NewStoppableWorkers starts each given function in its own goroutine.
func NewStoppableWorkers(funcs ...func(context.Context)) *StoppableWorkers {
	ctx, cancel := context.WithCancel(context.Background())
	sw := &StoppableWorkers{ctx: ctx, cancel: cancel}
	sw.Add(funcs...)
	return sw
}

// Add starts additional workers. It is a no-op once Stop has been called.
func (sw *StoppableWorkers) Add(funcs ...func(context.Context)) {
	sw.mu.Lock()
	defer sw.mu.Unlock()
	if sw.ctx.Err() != nil {
		return
	}
	sw.workers.Add(len(funcs))
	for _, f := range funcs {
		f := f
		goutils.PanicCapturingGo(func() {
			defer sw.workers.Done()
			f(sw.ctx)
		})
	}
}

// Stop cancels the shared context and blocks until all workers have returned.
func (sw *StoppableWorkers) Stop() {
	sw.mu.Lock()
	defer sw.mu.Unlock()
	sw.cancel()
	sw.workers.Wait()
}

// Context returns the context the workers watch for cancellation.
func (sw *StoppableWorkers) Context() context.Context {
	return sw.ctx
}
