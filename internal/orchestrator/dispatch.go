package orchestrator

import (
	"context"

	"github.com/dohr-michael/genbatch/internal/automator"
)

// Dispatcher starts a job against a page without waiting for it. The job
// reports its outcome on the bus.
type Dispatcher interface {
	Dispatch(ctx context.Context, page automator.Page, job automator.Job)
}

// DispatcherFunc adapts a function to Dispatcher.
type DispatcherFunc func(ctx context.Context, page automator.Page, job automator.Job)

func (f DispatcherFunc) Dispatch(ctx context.Context, page automator.Page, job automator.Job) {
	f(ctx, page, job)
}

// Inject dispatches jobs to a on their own goroutine.
func Inject(a *automator.Automator) Dispatcher {
	return DispatcherFunc(func(ctx context.Context, page automator.Page, job automator.Job) {
		go a.Run(ctx, page, job)
	})
}
