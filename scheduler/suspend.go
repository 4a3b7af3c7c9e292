package scheduler

import (
	"context"
	"sync/atomic"

	"golang.org/x/sync/semaphore"
)

// slot tracks ownership of one admission-gate unit across Suspend calls.
// held is toggled only by the goroutine executing the task.
type slot struct {
	sem  *semaphore.Weighted
	held atomic.Bool
}

type slotKey struct{}

// Suspend releases the calling task's admission slot while fn runs and
// reacquires it before returning, so a task blocked on external I/O does
// not hold back other runnable tasks. ctx must be the context the task
// received from the scheduler. Outside a scheduler task, Suspend calls fn
// directly.
//
// If the slot cannot be reacquired because ctx was cancelled, the task
// continues without a slot and the cancellation error is returned (unless
// fn already failed, in which case fn's error wins).
func Suspend(ctx context.Context, fn func(ctx context.Context) error) error {
	sl, ok := ctx.Value(slotKey{}).(*slot)
	if !ok || !sl.held.Load() {
		return fn(ctx)
	}

	sl.held.Store(false)
	sl.sem.Release(1)

	err := fn(ctx)

	if acqErr := sl.sem.Acquire(ctx, 1); acqErr != nil {
		if err != nil {
			return err
		}
		return acqErr
	}
	sl.held.Store(true)
	return err
}
