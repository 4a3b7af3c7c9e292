package scheduler

import (
	"context"
	"sync"
	"time"

	"github.com/tailored-agentic-units/superstep/observability"
)

// Batch is the handle for one submitted task set. All tasks of a batch
// share a cancellation context: Abort, a fail-fast failure, or the
// submitter's context expiring cancels every outstanding task.
type Batch struct {
	scheduler *Scheduler
	ctx       context.Context
	cancel    context.CancelCauseFunc
	order     []string
	done      chan struct{}

	mu         sync.Mutex
	results    map[string]Result
	pending    map[string]*task            // declared but not yet runnable
	unmet      map[string]map[string]bool  // task id -> outstanding deps
	dependents map[string][]string         // dep id -> waiting task ids
	remaining  int
	firstErr   error
}

// Wait blocks until every task of the batch has a recorded result and
// returns them in submission order. If ctx expires first, the batch is
// aborted and Wait still drains all outstanding tasks before returning,
// so no task is left running once Wait returns.
//
// Under fail-fast the first task failure is returned as the batch error;
// under best-effort the error is nil and callers inspect per-task Err
// fields.
func (b *Batch) Wait(ctx context.Context) ([]Result, error) {
	select {
	case <-b.done:
	case <-ctx.Done():
		b.cancel(context.Cause(ctx))
		<-b.done
	}

	b.mu.Lock()
	results := make([]Result, 0, len(b.order))
	for _, id := range b.order {
		results = append(results, b.results[id])
	}
	firstErr := b.firstErr
	b.mu.Unlock()

	b.scheduler.observer.OnEvent(ctx, observability.Event{
		Type:      EventBatchComplete,
		Level:     observability.LevelVerbose,
		Timestamp: time.Now(),
		Source:    "scheduler",
		Data: map[string]any{
			"tasks":  len(results),
			"failed": firstErr != nil,
		},
	})

	if err := ctx.Err(); err != nil {
		return results, err
	}
	if b.scheduler.cfg.FailFast && firstErr != nil {
		return results, firstErr
	}
	return results, nil
}

// Abort cancels every outstanding task of the batch. Tasks already
// executing see their context cancelled; tasks still queued are drained
// with the cause as their result error. Abort does not wait; use Wait to
// observe the drained results.
func (b *Batch) Abort(cause error) {
	if cause == nil {
		cause = context.Canceled
	}
	b.cancel(cause)
}

// finish records the result of one task, releases its dependents, and
// closes the batch when the last task settles. w is the worker that
// completed the task (nil when the task never reached a worker); promoted
// dependents prefer that worker's queue for locality.
func (b *Batch) finish(w *worker, t *task, value any, err error) {
	b.mu.Lock()
	b.results[t.spec.ID] = Result{ID: t.spec.ID, Value: value, Err: err}
	b.remaining--
	if err != nil && b.firstErr == nil {
		b.firstErr = err
	}
	failFast := err != nil && b.scheduler.cfg.FailFast

	var promoted []*task
	for _, id := range b.dependents[t.spec.ID] {
		deps := b.unmet[id]
		delete(deps, t.spec.ID)
		if len(deps) == 0 {
			promoted = append(promoted, b.pending[id])
			delete(b.pending, id)
			delete(b.unmet, id)
		}
	}
	settled := b.remaining == 0
	b.mu.Unlock()

	if failFast {
		b.cancel(err)
	}
	for _, p := range promoted {
		b.scheduler.enqueue(w, p)
	}
	if settled {
		close(b.done)
	}
}
