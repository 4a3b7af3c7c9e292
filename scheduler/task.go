package scheduler

import (
	"context"
	"time"
)

// Task is one unit of work submitted as part of a batch.
type Task struct {
	// ID must be unique within the batch.
	ID string

	// Priority is the base scheduling priority; higher runs earlier.
	Priority int

	// Deadline, when non-zero, adds an urgency boost to Priority as the
	// deadline approaches (see effectivePriority).
	Deadline time.Time

	// Timeout bounds the task's execution wall-clock time
	// (0 = unbounded). Expiry cancels the task context and yields
	// ErrTaskTimeout.
	Timeout time.Duration

	// After lists task IDs in the same batch that must complete before
	// this task becomes runnable. Completion includes failure: a failed
	// dependency still releases its dependents (under fail-fast they are
	// cancelled instead of run).
	After []string

	// Run executes the task. It must honor ctx cancellation at its yield
	// points and return without side effects when cancelled.
	Run func(ctx context.Context) (any, error)
}

// Result is the recorded outcome of one task.
type Result struct {
	ID    string
	Value any
	Err   error
}

// task is the scheduled wrapper around a Task spec.
type task struct {
	spec      Task
	seq       int
	effective int
	batch     *Batch
}

// Urgency boosts added to a task's base priority as its deadline
// approaches. The jump between bands is deliberately large so urgency
// dominates base priority once a deadline is close.
const (
	urgencyLong  = 10
	urgencyShort = 100
	urgencyPast  = 1000
)

// effectivePriority computes base priority plus deadline urgency at a
// single point in time. Ordering ties between equal effective priorities
// break by insertion sequence, oldest first, so no task starves behind a
// stream of equal-priority arrivals.
func effectivePriority(spec Task, now time.Time, short, long time.Duration) int {
	if spec.Deadline.IsZero() {
		return spec.Priority
	}
	remaining := spec.Deadline.Sub(now)
	switch {
	case remaining <= 0:
		return spec.Priority + urgencyPast
	case remaining <= short:
		return spec.Priority + urgencyShort
	case remaining <= long:
		return spec.Priority + urgencyLong
	}
	return spec.Priority
}
