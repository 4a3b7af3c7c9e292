package scheduler

import (
	"errors"
	"fmt"
)

var (
	// ErrQueueFull reports that every worker queue was at capacity when a
	// task needed a slot.
	ErrQueueFull = errors.New("scheduler: queue full")

	// ErrTaskTimeout reports that a task's per-task timeout elapsed
	// before it completed.
	ErrTaskTimeout = errors.New("scheduler: task timeout")

	// ErrClosed reports submission to a closed scheduler.
	ErrClosed = errors.New("scheduler: closed")
)

// PanicError captures a panic recovered from a task. Panics are converted
// to per-task failure results, never dropped and never allowed to kill a
// worker.
type PanicError struct {
	// TaskID identifies the panicking task.
	TaskID string

	// Value is the recovered panic value.
	Value any

	// Stack is the goroutine stack captured at recovery.
	Stack []byte
}

// Error implements the error interface.
func (e *PanicError) Error() string {
	return fmt.Sprintf("task %s panicked: %v", e.TaskID, e.Value)
}
