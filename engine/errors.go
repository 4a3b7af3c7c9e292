package engine

import (
	"errors"
	"fmt"
)

var (
	// ErrNotPaused reports a Resume or Snapshot call for an execution
	// that is not paused in this engine.
	ErrNotPaused = errors.New("engine: execution not paused")

	// ErrNoCheckpoint reports a Resume for an execution with no saved
	// checkpoint to restore from.
	ErrNoCheckpoint = errors.New("engine: no checkpoint found")
)

// LimitExceededError reports an execution that reached the configured
// superstep maximum without quiescing. Hitting the limit is always a
// reported failure, never a silent truncation.
type LimitExceededError struct {
	ExecutionID string
	Supersteps  int
}

// Error implements the error interface.
func (e *LimitExceededError) Error() string {
	return fmt.Sprintf("execution %s exceeded %d supersteps without quiescing", e.ExecutionID, e.Supersteps)
}

// AbortedError reports an unrecoverable failure that terminated an
// execution. Buffered writes of the aborting superstep are discarded; no
// channel observed a partial update.
type AbortedError struct {
	ExecutionID string

	// Superstep is the index of the superstep that aborted.
	Superstep int

	// Node identifies the failing node when the cause is attributable
	// to one.
	Node string

	// Cause is the underlying failure.
	Cause error
}

// Error implements the error interface.
func (e *AbortedError) Error() string {
	if e.Node != "" {
		return fmt.Sprintf("execution %s aborted at superstep %d, node %s: %v", e.ExecutionID, e.Superstep, e.Node, e.Cause)
	}
	return fmt.Sprintf("execution %s aborted at superstep %d: %v", e.ExecutionID, e.Superstep, e.Cause)
}

// Unwrap returns the underlying cause.
func (e *AbortedError) Unwrap() error { return e.Cause }

// CheckpointError wraps a checkpoint saver failure. Saver failures never
// roll back in-memory state; they are reported on the execution outcome
// while the run continues.
type CheckpointError struct {
	ExecutionID string
	Generation  int
	Cause       error
}

// Error implements the error interface.
func (e *CheckpointError) Error() string {
	return fmt.Sprintf("execution %s checkpoint at generation %d failed: %v", e.ExecutionID, e.Generation, e.Cause)
}

// Unwrap returns the underlying cause.
func (e *CheckpointError) Unwrap() error { return e.Cause }
