// Package checkpoint persists execution state between supersteps.
//
// The engine collects a serialized snapshot of every tracked channel at
// configured intervals and hands it to a Saver together with a
// monotonically increasing generation number. Resuming an execution loads
// the latest checkpoint and restores the channel registry from it.
package checkpoint

import (
	"context"
	"encoding/json"
	"errors"
	"time"
)

var (
	// ErrSaveFailed wraps storage failures during Save.
	ErrSaveFailed = errors.New("checkpoint: save failed")

	// ErrLoadFailed wraps storage failures during Load or List. A
	// missing checkpoint is not a failure; Load reports it via found.
	ErrLoadFailed = errors.New("checkpoint: load failed")
)

// Metadata carries caller-defined annotations stored with a checkpoint.
type Metadata map[string]any

// Checkpoint is one saved execution state.
//
// Channel values round-trip through JSON: numbers restore as float64
// regardless of their original Go type. Reducers and handlers that must
// survive a resume need to tolerate that representation.
type Checkpoint struct {
	// ID uniquely identifies this checkpoint within its execution.
	ID string `json:"id"`

	// ExecutionID identifies the execution this checkpoint belongs to.
	ExecutionID string `json:"execution_id"`

	// Generation is the number of completed supersteps at save time.
	// Later checkpoints of one execution carry strictly larger
	// generations.
	Generation int `json:"generation"`

	// CreatedAt is the save timestamp.
	CreatedAt time.Time `json:"created_at"`

	// Channels maps channel names to their serialized state.
	Channels map[string]json.RawMessage `json:"channels"`

	// Metadata carries caller-defined annotations.
	Metadata Metadata `json:"metadata,omitempty"`
}

// Saver provides persistence for execution state.
//
// Implementations must be safe for concurrent executions. The engine
// treats Saver failures as reportable but non-fatal: a failed Save never
// rolls back in-memory state.
type Saver interface {
	// Save persists one checkpoint and returns its generated ID.
	Save(ctx context.Context, executionID string, generation int, channels map[string]json.RawMessage, metadata Metadata) (string, error)

	// Load retrieves a checkpoint. An empty checkpointID selects the
	// latest (highest generation) for the execution. found is false when
	// no matching checkpoint exists.
	Load(ctx context.Context, executionID, checkpointID string) (cp Checkpoint, found bool, err error)

	// List returns checkpoint records for an execution, newest first,
	// with Channels omitted. limit <= 0 means no limit.
	List(ctx context.Context, executionID string, limit int) ([]Checkpoint, error)

	// Delete removes one checkpoint, or every checkpoint of the
	// execution when checkpointID is empty. Deleting what does not exist
	// is not an error.
	Delete(ctx context.Context, executionID, checkpointID string) error
}

// newer reports whether a should sort before b in newest-first order.
func newer(a, b Checkpoint) bool {
	if a.Generation != b.Generation {
		return a.Generation > b.Generation
	}
	if !a.CreatedAt.Equal(b.CreatedAt) {
		return a.CreatedAt.After(b.CreatedAt)
	}
	return a.ID > b.ID
}

// describe strips the channel payload for List results.
func describe(cp Checkpoint) Checkpoint {
	cp.Channels = nil
	return cp
}
