// Package graph defines workflow topologies for the superstep engine:
// nodes with declared channel read/write sets, direct and conditional
// control edges, compile-time validation, and the dependency resolver that
// plans each superstep's task set.
package graph

import (
	"context"
	"time"
)

// Snapshot is the read-only view of a node's declared input channels,
// captured at the start of a superstep's read phase. Mutating it has no
// effect on graph state; writes travel back through Result.Updates.
type Snapshot map[string]any

// Value returns the snapshot value for a channel and whether it was
// present (written or defaulted) when the snapshot was taken.
func (s Snapshot) Value(name string) (any, bool) {
	v, ok := s[name]
	return v, ok
}

// Result carries a compute unit's output: update batches keyed by channel
// name, plus the names of nodes that should become eligible next
// superstep regardless of channel triggers.
type Result struct {
	Updates map[string][]any
	Next    []string
}

// Handler is a node's compute unit. It receives a read-only snapshot of
// the node's declared input channels and a context that is cancelled when
// the superstep is aborted; implementations must stop at cancellation
// without side effects, since their writes are discarded.
type Handler interface {
	Execute(ctx context.Context, input Snapshot) (*Result, error)
}

// HandlerFunc wraps a function as a Handler.
//
// Example:
//
//	handler := graph.HandlerFunc(func(ctx context.Context, input graph.Snapshot) (*graph.Result, error) {
//	    count, _ := input.Value("count")
//	    return &graph.Result{
//	        Updates: map[string][]any{"count": {count.(int) + 1}},
//	    }, nil
//	})
type HandlerFunc func(ctx context.Context, input Snapshot) (*Result, error)

// Execute runs the wrapped function.
func (f HandlerFunc) Execute(ctx context.Context, input Snapshot) (*Result, error) {
	return f(ctx, input)
}

// NodeSpec declares a node when building a graph.
type NodeSpec struct {
	// Handler is the node's compute unit (required).
	Handler Handler

	// Reads and Writes declare the channel names the node consumes and
	// produces. Undeclared access is a compile-time validation failure,
	// and the engine never exposes or applies undeclared channels.
	Reads  []string
	Writes []string

	// Priority is the scheduling base priority (higher runs earlier).
	Priority int

	// Timeout bounds a single execution of this node (0 = unbounded;
	// the superstep execute-phase timeout still applies).
	Timeout time.Duration
}

// Node is a validated node inside a compiled graph.
type Node struct {
	ID       string
	Handler  Handler
	Reads    []string
	Writes   []string
	Priority int
	Timeout  time.Duration
}

func (s NodeSpec) node(id string) *Node {
	return &Node{
		ID:       id,
		Handler:  s.Handler,
		Reads:    append([]string(nil), s.Reads...),
		Writes:   append([]string(nil), s.Writes...),
		Priority: s.Priority,
		Timeout:  s.Timeout,
	}
}
