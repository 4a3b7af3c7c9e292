package graph

import "fmt"

// ValidationError reports a structural defect found at compile time.
// Validation is strict: a graph that fails any check never executes, not
// even partially.
type ValidationError struct {
	// Graph names the graph under validation.
	Graph string

	// Nodes lists the nodes involved (cycle members, conflicting
	// writers), when applicable.
	Nodes []string

	// Reason describes the defect.
	Reason string
}

// Error implements the error interface.
func (e *ValidationError) Error() string {
	if len(e.Nodes) > 0 {
		return fmt.Sprintf("graph %s validation failed: %s (nodes: %v)", e.Graph, e.Reason, e.Nodes)
	}
	return fmt.Sprintf("graph %s validation failed: %s", e.Graph, e.Reason)
}
