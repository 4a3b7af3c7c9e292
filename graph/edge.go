package graph

// Edge is a control edge ordering From before To. Within a superstep where
// both nodes are scheduled, To waits for From; across supersteps,
// completing From activates To for the next superstep (unconditionally for
// direct edges, predicate-gated for conditional ones).
//
// Control edges participate in compile-time cycle detection. Loops that
// span supersteps are expressed through Result.Next or channel triggers
// instead, never through a structural edge cycle.
type Edge struct {
	From string
	To   string

	// Name optionally identifies the predicate for diagnostics
	// (e.g., "isApproved", "hasError").
	Name string

	// Predicate gates activation of To after From completes
	// (nil = always activate). Evaluated against post-write channel
	// values of the superstep in which From ran.
	Predicate Predicate
}

// Predicate evaluates channel values to decide whether a conditional edge
// activates its target.
type Predicate func(values Snapshot) bool

// Always returns a predicate that always activates.
func Always() Predicate {
	return func(values Snapshot) bool { return true }
}

// ValueExists activates when the named channel carries a value.
func ValueExists(name string) Predicate {
	return func(values Snapshot) bool {
		_, ok := values.Value(name)
		return ok
	}
}

// ValueEquals activates when the named channel equals value.
//
// Example:
//
//	g.AddConditionalEdge("review", "approve", graph.ValueEquals("status", "approved"))
func ValueEquals(name string, value any) Predicate {
	return func(values Snapshot) bool {
		v, ok := values.Value(name)
		return ok && v == value
	}
}

// Not inverts a predicate.
func Not(predicate Predicate) Predicate {
	return func(values Snapshot) bool {
		return !predicate(values)
	}
}

// And combines predicates with logical AND (all must activate).
func And(predicates ...Predicate) Predicate {
	return func(values Snapshot) bool {
		for _, p := range predicates {
			if !p(values) {
				return false
			}
		}
		return true
	}
}

// Or combines predicates with logical OR (at least one must activate).
func Or(predicates ...Predicate) Predicate {
	return func(values Snapshot) bool {
		for _, p := range predicates {
			if p(values) {
				return true
			}
		}
		return false
	}
}
