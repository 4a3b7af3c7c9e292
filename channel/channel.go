// Package channel provides named, typed units of graph state with
// variant-specific merge semantics.
//
// Channels are the only state that crosses task boundaries in the superstep
// engine. The engine owns every channel exclusively: tasks receive read-only
// snapshots during the read phase and their writes are applied through
// Update during the write phase, under the engine's sole control. Channels
// therefore perform no internal locking except for Topic subscriber fan-out.
//
// The variant set is closed. Dispatch happens by exhaustive switch on the
// Variant tag at construction time rather than through an open subtype
// hierarchy, so adding a variant is a compile-visible change.
package channel

import (
	"encoding/json"
	"fmt"
	"time"
)

// Variant selects the merge semantics of a channel at construction time.
type Variant int

const (
	// VariantLastValue keeps only the final element of each update batch
	// and enforces a stable dynamic value type once written.
	VariantLastValue Variant = iota

	// VariantBinaryOperator folds update batches into the existing value
	// via a supplied associative reducer. Multiple writers per superstep
	// are legal; commutativity under concurrent completion order is a
	// caller obligation.
	VariantBinaryOperator

	// VariantTopic appends to a bounded, TTL-expiring queue and fans out
	// to subscribers.
	VariantTopic

	// VariantEphemeralValue clears its value after one read or at the
	// superstep boundary.
	VariantEphemeralValue

	// VariantAnyValue is a type-erased LastValue accepting heterogeneous
	// update payloads.
	VariantAnyValue

	// VariantUntrackedValue has LastValue semantics but is excluded from
	// registry checkpoints (process-local scratch).
	VariantUntrackedValue

	// VariantNamedBarrier reports a value only once all named participants
	// have written.
	VariantNamedBarrier

	// VariantDynamicBarrier is a barrier whose expected arrival count is
	// set at runtime via an int update.
	VariantDynamicBarrier
)

// String returns the variant name used in configuration and diagnostics.
func (v Variant) String() string {
	switch v {
	case VariantLastValue:
		return "last_value"
	case VariantBinaryOperator:
		return "binary_operator"
	case VariantTopic:
		return "topic"
	case VariantEphemeralValue:
		return "ephemeral_value"
	case VariantAnyValue:
		return "any_value"
	case VariantUntrackedValue:
		return "untracked_value"
	case VariantNamedBarrier:
		return "named_barrier"
	case VariantDynamicBarrier:
		return "dynamic_barrier"
	default:
		return fmt.Sprintf("variant(%d)", int(v))
	}
}

// Reducer combines the existing value with one update on a BinaryOperator
// channel. It must be associative; it must additionally be commutative if
// concurrent writers may complete in any order.
type Reducer func(existing, update any) (any, error)

// DeliveryMode selects Topic fan-out behavior when a subscriber cannot
// keep up.
type DeliveryMode int

const (
	// AtMostOnce drops messages for subscribers with full buffers.
	AtMostOnce DeliveryMode = iota

	// AtLeastOnce fails the update instead of dropping, leaving the
	// publisher to retry.
	AtLeastOnce
)

// TopicOptions configures a Topic channel.
type TopicOptions struct {
	// Capacity bounds the queue (0 = DefaultTopicCapacity).
	Capacity int

	// TTL expires entries after the given duration (0 = never).
	TTL time.Duration

	// Delivery selects subscriber fan-out behavior.
	Delivery DeliveryMode

	// Accumulate keeps entries across superstep boundaries instead of
	// clearing them at Finish.
	Accumulate bool

	// SubscriberBuffer sizes each subscription mailbox
	// (0 = DefaultSubscriberBuffer).
	SubscriberBuffer int
}

// BarrierOptions configures the barrier variants.
type BarrierOptions struct {
	// Participants names the writers a NamedBarrier waits for.
	Participants []string

	// Expected is the initial arrival count for a DynamicBarrier
	// (0 = unset; an int update sets it at runtime).
	Expected int

	// ResetOnSatisfied re-arms the barrier after a satisfied read.
	ResetOnSatisfied bool
}

// Spec declares a channel for construction. Exactly the fields relevant to
// the chosen variant are consulted; the rest are ignored.
type Spec struct {
	Variant Variant

	// Default seeds LastValue, AnyValue, UntrackedValue and
	// EphemeralValue channels so the first Get does not fail.
	Default any

	// HasDefault distinguishes an explicit nil default from no default.
	HasDefault bool

	// Reducer and Seed configure a BinaryOperator channel.
	Reducer Reducer
	Seed    any
	HasSeed bool

	Topic   TopicOptions
	Barrier BarrierOptions
}

// Channel is a name-addressable unit of graph state.
//
// Get returns the current value, or an error wrapping ErrEmptyChannel when
// the channel was never written and no default was supplied. Update applies
// an ordered batch of updates with variant-specific merge logic and reports
// whether state changed. Checkpoint and Restore round-trip the channel
// state through JSON; Restore on a fresh channel of the same variant must
// reproduce identical Get output. Note that values restore with JSON's
// dynamic types (numbers as float64), so reducers and consumers that
// survive a resume must tolerate them.
//
// Consume runs after a task has read the channel; Finish runs at the
// superstep boundary. Both default to no-ops and report whether they
// changed state.
type Channel interface {
	Name() string
	Variant() Variant
	Get() (any, error)
	Update(updates []any) (bool, error)
	Checkpoint() (json.RawMessage, error)
	Restore(snapshot json.RawMessage) error
	Consume() (bool, error)
	Finish() (bool, error)

	// Tracked reports whether the channel participates in registry
	// checkpoints. Only UntrackedValue returns false.
	Tracked() bool
}

// Build constructs the channel described by the spec. The switch over
// variants is exhaustive; an unknown tag is a construction error, never a
// runtime fallback.
func (s Spec) Build(name string) (Channel, error) {
	switch s.Variant {
	case VariantLastValue:
		return newLastValue(name, s.Default, s.HasDefault, true), nil
	case VariantBinaryOperator:
		if s.Reducer == nil {
			return nil, fmt.Errorf("%w: channel %s: binary operator requires a reducer", ErrInvalidOperation, name)
		}
		return newBinaryOperator(name, s.Reducer, s.Seed, s.HasSeed), nil
	case VariantTopic:
		return newTopic(name, s.Topic), nil
	case VariantEphemeralValue:
		return newEphemeralValue(name, s.Default, s.HasDefault), nil
	case VariantAnyValue:
		return newAnyValue(name, s.Default, s.HasDefault), nil
	case VariantUntrackedValue:
		return newUntrackedValue(name, s.Default, s.HasDefault), nil
	case VariantNamedBarrier:
		if len(s.Barrier.Participants) == 0 {
			return nil, fmt.Errorf("%w: channel %s: named barrier requires participants", ErrInvalidOperation, name)
		}
		return newNamedBarrier(name, s.Barrier), nil
	case VariantDynamicBarrier:
		return newDynamicBarrier(name, s.Barrier), nil
	default:
		return nil, fmt.Errorf("%w: channel %s: unknown variant %s", ErrInvalidOperation, name, s.Variant)
	}
}

// Reducing reports whether the variant legally accepts concurrent writers
// in one superstep. Compile-time graph validation rejects unordered
// multi-writer access to every other variant.
func (v Variant) Reducing() bool {
	switch v {
	case VariantBinaryOperator, VariantTopic, VariantNamedBarrier, VariantDynamicBarrier:
		return true
	default:
		return false
	}
}
