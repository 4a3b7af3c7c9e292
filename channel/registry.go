package channel

import (
	"context"
	"encoding/json"
	"fmt"
	"time"

	"github.com/tailored-agentic-units/superstep/observability"
)

// Registry is the named collection of channel instances bound to one
// compiled graph. Names are unique for the registry's lifetime.
//
// The registry is owned exclusively by the engine driving the graph and
// performs no locking of its own; all mutation happens during the
// engine's write phase.
type Registry struct {
	channels map[string]Channel
	order    []string
	observer observability.Observer
}

// NewRegistry creates an empty registry. A nil observer is replaced with
// NoOpObserver.
func NewRegistry(observer observability.Observer) *Registry {
	if observer == nil {
		observer = observability.NoOpObserver{}
	}
	return &Registry{
		channels: make(map[string]Channel),
		observer: observer,
	}
}

// Add builds the channel described by spec and registers it under name.
// Duplicate names are rejected.
func (r *Registry) Add(name string, spec Spec) error {
	if name == "" {
		return fmt.Errorf("%w: channel name cannot be empty", ErrInvalidOperation)
	}
	if _, exists := r.channels[name]; exists {
		return fmt.Errorf("%w: channel %s already registered", ErrInvalidOperation, name)
	}

	ch, err := spec.Build(name)
	if err != nil {
		return err
	}

	r.channels[name] = ch
	r.order = append(r.order, name)
	return nil
}

// Get returns the channel registered under name.
func (r *Registry) Get(name string) (Channel, bool) {
	ch, ok := r.channels[name]
	return ch, ok
}

// Names returns channel names in registration order.
func (r *Registry) Names() []string {
	names := make([]string, len(r.order))
	copy(names, r.order)
	return names
}

// Value reads the current value of the named channel.
func (r *Registry) Value(name string) (any, error) {
	ch, ok := r.channels[name]
	if !ok {
		return nil, fmt.Errorf("%w: unknown channel %s", ErrInvalidOperation, name)
	}
	return ch.Get()
}

// Update applies an ordered update batch to the named channel and reports
// whether its state changed.
func (r *Registry) Update(ctx context.Context, name string, updates []any) (bool, error) {
	ch, ok := r.channels[name]
	if !ok {
		return false, fmt.Errorf("%w: unknown channel %s", ErrInvalidOperation, name)
	}

	changed, err := ch.Update(updates)

	r.observer.OnEvent(ctx, observability.Event{
		Type:      EventChannelUpdate,
		Level:     observability.LevelVerbose,
		Timestamp: time.Now(),
		Source:    "channel.registry",
		Data: map[string]any{
			"channel": name,
			"variant": ch.Variant().String(),
			"updates": len(updates),
			"changed": changed,
			"error":   err != nil,
		},
	})

	return changed, err
}

// Consume runs the post-read hook of the named channel.
func (r *Registry) Consume(name string) (bool, error) {
	ch, ok := r.channels[name]
	if !ok {
		return false, fmt.Errorf("%w: unknown channel %s", ErrInvalidOperation, name)
	}
	return ch.Consume()
}

// Finish runs the superstep-boundary hook of the named channel.
func (r *Registry) Finish(name string) (bool, error) {
	ch, ok := r.channels[name]
	if !ok {
		return false, fmt.Errorf("%w: unknown channel %s", ErrInvalidOperation, name)
	}
	return ch.Finish()
}

// FinishAll runs the superstep-boundary hook on every channel and returns
// the names whose state changed (in registration order).
func (r *Registry) FinishAll() ([]string, error) {
	var changed []string
	for _, name := range r.order {
		ch := r.channels[name]
		didChange, err := ch.Finish()
		if err != nil {
			return changed, err
		}
		if didChange {
			changed = append(changed, name)
		}
	}
	return changed, nil
}

// Subscribe attaches a subscription to the named Topic channel. Calling it
// on any other variant is an InvalidOperation failure.
func (r *Registry) Subscribe(ctx context.Context, name string) (*Subscription, error) {
	ch, ok := r.channels[name]
	if !ok {
		return nil, fmt.Errorf("%w: unknown channel %s", ErrInvalidOperation, name)
	}
	t, ok := ch.(*topic)
	if !ok {
		return nil, fmt.Errorf("%w: channel %s is %s, not %s",
			ErrInvalidOperation, name, ch.Variant(), VariantTopic)
	}
	return t.Subscribe(ctx), nil
}

// Checkpoint captures a consistent snapshot of every tracked channel.
// Callers must invoke it only between write phases so no partially-applied
// writes are observable.
func (r *Registry) Checkpoint(ctx context.Context) (map[string]json.RawMessage, error) {
	snapshot := make(map[string]json.RawMessage, len(r.channels))
	for _, name := range r.order {
		ch := r.channels[name]
		if !ch.Tracked() {
			continue
		}
		raw, err := ch.Checkpoint()
		if err != nil {
			return nil, err
		}
		snapshot[name] = raw
	}

	r.observer.OnEvent(ctx, observability.Event{
		Type:      EventChannelCheckpoint,
		Level:     observability.LevelVerbose,
		Timestamp: time.Now(),
		Source:    "channel.registry",
		Data:      map[string]any{"channels": len(snapshot)},
	})

	return snapshot, nil
}

// Restore reconstructs channel state from a snapshot produced by
// Checkpoint. Channels absent from the snapshot (untracked channels, or
// channels added since) keep their constructed state.
func (r *Registry) Restore(ctx context.Context, snapshot map[string]json.RawMessage) error {
	for name, raw := range snapshot {
		ch, ok := r.channels[name]
		if !ok {
			return fmt.Errorf("%w: snapshot references unknown channel %s", ErrSerialization, name)
		}
		if err := ch.Restore(raw); err != nil {
			return err
		}
	}

	r.observer.OnEvent(ctx, observability.Event{
		Type:      EventChannelRestore,
		Level:     observability.LevelVerbose,
		Timestamp: time.Now(),
		Source:    "channel.registry",
		Data:      map[string]any{"channels": len(snapshot)},
	})

	return nil
}
