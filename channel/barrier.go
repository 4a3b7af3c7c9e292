package channel

import (
	"encoding/json"
	"fmt"
	"sort"
)

// namedBarrier implements VariantNamedBarrier: a fixed-size synchronization
// point over a declared participant set. Updates are participant names;
// Get reports satisfaction only once every participant has arrived.
type namedBarrier struct {
	name         string
	participants map[string]bool
	seen         map[string]bool
	reset        bool
}

func newNamedBarrier(name string, opts BarrierOptions) *namedBarrier {
	participants := make(map[string]bool, len(opts.Participants))
	for _, p := range opts.Participants {
		participants[p] = true
	}
	return &namedBarrier{
		name:         name,
		participants: participants,
		seen:         make(map[string]bool),
		reset:        opts.ResetOnSatisfied,
	}
}

func (c *namedBarrier) Name() string     { return c.name }
func (c *namedBarrier) Variant() Variant { return VariantNamedBarrier }
func (c *namedBarrier) Tracked() bool    { return true }

func (c *namedBarrier) satisfied() bool {
	return len(c.seen) == len(c.participants)
}

// Get reports true once all named participants have written. Before that
// the barrier is empty.
func (c *namedBarrier) Get() (any, error) {
	if !c.satisfied() {
		return nil, fmt.Errorf("%w: %s (%s): %d of %d participants arrived",
			ErrEmptyChannel, c.name, VariantNamedBarrier, len(c.seen), len(c.participants))
	}
	return true, nil
}

// Update records arrivals. Each update must be the name of a declared
// participant; repeat arrivals are idempotent.
func (c *namedBarrier) Update(updates []any) (bool, error) {
	changed := false
	for _, update := range updates {
		participant, ok := update.(string)
		if !ok {
			return changed, fmt.Errorf("%w: %s: barrier arrival must be a participant name, got %T",
				ErrInvalidUpdate, c.name, update)
		}
		if !c.participants[participant] {
			return changed, fmt.Errorf("%w: %s: unknown barrier participant %q",
				ErrInvalidUpdate, c.name, participant)
		}
		if !c.seen[participant] {
			c.seen[participant] = true
			changed = true
		}
	}
	return changed, nil
}

// Consume re-arms the barrier after a satisfied read when configured.
func (c *namedBarrier) Consume() (bool, error) {
	if c.reset && c.satisfied() && len(c.seen) > 0 {
		c.seen = make(map[string]bool)
		return true, nil
	}
	return false, nil
}

func (c *namedBarrier) Finish() (bool, error) { return false, nil }

type namedBarrierSnapshot struct {
	Seen []string `json:"seen"`
}

func (c *namedBarrier) Checkpoint() (json.RawMessage, error) {
	seen := make([]string, 0, len(c.seen))
	for p := range c.seen {
		seen = append(seen, p)
	}
	sort.Strings(seen)

	raw, err := json.Marshal(namedBarrierSnapshot{Seen: seen})
	if err != nil {
		return nil, fmt.Errorf("%w: %s: %v", ErrSerialization, c.name, err)
	}
	return raw, nil
}

func (c *namedBarrier) Restore(snapshot json.RawMessage) error {
	var snap namedBarrierSnapshot
	if err := json.Unmarshal(snapshot, &snap); err != nil {
		return fmt.Errorf("%w: %s: %v", ErrSerialization, c.name, err)
	}
	c.seen = make(map[string]bool, len(snap.Seen))
	for _, p := range snap.Seen {
		c.seen[p] = true
	}
	return nil
}

// dynamicBarrier implements VariantDynamicBarrier: like namedBarrier, but
// the expected arrival count is set at runtime. An int update sets the
// expected count; any other update value counts as one arrival.
type dynamicBarrier struct {
	name     string
	expected int
	arrivals int
	reset    bool
}

func newDynamicBarrier(name string, opts BarrierOptions) *dynamicBarrier {
	return &dynamicBarrier{
		name:     name,
		expected: opts.Expected,
		reset:    opts.ResetOnSatisfied,
	}
}

func (c *dynamicBarrier) Name() string     { return c.name }
func (c *dynamicBarrier) Variant() Variant { return VariantDynamicBarrier }
func (c *dynamicBarrier) Tracked() bool    { return true }

func (c *dynamicBarrier) satisfied() bool {
	return c.expected > 0 && c.arrivals >= c.expected
}

func (c *dynamicBarrier) Get() (any, error) {
	if !c.satisfied() {
		return nil, fmt.Errorf("%w: %s (%s): %d of %d arrivals",
			ErrEmptyChannel, c.name, VariantDynamicBarrier, c.arrivals, c.expected)
	}
	return true, nil
}

func (c *dynamicBarrier) Update(updates []any) (bool, error) {
	changed := false
	for _, update := range updates {
		if n, ok := update.(int); ok {
			if n <= 0 {
				return changed, fmt.Errorf("%w: %s: barrier expected count must be positive, got %d",
					ErrInvalidUpdate, c.name, n)
			}
			if c.expected != n {
				c.expected = n
				changed = true
			}
			continue
		}
		c.arrivals++
		changed = true
	}
	return changed, nil
}

func (c *dynamicBarrier) Consume() (bool, error) {
	if c.reset && c.satisfied() {
		c.arrivals = 0
		return true, nil
	}
	return false, nil
}

func (c *dynamicBarrier) Finish() (bool, error) { return false, nil }

type dynamicBarrierSnapshot struct {
	Expected int `json:"expected"`
	Arrivals int `json:"arrivals"`
}

func (c *dynamicBarrier) Checkpoint() (json.RawMessage, error) {
	raw, err := json.Marshal(dynamicBarrierSnapshot{Expected: c.expected, Arrivals: c.arrivals})
	if err != nil {
		return nil, fmt.Errorf("%w: %s: %v", ErrSerialization, c.name, err)
	}
	return raw, nil
}

func (c *dynamicBarrier) Restore(snapshot json.RawMessage) error {
	var snap dynamicBarrierSnapshot
	if err := json.Unmarshal(snapshot, &snap); err != nil {
		return fmt.Errorf("%w: %s: %v", ErrSerialization, c.name, err)
	}
	c.expected = snap.Expected
	c.arrivals = snap.Arrivals
	return nil
}
