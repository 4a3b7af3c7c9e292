package channel

import (
	"encoding/json"
	"fmt"
)

// ephemeralValue implements VariantEphemeralValue: the value survives until
// it is consumed by a read or until the superstep boundary, whichever
// comes first.
type ephemeralValue struct {
	name  string
	value any
	set   bool
}

func newEphemeralValue(name string, def any, hasDefault bool) *ephemeralValue {
	c := &ephemeralValue{name: name}
	if hasDefault {
		c.value = def
		c.set = true
	}
	return c
}

func (c *ephemeralValue) Name() string     { return c.name }
func (c *ephemeralValue) Variant() Variant { return VariantEphemeralValue }
func (c *ephemeralValue) Tracked() bool    { return true }

func (c *ephemeralValue) Get() (any, error) {
	if !c.set {
		return nil, fmt.Errorf("%w: %s (%s)", ErrEmptyChannel, c.name, VariantEphemeralValue)
	}
	return c.value, nil
}

func (c *ephemeralValue) Update(updates []any) (bool, error) {
	if len(updates) == 0 {
		return c.clear(), nil
	}
	c.value = updates[len(updates)-1]
	c.set = true
	return true, nil
}

// Consume clears the value after one read.
func (c *ephemeralValue) Consume() (bool, error) {
	return c.clear(), nil
}

// Finish clears the value at the superstep boundary.
func (c *ephemeralValue) Finish() (bool, error) {
	return c.clear(), nil
}

func (c *ephemeralValue) clear() bool {
	if !c.set {
		return false
	}
	c.value = nil
	c.set = false
	return true
}

func (c *ephemeralValue) Checkpoint() (json.RawMessage, error) {
	raw, err := json.Marshal(lastValueSnapshot{Value: c.value, Set: c.set})
	if err != nil {
		return nil, fmt.Errorf("%w: %s: %v", ErrSerialization, c.name, err)
	}
	return raw, nil
}

func (c *ephemeralValue) Restore(snapshot json.RawMessage) error {
	var snap lastValueSnapshot
	if err := json.Unmarshal(snapshot, &snap); err != nil {
		return fmt.Errorf("%w: %s: %v", ErrSerialization, c.name, err)
	}
	c.value = snap.Value
	c.set = snap.Set
	return nil
}
