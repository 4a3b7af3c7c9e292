package channel

import (
	"encoding/json"
	"fmt"
	"reflect"
)

// lastValue implements VariantLastValue, VariantAnyValue and
// VariantUntrackedValue, which differ only in type enforcement and
// checkpoint tracking.
type lastValue struct {
	name    string
	variant Variant
	value   any
	set     bool
	typed   bool
	valType reflect.Type
	tracked bool
}

func newLastValue(name string, def any, hasDefault, typed bool) *lastValue {
	c := &lastValue{
		name:    name,
		variant: VariantLastValue,
		typed:   typed,
		tracked: true,
	}
	if hasDefault {
		c.value = def
		c.set = true
		c.captureType(def)
	}
	return c
}

func newAnyValue(name string, def any, hasDefault bool) *lastValue {
	c := newLastValue(name, def, hasDefault, false)
	c.variant = VariantAnyValue
	return c
}

func newUntrackedValue(name string, def any, hasDefault bool) *lastValue {
	c := newLastValue(name, def, hasDefault, true)
	c.variant = VariantUntrackedValue
	c.tracked = false
	return c
}

func (c *lastValue) Name() string     { return c.name }
func (c *lastValue) Variant() Variant { return c.variant }
func (c *lastValue) Tracked() bool    { return c.tracked }

func (c *lastValue) Get() (any, error) {
	if !c.set {
		return nil, fmt.Errorf("%w: %s (%s)", ErrEmptyChannel, c.name, c.variant)
	}
	return c.value, nil
}

// Update keeps only the final element of the batch. An empty batch is a
// no-op reporting changed=false. A typed channel rejects updates whose
// dynamic type differs from the first written value.
func (c *lastValue) Update(updates []any) (bool, error) {
	if len(updates) == 0 {
		return false, nil
	}

	last := updates[len(updates)-1]
	if c.typed {
		if err := c.checkType(last); err != nil {
			return false, err
		}
	}

	c.value = last
	c.set = true
	c.captureType(last)
	return true, nil
}

func (c *lastValue) captureType(v any) {
	if !c.typed || c.valType != nil || v == nil {
		return
	}
	c.valType = reflect.TypeOf(v)
}

func (c *lastValue) checkType(v any) error {
	if c.valType == nil || v == nil {
		return nil
	}
	if got := reflect.TypeOf(v); got != c.valType {
		return fmt.Errorf("%w: %s (%s): update type %s does not match channel type %s",
			ErrInvalidUpdate, c.name, c.variant, got, c.valType)
	}
	return nil
}

type lastValueSnapshot struct {
	Value any  `json:"value"`
	Set   bool `json:"set"`
}

func (c *lastValue) Checkpoint() (json.RawMessage, error) {
	raw, err := json.Marshal(lastValueSnapshot{Value: c.value, Set: c.set})
	if err != nil {
		return nil, fmt.Errorf("%w: %s: %v", ErrSerialization, c.name, err)
	}
	return raw, nil
}

// Restore reconstructs state from a snapshot. The dynamic type of the
// restored value follows JSON decoding (numbers as float64); the stable
// type for subsequent updates is re-derived from it.
func (c *lastValue) Restore(snapshot json.RawMessage) error {
	var snap lastValueSnapshot
	if err := json.Unmarshal(snapshot, &snap); err != nil {
		return fmt.Errorf("%w: %s: %v", ErrSerialization, c.name, err)
	}
	c.value = snap.Value
	c.set = snap.Set
	c.valType = nil
	c.captureType(snap.Value)
	return nil
}

func (c *lastValue) Consume() (bool, error) { return false, nil }
func (c *lastValue) Finish() (bool, error)  { return false, nil }
