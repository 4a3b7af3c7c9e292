package channel

import (
	"encoding/json"
	"fmt"
)

// binaryOperator implements VariantBinaryOperator: concurrent updates fold
// into the existing value through the supplied reducer.
type binaryOperator struct {
	name    string
	reducer Reducer
	value   any
	set     bool
}

func newBinaryOperator(name string, reducer Reducer, seed any, hasSeed bool) *binaryOperator {
	c := &binaryOperator{
		name:    name,
		reducer: reducer,
	}
	if hasSeed {
		c.value = seed
		c.set = true
	}
	return c
}

func (c *binaryOperator) Name() string     { return c.name }
func (c *binaryOperator) Variant() Variant { return VariantBinaryOperator }
func (c *binaryOperator) Tracked() bool    { return true }

func (c *binaryOperator) Get() (any, error) {
	if !c.set {
		return nil, fmt.Errorf("%w: %s (%s)", ErrEmptyChannel, c.name, VariantBinaryOperator)
	}
	return c.value, nil
}

// Update folds the batch left-to-right into the existing value. The batch
// arrives in scheduler-completion order, which is non-deterministic across
// concurrent writers; order-independence of the final value is the
// reducer's commutativity obligation, not a guarantee made here.
func (c *binaryOperator) Update(updates []any) (bool, error) {
	if len(updates) == 0 {
		return false, nil
	}

	acc := c.value
	start := 0
	if !c.set {
		acc = updates[0]
		start = 1
	}

	for _, update := range updates[start:] {
		next, err := c.reducer(acc, update)
		if err != nil {
			return false, fmt.Errorf("%w: %s: reducer: %v", ErrInvalidUpdate, c.name, err)
		}
		acc = next
	}

	c.value = acc
	c.set = true
	return true, nil
}

func (c *binaryOperator) Checkpoint() (json.RawMessage, error) {
	raw, err := json.Marshal(lastValueSnapshot{Value: c.value, Set: c.set})
	if err != nil {
		return nil, fmt.Errorf("%w: %s: %v", ErrSerialization, c.name, err)
	}
	return raw, nil
}

func (c *binaryOperator) Restore(snapshot json.RawMessage) error {
	var snap lastValueSnapshot
	if err := json.Unmarshal(snapshot, &snap); err != nil {
		return fmt.Errorf("%w: %s: %v", ErrSerialization, c.name, err)
	}
	c.value = snap.Value
	c.set = snap.Set
	return nil
}

func (c *binaryOperator) Consume() (bool, error) { return false, nil }
func (c *binaryOperator) Finish() (bool, error)  { return false, nil }
