package channel

import (
	"context"
	"encoding/json"
	"fmt"
	"sync"
	"time"
)

const (
	// DefaultTopicCapacity bounds a topic queue when no capacity is
	// configured.
	DefaultTopicCapacity = 1024

	// DefaultSubscriberBuffer sizes subscription mailboxes when no buffer
	// is configured.
	DefaultSubscriberBuffer = 64
)

// Subscription receives values fanned out by a Topic channel.
type Subscription struct {
	topic   *topic
	mailbox *Mailbox[any]
	cancel  context.CancelFunc
}

// Receive blocks for the next published value.
func (s *Subscription) Receive(ctx context.Context) (any, error) {
	return s.mailbox.Receive(ctx)
}

// TryReceive returns a buffered value if one is immediately available.
func (s *Subscription) TryReceive() (any, bool) {
	return s.mailbox.TryReceive()
}

// Cancel detaches the subscription from the topic. The mailbox context is
// cancelled rather than its channel closed, so a concurrent fan-out can
// never panic on a closed channel.
func (s *Subscription) Cancel() {
	s.topic.unsubscribe(s)
	s.cancel()
}

type topicEntry struct {
	Value     any       `json:"value"`
	ExpiresAt time.Time `json:"expires_at,omitzero"`
}

func (e topicEntry) expired(now time.Time) bool {
	return !e.ExpiresAt.IsZero() && now.After(e.ExpiresAt)
}

// topic implements VariantTopic: a bounded, TTL-expiring queue with
// subscriber fan-out.
//
// Unlike the other variants, topic guards its subscriber list with a
// mutex: subscriptions may be created and cancelled by consumers that run
// outside the engine's write phase.
type topic struct {
	name string
	opts TopicOptions

	entries []topicEntry

	subMu sync.Mutex
	subs  []*Subscription

	now func() time.Time
}

func newTopic(name string, opts TopicOptions) *topic {
	if opts.Capacity <= 0 {
		opts.Capacity = DefaultTopicCapacity
	}
	if opts.SubscriberBuffer <= 0 {
		opts.SubscriberBuffer = DefaultSubscriberBuffer
	}
	return &topic{
		name: name,
		opts: opts,
		now:  time.Now,
	}
}

func (c *topic) Name() string     { return c.name }
func (c *topic) Variant() Variant { return VariantTopic }
func (c *topic) Tracked() bool    { return true }

// Get returns the non-expired queued values in arrival order. A topic's
// empty value is an empty slice, not an EmptyChannel failure.
func (c *topic) Get() (any, error) {
	c.prune()
	values := make([]any, len(c.entries))
	for i, e := range c.entries {
		values[i] = e.Value
	}
	return values, nil
}

// Update appends the batch and fans each value out to active subscribers.
// When the queue is full, at-most-once delivery drops the oldest entry;
// at-least-once delivery rejects the update instead.
func (c *topic) Update(updates []any) (bool, error) {
	if len(updates) == 0 {
		return false, nil
	}
	c.prune()

	var expires time.Time
	if c.opts.TTL > 0 {
		expires = c.now().Add(c.opts.TTL)
	}

	for _, update := range updates {
		if len(c.entries) >= c.opts.Capacity {
			if c.opts.Delivery == AtLeastOnce {
				return false, fmt.Errorf("%w: %s: topic queue full (capacity %d)",
					ErrInvalidUpdate, c.name, c.opts.Capacity)
			}
			c.entries = c.entries[1:]
		}
		c.entries = append(c.entries, topicEntry{Value: update, ExpiresAt: expires})
		c.fanOut(update)
	}
	return true, nil
}

func (c *topic) fanOut(value any) {
	c.subMu.Lock()
	subs := make([]*Subscription, len(c.subs))
	copy(subs, c.subs)
	c.subMu.Unlock()

	for _, sub := range subs {
		if c.opts.Delivery == AtMostOnce {
			sub.mailbox.TrySend(value)
			continue
		}
		// At-least-once blocks until the subscriber drains. The write
		// phase stalls rather than losing the value.
		_ = sub.mailbox.Send(context.Background(), value)
	}
}

// Subscribe attaches a new subscriber. Values published before the
// subscription are not replayed; they remain readable through Get.
func (c *topic) Subscribe(ctx context.Context) *Subscription {
	subCtx, cancel := context.WithCancel(ctx)
	sub := &Subscription{
		topic:   c,
		mailbox: NewMailbox[any](subCtx, c.opts.SubscriberBuffer),
		cancel:  cancel,
	}
	c.subMu.Lock()
	c.subs = append(c.subs, sub)
	c.subMu.Unlock()
	return sub
}

func (c *topic) unsubscribe(sub *Subscription) {
	c.subMu.Lock()
	defer c.subMu.Unlock()
	for i, s := range c.subs {
		if s == sub {
			c.subs = append(c.subs[:i], c.subs[i+1:]...)
			return
		}
	}
}

func (c *topic) prune() {
	if c.opts.TTL <= 0 || len(c.entries) == 0 {
		return
	}
	now := c.now()
	kept := c.entries[:0]
	for _, e := range c.entries {
		if !e.expired(now) {
			kept = append(kept, e)
		}
	}
	c.entries = kept
}

func (c *topic) Consume() (bool, error) { return false, nil }

// Finish clears the queue at the superstep boundary unless the topic is
// configured to accumulate.
func (c *topic) Finish() (bool, error) {
	c.prune()
	if c.opts.Accumulate || len(c.entries) == 0 {
		return false, nil
	}
	c.entries = nil
	return true, nil
}

type topicSnapshot struct {
	Entries []topicEntry `json:"entries"`
}

func (c *topic) Checkpoint() (json.RawMessage, error) {
	c.prune()
	raw, err := json.Marshal(topicSnapshot{Entries: c.entries})
	if err != nil {
		return nil, fmt.Errorf("%w: %s: %v", ErrSerialization, c.name, err)
	}
	return raw, nil
}

func (c *topic) Restore(snapshot json.RawMessage) error {
	var snap topicSnapshot
	if err := json.Unmarshal(snapshot, &snap); err != nil {
		return fmt.Errorf("%w: %s: %v", ErrSerialization, c.name, err)
	}
	c.entries = snap.Entries
	return nil
}
