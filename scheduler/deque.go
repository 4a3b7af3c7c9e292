package scheduler

import "sync"

// deque is a mutex-protected double-ended queue owned by one worker. The
// owner pushes and pops at the bottom (LIFO, cache locality); thieves
// steal from the top (FIFO, oldest work) and only while the victim holds
// more than one task, so the owner is never left empty-handed by a thief.
type deque struct {
	mu       sync.Mutex
	items    []*task
	capacity int
}

func newDeque(capacity int) *deque {
	return &deque{capacity: capacity}
}

// pushBottom appends a task at the bottom. It reports false when the
// queue is at capacity.
func (d *deque) pushBottom(t *task) bool {
	d.mu.Lock()
	defer d.mu.Unlock()
	if len(d.items) >= d.capacity {
		return false
	}
	d.items = append(d.items, t)
	return true
}

// popBottom removes and returns the most recently pushed task, or nil.
func (d *deque) popBottom() *task {
	d.mu.Lock()
	defer d.mu.Unlock()
	if len(d.items) == 0 {
		return nil
	}
	t := d.items[len(d.items)-1]
	d.items[len(d.items)-1] = nil
	d.items = d.items[:len(d.items)-1]
	return t
}

// stealTop removes and returns the oldest task, or nil when the deque
// holds one task or fewer.
func (d *deque) stealTop() *task {
	d.mu.Lock()
	defer d.mu.Unlock()
	if len(d.items) <= 1 {
		return nil
	}
	t := d.items[0]
	d.items[0] = nil
	d.items = d.items[1:]
	return t
}

func (d *deque) size() int {
	d.mu.Lock()
	defer d.mu.Unlock()
	return len(d.items)
}
