package channel

import (
	"context"
	"errors"
	"sync/atomic"
)

// ErrMailboxClosed reports a receive from a closed, drained mailbox.
var ErrMailboxClosed = errors.New("mailbox closed")

// Mailbox is a context-aware wrapper over a buffered Go channel. Topic
// subscriptions and engine streams deliver through it so every blocking
// hand-off honors both the caller's context and the mailbox's lifecycle
// context.
type Mailbox[T any] struct {
	channel    chan T
	context    context.Context
	bufferSize int
	closed     atomic.Int32
}

// NewMailbox creates a mailbox bound to ctx with the given buffer size.
func NewMailbox[T any](ctx context.Context, bufferSize int) *Mailbox[T] {
	return &Mailbox[T]{
		channel:    make(chan T, bufferSize),
		context:    ctx,
		bufferSize: bufferSize,
	}
}

// Send delivers message, blocking until buffer space is available or either
// context is done. A blocked Send is how backpressure suspends the sender
// rather than dropping.
func (mb *Mailbox[T]) Send(ctx context.Context, message T) error {
	select {
	case mb.channel <- message:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	case <-mb.context.Done():
		return mb.context.Err()
	}
}

// TrySend delivers message only if buffer space is immediately available.
func (mb *Mailbox[T]) TrySend(message T) bool {
	select {
	case mb.channel <- message:
		return true
	default:
		return false
	}
}

// Receive blocks until a message arrives or either context is done.
// Receiving from a closed, drained mailbox returns ErrMailboxClosed.
func (mb *Mailbox[T]) Receive(ctx context.Context) (T, error) {
	select {
	case message, ok := <-mb.channel:
		if !ok {
			var zero T
			return zero, ErrMailboxClosed
		}
		return message, nil
	case <-ctx.Done():
		var zero T
		return zero, ctx.Err()
	case <-mb.context.Done():
		var zero T
		return zero, mb.context.Err()
	}
}

// TryReceive returns a buffered message if one is immediately available.
func (mb *Mailbox[T]) TryReceive() (T, bool) {
	select {
	case message, ok := <-mb.channel:
		if !ok {
			var zero T
			return zero, false
		}
		return message, true
	default:
		var zero T
		return zero, false
	}
}

// Drain returns the underlying receive channel for range iteration.
func (mb *Mailbox[T]) Drain() <-chan T {
	return mb.channel
}

// Close closes the mailbox exactly once.
func (mb *Mailbox[T]) Close() {
	if mb.closed.CompareAndSwap(0, 1) {
		close(mb.channel)
	}
}

func (mb *Mailbox[T]) IsClosed() bool {
	return mb.closed.Load() == 1
}

func (mb *Mailbox[T]) BufferSize() int {
	return mb.bufferSize
}

func (mb *Mailbox[T]) QueueLength() int {
	return len(mb.channel)
}
