// Package queue provides an unbounded, goroutine-safe FIFO handoff between
// producers and consumers.
package queue

import (
	"context"
	"sync"

	"github.com/emirpasic/gods/queues/linkedlistqueue"

	"wirebot/internal/domain"
)

// Filter decides whether a drained item is kept. Rejected items are consumed
// and discarded.
type Filter[T any] func(ctx context.Context, item T) (bool, error)

// Unbounded is a multi-producer, multi-consumer FIFO channel without a
// capacity limit. Writes never block; reads suspend until an item arrives,
// the channel is closed, or the context is done.
type Unbounded[T any] struct {
	mu     sync.Mutex
	items  *linkedlistqueue.Queue
	ready  chan struct{} // closed and replaced on every state change
	closed bool
}

// NewUnbounded creates an empty channel.
func NewUnbounded[T any]() *Unbounded[T] {
	return &Unbounded[T]{
		items: linkedlistqueue.New(),
		ready: make(chan struct{}),
	}
}

// notifyLocked wakes every goroutine parked in a wait. Caller holds mu.
func (c *Unbounded[T]) notifyLocked() {
	close(c.ready)
	c.ready = make(chan struct{})
}

// Write enqueues item. It fails only after Close.
func (c *Unbounded[T]) Write(item T) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.closed {
		return domain.ErrChannelClosed
	}
	c.items.Enqueue(item)
	c.notifyLocked()
	return nil
}

// WaitToWrite reports whether a subsequent Write can succeed. Capacity is
// unbounded, so it only waits on ctx and returns false once the channel is closed.
func (c *Unbounded[T]) WaitToWrite(ctx context.Context) (bool, error) {
	if err := ctx.Err(); err != nil {
		return false, err
	}
	c.mu.Lock()
	defer c.mu.Unlock()
	return !c.closed, nil
}

// WaitToRead suspends until an item is available. It returns false when the
// channel is closed and fully drained.
func (c *Unbounded[T]) WaitToRead(ctx context.Context) (bool, error) {
	for {
		c.mu.Lock()
		if !c.items.Empty() {
			c.mu.Unlock()
			return true, nil
		}
		if c.closed {
			c.mu.Unlock()
			return false, nil
		}
		wait := c.ready
		c.mu.Unlock()

		select {
		case <-wait:
		case <-ctx.Done():
			return false, ctx.Err()
		}
	}
}

// Read removes and returns the oldest item, suspending until one is available.
// It returns domain.ErrChannelClosed once the channel is closed and drained.
func (c *Unbounded[T]) Read(ctx context.Context) (T, error) {
	var zero T
	for {
		if err := ctx.Err(); err != nil {
			return zero, err
		}

		c.mu.Lock()
		if v, ok := c.items.Dequeue(); ok {
			c.mu.Unlock()
			return v.(T), nil
		}
		if c.closed {
			c.mu.Unlock()
			return zero, domain.ErrChannelClosed
		}
		wait := c.ready
		c.mu.Unlock()

		select {
		case <-wait:
		case <-ctx.Done():
			return zero, ctx.Err()
		}
	}
}

// ReadPending drains up to max items that are already queued, never waiting
// for new arrivals. When filter is non-nil, items it rejects are consumed but
// left out of the result.
//
// The batch is dequeued before filtering. If filter fails, ReadPending returns
// the items kept so far with the error; the failing item and the rest of the
// batch are consumed and discarded. Items beyond max stay queued.
func (c *Unbounded[T]) ReadPending(ctx context.Context, max int, filter Filter[T]) ([]T, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	if max <= 0 {
		return nil, nil
	}

	c.mu.Lock()
	n := min(c.items.Size(), max)
	drained := make([]T, 0, n)
	for i := 0; i < n; i++ {
		v, _ := c.items.Dequeue()
		drained = append(drained, v.(T))
	}
	c.mu.Unlock()

	if filter == nil {
		return drained, nil
	}

	out := drained[:0]
	for _, item := range drained {
		keep, err := filter(ctx, item)
		if err != nil {
			return out, err
		}
		if keep {
			out = append(out, item)
		}
	}
	return out, nil
}

// Len returns the number of queued items.
func (c *Unbounded[T]) Len() int {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.items.Size()
}

// Close marks the channel complete. Queued items stay readable; further
// writes fail. Close is idempotent.
func (c *Unbounded[T]) Close() {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.closed {
		return
	}
	c.closed = true
	c.notifyLocked()
}
