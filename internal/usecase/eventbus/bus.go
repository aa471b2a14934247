// Package eventbus routes decoded gateway dispatch events to in-process subscribers.
package eventbus

import (
	"context"
	"log/slog"
	"sync"
	"sync/atomic"
	"time"

	"wirebot/internal/domain"
)

// DefaultHandlerTimeout bounds a single handler invocation.
const DefaultHandlerTimeout = 30 * time.Second

type subscription struct {
	id      uint64
	handler domain.EventHandler
}

// Option configures a Bus.
type Option func(*Bus)

// WithHandlerTimeout sets the per-handler deadline. Zero or negative disables it.
func WithHandlerTimeout(d time.Duration) Option {
	return func(b *Bus) { b.handlerTimeout = d }
}

// Bus is an in-process, goroutine-safe event bus.
type Bus struct {
	mu             sync.RWMutex
	typed          map[domain.EventType][]subscription
	allSubs        []subscription
	nextID         atomic.Uint64
	handlerTimeout time.Duration
	logger         *slog.Logger
	wg             sync.WaitGroup
	closed         atomic.Bool
	faults         atomic.Int64
}

// New creates an event bus.
func New(logger *slog.Logger, opts ...Option) *Bus {
	b := &Bus{
		typed:          make(map[domain.EventType][]subscription),
		handlerTimeout: DefaultHandlerTimeout,
		logger:         logger,
	}
	for _, o := range opts {
		o(b)
	}
	return b
}

// Route implements domain.EventRouter. It never blocks on handlers.
func (b *Bus) Route(ctx context.Context, event domain.Event) error {
	if b.closed.Load() {
		return domain.WrapOp("Bus.Route", domain.ErrBusClosed)
	}
	b.Publish(ctx, event)
	return nil
}

// Publish fans out an event to matching typed subscribers and all-event subscribers.
// Each handler is invoked in its own goroutine. Panicking handlers are recovered.
func (b *Bus) Publish(ctx context.Context, event domain.Event) {
	if b.closed.Load() {
		return
	}

	b.mu.RLock()
	typed := make([]subscription, len(b.typed[event.Type]))
	copy(typed, b.typed[event.Type])
	allSubs := make([]subscription, len(b.allSubs))
	copy(allSubs, b.allSubs)
	b.mu.RUnlock()

	for _, sub := range typed {
		b.dispatch(ctx, event, sub)
	}
	for _, sub := range allSubs {
		b.dispatch(ctx, event, sub)
	}
}

func (b *Bus) dispatch(ctx context.Context, event domain.Event, sub subscription) {
	b.wg.Add(1)
	go func() {
		defer b.wg.Done()
		defer func() {
			if r := recover(); r != nil {
				b.faults.Add(1)
				b.logger.Error("event handler panicked",
					"event", string(event.Type),
					"seq", event.Sequence,
					"panic", r,
				)
			}
		}()
		hctx := ctx
		if b.handlerTimeout > 0 {
			var cancel context.CancelFunc
			hctx, cancel = context.WithTimeout(ctx, b.handlerTimeout)
			defer cancel()
		}
		sub.handler(hctx, event)
		if hctx.Err() == context.DeadlineExceeded {
			b.logger.Warn("event handler exceeded timeout",
				"event", string(event.Type),
				"timeout", b.handlerTimeout,
			)
		}
	}()
}

// Subscribe registers a handler for a specific event type.
// Returns an unsubscribe function.
func (b *Bus) Subscribe(eventType domain.EventType, handler domain.EventHandler) func() {
	id := b.nextID.Add(1)
	sub := subscription{id: id, handler: handler}

	b.mu.Lock()
	b.typed[eventType] = append(b.typed[eventType], sub)
	b.mu.Unlock()

	return func() {
		b.mu.Lock()
		defer b.mu.Unlock()
		subs := b.typed[eventType]
		for i, s := range subs {
			if s.id == id {
				b.typed[eventType] = append(subs[:i:i], subs[i+1:]...)
				return
			}
		}
	}
}

// SubscribeAll registers a handler that receives every event.
// Returns an unsubscribe function.
func (b *Bus) SubscribeAll(handler domain.EventHandler) func() {
	id := b.nextID.Add(1)
	sub := subscription{id: id, handler: handler}

	b.mu.Lock()
	b.allSubs = append(b.allSubs, sub)
	b.mu.Unlock()

	return func() {
		b.mu.Lock()
		defer b.mu.Unlock()
		for i, s := range b.allSubs {
			if s.id == id {
				b.allSubs = append(b.allSubs[:i:i], b.allSubs[i+1:]...)
				return
			}
		}
	}
}

// Faults reports how many handler panics have been contained.
func (b *Bus) Faults() int64 { return b.faults.Load() }

// Close prevents new publishes and waits for all in-flight handlers to finish.
// Close is idempotent and safe to call multiple times.
func (b *Bus) Close() {
	if b.closed.Swap(true) {
		return
	}
	b.wg.Wait()
}

var _ domain.EventBus = (*Bus)(nil)
