package worker

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"wirebot/internal/domain"
)

// TickFunc is invoked once per heartbeat period.
type TickFunc func(ctx context.Context) error

// HeartbeatOptions configures a Heartbeat.
type HeartbeatOptions struct {
	Period time.Duration
	// StopOnException aborts the timer on the first non-cancellation tick error
	// and reports it through OnUnexpectedStop. When false, tick errors are
	// logged and the timer keeps running.
	StopOnException  bool
	OnUnexpectedStop StopFunc
}

// Heartbeat calls a TickFunc on a fixed period from its own goroutine. The
// first tick happens one full period after Start.
type Heartbeat struct {
	tick   TickFunc
	opts   HeartbeatOptions
	logger *slog.Logger

	mu     sync.Mutex
	cancel context.CancelFunc
	done   chan struct{}
}

// NewHeartbeat creates a stopped timer.
func NewHeartbeat(tick TickFunc, opts HeartbeatOptions, logger *slog.Logger) *Heartbeat {
	return &Heartbeat{tick: tick, opts: opts, logger: logger}
}

// Period returns the tick period.
func (h *Heartbeat) Period() time.Duration { return h.opts.Period }

// Start spawns the timer goroutine. Starting a running timer is a no-op.
func (h *Heartbeat) Start(parent context.Context) error {
	if h.opts.Period <= 0 {
		return fmt.Errorf("heartbeat period must be > 0, got %s", h.opts.Period)
	}

	h.mu.Lock()
	defer h.mu.Unlock()
	if h.done != nil {
		select {
		case <-h.done:
		default:
			return nil
		}
	}

	ctx, cancel := context.WithCancel(parent)
	h.cancel = cancel
	h.done = make(chan struct{})
	go h.run(ctx, h.done)
	return nil
}

func (h *Heartbeat) run(ctx context.Context, done chan struct{}) {
	err := h.loop(ctx)
	// done is closed before the callback so a callback that stops this timer
	// does not wait on itself.
	close(done)

	if err == nil || errors.Is(err, context.Canceled) {
		return
	}
	if h.opts.OnUnexpectedStop == nil {
		h.logger.Error("heartbeat died", "error", err)
		return
	}
	h.logger.Warn("heartbeat stopped unexpectedly", "code", domain.ErrorCodeOf(err), "error", err)
	h.opts.OnUnexpectedStop(err)
}

func (h *Heartbeat) loop(ctx context.Context) error {
	for {
		if err := Delay(ctx, h.opts.Period); err != nil {
			return err
		}
		if err := h.safeTick(ctx); err != nil {
			if ctx.Err() != nil && errors.Is(err, context.Canceled) {
				return err
			}
			if h.opts.StopOnException {
				return err
			}
			h.logger.Warn("heartbeat tick failed", "error", err)
		}
	}
}

func (h *Heartbeat) safeTick(ctx context.Context) (err error) {
	defer func() {
		if r := recover(); r != nil {
			err = fmt.Errorf("heartbeat tick panicked: %v", r)
		}
	}()
	return h.tick(ctx)
}

// Stop cancels the timer and waits for its goroutine to exit. Once Stop
// returns no further tick fires.
func (h *Heartbeat) Stop() {
	h.mu.Lock()
	cancel, done := h.cancel, h.done
	h.mu.Unlock()

	if cancel == nil {
		return
	}
	cancel()
	<-done
}

// Running reports whether the timer goroutine is alive.
func (h *Heartbeat) Running() bool {
	h.mu.Lock()
	defer h.mu.Unlock()
	if h.done == nil {
		return false
	}
	select {
	case <-h.done:
		return false
	default:
		return true
	}
}
