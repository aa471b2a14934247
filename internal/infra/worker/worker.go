// Package worker provides the long-lived goroutine primitives used by the
// gateway: named loop workers, a fixed-period heartbeat timer, and delays.
//
// Cancellation through the context passed to Start is the only clean way for
// a loop to end. Any other return or panic is an unexpected stop, reported to
// the configured callback or, without one, logged.
package worker

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sync"

	"wirebot/internal/domain"
)

// LoopFunc is the body of a worker. It should run until ctx is done and then
// return ctx.Err().
type LoopFunc func(ctx context.Context) error

// StopFunc receives the error that ended a worker unexpectedly.
type StopFunc func(err error)

// Worker runs one LoopFunc on a dedicated goroutine.
type Worker struct {
	name   string
	loop   LoopFunc
	logger *slog.Logger

	mu      sync.Mutex
	onStop  StopFunc
	ctx     context.Context
	cancel  context.CancelFunc
	done    chan struct{}
	err     error
	running bool
}

// New creates a worker. onStop may be nil.
func New(name string, loop LoopFunc, onStop StopFunc, logger *slog.Logger) *Worker {
	return &Worker{
		name:   name,
		loop:   loop,
		onStop: onStop,
		logger: logger,
	}
}

// Name returns the worker name.
func (w *Worker) Name() string { return w.name }

// SetOnStop replaces the unexpected-stop callback.
func (w *Worker) SetOnStop(fn StopFunc) {
	w.mu.Lock()
	w.onStop = fn
	w.mu.Unlock()
}

// Start spawns the loop with a context derived from parent. Starting a
// running worker is a no-op.
func (w *Worker) Start(parent context.Context) {
	w.mu.Lock()
	defer w.mu.Unlock()
	if w.running {
		return
	}

	ctx, cancel := context.WithCancel(parent)
	w.ctx = ctx
	w.cancel = cancel
	w.done = make(chan struct{})
	w.err = nil
	w.running = true

	go w.run(ctx, w.done)
}

func (w *Worker) run(ctx context.Context, done chan struct{}) {
	err := w.invoke(ctx)

	w.mu.Lock()
	w.err = err
	w.running = false
	onStop := w.onStop
	w.mu.Unlock()
	close(done)

	if err == nil || isGraceful(ctx, err) {
		w.logger.Debug("worker stopped", "worker", w.name)
		return
	}

	if onStop == nil {
		w.logger.Error("worker died", "worker", w.name, "error", err)
		return
	}
	w.logger.Warn("worker stopped unexpectedly", "worker", w.name, "code", domain.ErrorCodeOf(err), "error", err)
	onStop(err)
}

// invoke runs the loop, converting a panic into an error.
func (w *Worker) invoke(ctx context.Context) (err error) {
	defer func() {
		if r := recover(); r != nil {
			err = fmt.Errorf("worker %s panicked: %v", w.name, r)
		}
	}()
	err = w.loop(ctx)
	if err == nil && ctx.Err() == nil {
		err = fmt.Errorf("worker %s: loop returned before cancellation", w.name)
	}
	return err
}

// Stop signals cancellation and returns without waiting for the loop.
func (w *Worker) Stop() {
	w.mu.Lock()
	cancel := w.cancel
	w.mu.Unlock()
	if cancel != nil {
		cancel()
	}
}

// Context returns the lifetime context of the current run. It is done once
// the worker is stopped or its parent is canceled, and nil before the first Start.
func (w *Worker) Context() context.Context {
	w.mu.Lock()
	defer w.mu.Unlock()
	return w.ctx
}

// Done is closed when the current run exits. It is nil before the first Start.
func (w *Worker) Done() <-chan struct{} {
	w.mu.Lock()
	defer w.mu.Unlock()
	return w.done
}

// Running reports whether the loop goroutine is alive.
func (w *Worker) Running() bool {
	w.mu.Lock()
	defer w.mu.Unlock()
	return w.running
}

// Err returns the error the last run ended with.
func (w *Worker) Err() error {
	w.mu.Lock()
	defer w.mu.Unlock()
	return w.err
}

// isGraceful reports whether err is the loop acknowledging its own cancellation.
func isGraceful(ctx context.Context, err error) bool {
	return ctx.Err() != nil && errors.Is(err, context.Canceled)
}
