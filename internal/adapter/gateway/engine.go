// Package gateway keeps one authenticated session with a websocket event
// gateway alive: it performs the hello/identify/resume handshake, heartbeats,
// tracks sequence numbers, and reconnects when the connection or a worker fails.
package gateway

import (
	"context"
	"fmt"
	"log/slog"
	"sync"
	"sync/atomic"
	"time"

	"github.com/bwmarrin/discordgo"
	"github.com/oklog/ulid/v2"
	"github.com/sony/gobreaker/v2"
	"go.opentelemetry.io/otel/trace"
	"golang.org/x/sync/singleflight"
	"golang.org/x/time/rate"

	"wirebot/internal/domain"
	"wirebot/internal/infra/tracer"
	"wirebot/internal/infra/worker"
)

const (
	noSequence        int64 = -1
	checkpointTimeout       = 5 * time.Second
)

// Engine is the gateway orchestrator. It owns the socket, the receive and
// transmit workers, the heartbeat timer, and the session state.
//
// All exported methods are safe for concurrent use.
type Engine struct {
	opts    Options
	dial    func() domain.Socket
	router  domain.EventRouter
	store   domain.SessionStore
	backoff func(ctx context.Context) error
	limiter *rate.Limiter
	breaker *gobreaker.CircuitBreaker[struct{}]
	logger  *slog.Logger

	restarts singleflight.Group

	// Session state. Each field is read and written atomically on its own;
	// no invariant spans two of them.
	seq          atomic.Int64
	sessionID    atomic.Pointer[string]
	running      atomic.Bool
	ready        atomic.Bool
	resume       atomic.Bool // the next Hello is answered with Resume
	acked        atomic.Bool
	restartCount atomic.Int64

	conn atomic.Pointer[connection]

	// mu serializes Start, Stop and restarts. Receive, transmit and heartbeat
	// paths never take it.
	mu sync.Mutex

	baseMu     sync.Mutex
	base       context.Context
	baseCancel context.CancelFunc
	unlink     func() bool

	hbMu sync.Mutex // lock order: mu, then hbMu
	hb   *worker.Heartbeat
}

// connection is one epoch: a socket and the workers bound to it.
type connection struct {
	engine *Engine
	id     string
	ctx    context.Context
	cancel context.CancelFunc
	sock   domain.Socket
	rx     *Receiver
	tx     *Transmitter
	logger *slog.Logger
}

// New creates a stopped engine. dial must return a fresh, unconnected socket
// on every call. router may be nil, in which case dispatch events are dropped.
func New(opts Options, dial func() domain.Socket, router domain.EventRouter, logger *slog.Logger, engineOpts ...EngineOption) *Engine {
	opts = opts.withDefaults()
	e := &Engine{
		opts:    opts,
		dial:    dial,
		router:  router,
		backoff: worker.JitterDelay,
		limiter: newLimiter(opts),
		breaker: newBreaker(opts.Breaker, logger),
		logger:  logger,
	}
	e.seq.Store(noSequence)
	for _, o := range engineOpts {
		o(e)
	}
	return e
}

// Start connects and starts the transmit and receive workers. The engine
// stops when ctx is canceled. Starting a running engine is a no-op.
func (e *Engine) Start(ctx context.Context) error {
	e.mu.Lock()
	defer e.mu.Unlock()
	if e.running.Load() {
		return nil
	}

	base, cancel := context.WithCancel(ctx)
	e.baseMu.Lock()
	e.base, e.baseCancel = base, cancel
	e.unlink = context.AfterFunc(ctx, func() { e.stop(base) })
	e.baseMu.Unlock()

	e.resetSession()
	e.resume.Store(false)
	e.loadCheckpoint(base)

	e.running.Store(true)
	if err := e.connectLocked(base); err != nil {
		e.running.Store(false)
		e.releaseBase()
		return domain.WrapOp("Engine.Start", err)
	}
	e.logger.Info("gateway engine started", "url", e.opts.URL, "epoch", e.Epoch())
	return nil
}

// Stop tears down the heartbeat, the receive worker, the transmit worker and
// the socket, in that order. Stop is idempotent.
func (e *Engine) Stop() { e.stop(nil) }

// stop shuts the engine down. A non-nil only restricts it to the run that
// was started with that base context.
func (e *Engine) stop(only context.Context) {
	e.baseMu.Lock()
	if only != nil && e.base != only {
		e.baseMu.Unlock()
		return
	}
	if e.baseCancel != nil {
		e.baseCancel()
	}
	e.baseMu.Unlock()

	e.mu.Lock()
	defer e.mu.Unlock()
	if !e.running.Load() {
		return
	}
	if only != nil && e.baseContext() != only {
		return
	}

	e.closeLocked()
	e.saveCheckpoint()
	e.ready.Store(false)
	e.running.Store(false)
	e.releaseBase()
	e.logger.Info("gateway engine stopped")
}

// Restart tears the connection down and reconnects. With resume set, the
// next handshake resumes the stored session when one exists; otherwise the
// session is discarded and the client identifies again.
//
// Concurrent calls share one in-flight restart. ctx bounds only how long the
// caller waits; the restart itself runs until connected or the engine stops.
func (e *Engine) Restart(ctx context.Context, resume bool) error {
	return e.restart(ctx, resume, "")
}

// Send queues msg on the current connection's transmitter.
func (e *Engine) Send(ctx context.Context, msg domain.Message) error {
	c := e.conn.Load()
	if c == nil {
		return domain.WrapOp("Engine.Send", domain.ErrNotRunning)
	}
	return c.tx.Emit(ctx, msg)
}

// StartHeartbeat (re)starts the heartbeat timer on the current connection.
func (e *Engine) StartHeartbeat(interval time.Duration) error {
	c := e.conn.Load()
	if c == nil {
		return domain.WrapOp("Engine.StartHeartbeat", domain.ErrNotRunning)
	}
	return e.startHeartbeat(c, interval)
}

// StopHeartbeat stops the heartbeat timer and waits for it to exit.
func (e *Engine) StopHeartbeat() {
	e.hbMu.Lock()
	hb := e.hb
	e.hb = nil
	e.hbMu.Unlock()
	if hb != nil {
		hb.Stop()
	}
}

// HeartbeatRunning reports whether the heartbeat timer is alive.
func (e *Engine) HeartbeatRunning() bool {
	e.hbMu.Lock()
	defer e.hbMu.Unlock()
	return e.hb != nil && e.hb.Running()
}

// SequenceNumber returns the last sequence number seen, if any.
func (e *Engine) SequenceNumber() (int64, bool) {
	seq := e.seq.Load()
	return seq, seq != noSequence
}

// SessionID returns the session assigned by the gateway, or "".
func (e *Engine) SessionID() string {
	if p := e.sessionID.Load(); p != nil {
		return *p
	}
	return ""
}

// IsReady reports whether the handshake has completed on the current connection.
func (e *Engine) IsReady() bool { return e.ready.Load() }

// SetReady flips the readiness flag. Readiness is ignored while the engine
// is not running.
func (e *Engine) SetReady(ready bool) {
	if ready && !e.running.Load() {
		return
	}
	e.ready.Store(ready)
}

// Running reports whether the engine has been started and not stopped.
func (e *Engine) Running() bool { return e.running.Load() }

// Restarts returns how many restarts have been carried out.
func (e *Engine) Restarts() int64 { return e.restartCount.Load() }

// Epoch returns the id of the current connection, or "" between connections.
func (e *Engine) Epoch() string {
	if c := e.conn.Load(); c != nil {
		return c.id
	}
	return ""
}

// BreakerState exposes the connect circuit breaker for monitoring.
func (e *Engine) BreakerState() gobreaker.State { return e.breaker.State() }

func (e *Engine) restart(ctx context.Context, resume bool, epoch string) error {
	ch := e.restarts.DoChan("restart", func() (any, error) {
		return nil, e.doRestart(resume, epoch)
	})
	select {
	case res := <-ch:
		return res.Err
	case <-ctx.Done():
		return ctx.Err()
	}
}

// restartFrom handles a failure reported by the connection with the given
// epoch. Failures from a connection that has already been replaced are dropped.
func (e *Engine) restartFrom(epoch string, resume bool, cause error) {
	if c := e.conn.Load(); c == nil || c.id != epoch {
		e.logger.Debug("ignoring failure from a replaced connection", "epoch", epoch, "error", cause)
		return
	}
	if domain.IsFatalClose(cause) {
		e.logger.Error("gateway rejected the session permanently, stopping",
			"epoch", epoch, "error", fmt.Errorf("%w: %w", domain.ErrFatalClose, cause))
		e.Stop()
		return
	}
	if cause != nil && !domain.IsResumableFailure(cause) {
		resume = false
	}
	if err := e.restart(context.Background(), resume, epoch); err != nil && !domain.IsCancellation(err) {
		e.logger.Error("gateway restart failed", "epoch", epoch, "error", err)
	}
}

func (e *Engine) doRestart(resume bool, epoch string) error {
	e.mu.Lock()
	defer e.mu.Unlock()
	if !e.running.Load() {
		e.logger.Debug("restart requested while stopped")
		return nil
	}
	if epoch != "" {
		if c := e.conn.Load(); c == nil || c.id != epoch {
			e.logger.Debug("restart already handled", "epoch", epoch)
			return nil
		}
	}

	base := e.baseContext()
	ctx, span := tracer.StartSpan(base, "gateway.restart", trace.WithAttributes(
		tracer.StringAttr("gateway.epoch", epoch),
		tracer.BoolAttr("gateway.resume", resume),
	))
	defer span.End()

	n := e.restartCount.Add(1)
	e.logger.Info("restarting gateway", "resume", resume, "epoch", epoch, "restarts", n)

	e.closeLocked()
	e.ready.Store(false)
	if !resume {
		e.resetSession()
		e.clearCheckpoint()
	}
	e.resume.Store(resume)

	for attempt := 1; ; attempt++ {
		if err := e.backoff(ctx); err != nil {
			tracer.RecordError(span, err)
			return err
		}
		err := e.connectLocked(ctx)
		if err == nil {
			tracer.SetOK(span)
			return nil
		}
		if base.Err() != nil {
			tracer.RecordError(span, base.Err())
			return base.Err()
		}
		e.logger.Warn("reconnect attempt failed", "attempt", attempt, "error", err)
	}
}

// connectLocked opens a new connection epoch. Caller holds mu.
func (e *Engine) connectLocked(ctx context.Context) error {
	id := ulid.Make().String()
	logger := e.logger.With("epoch", id)

	ctx, span := tracer.StartSpan(ctx, "gateway.connect", trace.WithAttributes(
		tracer.StringAttr("gateway.epoch", id),
		tracer.StringAttr("gateway.url", e.opts.URL),
	))
	defer span.End()

	sock := e.dial()
	_, err := e.breaker.Execute(func() (struct{}, error) {
		return struct{}{}, sock.Connect(ctx, e.opts.URL)
	})
	if err != nil {
		_ = sock.Abort()
		tracer.RecordError(span, err)
		return err
	}
	tracer.SetOK(span)

	c := &connection{engine: e, id: id, sock: sock, logger: logger}
	c.ctx, c.cancel = context.WithCancel(e.baseContext())
	c.tx = NewTransmitter(sock, e.limiter, c.onWorkerStop, logger)
	c.rx = NewReceiver(sock, c, e.opts.BufferSize, c.onWorkerStop, logger)

	// The transmitter must accept frames before the receiver can answer Hello.
	e.conn.Store(c)
	c.tx.Start(c.ctx)
	c.rx.Start(c.ctx)
	logger.Debug("gateway connected")
	return nil
}

// closeLocked tears down the current connection. Caller holds mu.
func (e *Engine) closeLocked() {
	c := e.conn.Load()
	if c == nil {
		return
	}
	e.conn.Store(nil)

	e.StopHeartbeat()
	c.rx.Stop()
	c.tx.Stop()
	c.cancel()

	wait, cancel := context.WithTimeout(context.Background(), e.opts.StopTimeout)
	defer cancel()
	for _, w := range []struct {
		name string
		done <-chan struct{}
	}{{"rx", c.rx.Done()}, {"tx", c.tx.Done()}} {
		select {
		case <-w.done:
		case <-wait.Done():
			c.logger.Warn("gateway worker still running at abort", "worker", w.name)
		}
	}

	if err := c.sock.Abort(); err != nil {
		c.logger.Debug("socket abort", "error", err)
	}
}

func (e *Engine) startHeartbeat(c *connection, interval time.Duration) error {
	e.hbMu.Lock()
	defer e.hbMu.Unlock()
	if e.conn.Load() != c || c.ctx.Err() != nil {
		return domain.WrapOp("Engine.StartHeartbeat", domain.ErrNotRunning)
	}
	if e.hb != nil {
		e.hb.Stop()
		e.hb = nil
	}

	e.acked.Store(true)
	hb := worker.NewHeartbeat(
		func(ctx context.Context) error { return e.beat(ctx, c) },
		worker.HeartbeatOptions{
			Period:           interval,
			StopOnException:  true,
			OnUnexpectedStop: func(err error) { e.restartFrom(c.id, true, err) },
		},
		c.logger,
	)
	if err := hb.Start(c.ctx); err != nil {
		return domain.WrapOp("Engine.StartHeartbeat", err)
	}
	e.hb = hb
	c.logger.Debug("heartbeat started", "interval", interval)
	return nil
}

func (e *Engine) beat(ctx context.Context, c *connection) error {
	if e.opts.HeartbeatAckCheck && !e.acked.Swap(false) {
		return domain.ErrHeartbeatNotAcked
	}
	return e.sendHeartbeat(ctx, c)
}

func (e *Engine) sendHeartbeat(ctx context.Context, c *connection) error {
	var seq *int64
	if n, ok := e.SequenceNumber(); ok {
		seq = &n
	}
	return c.tx.Emit(ctx, domain.Message{Op: domain.OpHeartbeat, Data: domain.Heartbeat{Sequence: seq}})
}

// handshake answers Hello with Resume when a resumable session is known and
// resume was requested, and with Identify otherwise.
func (e *Engine) handshake(ctx context.Context, c *connection) error {
	sid := e.SessionID()
	seq, hasSeq := e.SequenceNumber()
	if e.resume.Load() && sid != "" && hasSeq {
		c.logger.Info("resuming session", "session_id", sid, "seq", seq)
		return c.tx.Emit(ctx, domain.Message{
			Op:   domain.OpResume,
			Data: domain.Resume{Token: e.opts.Token, SessionID: sid, Sequence: seq},
		})
	}

	e.resetSession()
	c.logger.Info("identifying")
	return c.tx.Emit(ctx, domain.Message{Op: domain.OpIdentify, Data: e.opts.identify()})
}

func (e *Engine) onDispatch(c *connection, msg domain.Message) {
	switch domain.EventType(msg.Event) {
	case domain.EventTypeReady:
		if ready, ok := msg.Data.(*discordgo.Ready); ok && ready != nil {
			e.setSessionID(ready.SessionID)
		}
		e.SetReady(true)
		e.saveCheckpoint()
		c.logger.Info("gateway session ready", "session_id", e.SessionID())
	case domain.EventTypeResumed:
		e.SetReady(true)
		e.saveCheckpoint()
		c.logger.Info("gateway session resumed", "session_id", e.SessionID())
	}
	e.dispatch(msg)
}

// dispatch hands a typed event to the router in receive order. The router
// must not block; a panic inside it is contained here.
func (e *Engine) dispatch(msg domain.Message) {
	if e.router == nil || msg.Data == nil {
		return
	}
	ev := domain.Event{
		Type:      domain.EventType(msg.Event),
		Timestamp: time.Now(),
		Data:      msg.Data,
	}
	if msg.Sequence != nil {
		ev.Sequence = *msg.Sequence
	}

	defer func() {
		if r := recover(); r != nil {
			e.logger.Error("event router panicked", "event", ev.Type, "seq", ev.Sequence, "panic", r)
		}
	}()
	if err := e.router.Route(e.baseContext(), ev); err != nil && !domain.IsCancellation(err) {
		e.logger.Error("event dispatch failed", "event", ev.Type, "error", err)
	}
}

func (e *Engine) setSequenceNumber(seq int64) { e.seq.Store(seq) }

func (e *Engine) setSessionID(id string) {
	if id == "" {
		e.sessionID.Store(nil)
		return
	}
	e.sessionID.Store(&id)
}

func (e *Engine) resetSession() {
	e.seq.Store(noSequence)
	e.sessionID.Store(nil)
}

func (e *Engine) loadCheckpoint(ctx context.Context) {
	if e.store == nil {
		return
	}
	cp, err := e.store.Load(ctx)
	if err != nil {
		e.logger.Warn("session checkpoint unavailable", "error", err)
		return
	}
	if cp == nil || cp.SessionID == "" {
		return
	}
	e.setSessionID(cp.SessionID)
	e.setSequenceNumber(cp.Sequence)
	e.resume.Store(true)
	e.logger.Info("loaded session checkpoint", "session_id", cp.SessionID, "seq", cp.Sequence)
}

func (e *Engine) saveCheckpoint() {
	if e.store == nil {
		return
	}
	sid := e.SessionID()
	seq, ok := e.SequenceNumber()
	if sid == "" || !ok {
		return
	}
	ctx, cancel := context.WithTimeout(context.Background(), checkpointTimeout)
	defer cancel()
	cp := domain.SessionCheckpoint{SessionID: sid, Sequence: seq, UpdatedAt: time.Now()}
	if err := e.store.Save(ctx, cp); err != nil {
		e.logger.Warn("session checkpoint not saved", "error", err)
	}
}

func (e *Engine) clearCheckpoint() {
	if e.store == nil {
		return
	}
	ctx, cancel := context.WithTimeout(context.Background(), checkpointTimeout)
	defer cancel()
	if err := e.store.Clear(ctx); err != nil {
		e.logger.Warn("session checkpoint not cleared", "error", err)
	}
}

func (e *Engine) baseContext() context.Context {
	e.baseMu.Lock()
	defer e.baseMu.Unlock()
	if e.base == nil {
		return context.Background()
	}
	return e.base
}

// releaseBase cancels the run's base context and detaches it from the
// caller's context. Caller holds mu.
func (e *Engine) releaseBase() {
	e.baseMu.Lock()
	defer e.baseMu.Unlock()
	if e.unlink != nil {
		e.unlink()
		e.unlink = nil
	}
	if e.baseCancel != nil {
		e.baseCancel()
		e.baseCancel = nil
	}
}

func (c *connection) onWorkerStop(err error) {
	c.engine.restartFrom(c.id, true, err)
}

// ObserveSequence implements Inbound.
func (c *connection) ObserveSequence(seq int64) { c.engine.setSequenceNumber(seq) }

// HandleMessage implements Inbound. Control opcodes are handled inline;
// dispatch payloads are routed without blocking the receive loop.
func (c *connection) HandleMessage(ctx context.Context, msg domain.Message) error {
	e := c.engine
	switch msg.Op {
	case domain.OpHello:
		hello, ok := msg.Data.(domain.Hello)
		if !ok || hello.HeartbeatInterval == 0 {
			return fmt.Errorf("%w: hello without heartbeat interval", domain.ErrDecode)
		}
		if err := e.handshake(ctx, c); err != nil {
			return err
		}
		if err := e.startHeartbeat(c, hello.Interval()); err != nil {
			if ctx.Err() != nil {
				return ctx.Err()
			}
			return err
		}
	case domain.OpHeartbeat:
		return e.sendHeartbeat(ctx, c)
	case domain.OpHeartbeatACK:
		e.acked.Store(true)
	case domain.OpInvalidSession:
		inv, _ := msg.Data.(domain.InvalidSession)
		c.logger.Warn("session invalidated", "resumable", inv.Resumable)
		go e.restartFrom(c.id, inv.Resumable, nil)
	case domain.OpReconnect:
		c.logger.Info("gateway requested reconnect")
		go e.restartFrom(c.id, true, nil)
	case domain.OpDispatch:
		e.onDispatch(c, msg)
	default:
		c.logger.Debug("ignoring gateway frame", "op", msg.Op.String())
	}
	return nil
}

var _ Inbound = (*connection)(nil)
