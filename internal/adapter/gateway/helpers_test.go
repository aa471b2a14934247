package gateway

import (
	"context"
	"errors"
	"io"
	"log/slog"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/require"

	"wirebot/internal/domain"
)

func testLogger() *slog.Logger {
	return slog.New(slog.NewTextHandler(io.Discard, nil))
}

// fakeSocket is a scripted in-memory domain.Socket. Inbound frames are handed
// out in pieces no larger than the receive buffer.
type fakeSocket struct {
	connectErr error
	sendErr    error
	binary     bool

	mu       sync.Mutex
	state    domain.SocketState
	disposed bool
	pending  []byte
	sent     []domain.Message

	inbox   chan []byte
	fail    chan error
	sentCh  chan domain.Message
	aborted chan struct{}
}

func newFakeSocket() *fakeSocket {
	return &fakeSocket{
		state:   domain.SocketClosed,
		inbox:   make(chan []byte, 64),
		fail:    make(chan error, 1),
		sentCh:  make(chan domain.Message, 64),
		aborted: make(chan struct{}),
	}
}

func (s *fakeSocket) Connect(ctx context.Context, uri string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.disposed {
		return domain.ErrSocketDisposed
	}
	if s.connectErr != nil {
		return s.connectErr
	}
	s.state = domain.SocketOpen
	return nil
}

func (s *fakeSocket) Receive(ctx context.Context, buf []byte) (domain.ReceiveResult, error) {
	s.mu.Lock()
	if s.disposed {
		s.mu.Unlock()
		return domain.ReceiveResult{}, domain.ErrSocketDisposed
	}
	if s.state != domain.SocketOpen {
		s.mu.Unlock()
		return domain.ReceiveResult{}, domain.ErrSocketNotOpen
	}
	hasPending := s.pending != nil
	s.mu.Unlock()

	if !hasPending {
		select {
		case <-ctx.Done():
			return domain.ReceiveResult{}, ctx.Err()
		case err := <-s.fail:
			s.mu.Lock()
			s.state = domain.SocketClosed
			s.mu.Unlock()
			return domain.ReceiveResult{}, err
		case frame := <-s.inbox:
			s.mu.Lock()
			s.pending = frame
			s.mu.Unlock()
		}
	}

	s.mu.Lock()
	defer s.mu.Unlock()
	n := copy(buf, s.pending)
	s.pending = s.pending[n:]
	res := domain.ReceiveResult{Count: n, Type: domain.FrameText}
	if s.binary {
		res.Type = domain.FrameBinary
	}
	if len(s.pending) == 0 {
		res.IsFinal = true
		s.pending = nil
	}
	return res, nil
}

func (s *fakeSocket) Send(ctx context.Context, p []byte, typ domain.FrameType, isFinal bool) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.disposed {
		return domain.ErrSocketDisposed
	}
	if s.state != domain.SocketOpen {
		return domain.ErrSocketNotOpen
	}
	if s.sendErr != nil {
		return s.sendErr
	}
	if typ != domain.FrameText || !isFinal {
		return errors.New("fake socket: expected one final text frame per message")
	}
	msg, err := Decode(p)
	if err != nil {
		return err
	}
	s.sent = append(s.sent, msg)
	select {
	case s.sentCh <- msg:
	default:
	}
	return nil
}

func (s *fakeSocket) Abort() error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.disposed {
		return nil
	}
	s.disposed = true
	s.state = domain.SocketClosed
	close(s.aborted)
	return nil
}

func (s *fakeSocket) State() domain.SocketState {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.state
}

func (s *fakeSocket) setState(state domain.SocketState) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.state = state
}

// push queues one complete inbound message.
func (s *fakeSocket) push(frame string) { s.inbox <- []byte(frame) }

// breakWith makes the next Receive fail with err.
func (s *fakeSocket) breakWith(err error) { s.fail <- err }

func (s *fakeSocket) sentMessages() []domain.Message {
	s.mu.Lock()
	defer s.mu.Unlock()
	return append([]domain.Message(nil), s.sent...)
}

func (s *fakeSocket) countSent(op domain.OpCode) int {
	n := 0
	for _, m := range s.sentMessages() {
		if m.Op == op {
			n++
		}
	}
	return n
}

func (s *fakeSocket) isAborted() bool {
	select {
	case <-s.aborted:
		return true
	default:
		return false
	}
}

// nextSent waits for the next frame the client writes.
func (s *fakeSocket) nextSent(t *testing.T) domain.Message {
	t.Helper()
	select {
	case m := <-s.sentCh:
		return m
	case <-time.After(2 * time.Second):
		t.Fatal("no frame sent")
		return domain.Message{}
	}
}

// nextSentOp waits for the next frame with the given op, skipping others.
func (s *fakeSocket) nextSentOp(t *testing.T, op domain.OpCode) domain.Message {
	t.Helper()
	deadline := time.After(2 * time.Second)
	for {
		select {
		case m := <-s.sentCh:
			if m.Op == op {
				return m
			}
		case <-deadline:
			t.Fatalf("no %s frame sent", op)
			return domain.Message{}
		}
	}
}

// fakeDialer hands out a new fakeSocket per connection and publishes each one.
type fakeDialer struct {
	mu         sync.Mutex
	sockets    []*fakeSocket
	connectErr error
	dialed     chan *fakeSocket
}

func newFakeDialer() *fakeDialer {
	return &fakeDialer{dialed: make(chan *fakeSocket, 16)}
}

func (d *fakeDialer) dial() domain.Socket {
	d.mu.Lock()
	defer d.mu.Unlock()
	s := newFakeSocket()
	s.connectErr = d.connectErr
	d.sockets = append(d.sockets, s)
	d.dialed <- s
	return s
}

func (d *fakeDialer) count() int {
	d.mu.Lock()
	defer d.mu.Unlock()
	return len(d.sockets)
}

func (d *fakeDialer) next(t *testing.T) *fakeSocket {
	t.Helper()
	select {
	case s := <-d.dialed:
		return s
	case <-time.After(2 * time.Second):
		t.Fatal("no socket dialed")
		return nil
	}
}

// recordingRouter collects routed events.
type recordingRouter struct {
	mu     sync.Mutex
	events []domain.Event
}

func (r *recordingRouter) Route(_ context.Context, ev domain.Event) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.events = append(r.events, ev)
	return nil
}

func (r *recordingRouter) types() []domain.EventType {
	r.mu.Lock()
	defer r.mu.Unlock()
	out := make([]domain.EventType, 0, len(r.events))
	for _, ev := range r.events {
		out = append(out, ev.Type)
	}
	return out
}

// memoryStore is an in-memory domain.SessionStore.
type memoryStore struct {
	mu      sync.Mutex
	cp      *domain.SessionCheckpoint
	saves   int
	cleared int
}

func (m *memoryStore) Load(context.Context) (*domain.SessionCheckpoint, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.cp == nil {
		return nil, nil
	}
	cp := *m.cp
	return &cp, nil
}

func (m *memoryStore) Save(_ context.Context, cp domain.SessionCheckpoint) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.cp = &cp
	m.saves++
	return nil
}

func (m *memoryStore) Clear(context.Context) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.cp = nil
	m.cleared++
	return nil
}

func (m *memoryStore) checkpoint() *domain.SessionCheckpoint {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.cp == nil {
		return nil
	}
	cp := *m.cp
	return &cp
}

func noBackoff(ctx context.Context) error { return ctx.Err() }

func newTestEngine(t *testing.T, opts Options, router domain.EventRouter, extra ...EngineOption) (*Engine, *fakeDialer) {
	t.Helper()
	d := newFakeDialer()
	if opts.URL == "" {
		opts.URL = "wss://gateway.test/?v=10&encoding=json"
	}
	if opts.Token == "" {
		opts.Token = "test-token"
	}
	engineOpts := append([]EngineOption{WithBackoff(noBackoff), WithRateLimiter(nil)}, extra...)
	e := New(opts, d.dial, router, testLogger(), engineOpts...)
	t.Cleanup(e.Stop)
	return e, d
}

func startEngine(t *testing.T, e *Engine, d *fakeDialer) *fakeSocket {
	t.Helper()
	require.NoError(t, e.Start(context.Background()))
	return d.next(t)
}
