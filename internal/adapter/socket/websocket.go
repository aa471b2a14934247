// Package socket adapts a websocket connection to domain.Socket.
package socket

import (
	"context"
	"errors"
	"fmt"
	"io"
	"net/http"
	"sync"
	"sync/atomic"

	"nhooyr.io/websocket"

	"wirebot/internal/domain"
)

// Options configures a WebSocket.
type Options struct {
	// ReadLimit caps the size of one inbound message. Zero keeps the library default.
	ReadLimit  int64
	HTTPClient *http.Client
	Header     http.Header
}

// WebSocket is a single-use domain.Socket backed by nhooyr.io/websocket.
//
// Receive and Send may be called concurrently with each other, but each must
// have a single caller at a time: the receive worker reads, the transmit
// worker writes.
type WebSocket struct {
	opts Options

	state    atomic.Int32
	disposed atomic.Bool

	mu   sync.Mutex // guards conn
	conn *websocket.Conn

	// read side, owned by the Receive caller
	reader  io.Reader
	msgType websocket.MessageType

	// write side, owned by the Send caller
	writer io.WriteCloser
}

// New creates an unconnected socket.
func New(opts Options) *WebSocket {
	s := &WebSocket{opts: opts}
	s.state.Store(int32(domain.SocketClosed))
	return s
}

// Dialer returns a factory creating a fresh WebSocket per connection epoch.
func Dialer(opts Options) func() domain.Socket {
	return func() domain.Socket { return New(opts) }
}

// State returns the connection state.
func (s *WebSocket) State() domain.SocketState {
	return domain.SocketState(s.state.Load())
}

// Connect dials uri and performs the websocket handshake.
func (s *WebSocket) Connect(ctx context.Context, uri string) error {
	if s.disposed.Load() {
		return domain.WrapOp("Socket.Connect", domain.ErrSocketDisposed)
	}
	if !s.state.CompareAndSwap(int32(domain.SocketClosed), int32(domain.SocketConnecting)) {
		return domain.NewDomainError("Socket.Connect", domain.ErrConnection, "already connected")
	}

	conn, resp, err := websocket.Dial(ctx, uri, &websocket.DialOptions{
		HTTPClient: s.opts.HTTPClient,
		HTTPHeader: s.opts.Header,
	})
	if resp != nil && resp.Body != nil {
		resp.Body.Close()
	}
	if err != nil {
		s.state.Store(int32(domain.SocketClosed))
		return fmt.Errorf("Socket.Connect: %w: %v", domain.ErrConnection, err)
	}
	if s.opts.ReadLimit > 0 {
		conn.SetReadLimit(s.opts.ReadLimit)
	}

	s.mu.Lock()
	if s.disposed.Load() {
		s.mu.Unlock()
		conn.CloseNow()
		return domain.WrapOp("Socket.Connect", domain.ErrSocketDisposed)
	}
	s.conn = conn
	s.mu.Unlock()

	s.state.Store(int32(domain.SocketOpen))
	return nil
}

func (s *WebSocket) openConn(op string) (*websocket.Conn, error) {
	if s.disposed.Load() {
		return nil, domain.WrapOp(op, domain.ErrSocketDisposed)
	}
	s.mu.Lock()
	conn := s.conn
	s.mu.Unlock()
	if conn == nil || s.State() != domain.SocketOpen {
		return nil, fmt.Errorf("%s: %w: %w", op, domain.ErrConnection, domain.ErrSocketNotOpen)
	}
	return conn, nil
}

// Receive reads the next fragment of the current inbound message into buf.
// IsFinal is set on the call that reaches the end of the message; that call
// may carry zero bytes.
func (s *WebSocket) Receive(ctx context.Context, buf []byte) (domain.ReceiveResult, error) {
	conn, err := s.openConn("Socket.Receive")
	if err != nil {
		return domain.ReceiveResult{}, err
	}

	if s.reader == nil {
		typ, r, err := conn.Reader(ctx)
		if err != nil {
			return domain.ReceiveResult{}, s.readFailure(ctx, err)
		}
		s.msgType, s.reader = typ, r
	}

	n, err := s.reader.Read(buf)
	res := domain.ReceiveResult{Count: n, Type: frameType(s.msgType)}
	switch {
	case errors.Is(err, io.EOF):
		res.IsFinal = true
		s.reader = nil
		return res, nil
	case err != nil:
		s.reader = nil
		return res, s.readFailure(ctx, err)
	}
	return res, nil
}

func (s *WebSocket) readFailure(ctx context.Context, err error) error {
	if ctx.Err() != nil {
		return ctx.Err()
	}
	if s.disposed.Load() {
		return domain.WrapOp("Socket.Receive", domain.ErrSocketDisposed)
	}
	s.state.Store(int32(domain.SocketClosed))
	if code := websocket.CloseStatus(err); code != -1 {
		var ce websocket.CloseError
		reason := ""
		if errors.As(err, &ce) {
			reason = ce.Reason
		}
		return fmt.Errorf("Socket.Receive: %w", &domain.CloseError{Code: int(code), Reason: reason})
	}
	return fmt.Errorf("Socket.Receive: %w: %v", domain.ErrConnection, err)
}

// Send writes p as one frame of the current outbound message, finishing the
// message when isFinal is set.
func (s *WebSocket) Send(ctx context.Context, p []byte, typ domain.FrameType, isFinal bool) error {
	conn, err := s.openConn("Socket.Send")
	if err != nil {
		return err
	}

	if s.writer == nil {
		w, err := conn.Writer(ctx, messageType(typ))
		if err != nil {
			return s.writeFailure(ctx, err)
		}
		s.writer = w
	}

	if _, err := s.writer.Write(p); err != nil {
		s.writer = nil
		return s.writeFailure(ctx, err)
	}
	if isFinal {
		w := s.writer
		s.writer = nil
		if err := w.Close(); err != nil {
			return s.writeFailure(ctx, err)
		}
	}
	return nil
}

func (s *WebSocket) writeFailure(ctx context.Context, err error) error {
	if ctx.Err() != nil {
		return ctx.Err()
	}
	if s.disposed.Load() {
		return domain.WrapOp("Socket.Send", domain.ErrSocketDisposed)
	}
	return fmt.Errorf("Socket.Send: %w: %v", domain.ErrConnection, err)
}

// Abort tears the connection down without a close handshake and disposes the
// socket. Abort is idempotent.
func (s *WebSocket) Abort() error {
	if s.disposed.Swap(true) {
		return nil
	}
	s.state.Store(int32(domain.SocketClosed))

	s.mu.Lock()
	conn := s.conn
	s.conn = nil
	s.mu.Unlock()

	if conn == nil {
		return nil
	}
	return conn.CloseNow()
}

// Close performs a normal close handshake and disposes the socket.
func (s *WebSocket) Close(reason string) error {
	if s.disposed.Swap(true) {
		return nil
	}
	s.state.Store(int32(domain.SocketClosed))

	s.mu.Lock()
	conn := s.conn
	s.conn = nil
	s.mu.Unlock()

	if conn == nil {
		return nil
	}
	return conn.Close(websocket.StatusNormalClosure, reason)
}

func frameType(t websocket.MessageType) domain.FrameType {
	if t == websocket.MessageBinary {
		return domain.FrameBinary
	}
	return domain.FrameText
}

func messageType(t domain.FrameType) websocket.MessageType {
	if t == domain.FrameBinary {
		return websocket.MessageBinary
	}
	return websocket.MessageText
}

var _ domain.Socket = (*WebSocket)(nil)
