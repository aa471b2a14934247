package gateway

import (
	"bytes"
	"compress/zlib"
	"context"
	"fmt"
	"io"
	"log/slog"

	"golang.org/x/sync/errgroup"

	"wirebot/internal/domain"
	"wirebot/internal/infra/queue"
	"wirebot/internal/infra/worker"
)

// DefaultBufferSize is the socket read buffer used when none is configured.
const DefaultBufferSize = 4096

// Inbound receives every message the receive loop decodes, in socket order.
type Inbound interface {
	// ObserveSequence is called before HandleMessage for every message that
	// carries a sequence number.
	ObserveSequence(seq int64)
	// HandleMessage reacts to one decoded message. A returned error ends the
	// receive loop.
	HandleMessage(ctx context.Context, msg domain.Message) error
}

// Receiver owns the read half of one connection epoch. Raw fragments are
// pumped from the socket into an unbounded chunk channel; a second goroutine
// reassembles and decodes them. Either side failing ends both.
type Receiver struct {
	sock       domain.Socket
	inbound    Inbound
	bufferSize int
	worker     *worker.Worker
	logger     *slog.Logger
}

// NewReceiver creates a stopped receiver. onStop is called when the loop ends
// for any reason other than cancellation.
func NewReceiver(sock domain.Socket, inbound Inbound, bufferSize int, onStop worker.StopFunc, logger *slog.Logger) *Receiver {
	if bufferSize <= 0 {
		bufferSize = DefaultBufferSize
	}
	r := &Receiver{
		sock:       sock,
		inbound:    inbound,
		bufferSize: bufferSize,
		logger:     logger,
	}
	r.worker = worker.New("gateway-rx", r.loop, onStop, logger)
	return r
}

// Start spawns the receive loop.
func (r *Receiver) Start(ctx context.Context) { r.worker.Start(ctx) }

// Stop signals cancellation without waiting.
func (r *Receiver) Stop() { r.worker.Stop() }

// Done is closed once the loop has exited.
func (r *Receiver) Done() <-chan struct{} { return r.worker.Done() }

// Running reports whether the loop is alive.
func (r *Receiver) Running() bool { return r.worker.Running() }

func (r *Receiver) loop(ctx context.Context) error {
	chunks := queue.NewUnbounded[domain.MessageChunk]()
	g, gctx := errgroup.WithContext(ctx)
	g.Go(func() error { return r.pump(gctx, chunks) })
	g.Go(func() error { return r.process(gctx, chunks) })
	return g.Wait()
}

// pump copies socket fragments into chunks until the socket fails or ctx ends.
func (r *Receiver) pump(ctx context.Context, chunks *queue.Unbounded[domain.MessageChunk]) error {
	buf := make([]byte, r.bufferSize)
	for {
		res, err := r.sock.Receive(ctx, buf)
		if err != nil {
			return err
		}
		if res.Count == 0 && !res.IsFinal {
			continue
		}
		b := make([]byte, res.Count)
		copy(b, buf[:res.Count])
		chunk := domain.MessageChunk{Bytes: b, IsFinal: res.IsFinal, Binary: res.Type == domain.FrameBinary}
		if err := chunks.Write(chunk); err != nil {
			return err
		}
	}
}

// process reassembles chunks into messages and hands them to the inbound side.
func (r *Receiver) process(ctx context.Context, chunks *queue.Unbounded[domain.MessageChunk]) error {
	var acc bytes.Buffer
	for {
		chunk, err := chunks.Read(ctx)
		if err != nil {
			return err
		}
		acc.Write(chunk.Bytes)
		if !chunk.IsFinal {
			continue
		}

		frame := acc.Bytes()
		if chunk.Binary {
			if frame, err = inflate(frame); err != nil {
				return err
			}
		}
		msg, err := Decode(frame)
		acc.Reset()
		if err != nil {
			return err
		}

		if msg.Sequence != nil {
			r.inbound.ObserveSequence(*msg.Sequence)
		}
		if err := r.inbound.HandleMessage(ctx, msg); err != nil {
			return err
		}
	}
}

// inflate expands a zlib-compressed binary message.
func inflate(b []byte) ([]byte, error) {
	zr, err := zlib.NewReader(bytes.NewReader(b))
	if err != nil {
		return nil, fmt.Errorf("%w: inflate: %v", domain.ErrDecode, err)
	}
	defer zr.Close()
	out, err := io.ReadAll(zr)
	if err != nil {
		return nil, fmt.Errorf("%w: inflate: %v", domain.ErrDecode, err)
	}
	return out, nil
}
