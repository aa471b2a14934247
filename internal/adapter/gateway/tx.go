package gateway

import (
	"context"
	"errors"
	"log/slog"
	"time"

	"golang.org/x/time/rate"

	"wirebot/internal/domain"
	"wirebot/internal/infra/queue"
	"wirebot/internal/infra/worker"
)

// openPollInterval is how often the transmitter rechecks a socket that is not
// open yet.
const openPollInterval = 50 * time.Millisecond

// Transmitter owns the write half of one connection epoch. Messages queued by
// Emit are encoded and written in order as single, final text frames.
type Transmitter struct {
	sock    domain.Socket
	out     *queue.Unbounded[domain.Message]
	limiter *rate.Limiter
	worker  *worker.Worker
	logger  *slog.Logger
}

// NewTransmitter creates a stopped transmitter. limiter may be nil; when set
// it paces every frame except heartbeats.
func NewTransmitter(sock domain.Socket, limiter *rate.Limiter, onStop worker.StopFunc, logger *slog.Logger) *Transmitter {
	t := &Transmitter{
		sock:    sock,
		out:     queue.NewUnbounded[domain.Message](),
		limiter: limiter,
		logger:  logger,
	}
	t.worker = worker.New("gateway-tx", t.loop, onStop, logger)
	return t
}

// Start spawns the transmit loop.
func (t *Transmitter) Start(ctx context.Context) { t.worker.Start(ctx) }

// Stop signals cancellation without waiting. Messages still queued are dropped
// and later Emits fail.
func (t *Transmitter) Stop() {
	t.worker.Stop()
	t.out.Close()
}

// Done is closed once the loop has exited.
func (t *Transmitter) Done() <-chan struct{} { return t.worker.Done() }

// Running reports whether the loop is alive.
func (t *Transmitter) Running() bool { return t.worker.Running() }

// Pending returns the number of queued, unsent messages.
func (t *Transmitter) Pending() int { return t.out.Len() }

// Emit queues msg for sending. It fails with a cancellation error when ctx is
// done or the transmitter's own lifetime has ended, even if the loop has not
// exited yet.
func (t *Transmitter) Emit(ctx context.Context, msg domain.Message) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	if t.stopped() {
		return domain.WrapOp("Transmitter.Emit", domain.ErrTransmitterStopped)
	}
	if err := t.out.Write(msg); err != nil {
		return domain.WrapOp("Transmitter.Emit", domain.ErrTransmitterStopped)
	}
	// Canceled between the check and the write: the loop will not pick it up.
	if t.stopped() {
		return domain.WrapOp("Transmitter.Emit", domain.ErrTransmitterStopped)
	}
	return nil
}

// stopped reports whether the lifetime of the started loop is over. Before
// Start, messages are queued for the first run.
func (t *Transmitter) stopped() bool {
	life := t.worker.Context()
	return life != nil && life.Err() != nil
}

func (t *Transmitter) loop(ctx context.Context) error {
	defer t.out.Close()
	for {
		if err := t.awaitOpen(ctx); err != nil {
			return err
		}

		msg, err := t.out.Read(ctx)
		if err != nil {
			if errors.Is(err, domain.ErrChannelClosed) && ctx.Err() != nil {
				return ctx.Err()
			}
			return err
		}

		frame, err := Encode(msg)
		if err != nil {
			t.logger.Error("dropping unencodable message", "op", msg.Op.String(), "error", err)
			continue
		}

		if msg.Op != domain.OpHeartbeat && t.limiter != nil {
			if err := t.limiter.Wait(ctx); err != nil {
				if ctx.Err() != nil {
					return ctx.Err()
				}
				return err
			}
		}

		if err := t.sock.Send(ctx, frame, domain.FrameText, true); err != nil {
			return err
		}
		t.logger.Debug("gateway frame sent", "op", msg.Op.String())
	}
}

func (t *Transmitter) awaitOpen(ctx context.Context) error {
	for t.sock.State() != domain.SocketOpen {
		if err := worker.Delay(ctx, openPollInterval); err != nil {
			return err
		}
	}
	return ctx.Err()
}
