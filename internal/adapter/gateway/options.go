package gateway

import (
	"context"
	"log/slog"
	"runtime"
	"time"

	"github.com/bwmarrin/discordgo"
	"github.com/sony/gobreaker/v2"
	"golang.org/x/time/rate"

	"wirebot/internal/domain"
)

// Defaults applied by New for zero-valued Options fields.
const (
	DefaultLibraryName    = "wirebot"
	DefaultLargeThreshold = 250
	DefaultSendLimit      = 120
	DefaultSendWindow     = 60 * time.Second
	DefaultStopTimeout    = 5 * time.Second

	defaultBreakerMaxFailures uint32        = 5
	defaultBreakerTimeout     time.Duration = 30 * time.Second
)

// BreakerOptions configures the circuit breaker around connection attempts.
type BreakerOptions struct {
	// MaxFailures is the number of consecutive failed connects before the breaker opens.
	MaxFailures uint32
	// Timeout is how long the breaker stays open before allowing a probe.
	Timeout time.Duration
}

// Options is the immutable per-engine connection configuration.
type Options struct {
	URL            string
	Token          string
	LibraryName    string
	BufferSize     int
	Intents        discordgo.Intent
	LargeThreshold int
	Shard          *[2]int
	Compress       bool
	Presence       *discordgo.UpdateStatusData

	// SendLimit commands per SendWindow are allowed on the wire. Heartbeats
	// are not counted.
	SendLimit  int
	SendWindow time.Duration

	// HeartbeatAckCheck treats a missing ACK for the previous heartbeat as a
	// dead connection.
	HeartbeatAckCheck bool

	Breaker BreakerOptions

	// StopTimeout bounds how long tearing down a connection waits for the
	// workers to exit before the socket is aborted.
	StopTimeout time.Duration
}

func (o Options) withDefaults() Options {
	if o.LibraryName == "" {
		o.LibraryName = DefaultLibraryName
	}
	if o.BufferSize <= 0 {
		o.BufferSize = DefaultBufferSize
	}
	if o.LargeThreshold <= 0 {
		o.LargeThreshold = DefaultLargeThreshold
	}
	if o.SendLimit <= 0 {
		o.SendLimit = DefaultSendLimit
	}
	if o.SendWindow <= 0 {
		o.SendWindow = DefaultSendWindow
	}
	if o.StopTimeout <= 0 {
		o.StopTimeout = DefaultStopTimeout
	}
	if o.Breaker.MaxFailures == 0 {
		o.Breaker.MaxFailures = defaultBreakerMaxFailures
	}
	if o.Breaker.Timeout <= 0 {
		o.Breaker.Timeout = defaultBreakerTimeout
	}
	return o
}

func (o Options) identify() domain.Identify {
	return domain.Identify{
		Token: o.Token,
		Properties: domain.IdentifyProperties{
			OS:      runtime.GOOS,
			Browser: o.LibraryName,
			Device:  o.LibraryName,
		},
		Compress:       o.Compress,
		LargeThreshold: o.LargeThreshold,
		Shard:          o.Shard,
		Presence:       o.Presence,
		Intents:        o.Intents,
	}
}

// EngineOption customizes an Engine.
type EngineOption func(*Engine)

// WithSessionStore persists session checkpoints so a new process can resume.
func WithSessionStore(store domain.SessionStore) EngineOption {
	return func(e *Engine) { e.store = store }
}

// WithBackoff replaces the delay taken before each reconnect attempt.
func WithBackoff(backoff func(ctx context.Context) error) EngineOption {
	return func(e *Engine) { e.backoff = backoff }
}

// WithRateLimiter replaces the outbound command limiter. A nil limiter
// disables pacing.
func WithRateLimiter(limiter *rate.Limiter) EngineOption {
	return func(e *Engine) { e.limiter = limiter }
}

func newLimiter(o Options) *rate.Limiter {
	return rate.NewLimiter(rate.Every(o.SendWindow/time.Duration(o.SendLimit)), o.SendLimit)
}

func newBreaker(o BreakerOptions, logger *slog.Logger) *gobreaker.CircuitBreaker[struct{}] {
	return gobreaker.NewCircuitBreaker[struct{}](gobreaker.Settings{
		Name:        "gateway:connect",
		MaxRequests: 1,
		Timeout:     o.Timeout,
		ReadyToTrip: func(counts gobreaker.Counts) bool {
			return counts.ConsecutiveFailures >= o.MaxFailures
		},
		OnStateChange: func(name string, from, to gobreaker.State) {
			logger.Warn("circuit breaker state change",
				"breaker", name,
				"from", from.String(),
				"to", to.String(),
			)
		},
		IsSuccessful: func(err error) bool {
			return err == nil || domain.IsCancellation(err)
		},
	})
}
