package main

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"os"
	"os/signal"
	"path/filepath"
	"strings"
	"syscall"
	"time"

	"github.com/bwmarrin/discordgo"

	"wirebot/internal/adapter/gateway"
	"wirebot/internal/adapter/sessionstore"
	"wirebot/internal/adapter/socket"
	"wirebot/internal/domain"
	"wirebot/internal/infra/config"
	"wirebot/internal/infra/logger"
	"wirebot/internal/infra/tracer"
	"wirebot/internal/usecase/eventbus"
)

func main() {
	if len(os.Args) >= 2 {
		switch os.Args[1] {
		case "--help", "-h", "help":
			showUsage()
			return
		}
	}

	if len(os.Args) < 2 || strings.HasPrefix(os.Args[1], "-") {
		if err := run(); err != nil {
			fmt.Fprintf(os.Stderr, "fatal: %v\n", err)
			os.Exit(1)
		}
		return
	}

	switch os.Args[1] {
	case "encrypt":
		if err := runEncrypt(os.Stdin, os.Stdout); err != nil {
			fmt.Fprintf(os.Stderr, "encrypt: %v\n", err)
			os.Exit(1)
		}
	case "doctor":
		if err := runDoctor(); err != nil {
			fmt.Fprintf(os.Stderr, "doctor: %v\n", err)
			os.Exit(1)
		}
	default:
		fmt.Fprintf(os.Stderr, "unknown command: %s\n\nRun 'wirebot --help' for usage information.\n", os.Args[1])
		os.Exit(1)
	}
}

func showUsage() {
	fmt.Println(`wirebot - resilient gateway client

USAGE:
    wirebot [COMMAND] [FLAGS]

COMMANDS:
    encrypt     Read a secret on stdin and print its enc: form
                (passphrase from WIREBOT_CONFIG_KEY)
    doctor      Run health checks on your setup

    (no command) - Connect to the gateway with existing config

FLAGS:
    -h, --help         Show this help message
    --config PATH      Specify config file path (default: ./config.yaml)

CONFIGURATION:
    Config file: ./config.yaml
    Environment: WIREBOT_* variables override config`)
}

func run() error {
	// 1. Config
	cfg, err := config.Load(configPath())
	if err != nil {
		return fmt.Errorf("config: %w", err)
	}

	// 2. Logger & Tracer
	log, logCloser, err := logger.New(cfg.Logger)
	if err != nil {
		return fmt.Errorf("logger: %w", err)
	}
	defer logCloser()

	ctx := context.Background()
	tracerShutdown, err := tracer.Setup(ctx, cfg.Tracer)
	if err != nil {
		return fmt.Errorf("tracer: %w", err)
	}
	defer tracerShutdown(ctx)

	// 3. Event bus
	bus := eventbus.New(log, eventbus.WithHandlerTimeout(cfg.Dispatch.HandlerTimeout))
	defer bus.Close()
	subscribeLogging(bus, log)

	// 4. Session store
	var engineOpts []gateway.EngineOption
	if cfg.SessionStore.Enabled {
		store, err := openSessionStore(cfg.SessionStore)
		if err != nil {
			return fmt.Errorf("session store: %w", err)
		}
		defer store.Close()
		engineOpts = append(engineOpts, gateway.WithSessionStore(store))
	}

	// 5. Gateway engine
	dial := socket.Dialer(socket.Options{
		ReadLimit:  cfg.Gateway.ReadLimit,
		HTTPClient: socket.NewHTTPClient(cfg.Gateway.DialTimeout, cfg.Gateway.TLSHandshakeTimeout),
	})
	engine := gateway.New(gatewayOptions(cfg.Gateway), dial, bus, log.With("component", "gateway"), engineOpts...)

	// 6. Graceful shutdown
	ctx, cancel := signal.NotifyContext(ctx, syscall.SIGINT, syscall.SIGTERM)
	defer cancel()

	if err := engine.Start(ctx); err != nil {
		return fmt.Errorf("gateway: %w", err)
	}
	log.Info("wirebot started", "url", cfg.Gateway.URL, "epoch", engine.Epoch())

	stoppedByServer := waitForShutdown(ctx, engine, time.Second)
	engine.Stop()
	if stoppedByServer {
		return fmt.Errorf("gateway: %w", domain.ErrFatalClose)
	}
	log.Info("wirebot stopped", "restarts", engine.Restarts())
	return nil
}

// waitForShutdown blocks until ctx is done or the engine stops on its own.
// It reports whether the engine stopped first.
func waitForShutdown(ctx context.Context, engine interface{ Running() bool }, poll time.Duration) bool {
	ticker := time.NewTicker(poll)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return false
		case <-ticker.C:
			if !engine.Running() {
				return true
			}
		}
	}
}

// gatewayOptions maps the gateway config section onto engine options.
func gatewayOptions(g config.GatewayConfig) gateway.Options {
	opts := gateway.Options{
		URL:               g.URL,
		Token:             g.Token,
		LibraryName:       g.LibraryName,
		BufferSize:        g.BufferSize,
		Intents:           discordgo.Intent(g.Intents),
		LargeThreshold:    g.LargeThreshold,
		Compress:          g.Compress,
		SendLimit:         g.SendLimit,
		SendWindow:        g.SendWindow,
		HeartbeatAckCheck: g.HeartbeatAckCheck,
		StopTimeout:       g.StopTimeout,
		Breaker: gateway.BreakerOptions{
			MaxFailures: g.Breaker.MaxFailures,
			Timeout:     g.Breaker.Timeout,
		},
	}
	if len(g.Shard) == 2 {
		opts.Shard = &[2]int{g.Shard[0], g.Shard[1]}
	}
	if p := g.Presence; p.Status != "" || p.Activity != "" {
		presence := &discordgo.UpdateStatusData{Status: p.Status, AFK: p.AFK}
		if presence.Status == "" {
			presence.Status = string(discordgo.StatusOnline)
		}
		if p.Activity != "" {
			presence.Activities = []*discordgo.Activity{{Name: p.Activity, Type: discordgo.ActivityTypeGame}}
		}
		opts.Presence = presence
	}
	return opts
}

func openSessionStore(cfg config.SessionStoreConfig) (*sessionstore.SQLiteStore, error) {
	if err := os.MkdirAll(filepath.Dir(cfg.Path), 0o700); err != nil {
		return nil, fmt.Errorf("create session dir: %w", err)
	}
	return sessionstore.NewSQLiteStore(cfg.Path, cfg.Key)
}

// subscribeLogging attaches the built-in log subscribers to the bus.
func subscribeLogging(bus domain.EventBus, log *slog.Logger) {
	bus.Subscribe(domain.EventTypeReady, func(_ context.Context, ev domain.Event) {
		r, ok := ev.Data.(*discordgo.Ready)
		if !ok || r == nil {
			return
		}
		user := ""
		if r.User != nil {
			user = r.User.Username
		}
		log.Info("gateway ready", "user", user, "guilds", len(r.Guilds), "session", r.SessionID)
	})
	bus.Subscribe(domain.EventTypeResumed, func(_ context.Context, ev domain.Event) {
		log.Info("gateway session resumed", "seq", ev.Sequence)
	})
	bus.SubscribeAll(func(_ context.Context, ev domain.Event) {
		log.Debug("dispatch", "event", string(ev.Type), "seq", ev.Sequence)
	})
}

func configPath() string {
	for i, arg := range os.Args {
		if arg == "--config" && i+1 < len(os.Args) {
			return os.Args[i+1]
		}
		if strings.HasPrefix(arg, "--config=") {
			return strings.TrimPrefix(arg, "--config=")
		}
	}
	if p := os.Getenv("WIREBOT_CONFIG"); p != "" {
		return p
	}
	return "config.yaml"
}

var errNoPassphrase = errors.New("WIREBOT_CONFIG_KEY is not set")
