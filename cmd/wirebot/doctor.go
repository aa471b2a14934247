package main

import (
	"context"
	"fmt"
	"net"
	"net/url"
	"os"
	"path/filepath"
	"strings"
	"time"

	"wirebot/internal/infra/config"
)

// CheckStatus represents the result of a health check.
type CheckStatus string

const (
	StatusPass CheckStatus = "PASS"
	StatusWarn CheckStatus = "WARN"
	StatusFail CheckStatus = "FAIL"
)

// CheckResult holds the outcome of a single health check.
type CheckResult struct {
	Name    string
	Status  CheckStatus
	Message string
	Fix     string // optional fix suggestion
}

// Check is a named health check function.
type Check struct {
	Name string
	Fn   func(cfg *config.Config) CheckResult
}

// runDoctor executes all health checks and reports results.
func runDoctor() error {
	cfgPath := configPath()

	// Try to load config; some checks work without it.
	cfg, cfgErr := config.Load(cfgPath)

	checks := []Check{
		{Name: "Config file", Fn: checkConfigFile(cfgPath, cfgErr)},
		{Name: "Gateway token", Fn: checkToken},
		{Name: "Gateway reachability", Fn: checkGatewayReachable},
		{Name: "Session store", Fn: checkSessionStore},
	}

	fmt.Println("wirebot doctor")
	fmt.Println(strings.Repeat("=", 50))
	fmt.Println()

	var pass, warn, fail int
	for _, check := range checks {
		result := check.Fn(cfg)
		result.Name = check.Name

		fmt.Printf("  %s %s: %s\n", statusIcon(result.Status), result.Name, result.Message)
		if result.Fix != "" {
			fmt.Printf("      Fix: %s\n", result.Fix)
		}

		switch result.Status {
		case StatusPass:
			pass++
		case StatusWarn:
			warn++
		case StatusFail:
			fail++
		}
	}

	fmt.Println()
	fmt.Println(strings.Repeat("-", 50))
	fmt.Printf("Results: %d passed, %d warnings, %d failed\n", pass, warn, fail)

	if fail > 0 {
		return fmt.Errorf("%d check(s) failed", fail)
	}
	return nil
}

func statusIcon(s CheckStatus) string {
	switch s {
	case StatusPass:
		return "[PASS]"
	case StatusWarn:
		return "[WARN]"
	case StatusFail:
		return "[FAIL]"
	default:
		return "[????]"
	}
}

// checkConfigFile returns a check that verifies the config file exists and parses correctly.
func checkConfigFile(cfgPath string, cfgErr error) func(*config.Config) CheckResult {
	return func(_ *config.Config) CheckResult {
		_, statErr := os.Stat(cfgPath)
		if cfgErr != nil {
			return CheckResult{
				Status:  StatusFail,
				Message: fmt.Sprintf("config error: %v", cfgErr),
				Fix:     "Check config.yaml syntax and required fields",
			}
		}
		if os.IsNotExist(statErr) {
			return CheckResult{
				Status:  StatusWarn,
				Message: fmt.Sprintf("no config file at %s; using defaults and WIREBOT_* variables", cfgPath),
			}
		}
		return CheckResult{
			Status:  StatusPass,
			Message: fmt.Sprintf("config loaded from %s", cfgPath),
		}
	}
}

// checkToken verifies a bot token is configured and was decrypted.
func checkToken(cfg *config.Config) CheckResult {
	if cfg == nil {
		return CheckResult{Status: StatusFail, Message: "cannot check, config not loaded"}
	}
	if strings.HasPrefix(cfg.Gateway.Token, "enc:") {
		return CheckResult{
			Status:  StatusFail,
			Message: "gateway token is still encrypted",
			Fix:     "Set WIREBOT_CONFIG_KEY to the passphrase used with 'wirebot encrypt'",
		}
	}
	return CheckResult{Status: StatusPass, Message: "gateway token configured"}
}

// checkGatewayReachable dials the gateway host over TCP.
func checkGatewayReachable(cfg *config.Config) CheckResult {
	if cfg == nil {
		return CheckResult{Status: StatusFail, Message: "cannot check, config not loaded"}
	}
	addr, err := gatewayAddr(cfg.Gateway.URL)
	if err != nil {
		return CheckResult{Status: StatusFail, Message: err.Error()}
	}

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()

	var d net.Dialer
	conn, err := d.DialContext(ctx, "tcp", addr)
	if err != nil {
		return CheckResult{
			Status:  StatusFail,
			Message: fmt.Sprintf("cannot reach %s: %v", addr, err),
			Fix:     "Check your network connection and firewall settings",
		}
	}
	conn.Close()
	return CheckResult{Status: StatusPass, Message: fmt.Sprintf("%s reachable", addr)}
}

// gatewayAddr returns host:port for a ws/wss URL.
func gatewayAddr(raw string) (string, error) {
	u, err := url.Parse(raw)
	if err != nil {
		return "", fmt.Errorf("invalid gateway url: %w", err)
	}
	port := u.Port()
	if port == "" {
		switch u.Scheme {
		case "ws":
			port = "80"
		case "wss":
			port = "443"
		default:
			return "", fmt.Errorf("unsupported gateway scheme %q", u.Scheme)
		}
	}
	return net.JoinHostPort(u.Hostname(), port), nil
}

// checkSessionStore verifies the checkpoint database directory is writable.
func checkSessionStore(cfg *config.Config) CheckResult {
	if cfg == nil {
		return CheckResult{Status: StatusFail, Message: "cannot check, config not loaded"}
	}
	if !cfg.SessionStore.Enabled {
		return CheckResult{Status: StatusPass, Message: "disabled; sessions are not persisted across restarts"}
	}

	dir := filepath.Dir(cfg.SessionStore.Path)
	if err := os.MkdirAll(dir, 0o700); err != nil {
		return CheckResult{
			Status:  StatusFail,
			Message: fmt.Sprintf("cannot create %s: %v", dir, err),
		}
	}
	f, err := os.CreateTemp(dir, ".wirebot-doctor-*")
	if err != nil {
		return CheckResult{
			Status:  StatusFail,
			Message: fmt.Sprintf("%s is not writable: %v", dir, err),
			Fix:     "Fix permissions or set session_store.path",
		}
	}
	f.Close()
	os.Remove(f.Name())

	store, err := openSessionStore(cfg.SessionStore)
	if err != nil {
		return CheckResult{Status: StatusFail, Message: err.Error()}
	}
	defer store.Close()
	cp, err := store.Load(context.Background())
	if err != nil {
		return CheckResult{Status: StatusFail, Message: err.Error()}
	}
	if cp == nil {
		return CheckResult{Status: StatusPass, Message: "no checkpoint stored yet"}
	}
	return CheckResult{
		Status:  StatusPass,
		Message: fmt.Sprintf("checkpoint for session %s at seq %d", cp.SessionID, cp.Sequence),
	}
}
