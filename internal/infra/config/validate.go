package config

import (
	"fmt"
	"net/url"
	"strings"
)

// ValidationError accumulates config validation errors.
type ValidationError struct {
	Errors []string
}

func (v *ValidationError) Error() string {
	return "config validation failed:\n  - " + strings.Join(v.Errors, "\n  - ")
}

// HasErrors reports whether any validation errors have been recorded.
func (v *ValidationError) HasErrors() bool {
	return len(v.Errors) > 0
}

// Add records a formatted validation error.
func (v *ValidationError) Add(format string, args ...interface{}) {
	v.Errors = append(v.Errors, fmt.Sprintf(format, args...))
}

// Validate checks cfg for structural correctness. It returns a *ValidationError
// when one or more problems are found, allowing callers to inspect all issues.
func Validate(cfg *Config) error {
	ve := &ValidationError{}
	validateGateway(cfg, ve)
	validateLogger(cfg, ve)
	validateTracer(cfg, ve)
	validateSessionStore(cfg, ve)
	validateDispatch(cfg, ve)
	if ve.HasErrors() {
		return ve
	}
	return nil
}

func validateGateway(cfg *Config, ve *ValidationError) {
	g := cfg.Gateway
	if g.URL == "" {
		ve.Add("gateway.url is required")
	} else if u, err := url.Parse(g.URL); err != nil || (u.Scheme != "ws" && u.Scheme != "wss") || u.Host == "" {
		ve.Add("gateway.url %q must be a ws:// or wss:// URL", g.URL)
	}
	if g.Token == "" {
		ve.Add("gateway.token is required")
	}
	if g.BufferSize <= 0 {
		ve.Add("gateway.buffer_size must be > 0")
	}
	if g.ReadLimit < 0 {
		ve.Add("gateway.read_limit must be >= 0")
	}
	if g.Intents < 0 {
		ve.Add("gateway.intents must be >= 0")
	}
	if g.LargeThreshold < 50 || g.LargeThreshold > 250 {
		ve.Add("gateway.large_threshold must be between 50 and 250")
	}
	if len(g.Shard) > 0 {
		if len(g.Shard) != 2 {
			ve.Add("gateway.shard must be [shard_id, shard_count]")
		} else if g.Shard[1] <= 0 || g.Shard[0] < 0 || g.Shard[0] >= g.Shard[1] {
			ve.Add("gateway.shard %v is out of range", g.Shard)
		}
	}
	if g.Presence.Status != "" && !validStatuses[g.Presence.Status] {
		ve.Add("gateway.presence.status %q is invalid (valid: online, idle, dnd, invisible)", g.Presence.Status)
	}
	if g.SendLimit <= 0 {
		ve.Add("gateway.send_limit must be > 0")
	}
	if g.SendWindow <= 0 {
		ve.Add("gateway.send_window must be > 0")
	}
	if g.StopTimeout <= 0 {
		ve.Add("gateway.stop_timeout must be > 0")
	}
	if g.Breaker.MaxFailures == 0 {
		ve.Add("gateway.breaker.max_failures must be > 0")
	}
	if g.Breaker.Timeout <= 0 {
		ve.Add("gateway.breaker.timeout must be > 0")
	}
}

var validStatuses = map[string]bool{
	"online": true, "idle": true, "dnd": true, "invisible": true,
}

var validLogLevels = map[string]bool{
	"debug": true, "info": true, "warn": true, "warning": true, "error": true,
}

var validLogFormats = map[string]bool{
	"text": true, "json": true, "pretty": true,
}

func validateLogger(cfg *Config, ve *ValidationError) {
	if cfg.Logger.Level != "" && !validLogLevels[strings.ToLower(cfg.Logger.Level)] {
		ve.Add("logger.level %q is invalid (valid: debug, info, warn, error)", cfg.Logger.Level)
	}
	if cfg.Logger.Format != "" && !validLogFormats[cfg.Logger.Format] {
		ve.Add("logger.format %q is invalid (valid: text, json, pretty)", cfg.Logger.Format)
	}
}

func validateTracer(cfg *Config, ve *ValidationError) {
	if !cfg.Tracer.Enabled {
		return
	}
	switch cfg.Tracer.Exporter {
	case "", "noop", "stdout":
	default:
		ve.Add("tracer.exporter %q is invalid (valid: noop, stdout)", cfg.Tracer.Exporter)
	}
	if cfg.Tracer.SampleRatio < 0 || cfg.Tracer.SampleRatio > 1 {
		ve.Add("tracer.sample_ratio must be between 0 and 1")
	}
}

func validateSessionStore(cfg *Config, ve *ValidationError) {
	if cfg.SessionStore.Enabled && cfg.SessionStore.Path == "" {
		ve.Add("session_store.path is required when session_store is enabled")
	}
}

func validateDispatch(cfg *Config, ve *ValidationError) {
	if cfg.Dispatch.HandlerTimeout < 0 {
		ve.Add("dispatch.handler_timeout must be >= 0")
	}
}
