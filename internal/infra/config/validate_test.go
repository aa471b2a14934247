package config

import (
	"strings"
	"testing"
)

func validConfig() *Config {
	cfg := Defaults()
	cfg.Gateway.Token = "test-token"
	return cfg
}

func TestValidateDefaultsPass(t *testing.T) {
	if err := Validate(validConfig()); err != nil {
		t.Fatalf("Defaults with a token should pass validation: %v", err)
	}
}

func TestValidateGateway(t *testing.T) {
	tests := []struct {
		name   string
		mutate func(*Config)
		want   string
	}{
		{"missing url", func(c *Config) { c.Gateway.URL = "" }, "gateway.url is required"},
		{"http url", func(c *Config) { c.Gateway.URL = "https://gateway.test" }, "must be a ws:// or wss:// URL"},
		{"missing token", func(c *Config) { c.Gateway.Token = "" }, "gateway.token is required"},
		{"zero buffer", func(c *Config) { c.Gateway.BufferSize = 0 }, "gateway.buffer_size must be > 0"},
		{"negative read limit", func(c *Config) { c.Gateway.ReadLimit = -1 }, "gateway.read_limit must be >= 0"},
		{"negative intents", func(c *Config) { c.Gateway.Intents = -1 }, "gateway.intents must be >= 0"},
		{"large threshold", func(c *Config) { c.Gateway.LargeThreshold = 300 }, "gateway.large_threshold"},
		{"shard shape", func(c *Config) { c.Gateway.Shard = []int{1} }, "gateway.shard must be"},
		{"shard range", func(c *Config) { c.Gateway.Shard = []int{4, 4} }, "out of range"},
		{"presence status", func(c *Config) { c.Gateway.Presence.Status = "away" }, "gateway.presence.status"},
		{"send limit", func(c *Config) { c.Gateway.SendLimit = 0 }, "gateway.send_limit must be > 0"},
		{"send window", func(c *Config) { c.Gateway.SendWindow = 0 }, "gateway.send_window must be > 0"},
		{"stop timeout", func(c *Config) { c.Gateway.StopTimeout = 0 }, "gateway.stop_timeout must be > 0"},
		{"breaker failures", func(c *Config) { c.Gateway.Breaker.MaxFailures = 0 }, "gateway.breaker.max_failures"},
		{"breaker timeout", func(c *Config) { c.Gateway.Breaker.Timeout = 0 }, "gateway.breaker.timeout"},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			cfg := validConfig()
			tt.mutate(cfg)
			err := Validate(cfg)
			if err == nil {
				t.Fatal("expected validation error")
			}
			assertContains(t, err.Error(), tt.want)
		})
	}
}

func TestValidateShardAccepted(t *testing.T) {
	cfg := validConfig()
	cfg.Gateway.Shard = []int{3, 4}
	if err := Validate(cfg); err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
}

func TestValidateLogger(t *testing.T) {
	cfg := validConfig()
	cfg.Logger.Level = "verbose"
	cfg.Logger.Format = "xml"
	err := Validate(cfg)
	if err == nil {
		t.Fatal("expected validation error")
	}
	assertContains(t, err.Error(), "logger.level")
	assertContains(t, err.Error(), "logger.format")

	cfg = validConfig()
	cfg.Logger.Level = "WARNING"
	cfg.Logger.Format = "pretty"
	if err := Validate(cfg); err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
}

func TestValidateTracer(t *testing.T) {
	cfg := validConfig()
	cfg.Tracer.Enabled = true
	cfg.Tracer.Exporter = "jaeger"
	cfg.Tracer.SampleRatio = 2
	err := Validate(cfg)
	if err == nil {
		t.Fatal("expected validation error")
	}
	assertContains(t, err.Error(), "tracer.exporter")
	assertContains(t, err.Error(), "tracer.sample_ratio")

	cfg.Tracer.Enabled = false
	if err := Validate(cfg); err != nil {
		t.Fatalf("disabled tracer should not be validated: %v", err)
	}
}

func TestValidateSessionStore(t *testing.T) {
	cfg := validConfig()
	cfg.SessionStore.Enabled = true
	cfg.SessionStore.Path = ""
	err := Validate(cfg)
	if err == nil {
		t.Fatal("expected validation error")
	}
	assertContains(t, err.Error(), "session_store.path is required")
}

func TestValidateDispatch(t *testing.T) {
	cfg := validConfig()
	cfg.Dispatch.HandlerTimeout = -1
	err := Validate(cfg)
	if err == nil {
		t.Fatal("expected validation error")
	}
	assertContains(t, err.Error(), "dispatch.handler_timeout")
}

func TestValidationErrorAccumulates(t *testing.T) {
	cfg := validConfig()
	cfg.Gateway.Token = ""
	cfg.Gateway.BufferSize = 0
	cfg.Dispatch.HandlerTimeout = -1

	err := Validate(cfg)
	ve, ok := err.(*ValidationError)
	if !ok {
		t.Fatalf("expected *ValidationError, got %T", err)
	}
	if len(ve.Errors) != 3 {
		t.Errorf("got %d errors, want 3: %v", len(ve.Errors), ve.Errors)
	}
}

func assertContains(t *testing.T, s, substr string) {
	t.Helper()
	if !strings.Contains(s, substr) {
		t.Errorf("expected %q to contain %q", s, substr)
	}
}
