// Package config loads the wirebot YAML configuration.
package config

import (
	"crypto/aes"
	"crypto/cipher"
	"crypto/rand"
	"encoding/hex"
	"fmt"
	"io"
	"os"
	"path/filepath"
	"strconv"
	"strings"
	"time"

	"golang.org/x/crypto/argon2"
	"gopkg.in/yaml.v3"

	"wirebot/internal/domain"
)

// Config is the root configuration.
type Config struct {
	Gateway      GatewayConfig      `yaml:"gateway"`
	Logger       LoggerConfig       `yaml:"logger"`
	Tracer       TracerConfig       `yaml:"tracer"`
	SessionStore SessionStoreConfig `yaml:"session_store"`
	Dispatch     DispatchConfig     `yaml:"dispatch"`
}

// GatewayConfig holds the gateway connection settings.
type GatewayConfig struct {
	URL         string `yaml:"url"`
	Token       string `yaml:"token"` // supports "enc:" values
	LibraryName string `yaml:"library_name"`

	// BufferSize is the receive buffer used for one socket read.
	BufferSize int `yaml:"buffer_size"`
	// ReadLimit caps the size of one inbound message in bytes.
	ReadLimit           int64         `yaml:"read_limit"`
	DialTimeout         time.Duration `yaml:"dial_timeout"`
	TLSHandshakeTimeout time.Duration `yaml:"tls_handshake_timeout"`

	Intents        int64          `yaml:"intents"`
	LargeThreshold int            `yaml:"large_threshold"`
	Shard          []int          `yaml:"shard,omitempty"` // [shard_id, shard_count]
	Compress       bool           `yaml:"compress"`
	Presence       PresenceConfig `yaml:"presence"`

	SendLimit         int           `yaml:"send_limit"`
	SendWindow        time.Duration `yaml:"send_window"`
	HeartbeatAckCheck bool          `yaml:"heartbeat_ack_check"`
	StopTimeout       time.Duration `yaml:"stop_timeout"`
	Breaker           BreakerConfig `yaml:"breaker"`
}

// PresenceConfig is the presence sent with Identify.
type PresenceConfig struct {
	Status   string `yaml:"status,omitempty"` // online, idle, dnd, invisible
	Activity string `yaml:"activity,omitempty"`
	AFK      bool   `yaml:"afk,omitempty"`
}

// BreakerConfig holds circuit breaker settings for connection attempts.
type BreakerConfig struct {
	MaxFailures uint32        `yaml:"max_failures"`
	Timeout     time.Duration `yaml:"timeout"`
}

// LoggerConfig holds logging settings.
type LoggerConfig struct {
	Level  string `yaml:"level"`
	Format string `yaml:"format"` // text, json, pretty
	Output string `yaml:"output"` // stdout, stderr, or a file path
}

// TracerConfig holds tracing settings.
type TracerConfig struct {
	Enabled     bool    `yaml:"enabled"`
	Exporter    string  `yaml:"exporter"`
	ServiceName string  `yaml:"service_name"`
	SampleRatio float64 `yaml:"sample_ratio"`
}

// SessionStoreConfig holds session checkpoint persistence settings.
type SessionStoreConfig struct {
	Enabled bool   `yaml:"enabled"`
	Path    string `yaml:"path"`
	Key     string `yaml:"key,omitempty"`
}

// DispatchConfig holds event bus settings.
type DispatchConfig struct {
	HandlerTimeout time.Duration `yaml:"handler_timeout"`
}

// defaultDataDir returns the persistent data directory under $HOME/.wirebot/data.
// Falls back to "./data" if $HOME cannot be determined.
func defaultDataDir() string {
	home, err := os.UserHomeDir()
	if err != nil {
		return "./data"
	}
	return filepath.Join(home, ".wirebot", "data")
}

// Defaults returns a Config with sensible defaults.
func Defaults() *Config {
	return &Config{
		Gateway: GatewayConfig{
			URL:                 "wss://gateway.discord.gg/?v=10&encoding=json",
			LibraryName:         "wirebot",
			BufferSize:          4096,
			ReadLimit:           16 << 20,
			DialTimeout:         15 * time.Second,
			TLSHandshakeTimeout: 10 * time.Second,
			Intents:             513, // guilds | guild messages
			LargeThreshold:      250,
			SendLimit:           120,
			SendWindow:          60 * time.Second,
			HeartbeatAckCheck:   true,
			StopTimeout:         5 * time.Second,
			Breaker: BreakerConfig{
				MaxFailures: 5,
				Timeout:     30 * time.Second,
			},
		},
		Logger: LoggerConfig{
			Level:  "info",
			Format: "text",
			Output: "stderr",
		},
		Tracer: TracerConfig{
			Enabled:     false,
			Exporter:    "noop",
			ServiceName: "wirebot",
			SampleRatio: 1,
		},
		SessionStore: SessionStoreConfig{
			Enabled: false,
			Path:    filepath.Join(defaultDataDir(), "sessions.db"),
		},
		Dispatch: DispatchConfig{
			HandlerTimeout: 30 * time.Second,
		},
	}
}

// Load reads a YAML config file, applies env var overrides, and decrypts secrets.
// A missing file yields the defaults plus env overrides.
func Load(path string) (*Config, error) {
	cfg := Defaults()

	data, err := os.ReadFile(path)
	switch {
	case os.IsNotExist(err):
	case err != nil:
		return nil, fmt.Errorf("%w: read config: %v", domain.ErrConfigLoad, err)
	default:
		if err := validatePermissions(path); err != nil {
			return nil, err
		}
		if err := yaml.Unmarshal(data, cfg); err != nil {
			return nil, fmt.Errorf("%w: parse config: %v", domain.ErrConfigLoad, err)
		}
	}

	ApplyEnvOverrides(cfg)

	passphrase := os.Getenv("WIREBOT_CONFIG_KEY")
	if passphrase != "" {
		if err := decryptSecrets(cfg, passphrase); err != nil {
			return nil, fmt.Errorf("decrypt secrets: %w", err)
		}
	}

	if err := Validate(cfg); err != nil {
		return nil, err
	}

	return cfg, nil
}

// ApplyEnvOverrides maps WIREBOT_* env vars to config fields.
func ApplyEnvOverrides(cfg *Config) {
	if v := os.Getenv("WIREBOT_GATEWAY_URL"); v != "" {
		cfg.Gateway.URL = v
	}
	if v := os.Getenv("WIREBOT_GATEWAY_TOKEN"); v != "" {
		cfg.Gateway.Token = v
	}
	if v := os.Getenv("WIREBOT_GATEWAY_INTENTS"); v != "" {
		if n, err := strconv.ParseInt(v, 10, 64); err == nil {
			cfg.Gateway.Intents = n
		}
	}
	if v := os.Getenv("WIREBOT_GATEWAY_SHARD"); v != "" {
		parts := splitAndTrim(v, ",")
		if len(parts) == 2 {
			id, err1 := strconv.Atoi(parts[0])
			count, err2 := strconv.Atoi(parts[1])
			if err1 == nil && err2 == nil {
				cfg.Gateway.Shard = []int{id, count}
			}
		}
	}
	if v := os.Getenv("WIREBOT_GATEWAY_COMPRESS"); v != "" {
		cfg.Gateway.Compress = v == "true"
	}
	if v := os.Getenv("WIREBOT_GATEWAY_HEARTBEAT_ACK_CHECK"); v != "" {
		cfg.Gateway.HeartbeatAckCheck = v != "false"
	}
	if v := os.Getenv("WIREBOT_LOGGER_LEVEL"); v != "" {
		cfg.Logger.Level = v
	}
	if v := os.Getenv("WIREBOT_LOGGER_FORMAT"); v != "" {
		cfg.Logger.Format = v
	}
	if v := os.Getenv("WIREBOT_LOGGER_OUTPUT"); v != "" {
		cfg.Logger.Output = v
	}
	if v := os.Getenv("WIREBOT_TRACER_ENABLED"); v == "true" {
		cfg.Tracer.Enabled = true
	}
	if v := os.Getenv("WIREBOT_TRACER_EXPORTER"); v != "" {
		cfg.Tracer.Exporter = v
	}
	if v := os.Getenv("WIREBOT_SESSION_STORE_ENABLED"); v != "" {
		cfg.SessionStore.Enabled = v == "true"
	}
	if v := os.Getenv("WIREBOT_SESSION_STORE_PATH"); v != "" {
		cfg.SessionStore.Path = v
	}
	if v := os.Getenv("WIREBOT_DISPATCH_HANDLER_TIMEOUT"); v != "" {
		if d, err := time.ParseDuration(v); err == nil {
			cfg.Dispatch.HandlerTimeout = d
		}
	}
}

// splitAndTrim splits s by sep and trims whitespace from each element.
func splitAndTrim(s, sep string) []string {
	parts := strings.Split(s, sep)
	for i := range parts {
		parts[i] = strings.TrimSpace(parts[i])
	}
	return parts
}

// decryptSecrets finds "enc:..." values and decrypts them in place.
func decryptSecrets(cfg *Config, passphrase string) error {
	secrets := map[string]*string{
		"gateway.token": &cfg.Gateway.Token,
	}
	for name, fp := range secrets {
		if !strings.HasPrefix(*fp, "enc:") {
			continue
		}
		decrypted, err := DecryptValue(strings.TrimPrefix(*fp, "enc:"), passphrase)
		if err != nil {
			return fmt.Errorf("%s: %w", name, err)
		}
		*fp = decrypted
	}
	return nil
}

// EncryptValue encrypts a plaintext value with AES-256-GCM using a passphrase.
func EncryptValue(plaintext, passphrase string) (string, error) {
	salt := make([]byte, 16)
	if _, err := io.ReadFull(rand.Reader, salt); err != nil {
		return "", fmt.Errorf("generate salt: %w", err)
	}

	gcm, err := newGCM(passphrase, salt)
	if err != nil {
		return "", err
	}

	nonce := make([]byte, gcm.NonceSize())
	if _, err := io.ReadFull(rand.Reader, nonce); err != nil {
		return "", fmt.Errorf("generate nonce: %w", err)
	}

	ciphertext := gcm.Seal(nonce, nonce, []byte(plaintext), nil)
	// Format: hex(salt) + ":" + hex(nonce+ciphertext)
	return hex.EncodeToString(salt) + ":" + hex.EncodeToString(ciphertext), nil
}

// DecryptValue decrypts an AES-256-GCM encrypted value.
func DecryptValue(encrypted, passphrase string) (string, error) {
	parts := strings.SplitN(encrypted, ":", 2)
	if len(parts) != 2 {
		return "", fmt.Errorf("%w: invalid encrypted format", domain.ErrDecryption)
	}

	salt, err := hex.DecodeString(parts[0])
	if err != nil {
		return "", fmt.Errorf("%w: decode salt: %v", domain.ErrDecryption, err)
	}

	data, err := hex.DecodeString(parts[1])
	if err != nil {
		return "", fmt.Errorf("%w: decode ciphertext: %v", domain.ErrDecryption, err)
	}

	gcm, err := newGCM(passphrase, salt)
	if err != nil {
		return "", err
	}

	nonceSize := gcm.NonceSize()
	if len(data) < nonceSize {
		return "", fmt.Errorf("%w: ciphertext too short", domain.ErrDecryption)
	}

	nonce, ciphertext := data[:nonceSize], data[nonceSize:]
	plaintext, err := gcm.Open(nil, nonce, ciphertext, nil)
	if err != nil {
		return "", fmt.Errorf("%w: %v", domain.ErrDecryption, err)
	}

	return string(plaintext), nil
}

func newGCM(passphrase string, salt []byte) (cipher.AEAD, error) {
	block, err := aes.NewCipher(deriveKey(passphrase, salt))
	if err != nil {
		return nil, fmt.Errorf("create cipher: %w", err)
	}
	gcm, err := cipher.NewGCM(block)
	if err != nil {
		return nil, fmt.Errorf("create gcm: %w", err)
	}
	return gcm, nil
}

// deriveKey uses Argon2id to derive a 32-byte key from passphrase + salt.
func deriveKey(passphrase string, salt []byte) []byte {
	return argon2.IDKey([]byte(passphrase), salt, 1, 64*1024, 4, 32)
}

// validatePermissions checks the config file has restrictive permissions.
func validatePermissions(path string) error {
	info, err := os.Stat(path)
	if err != nil {
		return fmt.Errorf("stat config: %w", err)
	}
	mode := info.Mode().Perm()
	// Allow 0600 and 0644 (readable by others but not writable)
	if mode&0o022 != 0 {
		return fmt.Errorf("%w: config file %s has insecure permissions %o (want 0600 or 0644)",
			domain.ErrConfigLoad, path, mode)
	}
	return nil
}
