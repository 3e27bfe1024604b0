// Package config loads the gateway's configuration from a YAML file and
// environment variable overrides.
package config

import (
	"fmt"
	"log/slog"
	"os"
	"strconv"
	"strings"

	"gopkg.in/yaml.v3"
)

const defaultConfigPath = "/etc/tabby-connection-gateway/config.yaml"

const (
	// DefaultMaxMessageSize is the default WebSocket frame size limit, applied
	// to both receive and send framing.
	DefaultMaxMessageSize = 10 * 1024 * 1024

	// DefaultMaxHeaderBytes is the default per-line header floor used to
	// approximate the "raise the per-line limit to 64 KiB" requirement —
	// net/http has no per-line knob, only a total-bytes one, which the
	// gateway derives from this value.
	DefaultMaxHeaderBytes = 64 * 1024
)

// TLSConfig holds the paths used to build the server's TLS context.
type TLSConfig struct {
	CertFile      string   `yaml:"cert_file"`
	KeyFile       string   `yaml:"key_file"`
	ClientCAFiles []string `yaml:"client_ca_files"`
}

// Enabled reports whether enough TLS material was configured to terminate TLS.
func (t TLSConfig) Enabled() bool {
	return t.CertFile != "" && t.KeyFile != ""
}

// Config holds all configuration for the gateway service.
type Config struct {
	// ListenAddr is the address the gateway binds its WebSocket listener to.
	ListenAddr string `yaml:"listen_addr"`

	// AdminListenAddr is the address the admin/metrics HTTP surface binds to.
	AdminListenAddr string `yaml:"admin_listen_addr"`

	// TLS configures the WebSocket listener's TLS context. Zero value means
	// plaintext (ws://), useful behind a TLS-terminating load balancer.
	TLS TLSConfig `yaml:"tls"`

	// GatewayToken authenticates requests to the admin HTTP surface. It is
	// distinct from the per-session auth_token exchanged over the wire
	// protocol.
	GatewayToken string `yaml:"gateway_token"`

	// PermanentAuthToken, if set, authenticates every session and is never
	// consumed from the token store.
	PermanentAuthToken string `yaml:"permanent_auth_token"`

	// DisableAuth skips token validation entirely when true.
	DisableAuth bool `yaml:"disable_auth"`

	// MaxMessageSize bounds both received and sent WebSocket frames, in bytes.
	MaxMessageSize int64 `yaml:"max_message_size"`

	// MaxHeaderBytes is the size a single HTTP header line may reach during
	// the WebSocket upgrade handshake. The listener's total header budget is
	// derived from it as max(1 MiB, 16*MaxHeaderBytes).
	MaxHeaderBytes int `yaml:"max_header_bytes"`
}

// DefaultConfig returns a Config populated with default values.
func DefaultConfig() *Config {
	return &Config{
		ListenAddr:      ":9443",
		AdminListenAddr: ":9444",
		MaxMessageSize:  DefaultMaxMessageSize,
		MaxHeaderBytes:  DefaultMaxHeaderBytes,
	}
}

// Load loads configuration from a YAML file and overrides with environment
// variables. Environment variables take precedence.
func Load() (*Config, error) {
	cfg := DefaultConfig()

	configPath := defaultConfigPath
	if envPath := os.Getenv("GATEWAY_CONFIG_PATH"); envPath != "" {
		configPath = envPath
	}

	if err := loadConfigFile(cfg, configPath); err != nil {
		slog.Warn("could not load config file, using defaults and env vars",
			"path", configPath,
			"error", err,
		)
	} else {
		slog.Info("loaded config file", "path", configPath)
	}

	applyEnvOverrides(cfg)

	if err := validateConfig(cfg); err != nil {
		return nil, fmt.Errorf("config validation failed: %w", err)
	}

	return cfg, nil
}

func loadConfigFile(cfg *Config, path string) error {
	data, err := os.ReadFile(path)
	if err != nil {
		return fmt.Errorf("reading config file: %w", err)
	}

	if err := yaml.Unmarshal(data, cfg); err != nil {
		return fmt.Errorf("parsing config file: %w", err)
	}

	return nil
}

func applyEnvOverrides(cfg *Config) {
	if v := os.Getenv("GATEWAY_LISTEN_ADDR"); v != "" {
		cfg.ListenAddr = v
	}
	if v := os.Getenv("GATEWAY_ADMIN_LISTEN_ADDR"); v != "" {
		cfg.AdminListenAddr = v
	}
	if v := os.Getenv("GATEWAY_TLS_CERT_FILE"); v != "" {
		cfg.TLS.CertFile = v
	}
	if v := os.Getenv("GATEWAY_TLS_KEY_FILE"); v != "" {
		cfg.TLS.KeyFile = v
	}
	if v := os.Getenv("GATEWAY_TLS_CLIENT_CA_FILES"); v != "" {
		cfg.TLS.ClientCAFiles = strings.Split(v, ",")
	}
	if v := os.Getenv("GATEWAY_TOKEN"); v != "" {
		cfg.GatewayToken = v
	}
	if v := os.Getenv("GATEWAY_PERMANENT_AUTH_TOKEN"); v != "" {
		cfg.PermanentAuthToken = v
	}
	if v := os.Getenv("GATEWAY_DISABLE_AUTH"); v != "" {
		if b, err := strconv.ParseBool(v); err == nil {
			cfg.DisableAuth = b
		}
	}
	if v := os.Getenv("GATEWAY_MAX_MESSAGE_SIZE"); v != "" {
		if n, err := strconv.ParseInt(v, 10, 64); err == nil {
			cfg.MaxMessageSize = n
		}
	}
	if v := os.Getenv("GATEWAY_MAX_HEADER_BYTES"); v != "" {
		if n, err := strconv.Atoi(v); err == nil {
			cfg.MaxHeaderBytes = n
		}
	}
}

func validateConfig(cfg *Config) error {
	if cfg.ListenAddr == "" {
		return fmt.Errorf("listen address is required")
	}
	if cfg.TLS.CertFile != "" && cfg.TLS.KeyFile == "" {
		return fmt.Errorf("tls.key_file is required when tls.cert_file is set")
	}
	if cfg.TLS.KeyFile != "" && cfg.TLS.CertFile == "" {
		return fmt.Errorf("tls.cert_file is required when tls.key_file is set")
	}
	if cfg.MaxMessageSize <= 0 {
		return fmt.Errorf("max_message_size must be positive")
	}
	if !cfg.DisableAuth && cfg.PermanentAuthToken == "" {
		slog.Warn("auth is enabled with no permanent token configured; only tokens added via the admin API will be accepted")
	}
	return nil
}
