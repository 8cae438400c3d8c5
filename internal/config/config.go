// Copyright (c) 2024-2025 Jesse Morgan / Morgan Forge
// SPDX-License-Identifier: AGPL-3.0-or-later

package config

import (
	"errors"
	"fmt"
	"net/url"
	"os"
	"path/filepath"
	"strconv"
	"strings"
	"time"

	"github.com/BurntSushi/toml"
)

// =============================================================================
// CONFIG STRUCTURES
// =============================================================================

// Config represents the complete chatkern configuration.
type Config struct {
	// DefaultModel is the model identifier sent with each request.
	DefaultModel string `toml:"default_model"`

	Transport TransportConfig `toml:"transport"`
	Context   ContextConfig   `toml:"context"`
	Memory    MemoryConfig    `toml:"memory"`
	Retry     RetryConfig     `toml:"retry"`
}

// TransportConfig covers the connection to the chat proxy.
type TransportConfig struct {
	// BaseURL is the proxy origin, e.g. "https://proxy.example.com/v1".
	BaseURL string `toml:"base_url"`
	// ProxySecret is the shared request-signing secret. Usually supplied
	// via CHAT_PROXY_SECRET rather than written to disk.
	ProxySecret string `toml:"proxy_secret"`
	// APIKey enables direct mode with bearer auth, bypassing the proxy.
	APIKey string `toml:"api_key"`
	// ClientName identifies this client to the proxy.
	ClientName string `toml:"client_name"`
	// Development tolerates a missing proxy secret.
	Development bool `toml:"development"`
	// TimeoutSeconds bounds one-shot requests.
	TimeoutSeconds int `toml:"timeout_seconds"`
	// WatchdogSeconds bounds each streaming read.
	WatchdogSeconds int `toml:"watchdog_seconds"`
	// RequestsPerMinute enables the client-side rate limiter when > 0.
	RequestsPerMinute int `toml:"requests_per_minute"`
}

// ContextConfig covers the token budget for context compression.
type ContextConfig struct {
	// MaxTokens is the model context window budget.
	MaxTokens int `toml:"max_tokens"`
	// ReservedTokens is held back for the reply.
	ReservedTokens int `toml:"reserved_tokens"`
}

// MemoryConfig covers the snapshot store.
type MemoryConfig struct {
	// Enabled toggles memory derivation and injection.
	Enabled bool `toml:"enabled"`
	// DatabasePath locates the SQLite store. Empty means in-process only.
	DatabasePath string `toml:"database_path"`
	// Passphrase seals stored snapshots when non-empty.
	Passphrase string `toml:"passphrase"`
}

// RetryConfig covers one-shot request retries. Streaming requests are
// never retried automatically.
type RetryConfig struct {
	// Attempts is the number of retries after the initial request.
	Attempts int `toml:"attempts"`
	// BaseDelayMS is the first backoff delay; it doubles per attempt.
	BaseDelayMS int `toml:"base_delay_ms"`
}

// =============================================================================
// DEFAULTS
// =============================================================================

// Default returns the built-in configuration.
func Default() *Config {
	return &Config{
		DefaultModel: "openrouter/auto",
		Transport: TransportConfig{
			ClientName:      "chatkern",
			TimeoutSeconds:  60,
			WatchdogSeconds: 70,
		},
		Context: ContextConfig{
			MaxTokens:      8192,
			ReservedTokens: 1024,
		},
		Memory: MemoryConfig{
			Enabled: true,
		},
		Retry: RetryConfig{
			Attempts:    1,
			BaseDelayMS: 500,
		},
	}
}

// ConfigDir returns ~/.chatkern, creating nothing.
func ConfigDir() (string, error) {
	home, err := os.UserHomeDir()
	if err != nil {
		return "", fmt.Errorf("failed to determine home directory: %w", err)
	}
	return filepath.Join(home, ".chatkern"), nil
}

// Path returns the config file location.
func Path() (string, error) {
	dir, err := ConfigDir()
	if err != nil {
		return "", err
	}
	return filepath.Join(dir, "config.toml"), nil
}

// =============================================================================
// LOADING
// =============================================================================

// Load reads the config file (if present), applies environment overrides,
// and validates. A missing file is not an error; defaults apply.
func Load() (*Config, error) {
	path, err := Path()
	if err != nil {
		return nil, err
	}
	return LoadFromPath(path)
}

// LoadFromPath is Load with an explicit file location.
func LoadFromPath(path string) (*Config, error) {
	cfg := Default()

	if _, err := os.Stat(path); err == nil {
		if _, err := toml.DecodeFile(path, cfg); err != nil {
			return nil, fmt.Errorf("failed to parse %s: %w", path, err)
		}
	} else if !errors.Is(err, os.ErrNotExist) {
		return nil, fmt.Errorf("failed to read %s: %w", path, err)
	}

	cfg.ApplyEnvOverrides()

	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return cfg, nil
}

// ApplyEnvOverrides applies environment variables on top of file values.
// Secrets are expected to arrive this way in most deployments.
func (c *Config) ApplyEnvOverrides() {
	if v := os.Getenv("CHATKERN_BASE_URL"); v != "" {
		c.Transport.BaseURL = v
	}
	if v := os.Getenv("CHAT_PROXY_SECRET"); v != "" {
		c.Transport.ProxySecret = v
	}
	if v := os.Getenv("CHATKERN_API_KEY"); v != "" {
		c.Transport.APIKey = v
	}
	if v := os.Getenv("CHATKERN_MODEL"); v != "" {
		c.DefaultModel = v
	}
	if v := os.Getenv("CHATKERN_DEV"); v != "" {
		c.Transport.Development = parseBool(v)
	}
	if v := os.Getenv("CHATKERN_MAX_TOKENS"); v != "" {
		if n, err := strconv.Atoi(v); err == nil {
			c.Context.MaxTokens = n
		}
	}
	if v := os.Getenv("CHATKERN_MEMORY_DB"); v != "" {
		c.Memory.DatabasePath = v
	}
	if v := os.Getenv("CHATKERN_MEMORY_PASSPHRASE"); v != "" {
		c.Memory.Passphrase = v
	}
}

func parseBool(v string) bool {
	switch strings.ToLower(v) {
	case "1", "true", "yes", "on":
		return true
	}
	return false
}

// =============================================================================
// VALIDATION
// =============================================================================

// ValidationError describes a single invalid field.
type ValidationError struct {
	Field   string
	Message string
}

func (e ValidationError) Error() string {
	return fmt.Sprintf("config: %s: %s", e.Field, e.Message)
}

// Validate checks the configuration for internal consistency.
func (c *Config) Validate() error {
	if c.DefaultModel == "" {
		return ValidationError{Field: "default_model", Message: "must not be empty"}
	}
	if c.Transport.BaseURL != "" {
		u, err := url.Parse(c.Transport.BaseURL)
		if err != nil || u.Scheme == "" || u.Host == "" {
			return ValidationError{Field: "transport.base_url", Message: "must be an absolute URL"}
		}
	}
	if c.Context.MaxTokens <= 0 {
		return ValidationError{Field: "context.max_tokens", Message: "must be positive"}
	}
	if c.Context.ReservedTokens < 128 {
		return ValidationError{Field: "context.reserved_tokens", Message: "must be at least 128"}
	}
	if c.Context.ReservedTokens >= c.Context.MaxTokens {
		return ValidationError{Field: "context.reserved_tokens", Message: "must be below max_tokens"}
	}
	if c.Retry.Attempts < 0 {
		return ValidationError{Field: "retry.attempts", Message: "must not be negative"}
	}
	if c.Transport.WatchdogSeconds <= 0 {
		return ValidationError{Field: "transport.watchdog_seconds", Message: "must be positive"}
	}
	return nil
}

// =============================================================================
// DERIVED VALUES
// =============================================================================

// Timeout returns the one-shot request timeout.
func (c *Config) Timeout() time.Duration {
	return time.Duration(c.Transport.TimeoutSeconds) * time.Second
}

// Watchdog returns the per-read streaming watchdog interval.
func (c *Config) Watchdog() time.Duration {
	return time.Duration(c.Transport.WatchdogSeconds) * time.Second
}

// RetryBaseDelay returns the initial retry backoff.
func (c *Config) RetryBaseDelay() time.Duration {
	return time.Duration(c.Retry.BaseDelayMS) * time.Millisecond
}

// =============================================================================
// SAVING
// =============================================================================

// Save writes the config to its default location with owner-only
// permissions, since it may carry secrets.
func Save(cfg *Config) error {
	path, err := Path()
	if err != nil {
		return err
	}
	if err := os.MkdirAll(filepath.Dir(path), 0o700); err != nil {
		return fmt.Errorf("failed to create config directory: %w", err)
	}

	f, err := os.OpenFile(path, os.O_WRONLY|os.O_CREATE|os.O_TRUNC, 0o600)
	if err != nil {
		return fmt.Errorf("failed to open config file: %w", err)
	}
	defer f.Close()

	if err := toml.NewEncoder(f).Encode(cfg); err != nil {
		return fmt.Errorf("failed to encode config: %w", err)
	}
	return nil
}
