// Package config loads switchboard configuration with the precedence
// defaults < user file < project file < environment variables.
package config

import (
	"fmt"
	"net"
	"os"
	"path/filepath"
	"strconv"
	"time"

	"gopkg.in/yaml.v3"
)

// Default configuration values exported for documentation and validation
const (
	DefaultQuietPeriodMS   = 2000
	DefaultFanOutLimit     = 8
	DefaultWatchDebounceMS = 300
	DefaultConnectTimeout  = 30 * time.Second
	DefaultAttachBind      = "127.0.0.1:4499"
)

// Config is the complete switchboard configuration.
type Config struct {
	Stream StreamConfig `yaml:"stream"`
	Hub    HubConfig    `yaml:"hub"`
	Attach AttachConfig `yaml:"attach"`
	Log    LogConfig    `yaml:"log"`
}

// StreamConfig tunes the stream coordinator.
type StreamConfig struct {
	// QuietPeriodMS is how long after the last partial update the stream
	// is still considered active.
	QuietPeriodMS int `yaml:"quiet_period_ms"`
	// FanOutLimit caps concurrent subscriber deliveries per broadcast.
	FanOutLimit int `yaml:"fan_out_limit"`
}

// HubConfig tunes the tool server hub.
type HubConfig struct {
	// DocumentPath locates the tool server configuration document.
	DocumentPath string `yaml:"document_path"`
	// WatchDebounceMS coalesces file change bursts into one reload.
	WatchDebounceMS int `yaml:"watch_debounce_ms"`
	// ConnectTimeoutSeconds bounds a single server's connect handshake.
	ConnectTimeoutSeconds int `yaml:"connect_timeout_seconds"`
}

// AttachConfig controls the optional HTTP attach surface (websocket stream
// mirror and metrics).
type AttachConfig struct {
	Enabled bool   `yaml:"enabled"`
	Bind    string `yaml:"bind"`
}

// LogConfig controls structured logging.
type LogConfig struct {
	Level string `yaml:"level"` // debug, info, warn, error
}

// ConnectTimeout returns the hub connect timeout as a duration.
func (h HubConfig) ConnectTimeout() time.Duration {
	if h.ConnectTimeoutSeconds <= 0 {
		return DefaultConnectTimeout
	}
	return time.Duration(h.ConnectTimeoutSeconds) * time.Second
}

// QuietPeriod returns the stream quiet period as a duration.
func (s StreamConfig) QuietPeriod() time.Duration {
	return time.Duration(s.QuietPeriodMS) * time.Millisecond
}

// WatchDebounce returns the hub watch debounce as a duration.
func (h HubConfig) WatchDebounce() time.Duration {
	return time.Duration(h.WatchDebounceMS) * time.Millisecond
}

// DefaultConfig returns the built-in defaults.
func DefaultConfig() *Config {
	return &Config{
		Stream: StreamConfig{
			QuietPeriodMS: DefaultQuietPeriodMS,
			FanOutLimit:   DefaultFanOutLimit,
		},
		Hub: HubConfig{
			DocumentPath:          defaultDocumentPath(),
			WatchDebounceMS:       DefaultWatchDebounceMS,
			ConnectTimeoutSeconds: int(DefaultConnectTimeout / time.Second),
		},
		Attach: AttachConfig{
			Enabled: false,
			Bind:    DefaultAttachBind,
		},
		Log: LogConfig{Level: "info"},
	}
}

func defaultDocumentPath() string {
	home, err := os.UserHomeDir()
	if err != nil {
		home = os.Getenv("HOME")
	}
	if home == "" {
		return "servers.yaml"
	}
	return filepath.Join(home, ".switchboard", "servers.yaml")
}

// Load loads configuration from default locations with proper precedence.
func Load() (*Config, error) {
	cfg := DefaultConfig()

	home, err := os.UserHomeDir()
	if err != nil {
		home = os.Getenv("HOME")
	}
	if home != "" {
		userPath := filepath.Join(home, ".switchboard", "config.yaml")
		if err := loadAndMerge(cfg, userPath); err != nil && !os.IsNotExist(err) {
			return nil, fmt.Errorf("loading user config: %w", err)
		}
	}

	projectPath := filepath.Join(".", ".switchboard", "config.yaml")
	if err := loadAndMerge(cfg, projectPath); err != nil && !os.IsNotExist(err) {
		return nil, fmt.Errorf("loading project config: %w", err)
	}

	applyEnvOverrides(cfg)

	if err := cfg.Validate(); err != nil {
		return nil, fmt.Errorf("config validation: %w", err)
	}
	return cfg, nil
}

// LoadFromPath loads configuration from a specific file path.
func LoadFromPath(path string) (*Config, error) {
	cfg := DefaultConfig()

	if err := loadAndMerge(cfg, path); err != nil {
		return nil, fmt.Errorf("loading config from %s: %w", path, err)
	}

	applyEnvOverrides(cfg)

	if err := cfg.Validate(); err != nil {
		return nil, fmt.Errorf("config validation: %w", err)
	}
	return cfg, nil
}

func loadAndMerge(cfg *Config, path string) error {
	data, err := os.ReadFile(path)
	if err != nil {
		return err
	}
	// Unmarshal over the existing values so unset fields keep their
	// current (default or earlier-file) values.
	if err := yaml.Unmarshal(data, cfg); err != nil {
		return fmt.Errorf("parsing %s: %w", path, err)
	}
	return nil
}

func applyEnvOverrides(cfg *Config) {
	if v := os.Getenv("SWITCHBOARD_QUIET_PERIOD_MS"); v != "" {
		if n, err := strconv.Atoi(v); err == nil {
			cfg.Stream.QuietPeriodMS = n
		}
	}
	if v := os.Getenv("SWITCHBOARD_FAN_OUT_LIMIT"); v != "" {
		if n, err := strconv.Atoi(v); err == nil {
			cfg.Stream.FanOutLimit = n
		}
	}
	if v := os.Getenv("SWITCHBOARD_SERVERS_PATH"); v != "" {
		cfg.Hub.DocumentPath = v
	}
	if v := os.Getenv("SWITCHBOARD_WATCH_DEBOUNCE_MS"); v != "" {
		if n, err := strconv.Atoi(v); err == nil {
			cfg.Hub.WatchDebounceMS = n
		}
	}
	if v := os.Getenv("SWITCHBOARD_CONNECT_TIMEOUT_SECONDS"); v != "" {
		if n, err := strconv.Atoi(v); err == nil {
			cfg.Hub.ConnectTimeoutSeconds = n
		}
	}
	if v := os.Getenv("SWITCHBOARD_ATTACH_BIND"); v != "" {
		cfg.Attach.Bind = v
		cfg.Attach.Enabled = true
	}
	if v := os.Getenv("SWITCHBOARD_LOG_LEVEL"); v != "" {
		cfg.Log.Level = v
	}
}

// Validate checks the configuration for values that cannot work.
func (c *Config) Validate() error {
	if c.Stream.QuietPeriodMS <= 0 {
		return fmt.Errorf("stream.quiet_period_ms must be positive, got %d", c.Stream.QuietPeriodMS)
	}
	if c.Stream.FanOutLimit <= 0 {
		return fmt.Errorf("stream.fan_out_limit must be positive, got %d", c.Stream.FanOutLimit)
	}
	if c.Hub.DocumentPath == "" {
		return fmt.Errorf("hub.document_path must not be empty")
	}
	if c.Hub.WatchDebounceMS <= 0 {
		return fmt.Errorf("hub.watch_debounce_ms must be positive, got %d", c.Hub.WatchDebounceMS)
	}
	if c.Attach.Enabled {
		if _, _, err := net.SplitHostPort(c.Attach.Bind); err != nil {
			return fmt.Errorf("attach.bind %q: %w", c.Attach.Bind, err)
		}
	}
	switch c.Log.Level {
	case "debug", "info", "warn", "error":
	default:
		return fmt.Errorf("log.level must be debug, info, warn, or error, got %q", c.Log.Level)
	}
	return nil
}
