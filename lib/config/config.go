// Copyright 2026 The Chatsync Authors
// SPDX-License-Identifier: Apache-2.0

package config

import (
	"fmt"
	"log/slog"
	"net/url"
	"os"
	"time"

	"gopkg.in/yaml.v3"
)

// Config is the master configuration for chatsync binaries.
type Config struct {
	// Server locates the backend.
	Server ServerConfig `yaml:"server"`

	// Channel tunes the push channel reconnect behavior.
	Channel ChannelConfig `yaml:"channel"`

	// Buffers sizes the engine's internal queues.
	Buffers BufferConfig `yaml:"buffers"`

	// Log configures logging output.
	Log LogConfig `yaml:"log"`
}

// ServerConfig locates the chat backend.
type ServerConfig struct {
	// BaseURL is the REST endpoint root, e.g. https://chat.example.com.
	BaseURL string `yaml:"base_url"`

	// PushURL is the websocket endpoint root, e.g. wss://chat.example.com.
	// When empty it is derived from BaseURL by swapping the scheme.
	PushURL string `yaml:"push_url"`

	// RequestTimeout bounds each REST call, as a Go duration string.
	// Default: 10s
	RequestTimeout string `yaml:"request_timeout"`
}

// ChannelConfig tunes the per-room push channel.
type ChannelConfig struct {
	// BackoffFloor is the first reconnect delay, as a Go duration string.
	// Default: 500ms
	BackoffFloor string `yaml:"backoff_floor"`

	// BackoffCeiling caps the reconnect delay, as a Go duration string.
	// Default: 30s
	BackoffCeiling string `yaml:"backoff_ceiling"`

	// QueueSize is the per-room outbound buffer used while disconnected.
	// Default: 32
	QueueSize int `yaml:"queue_size"`
}

// BufferConfig sizes the engine's internal queues.
type BufferConfig struct {
	// PendingFrames bounds the per-room queue of frames that arrive
	// before the history snapshot lands.
	// Default: 64
	PendingFrames int `yaml:"pending_frames"`

	// Tasks is the capacity of the engine's event loop inbox.
	// Default: 256
	Tasks int `yaml:"tasks"`
}

// LogConfig configures logging output.
type LogConfig struct {
	// Level is one of debug, info, warn, error.
	// Default: info
	Level string `yaml:"level"`
}

// Default returns the default configuration. Server.BaseURL has no
// default; the config file (or a flag) must supply it.
func Default() *Config {
	return &Config{
		Server: ServerConfig{
			RequestTimeout: "10s",
		},
		Channel: ChannelConfig{
			BackoffFloor:   "500ms",
			BackoffCeiling: "30s",
			QueueSize:      32,
		},
		Buffers: BufferConfig{
			PendingFrames: 64,
			Tasks:         256,
		},
		Log: LogConfig{
			Level: "info",
		},
	}
}

// Load loads configuration from the file named by CHATSYNC_CONFIG.
//
// There are no fallbacks: if CHATSYNC_CONFIG is not set, this fails.
func Load() (*Config, error) {
	path := os.Getenv("CHATSYNC_CONFIG")
	if path == "" {
		return nil, fmt.Errorf("config: CHATSYNC_CONFIG environment variable not set; " +
			"set it to the path of your chatsync.yaml file, or use --config")
	}
	return LoadFile(path)
}

// LoadFile loads configuration from a specific file path. The file is
// merged over [Default], then validated.
func LoadFile(path string) (*Config, error) {
	cfg := Default()

	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("config: %w", err)
	}
	if err := yaml.Unmarshal(data, cfg); err != nil {
		return nil, fmt.Errorf("config: parse %s: %w", path, err)
	}

	if err := cfg.Validate(); err != nil {
		return nil, fmt.Errorf("config: %s: %w", path, err)
	}
	return cfg, nil
}

// Validate checks that the configuration is complete and well formed.
func (c *Config) Validate() error {
	if c.Server.BaseURL == "" {
		return fmt.Errorf("server.base_url is required")
	}
	if _, err := url.Parse(c.Server.BaseURL); err != nil {
		return fmt.Errorf("server.base_url: %w", err)
	}
	if _, err := c.Server.Timeout(); err != nil {
		return err
	}
	if _, _, err := c.Channel.Backoff(); err != nil {
		return err
	}
	if c.Channel.QueueSize < 0 {
		return fmt.Errorf("channel.queue_size must not be negative")
	}
	if c.Buffers.PendingFrames < 0 || c.Buffers.Tasks < 0 {
		return fmt.Errorf("buffer sizes must not be negative")
	}
	switch c.Log.Level {
	case "debug", "info", "warn", "error":
	default:
		return fmt.Errorf("log.level %q is not one of debug, info, warn, error", c.Log.Level)
	}
	return nil
}

// ResolvedPushURL returns the configured push URL, deriving it from the
// base URL (http -> ws, https -> wss) when none is set.
func (s ServerConfig) ResolvedPushURL() (string, error) {
	if s.PushURL != "" {
		return s.PushURL, nil
	}
	u, err := url.Parse(s.BaseURL)
	if err != nil {
		return "", fmt.Errorf("server.base_url: %w", err)
	}
	switch u.Scheme {
	case "http":
		u.Scheme = "ws"
	case "https":
		u.Scheme = "wss"
	default:
		return "", fmt.Errorf("server.base_url scheme %q cannot be mapped to a websocket scheme", u.Scheme)
	}
	return u.String(), nil
}

// Timeout parses the REST request timeout.
func (s ServerConfig) Timeout() (time.Duration, error) {
	d, err := time.ParseDuration(s.RequestTimeout)
	if err != nil {
		return 0, fmt.Errorf("server.request_timeout: %w", err)
	}
	if d <= 0 {
		return 0, fmt.Errorf("server.request_timeout must be positive")
	}
	return d, nil
}

// Backoff parses the reconnect delay bounds.
func (c ChannelConfig) Backoff() (floor, ceiling time.Duration, err error) {
	floor, err = time.ParseDuration(c.BackoffFloor)
	if err != nil {
		return 0, 0, fmt.Errorf("channel.backoff_floor: %w", err)
	}
	ceiling, err = time.ParseDuration(c.BackoffCeiling)
	if err != nil {
		return 0, 0, fmt.Errorf("channel.backoff_ceiling: %w", err)
	}
	if floor <= 0 || ceiling < floor {
		return 0, 0, fmt.Errorf("channel backoff bounds %s..%s are not an increasing positive range", c.BackoffFloor, c.BackoffCeiling)
	}
	return floor, ceiling, nil
}

// SlogLevel maps the configured level name to a slog.Level. Unknown
// names map to info; Validate rejects them before this is reached.
func (l LogConfig) SlogLevel() slog.Level {
	switch l.Level {
	case "debug":
		return slog.LevelDebug
	case "warn":
		return slog.LevelWarn
	case "error":
		return slog.LevelError
	default:
		return slog.LevelInfo
	}
}
