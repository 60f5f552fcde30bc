// Package config implements TOML configuration loading and validation for
// the fieldsync engine. Defaults are layer 0: a missing config file or any
// unset field falls back to a value that works out of the box. Unknown
// keys are fatal with "did you mean?" suggestions.
package config

import (
	"log/slog"
	"time"
)

// Config is the top-level configuration structure parsed from a TOML file.
// Duration and size fields are strings parsed at validation time so error
// messages can quote exactly what the user wrote.
type Config struct {
	Remote  RemoteConfig  `toml:"remote"`
	Network NetworkConfig `toml:"network"`
	Retry   RetryConfig   `toml:"retry"`
	Sync    SyncConfig    `toml:"sync"`
	Logging LoggingConfig `toml:"logging"`
}

// RemoteConfig locates the field data API and bounds its transport.
type RemoteConfig struct {
	BaseURL        string `toml:"base_url"`
	WatchURL       string `toml:"watch_url"`
	ConnectTimeout string `toml:"connect_timeout"`
	BandwidthLimit string `toml:"bandwidth_limit"`
}

// NetworkConfig controls connectivity probing.
type NetworkConfig struct {
	ProbeInterval string `toml:"probe_interval"`
	ProbeTimeout  string `toml:"probe_timeout"`
	ProbeWindow   int    `toml:"probe_window"`
}

// RetryConfig bounds the durable retry queue.
type RetryConfig struct {
	MaxAttempts       int    `toml:"max_attempts"`
	BaseBackoff       string `toml:"base_backoff"`
	MaxBackoff        string `toml:"max_backoff"`
	StaleClaimTimeout string `toml:"stale_claim_timeout"`
}

// SyncConfig controls session behavior. An empty conflict strategy means
// both-modified conflicts are surfaced for interactive resolution.
type SyncConfig struct {
	ConflictStrategy string `toml:"conflict_strategy"`
}

// LoggingConfig controls log output.
type LoggingConfig struct {
	LogLevel  string `toml:"log_level"`
	LogFormat string `toml:"log_format"`
}

// Valid conflict strategy values. Empty means interactive.
const (
	StrategyKeepLocal  = "keep_local"
	StrategyKeepServer = "keep_server"
	StrategySkip       = "skip"
)

// Default values, layer 0 of the override chain.
const (
	defaultConnectTimeout    = "10s"
	defaultBandwidthLimit    = "0"
	defaultProbeInterval     = "30s"
	defaultProbeTimeout      = "10s"
	defaultProbeWindow       = 5
	defaultMaxAttempts       = 8
	defaultBaseBackoff       = "2s"
	defaultMaxBackoff        = "5m"
	defaultStaleClaimTimeout = "10m"
	defaultLogLevel          = "info"
	defaultLogFormat         = "text"
)

// DefaultConfig returns a Config populated with all default values. Used
// both as the starting point for TOML decoding (so unset fields retain
// defaults) and as the fallback when no config file exists.
func DefaultConfig() *Config {
	return &Config{
		Remote: RemoteConfig{
			ConnectTimeout: defaultConnectTimeout,
			BandwidthLimit: defaultBandwidthLimit,
		},
		Network: NetworkConfig{
			ProbeInterval: defaultProbeInterval,
			ProbeTimeout:  defaultProbeTimeout,
			ProbeWindow:   defaultProbeWindow,
		},
		Retry: RetryConfig{
			MaxAttempts:       defaultMaxAttempts,
			BaseBackoff:       defaultBaseBackoff,
			MaxBackoff:        defaultMaxBackoff,
			StaleClaimTimeout: defaultStaleClaimTimeout,
		},
		Logging: LoggingConfig{
			LogLevel:  defaultLogLevel,
			LogFormat: defaultLogFormat,
		},
	}
}

// Typed accessors below are valid only after a successful Load or
// Validate; on a config that never validated they fall back to defaults.

// ProbeInterval returns the parsed probe interval.
func (c *Config) ProbeInterval() time.Duration {
	return durationOr(c.Network.ProbeInterval, defaultProbeInterval)
}

// ProbeTimeout returns the parsed per-probe timeout.
func (c *Config) ProbeTimeout() time.Duration {
	return durationOr(c.Network.ProbeTimeout, defaultProbeTimeout)
}

// ConnectTimeout returns the parsed HTTP connect timeout.
func (c *Config) ConnectTimeout() time.Duration {
	return durationOr(c.Remote.ConnectTimeout, defaultConnectTimeout)
}

// BaseBackoff returns the parsed retry base backoff.
func (c *Config) BaseBackoff() time.Duration {
	return durationOr(c.Retry.BaseBackoff, defaultBaseBackoff)
}

// MaxBackoff returns the parsed retry backoff ceiling.
func (c *Config) MaxBackoff() time.Duration {
	return durationOr(c.Retry.MaxBackoff, defaultMaxBackoff)
}

// StaleClaimTimeout returns the parsed in-flight reclamation timeout.
func (c *Config) StaleClaimTimeout() time.Duration {
	return durationOr(c.Retry.StaleClaimTimeout, defaultStaleClaimTimeout)
}

// BandwidthBytesPerSec returns the parsed aggregate bandwidth limit in
// bytes per second, 0 meaning unlimited.
func (c *Config) BandwidthBytesPerSec() int64 {
	bps, err := ParseBandwidth(c.Remote.BandwidthLimit)
	if err != nil {
		return 0
	}

	return bps
}

// SlogLevel maps the configured log level to a slog.Level.
func (c *Config) SlogLevel() slog.Level {
	switch c.Logging.LogLevel {
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

func durationOr(s, fallback string) time.Duration {
	d, err := time.ParseDuration(s)
	if err != nil {
		d, _ = time.ParseDuration(fallback)
	}

	return d
}
