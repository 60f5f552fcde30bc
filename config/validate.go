package config

import (
	"errors"
	"fmt"
	"net/url"
	"time"
)

// Validation range constants.
const (
	minProbeWindow    = 1
	maxProbeWindow    = 50
	minMaxAttempts    = 1
	maxMaxAttempts    = 30
	minProbeInterval  = time.Second
	minConnectTimeout = time.Second
)

// Validate checks all configuration values and returns all errors found.
// It accumulates every error rather than stopping at the first, so users
// see a complete report and can fix all issues in one pass.
func Validate(cfg *Config) error {
	var errs []error

	errs = append(errs, validateRemote(&cfg.Remote)...)
	errs = append(errs, validateNetwork(&cfg.Network)...)
	errs = append(errs, validateRetry(&cfg.Retry)...)
	errs = append(errs, validateSync(&cfg.Sync)...)
	errs = append(errs, validateLogging(&cfg.Logging)...)

	return errors.Join(errs...)
}

func validateRemote(rc *RemoteConfig) []error {
	var errs []error

	if rc.BaseURL != "" {
		if _, err := url.ParseRequestURI(rc.BaseURL); err != nil {
			errs = append(errs, fmt.Errorf("remote.base_url: invalid URL %q: %w", rc.BaseURL, err))
		}
	}

	if rc.WatchURL != "" {
		if _, err := url.ParseRequestURI(rc.WatchURL); err != nil {
			errs = append(errs, fmt.Errorf("remote.watch_url: invalid URL %q: %w", rc.WatchURL, err))
		}
	}

	if d, err := time.ParseDuration(rc.ConnectTimeout); err != nil {
		errs = append(errs, fmt.Errorf("remote.connect_timeout: invalid duration %q: %w", rc.ConnectTimeout, err))
	} else if d < minConnectTimeout {
		errs = append(errs, fmt.Errorf("remote.connect_timeout: must be at least %s, got %q", minConnectTimeout, rc.ConnectTimeout))
	}

	if _, err := ParseBandwidth(rc.BandwidthLimit); err != nil {
		errs = append(errs, fmt.Errorf("remote.bandwidth_limit: %w", err))
	}

	return errs
}

func validateNetwork(nc *NetworkConfig) []error {
	var errs []error

	interval, err := time.ParseDuration(nc.ProbeInterval)
	if err != nil {
		errs = append(errs, fmt.Errorf("network.probe_interval: invalid duration %q: %w", nc.ProbeInterval, err))
	} else if interval < minProbeInterval {
		errs = append(errs, fmt.Errorf("network.probe_interval: must be at least %s, got %q", minProbeInterval, nc.ProbeInterval))
	}

	timeout, err := time.ParseDuration(nc.ProbeTimeout)
	if err != nil {
		errs = append(errs, fmt.Errorf("network.probe_timeout: invalid duration %q: %w", nc.ProbeTimeout, err))
	} else if interval > 0 && timeout > interval {
		errs = append(errs, fmt.Errorf("network.probe_timeout: must not exceed probe_interval (%q > %q)", nc.ProbeTimeout, nc.ProbeInterval))
	}

	if nc.ProbeWindow < minProbeWindow || nc.ProbeWindow > maxProbeWindow {
		errs = append(errs, fmt.Errorf("network.probe_window: must be %d-%d, got %d", minProbeWindow, maxProbeWindow, nc.ProbeWindow))
	}

	return errs
}

func validateRetry(rc *RetryConfig) []error {
	var errs []error

	if rc.MaxAttempts < minMaxAttempts || rc.MaxAttempts > maxMaxAttempts {
		errs = append(errs, fmt.Errorf("retry.max_attempts: must be %d-%d, got %d", minMaxAttempts, maxMaxAttempts, rc.MaxAttempts))
	}

	base, err := time.ParseDuration(rc.BaseBackoff)
	if err != nil {
		errs = append(errs, fmt.Errorf("retry.base_backoff: invalid duration %q: %w", rc.BaseBackoff, err))
	} else if base <= 0 {
		errs = append(errs, fmt.Errorf("retry.base_backoff: must be positive, got %q", rc.BaseBackoff))
	}

	maxB, err := time.ParseDuration(rc.MaxBackoff)
	if err != nil {
		errs = append(errs, fmt.Errorf("retry.max_backoff: invalid duration %q: %w", rc.MaxBackoff, err))
	} else if base > 0 && maxB < base {
		errs = append(errs, fmt.Errorf("retry.max_backoff: must be at least base_backoff (%q < %q)", rc.MaxBackoff, rc.BaseBackoff))
	}

	if _, err := time.ParseDuration(rc.StaleClaimTimeout); err != nil {
		errs = append(errs, fmt.Errorf("retry.stale_claim_timeout: invalid duration %q: %w", rc.StaleClaimTimeout, err))
	}

	return errs
}

func validateSync(sc *SyncConfig) []error {
	switch sc.ConflictStrategy {
	case "", StrategyKeepLocal, StrategyKeepServer, StrategySkip:
		return nil
	default:
		return []error{fmt.Errorf(
			"sync.conflict_strategy: must be %q, %q, %q, or empty for interactive, got %q",
			StrategyKeepLocal, StrategyKeepServer, StrategySkip, sc.ConflictStrategy)}
	}
}

func validateLogging(lc *LoggingConfig) []error {
	var errs []error

	switch lc.LogLevel {
	case "debug", "info", "warn", "error":
	default:
		errs = append(errs, fmt.Errorf("logging.log_level: must be debug, info, warn, or error, got %q", lc.LogLevel))
	}

	switch lc.LogFormat {
	case "text", "json":
	default:
		errs = append(errs, fmt.Errorf("logging.log_format: must be text or json, got %q", lc.LogFormat))
	}

	return errs
}
