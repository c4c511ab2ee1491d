package config

import (
	"errors"
	"fmt"
	"log/slog"
	"net"
	"strings"
	"time"
)

// Validation range constants.
const (
	minInterval          = 30 * time.Second
	minTokenSafetyMargin = 5 * time.Second
	minApplyTimeout      = 5 * time.Second
	minShutdownTimeout   = 5 * time.Second
	minRemoteTimeout     = 1 * time.Second
	maxConcurrentPasses  = 64
	minLogRetention      = 1
)

// Validate checks all configuration values and returns all errors found.
// It accumulates every error rather than stopping at the first, so users
// see a complete report and can fix all issues in one pass.
func Validate(cfg *Config) error {
	var errs []error

	errs = append(errs, validateSync(&cfg.Sync)...)
	errs = append(errs, validateRetry(&cfg.Retry)...)
	errs = append(errs, validateRemote(&cfg.Remote)...)
	errs = append(errs, validateServer(&cfg.Server)...)
	errs = append(errs, validateLogging(&cfg.Logging)...)

	return errors.Join(errs...)
}

func validateSync(s *SyncConfig) []error {
	var errs []error

	errs = appendDurationErr(errs, "sync.interval", s.Interval, minInterval)
	errs = appendDurationErr(errs, "sync.debounce", s.Debounce, 0)
	errs = appendDurationErr(errs, "sync.token_safety_margin", s.TokenSafetyMargin, minTokenSafetyMargin)
	errs = appendDurationErr(errs, "sync.apply_timeout", s.ApplyTimeout, minApplyTimeout)
	errs = appendDurationErr(errs, "sync.tombstone_retention", s.TombstoneRetention, 0)
	errs = appendDurationErr(errs, "sync.shutdown_timeout", s.ShutdownTimeout, minShutdownTimeout)

	if s.MaxConcurrent < 1 || s.MaxConcurrent > maxConcurrentPasses {
		errs = append(errs, fmt.Errorf("sync.max_concurrent: must be between 1 and %d, got %d",
			maxConcurrentPasses, s.MaxConcurrent))
	}

	return errs
}

func validateRetry(r *RetryConfig) []error {
	var errs []error

	errs = appendDurationErr(errs, "retry.backoff_base", r.BackoffBase, time.Second)
	errs = appendDurationErr(errs, "retry.backoff_max", r.BackoffMax, time.Second)

	base, errBase := time.ParseDuration(r.BackoffBase)
	maxBackoff, errMax := time.ParseDuration(r.BackoffMax)

	if errBase == nil && errMax == nil && maxBackoff < base {
		errs = append(errs, fmt.Errorf("retry.backoff_max: must be >= backoff_base (%s), got %s",
			r.BackoffBase, r.BackoffMax))
	}

	if r.MaxRetries < 1 {
		errs = append(errs, fmt.Errorf("retry.max_retries: must be >= 1, got %d", r.MaxRetries))
	}

	if r.MaxVersionConflicts < 1 {
		errs = append(errs, fmt.Errorf("retry.max_version_conflicts: must be >= 1, got %d", r.MaxVersionConflicts))
	}

	return errs
}

func validateRemote(r *RemoteConfig) []error {
	var errs []error

	if r.RequestsPerSecond < 0 {
		errs = append(errs, fmt.Errorf("remote.requests_per_second: must be >= 0, got %g", r.RequestsPerSecond))
	}

	if r.RequestsPerSecond > 0 && r.Burst < 1 {
		errs = append(errs, fmt.Errorf("remote.burst: must be >= 1 when rate limiting, got %d", r.Burst))
	}

	errs = appendDurationErr(errs, "remote.timeout", r.Timeout, minRemoteTimeout)

	if (r.ClientID == "") != (r.ClientSecret == "") {
		errs = append(errs, errors.New("remote: client_id and client_secret must be set together"))
	}

	return errs
}

func validateServer(s *ServerConfig) []error {
	if s.Listen == "" {
		return []error{errors.New("server.listen: must not be empty")}
	}

	if _, _, err := net.SplitHostPort(s.Listen); err != nil {
		return []error{fmt.Errorf("server.listen: %w", err)}
	}

	return nil
}

var validLogLevels = map[string]bool{
	"debug": true,
	"info":  true,
	"warn":  true,
	"error": true,
}

var validLogFormats = map[string]bool{
	"auto": true,
	"text": true,
	"json": true,
}

func validateLogging(l *LoggingConfig) []error {
	var errs []error

	if !validLogLevels[strings.ToLower(l.LogLevel)] {
		errs = append(errs, fmt.Errorf("logging.log_level: must be one of debug, info, warn, error; got %q", l.LogLevel))
	}

	if !validLogFormats[strings.ToLower(l.LogFormat)] {
		errs = append(errs, fmt.Errorf("logging.log_format: must be one of auto, text, json; got %q", l.LogFormat))
	}

	if l.LogRetentionDays < minLogRetention {
		errs = append(errs, fmt.Errorf("logging.log_retention_days: must be >= %d, got %d",
			minLogRetention, l.LogRetentionDays))
	}

	if l.LogMaxSizeMB < 1 {
		errs = append(errs, fmt.Errorf("logging.log_max_size_mb: must be >= 1, got %d", l.LogMaxSizeMB))
	}

	return errs
}

func appendDurationErr(errs []error, field, value string, minimum time.Duration) []error {
	d, err := time.ParseDuration(value)
	if err != nil {
		return append(errs, fmt.Errorf("%s: invalid duration %q: %w", field, value, err))
	}

	if d < minimum {
		return append(errs, fmt.Errorf("%s: must be >= %s, got %s", field, minimum, value))
	}

	return errs
}

// ParseLogLevel maps a validated level string onto slog.Level.
func ParseLogLevel(s string) slog.Level {
	switch strings.ToLower(s) {
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
