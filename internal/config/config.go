// Package config implements TOML configuration loading, validation, and
// platform-specific path resolution for tasksync. It supports a four-layer
// override chain (defaults -> config file -> environment -> CLI flags).
package config

import "time"

// Config is the top-level configuration structure parsed from a TOML file.
// Every section is optional; missing sections keep their defaults.
type Config struct {
	Storage StorageConfig `toml:"storage"`
	Sync    SyncConfig    `toml:"sync"`
	Retry   RetryConfig   `toml:"retry"`
	Remote  RemoteConfig  `toml:"remote"`
	Server  ServerConfig  `toml:"server"`
	Logging LoggingConfig `toml:"logging"`
}

// StorageConfig locates the SQLite database holding tasks, mappings, sync
// state and credentials. An empty DBPath means the platform data directory.
type StorageConfig struct {
	DBPath string `toml:"db_path"`
}

// SyncConfig controls when passes run and how long the apply phase may take.
type SyncConfig struct {
	Interval           string `toml:"interval"`
	Debounce           string `toml:"debounce"`
	MaxConcurrent      int    `toml:"max_concurrent"`
	TokenSafetyMargin  string `toml:"token_safety_margin"`
	ApplyTimeout       string `toml:"apply_timeout"`
	TombstoneRetention string `toml:"tombstone_retention"`
	ShutdownTimeout    string `toml:"shutdown_timeout"`
}

// RetryConfig controls the scheduler's reaction to failed passes.
type RetryConfig struct {
	BackoffBase         string `toml:"backoff_base"`
	BackoffMax          string `toml:"backoff_max"`
	MaxRetries          int    `toml:"max_retries"`
	MaxVersionConflicts int    `toml:"max_version_conflicts"`
}

// RemoteConfig holds the OAuth client registration and HTTP behavior for the
// remote calendar provider.
type RemoteConfig struct {
	ClientID          string  `toml:"client_id"`
	ClientSecret      string  `toml:"client_secret"`
	RequestsPerSecond float64 `toml:"requests_per_second"`
	Burst             int     `toml:"burst"`
	Timeout           string  `toml:"timeout"`
	UserAgent         string  `toml:"user_agent"`
}

// ServerConfig controls the HTTP API listener used by "serve".
type ServerConfig struct {
	Listen string `toml:"listen"`
}

// LoggingConfig controls log output behavior: level, format, and rotation.
type LoggingConfig struct {
	LogLevel         string `toml:"log_level"`
	LogFile          string `toml:"log_file"`
	LogFormat        string `toml:"log_format"`
	LogRetentionDays int    `toml:"log_retention_days"`
	LogMaxSizeMB     int    `toml:"log_max_size_mb"`
}

// CLIOverrides holds values from CLI flags that override config file and
// environment settings. Pointer fields distinguish "not specified" (nil)
// from "explicitly set to zero value".
type CLIOverrides struct {
	ConfigPath string  // --config flag (empty = use default)
	DBPath     *string // --db flag
	Listen     *string // --listen flag
}

// Durations is the parsed form of every duration-valued setting. Validate
// guarantees these parse, so callers use Durations() after loading instead
// of re-parsing strings.
type Durations struct {
	Interval           time.Duration
	Debounce           time.Duration
	TokenSafetyMargin  time.Duration
	ApplyTimeout       time.Duration
	TombstoneRetention time.Duration
	ShutdownTimeout    time.Duration
	BackoffBase        time.Duration
	BackoffMax         time.Duration
	RemoteTimeout      time.Duration
}

// Durations parses the duration strings. Unparseable values fall back to the
// defaults, which only happens for configs that skipped Validate.
func (c *Config) Durations() Durations {
	return Durations{
		Interval:           parseOr(c.Sync.Interval, defaultInterval),
		Debounce:           parseOr(c.Sync.Debounce, defaultDebounce),
		TokenSafetyMargin:  parseOr(c.Sync.TokenSafetyMargin, defaultTokenSafetyMargin),
		ApplyTimeout:       parseOr(c.Sync.ApplyTimeout, defaultApplyTimeout),
		TombstoneRetention: parseOr(c.Sync.TombstoneRetention, defaultTombstoneRetention),
		ShutdownTimeout:    parseOr(c.Sync.ShutdownTimeout, defaultShutdownTimeout),
		BackoffBase:        parseOr(c.Retry.BackoffBase, defaultBackoffBase),
		BackoffMax:         parseOr(c.Retry.BackoffMax, defaultBackoffMax),
		RemoteTimeout:      parseOr(c.Remote.Timeout, defaultRemoteTimeout),
	}
}

func parseOr(s, fallback string) time.Duration {
	if d, err := time.ParseDuration(s); err == nil {
		return d
	}

	d, err := time.ParseDuration(fallback)
	if err != nil {
		return 0
	}

	return d
}
