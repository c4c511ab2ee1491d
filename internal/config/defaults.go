package config

// Default values for configuration options. These represent the "layer 0"
// of the four-layer override chain.
const (
	defaultInterval            = "5m"
	defaultDebounce            = "2s"
	defaultMaxConcurrent       = 4
	defaultTokenSafetyMargin   = "60s"
	defaultApplyTimeout        = "2m"
	defaultTombstoneRetention  = "720h"
	defaultShutdownTimeout     = "30s"
	defaultBackoffBase         = "30s"
	defaultBackoffMax          = "1h"
	defaultMaxRetries          = 5
	defaultMaxVersionConflicts = 3
	defaultRequestsPerSecond   = 5.0
	defaultBurst               = 10
	defaultRemoteTimeout       = "30s"
	defaultUserAgent           = "tasksync/dev"
	defaultListen              = "127.0.0.1:8787"
	defaultLogLevel            = "info"
	defaultLogFormat           = "auto"
	defaultLogRetentionDays    = 30
	defaultLogMaxSizeMB        = 50
)

// DefaultConfig returns a Config populated with all default values.
// This is used both as the starting point for TOML decoding (so unset
// fields retain defaults) and as the fallback when no config file exists.
func DefaultConfig() *Config {
	return &Config{
		Sync:    defaultSyncConfig(),
		Retry:   defaultRetryConfig(),
		Remote:  defaultRemoteConfig(),
		Server:  ServerConfig{Listen: defaultListen},
		Logging: defaultLoggingConfig(),
	}
}

func defaultSyncConfig() SyncConfig {
	return SyncConfig{
		Interval:           defaultInterval,
		Debounce:           defaultDebounce,
		MaxConcurrent:      defaultMaxConcurrent,
		TokenSafetyMargin:  defaultTokenSafetyMargin,
		ApplyTimeout:       defaultApplyTimeout,
		TombstoneRetention: defaultTombstoneRetention,
		ShutdownTimeout:    defaultShutdownTimeout,
	}
}

func defaultRetryConfig() RetryConfig {
	return RetryConfig{
		BackoffBase:         defaultBackoffBase,
		BackoffMax:          defaultBackoffMax,
		MaxRetries:          defaultMaxRetries,
		MaxVersionConflicts: defaultMaxVersionConflicts,
	}
}

func defaultRemoteConfig() RemoteConfig {
	return RemoteConfig{
		RequestsPerSecond: defaultRequestsPerSecond,
		Burst:             defaultBurst,
		Timeout:           defaultRemoteTimeout,
		UserAgent:         defaultUserAgent,
	}
}

func defaultLoggingConfig() LoggingConfig {
	return LoggingConfig{
		LogLevel:         defaultLogLevel,
		LogFormat:        defaultLogFormat,
		LogRetentionDays: defaultLogRetentionDays,
		LogMaxSizeMB:     defaultLogMaxSizeMB,
	}
}
