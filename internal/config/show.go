package config

import (
	"fmt"
	"io"
)

// RenderEffective writes the resolved configuration as a human-readable
// annotated summary to w. This powers the "config show" command. The OAuth
// client secret is masked.
func RenderEffective(cfg *Config, path string, w io.Writer) error {
	ew := &errWriter{w: w}

	ew.printf("# Effective configuration (file: %s)\n\n", path)

	ew.printf("[storage]\n")
	ew.printf("  db_path = %q\n\n", cfg.Storage.DBPath)

	ew.printf("[sync]\n")
	ew.printf("  interval            = %q\n", cfg.Sync.Interval)
	ew.printf("  debounce            = %q\n", cfg.Sync.Debounce)
	ew.printf("  max_concurrent      = %d\n", cfg.Sync.MaxConcurrent)
	ew.printf("  token_safety_margin = %q\n", cfg.Sync.TokenSafetyMargin)
	ew.printf("  apply_timeout       = %q\n", cfg.Sync.ApplyTimeout)
	ew.printf("  tombstone_retention = %q\n", cfg.Sync.TombstoneRetention)
	ew.printf("  shutdown_timeout    = %q\n\n", cfg.Sync.ShutdownTimeout)

	ew.printf("[retry]\n")
	ew.printf("  backoff_base          = %q\n", cfg.Retry.BackoffBase)
	ew.printf("  backoff_max           = %q\n", cfg.Retry.BackoffMax)
	ew.printf("  max_retries           = %d\n", cfg.Retry.MaxRetries)
	ew.printf("  max_version_conflicts = %d\n\n", cfg.Retry.MaxVersionConflicts)

	ew.printf("[remote]\n")
	ew.printf("  client_id           = %q\n", cfg.Remote.ClientID)
	ew.printf("  client_secret       = %q\n", mask(cfg.Remote.ClientSecret))
	ew.printf("  requests_per_second = %g\n", cfg.Remote.RequestsPerSecond)
	ew.printf("  burst               = %d\n", cfg.Remote.Burst)
	ew.printf("  timeout             = %q\n", cfg.Remote.Timeout)
	ew.printf("  user_agent          = %q\n\n", cfg.Remote.UserAgent)

	ew.printf("[server]\n")
	ew.printf("  listen = %q\n\n", cfg.Server.Listen)

	ew.printf("[logging]\n")
	ew.printf("  log_level          = %q\n", cfg.Logging.LogLevel)
	ew.printf("  log_format         = %q\n", cfg.Logging.LogFormat)
	ew.printf("  log_file           = %q\n", cfg.Logging.LogFile)
	ew.printf("  log_retention_days = %d\n", cfg.Logging.LogRetentionDays)
	ew.printf("  log_max_size_mb    = %d\n", cfg.Logging.LogMaxSizeMB)

	return ew.err
}

func mask(s string) string {
	if s == "" {
		return ""
	}

	return "********"
}

// errWriter wraps an io.Writer and captures the first write error.
// Subsequent writes after an error are no-ops.
type errWriter struct {
	w   io.Writer
	err error
}

func (ew *errWriter) printf(format string, args ...any) {
	if ew.err != nil {
		return
	}

	_, ew.err = fmt.Fprintf(ew.w, format, args...)
}
