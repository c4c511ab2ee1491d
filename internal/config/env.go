package config

import "os"

// Environment variable names for overrides.
const (
	EnvConfig = "TASKSYNC_CONFIG"
	EnvDB     = "TASKSYNC_DB"
	EnvListen = "TASKSYNC_LISTEN"
)

// EnvOverrides holds values derived from environment variables.
type EnvOverrides struct {
	ConfigPath string // TASKSYNC_CONFIG: override config file path
	DBPath     string // TASKSYNC_DB: database path override
	Listen     string // TASKSYNC_LISTEN: HTTP listen address override
}

// ReadEnvOverrides reads environment variables and returns any overrides found.
// This does not modify the Config; Resolve applies the relevant fields.
func ReadEnvOverrides() EnvOverrides {
	return EnvOverrides{
		ConfigPath: os.Getenv(EnvConfig),
		DBPath:     os.Getenv(EnvDB),
		Listen:     os.Getenv(EnvListen),
	}
}
