package config

import (
	"os"
	"path/filepath"
	"runtime"
)

// Platform identifiers.
const (
	platformLinux  = "linux"
	platformDarwin = "darwin"
)

const (
	appName        = "tasksync"
	configFileName = "config.toml"

	// dbFileName is created under the data directory when storage.db_path
	// is not set.
	dbFileName = "tasksync.db"

	// pidFileName sits next to the database while "serve" runs, so "reload"
	// and "status" find the server for whichever database they point at.
	pidFileName = "tasksync.pid"
)

// baseDir is one XDG base directory: the variable that overrides it on
// Linux and its location under $HOME otherwise.
type baseDir struct {
	env      string
	fallback []string
}

var (
	configBase = baseDir{env: "XDG_CONFIG_HOME", fallback: []string{".config"}}
	dataBase   = baseDir{env: "XDG_DATA_HOME", fallback: []string{".local", "share"}}
)

// under returns the tasksync directory inside b for the given home.
func (b baseDir) under(home string) string {
	if xdg := os.Getenv(b.env); xdg != "" {
		return filepath.Join(xdg, appName)
	}

	return b.inHome(home)
}

func (b baseDir) inHome(home string) string {
	return filepath.Join(append(append([]string{home}, b.fallback...), appName)...)
}

// resolve picks the platform location. On macOS config and data share
// ~/Library/Application Support/tasksync. XDG variables apply only on Linux.
func (b baseDir) resolve() string {
	home, err := os.UserHomeDir()
	if err != nil {
		return ""
	}

	switch runtime.GOOS {
	case platformLinux:
		return b.under(home)
	case platformDarwin:
		return filepath.Join(home, "Library", "Application Support", appName)
	default:
		return b.inHome(home)
	}
}

// DefaultConfigDir is where config.toml lives when neither TASKSYNC_CONFIG
// nor --config names a file. Empty when the home directory is unknown.
func DefaultConfigDir() string {
	return configBase.resolve()
}

// DefaultDataDir holds the SQLite database, and with it the PID file, when
// storage.db_path is unset. Empty when the home directory is unknown.
func DefaultDataDir() string {
	return dataBase.resolve()
}

// DefaultConfigPath is the config file Resolve reads when no path is given.
func DefaultConfigPath() string {
	dir := DefaultConfigDir()
	if dir == "" {
		return ""
	}

	return filepath.Join(dir, configFileName)
}

// DefaultDBPath is the database used when storage.db_path is unset.
func DefaultDBPath() string {
	return filepath.Join(DefaultDataDir(), dbFileName)
}

// PIDPath returns the serve lock file for the database at dbPath. Two
// servers on different databases never share a lock.
func PIDPath(dbPath string) string {
	return filepath.Join(filepath.Dir(dbPath), pidFileName)
}
