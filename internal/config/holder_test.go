package config

import (
	"os"
	"path/filepath"
	"sync"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestNewHolder(t *testing.T) {
	cfg := DefaultConfig()
	h := NewHolder(cfg, "/etc/tasksync/config.toml")

	require.NotNil(t, h)
	assert.Equal(t, cfg, h.Config())
	assert.Equal(t, "/etc/tasksync/config.toml", h.Path())
}

func TestHolder_Update(t *testing.T) {
	cfg1 := DefaultConfig()
	h := NewHolder(cfg1, "/tmp/config.toml")

	cfg2 := DefaultConfig()
	cfg2.Sync.Interval = "10m"

	h.Update(cfg2)

	got := h.Config()
	assert.Equal(t, cfg2, got)
	assert.NotEqual(t, cfg1, got)
}

func TestHolder_ConcurrentReadWrite(t *testing.T) {
	h := NewHolder(DefaultConfig(), "/tmp/config.toml")

	var wg sync.WaitGroup

	for range 20 {
		wg.Add(1)

		go func() {
			defer wg.Done()

			for range 100 {
				assert.NotNil(t, h.Config())
			}
		}()
	}

	for range 5 {
		wg.Add(1)

		go func() {
			defer wg.Done()

			for range 50 {
				h.Update(DefaultConfig())
			}
		}()
	}

	wg.Wait()
}

func TestHolder_ReloadKeepsProcessBoundSettings(t *testing.T) {
	path := filepath.Join(t.TempDir(), "config.toml")

	start := DefaultConfig()
	start.Storage.DBPath = "/var/lib/tasksync/tasksync.db"
	start.Server.Listen = "127.0.0.1:9000"
	h := NewHolder(start, path)

	require.NoError(t, os.WriteFile(path, []byte(`
[storage]
db_path = "/elsewhere.db"

[server]
listen = "0.0.0.0:1"

[sync]
interval = "10m"
`), 0o600))

	next, err := h.Reload()
	require.NoError(t, err)

	assert.Same(t, next, h.Config())
	assert.Equal(t, "10m", next.Sync.Interval)
	assert.Equal(t, "/var/lib/tasksync/tasksync.db", next.Storage.DBPath)
	assert.Equal(t, "127.0.0.1:9000", next.Server.Listen)
}

func TestHolder_ReloadInvalidKeepsCurrent(t *testing.T) {
	path := filepath.Join(t.TempDir(), "config.toml")
	start := DefaultConfig()
	h := NewHolder(start, path)

	require.NoError(t, os.WriteFile(path, []byte("[sync]\nintervall = \"1m\"\n"), 0o600))

	_, err := h.Reload()
	require.Error(t, err)
	assert.Same(t, start, h.Config())
}

func TestHolder_ReloadMissingFileUsesDefaults(t *testing.T) {
	start := DefaultConfig()
	start.Sync.Interval = "1h"
	start.Storage.DBPath = "/db"
	h := NewHolder(start, filepath.Join(t.TempDir(), "absent.toml"))

	next, err := h.Reload()
	require.NoError(t, err)
	assert.Equal(t, DefaultConfig().Sync.Interval, next.Sync.Interval)
	assert.Equal(t, "/db", next.Storage.DBPath)
}
