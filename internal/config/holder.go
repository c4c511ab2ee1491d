package config

import "sync"

// Holder is the running server's config. "serve" builds one at startup and
// swaps its contents on SIGHUP; the scheduler and the shutdown path read
// the current snapshot. The file path never changes.
type Holder struct {
	mu   sync.RWMutex
	cfg  *Config
	path string
}

// NewHolder wraps the resolved startup config and the file it came from.
func NewHolder(cfg *Config, path string) *Holder {
	return &Holder{
		cfg:  cfg,
		path: path,
	}
}

// Config returns the current snapshot. Callers must not modify it.
func (h *Holder) Config() *Config {
	h.mu.RLock()
	defer h.mu.RUnlock()

	return h.cfg
}

// Path returns the config file the holder reloads from.
func (h *Holder) Path() string {
	return h.path
}

// Update replaces the snapshot wholesale.
func (h *Holder) Update(cfg *Config) {
	h.mu.Lock()
	defer h.mu.Unlock()

	h.cfg = cfg
}

// Reload re-reads the config file and swaps it in. Storage and server
// settings are bound for the life of the process, so they are carried over
// from the running config whatever the file now says. On error the running
// config is kept.
func (h *Holder) Reload() (*Config, error) {
	next, err := LoadOrDefault(h.path)
	if err != nil {
		return nil, err
	}

	h.mu.Lock()
	defer h.mu.Unlock()

	next.Storage = h.cfg.Storage
	next.Server = h.cfg.Server
	h.cfg = next

	return next, nil
}
