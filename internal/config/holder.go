package config

import (
	"fmt"
	"log/slog"
	"sync"
)

// Holder provides thread-safe access to a mutable *Config and an immutable
// config file path. The watch loop reads through a shared Holder, so a
// reload updates config in exactly one place.
type Holder struct {
	mu   sync.RWMutex
	cfg  *Config
	path string // immutable after construction
}

// NewHolder creates a Holder with the initial config and config file path.
func NewHolder(cfg *Config, path string) *Holder {
	return &Holder{
		cfg:  cfg,
		path: path,
	}
}

// Config returns the current config snapshot.
func (h *Holder) Config() *Config {
	h.mu.RLock()
	defer h.mu.RUnlock()

	return h.cfg
}

// Path returns the config file path.
func (h *Holder) Path() string {
	return h.path
}

// Update replaces the config.
func (h *Holder) Update(cfg *Config) {
	h.mu.Lock()
	defer h.mu.Unlock()

	h.cfg = cfg
}

// Reload re-reads the config file and swaps in the tunables that can change
// at runtime: [sync], [logging] and cloud.enabled. Identity and backend
// selection stay fixed for the life of the process. On error the current
// config is kept.
func (h *Holder) Reload(logger *slog.Logger) (*Config, error) {
	fresh, err := LoadOrDefault(h.path, logger)
	if err != nil {
		return h.Config(), fmt.Errorf("reloading %s: %w", h.path, err)
	}

	h.mu.Lock()
	defer h.mu.Unlock()

	next := *h.cfg
	next.Sync = fresh.Sync
	next.Logging = fresh.Logging
	next.Cloud.Enabled = fresh.Cloud.Enabled
	next.Logging.LogFile = expandTilde(next.Logging.LogFile)
	h.cfg = &next

	return h.cfg, nil
}
