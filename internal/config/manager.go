package config

import (
	"fmt"
	"sync"
)

// Manager provides thread-safe access to live configuration. Writers
// publish whole snapshots; readers never observe partial mutations.
type Manager struct {
	mu  sync.RWMutex
	cfg *Config
}

// NewManager constructs a manager with an initial config.
func NewManager(initial *Config) *Manager {
	return &Manager{cfg: initial}
}

// LoadManager loads config from path and wraps it in a manager.
func LoadManager(path string) (*Manager, error) {
	cfg, err := Load(path)
	if err != nil {
		return nil, err
	}
	return NewManager(cfg), nil
}

// Get returns the current config snapshot under a shared lock.
func (m *Manager) Get() *Config {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return m.cfg
}

// Set swaps in a new config snapshot under an exclusive lock.
func (m *Manager) Set(cfg *Config) {
	m.mu.Lock()
	m.cfg = cfg
	m.mu.Unlock()
}

// Reload loads config from path, rejects changes that require a process
// restart, and atomically swaps the snapshot into place.
func (m *Manager) Reload(path string) error {
	if path == "" {
		return fmt.Errorf("config reload path is required")
	}

	loaded, err := Load(path)
	if err != nil {
		return err
	}

	if err := validateReload(m.Get(), loaded); err != nil {
		return err
	}

	m.Set(loaded)
	return nil
}

// validateReload rejects reloads that change settings bound at startup.
func validateReload(oldCfg, newCfg *Config) error {
	if oldCfg == nil || newCfg == nil {
		return fmt.Errorf("invalid config state during reload")
	}
	if oldCfg.General.StateDB != newCfg.General.StateDB {
		return fmt.Errorf("state_db changed (%q -> %q) and requires restart", oldCfg.General.StateDB, newCfg.General.StateDB)
	}
	if oldCfg.Memory.DB != newCfg.Memory.DB {
		return fmt.Errorf("memory.db changed (%q -> %q) and requires restart", oldCfg.Memory.DB, newCfg.Memory.DB)
	}
	if oldCfg.Embedding.Dimensions != newCfg.Embedding.Dimensions {
		return fmt.Errorf("embedding.dimensions changed (%d -> %d) and requires restart", oldCfg.Embedding.Dimensions, newCfg.Embedding.Dimensions)
	}
	if oldCfg.API.Bind != newCfg.API.Bind {
		return fmt.Errorf("api.bind changed (%q -> %q) and requires restart", oldCfg.API.Bind, newCfg.API.Bind)
	}
	return nil
}
