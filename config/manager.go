package config

import (
	"log/slog"
	"os"
	"sync"
	"sync/atomic"

	"gopkg.in/yaml.v3"

	"github.com/harrisyn/LabAnalyzer/errors"
)

// LoadFile reads, normalizes, and validates a YAML configuration file
func LoadFile(path string) (*Config, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, errors.Wrap(err, "config", "LoadFile", "read file")
	}

	cfg := DefaultConfig()
	// The file overrides defaults field by field; the single-port defaults
	// are cleared first so a listeners-only file doesn't inherit port 5000
	cfg.Port = 0
	cfg.AnalyzerType = ""
	cfg.Protocol = ""
	if err := yaml.Unmarshal(data, cfg); err != nil {
		return nil, errors.WrapInvalid(err, "config", "LoadFile", "parse yaml")
	}

	cfg.Normalize()
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return cfg, nil
}

// WriteFile persists a configuration as YAML
func WriteFile(path string, cfg *Config) error {
	data, err := yaml.Marshal(cfg)
	if err != nil {
		return errors.Wrap(err, "config", "WriteFile", "marshal yaml")
	}
	if err := os.WriteFile(path, data, 0o640); err != nil {
		return errors.Wrap(err, "config", "WriteFile", "write file")
	}
	return nil
}

// Manager holds the current configuration snapshot and replaces it
// atomically on reload. Subscribers are notified with the new snapshot;
// they must treat it as immutable.
type Manager struct {
	path    string
	logger  *slog.Logger
	current atomic.Pointer[Config]

	mu          sync.Mutex
	subscribers []func(*Config)
}

// NewManager loads the file at path and returns a manager holding it
func NewManager(path string, logger *slog.Logger) (*Manager, error) {
	cfg, err := LoadFile(path)
	if err != nil {
		return nil, err
	}
	if logger == nil {
		logger = slog.Default()
	}

	m := &Manager{path: path, logger: logger}
	m.current.Store(cfg)
	return m, nil
}

// NewManagerWith wraps an already validated configuration that has no
// backing file; Reload on such a manager returns an error
func NewManagerWith(cfg *Config, logger *slog.Logger) *Manager {
	if logger == nil {
		logger = slog.Default()
	}
	m := &Manager{logger: logger}
	m.current.Store(cfg)
	return m
}

// Get returns the current snapshot
func (m *Manager) Get() *Config {
	return m.current.Load()
}

// Subscribe registers a callback invoked after every successful reload
func (m *Manager) Subscribe(fn func(*Config)) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.subscribers = append(m.subscribers, fn)
}

// Reload re-reads the file, validates it, and swaps the snapshot. On any
// error the previous snapshot stays in effect.
func (m *Manager) Reload() error {
	if m.path == "" {
		return errors.Wrap(errors.ErrMissingConfig, "config", "Reload", "no backing file")
	}

	cfg, err := LoadFile(m.path)
	if err != nil {
		m.logger.Error("Config reload rejected, keeping previous snapshot", "error", err)
		return err
	}

	m.current.Store(cfg)
	m.logger.Info("Configuration reloaded", "listeners", len(cfg.Listeners))

	m.mu.Lock()
	subs := make([]func(*Config), len(m.subscribers))
	copy(subs, m.subscribers)
	m.mu.Unlock()

	for _, fn := range subs {
		fn(cfg)
	}
	return nil
}
