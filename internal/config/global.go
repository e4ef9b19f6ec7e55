package config

import "sync/atomic"

var cfg atomic.Value

// Init installs the default configuration as the process-wide instance.
// Must be called once before Load.
func Init() error {
	c, err := defaultConfig()
	if err != nil {
		return err
	}
	cfg.Store(&c)
	return nil
}

// Load returns the current config. Callers must treat it as read-only.
func Load() *Config {
	return cfg.Load().(*Config)
}

// Update applies mut to a copy of the current config and atomically swaps
// it in.
func Update(mut func(*Config)) *Config {
	curr := Load()
	next := *curr
	mut(&next)
	cfg.Store(&next)
	return &next
}
