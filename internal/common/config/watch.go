package config

import (
	"fmt"
	"sync/atomic"

	"github.com/fsnotify/fsnotify"
	"github.com/spf13/viper"
)

// Watcher holds the live configuration and swaps it atomically when the
// config file changes on disk. Readers take snapshots; a snapshot is
// immutable and stays valid after a reload.
type Watcher struct {
	v       *viper.Viper
	current atomic.Pointer[Config]
	onSwap  func(*Config)
}

// NewWatcher loads configuration from the given path (or default locations
// when empty) and begins watching the config file for changes. A reload that
// fails to parse or validate keeps the previous snapshot.
func NewWatcher(configPath string, onError func(error)) (*Watcher, error) {
	v := newViper(configPath)

	if err := v.ReadInConfig(); err != nil {
		if _, ok := err.(viper.ConfigFileNotFoundError); !ok {
			return nil, fmt.Errorf("error reading config file: %w", err)
		}
	}

	cfg, err := unmarshal(v)
	if err != nil {
		return nil, err
	}

	w := &Watcher{v: v}
	w.current.Store(cfg)

	v.OnConfigChange(func(_ fsnotify.Event) {
		next, err := unmarshal(v)
		if err != nil {
			if onError != nil {
				onError(err)
			}
			return
		}
		w.Swap(next)
	})
	if v.ConfigFileUsed() != "" {
		v.WatchConfig()
	}

	return w, nil
}

// Snapshot returns the current configuration.
func (w *Watcher) Snapshot() *Config {
	return w.current.Load()
}

// Swap replaces the current configuration. Exposed for tests and for
// programmatic overrides; file reloads go through the same path.
func (w *Watcher) Swap(cfg *Config) {
	w.current.Store(cfg)
	if w.onSwap != nil {
		w.onSwap(cfg)
	}
}

// OnSwap registers a callback invoked after each successful swap.
// Must be set before the watcher can receive file events.
func (w *Watcher) OnSwap(fn func(*Config)) {
	w.onSwap = fn
}
