package config

import (
	"os"
	"path/filepath"
	"testing"
)

func TestWatcherFallsBackToDefaults(t *testing.T) {
	w, err := NewWatcher(t.TempDir(), nil)
	if err != nil {
		t.Fatalf("NewWatcher: %v", err)
	}

	cfg := w.Snapshot()
	if cfg.Server.Port != 8080 {
		t.Errorf("expected default port 8080, got %d", cfg.Server.Port)
	}
	if cfg.Database.Driver != "sqlite" {
		t.Errorf("expected default sqlite driver, got %s", cfg.Database.Driver)
	}
	if cfg.Dispatcher.ResultCacheSize != 1024 {
		t.Errorf("expected default result cache size, got %d", cfg.Dispatcher.ResultCacheSize)
	}
}

func TestWatcherReadsConfigFile(t *testing.T) {
	dir := t.TempDir()
	raw := []byte(`
server:
  port: 9090
commandPolicies:
  commands:
    write_episode:
      maxAttempts: 4
      retryDelayBaseSeconds: 2
      exponentialBackoff: true
`)
	if err := os.WriteFile(filepath.Join(dir, "config.yaml"), raw, 0o644); err != nil {
		t.Fatalf("write config: %v", err)
	}

	w, err := NewWatcher(dir, nil)
	if err != nil {
		t.Fatalf("NewWatcher: %v", err)
	}

	cfg := w.Snapshot()
	if cfg.Server.Port != 9090 {
		t.Errorf("expected port 9090, got %d", cfg.Server.Port)
	}
	pc, ok := cfg.CommandPolicies.Commands["write_episode"]
	if !ok {
		t.Fatalf("expected write_episode policy, have %v", cfg.CommandPolicies.Commands)
	}
	if pc.MaxAttempts != 4 || !pc.ExponentialBackoff {
		t.Errorf("unexpected policy: %+v", pc)
	}
}

func TestWatcherSwapReplacesSnapshot(t *testing.T) {
	w, err := NewWatcher(t.TempDir(), nil)
	if err != nil {
		t.Fatalf("NewWatcher: %v", err)
	}

	var swapped *Config
	w.OnSwap(func(cfg *Config) { swapped = cfg })

	next := &Config{}
	next.Server.Port = 9999
	w.Swap(next)

	if got := w.Snapshot(); got != next {
		t.Errorf("Snapshot() = %p, want swapped config %p", got, next)
	}
	if swapped != next {
		t.Error("OnSwap callback did not receive the new config")
	}
}
