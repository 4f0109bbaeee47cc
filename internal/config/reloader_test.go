package config

import (
	"os"
	"path/filepath"
	"sync/atomic"
	"testing"
	"time"
)

func TestReloader_Current(t *testing.T) {
	cfg := Default()
	cfg.Gateway.Port = 9999

	r := NewReloader("", "", cfg)
	if got := r.Current(); got.Gateway.Port != 9999 {
		t.Errorf("Current().Gateway.Port = %d, want 9999", got.Gateway.Port)
	}
}

func TestReloader_Reload(t *testing.T) {
	dir := t.TempDir()
	dotenvPath := filepath.Join(dir, ".env")
	configPath := filepath.Join(dir, "config.jsonc")

	t.Setenv("GENBATCH_RELOAD_VAR", "")

	if err := os.WriteFile(dotenvPath, []byte("GENBATCH_RELOAD_VAR=initial\n"), 0o600); err != nil {
		t.Fatal(err)
	}
	if err := os.WriteFile(configPath, []byte(`{"run": {"task_interval": 5}}`), 0o644); err != nil {
		t.Fatal(err)
	}

	initial := Default()
	r := NewReloader(configPath, dotenvPath, initial)

	var callCount atomic.Int32
	r.OnReload(func(cfg *Config) {
		callCount.Add(1)
	})

	// Change both files between boundaries.
	if err := os.WriteFile(dotenvPath, []byte("GENBATCH_RELOAD_VAR=reloaded\n"), 0o600); err != nil {
		t.Fatal(err)
	}
	if err := os.WriteFile(configPath, []byte(`{"run": {"task_interval": 12}}`), 0o644); err != nil {
		t.Fatal(err)
	}

	if err := r.Reload(); err != nil {
		t.Fatalf("Reload: %v", err)
	}

	if os.Getenv("GENBATCH_RELOAD_VAR") != "reloaded" {
		t.Errorf("GENBATCH_RELOAD_VAR = %q, want 'reloaded'", os.Getenv("GENBATCH_RELOAD_VAR"))
	}
	if callCount.Load() != 1 {
		t.Errorf("listener called %d times, want 1", callCount.Load())
	}

	got := r.Current()
	if got == initial {
		t.Fatal("Current() still returns initial config after reload")
	}
	if got.Run.TaskInterval.Duration() != 12*time.Second {
		t.Errorf("task_interval = %v, want 12s", got.Run.TaskInterval.Duration())
	}
}

func TestReloader_OverrideSurvivesReload(t *testing.T) {
	dir := t.TempDir()
	configPath := filepath.Join(dir, "config.jsonc")
	if err := os.WriteFile(configPath, []byte(`{}`), 0o644); err != nil {
		t.Fatal(err)
	}

	r := NewReloader(configPath, filepath.Join(dir, ".env"), Default())
	r.Override(func(cfg *Config) {
		cfg.Run.LockedURL = "https://gemini.google.com/app/pinned"
	})

	if err := r.Reload(); err != nil {
		t.Fatalf("Reload: %v", err)
	}
	if got := r.Current().Run.LockedURL; got != "https://gemini.google.com/app/pinned" {
		t.Errorf("LockedURL = %q, want override", got)
	}
}

func TestReloader_ReloadMissingFiles(t *testing.T) {
	dir := t.TempDir()
	r := NewReloader(filepath.Join(dir, "config.jsonc"), filepath.Join(dir, ".env"), Default())

	if err := r.Reload(); err != nil {
		t.Fatalf("Reload with missing files: %v", err)
	}
	if r.Current().Run.MaxRetries != 3 {
		t.Errorf("expected defaults after reload, got %+v", r.Current().Run)
	}
}

func TestReloader_UnchangedFilesKeepConfig(t *testing.T) {
	dir := t.TempDir()
	configPath := filepath.Join(dir, "config.jsonc")
	if err := os.WriteFile(configPath, []byte(`{"run": {"max_retries": 5}}`), 0o644); err != nil {
		t.Fatal(err)
	}

	r := NewReloader(configPath, filepath.Join(dir, ".env"), Default())
	var calls atomic.Int32
	r.OnReload(func(*Config) { calls.Add(1) })

	if err := r.Reload(); err != nil {
		t.Fatalf("Reload: %v", err)
	}
	first := r.Current()
	if first.Run.MaxRetries != 5 {
		t.Fatalf("max_retries = %d, want 5", first.Run.MaxRetries)
	}

	if err := r.Reload(); err != nil {
		t.Fatalf("second Reload: %v", err)
	}
	if r.Current() != first {
		t.Error("unchanged files should keep the current config")
	}
	if calls.Load() != 1 {
		t.Errorf("listener called %d times, want 1", calls.Load())
	}

	if err := os.WriteFile(configPath, []byte(`{"run": {"max_retries": 7}}`), 0o644); err != nil {
		t.Fatal(err)
	}
	if err := r.Reload(); err != nil {
		t.Fatalf("third Reload: %v", err)
	}
	if r.Current().Run.MaxRetries != 7 || calls.Load() != 2 {
		t.Errorf("max_retries = %d, calls = %d; want 7, 2", r.Current().Run.MaxRetries, calls.Load())
	}
}

func TestReloader_OverrideAppliesImmediately(t *testing.T) {
	initial := Default()
	r := NewReloader("", "", initial)
	r.Override(func(cfg *Config) { cfg.Browser.Headless = true })

	if !r.Current().Browser.Headless {
		t.Error("override not applied to current config")
	}
	if initial.Browser.Headless {
		t.Error("override mutated the initial config")
	}
}
