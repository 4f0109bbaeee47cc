package config

import (
	"crypto/sha256"
	"fmt"
	"log/slog"
	"os"
	"sync"
	"sync/atomic"
)

// Reloader re-reads the config at run boundaries. A reload whose .env and
// config bytes match the previous load keeps the current *Config and does not
// notify listeners.
type Reloader struct {
	configPath string
	dotenvPath string
	current    atomic.Pointer[Config]

	mu        sync.Mutex // serializes reload
	stamp     [sha256.Size]byte
	loaded    bool
	overrides []func(*Config)
	listeners []func(*Config)
}

// NewReloader creates a Reloader serving initial until the first Reload.
func NewReloader(configPath, dotenvPath string, initial *Config) *Reloader {
	r := &Reloader{
		configPath: configPath,
		dotenvPath: dotenvPath,
	}
	r.current.Store(initial)
	return r
}

// Current returns the config in effect.
func (r *Reloader) Current() *Config {
	return r.current.Load()
}

// Override registers a function applied to the current config and to every
// reloaded one, so command-line flags keep precedence over the file.
func (r *Reloader) Override(fn func(*Config)) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.overrides = append(r.overrides, fn)

	next := *r.current.Load()
	fn(&next)
	r.current.Store(&next)
}

// OnReload registers a callback invoked with each newly loaded config.
func (r *Reloader) OnReload(fn func(*Config)) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.listeners = append(r.listeners, fn)
}

// Reload re-reads the .env file and the config when either changed, then
// notifies listeners. With no config path the current config is kept.
func (r *Reloader) Reload() error {
	r.mu.Lock()
	defer r.mu.Unlock()

	if r.configPath == "" {
		return nil
	}

	stamp := fingerprint(r.dotenvPath, r.configPath)
	if r.loaded && stamp == r.stamp {
		return nil
	}

	if err := ReloadDotenv(r.dotenvPath); err != nil {
		return fmt.Errorf("reload dotenv: %w", err)
	}
	cfg, err := LoadOrDefault(r.configPath)
	if err != nil {
		return fmt.Errorf("reload config: %w", err)
	}
	for _, fn := range r.overrides {
		fn(cfg)
	}

	r.current.Store(cfg)
	r.stamp = stamp
	r.loaded = true
	slog.Debug("config reloaded", "path", r.configPath)

	for _, fn := range r.listeners {
		fn(cfg)
	}
	return nil
}

// fingerprint hashes the contents of paths; unreadable files hash as empty.
func fingerprint(paths ...string) [sha256.Size]byte {
	h := sha256.New()
	for _, p := range paths {
		data, _ := os.ReadFile(p)
		fmt.Fprintf(h, "%s:%d:", p, len(data))
		h.Write(data)
	}
	var out [sha256.Size]byte
	copy(out[:], h.Sum(nil))
	return out
}
