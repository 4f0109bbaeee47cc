// Package handles persists named directory capabilities and re-validates
// access to them on every use.
package handles

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"sync"
	"time"

	_ "modernc.org/sqlite"
)

// Well-known handle names.
const (
	Source = "source"
	Output = "output"
)

var (
	ErrMissingHandle        = errors.New("missing-handles")
	ErrPermissionLost       = errors.New("permission-lost")
	ErrIterationUnsupported = errors.New("iteration-unsupported")
)

// Handle is a persisted directory capability.
type Handle struct {
	Name      string    `json:"name"`
	Path      string    `json:"path"`
	GrantedAt time.Time `json:"granted_at"`
}

// Store keeps handles in a SQLite table.
type Store struct {
	mu sync.RWMutex
	db *sql.DB
}

// OpenStore opens (or creates) the handle database at path.
// Use ":memory:" for an in-memory database.
func OpenStore(path string) (*Store, error) {
	if path != ":memory:" {
		if err := os.MkdirAll(filepath.Dir(path), 0o755); err != nil {
			return nil, fmt.Errorf("create handle dir: %w", err)
		}
	}

	db, err := sql.Open("sqlite", path)
	if err != nil {
		return nil, fmt.Errorf("open sqlite %q: %w", path, err)
	}
	// A single connection keeps ":memory:" databases coherent.
	db.SetMaxOpenConns(1)

	schema := `
	CREATE TABLE IF NOT EXISTS handles (
		name       TEXT PRIMARY KEY,
		path       TEXT NOT NULL,
		granted_at TEXT NOT NULL
	);`
	if _, err := db.Exec(schema); err != nil {
		db.Close()
		return nil, fmt.Errorf("create schema: %w", err)
	}

	return &Store{db: db}, nil
}

// Close closes the database.
func (s *Store) Close() error {
	return s.db.Close()
}

// Set grants (or replaces) the handle name with an absolute directory path.
func (s *Store) Set(ctx context.Context, name, path string) error {
	abs, err := filepath.Abs(path)
	if err != nil {
		return fmt.Errorf("resolve %q: %w", path, err)
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	now := time.Now().UTC().Format(time.RFC3339)
	_, err = s.db.ExecContext(ctx, `
		INSERT INTO handles (name, path, granted_at) VALUES (?, ?, ?)
		ON CONFLICT(name) DO UPDATE SET path = excluded.path, granted_at = excluded.granted_at`,
		name, abs, now,
	)
	if err != nil {
		return fmt.Errorf("set handle %q: %w", name, err)
	}
	return nil
}

// Get returns the handle, or ErrMissingHandle.
func (s *Store) Get(ctx context.Context, name string) (*Handle, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	var path, grantedAt string
	err := s.db.QueryRowContext(ctx,
		"SELECT path, granted_at FROM handles WHERE name = ?", name,
	).Scan(&path, &grantedAt)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, fmt.Errorf("%s: %w", name, ErrMissingHandle)
	}
	if err != nil {
		return nil, fmt.Errorf("get handle %q: %w", name, err)
	}

	h := &Handle{Name: name, Path: path}
	h.GrantedAt, _ = time.Parse(time.RFC3339, grantedAt)
	return h, nil
}

// List returns all handles ordered by name.
func (s *Store) List(ctx context.Context) ([]Handle, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	rows, err := s.db.QueryContext(ctx, "SELECT name, path, granted_at FROM handles ORDER BY name")
	if err != nil {
		return nil, fmt.Errorf("list handles: %w", err)
	}
	defer rows.Close()

	var out []Handle
	for rows.Next() {
		var h Handle
		var grantedAt string
		if err := rows.Scan(&h.Name, &h.Path, &grantedAt); err != nil {
			return nil, fmt.Errorf("scan handle: %w", err)
		}
		h.GrantedAt, _ = time.Parse(time.RFC3339, grantedAt)
		out = append(out, h)
	}
	return out, rows.Err()
}

// Delete removes the handle. Deleting an absent handle is not an error.
func (s *Store) Delete(ctx context.Context, name string) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if _, err := s.db.ExecContext(ctx, "DELETE FROM handles WHERE name = ?", name); err != nil {
		return fmt.Errorf("delete handle %q: %w", name, err)
	}
	return nil
}

// Open resolves the handle and re-validates read/write access to it.
func (s *Store) Open(ctx context.Context, name string) (Dir, error) {
	h, err := s.Get(ctx, name)
	if err != nil {
		return nil, err
	}
	return OpenDir(h.Path)
}
