// Package dirstore keeps one directory per record: a meta.json snapshot plus
// append-only JSONL logs next to it.
package dirstore

import (
	"bufio"
	"encoding/json"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"sync"
)

const metaFile = "meta.json"

// ErrNotFound is returned when a record has no meta.json.
var ErrNotFound = errors.New("not found")

// Store persists records of type T under baseDir/<id>/meta.json.
type Store[T any] struct {
	mu      sync.RWMutex
	baseDir string
	kind    string // used in error messages
}

// New creates a Store rooted at baseDir. kind names the record type in errors.
func New[T any](baseDir, kind string) *Store[T] {
	return &Store[T]{baseDir: baseDir, kind: kind}
}

func (s *Store[T]) path(id string, name ...string) string {
	return filepath.Join(append([]string{s.baseDir, id}, name...)...)
}

// Put writes rec as the current snapshot of id, creating its directory.
func (s *Store[T]) Put(id string, rec *T) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if err := os.MkdirAll(s.path(id), 0o755); err != nil {
		return fmt.Errorf("create %s dir: %w", s.kind, err)
	}
	data, err := json.MarshalIndent(rec, "", "  ")
	if err != nil {
		return fmt.Errorf("marshal %s: %w", s.kind, err)
	}
	return writeAtomic(s.path(id, metaFile), data)
}

// Get reads the snapshot of id. A missing record yields ErrNotFound.
func (s *Store[T]) Get(id string) (*T, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.read(id)
}

func (s *Store[T]) read(id string) (*T, error) {
	data, err := os.ReadFile(s.path(id, metaFile))
	if err != nil {
		if os.IsNotExist(err) {
			return nil, fmt.Errorf("%s %s: %w", s.kind, id, ErrNotFound)
		}
		return nil, fmt.Errorf("read %s: %w", s.kind, err)
	}
	var rec T
	if err := json.Unmarshal(data, &rec); err != nil {
		return nil, fmt.Errorf("unmarshal %s %s: %w", s.kind, id, err)
	}
	return &rec, nil
}

// All reads every readable record. Directories without a valid meta.json are
// skipped. Order is unspecified.
func (s *Store[T]) All() ([]*T, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	entries, err := os.ReadDir(s.baseDir)
	if err != nil {
		if os.IsNotExist(err) {
			return nil, nil
		}
		return nil, fmt.Errorf("list %ss: %w", s.kind, err)
	}

	var out []*T
	for _, entry := range entries {
		if !entry.IsDir() {
			continue
		}
		rec, err := s.read(entry.Name())
		if err != nil {
			continue
		}
		out = append(out, rec)
	}
	return out, nil
}

// Append adds v as one JSON line to the named log of id.
func (s *Store[T]) Append(id, log string, v any) error {
	line, err := json.Marshal(v)
	if err != nil {
		return fmt.Errorf("marshal %s line: %w", log, err)
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	if err := os.MkdirAll(s.path(id), 0o755); err != nil {
		return fmt.Errorf("create %s dir: %w", s.kind, err)
	}
	f, err := os.OpenFile(s.path(id, log), os.O_APPEND|os.O_CREATE|os.O_WRONLY, 0o644)
	if err != nil {
		return fmt.Errorf("open %s: %w", log, err)
	}
	defer f.Close()

	if _, err := f.Write(append(line, '\n')); err != nil {
		return fmt.Errorf("write %s: %w", log, err)
	}
	return nil
}

// Lines decodes every line of the named log of id into L. Corrupted lines are
// skipped; a missing log is empty.
func Lines[L, T any](s *Store[T], id, log string) ([]L, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	f, err := os.Open(s.path(id, log))
	if err != nil {
		if os.IsNotExist(err) {
			return nil, nil
		}
		return nil, fmt.Errorf("open %s: %w", log, err)
	}
	defer f.Close()

	var items []L
	scanner := bufio.NewScanner(f)
	scanner.Buffer(make([]byte, 0, 64*1024), 4*1024*1024)
	for scanner.Scan() {
		line := scanner.Bytes()
		if len(line) == 0 {
			continue
		}
		var item L
		if err := json.Unmarshal(line, &item); err != nil {
			continue
		}
		items = append(items, item)
	}
	if err := scanner.Err(); err != nil {
		return nil, fmt.Errorf("scan %s: %w", log, err)
	}
	return items, nil
}

func writeAtomic(path string, data []byte) error {
	tmp := path + ".tmp"
	if err := os.WriteFile(tmp, data, 0o644); err != nil {
		return fmt.Errorf("write %s: %w", filepath.Base(tmp), err)
	}
	if err := os.Rename(tmp, path); err != nil {
		return fmt.Errorf("rename %s: %w", filepath.Base(path), err)
	}
	return nil
}
