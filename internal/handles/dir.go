package handles

import (
	"errors"
	"fmt"
	"io/fs"
	"os"
	"path/filepath"
	"sort"
	"syscall"
)

// Dir is a validated directory capability.
type Dir interface {
	// Names lists regular file names in the directory.
	Names() ([]string, error)
	Size(name string) (int64, error)
	ReadFile(name string) ([]byte, error)
	// WriteFile creates or overwrites name atomically.
	WriteFile(name string, data []byte) error
	Remove(name string) error
	Path() string
}

// OSDir is a Dir on the local file system.
type OSDir struct {
	path string
}

// OpenDir validates path and returns it as a Dir.
func OpenDir(path string) (*OSDir, error) {
	info, err := os.Stat(path)
	if err != nil {
		return nil, fmt.Errorf("%s: %w", path, ErrPermissionLost)
	}
	if !info.IsDir() {
		return nil, fmt.Errorf("%s is not a directory: %w", path, ErrIterationUnsupported)
	}

	if _, err := os.ReadDir(path); err != nil {
		if errors.Is(err, fs.ErrPermission) {
			return nil, fmt.Errorf("%s: %w", path, ErrPermissionLost)
		}
		return nil, fmt.Errorf("%s: %v: %w", path, err, ErrIterationUnsupported)
	}

	probe, err := os.CreateTemp(path, ".genbatch-probe-*")
	if err != nil {
		return nil, fmt.Errorf("%s not writable: %w", path, ErrPermissionLost)
	}
	probe.Close()
	_ = os.Remove(probe.Name())

	return &OSDir{path: path}, nil
}

// Path returns the directory path.
func (d *OSDir) Path() string { return d.path }

// Names lists regular file names, sorted.
func (d *OSDir) Names() ([]string, error) {
	entries, err := os.ReadDir(d.path)
	if err != nil {
		return nil, classify(d.path, err)
	}
	names := make([]string, 0, len(entries))
	for _, e := range entries {
		if e.Type().IsRegular() {
			names = append(names, e.Name())
		}
	}
	sort.Strings(names)
	return names, nil
}

// Size returns the current size of name.
func (d *OSDir) Size(name string) (int64, error) {
	info, err := os.Stat(d.join(name))
	if err != nil {
		return 0, err
	}
	return info.Size(), nil
}

// ReadFile reads name.
func (d *OSDir) ReadFile(name string) ([]byte, error) {
	return os.ReadFile(d.join(name))
}

// WriteFile writes name through a temp file + rename.
func (d *OSDir) WriteFile(name string, data []byte) error {
	path := d.join(name)
	tmp, err := os.CreateTemp(d.path, "."+filepath.Base(name)+".tmp-*")
	if err != nil {
		return classify(d.path, err)
	}
	tmpName := tmp.Name()

	if _, err := tmp.Write(data); err != nil {
		tmp.Close()
		os.Remove(tmpName)
		return fmt.Errorf("write %s: %w", name, err)
	}
	if err := tmp.Close(); err != nil {
		os.Remove(tmpName)
		return fmt.Errorf("close %s: %w", name, err)
	}
	if err := os.Chmod(tmpName, 0o644); err != nil {
		os.Remove(tmpName)
		return fmt.Errorf("chmod %s: %w", name, err)
	}
	if err := os.Rename(tmpName, path); err != nil {
		os.Remove(tmpName)
		return fmt.Errorf("rename %s: %w", name, err)
	}
	return nil
}

// Remove deletes name. A missing file is not an error.
func (d *OSDir) Remove(name string) error {
	if err := os.Remove(d.join(name)); err != nil && !errors.Is(err, fs.ErrNotExist) {
		return err
	}
	return nil
}

func (d *OSDir) join(name string) string {
	return filepath.Join(d.path, filepath.Base(name))
}

func classify(path string, err error) error {
	switch {
	case errors.Is(err, fs.ErrPermission), errors.Is(err, fs.ErrNotExist):
		return fmt.Errorf("%s: %w", path, ErrPermissionLost)
	case errors.Is(err, syscall.ENOTDIR):
		return fmt.Errorf("%s: %w", path, ErrIterationUnsupported)
	default:
		return fmt.Errorf("%s: %v: %w", path, err, ErrIterationUnsupported)
	}
}
