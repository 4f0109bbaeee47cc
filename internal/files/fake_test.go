package files

import (
	"bytes"
	"context"
	"fmt"
	"image"
	"image/png"
	"io/fs"
	"log/slog"
	"sort"
	"sync"
	"testing"
	"time"

	"github.com/dohr-michael/genbatch/internal/handles"
)

// memDir is an in-memory handles.Dir with optionally scripted sizes.
type memDir struct {
	mu        sync.Mutex
	name      string
	files     map[string][]byte
	sizes     map[string][]int64
	sizeCalls map[string]int
	readAt    map[string]int // size calls seen when ReadFile was called
	writes    int
	removed   []string
	namesErr  error
}

func newMemDir(name string) *memDir {
	return &memDir{
		name:      name,
		files:     map[string][]byte{},
		sizes:     map[string][]int64{},
		sizeCalls: map[string]int{},
		readAt:    map[string]int{},
	}
}

func (d *memDir) put(name string, data []byte) {
	d.mu.Lock()
	defer d.mu.Unlock()
	d.files[name] = data
}

func (d *memDir) has(name string) bool {
	d.mu.Lock()
	defer d.mu.Unlock()
	_, ok := d.files[name]
	return ok
}

func (d *memDir) Names() ([]string, error) {
	d.mu.Lock()
	defer d.mu.Unlock()
	if d.namesErr != nil {
		return nil, d.namesErr
	}
	out := make([]string, 0, len(d.files))
	for n := range d.files {
		out = append(out, n)
	}
	sort.Strings(out)
	return out, nil
}

func (d *memDir) Size(name string) (int64, error) {
	d.mu.Lock()
	defer d.mu.Unlock()
	d.sizeCalls[name]++
	if script, ok := d.sizes[name]; ok && len(script) > 0 {
		i := min(d.sizeCalls[name]-1, len(script)-1)
		return script[i], nil
	}
	data, ok := d.files[name]
	if !ok {
		return 0, fs.ErrNotExist
	}
	return int64(len(data)), nil
}

func (d *memDir) ReadFile(name string) ([]byte, error) {
	d.mu.Lock()
	defer d.mu.Unlock()
	d.readAt[name] = d.sizeCalls[name]
	data, ok := d.files[name]
	if !ok {
		return nil, fs.ErrNotExist
	}
	return data, nil
}

func (d *memDir) WriteFile(name string, data []byte) error {
	d.mu.Lock()
	defer d.mu.Unlock()
	d.writes++
	d.files[name] = append([]byte(nil), data...)
	return nil
}

func (d *memDir) Remove(name string) error {
	d.mu.Lock()
	defer d.mu.Unlock()
	delete(d.files, name)
	d.removed = append(d.removed, name)
	return nil
}

func (d *memDir) Path() string { return "/mem/" + d.name }

// memDirs resolves handle names to memDirs.
type memDirs struct {
	dirs map[string]handles.Dir
	errs map[string]error
}

func (m *memDirs) Open(_ context.Context, name string) (handles.Dir, error) {
	if err, ok := m.errs[name]; ok {
		return nil, err
	}
	d, ok := m.dirs[name]
	if !ok {
		return nil, fmt.Errorf("%s: %w", name, handles.ErrMissingHandle)
	}
	return d, nil
}

func testOptions() Options {
	return Options{
		ImagePatterns:     []string{"*.png", "*.jpg", "*.jpeg", "*.webp"},
		GeneratedPatterns: []string{"Gemini_Generated_Image_*"},
		ScanInterval:      5 * time.Millisecond,
		StabilityInterval: 5 * time.Millisecond,
		StableReads:       3,
		Timeout:           2 * time.Second,
		WidenFraction:     0.5,
		SquareTolerance:   0.15,
		WideRatio:         16.0 / 9.0,
		WideTolerance:     0.2,
	}
}

type fixture struct {
	src, out *memDir
	svc      *Service
	logs     *bytes.Buffer
}

func newFixture(t *testing.T, opts Options) *fixture {
	t.Helper()
	src, out := newMemDir("source"), newMemDir("output")
	logs := &bytes.Buffer{}
	logger := slog.New(slog.NewTextHandler(logs, &slog.HandlerOptions{Level: slog.LevelDebug}))
	dirs := &memDirs{dirs: map[string]handles.Dir{handles.Source: src, handles.Output: out}}
	return &fixture{src: src, out: out, svc: NewService(dirs, opts, logger), logs: logs}
}

// pngBytes encodes a w x h PNG whose first pixel varies with seed.
func pngBytes(t *testing.T, w, h int, seed uint8) []byte {
	t.Helper()
	img := image.NewRGBA(image.Rect(0, 0, w, h))
	img.Pix[0] = seed
	var buf bytes.Buffer
	if err := png.Encode(&buf, img); err != nil {
		t.Fatalf("encode png: %v", err)
	}
	return buf.Bytes()
}
