// Package heartbeat lets a second genbatch process tell whether a batch is
// still being driven, and how far it got.
package heartbeat

import (
	"encoding/json"
	"errors"
	"fmt"
	"os"
	"sync"
	"time"
)

// Status represents the liveness state of a batch process.
type Status string

const (
	StatusAlive Status = "alive"
	StatusStale Status = "stale"
	StatusDead  Status = "dead"
)

// DefaultInterval is how often the heartbeat file is rewritten.
const DefaultInterval = 5 * time.Second

// ErrBusy is returned by Start when another live process owns the file.
var ErrBusy = errors.New("another genbatch run is active")

// Progress is the run summary carried by each heartbeat.
type Progress struct {
	RunID       string `json:"run_id,omitempty"`
	Phase       string `json:"phase"`
	Status      string `json:"status"`
	CurrentTask string `json:"current_task,omitempty"`
	Completed   int    `json:"completed"`
	Skipped     int    `json:"skipped"`
	Total       int    `json:"total"`
	Gateway     string `json:"gateway,omitempty"` // base URL of the status server
}

// Heartbeat is the data written to the heartbeat file.
type Heartbeat struct {
	PID       int       `json:"pid"`
	StartedAt time.Time `json:"started_at"`
	Timestamp time.Time `json:"timestamp"`
	Uptime    string    `json:"uptime"`
	Progress  *Progress `json:"progress,omitempty"`
}

// Status classifies hb at now: stale once older than maxAge.
func (hb *Heartbeat) Status(now time.Time, maxAge time.Duration) Status {
	if hb == nil {
		return StatusDead
	}
	if now.Sub(hb.Timestamp) > maxAge {
		return StatusStale
	}
	return StatusAlive
}

// Writer rewrites the heartbeat file every interval and on Touch.
type Writer struct {
	path     string
	interval time.Duration
	progress func() Progress

	mu      sync.Mutex
	started time.Time
	stop    chan struct{}
	done    chan struct{}
	touch   chan struct{}
}

// NewWriter creates a heartbeat writer for path. progress may be nil.
func NewWriter(path string, interval time.Duration, progress func() Progress) *Writer {
	if interval <= 0 {
		interval = DefaultInterval
	}
	return &Writer{
		path:     path,
		interval: interval,
		progress: progress,
	}
}

// Start writes the first heartbeat and keeps it fresh in the background.
// It fails with ErrBusy when a live heartbeat from another process exists.
func (w *Writer) Start() error {
	w.mu.Lock()
	defer w.mu.Unlock()

	if w.stop != nil {
		return nil
	}

	if hb, err := Read(w.path); err == nil && hb.PID != os.Getpid() &&
		hb.Status(time.Now(), 3*w.interval) == StatusAlive {
		return fmt.Errorf("%w (pid %d)", ErrBusy, hb.PID)
	}

	w.started = time.Now()
	w.stop = make(chan struct{})
	w.done = make(chan struct{})
	w.touch = make(chan struct{}, 1)
	if err := w.write(); err != nil {
		return err
	}

	go w.loop(w.stop, w.done, w.touch)
	return nil
}

func (w *Writer) loop(stop, done, touch chan struct{}) {
	defer close(done)
	ticker := time.NewTicker(w.interval)
	defer ticker.Stop()

	for {
		select {
		case <-ticker.C:
		case <-touch:
		case <-stop:
			return
		}
		w.write()
	}
}

// Touch schedules an immediate rewrite, coalescing with pending ones.
func (w *Writer) Touch() {
	w.mu.Lock()
	touch := w.touch
	w.mu.Unlock()
	if touch == nil {
		return
	}
	select {
	case touch <- struct{}{}:
	default:
	}
}

// Stop stops writing and removes the heartbeat file.
func (w *Writer) Stop() {
	w.mu.Lock()
	defer w.mu.Unlock()

	if w.stop == nil {
		return
	}
	close(w.stop)
	<-w.done
	w.stop, w.done, w.touch = nil, nil, nil

	os.Remove(w.path)
}

func (w *Writer) write() error {
	hb := Heartbeat{
		PID:       os.Getpid(),
		StartedAt: w.started,
		Timestamp: time.Now(),
		Uptime:    time.Since(w.started).Truncate(time.Second).String(),
	}
	if w.progress != nil {
		p := w.progress()
		hb.Progress = &p
	}

	data, err := json.MarshalIndent(hb, "", "  ")
	if err != nil {
		return fmt.Errorf("marshal heartbeat: %w", err)
	}
	tmp := w.path + ".tmp"
	if err := os.WriteFile(tmp, data, 0o644); err != nil {
		return fmt.Errorf("write heartbeat: %w", err)
	}
	return os.Rename(tmp, w.path)
}

// Read loads the heartbeat file. A missing file yields os.ErrNotExist.
func Read(path string) (*Heartbeat, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, err
	}
	var hb Heartbeat
	if err := json.Unmarshal(data, &hb); err != nil {
		return nil, fmt.Errorf("unmarshal heartbeat: %w", err)
	}
	return &hb, nil
}

// Check reads a heartbeat file and returns the liveness status.
// maxAge determines how old a heartbeat can be before it's considered stale.
func Check(path string, maxAge time.Duration) (Status, *Heartbeat, error) {
	hb, err := Read(path)
	if err != nil {
		if errors.Is(err, os.ErrNotExist) {
			return StatusDead, nil, nil
		}
		return StatusDead, nil, fmt.Errorf("read heartbeat: %w", err)
	}
	return hb.Status(time.Now(), maxAge), hb, nil
}
