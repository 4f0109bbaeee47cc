package runs

import (
	"sort"
	"time"

	"github.com/dohr-michael/genbatch/internal/events"
	"github.com/dohr-michael/genbatch/internal/storage/dirstore"
)

const eventsFile = "events.jsonl"

// Store defines the persistence interface for run records.
type Store interface {
	Create(r *Record) error
	Get(id string) (*Record, error)
	List() ([]*Record, error)
	Update(r *Record) error
	AppendEvent(runID string, e events.Event) error
	LoadEvents(runID string) ([]events.Event, error)
}

// ErrNotFound is returned by Get for an unknown run.
var ErrNotFound = dirstore.ErrNotFound

// FileStore persists runs as directories with meta.json + events.jsonl.
type FileStore struct {
	ds *dirstore.Store[Record]
}

// NewFileStore creates a FileStore rooted at baseDir.
func NewFileStore(baseDir string) *FileStore {
	return &FileStore{ds: dirstore.New[Record](baseDir, "run")}
}

// Create persists a new run record.
func (fs *FileStore) Create(r *Record) error {
	if r.ID == "" {
		r.ID = GenerateRunID()
	}
	now := time.Now()
	r.CreatedAt = now
	r.UpdatedAt = now
	return fs.ds.Put(r.ID, r)
}

// Get reads a run record by ID.
func (fs *FileStore) Get(id string) (*Record, error) {
	return fs.ds.Get(id)
}

// List returns all runs, most recently updated first.
func (fs *FileStore) List() ([]*Record, error) {
	records, err := fs.ds.All()
	if err != nil {
		return nil, err
	}
	sort.Slice(records, func(i, j int) bool {
		return records[i].UpdatedAt.After(records[j].UpdatedAt)
	})
	return records, nil
}

// Update atomically rewrites a run's meta.json.
func (fs *FileStore) Update(r *Record) error {
	r.UpdatedAt = time.Now()
	return fs.ds.Put(r.ID, r)
}

// AppendEvent appends a bus event to the run's JSONL log.
func (fs *FileStore) AppendEvent(runID string, e events.Event) error {
	return fs.ds.Append(runID, eventsFile, e)
}

// LoadEvents reads the run's event log.
func (fs *FileStore) LoadEvents(runID string) ([]events.Event, error) {
	return dirstore.Lines[events.Event](fs.ds, runID, eventsFile)
}
