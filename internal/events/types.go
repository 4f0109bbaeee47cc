package events

import (
	"fmt"
	"sync/atomic"
	"time"
)

// EventType represents the type of event.
type EventType string

const (
	// FileService requests and replies
	EventSkipCheckRequest     EventType = "files.exists.request"
	EventSkipCheckResponse    EventType = "files.exists.response"
	EventListFilesRequest     EventType = "files.list.request"
	EventListFilesResponse    EventType = "files.list.response"
	EventSnapshotRequest      EventType = "files.snapshot.request"
	EventSnapshotResponse     EventType = "files.snapshot.response"
	EventDownloadWaitRequest  EventType = "files.download.request"
	EventDownloadWaitResponse EventType = "files.download.response"
	EventDownloadCancel       EventType = "files.download.cancel"
	EventResetStateRequest    EventType = "files.reset.request"
	EventResetStateResponse   EventType = "files.reset.response"

	// Automator → Orchestrator notices (fire-and-forget)
	EventTaskComplete EventType = "task.complete"
	EventTaskError    EventType = "task.error"
	EventStatusUpdate EventType = "status.update"

	// Run lifecycle
	EventRunStarted  EventType = "run.started"
	EventRunProgress EventType = "run.progress"
	EventRunFinished EventType = "run.finished"
	EventTabOpened   EventType = "tab.opened"
	EventTabClosed   EventType = "tab.closed"
)

// EventSource identifies the component that emitted an event.
type EventSource string

const (
	SourceOrchestrator EventSource = "orchestrator"
	SourceAutomator    EventSource = "automator"
	SourceFiles        EventSource = "files"
	SourceGateway      EventSource = "gateway"
	SourceWS           EventSource = "ws"
)

// Event represents an event in the system.
type Event struct {
	ID            string         `json:"id"`
	RunID         string         `json:"run_id,omitempty"`
	CorrelationID string         `json:"correlation_id,omitempty"`
	Type          EventType      `json:"type"`
	Timestamp     time.Time      `json:"timestamp"`
	Source        EventSource    `json:"source"`
	Payload       map[string]any `json:"payload"`
}

// eventIDCounter is used to generate sequential event IDs.
var eventIDCounter uint64

// NewEvent creates a new event with the current timestamp.
func NewEvent(eventType EventType, source EventSource, payload map[string]any) Event {
	return Event{
		ID:        generateEventID(),
		Type:      eventType,
		Timestamp: time.Now(),
		Source:    source,
		Payload:   payload,
	}
}

func generateEventID() string {
	seq := atomic.AddUint64(&eventIDCounter, 1)
	return fmt.Sprintf("%d-%d", time.Now().UnixNano(), seq)
}
