package events

import (
	"encoding/json"
	"time"

	"github.com/dohr-michael/genbatch/internal/failure"
)

// EventPayload is the interface all typed payloads implement.
type EventPayload interface {
	EventType() EventType
}

// =============================================================================
// FILE SERVICE
// =============================================================================

type SkipCheckRequest struct {
	Filename string `json:"filename"`
}

func (SkipCheckRequest) EventType() EventType { return EventSkipCheckRequest }

type SkipCheckResponse struct {
	Exists    bool         `json:"exists"`
	Error     string       `json:"error,omitempty"`
	ErrorType failure.Kind `json:"error_type,omitempty"`
}

func (SkipCheckResponse) EventType() EventType { return EventSkipCheckResponse }

type ListFilesRequest struct{}

func (ListFilesRequest) EventType() EventType { return EventListFilesRequest }

type ListFilesResponse struct {
	Files []string `json:"files"`
}

func (ListFilesResponse) EventType() EventType { return EventListFilesResponse }

type SnapshotRequest struct{}

func (SnapshotRequest) EventType() EventType { return EventSnapshotRequest }

type SnapshotResponse struct {
	Names     []string     `json:"names"`
	Error     string       `json:"error,omitempty"`
	ErrorType failure.Kind `json:"error_type,omitempty"`
}

func (SnapshotResponse) EventType() EventType { return EventSnapshotResponse }

type DownloadWaitRequest struct {
	// WaitID names the wait so the requester can cancel it.
	WaitID   string `json:"wait_id,omitempty"`
	Filename string `json:"filename"`
	// Baseline is the pre-download listing; null asks the service to take
	// its own, an empty list is an empty baseline.
	Baseline []string `json:"baseline"`
}

func (DownloadWaitRequest) EventType() EventType { return EventDownloadWaitRequest }

type DownloadWaitResponse struct {
	Success   bool         `json:"success"`
	Filename  string       `json:"filename,omitempty"`
	Error     string       `json:"error,omitempty"`
	ErrorType failure.Kind `json:"error_type,omitempty"`
	Reason    string       `json:"reason,omitempty"`
}

func (DownloadWaitResponse) EventType() EventType { return EventDownloadWaitResponse }

// DownloadCancelNotice tells the service the requester of WaitID gave up.
type DownloadCancelNotice struct {
	WaitID string `json:"wait_id"`
}

func (DownloadCancelNotice) EventType() EventType { return EventDownloadCancel }

type ResetStateRequest struct{}

func (ResetStateRequest) EventType() EventType { return EventResetStateRequest }

type ResetStateResponse struct {
	Success bool `json:"success"`
}

func (ResetStateResponse) EventType() EventType { return EventResetStateResponse }

// =============================================================================
// TASK NOTICES
// =============================================================================

type TaskCompletePayload struct {
	Index    int    `json:"index"`
	Attempt  int    `json:"attempt"`
	Name     string `json:"name"`
	Filename string `json:"filename"`
	Skipped  bool   `json:"skipped"`
}

func (TaskCompletePayload) EventType() EventType { return EventTaskComplete }

type TaskErrorPayload struct {
	Index     int           `json:"index"`
	Attempt   int           `json:"attempt"`
	Name      string        `json:"name"`
	Error     string        `json:"error"`
	ErrorType failure.Kind  `json:"error_type"`
	Class     failure.Class `json:"class"`
}

func (TaskErrorPayload) EventType() EventType { return EventTaskError }

type StatusUpdatePayload struct {
	Index   int    `json:"index"`
	Attempt int    `json:"attempt"`
	Phase   string `json:"phase"`
	Message string `json:"message"`
}

func (StatusUpdatePayload) EventType() EventType { return EventStatusUpdate }

// =============================================================================
// RUN LIFECYCLE
// =============================================================================

type RunStartedPayload struct {
	Total           int    `json:"total"`
	Skipped         int    `json:"skipped"`
	ConversationURL string `json:"conversation_url"`
}

func (RunStartedPayload) EventType() EventType { return EventRunStarted }

type RunProgressPayload struct {
	Phase        string        `json:"phase"`
	Status       string        `json:"status"`
	CurrentIndex int           `json:"current_index"`
	Completed    int           `json:"completed"`
	Total        int           `json:"total"`
	Skipped      int           `json:"skipped"`
	Elapsed      time.Duration `json:"elapsed"`
	Remaining    time.Duration `json:"remaining"`
}

func (RunProgressPayload) EventType() EventType { return EventRunProgress }

type RunFinishedPayload struct {
	Outcome     string `json:"outcome"`
	Error       string `json:"error,omitempty"`
	FailedIndex int    `json:"failed_index"`
	Completed   int    `json:"completed"`
	Skipped     int    `json:"skipped"`
}

func (RunFinishedPayload) EventType() EventType { return EventRunFinished }

type TabPayload struct {
	TabID string `json:"tab_id"`
	URL   string `json:"url,omitempty"`
}

// TabOpenedPayload and TabClosedPayload share TabPayload's shape.
type TabOpenedPayload TabPayload

func (TabOpenedPayload) EventType() EventType { return EventTabOpened }

type TabClosedPayload TabPayload

func (TabClosedPayload) EventType() EventType { return EventTabClosed }

// =============================================================================
// TYPED EVENT CONSTRUCTORS
// =============================================================================

func NewTypedEvent(source EventSource, payload EventPayload) Event {
	return Event{
		ID:        generateEventID(),
		Type:      payload.EventType(),
		Timestamp: time.Now(),
		Source:    source,
		Payload:   toMap(payload),
	}
}

func NewTypedEventWithRun(source EventSource, payload EventPayload, runID string) Event {
	e := NewTypedEvent(source, payload)
	e.RunID = runID
	return e
}

func toMap(v any) map[string]any {
	var result map[string]any
	data, err := json.Marshal(v)
	if err != nil {
		return nil
	}
	if err := json.Unmarshal(data, &result); err != nil {
		return nil
	}
	return result
}

// =============================================================================
// TYPED PAYLOAD EXTRACTORS
// =============================================================================

func ExtractPayload[T EventPayload](e Event) (T, bool) {
	var result T
	if e.Type != result.EventType() {
		return result, false
	}
	data, err := json.Marshal(e.Payload)
	if err != nil {
		return result, false
	}
	if err := json.Unmarshal(data, &result); err != nil {
		return result, false
	}
	return result, true
}
