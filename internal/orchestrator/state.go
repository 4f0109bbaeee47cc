package orchestrator

import (
	"maps"
	"time"

	"github.com/dohr-michael/genbatch/internal/failure"
)

// Phase is the run-level state.
type Phase string

const (
	PhaseIdle       Phase = "idle"
	PhaseRunning    Phase = "running"
	PhaseCompleted  Phase = "completed"
	PhaseStopped    Phase = "stopped"
	PhaseFatalError Phase = "fatal-error"
)

// Outcome reports the observable run outcome for a terminal phase.
func (p Phase) Outcome() string {
	switch p {
	case PhaseCompleted:
		return "all-completed"
	case PhaseStopped:
		return "stopped-by-user"
	case PhaseFatalError:
		return "stopped-by-fatal-error"
	default:
		return string(p)
	}
}

// RunState is the orchestrator's view of the current run.
type RunState struct {
	RunID           string        `json:"run_id,omitempty"`
	Phase           Phase         `json:"phase"`
	IsRunning       bool          `json:"is_running"`
	CurrentIndex    int           `json:"current_index"` // list index of the task in flight, -1 when none
	CurrentTask     string        `json:"current_task,omitempty"`
	CurrentTabID    string        `json:"current_tab_id,omitempty"`
	ConversationURL string        `json:"conversation_url,omitempty"`
	RetryCounts     map[int]int   `json:"retry_counts"`
	Total           int           `json:"total"`
	QueueLength     int           `json:"queue_length"`
	CompletedCount  int           `json:"completed_count"`
	SkippedCount    int           `json:"skipped_count"`
	Status          string        `json:"status"`
	Elapsed         time.Duration `json:"elapsed"`
	Remaining       time.Duration `json:"remaining"`
	LastError       string        `json:"last_error,omitempty"`
	LastErrorType   failure.Kind  `json:"last_error_type,omitempty"`
	FailedIndex     int           `json:"failed_index"` // -1 unless the run halted on a task
}

func idleState() RunState {
	return RunState{
		Phase:        PhaseIdle,
		CurrentIndex: -1,
		FailedIndex:  -1,
		RetryCounts:  map[int]int{},
		Status:       "Idle",
	}
}

func (s RunState) clone() RunState {
	s.RetryCounts = maps.Clone(s.RetryCounts)
	return s
}
