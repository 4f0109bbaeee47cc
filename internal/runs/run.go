// Package runs persists one record per batch run, with its event log.
package runs

import (
	"strings"
	"time"

	"github.com/google/uuid"
)

// Outcome is the terminal state of a run.
type Outcome string

const (
	OutcomeRunning     Outcome = "running"
	OutcomeCompleted   Outcome = "all-completed"
	OutcomeStopped     Outcome = "stopped-by-user"
	OutcomeFatal       Outcome = "stopped-by-fatal-error"
	OutcomeInterrupted Outcome = "interrupted" // process exited mid-run
)

// CurrentTask is the in-flight task of a run.
type CurrentTask struct {
	Index    int    `json:"index"`
	Name     string `json:"name"`
	Filename string `json:"filename"`
	Attempt  int    `json:"attempt"`
}

// Record is the persisted summary of a run.
type Record struct {
	ID              string       `json:"id"`
	TaskFile        string       `json:"task_file,omitempty"`
	ConversationURL string       `json:"conversation_url,omitempty"`
	Outcome         Outcome      `json:"outcome"`
	Total           int          `json:"total"`
	Completed       int          `json:"completed"`
	Skipped         int          `json:"skipped"`
	Retries         int          `json:"retries"`
	FailedIndex     int          `json:"failed_index"`
	Error           string       `json:"error,omitempty"`
	CurrentTask     *CurrentTask `json:"current_task,omitempty"`
	CreatedAt       time.Time    `json:"created_at"`
	UpdatedAt       time.Time    `json:"updated_at"`
	FinishedAt      *time.Time   `json:"finished_at,omitempty"`
}

// GenerateRunID creates a unique run identifier.
func GenerateRunID() string {
	u := uuid.New().String()
	return "run_" + strings.ReplaceAll(u[:8], "-", "")
}
