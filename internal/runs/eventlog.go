package runs

import (
	"log/slog"

	"github.com/dohr-michael/genbatch/internal/events"
)

// EventLogger persists bus events of a run to its JSONL log.
type EventLogger struct {
	store       Store
	unsubscribe func()
}

// NewEventLogger subscribes to all bus events carrying a run id.
func NewEventLogger(store Store, bus *events.Bus) *EventLogger {
	el := &EventLogger{store: store}
	el.unsubscribe = bus.Subscribe(el.handleEvent)
	return el
}

// Close unsubscribes the logger from the event bus.
func (el *EventLogger) Close() {
	if el.unsubscribe != nil {
		el.unsubscribe()
	}
}

func (el *EventLogger) handleEvent(e events.Event) {
	// Progress ticks are redundant with the final record.
	if e.RunID == "" || e.Type == events.EventRunProgress {
		return
	}
	if err := el.store.AppendEvent(e.RunID, e); err != nil {
		slog.Debug("append run event", "run_id", e.RunID, "error", err)
	}
}
