package files

import (
	"context"
	"log/slog"
	"sync"

	"github.com/dohr-michael/genbatch/internal/events"
	"github.com/dohr-michael/genbatch/internal/failure"
)

// Serve answers file requests published on bus. A new download wait, a
// reset or a cancel notice from the requester cancels the download wait still
// in flight. The returned function unsubscribes all handlers and cancels any
// pending wait.
func Serve(ctx context.Context, bus *events.Bus, svc *Service) func() {
	ctx, cancelAll := context.WithCancel(ctx)
	w := &waits{abandoned: map[string]struct{}{}}

	unsubs := []func(){
		events.Handle(ctx, bus, events.SourceFiles, events.EventSkipCheckRequest, func(ctx context.Context, req events.Event) events.EventPayload {
			p, ok := events.ExtractPayload[events.SkipCheckRequest](req)
			if !ok {
				return events.SkipCheckResponse{Error: "malformed request", ErrorType: failure.KindMalformedRequest}
			}
			exists, err := svc.FileExists(ctx, p.Filename)
			if err != nil {
				return events.SkipCheckResponse{Error: err.Error(), ErrorType: failure.KindOf(err)}
			}
			return events.SkipCheckResponse{Exists: exists}
		}),

		events.Handle(ctx, bus, events.SourceFiles, events.EventListFilesRequest, func(ctx context.Context, _ events.Event) events.EventPayload {
			return events.ListFilesResponse{Files: svc.ListFiles(ctx)}
		}),

		events.Handle(ctx, bus, events.SourceFiles, events.EventSnapshotRequest, func(ctx context.Context, _ events.Event) events.EventPayload {
			b, err := svc.Snapshot(ctx)
			if err != nil {
				return events.SnapshotResponse{Names: []string{}, Error: err.Error(), ErrorType: failure.KindOf(err)}
			}
			return events.SnapshotResponse{Names: b.Names()}
		}),

		events.Handle(ctx, bus, events.SourceFiles, events.EventDownloadWaitRequest, func(ctx context.Context, req events.Event) events.EventPayload {
			p, ok := events.ExtractPayload[events.DownloadWaitRequest](req)
			if !ok {
				return events.DownloadWaitResponse{Error: "malformed request", ErrorType: failure.KindMalformedRequest}
			}
			waitCtx, done := w.start(ctx, p.WaitID)
			defer done()

			res := svc.WaitForDownloadAndRename(waitCtx, p.Filename, NewBaseline(p.Baseline))
			return events.DownloadWaitResponse{
				Success:   res.Success,
				Filename:  res.Filename,
				Error:     res.Error,
				ErrorType: res.ErrorType,
				Reason:    res.Reason,
			}
		}),

		bus.Subscribe(func(e events.Event) {
			if p, ok := events.ExtractPayload[events.DownloadCancelNotice](e); ok {
				w.abandon(p.WaitID)
			}
		}, events.EventDownloadCancel),

		events.Handle(ctx, bus, events.SourceFiles, events.EventResetStateRequest, func(context.Context, events.Event) events.EventPayload {
			w.cancel()
			svc.ResetState()
			return events.ResetStateResponse{Success: true}
		}),
	}

	slog.Debug("file service listening on bus")

	return func() {
		for _, u := range unsubs {
			u()
		}
		w.cancel()
		cancelAll()
	}
}

// waits tracks the single download wait in flight.
type waits struct {
	mu  sync.Mutex
	cur *wait

	// abandoned holds cancel notices that arrived before their request.
	abandoned map[string]struct{}
}

type wait struct {
	id   string
	stop context.CancelFunc
}

// start cancels the previous wait and returns the context of the new one.
// A wait whose cancel notice already arrived starts cancelled.
func (w *waits) start(parent context.Context, id string) (context.Context, func()) {
	ctx, stop := context.WithCancel(parent)
	next := &wait{id: id, stop: stop}

	w.mu.Lock()
	prev := w.cur
	w.cur = next
	_, gone := w.abandoned[id]
	clear(w.abandoned)
	w.mu.Unlock()

	if prev != nil {
		prev.stop()
	}
	if gone && id != "" {
		stop()
	}

	return ctx, func() {
		w.mu.Lock()
		if w.cur == next {
			w.cur = nil
		}
		w.mu.Unlock()
		stop()
	}
}

// abandon cancels the wait named id, or remembers id if it has not started.
func (w *waits) abandon(id string) {
	if id == "" {
		return
	}
	w.mu.Lock()
	cur := w.cur
	if cur == nil || cur.id != id {
		cur = nil
		w.abandoned[id] = struct{}{}
	}
	w.mu.Unlock()
	if cur != nil {
		cur.stop()
	}
}

// cancel stops the current wait, if any.
func (w *waits) cancel() {
	w.mu.Lock()
	cur := w.cur
	w.cur = nil
	w.mu.Unlock()
	if cur != nil {
		cur.stop()
	}
}
