package events

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"
)

// ErrNoReply is returned when a request is not answered in time.
var ErrNoReply = errors.New("no reply")

// Request publishes payload with a fresh correlation id and waits for the
// first event of replyType carrying the same id. A missing reply is an error,
// never an empty success.
func (b *Bus) Request(ctx context.Context, source EventSource, payload EventPayload, replyType EventType, timeout time.Duration) (Event, error) {
	corr := uuid.NewString()
	replies := make(chan Event, 1)

	unsubscribe := b.Subscribe(func(e Event) {
		if e.CorrelationID != corr {
			return
		}
		select {
		case replies <- e:
		default:
		}
	}, replyType)
	defer unsubscribe()

	req := NewTypedEvent(source, payload)
	req.CorrelationID = corr
	req.RunID = RunIDFromContext(ctx)
	if err := b.PublishAsync(ctx, req); err != nil {
		return Event{}, fmt.Errorf("publish %s: %w", req.Type, err)
	}

	timer := time.NewTimer(timeout)
	defer timer.Stop()

	select {
	case e := <-replies:
		return e, nil
	case <-timer.C:
		return Event{}, fmt.Errorf("%s after %s: %w", req.Type, timeout, ErrNoReply)
	case <-ctx.Done():
		return Event{}, ctx.Err()
	}
}

// RequestTyped is Request followed by payload extraction.
func RequestTyped[T EventPayload](ctx context.Context, b *Bus, source EventSource, payload EventPayload, timeout time.Duration) (T, error) {
	var zero T
	e, err := b.Request(ctx, source, payload, zero.EventType(), timeout)
	if err != nil {
		return zero, err
	}
	out, ok := ExtractPayload[T](e)
	if !ok {
		return zero, fmt.Errorf("decode %s payload", e.Type)
	}
	return out, nil
}

// Reply publishes payload as the answer to req.
func (b *Bus) Reply(ctx context.Context, req Event, source EventSource, payload EventPayload) error {
	e := NewTypedEvent(source, payload)
	e.CorrelationID = req.CorrelationID
	e.RunID = req.RunID
	return b.PublishAsync(ctx, e)
}

// Handle subscribes fn to requests of type reqType and publishes whatever it
// returns as the reply. Each request is handled on its own goroutine with a
// context derived from ctx.
func Handle(ctx context.Context, b *Bus, source EventSource, reqType EventType, fn func(ctx context.Context, req Event) EventPayload) func() {
	return b.Subscribe(func(req Event) {
		ctx := ContextWithRunID(ctx, req.RunID)
		reply := fn(ctx, req)
		if reply == nil {
			return
		}
		_ = b.Reply(ctx, req, source, reply)
	}, reqType)
}
