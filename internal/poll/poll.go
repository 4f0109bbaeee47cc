// Package poll provides the bounded wait primitive used by every step that
// depends on state outside the process.
package poll

import (
	"context"
	"errors"
	"time"
)

// ErrTimeout is returned when the condition does not hold before the deadline.
var ErrTimeout = errors.New("poll timeout")

// Func re-derives the observed state and reports whether the wait is over.
// It must not carry state between ticks that the observed system can invalidate.
type Func func(ctx context.Context) (bool, error)

// Until calls fn immediately and then every interval until it returns true,
// returns an error, ctx is done or timeout elapses. A non-positive timeout
// means no deadline besides ctx.
func Until(ctx context.Context, interval, timeout time.Duration, fn Func) error {
	_, err := For(ctx, interval, timeout, func(ctx context.Context) (struct{}, bool, error) {
		ok, err := fn(ctx)
		return struct{}{}, ok, err
	})
	return err
}

// For is Until for conditions that produce a value once they hold.
func For[T any](ctx context.Context, interval, timeout time.Duration, fn func(ctx context.Context) (T, bool, error)) (T, error) {
	var zero T
	if interval <= 0 {
		interval = 100 * time.Millisecond
	}

	var deadline <-chan time.Time
	if timeout > 0 {
		timer := time.NewTimer(timeout)
		defer timer.Stop()
		deadline = timer.C
	}

	ticker := time.NewTicker(interval)
	defer ticker.Stop()

	for {
		if err := ctx.Err(); err != nil {
			return zero, err
		}
		v, ok, err := fn(ctx)
		if err != nil {
			return zero, err
		}
		if ok {
			return v, nil
		}
		select {
		case <-ctx.Done():
			return zero, ctx.Err()
		case <-deadline:
			return zero, ErrTimeout
		case <-ticker.C:
		}
	}
}

// Sleep waits for d or until ctx is done.
func Sleep(ctx context.Context, d time.Duration) error {
	if d <= 0 {
		return ctx.Err()
	}
	timer := time.NewTimer(d)
	defer timer.Stop()
	select {
	case <-ctx.Done():
		return ctx.Err()
	case <-timer.C:
		return nil
	}
}
