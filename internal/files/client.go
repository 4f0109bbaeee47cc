package files

import (
	"context"
	"errors"
	"sync/atomic"
	"time"

	"github.com/google/uuid"

	"github.com/dohr-michael/genbatch/internal/events"
	"github.com/dohr-michael/genbatch/internal/failure"
)

// replyMargin is added to the download timeout when awaiting its reply.
const replyMargin = 10 * time.Second

// Client reaches a Service over the bus. Every call is bounded; a missing
// reply is a failure, never an empty success.
type Client struct {
	bus             *events.Bus
	requestTimeout  time.Duration
	downloadTimeout atomic.Int64
}

// NewClient creates a Client. requestTimeout bounds quick queries,
// downloadTimeout is the service's own download timeout.
func NewClient(bus *events.Bus, requestTimeout, downloadTimeout time.Duration) *Client {
	c := &Client{bus: bus, requestTimeout: requestTimeout}
	c.SetDownloadTimeout(downloadTimeout)
	return c
}

// SetDownloadTimeout follows a change of the service's download timeout.
func (c *Client) SetDownloadTimeout(d time.Duration) {
	c.downloadTimeout.Store(int64(d))
}

// DownloadTimeout returns the download timeout the client currently awaits.
func (c *Client) DownloadTimeout() time.Duration {
	return time.Duration(c.downloadTimeout.Load())
}

// FileExists asks whether name exists in the output directory.
func (c *Client) FileExists(ctx context.Context, name string) (bool, error) {
	resp, err := events.RequestTyped[events.SkipCheckResponse](ctx, c.bus, events.SourceAutomator,
		events.SkipCheckRequest{Filename: name}, c.requestTimeout)
	if err != nil {
		return false, replyError("skip check", err)
	}
	if resp.Error != "" {
		return false, failure.New(kindOr(resp.ErrorType, failure.KindFolderAccess), resp.Error)
	}
	return resp.Exists, nil
}

// ListFiles returns the output directory listing.
func (c *Client) ListFiles(ctx context.Context) ([]string, error) {
	resp, err := events.RequestTyped[events.ListFilesResponse](ctx, c.bus, events.SourceOrchestrator,
		events.ListFilesRequest{}, c.requestTimeout)
	if err != nil {
		return nil, replyError("list files", err)
	}
	return resp.Files, nil
}

// Snapshot returns the current source-directory baseline.
func (c *Client) Snapshot(ctx context.Context) (Baseline, error) {
	resp, err := events.RequestTyped[events.SnapshotResponse](ctx, c.bus, events.SourceAutomator,
		events.SnapshotRequest{}, c.requestTimeout)
	if err != nil {
		return nil, replyError("snapshot", err)
	}
	if resp.Error != "" {
		return nil, failure.New(kindOr(resp.ErrorType, failure.KindFolderAccess), resp.Error)
	}
	if resp.Names == nil {
		resp.Names = []string{}
	}
	return NewBaseline(resp.Names), nil
}

// WaitForDownloadAndRename runs the download pipeline in the service. When
// ctx ends or no reply arrives in time, the service is told to drop the wait
// so nothing lands in the output directory afterwards.
func (c *Client) WaitForDownloadAndRename(ctx context.Context, target string, baseline Baseline) Result {
	var names []string
	if baseline != nil {
		names = baseline.Names()
	}
	id := uuid.NewString()
	resp, err := events.RequestTyped[events.DownloadWaitResponse](ctx, c.bus, events.SourceAutomator,
		events.DownloadWaitRequest{WaitID: id, Filename: target, Baseline: names}, c.DownloadTimeout()+replyMargin)
	if err != nil {
		c.abandon(ctx, id)
		return failedWith(replyError("download wait", err))
	}
	return Result{
		Success:   resp.Success,
		Filename:  resp.Filename,
		Error:     resp.Error,
		ErrorType: resp.ErrorType,
		Reason:    resp.Reason,
	}
}

// ResetState asks the service to forget its recorded hash.
func (c *Client) ResetState(ctx context.Context) error {
	resp, err := events.RequestTyped[events.ResetStateResponse](ctx, c.bus, events.SourceOrchestrator,
		events.ResetStateRequest{}, c.requestTimeout)
	if err != nil {
		return replyError("reset state", err)
	}
	if !resp.Success {
		return errors.New("reset state refused")
	}
	return nil
}

func (c *Client) abandon(ctx context.Context, id string) {
	ctx, cancel := context.WithTimeout(context.WithoutCancel(ctx), c.requestTimeout)
	defer cancel()
	notice := events.NewTypedEventWithRun(events.SourceAutomator, events.DownloadCancelNotice{WaitID: id}, events.RunIDFromContext(ctx))
	_ = c.bus.PublishAsync(ctx, notice)
}

func replyError(what string, err error) error {
	if errors.Is(err, context.Canceled) {
		return failure.Wrap(failure.KindCancelled, what, err)
	}
	return failure.Wrap(failure.KindNoReply, what, err)
}

func kindOr(k, fallback failure.Kind) failure.Kind {
	if k == failure.KindNone {
		return fallback
	}
	return k
}
