package orchestrator

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/dohr-michael/genbatch/internal/automator"
	"github.com/dohr-michael/genbatch/internal/config"
	"github.com/dohr-michael/genbatch/internal/events"
	"github.com/dohr-michael/genbatch/internal/failure"
)

const conversation = "https://gemini.google.com/app/abc123"

type fakeTab struct {
	id string
	b  *fakeBrowser
}

func (t *fakeTab) ID() string           { return t.id }
func (t *fakeTab) Page() automator.Page { return nil }
func (t *fakeTab) Close(context.Context) error {
	t.b.mu.Lock()
	defer t.b.mu.Unlock()
	t.b.closes++
	return nil
}

type fakeBrowser struct {
	mu     sync.Mutex
	url    string
	opens  int
	closes int
	onOpen func()
}

func (b *fakeBrowser) ActiveURL(context.Context) (string, error) {
	return b.url, nil
}

func (b *fakeBrowser) OpenTab(_ context.Context, url string, _ time.Duration) (automator.Tab, error) {
	if b.onOpen != nil {
		b.onOpen()
	}
	b.mu.Lock()
	defer b.mu.Unlock()
	b.opens++
	return &fakeTab{id: fmt.Sprintf("tab-%d", b.opens), b: b}, nil
}

func (b *fakeBrowser) counts() (opens, closes int) {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.opens, b.closes
}

type fakeFiles struct {
	mu      sync.Mutex
	listing []string
	resets  int
}

func (f *fakeFiles) ListFiles(context.Context) ([]string, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.listing, nil
}

func (f *fakeFiles) ResetState(context.Context) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.resets++
	return nil
}

type staticConfig struct {
	mu      sync.Mutex
	cfg     *config.Config
	reloads int
}

func (c *staticConfig) Current() *config.Config { return c.cfg }

func (c *staticConfig) Reload() error {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.reloads++
	return nil
}

func testConfig() *config.Config {
	cfg := config.Default()
	ms := config.Seconds(time.Millisecond)
	cfg.Run.TaskInterval = ms
	cfg.Run.SettleDelay = ms
	cfg.Run.PageLoadTimeout = ms
	cfg.Run.MaxRetries = 3
	return cfg
}

// errHang makes the scripted dispatcher never report.
var errHang = errors.New("hang")

// scriptDispatcher reports outcomes chosen by script for each dispatch.
// n counts prior dispatches of the same task index.
type scriptDispatcher struct {
	bus    *events.Bus
	script func(job automator.Job, n int) (skipped bool, err error)

	mu   sync.Mutex
	jobs []automator.Job
	seen map[int]int
}

func (d *scriptDispatcher) Dispatch(ctx context.Context, _ automator.Page, job automator.Job) {
	d.mu.Lock()
	if d.seen == nil {
		d.seen = map[int]int{}
	}
	n := d.seen[job.Index]
	d.seen[job.Index]++
	d.jobs = append(d.jobs, job)
	d.mu.Unlock()

	skipped, err := false, error(nil)
	if d.script != nil {
		skipped, err = d.script(job, n)
	}
	if errors.Is(err, errHang) {
		return
	}

	var p events.EventPayload = events.TaskCompletePayload{Index: job.Index, Attempt: job.Attempt, Name: job.Task.Name, Filename: job.Filename, Skipped: skipped}
	if err != nil {
		kind := failure.KindOf(err)
		p = events.TaskErrorPayload{Index: job.Index, Attempt: job.Attempt, Name: job.Task.Name, Error: err.Error(), ErrorType: kind, Class: kind.Class()}
	}
	e := events.NewTypedEventWithRun(events.SourceAutomator, p, events.RunIDFromContext(ctx))
	go d.bus.Publish(e)
}

func (d *scriptDispatcher) indexes() []int {
	d.mu.Lock()
	defer d.mu.Unlock()
	out := make([]int, len(d.jobs))
	for i, j := range d.jobs {
		out[i] = j.Index
	}
	return out
}
