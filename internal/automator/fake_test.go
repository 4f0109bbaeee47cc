package automator

import (
	"context"
	"slices"
	"strings"
	"sync"
	"time"

	"github.com/dohr-michael/genbatch/internal/files"
)

// fakePage simulates the chat page. After ClickSend the typed text becomes a
// new prompt echo and, after responseAfter Response calls, a new image.
type fakePage struct {
	mu sync.Mutex

	url            string
	inputNeverOK   bool
	loading        int
	insertBroken   bool
	sendAfter      int
	neverRespond   bool
	responseAfter  int
	noDownload     bool
	lostControl    bool
	menuAfter      int
	panicInCompose bool

	input     string
	echoes    []string
	images    []string
	sent      bool
	sendCalls int
	nudges    int
	respCalls int
	menuCalls int
	stopCalls int
	setCalls  int
	inserted  []string
	anchor    Anchor
}

func (p *fakePage) URL(context.Context) (string, error) {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.url, nil
}

func (p *fakePage) InputReady(context.Context) (bool, error) {
	return !p.inputNeverOK, nil
}

func (p *fakePage) LoadingImages(context.Context) (int, error) {
	p.mu.Lock()
	defer p.mu.Unlock()
	if p.loading > 0 {
		p.loading--
	}
	return p.loading, nil
}

func (p *fakePage) InsertText(_ context.Context, text string) error {
	p.mu.Lock()
	defer p.mu.Unlock()
	if p.panicInCompose {
		panic("boom")
	}
	p.inserted = append(p.inserted, text)
	if !p.insertBroken {
		p.input = text
	}
	return nil
}

func (p *fakePage) SetText(_ context.Context, text string) error {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.setCalls++
	p.input = text
	return nil
}

func (p *fakePage) InputText(context.Context) (string, error) {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.input, nil
}

func (p *fakePage) NudgeInput(context.Context) error {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.nudges++
	return nil
}

func (p *fakePage) SendState(context.Context) (SendState, error) {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.sendCalls++
	return SendState{Enabled: p.sendCalls > p.sendAfter}, nil
}

func (p *fakePage) ClickSend(context.Context) error {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.echoes = append(p.echoes, p.input)
	p.input = ""
	p.sent = true
	return nil
}

func (p *fakePage) PromptEchoes(context.Context) ([]string, error) {
	p.mu.Lock()
	defer p.mu.Unlock()
	return slices.Clone(p.echoes), nil
}

func (p *fakePage) ImageSources(context.Context) ([]string, error) {
	p.mu.Lock()
	defer p.mu.Unlock()
	return slices.Clone(p.images), nil
}

func (p *fakePage) Response(_ context.Context, a Anchor) (ResponseState, error) {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.anchor = a
	if !p.sent || a.Index != len(p.echoes)-1 || !strings.Contains(p.echoes[a.Index], a.Marker) {
		return ResponseState{}, nil
	}
	p.respCalls++
	if p.neverRespond || p.respCalls <= p.responseAfter {
		return ResponseState{Found: true, Busy: true, Images: slices.Clone(p.images)}, nil
	}
	return ResponseState{
		Found:         true,
		Images:        append(slices.Clone(p.images), "blob:new-image"),
		DownloadReady: !p.noDownload,
	}, nil
}

func (p *fakePage) StopGeneration(context.Context) (bool, error) {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.stopCalls++
	return true, nil
}

func (p *fakePage) ClickDownload(context.Context, Anchor) (bool, error) {
	return !p.noDownload && !p.lostControl, nil
}

func (p *fakePage) ConfirmDownloadMenu(context.Context) (bool, error) {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.menuCalls++
	return p.menuCalls > p.menuAfter, nil
}

// fakeFiles answers file-service calls from canned values.
type fakeFiles struct {
	mu        sync.Mutex
	exists    bool
	existsErr error
	result    files.Result
	waits     []string
	baseline  files.Baseline
}

func (f *fakeFiles) FileExists(context.Context, string) (bool, error) {
	return f.exists, f.existsErr
}

func (f *fakeFiles) Snapshot(context.Context) (files.Baseline, error) {
	return files.Baseline{"old.png": {}}, nil
}

func (f *fakeFiles) WaitForDownloadAndRename(_ context.Context, target string, b files.Baseline) files.Result {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.waits = append(f.waits, target)
	f.baseline = b
	if f.result == (files.Result{}) {
		return files.Result{Success: true, Filename: target}
	}
	return f.result
}

func testTiming() Timing {
	return Timing{
		Poll:         2 * time.Millisecond,
		Step:         time.Millisecond,
		Input:        150 * time.Millisecond,
		Generation:   150 * time.Millisecond,
		Stabilize:    20 * time.Millisecond,
		MenuAttempts: 3,
	}
}
