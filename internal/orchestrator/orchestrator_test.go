package orchestrator

import (
	"context"
	"errors"
	"slices"
	"testing"
	"time"

	"github.com/dohr-michael/genbatch/internal/automator"
	"github.com/dohr-michael/genbatch/internal/config"
	"github.com/dohr-michael/genbatch/internal/events"
	"github.com/dohr-michael/genbatch/internal/failure"
	"github.com/dohr-michael/genbatch/internal/runs"
	"github.com/dohr-michael/genbatch/internal/tasks"
)

type harness struct {
	bus     *events.Bus
	browser *fakeBrowser
	files   *fakeFiles
	config  *staticConfig
	disp    *scriptDispatcher
	orch    *Orchestrator
}

func newHarness(t *testing.T, script func(automator.Job, int) (bool, error)) *harness {
	t.Helper()
	bus := events.NewBus(1024)
	t.Cleanup(bus.Close)

	h := &harness{
		bus:     bus,
		browser: &fakeBrowser{url: conversation},
		files:   &fakeFiles{},
		config:  &staticConfig{cfg: testConfig()},
		disp:    &scriptDispatcher{bus: bus, script: script},
	}
	h.orch = New(Deps{
		Bus:        bus,
		Browser:    h.browser,
		Dispatcher: h.disp,
		Files:      h.files,
		Config:     h.config,
	})
	return h
}

var abList = []tasks.Task{{Name: "a", Prompt: "p1"}, {Name: "b", Prompt: "p2"}}

func TestRunAllCompleted(t *testing.T) {
	h := newHarness(t, nil)

	st, err := h.orch.Run(context.Background(), abList, RunOptions{})
	if err != nil {
		t.Fatalf("Run: %v", err)
	}
	if st.Phase != PhaseCompleted || st.Phase.Outcome() != "all-completed" {
		t.Errorf("phase = %s", st.Phase)
	}
	if st.QueueLength != 2 || st.CompletedCount != 2 || st.SkippedCount != 0 {
		t.Errorf("state = %+v", st)
	}
	if got := h.disp.indexes(); !slices.Equal(got, []int{0, 1}) {
		t.Errorf("dispatch order = %v, want [0 1]", got)
	}
	opens, closes := h.browser.counts()
	if opens != 2 || closes != 2 {
		t.Errorf("tabs opened/closed = %d/%d, want 2/2", opens, closes)
	}
	if st.IsRunning || st.CurrentIndex != -1 || st.FailedIndex != -1 {
		t.Errorf("final state = %+v", st)
	}
	if h.config.reloads != 2 {
		t.Errorf("config reloads = %d, want 2 (run start + one tab boundary)", h.config.reloads)
	}
}

func TestRunSkipsExistingOutput(t *testing.T) {
	h := newHarness(t, nil)
	h.files.listing = []string{"a.png"}

	var statusAtOpen string
	h.browser.onOpen = func() {
		if statusAtOpen == "" {
			statusAtOpen = h.orch.State().Status
		}
	}

	st, err := h.orch.Run(context.Background(), abList, RunOptions{})
	if err != nil {
		t.Fatalf("Run: %v", err)
	}
	if st.QueueLength != 1 {
		t.Errorf("queue length = %d, want 1", st.QueueLength)
	}
	if got := h.disp.indexes(); !slices.Equal(got, []int{1}) {
		t.Errorf("dispatched = %v, want [1]", got)
	}
	if statusAtOpen != "Skipped 1 existing files" {
		t.Errorf("status = %q", statusAtOpen)
	}
	if st.SkippedCount != 1 || st.CompletedCount != 1 {
		t.Errorf("counts = %+v", st)
	}
}

func TestRunCountsRuntimeSkip(t *testing.T) {
	h := newHarness(t, func(job automator.Job, _ int) (bool, error) {
		return job.Index == 0, nil
	})

	st, err := h.orch.Run(context.Background(), abList, RunOptions{})
	if err != nil {
		t.Fatalf("Run: %v", err)
	}
	if st.SkippedCount != 1 || st.CompletedCount != 1 {
		t.Errorf("counts = skipped %d completed %d", st.SkippedCount, st.CompletedCount)
	}
}

func TestRetryPolicyExhausted(t *testing.T) {
	h := newHarness(t, func(automator.Job, int) (bool, error) {
		return false, failure.New(failure.KindGenerationTimeout, "no image")
	})

	st, err := h.orch.Run(context.Background(), abList, RunOptions{})
	if failure.KindOf(err) != failure.KindGenerationTimeout {
		t.Fatalf("Run error = %v", err)
	}
	if st.Phase != PhaseFatalError || st.Phase.Outcome() != "stopped-by-fatal-error" {
		t.Errorf("phase = %s", st.Phase)
	}
	if got := h.disp.indexes(); !slices.Equal(got, []int{0, 0, 0, 0}) {
		t.Errorf("dispatches = %v, want four of task 0", got)
	}
	if opens, _ := h.browser.counts(); opens != 4 {
		t.Errorf("tabs opened = %d, want 4 (first + 3 recreations)", opens)
	}
	if st.FailedIndex != 0 || st.CurrentIndex != 0 || st.RetryCounts[0] != 3 {
		t.Errorf("state = %+v", st)
	}
	if st.LastErrorType != failure.KindGenerationTimeout {
		t.Errorf("last error type = %q", st.LastErrorType)
	}
}

func TestRetrySuccessResetsCounter(t *testing.T) {
	h := newHarness(t, func(job automator.Job, n int) (bool, error) {
		if job.Index == 0 && n == 0 {
			return false, failure.New(failure.KindDuplicateDetected, "same image")
		}
		return false, nil
	})

	st, err := h.orch.Run(context.Background(), abList, RunOptions{})
	if err != nil {
		t.Fatalf("Run: %v", err)
	}
	if got := h.disp.indexes(); !slices.Equal(got, []int{0, 0, 1}) {
		t.Errorf("dispatches = %v, want [0 0 1]", got)
	}
	if _, ok := st.RetryCounts[0]; ok {
		t.Errorf("retry counter not reset: %v", st.RetryCounts)
	}
	if st.Phase != PhaseCompleted {
		t.Errorf("phase = %s", st.Phase)
	}
}

func TestAttemptsAreNumbered(t *testing.T) {
	h := newHarness(t, func(job automator.Job, n int) (bool, error) {
		if n == 0 {
			return false, failure.New(failure.KindFileWaitTimeout, "late")
		}
		return false, nil
	})
	if _, err := h.orch.Run(context.Background(), abList[:1], RunOptions{}); err != nil {
		t.Fatalf("Run: %v", err)
	}

	h.disp.mu.Lock()
	defer h.disp.mu.Unlock()
	if len(h.disp.jobs) != 2 || h.disp.jobs[0].Attempt == h.disp.jobs[1].Attempt {
		t.Errorf("jobs = %+v", h.disp.jobs)
	}
}

func TestStop(t *testing.T) {
	dispatched := make(chan struct{}, 1)
	h := newHarness(t, func(automator.Job, int) (bool, error) {
		dispatched <- struct{}{}
		return false, errHang
	})

	done := make(chan RunState, 1)
	go func() {
		st, _ := h.orch.Run(context.Background(), abList, RunOptions{})
		done <- st
	}()

	<-dispatched
	if err := h.orch.Stop(); err != nil {
		t.Fatalf("Stop: %v", err)
	}

	select {
	case st := <-done:
		if st.Phase != PhaseStopped || st.Phase.Outcome() != "stopped-by-user" {
			t.Errorf("phase = %s", st.Phase)
		}
	case <-time.After(2 * time.Second):
		t.Fatal("run did not stop")
	}

	if err := h.orch.Stop(); !errors.Is(err, ErrNotRunning) {
		t.Errorf("second Stop = %v, want ErrNotRunning", err)
	}
}

func TestAlreadyRunning(t *testing.T) {
	dispatched := make(chan struct{}, 1)
	h := newHarness(t, func(automator.Job, int) (bool, error) {
		dispatched <- struct{}{}
		return false, errHang
	})

	go h.orch.Run(context.Background(), abList, RunOptions{})
	<-dispatched

	if _, err := h.orch.Run(context.Background(), abList, RunOptions{}); !errors.Is(err, ErrAlreadyRunning) {
		t.Errorf("second Run = %v, want ErrAlreadyRunning", err)
	}
	_ = h.orch.Stop()
}

func TestResetClearsState(t *testing.T) {
	h := newHarness(t, func(automator.Job, int) (bool, error) {
		return false, failure.New(failure.KindGenerationTimeout, "x")
	})
	h.config.cfg.Run.MaxRetries = 0

	if _, err := h.orch.Run(context.Background(), abList, RunOptions{}); err == nil {
		t.Fatal("expected fatal error")
	}
	if err := h.orch.Reset(context.Background()); err != nil {
		t.Fatalf("Reset: %v", err)
	}

	st := h.orch.State()
	if st.Phase != PhaseIdle || st.FailedIndex != -1 || len(st.RetryCounts) != 0 || st.RunID != "" {
		t.Errorf("state after reset = %+v", st)
	}
	if h.files.resets != 1 {
		t.Errorf("file resets = %d, want 1", h.files.resets)
	}
}

func TestRunRejectsFreshChat(t *testing.T) {
	h := newHarness(t, nil)
	h.browser.url = "https://gemini.google.com/app"

	st, err := h.orch.Run(context.Background(), abList, RunOptions{})
	if !errors.Is(err, ErrNoConversation) {
		t.Fatalf("Run = %v, want ErrNoConversation", err)
	}
	if st.Phase != PhaseFatalError || len(h.disp.indexes()) != 0 {
		t.Errorf("state = %+v", st)
	}
}

func TestRunLockedURL(t *testing.T) {
	h := newHarness(t, nil)
	h.browser.url = "about:blank"
	h.config.cfg.Run.LockedURL = "https://gemini.google.com/gem/abc/def"

	st, err := h.orch.Run(context.Background(), abList[:1], RunOptions{})
	if err != nil {
		t.Fatalf("Run: %v", err)
	}
	if st.ConversationURL != h.config.cfg.Run.LockedURL {
		t.Errorf("url = %q", st.ConversationURL)
	}
	h.disp.mu.Lock()
	defer h.disp.mu.Unlock()
	if h.disp.jobs[0].LockedURL != h.config.cfg.Run.LockedURL {
		t.Error("locked url not passed to job")
	}
}

func TestRunInvalidLockedURL(t *testing.T) {
	h := newHarness(t, nil)
	h.config.cfg.Run.LockedURL = "https://example.com/app/abc"

	_, err := h.orch.Run(context.Background(), abList, RunOptions{})
	if failure.KindOf(err) != failure.KindLockedURLMismatch {
		t.Errorf("Run = %v, want locked-url-mismatch", err)
	}
}

func TestRunPersistsRecord(t *testing.T) {
	h := newHarness(t, nil)
	store := runs.NewFileStore(t.TempDir())
	h.orch.deps.Runs = store

	st, err := h.orch.Run(context.Background(), abList, RunOptions{TaskFile: "list.json"})
	if err != nil {
		t.Fatalf("Run: %v", err)
	}

	rec, err := store.Get(st.RunID)
	if err != nil {
		t.Fatalf("Get record: %v", err)
	}
	if rec.Outcome != runs.OutcomeCompleted || rec.Completed != 2 || rec.TaskFile != "list.json" || rec.FinishedAt == nil {
		t.Errorf("record = %+v", rec)
	}
	if rec.ConversationURL != conversation {
		t.Errorf("record url = %q", rec.ConversationURL)
	}
}

func TestRunPublishesLifecycle(t *testing.T) {
	h := newHarness(t, nil)
	ch, unsub := h.bus.SubscribeChan(64, events.EventRunStarted, events.EventRunFinished, events.EventTabOpened)
	defer unsub()

	if _, err := h.orch.Run(context.Background(), abList, RunOptions{}); err != nil {
		t.Fatalf("Run: %v", err)
	}

	seen := map[events.EventType]int{}
	deadline := time.After(time.Second)
	for seen[events.EventRunFinished] == 0 {
		select {
		case e := <-ch:
			seen[e.Type]++
		case <-deadline:
			t.Fatalf("events seen: %v", seen)
		}
	}
	if seen[events.EventRunStarted] != 1 || seen[events.EventTabOpened] != 2 {
		t.Errorf("events seen: %v", seen)
	}
}

func TestAwaitTimeoutCoversEveryStep(t *testing.T) {
	cfg := config.Default()
	got := awaitTimeout(cfg)
	floor := cfg.Run.GenerationTimeout.Duration() + cfg.Run.DownloadTimeout.Duration() + cfg.Run.InputTimeout.Duration()
	if got <= floor {
		t.Errorf("awaitTimeout = %s, want more than %s", got, floor)
	}
}

func TestValidateConversationURL(t *testing.T) {
	target := config.Default().Target
	tests := []struct {
		url string
		ok  bool
	}{
		{"https://gemini.google.com/app/abc123", true},
		{"https://gemini.google.com/app/abc123/", true},
		{"https://gemini.google.com/u/1/app/abc123", true},
		{"https://gemini.google.com/gem/storybook/abc", true},
		{"https://gemini.google.com/app", false},
		{"https://gemini.google.com/", false},
		{"https://evil.example/app/abc123", false},
		{"chrome://newtab/", false},
		{"about:blank", false},
	}
	for _, tt := range tests {
		t.Run(tt.url, func(t *testing.T) {
			err := ValidateConversationURL(tt.url, target)
			if (err == nil) != tt.ok {
				t.Errorf("ValidateConversationURL(%q) = %v, want ok=%v", tt.url, err, tt.ok)
			}
		})
	}
}

func TestRemainingEstimateMovesOnlyAtCompletion(t *testing.T) {
	prev := tickInterval
	tickInterval = 5 * time.Millisecond
	t.Cleanup(func() { tickInterval = prev })

	h := newHarness(t, func(job automator.Job, _ int) (bool, error) {
		if job.Index == 0 {
			time.Sleep(40 * time.Millisecond)
		} else {
			time.Sleep(100 * time.Millisecond)
		}
		return false, nil
	})

	st, err := h.orch.Run(context.Background(), abList, RunOptions{})
	if err != nil {
		t.Fatalf("Run: %v", err)
	}
	if st.Remaining != 0 || st.Elapsed <= 0 {
		t.Errorf("final elapsed/remaining = %s/%s", st.Elapsed, st.Remaining)
	}
	time.Sleep(50 * time.Millisecond)

	var before, after []events.RunProgressPayload
	for _, e := range h.bus.History(1024) {
		p, ok := events.ExtractPayload[events.RunProgressPayload](e)
		if !ok || p.Phase != string(PhaseRunning) {
			continue
		}
		switch p.Completed {
		case 0:
			before = append(before, p)
		case 1:
			after = append(after, p)
		}
	}

	if len(before) == 0 || len(after) < 2 {
		t.Fatalf("progress events before/after first completion = %d/%d", len(before), len(after))
	}
	for _, p := range before {
		if p.Remaining != 0 {
			t.Errorf("remaining before any completion = %s", p.Remaining)
		}
	}
	estimate := after[0].Remaining
	if estimate <= 0 {
		t.Fatalf("remaining after first completion = %s, want > 0", estimate)
	}
	for _, p := range after[1:] {
		if p.Remaining != estimate {
			t.Errorf("remaining changed between completions: %s then %s", estimate, p.Remaining)
		}
		if p.Elapsed <= 0 {
			t.Errorf("tick without elapsed time: %+v", p)
		}
	}
}
