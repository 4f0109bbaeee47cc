// Package automator drives one task through the chat page: type the prompt,
// send it, wait for the generated image, download it and confirm the file.
package automator

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"slices"
	"strings"
	"time"

	"github.com/dohr-michael/genbatch/internal/config"
	"github.com/dohr-michael/genbatch/internal/events"
	"github.com/dohr-michael/genbatch/internal/failure"
	"github.com/dohr-michael/genbatch/internal/files"
	"github.com/dohr-michael/genbatch/internal/poll"
	"github.com/dohr-michael/genbatch/internal/tasks"
)

// Phases reported in status updates.
const (
	PhaseInit         = "init"
	PhaseSkipCheck    = "skip-check"
	PhaseWaitInput    = "wait-input"
	PhaseStabilize    = "stabilize"
	PhaseCompose      = "compose"
	PhaseWaitSendable = "wait-sendable"
	PhaseSend         = "send"
	PhaseWaitPrompt   = "wait-prompt"
	PhaseWaitResponse = "wait-response"
	PhaseDownload     = "download"
	PhaseWaitFile     = "wait-file"
	PhaseDone         = "done"
)

const (
	stabilizeGrace = 10 * time.Second
	menuAttempts   = 3
	publishTimeout = 5 * time.Second
)

// Files is the part of the file service a task needs.
type Files interface {
	FileExists(ctx context.Context, name string) (bool, error)
	Snapshot(ctx context.Context) (files.Baseline, error)
	WaitForDownloadAndRename(ctx context.Context, target string, baseline files.Baseline) files.Result
}

// Timing bounds every wait of a task.
type Timing struct {
	Poll         time.Duration
	Step         time.Duration
	Input        time.Duration
	Generation   time.Duration
	Stabilize    time.Duration
	MenuAttempts int
}

// TimingFromConfig derives Timing from a defaulted config.
func TimingFromConfig(cfg *config.Config) Timing {
	return Timing{
		Poll:         cfg.Run.PollInterval.Duration(),
		Step:         cfg.Run.StepDelay.Duration(),
		Input:        cfg.Run.InputTimeout.Duration(),
		Generation:   cfg.Run.GenerationTimeout.Duration(),
		Stabilize:    stabilizeGrace,
		MenuAttempts: menuAttempts,
	}
}

// Job is one dispatch of one task.
type Job struct {
	Index     int
	Attempt   int // dispatch sequence number within the run
	Task      tasks.Task
	Filename  string
	LockedURL string
	Timing    Timing
}

// Marker is the line embedded in the prompt to find the task's turn again.
func (j Job) Marker() string {
	return "name: " + j.Filename
}

// Prompt composes the text typed into the chat input.
func (j Job) Prompt() string {
	return j.Marker() + "\n" + j.Task.Prompt
}

// Outcome is the single result of a task run.
type Outcome struct {
	Index    int
	Attempt  int
	Name     string
	Filename string
	Skipped  bool
	Err      error
}

// Automator runs jobs and reports each outcome on the bus.
type Automator struct {
	bus    *events.Bus
	files  Files
	logger *slog.Logger
}

// New creates an Automator. logger may be nil.
func New(bus *events.Bus, fs Files, logger *slog.Logger) *Automator {
	if logger == nil {
		logger = slog.Default()
	}
	return &Automator{bus: bus, files: fs, logger: logger}
}

// Run executes job against page and publishes exactly one task.complete or
// task.error event. It never panics.
func (a *Automator) Run(ctx context.Context, page Page, job Job) (out Outcome) {
	out = Outcome{Index: job.Index, Attempt: job.Attempt, Name: job.Task.Name, Filename: job.Filename}
	log := a.logger.With("run_id", events.RunIDFromContext(ctx), "task_index", job.Index, "task", job.Task.Name)

	defer func() {
		if r := recover(); r != nil {
			out.Err = failure.Newf(failure.KindGenerationTimeout, "page automation panicked: %v", r)
			out.Skipped = false
		}
		a.report(ctx, log, out)
	}()

	r := &runner{a: a, page: page, job: job, log: log, ctx: ctx}
	out.Skipped, out.Err = r.run()
	return out
}

func (a *Automator) report(ctx context.Context, log *slog.Logger, out Outcome) {
	var payload events.EventPayload
	if out.Err != nil {
		kind := failure.KindOf(out.Err)
		log.Warn("task failed", "kind", kind, "error", out.Err)
		payload = events.TaskErrorPayload{
			Index:     out.Index,
			Attempt:   out.Attempt,
			Name:      out.Name,
			Error:     out.Err.Error(),
			ErrorType: kind,
			Class:     kind.Class(),
		}
	} else {
		log.Info("task completed", "filename", out.Filename, "skipped", out.Skipped)
		payload = events.TaskCompletePayload{
			Index:    out.Index,
			Attempt:  out.Attempt,
			Name:     out.Name,
			Filename: out.Filename,
			Skipped:  out.Skipped,
		}
	}

	pctx, cancel := context.WithTimeout(context.WithoutCancel(ctx), publishTimeout)
	defer cancel()
	e := events.NewTypedEventWithRun(events.SourceAutomator, payload, events.RunIDFromContext(ctx))
	if err := a.bus.PublishAsync(pctx, e); err != nil {
		log.Error("publish task outcome", "error", err)
	}
}

// runner holds the state of one job run.
type runner struct {
	a    *Automator
	page Page
	job  Job
	log  *slog.Logger
	ctx  context.Context
}

func (r *runner) status(phase, format string, args ...any) {
	msg := fmt.Sprintf(format, args...)
	r.log.Debug(msg, "phase", phase)
	e := events.NewTypedEventWithRun(events.SourceAutomator, events.StatusUpdatePayload{
		Index:   r.job.Index,
		Attempt: r.job.Attempt,
		Phase:   phase,
		Message: msg,
	}, events.RunIDFromContext(r.ctx))
	r.a.bus.Publish(e)
}

func (r *runner) run() (skipped bool, err error) {
	ctx := r.ctx
	t := r.job.Timing

	r.status(PhaseInit, "Starting %s", r.job.Task.Name)
	if err := r.checkLockedURL(); err != nil {
		return false, err
	}

	r.status(PhaseSkipCheck, "Checking %s", r.job.Filename)
	exists, err := r.a.files.FileExists(ctx, r.job.Filename)
	if err != nil {
		return false, err
	}
	if exists {
		r.status(PhaseDone, "Skipped %s (already exists)", r.job.Filename)
		return true, nil
	}

	r.status(PhaseWaitInput, "Waiting for input")
	if err := r.waitInput(t); err != nil {
		return false, err
	}

	r.status(PhaseStabilize, "Waiting for previous images")
	if err := r.stabilize(t); err != nil {
		return false, err
	}

	r.status(PhaseCompose, "Typing prompt")
	if err := r.compose(t); err != nil {
		return false, err
	}

	echoes, err := r.page.PromptEchoes(ctx)
	if err != nil {
		return false, failure.Wrap(failure.KindResponseAnchorNotFound, "read prompt echoes", err)
	}
	prevEchoes := len(echoes)
	baseImages, err := r.page.ImageSources(ctx)
	if err != nil {
		return false, failure.Wrap(failure.KindGenerationTimeout, "read image sources", err)
	}

	r.status(PhaseWaitSendable, "Waiting for send button")
	if err := r.waitSendable(t); err != nil {
		return false, err
	}

	r.status(PhaseSend, "Sending prompt")
	if err := r.page.ClickSend(ctx); err != nil {
		return false, failure.Wrap(failure.KindSendNotReady, "click send", err)
	}

	r.status(PhaseWaitPrompt, "Waiting for prompt to render")
	anchor, err := r.waitPrompt(t, prevEchoes)
	if err != nil {
		return false, err
	}

	r.status(PhaseWaitResponse, "Generating")
	if err := r.waitResponse(t, anchor, baseImages); err != nil {
		return false, err
	}

	r.status(PhaseDownload, "Downloading")
	baseline, err := r.a.files.Snapshot(ctx)
	if err != nil {
		return false, err
	}
	if err := r.download(t, anchor); err != nil {
		return false, err
	}

	r.status(PhaseWaitFile, "Waiting for %s", r.job.Filename)
	res := r.a.files.WaitForDownloadAndRename(ctx, r.job.Filename, baseline)
	if !res.Success {
		kind := res.ErrorType
		if kind == failure.KindNone {
			kind = failure.KindFileWaitTimeout
		}
		return false, failure.New(kind, res.Error).WithReason(res.Reason)
	}

	r.status(PhaseDone, "Saved %s", res.Filename)
	return false, nil
}

func (r *runner) checkLockedURL() error {
	if r.job.LockedURL == "" {
		return nil
	}
	current, err := r.page.URL(r.ctx)
	if err != nil {
		return failure.Wrap(failure.KindLockedURLMismatch, "read page url", err)
	}
	if !SameConversation(current, r.job.LockedURL) {
		return failure.Newf(failure.KindLockedURLMismatch, "page is at %s, locked to %s", current, r.job.LockedURL)
	}
	return nil
}

func (r *runner) waitInput(t Timing) error {
	err := poll.Until(r.ctx, t.Poll, t.Input, func(ctx context.Context) (bool, error) {
		return r.page.InputReady(ctx)
	})
	return classify(err, failure.KindInputNotFound, "input not found within %s", t.Input)
}

// stabilize waits for images left over from earlier turns to finish loading.
// Running out of grace is not an error.
func (r *runner) stabilize(t Timing) error {
	err := poll.Until(r.ctx, t.Poll, t.Stabilize, func(ctx context.Context) (bool, error) {
		n, err := r.page.LoadingImages(ctx)
		return n == 0, err
	})
	if errors.Is(err, poll.ErrTimeout) {
		r.log.Debug("previous images still loading, continuing")
		return nil
	}
	return classify(err, failure.KindInputNotFound, "inspect previous images")
}

func (r *runner) compose(t Timing) error {
	text := r.job.Prompt()

	if err := r.page.InsertText(r.ctx, text); err != nil {
		return failure.Wrap(failure.KindInputNotFound, "insert prompt", err)
	}
	if err := poll.Sleep(r.ctx, t.Step); err != nil {
		return classify(err, failure.KindInputNotFound, "")
	}
	if ok, err := r.inputMatches(text); err != nil || ok {
		return err
	}

	r.log.Debug("typed text not visible, assigning directly")
	if err := r.page.SetText(r.ctx, text); err != nil {
		return failure.Wrap(failure.KindInputNotFound, "assign prompt", err)
	}
	if err := poll.Sleep(r.ctx, t.Step); err != nil {
		return classify(err, failure.KindInputNotFound, "")
	}
	ok, err := r.inputMatches(text)
	if err != nil {
		return err
	}
	if !ok {
		return failure.New(failure.KindInputNotFound, "prompt text did not appear in the input")
	}
	return nil
}

func (r *runner) inputMatches(want string) (bool, error) {
	got, err := r.page.InputText(r.ctx)
	if err != nil {
		return false, failure.Wrap(failure.KindInputNotFound, "read input", err)
	}
	return normalize(got) == normalize(want), nil
}

func (r *runner) waitSendable(t Timing) error {
	err := poll.Until(r.ctx, t.Poll, t.Input, func(ctx context.Context) (bool, error) {
		st, err := r.page.SendState(ctx)
		if err != nil {
			return false, err
		}
		if st.Enabled && !st.Busy {
			return true, nil
		}
		return false, r.page.NudgeInput(ctx)
	})
	return classify(err, failure.KindSendNotReady, "send button not ready within %s", t.Input)
}

// waitPrompt waits for the input to clear and for a new prompt echo after
// the prev existing ones that carries the marker.
func (r *runner) waitPrompt(t Timing, prev int) (Anchor, error) {
	marker := r.job.Marker()
	anchor, err := poll.For(r.ctx, t.Poll, t.Input, func(ctx context.Context) (Anchor, bool, error) {
		text, err := r.page.InputText(ctx)
		if err != nil {
			return Anchor{}, false, err
		}
		if strings.TrimSpace(text) != "" {
			return Anchor{}, false, nil
		}
		echoes, err := r.page.PromptEchoes(ctx)
		if err != nil {
			return Anchor{}, false, err
		}
		for i := len(echoes) - 1; i >= prev; i-- {
			if strings.Contains(normalize(echoes[i]), marker) {
				return Anchor{Index: i, Marker: marker}, true, nil
			}
		}
		return Anchor{}, false, nil
	})
	return anchor, classify(err, failure.KindResponseAnchorNotFound, "prompt not rendered within %s", t.Input)
}

// waitResponse waits until the anchored response is idle, shows a loaded
// image absent before sending and offers an enabled download control.
func (r *runner) waitResponse(t Timing, anchor Anchor, before []string) error {
	err := poll.Until(r.ctx, t.Poll, t.Generation, func(ctx context.Context) (bool, error) {
		st, err := r.page.Response(ctx, anchor)
		if err != nil {
			return false, err
		}
		if !st.Found || st.Busy || !st.DownloadReady {
			return false, nil
		}
		return slices.ContainsFunc(st.Images, func(src string) bool {
			return !slices.Contains(before, src)
		}), nil
	})
	if errors.Is(err, poll.ErrTimeout) {
		r.stopGeneration()
	}
	return classify(err, failure.KindGenerationTimeout, "no image within %s", t.Generation)
}

func (r *runner) stopGeneration() {
	ctx, cancel := context.WithTimeout(context.WithoutCancel(r.ctx), 5*time.Second)
	defer cancel()
	stopped, err := r.page.StopGeneration(ctx)
	if err != nil {
		r.log.Debug("stop generation failed", "error", err)
		return
	}
	if stopped {
		r.log.Info("stopped runaway generation")
	}
}

func (r *runner) download(t Timing, anchor Anchor) error {
	clicked, err := r.page.ClickDownload(r.ctx, anchor)
	if err != nil {
		return failure.Wrap(failure.KindDownloadControlNotFound, "click download", err)
	}
	if !clicked {
		return failure.New(failure.KindDownloadControlNotFound, "no download control for this response")
	}

	for attempt := 0; attempt < t.MenuAttempts; attempt++ {
		if err := poll.Sleep(r.ctx, t.Step); err != nil {
			return classify(err, failure.KindDownloadControlNotFound, "")
		}
		ok, err := r.page.ConfirmDownloadMenu(r.ctx)
		if err != nil {
			return failure.Wrap(failure.KindDownloadControlNotFound, "confirm download menu", err)
		}
		if ok {
			r.log.Debug("download menu confirmed", "attempt", attempt+1)
			break
		}
	}
	return nil
}

// classify turns a poll error into a classified failure. Timeouts become
// kind; cancellation stays cancellation.
func classify(err error, kind failure.Kind, format string, args ...any) error {
	switch {
	case err == nil:
		return nil
	case errors.Is(err, context.Canceled):
		return failure.Wrap(failure.KindCancelled, "cancelled", err)
	case errors.Is(err, poll.ErrTimeout):
		return failure.Newf(kind, format, args...)
	default:
		var fe *failure.Error
		if errors.As(err, &fe) {
			return err
		}
		return failure.Wrap(kind, fmt.Sprintf(format, args...), err)
	}
}

// normalize collapses whitespace so rendered text compares to typed text.
func normalize(s string) string {
	return strings.Join(strings.Fields(s), " ")
}
