// Package orchestrator runs a task list: it filters the queue, drives one
// task at a time through a fresh tab, retries failures and tracks progress.
package orchestrator

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/dohr-michael/genbatch/internal/automator"
	"github.com/dohr-michael/genbatch/internal/config"
	"github.com/dohr-michael/genbatch/internal/events"
	"github.com/dohr-michael/genbatch/internal/failure"
	"github.com/dohr-michael/genbatch/internal/poll"
	"github.com/dohr-michael/genbatch/internal/runs"
	"github.com/dohr-michael/genbatch/internal/tasks"
)

var (
	ErrAlreadyRunning = errors.New("a run is already in progress")
	ErrNotRunning     = errors.New("no run in progress")
)

const (
	awaitMargin  = 30 * time.Second
	resetTimeout = 10 * time.Second
)

// tickInterval paces elapsed-time refreshes while a run is active.
var tickInterval = time.Second

// Browser opens tabs on the chat application.
type Browser interface {
	ActiveURL(ctx context.Context) (string, error)
	OpenTab(ctx context.Context, url string, loadTimeout time.Duration) (automator.Tab, error)
}

// FileIndex is the part of the file service the orchestrator queries.
type FileIndex interface {
	ListFiles(ctx context.Context) ([]string, error)
	ResetState(ctx context.Context) error
}

// ConfigSource supplies the run configuration and re-reads it on demand.
type ConfigSource interface {
	Current() *config.Config
	Reload() error
}

// Deps are the collaborators of an Orchestrator.
type Deps struct {
	Bus        *events.Bus
	Browser    Browser
	Dispatcher Dispatcher
	Files      FileIndex
	Config     ConfigSource
	Runs       runs.Store // optional
	Logger     *slog.Logger
}

// RunOptions describe one run.
type RunOptions struct {
	TaskFile string // recorded in the run record
}

// Orchestrator owns the run state. Only one run may be active.
type Orchestrator struct {
	deps   Deps
	logger *slog.Logger

	mu     sync.Mutex
	state  RunState
	cancel context.CancelFunc
	done   chan struct{}
}

// New creates an idle Orchestrator.
func New(deps Deps) *Orchestrator {
	logger := deps.Logger
	if logger == nil {
		logger = slog.Default()
	}
	return &Orchestrator{deps: deps, logger: logger.With("component", "orchestrator"), state: idleState()}
}

// State returns a copy of the current run state.
func (o *Orchestrator) State() RunState {
	o.mu.Lock()
	defer o.mu.Unlock()
	return o.state.clone()
}

// Stop cancels the active run. All pending waits exit at their next tick.
func (o *Orchestrator) Stop() error {
	o.mu.Lock()
	defer o.mu.Unlock()
	if o.cancel == nil {
		return ErrNotRunning
	}
	o.state.Status = "Stopping"
	o.cancel()
	return nil
}

// Reset stops any active run, waits for it to wind down, clears the run
// state and asks the file service to forget its recorded hash.
func (o *Orchestrator) Reset(ctx context.Context) error {
	o.mu.Lock()
	done := o.done
	o.mu.Unlock()

	if err := o.Stop(); err == nil && done != nil {
		select {
		case <-done:
		case <-time.After(resetTimeout):
			o.logger.Warn("run did not stop in time, resetting anyway")
		case <-ctx.Done():
			return ctx.Err()
		}
	}

	o.mu.Lock()
	o.state = idleState()
	o.mu.Unlock()

	if err := o.deps.Files.ResetState(ctx); err != nil {
		return fmt.Errorf("reset file state: %w", err)
	}
	o.logger.Info("orchestrator reset")
	return nil
}

// Run processes list until every task is done, the user stops the run or a
// task exhausts its retries. It returns the final state.
func (o *Orchestrator) Run(ctx context.Context, list []tasks.Task, opts RunOptions) (RunState, error) {
	runID := runs.GenerateRunID()
	ctx, cancel := context.WithCancel(events.ContextWithRunID(ctx, runID))
	defer cancel()

	o.mu.Lock()
	if o.cancel != nil {
		o.mu.Unlock()
		return o.State(), ErrAlreadyRunning
	}
	o.cancel = cancel
	o.done = make(chan struct{})
	o.state = idleState()
	o.state.RunID = runID
	o.state.Phase = PhaseRunning
	o.state.IsRunning = true
	o.state.Total = len(list)
	o.state.Status = "Starting"
	o.mu.Unlock()

	defer func() {
		o.mu.Lock()
		o.cancel = nil
		close(o.done)
		o.mu.Unlock()
	}()

	log := o.logger.With("run_id", runID)
	cfg := o.reloadConfig(log)

	r := &run{o: o, ctx: ctx, log: log, cfg: cfg, start: time.Now(), runID: runID}
	return r.execute(list, opts)
}

func (o *Orchestrator) reloadConfig(log *slog.Logger) *config.Config {
	if err := o.deps.Config.Reload(); err != nil {
		log.Warn("config reload failed, keeping previous", "error", err)
	}
	return o.deps.Config.Current()
}

func (o *Orchestrator) update(fn func(s *RunState)) RunState {
	o.mu.Lock()
	defer o.mu.Unlock()
	fn(&o.state)
	return o.state.clone()
}

// run holds the state of one Run call.
type run struct {
	o     *Orchestrator
	ctx   context.Context
	log   *slog.Logger
	cfg   *config.Config
	start time.Time
	runID string

	url      string
	queue    *tasks.Queue
	tab      automator.Tab
	tabs     int // tabs opened so far
	attempts int
	record   *runs.Record
}

func (r *run) execute(list []tasks.Task, opts RunOptions) (RunState, error) {
	r.createRecord(opts, len(list))

	url, err := resolveURL(r.ctx, r.o.deps.Browser, r.cfg)
	if err != nil {
		return r.finish(PhaseFatalError, err, -1)
	}
	r.url = url
	r.o.update(func(s *RunState) { s.ConversationURL = url })

	existing, err := r.o.deps.Files.ListFiles(r.ctx)
	if err != nil {
		if r.ctx.Err() != nil {
			return r.finish(PhaseStopped, nil, -1)
		}
		r.log.Warn("output listing unavailable, running every task", "error", err)
	}
	r.queue = tasks.BuildQueue(list, existing)
	skipped := len(list) - r.queue.Len()

	r.o.update(func(s *RunState) {
		s.QueueLength = r.queue.Len()
		s.SkippedCount = skipped
		if skipped > 0 {
			s.Status = fmt.Sprintf("Skipped %d existing files", skipped)
		}
	})
	r.log.Info("run started", "total", len(list), "queued", r.queue.Len(), "skipped", skipped, "url", url)

	r.updateRecord(func(rec *runs.Record) {
		rec.ConversationURL = url
		rec.Skipped = skipped
	})
	r.publish(events.RunStartedPayload{Total: len(list), Skipped: skipped, ConversationURL: url})

	stopTicker := r.startTicker()
	defer stopTicker()
	defer r.closeTab()

	for !r.queue.Done() {
		entry, _ := r.queue.Current()

		err := r.prepareTab()
		skippedNow := false
		if err == nil {
			skippedNow, err = r.attempt(entry)
		}

		if r.ctx.Err() != nil {
			return r.finish(PhaseStopped, nil, -1)
		}

		r.closeTab()

		if err == nil {
			r.complete(entry, skippedNow)
			continue
		}

		if !r.retry(entry, err) {
			return r.finish(PhaseFatalError, err, entry.ListIndex)
		}
	}

	return r.finish(PhaseCompleted, nil, -1)
}

// prepareTab opens a fresh tab when none is open. Every tab after the first
// waits for the task interval and re-reads the configuration.
func (r *run) prepareTab() error {
	if r.tab != nil {
		return nil
	}
	if r.tabs > 0 {
		r.cfg = r.o.reloadConfig(r.log)
		r.status(fmt.Sprintf("Next task in %s", r.cfg.Run.TaskInterval.Duration()))
		if err := poll.Sleep(r.ctx, r.cfg.Run.TaskInterval.Duration()); err != nil {
			return err
		}
		r.status("Opening tab")
	}

	r.tabs++
	tab, err := r.o.deps.Browser.OpenTab(r.ctx, r.url, r.cfg.Run.PageLoadTimeout.Duration())
	if err != nil {
		return failure.Wrap(failure.KindNoReply, "open tab", err)
	}
	r.tab = tab
	r.o.update(func(s *RunState) { s.CurrentTabID = tab.ID() })
	r.publish(events.TabOpenedPayload{TabID: tab.ID(), URL: r.url})

	return poll.Sleep(r.ctx, r.cfg.Run.SettleDelay.Duration())
}

func (r *run) closeTab() {
	if r.tab == nil {
		return
	}
	tab := r.tab
	r.tab = nil

	ctx, cancel := context.WithTimeout(context.WithoutCancel(r.ctx), 5*time.Second)
	defer cancel()
	if err := tab.Close(ctx); err != nil {
		r.log.Warn("close tab failed", "tab_id", tab.ID(), "error", err)
	}
	r.o.update(func(s *RunState) { s.CurrentTabID = "" })
	r.publish(events.TabClosedPayload{TabID: tab.ID()})
}

// attempt dispatches entry and waits for its single outcome event.
func (r *run) attempt(entry tasks.Entry) (bool, error) {
	r.attempts++
	seq := r.attempts
	log := r.log.With("task_index", entry.ListIndex, "task", entry.Task.Name, "attempt", seq)

	r.o.update(func(s *RunState) {
		s.CurrentIndex = entry.ListIndex
		s.CurrentTask = entry.Task.Name
		s.Status = fmt.Sprintf("Task %d/%d: %s", r.queue.Index()+1, r.queue.Len(), entry.Task.Name)
	})
	r.updateRecord(func(rec *runs.Record) {
		rec.CurrentTask = &runs.CurrentTask{Index: entry.ListIndex, Name: entry.Task.Name, Filename: entry.Filename, Attempt: seq}
	})

	ch, unsub := r.o.deps.Bus.SubscribeChan(64, events.EventTaskComplete, events.EventTaskError, events.EventStatusUpdate)
	defer unsub()

	actx, cancel := context.WithCancel(r.ctx)
	defer cancel()

	job := automator.Job{
		Index:     entry.ListIndex,
		Attempt:   seq,
		Task:      entry.Task,
		Filename:  entry.Filename,
		LockedURL: r.cfg.Run.LockedURL,
		Timing:    automator.TimingFromConfig(r.cfg),
	}
	log.Debug("dispatching task")
	r.o.deps.Dispatcher.Dispatch(actx, r.tab.Page(), job)

	timeout := awaitTimeout(r.cfg)
	timer := time.NewTimer(timeout)
	defer timer.Stop()

	for {
		select {
		case e, ok := <-ch:
			if !ok {
				return false, failure.New(failure.KindNoReply, "event bus closed")
			}
			if e.RunID != r.runID {
				continue
			}
			switch e.Type {
			case events.EventStatusUpdate:
				if p, ok := events.ExtractPayload[events.StatusUpdatePayload](e); ok && p.Attempt == seq {
					r.o.update(func(s *RunState) { s.Status = p.Message })
				}
			case events.EventTaskComplete:
				if p, ok := events.ExtractPayload[events.TaskCompletePayload](e); ok && p.Attempt == seq {
					return p.Skipped, nil
				}
			case events.EventTaskError:
				if p, ok := events.ExtractPayload[events.TaskErrorPayload](e); ok && p.Attempt == seq {
					kind := p.ErrorType
					if kind == failure.KindNone {
						kind = failure.KindGenerationTimeout
					}
					return false, failure.New(kind, p.Error)
				}
			}
		case <-timer.C:
			return false, failure.Newf(failure.KindNoReply, "no result for %s within %s", entry.Task.Name, timeout)
		case <-r.ctx.Done():
			return false, r.ctx.Err()
		}
	}
}

// awaitTimeout bounds a whole task: three input-bounded waits, generation,
// download, the stabilization grace and a margin.
func awaitTimeout(cfg *config.Config) time.Duration {
	t := automator.TimingFromConfig(cfg)
	return 3*t.Input + t.Generation + t.Stabilize + cfg.Run.DownloadTimeout.Duration() + awaitMargin
}

func (r *run) complete(entry tasks.Entry, skipped bool) {
	r.queue.Advance()
	elapsed := time.Since(r.start)
	processed := r.queue.Index()
	remaining := time.Duration(0)
	if processed > 0 {
		remaining = elapsed / time.Duration(processed) * time.Duration(r.queue.Remaining())
	}

	st := r.o.update(func(s *RunState) {
		delete(s.RetryCounts, entry.ListIndex)
		if skipped {
			s.SkippedCount++
		} else {
			s.CompletedCount++
		}
		s.Elapsed = elapsed
		s.Remaining = remaining
		s.Status = fmt.Sprintf("Done %s (%d/%d)", entry.Filename, processed, r.queue.Len())
	})
	r.updateRecord(func(rec *runs.Record) {
		rec.Completed = st.CompletedCount
		rec.Skipped = st.SkippedCount
		rec.CurrentTask = nil
	})
	r.publishProgress(st)
}

// retry records a failure and reports whether the task gets another attempt.
func (r *run) retry(entry tasks.Entry, err error) bool {
	kind := failure.KindOf(err)
	limit := r.cfg.Run.MaxRetries

	var count int
	var again bool
	r.o.update(func(s *RunState) {
		count = s.RetryCounts[entry.ListIndex]
		s.LastError = err.Error()
		s.LastErrorType = kind
		if count < limit {
			count++
			s.RetryCounts[entry.ListIndex] = count
			s.Status = fmt.Sprintf("Retry %d/%d for %s: %s", count, limit, entry.Task.Name, kind)
			again = true
		}
	})

	if again {
		r.log.Warn("task failed, retrying", "task_index", entry.ListIndex, "task", entry.Task.Name,
			"retry", count, "max", limit, "kind", kind, "class", kind.Class(), "error", err)
		r.updateRecord(func(rec *runs.Record) { rec.Retries++ })
	} else {
		r.log.Error("task failed, retries exhausted", "task_index", entry.ListIndex, "task", entry.Task.Name,
			"kind", kind, "class", kind.Class(), "error", err)
	}
	return again
}

func (r *run) finish(phase Phase, err error, failedIndex int) (RunState, error) {
	elapsed := time.Since(r.start)
	st := r.o.update(func(s *RunState) {
		s.Phase = phase
		s.IsRunning = false
		s.Elapsed = elapsed
		s.Remaining = 0
		s.FailedIndex = failedIndex
		if failedIndex < 0 {
			s.CurrentIndex = -1
			s.CurrentTask = ""
		}
		switch phase {
		case PhaseCompleted:
			s.Status = fmt.Sprintf("Completed: %d generated, %d skipped", s.CompletedCount, s.SkippedCount)
		case PhaseStopped:
			s.Status = "Stopped by user"
		case PhaseFatalError:
			s.LastError = err.Error()
			s.LastErrorType = failure.KindOf(err)
			if failedIndex >= 0 {
				s.Status = fmt.Sprintf("Halted on task %d: %s", failedIndex, err)
			} else {
				s.Status = "Halted: " + err.Error()
			}
		}
	})

	r.updateRecord(func(rec *runs.Record) {
		now := time.Now()
		rec.Outcome = runs.Outcome(phase.Outcome())
		rec.Completed = st.CompletedCount
		rec.Skipped = st.SkippedCount
		rec.FailedIndex = failedIndex
		rec.Error = st.LastError
		rec.FinishedAt = &now
		if failedIndex < 0 {
			rec.CurrentTask = nil
		}
	})
	r.publish(events.RunFinishedPayload{
		Outcome:     phase.Outcome(),
		Error:       st.LastError,
		FailedIndex: failedIndex,
		Completed:   st.CompletedCount,
		Skipped:     st.SkippedCount,
	})

	r.log.Info("run finished", "outcome", phase.Outcome(), "completed", st.CompletedCount,
		"skipped", st.SkippedCount, "elapsed", elapsed.Round(time.Second))

	if phase == PhaseFatalError {
		return st, err
	}
	return st, nil
}

// startTicker refreshes the elapsed time every second. The remaining-time
// estimate is left to task boundaries.
func (r *run) startTicker() func() {
	done := make(chan struct{})
	var wg sync.WaitGroup
	wg.Add(1)
	go func() {
		defer wg.Done()
		ticker := time.NewTicker(tickInterval)
		defer ticker.Stop()
		for {
			select {
			case <-done:
				return
			case <-r.ctx.Done():
				return
			case <-ticker.C:
				st := r.o.update(func(s *RunState) { s.Elapsed = time.Since(r.start) })
				r.publishProgress(st)
			}
		}
	}()
	return func() {
		close(done)
		wg.Wait()
	}
}

func (r *run) status(msg string) {
	r.o.update(func(s *RunState) { s.Status = msg })
}

func (r *run) publish(p events.EventPayload) {
	r.o.deps.Bus.Publish(events.NewTypedEventWithRun(events.SourceOrchestrator, p, r.runID))
}

func (r *run) publishProgress(st RunState) {
	r.publish(events.RunProgressPayload{
		Phase:        string(st.Phase),
		Status:       st.Status,
		CurrentIndex: st.CurrentIndex,
		Completed:    st.CompletedCount,
		Total:        st.Total,
		Skipped:      st.SkippedCount,
		Elapsed:      st.Elapsed,
		Remaining:    st.Remaining,
	})
}

func (r *run) createRecord(opts RunOptions, total int) {
	store := r.o.deps.Runs
	if store == nil {
		return
	}
	rec := &runs.Record{
		ID:          r.runID,
		TaskFile:    opts.TaskFile,
		Outcome:     runs.OutcomeRunning,
		Total:       total,
		FailedIndex: -1,
	}
	if err := store.Create(rec); err != nil {
		r.log.Warn("create run record failed", "error", err)
		return
	}
	r.record = rec
}

func (r *run) updateRecord(fn func(rec *runs.Record)) {
	if r.record == nil {
		return
	}
	fn(r.record)
	if err := r.o.deps.Runs.Update(r.record); err != nil {
		r.log.Warn("update run record failed", "error", err)
	}
}
