// Package files detects finished downloads in the source directory,
// validates them and moves them into the output directory.
package files

import (
	"bytes"
	"context"
	"crypto/sha256"
	"encoding/hex"
	"errors"
	"fmt"
	"image"
	_ "image/gif"
	_ "image/jpeg"
	_ "image/png"
	"log/slog"
	"math"
	"slices"
	"sync"
	"time"

	_ "golang.org/x/image/webp"

	"github.com/dohr-michael/genbatch/internal/failure"
	"github.com/dohr-michael/genbatch/internal/handles"
	"github.com/dohr-michael/genbatch/internal/poll"
)

// Directories resolves named directory handles.
type Directories interface {
	Open(ctx context.Context, name string) (handles.Dir, error)
}

// Service is the file service. The recorded hash of the last moved file is
// shared by all tasks until ResetState.
type Service struct {
	dirs   Directories
	logger *slog.Logger

	mu       sync.Mutex
	opts     Options
	lastHash string

	// pipeline serializes download waits.
	pipeline sync.Mutex
}

// NewService creates a Service. logger may be nil.
func NewService(dirs Directories, opts Options, logger *slog.Logger) *Service {
	if logger == nil {
		logger = slog.Default()
	}
	return &Service{dirs: dirs, opts: opts, logger: logger.With("component", "files")}
}

// SetOptions replaces the options used by subsequent calls.
func (s *Service) SetOptions(opts Options) {
	s.mu.Lock()
	s.opts = opts
	s.mu.Unlock()
}

func (s *Service) options() Options {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.opts
}

// ResetState forgets the recorded hash.
func (s *Service) ResetState() {
	s.mu.Lock()
	s.lastHash = ""
	s.mu.Unlock()
	s.logger.Debug("file state reset")
}

// FileExists reports whether name exists in the output directory. The error
// is non-nil only for the folder condition.
func (s *Service) FileExists(ctx context.Context, name string) (bool, error) {
	out, err := s.open(ctx, handles.Output)
	if err != nil {
		return false, err
	}
	names, err := out.Names()
	if err != nil {
		return false, folderError(handles.Output, err)
	}
	return slices.Contains(names, name), nil
}

// ListFiles returns the output directory listing, or nothing on any failure.
func (s *Service) ListFiles(ctx context.Context) []string {
	out, err := s.open(ctx, handles.Output)
	if err != nil {
		s.logger.Debug("list output skipped", "error", err)
		return []string{}
	}
	names, err := out.Names()
	if err != nil {
		s.logger.Debug("list output failed", "error", err)
		return []string{}
	}
	return names
}

// Snapshot returns the image names currently in the source directory.
func (s *Service) Snapshot(ctx context.Context) (Baseline, error) {
	src, err := s.open(ctx, handles.Source)
	if err != nil {
		return nil, err
	}
	return s.snapshot(src, s.options())
}

func (s *Service) snapshot(src handles.Dir, opts Options) (Baseline, error) {
	names, err := src.Names()
	if err != nil {
		return nil, folderError(handles.Source, err)
	}
	b := make(Baseline)
	for _, n := range names {
		if opts.isImage(n) {
			b[n] = struct{}{}
		}
	}
	return b, nil
}

// WaitForDownloadAndRename waits for a new image in the source directory,
// validates it and moves it to target in the output directory. A nil
// baseline makes the service take its own snapshot first.
func (s *Service) WaitForDownloadAndRename(ctx context.Context, target string, baseline Baseline) Result {
	s.pipeline.Lock()
	defer s.pipeline.Unlock()

	opts := s.options()
	start := time.Now()
	log := s.logger.With("target", target)

	src, err := s.open(ctx, handles.Source)
	if err != nil {
		return failedWith(err)
	}
	out, err := s.open(ctx, handles.Output)
	if err != nil {
		return failedWith(err)
	}

	if baseline == nil {
		if baseline, err = s.snapshot(src, opts); err != nil {
			return failedWith(err)
		}
	}

	candidate, err := s.waitCandidate(ctx, src, baseline, opts, start)
	if err != nil {
		return s.waitFailure(err, "no new download", opts.Timeout)
	}
	log = log.With("source", candidate)
	log.Debug("download candidate found")

	remaining := opts.Timeout - time.Since(start)
	if err := s.waitStable(ctx, src, candidate, opts, remaining); err != nil {
		return s.waitFailure(err, "download did not settle", opts.Timeout)
	}

	data, err := src.ReadFile(candidate)
	if err != nil {
		return failed(failure.KindWriteFailure, ReasonWriteFailure, fmt.Sprintf("read %s: %v", candidate, err))
	}

	if res, ok := s.checkAspect(log, src, candidate, data, opts); !ok {
		return res
	}

	sum := sha256.Sum256(data)
	hash := hex.EncodeToString(sum[:])

	s.mu.Lock()
	duplicate := s.lastHash != "" && s.lastHash == hash
	s.mu.Unlock()
	if duplicate {
		s.remove(log, src, candidate)
		log.Warn("duplicate download rejected", "sha256", hash)
		return failed(failure.KindDuplicateDetected, ReasonDuplicate,
			fmt.Sprintf("%s is identical to the previous image", candidate))
	}

	if err := ctx.Err(); err != nil {
		return failed(failure.KindCancelled, ReasonCancelled, "cancelled before write")
	}

	if err := out.WriteFile(target, data); err != nil {
		log.Error("write output failed", "error", err)
		return failed(failure.KindWriteFailure, ReasonWriteFailure, fmt.Sprintf("write %s: %v", target, err))
	}
	s.remove(log, src, candidate)

	s.mu.Lock()
	s.lastHash = hash
	s.mu.Unlock()

	log.Info("download saved", "bytes", len(data), "elapsed", time.Since(start).Round(time.Millisecond))
	return succeeded(target)
}

// waitCandidate polls for a name absent from baseline. Names following the
// generated-image convention are preferred; once WidenFraction of the timeout
// has elapsed any new image is accepted.
func (s *Service) waitCandidate(ctx context.Context, src handles.Dir, baseline Baseline, opts Options, start time.Time) (string, error) {
	widenAfter := time.Duration(float64(opts.Timeout) * opts.WidenFraction)
	widened := false

	return poll.For(ctx, opts.ScanInterval, opts.Timeout, func(ctx context.Context) (string, bool, error) {
		names, err := src.Names()
		if err != nil {
			if errors.Is(err, handles.ErrPermissionLost) {
				return "", false, folderError(handles.Source, err)
			}
			s.logger.Debug("scan source failed", "error", err)
			return "", false, nil
		}

		var fallback string
		for _, n := range names {
			if !opts.isImage(n) || baseline.Has(n) {
				continue
			}
			if opts.isGenerated(n) {
				return n, true, nil
			}
			if fallback == "" {
				fallback = n
			}
		}

		if !widened && time.Since(start) >= widenAfter {
			widened = true
			s.logger.Debug("widening download match", "after", widenAfter)
		}
		if widened && fallback != "" {
			return fallback, true, nil
		}
		return "", false, nil
	})
}

// waitStable reads the size of name every StabilityInterval until StableReads
// consecutive reads are non-zero and equal to the read before them.
func (s *Service) waitStable(ctx context.Context, src handles.Dir, name string, opts Options, timeout time.Duration) error {
	if timeout <= 0 {
		timeout = opts.StabilityInterval
	}
	need := max(opts.StableReads, 1)
	var last int64 = -1
	stable := 0

	return poll.Until(ctx, opts.StabilityInterval, timeout, func(ctx context.Context) (bool, error) {
		size, err := src.Size(name)
		switch {
		case err != nil || size == 0:
			stable, last = 0, -1
		case size == last:
			stable++
		default:
			stable, last = 0, size
		}
		return stable >= need, nil
	})
}

// checkAspect rejects near-square images and undecodable files, deleting the
// source. Other ratios are accepted.
func (s *Service) checkAspect(log *slog.Logger, src handles.Dir, name string, data []byte, opts Options) (Result, bool) {
	cfg, format, err := image.DecodeConfig(bytes.NewReader(data))
	if err != nil || cfg.Width == 0 || cfg.Height == 0 {
		s.remove(log, src, name)
		log.Warn("downloaded file is not a readable image", "error", err)
		return failed(failure.KindAspectRatioRejected, ReasonUndecodable,
			fmt.Sprintf("%s is not a readable image", name)), false
	}

	ratio := float64(cfg.Width) / float64(cfg.Height)
	log = log.With("width", cfg.Width, "height", cfg.Height, "ratio", math.Round(ratio*100)/100, "format", format)

	switch {
	case math.Abs(ratio-1) <= opts.SquareTolerance:
		s.remove(log, src, name)
		log.Warn("square image rejected")
		return failed(failure.KindAspectRatioRejected, ReasonAspectRatio,
			fmt.Sprintf("image is %dx%d (ratio %.2f): square output means generation did not produce the requested format", cfg.Width, cfg.Height, ratio)), false
	case math.Abs(ratio-opts.WideRatio) <= opts.WideTolerance:
		log.Info("aspect ratio near 16:9")
	default:
		log.Warn("aspect ratio off target", "target", opts.WideRatio)
	}
	return Result{}, true
}

func (s *Service) waitFailure(err error, msg string, timeout time.Duration) Result {
	switch {
	case errors.Is(err, poll.ErrTimeout):
		return failed(failure.KindFileWaitTimeout, ReasonTimeout, fmt.Sprintf("%s within %s", msg, timeout))
	case errors.Is(err, context.Canceled), errors.Is(err, context.DeadlineExceeded):
		return failed(failure.KindCancelled, ReasonCancelled, msg+": cancelled")
	default:
		return failedWith(err)
	}
}

func (s *Service) remove(log *slog.Logger, src handles.Dir, name string) {
	if err := src.Remove(name); err != nil {
		log.Warn("remove source file failed", "error", err)
	}
}

func (s *Service) open(ctx context.Context, name string) (handles.Dir, error) {
	d, err := s.dirs.Open(ctx, name)
	if err != nil {
		return nil, folderError(name, err)
	}
	return d, nil
}

// folderError classifies a handle failure as a folder-access error.
func folderError(name string, err error) error {
	reason := ReasonIterationUnsupported
	switch {
	case errors.Is(err, handles.ErrMissingHandle):
		reason = ReasonMissingHandles
	case errors.Is(err, handles.ErrPermissionLost):
		reason = ReasonPermissionLost
	}
	return failure.Wrap(failure.KindFolderAccess, name+" folder", err).WithReason(reason)
}
