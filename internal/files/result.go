package files

import (
	"sort"

	"github.com/dohr-michael/genbatch/internal/failure"
)

// Failure reasons reported in Result.Reason.
const (
	ReasonMissingHandles       = "missing-handles"
	ReasonPermissionLost       = "permission-lost"
	ReasonIterationUnsupported = "iteration-unsupported"
	ReasonTimeout              = "timeout"
	ReasonDuplicate            = "duplicate"
	ReasonAspectRatio          = "aspect-ratio-failure"
	ReasonUndecodable          = "undecodable"
	ReasonWriteFailure         = "write-failure"
	ReasonCancelled            = "cancelled"
)

// Result is the outcome of a download wait. It is data, never an error.
type Result struct {
	Success   bool         `json:"success"`
	Filename  string       `json:"filename,omitempty"`
	Error     string       `json:"error,omitempty"`
	ErrorType failure.Kind `json:"error_type,omitempty"`
	Reason    string       `json:"reason,omitempty"`
}

func succeeded(filename string) Result {
	return Result{Success: true, Filename: filename}
}

func failed(kind failure.Kind, reason, msg string) Result {
	return Result{Error: msg, ErrorType: kind, Reason: reason}
}

func failedWith(err error) Result {
	return failed(failure.KindOf(err), failure.ReasonOf(err), err.Error())
}

// Baseline is the set of image names present in the source directory
// before a download.
type Baseline map[string]struct{}

// NewBaseline builds a Baseline from names. A nil slice gives a nil Baseline.
func NewBaseline(names []string) Baseline {
	if names == nil {
		return nil
	}
	b := make(Baseline, len(names))
	for _, n := range names {
		b[n] = struct{}{}
	}
	return b
}

// Has reports whether name was present.
func (b Baseline) Has(name string) bool {
	_, ok := b[name]
	return ok
}

// Names returns the sorted names. A nil Baseline gives an empty, non-nil slice.
func (b Baseline) Names() []string {
	out := make([]string, 0, len(b))
	for n := range b {
		out = append(out, n)
	}
	sort.Strings(out)
	return out
}
