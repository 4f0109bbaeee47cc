// Package failure classifies task failures so they can cross component
// boundaries as data.
package failure

import (
	"context"
	"errors"
	"fmt"
)

// Kind is a fine-grained failure category.
type Kind string

const (
	KindNone                    Kind = ""
	KindInputNotFound           Kind = "input-not-found"
	KindSendNotReady            Kind = "send-not-ready"
	KindGenerationTimeout       Kind = "generation-timeout"
	KindResponseAnchorNotFound  Kind = "response-anchor-not-found"
	KindDownloadControlNotFound Kind = "download-control-not-found"
	KindFileWaitTimeout         Kind = "file-wait-timeout"
	KindDuplicateDetected       Kind = "duplicate-detected"
	KindAspectRatioRejected     Kind = "aspect-ratio-rejected"
	KindFolderAccess            Kind = "folder-access"
	KindLockedURLMismatch       Kind = "locked-url-mismatch"
	KindWriteFailure            Kind = "write-failure"
	KindCancelled               Kind = "cancelled"
	KindNoReply                 Kind = "no-reply"
	KindMalformedRequest        Kind = "malformed-request"
)

// Class is the coarse classification reported with a task error.
type Class string

const (
	ClassGeneration   Class = "generation"
	ClassDownload     Class = "download"
	ClassFolderAccess Class = "folder-access"
	ClassLockedURL    Class = "locked-url-mismatch"
)

// Class maps a kind onto its task-level classification.
func (k Kind) Class() Class {
	switch k {
	case KindDownloadControlNotFound, KindFileWaitTimeout, KindWriteFailure:
		return ClassDownload
	case KindFolderAccess:
		return ClassFolderAccess
	case KindLockedURLMismatch:
		return ClassLockedURL
	default:
		return ClassGeneration
	}
}

// Error is a classified failure.
type Error struct {
	Kind   Kind
	Reason string // short machine-readable detail, e.g. "permission-lost"
	Msg    string
	Err    error
}

// New creates a classified error with a message.
func New(kind Kind, msg string) *Error {
	return &Error{Kind: kind, Msg: msg}
}

// Newf creates a classified error with a formatted message.
func Newf(kind Kind, format string, args ...any) *Error {
	return &Error{Kind: kind, Msg: fmt.Sprintf(format, args...)}
}

// Wrap classifies err.
func Wrap(kind Kind, msg string, err error) *Error {
	return &Error{Kind: kind, Msg: msg, Err: err}
}

// WithReason sets the detail reason and returns e.
func (e *Error) WithReason(reason string) *Error {
	e.Reason = reason
	return e
}

func (e *Error) Error() string {
	msg := e.Msg
	if msg == "" {
		msg = string(e.Kind)
	}
	if e.Err != nil {
		return msg + ": " + e.Err.Error()
	}
	return msg
}

func (e *Error) Unwrap() error { return e.Err }

// KindOf returns the kind of the first classified error in err's chain.
// Context cancellation maps to KindCancelled; anything else unclassified is
// reported as a generation failure.
func KindOf(err error) Kind {
	if err == nil {
		return KindNone
	}
	var fe *Error
	if errors.As(err, &fe) {
		return fe.Kind
	}
	if errors.Is(err, context.Canceled) {
		return KindCancelled
	}
	return KindGenerationTimeout
}

// ReasonOf returns the detail reason of a classified error, if any.
func ReasonOf(err error) string {
	var fe *Error
	if errors.As(err, &fe) {
		return fe.Reason
	}
	return ""
}
