// Package apperr defines the error kinds surfaced by the backup and restore engines.
package apperr

import (
	"context"
	"errors"
	"fmt"

	"github.com/fgeck/nextcloud-restore/internal/models"
)

// Kind classifies an error for the error surface.
type Kind string

// Error kinds.
const (
	KindToolMissing      Kind = "tool_missing"
	KindBadPassword      Kind = "bad_password"
	KindInvalidArchive   Kind = "invalid_archive"
	KindContainerFailure Kind = "container_failure"
	KindDatabaseFailure  Kind = "database_failure"
	KindTimedOut         Kind = "timed_out"
	KindCancelled        Kind = "cancelled"
	KindIO               Kind = "io_error"
)

// Error is a classified error enriched with the phase it occurred in.
type Error struct {
	Kind      Kind
	Phase     string
	Message   string
	Hint      string // user-actionable remediation
	URL       string // optional download link for ToolMissing
	Container *models.ContainerFailure
	Err       error
}

func (e *Error) Error() string {
	msg := e.Message
	if msg == "" && e.Err != nil {
		msg = e.Err.Error()
	} else if e.Err != nil {
		msg = msg + ": " + e.Err.Error()
	}
	if e.Phase != "" {
		return fmt.Sprintf("%s: %s", e.Phase, msg)
	}
	return msg
}

func (e *Error) Unwrap() error {
	return e.Err
}

// Recoverable reports whether the error surface can offer a remediation path.
func (e *Error) Recoverable() bool {
	switch e.Kind {
	case KindToolMissing, KindBadPassword:
		return true
	case KindContainerFailure:
		return e.Container != nil && e.Container.Kind == models.ContainerPortConflict
	default:
		return false
	}
}

// New creates a classified error.
func New(kind Kind, msg string) *Error {
	return &Error{Kind: kind, Message: msg}
}

// Wrap classifies err under kind.
func Wrap(kind Kind, err error, msg string) *Error {
	return &Error{Kind: kind, Message: msg, Err: err}
}

// ToolMissing reports an absent external binary.
func ToolMissing(tool, hint, url string) *Error {
	return &Error{
		Kind:    KindToolMissing,
		Message: fmt.Sprintf("%s not found", tool),
		Hint:    hint,
		URL:     url,
	}
}

// Container wraps a classified container failure.
func Container(f models.ContainerFailure, err error) *Error {
	return &Error{
		Kind:      KindContainerFailure,
		Message:   fmt.Sprintf("container operation failed (%s)", f.Kind),
		Hint:      f.Suggestion,
		Container: &f,
		Err:       err,
	}
}

// WithPhase sets the phase label and returns the error for chaining.
func (e *Error) WithPhase(phase string) *Error {
	e.Phase = phase
	return e
}

// KindOf returns the kind of the first classified error in the chain, or "".
func KindOf(err error) Kind {
	var e *Error
	if errors.As(err, &e) {
		return e.Kind
	}
	return ""
}

// Is reports whether err carries the given kind.
func Is(err error, kind Kind) bool {
	return KindOf(err) == kind
}

// InPhase labels err with phase. Unclassified errors become IOError, context errors
// become Cancelled or TimedOut.
func InPhase(phase string, err error) error {
	if err == nil {
		return nil
	}
	var e *Error
	if errors.As(err, &e) {
		if e.Phase == "" {
			e.Phase = phase
		}
		return err
	}
	return FromContext(err).WithPhase(phase)
}

// FromContext maps context errors onto kinds and everything else onto IOError.
func FromContext(err error) *Error {
	var e *Error
	if errors.As(err, &e) {
		return e
	}
	switch {
	case errors.Is(err, context.Canceled):
		return Wrap(KindCancelled, err, "operation cancelled")
	case errors.Is(err, context.DeadlineExceeded):
		return Wrap(KindTimedOut, err, "operation timed out")
	default:
		return Wrap(KindIO, err, "")
	}
}
