package driver

import (
	"context"
	"errors"
	"fmt"
)

// ErrorKind classifies a driver failure for the dispatcher's retry policy.
type ErrorKind int

const (
	// Transient failures (panel slow, element not ready, network blip)
	// may be retried on a recycled session.
	Transient ErrorKind = iota
	// Fatal failures (panel rejected credentials, permanently invalid
	// arguments) are reported immediately without retry.
	Fatal
)

func (k ErrorKind) String() string {
	if k == Fatal {
		return "fatal"
	}
	return "transient"
}

// Error is the typed failure drivers return. Screenshot optionally
// references a diagnostic capture taken at the point of failure; the
// dispatcher forwards it without interpreting it.
type Error struct {
	Kind       ErrorKind
	Message    string
	Screenshot string
	cause      error
}

func (e *Error) Error() string {
	if e.cause != nil {
		return fmt.Sprintf("driver: %s: %s: %v", e.Kind, e.Message, e.cause)
	}
	return fmt.Sprintf("driver: %s: %s", e.Kind, e.Message)
}

func (e *Error) Unwrap() error { return e.cause }

// Transientf builds a retryable driver error.
func Transientf(format string, args ...any) *Error {
	return &Error{Kind: Transient, Message: fmt.Sprintf(format, args...)}
}

// Fatalf builds a non-retryable driver error.
func Fatalf(format string, args ...any) *Error {
	return &Error{Kind: Fatal, Message: fmt.Sprintf(format, args...)}
}

// Wrap attaches a cause to a classified driver error.
func Wrap(kind ErrorKind, cause error, msg string) *Error {
	return &Error{Kind: kind, Message: msg, cause: cause}
}

// KindOf classifies an arbitrary error from a driver call.
//
// Context timeouts are transient (the panel was slow, not broken).
// Anything outside the typed taxonomy is treated as fatal so the
// session is discarded rather than reused in an unknown state.
func KindOf(err error) ErrorKind {
	if err == nil {
		return Transient
	}
	var de *Error
	if errors.As(err, &de) {
		return de.Kind
	}
	if errors.Is(err, context.DeadlineExceeded) {
		return Transient
	}
	return Fatal
}

// IsTransient reports whether err should be retried.
func IsTransient(err error) bool {
	if err == nil {
		return false
	}
	var de *Error
	if errors.As(err, &de) {
		return de.Kind == Transient
	}
	return errors.Is(err, context.DeadlineExceeded)
}

// ScreenshotOf extracts the diagnostic capture reference, if any.
func ScreenshotOf(err error) string {
	var de *Error
	if errors.As(err, &de) {
		return de.Screenshot
	}
	return ""
}
