// Package batcherr defines the error taxonomy shared by admission, the
// block manager and the scheduler.
package batcherr

import (
	"errors"
	"fmt"
)

// Kind classifies a core error so callers can map it to a wire status
// without string matching.
type Kind int

const (
	// AdmissionFull means the intake channel was at capacity or the
	// admission rate limiter denied the request.
	AdmissionFull Kind = iota
	// OutOfMemory means the scheduler could not fit a sequence even
	// after exhausting preemption and cache eviction.
	OutOfMemory
	// InvalidArgument means the request was malformed and never
	// reached the scheduler.
	InvalidArgument
	// Cancelled means a client disconnect or a streaming callback
	// rejection ended the request.
	Cancelled
)

func (k Kind) String() string {
	switch k {
	case AdmissionFull:
		return "AdmissionFull"
	case OutOfMemory:
		return "OutOfMemory"
	case InvalidArgument:
		return "InvalidArgument"
	case Cancelled:
		return "Cancelled"
	default:
		return "Unknown"
	}
}

// Error is the concrete error type returned across package boundaries
// in this module.
type Error struct {
	Kind    Kind
	Message string
	Cause   error
}

func (e *Error) Error() string {
	if e.Cause != nil {
		return fmt.Sprintf("%s: %s: %v", e.Kind, e.Message, e.Cause)
	}
	return fmt.Sprintf("%s: %s", e.Kind, e.Message)
}

func (e *Error) Unwrap() error { return e.Cause }

// Is supports errors.Is(err, batcherr.OfKind(batcherr.OutOfMemory))
// style checks: any target *Error with the same Kind matches.
func (e *Error) Is(target error) bool {
	var other *Error
	if errors.As(target, &other) {
		return other.Kind == e.Kind
	}
	return false
}

// New builds an *Error of the given kind.
func New(kind Kind, message string) *Error {
	return &Error{Kind: kind, Message: message}
}

// Wrap builds an *Error of the given kind around a cause.
func Wrap(kind Kind, message string, cause error) *Error {
	return &Error{Kind: kind, Message: message, Cause: cause}
}

// OfKind is a sentinel-free helper for errors.Is checks: errors.Is(err,
// batcherr.OfKind(batcherr.OutOfMemory)).
func OfKind(kind Kind) error {
	return &Error{Kind: kind}
}
