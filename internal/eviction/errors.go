package eviction

import (
	"context"
	"errors"
	"fmt"
)

// Status classifies the outcome of an eviction subsystem operation.
type Status int

const (
	StatusOK Status = iota
	StatusPageNotFound
	StatusIllegalState
	StatusIOError
	StatusInterrupted
	StatusInternalError
)

func (s Status) String() string {
	switch s {
	case StatusOK:
		return "OK"
	case StatusPageNotFound:
		return "PAGE_NOT_FOUND"
	case StatusIllegalState:
		return "ILLEGAL_STATE"
	case StatusIOError:
		return "IO_ERROR"
	case StatusInterrupted:
		return "INTERRUPTED"
	default:
		return "INTERNAL_ERROR"
	}
}

// StatusError carries a Status through the error chain.
type StatusError struct {
	Status  Status
	Op      string // The operation that failed
	Message string // Error description
	Cause   error  // Underlying error, if any
}

func (e *StatusError) Error() string {
	msg := e.Status.String()
	if e.Op != "" {
		msg = e.Op + ": " + msg
	}
	if e.Message != "" {
		msg += ": " + e.Message
	}
	if e.Cause != nil {
		msg += fmt.Sprintf(" (caused by: %v)", e.Cause)
	}
	return msg
}

func (e *StatusError) Unwrap() error {
	return e.Cause
}

// Is matches any StatusError with the same Status, so errors.Is(err, ErrIOError)
// holds for every I/O failure regardless of operation.
func (e *StatusError) Is(target error) bool {
	t, ok := target.(*StatusError)
	return ok && t.Status == e.Status
}

// Common error types
var (
	ErrPageNotFound = &StatusError{Status: StatusPageNotFound, Message: "page not found"}
	ErrIllegalState = &StatusError{Status: StatusIllegalState, Message: "page is open"}
	ErrIOError      = &StatusError{Status: StatusIOError, Message: "i/o failure"}
	ErrInterrupted  = &StatusError{Status: StatusInterrupted, Message: "operation interrupted"}
)

func newError(status Status, op, message string, cause error) *StatusError {
	return &StatusError{Status: status, Op: op, Message: message, Cause: cause}
}

// StatusOf maps err to a Status. Context cancellation is INTERRUPTED.
func StatusOf(err error) Status {
	if err == nil {
		return StatusOK
	}
	var se *StatusError
	if errors.As(err, &se) {
		return se.Status
	}
	if errors.Is(err, context.Canceled) || errors.Is(err, context.DeadlineExceeded) {
		return StatusInterrupted
	}
	return StatusInternalError
}

// classify keeps StatusErrors as they are, turns context errors into INTERRUPTED and
// anything else coming back from storage into IO_ERROR.
func classify(op string, err error) error {
	if err == nil {
		return nil
	}
	var se *StatusError
	if errors.As(err, &se) {
		return err
	}
	if errors.Is(err, context.Canceled) || errors.Is(err, context.DeadlineExceeded) {
		return newError(StatusInterrupted, op, "operation interrupted", err)
	}
	return newError(StatusIOError, op, "storage failure", err)
}
