// Package errors provides error wrapping utilities for context-aware error messages
// and the error codes shared by the update workflow.
package errors

import (
	stderrors "errors"
	"fmt"
)

// Code classifies a workflow failure.
type Code int

const (
	// OK is the zero code, used when an error carries no classification.
	OK Code = iota
	// InvalidArgument marks a malformed directive or request.
	InvalidArgument
	// InvalidState marks a request that collides with the current workflow state.
	InvalidState
	// NotFound marks an absent record. Not a failure on resume.
	NotFound
	// OutOfMemory marks an allocation failure.
	OutOfMemory
	// Generic marks external command failures and I/O errors.
	Generic
	// Interrupted marks a canceled download.
	Interrupted
)

func (c Code) String() string {
	switch c {
	case OK:
		return "OK"
	case InvalidArgument:
		return "InvalidArgument"
	case InvalidState:
		return "InvalidState"
	case NotFound:
		return "NotFound"
	case OutOfMemory:
		return "OutOfMemory"
	case Generic:
		return "Generic"
	case Interrupted:
		return "Interrupted"
	default:
		return fmt.Sprintf("Code(%d)", int(c))
	}
}

// Error is a coded error with an optional human readable message.
type Error struct {
	Code Code
	Msg  string
	Err  error
}

func (e *Error) Error() string {
	switch {
	case e.Msg != "" && e.Err != nil:
		return fmt.Sprintf("%s: %v", e.Msg, e.Err)
	case e.Msg != "":
		return e.Msg
	case e.Err != nil:
		return fmt.Sprintf("%s: %v", e.Code, e.Err)
	default:
		return e.Code.String()
	}
}

func (e *Error) Unwrap() error {
	return e.Err
}

// Is reports a match against another *Error by code, so
// errors.Is(err, &Error{Code: InvalidState}) works without message equality.
func (e *Error) Is(target error) bool {
	t, ok := target.(*Error)
	if !ok {
		return false
	}
	return t.Code == e.Code && (t.Msg == "" || t.Msg == e.Msg)
}

// New creates a coded error.
func New(code Code, msg string) error {
	return &Error{Code: code, Msg: msg}
}

// Newf creates a coded error with a formatted message.
func Newf(code Code, format string, args ...any) error {
	return &Error{Code: code, Msg: fmt.Sprintf(format, args...)}
}

// WithCode attaches a code and message to err. If err is nil, it returns nil.
func WithCode(err error, code Code, msg string) error {
	if err == nil {
		return nil
	}
	return &Error{Code: code, Msg: msg, Err: err}
}

// Wrap wraps an error with additional context information.
// If err is nil, it returns nil without wrapping.
func Wrap(err error, context string) error {
	if err == nil {
		return nil
	}
	return fmt.Errorf("%s: %w", context, err)
}

// CodeOf returns the code of the outermost coded error in err's chain.
// Uncoded non-nil errors are Generic.
func CodeOf(err error) Code {
	if err == nil {
		return OK
	}
	var e *Error
	if stderrors.As(err, &e) {
		return e.Code
	}
	return Generic
}

// Info renders err as the errorInfo text reported to the remote service:
// the message of the outermost coded error, or its code when it has none.
func Info(err error) string {
	if err == nil {
		return ""
	}
	var e *Error
	if stderrors.As(err, &e) {
		if e.Msg != "" {
			return e.Msg
		}
		return e.Code.String()
	}
	return err.Error()
}

// Is mirrors the standard library so callers need a single errors import.
func Is(err, target error) bool {
	return stderrors.Is(err, target)
}

// As mirrors the standard library so callers need a single errors import.
func As(err error, target any) bool {
	return stderrors.As(err, target)
}
