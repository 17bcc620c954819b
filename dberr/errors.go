// Package dberr defines the error taxonomy shared by every layer of the
// storage engine, from the on-disk codecs up through the connection
// handlers. Storage primitives surface IoError and Corrupt unchanged;
// higher layers translate them into the domain-specific categories below
// once the identity of the offending object is known.
package dberr

import (
	"fmt"

	"github.com/pkg/errors"
)

// Code classifies an error into one of the taxonomy's abstract categories.
type Code int

const (
	_ Code = iota
	NotFound
	AlreadyExists
	PermissionDenied
	InvalidArgument
	Corrupt
	IoError
	Unauthenticated
	Conflict
	Cancelled
)

func (c Code) String() string {
	switch c {
	case NotFound:
		return "NotFound"
	case AlreadyExists:
		return "AlreadyExists"
	case PermissionDenied:
		return "PermissionDenied"
	case InvalidArgument:
		return "InvalidArgument"
	case Corrupt:
		return "Corrupt"
	case IoError:
		return "IoError"
	case Unauthenticated:
		return "Unauthenticated"
	case Conflict:
		return "Conflict"
	case Cancelled:
		return "Cancelled"
	default:
		return "Unknown"
	}
}

// Error is the concrete error type carried through the system. It wraps an
// underlying cause (possibly nil) with a stable Code and a human message,
// and keeps a stack trace via github.com/pkg/errors for IoError/Corrupt
// diagnostics.
type Error struct {
	code  Code
	msg   string
	cause error
}

func (e *Error) Error() string {
	if e.cause != nil {
		return fmt.Sprintf("%s: %s: %v", e.code, e.msg, e.cause)
	}
	return fmt.Sprintf("%s: %s", e.code, e.msg)
}

func (e *Error) Unwrap() error { return e.cause }

// CodeOf returns the error's taxonomy code, or 0 if err is not (or does not
// wrap) a *Error.
func CodeOf(err error) Code {
	var e *Error
	if errors.As(err, &e) {
		return e.code
	}
	return 0
}

// Is reports whether err carries the given code.
func Is(err error, code Code) bool {
	return CodeOf(err) == code
}

// New creates a new tagged error with a stack trace attached.
func New(code Code, msg string) error {
	return &Error{code: code, msg: msg, cause: errors.New(msg)}
}

// Newf is New with formatting.
func Newf(code Code, format string, args ...interface{}) error {
	msg := fmt.Sprintf(format, args...)
	return &Error{code: code, msg: msg, cause: errors.New(msg)}
}

// Wrap attaches a code and message to an existing error, preserving its
// chain for errors.Is/As and recording a stack trace at the wrap site.
func Wrap(code Code, err error, msg string) error {
	if err == nil {
		return nil
	}
	return &Error{code: code, msg: msg, cause: errors.Wrap(err, msg)}
}

// Wrapf is Wrap with formatting.
func Wrapf(code Code, err error, format string, args ...interface{}) error {
	if err == nil {
		return nil
	}
	msg := fmt.Sprintf(format, args...)
	return &Error{code: code, msg: msg, cause: errors.Wrap(err, msg)}
}

// StatusCode returns the numeric status code surfaced to clients in
// response messages (0 = ok).
func StatusCode(err error) int {
	if err == nil {
		return 0
	}
	return int(CodeOf(err))
}
