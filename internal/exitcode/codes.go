// Package exitcode defines the process exit codes of the autoresume CLI.
//
// Usage:
//
//	return exitcode.Newf(exitcode.ErrUsage, "invalid flag: %s", flag)
//	os.Exit(exitcode.Code(err))
package exitcode

import (
	"errors"
	"fmt"
)

// Exit codes.
const (
	Success = 0

	ErrGeneral  = 1 // any error without a more specific code
	ErrUsage    = 2 // invalid arguments, unknown command or flag
	ErrWatchdog = 3 // daemon self-watchdog gave up
	ErrCrashed  = 4 // a resume cycle panicked

	ErrNotRunning     = 10 // no daemon is running
	ErrAlreadyRunning = 11 // a daemon already holds the lock
)

// Error wraps an error with a specific exit code.
type Error struct {
	Code    int
	Message string
	Cause   error
}

// Error returns the error message.
func (e *Error) Error() string {
	if e.Cause != nil {
		return fmt.Sprintf("%s: %v", e.Message, e.Cause)
	}
	return e.Message
}

// Unwrap returns the underlying cause.
func (e *Error) Unwrap() error {
	return e.Cause
}

// New creates a new coded error.
func New(code int, message string) *Error {
	return &Error{Code: code, Message: message}
}

// Newf creates a new coded error with printf-style formatting.
func Newf(code int, format string, args ...any) *Error {
	return &Error{Code: code, Message: fmt.Sprintf(format, args...)}
}

// Wrap wraps an existing error with a code and message.
func Wrap(code int, message string, cause error) *Error {
	return &Error{Code: code, Message: message, Cause: cause}
}

// Code extracts the exit code from an error.
// Returns ErrGeneral (1) if the error doesn't have a code.
func Code(err error) int {
	if err == nil {
		return Success
	}
	var coded *Error
	if errors.As(err, &coded) {
		return coded.Code
	}
	return ErrGeneral
}

// Is checks if an error has a specific exit code.
func Is(err error, code int) bool {
	return Code(err) == code
}

// Usage returns a usage error.
func Usage(format string, args ...any) *Error {
	return Newf(ErrUsage, format, args...)
}
