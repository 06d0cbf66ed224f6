// Package errors provides coded errors for the deploy pipeline.
//
// Codes are stable identifiers used by tests and by the CLI to pick an exit
// code. Plain operational failures keep using fmt.Errorf with %w; a coded
// error is only created where the caller needs to branch on the category.
package errors

import (
	"errors"
	"fmt"
)

// ErrorCode identifies an error category.
type ErrorCode string

const (
	ErrUnknown  ErrorCode = "UNKNOWN"
	ErrInternal ErrorCode = "INTERNAL"

	// Configuration errors. Fatal before any device or file activity.
	ErrConfigLoad  ErrorCode = "CONFIG_LOAD"
	ErrConfigValid ErrorCode = "CONFIG_INVALID"

	// Instance lock errors.
	ErrLockHeld  ErrorCode = "LOCK_HELD"
	ErrLockStale ErrorCode = "LOCK_STALE"
	ErrLockIO    ErrorCode = "LOCK_IO"

	// Device discovery errors.
	ErrDeviceNotFound   ErrorCode = "DEVICE_NOT_FOUND"
	ErrDeviceIO         ErrorCode = "DEVICE_IO"
	ErrMountTimeout     ErrorCode = "MOUNT_TIMEOUT"
	ErrUnsupported      ErrorCode = "UNSUPPORTED_PLATFORM"
	ErrToolVersion      ErrorCode = "TOOL_VERSION"
	ErrDestinationSetup ErrorCode = "DESTINATION_SETUP"

	// Recoverable, recorded in the run report.
	ErrFileAbandoned ErrorCode = "FILE_ABANDONED"
	ErrStepFailed    ErrorCode = "STEP_FAILED"
	ErrStepUnknown   ErrorCode = "STEP_UNKNOWN"

	// Sync errors that end a destination's run.
	ErrSyncFailed ErrorCode = "SYNC_FAILED"

	ErrCancelled ErrorCode = "CANCELLED"
)

// DeployError is an error carrying a code and optional structured details.
type DeployError struct {
	Code    ErrorCode
	Message string
	Details map[string]any
	Wrapped error
}

func (e *DeployError) Error() string {
	if e.Wrapped != nil {
		return fmt.Sprintf("[%s] %s: %v", e.Code, e.Message, e.Wrapped)
	}
	return fmt.Sprintf("[%s] %s", e.Code, e.Message)
}

func (e *DeployError) Unwrap() error {
	return e.Wrapped
}

// Is reports whether target is a DeployError with the same code.
func (e *DeployError) Is(target error) bool {
	var t *DeployError
	if errors.As(target, &t) {
		return e.Code == t.Code
	}
	return false
}

// New creates a DeployError.
func New(code ErrorCode, message string) *DeployError {
	return &DeployError{Code: code, Message: message, Details: make(map[string]any)}
}

// Newf creates a DeployError with a formatted message.
func Newf(code ErrorCode, format string, args ...any) *DeployError {
	return New(code, fmt.Sprintf(format, args...))
}

// Wrap wraps err with a code. Returns nil if err is nil.
func Wrap(err error, code ErrorCode, message string) *DeployError {
	if err == nil {
		return nil
	}
	e := New(code, message)
	e.Wrapped = err
	return e
}

// Wrapf wraps err with a code and formatted message. Returns nil if err is nil.
func Wrapf(err error, code ErrorCode, format string, args ...any) *DeployError {
	return Wrap(err, code, fmt.Sprintf(format, args...))
}

// WithDetail attaches a key/value detail and returns the receiver.
func (e *DeployError) WithDetail(key string, value any) *DeployError {
	if e.Details == nil {
		e.Details = make(map[string]any)
	}
	e.Details[key] = value
	return e
}

// IsCode reports whether any error in err's chain has the given code.
func IsCode(err error, code ErrorCode) bool {
	var de *DeployError
	for err != nil {
		if !errors.As(err, &de) {
			return false
		}
		if de.Code == code {
			return true
		}
		err = de.Wrapped
	}
	return false
}

// CodeOf returns the outermost code in err's chain, or ErrUnknown.
func CodeOf(err error) ErrorCode {
	var de *DeployError
	if errors.As(err, &de) {
		return de.Code
	}
	return ErrUnknown
}

// ExitCode maps an error to a process exit code.
// Recoverable per-file and per-step errors never reach the CLI as a returned
// error, so anything seen here is fatal.
func ExitCode(err error) int {
	switch {
	case err == nil:
		return 0
	case IsCode(err, ErrCancelled):
		return 130
	default:
		return 1
	}
}

// Is and As re-export the standard library helpers so callers importing this
// package do not need a second alias.
func Is(err, target error) bool { return errors.Is(err, target) }

func As(err error, target any) bool { return errors.As(err, target) }
