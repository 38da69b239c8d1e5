// Package errors provides centralized error definitions and error handling
// utilities for acorns. It defines the sentinel errors the program manager
// returns, typed errors that carry program context, and classification
// helpers.
//
// # Error Types
//
// Domain errors describe what went wrong with a program:
//   - ProgramError: structural failures (no free slot, unknown id, buffer
//     growth) returned synchronously to the caller
//   - CompileError: source failed to compile; the load was rolled back
//   - InvokeError: a script failed at run time; routed to sinks, never
//     returned as a scheduler failure
//
// # Usage
//
// Creating errors:
//
//	err := errors.NewProgramError("load failed", errors.ErrNoFreeSlot).WithProgramID("p1")
//
// Checking errors:
//
//	if errors.Is(err, errors.ErrNoFreeSlot) { ... }
//
//	var compileErr *errors.CompileError
//	if errors.As(err, &compileErr) { ... }
//
// # Propagation
//
// Structural errors (ErrNoFreeSlot, ErrNotFound, ErrNothingToLoad,
// ErrAllocation) go back to the immediate caller. Runtime failures inside a
// program are reported through that program's error sink. Lock starvation
// is the only fatal condition and is raised as a panic by package gil.
package errors

import (
	"errors"
	"fmt"
	"strings"
)

// Re-export standard library functions for convenience.
// This allows callers to import only this package for all error handling.
var (
	Is     = errors.Is
	As     = errors.As
	Unwrap = errors.Unwrap
	New    = errors.New
	Join   = errors.Join
)

// Severity represents the severity level of an error.
type Severity int

const (
	// SeverityDebug is for errors that are useful for debugging but not critical.
	SeverityDebug Severity = iota
	// SeverityInfo is for informational errors that don't indicate a problem.
	SeverityInfo
	// SeverityWarning is for errors that might indicate a problem but aren't critical.
	SeverityWarning
	// SeverityError is for errors that indicate a real problem.
	SeverityError
	// SeverityCritical is for errors that require immediate attention.
	SeverityCritical
)

// String returns the string representation of the severity level.
func (s Severity) String() string {
	switch s {
	case SeverityDebug:
		return "debug"
	case SeverityInfo:
		return "info"
	case SeverityWarning:
		return "warning"
	case SeverityError:
		return "error"
	case SeverityCritical:
		return "critical"
	default:
		return "unknown"
	}
}

// -----------------------------------------------------------------------------
// Sentinel Errors
// -----------------------------------------------------------------------------

// Registry sentinel errors
var (
	// ErrNoFreeSlot indicates that every registry slot is taken.
	ErrNoFreeSlot = New("no free program slots")
	// ErrNotFound indicates that no program is loaded under the id.
	ErrNotFound = New("program not found")
	// ErrNothingToLoad indicates a load from pending input with no program
	// or no buffered input.
	ErrNothingToLoad = New("nothing to load")
	// ErrClosed indicates that the program's context has been released.
	ErrClosed = New("program closed")
	// ErrInvalidID indicates an unusable program id.
	ErrInvalidID = New("invalid program id")
)

// Execution sentinel errors
var (
	// ErrCompile indicates that source failed to compile.
	ErrCompile = New("compile failed")
	// ErrInvoke indicates that a script raised an error while running.
	ErrInvoke = New("invoke failed")
	// ErrAllocation indicates that a buffer could not grow. The previous
	// contents are left untouched.
	ErrAllocation = New("input buffer limit exceeded")
	// ErrShutdown indicates that the manager is shutting down.
	ErrShutdown = New("manager shut down")
)

// Subscription sentinel errors
var (
	// ErrNotCallable indicates a value that cannot be subscribed.
	ErrNotCallable = New("value is not callable")
	// ErrSubscriptionReleased indicates a subscription that can no longer fire.
	ErrSubscriptionReleased = New("subscription released")
	// ErrBusy indicates a callback whose program is running, fired by a
	// caller that cannot wait for it.
	ErrBusy = New("program busy")
)

// -----------------------------------------------------------------------------
// Base Error Interface
// -----------------------------------------------------------------------------

// AcornsError is the base interface for all acorns errors.
type AcornsError interface {
	error

	// Unwrap returns the underlying error, if any.
	Unwrap() error

	// Severity returns the severity level of this error.
	Severity() Severity

	// IsUserFacing returns true if the error message is safe to display
	// to end users.
	IsUserFacing() bool
}

// baseError provides common functionality for all error types.
type baseError struct {
	message    string
	cause      error
	severity   Severity
	userFacing bool
}

// Error returns the error message.
func (e *baseError) Error() string {
	if e.cause != nil {
		return fmt.Sprintf("%s: %v", e.message, e.cause)
	}
	return e.message
}

// Unwrap returns the underlying error.
func (e *baseError) Unwrap() error {
	return e.cause
}

// Severity returns the error severity.
func (e *baseError) Severity() Severity {
	return e.severity
}

// IsUserFacing returns whether the error is safe to show users.
func (e *baseError) IsUserFacing() bool {
	return e.userFacing
}

// -----------------------------------------------------------------------------
// Domain-Specific Errors
// -----------------------------------------------------------------------------

// ProgramError represents a structural failure of a registry operation.
//
// Example:
//
//	err := errors.NewProgramError("load failed", errors.ErrNoFreeSlot).WithProgramID("p1")
//	fmt.Println(err) // "program error [program=p1]: load failed: no free program slots"
type ProgramError struct {
	baseError
	ProgramID string
}

// NewProgramError creates a new ProgramError.
func NewProgramError(message string, cause error) *ProgramError {
	return &ProgramError{
		baseError: baseError{
			message:    message,
			cause:      cause,
			severity:   SeverityError,
			userFacing: true,
		},
	}
}

// WithProgramID adds a program ID to the error context.
func (e *ProgramError) WithProgramID(id string) *ProgramError {
	e.ProgramID = id
	return e
}

// WithSeverity sets the error severity.
func (e *ProgramError) WithSeverity(s Severity) *ProgramError {
	e.severity = s
	return e
}

// Error returns the formatted error message.
func (e *ProgramError) Error() string {
	return format("program error", e.ProgramID, e.message, e.cause)
}

// CompileError reports source that failed to compile. The load that
// produced it has been rolled back.
type CompileError struct {
	baseError
	ProgramID string
	Detail    string
}

// NewCompileError creates a CompileError for the program.
func NewCompileError(programID, detail string, cause error) *CompileError {
	return &CompileError{
		baseError: baseError{
			message:    "compile failed",
			cause:      cause,
			severity:   SeverityError,
			userFacing: true,
		},
		ProgramID: programID,
		Detail:    detail,
	}
}

// Error returns the formatted error message.
func (e *CompileError) Error() string {
	msg := e.message
	if e.Detail != "" {
		msg = fmt.Sprintf("%s: %s", e.message, e.Detail)
	}
	return format("compile error", e.ProgramID, msg, nil)
}

// Is matches ErrCompile.
func (e *CompileError) Is(target error) bool {
	return target == ErrCompile
}

// InvokeError reports a script that failed while running.
type InvokeError struct {
	baseError
	ProgramID string
	Detail    string
	Traceback string
}

// NewInvokeError creates an InvokeError for the program.
func NewInvokeError(programID, detail string, cause error) *InvokeError {
	return &InvokeError{
		baseError: baseError{
			message:    "invoke failed",
			cause:      cause,
			severity:   SeverityWarning,
			userFacing: true,
		},
		ProgramID: programID,
		Detail:    detail,
	}
}

// WithTraceback attaches the script traceback.
func (e *InvokeError) WithTraceback(tb string) *InvokeError {
	e.Traceback = tb
	return e
}

// Error returns the formatted error message.
func (e *InvokeError) Error() string {
	msg := e.message
	if e.Detail != "" {
		msg = fmt.Sprintf("%s: %s", e.message, e.Detail)
	}
	return format("invoke error", e.ProgramID, msg, nil)
}

// Is matches ErrInvoke.
func (e *InvokeError) Is(target error) bool {
	return target == ErrInvoke
}

func format(kind, programID, message string, cause error) string {
	prefix := kind
	if programID != "" {
		prefix = fmt.Sprintf("%s [program=%s]", kind, programID)
	}
	if cause != nil {
		return fmt.Sprintf("%s: %s: %v", prefix, message, cause)
	}
	return fmt.Sprintf("%s: %s", prefix, message)
}

// -----------------------------------------------------------------------------
// Error Classification Helpers
// -----------------------------------------------------------------------------

// IsUserFacing returns true if the error message is safe to display to end users.
func IsUserFacing(err error) bool {
	if err == nil {
		return false
	}
	var acornsErr AcornsError
	if As(err, &acornsErr) {
		return acornsErr.IsUserFacing()
	}
	return false
}

// GetSeverity returns the severity level of the error.
// Returns SeverityError for errors that don't implement AcornsError.
func GetSeverity(err error) Severity {
	if err == nil {
		return SeverityDebug
	}
	var acornsErr AcornsError
	if As(err, &acornsErr) {
		return acornsErr.Severity()
	}
	return SeverityError
}

// IsStructural returns true for registry errors that are returned to the
// immediate caller rather than routed to sinks.
func IsStructural(err error) bool {
	return Is(err, ErrNoFreeSlot) || Is(err, ErrNotFound) ||
		Is(err, ErrNothingToLoad) || Is(err, ErrAllocation)
}

// Summary returns the first line of an error message, for log lines and
// console output where tracebacks are noise.
func Summary(err error) string {
	if err == nil {
		return ""
	}
	msg := err.Error()
	if i := strings.IndexByte(msg, '\n'); i >= 0 {
		return msg[:i]
	}
	return msg
}

// -----------------------------------------------------------------------------
// Convenience Constructors
// -----------------------------------------------------------------------------

// Wrap wraps an error with additional context message.
//
// Example:
//
//	err := errors.Wrap(baseErr, "failed to read program")
func Wrap(err error, message string) error {
	if err == nil {
		return nil
	}
	return fmt.Errorf("%s: %w", message, err)
}

// Wrapf wraps an error with a formatted context message.
func Wrapf(err error, format string, args ...any) error {
	if err == nil {
		return nil
	}
	return fmt.Errorf("%s: %w", fmt.Sprintf(format, args...), err)
}
