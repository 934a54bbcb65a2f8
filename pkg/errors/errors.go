// Package errors provides structured error handling for relay.
//
// Every error that crosses a component boundary is an *Error carrying an
// ErrorType. The orchestrator uses the type to decide policy: retryable types
// are retried with backoff by the caller that owns the retry loop, every other
// type is surfaced to the pipeline state machine which records it verbatim.
//
//	err := errors.New(errors.ErrorTypeConfig, "missing required field").
//	    WithDetail("field", "warehouse")
//
//	if errors.IsRetryable(err) {
//	    // back off and try again
//	}
package errors

import (
	"errors"
	"fmt"
	"runtime"
)

// ErrorType represents the category of error
type ErrorType string

const (
	// ErrorTypeInternal represents internal system errors
	ErrorTypeInternal ErrorType = "internal"
	// ErrorTypeValidation represents invalid caller input
	ErrorTypeValidation ErrorType = "validation"
	// ErrorTypeConfig represents missing or invalid dialect fields
	ErrorTypeConfig ErrorType = "config"
	// ErrorTypeUnsupportedDialect represents a dialect the generator does not know for a role
	ErrorTypeUnsupportedDialect ErrorType = "unsupported_dialect"
	// ErrorTypeNotFound represents a missing local record or remote connector
	ErrorTypeNotFound ErrorType = "not_found"
	// ErrorTypeAlreadyExists represents a naming collision on create
	ErrorTypeAlreadyExists ErrorType = "already_exists"
	// ErrorTypeTransient represents a remote runtime hiccup such as a rebalance or stale config
	ErrorTypeTransient ErrorType = "transient"
	// ErrorTypeTimeout represents a call or poll that missed its deadline
	ErrorTypeTimeout ErrorType = "timeout"
	// ErrorTypeConnection represents a refused or reset connection
	ErrorTypeConnection ErrorType = "connection"
	// ErrorTypeRateLimit represents client-side or server-side throttling
	ErrorTypeRateLimit ErrorType = "rate_limit"
	// ErrorTypeCheckpointInvariant represents an attempt to start CDC without a required checkpoint
	ErrorTypeCheckpointInvariant ErrorType = "checkpoint_invariant"
	// ErrorTypeNameMismatch represents source and sink stream names that disagree
	ErrorTypeNameMismatch ErrorType = "name_mismatch"
	// ErrorTypeInvalidState represents an operation not allowed in the pipeline's current state
	ErrorTypeInvalidState ErrorType = "invalid_state"
	// ErrorTypeBusy represents a pipeline that already has an operation in flight
	ErrorTypeBusy ErrorType = "busy"
	// ErrorTypeConnectorFailed represents a connector or task that reached FAILED
	ErrorTypeConnectorFailed ErrorType = "connector_failed"
	// ErrorTypeStorage represents persistence failures
	ErrorTypeStorage ErrorType = "storage"
	// ErrorTypeBulkLoad represents a failed full-load copy
	ErrorTypeBulkLoad ErrorType = "bulk_load"
	// ErrorTypeCancelled represents an operation halted by its caller
	ErrorTypeCancelled ErrorType = "cancelled"
)

// Error represents a structured error with context
type Error struct {
	Type    ErrorType
	Message string
	Cause   error
	Details map[string]interface{}
	Stack   []StackFrame
}

// StackFrame represents a single frame in the call stack
type StackFrame struct {
	Function string
	File     string
	Line     int
}

// Error implements the error interface
func (e *Error) Error() string {
	if e.Cause != nil {
		return fmt.Sprintf("%s: %s: %v", e.Type, e.Message, e.Cause)
	}
	return fmt.Sprintf("%s: %s", e.Type, e.Message)
}

// Unwrap returns the underlying error
func (e *Error) Unwrap() error {
	return e.Cause
}

// WithDetail adds a key-value detail to the error
func (e *Error) WithDetail(key string, value interface{}) *Error {
	if e.Details == nil {
		e.Details = make(map[string]interface{})
	}
	e.Details[key] = value
	return e
}

// Detail returns a detail value or nil.
func (e *Error) Detail(key string) interface{} {
	if e.Details == nil {
		return nil
	}
	return e.Details[key]
}

// New creates a new error with the given type and message
func New(errType ErrorType, message string) *Error {
	return &Error{
		Type:    errType,
		Message: message,
		Stack:   captureStack(2),
	}
}

// Newf creates a new error with a formatted message
func Newf(errType ErrorType, format string, args ...interface{}) *Error {
	return &Error{
		Type:    errType,
		Message: fmt.Sprintf(format, args...),
		Stack:   captureStack(2),
	}
}

// Wrap wraps an existing error with additional context.
// If the error is already a structured Error its stack is preserved.
func Wrap(err error, errType ErrorType, message string) *Error {
	if err == nil {
		return nil
	}

	var existingErr *Error
	if errors.As(err, &existingErr) {
		return &Error{
			Type:    errType,
			Message: message,
			Cause:   err,
			Stack:   existingErr.Stack,
		}
	}

	return &Error{
		Type:    errType,
		Message: message,
		Cause:   err,
		Stack:   captureStack(2),
	}
}

// TypeOf returns the outermost ErrorType in the chain, or ErrorTypeInternal.
func TypeOf(err error) ErrorType {
	var e *Error
	if !errors.As(err, &e) {
		return ErrorTypeInternal
	}
	return e.Type
}

// IsRetryable returns true if the error is retryable.
// Only remote-runtime hiccups are retryable; every other category is a decision
// for the caller.
func IsRetryable(err error) bool {
	var e *Error
	if !errors.As(err, &e) {
		return false
	}

	switch e.Type {
	case ErrorTypeTransient, ErrorTypeTimeout, ErrorTypeConnection, ErrorTypeRateLimit:
		return true
	default:
		return false
	}
}

// IsType checks if any error in the chain is of the given type
func IsType(err error, errType ErrorType) bool {
	for err != nil {
		if e, ok := err.(*Error); ok && e.Type == errType {
			return true
		}
		err = errors.Unwrap(err)
	}
	return false
}

// Is and As re-export the standard library helpers so callers need a single import.
func Is(err, target error) bool { return errors.Is(err, target) }

// As finds the first error in err's chain that matches target.
func As(err error, target interface{}) bool { return errors.As(err, target) }

// captureStack captures the current call stack
func captureStack(skip int) []StackFrame {
	const maxFrames = 32
	frames := make([]StackFrame, 0, maxFrames)

	for i := skip; i < maxFrames+skip; i++ {
		pc, file, line, ok := runtime.Caller(i)
		if !ok {
			break
		}

		fn := runtime.FuncForPC(pc)
		if fn == nil {
			continue
		}

		frames = append(frames, StackFrame{
			Function: fn.Name(),
			File:     file,
			Line:     line,
		})
	}

	return frames
}
