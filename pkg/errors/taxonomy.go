package errors

import (
	"context"
	"errors"
	"fmt"
)

// ConfigurationError reports a missing or invalid dialect field.
func ConfigurationError(field, message string) *Error {
	e := &Error{
		Type:    ErrorTypeConfig,
		Message: fmt.Sprintf("%s: %s", field, message),
		Stack:   captureStack(2),
	}
	return e.WithDetail("field", field)
}

// MissingField reports a required dialect field that is absent.
func MissingField(dialect, field string) *Error {
	e := &Error{
		Type:    ErrorTypeConfig,
		Message: fmt.Sprintf("missing required field %q for dialect %s", field, dialect),
		Stack:   captureStack(2),
	}
	return e.WithDetail("field", field).WithDetail("dialect", dialect)
}

// UnsupportedDialect reports a dialect that cannot serve the requested role.
func UnsupportedDialect(dialect, role string) *Error {
	e := &Error{
		Type:    ErrorTypeUnsupportedDialect,
		Message: fmt.Sprintf("dialect %q is not supported as %s", dialect, role),
		Stack:   captureStack(2),
	}
	return e.WithDetail("dialect", dialect).WithDetail("role", role)
}

// NotFound reports a missing local record or remote connector.
func NotFound(kind, name string) *Error {
	e := &Error{
		Type:    ErrorTypeNotFound,
		Message: fmt.Sprintf("%s %q not found", kind, name),
		Stack:   captureStack(2),
	}
	return e.WithDetail("kind", kind).WithDetail("name", name)
}

// AlreadyExists reports a naming collision.
func AlreadyExists(kind, name string) *Error {
	e := &Error{
		Type:    ErrorTypeAlreadyExists,
		Message: fmt.Sprintf("%s %q already exists", kind, name),
		Stack:   captureStack(2),
	}
	return e.WithDetail("kind", kind).WithDetail("name", name)
}

// Transient reports a remote failure worth retrying after backoff.
func Transient(cause error, message string) *Error {
	e := Wrap(cause, ErrorTypeTransient, message)
	if e == nil {
		e = &Error{Type: ErrorTypeTransient, Message: message, Stack: captureStack(2)}
	}
	return e
}

// CheckpointInvariant reports an attempt to start CDC without a valid checkpoint.
func CheckpointInvariant(pipelineID, message string) *Error {
	e := &Error{
		Type:    ErrorTypeCheckpointInvariant,
		Message: message,
		Stack:   captureStack(2),
	}
	return e.WithDetail("pipeline_id", pipelineID)
}

// NameMismatch reports source and sink stream names that disagree.
func NameMismatch(source, sink []string) *Error {
	e := &Error{
		Type:    ErrorTypeNameMismatch,
		Message: fmt.Sprintf("source streams %v do not match sink topics %v", source, sink),
		Stack:   captureStack(2),
	}
	return e.WithDetail("source_streams", source).WithDetail("sink_topics", sink)
}

// InvalidState reports an operation not allowed in the current pipeline state.
func InvalidState(pipelineID, state, operation string) *Error {
	e := &Error{
		Type:    ErrorTypeInvalidState,
		Message: fmt.Sprintf("cannot %s pipeline in state %s", operation, state),
		Stack:   captureStack(2),
	}
	return e.WithDetail("pipeline_id", pipelineID).WithDetail("state", state)
}

// Busy reports a pipeline that already has an operation in flight.
func Busy(pipelineID string) *Error {
	e := &Error{
		Type:    ErrorTypeBusy,
		Message: "pipeline busy",
		Stack:   captureStack(2),
	}
	return e.WithDetail("pipeline_id", pipelineID)
}

// FromContext classifies a context error: cancellation is not retryable,
// an expired deadline is a timeout.
func FromContext(err error, message string) *Error {
	if err == nil {
		return nil
	}
	if errors.Is(err, context.Canceled) {
		return Wrap(err, ErrorTypeCancelled, message)
	}
	if errors.Is(err, context.DeadlineExceeded) {
		return Wrap(err, ErrorTypeTimeout, message)
	}
	return Wrap(err, ErrorTypeInternal, message)
}

// IsCancelled reports whether err was caused by caller cancellation.
func IsCancelled(err error) bool {
	return IsType(err, ErrorTypeCancelled) || errors.Is(err, context.Canceled)
}

// IsNotFound reports whether err is a not-found error.
func IsNotFound(err error) bool { return IsType(err, ErrorTypeNotFound) }

// IsAlreadyExists reports whether err is an already-exists error.
func IsAlreadyExists(err error) bool { return IsType(err, ErrorTypeAlreadyExists) }

// IsTransient reports whether err is any retryable runtime error.
func IsTransient(err error) bool { return IsRetryable(err) }

// IsInvalidState reports whether err is an invalid-state error.
func IsInvalidState(err error) bool { return IsType(err, ErrorTypeInvalidState) }

// IsBusy reports whether err is a pipeline-busy error.
func IsBusy(err error) bool { return IsType(err, ErrorTypeBusy) }
