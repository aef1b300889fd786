package engine

import (
	"errors"
	"fmt"
)

// ErrorClass represents the classification of an error for retry and
// recovery logic.
type ErrorClass string

const (
	// ErrorClassTransient indicates a temporary failure that may succeed
	// on retry. Examples: dispatch timeouts, a busy remote engine,
	// transient network faults.
	ErrorClassTransient ErrorClass = "transient"

	// ErrorClassPermanent indicates a non-recoverable error.
	// Examples: parameter validation rejected by the remote, unknown
	// capability, a semantic refusal from the engine.
	ErrorClassPermanent ErrorClass = "permanent"
)

// ErrorKind identifies the specific failure mode of a step attempt.
// The retry policy keys its decision off the kind.
type ErrorKind string

const (
	// KindTimeout indicates the step did not produce a result within its
	// per-step timeout.
	KindTimeout ErrorKind = "timeout"

	// KindRemoteBusy indicates the remote engine refused the command
	// because it is occupied (modal dialog open, long-running task).
	KindRemoteBusy ErrorKind = "remote_busy"

	// KindTransientNetwork indicates a connection-level fault that does
	// not imply anything about the command's effect.
	KindTransientNetwork ErrorKind = "transient_network"

	// KindValidationRejected indicates the remote rejected the command
	// parameters.
	KindValidationRejected ErrorKind = "validation_rejected"

	// KindRemoteFault indicates the remote reported a semantic refusal
	// or an internal error that retrying will not fix.
	KindRemoteFault ErrorKind = "remote_fault"

	// KindNone is used when no step-level failure kind applies.
	KindNone ErrorKind = ""
)

// IsTransientKind reports whether the kind is retryable under the retry
// policy. Only transient kinds are ever retried.
func IsTransientKind(kind ErrorKind) bool {
	switch kind {
	case KindTimeout, KindRemoteBusy, KindTransientNetwork:
		return true
	default:
		return false
	}
}

// Error represents a classified orchestration error with context.
type Error struct {
	// Class is the error classification for retry logic.
	Class ErrorClass `json:"class"`

	// Code is the error code for programmatic handling.
	Code string `json:"code"`

	// Message is the human-readable error message.
	Message string `json:"message"`

	// StepID is the step that caused the error, if applicable.
	StepID string `json:"step_id,omitempty"`

	// Err is the underlying error that caused this error.
	Err error `json:"-"`
}

// Error implements the error interface.
func (e *Error) Error() string {
	if e.StepID != "" {
		return fmt.Sprintf("[%s] %s (step=%s): %s", e.Class, e.Code, e.StepID, e.Message)
	}
	return fmt.Sprintf("[%s] %s: %s", e.Class, e.Code, e.Message)
}

// Unwrap returns the underlying error for error chain inspection.
func (e *Error) Unwrap() error {
	return e.Err
}

// Is implements error equality checking for errors.Is.
func (e *Error) Is(target error) bool {
	t, ok := target.(*Error)
	if !ok {
		return false
	}
	return e.Class == t.Class && e.Code == t.Code
}

// WithStep adds step context to an error.
func (e *Error) WithStep(stepID string) *Error {
	e.StepID = stepID
	return e
}

// NewPlanningError creates a permanent error raised during planning,
// before any dispatch has happened.
func NewPlanningError(code, message string) *Error {
	return &Error{
		Class:   ErrorClassPermanent,
		Code:    code,
		Message: message,
	}
}

// NewStepError creates an error describing a failed step attempt. The
// class is derived from the kind.
func NewStepError(kind ErrorKind, message string, err error) *Error {
	class := ErrorClassPermanent
	if IsTransientKind(kind) {
		class = ErrorClassTransient
	}
	return &Error{
		Class:   class,
		Code:    string(kind),
		Message: message,
		Err:     err,
	}
}

// NewExecutionError creates a permanent error that halts a running plan.
func NewExecutionError(code, message string, err error) *Error {
	return &Error{
		Class:   ErrorClassPermanent,
		Code:    code,
		Message: message,
		Err:     err,
	}
}

// IsTransient returns true if the error is classified as transient.
func IsTransient(err error) bool {
	var e *Error
	if errors.As(err, &e) {
		return e.Class == ErrorClassTransient
	}
	return false
}

// IsPermanent returns true if the error is classified as permanent.
func IsPermanent(err error) bool {
	var e *Error
	if errors.As(err, &e) {
		return e.Class == ErrorClassPermanent
	}
	return false
}

// ErrorCode extracts the code from a classified error, or "" when the
// error is not an *Error.
func ErrorCode(err error) string {
	var e *Error
	if errors.As(err, &e) {
		return e.Code
	}
	return ""
}

// Planning error codes. Planning errors abort before any dispatch and
// are surfaced directly to the caller.
const (
	ErrCodeCyclicDependency  = "CYCLIC_DEPENDENCY"
	ErrCodeEmptyPlan         = "EMPTY_PLAN"
	ErrCodeUnknownCapability = "UNKNOWN_CAPABILITY"
	ErrCodeSchemaViolation   = "SCHEMA_VIOLATION"
)

// Step failure causes recorded in the PlanReport.
const (
	ErrCodeRetryExhausted      = "RETRY_EXHAUSTED"
	ErrCodeAmbiguityUnresolved = "AMBIGUITY_UNRESOLVED"
	ErrCodeDependencyFailed    = "DEPENDENCY_FAILED"
)

// Execution error codes. Execution errors halt the plan immediately; the
// caller still receives a PlanReport.
const (
	ErrCodeCancelledByCaller = "CANCELLED_BY_CALLER"
	ErrCodeDeadlineExceeded  = "DEADLINE_EXCEEDED"
)
