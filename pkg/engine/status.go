package engine

import (
	"encoding/json"
	"fmt"
)

// StepStatus represents the state of a step in the executor's state
// machine: Pending -> Dispatched -> {Succeeded, Failed, Ambiguous, Cancelled}.
type StepStatus string

const (
	// StepStatusPending indicates the step is waiting for its
	// dependencies to succeed or for an in-flight slot.
	StepStatusPending StepStatus = "pending"

	// StepStatusDispatched indicates the step has been sent to the
	// remote engine and a result is awaited.
	StepStatusDispatched StepStatus = "dispatched"

	// StepStatusSucceeded indicates the step completed successfully.
	StepStatusSucceeded StepStatus = "succeeded"

	// StepStatusFailed indicates the step failed permanently, either
	// fatally or after exhausting its retry budget.
	StepStatusFailed StepStatus = "failed"

	// StepStatusAmbiguous indicates the remote returned an ambiguous
	// outcome and the step is suspended awaiting Oracle resolution.
	StepStatusAmbiguous StepStatus = "ambiguous"

	// StepStatusCancelled indicates the step was never dispatched
	// because an ancestor failed or the plan was cancelled.
	StepStatusCancelled StepStatus = "cancelled"
)

// IsTerminal returns true if the step status represents a final state.
func (s StepStatus) IsTerminal() bool {
	return s == StepStatusSucceeded || s == StepStatusFailed || s == StepStatusCancelled
}

// Validate checks if the step status is valid.
func (s StepStatus) Validate() error {
	switch s {
	case StepStatusPending, StepStatusDispatched, StepStatusSucceeded,
		StepStatusFailed, StepStatusAmbiguous, StepStatusCancelled:
		return nil
	default:
		return fmt.Errorf("invalid step status: %s", s)
	}
}

// PlanStatus represents the overall state of a plan execution:
// Running -> {Completed, PartiallyFailed, Aborted}.
type PlanStatus string

const (
	// PlanStatusRunning indicates the plan is currently executing.
	PlanStatusRunning PlanStatus = "running"

	// PlanStatusCompleted indicates every non-cancelled step succeeded.
	PlanStatusCompleted PlanStatus = "completed"

	// PlanStatusPartiallyFailed indicates at least one step failed but
	// the plan terminated naturally.
	PlanStatusPartiallyFailed PlanStatus = "partially_failed"

	// PlanStatusAborted indicates a caller-issued cancellation or the
	// plan deadline stopped execution before natural termination.
	PlanStatusAborted PlanStatus = "aborted"
)

// IsTerminal returns true if the plan status represents a final state.
func (s PlanStatus) IsTerminal() bool {
	return s == PlanStatusCompleted || s == PlanStatusPartiallyFailed || s == PlanStatusAborted
}

// Validate checks if the plan status is valid.
func (s PlanStatus) Validate() error {
	switch s {
	case PlanStatusRunning, PlanStatusCompleted, PlanStatusPartiallyFailed, PlanStatusAborted:
		return nil
	default:
		return fmt.Errorf("invalid plan status: %s", s)
	}
}

// ResultKind tags the variant carried by a StepResult.
type ResultKind string

const (
	// ResultSuccess indicates the command took effect and returned a payload.
	ResultSuccess ResultKind = "success"

	// ResultRecoverableFailure indicates a failure the retry policy may
	// recover from.
	ResultRecoverableFailure ResultKind = "recoverable_failure"

	// ResultFatalFailure indicates a failure that must not be retried.
	ResultFatalFailure ResultKind = "fatal_failure"

	// ResultAmbiguous indicates the remote needs a decision before the
	// command can proceed.
	ResultAmbiguous ResultKind = "ambiguous"
)

// Validate checks if the result kind is valid.
func (k ResultKind) Validate() error {
	switch k {
	case ResultSuccess, ResultRecoverableFailure, ResultFatalFailure, ResultAmbiguous:
		return nil
	default:
		return fmt.Errorf("invalid result kind: %s", k)
	}
}

// MarshalJSON implements custom JSON marshaling for type-safe enum
// serialization.
func (s PlanStatus) MarshalJSON() ([]byte, error) {
	return json.Marshal(string(s))
}

// UnmarshalJSON implements custom JSON unmarshaling with validation.
func (s *PlanStatus) UnmarshalJSON(data []byte) error {
	var str string
	if err := json.Unmarshal(data, &str); err != nil {
		return err
	}
	*s = PlanStatus(str)
	return s.Validate()
}

// MarshalJSON implements custom JSON marshaling for type-safe enum
// serialization.
func (s StepStatus) MarshalJSON() ([]byte, error) {
	return json.Marshal(string(s))
}

// UnmarshalJSON implements custom JSON unmarshaling with validation.
func (s *StepStatus) UnmarshalJSON(data []byte) error {
	var str string
	if err := json.Unmarshal(data, &str); err != nil {
		return err
	}
	*s = StepStatus(str)
	return s.Validate()
}
