package engine

import (
	"encoding/json"
	"time"

	"github.com/google/uuid"
)

// ParamType enumerates the value types a capability parameter may take.
type ParamType string

const (
	// ParamString is a JSON string parameter.
	ParamString ParamType = "string"

	// ParamNumber is a JSON number parameter (integers and floats).
	ParamNumber ParamType = "number"

	// ParamBool is a JSON boolean parameter.
	ParamBool ParamType = "bool"

	// ParamObject is a JSON object parameter.
	ParamObject ParamType = "object"

	// ParamArray is a JSON array parameter.
	ParamArray ParamType = "array"
)

// ParamSpec describes a single parameter in a capability's schema.
type ParamSpec struct {
	// Type is the expected value type.
	Type ParamType `json:"type" yaml:"type"`

	// Required indicates the parameter must be present.
	Required bool `json:"required" yaml:"required"`

	// Description is a human-readable description of the parameter.
	Description string `json:"description,omitempty" yaml:"description,omitempty"`
}

// Capability describes a single remote operation the editor engine
// exposes. Capabilities are supplied externally and never mutated by the
// planner or executor.
type Capability struct {
	// Name is the unique operation name (e.g., "asset.create").
	Name string `json:"name" yaml:"name"`

	// Description is a human-readable summary for the Oracle.
	Description string `json:"description,omitempty" yaml:"description,omitempty"`

	// Parameters is the parameter schema keyed by parameter name.
	Parameters map[string]ParamSpec `json:"parameters,omitempty" yaml:"parameters,omitempty"`

	// Returns is the return schema keyed by field name.
	Returns map[string]ParamSpec `json:"returns,omitempty" yaml:"returns,omitempty"`

	// Idempotent indicates repeated execution of the same command has no
	// additional effect. Non-idempotent capabilities trigger a
	// reconciliation query after an ambiguous timeout.
	Idempotent bool `json:"idempotent" yaml:"idempotent"`
}

// Intent is the caller's high-level request. It is opaque to the core
// and consumed once by the planner.
type Intent struct {
	// Text is the free-form request description.
	Text string `json:"text"`

	// Attributes carries optional structured hints for the Oracle.
	Attributes map[string]string `json:"attributes,omitempty"`
}

// ProposedStep is a step as proposed by the Oracle, before validation.
type ProposedStep struct {
	// ID is the Oracle-assigned identifier, unique within the proposal.
	ID string `json:"id"`

	// Capability is the name of the operation to invoke.
	Capability string `json:"capability"`

	// Parameters are the operation parameters.
	Parameters map[string]any `json:"parameters,omitempty"`

	// DependsOn lists proposal step IDs that must succeed first.
	DependsOn []string `json:"depends_on,omitempty"`
}

// Step is one validated capability invocation within a plan.
type Step struct {
	// ID is the unique step identifier within the plan.
	ID string `json:"id"`

	// Capability is the name of the operation to invoke.
	Capability string `json:"capability"`

	// Parameters are the bound operation parameters. String values of
	// the form "${mem:key}" are resolved from session memory at
	// dispatch time.
	Parameters map[string]any `json:"parameters,omitempty"`

	// DependsOn lists step IDs that must reach Succeeded before this
	// step becomes eligible for dispatch.
	DependsOn []string `json:"depends_on,omitempty"`

	// IdempotencyKey is derived deterministically from (plan ID, step
	// ID); every dispatch of this step carries the same key.
	IdempotencyKey string `json:"idempotency_key"`

	// Idempotent mirrors the capability's idempotency flag so the
	// executor can decide on reconciliation without a registry lookup.
	Idempotent bool `json:"idempotent"`

	// Timeout is the per-step dispatch timeout.
	Timeout time.Duration `json:"timeout"`
}

// Plan is a validated, acyclic, dependency-ordered set of steps derived
// from an intent. A plan is immutable once execution starts; re-planning
// produces a new plan.
type Plan struct {
	// ID is the unique plan identifier.
	ID string `json:"id"`

	// Intent is the request the plan was derived from.
	Intent Intent `json:"intent"`

	// Steps are the plan's steps in proposal order.
	Steps []Step `json:"steps"`

	// CreatedAt is when the plan was created.
	CreatedAt time.Time `json:"created_at"`

	// Graph is the validated dependency graph over Steps.
	Graph *Graph `json:"graph,omitempty"`
}

// Ambiguity describes a question the remote engine needs answered before
// a command can proceed.
type Ambiguity struct {
	// Question is the human-readable question.
	Question string `json:"question"`

	// Options are the candidate answers.
	Options []string `json:"options"`

	// Parameter names the step parameter the chosen option binds to.
	Parameter string `json:"parameter"`
}

// StepResult is the tagged outcome of a single dispatch attempt.
type StepResult struct {
	// Kind selects the variant.
	Kind ResultKind `json:"kind"`

	// Payload is the remote's return value on success.
	Payload json.RawMessage `json:"payload,omitempty"`

	// Facts are key/value facts the remote reports as worth remembering
	// (e.g., the path of a created asset). Written to session memory on
	// success.
	Facts map[string]string `json:"facts,omitempty"`

	// FailureKind classifies a failure for the retry policy.
	FailureKind ErrorKind `json:"failure_kind,omitempty"`

	// Reason is the failure reason, if any.
	Reason string `json:"reason,omitempty"`

	// Ambiguity is set when Kind is ResultAmbiguous.
	Ambiguity *Ambiguity `json:"ambiguity,omitempty"`
}

// ExecutionRecord is the append-only history entry for one attempt of
// one step. Owned exclusively by the executor.
type ExecutionRecord struct {
	// PlanID is the plan the attempt belongs to.
	PlanID string `json:"plan_id"`

	// StepID is the step the attempt belongs to.
	StepID string `json:"step_id"`

	// Attempt is the 1-based attempt number.
	Attempt int `json:"attempt"`

	// Kind is the result kind of the attempt.
	Kind ResultKind `json:"kind"`

	// Detail is the failure reason or ambiguity question, if any.
	Detail string `json:"detail,omitempty"`

	// Backoff is the delay applied before the next attempt, if any.
	Backoff time.Duration `json:"backoff,omitempty"`

	// Timestamp is when the attempt completed.
	Timestamp time.Time `json:"timestamp"`
}

// StepReport is the final per-step entry in a PlanReport.
type StepReport struct {
	// StepID is the step identifier.
	StepID string `json:"step_id"`

	// Capability is the operation the step invoked.
	Capability string `json:"capability"`

	// Status is the step's final status.
	Status StepStatus `json:"status"`

	// Attempts is the number of dispatch attempts made.
	Attempts int `json:"attempts"`

	// FailureCause is the failure code for failed or cancelled steps.
	FailureCause string `json:"failure_cause,omitempty"`

	// Reason is the human-readable failure reason, if any.
	Reason string `json:"reason,omitempty"`
}

// PlanReport is the terminal, immutable summary of a plan's execution.
// The caller always receives one, even for aborted plans.
type PlanReport struct {
	// PlanID is the executed plan's identifier.
	PlanID string `json:"plan_id"`

	// Status is the overall plan outcome.
	Status PlanStatus `json:"status"`

	// Steps are the per-step final states, in plan order.
	Steps []StepReport `json:"steps"`

	// StartedAt is when execution started.
	StartedAt time.Time `json:"started_at"`

	// CompletedAt is when execution terminated.
	CompletedAt time.Time `json:"completed_at"`
}

// Summary tallies the report's steps by final status.
func (r *PlanReport) Summary() (succeeded, failed, cancelled int) {
	for _, s := range r.Steps {
		switch s.Status {
		case StepStatusSucceeded:
			succeeded++
		case StepStatusFailed:
			failed++
		case StepStatusCancelled:
			cancelled++
		}
	}
	return succeeded, failed, cancelled
}

// idempotencyNamespace is the UUID namespace for deriving step
// idempotency keys.
var idempotencyNamespace = uuid.MustParse("8f1c2a34-9d6b-4e0f-8a2d-5c7e913f0b61")

// DeriveIdempotencyKey derives the stable idempotency key for a step.
// Repeated dispatch of the same (plan, step) pair always carries the
// same key, which is what lets the remote deduplicate retried mutations.
func DeriveIdempotencyKey(planID, stepID string) string {
	return uuid.NewSHA1(idempotencyNamespace, []byte(planID+"/"+stepID)).String()
}
