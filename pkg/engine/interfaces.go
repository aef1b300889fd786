package engine

import (
	"context"
)

// Registry describes the catalog of operations the remote engine
// exposes. The core consumes a registry; it never owns one.
type Registry interface {
	// Enumerate returns all known capability descriptors.
	Enumerate() []Capability

	// Lookup returns the capability with the given name.
	Lookup(name string) (Capability, bool)
}

// Oracle is the pluggable decision-maker used by the planner (step
// proposal) and by the executor (ambiguity resolution). Rule-based and
// model-backed implementations are interchangeable. Both methods may
// block but must return when the context is cancelled.
type Oracle interface {
	// ProposePlan proposes a sequence of steps for the intent, given the
	// available capabilities and a snapshot of session memory.
	ProposePlan(ctx context.Context, intent Intent, capabilities []Capability, memory map[string]string) ([]ProposedStep, error)

	// ResolveAmbiguity selects one of the options in answer to the
	// question. The returned choice must be one of the options.
	ResolveAmbiguity(ctx context.Context, question string, options []string) (string, error)
}

// CommandClient is the boundary adapter to the remote engine. Every
// dispatch carries the step's idempotency key; Reconcile is safe to call
// at any time and never mutates remote state.
type CommandClient interface {
	// Dispatch sends the step to the remote and waits for its result.
	// Transport-level failures are returned as errors; remote-reported
	// outcomes (including failures and ambiguities) come back as a
	// StepResult.
	Dispatch(ctx context.Context, step Step) (StepResult, error)

	// Reconcile asks the remote whether the effect identified by the
	// idempotency key has already been applied.
	Reconcile(ctx context.Context, idempotencyKey string) (bool, error)

	// Abort signals best-effort cancellation of an in-flight command.
	Abort(ctx context.Context, idempotencyKey string) error
}

// RecordSink persists execution records for audit and replay. The
// executor appends one record per attempt; implementations must tolerate
// concurrent appends for different steps.
type RecordSink interface {
	AppendExecutionRecord(ctx context.Context, rec ExecutionRecord) error
}

// MemorySink persists session memory entries as they are appended.
type MemorySink interface {
	AppendMemoryEntry(ctx context.Context, runID string, entry MemoryEntry) error
}
