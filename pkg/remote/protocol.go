// Package remote implements the JSON-over-TCP protocol for driving the
// editor engine, and the command client the executor dispatches through.
package remote

import (
	"encoding/json"
	"fmt"
	"time"

	"github.com/stagehand/stagehand/pkg/engine"
)

// MessageType represents the type of message in the protocol.
type MessageType string

const (
	// MessageTypeReady indicates the engine is ready to receive commands
	MessageTypeReady MessageType = "READY"
	// MessageTypeCommand indicates a command from the orchestrator
	MessageTypeCommand MessageType = "CMD"
	// MessageTypeReconcile asks whether an effect has been applied
	MessageTypeReconcile MessageType = "RECONCILE"
	// MessageTypeAbort signals best-effort cancellation of a command
	MessageTypeAbort MessageType = "ABORT"
	// MessageTypeEvent indicates a progress event from the engine
	MessageTypeEvent MessageType = "EVENT"
	// MessageTypeDone indicates successful completion
	MessageTypeDone MessageType = "DONE"
	// MessageTypeError indicates a command failed
	MessageTypeError MessageType = "ERROR"
	// MessageTypeAsk indicates the engine needs a decision to proceed
	MessageTypeAsk MessageType = "ASK"
	// MessageTypeExit indicates the engine is shutting down
	MessageTypeExit MessageType = "EXIT"
)

// Message is the base message structure for all protocol messages.
type Message struct {
	Type      MessageType     `json:"type"`
	Timestamp time.Time       `json:"timestamp"`
	Data      json.RawMessage `json:"data,omitempty"`
}

// ReadyMessage is sent when the engine is ready to receive commands.
type ReadyMessage struct {
	Version      string            `json:"version"`
	Engine       string            `json:"engine"`
	PID          int               `json:"pid"`
	Capabilities []string          `json:"capabilities,omitempty"`
	Metadata     map[string]string `json:"metadata,omitempty"`
}

// CommandMessage carries one capability invocation. The idempotency key
// is stable across retries of the same step; the command ID is unique
// per attempt and correlates the response.
type CommandMessage struct {
	ID             string          `json:"id"`
	Capability     string          `json:"capability"`
	IdempotencyKey string          `json:"idempotency_key"`
	Timeout        int             `json:"timeout"` // seconds
	Params         json.RawMessage `json:"params,omitempty"`
}

// ReconcileMessage asks whether the effect identified by the idempotency
// key has already been applied. It never mutates engine state.
type ReconcileMessage struct {
	ID             string `json:"id"`
	IdempotencyKey string `json:"idempotency_key"`
}

// ReconcileResult is the DONE payload answering a RECONCILE query.
type ReconcileResult struct {
	Applied bool `json:"applied"`
}

// AbortMessage signals best-effort cancellation of an in-flight command.
type AbortMessage struct {
	IdempotencyKey string `json:"idempotency_key"`
}

// EventMessage contains progress information during command execution.
type EventMessage struct {
	CommandID string `json:"command_id"`
	Level     string `json:"level"` // info, warn, debug
	Message   string `json:"message"`
}

// DoneMessage indicates successful command completion. Facts are
// key/value observations the engine reports as worth remembering.
type DoneMessage struct {
	CommandID string            `json:"command_id"`
	Result    json.RawMessage   `json:"result,omitempty"`
	Facts     map[string]string `json:"facts,omitempty"`
	Duration  float64           `json:"duration"` // seconds
}

// ErrorMessage indicates a command failed.
type ErrorMessage struct {
	CommandID  string `json:"command_id,omitempty"`
	Code       string `json:"code"`
	Message    string `json:"message"`
	Retryable  bool   `json:"retryable"`
	RetryAfter int    `json:"retry_after,omitempty"` // seconds
}

// AskMessage indicates the engine cannot proceed without a decision. The
// chosen option is bound to the named parameter and the command is
// re-dispatched.
type AskMessage struct {
	CommandID string   `json:"command_id"`
	Question  string   `json:"question"`
	Options   []string `json:"options"`
	Parameter string   `json:"parameter"`
}

// ExitMessage is sent before the engine terminates.
type ExitMessage struct {
	Reason   string `json:"reason"`
	ExitCode int    `json:"exit_code"`
}

// Error codes the engine reports on the wire.
const (
	ErrCodeTimeout    = "TIMEOUT"
	ErrCodeBusy       = "BUSY"
	ErrCodeNetwork    = "NETWORK"
	ErrCodeValidation = "VALIDATION"
	ErrCodeRefused    = "REFUSED"
	ErrCodeInternal   = "INTERNAL"
)

// FailureKind maps a wire error code to the engine's failure
// classification. Unknown codes fall back on the retryable flag.
func FailureKind(code string, retryable bool) engine.ErrorKind {
	switch code {
	case ErrCodeTimeout:
		return engine.KindTimeout
	case ErrCodeBusy:
		return engine.KindRemoteBusy
	case ErrCodeNetwork:
		return engine.KindTransientNetwork
	case ErrCodeValidation:
		return engine.KindValidationRejected
	case ErrCodeRefused, ErrCodeInternal:
		return engine.KindRemoteFault
	default:
		if retryable {
			return engine.KindTransientNetwork
		}
		return engine.KindRemoteFault
	}
}

// Validate checks if the message type is valid.
func (mt MessageType) Validate() error {
	switch mt {
	case MessageTypeReady, MessageTypeCommand, MessageTypeReconcile,
		MessageTypeAbort, MessageTypeEvent, MessageTypeDone,
		MessageTypeError, MessageTypeAsk, MessageTypeExit:
		return nil
	default:
		return fmt.Errorf("invalid message type: %s", mt)
	}
}

// Validate checks if the command message is valid.
func (cmd *CommandMessage) Validate() error {
	if cmd.ID == "" {
		return fmt.Errorf("command ID is required")
	}
	if cmd.Capability == "" {
		return fmt.Errorf("capability is required")
	}
	if cmd.IdempotencyKey == "" {
		return fmt.Errorf("idempotency key is required")
	}
	if cmd.Timeout <= 0 {
		return fmt.Errorf("timeout must be positive")
	}
	return nil
}

// Validate checks if the ask message is valid.
func (ask *AskMessage) Validate() error {
	if ask.CommandID == "" {
		return fmt.Errorf("command ID is required")
	}
	if ask.Question == "" {
		return fmt.Errorf("question is required")
	}
	if len(ask.Options) == 0 {
		return fmt.Errorf("at least one option is required")
	}
	if ask.Parameter == "" {
		return fmt.Errorf("parameter is required")
	}
	return nil
}
