package oracle

import (
	"context"
	"encoding/json"
	"fmt"
	"strings"

	"github.com/tmc/langchaingo/llms"

	"github.com/stagehand/stagehand/pkg/engine"
	"github.com/stagehand/stagehand/pkg/telemetry"
)

// LLMOracle proposes plans and resolves ambiguities through a language
// model. Proposals are forced through a tool call so the output is
// structured rather than free text.
type LLMOracle struct {
	model  llms.Model
	logger *telemetry.Logger
}

// NewLLMOracle creates an oracle backed by the given model.
func NewLLMOracle(model llms.Model, logger *telemetry.Logger) *LLMOracle {
	return &LLMOracle{
		model:  model,
		logger: logger.NewComponentLogger("oracle"),
	}
}

const plannerSystemPrompt = `You are the planning component of an orchestrator driving a remote editor engine.
Given a user intent, the available capabilities, and known session facts, propose the minimal sequence of steps that fulfills the intent.

Rules:
- Use only the listed capabilities, with parameters matching their schemas exactly.
- Give each step a short unique id (s1, s2, ...).
- Express ordering through depends_on; steps without a dependency path may run concurrently.
- Reference a known session fact in a string parameter as "${mem:key}".
- Call propose_steps exactly once with the full plan.`

// proposedPlan is the tool-call payload shape.
type proposedPlan struct {
	Steps []engine.ProposedStep `json:"steps"`
}

// ProposePlan asks the model for a step sequence via the propose_steps
// tool and parses its arguments.
func (o *LLMOracle) ProposePlan(ctx context.Context, intent engine.Intent, capabilities []engine.Capability, memory map[string]string) ([]engine.ProposedStep, error) {
	messages := []llms.MessageContent{
		{
			Role:  llms.ChatMessageTypeSystem,
			Parts: []llms.ContentPart{llms.TextPart(plannerSystemPrompt)},
		},
		{
			Role:  llms.ChatMessageTypeHuman,
			Parts: []llms.ContentPart{llms.TextPart(buildPlanningPrompt(intent, capabilities, memory))},
		},
	}

	resp, err := o.model.GenerateContent(ctx, messages, llms.WithTools(plannerTools()))
	if err != nil {
		return nil, fmt.Errorf("model call failed: %w", err)
	}
	if len(resp.Choices) == 0 {
		return nil, fmt.Errorf("model returned no choices")
	}

	choice := resp.Choices[0]
	for _, tc := range choice.ToolCalls {
		if tc.FunctionCall.Name != "propose_steps" {
			continue
		}
		var plan proposedPlan
		if err := json.Unmarshal([]byte(tc.FunctionCall.Arguments), &plan); err != nil {
			return nil, fmt.Errorf("failed to parse proposed steps: %w", err)
		}
		o.logger.WithField("steps", len(plan.Steps)).Debug("model proposed steps")
		return plan.Steps, nil
	}

	return nil, fmt.Errorf("model did not call propose_steps")
}

// ResolveAmbiguity asks the model to pick one of the offered options.
func (o *LLMOracle) ResolveAmbiguity(ctx context.Context, question string, options []string) (string, error) {
	prompt := fmt.Sprintf(
		"The editor engine cannot proceed without a decision.\n\nQuestion: %s\n\nOptions:\n- %s\n\nCall choose_option with exactly one of the listed options.",
		question, strings.Join(options, "\n- "))

	messages := []llms.MessageContent{
		{
			Role:  llms.ChatMessageTypeHuman,
			Parts: []llms.ContentPart{llms.TextPart(prompt)},
		},
	}

	resp, err := o.model.GenerateContent(ctx, messages, llms.WithTools(resolverTools(options)))
	if err != nil {
		return "", fmt.Errorf("model call failed: %w", err)
	}
	if len(resp.Choices) == 0 {
		return "", fmt.Errorf("model returned no choices")
	}

	choice := resp.Choices[0]
	for _, tc := range choice.ToolCalls {
		if tc.FunctionCall.Name != "choose_option" {
			continue
		}
		var payload struct {
			Choice string `json:"choice"`
		}
		if err := json.Unmarshal([]byte(tc.FunctionCall.Arguments), &payload); err != nil {
			return "", fmt.Errorf("failed to parse choice: %w", err)
		}
		return payload.Choice, nil
	}

	// Some models answer in text despite the tool being offered.
	answer := strings.TrimSpace(choice.Content)
	for _, opt := range options {
		if strings.EqualFold(answer, opt) {
			return opt, nil
		}
	}

	return "", fmt.Errorf("model did not choose an option")
}

// buildPlanningPrompt renders the intent, capability catalog, and memory
// snapshot into the human message.
func buildPlanningPrompt(intent engine.Intent, capabilities []engine.Capability, memory map[string]string) string {
	var b strings.Builder

	b.WriteString("Intent: ")
	b.WriteString(intent.Text)
	b.WriteString("\n")
	for k, v := range intent.Attributes {
		fmt.Fprintf(&b, "Attribute %s: %s\n", k, v)
	}

	b.WriteString("\nCapabilities:\n")
	for _, cap := range capabilities {
		fmt.Fprintf(&b, "- %s: %s", cap.Name, cap.Description)
		if cap.Idempotent {
			b.WriteString(" (idempotent)")
		}
		b.WriteString("\n")
		for name, spec := range cap.Parameters {
			req := "optional"
			if spec.Required {
				req = "required"
			}
			fmt.Fprintf(&b, "    %s (%s, %s): %s\n", name, spec.Type, req, spec.Description)
		}
	}

	if len(memory) > 0 {
		b.WriteString("\nKnown session facts:\n")
		for k, v := range memory {
			fmt.Fprintf(&b, "- %s = %s\n", k, v)
		}
	}

	return b.String()
}

func plannerTools() []llms.Tool {
	return []llms.Tool{
		{
			Type: "function",
			Function: &llms.FunctionDefinition{
				Name:        "propose_steps",
				Description: "Submit the proposed step sequence for the intent.",
				Parameters: map[string]any{
					"type": "object",
					"properties": map[string]any{
						"steps": map[string]any{
							"type": "array",
							"items": map[string]any{
								"type": "object",
								"properties": map[string]any{
									"id": map[string]any{
										"type": "string",
									},
									"capability": map[string]any{
										"type": "string",
									},
									"parameters": map[string]any{
										"type": "object",
									},
									"depends_on": map[string]any{
										"type":  "array",
										"items": map[string]any{"type": "string"},
									},
								},
								"required": []string{"id", "capability"},
							},
						},
					},
					"required": []string{"steps"},
				},
			},
		},
	}
}

func resolverTools(options []string) []llms.Tool {
	return []llms.Tool{
		{
			Type: "function",
			Function: &llms.FunctionDefinition{
				Name:        "choose_option",
				Description: "Choose exactly one of the offered options.",
				Parameters: map[string]any{
					"type": "object",
					"properties": map[string]any{
						"choice": map[string]any{
							"type": "string",
							"enum": options,
						},
					},
					"required": []string{"choice"},
				},
			},
		},
	}
}
