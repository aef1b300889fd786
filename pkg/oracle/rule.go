// Package oracle provides decision-maker implementations for plan
// proposal and ambiguity resolution. The engine consumes the Oracle
// interface; rule-based and model-backed oracles are interchangeable.
package oracle

import (
	"context"
	"fmt"
	"strings"

	"github.com/stagehand/stagehand/pkg/engine"
)

// Rule maps an intent pattern to a step builder. The first rule whose
// pattern matches the intent text (case-insensitive substring) wins.
type Rule struct {
	// Pattern is matched against the lowercased intent text.
	Pattern string

	// Build produces the proposed steps for a matching intent. The
	// memory snapshot carries facts from earlier plans in the session.
	Build func(intent engine.Intent, memory map[string]string) []engine.ProposedStep
}

// RuleOracle is a deterministic oracle driven by a fixed rule table.
// Used when no language model is configured, and throughout the test
// suite where reproducible proposals matter.
type RuleOracle struct {
	rules []Rule

	// Preferences maps a question substring (lowercased) to the option
	// to pick when resolving ambiguities. Questions with no matching
	// preference resolve to the first offered option.
	Preferences map[string]string
}

// NewRuleOracle creates a rule-based oracle.
func NewRuleOracle(rules []Rule) *RuleOracle {
	return &RuleOracle{rules: rules}
}

// ProposePlan returns the steps built by the first matching rule.
func (o *RuleOracle) ProposePlan(ctx context.Context, intent engine.Intent, capabilities []engine.Capability, memory map[string]string) ([]engine.ProposedStep, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	text := strings.ToLower(intent.Text)
	for _, rule := range o.rules {
		if strings.Contains(text, strings.ToLower(rule.Pattern)) {
			return rule.Build(intent, memory), nil
		}
	}
	return nil, fmt.Errorf("no rule matches intent %q", intent.Text)
}

// ResolveAmbiguity picks the preferred option for the question, falling
// back to the first option.
func (o *RuleOracle) ResolveAmbiguity(ctx context.Context, question string, options []string) (string, error) {
	if err := ctx.Err(); err != nil {
		return "", err
	}
	if len(options) == 0 {
		return "", fmt.Errorf("no options offered for question %q", question)
	}
	q := strings.ToLower(question)
	for pattern, choice := range o.Preferences {
		if !strings.Contains(q, strings.ToLower(pattern)) {
			continue
		}
		for _, opt := range options {
			if opt == choice {
				return choice, nil
			}
		}
	}
	return options[0], nil
}
