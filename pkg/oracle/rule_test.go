package oracle

import (
	"context"
	"testing"

	"github.com/stagehand/stagehand/pkg/engine"
)

func testRules() []Rule {
	return []Rule{
		{
			Pattern: "import",
			Build: func(intent engine.Intent, _ map[string]string) []engine.ProposedStep {
				return []engine.ProposedStep{
					{ID: "s1", Capability: "asset.import", Parameters: map[string]any{"path": intent.Attributes["path"]}},
				}
			},
		},
		{
			Pattern: "save",
			Build: func(_ engine.Intent, _ map[string]string) []engine.ProposedStep {
				return []engine.ProposedStep{{ID: "s1", Capability: "scene.save"}}
			},
		},
	}
}

func TestRuleOracle_FirstMatchWins(t *testing.T) {
	o := NewRuleOracle(testRules())

	steps, err := o.ProposePlan(context.Background(),
		engine.Intent{Text: "Import the model and save", Attributes: map[string]string{"path": "m.glb"}},
		nil, nil)
	if err != nil {
		t.Fatalf("ProposePlan failed: %v", err)
	}
	if len(steps) != 1 || steps[0].Capability != "asset.import" {
		t.Errorf("Expected the import rule to win, got %+v", steps)
	}
	if steps[0].Parameters["path"] != "m.glb" {
		t.Errorf("Intent attribute not threaded through: %v", steps[0].Parameters)
	}
}

func TestRuleOracle_MatchIsCaseInsensitive(t *testing.T) {
	o := NewRuleOracle(testRules())

	steps, err := o.ProposePlan(context.Background(), engine.Intent{Text: "SAVE the scene"}, nil, nil)
	if err != nil {
		t.Fatalf("ProposePlan failed: %v", err)
	}
	if steps[0].Capability != "scene.save" {
		t.Errorf("Expected scene.save, got %s", steps[0].Capability)
	}
}

func TestRuleOracle_NoMatch(t *testing.T) {
	o := NewRuleOracle(testRules())

	if _, err := o.ProposePlan(context.Background(), engine.Intent{Text: "paint it red"}, nil, nil); err == nil {
		t.Fatal("Expected error for unmatched intent")
	}
}

func TestRuleOracle_ResolveAmbiguity(t *testing.T) {
	o := NewRuleOracle(nil)
	o.Preferences = map[string]string{
		"which actor": "Cube2",
	}

	choice, err := o.ResolveAmbiguity(context.Background(), "Which actor do you mean?", []string{"Cube1", "Cube2"})
	if err != nil {
		t.Fatalf("ResolveAmbiguity failed: %v", err)
	}
	if choice != "Cube2" {
		t.Errorf("Choice = %s, want Cube2 per preference", choice)
	}
}

func TestRuleOracle_ResolveDefaultsToFirstOption(t *testing.T) {
	o := NewRuleOracle(nil)

	choice, err := o.ResolveAmbiguity(context.Background(), "which material", []string{"steel", "wood"})
	if err != nil {
		t.Fatalf("ResolveAmbiguity failed: %v", err)
	}
	if choice != "steel" {
		t.Errorf("Choice = %s, want first option", choice)
	}
}

func TestRuleOracle_PreferenceMustBeAnOption(t *testing.T) {
	o := NewRuleOracle(nil)
	o.Preferences = map[string]string{"which actor": "Pyramid9"}

	choice, err := o.ResolveAmbiguity(context.Background(), "which actor", []string{"Cube1", "Cube2"})
	if err != nil {
		t.Fatalf("ResolveAmbiguity failed: %v", err)
	}
	if choice != "Cube1" {
		t.Errorf("Off-menu preference must fall back to the first option, got %s", choice)
	}
}

func TestRuleOracle_ResolveNoOptions(t *testing.T) {
	o := NewRuleOracle(nil)
	if _, err := o.ResolveAmbiguity(context.Background(), "anything", nil); err == nil {
		t.Fatal("Expected error for empty options")
	}
}

func TestRuleOracle_HonorsContext(t *testing.T) {
	o := NewRuleOracle(testRules())
	ctx, cancel := context.WithCancel(context.Background())
	cancel()

	if _, err := o.ProposePlan(ctx, engine.Intent{Text: "save"}, nil, nil); err == nil {
		t.Error("Expected context error from ProposePlan")
	}
	if _, err := o.ResolveAmbiguity(ctx, "q", []string{"a"}); err == nil {
		t.Error("Expected context error from ResolveAmbiguity")
	}
}
