package commands

import (
	"github.com/stagehand/stagehand/pkg/engine"
	"github.com/stagehand/stagehand/pkg/oracle"
)

// builtinCatalog is the default scene-editor capability set, used when no
// catalog file is configured. A real deployment ships its own catalog;
// this one matches the reference engine's surface.
func builtinCatalog() []engine.Capability {
	return []engine.Capability{
		{
			Name:        "asset.import",
			Description: "Import an asset file into the project.",
			Parameters: map[string]engine.ParamSpec{
				"path": {Type: engine.ParamString, Required: true, Description: "source file path"},
			},
			Returns: map[string]engine.ParamSpec{
				"asset_id": {Type: engine.ParamString},
			},
		},
		{
			Name:        "actor.spawn",
			Description: "Spawn an actor from an asset into the active scene.",
			Parameters: map[string]engine.ParamSpec{
				"asset_id": {Type: engine.ParamString, Required: true, Description: "asset to instantiate"},
				"name":     {Type: engine.ParamString, Required: false, Description: "actor name"},
			},
			Returns: map[string]engine.ParamSpec{
				"actor_id": {Type: engine.ParamString},
			},
		},
		{
			Name:        "actor.move",
			Description: "Set an actor's absolute transform.",
			Parameters: map[string]engine.ParamSpec{
				"actor":    {Type: engine.ParamString, Required: true, Description: "actor name or id"},
				"position": {Type: engine.ParamArray, Required: true, Description: "[x, y, z]"},
			},
			Idempotent: true,
		},
		{
			Name:        "actor.rename",
			Description: "Rename an actor.",
			Parameters: map[string]engine.ParamSpec{
				"actor": {Type: engine.ParamString, Required: true, Description: "actor name or id"},
				"name":  {Type: engine.ParamString, Required: true, Description: "new name"},
			},
			Idempotent: true,
		},
		{
			Name:        "actor.delete",
			Description: "Delete an actor from the active scene.",
			Parameters: map[string]engine.ParamSpec{
				"actor": {Type: engine.ParamString, Required: true, Description: "actor name or id"},
			},
		},
		{
			Name:        "material.assign",
			Description: "Assign a material to an actor.",
			Parameters: map[string]engine.ParamSpec{
				"actor":    {Type: engine.ParamString, Required: true, Description: "actor name or id"},
				"material": {Type: engine.ParamString, Required: true, Description: "material name"},
			},
			Idempotent: true,
		},
		{
			Name:        "scene.query",
			Description: "Query the active scene's state.",
			Parameters: map[string]engine.ParamSpec{
				"selector": {Type: engine.ParamString, Required: false, Description: "state selector"},
			},
			Idempotent: true,
		},
		{
			Name:        "scene.save",
			Description: "Save the active scene.",
			Idempotent:  true,
		},
	}
}

// defaultRules is the rule table the rule oracle falls back to when no
// model is configured. Parameters come from intent attributes; steps that
// consume an earlier step's output reference it through session memory.
func defaultRules() []oracle.Rule {
	return []oracle.Rule{
		{
			Pattern: "import",
			Build: func(intent engine.Intent, memory map[string]string) []engine.ProposedStep {
				return []engine.ProposedStep{
					{
						ID:         "s1",
						Capability: "asset.import",
						Parameters: map[string]any{"path": intent.Attributes["path"]},
					},
					{
						ID:         "s2",
						Capability: "scene.save",
						DependsOn:  []string{"s1"},
					},
				}
			},
		},
		{
			Pattern: "spawn",
			Build: func(intent engine.Intent, memory map[string]string) []engine.ProposedStep {
				return []engine.ProposedStep{
					{
						ID:         "s1",
						Capability: "actor.spawn",
						Parameters: map[string]any{
							"asset_id": "${mem:asset_id}",
							"name":     intent.Attributes["name"],
						},
					},
					{
						ID:         "s2",
						Capability: "scene.save",
						DependsOn:  []string{"s1"},
					},
				}
			},
		},
		{
			Pattern: "rename",
			Build: func(intent engine.Intent, memory map[string]string) []engine.ProposedStep {
				return []engine.ProposedStep{
					{
						ID:         "s1",
						Capability: "actor.rename",
						Parameters: map[string]any{
							"actor": intent.Attributes["actor"],
							"name":  intent.Attributes["name"],
						},
					},
					{
						ID:         "s2",
						Capability: "scene.save",
						DependsOn:  []string{"s1"},
					},
				}
			},
		},
		{
			Pattern: "query",
			Build: func(intent engine.Intent, memory map[string]string) []engine.ProposedStep {
				return []engine.ProposedStep{
					{
						ID:         "s1",
						Capability: "scene.query",
						Parameters: map[string]any{"selector": intent.Attributes["selector"]},
					},
				}
			},
		},
	}
}
