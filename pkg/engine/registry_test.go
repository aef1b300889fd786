package engine

import (
	"context"
	"os"
	"path/filepath"
	"testing"

	"github.com/stagehand/stagehand/pkg/telemetry"
)

func testCapability() Capability {
	return Capability{
		Name: "actor.move",
		Parameters: map[string]ParamSpec{
			"actor":    {Type: ParamString, Required: true},
			"position": {Type: ParamArray, Required: true},
			"snap":     {Type: ParamBool},
		},
		Idempotent: true,
	}
}

func TestStaticRegistry(t *testing.T) {
	reg := NewStaticRegistry([]Capability{
		{Name: "scene.save"},
		{Name: "actor.move"},
	})

	caps := reg.Enumerate()
	if len(caps) != 2 {
		t.Fatalf("Expected 2 capabilities, got %d", len(caps))
	}
	if caps[0].Name != "actor.move" || caps[1].Name != "scene.save" {
		t.Errorf("Expected sorted enumeration, got %v", caps)
	}

	if _, ok := reg.Lookup("scene.save"); !ok {
		t.Error("Expected scene.save to be registered")
	}
	if _, ok := reg.Lookup("missing"); ok {
		t.Error("Lookup of unknown capability must fail")
	}
}

func TestValidateParameters(t *testing.T) {
	cap := testCapability()

	tests := []struct {
		name    string
		params  map[string]any
		wantErr bool
	}{
		{
			name:   "valid",
			params: map[string]any{"actor": "Cube1", "position": []any{1.0, 2.0, 3.0}},
		},
		{
			name:   "optional omitted",
			params: map[string]any{"actor": "Cube1", "position": []any{}},
		},
		{
			name:    "missing required",
			params:  map[string]any{"actor": "Cube1"},
			wantErr: true,
		},
		{
			name:    "unknown parameter",
			params:  map[string]any{"actor": "Cube1", "position": []any{}, "extra": 1},
			wantErr: true,
		},
		{
			name:    "type mismatch",
			params:  map[string]any{"actor": 42, "position": []any{}},
			wantErr: true,
		},
		{
			name:   "memory reference accepted for any type",
			params: map[string]any{"actor": "${mem:actor}", "position": "${mem:pos}"},
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			err := ValidateParameters(cap, tt.params)
			if tt.wantErr {
				if err == nil {
					t.Fatal("Expected error, got nil")
				}
				if ErrorCode(err) != ErrCodeSchemaViolation {
					t.Errorf("Expected code %s, got %s", ErrCodeSchemaViolation, ErrorCode(err))
				}
			} else if err != nil {
				t.Fatalf("Unexpected error: %v", err)
			}
		})
	}
}

func TestMemoryRef(t *testing.T) {
	if key, ok := MemoryRef("${mem:asset_id}"); !ok || key != "asset_id" {
		t.Errorf("MemoryRef = %q, %v", key, ok)
	}
	if _, ok := MemoryRef("plain string"); ok {
		t.Error("Plain string is not a memory reference")
	}
	if _, ok := MemoryRef(42); ok {
		t.Error("Non-string is not a memory reference")
	}
}

func TestResolveParameters(t *testing.T) {
	memory := NewSessionMemory("run-1", nil)
	memory.Remember(context.Background(), "asset_id", "a-42", "s1")

	params := map[string]any{
		"asset_id": "${mem:asset_id}",
		"name":     "Robo",
		"nested": map[string]any{
			"ref": "${mem:asset_id}",
		},
		"list": []any{"${mem:asset_id}", "literal"},
	}

	resolved, err := ResolveParameters(params, memory)
	if err != nil {
		t.Fatalf("ResolveParameters failed: %v", err)
	}
	if resolved["asset_id"] != "a-42" {
		t.Errorf("asset_id = %v, want a-42", resolved["asset_id"])
	}
	if resolved["name"] != "Robo" {
		t.Errorf("Literal value changed: %v", resolved["name"])
	}
	if nested := resolved["nested"].(map[string]any); nested["ref"] != "a-42" {
		t.Errorf("Nested reference unresolved: %v", nested["ref"])
	}
	if list := resolved["list"].([]any); list[0] != "a-42" || list[1] != "literal" {
		t.Errorf("List resolution wrong: %v", list)
	}

	// The original map must not be mutated.
	if params["asset_id"] != "${mem:asset_id}" {
		t.Error("ResolveParameters mutated its input")
	}
}

func TestResolveParameters_UnknownKey(t *testing.T) {
	memory := NewSessionMemory("run-1", nil)
	_, err := ResolveParameters(map[string]any{"x": "${mem:ghost}"}, memory)
	if err == nil {
		t.Fatal("Expected error for unknown memory key")
	}
}

func TestResolveParameters_NilMemory(t *testing.T) {
	if _, err := ResolveParameters(map[string]any{"x": "${mem:k}"}, nil); err == nil {
		t.Fatal("Expected error when no memory is attached")
	}
	out, err := ResolveParameters(map[string]any{"x": "literal"}, nil)
	if err != nil || out["x"] != "literal" {
		t.Fatalf("Literal-only params must resolve without memory: %v %v", out, err)
	}
}

func TestFileRegistry(t *testing.T) {
	catalog := `capabilities:
  - name: actor.move
    idempotent: true
    parameters:
      actor:
        type: string
        required: true
  - name: scene.save
    idempotent: true
`
	path := filepath.Join(t.TempDir(), "catalog.yaml")
	if err := os.WriteFile(path, []byte(catalog), 0o644); err != nil {
		t.Fatalf("Failed to write catalog: %v", err)
	}

	reg, err := NewFileRegistry(path, telemetry.NopLogger())
	if err != nil {
		t.Fatalf("NewFileRegistry failed: %v", err)
	}
	defer reg.Close()

	if len(reg.Enumerate()) != 2 {
		t.Fatalf("Expected 2 capabilities, got %d", len(reg.Enumerate()))
	}
	cap, ok := reg.Lookup("actor.move")
	if !ok {
		t.Fatal("Expected actor.move to be registered")
	}
	if !cap.Idempotent {
		t.Error("Expected actor.move to be idempotent")
	}
	spec, ok := cap.Parameters["actor"]
	if !ok || spec.Type != ParamString || !spec.Required {
		t.Errorf("Unexpected parameter spec: %+v", spec)
	}
}

func TestFileRegistry_RejectsBadCatalogs(t *testing.T) {
	tests := []struct {
		name    string
		catalog string
	}{
		{"missing name", "capabilities:\n  - idempotent: true\n"},
		{"duplicate name", "capabilities:\n  - name: a\n  - name: a\n"},
		{"invalid yaml", "capabilities: ["},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			path := filepath.Join(t.TempDir(), "catalog.yaml")
			if err := os.WriteFile(path, []byte(tt.catalog), 0o644); err != nil {
				t.Fatalf("Failed to write catalog: %v", err)
			}
			if _, err := NewFileRegistry(path, telemetry.NopLogger()); err == nil {
				t.Fatal("Expected load error")
			}
		})
	}
}
