package config

import (
	"os"
	"path/filepath"
	"testing"
	"time"
)

func writeConfig(t *testing.T, content string) string {
	t.Helper()
	path := filepath.Join(t.TempDir(), "config.yaml")
	if err := os.WriteFile(path, []byte(content), 0o644); err != nil {
		t.Fatalf("Failed to write config: %v", err)
	}
	return path
}

func TestDefaultConfig(t *testing.T) {
	cfg := DefaultConfig()

	if cfg.Executor.MaxInFlight != 4 {
		t.Errorf("MaxInFlight = %d, want 4", cfg.Executor.MaxInFlight)
	}
	if cfg.Retry.MaxAttempts != 3 || cfg.Retry.BaseDelay.Std() != time.Second || cfg.Retry.Multiplier != 2.0 {
		t.Errorf("Unexpected retry defaults: %+v", cfg.Retry)
	}
	if !cfg.Retry.Jitter {
		t.Error("Jitter should default on")
	}
	if cfg.Oracle.Kind != "rule" {
		t.Errorf("Oracle kind = %s, want rule", cfg.Oracle.Kind)
	}
}

func TestLoad_OverridesDefaults(t *testing.T) {
	path := writeConfig(t, `
remote:
  addr: "editor.local:7077"
  dial_timeout: 2s
executor:
  max_in_flight: 8
  plan_timeout: 5m
retry:
  max_attempts: 5
  base_delay: 500ms
  multiplier: 3
  max_delay: 1m
oracle:
  kind: llm
  model: gpt-4o-mini
`)

	cfg, err := Load(path)
	if err != nil {
		t.Fatalf("Load failed: %v", err)
	}

	if cfg.Remote.Addr != "editor.local:7077" {
		t.Errorf("Addr = %s", cfg.Remote.Addr)
	}
	if cfg.Remote.DialTimeout.Std() != 2*time.Second {
		t.Errorf("DialTimeout = %s", cfg.Remote.DialTimeout.Std())
	}
	// Unset fields keep their defaults.
	if cfg.Remote.ReadyTimeout.Std() != 10*time.Second {
		t.Errorf("ReadyTimeout = %s, want default 10s", cfg.Remote.ReadyTimeout.Std())
	}
	if cfg.Executor.MaxInFlight != 8 {
		t.Errorf("MaxInFlight = %d", cfg.Executor.MaxInFlight)
	}
	if cfg.Executor.PlanTimeout.Std() != 5*time.Minute {
		t.Errorf("PlanTimeout = %s", cfg.Executor.PlanTimeout.Std())
	}
	if cfg.Retry.BaseDelay.Std() != 500*time.Millisecond || cfg.Retry.MaxAttempts != 5 {
		t.Errorf("Unexpected retry config: %+v", cfg.Retry)
	}
	if cfg.Oracle.Kind != "llm" || cfg.Oracle.Model != "gpt-4o-mini" {
		t.Errorf("Unexpected oracle config: %+v", cfg.Oracle)
	}
}

func TestLoad_InvalidConfigs(t *testing.T) {
	tests := []struct {
		name    string
		content string
	}{
		{
			name: "missing remote addr",
			content: `
executor:
  max_in_flight: 4
`,
		},
		{
			name: "bad addr format",
			content: `
remote:
  addr: "not a host port"
`,
		},
		{
			name: "zero max in flight",
			content: `
remote:
  addr: "localhost:7077"
executor:
  max_in_flight: 0
`,
		},
		{
			name: "llm without model",
			content: `
remote:
  addr: "localhost:7077"
oracle:
  kind: llm
`,
		},
		{
			name: "unknown oracle kind",
			content: `
remote:
  addr: "localhost:7077"
oracle:
  kind: psychic
`,
		},
		{
			name: "max delay below base delay",
			content: `
remote:
  addr: "localhost:7077"
retry:
  base_delay: 10s
  max_delay: 1s
`,
		},
		{
			name: "bad duration",
			content: `
remote:
  addr: "localhost:7077"
  dial_timeout: soon
`,
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			path := writeConfig(t, tt.content)
			if _, err := Load(path); err == nil {
				t.Fatal("Expected validation error")
			}
		})
	}
}

func TestLoad_MissingFile(t *testing.T) {
	if _, err := Load(filepath.Join(t.TempDir(), "absent.yaml")); err == nil {
		t.Fatal("Expected error for missing file")
	}
}

func TestDuration_UnmarshalForms(t *testing.T) {
	path := writeConfig(t, `
remote:
  addr: "localhost:7077"
  dial_timeout: 1m30s
  ready_timeout: 1500000000
`)
	cfg, err := Load(path)
	if err != nil {
		t.Fatalf("Load failed: %v", err)
	}
	if cfg.Remote.DialTimeout.Std() != 90*time.Second {
		t.Errorf("DialTimeout = %s, want 1m30s", cfg.Remote.DialTimeout.Std())
	}
	if cfg.Remote.ReadyTimeout.Std() != 1500*time.Millisecond {
		t.Errorf("ReadyTimeout = %s, want 1.5s from nanosecond count", cfg.Remote.ReadyTimeout.Std())
	}
}

func TestTelemetryConfig_ToTelemetry(t *testing.T) {
	tc := TelemetryConfig{
		LogLevel:       "debug",
		LogFormat:      "json",
		MetricsEnabled: true,
		MetricsAddr:    ":9191",
	}
	cfg := tc.ToTelemetry()

	if cfg.Logging.Level != "debug" || cfg.Logging.Format != "json" {
		t.Errorf("Logging not applied: %+v", cfg.Logging)
	}
	if !cfg.Metrics.Enabled || cfg.Metrics.ListenAddress != ":9191" {
		t.Errorf("Metrics not applied: %+v", cfg.Metrics)
	}
	// Untouched fields keep package defaults.
	if cfg.ServiceName != "stagehand" {
		t.Errorf("ServiceName = %s", cfg.ServiceName)
	}
	if cfg.Tracing.Enabled {
		t.Error("Tracing should stay disabled by default")
	}
}
