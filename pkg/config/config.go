package config

import (
	"fmt"
	"os"
	"time"

	"github.com/go-playground/validator/v10"
	"gopkg.in/yaml.v3"

	"github.com/stagehand/stagehand/pkg/telemetry"
)

// Duration wraps time.Duration so YAML values can be written as "30s"
// or "1m30s".
type Duration time.Duration

// UnmarshalYAML parses a duration string or an integer nanosecond count.
func (d *Duration) UnmarshalYAML(value *yaml.Node) error {
	var raw string
	if err := value.Decode(&raw); err != nil {
		var ns int64
		if err := value.Decode(&ns); err != nil {
			return fmt.Errorf("invalid duration %q", value.Value)
		}
		*d = Duration(ns)
		return nil
	}
	parsed, err := time.ParseDuration(raw)
	if err != nil {
		return fmt.Errorf("invalid duration %q: %w", raw, err)
	}
	*d = Duration(parsed)
	return nil
}

// MarshalYAML renders the duration in time.Duration string form.
func (d Duration) MarshalYAML() (interface{}, error) {
	return time.Duration(d).String(), nil
}

// Std returns the wrapped time.Duration.
func (d Duration) Std() time.Duration {
	return time.Duration(d)
}

// Config is the root Stagehand configuration.
type Config struct {
	Remote    RemoteConfig    `yaml:"remote" validate:"required"`
	Executor  ExecutorConfig  `yaml:"executor"`
	Retry     RetryConfig     `yaml:"retry"`
	Store     StoreConfig     `yaml:"store"`
	Catalog   CatalogConfig   `yaml:"catalog"`
	Oracle    OracleConfig    `yaml:"oracle"`
	Telemetry TelemetryConfig `yaml:"telemetry"`
}

// RemoteConfig describes how to reach the editor engine.
type RemoteConfig struct {
	// Addr is the host:port of the engine's command socket.
	Addr string `yaml:"addr" validate:"required,hostname_port"`

	// DialTimeout bounds connection establishment.
	DialTimeout Duration `yaml:"dial_timeout"`

	// ReadyTimeout bounds the wait for the engine's READY frame after
	// the connection opens.
	ReadyTimeout Duration `yaml:"ready_timeout"`
}

// ExecutorConfig tunes plan execution.
type ExecutorConfig struct {
	// MaxInFlight caps concurrently dispatched steps.
	MaxInFlight int `yaml:"max_in_flight" validate:"gte=1,lte=64"`

	// StepTimeout is the default per-dispatch deadline for steps whose
	// capability does not set its own.
	StepTimeout Duration `yaml:"step_timeout"`

	// ResolutionTimeout bounds a single ambiguity resolution round trip.
	ResolutionTimeout Duration `yaml:"resolution_timeout"`

	// PlanTimeout bounds an entire plan run. Zero means no deadline.
	PlanTimeout Duration `yaml:"plan_timeout"`
}

// RetryConfig tunes the retry policy applied to transient step failures.
type RetryConfig struct {
	MaxAttempts int      `yaml:"max_attempts" validate:"gte=1,lte=10"`
	BaseDelay   Duration `yaml:"base_delay"`
	Multiplier  float64  `yaml:"multiplier" validate:"gte=1"`
	MaxDelay    Duration `yaml:"max_delay"`
	Jitter      bool     `yaml:"jitter"`
}

// StoreConfig locates the session database.
type StoreConfig struct {
	// Path is the SQLite database file. Empty disables persistence.
	Path string `yaml:"path"`
}

// CatalogConfig locates the capability catalog.
type CatalogConfig struct {
	// Path is the catalog YAML file. Empty uses the built-in catalog.
	Path string `yaml:"path" validate:"omitempty,filepath"`

	// Watch reloads the catalog when the file changes.
	Watch bool `yaml:"watch"`
}

// OracleConfig selects and tunes the decision maker.
type OracleConfig struct {
	// Kind selects the oracle implementation.
	Kind string `yaml:"kind" validate:"oneof=rule llm"`

	// Model names the language model when kind is llm.
	Model string `yaml:"model" validate:"required_if=Kind llm"`

	// BaseURL points the model client at a non-default endpoint.
	BaseURL string `yaml:"base_url" validate:"omitempty,url"`

	// Preferences biases rule-oracle ambiguity resolution: question
	// substring to preferred option.
	Preferences map[string]string `yaml:"preferences"`
}

// TelemetryConfig is the YAML-facing view of the telemetry settings.
// ToTelemetry merges it over the telemetry package defaults.
type TelemetryConfig struct {
	ServiceName string `yaml:"service_name"`
	Environment string `yaml:"environment"`

	LogLevel  string `yaml:"log_level" validate:"omitempty,oneof=trace debug info warn error fatal"`
	LogFormat string `yaml:"log_format" validate:"omitempty,oneof=console json"`

	MetricsEnabled bool   `yaml:"metrics_enabled"`
	MetricsAddr    string `yaml:"metrics_addr"`

	TracingEnabled  bool    `yaml:"tracing_enabled"`
	TracingExporter string  `yaml:"tracing_exporter" validate:"omitempty,oneof=otlp stdout none"`
	TracingEndpoint string  `yaml:"tracing_endpoint"`
	SamplingRate    float64 `yaml:"sampling_rate" validate:"gte=0,lte=1"`
}

// ToTelemetry builds the full telemetry configuration from the YAML
// settings, leaving unset fields at their package defaults.
func (t TelemetryConfig) ToTelemetry() *telemetry.Config {
	cfg := telemetry.DefaultConfig()
	if t.ServiceName != "" {
		cfg.ServiceName = t.ServiceName
	}
	if t.Environment != "" {
		cfg.Environment = t.Environment
	}
	if t.LogLevel != "" {
		cfg.Logging.Level = t.LogLevel
	}
	if t.LogFormat != "" {
		cfg.Logging.Format = t.LogFormat
	}
	cfg.Metrics.Enabled = t.MetricsEnabled
	if t.MetricsAddr != "" {
		cfg.Metrics.ListenAddress = t.MetricsAddr
	}
	cfg.Tracing.Enabled = t.TracingEnabled
	if t.TracingExporter != "" {
		cfg.Tracing.Exporter = t.TracingExporter
	}
	if t.TracingEndpoint != "" {
		cfg.Tracing.Endpoint = t.TracingEndpoint
	}
	if t.SamplingRate > 0 {
		cfg.Tracing.SamplingRate = t.SamplingRate
	}
	return cfg
}

// DefaultConfig returns a configuration with working defaults for every
// section except the remote address, which has no sensible default.
func DefaultConfig() *Config {
	return &Config{
		Remote: RemoteConfig{
			DialTimeout:  Duration(5 * time.Second),
			ReadyTimeout: Duration(10 * time.Second),
		},
		Executor: ExecutorConfig{
			MaxInFlight:       4,
			StepTimeout:       Duration(30 * time.Second),
			ResolutionTimeout: Duration(60 * time.Second),
		},
		Retry: RetryConfig{
			MaxAttempts: 3,
			BaseDelay:   Duration(1 * time.Second),
			Multiplier:  2.0,
			MaxDelay:    Duration(30 * time.Second),
			Jitter:      true,
		},
		Store: StoreConfig{
			Path: "stagehand.db",
		},
		Oracle: OracleConfig{
			Kind: "rule",
		},
		Telemetry: TelemetryConfig{
			LogLevel:     "info",
			LogFormat:    "console",
			SamplingRate: 1.0,
		},
	}
}

// Load reads the YAML file at path, applies it over the defaults, and
// validates the result.
func Load(path string) (*Config, error) {
	cfg := DefaultConfig()

	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("failed to read config file: %w", err)
	}
	if err := yaml.Unmarshal(data, cfg); err != nil {
		return nil, fmt.Errorf("failed to parse config file: %w", err)
	}

	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return cfg, nil
}

// Validate checks struct constraints and cross-field rules.
func (c *Config) Validate() error {
	validate := validator.New()
	if err := validate.Struct(c); err != nil {
		return fmt.Errorf("invalid configuration: %w", err)
	}
	if err := c.Telemetry.ToTelemetry().Validate(); err != nil {
		return fmt.Errorf("invalid telemetry configuration: %w", err)
	}
	if c.Retry.MaxDelay.Std() < c.Retry.BaseDelay.Std() {
		return fmt.Errorf("invalid configuration: retry.max_delay %s is below retry.base_delay %s",
			c.Retry.MaxDelay.Std(), c.Retry.BaseDelay.Std())
	}
	return nil
}
