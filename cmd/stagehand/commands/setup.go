package commands

import (
	"context"
	"fmt"

	"github.com/tmc/langchaingo/llms/openai"

	"github.com/stagehand/stagehand/pkg/config"
	"github.com/stagehand/stagehand/pkg/engine"
	"github.com/stagehand/stagehand/pkg/oracle"
	"github.com/stagehand/stagehand/pkg/stores"
	"github.com/stagehand/stagehand/pkg/telemetry"
)

// loadConfig loads the config file when one was given, otherwise the
// defaults. Flags may override individual fields afterwards.
func loadConfig() (*config.Config, error) {
	if configPath != "" {
		return config.Load(configPath)
	}
	return config.DefaultConfig(), nil
}

// buildTelemetry initializes logging, tracing, and metrics from the
// config. --verbose forces debug logging and --json forces JSON output.
func buildTelemetry(cfg *config.Config) (*telemetry.Telemetry, error) {
	tcfg := cfg.Telemetry.ToTelemetry()
	if verbose {
		tcfg.Logging.Level = "debug"
	}
	if jsonOutput {
		tcfg.Logging.Format = "json"
	}
	return telemetry.NewTelemetry(tcfg)
}

// openStore opens the session database named by the config. A nil store
// is returned when persistence is disabled.
func openStore(ctx context.Context, cfg *config.Config) (*stores.SQLiteStore, error) {
	if cfg.Store.Path == "" {
		return nil, nil
	}
	store, err := stores.NewSQLiteStore(stores.Config{Path: cfg.Store.Path})
	if err != nil {
		return nil, fmt.Errorf("failed to open store: %w", err)
	}
	if err := store.Init(ctx); err != nil {
		store.Close()
		return nil, fmt.Errorf("failed to initialize store: %w", err)
	}
	if err := store.Migrate(ctx); err != nil {
		store.Close()
		return nil, fmt.Errorf("failed to migrate store: %w", err)
	}
	return store, nil
}

// buildRegistry loads the capability catalog from the configured file,
// falling back to the built-in catalog. The returned closer stops the
// file watcher when one is running.
func buildRegistry(cfg *config.Config, logger *telemetry.Logger) (engine.Registry, func() error, error) {
	if cfg.Catalog.Path == "" {
		return engine.NewStaticRegistry(builtinCatalog()), func() error { return nil }, nil
	}

	reg, err := engine.NewFileRegistry(cfg.Catalog.Path, logger)
	if err != nil {
		return nil, nil, fmt.Errorf("failed to load catalog: %w", err)
	}
	if cfg.Catalog.Watch {
		if err := reg.Watch(); err != nil {
			reg.Close()
			return nil, nil, fmt.Errorf("failed to watch catalog: %w", err)
		}
	}
	return reg, reg.Close, nil
}

// buildOracle constructs the configured decision maker.
func buildOracle(cfg *config.Config, logger *telemetry.Logger) (engine.Oracle, error) {
	switch cfg.Oracle.Kind {
	case "llm":
		opts := []openai.Option{
			openai.WithModel(cfg.Oracle.Model),
		}
		if cfg.Oracle.BaseURL != "" {
			opts = append(opts, openai.WithBaseURL(cfg.Oracle.BaseURL))
		}
		model, err := openai.New(opts...)
		if err != nil {
			return nil, fmt.Errorf("failed to create model client: %w", err)
		}
		return oracle.NewLLMOracle(model, logger), nil
	case "rule":
		o := oracle.NewRuleOracle(defaultRules())
		o.Preferences = cfg.Oracle.Preferences
		return o, nil
	default:
		return nil, fmt.Errorf("unknown oracle kind %q", cfg.Oracle.Kind)
	}
}
