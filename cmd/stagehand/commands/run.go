package commands

import (
	"context"
	"encoding/json"
	"fmt"
	"os"
	"strings"
	"time"

	"github.com/google/uuid"
	"github.com/spf13/cobra"

	"github.com/stagehand/stagehand/pkg/engine"
	"github.com/stagehand/stagehand/pkg/remote"
)

func newRunCommand() *cobra.Command {
	var (
		attrs   map[string]string
		runID   string
		addr    string
		outFile string
	)

	cmd := &cobra.Command{
		Use:   "run <intent>",
		Short: "Plan and execute an intent against the remote engine",
		Long: `Turn a free-form intent into a validated plan and execute it against
the remote editor engine.

The run:
  - Asks the oracle to propose steps for the intent
  - Validates capabilities, parameter schemas, and the dependency graph
  - Dispatches steps concurrently, gated by dependencies
  - Retries transient failures and resolves ambiguities mid-flight
  - Persists the plan, per-attempt records, and the final report`,
		Example: `  # Execute an intent with structured hints
  stagehand run "import the robot model" --attr path=models/robot.glb

  # Continue an earlier session so its facts are visible
  stagehand run "spawn it as Robo" --run 1c9e...

  # Write the final report to a file
  stagehand run "rename Cube1 to Hero" --attr actor=Cube1 --attr name=Hero --out report.json`,
		Args: cobra.MinimumNArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			ctx := cmd.Context()

			cfg, err := loadConfig()
			if err != nil {
				return err
			}
			if addr != "" {
				cfg.Remote.Addr = addr
			}
			if cfg.Remote.Addr == "" {
				return fmt.Errorf("no remote address configured (set remote.addr or --addr)")
			}

			tel, err := buildTelemetry(cfg)
			if err != nil {
				return err
			}
			defer tel.Shutdown(context.Background())
			if err := tel.StartMetricsServer(); err != nil {
				return err
			}
			logger := tel.Logger

			store, err := openStore(ctx, cfg)
			if err != nil {
				return err
			}
			if store != nil {
				defer store.Close()
			}

			registry, closeRegistry, err := buildRegistry(cfg, logger)
			if err != nil {
				return err
			}
			defer closeRegistry()

			orc, err := buildOracle(cfg, logger)
			if err != nil {
				return err
			}

			if runID == "" {
				runID = uuid.New().String()
			}

			// Rehydrate session memory so facts from earlier plans in
			// the run are visible to the oracle and to "${mem:...}"
			// parameter references.
			var memory *engine.SessionMemory
			if store != nil {
				entries, err := store.ListMemoryEntries(ctx, runID)
				if err != nil {
					return fmt.Errorf("failed to load session memory: %w", err)
				}
				memory = engine.LoadSessionMemory(runID, store, entries)
			} else {
				memory = engine.NewSessionMemory(runID, nil)
			}

			intent := engine.Intent{
				Text:       strings.Join(args, " "),
				Attributes: attrs,
			}

			planner := engine.NewPlanner(registry, orc, logger,
				engine.WithStepTimeout(cfg.Executor.StepTimeout.Std()))
			plan, err := planner.Plan(ctx, intent, memory.Snapshot())
			if err != nil {
				return err
			}
			logger.WithPlanID(plan.ID).WithRunID(runID).
				WithField("steps", len(plan.Steps)).
				Info("Plan validated")

			if store != nil {
				if err := store.SavePlan(ctx, runID, plan); err != nil {
					return fmt.Errorf("failed to persist plan: %w", err)
				}
			}

			client, err := remote.Dial(ctx, remote.Config{
				Addr:         cfg.Remote.Addr,
				DialTimeout:  cfg.Remote.DialTimeout.Std(),
				ReadyTimeout: cfg.Remote.ReadyTimeout.Std(),
			}, logger)
			if err != nil {
				return err
			}
			defer client.Close()

			opts := []engine.ExecutorOption{
				engine.WithRetryPolicy(engine.RetryPolicy{
					MaxAttempts: cfg.Retry.MaxAttempts,
					BaseDelay:   cfg.Retry.BaseDelay.Std(),
					Multiplier:  cfg.Retry.Multiplier,
					MaxDelay:    cfg.Retry.MaxDelay.Std(),
					Jitter:      cfg.Retry.Jitter,
				}),
				engine.WithMaxInFlight(cfg.Executor.MaxInFlight),
				engine.WithResolutionTimeout(cfg.Executor.ResolutionTimeout.Std()),
				engine.WithMetrics(tel.Metrics),
				engine.WithTracer(tel.Tracer),
			}
			if store != nil {
				opts = append(opts, engine.WithRecordSink(store))
			}
			executor := engine.NewExecutor(client, orc, logger, opts...)

			execCtx := ctx
			if d := cfg.Executor.PlanTimeout.Std(); d > 0 {
				var cancel context.CancelFunc
				execCtx, cancel = context.WithTimeout(ctx, d)
				defer cancel()
			}

			report, err := executor.Execute(execCtx, plan, memory)
			if report == nil {
				return err
			}

			if store != nil {
				// Persist the terminal state even when the run context is
				// gone.
				pctx := context.WithoutCancel(ctx)
				if err := store.SaveReport(pctx, report); err != nil {
					logger.WithError(err).Warn("Failed to persist report")
				}
				if err := store.UpdatePlanStatus(pctx, plan.ID, report.Status); err != nil {
					logger.WithError(err).Warn("Failed to update plan status")
				}
			}

			if err := printReport(report); err != nil {
				return err
			}
			if outFile != "" {
				data, err := json.MarshalIndent(report, "", "  ")
				if err != nil {
					return err
				}
				if err := os.WriteFile(outFile, data, 0o644); err != nil {
					return fmt.Errorf("failed to write report: %w", err)
				}
			}

			if report.Status != engine.PlanStatusCompleted {
				succeeded, failed, cancelled := report.Summary()
				return &ExitError{
					Code: 2,
					Msg: fmt.Sprintf("plan %s finished %s: %d succeeded, %d failed, %d cancelled",
						report.PlanID, report.Status, succeeded, failed, cancelled),
				}
			}
			return nil
		},
	}

	cmd.Flags().StringToStringVarP(&attrs, "attr", "a", nil, "intent attributes (key=value)")
	cmd.Flags().StringVar(&runID, "run", "", "session run ID (new run if empty)")
	cmd.Flags().StringVar(&addr, "addr", "", "remote engine address (overrides config)")
	cmd.Flags().StringVarP(&outFile, "out", "o", "", "write the final report to a file")

	return cmd
}

// printReport renders the final report to stdout.
func printReport(report *engine.PlanReport) error {
	if jsonOutput {
		data, err := json.MarshalIndent(report, "", "  ")
		if err != nil {
			return err
		}
		fmt.Println(string(data))
		return nil
	}

	succeeded, failed, cancelled := report.Summary()
	fmt.Printf("Plan %s: %s (%s)\n", report.PlanID, report.Status,
		report.CompletedAt.Sub(report.StartedAt).Round(time.Millisecond))
	fmt.Printf("  %d succeeded, %d failed, %d cancelled\n", succeeded, failed, cancelled)
	for _, s := range report.Steps {
		line := fmt.Sprintf("  [%s] %s (%s, %d attempts)", s.Status, s.StepID, s.Capability, s.Attempts)
		if s.FailureCause != "" {
			line += ": " + s.FailureCause
			if s.Reason != "" {
				line += " - " + s.Reason
			}
		}
		fmt.Println(line)
	}
	return nil
}
