package commands

import (
	"context"
	"encoding/json"
	"fmt"
	"os"
	"strings"

	"github.com/spf13/cobra"

	"github.com/stagehand/stagehand/pkg/engine"
)

func newPlanCommand() *cobra.Command {
	var (
		attrs   map[string]string
		runID   string
		outFile string
	)

	cmd := &cobra.Command{
		Use:   "plan <intent>",
		Short: "Generate and validate a plan without executing it",
		Long: `Ask the oracle to propose steps for the intent and validate the result
against the capability catalog: capabilities must exist, parameters must
satisfy their schemas, and the dependency graph must be acyclic.

Nothing is dispatched to the remote engine.`,
		Example: `  # Inspect the plan for an intent
  stagehand plan "import the robot model" --attr path=models/robot.glb

  # Save the validated plan as JSON
  stagehand plan "rename Cube1 to Hero" --attr actor=Cube1 --attr name=Hero --out plan.json`,
		Args: cobra.MinimumNArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			ctx := cmd.Context()

			cfg, err := loadConfig()
			if err != nil {
				return err
			}
			tel, err := buildTelemetry(cfg)
			if err != nil {
				return err
			}
			defer tel.Shutdown(context.Background())
			logger := tel.Logger

			registry, closeRegistry, err := buildRegistry(cfg, logger)
			if err != nil {
				return err
			}
			defer closeRegistry()

			orc, err := buildOracle(cfg, logger)
			if err != nil {
				return err
			}

			// Memory makes earlier facts visible to the oracle; a plan-only
			// invocation still reads it when a session run is named.
			snapshot := map[string]string{}
			if runID != "" {
				store, err := openStore(ctx, cfg)
				if err != nil {
					return err
				}
				if store != nil {
					defer store.Close()
					entries, err := store.ListMemoryEntries(ctx, runID)
					if err != nil {
						return fmt.Errorf("failed to load session memory: %w", err)
					}
					snapshot = engine.LoadSessionMemory(runID, nil, entries).Snapshot()
				}
			}

			intent := engine.Intent{
				Text:       strings.Join(args, " "),
				Attributes: attrs,
			}
			planner := engine.NewPlanner(registry, orc, logger,
				engine.WithStepTimeout(cfg.Executor.StepTimeout.Std()))
			plan, err := planner.Plan(ctx, intent, snapshot)
			if err != nil {
				return err
			}

			if err := printPlan(plan); err != nil {
				return err
			}
			if outFile != "" {
				data, err := json.MarshalIndent(plan, "", "  ")
				if err != nil {
					return err
				}
				if err := os.WriteFile(outFile, data, 0o644); err != nil {
					return fmt.Errorf("failed to write plan: %w", err)
				}
			}
			return nil
		},
	}

	cmd.Flags().StringToStringVarP(&attrs, "attr", "a", nil, "intent attributes (key=value)")
	cmd.Flags().StringVar(&runID, "run", "", "session run ID whose memory the oracle may use")
	cmd.Flags().StringVarP(&outFile, "out", "o", "", "write the validated plan to a file")

	return cmd
}

// printPlan renders the validated plan, grouped by dispatch wave.
func printPlan(plan *engine.Plan) error {
	if jsonOutput {
		data, err := json.MarshalIndent(plan, "", "  ")
		if err != nil {
			return err
		}
		fmt.Println(string(data))
		return nil
	}

	fmt.Printf("Plan %s (%d steps)\n", plan.ID, len(plan.Steps))
	byID := make(map[string]engine.Step, len(plan.Steps))
	for _, s := range plan.Steps {
		byID[s.ID] = s
	}
	for i, level := range plan.Graph.Levels {
		fmt.Printf("  wave %d:\n", i+1)
		for _, id := range level {
			s := byID[id]
			line := fmt.Sprintf("    %s: %s", s.ID, s.Capability)
			if len(s.DependsOn) > 0 {
				line += fmt.Sprintf(" (after %s)", strings.Join(s.DependsOn, ", "))
			}
			fmt.Println(line)
		}
	}
	return nil
}
