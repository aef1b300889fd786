package commands

import (
	"context"
	"fmt"

	"github.com/spf13/cobra"
)

var (
	// Global flags
	configPath string
	verbose    bool
	jsonOutput bool
)

// ExitError carries a non-standard process exit code; main inspects it.
type ExitError struct {
	Code int
	Msg  string
}

func (e *ExitError) Error() string {
	return e.Msg
}

// Execute runs the root command
func Execute(ctx context.Context, version, commit, buildDate string) error {
	rootCmd := newRootCommand(version, commit, buildDate)
	return rootCmd.ExecuteContext(ctx)
}

func newRootCommand(version, commit, buildDate string) *cobra.Command {
	rootCmd := &cobra.Command{
		Use:   "stagehand",
		Short: "Stagehand - Orchestration core for remote editor engines",
		Long: `Stagehand turns free-form intents into validated, dependency-ordered
plans and executes them against a stateful remote editor engine.

Features:
  - Oracle-driven planning (rule table or language model)
  - Dependency-gated concurrent dispatch with bounded parallelism
  - Retry with exponential backoff and stable idempotency keys
  - Reconciliation of ambiguous timeouts on mutating operations
  - Ambiguity suspension and resolution mid-flight
  - Append-only session memory feeding later plans`,
		Version:       fmt.Sprintf("%s (commit: %s, built: %s)", version, commit, buildDate),
		SilenceUsage:  true,
		SilenceErrors: true,
	}

	// Persistent flags available to all commands
	rootCmd.PersistentFlags().StringVarP(&configPath, "config", "c", "", "config file path")
	rootCmd.PersistentFlags().BoolVarP(&verbose, "verbose", "v", false, "enable verbose output")
	rootCmd.PersistentFlags().BoolVar(&jsonOutput, "json", false, "output in JSON format")

	// Add subcommands
	rootCmd.AddCommand(newRunCommand())
	rootCmd.AddCommand(newPlanCommand())
	rootCmd.AddCommand(newCapabilitiesCommand())
	rootCmd.AddCommand(newMemoryCommand())
	rootCmd.AddCommand(newReportCommand())

	return rootCmd
}
