package commands

import (
	"context"
	"encoding/json"
	"fmt"
	"time"

	"github.com/spf13/cobra"
)

func newMemoryCommand() *cobra.Command {
	var (
		runID   string
		history bool
	)

	cmd := &cobra.Command{
		Use:   "memory",
		Short: "Show session memory for a run",
		Long: `Show the facts recorded during a session run. By default only the
current (last-writer-wins) value per key is shown; --history lists every
appended entry with its writing step.`,
		Example: `  # Current facts for a run
  stagehand memory --run 1c9e...

  # Full append history
  stagehand memory --run 1c9e... --history`,
		Args: cobra.NoArgs,
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

			store, err := openStore(ctx, cfg)
			if err != nil {
				return err
			}
			if store == nil {
				return fmt.Errorf("no store configured (set store.path)")
			}
			defer store.Close()

			entries, err := store.ListMemoryEntries(ctx, runID)
			if err != nil {
				return err
			}

			if jsonOutput {
				data, err := json.MarshalIndent(entries, "", "  ")
				if err != nil {
					return err
				}
				fmt.Println(string(data))
				return nil
			}

			if history {
				for _, e := range entries {
					by := e.WrittenBy
					if by == "" {
						by = "caller"
					}
					fmt.Printf("%s  %s = %s  (by %s)\n",
						e.Timestamp.Format(time.RFC3339), e.Key, e.Value, by)
				}
				return nil
			}

			// Last writer wins per key, in first-seen key order.
			latest := make(map[string]string, len(entries))
			order := make([]string, 0, len(entries))
			for _, e := range entries {
				if _, seen := latest[e.Key]; !seen {
					order = append(order, e.Key)
				}
				latest[e.Key] = e.Value
			}
			for _, key := range order {
				fmt.Printf("%s = %s\n", key, latest[key])
			}
			return nil
		},
	}

	cmd.Flags().StringVar(&runID, "run", "", "session run ID")
	cmd.Flags().BoolVar(&history, "history", false, "show the full append history")
	cmd.MarkFlagRequired("run")

	return cmd
}
