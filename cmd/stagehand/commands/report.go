package commands

import (
	"context"
	"encoding/json"
	"fmt"
	"time"

	"github.com/spf13/cobra"
)

func newReportCommand() *cobra.Command {
	var (
		limit   int
		records bool
	)

	cmd := &cobra.Command{
		Use:   "report [plan-id]",
		Short: "Show stored plan reports",
		Long: `Show the terminal report for a plan, or list recent reports when no
plan ID is given. --records additionally lists the per-attempt execution
records behind the report.`,
		Example: `  # List recent reports
  stagehand report

  # Show one plan's report
  stagehand report 7d42...

  # Include per-attempt execution records
  stagehand report 7d42... --records`,
		Args: cobra.MaximumNArgs(1),
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

			if len(args) == 0 {
				list, err := store.ListReports(ctx, limit, 0)
				if err != nil {
					return err
				}
				if jsonOutput {
					data, err := json.MarshalIndent(list, "", "  ")
					if err != nil {
						return err
					}
					fmt.Println(string(data))
					return nil
				}
				for _, r := range list {
					fmt.Printf("%s  %s  %s\n",
						r.CompletedAt.Format(time.RFC3339), r.PlanID, r.Status)
				}
				return nil
			}

			planID := args[0]
			report, err := store.GetReport(ctx, planID)
			if err != nil {
				return err
			}
			if err := printReport(report); err != nil {
				return err
			}

			if records {
				recs, err := store.ListExecutionRecords(ctx, planID)
				if err != nil {
					return err
				}
				fmt.Printf("\n%d execution records:\n", len(recs))
				for _, rec := range recs {
					line := fmt.Sprintf("  %s attempt %d: %s",
						rec.StepID, rec.Attempt, rec.Kind)
					if rec.Detail != "" {
						line += " - " + rec.Detail
					}
					if rec.Backoff > 0 {
						line += fmt.Sprintf(" (backoff %s)", rec.Backoff)
					}
					fmt.Println(line)
				}
			}
			return nil
		},
	}

	cmd.Flags().IntVar(&limit, "limit", 20, "maximum reports to list")
	cmd.Flags().BoolVar(&records, "records", false, "include per-attempt execution records")

	return cmd
}
