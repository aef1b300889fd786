package commands

import (
	"context"
	"encoding/json"
	"fmt"
	"sort"

	"github.com/spf13/cobra"
)

func newCapabilitiesCommand() *cobra.Command {
	cmd := &cobra.Command{
		Use:     "capabilities",
		Aliases: []string{"caps"},
		Short:   "List the capability catalog",
		Long: `List the operations available to the planner, with their parameter
schemas and idempotency flags. Reads the configured catalog file, or the
built-in catalog when none is configured.`,
		Args: cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg, err := loadConfig()
			if err != nil {
				return err
			}
			tel, err := buildTelemetry(cfg)
			if err != nil {
				return err
			}
			defer tel.Shutdown(context.Background())

			registry, closeRegistry, err := buildRegistry(cfg, tel.Logger)
			if err != nil {
				return err
			}
			defer closeRegistry()

			caps := registry.Enumerate()
			sort.Slice(caps, func(i, j int) bool { return caps[i].Name < caps[j].Name })

			if jsonOutput {
				data, err := json.MarshalIndent(caps, "", "  ")
				if err != nil {
					return err
				}
				fmt.Println(string(data))
				return nil
			}

			for _, c := range caps {
				marker := ""
				if c.Idempotent {
					marker = " (idempotent)"
				}
				fmt.Printf("%s%s\n", c.Name, marker)
				if c.Description != "" {
					fmt.Printf("    %s\n", c.Description)
				}
				names := make([]string, 0, len(c.Parameters))
				for name := range c.Parameters {
					names = append(names, name)
				}
				sort.Strings(names)
				for _, name := range names {
					spec := c.Parameters[name]
					req := "optional"
					if spec.Required {
						req = "required"
					}
					fmt.Printf("    - %s: %s, %s\n", name, spec.Type, req)
				}
			}
			return nil
		},
	}
	return cmd
}
