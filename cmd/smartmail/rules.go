package main

import (
	"fmt"
	"strings"

	"github.com/spf13/cobra"
)

func rulesCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "rules",
		Short: "Inspect the configured routing rules",
	}
	cmd.AddCommand(rulesCheckCmd())
	return cmd
}

// rulesCheckCmd validates the configuration offline: condition types,
// regex patterns, destination methods and the fallback key, without touching
// any mailbox or the database.
func rulesCheckCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "check",
		Short: "Validate rules and destinations without connecting anywhere",
		RunE: func(cmd *cobra.Command, _ []string) error {
			cfg, err := loadConfig()
			if err != nil {
				return err
			}

			out := cmd.OutOrStdout()
			for _, t := range cfg.Tenants {
				fmt.Fprintf(out, "tenant %s: %d rules, %d destinations, mode %s\n",
					t.ID, len(t.Rules), len(t.Destinations), t.Mode)
				for _, r := range t.Rules {
					fmt.Fprintf(out, "  rule %-30s -> %s\n", r.Name, strings.Join(r.Keys, ", "))
				}
				for _, d := range t.Destinations {
					target := d.Mailbox
					if len(d.Folder) > 0 {
						target += "/" + strings.Join(d.Folder, "/")
					}
					fmt.Fprintf(out, "  dest %-30s %-8s %s\n", d.Key, d.Method, target)
				}
			}
			fmt.Fprintln(out, "configuration OK")
			return nil
		},
	}
}
