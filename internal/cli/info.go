package cli

import (
	"encoding/json"
	"fmt"

	"github.com/spf13/cobra"
	"gopkg.in/yaml.v3"
)

func newInfoCmd(rt *runtime) *cobra.Command {
	var asJSON bool

	cmd := &cobra.Command{
		Use:   "info",
		Short: "Print the effective configuration with secrets masked",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, _ []string) error {
			cfg, err := rt.loadConfig()
			if err != nil {
				return err
			}

			summary := cfg.Summary()

			if asJSON {
				enc := json.NewEncoder(cmd.OutOrStdout())
				enc.SetIndent("", "  ")
				return enc.Encode(summary)
			}

			out, err := yaml.Marshal(summary)
			if err != nil {
				return fmt.Errorf("encode summary: %w", err)
			}

			_, err = cmd.OutOrStdout().Write(out)

			return err
		},
	}

	cmd.Flags().BoolVar(&asJSON, "json", false, "print JSON instead of YAML")

	return cmd
}

func newRunsCmd(rt *runtime) *cobra.Command {
	var limit int

	cmd := &cobra.Command{
		Use:   "runs [run-id]",
		Short: "List journaled runs or replay the events of one",
		Args:  cobra.MaximumNArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			ctx := cmd.Context()

			app, err := rt.newApp()
			if err != nil {
				return err
			}
			defer closeApp(ctx, app)

			j := app.Journal()
			if j == nil {
				return fmt.Errorf("journal is disabled, set JOURNAL_PATH")
			}

			enc := json.NewEncoder(cmd.OutOrStdout())
			enc.SetIndent("", "  ")

			if len(args) == 1 {
				events, err := j.Events(ctx, args[0])
				if err != nil {
					return err
				}
				return enc.Encode(events)
			}

			runs, err := j.Runs(ctx, limit)
			if err != nil {
				return err
			}

			return enc.Encode(runs)
		},
	}

	cmd.Flags().IntVarP(&limit, "limit", "n", 20, "number of runs to list")

	return cmd
}
