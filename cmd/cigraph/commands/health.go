package commands

import (
	"encoding/json"

	"github.com/spf13/cobra"
)

var healthCmd = &cobra.Command{
	Use:   "health",
	Short: "Score completeness, accuracy, timeliness and compliance of the graph",
	RunE: func(cmd *cobra.Command, args []string) error {
		ctx := cmd.Context()
		e, err := openEngine(ctx, cmd)
		if err != nil {
			return err
		}
		defer e.Close(ctx)

		if err := e.ApplyManifests(ctx); err != nil {
			return err
		}
		h, err := e.Health.RunOnce(ctx)
		if err != nil {
			return err
		}
		if jsonOut {
			enc := json.NewEncoder(cmd.OutOrStdout())
			enc.SetIndent("", "  ")
			return enc.Encode(h)
		}
		renderHealth(cmd.OutOrStdout(), h)
		return nil
	},
}
