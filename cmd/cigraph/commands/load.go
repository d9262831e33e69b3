package commands

import (
	"fmt"

	"github.com/spf13/cobra"
)

var loadCmd = &cobra.Command{
	Use:   "load <path>...",
	Short: "Apply HCL manifests to the configured store",
	Long: `Apply HCL manifests to the configured store.

With the memory driver nothing outlives the process, so load is only
useful against --store.driver=sqlite or to validate manifests.`,
	Args: cobra.MinimumNArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		manifests = append(manifests, args...)
		ctx := cmd.Context()
		e, err := openEngine(ctx, cmd)
		if err != nil {
			return err
		}
		defer e.Close(ctx)

		if err := e.ApplyManifests(ctx); err != nil {
			return err
		}
		fmt.Fprintln(cmd.OutOrStdout(), newStyles(cmd.OutOrStdout()).ok.Render(
			fmt.Sprintf("applied %d manifest path(s)", len(e.Config().Manifests))))
		return nil
	},
}
