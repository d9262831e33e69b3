package commands

import (
	"encoding/json"

	"github.com/spf13/cobra"

	"github.com/DrSkyle/cigraph/pkg/engine/impact"
)

var (
	analyzeScope string
	analyzeDepth int
)

var analyzeCmd = &cobra.Command{
	Use:   "analyze <ci>",
	Short: "Compute the blast radius of a change to one CI",
	Args:  cobra.ExactArgs(1),
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
		res, err := e.Analyzer.Analyze(ctx, impact.Request{
			Target:   args[0],
			Scope:    impact.Scope(analyzeScope),
			MaxDepth: analyzeDepth,
		})
		if err != nil {
			return err
		}
		if jsonOut {
			enc := json.NewEncoder(cmd.OutOrStdout())
			enc.SetIndent("", "  ")
			return enc.Encode(res)
		}
		renderAnalysis(cmd.OutOrStdout(), res)
		return nil
	},
}

func init() {
	analyzeCmd.Flags().StringVar(&analyzeScope, "scope", string(impact.ScopeFull), "immediate, business or full")
	analyzeCmd.Flags().IntVar(&analyzeDepth, "depth", 0, "Traversal depth (0 uses impact.default_max_depth)")
}
