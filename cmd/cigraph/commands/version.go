package commands

import (
	"fmt"

	"github.com/spf13/cobra"

	"github.com/DrSkyle/cigraph/pkg/version"
)

var versionCmd = &cobra.Command{
	Use:   "version",
	Short: "Print the build version",
	Run: func(cmd *cobra.Command, args []string) {
		fmt.Fprintln(cmd.OutOrStdout(), version.String())
	},
}
