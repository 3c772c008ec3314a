package cli

import (
	"fmt"

	"github.com/spf13/cobra"

	"deribit-tracker/internal/version"
)

var versionCmd = &cobra.Command{
	Use:   "version",
	Short: "Print build information",
	Run: func(cmd *cobra.Command, args []string) {
		fmt.Fprintf(cmd.OutOrStdout(), "deribit-tracker %s\n", version.String())
	},
}
