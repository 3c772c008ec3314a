package cli

import (
	"github.com/spf13/cobra"

	"deribit-tracker/internal/app"
)

var (
	runAPI    bool
	runIngest bool
)

var runCmd = &cobra.Command{
	Use:   "run",
	Short: "Run the ingestion loop and the query API",
	RunE: func(cmd *cobra.Command, args []string) error {
		return getApp().Run(cmd.Context(), app.RunOptions{
			API:    runAPI,
			Ingest: runIngest,
		})
	},
}

var fetchCmd = &cobra.Command{
	Use:   "fetch",
	Short: "Run a single ingestion cycle and print the result",
	RunE: func(cmd *cobra.Command, args []string) error {
		return getApp().FetchOnce(cmd.Context())
	},
}

var migrateCmd = &cobra.Command{
	Use:   "migrate",
	Short: "Apply the database schema",
	RunE: func(cmd *cobra.Command, args []string) error {
		return getApp().Migrate(cmd.Context())
	},
}

func init() {
	runCmd.Flags().BoolVar(&runAPI, "api", true, "Serve the HTTP query API")
	runCmd.Flags().BoolVar(&runIngest, "ingest", true, "Poll Deribit and store observations")
}
