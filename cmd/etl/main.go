// Command etl ingests the MSSS emergency-room occupancy feed into the
// facility registry and keeps its history.
package main

import (
	"fmt"
	"os"

	"github.com/spf13/cobra"
)

var version = "dev"

func main() {
	var envFiles []string
	root := &cobra.Command{
		Use:   "etl",
		Short: "Québec emergency-room occupancy ingestion",
		Long: `etl reads the hourly MSSS emergency-room feed, reconciles every row
against the facility registry and the ODHF reference catalog, and archives the
previous measurement of each facility before overwriting it.`,
		Version:       version,
		SilenceUsage:  true,
		SilenceErrors: true,
	}
	root.PersistentFlags().StringSliceVar(&envFiles, "env-file", nil, "dotenv files to load before the environment (default .env)")

	root.AddCommand(
		newServeCmd(&envFiles),
		newIngestCmd(&envFiles),
		newBackfillCmd(&envFiles),
		newMigrateCmd(&envFiles),
	)

	if err := root.Execute(); err != nil {
		fmt.Fprintln(os.Stderr, err)
		os.Exit(1)
	}
}
