package cli

import (
	"fmt"

	"github.com/spf13/cobra"

	"skitracker/internal/app"
)

var ingestCmd = &cobra.Command{
	Use:   "ingest <file.json> [file.json ...]",
	Short: "Reconcile observation files against the entity store",
	RunE: func(cmd *cobra.Command, args []string) error {
		if len(args) == 0 {
			return fmt.Errorf("at least one observation file must be provided")
		}

		opts := app.IngestOptions{
			Files: args,
		}

		return getApp().Ingest(cmd.Context(), opts)
	},
}
