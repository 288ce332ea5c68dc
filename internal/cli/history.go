package cli

import (
	"fmt"

	"github.com/spf13/cobra"

	"skitracker/internal/app"
)

var (
	historyEntityID string
)

var historyCmd = &cobra.Command{
	Use:   "history",
	Short: "Display the price-change ledger for one entity",
	RunE: func(cmd *cobra.Command, args []string) error {
		if historyEntityID == "" {
			return fmt.Errorf("--entity must be provided")
		}

		opts := app.HistoryOptions{
			EntityID: historyEntityID,
		}

		return getApp().History(cmd.Context(), opts)
	},
}

func init() {
	historyCmd.Flags().StringVar(&historyEntityID, "entity", "", "Entity ID to inspect")
}
