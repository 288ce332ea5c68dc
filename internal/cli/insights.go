package cli

import (
	"github.com/spf13/cobra"

	"skitracker/internal/app"
)

var (
	insightsJSON bool
)

var insightsCmd = &cobra.Command{
	Use:   "insights",
	Short: "Report market-wide patterns across tracked entities",
	RunE: func(cmd *cobra.Command, args []string) error {
		opts := app.InsightsOptions{
			JSON: insightsJSON,
		}

		return getApp().Insights(cmd.Context(), opts)
	},
}

func init() {
	insightsCmd.Flags().BoolVar(&insightsJSON, "json", false, "Emit the report as JSON")
}
