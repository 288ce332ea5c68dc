package app

import (
	"context"
	"encoding/json"
	"fmt"
	"os"
	"strings"

	"skitracker/internal/market"
)

// Insights runs the market analyzer over the current entity store and
// prints the resulting report.
func (a *App) Insights(ctx context.Context, opts InsightsOptions) error {
	reconciler, store, err := a.newReconciler(ctx)
	if err != nil {
		return err
	}
	defer store.Close()

	analyzer := market.NewAnalyzer(a.Config.Market, a.Logger)
	report := analyzer.Analyze(reconciler.Entities())

	if opts.JSON {
		encoder := json.NewEncoder(os.Stdout)
		encoder.SetIndent("", "  ")
		return encoder.Encode(report)
	}

	printReport(report)
	return nil
}

func printReport(report market.Report) {
	fmt.Fprintf(os.Stdout, "entities tracked: %d (%d priced)\n", report.TotalEntities, report.PricedCount)
	if report.PricedCount > 0 {
		fmt.Fprintf(os.Stdout, "price range: $%.0f - $%.0f (avg $%.0f, median $%.0f)\n",
			report.MinPrice, report.MaxPrice, report.AveragePrice, report.MedianPrice)
	}

	if len(report.Patterns) == 0 {
		fmt.Fprintln(os.Stdout, "\nno market patterns detected")
		return
	}

	fmt.Fprintf(os.Stdout, "\n%d market patterns detected:\n", len(report.Patterns))
	for _, pattern := range report.Patterns {
		fmt.Fprintf(os.Stdout, "\n[%s] confidence %.2f\n", pattern.Type, pattern.Confidence)
		fmt.Fprintf(os.Stdout, "  %s\n", pattern.Description)
		if pattern.Insight != "" {
			fmt.Fprintf(os.Stdout, "  %s\n", pattern.Insight)
		}
		if len(pattern.EntityIDs) > 0 {
			fmt.Fprintf(os.Stdout, "  entities: %s\n", strings.Join(pattern.EntityIDs, ", "))
		}
	}
}
