package app

import (
	"context"
	"errors"
	"fmt"
	"os"
	"text/tabwriter"
	"time"

	"github.com/shopspring/decimal"
)

// History prints the price-change ledger and trend summary for one entity.
func (a *App) History(ctx context.Context, opts HistoryOptions) error {
	if opts.EntityID == "" {
		return errors.New("--entity is required")
	}

	reconciler, store, err := a.newReconciler(ctx)
	if err != nil {
		return err
	}
	defer store.Close()

	entity, ok := reconciler.Entity(opts.EntityID)
	if !ok {
		return fmt.Errorf("unknown entity %q", opts.EntityID)
	}

	fmt.Fprintf(os.Stdout, "%s\n%s\n", entity.Title, entity.URL)
	fmt.Fprintf(os.Stdout, "first seen %s, last seen %s, seen %d times\n\n",
		entity.FirstSeen.UTC().Format(time.RFC3339),
		entity.LastSeen.UTC().Format(time.RFC3339),
		entity.TimesSeen,
	)

	entries := reconciler.History(opts.EntityID)
	if len(entries) == 0 {
		fmt.Fprintln(os.Stdout, "no price changes recorded")
	} else {
		writer := tabwriter.NewWriter(os.Stdout, 0, 4, 2, ' ', 0)
		fmt.Fprintln(writer, "Time (UTC)\tOld\tNew\tChange\tDirection")
		for _, entry := range entries {
			fmt.Fprintf(writer, "%s\t%s\t%s\t%s\t%s\n",
				entry.Timestamp.UTC().Format(time.RFC3339),
				decimalOrDash(entry.OldPrice),
				decimalOrDash(entry.NewPrice),
				decimalOrDash(entry.ChangeAmount),
				entry.Direction,
			)
		}
		writer.Flush()
	}

	summary, err := reconciler.TrendSummary(opts.EntityID)
	if err != nil {
		return err
	}

	fmt.Fprintf(os.Stdout, "\ntrend: %s (confidence %.1f)\n", summary.Direction, summary.Confidence)
	fmt.Fprintf(os.Stdout, "current %s, original %s, low %s, high %s over %d days\n",
		decimalOrDash(summary.CurrentPrice),
		decimalOrDash(summary.OriginalPrice),
		decimalOrDash(summary.LowestPrice),
		decimalOrDash(summary.HighestPrice),
		summary.DaysTracked,
	)
	fmt.Fprintf(os.Stdout, "buying opportunity score: %.2f\n", summary.BuyingOpportunityScore)
	return nil
}

func decimalOrDash(value *decimal.Decimal) string {
	if value == nil {
		return "-"
	}
	return "$" + value.StringFixed(2)
}
