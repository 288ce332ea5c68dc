package app

import (
	"context"
	"fmt"
	"os"
	"sort"
	"text/tabwriter"
	"time"
)

// Show prints the most recently seen entities with their trend state.
func (a *App) Show(ctx context.Context, opts ShowOptions) error {
	reconciler, store, err := a.newReconciler(ctx)
	if err != nil {
		return err
	}
	defer store.Close()

	entities := reconciler.Entities()
	if len(entities) == 0 {
		fmt.Fprintln(os.Stdout, "no entities tracked")
		return nil
	}

	sort.Slice(entities, func(i, j int) bool {
		return entities[i].LastSeen.After(entities[j].LastSeen)
	})
	if opts.Limit > 0 && len(entities) > opts.Limit {
		entities = entities[:opts.Limit]
	}

	writer := tabwriter.NewWriter(os.Stdout, 0, 4, 2, ' ', 0)
	fmt.Fprintln(writer, "Entity\tTitle\tPrice\tSeen\tLast Seen (UTC)\tTrend\tOpportunity")

	for _, entity := range entities {
		price := "-"
		if entity.Price != nil {
			price = "$" + entity.Price.StringFixed(0)
		}

		direction := "-"
		opportunity := "-"
		if summary, err := reconciler.TrendSummary(entity.ID); err == nil {
			direction = summary.Direction
			opportunity = fmt.Sprintf("%.2f", summary.BuyingOpportunityScore)
		}

		fmt.Fprintf(
			writer,
			"%s\t%s\t%s\t%d\t%s\t%s\t%s\n",
			entity.ID,
			truncate(entity.Title, 48),
			price,
			entity.TimesSeen,
			entity.LastSeen.UTC().Format(time.RFC3339),
			direction,
			opportunity,
		)
	}

	writer.Flush()
	return nil
}

func truncate(s string, max int) string {
	runes := []rune(s)
	if len(runes) <= max {
		return s
	}
	return string(runes[:max-3]) + "..."
}
