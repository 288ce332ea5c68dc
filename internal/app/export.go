package app

import (
	"context"
	"encoding/csv"
	"errors"
	"fmt"
	"math"
	"os"
	"path/filepath"
	"time"

	"github.com/shopspring/decimal"
	chart "github.com/wcharczuk/go-chart/v2"

	"skitracker/internal/storage"
)

// Export renders one entity's price history as CSV and/or PNG.
func (a *App) Export(ctx context.Context, opts ExportOptions) error {
	if opts.EntityID == "" {
		return errors.New("--entity is required")
	}
	if opts.CSVPath == "" && opts.PNGPath == "" {
		return errors.New("at least one of --csv or --png must be provided")
	}

	opts.MaxPoints = a.Config.ResolveMaxPoints(opts.MaxPoints)

	reconciler, store, err := a.newReconciler(ctx)
	if err != nil {
		return err
	}
	defer store.Close()

	entity, ok := reconciler.Entity(opts.EntityID)
	if !ok {
		return fmt.Errorf("unknown entity %q", opts.EntityID)
	}

	entries := reconciler.History(opts.EntityID)
	if len(entries) == 0 {
		a.Logger.Info().Str("entity", opts.EntityID).Msg("no price changes to export")
		return nil
	}

	downsampled := downsampleEntries(entries, opts.MaxPoints)
	a.Logger.Info().
		Str("entity", opts.EntityID).
		Int("total", len(entries)).
		Int("exported", len(downsampled)).
		Msg("exporting price history")

	if opts.CSVPath != "" {
		if err := writeHistoryCSV(opts.CSVPath, downsampled); err != nil {
			return err
		}
	}

	if opts.PNGPath != "" {
		if err := writeHistoryPNG(opts.PNGPath, entity.Title, downsampled); err != nil {
			return err
		}
	}

	return nil
}

func downsampleEntries(entries []storage.PriceChange, max int) []storage.PriceChange {
	if max <= 0 || len(entries) <= max {
		return entries
	}

	result := make([]storage.PriceChange, 0, max)
	step := float64(len(entries)-1) / float64(max-1)
	for i := 0; i < max; i++ {
		idx := int(math.Round(step * float64(i)))
		if idx >= len(entries) {
			idx = len(entries) - 1
		}
		result = append(result, entries[idx])
	}
	return result
}

func writeHistoryCSV(path string, entries []storage.PriceChange) error {
	if err := ensureDir(path); err != nil {
		return err
	}

	file, err := os.Create(path)
	if err != nil {
		return err
	}
	defer file.Close()

	writer := csv.NewWriter(file)
	defer writer.Flush()

	header := []string{"ts", "entity_id", "old_price", "new_price", "change_amount", "direction"}
	if err := writer.Write(header); err != nil {
		return err
	}

	for _, entry := range entries {
		record := []string{
			entry.Timestamp.UTC().Format(time.RFC3339),
			entry.EntityID,
			decimalString(entry.OldPrice),
			decimalString(entry.NewPrice),
			decimalString(entry.ChangeAmount),
			entry.Direction,
		}
		if err := writer.Write(record); err != nil {
			return err
		}
	}

	return writer.Error()
}

func writeHistoryPNG(path, title string, entries []storage.PriceChange) error {
	if len(entries) < 2 {
		return errors.New("need at least two price changes to render a chart")
	}
	if err := ensureDir(path); err != nil {
		return err
	}

	x := make([]time.Time, len(entries))
	prices := make([]float64, len(entries))
	for i, entry := range entries {
		x[i] = entry.Timestamp
		if entry.NewPrice != nil {
			prices[i] = entry.NewPrice.InexactFloat64()
		}
	}

	priceFormatter := func(v interface{}) string {
		return chart.FloatValueFormatterWithFormat(v, "$%.0f")
	}
	graph := chart.Chart{
		Title:  truncate(title, 64),
		Width:  1280,
		Height: 720,
		XAxis: chart.XAxis{
			ValueFormatter: chart.TimeValueFormatter,
		},
		YAxis: chart.YAxis{
			Name:           "Price (USD)",
			ValueFormatter: priceFormatter,
		},
		Series: []chart.Series{
			chart.TimeSeries{
				Name:    "Price",
				XValues: x,
				YValues: prices,
			},
		},
	}
	graph.Elements = []chart.Renderable{chart.Legend(&graph)}

	file, err := os.Create(path)
	if err != nil {
		return err
	}
	defer file.Close()

	return graph.Render(chart.PNG, file)
}

func ensureDir(path string) error {
	dir := filepath.Dir(path)
	if dir == "." || dir == "" {
		return nil
	}
	return os.MkdirAll(dir, 0o755)
}

func decimalString(d *decimal.Decimal) string {
	if d == nil {
		return ""
	}
	return d.String()
}
