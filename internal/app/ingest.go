package app

import (
	"context"
	"errors"
	"fmt"
	"os"

	"skitracker/internal/service"
)

// Ingest reconciles observation files passed on the command line. Unlike
// watch mode, files are left in place rather than archived.
func (a *App) Ingest(ctx context.Context, opts IngestOptions) error {
	if len(opts.Files) == 0 {
		return errors.New("at least one observation file is required")
	}

	reconciler, store, err := a.newReconciler(ctx)
	if err != nil {
		return err
	}
	defer store.Close()

	svc := service.New(a.Config, nil, reconciler, a.newNotifier(), a.Logger)

	var total service.BatchSummary
	for _, path := range opts.Files {
		observations, err := service.ReadObservations(path)
		if err != nil {
			return err
		}

		summary, err := svc.ProcessBatch(ctx, observations)
		if err != nil {
			return fmt.Errorf("ingest %s: %w", path, err)
		}

		total.Processed += summary.Processed
		total.Added += summary.Added
		total.Updated += summary.Updated
		total.Skipped += summary.Skipped
		total.Review += summary.Review
		total.Invalid += summary.Invalid
		total.Alerts += summary.Alerts
	}

	fmt.Fprintf(os.Stdout, "processed %d observations: %d new, %d updated, %d skipped, %d for review, %d invalid\n",
		total.Processed, total.Added, total.Updated, total.Skipped, total.Review, total.Invalid)
	return nil
}
