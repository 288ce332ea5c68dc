package service

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"sort"
	"strings"
	"time"

	"github.com/rs/zerolog"
	"github.com/shopspring/decimal"

	"skitracker/internal/alerting"
	"skitracker/internal/config"
	"skitracker/internal/reconcile"
	"skitracker/internal/scheduler"
	"skitracker/internal/storage"
)

// Service orchestrates inbox polling, reconciliation, and alerting.
type Service struct {
	scheduler  *scheduler.Scheduler
	reconciler *reconcile.Reconciler
	notifier   alerting.Notifier
	logger     zerolog.Logger

	inboxDir   string
	archiveDir string
	minDropPct decimal.Decimal
	alertsOn   bool
}

// BatchSummary counts the outcomes of one reconciled observation batch.
type BatchSummary struct {
	Processed int
	Added     int
	Updated   int
	Skipped   int
	Review    int
	Invalid   int
	Alerts    int
}

// New constructs the tracking service.
func New(cfg *config.Config, sched *scheduler.Scheduler, reconciler *reconcile.Reconciler, notifier alerting.Notifier, logger zerolog.Logger) *Service {
	minDrop := decimal.Zero
	if cfg.Alerting.Enabled && cfg.Alerting.MinDropPct > 0 {
		minDrop = decimal.NewFromFloat(cfg.Alerting.MinDropPct)
	}

	return &Service{
		scheduler:  sched,
		reconciler: reconciler,
		notifier:   notifier,
		logger:     logger.With().Str("component", "service").Logger(),
		inboxDir:   cfg.Watch.InboxDir,
		archiveDir: cfg.Watch.ArchiveDir,
		minDropPct: minDrop,
		alertsOn:   cfg.Alerting.Enabled,
	}
}

// Run begins the inbox polling loop.
func (s *Service) Run(ctx context.Context) error {
	if s.scheduler == nil {
		return fmt.Errorf("scheduler not configured")
	}
	return s.scheduler.Run(ctx, s.Sweep)
}

// Sweep processes every pending observation file in the inbox, oldest
// first. A file that fails persistence stays in the inbox and is retried
// on the next sweep.
func (s *Service) Sweep(ctx context.Context, now time.Time) error {
	paths, err := s.pendingFiles()
	if err != nil {
		return err
	}
	if len(paths) == 0 {
		s.logger.Debug().Msg("inbox empty")
		return nil
	}

	var failed int
	for _, path := range paths {
		select {
		case <-ctx.Done():
			return ctx.Err()
		default:
		}

		summary, err := s.ProcessFile(ctx, path)
		if err != nil {
			failed++
			s.logger.Error().Err(err).Str("file", path).Msg("failed to process observation file")
			continue
		}

		s.logger.Info().
			Str("file", filepath.Base(path)).
			Int("processed", summary.Processed).
			Int("added", summary.Added).
			Int("updated", summary.Updated).
			Int("skipped", summary.Skipped).
			Int("review", summary.Review).
			Msg("observation file reconciled")
	}

	if failed > 0 {
		return fmt.Errorf("%d of %d observation files failed", failed, len(paths))
	}
	return nil
}

// ProcessFile reconciles one observation file and archives it on success.
func (s *Service) ProcessFile(ctx context.Context, path string) (BatchSummary, error) {
	observations, err := ReadObservations(path)
	if err != nil {
		return BatchSummary{}, err
	}

	summary, err := s.ProcessBatch(ctx, observations)
	if err != nil {
		return summary, err
	}

	if err := s.archive(path); err != nil {
		return summary, err
	}
	return summary, nil
}

// ProcessBatch reconciles a slice of observations in order. Invalid
// observations are counted and skipped; persistence failures abort the
// batch so the caller can retry it whole.
func (s *Service) ProcessBatch(ctx context.Context, observations []storage.Observation) (BatchSummary, error) {
	var summary BatchSummary

	for _, obs := range observations {
		result, err := s.reconciler.Reconcile(ctx, obs)
		if err != nil {
			if errors.Is(err, reconcile.ErrInvalidObservation) {
				summary.Invalid++
				s.logger.Warn().Str("url", obs.URL).Msg("observation rejected: no title or url")
				continue
			}
			return summary, fmt.Errorf("reconcile observation: %w", err)
		}

		summary.Processed++
		switch result.Action {
		case reconcile.ActionAddNew:
			summary.Added++
		case reconcile.ActionUpdatePriceHistory, reconcile.ActionUpdateListingDetails, reconcile.ActionUpdateImages:
			summary.Updated++
		case reconcile.ActionManualReview:
			summary.Review++
		default:
			summary.Skipped++
		}

		if s.shouldAlert(result) {
			if err := s.dispatchAlert(ctx, result); err != nil {
				s.logger.Error().Err(err).Str("entity_id", result.EntityID).Msg("failed to dispatch price drop alert")
			} else {
				summary.Alerts++
			}
		}
	}

	return summary, nil
}

func (s *Service) shouldAlert(result reconcile.Result) bool {
	if !s.alertsOn || s.notifier == nil || s.minDropPct.IsZero() {
		return false
	}
	if result.Action != reconcile.ActionUpdatePriceHistory || result.PriceChange == nil {
		return false
	}
	change := result.PriceChange
	if change.Direction != storage.DirectionDecrease {
		return false
	}
	if change.OldPrice == nil || change.ChangeAmount == nil || !change.OldPrice.IsPositive() {
		return false
	}
	dropPct := change.ChangeAmount.Abs().Div(*change.OldPrice).Mul(decimal.NewFromInt(100))
	return dropPct.GreaterThanOrEqual(s.minDropPct)
}

func (s *Service) dispatchAlert(ctx context.Context, result reconcile.Result) error {
	entity, ok := s.reconciler.Entity(result.EntityID)
	if !ok {
		return fmt.Errorf("entity %q not found for alert", result.EntityID)
	}

	change := result.PriceChange
	dropPct := change.ChangeAmount.Abs().Div(*change.OldPrice).Mul(decimal.NewFromInt(100))

	score := 0.0
	if summary, err := s.reconciler.TrendSummary(result.EntityID); err == nil {
		score = summary.BuyingOpportunityScore
	}

	return s.notifier.Notify(ctx, alerting.Notification{
		EntityID:         entity.ID,
		Title:            entity.Title,
		URL:              entity.URL,
		OldPrice:         *change.OldPrice,
		NewPrice:         *change.NewPrice,
		DropPct:          dropPct,
		OpportunityScore: score,
		ObservedAt:       change.Timestamp,
	})
}

func (s *Service) pendingFiles() ([]string, error) {
	entries, err := os.ReadDir(s.inboxDir)
	if err != nil {
		if os.IsNotExist(err) {
			return nil, nil
		}
		return nil, fmt.Errorf("read inbox dir: %w", err)
	}

	var paths []string
	for _, entry := range entries {
		if entry.IsDir() || !strings.HasSuffix(entry.Name(), ".json") {
			continue
		}
		paths = append(paths, filepath.Join(s.inboxDir, entry.Name()))
	}
	sort.Strings(paths)
	return paths, nil
}

func (s *Service) archive(path string) error {
	if err := os.MkdirAll(s.archiveDir, 0o755); err != nil {
		return fmt.Errorf("create archive dir: %w", err)
	}
	dest := filepath.Join(s.archiveDir, filepath.Base(path))
	if err := os.Rename(path, dest); err != nil {
		return fmt.Errorf("archive observation file: %w", err)
	}
	return nil
}

// ReadObservations decodes a JSON file holding either an array of
// observations or a single observation object.
func ReadObservations(path string) ([]storage.Observation, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("read observation file: %w", err)
	}

	var observations []storage.Observation
	if err := json.Unmarshal(data, &observations); err == nil {
		return observations, nil
	}

	var single storage.Observation
	if err := json.Unmarshal(data, &single); err != nil {
		return nil, fmt.Errorf("parse observation file %s: %w", filepath.Base(path), err)
	}
	return []storage.Observation{single}, nil
}
