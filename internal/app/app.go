package app

import (
	"context"
	"errors"
	"os/signal"
	"syscall"
	"time"

	"github.com/rs/zerolog"

	"skitracker/internal/alerting"
	"skitracker/internal/config"
	"skitracker/internal/reconcile"
	"skitracker/internal/scheduler"
	"skitracker/internal/service"
	"skitracker/internal/storage"
)

// App aggregates configuration and shared dependencies for the CLI commands.
type App struct {
	Config *config.Config
	Logger zerolog.Logger
}

// NewApp constructs a new application handle.
func NewApp(cfg *config.Config, logger zerolog.Logger) *App {
	return &App{Config: cfg, Logger: logger.With().Str("component", "app").Logger()}
}

func (a *App) openStore(ctx context.Context) (storage.Store, error) {
	switch a.Config.Storage.Backend {
	case "postgres":
		pool, err := storage.NewPool(ctx, a.Config.Storage)
		if err != nil {
			return nil, err
		}
		return storage.NewPostgresStore(ctx, pool)
	default:
		return storage.NewFileStore(a.Config.Storage.DataDir)
	}
}

func (a *App) newReconciler(ctx context.Context) (*reconcile.Reconciler, storage.Store, error) {
	store, err := a.openStore(ctx)
	if err != nil {
		return nil, nil, err
	}

	reconciler, err := reconcile.New(ctx, store, a.Config.Matching, a.Config.Trend, a.Logger)
	if err != nil {
		store.Close()
		return nil, nil, err
	}
	return reconciler, store, nil
}

func (a *App) newNotifier() alerting.Notifier {
	if a.Config.Alerting.Telegram.Enabled {
		cfg := a.Config.Alerting.Telegram
		return alerting.NewTelegramNotifier(cfg.BotToken, cfg.ChatID, cfg.APIBase, 10*time.Second, a.Logger)
	}
	return nil
}

// Run executes the long-running watch service.
func (a *App) Run(ctx context.Context) error {
	ctx, cancel := signal.NotifyContext(ctx, syscall.SIGINT, syscall.SIGTERM)
	defer cancel()

	reconciler, store, err := a.newReconciler(ctx)
	if err != nil {
		return err
	}
	defer store.Close()

	sched := scheduler.New(scheduler.Options{
		Interval:     a.Config.Watch.Interval,
		StartupDelay: a.Config.Watch.StartupDelay,
	}, a.Logger)

	svc := service.New(a.Config, sched, reconciler, a.newNotifier(), a.Logger)

	a.Logger.Info().
		Str("inbox", a.Config.Watch.InboxDir).
		Dur("interval", a.Config.Watch.Interval).
		Msg("starting watch service")

	err = svc.Run(ctx)
	if err != nil && !errors.Is(err, context.Canceled) {
		a.Logger.Error().Err(err).Msg("watch service terminated with error")
		return err
	}

	a.Logger.Info().Msg("watch service stopped")
	return nil
}

// IngestOptions configure a one-shot reconciliation batch.
type IngestOptions struct {
	Files []string
}

// ShowOptions configure the show command.
type ShowOptions struct {
	Limit int
}

// HistoryOptions configure the history command.
type HistoryOptions struct {
	EntityID string
}

// ExportOptions hold parameters for exporting one entity's price history.
type ExportOptions struct {
	EntityID  string
	CSVPath   string
	PNGPath   string
	MaxPoints int
}

// InsightsOptions configure the insights command.
type InsightsOptions struct {
	JSON bool
}
