// Package app provides the top-level application lifecycle for the opener
// daemon. It wires together all dependencies (stores, caches, blob storage,
// venue clients, and notifications) and runs the scan loop, the mark-price
// feed, and the event archiver until shutdown.
package app

import (
	"context"
	"fmt"
	"log/slog"

	"golang.org/x/sync/errgroup"

	"github.com/fosburyalpha/fundingarb/internal/config"
	"github.com/fosburyalpha/fundingarb/internal/exchange"
	"github.com/fosburyalpha/fundingarb/internal/feed"
	"github.com/fosburyalpha/fundingarb/internal/opener"
	"github.com/fosburyalpha/fundingarb/internal/scanner"
	"github.com/fosburyalpha/fundingarb/internal/vault"
)

// App is the root application object. It owns the configuration, logger, and
// a list of cleanup functions that are called in reverse order on shutdown.
type App struct {
	cfg     *config.Config
	logger  *slog.Logger
	closers []func()
}

// New creates a new App from the given configuration and logger.
func New(cfg *config.Config, logger *slog.Logger) *App {
	return &App{
		cfg:    cfg,
		logger: logger.With(slog.String("component", "app")),
	}
}

// Run is the main entry point. It wires all dependencies, starts the opener
// loop plus its supporting goroutines, and blocks until the context is
// cancelled. On return it runs all registered cleanup functions.
func (a *App) Run(ctx context.Context) error {
	deps, cleanup, err := Wire(ctx, a.cfg, a.logger)
	if err != nil {
		return fmt.Errorf("app: wire dependencies: %w", err)
	}
	a.closers = append(a.closers, cleanup)

	v, err := vault.New(deps.Credentials, a.cfg.Vault.Passphrase)
	if err != nil {
		return fmt.Errorf("app: vault: %w", err)
	}

	factory := exchange.NewFactory(exchange.Config{
		BitfinexBaseURL: a.cfg.Venues.BitfinexBaseURL,
		BitmexBaseURL:   a.cfg.Venues.BitmexBaseURL,
		HTTPTimeout:     a.cfg.Venues.HTTPTimeout.Duration,
	})

	sc := scanner.New(deps.Bots, deps.Locks, a.cfg.Opener.LockTTL.Duration, a.logger)
	reporter := opener.NewReporter(
		deps.Bots,
		a.cfg.Opener.ReportRetries,
		a.cfg.Opener.ReportBackoff.Duration,
		a.logger,
	)

	op := opener.New(
		opener.Config{
			PollInterval:     a.cfg.Opener.PollInterval.Duration,
			Workers:          a.cfg.Opener.Workers,
			FillTolerance:    a.cfg.Opener.FillTolerance,
			CapitalTolerance: a.cfg.Opener.CapitalTolerance,
			VenueTolerance:   a.cfg.Opener.VenueTolerance,
			LegRetries:       a.cfg.Opener.LegRetries,
			RetryBackoff:     a.cfg.Opener.RetryBackoff.Duration,
			MarkMaxAge:       a.cfg.Opener.MarkMaxAge.Duration,
		},
		sc,
		deps.Bots,
		deps.Positions,
		deps.Events,
		deps.Prices,
		vaultSource{v},
		factory,
		reporter,
		deps.Notifier,
		a.logger,
	)

	g, gctx := errgroup.WithContext(ctx)

	g.Go(func() error {
		return op.Run(gctx)
	})

	if a.cfg.Feed.Enabled {
		markFeed, err := feed.NewBitmexMarkFeed(
			a.cfg.Feed.WsURL,
			a.cfg.Feed.Symbols,
			deps.Prices,
			a.logger,
		)
		if err != nil {
			return fmt.Errorf("app: mark feed: %w", err)
		}
		g.Go(func() error {
			return markFeed.Run(gctx)
		})
	}

	if deps.Archiver != nil {
		g.Go(func() error {
			return deps.Archiver.Run(gctx)
		})
	}

	a.logger.InfoContext(ctx, "application started",
		slog.Bool("feed", a.cfg.Feed.Enabled),
		slog.Bool("archiver", deps.Archiver != nil),
	)

	return g.Wait()
}

// Close tears down all resources in reverse registration order. It is safe
// to call multiple times; subsequent calls are no-ops.
func (a *App) Close() {
	a.logger.Info("shutting down application")
	for i := len(a.closers) - 1; i >= 0; i-- {
		a.closers[i]()
	}
	a.closers = nil
}

// vaultSource adapts *vault.Vault to the opener's CredentialSource: the
// concrete *vault.Handle becomes the interface the orchestrator wipes.
type vaultSource struct {
	v *vault.Vault
}

func (s vaultSource) Open(ctx context.Context, userID, venue string) (opener.Secret, error) {
	h, err := s.v.Open(ctx, userID, venue)
	if err != nil {
		return nil, err
	}
	return h, nil
}
