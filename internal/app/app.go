// Package app wires the Logen services from configuration. The HTTP server
// and logenctl share it.
package app

import (
	"context"
	"errors"
	"fmt"
	"log/slog"

	"github.com/logen-app/logen/internal/config"
	"github.com/logen-app/logen/internal/identity"
	"github.com/logen-app/logen/internal/notify"
	"github.com/logen-app/logen/internal/queue"
	"github.com/logen-app/logen/internal/shared"
	"github.com/logen-app/logen/internal/sitefs"
	"github.com/logen-app/logen/internal/store"
	"github.com/logen-app/logen/internal/uniqueness"
	"github.com/logen-app/logen/internal/wizard"
)

// App holds the wired services.
type App struct {
	Config         *config.Config
	Repo           *store.SQLiteStore
	ConfigSites    *sitefs.Index
	GeneratedSites *sitefs.Index
	Resolver       *uniqueness.Resolver
	Wizard         *wizard.Service
	Queue          *queue.Service
	Hub            *notify.Hub
	Issuer         *identity.Issuer
}

// New opens the database and builds every service. Call Close when done.
func New(ctx context.Context, cfg *config.Config) (*App, error) {
	repo, err := store.NewSQLite(cfg.DBPath)
	if err != nil {
		return nil, fmt.Errorf("open database: %w", err)
	}
	if err := repo.Ping(ctx); err != nil {
		_ = repo.Close()
		return nil, fmt.Errorf("database health check: %w", err)
	}

	retry := shared.RetryPolicy{
		MaxRetries: cfg.Retry.DatabaseMaxRetries,
		BaseDelay:  cfg.Retry.DatabaseRetryBaseDelay,
	}

	configSites := sitefs.New(cfg.SiteConfigDir, sitefs.WithManifests(), sitefs.WithMaxLength(cfg.SiteIDMaxLength))
	generatedSites := sitefs.New(cfg.GeneratedSitesDir, sitefs.WithMaxLength(cfg.SiteIDMaxLength))

	resolver := uniqueness.NewResolver(cfg.SiteIDMaxLength,
		uniqueness.NewDatabaseChecker(repo),
		uniqueness.NewConfigDirectoryChecker(configSites),
		uniqueness.NewGeneratedSiteChecker(generatedSites),
	)

	hub := notify.NewHub()
	wiz := wizard.NewService(repo, resolver, retry, cfg.SiteIDMaxLength)

	return &App{
		Config:         cfg,
		Repo:           repo,
		ConfigSites:    configSites,
		GeneratedSites: generatedSites,
		Resolver:       resolver,
		Wizard:         wiz,
		Queue:          queue.NewService(repo, wiz, hub, retry),
		Hub:            hub,
		Issuer:         identity.NewIssuer(cfg.Auth.TokenSecret, cfg.Auth.TokenTTL, cfg.Auth.RefreshWindow),
	}, nil
}

// WatchSites attaches filesystem watchers to both site directories when
// enabled. Lookups fall back to rescanning if a watcher cannot start.
func (a *App) WatchSites(ctx context.Context) {
	if !a.Config.WatchSiteDirs {
		slog.Info("Site directory watching disabled")
		return
	}
	for _, ix := range []*sitefs.Index{a.ConfigSites, a.GeneratedSites} {
		if err := ix.Start(ctx); err != nil {
			slog.Warn("Site directory watcher unavailable, rescanning on every lookup", "dir", ix.Root(), "error", err)
			continue
		}
		slog.Info("Watching site directory", "dir", ix.Root())
	}
}

// Close stops watchers and closes the database.
func (a *App) Close() error {
	a.ConfigSites.Stop()
	a.GeneratedSites.Stop()
	if err := a.Repo.Close(); err != nil {
		return errors.Join(errors.New("close database"), err)
	}
	return nil
}
