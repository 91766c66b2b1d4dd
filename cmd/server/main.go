// Logen - wizard session and AI request queue server
package main

import (
	"context"
	"errors"
	"log/slog"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/joho/godotenv"

	"github.com/logen-app/logen/internal/api"
	"github.com/logen-app/logen/internal/app"
	"github.com/logen-app/logen/internal/config"
	"github.com/logen-app/logen/internal/queue"
	"github.com/logen-app/logen/web"
)

func main() {
	if err := godotenv.Load(); err != nil {
		slog.Info("No .env file found, using environment variables")
	}

	cfg, err := config.Load()
	if err != nil {
		slog.Error("Failed to load configuration", "error", err)
		os.Exit(1)
	}

	logger := slog.New(slog.NewJSONHandler(os.Stdout, &slog.HandlerOptions{
		Level: cfg.LogLevel,
	}))
	slog.SetDefault(logger)

	slog.Info("Starting server", "port", cfg.Port, "dev", cfg.IsDevelopment())

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	a, err := app.New(ctx, cfg)
	if err != nil {
		slog.Error("Failed to initialize services", "error", err)
		os.Exit(1)
	}
	defer func() {
		if closeErr := a.Close(); closeErr != nil {
			slog.Error("Failed to close services", "error", closeErr)
		}
	}()
	slog.Info("Database connected", "path", cfg.DBPath)

	a.WatchSites(ctx)

	origins := cfg.AllowedOrigins()
	router := api.NewRouter(api.Handlers{
		Issuer:         a.Issuer,
		Health:         api.NewHealthHandler(a.Repo, cfg.Timeout.HealthCheck),
		Auth:           api.NewAuthHandler(a.Issuer, cfg.MaxRequestBody),
		Wizard:         api.NewWizardHandler(a.Wizard, a.Queue, a.Resolver, cfg.MaxRequestBody),
		Requests:       api.NewRequestHandler(a.Queue, a.Hub, cfg.Queue.WatchPollInterval, origins, cfg.MaxRequestBody),
		Admin:          api.NewAdminHandler(a.Queue, a.Wizard, cfg.MaxRequestBody),
		AllowedOrigins: origins,
		Frontend:       web.SPAHandler(),
	})

	// WebSocket watch streams are long lived, so there is no WriteTimeout.
	srv := &http.Server{
		Addr:              ":" + cfg.Port,
		Handler:           router,
		ReadHeaderTimeout: 10 * time.Second,
		ReadTimeout:       30 * time.Second,
		WriteTimeout:      0,
		IdleTimeout:       120 * time.Second,
	}

	reclaimerDone := queue.StartReclaimer(ctx, a.Queue, cfg.Queue.ReclaimInterval, cfg.Queue.ClaimTimeout, cfg.Queue.ReclaimBatch)

	go func() {
		slog.Info("Server listening", "addr", srv.Addr)
		if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			slog.Error("Server failed", "error", err)
			stop()
		}
	}()

	<-ctx.Done()
	stop()

	slog.Info("Shutting down gracefully...")

	shutdownCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()

	if err := srv.Shutdown(shutdownCtx); err != nil {
		slog.Error("Server forced to shutdown", "error", err)
	}
	<-reclaimerDone

	slog.Info("Server stopped successfully")
}
