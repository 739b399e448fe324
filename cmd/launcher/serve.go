package main

import (
	"context"
	"fmt"
	"net"
	"net/http"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"
	"github.com/italolelis/game_launcher/internal/cleanup"
	"github.com/italolelis/game_launcher/internal/http/rest"
	"github.com/italolelis/game_launcher/internal/logctx"
	"github.com/italolelis/game_launcher/internal/telemetry"
	"github.com/spf13/cobra"
)

func newServeCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "serve",
		Short: "Run the launcher with its HTTP control API",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, _ []string) error {
			return withApp(cmd, cmd.OutOrStdout(), serve)
		},
	}
}

func serve(ctx context.Context, a *app) error {
	logger := logctx.LoggerFromContext(ctx)
	cfg := a.cfg

	logger.InfoContext(ctx, "game launcher starting...",
		"version", version,
		"log_level", cfg.LogLevel,
		"install_dir", cfg.InstallDir,
	)

	// =========================================================================
	// Start Catalog
	if err := a.refresh(ctx); err != nil {
		logger.ErrorContext(ctx, "initial catalog refresh failed", "err", err)
	}

	a.catalog.Watch(ctx, cfg.RefreshInterval)

	// =========================================================================
	// Start Cleanup
	cleanup.Watch(ctx, cfg.CleanupInterval, func(ctx context.Context) error {
		_, err := cleanup.DeleteExpiredArchives(ctx, cfg.CacheDir, cfg.KeepDownloadedFor)

		return err
	})

	// =========================================================================
	// Start API Service

	// Make a channel to listen for errors coming from the listener. Use a
	// buffered channel so the goroutine can exit if we don't collect this error.
	serverErrors := make(chan error, 1)

	server := setupServer(ctx, a)

	go func() {
		logger.InfoContext(ctx, "Initializing API support", "host", cfg.Web.BindAddress)
		serverErrors <- server.ListenAndServe()
	}()

	// =========================================================================
	// Wait for shutdown
	select {
	case err := <-serverErrors:
		return fmt.Errorf("server error: %w", err)
	case <-a.launcher.CloseRequested():
		logger.InfoContext(ctx, "game started, closing launcher")
	case <-ctx.Done():
		logger.InfoContext(ctx, "start shutdown")
	}

	// Give outstanding requests a deadline for completion.
	shutdownCtx, cancel := context.WithTimeout(context.WithoutCancel(ctx), cfg.Web.ShutdownTimeout)
	defer cancel()

	if err := server.Shutdown(shutdownCtx); err != nil {
		logger.ErrorContext(ctx, "failed to gracefully shutdown the server", "err", err)

		if err = server.Close(); err != nil {
			return fmt.Errorf("could not stop server gracefully: %w", err)
		}
	}

	return nil
}

// setupServer prepares the handlers and services to create the http rest server.
func setupServer(ctx context.Context, a *app) *http.Server {
	handler := rest.NewLauncherHandler(a.cfg.Web.Username, a.cfg.Web.Password, a.launcher, a.telemetry)

	r := chi.NewRouter()
	r.Use(middleware.Recoverer)
	r.Use(telemetry.RequestID)
	r.Use(telemetry.HTTPLogging)
	r.Use(telemetry.NewHTTPMiddleware(a.telemetry).Middleware)
	r.Mount("/", handler.Routes())

	return &http.Server{
		Addr:         a.cfg.Web.BindAddress,
		ReadTimeout:  a.cfg.Web.ReadTimeout,
		WriteTimeout: a.cfg.Web.WriteTimeout,
		IdleTimeout:  a.cfg.Web.IdleTimeout,
		Handler:      r,
		BaseContext: func(net.Listener) context.Context {
			return ctx
		},
	}
}
