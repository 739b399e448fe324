package main

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"os"
	"path/filepath"

	"github.com/italolelis/game_launcher/internal/config"
	"github.com/italolelis/game_launcher/internal/launcher"
	"github.com/italolelis/game_launcher/internal/logctx"
	"github.com/italolelis/game_launcher/internal/notifier"
	"github.com/italolelis/game_launcher/internal/repository"
	"github.com/italolelis/game_launcher/internal/repository/catalog"
	"github.com/italolelis/game_launcher/internal/settings"
	"github.com/italolelis/game_launcher/internal/storage/sqlite"
	"github.com/italolelis/game_launcher/internal/telemetry"
	slogmulti "github.com/samber/slog-multi"
	"go.opentelemetry.io/contrib/instrumentation/net/http/otelhttp"
)

// app holds the process wide dependencies shared by every command.
type app struct {
	cfg       *config.Config
	logger    *slog.Logger
	telemetry *telemetry.Telemetry
	catalog   *repository.Manager
	launcher  *launcher.Launcher

	db      *sql.DB
	logFile *os.File
}

func newApp(ctx context.Context, cfg *config.Config, logOut io.Writer) (_ *app, err error) {
	a := &app{cfg: cfg}

	defer func() {
		if err != nil {
			a.close(context.WithoutCancel(ctx))
		}
	}()

	if err := os.MkdirAll(cfg.LauncherDir, 0o755); err != nil {
		return nil, fmt.Errorf("failed to create launcher directory: %w", err)
	}

	// =========================================================================
	// Start Logging
	if err := a.setupLogger(logOut); err != nil {
		return nil, err
	}

	ctx = a.ctx(ctx)

	// =========================================================================
	// Start Telemetry
	a.telemetry, err = telemetry.New(ctx, telemetry.Config{
		Enabled:        cfg.Telemetry.Enabled,
		ServiceName:    cfg.Telemetry.ServiceName,
		ServiceVersion: version,
		OTLPEndpoint:   cfg.Telemetry.OTLPEndpoint,
	})
	if err != nil {
		return nil, fmt.Errorf("failed to initialize telemetry: %w", err)
	}

	// =========================================================================
	// Start Database
	if err := os.MkdirAll(filepath.Dir(cfg.DBPath), 0o755); err != nil {
		return nil, fmt.Errorf("failed to create database directory: %w", err)
	}

	a.db, err = sqlite.InitDB(cfg.DBPath)
	if err != nil {
		return nil, fmt.Errorf("failed to open task journal: %w", err)
	}

	// =========================================================================
	// Start Catalog
	sources, err := buildSources(cfg)
	if err != nil {
		return nil, err
	}

	if len(sources) == 0 {
		a.logger.WarnContext(ctx, "no catalog sources configured, only installed games are available")
	}

	a.catalog = repository.NewManager(sources, repository.WithTelemetry(a.telemetry))

	// =========================================================================
	// Start Launcher
	store, err := settings.NewStore(cfg.SettingsPath)
	if err != nil {
		return nil, err
	}

	var notif notifier.Notifier = notifier.Nop{}
	if cfg.DiscordWebhookURL != "" {
		notif = notifier.NewDiscordNotifier(cfg.DiscordWebhookURL)
	}

	a.launcher, err = launcher.New(launcher.Config{
		InstallDir:      cfg.InstallDir,
		CacheDir:        cfg.CacheDir,
		JavaBin:         cfg.JavaBin,
		RemoveInvalid:   cfg.CleanupPartialInstalls,
		MinFreeSpace:    uint64(cfg.MinFreeSpace),
		ShutdownTimeout: cfg.ShutdownTimeout,
	}, a.catalog, store,
		launcher.WithJournal(sqlite.NewInstrumentedTaskRepository(a.db, a.telemetry)),
		launcher.WithNotifier(notif),
		launcher.WithTelemetry(a.telemetry),
		launcher.WithHTTPClient(&http.Client{Transport: otelhttp.NewTransport(http.DefaultTransport)}),
	)
	if err != nil {
		return nil, fmt.Errorf("failed to create launcher: %w", err)
	}

	if err := a.launcher.Start(ctx); err != nil {
		a.launcher = nil

		return nil, err
	}

	return a, nil
}

// setupLogger writes JSON logs to out and, when LOG_FILE is set, to that file too.
func (a *app) setupLogger(out io.Writer) error {
	opts := &slog.HandlerOptions{Level: a.cfg.SlogLevel()}

	var handler slog.Handler = slog.NewJSONHandler(out, opts)

	if a.cfg.LogFile != "" {
		f, err := os.OpenFile(a.cfg.LogFile, os.O_CREATE|os.O_WRONLY|os.O_APPEND, 0o644)
		if err != nil {
			return fmt.Errorf("failed to open log file: %w", err)
		}

		a.logFile = f
		handler = slogmulti.Fanout(handler, slog.NewJSONHandler(f, opts))
	}

	a.logger = slog.New(logctx.NewTraceHandler(handler))
	slog.SetDefault(a.logger)

	return nil
}

func (a *app) ctx(ctx context.Context) context.Context {
	return logctx.WithLogger(ctx, a.logger)
}

// refresh loads the catalog once. Unavailable sources are not fatal.
func (a *app) refresh(ctx context.Context) error {
	if _, err := a.catalog.Refresh(ctx); err != nil {
		return fmt.Errorf("failed to refresh catalog: %w", err)
	}

	return nil
}

func (a *app) close(ctx context.Context) {
	var errs []error

	if a.launcher != nil {
		errs = append(errs, a.launcher.Shutdown(ctx))
	}

	if a.db != nil {
		errs = append(errs, a.db.Close())
	}

	if a.telemetry != nil {
		errs = append(errs, a.telemetry.Shutdown(ctx))
	}

	if err := errors.Join(errs...); err != nil && a.logger != nil {
		a.logger.ErrorContext(ctx, "failed to shut down cleanly", "err", err)
	}

	if a.logFile != nil {
		_ = a.logFile.Close()
	}
}

// buildSources returns the catalog sources in priority order: put.io, remote
// documents, then local files.
func buildSources(cfg *config.Config) ([]repository.Source, error) {
	var sources []repository.Source

	if cfg.PutioToken != "" {
		sources = append(sources, catalog.NewPutioSource(cfg.PutioToken, cfg.PutioFolderID))
	}

	client := &http.Client{
		Timeout:   cfg.HTTPTimeout,
		Transport: otelhttp.NewTransport(http.DefaultTransport),
	}

	for _, u := range cfg.CatalogURLs {
		src, err := catalog.NewHTTPSource(u, client)
		if err != nil {
			return nil, fmt.Errorf("invalid catalog url: %w", err)
		}

		sources = append(sources, src)
	}

	for _, p := range cfg.CatalogFiles {
		sources = append(sources, catalog.NewFileSource(p))
	}

	return sources, nil
}
