// cmd/service/main.go
package main

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/golang-migrate/migrate/v4"
	_ "github.com/golang-migrate/migrate/v4/database/postgres"
	_ "github.com/golang-migrate/migrate/v4/source/file"
	"github.com/jackc/pgx/v5/pgxpool"

	"work-items-sync/internal/api"
	"work-items-sync/internal/config"
	"work-items-sync/internal/connector"
	"work-items-sync/internal/connector/github"
	"work-items-sync/internal/connector/jira"
	"work-items-sync/internal/importer"
	"work-items-sync/internal/publish"
	"work-items-sync/internal/syncer"
)

func main() {
	if err := run(); err != nil {
		slog.Error("Application startup error", "error", err)
		os.Exit(1)
	}
}

func run() error {
	// 1. Initialize structured logger
	logLevel := new(slog.LevelVar)
	handler := slog.NewJSONHandler(os.Stdout, &slog.HandlerOptions{Level: logLevel})
	logger := slog.New(handler)
	slog.SetDefault(logger)

	// 2. Load configuration
	cfg, err := config.LoadConfig()
	if err != nil {
		return fmt.Errorf("failed to load configuration: %w", err)
	}
	logLevel.Set(cfg.SlogLevel())
	logger.Info("Configuration loaded successfully")

	// 3. Setup context for graceful shutdown
	ctx, cancel := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer cancel()

	// 4. Initialize database connection and run migrations
	dbpool, err := pgxpool.New(ctx, cfg.DBURL)
	if err != nil {
		return fmt.Errorf("failed to connect to database: %w", err)
	}
	defer dbpool.Close()
	logger.Info("Database connection established")

	if err := runMigrations(cfg.MigrationsPath, cfg.DBURL); err != nil {
		return fmt.Errorf("failed to run database migrations: %w", err)
	}
	logger.Info("Database migrations applied successfully")

	// 5. Initialize application components
	registry := connector.NewRegistry(
		jira.New(),
		github.NewConnector(github.NewClient(cfg.GithubToken, logger)),
	)
	engine := syncer.NewSyncer(dbpool, registry, logger, syncer.Options{
		CrossSourceResolution: cfg.CrossSourceResolution,
	})

	publisher, err := newPublisher(cfg, logger)
	if err != nil {
		return fmt.Errorf("failed to create publisher: %w", err)
	}
	defer func() {
		if err := publisher.Close(); err != nil {
			logger.Error("Failed to close publisher", "error", err)
		}
	}()

	// 6. Start the importer in a separate goroutine
	imp := importer.New(engine, registry, publisher, logger, cfg.SyncInterval, cfg.SyncConcurrency)
	importerDone := make(chan struct{})
	go func() {
		defer close(importerDone)
		imp.Start(ctx)
	}()

	// 7. Serve the API until shutdown
	srv := &http.Server{
		Addr:              cfg.HTTPAddr,
		Handler:           api.NewRouter(engine, publisher, logger, cfg.ReprocessBatchSize),
		ReadHeaderTimeout: 10 * time.Second,
	}
	serveErr := make(chan error, 1)
	go func() {
		logger.Info("HTTP server listening", "addr", cfg.HTTPAddr)
		if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			serveErr <- err
		}
		close(serveErr)
	}()

	select {
	case <-ctx.Done():
		logger.Info("Shutdown signal received. Exiting.")
	case err := <-serveErr:
		cancel()
		<-importerDone
		return fmt.Errorf("http server failed: %w", err)
	}

	shutdownCtx, shutdownCancel := context.WithTimeout(context.Background(), 15*time.Second)
	defer shutdownCancel()
	if err := srv.Shutdown(shutdownCtx); err != nil {
		logger.Error("HTTP server shutdown failed", "error", err)
	}

	select {
	case <-importerDone:
	case <-shutdownCtx.Done():
		logger.Warn("Importer did not stop before the shutdown deadline")
	}
	return nil
}

func newPublisher(cfg *config.Config, logger *slog.Logger) (publish.Publisher, error) {
	if cfg.NATSURL == "" {
		logger.Info("NATS_URL not set, change events are only logged")
		return publish.NewLogPublisher(logger), nil
	}
	return publish.NewNATSPublisher(cfg.NATSURL, cfg.NATSSubjectPrefix, logger)
}

func runMigrations(path, dbURL string) error {
	m, err := migrate.New(path, dbURL)
	if err != nil {
		return err
	}
	defer m.Close()
	if err := m.Up(); err != nil && !errors.Is(err, migrate.ErrNoChange) {
		return err
	}
	return nil
}
