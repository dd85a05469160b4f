package main

import (
	"context"
	"log/slog"
	"os"
	"os/signal"
	"syscall"

	gerritadapter "github.com/ericfisherdev/reviewdesk/internal/adapter/driven/gerrit"
	"github.com/ericfisherdev/reviewdesk/internal/adapter/driven/gitcli"
	sqliteadapter "github.com/ericfisherdev/reviewdesk/internal/adapter/driven/sqlite"
	"github.com/ericfisherdev/reviewdesk/internal/adapter/driven/vault"
	"github.com/ericfisherdev/reviewdesk/internal/application"
	"github.com/ericfisherdev/reviewdesk/internal/config"
	"github.com/ericfisherdev/reviewdesk/internal/eventbus"
)

func main() {
	if err := run(); err != nil {
		slog.Error("fatal error", "error", err)
		os.Exit(1)
	}
}

func run() error {
	// 1. Load configuration (fail fast on malformed env vars).
	cfg, err := config.Load()
	if err != nil {
		return err
	}
	slog.Info("config loaded",
		"db_path", cfg.DBPath,
		"poll_interval", cfg.PollInterval,
		"dispatch_interval", cfg.DispatchInterval,
		"secret_key_set", cfg.HasSecretKey(),
	)

	// 2. Signal-based context (SIGINT, SIGTERM).
	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	// 3. Open database (dual reader/writer with WAL mode).
	db, err := sqliteadapter.NewDB(cfg.DBPath)
	if err != nil {
		return err
	}
	defer func() {
		if closeErr := db.Close(); closeErr != nil {
			slog.Error("error closing database", "error", closeErr)
		}
	}()
	slog.Info("database opened", "path", cfg.DBPath)

	// 4. Run migrations on the writer connection.
	if err := sqliteadapter.RunMigrations(db.Writer); err != nil {
		return err
	}

	// 5. Driven adapters.
	instanceRepo := sqliteadapter.NewInstanceRepo(db)
	changeRepo := sqliteadapter.NewChangeRepo(db)
	commentRepo := sqliteadapter.NewCommentRepo(db)
	reviewRepo := sqliteadapter.NewReviewRepo(db)
	operationRepo := sqliteadapter.NewOperationRepo(db)

	credVault, err := vault.New(cfg.SecretKey)
	if err != nil {
		return err
	}
	gerritClient := gerritadapter.NewClient(cfg.HTTPTimeout)
	pusher := gitcli.NewPusher("")
	bus := eventbus.New(slog.Default())

	// 6. Application services.
	registry := application.NewRegistry(instanceRepo, credVault, gerritClient, bus, cfg.PollInterval)
	importer := application.NewImporter(changeRepo, commentRepo, gerritClient, bus)
	queue := application.NewOperationQueue(operationRepo, changeRepo, bus, cfg.MaxRetries)
	resolver := application.NewConflictResolver(changeRepo, commentRepo, queue, bus)
	engine := application.NewSyncEngine(
		registry, importer, queue, resolver,
		changeRepo, commentRepo, reviewRepo,
		gerritClient, pusher, bus,
		cfg.PollInterval, cfg.DispatchInterval, cfg.HTTPTimeout,
	)

	// 7. Crash recovery: operations stranded in Processing resume dispatch.
	if err := queue.RecoverStartup(ctx); err != nil {
		return err
	}

	// 8. Run the engine until a shutdown signal arrives.
	slog.Info("reviewdesk started")
	engine.Start(ctx)

	slog.Info("shutdown complete")
	return nil
}
