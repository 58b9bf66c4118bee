package main

import (
	"context"
	"fmt"

	"go.uber.org/zap"

	"github.com/notifyhub/signal-sync/internal/config"
	"github.com/notifyhub/signal-sync/internal/db"
	"github.com/notifyhub/signal-sync/internal/repository"
)

// openStore selects the queue backend from the DSN. Migrations run before
// the store is returned.
func openStore(ctx context.Context, cfg *config.Config, logger *zap.Logger) (repository.Store, func(), error) {
	opts := repository.Options{
		InFlightLease: cfg.InFlightLease,
		Retention:     cfg.Retention,
		Logger:        logger.Named("queue"),
	}

	switch db.DetectBackend(cfg.QueueDSN) {
	case db.BackendPostgres:
		if err := db.MigratePostgres(cfg.QueueDSN); err != nil {
			return nil, nil, fmt.Errorf("migrate postgres: %w", err)
		}
		pool, err := db.ConnectPostgres(ctx, cfg.QueueDSN, cfg.DBMaxConns)
		if err != nil {
			return nil, nil, fmt.Errorf("connect postgres: %w", err)
		}
		logger.Info("queue opened", zap.String("backend", string(db.BackendPostgres)))
		return repository.NewPgQueueRepository(pool, opts), pool.Close, nil

	default:
		sqlDB, err := db.OpenSQLite(cfg.QueueDSN)
		if err != nil {
			return nil, nil, err
		}
		logger.Info("queue opened",
			zap.String("backend", string(db.BackendSQLite)),
			zap.String("path", cfg.QueueDSN),
		)
		return repository.NewSQLiteQueueRepository(sqlDB, opts), func() { sqlDB.Close() }, nil
	}
}
