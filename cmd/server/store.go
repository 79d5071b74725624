package main

import (
	"context"
	"fmt"

	"github.com/pressly/goose/v3"
	"github.com/sirupsen/logrus"

	"safetypatrol/internal/adapters/memory"
	"safetypatrol/internal/adapters/postgres"
	"safetypatrol/internal/adapters/sqlite"
	"safetypatrol/internal/config"
	"safetypatrol/internal/ports"
)

// openStore opens the configured record store. The returned func releases
// it and must be called once the syncer has stopped.
func openStore(ctx context.Context, cfg config.Config, log logrus.FieldLogger) (ports.RecordStore, func(), error) {
	switch cfg.StoreDriver {
	case config.DriverPostgres:
		db, err := postgres.Connect(ctx, cfg.DatabaseURL, int32(cfg.DerivationConcurrency+4))
		if err != nil {
			return nil, nil, fmt.Errorf("db connect: %w", err)
		}
		if err := logMigrations(ctx, log, db.Migrate); err != nil {
			db.Close()
			return nil, nil, err
		}
		store := postgres.NewStore(db, log)
		return store, func() {
			store.Close()
			db.Close()
		}, nil

	case config.DriverSQLite:
		store, err := sqlite.Open(ctx, cfg.SQLitePath)
		if err != nil {
			return nil, nil, err
		}
		if err := logMigrations(ctx, log, store.Migrate); err != nil {
			_ = store.Close()
			return nil, nil, err
		}
		return store, func() {
			if err := store.Close(); err != nil {
				log.WithError(err).Warn("close sqlite")
			}
		}, nil

	case config.DriverMemory:
		log.Warn("using the in-memory store; data is lost on exit")
		store := memory.New()
		return store, store.Close, nil
	}
	return nil, nil, fmt.Errorf("unknown store driver %q", cfg.StoreDriver)
}

func logMigrations(ctx context.Context, log logrus.FieldLogger, up func(context.Context) ([]*goose.MigrationResult, error)) error {
	results, err := up(ctx)
	if err != nil {
		return fmt.Errorf("migrate: %w", err)
	}
	for _, r := range results {
		log.WithFields(logrus.Fields{"version": r.Source.Version, "duration": r.Duration}).Info("migration applied")
	}
	return nil
}
