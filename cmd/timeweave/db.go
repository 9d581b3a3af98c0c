package main

import (
	"context"
	"fmt"

	"go.uber.org/zap"

	"timeweave/internal/config"
	"timeweave/internal/store"
	"timeweave/internal/store/badger"
	"timeweave/internal/store/memory"
	"timeweave/internal/store/postgres"
	"timeweave/internal/store/sqlite"
)

// openStore picks the backend from the DSN scheme and makes sure the main timeline exists.
func openStore(ctx context.Context, cfg *config.ProjectConfig, logger *zap.Logger) (store.Store, error) {
	dsn, err := store.ParseDSN(cfg.Database.DSN)
	if err != nil {
		return nil, err
	}

	var s store.Store
	switch dsn.Backend {
	case store.BackendMemory:
		s = memory.New()
	case store.BackendSQLite:
		s, err = sqlite.New(ctx, dsn.Raw, logger.Named("sqlite"))
	case store.BackendPostgres:
		s, err = postgres.New(ctx, dsn.Raw, logger.Named("postgres"))
	case store.BackendBadger:
		var bcfg badger.Config
		bcfg, err = badger.ConfigFromDSN(dsn.Raw)
		if err == nil {
			bcfg.Logger = logger.Named("badger")
			s, err = badger.New(bcfg)
		}
	}
	if err != nil {
		return nil, err
	}

	if err := s.EnsureSchema(ctx); err != nil {
		s.Close(ctx)
		return nil, fmt.Errorf("ensuring schema: %w", err)
	}
	if err := store.EnsureMainTimeline(ctx, s); err != nil {
		s.Close(ctx)
		return nil, fmt.Errorf("ensuring main timeline: %w", err)
	}
	return s, nil
}
