// Package database owns the pgx connection pool and the embedded
// goose migrations.
package database

import (
	"context"
	"fmt"

	"github.com/jackc/pgx/v5/pgxpool"
	"github.com/jackc/pgx/v5/stdlib"
	"github.com/pressly/goose/v3"

	"github.com/docflow/docflow/internal/config"
)

// Connect builds the pgx pool from configuration and verifies
// connectivity.
func Connect(ctx context.Context, cfg *config.Config) (*pgxpool.Pool, error) {
	poolCfg, err := pgxpool.ParseConfig(cfg.Database.ConnString())
	if err != nil {
		return nil, fmt.Errorf("parse database config: %w", err)
	}

	poolCfg.MaxConns = int32(cfg.Database.Pool.MaxConns)
	poolCfg.MinConns = int32(cfg.Database.Pool.MinConns)
	poolCfg.MaxConnLifetime = cfg.Database.Pool.MaxConnLifetime()
	poolCfg.MaxConnIdleTime = cfg.Database.Pool.MaxConnIdleTime()
	poolCfg.HealthCheckPeriod = cfg.Database.Pool.HealthCheckPeriod()

	pool, err := pgxpool.NewWithConfig(ctx, poolCfg)
	if err != nil {
		return nil, fmt.Errorf("create connection pool: %w", err)
	}

	if err := pool.Ping(ctx); err != nil {
		pool.Close()
		return nil, fmt.Errorf("ping database: %w", err)
	}

	return pool, nil
}

// RunMigrations runs all pending migrations using the SQL files
// compiled into the binary. goose drives a database/sql handle, so the
// pool's config is adapted through pgx stdlib.
func RunMigrations(pool *pgxpool.Pool) error {
	db := stdlib.OpenDBFromPool(pool)
	defer db.Close()

	goose.SetBaseFS(EmbeddedMigrations)

	if err := goose.SetDialect("postgres"); err != nil {
		return fmt.Errorf("failed to set goose dialect: %w", err)
	}

	if err := goose.Up(db, "migrations"); err != nil {
		return fmt.Errorf("failed to run goose migrations: %w", err)
	}

	return nil
}
