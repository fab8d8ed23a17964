package pg

import (
	"context"
	"embed"
	"fmt"
	"log/slog"

	"github.com/jackc/pgx/v5/pgxpool"
	"github.com/jackc/pgx/v5/stdlib"
	"github.com/pressly/goose/v3"
	"github.com/pressly/goose/v3/database"
)

//go:embed migrations/*.sql
var migrationsFS embed.FS

// Migrate applies the embedded schema migrations. goose speaks
// database/sql, so the pgx pool is wrapped via stdlib; the configured
// schema is created when missing and used as the search path so every
// object lands there.
func Migrate(ctx context.Context, pool *pgxpool.Pool, cfg Config, logger *slog.Logger) error {
	if pool == nil {
		return ErrConnectionFailed
	}

	if cfg.Schema != "" && cfg.Schema != "public" {
		if _, err := pool.Exec(ctx, fmt.Sprintf("CREATE SCHEMA IF NOT EXISTS %q", cfg.Schema)); err != nil {
			return fmt.Errorf("failed to create schema %s: %w", cfg.Schema, err)
		}
	}

	db := stdlib.OpenDBFromPool(pool)
	defer func() {
		if err := db.Close(); err != nil && logger != nil {
			logger.WarnContext(ctx, "failed to close migration connection", slog.Any("error", err))
		}
	}()

	if cfg.Schema != "" && cfg.Schema != "public" {
		if _, err := db.ExecContext(ctx, fmt.Sprintf("SET search_path TO %q", cfg.Schema)); err != nil {
			return fmt.Errorf("failed to set search path: %w", err)
		}
	}

	table := cfg.MigrationsTable
	if table == "" {
		table = "schema_migrations"
	}
	store, err := database.NewStore(database.DialectPostgres, table)
	if err != nil {
		return fmt.Errorf("failed to create migration store: %w", err)
	}
	provider, err := goose.NewProvider("", db, migrationsFS,
		goose.WithStore(store))
	if err != nil {
		return fmt.Errorf("failed to create migration provider: %w", err)
	}

	results, err := provider.Up(ctx)
	if err != nil {
		return fmt.Errorf("failed to apply migrations: %w", err)
	}
	if logger != nil {
		for _, r := range results {
			logger.InfoContext(ctx, "migration applied",
				slog.String("source", r.Source.Path),
				slog.Duration("duration", r.Duration))
		}
	}
	return nil
}
