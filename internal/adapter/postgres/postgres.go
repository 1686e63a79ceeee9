// Package postgres provides the PostgreSQL task registry together with its
// connection pool and migration runner.
package postgres

import (
	"context"
	"database/sql"
	"embed"
	"errors"
	"fmt"
	"io/fs"
	"strconv"

	"github.com/jackc/pgx/v5/pgxpool"
	_ "github.com/jackc/pgx/v5/stdlib" // database/sql driver "pgx" for goose
	"github.com/pressly/goose/v3"

	"github.com/Strob0t/AgentDeck/internal/config"
)

const applicationName = "agentdeck"

//go:embed migrations/*.sql
var migrations embed.FS

// NewPool creates the registry pool. Start holds a per-session advisory lock
// for the length of a transaction, so lock waits are bounded by
// cfg.LockTimeout instead of the caller's context alone.
func NewPool(ctx context.Context, cfg config.Postgres) (*pgxpool.Pool, error) {
	poolCfg, err := poolConfig(cfg)
	if err != nil {
		return nil, err
	}

	pool, err := pgxpool.NewWithConfig(ctx, poolCfg)
	if err != nil {
		return nil, fmt.Errorf("create pool: %w", err)
	}
	if err := pool.Ping(ctx); err != nil {
		pool.Close()
		return nil, fmt.Errorf("ping: %w", err)
	}
	return pool, nil
}

func poolConfig(cfg config.Postgres) (*pgxpool.Config, error) {
	poolCfg, err := pgxpool.ParseConfig(cfg.DSN)
	if err != nil {
		return nil, fmt.Errorf("parse dsn: %w", err)
	}

	poolCfg.MaxConns = cfg.MaxConns
	poolCfg.MinConns = cfg.MinConns
	poolCfg.MaxConnLifetime = cfg.MaxConnLifetime
	poolCfg.MaxConnIdleTime = cfg.MaxConnIdleTime
	poolCfg.HealthCheckPeriod = cfg.HealthCheck

	params := poolCfg.ConnConfig.RuntimeParams
	if params["application_name"] == "" {
		params["application_name"] = applicationName
	}
	if cfg.LockTimeout > 0 {
		params["lock_timeout"] = strconv.FormatInt(cfg.LockTimeout.Milliseconds(), 10)
	}
	return poolCfg, nil
}

// openMigrator returns a goose provider over the embedded migrations. Closing
// the provider closes its database handle.
func openMigrator(dsn string) (*goose.Provider, error) {
	db, err := sql.Open("pgx", dsn)
	if err != nil {
		return nil, fmt.Errorf("open db for migrations: %w", err)
	}
	fsys, err := fs.Sub(migrations, "migrations")
	if err != nil {
		_ = db.Close()
		return nil, fmt.Errorf("migrations fs: %w", err)
	}
	p, err := goose.NewProvider(goose.DialectPostgres, db, fsys)
	if err != nil {
		_ = db.Close()
		return nil, fmt.Errorf("migration provider: %w", err)
	}
	return p, nil
}

// RunMigrations applies all pending migrations.
func RunMigrations(ctx context.Context, dsn string) error {
	p, err := openMigrator(dsn)
	if err != nil {
		return err
	}
	defer func() { _ = p.Close() }()

	if _, err := p.Up(ctx); err != nil {
		return fmt.Errorf("run migrations: %w", err)
	}
	return nil
}

// RollbackMigrations rolls back up to steps migrations, stopping early once
// the schema is empty.
func RollbackMigrations(ctx context.Context, dsn string, steps int) error {
	p, err := openMigrator(dsn)
	if err != nil {
		return err
	}
	defer func() { _ = p.Close() }()

	for range steps {
		if _, err := p.Down(ctx); err != nil {
			if errors.Is(err, goose.ErrNoNextVersion) {
				return nil
			}
			return fmt.Errorf("rollback: %w", err)
		}
	}
	return nil
}

// MigrationVersion returns the current schema version.
func MigrationVersion(ctx context.Context, dsn string) (int64, error) {
	p, err := openMigrator(dsn)
	if err != nil {
		return 0, err
	}
	defer func() { _ = p.Close() }()

	v, err := p.GetDBVersion(ctx)
	if err != nil {
		return 0, fmt.Errorf("get version: %w", err)
	}
	return v, nil
}
