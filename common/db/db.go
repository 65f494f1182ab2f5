// Package db opens the Postgres pool that backs the scale and source
// repositories.
package db

import (
	"context"
	"fmt"
	"time"

	"github.com/jackc/pgx/v5/pgxpool"

	"github.com/lyzr/imagescale/common/config"
	"github.com/lyzr/imagescale/common/logger"
)

// DB is a pgx pool whose schema is current once New returns
type DB struct {
	*pgxpool.Pool
	log *logger.Logger
}

// New connects to Postgres and, with AutoMigrate set, brings the
// scale_entry and source_field tables up to date
func New(ctx context.Context, cfg *config.Config, log *logger.Logger) (*DB, error) {
	pool, err := connect(ctx, cfg.DatabaseURL(), cfg.Database)
	if err != nil {
		return nil, err
	}

	db := &DB{Pool: pool, log: log.WithFields(map[string]any{"component": "db"})}
	if cfg.Database.AutoMigrate {
		if err := db.Migrate(ctx); err != nil {
			pool.Close()
			return nil, err
		}
	}

	db.log.Info("database ready",
		"host", cfg.Database.Host,
		"db", cfg.Database.Database,
		"max_conns", cfg.Database.MaxConns,
		"migrated", cfg.Database.AutoMigrate)
	return db, nil
}

func connect(ctx context.Context, url string, cfg config.DatabaseConfig) (*pgxpool.Pool, error) {
	poolConfig, err := pgxpool.ParseConfig(url)
	if err != nil {
		return nil, fmt.Errorf("parse database URL: %w", err)
	}
	poolConfig.MaxConns = int32(cfg.MaxConns)
	poolConfig.MinConns = int32(cfg.MinConns)
	poolConfig.MaxConnLifetime = cfg.MaxLifetime
	poolConfig.MaxConnIdleTime = cfg.MaxIdleTime

	pool, err := pgxpool.NewWithConfig(ctx, poolConfig)
	if err != nil {
		return nil, fmt.Errorf("create connection pool: %w", err)
	}

	pingCtx, cancel := context.WithTimeout(ctx, 5*time.Second)
	defer cancel()
	if err := pool.Ping(pingCtx); err != nil {
		pool.Close()
		return nil, fmt.Errorf("ping database: %w", err)
	}
	return pool, nil
}

// Close closes the pool
func (db *DB) Close() {
	db.log.Info("closing database connection pool")
	db.Pool.Close()
}

// Health pings the database
func (db *DB) Health(ctx context.Context) error {
	ctx, cancel := context.WithTimeout(ctx, 3*time.Second)
	defer cancel()

	return db.Pool.Ping(ctx)
}
