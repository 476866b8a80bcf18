// Package db owns the postgres connection pool used by the durable memory
// backends. Redis carries everything else; the pool is only opened when a
// run's memory config asks for a durable guarantee.
package db

import (
	"context"
	"time"

	"github.com/jackc/pgx/v5/pgxpool"

	"github.com/lyzr/flowcore/common/config"
	"github.com/lyzr/flowcore/common/errs"
	"github.com/lyzr/flowcore/common/logger"
)

const (
	connectTimeout = 5 * time.Second
	pingTimeout    = 3 * time.Second
)

// DB wraps pgxpool so callers get Query/Exec/QueryRow directly.
type DB struct {
	*pgxpool.Pool
	log *logger.Logger
}

// New opens the pool and verifies the server is reachable before returning.
func New(ctx context.Context, cfg *config.Config, log *logger.Logger) (*DB, error) {
	poolConfig, err := pgxpool.ParseConfig(cfg.DatabaseURL())
	if err != nil {
		return nil, errs.Wrap(errs.Validation, "parse database URL", err)
	}

	poolConfig.MaxConns = int32(cfg.Database.MaxConns)
	poolConfig.MinConns = int32(cfg.Database.MinConns)
	poolConfig.MaxConnLifetime = cfg.Database.MaxLifetime
	poolConfig.MaxConnIdleTime = cfg.Database.MaxIdleTime

	pool, err := pgxpool.NewWithConfig(ctx, poolConfig)
	if err != nil {
		return nil, errs.Wrap(errs.Upstream, "create connection pool", err)
	}

	pingCtx, cancel := context.WithTimeout(ctx, connectTimeout)
	defer cancel()
	if err := pool.Ping(pingCtx); err != nil {
		pool.Close()
		return nil, errs.Wrap(errs.Upstream, "ping database", err)
	}

	log.Info("database connected",
		"host", cfg.Database.Host,
		"db", cfg.Database.Database,
		"max_conns", cfg.Database.MaxConns)

	return &DB{Pool: pool, log: log}, nil
}

// Close drains and closes the pool.
func (db *DB) Close() {
	db.log.Info("closing database connection pool")
	db.Pool.Close()
}

// Health reports whether the database answers a ping within the health
// deadline. Used by the service health endpoint.
func (db *DB) Health(ctx context.Context) error {
	ctx, cancel := context.WithTimeout(ctx, pingTimeout)
	defer cancel()
	if err := db.Pool.Ping(ctx); err != nil {
		return errs.Wrap(errs.Upstream, "database ping", err)
	}
	return nil
}
