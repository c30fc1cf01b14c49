package app

import (
	"context"
	"fmt"
	"log/slog"
	"time"

	"github.com/jackc/pgx/v5/pgxpool"

	"pulse/cmd/internal/pgschema"
)

// NewDBPool builds a pgxpool and validates connectivity. With db.migrate set
// it also applies the embedded schema.
func NewDBPool(ctx context.Context, cfg DBConfig, log *slog.Logger) (*pgxpool.Pool, error) {
	pcfg, err := pgxpool.ParseConfig(cfg.URL)
	if err != nil {
		return nil, fmt.Errorf("parse db url: %w", err)
	}
	if cfg.MaxConns > 0 {
		pcfg.MaxConns = cfg.MaxConns
	}
	if cfg.MinConns >= 0 {
		pcfg.MinConns = cfg.MinConns
	}

	pool, err := pgxpool.NewWithConfig(ctx, pcfg)
	if err != nil {
		return nil, err
	}

	if err := PingDB(ctx, pool, 3*time.Second); err != nil {
		pool.Close()
		return nil, fmt.Errorf("db ping: %w", err)
	}

	if cfg.Migrate {
		if err := pgschema.Apply(ctx, pool, schemaName(cfg)); err != nil {
			pool.Close()
			return nil, err
		}
		log.Info("db.migrate.ok", "schema", schemaName(cfg))
	}
	return pool, nil
}

// PingDB checks if a connection can be acquired within timeout.
func PingDB(parent context.Context, pool *pgxpool.Pool, timeout time.Duration) error {
	ctx, cancel := context.WithTimeout(parent, timeout)
	defer cancel()

	conn, err := pool.Acquire(ctx)
	if err != nil {
		return err
	}
	defer conn.Release()
	return conn.Ping(ctx)
}

func schemaName(cfg DBConfig) string {
	if cfg.Schema == "" {
		return pgschema.DefaultSchema
	}
	return cfg.Schema
}
