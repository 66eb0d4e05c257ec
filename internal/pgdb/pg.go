// Package pgdb opens pgxpool connection pools sized for their caller: a
// small pool per ETL process (single-writer batch jobs), and a larger
// shared pool for the webhook HTTP server.
package pgdb

import (
	"context"
	"time"

	"github.com/jackc/pgx/v5/pgxpool"
	"github.com/rs/zerolog/log"
)

func open(ctx context.Context, url string, maxConns, minConns int32) (*pgxpool.Pool, error) {
	cfg, err := pgxpool.ParseConfig(url)
	if err != nil {
		return nil, err
	}

	cfg.MaxConns = maxConns
	cfg.MinConns = minConns
	cfg.MaxConnLifetime = time.Hour
	cfg.MaxConnIdleTime = 30 * time.Minute
	cfg.HealthCheckPeriod = time.Minute

	pool, err := pgxpool.NewWithConfig(ctx, cfg)
	if err != nil {
		return nil, err
	}

	if err := pool.Ping(ctx); err != nil {
		pool.Close()
		return nil, err
	}

	log.Info().
		Int32("max_conns", cfg.MaxConns).
		Int32("min_conns", cfg.MinConns).
		Msg("postgres connection pool created")

	return pool, nil
}

// OpenETLPool opens the small pool (4 max conns, no minimum) each
// standalone ETL process uses.
func OpenETLPool(ctx context.Context, url string) (*pgxpool.Pool, error) {
	return open(ctx, url, 4, 0)
}

// OpenAppPool opens the larger pool shared by concurrent webhook handlers.
func OpenAppPool(ctx context.Context, url string) (*pgxpool.Pool, error) {
	return open(ctx, url, 20, 2)
}
