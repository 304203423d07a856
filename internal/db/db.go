// Package db owns the single pgxpool.Pool every component borrows from.
// There is no hand-rolled connection wrapper here: pgxpool already does
// health-checked acquisition and idle reclamation, so the job of this
// package is just sizing the pool sensibly and opening it once at startup.
package db

import (
	"context"
	"fmt"
	"time"

	"github.com/jackc/pgx/v5/pgxpool"
)

// recommendedPoolSize scales the pool with the worker count the way the
// teacher's recommendedSQLitePool did for its single-writer SQLite file:
// enough connections for every worker to have one in flight, capped so a
// runaway worker count doesn't exhaust the backing Postgres's connection
// limit.
func recommendedPoolSize(workerCount int) int32 {
	if workerCount <= 0 {
		workerCount = 10
	}
	switch {
	case workerCount < 8:
		return 8
	case workerCount > 64:
		return 64
	default:
		return int32(workerCount)
	}
}

// Open builds and verifies a pgxpool.Pool sized for workerCount concurrent
// lessees plus headroom for the admin API and maintenance loop.
func Open(ctx context.Context, databaseURL string, workerCount int) (*pgxpool.Pool, error) {
	cfg, err := pgxpool.ParseConfig(databaseURL)
	if err != nil {
		return nil, fmt.Errorf("parse database url: %w", err)
	}

	cfg.MaxConns = recommendedPoolSize(workerCount) + 4
	cfg.MinConns = 2
	cfg.MaxConnLifetime = time.Hour
	cfg.MaxConnIdleTime = 10 * time.Minute
	cfg.HealthCheckPeriod = 30 * time.Second

	pool, err := pgxpool.NewWithConfig(ctx, cfg)
	if err != nil {
		return nil, fmt.Errorf("open pool: %w", err)
	}

	pingCtx, cancel := context.WithTimeout(ctx, 5*time.Second)
	defer cancel()
	if err := pool.Ping(pingCtx); err != nil {
		pool.Close()
		return nil, fmt.Errorf("ping database: %w", err)
	}

	return pool, nil
}
