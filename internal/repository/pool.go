// Package repository persists the pipeline's entities to Postgres via pgx.
// Only the invariants the pipeline requires are modeled — no full schema
// is implied.
package repository

import (
	"context"
	"fmt"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgconn"
	"github.com/jackc/pgx/v5/pgxpool"
)

// DBPool is the connection-pool abstraction the repositories run on, so
// unit tests can substitute pgxmock for a live pgxpool.Pool.
type DBPool interface {
	Begin(ctx context.Context) (pgx.Tx, error)
	Query(ctx context.Context, sql string, args ...interface{}) (pgx.Rows, error)
	QueryRow(ctx context.Context, sql string, args ...interface{}) pgx.Row
	Exec(ctx context.Context, sql string, arguments ...any) (pgconn.CommandTag, error)
	Close()
}

// Config configures the Postgres connection the pipeline persists to.
type Config struct {
	PostgresURL string
}

// Open connects to Postgres and returns a ready-to-use pool, pinging once
// so misconfiguration surfaces at startup rather than first query.
func Open(ctx context.Context, cfg Config) (*pgxpool.Pool, error) {
	pool, err := pgxpool.New(ctx, cfg.PostgresURL)
	if err != nil {
		return nil, fmt.Errorf("repository: connect: %w", err)
	}
	if err := pool.Ping(ctx); err != nil {
		pool.Close()
		return nil, fmt.Errorf("repository: ping: %w", err)
	}
	return pool, nil
}

// Health reports whether pool is reachable.
func Health(ctx context.Context, pool DBPool) error {
	var ok int
	row := pool.QueryRow(ctx, "SELECT 1")
	if err := row.Scan(&ok); err != nil {
		return fmt.Errorf("repository: unhealthy: %w", err)
	}
	return nil
}
