//go:build integration

package repository

import (
	"context"
	"testing"
	"time"

	"github.com/jackc/pgx/v5/pgxpool"
	"github.com/testcontainers/testcontainers-go"
	"github.com/testcontainers/testcontainers-go/modules/postgres"
	"github.com/testcontainers/testcontainers-go/wait"
)

// testPostgres is a disposable Postgres instance for tests that need the
// real pgx wire protocol rather than pgxmock's expectation matching
// (transactions, batches, FILTER aggregates).
type testPostgres struct {
	container *postgres.PostgresContainer
	pool      *pgxpool.Pool
}

func setupTestPostgres(t *testing.T) *testPostgres {
	t.Helper()
	ctx := context.Background()

	container, err := postgres.Run(ctx,
		"postgres:16-alpine",
		postgres.WithDatabase("quote_pipeline_test"),
		postgres.WithUsername("test"),
		postgres.WithPassword("test"),
		testcontainers.WithWaitStrategy(
			wait.ForLog("database system is ready to accept connections").
				WithOccurrence(2).
				WithStartupTimeout(60*time.Second)),
	)
	if err != nil {
		t.Fatalf("start postgres container: %v", err)
	}

	connStr, err := container.ConnectionString(ctx, "sslmode=disable")
	if err != nil {
		container.Terminate(ctx)
		t.Fatalf("connection string: %v", err)
	}

	pool, err := pgxpool.New(ctx, connStr)
	if err != nil {
		container.Terminate(ctx)
		t.Fatalf("connect pool: %v", err)
	}
	if err := pool.Ping(ctx); err != nil {
		pool.Close()
		container.Terminate(ctx)
		t.Fatalf("ping: %v", err)
	}

	tc := &testPostgres{container: container, pool: pool}
	t.Cleanup(func() {
		pool.Close()
		_ = container.Terminate(context.Background())
	})

	tc.createSchema(t)
	return tc
}

// createSchema builds the minimal subset of the real schema the
// repository package's queries exercise, instead of running full
// migrations.
func (tc *testPostgres) createSchema(t *testing.T) {
	t.Helper()
	const schema = `
		CREATE TABLE quote_requests (
			id TEXT PRIMARY KEY,
			created_at TIMESTAMPTZ NOT NULL,
			input_text TEXT,
			input_image BYTEA,
			code TEXT,
			project_id TEXT,
			config_n INTEGER NOT NULL,
			config_variation_max_pct TEXT NOT NULL,
			config_max_valid_products INTEGER NOT NULL,
			config_max_block_iterations INTEGER NOT NULL,
			config_deep_lookup_retries INTEGER NOT NULL,
			config_enable_price_mismatch_validation BOOLEAN NOT NULL,
			config_location TEXT,
			config_locale TEXT,
			status TEXT NOT NULL,
			checkpoint TEXT,
			last_heartbeat TIMESTAMPTZ,
			worker_id TEXT,
			attempt_number INTEGER NOT NULL DEFAULT 0,
			resume_data JSONB,
			natureza TEXT,
			claude_payload_json TEXT,
			search_response_raw BYTEA,
			valor_min TEXT,
			valor_max TEXT,
			valor_avg TEXT,
			variation_pct TEXT,
			error_message TEXT,
			pdf_file_id TEXT,
			started_at TIMESTAMPTZ,
			completed_at TIMESTAMPTZ,
			batch_id TEXT,
			batch_index INTEGER
		);

		CREATE TABLE quote_sources (
			request_id TEXT NOT NULL REFERENCES quote_requests(id),
			url TEXT NOT NULL,
			domain TEXT NOT NULL,
			page_title TEXT,
			price_value TEXT NOT NULL,
			currency TEXT NOT NULL,
			extraction_method TEXT NOT NULL,
			screenshot_file_id TEXT,
			captured_at TIMESTAMPTZ NOT NULL,
			is_accepted BOOLEAN NOT NULL
		);

		CREATE TABLE quote_source_failures (
			id SERIAL PRIMARY KEY,
			request_id TEXT NOT NULL,
			url TEXT NOT NULL,
			domain TEXT NOT NULL,
			google_price TEXT,
			extracted_price TEXT,
			failure_reason TEXT NOT NULL,
			error_message TEXT,
			attempted_at TIMESTAMPTZ NOT NULL
		);

		CREATE TABLE batch_jobs (
			id TEXT PRIMARY KEY,
			project_id TEXT,
			status TEXT NOT NULL,
			total_items INTEGER NOT NULL,
			completed_items INTEGER NOT NULL DEFAULT 0,
			failed_items INTEGER NOT NULL DEFAULT 0,
			last_processed_index INTEGER NOT NULL DEFAULT 0,
			created_at TIMESTAMPTZ NOT NULL
		);

		CREATE TABLE blocked_domains (
			domain TEXT PRIMARY KEY,
			active BOOLEAN NOT NULL DEFAULT true
		);
	`
	if _, err := tc.pool.Exec(context.Background(), schema); err != nil {
		t.Fatalf("create schema: %v", err)
	}
}
