package migrate

import (
	"context"
	"os"
	"testing"

	"github.com/jackc/pgx/v5/pgxpool"
)

func testPool(t *testing.T) *pgxpool.Pool {
	t.Helper()
	url := os.Getenv("EMBER_TEST_DATABASE_URL")
	if url == "" {
		t.Skip("EMBER_TEST_DATABASE_URL not set, skipping Postgres-backed test")
	}
	pool, err := pgxpool.New(context.Background(), url)
	if err != nil {
		t.Fatalf("failed to open pool: %v", err)
	}
	t.Cleanup(pool.Close)
	return pool
}

func TestMigrate(t *testing.T) {
	pool := testPool(t)
	ctx := context.Background()

	if err := Migrate(ctx, pool); err != nil {
		t.Fatalf("Migrate failed: %v", err)
	}

	var tableName string
	err := pool.QueryRow(ctx,
		"SELECT table_name FROM information_schema.tables WHERE table_name = 'jobs'",
	).Scan(&tableName)
	if err != nil {
		t.Fatalf("jobs table does not exist: %v", err)
	}
	if tableName != "jobs" {
		t.Errorf("expected table name 'jobs', got %q", tableName)
	}

	var count int
	err = pool.QueryRow(ctx,
		"SELECT count(*) FROM schema_migrations WHERE version = '0001_init.sql'",
	).Scan(&count)
	if err != nil {
		t.Fatalf("failed to query schema_migrations: %v", err)
	}
	if count != 1 {
		t.Errorf("expected 1 migration entry, got %d", count)
	}

	// Running again must be idempotent.
	if err := Migrate(ctx, pool); err != nil {
		t.Fatalf("second Migrate call failed: %v", err)
	}
}
