package testutil

import (
	"context"
	"os"
	"testing"

	"github.com/jackc/pgx/v5/pgxpool"
)

// RequirePostgres connects to TEST_DATABASE_URL and resets the public
// schema, skipping the test when the variable is unset. This gateway
// targets an operator-provided Postgres only (no embedded dev-mode
// database), so integration tests dial a real instance rather than
// spinning one up in-process.
func RequirePostgres(t *testing.T, ctx context.Context) *pgxpool.Pool {
	t.Helper()
	url := os.Getenv("TEST_DATABASE_URL")
	if url == "" {
		t.Skip("TEST_DATABASE_URL not set, skipping integration test")
	}

	pool, err := pgxpool.New(ctx, url)
	NoError(t, err)
	t.Cleanup(pool.Close)

	_, err = pool.Exec(ctx, "DROP SCHEMA public CASCADE; CREATE SCHEMA public")
	NoError(t, err)

	return pool
}
