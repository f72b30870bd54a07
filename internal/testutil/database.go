package testutil

import (
	"context"
	"testing"
	"time"

	"github.com/jackc/pgx/v5/pgxpool"
	"github.com/stretchr/testify/require"
	"github.com/testcontainers/testcontainers-go"
	"github.com/testcontainers/testcontainers-go/modules/postgres"
	"github.com/testcontainers/testcontainers-go/wait"
)

// MigrateFunc applies the schema to the database reachable at dsn.
type MigrateFunc func(ctx context.Context, dsn string) error

// SkipIfShort skips container-backed tests under `go test -short`.
func SkipIfShort(t *testing.T) {
	t.Helper()
	if testing.Short() {
		t.Skip("skipping container test in short mode")
	}
}

func SetupTestDatabase(t *testing.T, ctx context.Context, migrate MigrateFunc) (testcontainers.Container, *pgxpool.Pool) {
	pgContainer, err := postgres.RunContainer(ctx,
		testcontainers.WithImage("postgres:15"),
		postgres.WithDatabase("deployq_test"),
		postgres.WithUsername("test"),
		postgres.WithPassword("test"),
		testcontainers.WithWaitStrategy(
			wait.ForLog("database system is ready to accept connections").
				WithOccurrence(2).
				WithStartupTimeout(30*time.Second)),
	)
	require.NoError(t, err)

	connStr, err := pgContainer.ConnectionString(ctx, "sslmode=disable")
	require.NoError(t, err)

	require.NoError(t, migrate(ctx, connStr))

	pool, err := pgxpool.New(ctx, connStr)
	require.NoError(t, err)

	return pgContainer, pool
}

func CleanupTestDatabase(t *testing.T, ctx context.Context, container testcontainers.Container, pool *pgxpool.Pool) {
	if pool != nil {
		pool.Close()
	}
	if container != nil {
		err := container.Terminate(ctx)
		require.NoError(t, err)
	}
}

func TruncateTables(t *testing.T, ctx context.Context, pool *pgxpool.Pool) {
	_, err := pool.Exec(ctx, "TRUNCATE TABLE deployments")
	require.NoError(t, err)
}
