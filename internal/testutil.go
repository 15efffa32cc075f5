package internal

import (
	"context"
	"fmt"
	"os"
	"testing"
	"time"

	"github.com/jackc/pgx/v5"
	"github.com/testcontainers/testcontainers-go"
	"github.com/testcontainers/testcontainers-go/modules/postgres"
	"github.com/testcontainers/testcontainers-go/wait"
)

// DatabaseURLEnv is the environment variable tests read the database
// connection string from.
const DatabaseURLEnv = "TEST_DATABASE_URL"

// EnsureDatabase makes sure TEST_DATABASE_URL points at a reachable
// PostgreSQL server. When the variable is unset it starts a disposable
// container and exports its connection string. The returned function stops
// that container and is a no-op otherwise.
func EnsureDatabase(ctx context.Context) (func(), error) {
	if os.Getenv(DatabaseURLEnv) != "" {
		return func() {}, nil
	}

	container, err := postgres.Run(ctx,
		"postgres:16-alpine",
		postgres.WithDatabase("pgfixture"),
		postgres.WithUsername("postgres"),
		postgres.WithPassword("postgres"),
		testcontainers.WithWaitStrategy(
			wait.ForLog("database system is ready to accept connections").
				WithOccurrence(2).
				WithStartupTimeout(2*time.Minute),
		),
	)
	if err != nil {
		return nil, fmt.Errorf("failed to start postgres container: %w", err)
	}
	terminate := func() {
		_ = container.Terminate(context.Background())
	}

	connString, err := container.ConnectionString(ctx, "sslmode=disable")
	if err != nil {
		terminate()
		return nil, fmt.Errorf("failed to get container connection string: %w", err)
	}
	if err := os.Setenv(DatabaseURLEnv, connString); err != nil {
		terminate()
		return nil, fmt.Errorf("failed to export %s: %w", DatabaseURLEnv, err)
	}
	return func() {
		_ = os.Unsetenv(DatabaseURLEnv)
		terminate()
	}, nil
}

// ConnString returns the test database connection string.
func ConnString() string {
	return os.Getenv(DatabaseURLEnv)
}

// MustGetConnectionWithCleanup returns a connection to the test database
// that is closed when the test completes. It is independent from any
// connection the code under test opens.
func MustGetConnectionWithCleanup(t *testing.T) *pgx.Conn {
	t.Helper()
	ctx := context.Background()
	conn, err := pgx.Connect(ctx, ConnString())
	if err != nil {
		t.Fatalf("failed to connect to database: %v", err)
	}
	t.Cleanup(func() { _ = conn.Close(ctx) })
	return conn
}

// CountBackends returns the number of server sessions connected to the
// current database with the given application_name.
func CountBackends(ctx context.Context, conn *pgx.Conn, applicationName string) (int, error) {
	var n int
	err := conn.QueryRow(ctx,
		`SELECT count(*) FROM pg_stat_activity WHERE datname = current_database() AND application_name = $1`,
		applicationName,
	).Scan(&n)
	return n, err
}
