package postgres

import (
	"context"
	"flag"
	"fmt"
	"os"
	"testing"
	"time"

	"github.com/testcontainers/testcontainers-go"
	tcpostgres "github.com/testcontainers/testcontainers-go/modules/postgres"
	"github.com/testcontainers/testcontainers-go/wait"
)

// Shared PostgreSQL container for the package's integration tests,
// started once in TestMain. Run with -short to skip them.
var (
	sharedStore   *Store
	sharedConnStr string
)

func TestMain(m *testing.M) {
	flag.Parse()
	if testing.Short() {
		os.Exit(0)
	}

	ctx := context.Background()

	// PostgreSQL logs "ready to accept connections" twice during startup
	// (once during bootstrap, once when fully ready).
	container, err := tcpostgres.Run(ctx,
		"postgres:16-alpine",
		tcpostgres.WithDatabase("sqlbus_test"),
		tcpostgres.WithUsername("sqlbus_test"),
		tcpostgres.WithPassword("sqlbus_test"),
		testcontainers.WithWaitStrategyAndDeadline(5*time.Minute,
			wait.ForLog("database system is ready to accept connections").
				WithOccurrence(2),
			wait.ForListeningPort("5432/tcp"),
		),
	)
	if err != nil {
		fmt.Fprintf(os.Stderr, "failed to start postgres container: %v\n", err)
		os.Exit(1)
	}

	sharedConnStr, err = container.ConnectionString(ctx, "sslmode=disable")
	if err != nil {
		fmt.Fprintf(os.Stderr, "failed to get connection string: %v\n", err)
		_ = container.Terminate(ctx)
		os.Exit(1)
	}

	sharedStore, err = Open(ctx, &Config{
		StoreID:                "test",
		ConnString:             sharedConnStr,
		MaxConns:               10,
		EnableSchemaDeployment: true,
	})
	if err != nil {
		fmt.Fprintf(os.Stderr, "failed to open store: %v\n", err)
		_ = container.Terminate(ctx)
		os.Exit(1)
	}

	code := m.Run()

	sharedStore.Close()
	_ = container.Terminate(ctx)
	os.Exit(code)
}

// newTestStore truncates every table and hands back the shared store.
// Tests in this package must not run in parallel.
func newTestStore(t *testing.T) *Store {
	t.Helper()

	if sharedStore == nil {
		t.Fatal("shared test container not initialized - TestMain() not run?")
	}

	_, err := sharedStore.Pool().Exec(context.Background(), `
		TRUNCATE outbox, inbox, timers, jobs, job_runs,
			outbox_joins, outbox_join_members, leases,
			semaphores, semaphore_leases,
			fanout_policies, fanout_cursors, fanout_expansions,
			scheduler_state
		RESTART IDENTITY CASCADE`)
	if err != nil {
		t.Fatalf("failed to reset tables: %v", err)
	}
	return sharedStore
}
