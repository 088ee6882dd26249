package testutil

import (
	"context"
	"fmt"
	"strings"
	"testing"
	"time"

	"github.com/jackc/pgx/v5/pgxpool"
	"github.com/testcontainers/testcontainers-go"
	"github.com/testcontainers/testcontainers-go/modules/postgres"
	"github.com/testcontainers/testcontainers-go/wait"
)

// NewTestShardDSNs starts one Postgres container and creates an empty database
// per shard key in it. The container is terminated when the test finishes.
// Callers apply migrations themselves so each shard gets its own id base.
func NewTestShardDSNs(t *testing.T, keys ...int) map[int]string {
	t.Helper()

	dsns, terminate, err := StartShardDatabases(context.Background(), keys...)
	if err != nil {
		t.Fatalf("Failed to start shard databases: %v", err)
	}
	t.Cleanup(func() {
		if err := terminate(); err != nil {
			t.Errorf("Failed to terminate container: %v", err)
		}
	})
	return dsns
}

// StartShardDatabases is NewTestShardDSNs outside of a test. The caller runs terminate.
func StartShardDatabases(ctx context.Context, keys ...int) (dsns map[int]string, terminate func() error, err error) {
	if len(keys) == 0 {
		keys = []int{0}
	}

	postgresContainer, err := postgres.Run(ctx,
		"postgres:16-alpine",
		postgres.WithDatabase("mailsync_test"),
		postgres.WithUsername("mailsync"),
		postgres.WithPassword("mailsync"),
		testcontainers.WithWaitStrategy(
			wait.ForLog("database system is ready to accept connections").
				WithOccurrence(2).
				WithStartupTimeout(60*time.Second),
		),
	)
	if err != nil {
		return nil, nil, fmt.Errorf("failed to start Postgres container: %w", err)
	}
	terminate = func() error {
		return postgresContainer.Terminate(context.WithoutCancel(ctx))
	}

	connStr, err := postgresContainer.ConnectionString(ctx, "sslmode=disable")
	if err != nil {
		_ = terminate()
		return nil, nil, fmt.Errorf("failed to get connection string: %w", err)
	}

	admin, err := pgxpool.New(ctx, connStr)
	if err != nil {
		_ = terminate()
		return nil, nil, fmt.Errorf("failed to connect to Postgres: %w", err)
	}
	defer admin.Close()

	dsns = make(map[int]string, len(keys))
	for _, key := range keys {
		name := fmt.Sprintf("shard_%d", key)
		if _, err := admin.Exec(ctx, "CREATE DATABASE "+name); err != nil {
			_ = terminate()
			return nil, nil, fmt.Errorf("failed to create database %s: %w", name, err)
		}
		dsns[key] = strings.Replace(connStr, "/mailsync_test?", "/"+name+"?", 1)
	}
	return dsns, terminate, nil
}

// NewTestPool connects to dsn and closes the pool when the test finishes.
func NewTestPool(t *testing.T, dsn string) *pgxpool.Pool {
	t.Helper()

	poolConfig, err := pgxpool.ParseConfig(dsn)
	if err != nil {
		t.Fatalf("Failed to parse connection string: %v", err)
	}
	poolConfig.MaxConns = 10

	pool, err := pgxpool.NewWithConfig(context.Background(), poolConfig)
	if err != nil {
		t.Fatalf("Failed to create connection pool: %v", err)
	}
	t.Cleanup(pool.Close)
	return pool
}
