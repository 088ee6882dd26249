package db

import (
	"context"
	"fmt"
	"time"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgconn"
	"github.com/jackc/pgx/v5/pgxpool"

	"github.com/vdavid/mailsync/internal/shard"
)

// DBTX is satisfied by *pgxpool.Pool, *pgxpool.Conn and pgx.Tx.
type DBTX interface {
	Exec(ctx context.Context, sql string, args ...any) (pgconn.CommandTag, error)
	Query(ctx context.Context, sql string, args ...any) (pgx.Rows, error)
	QueryRow(ctx context.Context, sql string, args ...any) pgx.Row
}

// NewConnection creates a new PostgreSQL connection pool for one shard.
func NewConnection(ctx context.Context, dsn string) (*pgxpool.Pool, error) {
	poolConfig, err := pgxpool.ParseConfig(dsn)
	if err != nil {
		return nil, fmt.Errorf("failed to parse database URL: %w", err)
	}

	poolConfig.MaxConns = 25
	poolConfig.MinConns = 2
	poolConfig.MaxConnLifetime = time.Hour
	poolConfig.MaxConnIdleTime = 30 * time.Minute
	poolConfig.HealthCheckPeriod = 1 * time.Minute

	pool, err := pgxpool.NewWithConfig(ctx, poolConfig)
	if err != nil {
		return nil, fmt.Errorf("failed to create connection pool: %w", err)
	}

	if err := pool.Ping(ctx); err != nil {
		pool.Close()
		return nil, fmt.Errorf("failed to ping database: %w", err)
	}

	return pool, nil
}

// OpenShards connects to every shard and returns the router over them.
func OpenShards(ctx context.Context, dsns map[int]string) (*shard.Engine, error) {
	pools := make(map[int]*pgxpool.Pool, len(dsns))
	closeAll := func() {
		for _, p := range pools {
			p.Close()
		}
	}

	for key, dsn := range dsns {
		pool, err := NewConnection(ctx, dsn)
		if err != nil {
			closeAll()
			return nil, fmt.Errorf("shard %d: %w", key, err)
		}
		pools[key] = pool
	}

	engine, err := shard.NewEngine(pools)
	if err != nil {
		closeAll()
		return nil, err
	}
	return engine, nil
}

// withTx runs fn in a transaction, committing when it returns nil.
func withTx(ctx context.Context, pool *pgxpool.Pool, fn func(pgx.Tx) error) error {
	tx, err := pool.Begin(ctx)
	if err != nil {
		return fmt.Errorf("failed to begin transaction: %w", err)
	}
	defer func() {
		_ = tx.Rollback(ctx)
	}()

	if err := fn(tx); err != nil {
		return err
	}
	if err := tx.Commit(ctx); err != nil {
		return fmt.Errorf("failed to commit transaction: %w", err)
	}
	return nil
}

// LockNamespace takes the namespace write lock for the rest of tx. Sync code and
// local mutations both hold it while touching thread and label membership.
func LockNamespace(ctx context.Context, tx pgx.Tx, namespaceID int64) error {
	if _, err := tx.Exec(ctx, `SELECT pg_advisory_xact_lock($1)`, namespaceID); err != nil {
		return fmt.Errorf("failed to lock namespace %d: %w", namespaceID, err)
	}
	return nil
}
