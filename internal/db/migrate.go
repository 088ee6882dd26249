package db

import (
	"context"
	"fmt"
	"io/fs"
	"sort"

	"github.com/jackc/pgx/v5/pgxpool"

	"github.com/vdavid/mailsync/internal/shard"
	"github.com/vdavid/mailsync/migrations"
)

// shardedTables have identity ids that must start at the shard's id base.
var shardedTables = []string{
	"accounts",
	"folders",
	"threads",
	"messages",
	"message_parts",
	"imapuids",
	"actionlog",
}

// Migrate applies the embedded migrations to one shard and seeds its sequences
// at (shardKey << 48) + 1. Both steps are idempotent.
func Migrate(ctx context.Context, pool *pgxpool.Pool, shardKey int) error {
	names, err := fs.Glob(migrations.FS, "*.up.sql")
	if err != nil {
		return fmt.Errorf("failed to list migrations: %w", err)
	}
	sort.Strings(names)

	for _, name := range names {
		sql, err := fs.ReadFile(migrations.FS, name)
		if err != nil {
			return fmt.Errorf("failed to read migration %s: %w", name, err)
		}
		if _, err := pool.Exec(ctx, string(sql)); err != nil {
			return fmt.Errorf("failed to execute migration %s: %w", name, err)
		}
	}

	return SeedSequences(ctx, pool, shardKey)
}

// SeedSequences moves every id sequence of the shard to its id base, or past the
// highest existing id when rows already exist.
func SeedSequences(ctx context.Context, pool *pgxpool.Pool, shardKey int) error {
	base := shard.IDBase(shardKey)
	for _, table := range shardedTables {
		_, err := pool.Exec(ctx, fmt.Sprintf(`
			SELECT setval(
				pg_get_serial_sequence('%[1]s', 'id'),
				GREATEST($1::bigint, (SELECT COALESCE(MAX(id), 0) + 1 FROM %[1]s)),
				false
			)`, table), base)
		if err != nil {
			return fmt.Errorf("failed to seed sequence of %s: %w", table, err)
		}
	}
	return nil
}

// MigrateAll migrates every shard of the engine.
func MigrateAll(ctx context.Context, engine *shard.Engine) error {
	for _, key := range engine.Keys() {
		pool, err := engine.Pool(key)
		if err != nil {
			return err
		}
		if err := Migrate(ctx, pool, key); err != nil {
			return fmt.Errorf("shard %d: %w", key, err)
		}
	}
	return nil
}
