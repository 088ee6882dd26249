package db

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"

	"github.com/jackc/pgx/v5"

	"github.com/vdavid/mailsync/internal/models"
)

var ErrActionNotFound = errors.New("action not found")

// InsertAction appends a pending entry. Callers pass the transaction of the local
// mutation that caused it, so the entry commits together with that change.
func InsertAction(ctx context.Context, db DBTX, entry *models.ActionLogEntry) error {
	args := entry.ExtraArgs
	if len(args) == 0 {
		args = json.RawMessage(`{}`)
	}
	err := db.QueryRow(ctx, `
		INSERT INTO actionlog (namespace_id, account_id, action, record_id, table_name, extra_args)
		VALUES ($1, $2, $3, $4, $5, $6::jsonb)
		RETURNING id, status, retries, created_at, updated_at
	`,
		entry.NamespaceID,
		entry.AccountID,
		entry.Action,
		entry.RecordID,
		entry.TableName,
		string(args),
	).Scan(&entry.ID, &entry.Status, &entry.Retries, &entry.CreatedAt, &entry.UpdatedAt)
	if err != nil {
		return fmt.Errorf("failed to insert action: %w", err)
	}
	entry.ExtraArgs = args
	return nil
}

const actionColumns = `
	id, namespace_id, account_id, action, record_id, table_name, extra_args::text,
	status, retries, created_at, updated_at`

func scanAction(row pgx.Row) (*models.ActionLogEntry, error) {
	var e models.ActionLogEntry
	var args string
	err := row.Scan(
		&e.ID,
		&e.NamespaceID,
		&e.AccountID,
		&e.Action,
		&e.RecordID,
		&e.TableName,
		&args,
		&e.Status,
		&e.Retries,
		&e.CreatedAt,
		&e.UpdatedAt,
	)
	if err != nil {
		return nil, err
	}
	e.ExtraArgs = json.RawMessage(args)
	return &e, nil
}

// PendingActions returns up to limit pending entries with id above afterID, ascending.
func PendingActions(ctx context.Context, db DBTX, afterID int64, limit int) ([]*models.ActionLogEntry, error) {
	rows, err := db.Query(ctx, `
		SELECT `+actionColumns+`
		FROM actionlog
		WHERE status = 'pending' AND id > $1
		ORDER BY id
		LIMIT $2
	`, afterID, limit)
	if err != nil {
		return nil, fmt.Errorf("failed to list pending actions: %w", err)
	}
	defer rows.Close()

	var out []*models.ActionLogEntry
	for rows.Next() {
		e, err := scanAction(rows)
		if err != nil {
			return nil, fmt.Errorf("failed to scan action: %w", err)
		}
		out = append(out, e)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("error iterating actions: %w", err)
	}
	return out, nil
}

// GetAction returns one entry.
func GetAction(ctx context.Context, db DBTX, id int64) (*models.ActionLogEntry, error) {
	e, err := scanAction(db.QueryRow(ctx, `SELECT `+actionColumns+` FROM actionlog WHERE id = $1`, id))
	if errors.Is(err, pgx.ErrNoRows) {
		return nil, ErrActionNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("failed to get action: %w", err)
	}
	return e, nil
}

// MarkActionSuccessful moves a pending entry to successful.
func MarkActionSuccessful(ctx context.Context, db DBTX, id int64) error {
	_, err := db.Exec(ctx, `
		UPDATE actionlog SET status = 'successful', updated_at = NOW()
		WHERE id = $1 AND status = 'pending'
	`, id)
	if err != nil {
		return fmt.Errorf("failed to mark action successful: %w", err)
	}
	return nil
}

// RecordActionFailure counts a failed attempt. Once retries reaches maxRetries,
// or when permanent is set, the entry becomes failed and is never picked up again.
func RecordActionFailure(ctx context.Context, db DBTX, id int64, maxRetries int, permanent bool) (models.ActionStatus, int, error) {
	var status models.ActionStatus
	var retries int
	err := db.QueryRow(ctx, `
		UPDATE actionlog SET
			retries = retries + 1,
			status = CASE WHEN $3 OR retries + 1 >= $2 THEN 'failed' ELSE 'pending' END,
			updated_at = NOW()
		WHERE id = $1 AND status = 'pending'
		RETURNING status, retries
	`, id, maxRetries, permanent).Scan(&status, &retries)
	if errors.Is(err, pgx.ErrNoRows) {
		return "", 0, ErrActionNotFound
	}
	if err != nil {
		return "", 0, fmt.Errorf("failed to record action failure: %w", err)
	}
	return status, retries, nil
}

// SyncbackWatermark returns the persisted poller position of a shard.
func SyncbackWatermark(ctx context.Context, db DBTX, shardKey int) (int64, error) {
	var lastID int64
	err := db.QueryRow(ctx, `SELECT last_id FROM syncback_watermarks WHERE shard_key = $1`, shardKey).Scan(&lastID)
	if errors.Is(err, pgx.ErrNoRows) {
		return 0, nil
	}
	if err != nil {
		return 0, fmt.Errorf("failed to read syncback watermark: %w", err)
	}
	return lastID, nil
}

// AdvanceSyncbackWatermark moves the poller position to just below the oldest
// pending entry, or to the newest entry when nothing is pending. Everything at
// or below the watermark is in a terminal state.
func AdvanceSyncbackWatermark(ctx context.Context, db DBTX, shardKey int) (int64, error) {
	var lastID int64
	err := db.QueryRow(ctx, `
		INSERT INTO syncback_watermarks (shard_key, last_id)
		SELECT $1, COALESCE(
			(SELECT MIN(id) - 1 FROM actionlog WHERE status = 'pending'),
			(SELECT MAX(id) FROM actionlog),
			0
		)
		ON CONFLICT (shard_key) DO UPDATE SET
			last_id = GREATEST(syncback_watermarks.last_id, EXCLUDED.last_id)
		RETURNING last_id
	`, shardKey).Scan(&lastID)
	if err != nil {
		return 0, fmt.Errorf("failed to advance syncback watermark: %w", err)
	}
	return lastID, nil
}
