package db

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/jackc/pgx/v5"

	"github.com/vdavid/mailsync/internal/gmail"
	"github.com/vdavid/mailsync/internal/models"
)

// ErrThreadNotFound is returned when a requested thread cannot be found.
var ErrThreadNotFound = errors.New("thread not found")

// saveThread upserts a thread by its key and widens its date range to include at.
func saveThread(ctx context.Context, db DBTX, account *models.Account, key string, gThrID uint64, subject string, at time.Time) (int64, error) {
	var id int64
	err := db.QueryRow(ctx, `
		INSERT INTO threads (account_id, namespace_id, thread_key, g_thrid, subject, first_message_at, last_message_at)
		VALUES ($1, $2, $3, NULLIF($4::bigint, 0), $5, $6, $6)
		ON CONFLICT (account_id, thread_key) DO UPDATE SET
			first_message_at = LEAST(threads.first_message_at, EXCLUDED.first_message_at),
			last_message_at = GREATEST(threads.last_message_at, EXCLUDED.last_message_at)
		RETURNING id
	`, account.ID, account.NamespaceID, key, int64(gThrID), subject, at).Scan(&id)
	if err != nil {
		return 0, fmt.Errorf("failed to save thread: %w", err)
	}
	return id, nil
}

// resolveThread finds or creates the thread of a new message. Gmail messages go
// by X-GM-THRID. Other messages first join the thread of a stored message they
// reply to, then fall back to the key computed during sync.
func resolveThread(ctx context.Context, db DBTX, account *models.Account, m *models.Message) (int64, error) {
	if account.IsGmail() {
		thrid := m.GThrID
		if thrid == 0 {
			thrid = gmail.ThreadIDFor([]gmail.ThreadMember{{GMsgID: m.GMsgID, ReceivedDate: m.ReceivedDate}})
		}
		if thrid != 0 {
			return saveThread(ctx, db, account, gmail.ThreadKey(thrid), thrid, m.Subject, m.ReceivedDate)
		}
	}

	parents := append([]string(nil), m.References...)
	if m.InReplyTo != "" {
		parents = append(parents, m.InReplyTo)
	}
	if len(parents) > 0 {
		var threadID int64
		err := db.QueryRow(ctx, `
			SELECT thread_id FROM messages
			WHERE account_id = $1 AND message_id_header = ANY($2) AND thread_id IS NOT NULL
			ORDER BY id
			LIMIT 1
		`, account.ID, parents).Scan(&threadID)
		if err == nil {
			_, err = db.Exec(ctx, `
				UPDATE threads SET
					first_message_at = LEAST(first_message_at, $2),
					last_message_at = GREATEST(last_message_at, $2)
				WHERE id = $1
			`, threadID, m.ReceivedDate)
			if err != nil {
				return 0, fmt.Errorf("failed to update thread dates: %w", err)
			}
			return threadID, nil
		}
		if !errors.Is(err, pgx.ErrNoRows) {
			return 0, fmt.Errorf("failed to look up parent thread: %w", err)
		}
	}

	key := m.ThreadKey
	if key == "" {
		key = "sha:" + m.DataSHA256
	}
	return saveThread(ctx, db, account, key, 0, m.Subject, m.ReceivedDate)
}

func addThreadLabels(ctx context.Context, db DBTX, threadID int64, labels []string) error {
	if threadID == 0 || len(labels) == 0 {
		return nil
	}
	_, err := db.Exec(ctx, `
		INSERT INTO thread_labels (thread_id, label)
		SELECT $1, unnest($2::text[])
		ON CONFLICT DO NOTHING
	`, threadID, labels)
	if err != nil {
		return fmt.Errorf("failed to add thread labels: %w", err)
	}
	return nil
}

// stickyLabels is the set of labels a thread keeps after its last carrier goes away.
// Only Gmail has sticky labels.
func stickyLabels(account *models.Account) []string {
	if !account.IsGmail() {
		return []string{}
	}
	out := make([]string, 0, len(gmail.StickyLabels))
	for l := range gmail.StickyLabels {
		out = append(out, l)
	}
	return out
}

// cleanupThreadLabels drops labels of the given threads that no remaining uid carries.
func cleanupThreadLabels(ctx context.Context, db DBTX, account *models.Account, threadIDs []int64) error {
	if len(threadIDs) == 0 {
		return nil
	}
	_, err := db.Exec(ctx, `
		DELETE FROM thread_labels tl
		WHERE tl.thread_id = ANY($1)
			AND NOT (tl.label = ANY($2::text[]))
			AND NOT EXISTS (
				SELECT 1 FROM imapuids u
				JOIN messages m ON m.id = u.message_id
				WHERE m.thread_id = tl.thread_id AND tl.label = ANY(u.labels)
			)
	`, threadIDs, stickyLabels(account))
	if err != nil {
		return fmt.Errorf("failed to clean up thread labels: %w", err)
	}
	return nil
}

func threadsOfMessages(ctx context.Context, db DBTX, messageIDs []int64) ([]int64, error) {
	if len(messageIDs) == 0 {
		return nil, nil
	}
	rows, err := db.Query(ctx, `
		SELECT DISTINCT thread_id FROM messages WHERE id = ANY($1) AND thread_id IS NOT NULL
	`, messageIDs)
	if err != nil {
		return nil, fmt.Errorf("failed to find threads: %w", err)
	}
	ids, err := pgx.CollectRows(rows, pgx.RowTo[int64])
	if err != nil {
		return nil, fmt.Errorf("failed to scan thread ids: %w", err)
	}
	return ids, nil
}

func deleteEmptyThreads(ctx context.Context, db DBTX, threadIDs []int64) error {
	if len(threadIDs) == 0 {
		return nil
	}
	_, err := db.Exec(ctx, `
		DELETE FROM threads t
		WHERE t.id = ANY($1) AND NOT EXISTS (SELECT 1 FROM messages m WHERE m.thread_id = t.id)
	`, threadIDs)
	if err != nil {
		return fmt.Errorf("failed to delete empty threads: %w", err)
	}
	return nil
}

// GetThread returns a thread with its labels.
func GetThread(ctx context.Context, db DBTX, threadID int64) (*models.Thread, error) {
	var t models.Thread
	var gThrID *int64
	err := db.QueryRow(ctx, `
		SELECT t.id, t.account_id, t.namespace_id, t.thread_key, t.g_thrid, t.subject,
			t.first_message_at, t.last_message_at,
			COALESCE(ARRAY(SELECT label FROM thread_labels WHERE thread_id = t.id ORDER BY label), '{}')
		FROM threads t
		WHERE t.id = $1
	`, threadID).Scan(
		&t.ID,
		&t.AccountID,
		&t.NamespaceID,
		&t.ThreadKey,
		&gThrID,
		&t.Subject,
		&t.FirstMessageAt,
		&t.LastMessageAt,
		&t.Labels,
	)
	if errors.Is(err, pgx.ErrNoRows) {
		return nil, ErrThreadNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("failed to get thread: %w", err)
	}
	if gThrID != nil {
		t.GThrID = uint64(*gThrID)
	}
	return &t, nil
}

// ThreadByGThrID looks a Gmail thread up by its server id.
func ThreadByGThrID(ctx context.Context, db DBTX, accountID int64, gThrID uint64) (*models.Thread, error) {
	var id int64
	err := db.QueryRow(ctx, `SELECT id FROM threads WHERE account_id = $1 AND g_thrid = $2`, accountID, int64(gThrID)).Scan(&id)
	if errors.Is(err, pgx.ErrNoRows) {
		return nil, ErrThreadNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("failed to find thread: %w", err)
	}
	return GetThread(ctx, db, id)
}
