package db

import (
	"context"
	"errors"
	"fmt"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"

	"github.com/vdavid/mailsync/internal/gmail"
	"github.com/vdavid/mailsync/internal/models"
)

// ErrMessageNotFound is returned when a requested message cannot be found.
var ErrMessageNotFound = errors.New("message not found")

func uidArgs(uids []uint32) []int64 {
	out := make([]int64, len(uids))
	for i, u := range uids {
		out[i] = int64(u)
	}
	return out
}

// LocalUIDs returns the uids stored for a folder, ascending.
func LocalUIDs(ctx context.Context, db DBTX, folderID int64) ([]uint32, error) {
	rows, err := db.Query(ctx, `SELECT msg_uid FROM imapuids WHERE folder_id = $1 ORDER BY msg_uid`, folderID)
	if err != nil {
		return nil, fmt.Errorf("failed to list local uids: %w", err)
	}
	raw, err := pgx.CollectRows(rows, pgx.RowTo[int64])
	if err != nil {
		return nil, fmt.Errorf("failed to scan uids: %w", err)
	}
	uids := make([]uint32, len(raw))
	for i, u := range raw {
		uids[i] = uint32(u)
	}
	return uids, nil
}

// MessageIDsByGMsgID maps the given X-GM-MSGIDs to stored message ids. Unknown ids are absent.
func MessageIDsByGMsgID(ctx context.Context, db DBTX, accountID int64, msgids []uint64) (map[uint64]int64, error) {
	out := make(map[uint64]int64, len(msgids))
	if len(msgids) == 0 {
		return out, nil
	}
	args := make([]int64, len(msgids))
	for i, id := range msgids {
		args[i] = int64(id)
	}

	rows, err := db.Query(ctx, `
		SELECT g_msgid, id FROM messages WHERE account_id = $1 AND g_msgid = ANY($2)
	`, accountID, args)
	if err != nil {
		return nil, fmt.Errorf("failed to look up messages by g_msgid: %w", err)
	}
	defer rows.Close()

	for rows.Next() {
		var gMsgID, id int64
		if err := rows.Scan(&gMsgID, &id); err != nil {
			return nil, fmt.Errorf("failed to scan message id: %w", err)
		}
		out[uint64(gMsgID)] = id
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("error iterating messages: %w", err)
	}
	return out, nil
}

// SaveMessages stores one downloaded chunk of a folder in a single transaction
// under the namespace lock. A message whose bytes or X-GM-MSGID are already
// stored is reused and only gets the new uid row.
func SaveMessages(ctx context.Context, pool *pgxpool.Pool, account *models.Account, folderID int64, msgs []*models.DownloadedMessage) error {
	if len(msgs) == 0 {
		return nil
	}
	return withTx(ctx, pool, func(tx pgx.Tx) error {
		if err := LockNamespace(ctx, tx, account.NamespaceID); err != nil {
			return err
		}
		for _, dm := range msgs {
			if err := saveMessage(ctx, tx, account, dm.Message); err != nil {
				return err
			}
			dm.UID.AccountID = account.ID
			dm.UID.FolderID = folderID
			dm.UID.MessageID = dm.Message.ID
			if err := upsertUID(ctx, tx, &dm.UID); err != nil {
				return err
			}
			if err := addThreadLabels(ctx, tx, dm.Message.ThreadID, dm.UID.Labels); err != nil {
				return err
			}
		}
		return nil
	})
}

func saveMessage(ctx context.Context, tx pgx.Tx, account *models.Account, m *models.Message) error {
	m.AccountID = account.ID
	m.NamespaceID = account.NamespaceID

	var existingID, existingThread int64
	err := tx.QueryRow(ctx, `
		SELECT id, COALESCE(thread_id, 0) FROM messages
		WHERE account_id = $1 AND (data_sha256 = $2 OR ($3::bigint <> 0 AND g_msgid = $3))
		ORDER BY id
		LIMIT 1
	`, account.ID, m.DataSHA256, int64(m.GMsgID)).Scan(&existingID, &existingThread)
	if err == nil {
		m.ID = existingID
		m.ThreadID = existingThread
		return nil
	}
	if !errors.Is(err, pgx.ErrNoRows) {
		return fmt.Errorf("failed to look up stored message: %w", err)
	}

	threadID, err := resolveThread(ctx, tx, account, m)
	if err != nil {
		return err
	}
	m.ThreadID = threadID

	err = tx.QueryRow(ctx, `
		INSERT INTO messages (
			account_id, namespace_id, data_sha256, size, g_msgid, g_thrid, thread_id,
			message_id_header, in_reply_to, references_header, subject,
			from_address, to_addresses, cc_addresses, received_date, snippet,
			is_draft, decode_error
		) VALUES (
			$1, $2, $3, $4, NULLIF($5::bigint, 0), NULLIF($6::bigint, 0), $7,
			$8, $9, $10, $11, $12, $13, $14, $15, $16, $17, $18
		)
		RETURNING id
	`,
		m.AccountID,
		m.NamespaceID,
		m.DataSHA256,
		m.Size,
		int64(m.GMsgID),
		int64(m.GThrID),
		m.ThreadID,
		m.MessageIDHeader,
		m.InReplyTo,
		nonNil(m.References),
		m.Subject,
		m.FromAddress,
		nonNil(m.ToAddresses),
		nonNil(m.CCAddresses),
		m.ReceivedDate,
		m.Snippet,
		m.IsDraft,
		m.DecodeError,
	).Scan(&m.ID)
	if err != nil {
		return fmt.Errorf("failed to save message: %w", err)
	}

	for i := range m.Parts {
		p := &m.Parts[i]
		p.MessageID = m.ID
		err := tx.QueryRow(ctx, `
			INSERT INTO message_parts (message_id, part_index, content_type, filename, content_id, size, data_sha256)
			VALUES ($1, $2, $3, $4, $5, $6, $7)
			ON CONFLICT (message_id, part_index) DO UPDATE SET data_sha256 = EXCLUDED.data_sha256
			RETURNING id
		`, p.MessageID, p.PartIndex, p.ContentType, p.Filename, p.ContentID, p.Size, p.DataSHA256).Scan(&p.ID)
		if err != nil {
			return fmt.Errorf("failed to save message part: %w", err)
		}
	}
	return nil
}

func nonNil(s []string) []string {
	if s == nil {
		return []string{}
	}
	return s
}

func upsertUID(ctx context.Context, db DBTX, u *models.ImapUID) error {
	err := db.QueryRow(ctx, `
		INSERT INTO imapuids (
			account_id, folder_id, message_id, msg_uid,
			is_seen, is_flagged, is_draft, is_answered, labels
		) VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9)
		ON CONFLICT (folder_id, msg_uid) DO UPDATE SET
			message_id = EXCLUDED.message_id,
			is_seen = EXCLUDED.is_seen,
			is_flagged = EXCLUDED.is_flagged,
			is_draft = EXCLUDED.is_draft,
			is_answered = EXCLUDED.is_answered,
			labels = EXCLUDED.labels,
			updated_at = NOW()
		RETURNING id
	`,
		u.AccountID,
		u.FolderID,
		u.MessageID,
		int64(u.MsgUID),
		u.IsSeen,
		u.IsFlagged,
		u.IsDraft,
		u.IsAnswered,
		nonNil(u.Labels),
	).Scan(&u.ID)
	if err != nil {
		return fmt.Errorf("failed to save uid %d: %w", u.MsgUID, err)
	}
	return nil
}

// LinkMessages adds uid rows pointing at already stored messages, for Gmail
// multi-homing and remaps. No message data is written.
func LinkMessages(ctx context.Context, pool *pgxpool.Pool, account *models.Account, folderID int64, links []models.UIDLink) error {
	if len(links) == 0 {
		return nil
	}
	return withTx(ctx, pool, func(tx pgx.Tx) error {
		if err := LockNamespace(ctx, tx, account.NamespaceID); err != nil {
			return err
		}
		return linkMessages(ctx, tx, account, folderID, links)
	})
}

func linkMessages(ctx context.Context, tx pgx.Tx, account *models.Account, folderID int64, links []models.UIDLink) error {
	for i := range links {
		u := links[i].UID
		u.AccountID = account.ID
		u.FolderID = folderID
		u.MessageID = links[i].MessageID
		if err := upsertUID(ctx, tx, &u); err != nil {
			return err
		}

		var threadID int64
		err := tx.QueryRow(ctx, `SELECT COALESCE(thread_id, 0) FROM messages WHERE id = $1`, u.MessageID).Scan(&threadID)
		if err != nil {
			return fmt.Errorf("failed to read thread of message %d: %w", u.MessageID, err)
		}
		if err := addThreadLabels(ctx, tx, threadID, u.Labels); err != nil {
			return err
		}
	}
	return nil
}

// RemoveUIDs deletes uid rows that disappeared from the server. Messages left
// without any uid are deleted, and thread labels nobody carries any more are dropped.
func RemoveUIDs(ctx context.Context, pool *pgxpool.Pool, account *models.Account, folderID int64, uids []uint32) error {
	if len(uids) == 0 {
		return nil
	}
	return withTx(ctx, pool, func(tx pgx.Tx) error {
		if err := LockNamespace(ctx, tx, account.NamespaceID); err != nil {
			return err
		}

		rows, err := tx.Query(ctx, `
			DELETE FROM imapuids WHERE folder_id = $1 AND msg_uid = ANY($2) RETURNING message_id
		`, folderID, uidArgs(uids))
		if err != nil {
			return fmt.Errorf("failed to delete uids: %w", err)
		}
		messageIDs, err := pgx.CollectRows(rows, pgx.RowTo[int64])
		if err != nil {
			return fmt.Errorf("failed to scan deleted uids: %w", err)
		}
		return cleanupAfterUnlink(ctx, tx, account, messageIDs, true)
	})
}

// cleanupAfterUnlink fixes thread labels after uid rows of messageIDs went away,
// optionally deleting messages and threads left empty.
func cleanupAfterUnlink(ctx context.Context, tx pgx.Tx, account *models.Account, messageIDs []int64, prune bool) error {
	threadIDs, err := threadsOfMessages(ctx, tx, messageIDs)
	if err != nil {
		return err
	}
	if err := cleanupThreadLabels(ctx, tx, account, threadIDs); err != nil {
		return err
	}
	if !prune || len(messageIDs) == 0 {
		return nil
	}

	_, err = tx.Exec(ctx, `
		DELETE FROM messages m
		WHERE m.id = ANY($1) AND NOT EXISTS (SELECT 1 FROM imapuids u WHERE u.message_id = m.id)
	`, messageIDs)
	if err != nil {
		return fmt.Errorf("failed to delete orphan messages: %w", err)
	}
	return deleteEmptyThreads(ctx, tx, threadIDs)
}

// UpdateUIDMetadata stores re-fetched flags and labels of known uids. Thread
// labels follow the Gmail label diff; sticky labels are never removed.
func UpdateUIDMetadata(ctx context.Context, pool *pgxpool.Pool, account *models.Account, folderID int64, updates []models.ImapUID) error {
	if len(updates) == 0 {
		return nil
	}
	return withTx(ctx, pool, func(tx pgx.Tx) error {
		if err := LockNamespace(ctx, tx, account.NamespaceID); err != nil {
			return err
		}

		var cleanup []int64
		for _, u := range updates {
			var messageID, threadID int64
			var oldLabels []string
			err := tx.QueryRow(ctx, `
				WITH old AS (
					SELECT id, labels FROM imapuids WHERE folder_id = $1 AND msg_uid = $2 FOR UPDATE
				)
				UPDATE imapuids u SET
					is_seen = $3,
					is_flagged = $4,
					is_draft = $5,
					is_answered = $6,
					labels = $7,
					updated_at = NOW()
				FROM old
				WHERE u.id = old.id
				RETURNING u.message_id, old.labels,
					(SELECT COALESCE(thread_id, 0) FROM messages WHERE id = u.message_id)
			`, folderID, int64(u.MsgUID), u.IsSeen, u.IsFlagged, u.IsDraft, u.IsAnswered, nonNil(u.Labels)).Scan(&messageID, &oldLabels, &threadID)
			if errors.Is(err, pgx.ErrNoRows) {
				continue
			}
			if err != nil {
				return fmt.Errorf("failed to update uid %d: %w", u.MsgUID, err)
			}

			added, removed := gmail.LabelDiff(oldLabels, u.Labels)
			if err := addThreadLabels(ctx, tx, threadID, added); err != nil {
				return err
			}
			if len(removed) > 0 && threadID != 0 {
				cleanup = append(cleanup, threadID)
			}
		}
		return cleanupThreadLabels(ctx, tx, account, cleanup)
	})
}

// RemapFolderUIDs replaces every uid row of a folder after a UIDVALIDITY change.
// Messages stay; the new rows point at them. Messages the folder no longer
// references and nothing else holds are deleted.
func RemapFolderUIDs(ctx context.Context, pool *pgxpool.Pool, account *models.Account, folderID int64, links []models.UIDLink) error {
	return withTx(ctx, pool, func(tx pgx.Tx) error {
		if err := LockNamespace(ctx, tx, account.NamespaceID); err != nil {
			return err
		}
		old, err := clearFolderUIDs(ctx, tx, folderID)
		if err != nil {
			return err
		}
		if err := linkMessages(ctx, tx, account, folderID, links); err != nil {
			return err
		}
		return cleanupAfterUnlink(ctx, tx, account, old, true)
	})
}

// ResetFolderUIDs drops every uid row of a folder but keeps the messages, so a
// full resync reuses them by content hash instead of storing them again.
func ResetFolderUIDs(ctx context.Context, pool *pgxpool.Pool, account *models.Account, folderID int64) error {
	return withTx(ctx, pool, func(tx pgx.Tx) error {
		if err := LockNamespace(ctx, tx, account.NamespaceID); err != nil {
			return err
		}
		old, err := clearFolderUIDs(ctx, tx, folderID)
		if err != nil {
			return err
		}
		return cleanupAfterUnlink(ctx, tx, account, old, false)
	})
}

func clearFolderUIDs(ctx context.Context, tx pgx.Tx, folderID int64) ([]int64, error) {
	rows, err := tx.Query(ctx, `DELETE FROM imapuids WHERE folder_id = $1 RETURNING message_id`, folderID)
	if err != nil {
		return nil, fmt.Errorf("failed to clear folder uids: %w", err)
	}
	ids, err := pgx.CollectRows(rows, pgx.RowTo[int64])
	if err != nil {
		return nil, fmt.Errorf("failed to scan cleared uids: %w", err)
	}
	return ids, nil
}

// PruneOrphanMessages deletes messages of an account that no uid row references,
// and threads left without messages.
func PruneOrphanMessages(ctx context.Context, db DBTX, accountID int64) error {
	return pruneOrphanMessages(ctx, db, accountID)
}

func pruneOrphanMessages(ctx context.Context, db DBTX, accountID int64) error {
	_, err := db.Exec(ctx, `
		DELETE FROM messages m
		WHERE m.account_id = $1 AND NOT EXISTS (SELECT 1 FROM imapuids u WHERE u.message_id = m.id)
	`, accountID)
	if err != nil {
		return fmt.Errorf("failed to prune orphan messages: %w", err)
	}
	_, err = db.Exec(ctx, `
		DELETE FROM threads t
		WHERE t.account_id = $1 AND NOT EXISTS (SELECT 1 FROM messages m WHERE m.thread_id = t.id)
	`, accountID)
	if err != nil {
		return fmt.Errorf("failed to prune empty threads: %w", err)
	}
	return nil
}

// FolderStats returns how many messages a folder holds and their total size.
func FolderStats(ctx context.Context, db DBTX, folderID int64) (messages int64, size int64, err error) {
	err = db.QueryRow(ctx, `
		SELECT COUNT(*), COALESCE(SUM(m.size), 0)::bigint
		FROM imapuids u JOIN messages m ON m.id = u.message_id
		WHERE u.folder_id = $1
	`, folderID).Scan(&messages, &size)
	if err != nil {
		return 0, 0, fmt.Errorf("failed to get folder stats: %w", err)
	}
	return messages, size, nil
}

// GetMessage returns a message with its parts.
func GetMessage(ctx context.Context, db DBTX, messageID int64) (*models.Message, error) {
	var m models.Message
	var gMsgID, gThrID, threadID *int64
	err := db.QueryRow(ctx, `
		SELECT id, account_id, namespace_id, data_sha256, size, g_msgid, g_thrid, thread_id,
			message_id_header, in_reply_to, references_header, subject, from_address,
			to_addresses, cc_addresses, received_date, snippet, is_draft, decode_error
		FROM messages WHERE id = $1
	`, messageID).Scan(
		&m.ID,
		&m.AccountID,
		&m.NamespaceID,
		&m.DataSHA256,
		&m.Size,
		&gMsgID,
		&gThrID,
		&threadID,
		&m.MessageIDHeader,
		&m.InReplyTo,
		&m.References,
		&m.Subject,
		&m.FromAddress,
		&m.ToAddresses,
		&m.CCAddresses,
		&m.ReceivedDate,
		&m.Snippet,
		&m.IsDraft,
		&m.DecodeError,
	)
	if errors.Is(err, pgx.ErrNoRows) {
		return nil, ErrMessageNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("failed to get message: %w", err)
	}
	if gMsgID != nil {
		m.GMsgID = uint64(*gMsgID)
	}
	if gThrID != nil {
		m.GThrID = uint64(*gThrID)
	}
	if threadID != nil {
		m.ThreadID = *threadID
	}

	rows, err := db.Query(ctx, `
		SELECT id, message_id, part_index, content_type, filename, content_id, size, data_sha256
		FROM message_parts WHERE message_id = $1 ORDER BY part_index
	`, messageID)
	if err != nil {
		return nil, fmt.Errorf("failed to get message parts: %w", err)
	}
	m.Parts, err = pgx.CollectRows(rows, pgx.RowToStructByPos[models.MessagePart])
	if err != nil {
		return nil, fmt.Errorf("failed to scan message parts: %w", err)
	}
	return &m, nil
}

// MessageLocations lists the folders and uids a message is known under.
func MessageLocations(ctx context.Context, db DBTX, messageID int64) ([]models.MessageLocation, error) {
	rows, err := db.Query(ctx, `
		SELECT f.name, COALESCE(f.canonical_name, ''), u.msg_uid
		FROM imapuids u JOIN folders f ON f.id = u.folder_id
		WHERE u.message_id = $1
		ORDER BY f.name
	`, messageID)
	if err != nil {
		return nil, fmt.Errorf("failed to get message locations: %w", err)
	}
	defer rows.Close()

	var out []models.MessageLocation
	for rows.Next() {
		var loc models.MessageLocation
		var uid int64
		if err := rows.Scan(&loc.FolderName, &loc.CanonicalName, &uid); err != nil {
			return nil, fmt.Errorf("failed to scan location: %w", err)
		}
		loc.MsgUID = uint32(uid)
		out = append(out, loc)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("error iterating locations: %w", err)
	}
	return out, nil
}
