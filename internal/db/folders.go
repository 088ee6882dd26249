package db

import (
	"context"
	"errors"
	"fmt"

	"github.com/jackc/pgx/v5"

	"github.com/vdavid/mailsync/internal/models"
)

var ErrFolderNotFound = errors.New("folder not found")

const folderColumns = `
	id, account_id, name, COALESCE(canonical_name, ''), uid_validity, highest_modseq,
	state, COALESCE(sync_error, ''), last_synced_at`

func scanFolder(row pgx.Row) (*models.Folder, error) {
	var f models.Folder
	var uidValidity, modseq int64
	err := row.Scan(
		&f.ID,
		&f.AccountID,
		&f.Name,
		&f.CanonicalName,
		&uidValidity,
		&modseq,
		&f.State,
		&f.SyncError,
		&f.LastSyncedAt,
	)
	if err != nil {
		return nil, err
	}
	f.UIDValidity = uint32(uidValidity)
	f.HighestModSeq = uint64(modseq)
	return &f, nil
}

// ListFolders returns the persisted sync state of every folder of an account.
func ListFolders(ctx context.Context, db DBTX, accountID int64) ([]*models.Folder, error) {
	rows, err := db.Query(ctx, `SELECT `+folderColumns+` FROM folders WHERE account_id = $1 ORDER BY id`, accountID)
	if err != nil {
		return nil, fmt.Errorf("failed to list folders: %w", err)
	}
	defer rows.Close()

	var folders []*models.Folder
	for rows.Next() {
		f, err := scanFolder(rows)
		if err != nil {
			return nil, fmt.Errorf("failed to scan folder: %w", err)
		}
		folders = append(folders, f)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("error iterating folders: %w", err)
	}
	return folders, nil
}

// GetFolderByName returns a folder of an account by its server name.
func GetFolderByName(ctx context.Context, db DBTX, accountID int64, name string) (*models.Folder, error) {
	f, err := scanFolder(db.QueryRow(ctx, `SELECT `+folderColumns+` FROM folders WHERE account_id = $1 AND name = $2`, accountID, name))
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return nil, ErrFolderNotFound
		}
		return nil, fmt.Errorf("failed to get folder: %w", err)
	}
	return f, nil
}

// SaveFolder creates the folder or refreshes its canonical name, and fills in
// the persisted state. It never touches the watermark of an existing folder.
func SaveFolder(ctx context.Context, db DBTX, folder *models.Folder) error {
	if folder.State == "" {
		folder.State = models.FolderStateInitial
	}

	saved, err := scanFolder(db.QueryRow(ctx, `
		INSERT INTO folders (account_id, name, canonical_name, state)
		VALUES ($1, $2, NULLIF($3, ''), $4)
		ON CONFLICT (account_id, name) DO UPDATE SET
			canonical_name = EXCLUDED.canonical_name
		RETURNING `+folderColumns,
		folder.AccountID,
		folder.Name,
		folder.CanonicalName,
		folder.State,
	))
	if err != nil {
		return fmt.Errorf("failed to save folder: %w", err)
	}
	*folder = *saved
	return nil
}

// DeleteFolder removes a folder that disappeared from the server along with its uid rows,
// then drops messages no longer present in any folder.
func DeleteFolder(ctx context.Context, db DBTX, accountID, folderID int64) error {
	if _, err := db.Exec(ctx, `DELETE FROM folders WHERE id = $1 AND account_id = $2`, folderID, accountID); err != nil {
		return fmt.Errorf("failed to delete folder: %w", err)
	}
	return pruneOrphanMessages(ctx, db, accountID)
}

// SetFolderState records a state machine transition.
func SetFolderState(ctx context.Context, db DBTX, folderID int64, state models.FolderState, syncErr string) error {
	tag, err := db.Exec(ctx, `
		UPDATE folders SET state = $2, sync_error = NULLIF($3, '') WHERE id = $1
	`, folderID, state, syncErr)
	if err != nil {
		return fmt.Errorf("failed to set folder state: %w", err)
	}
	if tag.RowsAffected() == 0 {
		return ErrFolderNotFound
	}
	return nil
}

// UpdateFolderWatermark stores (uid_validity, highest_modseq) after the messages
// they imply are committed. With an unchanged uid_validity the modseq never moves
// backwards; a new uid_validity replaces both values.
func UpdateFolderWatermark(ctx context.Context, db DBTX, folderID int64, uidValidity uint32, highestModSeq uint64) error {
	tag, err := db.Exec(ctx, `
		UPDATE folders SET
			highest_modseq = CASE
				WHEN uid_validity = $2 THEN GREATEST(highest_modseq, $3)
				ELSE $3
			END,
			uid_validity = $2,
			last_synced_at = NOW()
		WHERE id = $1
	`, folderID, int64(uidValidity), int64(highestModSeq))
	if err != nil {
		return fmt.Errorf("failed to update folder watermark: %w", err)
	}
	if tag.RowsAffected() == 0 {
		return ErrFolderNotFound
	}
	return nil
}
