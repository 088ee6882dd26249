// Package mailsync mirrors remote folders into the local store. A FolderSync
// drives one folder through its state machine; an AccountMonitor runs the
// folder syncs of one account.
package mailsync

import (
	"context"

	"github.com/vdavid/mailsync/internal/imap"
	"github.com/vdavid/mailsync/internal/models"
)

// Store is the persistence the sync engine needs. internal/db.Store implements it.
type Store interface {
	SetAccountSyncState(ctx context.Context, accountID int64, state models.SyncState, syncErr string) error

	ListFolders(ctx context.Context, accountID int64) ([]*models.Folder, error)
	SaveFolder(ctx context.Context, folder *models.Folder) error
	DeleteFolder(ctx context.Context, accountID, folderID int64) error
	SetFolderState(ctx context.Context, folderID int64, state models.FolderState, syncErr string) error
	UpdateFolderWatermark(ctx context.Context, folderID int64, uidValidity uint32, highestModSeq uint64) error
	FolderStats(ctx context.Context, folderID int64) (int64, int64, error)

	LocalUIDs(ctx context.Context, folderID int64) ([]uint32, error)
	MessageIDsByGMsgID(ctx context.Context, accountID int64, msgids []uint64) (map[uint64]int64, error)
	SaveMessages(ctx context.Context, account *models.Account, folderID int64, msgs []*models.DownloadedMessage) error
	LinkMessages(ctx context.Context, account *models.Account, folderID int64, links []models.UIDLink) error
	RemoveUIDs(ctx context.Context, account *models.Account, folderID int64, uids []uint32) error
	UpdateUIDMetadata(ctx context.Context, account *models.Account, folderID int64, updates []models.ImapUID) error
	RemapFolderUIDs(ctx context.Context, account *models.Account, folderID int64, links []models.UIDLink) error
	ResetFolderUIDs(ctx context.Context, account *models.Account, folderID int64) error
	PruneOrphanMessages(ctx context.Context, account *models.Account) error
}

// SessionProvider hands out a session for the duration of fn. *imap.Pool implements it.
type SessionProvider interface {
	With(ctx context.Context, account *models.Account, fn func(imap.Session) error) error
}
