package db

import (
	"context"
	"fmt"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"

	"github.com/vdavid/mailsync/internal/models"
	"github.com/vdavid/mailsync/internal/shard"
)

// Store routes every call to the shard owning the id it is keyed by. Folder,
// message and action ids carry the shard key of their account, so any of them
// finds the right database.
type Store struct {
	engine *shard.Engine
}

func NewStore(engine *shard.Engine) *Store {
	return &Store{engine: engine}
}

func (s *Store) Engine() *shard.Engine {
	return s.engine
}

func (s *Store) poolFor(id int64) (*pgxpool.Pool, error) {
	return s.engine.ForID(id)
}

// CreateAccount inserts an account into the given shard.
func (s *Store) CreateAccount(ctx context.Context, shardKey int, account *models.Account) error {
	pool, err := s.engine.Pool(shardKey)
	if err != nil {
		return err
	}
	return CreateAccount(ctx, pool, account)
}

func (s *Store) GetAccount(ctx context.Context, accountID int64) (*models.Account, error) {
	pool, err := s.poolFor(accountID)
	if err != nil {
		return nil, err
	}
	return GetAccount(ctx, pool, accountID)
}

// SyncableAccountIDs collects syncable accounts of the zone from every shard.
func (s *Store) SyncableAccountIDs(ctx context.Context, zone string) ([]int64, error) {
	var out []int64
	for _, key := range s.engine.Keys() {
		pool, err := s.engine.Pool(key)
		if err != nil {
			return nil, err
		}
		ids, err := SyncableAccountIDs(ctx, pool, zone)
		if err != nil {
			return nil, fmt.Errorf("shard %d: %w", key, err)
		}
		out = append(out, ids...)
	}
	return out, nil
}

func (s *Store) SetSyncHost(ctx context.Context, accountID int64, host string) error {
	pool, err := s.poolFor(accountID)
	if err != nil {
		return err
	}
	return SetSyncHost(ctx, pool, accountID, host)
}

func (s *Store) SetDesiredSyncHost(ctx context.Context, accountID int64, host string) error {
	pool, err := s.poolFor(accountID)
	if err != nil {
		return err
	}
	return SetDesiredSyncHost(ctx, pool, accountID, host)
}

func (s *Store) SetSyncShouldRun(ctx context.Context, accountID int64, run bool) error {
	pool, err := s.poolFor(accountID)
	if err != nil {
		return err
	}
	return SetSyncShouldRun(ctx, pool, accountID, run)
}

func (s *Store) SetAccountSyncState(ctx context.Context, accountID int64, state models.SyncState, syncErr string) error {
	pool, err := s.poolFor(accountID)
	if err != nil {
		return err
	}
	return SetAccountSyncState(ctx, pool, accountID, state, syncErr)
}

func (s *Store) SoftDeleteAccount(ctx context.Context, accountID int64) error {
	pool, err := s.poolFor(accountID)
	if err != nil {
		return err
	}
	return SoftDeleteAccount(ctx, pool, accountID)
}

func (s *Store) ListFolders(ctx context.Context, accountID int64) ([]*models.Folder, error) {
	pool, err := s.poolFor(accountID)
	if err != nil {
		return nil, err
	}
	return ListFolders(ctx, pool, accountID)
}

func (s *Store) SaveFolder(ctx context.Context, folder *models.Folder) error {
	pool, err := s.poolFor(folder.AccountID)
	if err != nil {
		return err
	}
	return SaveFolder(ctx, pool, folder)
}

func (s *Store) DeleteFolder(ctx context.Context, accountID, folderID int64) error {
	pool, err := s.poolFor(accountID)
	if err != nil {
		return err
	}
	return withTx(ctx, pool, func(tx pgx.Tx) error {
		account, err := GetAccount(ctx, tx, accountID)
		if err != nil {
			return err
		}
		if err := LockNamespace(ctx, tx, account.NamespaceID); err != nil {
			return err
		}
		return DeleteFolder(ctx, tx, accountID, folderID)
	})
}

func (s *Store) SetFolderState(ctx context.Context, folderID int64, state models.FolderState, syncErr string) error {
	pool, err := s.poolFor(folderID)
	if err != nil {
		return err
	}
	return SetFolderState(ctx, pool, folderID, state, syncErr)
}

func (s *Store) UpdateFolderWatermark(ctx context.Context, folderID int64, uidValidity uint32, highestModSeq uint64) error {
	pool, err := s.poolFor(folderID)
	if err != nil {
		return err
	}
	return UpdateFolderWatermark(ctx, pool, folderID, uidValidity, highestModSeq)
}

func (s *Store) LocalUIDs(ctx context.Context, folderID int64) ([]uint32, error) {
	pool, err := s.poolFor(folderID)
	if err != nil {
		return nil, err
	}
	return LocalUIDs(ctx, pool, folderID)
}

func (s *Store) MessageIDsByGMsgID(ctx context.Context, accountID int64, msgids []uint64) (map[uint64]int64, error) {
	pool, err := s.poolFor(accountID)
	if err != nil {
		return nil, err
	}
	return MessageIDsByGMsgID(ctx, pool, accountID, msgids)
}

func (s *Store) SaveMessages(ctx context.Context, account *models.Account, folderID int64, msgs []*models.DownloadedMessage) error {
	pool, err := s.poolFor(account.ID)
	if err != nil {
		return err
	}
	return SaveMessages(ctx, pool, account, folderID, msgs)
}

func (s *Store) LinkMessages(ctx context.Context, account *models.Account, folderID int64, links []models.UIDLink) error {
	pool, err := s.poolFor(account.ID)
	if err != nil {
		return err
	}
	return LinkMessages(ctx, pool, account, folderID, links)
}

func (s *Store) RemoveUIDs(ctx context.Context, account *models.Account, folderID int64, uids []uint32) error {
	pool, err := s.poolFor(account.ID)
	if err != nil {
		return err
	}
	return RemoveUIDs(ctx, pool, account, folderID, uids)
}

func (s *Store) UpdateUIDMetadata(ctx context.Context, account *models.Account, folderID int64, updates []models.ImapUID) error {
	pool, err := s.poolFor(account.ID)
	if err != nil {
		return err
	}
	return UpdateUIDMetadata(ctx, pool, account, folderID, updates)
}

func (s *Store) RemapFolderUIDs(ctx context.Context, account *models.Account, folderID int64, links []models.UIDLink) error {
	pool, err := s.poolFor(account.ID)
	if err != nil {
		return err
	}
	return RemapFolderUIDs(ctx, pool, account, folderID, links)
}

func (s *Store) ResetFolderUIDs(ctx context.Context, account *models.Account, folderID int64) error {
	pool, err := s.poolFor(account.ID)
	if err != nil {
		return err
	}
	return ResetFolderUIDs(ctx, pool, account, folderID)
}

func (s *Store) PruneOrphanMessages(ctx context.Context, account *models.Account) error {
	pool, err := s.poolFor(account.ID)
	if err != nil {
		return err
	}
	return withTx(ctx, pool, func(tx pgx.Tx) error {
		if err := LockNamespace(ctx, tx, account.NamespaceID); err != nil {
			return err
		}
		return PruneOrphanMessages(ctx, tx, account.ID)
	})
}

func (s *Store) FolderStats(ctx context.Context, folderID int64) (int64, int64, error) {
	pool, err := s.poolFor(folderID)
	if err != nil {
		return 0, 0, err
	}
	return FolderStats(ctx, pool, folderID)
}

func (s *Store) GetMessage(ctx context.Context, messageID int64) (*models.Message, error) {
	pool, err := s.poolFor(messageID)
	if err != nil {
		return nil, err
	}
	return GetMessage(ctx, pool, messageID)
}

func (s *Store) MessageLocations(ctx context.Context, messageID int64) ([]models.MessageLocation, error) {
	pool, err := s.poolFor(messageID)
	if err != nil {
		return nil, err
	}
	return MessageLocations(ctx, pool, messageID)
}

func (s *Store) GetThread(ctx context.Context, threadID int64) (*models.Thread, error) {
	pool, err := s.poolFor(threadID)
	if err != nil {
		return nil, err
	}
	return GetThread(ctx, pool, threadID)
}

func (s *Store) PendingActions(ctx context.Context, shardKey int, afterID int64, limit int) ([]*models.ActionLogEntry, error) {
	pool, err := s.engine.Pool(shardKey)
	if err != nil {
		return nil, err
	}
	return PendingActions(ctx, pool, afterID, limit)
}

func (s *Store) MarkActionSuccessful(ctx context.Context, actionID int64) error {
	pool, err := s.poolFor(actionID)
	if err != nil {
		return err
	}
	return MarkActionSuccessful(ctx, pool, actionID)
}

func (s *Store) RecordActionFailure(ctx context.Context, actionID int64, maxRetries int, permanent bool) (models.ActionStatus, int, error) {
	pool, err := s.poolFor(actionID)
	if err != nil {
		return "", 0, err
	}
	return RecordActionFailure(ctx, pool, actionID, maxRetries, permanent)
}

func (s *Store) SyncbackWatermark(ctx context.Context, shardKey int) (int64, error) {
	pool, err := s.engine.Pool(shardKey)
	if err != nil {
		return 0, err
	}
	return SyncbackWatermark(ctx, pool, shardKey)
}

func (s *Store) AdvanceSyncbackWatermark(ctx context.Context, shardKey int) (int64, error) {
	pool, err := s.engine.Pool(shardKey)
	if err != nil {
		return 0, err
	}
	return AdvanceSyncbackWatermark(ctx, pool, shardKey)
}

// BeginForAccount opens a transaction on the account's shard, for local
// mutations that schedule syncback actions in the same commit.
func (s *Store) BeginForAccount(ctx context.Context, accountID int64) (pgx.Tx, error) {
	pool, err := s.poolFor(accountID)
	if err != nil {
		return nil, err
	}
	tx, err := pool.Begin(ctx)
	if err != nil {
		return nil, fmt.Errorf("failed to begin transaction: %w", err)
	}
	return tx, nil
}
