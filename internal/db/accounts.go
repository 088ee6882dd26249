package db

import (
	"context"
	"errors"
	"fmt"

	"github.com/jackc/pgx/v5"

	"github.com/vdavid/mailsync/internal/models"
)

var ErrAccountNotFound = errors.New("account not found")

const accountColumns = `
	id, namespace_id, provider, email_address, imap_host,
	encrypted_password, oauth_refresh_token,
	COALESCE(sync_host, ''), COALESCE(desired_sync_host, ''),
	sync_state, sync_should_run, COALESCE(sync_error, ''), zone,
	deleted_at, created_at, updated_at`

func scanAccount(row pgx.Row) (*models.Account, error) {
	var a models.Account
	err := row.Scan(
		&a.ID,
		&a.NamespaceID,
		&a.Provider,
		&a.EmailAddress,
		&a.IMAPHost,
		&a.EncryptedPassword,
		&a.OAuthRefreshToken,
		&a.SyncHost,
		&a.DesiredSyncHost,
		&a.SyncState,
		&a.SyncShouldRun,
		&a.SyncError,
		&a.Zone,
		&a.DeletedAt,
		&a.CreatedAt,
		&a.UpdatedAt,
	)
	if err != nil {
		return nil, err
	}
	return &a, nil
}

// CreateAccount inserts an account and fills in its id. A zero NamespaceID
// makes the account its own namespace.
func CreateAccount(ctx context.Context, db DBTX, account *models.Account) error {
	if account.Zone == "" {
		account.Zone = "default"
	}
	if account.SyncState == "" {
		account.SyncState = models.SyncStateRunning
	}

	err := db.QueryRow(ctx, `
		INSERT INTO accounts (
			namespace_id, provider, email_address, imap_host,
			encrypted_password, oauth_refresh_token,
			sync_state, sync_should_run, zone
		) VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9)
		RETURNING id, created_at, updated_at
	`,
		account.NamespaceID,
		account.Provider,
		account.EmailAddress,
		account.IMAPHost,
		account.EncryptedPassword,
		account.OAuthRefreshToken,
		account.SyncState,
		account.SyncShouldRun,
		account.Zone,
	).Scan(&account.ID, &account.CreatedAt, &account.UpdatedAt)
	if err != nil {
		return fmt.Errorf("failed to create account: %w", err)
	}

	if account.NamespaceID == 0 {
		account.NamespaceID = account.ID
		if _, err := db.Exec(ctx, `UPDATE accounts SET namespace_id = id WHERE id = $1`, account.ID); err != nil {
			return fmt.Errorf("failed to set namespace: %w", err)
		}
	}
	return nil
}

// GetAccount returns the account, including soft-deleted ones.
func GetAccount(ctx context.Context, db DBTX, accountID int64) (*models.Account, error) {
	a, err := scanAccount(db.QueryRow(ctx, `SELECT `+accountColumns+` FROM accounts WHERE id = $1`, accountID))
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return nil, ErrAccountNotFound
		}
		return nil, fmt.Errorf("failed to get account: %w", err)
	}
	return a, nil
}

// SyncableAccountIDs lists accounts in the zone that should be syncing.
func SyncableAccountIDs(ctx context.Context, db DBTX, zone string) ([]int64, error) {
	rows, err := db.Query(ctx, `
		SELECT id FROM accounts
		WHERE zone = $1 AND sync_should_run AND deleted_at IS NULL
		ORDER BY id
	`, zone)
	if err != nil {
		return nil, fmt.Errorf("failed to list syncable accounts: %w", err)
	}
	ids, err := pgx.CollectRows(rows, pgx.RowTo[int64])
	if err != nil {
		return nil, fmt.Errorf("failed to scan account ids: %w", err)
	}
	return ids, nil
}

// SetSyncHost mirrors the scheduler's assignment for observability. It is not authoritative.
func SetSyncHost(ctx context.Context, db DBTX, accountID int64, host string) error {
	_, err := db.Exec(ctx, `
		UPDATE accounts SET sync_host = NULLIF($2, ''), updated_at = NOW() WHERE id = $1
	`, accountID, host)
	if err != nil {
		return fmt.Errorf("failed to set sync host: %w", err)
	}
	return nil
}

// SetDesiredSyncHost records a pending reassignment. The worker running the
// account hands it over and clears the field.
func SetDesiredSyncHost(ctx context.Context, db DBTX, accountID int64, host string) error {
	tag, err := db.Exec(ctx, `
		UPDATE accounts SET desired_sync_host = NULLIF($2, ''), updated_at = NOW() WHERE id = $1
	`, accountID, host)
	if err != nil {
		return fmt.Errorf("failed to set desired sync host: %w", err)
	}
	if tag.RowsAffected() == 0 {
		return ErrAccountNotFound
	}
	return nil
}

// SetSyncShouldRun starts or stops syncing. Starting also clears a stopped state;
// an invalid account stays invalid until its credentials are fixed.
func SetSyncShouldRun(ctx context.Context, db DBTX, accountID int64, run bool) error {
	tag, err := db.Exec(ctx, `
		UPDATE accounts SET
			sync_should_run = $2,
			sync_state = CASE
				WHEN sync_state = 'invalid' THEN sync_state
				WHEN $2 THEN 'running'
				ELSE 'stopped'
			END,
			updated_at = NOW()
		WHERE id = $1 AND deleted_at IS NULL
	`, accountID, run)
	if err != nil {
		return fmt.Errorf("failed to set sync_should_run: %w", err)
	}
	if tag.RowsAffected() == 0 {
		return ErrAccountNotFound
	}
	return nil
}

// SetAccountSyncState records the user-visible sync state. Marking an account
// invalid also stops it so the populator unassigns it.
func SetAccountSyncState(ctx context.Context, db DBTX, accountID int64, state models.SyncState, syncErr string) error {
	_, err := db.Exec(ctx, `
		UPDATE accounts SET
			sync_state = $2,
			sync_error = NULLIF($3, ''),
			sync_should_run = CASE WHEN $2 = 'invalid' THEN FALSE ELSE sync_should_run END,
			updated_at = NOW()
		WHERE id = $1
	`, accountID, state, syncErr)
	if err != nil {
		return fmt.Errorf("failed to set sync state: %w", err)
	}
	return nil
}

// UpdateCredentials replaces the sealed secrets and makes an invalid account runnable again.
func UpdateCredentials(ctx context.Context, db DBTX, accountID int64, encryptedPassword, oauthRefreshToken []byte) error {
	tag, err := db.Exec(ctx, `
		UPDATE accounts SET
			encrypted_password = $2,
			oauth_refresh_token = $3,
			sync_state = CASE WHEN sync_state = 'invalid' THEN 'running' ELSE sync_state END,
			sync_should_run = CASE WHEN sync_state = 'invalid' THEN TRUE ELSE sync_should_run END,
			sync_error = NULL,
			updated_at = NOW()
		WHERE id = $1 AND deleted_at IS NULL
	`, accountID, encryptedPassword, oauthRefreshToken)
	if err != nil {
		return fmt.Errorf("failed to update credentials: %w", err)
	}
	if tag.RowsAffected() == 0 {
		return ErrAccountNotFound
	}
	return nil
}

// SoftDeleteAccount marks the account deleted and stops its sync. The populator
// unassigns it on its next pass.
func SoftDeleteAccount(ctx context.Context, db DBTX, accountID int64) error {
	tag, err := db.Exec(ctx, `
		UPDATE accounts SET
			deleted_at = NOW(),
			sync_should_run = FALSE,
			sync_state = 'stopped',
			updated_at = NOW()
		WHERE id = $1 AND deleted_at IS NULL
	`, accountID)
	if err != nil {
		return fmt.Errorf("failed to delete account: %w", err)
	}
	if tag.RowsAffected() == 0 {
		return ErrAccountNotFound
	}
	return nil
}
