package models

import (
	"time"
)

// Provider tags which remote-mailbox implementation serves an account.
type Provider string

const (
	ProviderGmail       Provider = "gmail"
	ProviderGenericIMAP Provider = "generic"
)

// SyncState is the user-visible sync status of an account.
type SyncState string

const (
	SyncStateRunning SyncState = "running"
	SyncStateStopped SyncState = "stopped"
	// SyncStateInvalid means the account needs attention (usually bad credentials).
	SyncStateInvalid SyncState = "invalid"
)

// Account is one mailbox credential set.
// The high 16 bits of ID are the shard key of the database that owns it.
type Account struct {
	ID                int64      `json:"id"`
	NamespaceID       int64      `json:"namespace_id"`
	Provider          Provider   `json:"provider"`
	EmailAddress      string     `json:"email_address"`
	IMAPHost          string     `json:"imap_host"`
	EncryptedPassword []byte     `json:"-"`
	OAuthRefreshToken []byte     `json:"-"`
	SyncHost          string     `json:"sync_host,omitempty"`
	DesiredSyncHost   string     `json:"desired_sync_host,omitempty"`
	SyncState         SyncState  `json:"sync_state"`
	SyncShouldRun     bool       `json:"sync_should_run"`
	SyncError         string     `json:"sync_error,omitempty"`
	Zone              string     `json:"zone"`
	DeletedAt         *time.Time `json:"deleted_at,omitempty"`
	CreatedAt         time.Time  `json:"created_at"`
	UpdatedAt         time.Time  `json:"updated_at"`
}

// IsGmail reports whether Gmail IMAP extensions should be used for the account.
func (a *Account) IsGmail() bool {
	return a.Provider == ProviderGmail
}

// UsesOAuth reports whether the account authenticates with a refresh token instead of a password.
func (a *Account) UsesOAuth() bool {
	return len(a.OAuthRefreshToken) > 0
}
