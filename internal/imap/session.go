// Package imap is the IMAP session client and the per-account connection pool.
//
// A Session wraps one authenticated connection. IMAP sessions are stateful: every
// folder-scoped call works on the folder chosen by the last SelectFolder, and the
// client never selects on its own. UIDs and HIGHESTMODSEQ values are only
// meaningful until the next select or disconnect.
package imap

import "time"

// SelectInfo is what the server reported when a folder was selected.
type SelectInfo struct {
	Name          string
	Exists        uint32
	UIDValidity   uint32
	UIDNext       uint32
	HighestModSeq uint64
}

// FolderStatus is the cheap metadata-only view of a folder (STATUS).
type FolderStatus struct {
	Name          string
	Messages      uint32
	UIDNext       uint32
	UIDValidity   uint32
	HighestModSeq uint64
}

// GMetadata is the Gmail identity of one uid.
type GMetadata struct {
	MsgID uint64
	ThrID uint64
}

// RawMessage is one fetched message before MIME decoding.
type RawMessage struct {
	UID          uint32
	Flags        []string
	InternalDate time.Time
	Size         uint32
	Body         []byte
	GMsgID       uint64
	GThrID       uint64
	Labels       []string
}

// FetchResult is the per-uid outcome of FetchUIDs. Exactly one of Message and Err is set.
type FetchResult struct {
	UID     uint32
	Message *RawMessage
	Err     error
}

// FlagInfo is the cheap per-uid metadata re-fetched for already known messages.
type FlagInfo struct {
	UID    uint32
	Flags  []string
	Labels []string
	GMsgID uint64
}

// Session is the client contract for one IMAP connection.
type Session interface {
	// FolderNames lists the server folders and resolves canonical names from their attributes.
	FolderNames() (*FolderNames, error)
	FolderStatus(name string) (*FolderStatus, error)

	// SelectFolder selects read-only (EXAMINE). SelectFolderForWrite allows mutations.
	SelectFolder(name string) (*SelectInfo, error)
	SelectFolderForWrite(name string) (*SelectInfo, error)
	// SelectedFolder is the selected folder name, or "" when none is.
	SelectedFolder() string
	ClearSelection() error

	AllUIDs() ([]uint32, error)
	NewAndUpdatedUIDs(sinceModSeq uint64) ([]uint32, error)
	FetchUIDs(uids []uint32) ([]FetchResult, error)
	FetchFlags(uids []uint32) (map[uint32]FlagInfo, error)
	SearchHeader(name, value string) ([]uint32, error)
	// ThreadRoots maps each of uids to the uid of its thread root (UID THREAD REFERENCES).
	ThreadRoots(uids []uint32) (map[uint32]uint32, error)

	SetFlags(uids []uint32, flags []string, add bool) error
	CopyUIDs(uids []uint32, dest string) error
	DeleteUIDs(uids []uint32) error
	Append(folder string, flags []string, date time.Time, raw []byte) error

	CreateFolder(name string) error
	RenameFolder(oldName, newName string) error
	DeleteFolder(name string) error

	CondstoreSupported() bool
	ThreadSupported() bool

	Noop() error
	Logout() error
	// Alive reports whether the connection is still authenticated.
	Alive() bool
}

// GmailSession adds the X-GM-EXT-1 operations. Thread operations search by
// X-GM-THRID inside the selected folder, since uids are per folder and thread
// ids are account-wide.
type GmailSession interface {
	Session

	GMetadata(uids []uint32) (map[uint32]GMetadata, error)
	SearchThread(thrid uint64) ([]uint32, error)
	SearchMsgID(msgid uint64) ([]uint32, error)

	ArchiveThread(thrid uint64) error
	CopyThread(thrid uint64, dest string) error
	AddLabel(thrid uint64, label string) error
	RemoveLabel(thrid uint64, label string) error
}
