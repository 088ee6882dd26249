package models

import "time"

// FolderState is the state of a folder's sync state machine.
type FolderState string

const (
	FolderStateInitial        FolderState = "initial"
	FolderStateInitialInvalid FolderState = "initial-invalid"
	FolderStatePoll           FolderState = "poll"
	FolderStatePollInvalid    FolderState = "poll-invalid"
	FolderStateFinish         FolderState = "finish"
)

// Canonical folder names. Real names are localized and resolved from server flags.
const (
	CanonicalInbox     = "inbox"
	CanonicalAll       = "all"
	CanonicalArchive   = "archive"
	CanonicalSent      = "sent"
	CanonicalDrafts    = "drafts"
	CanonicalTrash     = "trash"
	CanonicalSpam      = "spam"
	CanonicalImportant = "important"
	CanonicalStarred   = "starred"
)

type Folder struct {
	ID            int64       `json:"id"`
	AccountID     int64       `json:"account_id"`
	Name          string      `json:"name"`
	CanonicalName string      `json:"canonical_name,omitempty"`
	UIDValidity   uint32      `json:"uid_validity"`
	HighestModSeq uint64      `json:"highest_modseq"`
	State         FolderState `json:"state"`
	SyncError     string      `json:"sync_error,omitempty"`
	LastSyncedAt  *time.Time  `json:"last_synced_at,omitempty"`
}

type Thread struct {
	ID             int64      `json:"id"`
	AccountID      int64      `json:"account_id"`
	NamespaceID    int64      `json:"namespace_id"`
	ThreadKey      string     `json:"thread_key"`
	GThrID         uint64     `json:"g_thrid,omitempty"`
	Subject        string     `json:"subject"`
	FirstMessageAt *time.Time `json:"first_message_at,omitempty"`
	LastMessageAt  *time.Time `json:"last_message_at,omitempty"`
	Labels         []string   `json:"labels,omitempty"`
}

// Message is one RFC 822 email. Bodies live in the blob store; the message holds hashes.
type Message struct {
	ID              int64         `json:"id"`
	AccountID       int64         `json:"account_id"`
	NamespaceID     int64         `json:"namespace_id"`
	DataSHA256      string        `json:"data_sha256"`
	Size            int64         `json:"size"`
	GMsgID          uint64        `json:"g_msgid,omitempty"`
	GThrID          uint64        `json:"g_thrid,omitempty"`
	ThreadID        int64         `json:"thread_id"`
	ThreadKey       string        `json:"-"`
	MessageIDHeader string        `json:"message_id_header"`
	InReplyTo       string        `json:"in_reply_to,omitempty"`
	References      []string      `json:"references,omitempty"`
	Subject         string        `json:"subject"`
	FromAddress     string        `json:"from_address"`
	ToAddresses     []string      `json:"to_addresses"`
	CCAddresses     []string      `json:"cc_addresses"`
	ReceivedDate    time.Time     `json:"received_date"`
	Snippet         string        `json:"snippet"`
	IsDraft         bool          `json:"is_draft"`
	DecodeError     bool          `json:"decode_error"`
	Parts           []MessagePart `json:"parts,omitempty"`
}

type MessagePart struct {
	ID          int64  `json:"id"`
	MessageID   int64  `json:"message_id"`
	PartIndex   int    `json:"part_index"`
	ContentType string `json:"content_type"`
	Filename    string `json:"filename,omitempty"`
	ContentID   string `json:"content_id,omitempty"`
	Size        int64  `json:"size"`
	DataSHA256  string `json:"data_sha256"`
}

// ImapUID binds a Message to a (folder, uid) pair, with the flags and Gmail labels seen there.
type ImapUID struct {
	ID         int64    `json:"id"`
	AccountID  int64    `json:"account_id"`
	FolderID   int64    `json:"folder_id"`
	MessageID  int64    `json:"message_id"`
	MsgUID     uint32   `json:"msg_uid"`
	IsSeen     bool     `json:"is_seen"`
	IsFlagged  bool     `json:"is_flagged"`
	IsDraft    bool     `json:"is_draft"`
	IsAnswered bool     `json:"is_answered"`
	Labels     []string `json:"labels,omitempty"`
}

// DownloadedMessage is a freshly fetched message plus the join row for the folder it came from.
// ThreadRootUID is the uid of the thread root in the same folder when the server computed one.
type DownloadedMessage struct {
	Message       *Message
	UID           ImapUID
	ThreadRootUID uint32
}

// UIDLink binds a uid to a message that is already stored (Gmail multi-homing, remaps).
type UIDLink struct {
	MessageID int64
	UID       ImapUID
}

// MessageLocation is where a stored message can be found on the remote side.
type MessageLocation struct {
	FolderName    string
	CanonicalName string
	MsgUID        uint32
}
