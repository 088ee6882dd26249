// Package actions is the syncback half of mailsync: local mutations are logged
// as actions in the same transaction that makes them, and a worker pool replays
// them against the remote mailbox.
package actions

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"

	"github.com/jackc/pgx/v5"

	"github.com/vdavid/mailsync/internal/db"
	"github.com/vdavid/mailsync/internal/models"
)

var (
	ErrUnknownAction = errors.New("unknown action")
	// ErrUnsupported marks an action the account's provider cannot perform. It fails the entry without retries.
	ErrUnsupported = errors.New("action not supported by provider")
	ErrInvalidArgs = errors.New("invalid action arguments")
)

// Action names, as stored in actionlog.action.
const (
	MarkUnread      = "mark_unread"
	MarkStarred     = "mark_starred"
	Move            = "move"
	ChangeLabels    = "change_labels"
	SaveDraft       = "save_draft"
	UpdateDraft     = "update_draft"
	DeleteDraft     = "delete_draft"
	SaveSentEmail   = "save_sent_email"
	DeleteSentEmail = "delete_sent_email"
	CreateFolder    = "create_folder"
	CreateLabel     = "create_label"
	UpdateFolder    = "update_folder"
	UpdateLabel     = "update_label"
	DeleteFolder    = "delete_folder"
	DeleteLabel     = "delete_label"
	CreateEvent     = "create_event"
	UpdateEvent     = "update_event"
	DeleteEvent     = "delete_event"
)

// Record tables.
const (
	TableMessages   = "messages"
	TableThreads    = "threads"
	TableCategories = "categories"
	TableEvents     = "events"
)

type MarkUnreadArgs struct {
	Unread bool `json:"unread"`
}

type MarkStarredArgs struct {
	Starred bool `json:"starred"`
}

type MoveArgs struct {
	Destination string `json:"destination"`
}

type ChangeLabelsArgs struct {
	AddedLabels   []string `json:"added_labels"`
	RemovedLabels []string `json:"removed_labels"`
}

type DraftArgs struct {
	Version            int    `json:"version"`
	OldMessageIDHeader string `json:"old_message_id_header,omitempty"`
}

// DeleteDraftArgs identifies the draft by the X-Inbox-Id header it was saved
// with, falling back to its Message-ID.
type DeleteDraftArgs struct {
	InboxUID        InboxUID `json:"inbox_uid,omitempty"`
	MessageIDHeader string   `json:"message_id_header,omitempty"`
}

// InboxIDHeader carries the public id of a draft in the saved message.
const InboxIDHeader = "X-Inbox-Id"

// InboxUID is the public id of a draft. Some producers send it as a JSON number.
type InboxUID string

func (u *InboxUID) UnmarshalJSON(b []byte) error {
	var s string
	if err := json.Unmarshal(b, &s); err == nil {
		*u = InboxUID(s)
		return nil
	}
	var n json.Number
	if err := json.Unmarshal(b, &n); err != nil {
		return fmt.Errorf("inbox_uid must be a string or a number: %w", err)
	}
	*u = InboxUID(n.String())
	return nil
}

type DeleteSentEmailArgs struct {
	MessageIDHeader string `json:"message_id_header"`
}

// CategoryArgs carries the folder or label name. Categories live outside the
// sync store, so the name travels with the action.
type CategoryArgs struct {
	CategoryID int64  `json:"category_id"`
	Name       string `json:"name"`
	OldName    string `json:"old_name,omitempty"`
}

// Record is the local row an action refers to.
type Record struct {
	ID    int64
	Table string
}

// ScheduleAction logs an action in tx, the transaction of the local change that
// caused it. Nothing is logged unless tx commits.
func ScheduleAction(ctx context.Context, tx pgx.Tx, name string, record Record, accountID, namespaceID int64, args any) (*models.ActionLogEntry, error) {
	if !Known(name) {
		return nil, fmt.Errorf("%w: %s", ErrUnknownAction, name)
	}

	raw := json.RawMessage(`{}`)
	if args != nil {
		b, err := json.Marshal(args)
		if err != nil {
			return nil, fmt.Errorf("failed to encode %s args: %w", name, err)
		}
		raw = b
	}

	entry := &models.ActionLogEntry{
		NamespaceID: namespaceID,
		AccountID:   accountID,
		Action:      name,
		RecordID:    record.ID,
		TableName:   record.Table,
		ExtraArgs:   raw,
	}
	if err := db.InsertAction(ctx, tx, entry); err != nil {
		return nil, err
	}
	return entry, nil
}

// Known reports whether name is part of the action vocabulary.
func Known(name string) bool {
	switch name {
	case MarkUnread, MarkStarred, Move, ChangeLabels,
		SaveDraft, UpdateDraft, DeleteDraft, SaveSentEmail, DeleteSentEmail,
		CreateFolder, CreateLabel, UpdateFolder, UpdateLabel, DeleteFolder, DeleteLabel,
		CreateEvent, UpdateEvent, DeleteEvent:
		return true
	}
	return false
}

func decodeArgs(entry *models.ActionLogEntry, v any) error {
	if len(entry.ExtraArgs) == 0 {
		return nil
	}
	if err := json.Unmarshal(entry.ExtraArgs, v); err != nil {
		return fmt.Errorf("%w: %s: %v", ErrInvalidArgs, entry.Action, err)
	}
	return nil
}
