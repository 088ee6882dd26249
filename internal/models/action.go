package models

import (
	"encoding/json"
	"time"
)

// ActionStatus is the lifecycle state of an action log entry.
type ActionStatus string

const (
	ActionStatusPending    ActionStatus = "pending"
	ActionStatusSuccessful ActionStatus = "successful"
	ActionStatusFailed     ActionStatus = "failed"
)

// ActionLogEntry is one request to mutate the remote mailbox, written in the same
// transaction as the local change that caused it.
type ActionLogEntry struct {
	ID          int64           `json:"id"`
	NamespaceID int64           `json:"namespace_id"`
	AccountID   int64           `json:"account_id"`
	Action      string          `json:"action"`
	RecordID    int64           `json:"record_id"`
	TableName   string          `json:"table_name"`
	ExtraArgs   json.RawMessage `json:"extra_args"`
	Status      ActionStatus    `json:"status"`
	Retries     int             `json:"retries"`
	CreatedAt   time.Time       `json:"created_at"`
	UpdatedAt   time.Time       `json:"updated_at"`
}
