// Package models provides data model definitions for the DocVault offline core.
package models

import (
	"encoding/json"
	"time"
)

// OperationType classifies a queued network-bound operation.
type OperationType string

const (
	OperationCreate   OperationType = "create"
	OperationUpdate   OperationType = "update"
	OperationDelete   OperationType = "delete"
	OperationSync     OperationType = "sync"
	OperationUpload   OperationType = "upload"
	OperationDownload OperationType = "download"
)

// IsValid reports whether t is a known operation type.
func (t OperationType) IsValid() bool {
	switch t {
	case OperationCreate, OperationUpdate, OperationDelete,
		OperationSync, OperationUpload, OperationDownload:
		return true
	}
	return false
}

// QueueItemStatus is the state of a queued operation.
// Transitions: pending -> processing -> {completed | pending (retry) | failed}.
// completed and failed are terminal; failed items may only be revived by an
// explicit retry-all, which resets the retry count.
type QueueItemStatus string

const (
	QueueStatusPending    QueueItemStatus = "pending"
	QueueStatusProcessing QueueItemStatus = "processing"
	QueueStatusFailed     QueueItemStatus = "failed"
	QueueStatusCompleted  QueueItemStatus = "completed"
)

// DefaultMaxRetries is the retry budget for new queue items.
const DefaultMaxRetries = 5

// QueueItem is a durable record of a pending network operation. The payload
// is opaque to the queue.
type QueueItem struct {
	ID          UUID            `db:"id" json:"id"`
	Type        OperationType   `db:"type" json:"type"`
	DocumentID  string          `db:"document_id" json:"document_id"`
	Payload     json.RawMessage `db:"payload" json:"payload"`
	CreatedAt   int64           `db:"created_at" json:"created_at"`
	LastAttempt *int64          `db:"last_attempt" json:"last_attempt,omitempty"`
	RetryCount  int             `db:"retry_count" json:"retry_count"`
	MaxRetries  int             `db:"max_retries" json:"max_retries"`
	Priority    Priority        `db:"priority" json:"priority"`
	Status      QueueItemStatus `db:"status" json:"status"`
	Error       string          `db:"error" json:"error,omitempty"`
}

// TableName returns the table name for QueueItem.
func (QueueItem) TableName() string {
	return "sync_queue"
}

// CreatedAtTime returns CreatedAt as time.Time.
func (i *QueueItem) CreatedAtTime() time.Time {
	return time.Unix(i.CreatedAt, 0)
}

// LastAttemptTime returns LastAttempt as time.Time, or the zero time when
// the item has never been attempted.
func (i *QueueItem) LastAttemptTime() time.Time {
	if i.LastAttempt == nil {
		return time.Time{}
	}
	return time.Unix(*i.LastAttempt, 0)
}
