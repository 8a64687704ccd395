// Package models provides data model definitions for the DocVault offline core.
package models

import (
	"encoding/json"
	"time"
)

// Priority governs eviction order for documents and processing order for
// queue items. High-priority documents are never auto-evicted.
type Priority string

const (
	PriorityHigh   Priority = "high"
	PriorityNormal Priority = "normal"
	PriorityLow    Priority = "low"
)

// Rank returns the sort rank of a priority. Lower rank sorts first.
func (p Priority) Rank() int {
	switch p {
	case PriorityHigh:
		return 0
	case PriorityNormal:
		return 1
	case PriorityLow:
		return 2
	default:
		return 1
	}
}

// IsValid reports whether p is one of the known priority tiers.
func (p Priority) IsValid() bool {
	switch p {
	case PriorityHigh, PriorityNormal, PriorityLow:
		return true
	}
	return false
}

// DocumentMetadata describes a document known to the offline store.
// Checksum must always reflect the stored bytes; any write path that
// replaces the bytes recomputes it and bumps Version in the same
// transaction.
type DocumentMetadata struct {
	ID                 string   `db:"id" json:"id"`
	FileName           string   `db:"file_name" json:"file_name"`
	FileSize           int64    `db:"file_size" json:"file_size"`
	PageCount          int      `db:"page_count" json:"page_count"`
	CreatedAt          int64    `db:"created_at" json:"created_at"`
	ModifiedAt         int64    `db:"modified_at" json:"modified_at"`
	SyncedAt           *int64   `db:"synced_at" json:"synced_at,omitempty"`
	Version            int      `db:"version" json:"version"`
	Checksum           string   `db:"checksum" json:"checksum"`
	IsAvailableOffline bool     `db:"is_available_offline" json:"is_available_offline"`
	Priority           Priority `db:"priority" json:"priority"`
}

// TableName returns the table name for DocumentMetadata.
func (DocumentMetadata) TableName() string {
	return "document_metadata"
}

// ModifiedAtTime returns ModifiedAt as time.Time.
func (m *DocumentMetadata) ModifiedAtTime() time.Time {
	return time.Unix(m.ModifiedAt, 0)
}

// Touch updates the ModifiedAt timestamp and bumps the version.
func (m *DocumentMetadata) Touch() {
	m.ModifiedAt = time.Now().Unix()
	m.Version++
}

// Annotation is a viewer-owned markup record. The core treats the body as
// opaque and only requires a stable unique ID per document.
type Annotation struct {
	ID         string          `db:"id" json:"id"`
	DocumentID string          `db:"document_id" json:"document_id"`
	Body       json.RawMessage `db:"body" json:"body"`
	CreatedAt  int64           `db:"created_at" json:"created_at"`
	ModifiedAt int64           `db:"modified_at" json:"modified_at"`
}

// TableName returns the table name for Annotation.
func (Annotation) TableName() string {
	return "annotations"
}

// EditHistoryEntry is an append-only edit record ordered by timestamp.
// The entry body is opaque to the core.
type EditHistoryEntry struct {
	ID         UUID            `db:"id" json:"id"`
	DocumentID string          `db:"document_id" json:"document_id"`
	Timestamp  int64           `db:"timestamp" json:"timestamp"`
	Entry      json.RawMessage `db:"entry" json:"entry"`
}

// TableName returns the table name for EditHistoryEntry.
func (EditHistoryEntry) TableName() string {
	return "edit_history"
}

// OfflineDocument is the unit of offline storage: bytes plus metadata,
// annotations, edit history and optional form values.
type OfflineDocument struct {
	ID          string             `json:"id"`
	Metadata    DocumentMetadata   `json:"metadata"`
	Data        []byte             `json:"data"`
	Annotations []Annotation       `json:"annotations"`
	EditHistory []EditHistoryEntry `json:"edit_history"`
	FormValues  map[string]string  `json:"form_values,omitempty"`
}

// AnnotationByID returns the annotation with the given id, or nil.
func (d *OfflineDocument) AnnotationByID(id string) *Annotation {
	for i := range d.Annotations {
		if d.Annotations[i].ID == id {
			return &d.Annotations[i]
		}
	}
	return nil
}

// DocumentVersion is the compact version descriptor exchanged with the
// remote adapter for conflict comparison.
type DocumentVersion struct {
	Version    int      `json:"version"`
	ModifiedAt int64    `json:"modified_at"`
	Checksum   string   `json:"checksum"`
	Changes    []string `json:"changes,omitempty"`
}
