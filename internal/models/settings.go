// Package models provides data model definitions for the DocVault offline core.
package models

// AvailabilitySettings is the per-document offline policy. Created when a
// document is first pinned, deleted when the document leaves offline storage.
type AvailabilitySettings struct {
	DocumentID         string   `db:"document_id" json:"document_id"`
	IsAvailableOffline bool     `db:"is_available_offline" json:"is_available_offline"`
	Priority           Priority `db:"priority" json:"priority"`
	SyncAnnotations    bool     `db:"sync_annotations" json:"sync_annotations"`
	SyncFormData       bool     `db:"sync_form_data" json:"sync_form_data"`
	// MaxSyncAgeDays caps how long a cached copy may go unmodified before
	// the availability manager purges it. Nil means no auto-expiry.
	MaxSyncAgeDays *int  `db:"max_sync_age_days" json:"max_sync_age_days,omitempty"`
	CreatedAt      int64 `db:"created_at" json:"created_at"`
	UpdatedAt      int64 `db:"updated_at" json:"updated_at"`
}

// TableName returns the table name for AvailabilitySettings.
func (AvailabilitySettings) TableName() string {
	return "offline_settings"
}
