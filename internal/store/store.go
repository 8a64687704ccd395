// Package store provides the durable local store for offline documents:
// transactional CRUD for document bytes, metadata, annotations, edit history
// and per-document availability settings, plus storage accounting.
package store

import (
	"database/sql"
	"encoding/json"
	"time"

	"github.com/kimhsiao/docvault/internal/checksum"
	"github.com/kimhsiao/docvault/internal/db"
	apperrors "github.com/kimhsiao/docvault/internal/errors"
	"github.com/kimhsiao/docvault/internal/logging"
	"github.com/kimhsiao/docvault/internal/models"
)

// DocumentStore is the single owner of persisted document bytes and
// metadata. All mutation goes through its transactional operations.
type DocumentStore struct {
	db    *db.DB
	quota QuotaEstimator
}

// New creates a DocumentStore. A nil estimator degrades quota reporting to
// zeros, which makes quota checks permissive.
func New(database *db.DB, quota QuotaEstimator) *DocumentStore {
	if quota == nil {
		quota = PermissiveQuotaEstimator{}
	}
	return &DocumentStore{db: database, quota: quota}
}

func storageErr(message string, err error) error {
	return apperrors.Wrap(apperrors.ErrStorage, message, err)
}

// rawOrEmpty maps a nil raw payload to an empty blob so NOT NULL columns
// accept records that carry no body.
func rawOrEmpty(b json.RawMessage) []byte {
	if b == nil {
		return []byte{}
	}
	return b
}

// SaveDocument persists document bytes, metadata, and the full annotation
// and edit-history sets in one transaction. The checksum is recomputed from
// the bytes and the version never decreases relative to what is stored.
func (s *DocumentStore) SaveDocument(doc *models.OfflineDocument) error {
	if doc == nil || doc.ID == "" {
		return apperrors.New(apperrors.ErrInvalid, "document id is required")
	}

	now := time.Now().Unix()
	meta := doc.Metadata
	meta.ID = doc.ID
	meta.Checksum = checksum.Sum(doc.Data)
	meta.FileSize = int64(len(doc.Data))
	if meta.CreatedAt == 0 {
		meta.CreatedAt = now
	}
	if meta.ModifiedAt == 0 {
		meta.ModifiedAt = now
	}
	if meta.Version < 1 {
		meta.Version = 1
	}
	if !meta.Priority.IsValid() {
		meta.Priority = models.PriorityNormal
	}

	tx, err := s.db.Begin()
	if err != nil {
		return storageErr("failed to begin transaction", err)
	}
	defer tx.Rollback()

	// Version is monotonic: a save may never move it backwards.
	var existingVersion int
	err = tx.QueryRow("SELECT version FROM document_metadata WHERE id = ?", doc.ID).Scan(&existingVersion)
	if err != nil && err != sql.ErrNoRows {
		return storageErr("failed to read existing version", err)
	}
	if meta.Version < existingVersion {
		meta.Version = existingVersion
	}

	var formValues []byte
	if doc.FormValues != nil {
		formValues, err = json.Marshal(doc.FormValues)
		if err != nil {
			return storageErr("failed to encode form values", err)
		}
	}

	_, err = tx.Exec(`
	INSERT INTO documents (id, data, form_values) VALUES (?, ?, ?)
	ON CONFLICT(id) DO UPDATE SET data = excluded.data, form_values = excluded.form_values
	`, doc.ID, doc.Data, formValues)
	if err != nil {
		return storageErr("failed to save document bytes", err)
	}

	_, err = tx.Exec(`
	INSERT INTO document_metadata
		(id, file_name, file_size, page_count, created_at, modified_at, synced_at,
		 version, checksum, is_available_offline, priority)
	VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)
	ON CONFLICT(id) DO UPDATE SET
		file_name = excluded.file_name,
		file_size = excluded.file_size,
		page_count = excluded.page_count,
		modified_at = excluded.modified_at,
		synced_at = excluded.synced_at,
		version = excluded.version,
		checksum = excluded.checksum,
		is_available_offline = excluded.is_available_offline,
		priority = excluded.priority
	`, meta.ID, meta.FileName, meta.FileSize, meta.PageCount, meta.CreatedAt,
		meta.ModifiedAt, meta.SyncedAt, meta.Version, meta.Checksum,
		meta.IsAvailableOffline, meta.Priority)
	if err != nil {
		return storageErr("failed to save document metadata", err)
	}

	// Full replacement of the annotation and history sets for this document.
	if _, err := tx.Exec("DELETE FROM annotations WHERE document_id = ?", doc.ID); err != nil {
		return storageErr("failed to clear annotations", err)
	}
	for i := range doc.Annotations {
		a := &doc.Annotations[i]
		a.DocumentID = doc.ID
		if a.CreatedAt == 0 {
			a.CreatedAt = now
		}
		if a.ModifiedAt == 0 {
			a.ModifiedAt = a.CreatedAt
		}
		_, err := tx.Exec(`
		INSERT INTO annotations (id, document_id, body, created_at, modified_at)
		VALUES (?, ?, ?, ?, ?)
		`, a.ID, a.DocumentID, rawOrEmpty(a.Body), a.CreatedAt, a.ModifiedAt)
		if err != nil {
			return storageErr("failed to save annotation", err)
		}
	}

	if _, err := tx.Exec("DELETE FROM edit_history WHERE document_id = ?", doc.ID); err != nil {
		return storageErr("failed to clear edit history", err)
	}
	for i := range doc.EditHistory {
		e := &doc.EditHistory[i]
		e.DocumentID = doc.ID
		if e.ID == "" {
			e.ID = models.NewUUID()
		}
		if e.Timestamp == 0 {
			e.Timestamp = now
		}
		_, err := tx.Exec(`
		INSERT INTO edit_history (id, document_id, timestamp, entry)
		VALUES (?, ?, ?, ?)
		`, e.ID, e.DocumentID, e.Timestamp, rawOrEmpty(e.Entry))
		if err != nil {
			return storageErr("failed to save edit history entry", err)
		}
	}

	if err := tx.Commit(); err != nil {
		return storageErr("failed to commit document save", err)
	}

	doc.Metadata = meta
	return nil
}

// GetDocument assembles the full offline document for id. Returns nil when
// no metadata exists; partial records are treated as absent.
func (s *DocumentStore) GetDocument(id string) (*models.OfflineDocument, error) {
	meta, err := s.GetDocumentMetadata(id)
	if err != nil {
		return nil, err
	}
	if meta == nil {
		return nil, nil
	}

	doc := &models.OfflineDocument{
		ID:       id,
		Metadata: *meta,
	}

	var formValues sql.NullString
	err = s.db.QueryRow("SELECT data, form_values FROM documents WHERE id = ?", id).
		Scan(&doc.Data, &formValues)
	if err == sql.ErrNoRows {
		return nil, nil
	}
	if err != nil {
		return nil, storageErr("failed to read document bytes", err)
	}
	if formValues.Valid && formValues.String != "" {
		if err := json.Unmarshal([]byte(formValues.String), &doc.FormValues); err != nil {
			return nil, storageErr("failed to decode form values", err)
		}
	}

	doc.Annotations, err = s.GetAnnotations(id)
	if err != nil {
		return nil, err
	}
	doc.EditHistory, err = s.GetEditHistory(id)
	if err != nil {
		return nil, err
	}

	return doc, nil
}

// GetDocumentMetadata returns the metadata for id, or nil when absent.
func (s *DocumentStore) GetDocumentMetadata(id string) (*models.DocumentMetadata, error) {
	row := s.db.QueryRow(`
	SELECT id, file_name, file_size, page_count, created_at, modified_at,
		   synced_at, version, checksum, is_available_offline, priority
	FROM document_metadata WHERE id = ?
	`, id)
	meta, err := scanMetadata(row)
	if err == sql.ErrNoRows {
		return nil, nil
	}
	if err != nil {
		return nil, storageErr("failed to read document metadata", err)
	}
	return meta, nil
}

type rowScanner interface {
	Scan(dest ...interface{}) error
}

func scanMetadata(row rowScanner) (*models.DocumentMetadata, error) {
	var meta models.DocumentMetadata
	var syncedAt sql.NullInt64
	err := row.Scan(&meta.ID, &meta.FileName, &meta.FileSize, &meta.PageCount,
		&meta.CreatedAt, &meta.ModifiedAt, &syncedAt, &meta.Version,
		&meta.Checksum, &meta.IsAvailableOffline, &meta.Priority)
	if err != nil {
		return nil, err
	}
	if syncedAt.Valid {
		meta.SyncedAt = &syncedAt.Int64
	}
	return &meta, nil
}

func (s *DocumentStore) queryMetadata(query string, args ...interface{}) ([]*models.DocumentMetadata, error) {
	rows, err := s.db.Query(query, args...)
	if err != nil {
		return nil, storageErr("failed to query document metadata", err)
	}
	defer rows.Close()

	var metas []*models.DocumentMetadata
	for rows.Next() {
		meta, err := scanMetadata(rows)
		if err != nil {
			return nil, storageErr("failed to scan document metadata", err)
		}
		metas = append(metas, meta)
	}
	if err := rows.Err(); err != nil {
		return nil, storageErr("failed to iterate document metadata", err)
	}
	return metas, nil
}

// GetAllDocumentMetadata returns metadata for every known document.
func (s *DocumentStore) GetAllDocumentMetadata() ([]*models.DocumentMetadata, error) {
	return s.queryMetadata(`
	SELECT id, file_name, file_size, page_count, created_at, modified_at,
		   synced_at, version, checksum, is_available_offline, priority
	FROM document_metadata ORDER BY modified_at DESC
	`)
}

// GetOfflineAvailableDocuments returns metadata for offline-pinned documents.
func (s *DocumentStore) GetOfflineAvailableDocuments() ([]*models.DocumentMetadata, error) {
	return s.queryMetadata(`
	SELECT id, file_name, file_size, page_count, created_at, modified_at,
		   synced_at, version, checksum, is_available_offline, priority
	FROM document_metadata WHERE is_available_offline = 1 ORDER BY modified_at DESC
	`)
}

// DeleteDocument removes the document bytes, metadata, settings, annotations
// and history entries for id in one transaction. A failure partway leaves
// nothing behind.
func (s *DocumentStore) DeleteDocument(id string) error {
	tx, err := s.db.Begin()
	if err != nil {
		return storageErr("failed to begin transaction", err)
	}
	defer tx.Rollback()

	stmts := []string{
		"DELETE FROM annotations WHERE document_id = ?",
		"DELETE FROM edit_history WHERE document_id = ?",
		"DELETE FROM offline_settings WHERE document_id = ?",
		"DELETE FROM document_metadata WHERE id = ?",
		"DELETE FROM documents WHERE id = ?",
	}
	for _, stmt := range stmts {
		if _, err := tx.Exec(stmt, id); err != nil {
			return storageErr("failed to delete document records", err)
		}
	}

	if err := tx.Commit(); err != nil {
		return storageErr("failed to commit document delete", err)
	}
	return nil
}

// MetadataPatch carries partial metadata updates. Nil fields are untouched.
type MetadataPatch struct {
	FileName           *string
	PageCount          *int
	ModifiedAt         *int64
	SyncedAt           *int64
	Version            *int
	Checksum           *string
	IsAvailableOffline *bool
	Priority           *models.Priority
}

// UpdateMetadata merges a patch into the stored metadata for id. Fails with
// NOT_FOUND when no metadata exists.
func (s *DocumentStore) UpdateMetadata(id string, patch MetadataPatch) error {
	meta, err := s.GetDocumentMetadata(id)
	if err != nil {
		return err
	}
	if meta == nil {
		return apperrors.Newf(apperrors.ErrNotFound, "document metadata not found: %s", id)
	}

	if patch.FileName != nil {
		meta.FileName = *patch.FileName
	}
	if patch.PageCount != nil {
		meta.PageCount = *patch.PageCount
	}
	if patch.ModifiedAt != nil {
		meta.ModifiedAt = *patch.ModifiedAt
	}
	if patch.SyncedAt != nil {
		meta.SyncedAt = patch.SyncedAt
	}
	if patch.Version != nil {
		meta.Version = *patch.Version
	}
	if patch.Checksum != nil {
		meta.Checksum = *patch.Checksum
	}
	if patch.IsAvailableOffline != nil {
		meta.IsAvailableOffline = *patch.IsAvailableOffline
	}
	if patch.Priority != nil {
		meta.Priority = *patch.Priority
	}

	_, err = s.db.Exec(`
	UPDATE document_metadata
	SET file_name = ?, page_count = ?, modified_at = ?, synced_at = ?,
		version = ?, checksum = ?, is_available_offline = ?, priority = ?
	WHERE id = ?
	`, meta.FileName, meta.PageCount, meta.ModifiedAt, meta.SyncedAt,
		meta.Version, meta.Checksum, meta.IsAvailableOffline, meta.Priority, id)
	if err != nil {
		return storageErr("failed to update document metadata", err)
	}
	return nil
}

// UpsertAnnotation adds or replaces an annotation by id.
func (s *DocumentStore) UpsertAnnotation(a *models.Annotation) error {
	if a == nil || a.ID == "" || a.DocumentID == "" {
		return apperrors.New(apperrors.ErrInvalid, "annotation id and document id are required")
	}
	now := time.Now().Unix()
	if a.CreatedAt == 0 {
		a.CreatedAt = now
	}
	a.ModifiedAt = now

	_, err := s.db.Exec(`
	INSERT INTO annotations (id, document_id, body, created_at, modified_at)
	VALUES (?, ?, ?, ?, ?)
	ON CONFLICT(document_id, id) DO UPDATE SET
		body = excluded.body,
		modified_at = excluded.modified_at
	`, a.ID, a.DocumentID, rawOrEmpty(a.Body), a.CreatedAt, a.ModifiedAt)
	if err != nil {
		return storageErr("failed to upsert annotation", err)
	}
	return nil
}

// DeleteAnnotation removes an annotation by id.
func (s *DocumentStore) DeleteAnnotation(documentID, annotationID string) error {
	_, err := s.db.Exec("DELETE FROM annotations WHERE document_id = ? AND id = ?",
		documentID, annotationID)
	if err != nil {
		return storageErr("failed to delete annotation", err)
	}
	return nil
}

// GetAnnotations returns all annotations for a document.
func (s *DocumentStore) GetAnnotations(documentID string) ([]models.Annotation, error) {
	rows, err := s.db.Query(`
	SELECT id, document_id, body, created_at, modified_at
	FROM annotations WHERE document_id = ? ORDER BY created_at, id
	`, documentID)
	if err != nil {
		return nil, storageErr("failed to query annotations", err)
	}
	defer rows.Close()

	var annotations []models.Annotation
	for rows.Next() {
		var a models.Annotation
		var body []byte
		if err := rows.Scan(&a.ID, &a.DocumentID, &body, &a.CreatedAt, &a.ModifiedAt); err != nil {
			return nil, storageErr("failed to scan annotation", err)
		}
		a.Body = body
		annotations = append(annotations, a)
	}
	if err := rows.Err(); err != nil {
		return nil, storageErr("failed to iterate annotations", err)
	}
	return annotations, nil
}

// AddEditHistoryEntry appends an entry to the document's edit history.
func (s *DocumentStore) AddEditHistoryEntry(documentID string, entry *models.EditHistoryEntry) error {
	if entry == nil || documentID == "" {
		return apperrors.New(apperrors.ErrInvalid, "document id and entry are required")
	}
	entry.DocumentID = documentID
	if entry.ID == "" {
		entry.ID = models.NewUUID()
	}
	if entry.Timestamp == 0 {
		entry.Timestamp = time.Now().Unix()
	}

	_, err := s.db.Exec(`
	INSERT INTO edit_history (id, document_id, timestamp, entry)
	VALUES (?, ?, ?, ?)
	`, entry.ID, entry.DocumentID, entry.Timestamp, rawOrEmpty(entry.Entry))
	if err != nil {
		return storageErr("failed to add edit history entry", err)
	}
	return nil
}

// GetEditHistory returns the document's edit history ordered by timestamp.
func (s *DocumentStore) GetEditHistory(documentID string) ([]models.EditHistoryEntry, error) {
	rows, err := s.db.Query(`
	SELECT id, document_id, timestamp, entry
	FROM edit_history WHERE document_id = ? ORDER BY timestamp, id
	`, documentID)
	if err != nil {
		return nil, storageErr("failed to query edit history", err)
	}
	defer rows.Close()

	var entries []models.EditHistoryEntry
	for rows.Next() {
		var e models.EditHistoryEntry
		var body []byte
		if err := rows.Scan(&e.ID, &e.DocumentID, &e.Timestamp, &body); err != nil {
			return nil, storageErr("failed to scan edit history entry", err)
		}
		e.Entry = body
		entries = append(entries, e)
	}
	if err := rows.Err(); err != nil {
		return nil, storageErr("failed to iterate edit history", err)
	}
	return entries, nil
}

// GetOfflineSettings returns the availability settings for a document, or
// nil when none exist.
func (s *DocumentStore) GetOfflineSettings(documentID string) (*models.AvailabilitySettings, error) {
	var settings models.AvailabilitySettings
	var maxSyncAge sql.NullInt64
	err := s.db.QueryRow(`
	SELECT document_id, is_available_offline, priority, sync_annotations,
		   sync_form_data, max_sync_age_days, created_at, updated_at
	FROM offline_settings WHERE document_id = ?
	`, documentID).Scan(&settings.DocumentID, &settings.IsAvailableOffline,
		&settings.Priority, &settings.SyncAnnotations, &settings.SyncFormData,
		&maxSyncAge, &settings.CreatedAt, &settings.UpdatedAt)
	if err == sql.ErrNoRows {
		return nil, nil
	}
	if err != nil {
		return nil, storageErr("failed to read offline settings", err)
	}
	if maxSyncAge.Valid {
		days := int(maxSyncAge.Int64)
		settings.MaxSyncAgeDays = &days
	}
	return &settings, nil
}

// SaveOfflineSettings upserts the availability settings by document id.
func (s *DocumentStore) SaveOfflineSettings(settings *models.AvailabilitySettings) error {
	if settings == nil || settings.DocumentID == "" {
		return apperrors.New(apperrors.ErrInvalid, "settings document id is required")
	}
	now := time.Now().Unix()
	if settings.CreatedAt == 0 {
		settings.CreatedAt = now
	}
	settings.UpdatedAt = now
	if !settings.Priority.IsValid() {
		settings.Priority = models.PriorityNormal
	}

	_, err := s.db.Exec(`
	INSERT INTO offline_settings
		(document_id, is_available_offline, priority, sync_annotations,
		 sync_form_data, max_sync_age_days, created_at, updated_at)
	VALUES (?, ?, ?, ?, ?, ?, ?, ?)
	ON CONFLICT(document_id) DO UPDATE SET
		is_available_offline = excluded.is_available_offline,
		priority = excluded.priority,
		sync_annotations = excluded.sync_annotations,
		sync_form_data = excluded.sync_form_data,
		max_sync_age_days = excluded.max_sync_age_days,
		updated_at = excluded.updated_at
	`, settings.DocumentID, settings.IsAvailableOffline, settings.Priority,
		settings.SyncAnnotations, settings.SyncFormData, settings.MaxSyncAgeDays,
		settings.CreatedAt, settings.UpdatedAt)
	if err != nil {
		return storageErr("failed to save offline settings", err)
	}
	return nil
}

// StorageStats aggregates metadata totals with the platform quota estimate.
type StorageStats struct {
	TotalDocuments    int                      `json:"total_documents"`
	TotalSize         int64                    `json:"total_size"`
	AvailableSpace    int64                    `json:"available_space"`
	UsedSpace         int64                    `json:"used_space"`
	QuotaUsagePercent float64                  `json:"quota_usage_percent"`
	OldestDocument    *models.DocumentMetadata `json:"oldest_document,omitempty"`
	NewestDocument    *models.DocumentMetadata `json:"newest_document,omitempty"`
}

// GetStorageStats aggregates over all metadata plus the quota estimate.
// When the platform quota is unavailable the space figures degrade to zero
// and quota checks become permissive.
func (s *DocumentStore) GetStorageStats() (*StorageStats, error) {
	metas, err := s.GetAllDocumentMetadata()
	if err != nil {
		return nil, err
	}

	stats := &StorageStats{TotalDocuments: len(metas)}
	for _, meta := range metas {
		stats.TotalSize += meta.FileSize
		if stats.OldestDocument == nil || meta.ModifiedAt < stats.OldestDocument.ModifiedAt {
			stats.OldestDocument = meta
		}
		if stats.NewestDocument == nil || meta.ModifiedAt > stats.NewestDocument.ModifiedAt {
			stats.NewestDocument = meta
		}
	}

	usage, quota, err := s.quota.Estimate()
	if err != nil {
		logging.Warn("storage quota estimate unavailable",
			map[string]interface{}{"error": err.Error()})
		return stats, nil
	}
	if quota > 0 {
		stats.UsedSpace = usage
		stats.AvailableSpace = quota - usage
		stats.QuotaUsagePercent = float64(usage) / float64(quota) * 100
	}

	return stats, nil
}

// CleanupOldDocuments deletes documents whose modified time is older than
// the cutoff and which are not pinned offline. Pinned documents are only
// ever removed by the availability manager's space-pressure logic.
func (s *DocumentStore) CleanupOldDocuments(maxAgeDays int) (int, error) {
	cutoff := time.Now().AddDate(0, 0, -maxAgeDays).Unix()

	metas, err := s.queryMetadata(`
	SELECT id, file_name, file_size, page_count, created_at, modified_at,
		   synced_at, version, checksum, is_available_offline, priority
	FROM document_metadata
	WHERE modified_at < ? AND is_available_offline = 0
	`, cutoff)
	if err != nil {
		return 0, err
	}

	removed := 0
	for _, meta := range metas {
		if err := s.DeleteDocument(meta.ID); err != nil {
			return removed, err
		}
		removed++
	}

	if removed > 0 {
		logging.Info("cleaned up old documents",
			map[string]interface{}{"removed": removed, "max_age_days": maxAgeDays})
	}
	return removed, nil
}

// HasDocument reports whether metadata exists for id.
func (s *DocumentStore) HasDocument(id string) (bool, error) {
	var count int
	if err := s.db.QueryRow("SELECT COUNT(*) FROM document_metadata WHERE id = ?", id).Scan(&count); err != nil {
		return false, storageErr("failed to check document existence", err)
	}
	return count > 0, nil
}

// GetDocumentCount returns the number of known documents.
func (s *DocumentStore) GetDocumentCount() (int, error) {
	var count int
	if err := s.db.QueryRow("SELECT COUNT(*) FROM document_metadata").Scan(&count); err != nil {
		return 0, storageErr("failed to count documents", err)
	}
	return count, nil
}
