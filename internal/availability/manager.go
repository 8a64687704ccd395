// Package availability implements the offline availability policy: which
// documents are cached locally, quota and document-count enforcement, and
// priority-based eviction.
package availability

import (
	"sort"
	"time"

	apperrors "github.com/kimhsiao/docvault/internal/errors"
	"github.com/kimhsiao/docvault/internal/logging"
	"github.com/kimhsiao/docvault/internal/models"
	"github.com/kimhsiao/docvault/internal/queue"
	"github.com/kimhsiao/docvault/internal/store"
)

// Config holds availability policy limits.
type Config struct {
	// MaxDocuments caps how many documents may be cached offline.
	MaxDocuments int
	// QuotaWarnPercent is the quota usage percentage above which space is
	// proactively freed before storing a new document.
	QuotaWarnPercent float64
}

// DefaultConfig returns the default availability configuration.
func DefaultConfig() *Config {
	return &Config{
		MaxDocuments:     50,
		QuotaWarnPercent: 80,
	}
}

// Manager decides which documents live in offline storage. It is the only
// component that evicts pinned documents.
type Manager struct {
	store *store.DocumentStore
	queue *queue.OperationQueue
	cfg   Config
}

// New creates a Manager. The queue is optional: when present, pinning a
// document enqueues an upload operation and unpinning clears the document's
// pending operations.
func New(st *store.DocumentStore, q *queue.OperationQueue, cfg *Config) *Manager {
	if cfg == nil {
		cfg = DefaultConfig()
	}
	return &Manager{store: st, queue: q, cfg: *cfg}
}

// PinOptions configures a MakeAvailableOffline call.
type PinOptions struct {
	Priority        models.Priority
	SyncAnnotations bool
	SyncFormData    bool
	MaxSyncAgeDays  *int
}

// DefaultPinOptions returns the defaults for a first-time pin.
func DefaultPinOptions() *PinOptions {
	return &PinOptions{
		Priority:        models.PriorityNormal,
		SyncAnnotations: true,
		SyncFormData:    true,
	}
}

// MakeAvailableOffline caches a document for offline use, enforcing the
// quota warning threshold and the document-count limit before storing.
// Document and settings persist together; the checksum is computed by the
// store in the same transaction as the bytes.
func (m *Manager) MakeAvailableOffline(documentID string, data []byte,
	meta models.DocumentMetadata, opts *PinOptions) (*models.OfflineDocument, error) {

	if documentID == "" {
		return nil, apperrors.New(apperrors.ErrInvalid, "document id is required")
	}
	if opts == nil {
		opts = DefaultPinOptions()
	}
	if !opts.Priority.IsValid() {
		opts.Priority = models.PriorityNormal
	}

	stats, err := m.store.GetStorageStats()
	if err != nil {
		return nil, err
	}
	if stats.QuotaUsagePercent >= m.cfg.QuotaWarnPercent {
		freed, err := m.FreeUpSpace(int64(len(data)))
		if err != nil {
			return nil, err
		}
		logging.Info("freed space before offline pin", map[string]interface{}{
			"document_id": documentID, "freed_bytes": freed,
		})
	}

	// Count-limit enforcement: evict a single lowest-priority document when
	// at capacity, unless the document is already stored (re-pin).
	exists, err := m.store.HasDocument(documentID)
	if err != nil {
		return nil, err
	}
	if !exists {
		count, err := m.store.GetDocumentCount()
		if err != nil {
			return nil, err
		}
		if count >= m.cfg.MaxDocuments {
			if err := m.removeLowestPriorityDocument(); err != nil {
				return nil, err
			}
		}
	}

	meta.ID = documentID
	meta.IsAvailableOffline = true
	meta.Priority = opts.Priority
	if meta.PageCount == 0 {
		if pages, title, ok := derivePDFInfo(data); ok {
			meta.PageCount = pages
			if meta.FileName == "" && title != "" {
				meta.FileName = title
			}
		}
	}

	doc := &models.OfflineDocument{
		ID:       documentID,
		Metadata: meta,
		Data:     data,
	}
	if err := m.store.SaveDocument(doc); err != nil {
		return nil, err
	}

	settings := &models.AvailabilitySettings{
		DocumentID:         documentID,
		IsAvailableOffline: true,
		Priority:           opts.Priority,
		SyncAnnotations:    opts.SyncAnnotations,
		SyncFormData:       opts.SyncFormData,
		MaxSyncAgeDays:     opts.MaxSyncAgeDays,
	}
	if err := m.store.SaveOfflineSettings(settings); err != nil {
		return nil, err
	}

	if m.queue != nil {
		if _, err := m.queue.Enqueue(models.OperationUpload, documentID, nil, opts.Priority); err != nil {
			logging.Error("failed to enqueue upload after pin", err,
				map[string]interface{}{"document_id": documentID})
		}
	}

	logging.Info("document made available offline", map[string]interface{}{
		"document_id": documentID,
		"file_size":   len(data),
		"priority":    opts.Priority,
	})
	return doc, nil
}

// RemoveFromOffline deletes the document entirely: for a given id, "cached"
// and "available offline" are the same thing.
func (m *Manager) RemoveFromOffline(documentID string) error {
	if err := m.store.DeleteDocument(documentID); err != nil {
		return err
	}
	if m.queue != nil {
		if _, err := m.queue.ClearForDocument(documentID); err != nil {
			logging.Error("failed to clear queued operations", err,
				map[string]interface{}{"document_id": documentID})
		}
	}
	return nil
}

// IsAvailableOffline reports whether the document is cached offline.
func (m *Manager) IsAvailableOffline(documentID string) (bool, error) {
	meta, err := m.store.GetDocumentMetadata(documentID)
	if err != nil {
		return false, err
	}
	return meta != nil && meta.IsAvailableOffline, nil
}

// GetSettings returns the availability settings for a document, or nil.
func (m *Manager) GetSettings(documentID string) (*models.AvailabilitySettings, error) {
	return m.store.GetOfflineSettings(documentID)
}

// UpdateSettings replaces the settings for a document and mirrors priority
// and the offline flag into the metadata record so the two stay consistent.
// Fails with NOT_FOUND when no settings exist.
func (m *Manager) UpdateSettings(settings *models.AvailabilitySettings) error {
	if settings == nil || settings.DocumentID == "" {
		return apperrors.New(apperrors.ErrInvalid, "settings document id is required")
	}
	existing, err := m.store.GetOfflineSettings(settings.DocumentID)
	if err != nil {
		return err
	}
	if existing == nil {
		return apperrors.Newf(apperrors.ErrNotFound,
			"offline settings not found: %s", settings.DocumentID)
	}
	settings.CreatedAt = existing.CreatedAt
	if err := m.store.SaveOfflineSettings(settings); err != nil {
		return err
	}

	return m.store.UpdateMetadata(settings.DocumentID, store.MetadataPatch{
		Priority:           &settings.Priority,
		IsAvailableOffline: &settings.IsAvailableOffline,
	})
}

// SetPriority changes a document's priority tier.
func (m *Manager) SetPriority(documentID string, priority models.Priority) error {
	if !priority.IsValid() {
		return apperrors.Newf(apperrors.ErrInvalid, "unknown priority: %s", priority)
	}
	settings, err := m.store.GetOfflineSettings(documentID)
	if err != nil {
		return err
	}
	if settings == nil {
		return apperrors.Newf(apperrors.ErrNotFound, "offline settings not found: %s", documentID)
	}
	settings.Priority = priority
	return m.UpdateSettings(settings)
}

// GetOfflineDocuments returns metadata for every offline-cached document.
func (m *Manager) GetOfflineDocuments() ([]*models.DocumentMetadata, error) {
	return m.store.GetOfflineAvailableDocuments()
}

// GetStorageStats returns the store's storage accounting.
func (m *Manager) GetStorageStats() (*store.StorageStats, error) {
	return m.store.GetStorageStats()
}

// evictionCandidates returns offline documents eligible for auto-eviction,
// sorted by (priority rank, modified time) ascending. High-priority
// documents are never candidates.
func (m *Manager) evictionCandidates() ([]*models.DocumentMetadata, error) {
	metas, err := m.store.GetOfflineAvailableDocuments()
	if err != nil {
		return nil, err
	}

	var candidates []*models.DocumentMetadata
	for _, meta := range metas {
		if meta.Priority == models.PriorityHigh {
			continue
		}
		candidates = append(candidates, meta)
	}

	sort.Slice(candidates, func(i, j int) bool {
		ri, rj := candidates[i].Priority.Rank(), candidates[j].Priority.Rank()
		if ri != rj {
			// Low evicts before normal.
			return ri > rj
		}
		return candidates[i].ModifiedAt < candidates[j].ModifiedAt
	})
	return candidates, nil
}

// FreeUpSpace evicts candidates in priority/age order until at least
// requiredBytes have been freed or candidates run out. Returns bytes freed.
func (m *Manager) FreeUpSpace(requiredBytes int64) (int64, error) {
	candidates, err := m.evictionCandidates()
	if err != nil {
		return 0, err
	}

	var freed int64
	for _, meta := range candidates {
		if freed >= requiredBytes {
			break
		}
		if err := m.RemoveFromOffline(meta.ID); err != nil {
			return freed, err
		}
		freed += meta.FileSize
		logging.Info("evicted document for space", map[string]interface{}{
			"document_id": meta.ID,
			"file_size":   meta.FileSize,
			"priority":    meta.Priority,
		})
	}
	return freed, nil
}

// removeLowestPriorityDocument evicts exactly one document for count-limit
// enforcement. Fails with CAPACITY_EXCEEDED when nothing is evictable.
func (m *Manager) removeLowestPriorityDocument() error {
	candidates, err := m.evictionCandidates()
	if err != nil {
		return err
	}
	if len(candidates) == 0 {
		return apperrors.New(apperrors.ErrCapacity,
			"document limit reached and no evictable documents")
	}
	victim := candidates[0]
	logging.Info("evicted document for count limit", map[string]interface{}{
		"document_id": victim.ID,
		"priority":    victim.Priority,
	})
	return m.RemoveFromOffline(victim.ID)
}

// CleanupOldDocuments purges every document whose configured max sync age
// has elapsed since its last modification. Unlike the store's blanket
// cleanup this removes even offline-pinned documents.
func (m *Manager) CleanupOldDocuments() (int, error) {
	metas, err := m.store.GetAllDocumentMetadata()
	if err != nil {
		return 0, err
	}

	now := time.Now()
	removed := 0
	for _, meta := range metas {
		settings, err := m.store.GetOfflineSettings(meta.ID)
		if err != nil {
			return removed, err
		}
		if settings == nil || settings.MaxSyncAgeDays == nil {
			continue
		}
		cutoff := now.AddDate(0, 0, -*settings.MaxSyncAgeDays).Unix()
		if meta.ModifiedAt < cutoff {
			if err := m.RemoveFromOffline(meta.ID); err != nil {
				return removed, err
			}
			removed++
		}
	}
	return removed, nil
}

// StoreCheck is the result of a dry-run capacity check.
type StoreCheck struct {
	CanStore       bool   `json:"can_store"`
	Reason         string `json:"reason,omitempty"`
	AvailableSpace int64  `json:"available_space"`
	RequiredSpace  int64  `json:"required_space"`
}

// CanStoreOffline checks whether a document of the given size could be
// stored, without mutating anything.
func (m *Manager) CanStoreOffline(sizeBytes int64) (*StoreCheck, error) {
	stats, err := m.store.GetStorageStats()
	if err != nil {
		return nil, err
	}

	check := &StoreCheck{
		CanStore:       true,
		AvailableSpace: stats.AvailableSpace,
		RequiredSpace:  sizeBytes,
	}

	// A zero quota means the platform estimate is unavailable and the check
	// is permissive on space.
	if stats.UsedSpace+stats.AvailableSpace > 0 && stats.AvailableSpace < sizeBytes {
		check.CanStore = false
		check.Reason = "insufficient storage space"
		return check, nil
	}

	count, err := m.store.GetDocumentCount()
	if err != nil {
		return nil, err
	}
	if count >= m.cfg.MaxDocuments {
		candidates, err := m.evictionCandidates()
		if err != nil {
			return nil, err
		}
		if len(candidates) == 0 {
			check.CanStore = false
			check.Reason = "document limit reached and no evictable documents"
		}
	}

	return check, nil
}

// StorageByPriority is bytes of offline storage per priority tier.
type StorageByPriority struct {
	High   int64 `json:"high"`
	Normal int64 `json:"normal"`
	Low    int64 `json:"low"`
}

// GetStorageByPriority sums offline-flagged document sizes by priority.
func (m *Manager) GetStorageByPriority() (*StorageByPriority, error) {
	metas, err := m.store.GetOfflineAvailableDocuments()
	if err != nil {
		return nil, err
	}

	out := &StorageByPriority{}
	for _, meta := range metas {
		switch meta.Priority {
		case models.PriorityHigh:
			out.High += meta.FileSize
		case models.PriorityLow:
			out.Low += meta.FileSize
		default:
			out.Normal += meta.FileSize
		}
	}
	return out, nil
}
