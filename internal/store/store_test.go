// Package store provides unit tests for the durable local document store.
package store

import (
	"encoding/json"
	"testing"
	"time"

	"github.com/kimhsiao/docvault/internal/checksum"
	"github.com/kimhsiao/docvault/internal/db"
	apperrors "github.com/kimhsiao/docvault/internal/errors"
	"github.com/kimhsiao/docvault/internal/models"
)

func newTestStore(t *testing.T) *DocumentStore {
	t.Helper()
	database, err := db.OpenAndMigrate(t.TempDir())
	if err != nil {
		t.Fatalf("Failed to open test database: %v", err)
	}
	t.Cleanup(func() { database.Close() })
	return New(database, nil)
}

func testDocument(id string, data []byte) *models.OfflineDocument {
	return &models.OfflineDocument{
		ID:   id,
		Data: data,
		Metadata: models.DocumentMetadata{
			ID:                 id,
			FileName:           id + ".pdf",
			IsAvailableOffline: true,
			Priority:           models.PriorityNormal,
		},
	}
}

// TestSaveAndGetDocument tests the full save/load round trip.
func TestSaveAndGetDocument(t *testing.T) {
	s := newTestStore(t)

	doc := testDocument("doc-1", []byte("pdf bytes"))
	doc.Annotations = []models.Annotation{
		{ID: "a1", Body: json.RawMessage(`{"type":"highlight"}`)},
	}
	doc.EditHistory = []models.EditHistoryEntry{
		{Entry: json.RawMessage(`{"action":"edit"}`)},
	}
	doc.FormValues = map[string]string{"name": "Kim"}

	if err := s.SaveDocument(doc); err != nil {
		t.Fatalf("SaveDocument failed: %v", err)
	}

	got, err := s.GetDocument("doc-1")
	if err != nil {
		t.Fatalf("GetDocument failed: %v", err)
	}
	if got == nil {
		t.Fatal("Expected document, got nil")
	}
	if string(got.Data) != "pdf bytes" {
		t.Errorf("Expected document bytes to round-trip, got %q", got.Data)
	}
	if len(got.Annotations) != 1 || got.Annotations[0].ID != "a1" {
		t.Errorf("Expected one annotation a1, got %+v", got.Annotations)
	}
	if len(got.EditHistory) != 1 {
		t.Errorf("Expected one history entry, got %d", len(got.EditHistory))
	}
	if got.FormValues["name"] != "Kim" {
		t.Errorf("Expected form value to round-trip, got %+v", got.FormValues)
	}
}

// TestSaveDocumentBodylessRecords tests that annotations and history entries
// without a body persist instead of failing the whole save.
func TestSaveDocumentBodylessRecords(t *testing.T) {
	s := newTestStore(t)

	doc := testDocument("doc-1", []byte("pdf bytes"))
	doc.Annotations = []models.Annotation{{ID: "a1"}}
	doc.EditHistory = []models.EditHistoryEntry{{}}

	if err := s.SaveDocument(doc); err != nil {
		t.Fatalf("SaveDocument with bodyless records failed: %v", err)
	}

	got, err := s.GetDocument("doc-1")
	if err != nil {
		t.Fatalf("GetDocument failed: %v", err)
	}
	if len(got.Annotations) != 1 || got.Annotations[0].ID != "a1" {
		t.Errorf("Expected bodyless annotation a1 kept, got %+v", got.Annotations)
	}
	if len(got.EditHistory) != 1 {
		t.Errorf("Expected bodyless history entry kept, got %d", len(got.EditHistory))
	}

	if err := s.UpsertAnnotation(&models.Annotation{ID: "a2", DocumentID: "doc-1"}); err != nil {
		t.Errorf("UpsertAnnotation without body failed: %v", err)
	}
	if err := s.AddEditHistoryEntry("doc-1", &models.EditHistoryEntry{}); err != nil {
		t.Errorf("AddEditHistoryEntry without body failed: %v", err)
	}
}

// TestSaveDocumentComputesChecksum tests that the stored checksum always
// reflects the stored bytes.
func TestSaveDocumentComputesChecksum(t *testing.T) {
	s := newTestStore(t)

	doc := testDocument("doc-1", []byte("original"))
	// A stale caller-supplied checksum must be overwritten.
	doc.Metadata.Checksum = "stale"
	if err := s.SaveDocument(doc); err != nil {
		t.Fatalf("SaveDocument failed: %v", err)
	}

	meta, err := s.GetDocumentMetadata("doc-1")
	if err != nil {
		t.Fatalf("GetDocumentMetadata failed: %v", err)
	}
	if meta.Checksum != checksum.Sum([]byte("original")) {
		t.Errorf("Expected checksum of stored bytes, got %s", meta.Checksum)
	}
	if meta.FileSize != int64(len("original")) {
		t.Errorf("Expected file size %d, got %d", len("original"), meta.FileSize)
	}

	// Replacing the bytes recomputes the checksum.
	doc.Data = []byte("updated content")
	doc.Metadata.Version = 2
	if err := s.SaveDocument(doc); err != nil {
		t.Fatalf("Second SaveDocument failed: %v", err)
	}
	meta, _ = s.GetDocumentMetadata("doc-1")
	if meta.Checksum != checksum.Sum([]byte("updated content")) {
		t.Errorf("Expected checksum updated with bytes, got %s", meta.Checksum)
	}
}

// TestSaveDocumentVersionMonotonic tests that a save can never move the
// version backwards.
func TestSaveDocumentVersionMonotonic(t *testing.T) {
	s := newTestStore(t)

	doc := testDocument("doc-1", []byte("v5"))
	doc.Metadata.Version = 5
	if err := s.SaveDocument(doc); err != nil {
		t.Fatalf("SaveDocument failed: %v", err)
	}

	stale := testDocument("doc-1", []byte("stale"))
	stale.Metadata.Version = 2
	if err := s.SaveDocument(stale); err != nil {
		t.Fatalf("Stale SaveDocument failed: %v", err)
	}

	meta, err := s.GetDocumentMetadata("doc-1")
	if err != nil {
		t.Fatalf("GetDocumentMetadata failed: %v", err)
	}
	if meta.Version != 5 {
		t.Errorf("Expected version to stay at 5, got %d", meta.Version)
	}
}

// TestGetDocumentAbsent tests that reads of unknown documents return nil
// without error.
func TestGetDocumentAbsent(t *testing.T) {
	s := newTestStore(t)

	doc, err := s.GetDocument("missing")
	if err != nil {
		t.Fatalf("GetDocument failed: %v", err)
	}
	if doc != nil {
		t.Errorf("Expected nil for missing document, got %+v", doc)
	}

	meta, err := s.GetDocumentMetadata("missing")
	if err != nil {
		t.Fatalf("GetDocumentMetadata failed: %v", err)
	}
	if meta != nil {
		t.Errorf("Expected nil metadata, got %+v", meta)
	}
}

// TestDeleteDocumentRemovesEverything tests that deletion removes bytes,
// metadata, annotations, history and settings together.
func TestDeleteDocumentRemovesEverything(t *testing.T) {
	s := newTestStore(t)

	doc := testDocument("doc-1", []byte("bytes"))
	doc.Annotations = []models.Annotation{{ID: "a1", Body: json.RawMessage(`{}`)}}
	doc.EditHistory = []models.EditHistoryEntry{{Entry: json.RawMessage(`{}`)}}
	if err := s.SaveDocument(doc); err != nil {
		t.Fatalf("SaveDocument failed: %v", err)
	}
	if err := s.SaveOfflineSettings(&models.AvailabilitySettings{
		DocumentID: "doc-1", IsAvailableOffline: true,
	}); err != nil {
		t.Fatalf("SaveOfflineSettings failed: %v", err)
	}

	if err := s.DeleteDocument("doc-1"); err != nil {
		t.Fatalf("DeleteDocument failed: %v", err)
	}

	if got, _ := s.GetDocument("doc-1"); got != nil {
		t.Error("Expected document gone after delete")
	}
	if anns, _ := s.GetAnnotations("doc-1"); len(anns) != 0 {
		t.Errorf("Expected annotations gone, got %d", len(anns))
	}
	if hist, _ := s.GetEditHistory("doc-1"); len(hist) != 0 {
		t.Errorf("Expected history gone, got %d", len(hist))
	}
	if settings, _ := s.GetOfflineSettings("doc-1"); settings != nil {
		t.Error("Expected settings gone after delete")
	}
}

// TestUpdateMetadataPatch tests partial metadata updates.
func TestUpdateMetadataPatch(t *testing.T) {
	s := newTestStore(t)

	doc := testDocument("doc-1", []byte("bytes"))
	if err := s.SaveDocument(doc); err != nil {
		t.Fatalf("SaveDocument failed: %v", err)
	}

	newName := "renamed.pdf"
	syncedAt := time.Now().Unix()
	err := s.UpdateMetadata("doc-1", MetadataPatch{
		FileName: &newName,
		SyncedAt: &syncedAt,
	})
	if err != nil {
		t.Fatalf("UpdateMetadata failed: %v", err)
	}

	meta, _ := s.GetDocumentMetadata("doc-1")
	if meta.FileName != newName {
		t.Errorf("Expected file name %q, got %q", newName, meta.FileName)
	}
	if meta.SyncedAt == nil || *meta.SyncedAt != syncedAt {
		t.Errorf("Expected synced_at %d, got %v", syncedAt, meta.SyncedAt)
	}
	// Untouched fields survive.
	if !meta.IsAvailableOffline {
		t.Error("Expected offline flag untouched by patch")
	}
}

// TestUpdateMetadataNotFound tests the NOT_FOUND error for unknown ids.
func TestUpdateMetadataNotFound(t *testing.T) {
	s := newTestStore(t)

	name := "x"
	err := s.UpdateMetadata("missing", MetadataPatch{FileName: &name})
	if !apperrors.Is(err, apperrors.ErrNotFound) {
		t.Errorf("Expected NOT_FOUND, got %v", err)
	}
}

// TestUpsertAnnotation tests add-then-replace semantics by annotation id.
func TestUpsertAnnotation(t *testing.T) {
	s := newTestStore(t)

	if err := s.SaveDocument(testDocument("doc-1", []byte("b"))); err != nil {
		t.Fatalf("SaveDocument failed: %v", err)
	}

	a := &models.Annotation{ID: "a1", DocumentID: "doc-1", Body: json.RawMessage(`{"v":1}`)}
	if err := s.UpsertAnnotation(a); err != nil {
		t.Fatalf("UpsertAnnotation failed: %v", err)
	}
	a.Body = json.RawMessage(`{"v":2}`)
	if err := s.UpsertAnnotation(a); err != nil {
		t.Fatalf("Second UpsertAnnotation failed: %v", err)
	}

	anns, err := s.GetAnnotations("doc-1")
	if err != nil {
		t.Fatalf("GetAnnotations failed: %v", err)
	}
	if len(anns) != 1 {
		t.Fatalf("Expected one annotation, got %d", len(anns))
	}
	if string(anns[0].Body) != `{"v":2}` {
		t.Errorf("Expected replaced body, got %s", anns[0].Body)
	}

	if err := s.DeleteAnnotation("doc-1", "a1"); err != nil {
		t.Fatalf("DeleteAnnotation failed: %v", err)
	}
	anns, _ = s.GetAnnotations("doc-1")
	if len(anns) != 0 {
		t.Errorf("Expected no annotations after delete, got %d", len(anns))
	}
}

// TestEditHistoryOrdering tests timestamp ordering of history reads.
func TestEditHistoryOrdering(t *testing.T) {
	s := newTestStore(t)

	if err := s.SaveDocument(testDocument("doc-1", []byte("b"))); err != nil {
		t.Fatalf("SaveDocument failed: %v", err)
	}

	for _, ts := range []int64{300, 100, 200} {
		entry := &models.EditHistoryEntry{Timestamp: ts, Entry: json.RawMessage(`{}`)}
		if err := s.AddEditHistoryEntry("doc-1", entry); err != nil {
			t.Fatalf("AddEditHistoryEntry failed: %v", err)
		}
	}

	entries, err := s.GetEditHistory("doc-1")
	if err != nil {
		t.Fatalf("GetEditHistory failed: %v", err)
	}
	if len(entries) != 3 {
		t.Fatalf("Expected 3 entries, got %d", len(entries))
	}
	for i := 1; i < len(entries); i++ {
		if entries[i-1].Timestamp > entries[i].Timestamp {
			t.Errorf("Expected entries ordered by timestamp, got %d before %d",
				entries[i-1].Timestamp, entries[i].Timestamp)
		}
	}
}

// TestOfflineSettingsRoundTrip tests settings upsert and load.
func TestOfflineSettingsRoundTrip(t *testing.T) {
	s := newTestStore(t)

	days := 30
	settings := &models.AvailabilitySettings{
		DocumentID:         "doc-1",
		IsAvailableOffline: true,
		Priority:           models.PriorityHigh,
		SyncAnnotations:    true,
		MaxSyncAgeDays:     &days,
	}
	if err := s.SaveOfflineSettings(settings); err != nil {
		t.Fatalf("SaveOfflineSettings failed: %v", err)
	}

	got, err := s.GetOfflineSettings("doc-1")
	if err != nil {
		t.Fatalf("GetOfflineSettings failed: %v", err)
	}
	if got == nil {
		t.Fatal("Expected settings, got nil")
	}
	if got.Priority != models.PriorityHigh {
		t.Errorf("Expected high priority, got %s", got.Priority)
	}
	if got.MaxSyncAgeDays == nil || *got.MaxSyncAgeDays != 30 {
		t.Errorf("Expected max sync age 30, got %v", got.MaxSyncAgeDays)
	}

	if got, _ := s.GetOfflineSettings("missing"); got != nil {
		t.Errorf("Expected nil settings for unknown document, got %+v", got)
	}
}

// TestGetOfflineAvailableDocuments tests the offline filter.
func TestGetOfflineAvailableDocuments(t *testing.T) {
	s := newTestStore(t)

	pinned := testDocument("pinned", []byte("a"))
	if err := s.SaveDocument(pinned); err != nil {
		t.Fatalf("SaveDocument failed: %v", err)
	}
	unpinned := testDocument("unpinned", []byte("b"))
	unpinned.Metadata.IsAvailableOffline = false
	if err := s.SaveDocument(unpinned); err != nil {
		t.Fatalf("SaveDocument failed: %v", err)
	}

	metas, err := s.GetOfflineAvailableDocuments()
	if err != nil {
		t.Fatalf("GetOfflineAvailableDocuments failed: %v", err)
	}
	if len(metas) != 1 || metas[0].ID != "pinned" {
		t.Errorf("Expected only the pinned document, got %+v", metas)
	}
}

// TestGetStorageStats tests aggregation with a fixed quota estimator.
func TestGetStorageStats(t *testing.T) {
	database, err := db.OpenAndMigrate(t.TempDir())
	if err != nil {
		t.Fatalf("Failed to open test database: %v", err)
	}
	t.Cleanup(func() { database.Close() })
	s := New(database, &FixedQuotaEstimator{Usage: 800, Quota: 1000})

	old := testDocument("old", []byte("aaaa"))
	old.Metadata.ModifiedAt = 1000
	if err := s.SaveDocument(old); err != nil {
		t.Fatalf("SaveDocument failed: %v", err)
	}
	recent := testDocument("recent", []byte("bbbbbbbb"))
	recent.Metadata.ModifiedAt = 2000
	if err := s.SaveDocument(recent); err != nil {
		t.Fatalf("SaveDocument failed: %v", err)
	}

	stats, err := s.GetStorageStats()
	if err != nil {
		t.Fatalf("GetStorageStats failed: %v", err)
	}
	if stats.TotalDocuments != 2 {
		t.Errorf("Expected 2 documents, got %d", stats.TotalDocuments)
	}
	if stats.TotalSize != 12 {
		t.Errorf("Expected total size 12, got %d", stats.TotalSize)
	}
	if stats.QuotaUsagePercent != 80 {
		t.Errorf("Expected 80%% quota usage, got %.1f", stats.QuotaUsagePercent)
	}
	if stats.AvailableSpace != 200 {
		t.Errorf("Expected 200 bytes available, got %d", stats.AvailableSpace)
	}
	if stats.OldestDocument == nil || stats.OldestDocument.ID != "old" {
		t.Errorf("Expected oldest document 'old', got %+v", stats.OldestDocument)
	}
	if stats.NewestDocument == nil || stats.NewestDocument.ID != "recent" {
		t.Errorf("Expected newest document 'recent', got %+v", stats.NewestDocument)
	}
}

// TestCleanupOldDocuments tests that cleanup skips pinned documents.
func TestCleanupOldDocuments(t *testing.T) {
	s := newTestStore(t)

	stale := time.Now().AddDate(0, 0, -60).Unix()

	pinned := testDocument("pinned-old", []byte("a"))
	pinned.Metadata.ModifiedAt = stale
	if err := s.SaveDocument(pinned); err != nil {
		t.Fatalf("SaveDocument failed: %v", err)
	}

	unpinned := testDocument("unpinned-old", []byte("b"))
	unpinned.Metadata.IsAvailableOffline = false
	unpinned.Metadata.ModifiedAt = stale
	if err := s.SaveDocument(unpinned); err != nil {
		t.Fatalf("SaveDocument failed: %v", err)
	}

	fresh := testDocument("fresh", []byte("c"))
	fresh.Metadata.IsAvailableOffline = false
	if err := s.SaveDocument(fresh); err != nil {
		t.Fatalf("SaveDocument failed: %v", err)
	}

	removed, err := s.CleanupOldDocuments(30)
	if err != nil {
		t.Fatalf("CleanupOldDocuments failed: %v", err)
	}
	if removed != 1 {
		t.Errorf("Expected 1 document removed, got %d", removed)
	}
	if has, _ := s.HasDocument("pinned-old"); !has {
		t.Error("Expected pinned document to survive cleanup")
	}
	if has, _ := s.HasDocument("unpinned-old"); has {
		t.Error("Expected stale unpinned document to be removed")
	}
	if has, _ := s.HasDocument("fresh"); !has {
		t.Error("Expected fresh document to survive cleanup")
	}
}
