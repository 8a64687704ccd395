// Package sync reconciles the local offline store with a remote backend:
// uploads local-only documents, downloads remote-only ones, and detects and
// resolves conflicts on documents changed on both sides.
package sync

import (
	"context"
	gosync "sync"
	"time"

	apperrors "github.com/kimhsiao/docvault/internal/errors"
	"github.com/kimhsiao/docvault/internal/logging"
	"github.com/kimhsiao/docvault/internal/models"
	"github.com/kimhsiao/docvault/internal/store"
	"github.com/kimhsiao/docvault/internal/sync/conflict"
)

// Config holds sync engine tuning.
type Config struct {
	// DefaultStrategy resolves conflicts detected during a pass. The manual
	// strategy records conflicts for later resolution instead of resolving
	// inline.
	DefaultStrategy models.ResolutionStrategy
}

// DefaultConfig returns the default engine configuration.
func DefaultConfig() *Config {
	return &Config{DefaultStrategy: models.ResolutionNewestWins}
}

// Progress is a snapshot of a running sync pass.
type Progress struct {
	TotalDocuments     int    `json:"total_documents"`
	CompletedDocuments int    `json:"completed_documents"`
	BytesTotal         int64  `json:"bytes_total"`
	BytesSynced        int64  `json:"bytes_synced"`
	CurrentDocumentID  string `json:"current_document_id,omitempty"`
}

// ProgressListener receives progress snapshots during a sync pass.
type ProgressListener func(Progress)

// ConflictListener is notified when a pass records a conflict that needs
// manual resolution.
type ConflictListener func(*models.SyncConflict)

// DocumentError records a per-document failure. One document failing does
// not abort the pass.
type DocumentError struct {
	DocumentID string `json:"document_id"`
	Err        error  `json:"-"`
	Message    string `json:"message"`
}

// Result summarizes a completed sync pass.
type Result struct {
	Success           bool                   `json:"success"`
	Uploaded          int                    `json:"uploaded"`
	Downloaded        int                    `json:"downloaded"`
	Unchanged         int                    `json:"unchanged"`
	ConflictsResolved int                    `json:"conflicts_resolved"`
	ConflictsPending  int                    `json:"conflicts_pending"`
	Cancelled         bool                   `json:"cancelled"`
	Errors            []DocumentError        `json:"errors,omitempty"`
	Conflicts         []*models.SyncConflict `json:"conflicts,omitempty"`
	Duration          time.Duration          `json:"-"`
}

// Engine drives full and single-document sync passes against a remote
// adapter. At most one pass runs at a time.
type Engine struct {
	store    *store.DocumentStore
	adapter  RemoteSyncAdapter
	resolver *conflict.Resolver
	cfg      Config

	mu                gosync.Mutex
	syncing           bool
	cancel            context.CancelFunc
	conflicts         map[models.UUID]*models.SyncConflict
	listeners         []ProgressListener
	conflictListeners []ConflictListener
}

// New creates an Engine. A nil config falls back to defaults.
func New(st *store.DocumentStore, adapter RemoteSyncAdapter, cfg *Config) *Engine {
	if cfg == nil {
		cfg = DefaultConfig()
	}
	if !cfg.DefaultStrategy.IsValid() {
		cfg.DefaultStrategy = models.ResolutionNewestWins
	}
	return &Engine{
		store:     st,
		adapter:   adapter,
		resolver:  conflict.NewResolver(),
		cfg:       *cfg,
		conflicts: make(map[models.UUID]*models.SyncConflict),
	}
}

// AddProgressListener registers a listener for progress snapshots.
func (e *Engine) AddProgressListener(l ProgressListener) {
	e.mu.Lock()
	defer e.mu.Unlock()
	if l != nil {
		e.listeners = append(e.listeners, l)
	}
}

// AddConflictListener registers a listener for newly recorded conflicts.
func (e *Engine) AddConflictListener(l ConflictListener) {
	e.mu.Lock()
	defer e.mu.Unlock()
	if l != nil {
		e.conflictListeners = append(e.conflictListeners, l)
	}
}

// IsSyncing reports whether a pass is currently running.
func (e *Engine) IsSyncing() bool {
	e.mu.Lock()
	defer e.mu.Unlock()
	return e.syncing
}

// CancelSync requests cancellation of the running pass. The pass stops at
// the next document boundary; the in-flight document finishes.
func (e *Engine) CancelSync() {
	e.mu.Lock()
	defer e.mu.Unlock()
	if e.cancel != nil {
		e.cancel()
	}
}

// acquire marks the engine as syncing. Fails with SYNC_IN_PROGRESS when a
// pass is already running.
func (e *Engine) acquire(ctx context.Context) (context.Context, error) {
	e.mu.Lock()
	defer e.mu.Unlock()
	if e.syncing {
		return nil, apperrors.New(apperrors.ErrSyncInProgress, "sync already in progress")
	}
	ctx, cancel := context.WithCancel(ctx)
	e.syncing = true
	e.cancel = cancel
	return ctx, nil
}

func (e *Engine) release() {
	e.mu.Lock()
	defer e.mu.Unlock()
	e.syncing = false
	if e.cancel != nil {
		e.cancel()
		e.cancel = nil
	}
}

// syncTask is one document's reconcile plan for a pass.
type syncTask struct {
	id     string
	local  *models.DocumentMetadata
	remote *models.DocumentMetadata
	bytes  int64
}

// Sync runs a full reconcile pass over the union of local and remote
// document ids. Per-document failures are collected in the result; only
// planning failures abort the pass.
func (e *Engine) Sync(ctx context.Context) (*Result, error) {
	ctx, err := e.acquire(ctx)
	if err != nil {
		return nil, err
	}
	defer e.release()

	start := time.Now()
	tasks, err := e.plan(ctx)
	if err != nil {
		return nil, err
	}

	result := &Result{}
	progress := Progress{TotalDocuments: len(tasks)}
	for _, t := range tasks {
		progress.BytesTotal += t.bytes
	}
	e.notifyProgress(progress)

	logging.Info("sync pass started", map[string]interface{}{
		"documents":   len(tasks),
		"bytes_total": progress.BytesTotal,
	})

	for _, t := range tasks {
		// Cancellation is cooperative: checked between documents only.
		if ctx.Err() != nil {
			result.Cancelled = true
			break
		}

		progress.CurrentDocumentID = t.id
		e.notifyProgress(progress)

		if err := e.syncTask(ctx, t, result); err != nil {
			result.Errors = append(result.Errors, DocumentError{
				DocumentID: t.id,
				Err:        err,
				Message:    err.Error(),
			})
			logging.Error("document sync failed", err,
				map[string]interface{}{"document_id": t.id})
		}

		progress.CompletedDocuments++
		progress.BytesSynced += t.bytes
		progress.CurrentDocumentID = ""
		e.notifyProgress(progress)
	}

	result.Conflicts = e.pendingConflicts()
	result.ConflictsPending = len(result.Conflicts)
	result.Duration = time.Since(start)
	result.Success = !result.Cancelled && len(result.Errors) == 0 && result.ConflictsPending == 0

	logging.Info("sync pass finished", map[string]interface{}{
		"uploaded":           result.Uploaded,
		"downloaded":         result.Downloaded,
		"unchanged":          result.Unchanged,
		"conflicts_resolved": result.ConflictsResolved,
		"conflicts_pending":  result.ConflictsPending,
		"errors":             len(result.Errors),
		"cancelled":          result.Cancelled,
		"duration":           result.Duration.String(),
	})

	if result.Cancelled {
		return result, apperrors.New(apperrors.ErrSyncCancelled, "sync cancelled")
	}
	return result, nil
}

// SyncSingleDocument reconciles one document immediately. Takes the same
// exclusive lock as a full pass.
func (e *Engine) SyncSingleDocument(ctx context.Context, id string) error {
	ctx, err := e.acquire(ctx)
	if err != nil {
		return err
	}
	defer e.release()

	local, err := e.store.GetDocumentMetadata(id)
	if err != nil {
		return err
	}
	remote, err := e.adapter.GetDocumentMetadata(ctx, id)
	if err != nil {
		return apperrors.Wrap(apperrors.ErrRemote, "failed to fetch remote metadata", err)
	}
	if local == nil && remote == nil {
		return apperrors.Newf(apperrors.ErrNotFound, "document not found: %s", id)
	}

	result := &Result{}
	return e.syncTask(ctx, &syncTask{id: id, local: local, remote: remote}, result)
}

// plan builds the task list for a pass: the union of local and remote ids
// with both sides' metadata and a byte estimate per document.
func (e *Engine) plan(ctx context.Context) ([]*syncTask, error) {
	locals, err := e.store.GetAllDocumentMetadata()
	if err != nil {
		return nil, err
	}
	remoteIDs, err := e.adapter.ListDocuments(ctx)
	if err != nil {
		return nil, apperrors.Wrap(apperrors.ErrRemote, "failed to list remote documents", err)
	}

	byID := make(map[string]*syncTask, len(locals)+len(remoteIDs))
	var order []string
	for _, meta := range locals {
		byID[meta.ID] = &syncTask{id: meta.ID, local: meta}
		order = append(order, meta.ID)
	}
	for _, id := range remoteIDs {
		if _, ok := byID[id]; !ok {
			byID[id] = &syncTask{id: id}
			order = append(order, id)
		}
	}

	tasks := make([]*syncTask, 0, len(order))
	for _, id := range order {
		t := byID[id]
		if contains(remoteIDs, id) {
			remote, err := e.adapter.GetDocumentMetadata(ctx, id)
			if err != nil {
				return nil, apperrors.Wrap(apperrors.ErrRemote,
					"failed to fetch remote metadata", err)
			}
			t.remote = remote
		}
		t.bytes = taskBytes(t)
		tasks = append(tasks, t)
	}
	return tasks, nil
}

// taskBytes estimates a document's transfer weight as the larger of the two
// copies.
func taskBytes(t *syncTask) int64 {
	var local, remote int64
	if t.local != nil {
		local = t.local.FileSize
	}
	if t.remote != nil {
		remote = t.remote.FileSize
	}
	if local > remote {
		return local
	}
	return remote
}

func contains(ids []string, id string) bool {
	for _, v := range ids {
		if v == id {
			return true
		}
	}
	return false
}

// syncTask reconciles one document and updates the result counters.
func (e *Engine) syncTask(ctx context.Context, t *syncTask, result *Result) error {
	switch {
	case t.local != nil && t.remote == nil:
		if err := e.upload(ctx, t.id); err != nil {
			return err
		}
		result.Uploaded++
		return nil

	case t.local == nil && t.remote != nil:
		if err := e.download(ctx, t.id); err != nil {
			return err
		}
		result.Downloaded++
		return nil
	}
	return e.reconcile(ctx, t, result)
}

// reconcile handles a document present on both sides.
func (e *Engine) reconcile(ctx context.Context, t *syncTask, result *Result) error {
	local, remote := t.local, t.remote

	if remote.Checksum != "" && local.Checksum == remote.Checksum {
		// Same bytes on both sides; just record the sync time.
		result.Unchanged++
		return e.stampSynced(t.id)
	}

	if remote.Checksum == "" {
		// Remote did not send a checksum; fall back to its version record,
		// and to timestamps when even that is missing.
		version, err := e.adapter.GetDocumentVersion(ctx, t.id)
		if err != nil {
			return apperrors.Wrap(apperrors.ErrRemote, "failed to fetch remote version", err)
		}
		if version == nil {
			return e.reconcileByTimestamp(ctx, t, result)
		}
		remote = cloneMeta(remote)
		remote.Version = version.Version
		remote.Checksum = version.Checksum
		if version.ModifiedAt != 0 {
			remote.ModifiedAt = version.ModifiedAt
		}
		if remote.Checksum != "" && remote.Checksum == local.Checksum {
			result.Unchanged++
			return e.stampSynced(t.id)
		}
	}

	// Different content but the same modification time is not a conflict:
	// the higher version number wins outright, equal versions need no
	// transfer. A genuine conflict needs both checksum and modification
	// time to diverge.
	if local.ModifiedAt == remote.ModifiedAt {
		switch {
		case local.Version > remote.Version:
			if err := e.upload(ctx, t.id); err != nil {
				return err
			}
			result.Uploaded++
		case remote.Version > local.Version:
			if err := e.download(ctx, t.id); err != nil {
				return err
			}
			result.Downloaded++
		default:
			result.Unchanged++
			return e.stampSynced(t.id)
		}
		return nil
	}

	return e.handleConflict(ctx, t.id, local, remote, result)
}

// reconcileByTimestamp settles a divergence when the remote offers no
// version information at all: the newer modification time wins outright.
func (e *Engine) reconcileByTimestamp(ctx context.Context, t *syncTask, result *Result) error {
	switch {
	case t.local.ModifiedAt > t.remote.ModifiedAt:
		if err := e.upload(ctx, t.id); err != nil {
			return err
		}
		result.Uploaded++
	case t.remote.ModifiedAt > t.local.ModifiedAt:
		if err := e.download(ctx, t.id); err != nil {
			return err
		}
		result.Downloaded++
	default:
		result.Unchanged++
		return e.stampSynced(t.id)
	}
	return nil
}

// handleConflict records or resolves a genuine two-sided divergence.
func (e *Engine) handleConflict(ctx context.Context, id string,
	local, remote *models.DocumentMetadata, result *Result) error {

	c := &models.SyncConflict{
		ID:         models.NewUUID(),
		DocumentID: id,
		LocalVersion: models.DocumentVersion{
			Version:    local.Version,
			ModifiedAt: local.ModifiedAt,
			Checksum:   local.Checksum,
		},
		RemoteVersion: models.DocumentVersion{
			Version:    remote.Version,
			ModifiedAt: remote.ModifiedAt,
			Checksum:   remote.Checksum,
		},
		ConflictType: models.ConflictTypeContent,
		DetectedAt:   time.Now().Unix(),
	}

	if e.cfg.DefaultStrategy == models.ResolutionManual {
		e.recordConflict(c)
		logging.Warn("sync conflict recorded for manual resolution",
			map[string]interface{}{"document_id": id, "conflict_id": c.ID})
		return nil
	}

	if err := e.resolveAndPersist(ctx, c, e.cfg.DefaultStrategy); err != nil {
		// Keep the conflict around so a later manual resolve can settle it.
		e.recordConflict(c)
		return err
	}
	result.ConflictsResolved++
	return nil
}

// recordConflict stores a pending conflict and notifies conflict listeners
// outside the engine lock.
func (e *Engine) recordConflict(c *models.SyncConflict) {
	e.mu.Lock()
	e.conflicts[c.ID] = c
	ls := make([]ConflictListener, len(e.conflictListeners))
	copy(ls, e.conflictListeners)
	e.mu.Unlock()
	for _, l := range ls {
		l(c)
	}
}

// Conflicts returns the unresolved conflicts from past passes.
func (e *Engine) Conflicts() []*models.SyncConflict {
	e.mu.Lock()
	defer e.mu.Unlock()
	out := make([]*models.SyncConflict, 0, len(e.conflicts))
	for _, c := range e.conflicts {
		if !c.Resolved() {
			out = append(out, c)
		}
	}
	return out
}

func (e *Engine) pendingConflicts() []*models.SyncConflict {
	return e.Conflicts()
}

// ResolveConflict settles a recorded conflict with an explicit strategy and
// removes it from the pending set on success.
func (e *Engine) ResolveConflict(ctx context.Context, conflictID models.UUID,
	strategy models.ResolutionStrategy) error {

	e.mu.Lock()
	c, ok := e.conflicts[conflictID]
	e.mu.Unlock()
	if !ok {
		return apperrors.Newf(apperrors.ErrNotFound, "conflict not found: %s", conflictID)
	}
	if c.Resolved() {
		return apperrors.Newf(apperrors.ErrInvalid, "conflict already resolved: %s", conflictID)
	}

	if err := e.resolveAndPersist(ctx, c, strategy); err != nil {
		return err
	}

	e.mu.Lock()
	delete(e.conflicts, conflictID)
	e.mu.Unlock()
	return nil
}

// resolveAndPersist fetches both full copies, resolves the winner, and
// persists it to both sides.
func (e *Engine) resolveAndPersist(ctx context.Context, c *models.SyncConflict,
	strategy models.ResolutionStrategy) error {

	local, err := e.store.GetDocument(c.DocumentID)
	if err != nil {
		return err
	}
	if local == nil {
		return apperrors.Newf(apperrors.ErrNotFound, "local document not found: %s", c.DocumentID)
	}
	remote, err := e.adapter.GetDocument(ctx, c.DocumentID)
	if err != nil {
		return apperrors.Wrap(apperrors.ErrRemote, "failed to fetch remote document", err)
	}
	if remote == nil {
		return apperrors.Newf(apperrors.ErrRemote, "remote document not found: %s", c.DocumentID)
	}

	winner, err := e.resolver.Resolve(local, remote, strategy)
	if err != nil {
		return err
	}

	// Offline flags and priority are local policy, not part of the
	// conflicted content.
	winner.Metadata.IsAvailableOffline = local.Metadata.IsAvailableOffline
	winner.Metadata.Priority = local.Metadata.Priority

	if err := e.store.SaveDocument(winner); err != nil {
		return err
	}
	if err := e.adapter.SaveDocument(ctx, winner); err != nil {
		return apperrors.Wrap(apperrors.ErrRemote, "failed to upload resolved document", err)
	}
	if err := e.stampSynced(c.DocumentID); err != nil {
		return err
	}

	c.MarkResolved(strategy)
	logging.Info("sync conflict resolved", map[string]interface{}{
		"document_id": c.DocumentID,
		"conflict_id": c.ID,
		"strategy":    strategy,
	})
	return nil
}

// upload pushes the full local document to the remote.
func (e *Engine) upload(ctx context.Context, id string) error {
	doc, err := e.store.GetDocument(id)
	if err != nil {
		return err
	}
	if doc == nil {
		return apperrors.Newf(apperrors.ErrNotFound, "local document not found: %s", id)
	}
	if err := e.adapter.SaveDocument(ctx, doc); err != nil {
		return apperrors.Wrap(apperrors.ErrRemote, "failed to upload document", err)
	}
	return e.stampSynced(id)
}

// download pulls the full remote document into the local store.
func (e *Engine) download(ctx context.Context, id string) error {
	doc, err := e.adapter.GetDocument(ctx, id)
	if err != nil {
		return apperrors.Wrap(apperrors.ErrRemote, "failed to download document", err)
	}
	if doc == nil {
		return apperrors.Newf(apperrors.ErrRemote, "remote document not found: %s", id)
	}

	// Local availability policy survives a download over an existing copy.
	if existing, err := e.store.GetDocumentMetadata(id); err != nil {
		return err
	} else if existing != nil {
		doc.Metadata.IsAvailableOffline = existing.IsAvailableOffline
		doc.Metadata.Priority = existing.Priority
	}

	if err := e.store.SaveDocument(doc); err != nil {
		return err
	}
	return e.stampSynced(id)
}

// stampSynced records the current time as the document's last sync time.
func (e *Engine) stampSynced(id string) error {
	now := time.Now().Unix()
	return e.store.UpdateMetadata(id, store.MetadataPatch{SyncedAt: &now})
}

func cloneMeta(m *models.DocumentMetadata) *models.DocumentMetadata {
	out := *m
	return &out
}

func (e *Engine) notifyProgress(p Progress) {
	e.mu.Lock()
	listeners := make([]ProgressListener, len(e.listeners))
	copy(listeners, e.listeners)
	e.mu.Unlock()
	for _, l := range listeners {
		l(p)
	}
}
