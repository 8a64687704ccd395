// Package conflict resolves divergent local and remote copies of a document
// into a single winner according to a resolution strategy.
package conflict

import (
	"sort"
	"time"

	"github.com/kimhsiao/docvault/internal/checksum"
	apperrors "github.com/kimhsiao/docvault/internal/errors"
	"github.com/kimhsiao/docvault/internal/logging"
	"github.com/kimhsiao/docvault/internal/models"
)

// Resolver applies resolution strategies to document pairs. It is stateless;
// persisting the winner is the caller's job.
type Resolver struct{}

// NewResolver creates a Resolver.
func NewResolver() *Resolver {
	return &Resolver{}
}

// Resolve returns the document that should survive, per the strategy. The
// manual strategy returns a CONFLICT error: a human has to pick, and until
// they do the document stays conflicted.
func (r *Resolver) Resolve(local, remote *models.OfflineDocument,
	strategy models.ResolutionStrategy) (*models.OfflineDocument, error) {

	if local == nil || remote == nil {
		return nil, apperrors.New(apperrors.ErrInvalid,
			"both local and remote documents are required for resolution")
	}

	switch strategy {
	case models.ResolutionLocalWins:
		return local, nil

	case models.ResolutionRemoteWins:
		return remote, nil

	case models.ResolutionNewestWins:
		if local.Metadata.ModifiedAt >= remote.Metadata.ModifiedAt {
			return local, nil
		}
		return remote, nil

	case models.ResolutionMerge:
		return r.merge(local, remote), nil

	case models.ResolutionManual:
		return nil, apperrors.Newf(apperrors.ErrSyncConflict,
			"manual resolution required for document: %s", local.ID)

	default:
		return nil, apperrors.Newf(apperrors.ErrInvalid,
			"unknown resolution strategy: %s", strategy)
	}
}

// merge combines both copies without losing either side's work. The local
// bytes are kept; annotations are unioned by id with local winning on
// collision; edit histories are concatenated in timestamp order. The merged
// version supersedes both inputs.
func (r *Resolver) merge(local, remote *models.OfflineDocument) *models.OfflineDocument {
	merged := &models.OfflineDocument{
		ID:         local.ID,
		Metadata:   local.Metadata,
		Data:       local.Data,
		FormValues: mergeFormValues(local.FormValues, remote.FormValues),
	}

	merged.Annotations = mergeAnnotations(local.Annotations, remote.Annotations)
	merged.EditHistory = mergeHistories(local.EditHistory, remote.EditHistory)

	merged.Metadata.Version = maxInt(local.Metadata.Version, remote.Metadata.Version) + 1
	merged.Metadata.ModifiedAt = time.Now().Unix()
	merged.Metadata.Checksum = checksum.Sum(merged.Data)
	merged.Metadata.FileSize = int64(len(merged.Data))

	logging.Debug("merged document copies", map[string]interface{}{
		"document_id": merged.ID,
		"annotations": len(merged.Annotations),
		"history":     len(merged.EditHistory),
		"version":     merged.Metadata.Version,
	})
	return merged
}

// mergeAnnotations unions both sets by annotation id. On id collision the
// local annotation is kept. Output preserves local order, then remote-only
// annotations in their original order.
func mergeAnnotations(local, remote []models.Annotation) []models.Annotation {
	if len(local) == 0 && len(remote) == 0 {
		return nil
	}

	seen := make(map[string]struct{}, len(local))
	out := make([]models.Annotation, 0, len(local)+len(remote))
	for _, a := range local {
		seen[a.ID] = struct{}{}
		out = append(out, a)
	}
	for _, a := range remote {
		if _, ok := seen[a.ID]; ok {
			continue
		}
		out = append(out, a)
	}
	return out
}

// mergeHistories concatenates both histories sorted by timestamp. Entries
// sharing an id appear once.
func mergeHistories(local, remote []models.EditHistoryEntry) []models.EditHistoryEntry {
	if len(local) == 0 && len(remote) == 0 {
		return nil
	}

	seen := make(map[models.UUID]struct{}, len(local))
	out := make([]models.EditHistoryEntry, 0, len(local)+len(remote))
	for _, e := range local {
		seen[e.ID] = struct{}{}
		out = append(out, e)
	}
	for _, e := range remote {
		if _, ok := seen[e.ID]; ok {
			continue
		}
		out = append(out, e)
	}

	sort.SliceStable(out, func(i, j int) bool {
		return out[i].Timestamp < out[j].Timestamp
	})
	return out
}

// mergeFormValues unions form values with local winning on key collision.
func mergeFormValues(local, remote map[string]string) map[string]string {
	if len(local) == 0 && len(remote) == 0 {
		return nil
	}

	out := make(map[string]string, len(local)+len(remote))
	for k, v := range remote {
		out[k] = v
	}
	for k, v := range local {
		out[k] = v
	}
	return out
}

func maxInt(a, b int) int {
	if a > b {
		return a
	}
	return b
}
