package sync

import (
	"context"

	"github.com/kimhsiao/docvault/internal/models"
)

// RemoteSyncAdapter abstracts the backend the engine reconciles against. The
// engine never talks to the network directly; hosts supply an adapter for
// their transport of choice.
type RemoteSyncAdapter interface {
	// ListDocuments returns the ids of every document known to the remote.
	ListDocuments(ctx context.Context) ([]string, error)

	// GetDocumentMetadata returns the remote metadata for id, or nil when
	// the remote does not know the document.
	GetDocumentMetadata(ctx context.Context, id string) (*models.DocumentMetadata, error)

	// GetDocument downloads the full remote document.
	GetDocument(ctx context.Context, id string) (*models.OfflineDocument, error)

	// SaveDocument uploads a document to the remote.
	SaveDocument(ctx context.Context, doc *models.OfflineDocument) error

	// DeleteDocument removes a document from the remote.
	DeleteDocument(ctx context.Context, id string) error

	// GetDocumentVersion returns the remote's compact version descriptor for
	// id, or nil when the remote has no version information.
	GetDocumentVersion(ctx context.Context, id string) (*models.DocumentVersion, error)
}
