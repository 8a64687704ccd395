// Package models provides data model definitions for the DocVault offline core.
package models

import "time"

// ConflictType classifies a detected divergence. Only content conflicts are
// produced today; the tag is kept open for future variants.
type ConflictType string

const (
	ConflictTypeContent ConflictType = "content"
)

// ResolutionStrategy selects how a sync conflict is resolved.
type ResolutionStrategy string

const (
	ResolutionLocalWins  ResolutionStrategy = "local-wins"
	ResolutionRemoteWins ResolutionStrategy = "remote-wins"
	ResolutionNewestWins ResolutionStrategy = "newest-wins"
	ResolutionMerge      ResolutionStrategy = "merge"
	ResolutionManual     ResolutionStrategy = "manual"
)

// IsValid reports whether s is a known resolution strategy.
func (s ResolutionStrategy) IsValid() bool {
	switch s {
	case ResolutionLocalWins, ResolutionRemoteWins, ResolutionNewestWins,
		ResolutionMerge, ResolutionManual:
		return true
	}
	return false
}

// SyncConflict records a divergence between the local and remote copies of a
// document that version/timestamp comparison could not settle. The sync
// engine owns these in memory for the duration of a pass; persistence is up
// to the host application.
type SyncConflict struct {
	ID            UUID               `json:"id"`
	DocumentID    string             `json:"document_id"`
	LocalVersion  DocumentVersion    `json:"local_version"`
	RemoteVersion DocumentVersion    `json:"remote_version"`
	ConflictType  ConflictType       `json:"conflict_type"`
	DetectedAt    int64              `json:"detected_at"`
	ResolvedAt    *int64             `json:"resolved_at,omitempty"`
	Resolution    ResolutionStrategy `json:"resolution,omitempty"`
}

// Resolved reports whether the conflict has been resolved.
func (c *SyncConflict) Resolved() bool {
	return c.ResolvedAt != nil
}

// MarkResolved stamps the conflict with the strategy that settled it.
func (c *SyncConflict) MarkResolved(strategy ResolutionStrategy) {
	now := time.Now().Unix()
	c.ResolvedAt = &now
	c.Resolution = strategy
}
