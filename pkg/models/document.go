package models

import (
	"time"

	"github.com/google/uuid"
)

// DocumentKind identifies the renderer a document targets.
type DocumentKind string

const (
	KindTable     DocumentKind = "table"
	KindBarChart  DocumentKind = "bar-chart"
	KindLineChart DocumentKind = "line-chart"
	KindPieChart  DocumentKind = "pie-chart"
)

// Valid reports whether k is a known document kind.
func (k DocumentKind) Valid() bool {
	switch k {
	case KindTable, KindBarChart, KindLineChart, KindPieChart:
		return true
	}
	return false
}

// Document is a persisted, versioned tool output owned by a single user.
// Content mirrors the latest version and is never the source of truth for
// history.
type Document struct {
	ID        uuid.UUID    `json:"id"`
	OwnerID   string       `json:"owner_id"`
	Kind      DocumentKind `json:"kind"`
	Title     string       `json:"title"`
	Content   string       `json:"content"`
	CreatedAt time.Time    `json:"created_at"`
	UpdatedAt time.Time    `json:"updated_at"`
}

// DocumentVersion is an immutable snapshot of a document's content.
// Versions are sequential and 1-based per document; a version row is never
// updated or deleted individually, only cascade-deleted with its document.
type DocumentVersion struct {
	ID         uuid.UUID         `json:"id"`
	DocumentID uuid.UUID         `json:"document_id"`
	Content    string            `json:"content"`
	Metadata   map[string]string `json:"metadata,omitempty"`
	Version    int               `json:"version"`
	CreatedAt  time.Time         `json:"created_at"`
}
