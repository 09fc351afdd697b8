// Package store is the persistence boundary for document content. Sessions
// load a document's current text when they spin up and persist the final text
// when they wind down; everything in between lives in session memory.
package store

import (
	"context"
	"errors"
	"time"
)

// ErrNotFound reports that a document has never been persisted.
var ErrNotFound = errors.New("store: document not found")

// DocumentInfo is a stored document.
type DocumentInfo struct {
	Path      string    `json:"path"`
	Content   string    `json:"content"`
	UpdatedBy string    `json:"updatedBy,omitempty"`
	CreatedAt time.Time `json:"createdAt"`
	UpdatedAt time.Time `json:"updatedAt"`
}

// ContentStore abstracts where document content lives between editing
// sessions.
type ContentStore interface {
	// Load returns the stored document for path, or ErrNotFound when it has
	// never been persisted.
	Load(ctx context.Context, path string) (*DocumentInfo, error)

	// Persist upserts the document's content, recording who wrote it last.
	Persist(ctx context.Context, path, content, userID string) error

	// List returns every stored document, ordered by path.
	List(ctx context.Context) ([]DocumentInfo, error)

	// Ping verifies the backing service is reachable.
	Ping(ctx context.Context) error

	// Close releases backend resources.
	Close() error
}
