// Package store provides data persistence interfaces and implementations.
package store

import (
	"context"
	"errors"

	"screening-console/internal/domain"
)

// ErrNotFound is returned when no record exists for the requested id.
var ErrNotFound = errors.New("record not found")

// Sort directions accepted by List.
const (
	SortAsc  = "asc"
	SortDesc = "desc"
)

// ListOptions control filtering and pagination of record listings.
type ListOptions struct {
	// Limit caps the number of returned records. Zero means the default
	// page size.
	Limit int

	// Offset skips that many records.
	Offset int

	// Sort orders by creation time: SortAsc or SortDesc (default).
	Sort string

	// PrimaryClass filters on the majority-vote class; empty means all.
	PrimaryClass domain.Class
}

// Repository persists completed screening sessions as both a queryable
// relational projection and a recoverable full-session document.
type Repository interface {
	// AddRecord writes the session row, one row per prediction, and the
	// full serialized document in a single transaction. The session must
	// carry a derived analysis summary.
	AddRecord(ctx context.Context, session *domain.Session) error

	// List returns records ordered by creation time, filtered and
	// paginated at the storage layer. Records whose stored document can
	// no longer be deserialized are returned as a degraded minimal
	// projection built from the normalized columns.
	List(ctx context.Context, opts ListOptions) ([]*domain.Session, error)

	// GetByID returns the full deserialized session document, or
	// ErrNotFound.
	GetByID(ctx context.Context, sessionID string) (*domain.Session, error)

	// UpdateAnnotatedURL sets the annotated-image reference on the
	// normalized image row and inside the stored document. The two writes
	// are not one transaction; with a single workflow writer this cannot
	// interleave in practice.
	UpdateAnnotatedURL(ctx context.Context, sessionID, imageID, url string) error

	// SchemaVersion reports the stored schema version.
	SchemaVersion(ctx context.Context) (int, error)

	// Ping verifies database connectivity.
	Ping(ctx context.Context) error

	// Close closes the database connection.
	Close() error
}
