// Package store defines the DocumentStore and OperationLog interfaces
// the engine persists through, plus the embedded schema migrations.
// The gorm-backed implementation lives in internal/store/gormstore.
package store

import (
	"context"
	"errors"
	"time"

	"github.com/colabtext/collabtext/internal/ot"
)

// ErrNotFound is returned when a document id has no record.
var ErrNotFound = errors.New("store: document not found")

// ErrRevisionConflict is returned by OperationLog.Append when the
// (document_id, revision) pair already exists with different content.
var ErrRevisionConflict = errors.New("store: revision conflict")

// ShareRole is the document's sharing attribute, consumed by the
// session handler's authorization step.
type ShareRole string

const (
	ShareNone ShareRole = ""
	ShareView ShareRole = "VIEW"
	ShareEdit ShareRole = "EDIT"
)

// Document is the persisted document record.
type Document struct {
	ID           string
	Content      []string
	LastRevision uint64
	UserID       string
	ShareRole    ShareRole
	SharedByLink bool
	CreatedAt    time.Time
	UpdatedAt    time.Time
}

// LoggedOperation is an operation plus its assigned revision.
type LoggedOperation struct {
	DocumentID string
	Revision   uint64
	Op         ot.Operation
}

// DocumentStore holds each document's current content and last
// revision, read and written inside the serializer's transaction.
type DocumentStore interface {
	// Get loads a document by id. Returns ErrNotFound if absent.
	Get(ctx context.Context, id string) (*Document, error)

	// Create inserts a new, empty (or seeded) document record.
	Create(ctx context.Context, doc *Document) error

	// UpdateContentAndRevision persists the result of applying one
	// accepted operation: new content and the advanced revision. The
	// caller (engine) is responsible for enforcing the +1 invariant.
	UpdateContentAndRevision(ctx context.Context, id string, content []string, revision uint64) error

	// SetShare updates a document's sharing attributes (external CRUD
	// surface — out of core scope, but the store must expose it so
	// that surface can set the fields the session handler reads).
	SetShare(ctx context.Context, id string, role ShareRole, sharedByLink bool) error
}

// OperationLog is the append-only per-document history keyed by
// revision.
type OperationLog interface {
	// Append adds a logged operation. If an entry already exists at
	// (documentID, op.Revision) with identical content it is a no-op
	// (idempotent); if it exists with different content it returns
	// ErrRevisionConflict.
	Append(ctx context.Context, op LoggedOperation) error

	// Since returns logged operations for documentID with revision >
	// revisionExclusive, ascending.
	Since(ctx context.Context, documentID string, revisionExclusive uint64) ([]LoggedOperation, error)

	// MaxRevision returns the highest revision logged for documentID,
	// or 0 if none.
	MaxRevision(ctx context.Context, documentID string) (uint64, error)
}

// TxStore composes a DocumentStore and OperationLog that can run
// both mutations inside a single transaction boundary, so the log
// append and the content/revision update commit or roll back
// together.
type TxStore interface {
	DocumentStore
	OperationLog

	// WithTransaction runs fn with a DocumentStore+OperationLog pair
	// bound to one database transaction; fn's error aborts the
	// transaction.
	WithTransaction(ctx context.Context, fn func(tx TxStore) error) error
}
