// Package gormstore implements internal/store's DocumentStore,
// OperationLog, and TxStore over gorm.io/gorm, so the same code path
// serves both a single-node sqlite deployment and a production
// Postgres one.
package gormstore

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/glebarez/sqlite"
	"gorm.io/driver/postgres"
	"gorm.io/gorm"

	"github.com/colabtext/collabtext/internal/ot"
	"github.com/colabtext/collabtext/internal/store"
)

// documentRow is the gorm model backing the documents table.
type documentRow struct {
	ID           string `gorm:"primaryKey"`
	Content      []byte
	LastRevision uint64
	UserID       string
	ShareRole    string
	SharedByLink bool
	CreatedAt    time.Time
	UpdatedAt    time.Time
}

func (documentRow) TableName() string { return "documents" }

// operationRow is the gorm model backing the operations table.
type operationRow struct {
	ID         uint64 `gorm:"primaryKey;autoIncrement"`
	DocumentID string `gorm:"uniqueIndex:idx_doc_rev"`
	Revision   uint64 `gorm:"uniqueIndex:idx_doc_rev"`
	FromPos    []byte
	ToPos      []byte
	Text       []byte
	Type       string
	CreatedAt  time.Time
}

func (operationRow) TableName() string { return "operations" }

// Store is the gorm-backed store.TxStore implementation.
type Store struct {
	db *gorm.DB
}

// OpenSQLite opens (or creates) a single-node sqlite database at path
// and auto-migrates the schema. Used for local development and tests
// — golang-migrate has no pure-Go sqlite driver that pairs with
// glebarez/sqlite, so AutoMigrate stands in for the embedded SQL
// migrations that store.MigratePostgres applies to Postgres in
// production.
func OpenSQLite(path string) (*Store, error) {
	db, err := gorm.Open(sqlite.Open(path), &gorm.Config{})
	if err != nil {
		return nil, fmt.Errorf("open sqlite: %w", err)
	}
	if err := db.AutoMigrate(&documentRow{}, &operationRow{}); err != nil {
		return nil, fmt.Errorf("automigrate: %w", err)
	}
	return &Store{db: db}, nil
}

// OpenPostgres opens a Postgres database at dsn. Callers are expected
// to have already run store.MigratePostgres against the same dsn.
func OpenPostgres(dsn string) (*Store, error) {
	db, err := gorm.Open(postgres.Open(dsn), &gorm.Config{})
	if err != nil {
		return nil, fmt.Errorf("open postgres: %w", err)
	}
	return &Store{db: db}, nil
}

func newStoreOn(db *gorm.DB) *Store { return &Store{db: db} }

func (s *Store) Get(ctx context.Context, id string) (*store.Document, error) {
	var row documentRow
	err := s.db.WithContext(ctx).First(&row, "id = ?", id).Error
	if errors.Is(err, gorm.ErrRecordNotFound) {
		return nil, store.ErrNotFound
	}
	if err != nil {
		return nil, err
	}
	return rowToDocument(row)
}

func (s *Store) Create(ctx context.Context, doc *store.Document) error {
	content, err := json.Marshal(doc.Content)
	if err != nil {
		return err
	}
	row := documentRow{
		ID:           doc.ID,
		Content:      content,
		LastRevision: doc.LastRevision,
		UserID:       doc.UserID,
		ShareRole:    string(doc.ShareRole),
		SharedByLink: doc.SharedByLink,
	}
	return s.db.WithContext(ctx).Create(&row).Error
}

func (s *Store) UpdateContentAndRevision(ctx context.Context, id string, content []string, revision uint64) error {
	encoded, err := json.Marshal(content)
	if err != nil {
		return err
	}
	return s.db.WithContext(ctx).Model(&documentRow{}).
		Where("id = ?", id).
		Updates(map[string]interface{}{
			"content":       encoded,
			"last_revision": revision,
		}).Error
}

func (s *Store) SetShare(ctx context.Context, id string, role store.ShareRole, sharedByLink bool) error {
	return s.db.WithContext(ctx).Model(&documentRow{}).
		Where("id = ?", id).
		Updates(map[string]interface{}{
			"share_role":     string(role),
			"shared_by_link": sharedByLink,
		}).Error
}

func (s *Store) Append(ctx context.Context, op store.LoggedOperation) error {
	fromPos, err := json.Marshal(op.Op.From)
	if err != nil {
		return err
	}
	toPos, err := json.Marshal(op.Op.To)
	if err != nil {
		return err
	}
	text, err := json.Marshal(op.Op.Text)
	if err != nil {
		return err
	}

	row := operationRow{
		DocumentID: op.DocumentID,
		Revision:   op.Revision,
		FromPos:    fromPos,
		ToPos:      toPos,
		Text:       text,
		Type:       string(op.Op.Type),
	}

	err = s.db.WithContext(ctx).Create(&row).Error
	if err == nil {
		return nil
	}

	// Idempotent re-append: if the existing row has identical content
	// treat it as a success, otherwise it's a genuine conflict.
	var existing operationRow
	lookupErr := s.db.WithContext(ctx).
		Where("document_id = ? AND revision = ?", op.DocumentID, op.Revision).
		First(&existing).Error
	if lookupErr != nil {
		return err
	}
	if string(existing.FromPos) == string(fromPos) &&
		string(existing.ToPos) == string(toPos) &&
		string(existing.Text) == string(text) &&
		existing.Type == string(op.Op.Type) {
		return nil
	}
	return store.ErrRevisionConflict
}

func (s *Store) Since(ctx context.Context, documentID string, revisionExclusive uint64) ([]store.LoggedOperation, error) {
	var rows []operationRow
	err := s.db.WithContext(ctx).
		Where("document_id = ? AND revision > ?", documentID, revisionExclusive).
		Order("revision ASC").
		Find(&rows).Error
	if err != nil {
		return nil, err
	}

	out := make([]store.LoggedOperation, 0, len(rows))
	for _, row := range rows {
		op, err := rowToOperation(row)
		if err != nil {
			return nil, err
		}
		out = append(out, op)
	}
	return out, nil
}

func (s *Store) MaxRevision(ctx context.Context, documentID string) (uint64, error) {
	var max uint64
	err := s.db.WithContext(ctx).
		Model(&operationRow{}).
		Where("document_id = ?", documentID).
		Select("COALESCE(MAX(revision), 0)").
		Scan(&max).Error
	return max, err
}

func (s *Store) WithTransaction(ctx context.Context, fn func(tx store.TxStore) error) error {
	return s.db.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
		return fn(newStoreOn(tx))
	})
}

func rowToDocument(row documentRow) (*store.Document, error) {
	var content []string
	if err := json.Unmarshal(row.Content, &content); err != nil {
		return nil, err
	}
	return &store.Document{
		ID:           row.ID,
		Content:      content,
		LastRevision: row.LastRevision,
		UserID:       row.UserID,
		ShareRole:    store.ShareRole(row.ShareRole),
		SharedByLink: row.SharedByLink,
		CreatedAt:    row.CreatedAt,
		UpdatedAt:    row.UpdatedAt,
	}, nil
}

func rowToOperation(row operationRow) (store.LoggedOperation, error) {
	var from, to ot.Position
	var text []string
	if err := json.Unmarshal(row.FromPos, &from); err != nil {
		return store.LoggedOperation{}, err
	}
	if err := json.Unmarshal(row.ToPos, &to); err != nil {
		return store.LoggedOperation{}, err
	}
	if err := json.Unmarshal(row.Text, &text); err != nil {
		return store.LoggedOperation{}, err
	}
	return store.LoggedOperation{
		DocumentID: row.DocumentID,
		Revision:   row.Revision,
		Op: ot.Operation{
			From:     from,
			To:       to,
			Text:     text,
			Type:     ot.OpType(row.Type),
			Revision: row.Revision,
		},
	}, nil
}
