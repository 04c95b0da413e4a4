package gormstore

import (
	"context"
	"testing"

	"github.com/stretchr/testify/require"

	"github.com/colabtext/collabtext/internal/ot"
	"github.com/colabtext/collabtext/internal/store"
)

func newTestStore(t *testing.T) *Store {
	t.Helper()
	s, err := OpenSQLite(":memory:")
	require.NoError(t, err, "open sqlite")
	return s
}

func TestCreateAndGetRoundTrips(t *testing.T) {
	ctx := context.Background()
	s := newTestStore(t)

	doc := &store.Document{ID: "doc1", Content: []string{"hello", "world"}, UserID: "u1"}
	require.NoError(t, s.Create(ctx, doc))

	got, err := s.Get(ctx, "doc1")
	require.NoError(t, err)
	require.Equal(t, []string{"hello", "world"}, got.Content)
	require.Equal(t, "u1", got.UserID)
}

func TestGetMissingReturnsErrNotFound(t *testing.T) {
	s := newTestStore(t)
	_, err := s.Get(context.Background(), "missing")
	require.ErrorIs(t, err, store.ErrNotFound)
}

func TestUpdateContentAndRevisionPersists(t *testing.T) {
	ctx := context.Background()
	s := newTestStore(t)
	require.NoError(t, s.Create(ctx, &store.Document{ID: "doc1", Content: []string{"a"}}))

	require.NoError(t, s.UpdateContentAndRevision(ctx, "doc1", []string{"a", "b"}, 5))

	got, err := s.Get(ctx, "doc1")
	require.NoError(t, err)
	require.Equal(t, uint64(5), got.LastRevision)
	require.Equal(t, []string{"a", "b"}, got.Content)
}

func TestSetSharePersists(t *testing.T) {
	ctx := context.Background()
	s := newTestStore(t)
	require.NoError(t, s.Create(ctx, &store.Document{ID: "doc1", Content: []string{"a"}}))

	require.NoError(t, s.SetShare(ctx, "doc1", store.ShareEdit, true))

	got, err := s.Get(ctx, "doc1")
	require.NoError(t, err)
	require.Equal(t, store.ShareEdit, got.ShareRole)
	require.True(t, got.SharedByLink)
}

func TestAppendIsIdempotentAndDetectsConflict(t *testing.T) {
	ctx := context.Background()
	s := newTestStore(t)
	require.NoError(t, s.Create(ctx, &store.Document{ID: "doc1", Content: []string{"a"}}))

	op := store.LoggedOperation{
		DocumentID: "doc1",
		Revision:   1,
		Op:         ot.Operation{Type: ot.OpInput, Text: []string{"x"}, From: ot.Position{Line: 0, Ch: 0}, To: ot.Position{Line: 0, Ch: 0}, Revision: 1},
	}

	require.NoError(t, s.Append(ctx, op))
	// Re-appending the identical entry is a no-op, not an error.
	require.NoError(t, s.Append(ctx, op), "idempotent re-append should not error")

	conflicting := op
	conflicting.Op.Text = []string{"y"}
	require.ErrorIs(t, s.Append(ctx, conflicting), store.ErrRevisionConflict)
}

func TestSinceReturnsAscendingTail(t *testing.T) {
	ctx := context.Background()
	s := newTestStore(t)
	require.NoError(t, s.Create(ctx, &store.Document{ID: "doc1", Content: []string{"a"}}))

	for rev := uint64(1); rev <= 3; rev++ {
		require.NoError(t, s.Append(ctx, store.LoggedOperation{
			DocumentID: "doc1",
			Revision:   rev,
			Op:         ot.Operation{Type: ot.OpInput, Text: []string{"x"}, Revision: rev},
		}))
	}

	tail, err := s.Since(ctx, "doc1", 1)
	require.NoError(t, err)
	require.Len(t, tail, 2)
	require.Equal(t, uint64(2), tail[0].Revision)
	require.Equal(t, uint64(3), tail[1].Revision)
}

func TestMaxRevision(t *testing.T) {
	ctx := context.Background()
	s := newTestStore(t)
	require.NoError(t, s.Create(ctx, &store.Document{ID: "doc1", Content: []string{"a"}}))

	rev, err := s.MaxRevision(ctx, "doc1")
	require.NoError(t, err)
	require.Zero(t, rev, "empty log should report revision 0")

	require.NoError(t, s.Append(ctx, store.LoggedOperation{
		DocumentID: "doc1",
		Revision:   7,
		Op:         ot.Operation{Type: ot.OpInput, Text: []string{"x"}, Revision: 7},
	}))

	rev, err = s.MaxRevision(ctx, "doc1")
	require.NoError(t, err)
	require.Equal(t, uint64(7), rev)
}

func TestWithTransactionRollsBackOnError(t *testing.T) {
	ctx := context.Background()
	s := newTestStore(t)
	require.NoError(t, s.Create(ctx, &store.Document{ID: "doc1", Content: []string{"a"}}))

	err := s.WithTransaction(ctx, func(tx store.TxStore) error {
		if err := tx.UpdateContentAndRevision(ctx, "doc1", []string{"a", "b"}, 1); err != nil {
			return err
		}
		return context.Canceled
	})
	require.Error(t, err)

	got, err := s.Get(ctx, "doc1")
	require.NoError(t, err)
	require.Zero(t, got.LastRevision, "expected rollback")
}
