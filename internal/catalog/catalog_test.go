package catalog

import (
	"context"
	"testing"
	"time"

	"github.com/stretchr/testify/require"
	"go.uber.org/zap"

	"github.com/partlabs/eolwatch/internal/eol"
	"github.com/partlabs/eolwatch/internal/storage/memory"
)

func newTestStore(t *testing.T) *Store {
	t.Helper()
	return NewStore(memory.NewRecordStore(), zap.NewNop())
}

func TestStore_EmptyCatalog(t *testing.T) {
	t.Parallel()
	s := newTestStore(t)
	_, err := s.NextItem(context.Background())
	require.ErrorIs(t, err, eol.ErrCatalogEmpty)
}

func TestStore_NeverCheckedComesFirst(t *testing.T) {
	t.Parallel()
	ctx := context.Background()
	s := newTestStore(t)

	checked := time.Date(2026, 8, 1, 0, 0, 0, 0, time.UTC)
	require.NoError(t, s.Upsert(ctx, eol.CatalogItem{
		ID:            "p-aged",
		Subject:       eol.Subject{Maker: "Omron", Model: "E3X-NA11"},
		LastCheckedAt: &checked,
	}))
	require.NoError(t, s.Upsert(ctx, eol.CatalogItem{
		ID:      "p-new",
		Subject: eol.Subject{Maker: "Keyence", Model: "FS-N11N"},
	}))

	item, err := s.NextItem(ctx)
	require.NoError(t, err)
	require.Equal(t, "p-new", item.ID)
}

func TestStore_OldestCheckedWinsOnceAllChecked(t *testing.T) {
	t.Parallel()
	ctx := context.Background()
	s := newTestStore(t)

	old := time.Date(2026, 7, 1, 0, 0, 0, 0, time.UTC)
	recent := time.Date(2026, 8, 20, 0, 0, 0, 0, time.UTC)
	require.NoError(t, s.Upsert(ctx, eol.CatalogItem{ID: "p-recent", LastCheckedAt: &recent}))
	require.NoError(t, s.Upsert(ctx, eol.CatalogItem{ID: "p-old", LastCheckedAt: &old}))

	item, err := s.NextItem(ctx)
	require.NoError(t, err)
	require.Equal(t, "p-old", item.ID)
}

func TestStore_MarkCheckedRotatesSelection(t *testing.T) {
	t.Parallel()
	ctx := context.Background()
	s := newTestStore(t)

	require.NoError(t, s.Upsert(ctx, eol.CatalogItem{ID: "p-a"}))
	require.NoError(t, s.Upsert(ctx, eol.CatalogItem{ID: "p-b"}))

	first, err := s.NextItem(ctx)
	require.NoError(t, err)
	require.Equal(t, "p-a", first.ID)

	require.NoError(t, s.MarkChecked(ctx, "p-a", time.Date(2026, 8, 31, 9, 0, 0, 0, time.UTC), eol.VerdictActive))

	second, err := s.NextItem(ctx)
	require.NoError(t, err)
	require.Equal(t, "p-b", second.ID)

	require.NoError(t, s.MarkChecked(ctx, "p-b", time.Date(2026, 8, 31, 10, 0, 0, 0, time.UTC), eol.VerdictUnknown))

	third, err := s.NextItem(ctx)
	require.NoError(t, err)
	require.Equal(t, "p-a", third.ID)
	require.Equal(t, eol.VerdictActive, third.LastVerdict)
}

func TestStore_UpsertRequiresID(t *testing.T) {
	t.Parallel()
	s := newTestStore(t)
	var verr *eol.ValidationError
	require.ErrorAs(t, s.Upsert(context.Background(), eol.CatalogItem{}), &verr)

	require.ErrorIs(t, s.MarkChecked(context.Background(), "missing", time.Now(), eol.VerdictActive), eol.ErrNotFound)
}
