// Package storetest holds behaviour tests shared by every mapping.Store
// implementation.
package storetest

import (
	"context"
	"testing"
	"time"

	"github.com/cyp0633/caldora-sync/mapping"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

// Run exercises a fresh store returned by newStore.
func Run(t *testing.T, newStore func(t *testing.T) mapping.Store) {
	t.Run("upsert and lookup", func(t *testing.T) {
		s := newStore(t)
		ctx := context.Background()
		synced := time.Date(2024, 1, 1, 10, 0, 0, 0, time.UTC)

		got, err := s.Get(ctx, "cal", "series-1")
		require.NoError(t, err)
		assert.True(t, got.IsAbsent())

		m := mapping.Mapping{
			CalendarID:  "cal",
			SeriesID:    "series-1",
			Href:        "/cal/one.ics",
			ETag:        `"1"`,
			LastSync:    synced,
			Fingerprint: "abc",
		}
		require.NoError(t, s.Upsert(ctx, m))

		got, err = s.Get(ctx, "cal", "series-1")
		require.NoError(t, err)
		require.True(t, got.IsPresent())
		assertMapping(t, m, got.MustGet())

		byHref, err := s.LookupByHref(ctx, "cal", "/cal/one.ics")
		require.NoError(t, err)
		require.True(t, byHref.IsPresent())
		assert.Equal(t, "series-1", byHref.MustGet().SeriesID)

		other, err := s.LookupByHref(ctx, "other-cal", "/cal/one.ics")
		require.NoError(t, err)
		assert.True(t, other.IsAbsent())

		m.ETag = `"2"`
		require.NoError(t, s.Upsert(ctx, m))
		got, err = s.Get(ctx, "cal", "series-1")
		require.NoError(t, err)
		assert.Equal(t, `"2"`, got.MustGet().ETag)
	})

	t.Run("href is unique per calendar", func(t *testing.T) {
		s := newStore(t)
		ctx := context.Background()

		require.NoError(t, s.Upsert(ctx, mapping.Mapping{CalendarID: "cal", SeriesID: "a", Href: "/x.ics"}))
		err := s.Upsert(ctx, mapping.Mapping{CalendarID: "cal", SeriesID: "b", Href: "/x.ics"})
		assert.ErrorIs(t, err, mapping.ErrHrefConflict)

		// same href in another calendar is fine
		require.NoError(t, s.Upsert(ctx, mapping.Mapping{CalendarID: "cal-2", SeriesID: "b", Href: "/x.ics"}))

		// moving a series to a new href frees the old one
		require.NoError(t, s.Upsert(ctx, mapping.Mapping{CalendarID: "cal", SeriesID: "a", Href: "/y.ics"}))
		require.NoError(t, s.Upsert(ctx, mapping.Mapping{CalendarID: "cal", SeriesID: "b", Href: "/x.ics"}))
	})

	t.Run("ids containing slashes", func(t *testing.T) {
		s := newStore(t)
		ctx := context.Background()

		require.NoError(t, s.Upsert(ctx, mapping.Mapping{CalendarID: "a/b", SeriesID: "c", Href: "x.ics"}))
		require.NoError(t, s.Upsert(ctx, mapping.Mapping{CalendarID: "a", SeriesID: "b/c", Href: "b/x.ics"}))

		got, err := s.Get(ctx, "a/b", "c")
		require.NoError(t, err)
		assert.Equal(t, "x.ics", got.MustGet().Href)
		got, err = s.Get(ctx, "a", "b/c")
		require.NoError(t, err)
		assert.Equal(t, "b/x.ics", got.MustGet().Href)

		byHref, err := s.LookupByHref(ctx, "a/b", "x.ics")
		require.NoError(t, err)
		assert.Equal(t, "c", byHref.MustGet().SeriesID)

		require.NoError(t, s.Delete(ctx, "a", "b/c"))
		got, err = s.Get(ctx, "a/b", "c")
		require.NoError(t, err)
		assert.True(t, got.IsPresent())
	})

	t.Run("invalid mapping", func(t *testing.T) {
		s := newStore(t)
		err := s.Upsert(context.Background(), mapping.Mapping{CalendarID: "cal", SeriesID: "a"})
		assert.ErrorIs(t, err, mapping.ErrInvalid)
	})

	t.Run("list and delete", func(t *testing.T) {
		s := newStore(t)
		ctx := context.Background()

		for _, id := range []string{"c", "a", "b"} {
			require.NoError(t, s.Upsert(ctx, mapping.Mapping{CalendarID: "cal", SeriesID: id, Href: "/" + id + ".ics"}))
		}
		require.NoError(t, s.Upsert(ctx, mapping.Mapping{CalendarID: "other", SeriesID: "z", Href: "/z.ics"}))

		list, err := s.List(ctx, "cal")
		require.NoError(t, err)
		require.Len(t, list, 3)
		assert.Equal(t, []string{"a", "b", "c"}, []string{list[0].SeriesID, list[1].SeriesID, list[2].SeriesID})

		require.NoError(t, s.Delete(ctx, "cal", "b"))
		require.NoError(t, s.Delete(ctx, "cal", "missing"))

		list, err = s.List(ctx, "cal")
		require.NoError(t, err)
		assert.Len(t, list, 2)

		gone, err := s.LookupByHref(ctx, "cal", "/b.ics")
		require.NoError(t, err)
		assert.True(t, gone.IsAbsent())
		require.NoError(t, s.Upsert(ctx, mapping.Mapping{CalendarID: "cal", SeriesID: "new", Href: "/b.ics"}))
	})

	t.Run("cursor", func(t *testing.T) {
		s := newStore(t)
		ctx := context.Background()

		c, err := s.Cursor(ctx, "cal")
		require.NoError(t, err)
		assert.Equal(t, "cal", c.CalendarID)
		assert.True(t, c.LocalSince.IsZero())
		assert.Empty(t, c.SyncToken)

		want := mapping.Cursor{
			CalendarID: "cal",
			LocalSince: time.Date(2024, 3, 1, 8, 30, 0, 0, time.UTC),
			SyncToken:  "http://example.com/sync/42",
			CTag:       "ctag-7",
			UpdatedAt:  time.Date(2024, 3, 1, 8, 31, 0, 0, time.UTC),
		}
		require.NoError(t, s.SaveCursor(ctx, want))
		want.SyncToken = "http://example.com/sync/43"
		require.NoError(t, s.SaveCursor(ctx, want))

		c, err = s.Cursor(ctx, "cal")
		require.NoError(t, err)
		assert.Equal(t, want.SyncToken, c.SyncToken)
		assert.Equal(t, want.CTag, c.CTag)
		assert.True(t, want.LocalSince.Equal(c.LocalSince))
		assert.True(t, want.UpdatedAt.Equal(c.UpdatedAt))

		assert.ErrorIs(t, s.SaveCursor(ctx, mapping.Cursor{}), mapping.ErrInvalid)
	})
}

func assertMapping(t *testing.T, want, got mapping.Mapping) {
	t.Helper()
	assert.Equal(t, want.CalendarID, got.CalendarID)
	assert.Equal(t, want.SeriesID, got.SeriesID)
	assert.Equal(t, want.Href, got.Href)
	assert.Equal(t, want.ETag, got.ETag)
	assert.Equal(t, want.Fingerprint, got.Fingerprint)
	assert.True(t, want.LastSync.Equal(got.LastSync), "last sync %v != %v", want.LastSync, got.LastSync)
}
