package sqlite

import (
	"context"
	"path/filepath"
	"testing"

	"github.com/cyp0633/caldora-sync/mapping"
	"github.com/cyp0633/caldora-sync/mapping/storetest"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func openTestStore(t *testing.T, path string) *Store {
	t.Helper()
	s, err := Open(path)
	require.NoError(t, err)
	t.Cleanup(func() { s.Close() })
	return s
}

func TestStore(t *testing.T) {
	storetest.Run(t, func(t *testing.T) mapping.Store {
		return openTestStore(t, filepath.Join(t.TempDir(), "state.db"))
	})
}

func TestOpenIsIdempotent(t *testing.T) {
	path := filepath.Join(t.TempDir(), "state.db")
	ctx := context.Background()

	s, err := Open(path)
	require.NoError(t, err)
	require.NoError(t, s.Upsert(ctx, mapping.Mapping{CalendarID: "cal", SeriesID: "a", Href: "/a.ics", ETag: `"1"`}))
	require.NoError(t, s.SaveCursor(ctx, mapping.Cursor{CalendarID: "cal", CTag: "7"}))
	require.NoError(t, s.Close())

	// reopening keeps the data and does not re-run migrations
	s = openTestStore(t, path)
	var version int
	require.NoError(t, s.db.QueryRow("PRAGMA user_version").Scan(&version))
	assert.Equal(t, currentSchemaVersion, version)

	got, err := s.Get(ctx, "cal", "a")
	require.NoError(t, err)
	require.True(t, got.IsPresent())
	assert.Equal(t, `"1"`, got.MustGet().ETag)

	c, err := s.Cursor(ctx, "cal")
	require.NoError(t, err)
	assert.Equal(t, "7", c.CTag)
}
