package detect

import (
	"context"
	"testing"
	"time"

	"github.com/cyp0633/caldora-sync/codec"
	"github.com/cyp0633/caldora-sync/davclient"
	"github.com/cyp0633/caldora-sync/event"
	"github.com/cyp0633/caldora-sync/internal/davtest"
	localmem "github.com/cyp0633/caldora-sync/localstore/memory"
	"github.com/cyp0633/caldora-sync/mapping"
	mapmem "github.com/cyp0633/caldora-sync/mapping/memory"
	"github.com/samber/mo"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

const cal = "work"

var t0 = time.Date(2024, 3, 1, 8, 0, 0, 0, time.UTC)

func standalone(id, title string, modified time.Time) *event.Series {
	return &event.Series{
		ID: id,
		Master: &event.Event{
			SeriesID:     id,
			Title:        title,
			Start:        time.Date(2024, 3, 4, 10, 0, 0, 0, time.UTC),
			End:          time.Date(2024, 3, 4, 11, 0, 0, 0, time.UTC),
			LastModified: modified,
		},
	}
}

type fixture struct {
	local    *localmem.Store
	mappings *mapmem.Store
	codec    *codec.Codec
	detector *Detector
}

func newFixture() *fixture {
	f := &fixture{
		local:    localmem.NewWithClock(func() time.Time { return t0.Add(time.Hour) }),
		mappings: mapmem.New(),
		codec:    codec.New(codec.DescriptionText),
	}
	f.detector = New(f.local, f.mappings, f.codec, nil)
	return f
}

func (f *fixture) encode(t *testing.T, s *event.Series) []byte {
	t.Helper()
	data, err := f.codec.Encode(s)
	require.NoError(t, err)
	return data
}

func (f *fixture) link(t *testing.T, s *event.Series, href, etag string) {
	t.Helper()
	fp, err := f.codec.Fingerprint(s)
	require.NoError(t, err)
	require.NoError(t, f.mappings.Upsert(context.Background(), mapping.Mapping{
		CalendarID:  cal,
		SeriesID:    s.ID,
		Href:        href,
		ETag:        etag,
		LastSync:    t0,
		Fingerprint: fp,
	}))
}

func TestLocalDelta(t *testing.T) {
	ctx := context.Background()
	f := newFixture()

	synced := standalone("synced", "Synced", t0)
	edited := standalone("edited", "Before", t0)
	removed := standalone("removed", "Removed", t0)
	draft := standalone("draft", "Draft", t0)
	fresh := standalone("fresh", "Fresh", t0)
	for _, s := range []*event.Series{synced, edited, removed, draft, fresh} {
		require.NoError(t, f.local.UpsertSeries(ctx, cal, s))
	}
	f.link(t, synced, davtest.CalendarPath+"synced.ics", `"1"`)
	f.link(t, edited, davtest.CalendarPath+"edited.ics", `"2"`)
	f.link(t, removed, davtest.CalendarPath+"removed.ics", `"3"`)

	_, err := f.local.Edit(ctx, cal, "edited", func(s *event.Series, now time.Time) (*event.Series, error) {
		return nil, event.EditAll(s, event.Patch{Title: mo.Some("After")}, now)
	})
	require.NoError(t, err)
	require.NoError(t, f.local.MarkDeleted(ctx, cal, "removed", mo.None[time.Time]()))
	require.NoError(t, f.local.MarkDeleted(ctx, cal, "draft", mo.None[time.Time]()))

	delta, err := f.detector.LocalDelta(ctx, cal, t0.Add(-time.Minute))
	require.NoError(t, err)

	kinds := make(map[string]Kind)
	for id, c := range delta.Changes {
		kinds[id] = c.Kind
	}
	assert.Equal(t, map[string]Kind{
		"edited":  Updated,
		"removed": Deleted,
		"fresh":   Created,
	}, kinds)
	assert.Equal(t, []string{"draft"}, delta.Purge)
	assert.Equal(t, "After", delta.Changes["edited"].Series.Master.Title)
	assert.True(t, delta.Changes["removed"].Mapping.IsPresent())

	delta, err = f.detector.LocalDelta(ctx, cal, t0.Add(2*time.Hour))
	require.NoError(t, err)
	assert.Empty(t, delta.Changes)
	assert.Empty(t, delta.Purge)
}

func newServer(t *testing.T, opts ...davtest.Option) *davtest.Server {
	return davtest.NewServer(t, append([]davtest.Option{davtest.WithCredentials("alice", "secret")}, opts...)...)
}

func newClient(t *testing.T, srv *davtest.Server) davclient.DAVClient {
	t.Helper()
	c, err := davclient.NewDAVClient(davclient.Options{
		CalendarURL: srv.CalendarURL(),
		Username:    "alice",
		Password:    "secret",
		HTTPClient:  srv.Client(),
		MaxRetries:  0,
	})
	require.NoError(t, err)
	return c
}

func TestRemoteDeltaIncremental(t *testing.T) {
	ctx := context.Background()
	f := newFixture()
	srv := newServer(t)
	client := newClient(t, srv)

	known := standalone("known", "Known", t0)
	knownHref, knownETag := srv.Put("known.ics", f.encode(t, known))
	f.link(t, known, knownHref, knownETag)
	srv.Put("new.ics", f.encode(t, standalone("new", "New", t0)))
	srv.Put("broken.ics", []byte("BEGIN:VCALENDAR\r\nVERSION:2.0\r\nEND:VCALENDAR\r\n"))

	delta, err := f.detector.RemoteDelta(ctx, client, cal, mapping.Cursor{CalendarID: cal})
	require.NoError(t, err)
	require.Len(t, delta.Changes, 1)
	c := delta.Changes["new"]
	assert.Equal(t, Created, c.Kind)
	assert.Equal(t, davtest.CalendarPath+"new.ics", c.Href)
	assert.Equal(t, "New", c.Series.Master.Title)
	require.Len(t, delta.Malformed, 1)
	assert.ErrorIs(t, delta.Malformed[0].Err, codec.ErrMalformed)
	assert.Equal(t, "ctag-3", delta.CTag)
	require.NotEmpty(t, delta.SyncToken)

	cursor := mapping.Cursor{CalendarID: cal, SyncToken: delta.SyncToken, CTag: delta.CTag}
	delta, err = f.detector.RemoteDelta(ctx, client, cal, cursor)
	require.NoError(t, err)
	assert.True(t, delta.Unchanged)
	assert.Empty(t, delta.Changes)
	assert.Equal(t, cursor.SyncToken, delta.SyncToken)

	_, _ = srv.Put("known.ics", f.encode(t, standalone("known", "Known v2", t0.Add(time.Minute))))
	delta, err = f.detector.RemoteDelta(ctx, client, cal, cursor)
	require.NoError(t, err)
	require.Contains(t, delta.Changes, "known")
	assert.Equal(t, Updated, delta.Changes["known"].Kind)
	assert.Equal(t, "Known v2", delta.Changes["known"].Series.Master.Title)

	srv.Remove(knownHref)
	delta, err = f.detector.RemoteDelta(ctx, client, cal, cursor)
	require.NoError(t, err)
	assert.Equal(t, Deleted, delta.Changes["known"].Kind)
	assert.Nil(t, delta.Changes["known"].Series)
}

func TestRemoteDeltaFallsBackToFullListing(t *testing.T) {
	tests := []struct {
		name   string
		opts   []davtest.Option
		expire bool
	}{
		{name: "expired token", expire: true},
		{name: "no sync-collection", opts: []davtest.Option{davtest.WithoutSyncCollection()}},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			ctx := context.Background()
			f := newFixture()
			srv := newServer(t, tt.opts...)
			client := newClient(t, srv)

			kept := standalone("kept", "Kept", t0)
			keptHref, keptETag := srv.Put("kept.ics", f.encode(t, kept))
			f.link(t, kept, keptHref, keptETag)
			gone := standalone("gone", "Gone", t0)
			f.link(t, gone, davtest.CalendarPath+"gone.ics", `"99"`)

			cursor := mapping.Cursor{CalendarID: cal, SyncToken: "http://caldora.test/sync/0-0"}
			if tt.expire {
				srv.ExpireTokens()
			}
			delta, err := f.detector.RemoteDelta(ctx, client, cal, cursor)
			require.NoError(t, err)
			assert.Equal(t, map[string]RemoteChange{
				"gone": {
					SeriesID: "gone",
					Kind:     Deleted,
					Href:     davtest.CalendarPath + "gone.ics",
					Mapping:  delta.Changes["gone"].Mapping,
				},
			}, delta.Changes)
			if tt.expire {
				assert.NotEmpty(t, delta.SyncToken)
			} else {
				assert.Empty(t, delta.SyncToken)
			}

			var gets int
			for _, r := range srv.Requests() {
				if r.Method == "GET" && r.Path == davtest.CalendarPath+"gone.ics" {
					gets++
				}
			}
			assert.Equal(t, 1, gets, "orphan is confirmed with a GET")
		})
	}
}

func TestRemoteDeltaConfirmsRecentWrites(t *testing.T) {
	ctx := context.Background()
	f := newFixture()
	srv := newServer(t)
	client := newClient(t, srv)

	kept := standalone("kept", "Kept", t0)
	keptHref, keptETag := srv.Put("kept.ics", f.encode(t, kept))
	f.link(t, kept, keptHref, keptETag)
	f.link(t, standalone("gone", "Gone", t0), davtest.CalendarPath+"gone.ics", `"99"`)

	initial, err := client.ListChanges(ctx, "")
	require.NoError(t, err)

	gets := func() int {
		n := 0
		for _, r := range srv.Requests() {
			if r.Method == "GET" {
				n++
			}
		}
		return n
	}

	// The mappings predate the cursor, so the token is trusted.
	cursor := mapping.Cursor{CalendarID: cal, SyncToken: initial.SyncToken, LocalSince: t0.Add(time.Hour)}
	delta, err := f.detector.RemoteDelta(ctx, client, cal, cursor)
	require.NoError(t, err)
	assert.Empty(t, delta.Changes)
	assert.Zero(t, gets())

	// Written by the last pass but not mentioned by the server: confirmed
	// with a GET each.
	cursor.LocalSince = t0
	delta, err = f.detector.RemoteDelta(ctx, client, cal, cursor)
	require.NoError(t, err)
	assert.Equal(t, 2, gets())
	require.Len(t, delta.Changes, 1)
	assert.Equal(t, Deleted, delta.Changes["gone"].Kind)
	assert.Equal(t, davtest.CalendarPath+"gone.ics", delta.Changes["gone"].Href)
}
