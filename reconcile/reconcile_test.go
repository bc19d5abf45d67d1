package reconcile

import (
	"context"
	"errors"
	"net/http"
	"path"
	"sync"
	"testing"
	"time"

	"github.com/cyp0633/caldora-sync/codec"
	"github.com/cyp0633/caldora-sync/davclient"
	"github.com/cyp0633/caldora-sync/event"
	"github.com/cyp0633/caldora-sync/internal/davtest"
	"github.com/cyp0633/caldora-sync/internal/httpclient"
	"github.com/cyp0633/caldora-sync/localstore"
	localmem "github.com/cyp0633/caldora-sync/localstore/memory"
	"github.com/cyp0633/caldora-sync/mapping"
	mapmem "github.com/cyp0633/caldora-sync/mapping/memory"
	"github.com/samber/mo"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/mock"
	"github.com/stretchr/testify/require"
)

const cal = "work"

var t0 = time.Date(2024, 3, 1, 8, 0, 0, 0, time.UTC)

func day(d, h int) time.Time {
	return time.Date(2024, 3, d, h, 0, 0, 0, time.UTC)
}

// fakeClock advances by a second on every read so that each write gets a
// distinct, ordered timestamp.
type fakeClock struct {
	mu  sync.Mutex
	now time.Time
}

func (c *fakeClock) Now() time.Time {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.now = c.now.Add(time.Second)
	return c.now
}

func standalone(id, title string) *event.Series {
	return &event.Series{
		ID: id,
		Master: &event.Event{
			SeriesID:     id,
			Title:        title,
			Start:        day(4, 12),
			End:          day(4, 13),
			LastModified: t0.Add(-24 * time.Hour),
		},
	}
}

func teamSync() *event.Series {
	return &event.Series{
		ID: "team-sync",
		Master: &event.Event{
			SeriesID:     "team-sync",
			Title:        "Team Sync",
			Start:        day(4, 10),
			End:          day(4, 11),
			RRule:        "FREQ=DAILY;COUNT=5",
			LastModified: t0.Add(-24 * time.Hour),
		},
	}
}

type harness struct {
	t        *testing.T
	clock    *fakeClock
	local    *localmem.Store
	mappings mapping.Store
	srv      *davtest.Server
	codec    *codec.Codec
	rec      *Reconciler
	pair     Pair
}

func newHarness(t *testing.T, opts ...func(*Options)) *harness {
	return newHarnessWith(t, mapmem.New(), opts...)
}

func newHarnessWith(t *testing.T, store mapping.Store, opts ...func(*Options)) *harness {
	return newHarnessOn(t, store, nil, opts...)
}

func newHarnessOn(t *testing.T, store mapping.Store, srvOpts []davtest.Option, opts ...func(*Options)) *harness {
	t.Helper()
	h := &harness{
		t:        t,
		clock:    &fakeClock{now: t0},
		mappings: store,
		srv:      davtest.NewServer(t, append([]davtest.Option{davtest.WithCredentials("alice", "secret")}, srvOpts...)...),
		codec:    codec.New(codec.DescriptionText),
	}
	h.local = localmem.NewWithClock(h.clock.Now)
	h.pair = Pair{
		CalendarID:  cal,
		CalendarURL: h.srv.CalendarURL(),
		Username:    "alice",
		Password:    "secret",
	}
	o := Options{
		Clock: h.clock.Now,
		Codec: h.codec,
		Client: davclient.Options{
			HTTPClient: h.srv.Client(),
			MaxRetries: 0,
			BaseDelay:  time.Millisecond,
		},
	}
	for _, opt := range opts {
		opt(&o)
	}
	h.rec = New(h.local, h.mappings, nil, o)
	return h
}

func (h *harness) run() *PassResult {
	h.t.Helper()
	res, err := h.rec.RunPass(context.Background(), h.pair)
	require.NoError(h.t, err)
	return res
}

func (h *harness) save(s *event.Series) {
	h.t.Helper()
	require.NoError(h.t, h.local.UpsertSeries(context.Background(), cal, s))
}

func (h *harness) edit(id string, fn func(s *event.Series, now time.Time) (*event.Series, error)) {
	h.t.Helper()
	_, err := h.local.Edit(context.Background(), cal, id, fn)
	require.NoError(h.t, err)
}

func (h *harness) mapping(id string) mapping.Mapping {
	h.t.Helper()
	m, err := h.mappings.Get(context.Background(), cal, id)
	require.NoError(h.t, err)
	require.True(h.t, m.IsPresent(), "mapping of %s", id)
	return m.MustGet()
}

func (h *harness) unmapped(id string) bool {
	h.t.Helper()
	m, err := h.mappings.Get(context.Background(), cal, id)
	require.NoError(h.t, err)
	return m.IsAbsent()
}

func (h *harness) remote(href string) *event.Series {
	h.t.Helper()
	data, _, ok := h.srv.Object(href)
	require.True(h.t, ok, "object %s", href)
	s, err := h.codec.Decode(data)
	require.NoError(h.t, err)
	return s
}

func (h *harness) loadLocal(id string) *event.Series {
	h.t.Helper()
	s, err := h.local.LoadSeries(context.Background(), cal, id)
	require.NoError(h.t, err)
	return s
}

// putRemote stores s over the object at href as another client would.
func (h *harness) putRemote(href string, s *event.Series) string {
	h.t.Helper()
	data, err := h.codec.Encode(s)
	require.NoError(h.t, err)
	_, etag := h.srv.Put(path.Base(href), data)
	return etag
}

func (h *harness) assertIdle() {
	h.t.Helper()
	for i := 0; i < 2; i++ {
		res := h.run()
		assert.Equal(h.t, StatusSuccess, res.Status)
		assert.Zero(h.t, res.Writes, "pass %d", i)
		assert.Zero(h.t, res.Pushed+res.Pulled+res.Deleted, "pass %d", i)
		assert.Empty(h.t, res.Conflicts)
	}
}

func TestResolveConflict(t *testing.T) {
	earlier := t0
	later := t0.Add(time.Minute)
	tests := []struct {
		name          string
		local, remote time.Time
		want          Side
	}{
		{name: "remote newer", local: earlier, remote: later, want: SideRemote},
		{name: "local newer", local: later, remote: earlier, want: SideLocal},
		{name: "tie", local: earlier, remote: earlier, want: SideLocal},
	}
	pick := func(s Side, local, remote time.Time) time.Time {
		if s == SideRemote {
			return remote
		}
		return local
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			got := resolveConflict(tt.local, tt.remote)
			assert.Equal(t, tt.want, got)
			// The winning version does not depend on which side is which.
			swapped := resolveConflict(tt.remote, tt.local)
			assert.True(t, pick(got, tt.local, tt.remote).Equal(pick(swapped, tt.remote, tt.local)))
		})
	}
}

func TestPushCreatesObjectAndMapping(t *testing.T) {
	h := newHarness(t)
	h.save(standalone("lunch", "Lunch"))

	res := h.run()
	assert.Equal(t, StatusSuccess, res.Status)
	assert.Equal(t, 1, res.Pushed)
	assert.Equal(t, 1, res.Writes)

	m := h.mapping("lunch")
	data, etag, ok := h.srv.Object(m.Href)
	require.True(t, ok)
	assert.Equal(t, m.ETag, etag)
	want, err := h.codec.Encode(h.loadLocal("lunch"))
	require.NoError(t, err)
	assert.Equal(t, string(want), string(data))

	cursor, err := h.mappings.Cursor(context.Background(), cal)
	require.NoError(t, err)
	assert.True(t, cursor.LocalSince.Equal(res.Started))
	assert.NotEmpty(t, cursor.SyncToken)

	h.local.ResetWrites()
	h.assertIdle()
	assert.Equal(t, 1, h.srv.Writes())
	assert.Empty(t, h.local.Writes())
}

func TestPushWithoutETagInResponse(t *testing.T) {
	h := newHarnessOn(t, mapmem.New(), []davtest.Option{davtest.WithoutPutETag()})
	h.save(standalone("lunch", "Lunch"))
	h.srv.ResetRequests()

	res := h.run()
	require.Equal(t, StatusSuccess, res.Status)
	assert.Equal(t, 1, res.Pushed)

	m := h.mapping("lunch")
	_, etag, ok := h.srv.Object(m.Href)
	require.True(t, ok)
	assert.Equal(t, etag, m.ETag)
	for _, r := range h.srv.Requests() {
		assert.NotEqual(t, http.MethodGet, r.Method, r.Path)
	}

	h.assertIdle()
}

func TestEditThisOccurrence(t *testing.T) {
	h := newHarness(t)
	h.save(teamSync())
	h.run()
	href := h.mapping("team-sync").Href

	h.edit("team-sync", func(s *event.Series, now time.Time) (*event.Series, error) {
		return nil, event.EditThis(s, day(6, 10), event.Patch{
			Title: mo.Some("Team Sync (moved)"),
			Start: mo.Some(day(6, 14)),
		}, now)
	})
	res := h.run()
	assert.Equal(t, 1, res.Pushed)
	assert.Empty(t, res.Conflicts)
	assert.Equal(t, href, h.mapping("team-sync").Href)

	remote := h.remote(href)
	assert.Equal(t, "Team Sync", remote.Master.Title)
	assert.Equal(t, "FREQ=DAILY;COUNT=5", remote.Master.RRule)
	require.Len(t, remote.Exceptions, 1)
	exc := remote.Exceptions[0]
	assert.True(t, exc.RecurrenceID.MustGet().Equal(day(6, 10)))
	assert.Equal(t, "Team Sync (moved)", exc.Title)
	assert.True(t, exc.Start.Equal(day(6, 14)))

	h.assertIdle()
}

func TestSplitFutureCreatesSecondObject(t *testing.T) {
	h := newHarness(t)
	h.save(teamSync())
	h.run()
	href := h.mapping("team-sync").Href

	h.edit("team-sync", func(s *event.Series, now time.Time) (*event.Series, error) {
		return event.SplitFuture(s, day(6, 10), event.Patch{Title: mo.Some("Team Sync v2")}, "team-sync-2", now)
	})
	res := h.run()
	assert.Equal(t, 2, res.Pushed)

	assert.Equal(t, href, h.mapping("team-sync").Href, "past portion keeps its address")
	future := h.mapping("team-sync-2")
	assert.NotEqual(t, href, future.Href)
	assert.Len(t, h.srv.Hrefs(), 2)
	assert.Equal(t, "Team Sync v2", h.remote(future.Href).Master.Title)
	assert.NotEqual(t, "FREQ=DAILY;COUNT=5", h.remote(href).Master.RRule)

	h.assertIdle()
}

func TestDeleteThisOccurrence(t *testing.T) {
	h := newHarness(t)
	h.save(teamSync())
	h.run()
	href := h.mapping("team-sync").Href

	h.edit("team-sync", func(s *event.Series, now time.Time) (*event.Series, error) {
		return nil, event.DeleteThis(s, day(5, 10), now)
	})
	res := h.run()
	assert.Equal(t, 1, res.Pushed)

	remote := h.remote(href)
	require.Len(t, remote.Master.ExDates, 1)
	assert.True(t, remote.Master.ExDates[0].Equal(day(5, 10)))
	assert.False(t, h.loadLocal("team-sync").HasTombstones(), "tombstones are purged once pushed")

	h.assertIdle()
}

func TestLocalDeleteRemovesRemoteObject(t *testing.T) {
	ctx := context.Background()
	h := newHarness(t)
	h.save(teamSync())
	h.run()
	m := h.mapping("team-sync")

	require.NoError(t, h.local.MarkDeleted(ctx, cal, "team-sync", mo.None[time.Time]()))
	res := h.run()
	assert.Equal(t, StatusSuccess, res.Status)
	assert.Equal(t, 1, res.Deleted)
	assert.Equal(t, 2, res.Writes)

	_, _, ok := h.srv.Object(m.Href)
	assert.False(t, ok)
	assert.True(t, h.unmapped("team-sync"))
	_, err := h.local.LoadSeries(ctx, cal, "team-sync")
	assert.ErrorIs(t, err, localstore.ErrNotFound)

	h.assertIdle()
}

func TestDeletedDraftIsPurgedWithoutRemoteWrite(t *testing.T) {
	ctx := context.Background()
	h := newHarness(t)
	h.save(standalone("draft", "Draft"))
	require.NoError(t, h.local.MarkDeleted(ctx, cal, "draft", mo.None[time.Time]()))

	res := h.run()
	assert.Equal(t, StatusSuccess, res.Status)
	assert.Zero(t, h.srv.Writes())
	_, err := h.local.LoadSeries(ctx, cal, "draft")
	assert.ErrorIs(t, err, localstore.ErrNotFound)
}

func TestPullNewerRemote(t *testing.T) {
	h := newHarness(t)
	h.save(standalone("lunch", "Lunch"))
	h.run()
	m := h.mapping("lunch")

	changed := standalone("lunch", "Lunch with Bob")
	changed.Master.LastModified = t0.Add(time.Hour)
	etag := h.putRemote(m.Href, changed)
	h.local.ResetWrites()

	res := h.run()
	assert.Equal(t, StatusSuccess, res.Status)
	assert.Equal(t, 1, res.Pulled)
	assert.Empty(t, res.Conflicts)
	assert.Equal(t, "Lunch with Bob", h.loadLocal("lunch").Master.Title)
	assert.Equal(t, etag, h.mapping("lunch").ETag)

	writes := h.local.Writes()
	require.NotEmpty(t, writes)
	for _, w := range writes {
		assert.True(t, w.Suppressed, "%s of %s", w.Op, w.SeriesID)
	}
	assert.False(t, h.rec.Suppressor().Active(cal, "lunch"))

	h.assertIdle()
}

func TestPullDropsMissingExceptions(t *testing.T) {
	h := newHarness(t)
	h.save(teamSync())
	h.edit("team-sync", func(s *event.Series, now time.Time) (*event.Series, error) {
		return nil, event.EditThis(s, day(6, 10), event.Patch{Title: mo.Some("Moved")}, now)
	})
	h.run()
	m := h.mapping("team-sync")

	plain := teamSync()
	plain.Master.LastModified = t0.Add(time.Hour)
	h.putRemote(m.Href, plain)

	res := h.run()
	assert.Equal(t, 1, res.Pulled)
	local := h.loadLocal("team-sync")
	exc := local.Exception(day(6, 10))
	require.NotNil(t, exc)
	assert.True(t, exc.Deleted)
	assert.Nil(t, local.Live().Exception(day(6, 10)))

	h.assertIdle()
}

func TestRemoteDeleteMarksLocalDeleted(t *testing.T) {
	h := newHarness(t)
	h.save(standalone("lunch", "Lunch"))
	h.run()
	h.srv.Remove(h.mapping("lunch").Href)

	res := h.run()
	assert.Equal(t, StatusSuccess, res.Status)
	assert.Equal(t, 1, res.Deleted)
	assert.True(t, h.loadLocal("lunch").Deleted(), "history is kept")
	assert.True(t, h.unmapped("lunch"))

	h.assertIdle()
}

func TestServerWithoutSyncCollection(t *testing.T) {
	h := newHarnessOn(t, mapmem.New(), []davtest.Option{davtest.WithoutSyncCollection()})
	h.save(standalone("lunch", "Lunch"))
	res := h.run()
	require.Equal(t, StatusSuccess, res.Status)
	assert.Equal(t, 1, res.Pushed)

	other := standalone("dinner", "Dinner")
	other.Master.LastModified = t0
	h.putRemote(davtest.CalendarPath+"dinner.ics", other)
	h.srv.Remove(h.mapping("lunch").Href)

	res = h.run()
	require.Equal(t, StatusSuccess, res.Status)
	assert.Equal(t, 1, res.Pulled)
	assert.Equal(t, 1, res.Deleted)
	assert.True(t, h.loadLocal("lunch").Deleted())
	assert.True(t, h.unmapped("lunch"))
	assert.Equal(t, "Dinner", h.loadLocal("dinner").Master.Title)

	h.assertIdle()
}

func TestConflict(t *testing.T) {
	tests := []struct {
		name           string
		remoteModified time.Time
		winner         Side
		title          string
	}{
		{name: "local newer", remoteModified: t0.Add(-time.Hour), winner: SideLocal, title: "Local title"},
		{name: "remote newer", remoteModified: t0.Add(48 * time.Hour), winner: SideRemote, title: "Remote title"},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			h := newHarness(t)
			h.save(standalone("lunch", "Lunch"))
			h.run()
			m := h.mapping("lunch")

			h.edit("lunch", func(s *event.Series, now time.Time) (*event.Series, error) {
				return nil, event.EditAll(s, event.Patch{Title: mo.Some("Local title")}, now)
			})
			remote := standalone("lunch", "Remote title")
			remote.Master.LastModified = tt.remoteModified
			h.putRemote(m.Href, remote)

			res := h.run()
			assert.Equal(t, StatusSuccess, res.Status)
			require.Len(t, res.Conflicts, 1)
			assert.Equal(t, tt.winner, res.Conflicts[0].Winner)
			assert.True(t, res.Conflicts[0].RemoteModified.Equal(tt.remoteModified))

			assert.Equal(t, tt.title, h.loadLocal("lunch").Master.Title)
			assert.Equal(t, tt.title, h.remote(m.Href).Master.Title)
			assert.Len(t, h.srv.Hrefs(), 1)

			h.assertIdle()
		})
	}
}

func TestLocalEditLosesToRemoteDelete(t *testing.T) {
	h := newHarness(t)
	h.save(standalone("lunch", "Lunch"))
	h.run()
	h.edit("lunch", func(s *event.Series, now time.Time) (*event.Series, error) {
		return nil, event.EditAll(s, event.Patch{Title: mo.Some("Edited")}, now)
	})
	h.srv.Remove(h.mapping("lunch").Href)

	res := h.run()
	assert.Equal(t, 1, res.Deleted)
	assert.Empty(t, res.Conflicts)
	assert.True(t, h.loadLocal("lunch").Deleted())
	assert.Empty(t, h.srv.Hrefs())
}

func TestPreconditionFailureReentersMerge(t *testing.T) {
	h := newHarness(t)
	h.save(standalone("lunch", "Lunch"))
	h.run()
	m := h.mapping("lunch")
	h.edit("lunch", func(s *event.Series, now time.Time) (*event.Series, error) {
		return nil, event.EditAll(s, event.Patch{Title: mo.Some("Renamed")}, now)
	})

	h.srv.FailNext(http.MethodPut, m.Href, http.StatusPreconditionFailed)
	res := h.run()
	assert.Equal(t, StatusSuccess, res.Status)
	assert.Empty(t, res.Failed)
	assert.Equal(t, 1, res.Pushed)
	require.Len(t, res.Conflicts, 1)
	assert.Equal(t, SideLocal, res.Conflicts[0].Winner)
	assert.Equal(t, "Renamed", h.remote(m.Href).Master.Title)
}

func TestPreconditionFailureGivesUp(t *testing.T) {
	ctx := context.Background()
	h := newHarness(t)
	h.save(standalone("lunch", "Lunch"))
	h.run()
	before, err := h.mappings.Cursor(ctx, cal)
	require.NoError(t, err)
	m := h.mapping("lunch")
	h.edit("lunch", func(s *event.Series, now time.Time) (*event.Series, error) {
		return nil, event.EditAll(s, event.Patch{Title: mo.Some("Renamed")}, now)
	})

	codes := make([]int, maxReentries+1)
	for i := range codes {
		codes[i] = http.StatusPreconditionFailed
	}
	h.srv.FailNext(http.MethodPut, m.Href, codes...)
	res := h.run()
	assert.Equal(t, StatusPartial, res.Status)
	require.Len(t, res.Failed, 1)
	assert.Equal(t, "lunch", res.Failed[0].SeriesID)
	assert.ErrorIs(t, &res.Failed[0], httpclient.ErrPreconditionFailed)
	assert.Len(t, res.Conflicts, 1)

	after, err := h.mappings.Cursor(ctx, cal)
	require.NoError(t, err)
	assert.Equal(t, before, after, "cursor is kept when a series failed")

	res = h.run()
	assert.Equal(t, StatusSuccess, res.Status)
	assert.Equal(t, "Renamed", h.remote(m.Href).Master.Title)
}

func TestFatalErrors(t *testing.T) {
	tests := []struct {
		name  string
		setup func(h *harness)
		err   error
	}{
		{
			name:  "unauthorized",
			setup: func(h *harness) { h.pair.Password = "wrong" },
			err:   httpclient.ErrUnauthorized,
		},
		{
			name: "transient",
			setup: func(h *harness) {
				h.srv.FailNext("PROPFIND", "", http.StatusServiceUnavailable)
			},
			err: httpclient.ErrTransient,
		},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			ctx := context.Background()
			h := newHarness(t)
			h.save(standalone("lunch", "Lunch"))
			tt.setup(h)

			res, err := h.rec.RunPass(ctx, h.pair)
			require.ErrorIs(t, err, tt.err)
			assert.Equal(t, StatusFatal, res.Status)
			assert.Zero(t, h.srv.Writes())

			cursor, err := h.mappings.Cursor(ctx, cal)
			require.NoError(t, err)
			assert.True(t, cursor.LocalSince.IsZero())
			assert.Empty(t, cursor.SyncToken)
		})
	}
}

func TestOverlappingPassIsSkipped(t *testing.T) {
	h := newHarness(t)
	sem := h.rec.lock(h.pair.Key())
	require.True(t, sem.TryAcquire(1))

	res, err := h.rec.RunPass(context.Background(), h.pair)
	assert.ErrorIs(t, err, ErrPassInProgress)
	assert.Equal(t, StatusSkipped, res.Status)
	assert.Empty(t, h.srv.Requests())

	sem.Release(1)
	assert.Equal(t, StatusSuccess, h.run().Status)
}

func TestMalformedObjectStillAdvancesCursor(t *testing.T) {
	h := newHarness(t)
	h.srv.Put("broken.ics", []byte("BEGIN:VCALENDAR\r\nVERSION:2.0\r\nEND:VCALENDAR\r\n"))
	h.save(standalone("lunch", "Lunch"))

	res := h.run()
	assert.Equal(t, StatusPartial, res.Status)
	assert.Equal(t, 1, res.Pushed)
	require.Len(t, res.Failed, 1)
	assert.Equal(t, davtest.CalendarPath+"broken.ics", res.Failed[0].Href)
	assert.ErrorIs(t, res.Failed[0].Err, codec.ErrMalformed)

	cursor, err := h.mappings.Cursor(context.Background(), cal)
	require.NoError(t, err)
	assert.True(t, cursor.LocalSince.Equal(res.Started))
	assert.NotEmpty(t, cursor.SyncToken)
}

func TestIgnorePastRemote(t *testing.T) {
	h := newHarness(t, func(o *Options) { o.IgnorePastRemote = true })
	old := standalone("old", "Last year")
	old.Master.Start = time.Date(2023, 3, 4, 12, 0, 0, 0, time.UTC)
	old.Master.End = time.Date(2023, 3, 4, 13, 0, 0, 0, time.UTC)
	h.putRemote("old.ics", old)
	h.putRemote("lunch.ics", standalone("lunch", "Lunch"))

	res := h.run()
	assert.Equal(t, 1, res.Pulled)
	_, err := h.local.LoadSeries(context.Background(), cal, "old")
	assert.ErrorIs(t, err, localstore.ErrNotFound)
	assert.Equal(t, "Lunch", h.loadLocal("lunch").Master.Title)
}

func TestMappingWriteFailure(t *testing.T) {
	store := new(mapping.MockStore)
	store.On("Cursor", mock.Anything, cal).Return(mapping.Cursor{CalendarID: cal}, nil)
	store.On("Get", mock.Anything, cal, "lunch").Return(mo.None[mapping.Mapping](), nil)
	store.On("List", mock.Anything, cal).Return([]mapping.Mapping{}, nil)
	store.On("Upsert", mock.Anything, mock.Anything).Return(errors.New("disk full"))

	h := newHarnessWith(t, store)
	h.save(standalone("lunch", "Lunch"))

	res := h.run()
	assert.Equal(t, StatusPartial, res.Status)
	require.Len(t, res.Failed, 1)
	assert.Equal(t, "lunch", res.Failed[0].SeriesID)
	assert.ErrorContains(t, res.Failed[0].Err, "disk full")
	assert.Equal(t, 1, h.srv.Writes())
	store.AssertNotCalled(t, "SaveCursor", mock.Anything, mock.Anything)
}
