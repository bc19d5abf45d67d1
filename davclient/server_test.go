package davclient

import (
	"context"
	"net/http"
	"testing"
	"time"

	"github.com/cyp0633/caldora-sync/internal/davtest"
	"github.com/cyp0633/caldora-sync/internal/httpclient"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

const eventICS = "BEGIN:VCALENDAR\r\nVERSION:2.0\r\nPRODID:-//test//EN\r\n" +
	"BEGIN:VEVENT\r\nUID:ev-1\r\nDTSTAMP:20240101T000000Z\r\nDTSTART:20240101T100000Z\r\nEND:VEVENT\r\n" +
	"END:VCALENDAR\r\n"

func newServerClient(t *testing.T, srv *davtest.Server) DAVClient {
	t.Helper()
	c, err := NewDAVClient(Options{
		CalendarURL: srv.CalendarURL(),
		Username:    "alice",
		Password:    "secret",
		HTTPClient:  srv.Client(),
		MaxRetries:  2,
		BaseDelay:   time.Millisecond,
		MaxDelay:    time.Millisecond,
	})
	require.NoError(t, err)
	return c
}

func TestClientAgainstServer(t *testing.T) {
	ctx := context.Background()
	srv := davtest.NewServer(t, davtest.WithCredentials("alice", "secret"))
	c := newServerClient(t, srv)

	ctag, err := c.GetCalendarCTag(ctx)
	require.NoError(t, err)
	assert.Equal(t, "ctag-0", ctag)

	href, etag, err := c.CreateObject(ctx, []byte(eventICS))
	require.NoError(t, err)
	assert.Equal(t, `"1"`, etag)

	cs, err := c.ListChanges(ctx, "")
	require.NoError(t, err)
	assert.Equal(t, []ObjectInfo{{Href: href, ETag: etag}}, cs.Changed)
	token := cs.SyncToken

	newEtag, err := c.UpdateObject(ctx, href, etag, []byte(eventICS))
	require.NoError(t, err)
	_, err = c.UpdateObject(ctx, href, etag, []byte(eventICS))
	assert.ErrorIs(t, err, httpclient.ErrPreconditionFailed)

	obj, err := c.FetchObject(ctx, href)
	require.NoError(t, err)
	assert.Equal(t, newEtag, obj.ETag)
	assert.Equal(t, eventICS, string(obj.Data))

	objects, err := c.ListObjects(ctx)
	require.NoError(t, err)
	assert.Equal(t, []ObjectInfo{{Href: href, ETag: newEtag}}, objects)

	require.NoError(t, c.DeleteObject(ctx, href, newEtag))
	require.NoError(t, c.DeleteObject(ctx, href, newEtag))

	cs, err = c.ListChanges(ctx, token)
	require.NoError(t, err)
	assert.Empty(t, cs.Changed)
	assert.Equal(t, []string{href}, cs.Removed)

	srv.ExpireTokens()
	_, err = c.ListChanges(ctx, cs.SyncToken)
	assert.ErrorIs(t, err, ErrSyncTokenInvalid)
}

func TestClientRetriesAgainstServer(t *testing.T) {
	ctx := context.Background()
	srv := davtest.NewServer(t)
	c := newServerClient(t, srv)
	href, _ := srv.Put("a.ics", []byte(eventICS))

	srv.FailNext(http.MethodGet, href, http.StatusServiceUnavailable, http.StatusBadGateway)
	_, err := c.FetchObject(ctx, href)
	require.NoError(t, err)

	srv.FailNext(http.MethodGet, href, http.StatusServiceUnavailable, http.StatusServiceUnavailable, http.StatusServiceUnavailable)
	_, err = c.FetchObject(ctx, href)
	assert.ErrorIs(t, err, httpclient.ErrTransient)
}

func TestClientWithoutSyncCollection(t *testing.T) {
	srv := davtest.NewServer(t, davtest.WithoutSyncCollection())
	c := newServerClient(t, srv)

	_, err := c.ListChanges(context.Background(), "")
	assert.ErrorIs(t, err, ErrSyncUnsupported)

	srv = davtest.NewServer(t, davtest.WithoutCTag())
	ctag, err := newServerClient(t, srv).GetCalendarCTag(context.Background())
	require.NoError(t, err)
	assert.Empty(t, ctag)
}

func TestClientUnauthorized(t *testing.T) {
	srv := davtest.NewServer(t, davtest.WithCredentials("alice", "other"))
	_, err := newServerClient(t, srv).ListObjects(context.Background())
	assert.ErrorIs(t, err, httpclient.ErrUnauthorized)
}

func TestValidateAgainstServer(t *testing.T) {
	srv := davtest.NewServer(t, davtest.WithCredentials("alice", "secret"))
	cfg := DefaultConfig()
	cfg.Client = srv.Client()
	cfg.Resolver = &mockResolver{}

	info, err := Validate(context.Background(), srv.CalendarURL(), "alice", "secret", cfg)
	require.NoError(t, err)
	assert.Equal(t, "Work", info.Name)
	assert.False(t, info.ReadOnly)

	_, err = Validate(context.Background(), srv.URL()+"/calendars/alice/other/", "alice", "secret", cfg)
	assert.Error(t, err)

	_, err = Validate(context.Background(), srv.CalendarURL(), "alice", "wrong", cfg)
	assert.ErrorIs(t, err, httpclient.ErrUnauthorized)
}
