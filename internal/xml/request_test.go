package xml

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestPropfindRequest_ToXML(t *testing.T) {
	tests := []struct {
		name string
		req  PropfindRequest
		want string
	}{
		{
			name: "etag and ctag",
			req:  PropfindRequest{Props: []Name{PropGetETag, PropGetCTag}},
			want: `<D:propfind xmlns:D="DAV:" xmlns:CS="http://calendarserver.org/ns/"><D:prop><D:getetag/><CS:getctag/></D:prop></D:propfind>`,
		},
		{
			name: "discovery",
			req:  PropfindRequest{Props: []Name{PropCurrentUserPrincipal, PropCalendarHomeSet}},
			want: `<D:propfind xmlns:D="DAV:" xmlns:C="urn:ietf:params:xml:ns:caldav"><D:prop><D:current-user-principal/><C:calendar-home-set/></D:prop></D:propfind>`,
		},
		{
			name: "allprop",
			req:  PropfindRequest{AllProp: true},
			want: `<D:propfind xmlns:D="DAV:"><D:allprop/></D:propfind>`,
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			assert.Equal(t, tt.want, docString(t, tt.req.ToXML()))
		})
	}
}

func TestPropfindRequest_Parse(t *testing.T) {
	doc := readDoc(t, `<?xml version="1.0"?>
<propfind xmlns="DAV:" xmlns:cs="http://calendarserver.org/ns/">
  <prop>
    <getetag/>
    <cs:getctag/>
    <sync-token/>
  </prop>
</propfind>`)

	var req PropfindRequest
	require.NoError(t, req.Parse(doc))
	assert.False(t, req.AllProp)
	assert.Equal(t, []Name{PropGetETag, PropGetCTag, PropSyncToken}, req.Props)

	require.NoError(t, req.Parse(nil))
	assert.True(t, req.AllProp)

	assert.Error(t, req.Parse(readDoc(t, `<D:multistatus xmlns:D="DAV:"/>`)))
}

func TestSyncCollectionRequest(t *testing.T) {
	req := SyncCollectionRequest{
		SyncToken: "http://example.com/sync/7",
		Props:     []Name{PropGetETag},
	}

	var parsed SyncCollectionRequest
	require.NoError(t, parsed.Parse(req.ToXML()))
	assert.Equal(t, "http://example.com/sync/7", parsed.SyncToken)
	assert.Equal(t, "1", parsed.SyncLevel)
	assert.Equal(t, []Name{PropGetETag}, parsed.Props)

	name, err := RootName(req.ToXML())
	require.NoError(t, err)
	assert.Equal(t, Name{DAV, "sync-collection"}, name)

	initial := SyncCollectionRequest{Props: []Name{PropGetETag}}
	require.NoError(t, parsed.Parse(initial.ToXML()))
	assert.Empty(t, parsed.SyncToken)
}

func TestCalendarQueryRequest(t *testing.T) {
	req := CalendarQueryRequest{Props: []Name{PropGetETag}, Component: "VEVENT"}
	out := docString(t, req.ToXML())
	assert.Contains(t, out, `<C:comp-filter name="VCALENDAR"><C:comp-filter name="VEVENT"/></C:comp-filter>`)

	var parsed CalendarQueryRequest
	require.NoError(t, parsed.Parse(req.ToXML()))
	assert.Equal(t, "VEVENT", parsed.Component)
	assert.Equal(t, []Name{PropGetETag}, parsed.Props)

	// a foreign client using different prefixes
	doc := readDoc(t, `<c:calendar-query xmlns:d="DAV:" xmlns:c="urn:ietf:params:xml:ns:caldav">
  <d:prop><d:getetag/><c:calendar-data/></d:prop>
  <c:filter><c:comp-filter name="VCALENDAR"/></c:filter>
</c:calendar-query>`)
	require.NoError(t, parsed.Parse(doc))
	assert.Equal(t, "VCALENDAR", parsed.Component)
	assert.Equal(t, []Name{PropGetETag, PropCalendarData}, parsed.Props)
}
