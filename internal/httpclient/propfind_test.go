package httpclient

import (
	"context"
	"io"
	"net/http"
	"net/http/httptest"
	"testing"

	"github.com/beevik/etree"
	"github.com/cyp0633/caldora-sync/internal/xml"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestDoPROPFIND(t *testing.T) {
	tests := []struct {
		name       string
		status     int
		response   string
		wantErr    bool
		wantCTag   string
		wantTokens string
	}{
		{
			name:   "ctag and token",
			status: http.StatusMultiStatus,
			response: `<?xml version="1.0" encoding="UTF-8"?>
<D:multistatus xmlns:D="DAV:" xmlns:CS="http://calendarserver.org/ns/">
  <D:response>
    <D:href>/cal/</D:href>
    <D:propstat>
      <D:prop>
        <CS:getctag>ctag-4</CS:getctag>
        <D:sync-token>http://example.com/sync/4</D:sync-token>
      </D:prop>
      <D:status>HTTP/1.1 200 OK</D:status>
    </D:propstat>
  </D:response>
</D:multistatus>`,
			wantCTag:   "ctag-4",
			wantTokens: "http://example.com/sync/4",
		},
		{
			name:    "not multistatus",
			status:  http.StatusOK,
			wantErr: true,
		},
		{
			name:     "invalid xml",
			status:   http.StatusMultiStatus,
			response: "<D:multistatus",
			wantErr:  true,
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
				assert.Equal(t, "PROPFIND", r.Method)
				assert.Equal(t, "0", r.Header.Get("Depth"))
				body, _ := io.ReadAll(r.Body)
				assert.Contains(t, string(body), "getctag")
				w.WriteHeader(tt.status)
				w.Write([]byte(tt.response))
			}))
			defer srv.Close()

			c := newTestClient(t, srv, Options{}, nil)
			ms, err := c.DoPROPFIND(context.Background(), "", 0, xml.PropGetCTag, xml.PropSyncToken)
			if tt.wantErr {
				assert.Error(t, err)
				return
			}
			require.NoError(t, err)
			require.Len(t, ms.Responses, 1)
			assert.Equal(t, tt.wantCTag, ms.Responses[0].PropText(xml.PropGetCTag))
			assert.Equal(t, tt.wantTokens, ms.Responses[0].PropText(xml.PropSyncToken))
		})
	}
}

func TestDoREPORT(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		assert.Equal(t, "REPORT", r.Method)
		assert.Equal(t, "application/xml; charset=utf-8", r.Header.Get("Content-Type"))
		assert.Equal(t, "1", r.Header.Get("Depth"))

		body, _ := io.ReadAll(r.Body)
		var q xml.CalendarQueryRequest
		doc := etree.NewDocument()
		assert.NoError(t, doc.ReadFromBytes(body))
		assert.NoError(t, q.Parse(doc))
		assert.Equal(t, "VEVENT", q.Component)

		w.WriteHeader(http.StatusMultiStatus)
		w.Write([]byte(`<D:multistatus xmlns:D="DAV:">
  <D:response>
    <D:href>/cal/event1.ics</D:href>
    <D:propstat>
      <D:prop><D:getetag>"123"</D:getetag></D:prop>
      <D:status>HTTP/1.1 200 OK</D:status>
    </D:propstat>
  </D:response>
</D:multistatus>`))
	}))
	defer srv.Close()

	q := xml.CalendarQueryRequest{Props: []xml.Name{xml.PropGetETag}, Component: "VEVENT"}
	ms, err := newTestClient(t, srv, Options{}, nil).DoREPORT(context.Background(), "", 1, q.ToXML())
	require.NoError(t, err)
	require.Len(t, ms.Responses, 1)
	assert.Equal(t, "/cal/event1.ics", ms.Responses[0].Href)
	assert.Equal(t, `"123"`, ms.Responses[0].PropText(xml.PropGetETag))

	_, err = newTestClient(t, srv, Options{}, nil).DoREPORT(context.Background(), "", 1, nil)
	assert.Error(t, err)
}
