package davclient

import (
	"context"
	"io"
	"net"
	"net/http"
	"net/http/httptest"
	"net/url"
	"strings"
	"testing"

	"github.com/cyp0633/caldora-sync/internal/httpclient"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

// mockResolver implements a mock DNS resolver for testing
type mockResolver struct {
	srvRecords map[string][]*net.SRV
	txtRecords map[string][]string
}

func (r *mockResolver) LookupSRV(ctx context.Context, service, proto, name string) (cname string, addrs []*net.SRV, err error) {
	addrs, ok := r.srvRecords[name]
	if !ok {
		return "", nil, &net.DNSError{
			Err:        "no such host",
			Name:       name,
			IsNotFound: true,
		}
	}
	return "", addrs, nil
}

func (r *mockResolver) LookupTXT(ctx context.Context, name string) ([]string, error) {
	records, ok := r.txtRecords[name]
	if !ok {
		return nil, &net.DNSError{
			Err:        "no such host",
			Name:       name,
			IsNotFound: true,
		}
	}
	return records, nil
}

func TestCandidateLocations(t *testing.T) {
	tests := []struct {
		name          string
		location      string
		srvRecords    map[string][]*net.SRV
		txtRecords    map[string][]string
		wantLocations []string
	}{
		{
			name:     "caldavs SRV record with path",
			location: "https://example.com",
			srvRecords: map[string][]*net.SRV{
				"_caldavs._tcp.example.com": {{Target: "calendar.example.com.", Port: 443, Priority: 1, Weight: 1}},
			},
			txtRecords: map[string][]string{
				"_caldavs._tcp.example.com": {"path=/calendar"},
			},
			wantLocations: []string{
				"https://calendar.example.com:443/calendar",
				"https://example.com/.well-known/caldav",
				"https://example.com/",
			},
		},
		{
			name:     "caldav SRV record without path",
			location: "http://example.com",
			srvRecords: map[string][]*net.SRV{
				"_caldav._tcp.example.com": {{Target: "calendar.example.com", Port: 80, Priority: 1, Weight: 1}},
			},
			wantLocations: []string{
				"http://calendar.example.com:80",
				"http://example.com/.well-known/caldav",
				"http://example.com/",
			},
		},
		{
			name:     "direct path first",
			location: "http://example.com/dav/cal/",
			wantLocations: []string{
				"http://example.com/dav/cal/",
				"http://example.com/.well-known/caldav",
				"http://example.com/",
			},
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			base, err := url.Parse(tt.location)
			require.NoError(t, err)
			r := &mockResolver{srvRecords: tt.srvRecords, txtRecords: tt.txtRecords}
			assert.Equal(t, tt.wantLocations, candidateLocations(context.Background(), base, tt.location, r))
		})
	}
}

// discoveryServer answers the three discovery PROPFINDs of a server whose
// principal is only reachable through the well-known URL.
func discoveryServer(t *testing.T) *httptest.Server {
	t.Helper()
	return httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		user, pass, ok := r.BasicAuth()
		if !ok || user != "alice" || pass != "secret" {
			w.WriteHeader(http.StatusUnauthorized)
			return
		}
		assert.Equal(t, "PROPFIND", r.Method)
		body, _ := io.ReadAll(r.Body)

		w.Header().Set("Content-Type", "application/xml")
		switch {
		case r.URL.Path == "/.well-known/caldav" && strings.Contains(string(body), "current-user-principal"):
			w.WriteHeader(http.StatusMultiStatus)
			io.WriteString(w, `<D:multistatus xmlns:D="DAV:"><D:response><D:href>/.well-known/caldav</D:href>
<D:propstat><D:prop><D:current-user-principal><D:href>/principals/alice/</D:href></D:current-user-principal></D:prop>
<D:status>HTTP/1.1 200 OK</D:status></D:propstat></D:response></D:multistatus>`)
		case r.URL.Path == "/principals/alice/":
			w.WriteHeader(http.StatusMultiStatus)
			io.WriteString(w, `<D:multistatus xmlns:D="DAV:" xmlns:C="urn:ietf:params:xml:ns:caldav"><D:response><D:href>/principals/alice/</D:href>
<D:propstat><D:prop><C:calendar-home-set><D:href>/calendars/alice/</D:href></C:calendar-home-set></D:prop>
<D:status>HTTP/1.1 200 OK</D:status></D:propstat></D:response></D:multistatus>`)
		case r.URL.Path == "/calendars/alice/":
			assert.Equal(t, "1", r.Header.Get("Depth"))
			w.WriteHeader(http.StatusMultiStatus)
			io.WriteString(w, `<D:multistatus xmlns:D="DAV:" xmlns:C="urn:ietf:params:xml:ns:caldav" xmlns:IC="http://apple.com/ns/ical/">
<D:response><D:href>/calendars/alice/</D:href>
  <D:propstat><D:prop><D:resourcetype><D:collection/></D:resourcetype></D:prop><D:status>HTTP/1.1 200 OK</D:status></D:propstat>
</D:response>
<D:response><D:href>/calendars/alice/work/</D:href>
  <D:propstat><D:prop>
    <D:resourcetype><D:collection/><C:calendar/></D:resourcetype>
    <D:displayname>Work</D:displayname>
    <IC:calendar-color>#ff0000</IC:calendar-color>
    <D:current-user-privilege-set><D:privilege><D:read/></D:privilege><D:privilege><D:write/></D:privilege></D:current-user-privilege-set>
  </D:prop><D:status>HTTP/1.1 200 OK</D:status></D:propstat>
</D:response>
<D:response><D:href>/calendars/alice/holidays/</D:href>
  <D:propstat><D:prop>
    <D:resourcetype><D:collection/><C:calendar/></D:resourcetype>
    <D:displayname>Holidays</D:displayname>
    <D:current-user-privilege-set><D:privilege><D:read/></D:privilege></D:current-user-privilege-set>
  </D:prop><D:status>HTTP/1.1 200 OK</D:status></D:propstat>
</D:response>
</D:multistatus>`)
		default:
			w.WriteHeader(http.StatusNotFound)
		}
	}))
}

func testConfig(srv *httptest.Server) *Config {
	return &Config{
		Resolver: &mockResolver{},
		Client:   srv.Client(),
		Options:  httpclient.Options{MaxRetries: 0},
	}
}

func TestFindCalendars(t *testing.T) {
	srv := discoveryServer(t)
	defer srv.Close()

	calendars, err := FindCalendarsWithConfig(context.Background(), srv.URL, "alice", "secret", testConfig(srv))
	require.NoError(t, err)
	assert.Equal(t, []CalendarInfo{
		{URI: srv.URL + "/calendars/alice/work/", Name: "Work", Color: "#ff0000", ReadOnly: false},
		{URI: srv.URL + "/calendars/alice/holidays/", Name: "Holidays", ReadOnly: true},
	}, calendars)
}

func TestFindCalendarsErrors(t *testing.T) {
	srv := discoveryServer(t)
	defer srv.Close()

	tests := []struct {
		name     string
		location string
		password string
		wantErr  error
		errMsg   string
	}{
		{name: "invalid URL", location: "not-a-url", password: "secret", errMsg: "invalid URL"},
		{name: "empty URL", location: "", password: "secret", errMsg: "invalid URL"},
		{name: "wrong password", location: srv.URL, password: "nope", wantErr: httpclient.ErrUnauthorized},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			_, err := FindCalendarsWithConfig(context.Background(), tt.location, "alice", tt.password, testConfig(srv))
			require.Error(t, err)
			if tt.wantErr != nil {
				assert.ErrorIs(t, err, tt.wantErr)
			}
			if tt.errMsg != "" {
				assert.Equal(t, tt.errMsg, err.Error())
			}
		})
	}
}

func TestValidate(t *testing.T) {
	srv := discoveryServer(t)
	defer srv.Close()

	cal, err := Validate(context.Background(), srv.URL+"/calendars/alice/work", "alice", "secret", testConfig(srv))
	require.NoError(t, err)
	assert.Equal(t, "Work", cal.Name)

	_, err = Validate(context.Background(), srv.URL+"/calendars/alice/missing/", "alice", "secret", testConfig(srv))
	assert.ErrorContains(t, err, "not found")
}
