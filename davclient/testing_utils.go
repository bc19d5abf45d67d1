package davclient

import (
	"context"
	"net/url"

	"github.com/beevik/etree"
	"github.com/cyp0633/caldora-sync/internal/httpclient"
	"github.com/cyp0633/caldora-sync/internal/xml"
)

type mockPutResponse struct {
	etag string
	err  error
}

// PropfindFunc is a function type for mocking PROPFIND
type PropfindFunc func(url string, depth int, props ...xml.Name) (*xml.MultistatusResponse, error)

// ReportFunc is a function type for mocking REPORT
type ReportFunc func(url string, depth int, query *etree.Document) (*xml.MultistatusResponse, error)

// mockHTTPClient records the conditional headers of writes and answers
// from canned responses.
type mockHTTPClient struct {
	propfindResponse *xml.MultistatusResponse
	putResponse      *mockPutResponse
	getResponse      []byte
	getETag          string
	getErr           error
	deleteResponse   error
	doPropfind       PropfindFunc
	doReport         ReportFunc

	puts    []httpclient.Precondition
	putURLs []string
	deletes []string
}

var _ httpclient.HttpClientWrapper = (*mockHTTPClient)(nil)

func (m *mockHTTPClient) DoPROPFIND(_ context.Context, url string, depth int, props ...xml.Name) (*xml.MultistatusResponse, error) {
	if m.doPropfind != nil {
		return m.doPropfind(url, depth, props...)
	}
	if m.propfindResponse == nil {
		return &xml.MultistatusResponse{}, nil
	}
	return m.propfindResponse, nil
}

func (m *mockHTTPClient) DoREPORT(_ context.Context, url string, depth int, query *etree.Document) (*xml.MultistatusResponse, error) {
	if m.doReport != nil {
		return m.doReport(url, depth, query)
	}
	return &xml.MultistatusResponse{}, nil
}

func (m *mockHTTPClient) DoGET(_ context.Context, url string) ([]byte, string, error) {
	return m.getResponse, m.getETag, m.getErr
}

func (m *mockHTTPClient) DoPUT(_ context.Context, url string, cond httpclient.Precondition, data []byte) (string, error) {
	m.puts = append(m.puts, cond)
	m.putURLs = append(m.putURLs, url)
	if m.putResponse != nil {
		return m.putResponse.etag, m.putResponse.err
	}
	return "new-etag", nil
}

func (m *mockHTTPClient) DoDELETE(_ context.Context, url string, etag string) error {
	m.deletes = append(m.deletes, url+" "+etag)
	return m.deleteResponse
}

func (m *mockHTTPClient) ResolveURL(s string) (*url.URL, error) {
	return url.Parse(s)
}
