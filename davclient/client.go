package davclient

import (
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"net/url"
	"strings"
	"time"

	"github.com/cyp0633/caldora-sync/internal/httpclient"
)

var (
	// ErrSyncTokenInvalid means the server rejected the sync token; the
	// caller must fall back to a full listing.
	ErrSyncTokenInvalid = errors.New("sync token no longer valid")
	// ErrSyncUnsupported means the collection does not do sync-collection.
	ErrSyncUnsupported = errors.New("sync-collection not supported")
)

// DAVClient interface defines the CalDAV operations the sync engine needs
// against one calendar collection.
type DAVClient interface {
	// ListChanges runs a sync-collection REPORT from token. An empty token
	// lists every member.
	ListChanges(ctx context.Context, token string) (*ChangeSet, error)
	// ListObjects lists every event object with its ETag.
	ListObjects(ctx context.Context) ([]ObjectInfo, error)
	// GetCalendarCTag returns the collection tag, or the sync token when the
	// server has no getctag. Empty means neither is supported.
	GetCalendarCTag(ctx context.Context) (string, error)
	FetchObject(ctx context.Context, href string) (*CalendarObject, error)
	CreateObject(ctx context.Context, data []byte) (href string, etag string, err error)
	UpdateObject(ctx context.Context, href string, etag string, data []byte) (newEtag string, err error)
	// DeleteObject removes the object. An object that is already gone is not
	// an error.
	DeleteObject(ctx context.Context, href string, etag string) error
}

// CalendarObject is a remote object with its metadata. Href is the
// server-absolute path.
type CalendarObject struct {
	Href string
	ETag string
	Data []byte
}

// ObjectInfo is a listing entry.
type ObjectInfo struct {
	Href string
	ETag string
}

// ChangeSet is the answer to a sync-collection REPORT.
type ChangeSet struct {
	Changed   []ObjectInfo
	Removed   []string
	SyncToken string
}

// Options configures NewDAVClient.
type Options struct {
	CalendarURL string
	Username    string
	Password    string
	Logger      *slog.Logger
	// HTTPClient is used as the base client; its transport is wrapped with
	// basic auth.
	HTTPClient *http.Client

	CallTimeout time.Duration
	MaxRetries  int
	BaseDelay   time.Duration
	MaxDelay    time.Duration
	RateLimit   float64
}

type davClient struct {
	httpClient  httpclient.HttpClientWrapper
	calendarURL *url.URL
	logger      *slog.Logger
}

// NewDAVClient creates a new CalDAV client for one calendar collection
func NewDAVClient(opts Options) (DAVClient, error) {
	if opts.Logger == nil {
		opts.Logger = slog.New(slog.NewTextHandler(io.Discard, nil))
	}
	calURL, err := parseCollectionURL(opts.CalendarURL)
	if err != nil {
		return nil, err
	}

	base := opts.HTTPClient
	if base == nil {
		base = &http.Client{}
	}
	client := *base
	client.Transport = httpclient.NewBasicAuthTransport(opts.Username, opts.Password, base.Transport, opts.Logger)

	wrapper, err := httpclient.NewHttpClientWrapper(&client, *calURL, opts.Logger, httpclient.Options{
		CallTimeout: opts.CallTimeout,
		MaxRetries:  opts.MaxRetries,
		BaseDelay:   opts.BaseDelay,
		MaxDelay:    opts.MaxDelay,
		RateLimit:   opts.RateLimit,
	})
	if err != nil {
		return nil, fmt.Errorf("failed to create HTTP client wrapper: %w", err)
	}
	return newDAVClient(wrapper, calURL, opts.Logger), nil
}

func newDAVClient(w httpclient.HttpClientWrapper, calURL *url.URL, logger *slog.Logger) *davClient {
	return &davClient{httpClient: w, calendarURL: calURL, logger: logger}
}

// parseCollectionURL validates a calendar URL and makes sure its path ends
// with a slash so member hrefs resolve inside it.
func parseCollectionURL(raw string) (*url.URL, error) {
	u, err := url.Parse(raw)
	if err != nil || u.Host == "" || (u.Scheme != "http" && u.Scheme != "https") {
		return nil, fmt.Errorf("invalid calendar URL %q", raw)
	}
	if !strings.HasSuffix(u.Path, "/") {
		u.Path += "/"
		u.RawPath = ""
	}
	return u, nil
}

// normalizeHref turns an href as found in a multistatus (relative, absolute
// path or full URL) into an escaped server-absolute path.
func (c *davClient) normalizeHref(href string) string {
	ref, err := url.Parse(strings.TrimSpace(href))
	if err != nil {
		return href
	}
	return c.calendarURL.ResolveReference(ref).EscapedPath()
}

// isCollection reports whether href names the calendar itself.
func (c *davClient) isCollection(href string) bool {
	p := c.calendarURL.EscapedPath()
	return href == p || href+"/" == p
}
