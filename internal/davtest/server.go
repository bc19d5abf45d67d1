// Package davtest runs an in-process CalDAV server holding one calendar
// collection. It speaks enough of the protocol for the sync client
// (PROPFIND, sync-collection and calendar-query REPORT, GET, conditional PUT
// and DELETE) and lets tests inject failures and inspect what was written.
package davtest

import (
	"bytes"
	"io"
	"log/slog"
	"net/http"
	"net/http/httptest"
	"path"
	"slices"
	"strconv"
	"strings"
	"sync"

	"github.com/beevik/etree"
	"github.com/cyp0633/caldora-sync/internal/xml"
	"github.com/emersion/go-ical"
)

const (
	// CalendarPath is where the collection lives on the server.
	CalendarPath = "/calendars/alice/work/"

	// PrincipalPath and HomePath answer calendar discovery.
	PrincipalPath = "/principals/alice/"
	HomePath      = "/calendars/alice/"

	tokenPrefix = "http://caldora.test/sync/"
)

var (
	reportSyncCollection = xml.Name{Space: xml.DAV, Local: "sync-collection"}
	reportCalendarQuery  = xml.Name{Space: xml.CalDAV, Local: "calendar-query"}
)

type object struct {
	data []byte
	etag string
	rev  int
}

// Request is a request the server received.
type Request struct {
	Method string
	Path   string
	Status int
}

// Server is a single-collection CalDAV server. All methods are safe for
// concurrent use.
type Server struct {
	srv    *httptest.Server
	logger *slog.Logger

	mu       sync.Mutex
	username string
	password string
	name     string
	objects  map[string]*object

	// tombstones maps removed hrefs to the revision they were removed at.
	tombstones map[string]int
	revision   int

	// epoch is bumped to invalidate every token handed out before.
	epoch    int
	noSync   bool
	noCTag   bool
	noETag   bool
	failures map[string][]int
	requests []Request
}

// Option configures a Server.
type Option func(*Server)

// WithCredentials makes the server require basic auth.
func WithCredentials(username, password string) Option {
	return func(s *Server) {
		s.username = username
		s.password = password
	}
}

// WithLogger sets the server logger.
func WithLogger(logger *slog.Logger) Option {
	return func(s *Server) { s.logger = logger }
}

// WithoutSyncCollection makes sync-collection REPORTs fail with 501, as on
// servers that only support ctag polling.
func WithoutSyncCollection() Option {
	return func(s *Server) { s.noSync = true }
}

// WithoutCTag hides getctag and sync-token from PROPFIND.
func WithoutCTag() Option {
	return func(s *Server) { s.noCTag = true }
}

// WithoutPutETag leaves the ETag header off PUT responses.
func WithoutPutETag() Option {
	return func(s *Server) { s.noETag = true }
}

// NewServer starts a server. It is closed when the test ends.
func NewServer(t interface {
	Cleanup(func())
}, opts ...Option) *Server {
	s := &Server{
		logger:     slog.New(slog.NewTextHandler(io.Discard, nil)),
		name:       "Work",
		objects:    make(map[string]*object),
		tombstones: make(map[string]int),
		failures:   make(map[string][]int),
	}
	for _, opt := range opts {
		opt(s)
	}
	s.srv = httptest.NewServer(s)
	t.Cleanup(s.srv.Close)
	return s
}

// URL returns the server root URL.
func (s *Server) URL() string {
	return s.srv.URL
}

// CalendarURL returns the absolute URL of the collection.
func (s *Server) CalendarURL() string {
	return s.srv.URL + CalendarPath
}

// Client returns an HTTP client for the server.
func (s *Server) Client() *http.Client {
	return s.srv.Client()
}

// Close shuts the server down.
func (s *Server) Close() {
	s.srv.Close()
}

func (s *Server) etagFor(rev int) string {
	return `"` + strconv.Itoa(rev) + `"`
}

func (s *Server) token() string {
	return tokenPrefix + strconv.Itoa(s.epoch) + "-" + strconv.Itoa(s.revision)
}

// parseToken returns the revision a token names, or false if the token was
// not issued by this server in the current epoch.
func (s *Server) parseToken(token string) (int, bool) {
	rest, ok := strings.CutPrefix(token, tokenPrefix)
	if !ok {
		return 0, false
	}
	epoch, rev, ok := strings.Cut(rest, "-")
	if !ok || epoch != strconv.Itoa(s.epoch) {
		return 0, false
	}
	n, err := strconv.Atoi(rev)
	if err != nil || n < 0 || n > s.revision {
		return 0, false
	}
	return n, true
}

func (s *Server) ctag() string {
	return "ctag-" + strconv.Itoa(s.revision)
}

// store writes data under href; the caller holds mu.
func (s *Server) store(href string, data []byte) string {
	s.revision++
	obj := &object{data: bytes.Clone(data), etag: s.etagFor(s.revision), rev: s.revision}
	s.objects[href] = obj
	delete(s.tombstones, href)
	return obj.etag
}

// remove deletes href; the caller holds mu.
func (s *Server) remove(href string) {
	s.revision++
	delete(s.objects, href)
	s.tombstones[href] = s.revision
}

// Put stores an object as another client would. name is relative to the
// collection. It returns the href and the new ETag.
func (s *Server) Put(name string, data []byte) (string, string) {
	s.mu.Lock()
	defer s.mu.Unlock()
	href := path.Join(CalendarPath, name)
	return href, s.store(href, data)
}

// Remove deletes an object as another client would.
func (s *Server) Remove(href string) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.remove(href)
}

// Object returns the stored payload and ETag of href.
func (s *Server) Object(href string) ([]byte, string, bool) {
	s.mu.Lock()
	defer s.mu.Unlock()
	obj, ok := s.objects[href]
	if !ok {
		return nil, "", false
	}
	return bytes.Clone(obj.data), obj.etag, true
}

// Hrefs lists the stored objects in order.
func (s *Server) Hrefs() []string {
	s.mu.Lock()
	defer s.mu.Unlock()
	out := make([]string, 0, len(s.objects))
	for href := range s.objects {
		out = append(out, href)
	}
	slices.Sort(out)
	return out
}

// ExpireTokens invalidates every sync token handed out so far.
func (s *Server) ExpireTokens() {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.epoch++
}

// FailNext makes the next len(codes) requests with method to href (any
// href if empty) fail with the given status codes, in order.
func (s *Server) FailNext(method, href string, codes ...int) {
	s.mu.Lock()
	defer s.mu.Unlock()
	k := method + " " + href
	s.failures[k] = append(s.failures[k], codes...)
}

// Requests returns the requests received so far.
func (s *Server) Requests() []Request {
	s.mu.Lock()
	defer s.mu.Unlock()
	return slices.Clone(s.requests)
}

// Writes counts the PUT and DELETE requests that changed the collection.
func (s *Server) Writes() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	n := 0
	for _, r := range s.requests {
		if (r.Method == http.MethodPut || r.Method == http.MethodDelete) && r.Status < 300 {
			n++
		}
	}
	return n
}

// ResetRequests forgets recorded requests.
func (s *Server) ResetRequests() {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.requests = nil
}

// injected pops a queued failure for the request; the caller holds mu.
func (s *Server) injected(r *http.Request) int {
	for _, k := range []string{r.Method + " " + r.URL.Path, r.Method + " "} {
		if codes := s.failures[k]; len(codes) > 0 {
			s.failures[k] = codes[1:]
			return codes[0]
		}
	}
	return 0
}

type statusRecorder struct {
	http.ResponseWriter
	status int
}

func (w *statusRecorder) WriteHeader(code int) {
	if w.status == 0 {
		w.status = code
	}
	w.ResponseWriter.WriteHeader(code)
}

// ServeHTTP implements the http.Handler interface
func (s *Server) ServeHTTP(rw http.ResponseWriter, r *http.Request) {
	s.logger.Debug("received request",
		"method", r.Method,
		"path", r.URL.Path)

	w := &statusRecorder{ResponseWriter: rw}
	s.mu.Lock()
	defer func() {
		status := w.status
		if status == 0 {
			status = http.StatusOK
		}
		s.requests = append(s.requests, Request{Method: r.Method, Path: r.URL.Path, Status: status})
		s.mu.Unlock()
	}()

	w.Header().Set("DAV", "1, 3, calendar-access")

	if s.username != "" {
		user, pass, ok := r.BasicAuth()
		if !ok || user != s.username || pass != s.password {
			w.Header().Set("WWW-Authenticate", `Basic realm="davtest"`)
			http.Error(w, "Unauthorized", http.StatusUnauthorized)
			return
		}
	}
	if code := s.injected(r); code != 0 {
		s.logger.Debug("injected failure", "method", r.Method, "path", r.URL.Path, "status", code)
		http.Error(w, http.StatusText(code), code)
		return
	}

	switch r.Method {
	case "PROPFIND":
		s.handlePropfind(w, r)
	case "REPORT":
		s.handleReport(w, r)
	case http.MethodGet:
		s.handleGet(w, r)
	case http.MethodPut:
		s.handlePut(w, r)
	case http.MethodDelete:
		s.handleDelete(w, r)
	default:
		http.Error(w, "Method Not Allowed", http.StatusMethodNotAllowed)
	}
}

func isCollection(p string) bool {
	return p == CalendarPath || p+"/" == CalendarPath
}

func readBody(r *http.Request) (*etree.Document, error) {
	data, err := io.ReadAll(r.Body)
	if err != nil {
		return nil, err
	}
	if len(bytes.TrimSpace(data)) == 0 {
		return nil, nil
	}
	doc := etree.NewDocument()
	if err := doc.ReadFromBytes(data); err != nil {
		return nil, err
	}
	return doc, nil
}

func writeMultistatus(w http.ResponseWriter, ms *xml.MultistatusResponse) {
	w.Header().Set("Content-Type", "application/xml; charset=utf-8")
	w.WriteHeader(http.StatusMultiStatus)
	_, _ = ms.ToXML().WriteTo(w)
}

// collectionProp answers one property of the collection.
func (s *Server) collectionProp(name xml.Name) (xml.Property, bool) {
	switch name {
	case xml.PropGetCTag:
		return xml.Property{Name: name, TextContent: s.ctag()}, !s.noCTag
	case xml.PropSyncToken:
		return xml.Property{Name: name, TextContent: s.token()}, !s.noCTag && !s.noSync
	case xml.PropResourceType:
		return xml.Property{Name: name, Children: []xml.Property{
			{Name: xml.Name{Space: xml.DAV, Local: "collection"}},
			{Name: xml.Name{Space: xml.CalDAV, Local: "calendar"}},
		}}, true
	case xml.PropDisplayName:
		return xml.Property{Name: name, TextContent: s.name}, true
	case xml.PropCurrentUserPrincipal:
		return hrefProp(name, PrincipalPath), true
	case xml.PropCurrentUserPrivSet:
		return xml.Property{Name: name, Children: []xml.Property{
			{Name: xml.Name{Space: xml.DAV, Local: "privilege"}, Children: []xml.Property{{Name: xml.Name{Space: xml.DAV, Local: "read"}}}},
			{Name: xml.Name{Space: xml.DAV, Local: "privilege"}, Children: []xml.Property{{Name: xml.Name{Space: xml.DAV, Local: "write"}}}},
		}}, true
	}
	return xml.Property{}, false
}

func hrefProp(name xml.Name, href string) xml.Property {
	return xml.Property{Name: name, Children: []xml.Property{
		{Name: xml.Name{Space: xml.DAV, Local: "href"}, TextContent: href},
	}}
}

// discoveryProp answers the principal and calendar home resources.
func discoveryProp(path string) func(xml.Name) (xml.Property, bool) {
	return func(name xml.Name) (xml.Property, bool) {
		switch name {
		case xml.PropCurrentUserPrincipal:
			return hrefProp(name, PrincipalPath), true
		case xml.PropCalendarHomeSet:
			return hrefProp(name, HomePath), path == PrincipalPath
		case xml.PropResourceType:
			return xml.Property{Name: name, Children: []xml.Property{
				{Name: xml.Name{Space: xml.DAV, Local: "collection"}},
			}}, true
		}
		return xml.Property{}, false
	}
}

// propResponse splits the requested properties into found and missing
// propstats.
func propResponse(href string, names []xml.Name, lookup func(xml.Name) (xml.Property, bool)) xml.Response {
	resp := xml.Response{Href: href}
	var found, missing []xml.Property
	for _, n := range names {
		if p, ok := lookup(n); ok {
			found = append(found, p)
		} else {
			missing = append(missing, xml.Property{Name: n})
		}
	}
	if len(found) > 0 {
		resp.PropStats = append(resp.PropStats, xml.PropStat{Props: found, Status: xml.StatusLine(http.StatusOK, "OK")})
	}
	if len(missing) > 0 {
		resp.PropStats = append(resp.PropStats, xml.PropStat{Props: missing, Status: xml.StatusLine(http.StatusNotFound, "Not Found")})
	}
	return resp
}

func objectProp(obj *object) func(xml.Name) (xml.Property, bool) {
	return func(name xml.Name) (xml.Property, bool) {
		switch name {
		case xml.PropGetETag:
			return xml.Property{Name: name, TextContent: obj.etag}, true
		case xml.PropCalendarData:
			return xml.Property{Name: name, TextContent: string(obj.data)}, true
		}
		return xml.Property{}, false
	}
}

func (s *Server) sortedHrefs() []string {
	out := make([]string, 0, len(s.objects))
	for href := range s.objects {
		out = append(out, href)
	}
	slices.Sort(out)
	return out
}

func (s *Server) handlePropfind(w http.ResponseWriter, r *http.Request) {
	doc, err := readBody(r)
	if err != nil {
		http.Error(w, "Bad Request", http.StatusBadRequest)
		return
	}
	var req xml.PropfindRequest
	if err := req.Parse(doc); err != nil {
		http.Error(w, "Bad Request", http.StatusBadRequest)
		return
	}
	names := req.Props
	if req.AllProp {
		names = []xml.Name{xml.PropResourceType, xml.PropDisplayName, xml.PropGetCTag, xml.PropSyncToken}
	}

	ms := &xml.MultistatusResponse{}
	switch {
	case isCollection(r.URL.Path):
		ms.Responses = append(ms.Responses, propResponse(CalendarPath, names, s.collectionProp))
		if r.Header.Get("Depth") == "1" {
			for _, href := range s.sortedHrefs() {
				ms.Responses = append(ms.Responses, propResponse(href, names, objectProp(s.objects[href])))
			}
		}
	case r.URL.Path == PrincipalPath || r.URL.Path == HomePath:
		ms.Responses = append(ms.Responses, propResponse(r.URL.Path, names, discoveryProp(r.URL.Path)))
		if r.URL.Path == HomePath && r.Header.Get("Depth") == "1" {
			ms.Responses = append(ms.Responses, propResponse(CalendarPath, names, s.collectionProp))
		}
	default:
		obj, ok := s.objects[r.URL.Path]
		if !ok {
			http.Error(w, "Not Found", http.StatusNotFound)
			return
		}
		ms.Responses = append(ms.Responses, propResponse(r.URL.Path, names, objectProp(obj)))
	}
	writeMultistatus(w, ms)
}

func (s *Server) handleReport(w http.ResponseWriter, r *http.Request) {
	if !isCollection(r.URL.Path) {
		http.Error(w, "Forbidden", http.StatusForbidden)
		return
	}
	doc, err := readBody(r)
	if err != nil || doc == nil {
		http.Error(w, "Bad Request", http.StatusBadRequest)
		return
	}
	root, err := xml.RootName(doc)
	if err != nil {
		http.Error(w, "Bad Request", http.StatusBadRequest)
		return
	}

	switch root {
	case reportSyncCollection:
		s.handleSyncCollection(w, doc)
	case reportCalendarQuery:
		s.handleCalendarQuery(w, doc)
	default:
		http.Error(w, "Not Implemented", http.StatusNotImplemented)
	}
}

func (s *Server) handleSyncCollection(w http.ResponseWriter, doc *etree.Document) {
	if s.noSync {
		http.Error(w, "Not Implemented", http.StatusNotImplemented)
		return
	}
	var req xml.SyncCollectionRequest
	if err := req.Parse(doc); err != nil {
		http.Error(w, "Bad Request", http.StatusBadRequest)
		return
	}

	since, incremental := 0, req.SyncToken != ""
	if incremental {
		rev, ok := s.parseToken(req.SyncToken)
		if !ok {
			s.logger.Debug("rejecting sync token", "token", req.SyncToken)
			w.Header().Set("Content-Type", "application/xml; charset=utf-8")
			w.WriteHeader(http.StatusForbidden)
			_, _ = xml.ErrorDocument(xml.PreconditionValidSyncToken).WriteTo(w)
			return
		}
		since = rev
	}

	ms := &xml.MultistatusResponse{SyncToken: s.token()}
	for _, href := range s.sortedHrefs() {
		if obj := s.objects[href]; obj.rev > since {
			ms.Responses = append(ms.Responses, propResponse(href, req.Props, objectProp(obj)))
		}
	}
	// A token from an empty collection is still incremental.
	if incremental {
		var removed []string
		for href, rev := range s.tombstones {
			if rev > since {
				removed = append(removed, href)
			}
		}
		slices.Sort(removed)
		for _, href := range removed {
			ms.Responses = append(ms.Responses, xml.Response{Href: href, Status: xml.StatusLine(http.StatusNotFound, "Not Found")})
		}
	}
	writeMultistatus(w, ms)
}

func (s *Server) handleCalendarQuery(w http.ResponseWriter, doc *etree.Document) {
	var req xml.CalendarQueryRequest
	if err := req.Parse(doc); err != nil {
		http.Error(w, "Bad Request", http.StatusBadRequest)
		return
	}
	ms := &xml.MultistatusResponse{}
	for _, href := range s.sortedHrefs() {
		ms.Responses = append(ms.Responses, propResponse(href, req.Props, objectProp(s.objects[href])))
	}
	writeMultistatus(w, ms)
}

func (s *Server) handleGet(w http.ResponseWriter, r *http.Request) {
	obj, ok := s.objects[r.URL.Path]
	if !ok {
		http.Error(w, "Not Found", http.StatusNotFound)
		return
	}
	w.Header().Set("Content-Type", "text/calendar; charset=utf-8")
	w.Header().Set("ETag", obj.etag)
	w.WriteHeader(http.StatusOK)
	_, _ = w.Write(obj.data)
}

// checkPreconditions checks If-Match and If-None-Match headers against the
// current object, which may be nil.
func checkPreconditions(r *http.Request, obj *object) bool {
	ifMatch := r.Header.Get("If-Match")
	ifNoneMatch := r.Header.Get("If-None-Match")

	if ifMatch != "" {
		if obj == nil || (ifMatch != "*" && ifMatch != obj.etag) {
			return false
		}
	}
	if ifNoneMatch != "" && obj != nil {
		if ifNoneMatch == "*" || ifNoneMatch == obj.etag {
			return false
		}
	}
	return true
}

func (s *Server) handlePut(w http.ResponseWriter, r *http.Request) {
	if isCollection(r.URL.Path) || !strings.HasPrefix(r.URL.Path, CalendarPath) {
		http.Error(w, "Method Not Allowed", http.StatusMethodNotAllowed)
		return
	}
	if ct := r.Header.Get("Content-Type"); !strings.HasPrefix(ct, "text/calendar") {
		http.Error(w, "Unsupported Media Type", http.StatusUnsupportedMediaType)
		return
	}

	existing := s.objects[r.URL.Path]
	if !checkPreconditions(r, existing) {
		s.logger.Debug("precondition failed", "path", r.URL.Path)
		http.Error(w, "Precondition Failed", http.StatusPreconditionFailed)
		return
	}

	data, err := io.ReadAll(r.Body)
	if err != nil {
		http.Error(w, "Bad Request", http.StatusBadRequest)
		return
	}
	if _, err := ical.NewDecoder(bytes.NewReader(data)).Decode(); err != nil {
		s.logger.Debug("rejecting invalid iCalendar data", "path", r.URL.Path, "error", err)
		http.Error(w, "Invalid iCalendar data", http.StatusBadRequest)
		return
	}

	status := http.StatusCreated
	if existing != nil {
		status = http.StatusNoContent
	}
	etag := s.store(r.URL.Path, data)
	if !s.noETag {
		w.Header().Set("ETag", etag)
	}
	w.WriteHeader(status)
}

func (s *Server) handleDelete(w http.ResponseWriter, r *http.Request) {
	existing, ok := s.objects[r.URL.Path]
	if !ok {
		http.Error(w, "Not Found", http.StatusNotFound)
		return
	}
	if !checkPreconditions(r, existing) {
		http.Error(w, "Precondition Failed", http.StatusPreconditionFailed)
		return
	}
	s.remove(r.URL.Path)
	w.WriteHeader(http.StatusNoContent)
}
