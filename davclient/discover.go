package davclient

import (
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"net"
	"net/http"
	"net/url"
	"strings"

	"github.com/cyp0633/caldora-sync/internal/httpclient"
	"github.com/cyp0633/caldora-sync/internal/xml"
)

type CalendarInfo struct {
	URI      string
	Name     string
	Color    string
	ReadOnly bool
}

// DNSResolver interface for mocking DNS lookups in tests
type DNSResolver interface {
	LookupSRV(ctx context.Context, service, proto, name string) (cname string, addrs []*net.SRV, err error)
	LookupTXT(ctx context.Context, name string) ([]string, error)
}

// Config holds configuration for FindCalendars
type Config struct {
	Resolver DNSResolver
	Client   *http.Client
	Logger   *slog.Logger
	// Options tunes the discovery requests; zero values take the defaults.
	Options httpclient.Options
}

// DefaultConfig returns a Config with default values
func DefaultConfig() *Config {
	return &Config{
		Resolver: &net.Resolver{},
		Client:   http.DefaultClient,
		Options:  httpclient.Options{MaxRetries: 1},
	}
}

// find calendar list based on location, logic from thunderbird
func FindCalendars(ctx context.Context, location string, username string, password string) (calendars []CalendarInfo, err error) {
	return FindCalendarsWithConfig(ctx, location, username, password, DefaultConfig())
}

// candidateLocations lists where to look for the principal, in order: the
// location itself, DNS SRV targets, the well-known URL and the server root.
func candidateLocations(ctx context.Context, baseURL *url.URL, location string, resolver DNSResolver) []string {
	var out []string
	if baseURL.Path != "/" && baseURL.Path != "" {
		out = append(out, location)
	}

	for _, prefix := range []string{"_caldavs._tcp.", "_caldav._tcp."} {
		host := prefix + baseURL.Hostname()
		_, addrs, err := resolver.LookupSRV(ctx, "", "", host)
		if err != nil {
			continue
		}

		// A TXT record may carry the context path
		var path string
		txts, _ := resolver.LookupTXT(ctx, host)
		for _, txt := range txts {
			if p, ok := strings.CutPrefix(txt, "path="); ok {
				path = p
				break
			}
		}

		scheme := "http"
		if prefix == "_caldavs._tcp." {
			scheme = "https"
		}
		for _, addr := range addrs {
			out = append(out, fmt.Sprintf("%s://%s:%d%s",
				scheme,
				strings.TrimSuffix(addr.Target, "."),
				addr.Port,
				path,
			))
		}
	}

	out = append(out, baseURL.ResolveReference(&url.URL{Path: "/.well-known/caldav"}).String())
	out = append(out, baseURL.ResolveReference(&url.URL{Path: "/"}).String())
	return out
}

// FindCalendarsWithConfig allows injecting custom configuration for testing
func FindCalendarsWithConfig(ctx context.Context, location string, username string, password string, cfg *Config) ([]CalendarInfo, error) {
	if location == "" {
		return nil, fmt.Errorf("invalid URL")
	}
	baseURL, err := url.Parse(location)
	if err != nil || baseURL.Host == "" || (baseURL.Scheme != "http" && baseURL.Scheme != "https") {
		return nil, fmt.Errorf("invalid URL")
	}

	logger := cfg.Logger
	if logger == nil {
		logger = slog.New(slog.NewTextHandler(io.Discard, nil))
	}
	resolver := cfg.Resolver
	if resolver == nil {
		resolver = &net.Resolver{}
	}
	possibleLocations := candidateLocations(ctx, baseURL, location, resolver)

	// Copy the client so the caller's transport is not replaced
	client := &http.Client{}
	if cfg.Client != nil {
		*client = *cfg.Client
	}
	client.Transport = httpclient.NewBasicAuthTransport(username, password, client.Transport, logger)

	wrapper, err := httpclient.NewHttpClientWrapper(client, *baseURL, logger, cfg.Options)
	if err != nil {
		return nil, fmt.Errorf("failed to create HTTP client wrapper: %w", err)
	}

	// Try each possible location to find the principal URL
	var principalURL string
	for _, possibleLocation := range possibleLocations {
		ms, err := wrapper.DoPROPFIND(ctx, possibleLocation, 0, xml.PropCurrentUserPrincipal)
		if err != nil {
			if errors.Is(err, httpclient.ErrUnauthorized) || ctx.Err() != nil {
				return nil, err
			}
			logger.Debug("no principal at location", "location", possibleLocation, "error", err)
			continue
		}
		if href := firstHref(ms, xml.PropCurrentUserPrincipal); href != "" {
			principalURL = resolveAgainst(possibleLocation, href)
			break
		}
	}
	if principalURL == "" {
		return nil, fmt.Errorf("could not find current-user-principal")
	}

	// Get calendar home from principal URL
	ms, err := wrapper.DoPROPFIND(ctx, principalURL, 0, xml.PropCalendarHomeSet)
	if err != nil {
		return nil, fmt.Errorf("failed to get calendar-home-set: %w", err)
	}
	home := firstHref(ms, xml.PropCalendarHomeSet)
	if home == "" {
		return nil, fmt.Errorf("no calendar-home-set found")
	}
	calendarHome := resolveAgainst(principalURL, home)

	// List calendars from calendar home
	ms, err = wrapper.DoPROPFIND(ctx, calendarHome, 1,
		xml.PropResourceType,
		xml.PropDisplayName,
		xml.PropCalendarColor,
		xml.PropCurrentUserPrivSet)
	if err != nil {
		return nil, fmt.Errorf("failed to list calendars: %w", err)
	}

	calendars := make([]CalendarInfo, 0)
	for _, resp := range ms.Responses {
		rt, ok := resp.Prop(xml.PropResourceType)
		if !ok || !rt.Has(xml.Name{Space: xml.CalDAV, Local: "calendar"}) {
			continue
		}
		calendars = append(calendars, CalendarInfo{
			URI:      resolveAgainst(calendarHome, resp.Href),
			Name:     resp.PropText(xml.PropDisplayName),
			Color:    resp.PropText(xml.PropCalendarColor),
			ReadOnly: !canWrite(resp),
		})
	}

	logger.Debug("discovered calendars",
		"principal", principalURL,
		"home", calendarHome,
		"count", len(calendars))
	return calendars, nil
}

// Validate checks that the credentials reach a principal and that
// calendarURL is one of its calendars.
func Validate(ctx context.Context, calendarURL, username, password string, cfg *Config) (CalendarInfo, error) {
	calendars, err := FindCalendarsWithConfig(ctx, calendarURL, username, password, cfg)
	if err != nil {
		return CalendarInfo{}, err
	}
	want, err := parseCollectionURL(calendarURL)
	if err != nil {
		return CalendarInfo{}, err
	}
	for _, cal := range calendars {
		got, err := parseCollectionURL(cal.URI)
		if err == nil && got.Host == want.Host && got.EscapedPath() == want.EscapedPath() {
			return cal, nil
		}
	}
	return CalendarInfo{}, fmt.Errorf("calendar %s not found among %d calendars of the principal", calendarURL, len(calendars))
}

func firstHref(ms *xml.MultistatusResponse, name xml.Name) string {
	for _, resp := range ms.Responses {
		if p, ok := resp.Prop(name); ok {
			if href := p.Href(); href != "" {
				return href
			}
		}
	}
	return ""
}

// resolveAgainst converts a relative href to an absolute URL.
func resolveAgainst(base, href string) string {
	b, err := url.Parse(base)
	if err != nil {
		return href
	}
	ref, err := url.Parse(strings.TrimSpace(href))
	if err != nil {
		return href
	}
	return b.ResolveReference(ref).String()
}

// canWrite reports whether the privilege set grants write, or all.
func canWrite(resp xml.Response) bool {
	set, ok := resp.Prop(xml.PropCurrentUserPrivSet)
	if !ok {
		// servers that do not report privileges are assumed writable
		return true
	}
	for _, priv := range set.Children {
		if priv.Has(xml.Name{Space: xml.DAV, Local: "write"}) || priv.Has(xml.Name{Space: xml.DAV, Local: "all"}) {
			return true
		}
	}
	return false
}
