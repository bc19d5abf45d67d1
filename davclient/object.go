package davclient

import (
	"context"
	"errors"
	"fmt"
	"net/url"

	"github.com/cyp0633/caldora-sync/internal/httpclient"
	"github.com/cyp0633/caldora-sync/internal/xml"
	"github.com/google/uuid"
)

// errNoETag is returned when neither the write nor a follow-up PROPFIND
// yields an ETag.
var errNoETag = errors.New("no etag found for object")

// objectURL resolves href against the calendar.
func (c *davClient) objectURL(href string) (string, error) {
	ref, err := url.Parse(href)
	if err != nil {
		return "", fmt.Errorf("failed to parse object URL: %w", err)
	}
	return c.calendarURL.ResolveReference(ref).String(), nil
}

// FetchObject downloads one object.
func (c *davClient) FetchObject(ctx context.Context, href string) (*CalendarObject, error) {
	target, err := c.objectURL(href)
	if err != nil {
		return nil, err
	}
	data, etag, err := c.httpClient.DoGET(ctx, target)
	if err != nil {
		return nil, fmt.Errorf("failed to fetch calendar object: %w", err)
	}
	if etag == "" {
		if etag, err = c.fetchETag(ctx, target); err != nil {
			return nil, err
		}
	}
	return &CalendarObject{Href: c.normalizeHref(href), ETag: etag, Data: data}, nil
}

// CreateObject creates a new calendar object under a fresh <uuid>.ics name.
// Returns the href of the created object and its etag
func (c *davClient) CreateObject(ctx context.Context, data []byte) (href string, etag string, err error) {
	href = c.normalizeHref(uuid.New().String() + ".ics")
	target, err := c.objectURL(href)
	if err != nil {
		return "", "", err
	}

	etag, err = c.httpClient.DoPUT(ctx, target, httpclient.Precondition{IfNoneMatch: true}, data)
	if err != nil {
		return "", "", fmt.Errorf("failed to create calendar object: %w", err)
	}

	// If no etag in response, get it again
	if etag == "" {
		if etag, err = c.fetchETag(ctx, target); err != nil {
			return href, "", err
		}
	}

	c.logger.Debug("created calendar object", "href", href, "etag", etag)
	return href, etag, nil
}

// UpdateObject replaces a calendar object, guarded by the last-known etag.
func (c *davClient) UpdateObject(ctx context.Context, href string, etag string, data []byte) (string, error) {
	target, err := c.objectURL(href)
	if err != nil {
		return "", err
	}

	newEtag, err := c.httpClient.DoPUT(ctx, target, httpclient.Precondition{IfMatch: etag}, data)
	if err != nil {
		return "", fmt.Errorf("failed to update calendar object: %w", err)
	}

	// If no etag in response, get it again
	if newEtag == "" {
		if newEtag, err = c.fetchETag(ctx, target); err != nil {
			return "", err
		}
	}

	c.logger.Debug("updated calendar object", "href", href, "etag", newEtag)
	return newEtag, nil
}

// DeleteObject deletes a calendar object with optimistic locking. An empty
// etag deletes unconditionally.
func (c *davClient) DeleteObject(ctx context.Context, href string, etag string) error {
	target, err := c.objectURL(href)
	if err != nil {
		return err
	}
	if err := c.httpClient.DoDELETE(ctx, target, etag); err != nil {
		return fmt.Errorf("failed to delete calendar object: %w", err)
	}
	return nil
}

// fetchETag asks for the getetag property of a single object.
func (c *davClient) fetchETag(ctx context.Context, target string) (string, error) {
	ms, err := c.httpClient.DoPROPFIND(ctx, target, 0, xml.PropGetETag)
	if err != nil {
		return "", fmt.Errorf("failed to get new etag: %w", err)
	}
	for _, resp := range ms.Responses {
		if etag := resp.PropText(xml.PropGetETag); etag != "" {
			return etag, nil
		}
	}
	return "", fmt.Errorf("%w: %s", errNoETag, target)
}
