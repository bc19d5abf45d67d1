package davclient

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"slices"

	"github.com/cyp0633/caldora-sync/internal/httpclient"
	"github.com/cyp0633/caldora-sync/internal/xml"
)

// ListChanges runs an RFC 6578 sync-collection REPORT.
func (c *davClient) ListChanges(ctx context.Context, token string) (*ChangeSet, error) {
	q := xml.SyncCollectionRequest{
		SyncToken: token,
		SyncLevel: "1",
		Props:     []xml.Name{xml.PropGetETag},
	}
	ms, err := c.httpClient.DoREPORT(ctx, c.calendarURL.String(), 0, q.ToXML())
	if err != nil {
		return nil, classifySyncError(err)
	}

	cs := &ChangeSet{SyncToken: ms.SyncToken}
	for _, resp := range ms.Responses {
		href := c.normalizeHref(resp.Href)
		if c.isCollection(href) {
			continue
		}
		switch code := resp.StatusCode(); {
		case code == http.StatusNotFound || code == http.StatusGone:
			cs.Removed = append(cs.Removed, href)
		case code == 0 || (code >= 200 && code <= 299):
			cs.Changed = append(cs.Changed, ObjectInfo{Href: href, ETag: resp.PropText(xml.PropGetETag)})
		default:
			c.logger.Debug("ignoring sync response", "href", href, "status", resp.Status)
		}
	}
	if cs.SyncToken == "" {
		return nil, fmt.Errorf("%w: reply carried no sync token", ErrSyncUnsupported)
	}

	c.logger.Debug("listed changes",
		"changed", len(cs.Changed),
		"removed", len(cs.Removed),
		"sync_token", cs.SyncToken)
	return cs, nil
}

// classifySyncError maps a failed sync-collection REPORT onto the sync
// sentinels. Auth and transient failures pass through.
func classifySyncError(err error) error {
	var se *httpclient.StatusError
	if !errors.As(err, &se) {
		return err
	}
	if slices.Contains(xml.ParseError(se.Body), xml.PreconditionValidSyncToken) {
		return fmt.Errorf("%w: %w", ErrSyncTokenInvalid, err)
	}
	switch se.Code {
	case http.StatusForbidden, http.StatusMethodNotAllowed, http.StatusNotImplemented,
		http.StatusBadRequest, http.StatusUnsupportedMediaType:
		return fmt.Errorf("%w: %w", ErrSyncUnsupported, err)
	}
	return err
}

// ListObjects lists every VEVENT object in the calendar with a
// calendar-query REPORT asking for ETags only.
func (c *davClient) ListObjects(ctx context.Context) ([]ObjectInfo, error) {
	q := xml.CalendarQueryRequest{
		Props:     []xml.Name{xml.PropGetETag},
		Component: "VEVENT",
	}
	ms, err := c.httpClient.DoREPORT(ctx, c.calendarURL.String(), 1, q.ToXML())
	if err != nil {
		return nil, fmt.Errorf("failed to execute calendar query: %w", err)
	}

	var objects []ObjectInfo
	for _, resp := range ms.Responses {
		href := c.normalizeHref(resp.Href)
		if c.isCollection(href) {
			continue
		}
		if code := resp.StatusCode(); code != 0 && (code < 200 || code > 299) {
			continue
		}
		objects = append(objects, ObjectInfo{Href: href, ETag: resp.PropText(xml.PropGetETag)})
	}

	c.logger.Debug("listed objects", "count", len(objects))
	return objects, nil
}

// GetCalendarCTag retrieves the collection tag to check for updates
func (c *davClient) GetCalendarCTag(ctx context.Context) (string, error) {
	ms, err := c.httpClient.DoPROPFIND(ctx, c.calendarURL.String(), 0, xml.PropGetCTag, xml.PropSyncToken)
	if err != nil {
		return "", fmt.Errorf("failed to get calendar ctag: %w", err)
	}

	for _, resp := range ms.Responses {
		if href := c.normalizeHref(resp.Href); !c.isCollection(href) && len(ms.Responses) > 1 {
			continue
		}
		if ctag := resp.PropText(xml.PropGetCTag); ctag != "" {
			return ctag, nil
		}
		if token := resp.PropText(xml.PropSyncToken); token != "" {
			return token, nil
		}
	}
	return "", nil
}
