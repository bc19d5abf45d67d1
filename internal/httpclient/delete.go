package httpclient

import (
	"context"
	"errors"
	"net/http"
)

// DoDELETE sends a DELETE request with If-Match header for optimistic
// locking. A resource that is already gone counts as deleted.
func (c *httpClientWrapper) DoDELETE(ctx context.Context, urlStr string, etag string) error {
	c.logger.Debug("starting DELETE request",
		"url", urlStr,
		"etag", etag)

	header := http.Header{}
	if etag != "" {
		header.Set("If-Match", etag)
	}

	_, err := c.do(ctx, http.MethodDelete, urlStr, header, nil)
	if errors.Is(err, ErrNotFound) {
		c.logger.Debug("resource already gone", "url", urlStr)
		return nil
	}
	if err != nil {
		return err
	}

	c.logger.Debug("DELETE request complete", "url", urlStr)
	return nil
}
