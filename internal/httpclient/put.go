package httpclient

import (
	"context"
	"net/http"
)

// Precondition is the conditional header sent with a PUT. The zero value
// sends none.
type Precondition struct {
	// IfMatch makes the write fail with 412 unless the resource has this ETag.
	IfMatch string
	// IfNoneMatch makes the write fail with 412 if the resource exists.
	IfNoneMatch bool
}

// DoPUT writes data and returns the ETag the server reported, which may be
// empty.
func (c *httpClientWrapper) DoPUT(ctx context.Context, urlStr string, cond Precondition, data []byte) (newEtag string, err error) {
	c.logger.Debug("starting PUT request",
		"url", urlStr,
		"if_match", cond.IfMatch,
		"if_none_match", cond.IfNoneMatch,
		"data_length", len(data))

	header := http.Header{}
	header.Set("Content-Type", "text/calendar; charset=utf-8")
	if cond.IfMatch != "" {
		header.Set("If-Match", cond.IfMatch)
	}
	if cond.IfNoneMatch {
		header.Set("If-None-Match", "*")
	}

	resp, err := c.do(ctx, http.MethodPut, urlStr, header, data)
	if err != nil {
		return "", err
	}

	newEtag = resp.header.Get("ETag")
	c.logger.Debug("PUT request complete",
		"status", resp.status,
		"new_etag", newEtag)
	return newEtag, nil
}

// DoGET fetches a resource body and its ETag.
func (c *httpClientWrapper) DoGET(ctx context.Context, urlStr string) ([]byte, string, error) {
	c.logger.Debug("starting GET request", "url", urlStr)

	resp, err := c.do(ctx, http.MethodGet, urlStr, nil, nil)
	if err != nil {
		return nil, "", err
	}

	etag := resp.header.Get("ETag")
	c.logger.Debug("GET request complete",
		"status", resp.status,
		"etag", etag,
		"data_length", len(resp.body))
	return resp.body, etag, nil
}
