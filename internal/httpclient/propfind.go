package httpclient

import (
	"context"
	"fmt"
	"net/http"
	"strconv"

	"github.com/cyp0633/caldora-sync/internal/xml"
)

// DoPROPFIND performs a PROPFIND request for the given properties
func (c *httpClientWrapper) DoPROPFIND(ctx context.Context, urlStr string, depth int, props ...xml.Name) (*xml.MultistatusResponse, error) {
	c.logger.Debug("starting PROPFIND request",
		"url", urlStr,
		"depth", depth,
		"properties", props)

	req := xml.PropfindRequest{Props: props}
	body, err := req.ToXML().WriteToBytes()
	if err != nil {
		return nil, fmt.Errorf("failed to build PROPFIND body: %w", err)
	}

	header := http.Header{}
	header.Set("Depth", strconv.Itoa(depth))
	header.Set("Content-Type", "application/xml; charset=utf-8")

	resp, err := c.do(ctx, "PROPFIND", urlStr, header, body)
	if err != nil {
		return nil, err
	}
	if resp.status != http.StatusMultiStatus {
		c.logger.Debug("unexpected response status", "status_code", resp.status)
		return nil, fmt.Errorf("PROPFIND %s: unexpected status %d", urlStr, resp.status)
	}

	ms, err := xml.ParseMultistatus(resp.body)
	if err != nil {
		c.logger.Debug("failed to parse XML response", "error", err)
		return nil, fmt.Errorf("failed to parse PROPFIND response: %w", err)
	}

	c.logger.Debug("PROPFIND request complete", "response_count", len(ms.Responses))
	return ms, nil
}
