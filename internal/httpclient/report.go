package httpclient

import (
	"context"
	"fmt"
	"net/http"
	"strconv"

	"github.com/beevik/etree"
	"github.com/cyp0633/caldora-sync/internal/xml"
)

// DoREPORT executes a CalDAV REPORT request
func (c *httpClientWrapper) DoREPORT(ctx context.Context, urlStr string, depth int, query *etree.Document) (*xml.MultistatusResponse, error) {
	if query == nil || query.Root() == nil {
		return nil, fmt.Errorf("REPORT %s: empty query", urlStr)
	}
	root := query.Root().Tag
	c.logger.Debug("starting REPORT request",
		"url", urlStr,
		"depth", depth,
		"report", root)

	body, err := query.WriteToBytes()
	if err != nil {
		return nil, fmt.Errorf("failed to marshal REPORT query: %w", err)
	}

	header := http.Header{}
	header.Set("Content-Type", "application/xml; charset=utf-8")
	header.Set("Depth", strconv.Itoa(depth))

	resp, err := c.do(ctx, "REPORT", urlStr, header, body)
	if err != nil {
		return nil, err
	}

	ms, err := xml.ParseMultistatus(resp.body)
	if err != nil {
		c.logger.Debug("failed to decode response", "error", err)
		return nil, fmt.Errorf("failed to decode REPORT response: %w", err)
	}

	c.logger.Debug("REPORT request complete",
		"response_count", len(ms.Responses),
		"sync_token", ms.SyncToken)
	return ms, nil
}
