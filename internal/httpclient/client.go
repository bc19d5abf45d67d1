package httpclient

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"net/url"
	"strconv"
	"time"

	"github.com/beevik/etree"
	"github.com/cyp0633/caldora-sync/internal/xml"
	"golang.org/x/time/rate"
)

// HttpClientWrapper wraps http.Client with CalDAV-specific functionality.
// Every call honours ctx, is bounded by the per-call timeout and is retried
// on transient failures.
type HttpClientWrapper interface {
	DoPROPFIND(ctx context.Context, url string, depth int, props ...xml.Name) (*xml.MultistatusResponse, error)
	DoREPORT(ctx context.Context, url string, depth int, query *etree.Document) (*xml.MultistatusResponse, error)
	DoGET(ctx context.Context, url string) (data []byte, etag string, err error)
	DoPUT(ctx context.Context, url string, cond Precondition, data []byte) (newEtag string, err error)
	DoDELETE(ctx context.Context, url string, etag string) error
	ResolveURL(url string) (*url.URL, error)
}

// Options tunes timeouts, retries and rate limiting.
type Options struct {
	CallTimeout time.Duration
	MaxRetries  int
	BaseDelay   time.Duration
	MaxDelay    time.Duration
	// RateLimit is requests per second; 0 means unlimited.
	RateLimit float64
}

// DefaultOptions returns the options used when none are given.
func DefaultOptions() Options {
	return Options{
		CallTimeout: 30 * time.Second,
		MaxRetries:  3,
		BaseDelay:   500 * time.Millisecond,
		MaxDelay:    10 * time.Second,
	}
}

type httpClientWrapper struct {
	client  *http.Client
	baseURL url.URL
	logger  *slog.Logger
	opts    Options
	limiter *rate.Limiter
	sleep   func(ctx context.Context, d time.Duration) error
}

// ResolveURL resolves a URL string against the base URL
func (c *httpClientWrapper) ResolveURL(urlStr string) (*url.URL, error) {
	ref, err := url.Parse(urlStr)
	if err != nil {
		return nil, fmt.Errorf("failed to parse URL %q: %w", urlStr, err)
	}
	return c.baseURL.ResolveReference(ref), nil
}

// NewHttpClientWrapper creates a new client wrapper with logging, retries
// and an optional rate limit.
func NewHttpClientWrapper(client *http.Client, baseURL url.URL, logger *slog.Logger, opts Options) (HttpClientWrapper, error) {
	if logger == nil {
		return nil, fmt.Errorf("logger is required")
	}
	if client == nil {
		client = http.DefaultClient
	}
	def := DefaultOptions()
	if opts.CallTimeout <= 0 {
		opts.CallTimeout = def.CallTimeout
	}
	if opts.MaxRetries < 0 {
		opts.MaxRetries = 0
	}
	if opts.BaseDelay <= 0 {
		opts.BaseDelay = def.BaseDelay
	}
	if opts.MaxDelay < opts.BaseDelay {
		opts.MaxDelay = opts.BaseDelay
	}
	w := &httpClientWrapper{
		client:  client,
		baseURL: baseURL,
		logger:  logger,
		opts:    opts,
		sleep:   sleepContext,
	}
	if opts.RateLimit > 0 {
		w.limiter = rate.NewLimiter(rate.Limit(opts.RateLimit), 1)
	}
	return w, nil
}

func sleepContext(ctx context.Context, d time.Duration) error {
	t := time.NewTimer(d)
	defer t.Stop()
	select {
	case <-ctx.Done():
		return ctx.Err()
	case <-t.C:
		return nil
	}
}

// backoff returns the delay before retry number attempt (0-based).
func (c *httpClientWrapper) backoff(attempt int) time.Duration {
	d := c.opts.BaseDelay
	for i := 0; i < attempt && d < c.opts.MaxDelay; i++ {
		d *= 2
	}
	return min(d, c.opts.MaxDelay)
}

// response is a fully read HTTP response.
type response struct {
	status int
	header http.Header
	body   []byte
}

// do sends one logical request, retrying transient failures. Non-2xx
// answers that are not retried come back as *StatusError.
func (c *httpClientWrapper) do(ctx context.Context, method, urlStr string, header http.Header, body []byte) (*response, error) {
	resolvedURL, err := c.ResolveURL(urlStr)
	if err != nil {
		c.logger.Debug("failed to resolve URL", "url", urlStr, "error", err)
		return nil, err
	}
	target := resolvedURL.String()

	var lastErr error
	for attempt := 0; attempt <= c.opts.MaxRetries; attempt++ {
		if attempt > 0 {
			delay := c.backoff(attempt - 1)
			var se *StatusError
			if errors.As(lastErr, &se) && se.RetryAfter > delay {
				delay = min(se.RetryAfter, c.opts.MaxDelay)
			}
			c.logger.Debug("retrying request",
				"method", method,
				"url", target,
				"attempt", attempt,
				"delay", delay,
				"error", lastErr)
			if err := c.sleep(ctx, delay); err != nil {
				return nil, err
			}
		}

		resp, err := c.once(ctx, method, target, header, body)
		if err == nil {
			return resp, nil
		}
		if ctx.Err() != nil {
			return nil, ctx.Err()
		}
		if !retryable(err) {
			return nil, err
		}
		lastErr = err
	}
	return nil, fmt.Errorf("%w: %s %s: %w", ErrTransient, method, target, lastErr)
}

func (c *httpClientWrapper) once(ctx context.Context, method, target string, header http.Header, body []byte) (*response, error) {
	if c.limiter != nil {
		if err := c.limiter.Wait(ctx); err != nil {
			return nil, err
		}
	}

	callCtx, cancel := context.WithTimeout(ctx, c.opts.CallTimeout)
	defer cancel()

	var reader io.Reader
	if body != nil {
		reader = bytes.NewReader(body)
	}
	req, err := http.NewRequestWithContext(callCtx, method, target, reader)
	if err != nil {
		return nil, fmt.Errorf("failed to create %s request: %w", method, err)
	}
	for k, vs := range header {
		for _, v := range vs {
			req.Header.Add(k, v)
		}
	}

	resp, err := c.client.Do(req)
	if err != nil {
		c.logger.Debug("request failed", "method", method, "url", target, "error", err)
		if errors.Is(err, ErrTransportConfig) {
			return nil, err
		}
		return nil, &netError{err: err}
	}
	defer resp.Body.Close()

	data, err := io.ReadAll(resp.Body)
	if err != nil {
		c.logger.Debug("failed to read response body", "method", method, "url", target, "error", err)
		return nil, &netError{err: err}
	}
	c.logger.Debug("received response", "method", method, "url", target, "status", resp.Status)

	if resp.StatusCode < 200 || resp.StatusCode > 299 {
		se := &StatusError{
			Method: method,
			URL:    target,
			Code:   resp.StatusCode,
			Body:   data,
		}
		if s := resp.Header.Get("Retry-After"); s != "" {
			if secs, err := strconv.Atoi(s); err == nil && secs > 0 {
				se.RetryAfter = time.Duration(secs) * time.Second
			}
		}
		return nil, se
	}
	return &response{status: resp.StatusCode, header: resp.Header, body: data}, nil
}
