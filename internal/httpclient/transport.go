package httpclient

import (
	"bytes"
	"fmt"
	"io"
	"log/slog"
	"net/http"
)

// maxLoggedBody caps how much of a body is written to the debug log.
const maxLoggedBody = 4096

// BasicAuthTransport implements http.RoundTripper and adds Basic Auth
// authentication to outgoing requests.
type BasicAuthTransport struct {
	Username  string
	Password  string
	Transport http.RoundTripper
	Logger    *slog.Logger
}

// NewBasicAuthTransport creates a new BasicAuthTransport with the given
// credentials and optional underlying transport. If transport is nil,
// http.DefaultTransport will be used.
func NewBasicAuthTransport(username, password string, transport http.RoundTripper, logger *slog.Logger) *BasicAuthTransport {
	if transport == nil {
		transport = http.DefaultTransport
	}
	if logger == nil {
		logger = slog.New(slog.NewTextHandler(io.Discard, nil))
	}
	return &BasicAuthTransport{
		Username:  username,
		Password:  password,
		Transport: transport,
		Logger:    logger,
	}
}

// RoundTrip implements the http.RoundTripper interface. It adds Basic Auth
// credentials to the request and delegates to the underlying transport.
func (t *BasicAuthTransport) RoundTrip(req *http.Request) (*http.Response, error) {
	if t.Username == "" {
		return nil, fmt.Errorf("%w: basic auth username cannot be empty", ErrTransportConfig)
	}
	if t.Password == "" {
		return nil, fmt.Errorf("%w: basic auth password cannot be empty", ErrTransportConfig)
	}
	if t.Transport == nil {
		return nil, fmt.Errorf("%w: transport cannot be nil", ErrTransportConfig)
	}

	debug := t.Logger.Enabled(req.Context(), slog.LevelDebug)
	if debug {
		var reqBody []byte
		if req.Body != nil {
			reqBody, req.Body = peekBody(req.Body)
		}
		t.Logger.Debug("outgoing request",
			"method", req.Method,
			"url", req.URL.String(),
			"headers", req.Header,
			"body", truncate(reqBody))
	}

	// RoundTrippers must not modify the caller's request.
	req = req.Clone(req.Context())
	req.SetBasicAuth(t.Username, t.Password)
	resp, err := t.Transport.RoundTrip(req)

	if debug && err == nil && resp != nil {
		var respBody []byte
		if resp.Body != nil {
			respBody, resp.Body = peekBody(resp.Body)
		}
		t.Logger.Debug("incoming response",
			"status", resp.Status,
			"headers", resp.Header,
			"body", truncate(respBody))
	}

	return resp, err
}

// peekBody reads body and returns its bytes with a replacement reader.
func peekBody(body io.ReadCloser) ([]byte, io.ReadCloser) {
	data, err := io.ReadAll(body)
	body.Close()
	if err != nil {
		return nil, io.NopCloser(bytes.NewReader(data))
	}
	return data, io.NopCloser(bytes.NewReader(data))
}

func truncate(b []byte) string {
	if len(b) > maxLoggedBody {
		return string(b[:maxLoggedBody]) + "..."
	}
	return string(b)
}
