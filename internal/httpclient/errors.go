package httpclient

import (
	"errors"
	"fmt"
	"net/http"
	"time"
)

var (
	// ErrTransient is returned once retries of a timeout, network error,
	// 5xx or 429 are exhausted.
	ErrTransient = errors.New("transient remote failure")
	// ErrUnauthorized covers 401 and 403. It is never retried.
	ErrUnauthorized = errors.New("unauthorized")
	// ErrNotFound covers 404 and 410.
	ErrNotFound = errors.New("not found")
	// ErrPreconditionFailed is a 412 on a conditional write.
	ErrPreconditionFailed = errors.New("precondition failed")
	// ErrTransportConfig is a request the client refused to send, such as
	// one without credentials. It is never retried.
	ErrTransportConfig = errors.New("invalid transport configuration")
)

// StatusError is a non-2xx answer. It unwraps to the sentinel matching its
// code, so callers can use errors.Is and still read the body.
type StatusError struct {
	Method     string
	URL        string
	Code       int
	Body       []byte
	RetryAfter time.Duration
}

func (e *StatusError) Error() string {
	return fmt.Sprintf("%s %s: unexpected status %d %s", e.Method, e.URL, e.Code, http.StatusText(e.Code))
}

func (e *StatusError) Unwrap() error {
	switch e.Code {
	case http.StatusUnauthorized, http.StatusForbidden:
		return ErrUnauthorized
	case http.StatusNotFound, http.StatusGone:
		return ErrNotFound
	case http.StatusPreconditionFailed:
		return ErrPreconditionFailed
	}
	return nil
}

// transient reports whether retrying may help. 501 and 505 describe what the
// server supports, not its health.
func (e *StatusError) transient() bool {
	switch e.Code {
	case http.StatusNotImplemented, http.StatusHTTPVersionNotSupported:
		return false
	}
	return e.Code == http.StatusTooManyRequests || e.Code >= 500
}

// netError marks a failure below HTTP: dial, TLS, timeout or a cut body.
type netError struct {
	err error
}

func (e *netError) Error() string { return e.err.Error() }
func (e *netError) Unwrap() error { return e.err }

func retryable(err error) bool {
	var ne *netError
	if errors.As(err, &ne) {
		return true
	}
	var se *StatusError
	return errors.As(err, &se) && se.transient()
}
