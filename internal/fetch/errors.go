package fetch

import (
	"context"
	"errors"
	"fmt"
	"net"
	"net/http"
	"net/url"
	"strconv"
	"time"
)

// ErrInvalidPayload means the server answered 2xx with a body we cannot use.
var ErrInvalidPayload = errors.New("invalid payload")

// HTTPError is a non-2xx response.
type HTTPError struct {
	Endpoint   string
	StatusCode int
	Body       string        // First bytes of the response, for diagnostics
	RetryAfter time.Duration // From a Retry-After header in seconds, if any
}

func (e *HTTPError) Error() string {
	msg := fmt.Sprintf("GET %s: HTTP %d %s", e.Endpoint, e.StatusCode, http.StatusText(e.StatusCode))
	if e.Body != "" {
		msg += ": " + e.Body
	}
	return msg
}

func newHTTPError(endpoint string, resp *http.Response, body []byte) *HTTPError {
	const snippet = 256
	if len(body) > snippet {
		body = body[:snippet]
	}

	e := &HTTPError{
		Endpoint:   endpoint,
		StatusCode: resp.StatusCode,
		Body:       string(body),
	}
	if secs, err := strconv.Atoi(resp.Header.Get("Retry-After")); err == nil && secs > 0 {
		e.RetryAfter = time.Duration(secs) * time.Second
	}
	return e
}

// IsTransient reports whether retrying the same request might succeed:
// timeouts, throttling, server errors and network failures.
func IsTransient(err error) bool {
	if err == nil {
		return false
	}

	var httpErr *HTTPError
	if errors.As(err, &httpErr) {
		switch {
		case httpErr.StatusCode == http.StatusRequestTimeout,
			httpErr.StatusCode == http.StatusTooManyRequests,
			httpErr.StatusCode >= 500:
			return true
		}
		return false
	}

	if errors.Is(err, ErrInvalidPayload) || errors.Is(err, context.Canceled) {
		return false
	}

	var netErr net.Error
	if errors.As(err, &netErr) {
		return true
	}
	var urlErr *url.Error
	return errors.As(err, &urlErr)
}
