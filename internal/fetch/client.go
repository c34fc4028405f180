package fetch

import (
	"context"
	"encoding/json"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"net/url"
	"strings"
	"time"
)

// maxPayload bounds a single response body.
const maxPayload = 32 << 20

// Fetcher retrieves one API resource.
type Fetcher interface {
	// Fetch GETs endpoint (relative to the base URL) and returns the JSON body.
	Fetch(ctx context.Context, endpoint string) ([]byte, error)
}

// Config defines how to reach the backend API.
type Config struct {
	BaseURL   string
	Token     string        // Bearer token, optional
	Timeout   time.Duration // Per request; 0 means no client timeout
	UserAgent string
}

// Client is the HTTP Fetcher.
type Client struct {
	baseURL    *url.URL
	token      string
	userAgent  string
	httpClient *http.Client
	logger     *slog.Logger
}

var _ Fetcher = (*Client)(nil)

// NewClient creates a Client. httpClient may be nil.
func NewClient(cfg Config, httpClient *http.Client, logger *slog.Logger) (*Client, error) {
	base, err := url.Parse(cfg.BaseURL)
	if err != nil {
		return nil, fmt.Errorf("parse base URL: %w", err)
	}
	if base.Scheme == "" || base.Host == "" {
		return nil, fmt.Errorf("base URL %q must be absolute", cfg.BaseURL)
	}

	if httpClient == nil {
		httpClient = &http.Client{Timeout: cfg.Timeout}
	}
	if logger == nil {
		logger = slog.Default()
	}
	userAgent := cfg.UserAgent
	if userAgent == "" {
		userAgent = "preloader"
	}

	return &Client{
		baseURL:    base,
		token:      cfg.Token,
		userAgent:  userAgent,
		httpClient: httpClient,
		logger:     logger,
	}, nil
}

// Host returns the API host, used to key circuit breakers.
func (c *Client) Host() string {
	return c.baseURL.Host
}

// Resolve returns the absolute URL for endpoint. A query string on endpoint
// is kept.
func (c *Client) Resolve(endpoint string) (string, error) {
	ref, err := url.Parse(endpoint)
	if err != nil {
		return "", fmt.Errorf("parse endpoint %q: %w", endpoint, err)
	}
	if ref.IsAbs() {
		return "", fmt.Errorf("endpoint %q must be relative to the base URL", endpoint)
	}

	u := c.baseURL.JoinPath(strings.TrimPrefix(ref.Path, "/"))
	u.RawQuery = ref.RawQuery
	return u.String(), nil
}

// Fetch implements Fetcher.
func (c *Client) Fetch(ctx context.Context, endpoint string) ([]byte, error) {
	target, err := c.Resolve(endpoint)
	if err != nil {
		return nil, err
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodGet, target, nil)
	if err != nil {
		return nil, fmt.Errorf("build request: %w", err)
	}
	req.Header.Set("Accept", "application/json")
	req.Header.Set("User-Agent", c.userAgent)
	if c.token != "" {
		req.Header.Set("Authorization", "Bearer "+c.token)
	}

	started := time.Now()
	resp, err := c.httpClient.Do(req)
	if err != nil {
		return nil, fmt.Errorf("GET %s: %w", endpoint, err)
	}
	defer resp.Body.Close()

	body, err := io.ReadAll(io.LimitReader(resp.Body, maxPayload+1))
	if err != nil {
		return nil, fmt.Errorf("read %s: %w", endpoint, err)
	}

	c.logger.Debug("fetched", "endpoint", endpoint, "status", resp.StatusCode,
		"bytes", len(body), "elapsed", time.Since(started))

	if resp.StatusCode < 200 || resp.StatusCode > 299 {
		return nil, newHTTPError(endpoint, resp, body)
	}
	if len(body) > maxPayload {
		return nil, fmt.Errorf("%s: %w: larger than %d bytes", endpoint, ErrInvalidPayload, maxPayload)
	}
	if !json.Valid(body) {
		return nil, fmt.Errorf("%s: %w: not JSON", endpoint, ErrInvalidPayload)
	}

	return body, nil
}
