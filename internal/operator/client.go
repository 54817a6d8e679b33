// Package operator is a thin JSON client for the weave operator API.
package operator

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"strconv"
	"strings"
	"time"

	"github.com/oremus-labs/aip-weave/internal/metrics"
)

// Operator endpoints.
const (
	PlatformRequestPath = "/v1/platform/request"
	RecommendationsPath = "/v1/platform/recommendations"
	EventCPXPath        = "/v1/event/cpx"
	EventCPCPath        = "/v1/event/cpc"
	EventCPAPath        = "/v1/event/cpa"
)

// APIKeyHeader carries the operator API key on every request.
const APIKeyHeader = "x-api-key"

// APIError is returned when the operator responds with a non-2xx status.
type APIError struct {
	Status int
	Path   string
	Body   string
}

func (e *APIError) Error() string {
	return fmt.Sprintf("aip api error (%d): %s", e.Status, e.Body)
}

// Poster is the capability the rest of the kit needs from the client.
type Poster interface {
	PostJSON(ctx context.Context, path string, payload interface{}, target interface{}) error
}

// Client wraps operator API calls.
type Client struct {
	BaseURL    string
	APIKey     string
	HTTPClient *http.Client
}

// Option configures the client.
type Option func(*Client)

// WithHTTPClient replaces the underlying HTTP client.
func WithHTTPClient(hc *http.Client) Option {
	return func(c *Client) {
		if hc != nil {
			c.HTTPClient = hc
		}
	}
}

// WithTimeout sets the HTTP timeout.
func WithTimeout(d time.Duration) Option {
	return func(c *Client) {
		if d > 0 {
			c.HTTPClient.Timeout = d
		}
	}
}

// New creates a Client for the operator at baseURL.
func New(baseURL, apiKey string, opts ...Option) *Client {
	c := &Client{
		BaseURL:    baseURL,
		APIKey:     apiKey,
		HTTPClient: &http.Client{Timeout: 15 * time.Second},
	}
	for _, o := range opts {
		o(c)
	}
	return c
}

func (c *Client) url(path string) string {
	return strings.TrimRight(c.BaseURL, "/") + path
}

// PostJSON sends payload as JSON and decodes the response into target.
// A 204 response leaves target untouched.
func (c *Client) PostJSON(ctx context.Context, path string, payload interface{}, target interface{}) error {
	data, err := json.Marshal(payload)
	if err != nil {
		return fmt.Errorf("marshal %s payload: %w", path, err)
	}
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, c.url(path), bytes.NewReader(data))
	if err != nil {
		return err
	}
	req.Header.Set("Content-Type", "application/json")
	req.Header.Set("Accept", "application/json")
	req.Header.Set(APIKeyHeader, c.APIKey)
	return c.do(req, target)
}

func (c *Client) do(req *http.Request, target interface{}) error {
	start := time.Now()
	resp, err := c.HTTPClient.Do(req)
	if err != nil {
		metrics.ObserveOperatorRequest(req.URL.Path, "", time.Since(start))
		return fmt.Errorf("%s %s: %w", req.Method, req.URL.Path, err)
	}
	defer resp.Body.Close()
	metrics.ObserveOperatorRequest(req.URL.Path, strconv.Itoa(resp.StatusCode), time.Since(start))

	if resp.StatusCode < 200 || resp.StatusCode >= 300 {
		body, _ := io.ReadAll(resp.Body)
		return &APIError{Status: resp.StatusCode, Path: req.URL.Path, Body: string(body)}
	}
	if resp.StatusCode == http.StatusNoContent || target == nil {
		return nil
	}
	if err := json.NewDecoder(resp.Body).Decode(target); err != nil {
		if err == io.EOF {
			return nil
		}
		return fmt.Errorf("decode %s response: %w", req.URL.Path, err)
	}
	return nil
}
