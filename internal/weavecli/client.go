package weavecli

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"strings"
	"time"
)

// Client wraps gateway API calls.
type Client struct {
	BaseURL string
	Token   string
	Timeout time.Duration
}

// StatusError is returned for non-2xx gateway responses.
type StatusError struct {
	Method string
	Path   string
	Status int
	Msg    string
}

func (e *StatusError) Error() string {
	if e.Msg != "" {
		return fmt.Sprintf("%s %s failed (%d): %s", e.Method, e.Path, e.Status, e.Msg)
	}
	return fmt.Sprintf("%s %s failed (%d)", e.Method, e.Path, e.Status)
}

func (c *Client) newRequest(ctx context.Context, method, path string, body io.Reader, contentType string) (*http.Request, error) {
	base := strings.TrimRight(c.BaseURL, "/")
	req, err := http.NewRequestWithContext(ctx, method, base+path, body)
	if err != nil {
		return nil, err
	}
	if c.Token != "" {
		req.Header.Set("Authorization", "Bearer "+c.Token)
	}
	req.Header.Set("Accept", "application/json")
	if contentType != "" {
		req.Header.Set("Content-Type", contentType)
	}
	return req, nil
}

func (c *Client) send(req *http.Request) (*http.Response, error) {
	httpClient := &http.Client{Timeout: c.Timeout}
	resp, err := httpClient.Do(req)
	if err != nil {
		return nil, err
	}
	if resp.StatusCode >= 300 {
		defer resp.Body.Close()
		var body struct {
			Error string `json:"error"`
		}
		_ = json.NewDecoder(io.LimitReader(resp.Body, 64<<10)).Decode(&body)
		return nil, &StatusError{Method: req.Method, Path: req.URL.Path, Status: resp.StatusCode, Msg: body.Error}
	}
	return resp, nil
}

func (c *Client) do(req *http.Request, target interface{}) error {
	resp, err := c.send(req)
	if err != nil {
		return err
	}
	defer resp.Body.Close()
	if target == nil || resp.StatusCode == http.StatusNoContent {
		return nil
	}
	return json.NewDecoder(resp.Body).Decode(target)
}

func (c *Client) GetJSON(ctx context.Context, path string, target interface{}) error {
	req, err := c.newRequest(ctx, http.MethodGet, path, nil, "")
	if err != nil {
		return err
	}
	return c.do(req, target)
}

func (c *Client) PostJSON(ctx context.Context, path string, payload interface{}, target interface{}) error {
	var body io.Reader
	if payload != nil {
		data, err := json.Marshal(payload)
		if err != nil {
			return err
		}
		body = bytes.NewReader(data)
	}
	req, err := c.newRequest(ctx, http.MethodPost, path, body, "application/json")
	if err != nil {
		return err
	}
	return c.do(req, target)
}

func (c *Client) PutContent(ctx context.Context, path string, content []byte, target interface{}) error {
	req, err := c.newRequest(ctx, http.MethodPut, path, bytes.NewReader(content), "text/html; charset=utf-8")
	if err != nil {
		return err
	}
	return c.do(req, target)
}

func (c *Client) Delete(ctx context.Context, path string) error {
	req, err := c.newRequest(ctx, http.MethodDelete, path, nil, "")
	if err != nil {
		return err
	}
	return c.do(req, nil)
}

// GetHTML returns the response body as text; ok is false on 204.
func (c *Client) GetHTML(ctx context.Context, path string) (string, bool, error) {
	req, err := c.newRequest(ctx, http.MethodGet, path, nil, "")
	if err != nil {
		return "", false, err
	}
	req.Header.Set("Accept", "text/html")
	resp, err := c.send(req)
	if err != nil {
		return "", false, err
	}
	defer resp.Body.Close()
	if resp.StatusCode == http.StatusNoContent {
		return "", false, nil
	}
	data, err := io.ReadAll(resp.Body)
	if err != nil {
		return "", false, err
	}
	return string(data), true, nil
}
