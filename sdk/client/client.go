// Package client is a Go client for the plugind HTTP API.
package client

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strings"
	"time"

	"github.com/gorilla/websocket"
)

// Client is a minimal HTTP client for the plugin runtime.
type Client struct {
	BaseURL    string
	APIKey     string
	HTTPClient *http.Client
}

// New returns a client with a timeout long enough for a synchronous init
// script plus the git fetch in front of it.
func New(baseURL, apiKey string) *Client {
	return &Client{
		BaseURL: baseURL,
		APIKey:  apiKey,
		HTTPClient: &http.Client{
			Timeout: 5 * time.Minute,
		},
	}
}

// APIError is a non-2xx response.
type APIError struct {
	Status  int
	Message string
}

func (e *APIError) Error() string {
	return fmt.Sprintf("unexpected status %d: %s", e.Status, e.Message)
}

// IsNotFound reports whether err is a 404 from the server.
func IsNotFound(err error) bool {
	var apiErr *APIError
	return errors.As(err, &apiErr) && apiErr.Status == http.StatusNotFound
}

// BundleSummary is one entry of the bundle list.
type BundleSummary struct {
	Name        string `json:"name"`
	Description string `json:"description"`
}

// Bundle is a bundle with its public tool manifests.
type Bundle struct {
	Name         string           `json:"name"`
	Description  string           `json:"description"`
	Tools        []map[string]any `json:"tools"`
	Instructions string           `json:"instructions,omitempty"`
}

// ToolResult is the outcome of a tool run.
type ToolResult struct {
	Success bool            `json:"success"`
	Output  json.RawMessage `json:"output,omitempty"`
	Error   string          `json:"error,omitempty"`
}

// ConfigField describes one accepted configuration key.
type ConfigField struct {
	Description string `json:"description,omitempty"`
	Required    bool   `json:"required"`
}

// InstallResult mirrors the install response.
type InstallResult struct {
	Name         string                 `json:"name"`
	Description  string                 `json:"description"`
	Config       map[string]ConfigField `json:"config,omitempty"`
	Instructions string                 `json:"instructions,omitempty"`
	InitOutput   string                 `json:"init_output,omitempty"`
	Message      string                 `json:"message"`
}

// UpdateResult mirrors the update response.
type UpdateResult struct {
	Name          string   `json:"name"`
	Description   string   `json:"description"`
	Instructions  string   `json:"instructions,omitempty"`
	MissingConfig []string `json:"missing_config,omitempty"`
	InitOutput    string   `json:"init_output,omitempty"`
	Message       string   `json:"message"`
}

// ConfigureResult mirrors the configure response.
type ConfigureResult struct {
	Message  string   `json:"message"`
	Warnings []string `json:"warnings"`
}

// Event is one notification from the event stream.
type Event struct {
	ID      string `json:"id"`
	Kind    string `json:"kind"`
	Bundle  string `json:"bundle"`
	Success bool   `json:"success"`
	Output  string `json:"output,omitempty"`
	Error   string `json:"error,omitempty"`
	At      string `json:"at,omitempty"`
	Message string `json:"message"`
}

func (c *Client) endpoint(path string) string {
	base := strings.TrimRight(c.BaseURL, "/")
	return base + path
}

func (c *Client) httpClient() *http.Client {
	if c.HTTPClient == nil {
		return http.DefaultClient
	}
	return c.HTTPClient
}

func (c *Client) doJSON(ctx context.Context, method, path string, body any, out any) error {
	var payload io.Reader
	if body != nil {
		buf := &bytes.Buffer{}
		if err := json.NewEncoder(buf).Encode(body); err != nil {
			return fmt.Errorf("encode json: %w", err)
		}
		payload = buf
	}
	return c.do(ctx, method, path, payload, "application/json", out)
}

func (c *Client) do(ctx context.Context, method, path string, payload io.Reader, contentType string, out any) error {
	req, err := http.NewRequestWithContext(ctx, method, c.endpoint(path), payload)
	if err != nil {
		return fmt.Errorf("new request: %w", err)
	}
	if payload != nil && contentType != "" {
		req.Header.Set("Content-Type", contentType)
	}
	if c.APIKey != "" {
		req.Header.Set("X-API-Key", c.APIKey)
	}

	resp, err := c.httpClient().Do(req)
	if err != nil {
		return fmt.Errorf("request failed: %w", err)
	}
	defer resp.Body.Close()

	if resp.StatusCode < 200 || resp.StatusCode >= 300 {
		data, _ := io.ReadAll(resp.Body)
		return &APIError{Status: resp.StatusCode, Message: errorMessage(data, resp.Status)}
	}
	if out == nil {
		return nil
	}
	if err := json.NewDecoder(resp.Body).Decode(out); err != nil {
		return fmt.Errorf("decode json: %w", err)
	}
	return nil
}

func errorMessage(data []byte, fallback string) string {
	var body struct {
		Error string `json:"error"`
	}
	if err := json.Unmarshal(data, &body); err == nil && body.Error != "" {
		return body.Error
	}
	if msg := strings.TrimSpace(string(data)); msg != "" {
		return msg
	}
	return fallback
}

// ListBundles returns every installed bundle.
func (c *Client) ListBundles(ctx context.Context) ([]BundleSummary, error) {
	var out struct {
		Plugins []BundleSummary `json:"plugins"`
	}
	if err := c.doJSON(ctx, http.MethodGet, "/bundles", nil, &out); err != nil {
		return nil, err
	}
	return out.Plugins, nil
}

// GetBundle returns one bundle's details.
func (c *Client) GetBundle(ctx context.Context, name string) (*Bundle, error) {
	var out Bundle
	if err := c.doJSON(ctx, http.MethodGet, "/bundles/"+url.PathEscape(name), nil, &out); err != nil {
		return nil, err
	}
	return &out, nil
}

// RunTool sends input verbatim as the tool's stdin.
func (c *Client) RunTool(ctx context.Context, bundle, tool string, input []byte) (*ToolResult, error) {
	path := "/bundles/" + url.PathEscape(bundle) + "/tools/" + url.PathEscape(tool) + "/run"
	var out ToolResult
	if err := c.do(ctx, http.MethodPost, path, bytes.NewReader(input), "application/octet-stream", &out); err != nil {
		return nil, err
	}
	return &out, nil
}

func (c *Client) Install(ctx context.Context, repoURL string) (*InstallResult, error) {
	var out InstallResult
	if err := c.doJSON(ctx, http.MethodPost, "/install", map[string]string{"url": repoURL}, &out); err != nil {
		return nil, err
	}
	return &out, nil
}

func (c *Client) Update(ctx context.Context, name string) (*UpdateResult, error) {
	var out UpdateResult
	if err := c.doJSON(ctx, http.MethodPost, "/update", map[string]string{"name": name}, &out); err != nil {
		return nil, err
	}
	return &out, nil
}

// Remove uninstalls a bundle and returns the server message.
func (c *Client) Remove(ctx context.Context, name string) (string, error) {
	var out struct {
		Message string `json:"message"`
	}
	if err := c.doJSON(ctx, http.MethodPost, "/remove", map[string]string{"name": name}, &out); err != nil {
		return "", err
	}
	return out.Message, nil
}

// Configure merges values into the bundle's stored configuration.
func (c *Client) Configure(ctx context.Context, name string, values map[string]any) (*ConfigureResult, error) {
	if values == nil {
		values = map[string]any{}
	}
	body := map[string]any{"name": name, "config": values}
	var out ConfigureResult
	if err := c.doJSON(ctx, http.MethodPost, "/configure", body, &out); err != nil {
		return nil, err
	}
	return &out, nil
}

// StreamEvents calls fn for each event until ctx is done, the connection
// drops or fn returns an error.
func (c *Client) StreamEvents(ctx context.Context, fn func(Event) error) error {
	u, err := url.Parse(c.endpoint("/events"))
	if err != nil {
		return fmt.Errorf("parse base url: %w", err)
	}
	switch u.Scheme {
	case "https":
		u.Scheme = "wss"
	default:
		u.Scheme = "ws"
	}
	header := http.Header{}
	if c.APIKey != "" {
		header.Set("X-API-Key", c.APIKey)
	}
	conn, resp, err := websocket.DefaultDialer.DialContext(ctx, u.String(), header)
	if err != nil {
		if resp != nil {
			return &APIError{Status: resp.StatusCode, Message: resp.Status}
		}
		return fmt.Errorf("dial events: %w", err)
	}
	defer conn.Close()

	stop := make(chan struct{})
	defer close(stop)
	go func() {
		select {
		case <-ctx.Done():
			_ = conn.Close()
		case <-stop:
		}
	}()

	for {
		_, data, err := conn.ReadMessage()
		if err != nil {
			if ctx.Err() != nil {
				return ctx.Err()
			}
			return fmt.Errorf("read event: %w", err)
		}
		var e Event
		if err := json.Unmarshal(data, &e); err != nil {
			return fmt.Errorf("decode event: %w", err)
		}
		if err := fn(e); err != nil {
			return err
		}
	}
}
