package client

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"time"

	"github.com/islo-labs/doubleagent/internal/errdefs"
)

// Control endpoints every fake service exposes.
const (
	HealthPath    = "/_doubleagent/health"
	ResetPath     = "/_doubleagent/reset"
	SeedPath      = "/_doubleagent/seed"
	BootstrapPath = "/_doubleagent/bootstrap"
)

// maxErrorBody bounds how much of a failed response is kept for reporting.
const maxErrorBody = 4 << 10

// Client talks to the control endpoints of one running fake service.
type Client struct {
	baseURL string
	client  *http.Client
	logger  *slog.Logger
}

// Config holds client configuration
type Config struct {
	BaseURL string
	Timeout time.Duration
	Logger  *slog.Logger // Optional logger for client operations
}

// DefaultConfig returns default client configuration
func DefaultConfig() Config {
	return Config{
		BaseURL: "http://localhost:8080",
		Timeout: 10 * time.Second,
	}
}

// URLForPort is the base URL of a service listening on port.
func URLForPort(port int) string {
	return fmt.Sprintf("http://localhost:%d", port)
}

// ForPort returns a client for the service on port with default settings.
func ForPort(port int) *Client {
	cfg := DefaultConfig()
	cfg.BaseURL = URLForPort(port)
	return New(cfg)
}

// New creates a client for a fake service.
func New(config Config) *Client {
	if config.BaseURL == "" {
		config.BaseURL = DefaultConfig().BaseURL
	}
	if config.Timeout == 0 {
		config.Timeout = 10 * time.Second
	}
	if config.Logger == nil {
		config.Logger = slog.Default()
	}
	return &Client{
		baseURL: config.BaseURL,
		logger:  config.Logger,
		client:  &http.Client{Timeout: config.Timeout},
	}
}

// BaseURL returns the service root URL.
func (c *Client) BaseURL() string { return c.baseURL }

// Health returns nil when the health endpoint answers 2xx.
func (c *Client) Health(ctx context.Context) error {
	resp, err := c.do(ctx, http.MethodGet, HealthPath, nil)
	if err != nil {
		return err
	}
	_ = resp.Body.Close()
	return nil
}

// Reset clears all state of the service.
func (c *Client) Reset(ctx context.Context) error {
	c.logger.Debug("Resetting service", "url", c.baseURL)
	resp, err := c.do(ctx, http.MethodPost, ResetPath, nil)
	if err != nil {
		return err
	}
	_ = resp.Body.Close()
	return nil
}

// Seed posts payload, which must be a JSON document, and returns the
// service's answer.
func (c *Client) Seed(ctx context.Context, payload json.RawMessage) (*SeedResponse, error) {
	c.logger.Debug("Seeding service", "url", c.baseURL, "bytes", len(payload))
	resp, err := c.do(ctx, http.MethodPost, SeedPath, payload)
	if err != nil {
		return nil, err
	}
	defer func() { _ = resp.Body.Close() }()

	var out SeedResponse
	if err := json.NewDecoder(resp.Body).Decode(&out); err != nil && err != io.EOF {
		return nil, &errdefs.TransportError{URL: c.baseURL + SeedPath, Err: fmt.Errorf("decode response: %w", err)}
	}
	return &out, nil
}

// Bootstrap loads payload as the service baseline. Services that do not
// support baselines answer 404 or 501; Bootstrap then falls back to Seed.
func (c *Client) Bootstrap(ctx context.Context, payload json.RawMessage) (map[string]int, error) {
	resp, err := c.do(ctx, http.MethodPost, BootstrapPath, payload)
	var se *StatusError
	if errors.As(err, &se) && (se.StatusCode == http.StatusNotFound || se.StatusCode == http.StatusNotImplemented) {
		c.logger.Debug("bootstrap unsupported, seeding instead", "url", c.baseURL)
		res, err := c.Seed(ctx, payload)
		if err != nil {
			return nil, err
		}
		var counts map[string]int
		_ = json.Unmarshal(res.Seeded, &counts)
		return counts, nil
	}
	if err != nil {
		return nil, err
	}
	defer func() { _ = resp.Body.Close() }()

	var out BootstrapResponse
	if err := json.NewDecoder(resp.Body).Decode(&out); err != nil && err != io.EOF {
		return nil, &errdefs.TransportError{URL: c.baseURL + BootstrapPath, Err: fmt.Errorf("decode response: %w", err)}
	}
	return out.Loaded, nil
}

// do performs a request and converts transport failures and non-2xx
// answers into errors. The caller closes the body on success.
func (c *Client) do(ctx context.Context, method, path string, body []byte) (*http.Response, error) {
	url := c.baseURL + path
	var reader io.Reader
	if body != nil {
		reader = bytes.NewReader(body)
	}
	req, err := http.NewRequestWithContext(ctx, method, url, reader)
	if err != nil {
		return nil, &errdefs.TransportError{URL: url, Err: err}
	}
	if body != nil {
		req.Header.Set("Content-Type", "application/json")
	}

	resp, err := c.client.Do(req)
	if err != nil {
		c.logger.Debug("HTTP request failed", "error", err, "url", url)
		return nil, &errdefs.TransportError{URL: url, Err: err}
	}
	if resp.StatusCode < 200 || resp.StatusCode > 299 {
		defer func() { _ = resp.Body.Close() }()
		return nil, &errdefs.TransportError{URL: url, Err: c.handleErrorResponse(resp)}
	}
	return resp, nil
}

// handleErrorResponse builds a StatusError, lifting the message out of a
// JSON {"error": ...} body when there is one.
func (c *Client) handleErrorResponse(resp *http.Response) error {
	b, _ := io.ReadAll(io.LimitReader(resp.Body, maxErrorBody))
	se := &StatusError{StatusCode: resp.StatusCode, Body: string(bytes.TrimSpace(b))}
	var er ErrorResponse
	if json.Unmarshal(b, &er) == nil && er.Error != "" {
		se.Message = er.Error
	}
	c.logger.Debug("Service request failed", "status", resp.StatusCode, "body", se.Body)
	return se
}
