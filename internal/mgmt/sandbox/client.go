// Package sandbox is the management plane's client for the sandbox
// control API, plus an optional Docker supervisor for the sandbox
// container itself.
package sandbox

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"time"

	"github.com/mcpbox/mcpbox/common/retry"
	"github.com/mcpbox/mcpbox/internal/sandbox/breaker"
	"github.com/mcpbox/mcpbox/internal/sandbox/pool"
	"github.com/mcpbox/mcpbox/internal/sandbox/pytool"
	sandboxserver "github.com/mcpbox/mcpbox/internal/sandbox/server"
)

const maxResponseBytes = 8 << 20

// ErrUnavailable wraps transport failures so callers can distinguish a
// dead sandbox from a tool that ran and failed.
var ErrUnavailable = errors.New("sandbox unavailable")

// StatusError is a non-2xx reply from the sandbox control API.
type StatusError struct {
	Code int
	Body string
}

func (e *StatusError) Error() string {
	return fmt.Sprintf("sandbox returned http %d: %s", e.Code, e.Body)
}

// Client talks to the sandbox control API. Transient failures retry with
// exponential backoff.
type Client struct {
	baseURL string
	apiKey  string
	http    *http.Client
	retry   retry.Config
}

// NewClient builds a Client for the sandbox at baseURL.
func NewClient(baseURL, apiKey string) *Client {
	cfg := retry.DefaultConfig
	cfg.MaxAttempts = 3
	cfg.ShouldRetry = func(err error) bool {
		var se *StatusError
		if errors.As(err, &se) {
			return retry.RetryableStatus(se.Code)
		}
		return errors.Is(err, ErrUnavailable)
	}
	return &Client{
		baseURL: baseURL,
		apiKey:  apiKey,
		http:    &http.Client{Timeout: 5 * time.Minute},
		retry:   cfg,
	}
}

// SetHTTPClient replaces the underlying transport, for tests.
func (c *Client) SetHTTPClient(h *http.Client) { c.http = h }

// Health fetches the sandbox health document.
func (c *Client) Health(ctx context.Context) (*sandboxserver.HealthResponse, error) {
	var out sandboxserver.HealthResponse
	if err := c.do(ctx, http.MethodGet, "/health", nil, &out); err != nil {
		return nil, err
	}
	return &out, nil
}

// Execute runs a tool in the sandbox and returns its result. A non-nil
// error means the sandbox could not be reached; tool failures come back
// inside the result.
func (c *Client) Execute(ctx context.Context, req *sandboxserver.ExecuteRequest) (*pytool.Result, error) {
	var out pytool.Result
	if err := c.do(ctx, http.MethodPost, "/execute", req, &out); err != nil {
		return nil, err
	}
	return &out, nil
}

// RegisterServer registers or replaces a server definition.
func (c *Client) RegisterServer(ctx context.Context, req *sandboxserver.RegisterRequest) error {
	return c.do(ctx, http.MethodPost, "/register_server", req, nil)
}

// UnregisterServer removes a server.
func (c *Client) UnregisterServer(ctx context.Context, name string) error {
	return c.do(ctx, http.MethodPost, "/unregister_server", map[string]string{"name": name}, nil)
}

// UpdateServerSecrets replaces a server's secret set in place.
func (c *Client) UpdateServerSecrets(ctx context.Context, name string, secrets map[string]string) error {
	return c.do(ctx, http.MethodPost, "/update_server_secrets", map[string]any{
		"name":    name,
		"secrets": secrets,
	}, nil)
}

// Circuits lists the sandbox's per-host circuit breaker states.
func (c *Client) Circuits(ctx context.Context) ([]breaker.CircuitStatus, error) {
	var out []breaker.CircuitStatus
	if err := c.do(ctx, http.MethodGet, "/circuits", nil, &out); err != nil {
		return nil, err
	}
	return out, nil
}

// DiscoverExternalTools lists the tools of an external MCP server via the
// sandbox, which applies its egress policy to the probe.
func (c *Client) DiscoverExternalTools(ctx context.Context, url string, headers map[string]string) ([]pool.Tool, error) {
	var out struct {
		Tools []pool.Tool `json:"tools"`
	}
	req := &sandboxserver.DiscoverRequest{URL: url, Headers: headers}
	if err := c.do(ctx, http.MethodPost, "/discover_external_tools", req, &out); err != nil {
		return nil, err
	}
	return out.Tools, nil
}

func (c *Client) do(ctx context.Context, method, path string, in, out any) error {
	return retry.Do(ctx, c.retry, func() error {
		return c.once(ctx, method, path, in, out)
	})
}

func (c *Client) once(ctx context.Context, method, path string, in, out any) error {
	var body io.Reader
	if in != nil {
		raw, err := json.Marshal(in)
		if err != nil {
			return fmt.Errorf("marshal request: %w", err)
		}
		body = bytes.NewReader(raw)
	}
	req, err := http.NewRequestWithContext(ctx, method, c.baseURL+path, body)
	if err != nil {
		return fmt.Errorf("build request: %w", err)
	}
	if in != nil {
		req.Header.Set("Content-Type", "application/json")
	}
	req.Header.Set("X-API-Key", c.apiKey)

	resp, err := c.http.Do(req)
	if err != nil {
		return fmt.Errorf("%w: %v", ErrUnavailable, err)
	}
	defer resp.Body.Close()

	raw, err := io.ReadAll(io.LimitReader(resp.Body, maxResponseBytes))
	if err != nil {
		return fmt.Errorf("%w: read response: %v", ErrUnavailable, err)
	}
	if resp.StatusCode < 200 || resp.StatusCode >= 300 {
		return &StatusError{Code: resp.StatusCode, Body: string(raw)}
	}
	if out != nil {
		if err := json.Unmarshal(raw, out); err != nil {
			return fmt.Errorf("decode response: %w", err)
		}
	}
	return nil
}
