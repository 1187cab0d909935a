// Package egress is the only path by which tool code reaches the network.
// Every request is validated by the ssrf package and the connection is made
// to the pinned address with the original Host header preserved.
package egress

import (
	"bytes"
	"context"
	"crypto/tls"
	"fmt"
	"io"
	"net"
	"net/http"
	"time"

	"github.com/mcpbox/mcpbox/internal/sandbox/ssrf"
)

// DefaultMaxResponseBytes caps response bodies handed back to tool code.
const DefaultMaxResponseBytes = 10 * 1024 * 1024

// Client issues SSRF-checked HTTP requests on behalf of tool code.
type Client struct {
	// Isolated denies every request: the server's network mode grants no
	// egress at all.
	Isolated bool
	// AllowedHosts restricts requests to the listed hostnames. Servers
	// registered with the sandbox always carry a non-nil set, so an empty
	// allowlist denies every host. Nil skips the check.
	AllowedHosts map[string]struct{}
	// Timeout bounds each request end to end.
	Timeout time.Duration
	// MaxResponseBytes caps the returned body. Zero means DefaultMaxResponseBytes.
	MaxResponseBytes int64
}

// Response is the reduced view handed to tool code.
type Response struct {
	StatusCode int
	Headers    http.Header
	Body       []byte
}

// Do validates rawURL, pins the resolved address, and performs the request.
// The TCP connection goes to the pinned IP while the Host header and TLS SNI
// keep the original hostname, so virtual hosting and certificates still work.
func (c *Client) Do(ctx context.Context, method, rawURL string, headers map[string]string, body []byte) (*Response, error) {
	if c.Isolated {
		return nil, &ssrf.Error{URL: rawURL, Reason: "server network mode is isolated, egress is disabled"}
	}

	v, err := ssrf.Validate(ctx, rawURL)
	if err != nil {
		return nil, err
	}

	if c.AllowedHosts != nil {
		if _, ok := c.AllowedHosts[v.Hostname]; !ok {
			return nil, &ssrf.Error{URL: rawURL, Reason: fmt.Sprintf("host %q is not in the server's allowlist", v.Hostname)}
		}
	}

	timeout := c.Timeout
	if timeout <= 0 {
		timeout = 30 * time.Second
	}
	ctx, cancel := context.WithTimeout(ctx, timeout)
	defer cancel()

	var rd io.Reader
	if len(body) > 0 {
		rd = bytes.NewReader(body)
	}
	req, err := http.NewRequestWithContext(ctx, method, v.URL.String(), rd)
	if err != nil {
		return nil, fmt.Errorf("build request: %w", err)
	}
	for k, val := range headers {
		req.Header.Set(k, val)
	}
	req.Host = v.Hostname

	pinned := v.Address()
	transport := &http.Transport{
		// Ignore the address derived from the URL; connect to the pinned
		// ip:port from validation time.
		DialContext: func(ctx context.Context, network, _ string) (net.Conn, error) {
			d := net.Dialer{Timeout: 10 * time.Second}
			return d.DialContext(ctx, network, pinned)
		},
		TLSClientConfig:   &tls.Config{ServerName: v.Hostname},
		DisableKeepAlives: true,
		// A redirect would escape the validated target, so the transport is
		// used with a client that refuses to follow them.
	}
	client := &http.Client{
		Transport: transport,
		CheckRedirect: func(req *http.Request, via []*http.Request) error {
			return http.ErrUseLastResponse
		},
	}

	resp, err := client.Do(req)
	if err != nil {
		return nil, fmt.Errorf("request failed: %w", err)
	}
	defer resp.Body.Close()

	max := c.MaxResponseBytes
	if max <= 0 {
		max = DefaultMaxResponseBytes
	}
	data, err := io.ReadAll(io.LimitReader(resp.Body, max))
	if err != nil {
		return nil, fmt.Errorf("read response: %w", err)
	}

	return &Response{StatusCode: resp.StatusCode, Headers: resp.Header, Body: data}, nil
}
