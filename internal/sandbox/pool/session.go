package pool

import (
	"bufio"
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"strings"
	"sync"
	"sync/atomic"
	"time"
)

const sessionIDHeader = "Mcp-Session-Id"

// Session is one initialised MCP client against an external server. All
// calls through a session are serialised by its lock; the pool hands the
// same session to at most one caller-visible operation at a time per call.
type Session struct {
	key       string
	url       string
	headers   map[string]string
	client    *http.Client
	createdAt time.Time

	mu        sync.Mutex
	sessionID string
	protocol  string
	nextID    atomic.Int64
}

// newSession performs the MCP handshake: initialize (offering the current
// protocol revision, falling back to the previous one when the server
// rejects it), capture of the Mcp-Session-Id response header, then the
// fire-and-forget notifications/initialized.
func newSession(ctx context.Context, key, url string, headers map[string]string, client *http.Client) (*Session, error) {
	s := &Session{
		key:       key,
		url:       url,
		headers:   headers,
		client:    client,
		createdAt: time.Now(),
	}

	var init initializeResult
	err := s.call(ctx, "initialize", initializeParams{
		ProtocolVersion: protocolCurrent,
		ClientInfo:      clientInfo{Name: "mcpbox", Version: "1"},
	}, &init)
	if err != nil {
		var rpcErr *ResponseError
		if !isProtocolRejection(err, &rpcErr) {
			return nil, fmt.Errorf("mcp initialize: %w", err)
		}
		if err := s.call(ctx, "initialize", initializeParams{
			ProtocolVersion: protocolFallback,
			ClientInfo:      clientInfo{Name: "mcpbox", Version: "1"},
		}, &init); err != nil {
			return nil, fmt.Errorf("mcp initialize (fallback): %w", err)
		}
	}

	s.notify(ctx, "notifications/initialized")

	slog.Debug("mcp session established",
		"server", init.ServerInfo.Name,
		"protocol", init.ProtocolVersion,
	)
	return s, nil
}

// isProtocolRejection reports whether the initialize failure looks like a
// protocol-version rejection, in which case the older revision is offered.
func isProtocolRejection(err error, rpcErr **ResponseError) bool {
	if e, ok := err.(*ResponseError); ok {
		*rpcErr = e
		return e.Code == -32602 || strings.Contains(strings.ToLower(e.Message), "protocol")
	}
	return false
}

// ListTools returns the tools exposed by the external server.
func (s *Session) ListTools(ctx context.Context) ([]Tool, error) {
	var result listToolsResult
	if err := s.call(ctx, "tools/list", struct{}{}, &result); err != nil {
		return nil, err
	}
	return result.Tools, nil
}

// CallTool invokes a named tool with the given arguments.
func (s *Session) CallTool(ctx context.Context, name string, args map[string]any) (*CallToolResult, error) {
	var result CallToolResult
	if err := s.call(ctx, "tools/call", callToolParams{Name: name, Arguments: args}, &result); err != nil {
		return nil, err
	}
	return &result, nil
}

// Age reports how long the session has existed.
func (s *Session) Age() time.Duration { return time.Since(s.createdAt) }

// Close tears the session down with a DELETE carrying the session id.
// Errors are logged and swallowed; the server may have already expired it.
func (s *Session) Close(ctx context.Context) {
	s.mu.Lock()
	id := s.sessionID
	s.mu.Unlock()
	if id == "" {
		return
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodDelete, s.url, nil)
	if err != nil {
		return
	}
	s.applyHeaders(req)
	req.Header.Set(sessionIDHeader, id)
	resp, err := s.client.Do(req)
	if err != nil {
		slog.Debug("mcp session close failed", "err", err)
		return
	}
	io.Copy(io.Discard, resp.Body)
	resp.Body.Close()
}

// call sends one JSON-RPC request and decodes the result. The session lock
// serialises concurrent calls.
func (s *Session) call(ctx context.Context, method string, params, result any) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	resp, err := s.roundTrip(ctx, request{
		JSONRPC: "2.0",
		ID:      s.nextID.Add(1),
		Method:  method,
		Params:  params,
	})
	if err != nil {
		return err
	}
	if resp.Error != nil {
		return resp.Error
	}
	if result == nil || resp.Result == nil {
		return nil
	}
	if err := json.Unmarshal(resp.Result, result); err != nil {
		return fmt.Errorf("decode %s result: %w", method, err)
	}
	return nil
}

// notify sends a fire-and-forget notification (no id, no response handling).
func (s *Session) notify(ctx context.Context, method string) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if _, err := s.roundTrip(ctx, request{JSONRPC: "2.0", Method: method}); err != nil {
		slog.Debug("mcp notification failed", "method", method, "err", err)
	}
}

// roundTrip POSTs one JSON-RPC message and parses the reply, which may be a
// direct JSON body or an SSE stream. Callers hold s.mu.
func (s *Session) roundTrip(ctx context.Context, rpc request) (*response, error) {
	payload, err := json.Marshal(rpc)
	if err != nil {
		return nil, fmt.Errorf("marshal request: %w", err)
	}

	httpReq, err := http.NewRequestWithContext(ctx, http.MethodPost, s.url, bytes.NewReader(payload))
	if err != nil {
		return nil, err
	}
	s.applyHeaders(httpReq)
	httpReq.Header.Set("Content-Type", "application/json")
	httpReq.Header.Set("Accept", "application/json, text/event-stream")
	if s.sessionID != "" {
		httpReq.Header.Set(sessionIDHeader, s.sessionID)
	}

	httpResp, err := s.client.Do(httpReq)
	if err != nil {
		return nil, err
	}
	defer httpResp.Body.Close()

	if id := httpResp.Header.Get(sessionIDHeader); id != "" {
		s.sessionID = id
	}

	if httpResp.StatusCode < 200 || httpResp.StatusCode > 299 {
		body, _ := io.ReadAll(io.LimitReader(httpResp.Body, 4<<10))
		return nil, &StatusError{Code: httpResp.StatusCode, Body: string(body)}
	}

	// Notifications may be answered with 202 and an empty body.
	if rpc.ID == 0 {
		io.Copy(io.Discard, httpResp.Body)
		return &response{JSONRPC: "2.0"}, nil
	}

	ct := httpResp.Header.Get("Content-Type")
	if strings.HasPrefix(ct, "text/event-stream") {
		return parseSSE(httpResp.Body)
	}

	var resp response
	if err := json.NewDecoder(httpResp.Body).Decode(&resp); err != nil {
		return nil, fmt.Errorf("decode response: %w", err)
	}
	return &resp, nil
}

func (s *Session) applyHeaders(req *http.Request) {
	for k, v := range s.headers {
		req.Header.Set(k, v)
	}
}

// parseSSE scans an event stream for data: lines and returns the first
// JSON-RPC object carrying a result or an error.
func parseSSE(r io.Reader) (*response, error) {
	scanner := bufio.NewScanner(r)
	scanner.Buffer(make([]byte, 64<<10), 16<<20)
	for scanner.Scan() {
		line := scanner.Text()
		data, ok := strings.CutPrefix(line, "data:")
		if !ok {
			continue
		}
		data = strings.TrimSpace(data)
		if data == "" {
			continue
		}
		var resp response
		if err := json.Unmarshal([]byte(data), &resp); err != nil {
			slog.Debug("mcp: unparseable sse event", "err", err)
			continue
		}
		if resp.Result != nil || resp.Error != nil {
			return &resp, nil
		}
	}
	if err := scanner.Err(); err != nil {
		return nil, fmt.Errorf("read sse stream: %w", err)
	}
	return nil, fmt.Errorf("sse stream ended without a response")
}
