package pool_test

import (
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"net/http/httptest"
	"sync"
	"testing"
	"time"

	"github.com/mcpbox/mcpbox/internal/sandbox/pool"
)

// fakeMCP is an in-process MCP server speaking JSON-RPC over HTTP, with an
// optional SSE response mode.
type fakeMCP struct {
	mu            sync.Mutex
	sse           bool
	rejectCurrent bool
	callFails     int // serve this many 503s for tools/call before succeeding
	rpcError      bool

	initVersions []string
	calls        int
	deletes      []string
}

func (f *fakeMCP) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	if r.Method == http.MethodDelete {
		f.mu.Lock()
		f.deletes = append(f.deletes, r.Header.Get("Mcp-Session-Id"))
		f.mu.Unlock()
		w.WriteHeader(http.StatusNoContent)
		return
	}

	var req map[string]any
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		http.Error(w, err.Error(), http.StatusBadRequest)
		return
	}
	method, _ := req["method"].(string)
	id, _ := req["id"].(float64)

	switch method {
	case "initialize":
		params, _ := req["params"].(map[string]any)
		version, _ := params["protocolVersion"].(string)
		f.mu.Lock()
		f.initVersions = append(f.initVersions, version)
		reject := f.rejectCurrent && version == "2025-03-26"
		f.mu.Unlock()
		if reject {
			f.respond(w, id, "", `{"code":-32602,"message":"unsupported protocol version"}`)
			return
		}
		w.Header().Set("Mcp-Session-Id", "sess-123")
		f.respond(w, id, fmt.Sprintf(`{"protocolVersion":%q,"serverInfo":{"name":"fake","version":"1"}}`, version), "")

	case "notifications/initialized":
		w.WriteHeader(http.StatusAccepted)

	case "tools/list":
		f.respond(w, id, `{"tools":[{"name":"echo","description":"echoes"}]}`, "")

	case "tools/call":
		f.mu.Lock()
		f.calls++
		fail := f.callFails > 0
		if fail {
			f.callFails--
		}
		rpcErr := f.rpcError
		f.mu.Unlock()
		if fail {
			w.WriteHeader(http.StatusServiceUnavailable)
			return
		}
		if rpcErr {
			f.respond(w, id, "", `{"code":-32602,"message":"unknown tool"}`)
			return
		}
		if r.Header.Get("Mcp-Session-Id") != "sess-123" {
			f.respond(w, id, "", `{"code":-32000,"message":"missing session"}`)
			return
		}
		f.respond(w, id, `{"content":[{"type":"text","text":"ok"}]}`, "")

	default:
		f.respond(w, id, "", `{"code":-32601,"message":"method not found"}`)
	}
}

func (f *fakeMCP) respond(w http.ResponseWriter, id float64, result, rpcErr string) {
	var body string
	if rpcErr != "" {
		body = fmt.Sprintf(`{"jsonrpc":"2.0","id":%d,"error":%s}`, int64(id), rpcErr)
	} else {
		body = fmt.Sprintf(`{"jsonrpc":"2.0","id":%d,"result":%s}`, int64(id), result)
	}
	if f.sse {
		w.Header().Set("Content-Type", "text/event-stream")
		fmt.Fprintf(w, "event: message\ndata: %s\n\n", body)
		return
	}
	w.Header().Set("Content-Type", "application/json")
	fmt.Fprint(w, body)
}

func newTestPool() *pool.Pool {
	p := pool.New()
	p.Client = &http.Client{Timeout: 5 * time.Second}
	return p
}

func TestAcquireAndCall(t *testing.T) {
	fake := &fakeMCP{}
	srv := httptest.NewServer(fake)
	defer srv.Close()

	p := newTestPool()
	ctx := context.Background()

	tools, err := p.ListTools(ctx, srv.URL, nil)
	if err != nil {
		t.Fatalf("ListTools: %v", err)
	}
	if len(tools) != 1 || tools[0].Name != "echo" {
		t.Errorf("tools = %v", tools)
	}

	res, err := p.CallTool(ctx, srv.URL, nil, "echo", map[string]any{"msg": "hi"})
	if err != nil {
		t.Fatalf("CallTool: %v", err)
	}
	if len(res.Content) != 1 || res.Content[0].Text != "ok" {
		t.Errorf("result = %+v", res)
	}

	fake.mu.Lock()
	defer fake.mu.Unlock()
	if len(fake.initVersions) != 1 {
		t.Errorf("initialize called %d times, want 1 (session should be reused)", len(fake.initVersions))
	}
	if fake.initVersions[0] != "2025-03-26" {
		t.Errorf("offered protocol %s", fake.initVersions[0])
	}
}

func TestProtocolFallback(t *testing.T) {
	fake := &fakeMCP{rejectCurrent: true}
	srv := httptest.NewServer(fake)
	defer srv.Close()

	p := newTestPool()
	if _, err := p.ListTools(context.Background(), srv.URL, nil); err != nil {
		t.Fatalf("ListTools: %v", err)
	}

	fake.mu.Lock()
	defer fake.mu.Unlock()
	if len(fake.initVersions) != 2 || fake.initVersions[1] != "2024-11-05" {
		t.Errorf("initVersions = %v, want fallback to 2024-11-05", fake.initVersions)
	}
}

func TestSSEResponses(t *testing.T) {
	fake := &fakeMCP{sse: true}
	srv := httptest.NewServer(fake)
	defer srv.Close()

	p := newTestPool()
	res, err := p.CallTool(context.Background(), srv.URL, nil, "echo", nil)
	if err != nil {
		t.Fatalf("CallTool over SSE: %v", err)
	}
	if len(res.Content) != 1 || res.Content[0].Text != "ok" {
		t.Errorf("result = %+v", res)
	}
}

func TestKeyedByAuthHeaders(t *testing.T) {
	a := pool.Key("https://api.example.com/mcp", map[string]string{"Authorization": "Bearer one"})
	b := pool.Key("https://api.example.com/mcp", map[string]string{"Authorization": "Bearer two"})
	c := pool.Key("https://api.example.com/mcp", map[string]string{"Authorization": "Bearer one"})
	if a == b {
		t.Error("different credentials must produce different keys")
	}
	if a != c {
		t.Error("key must be deterministic")
	}
}

func TestSessionExpiry(t *testing.T) {
	fake := &fakeMCP{}
	srv := httptest.NewServer(fake)
	defer srv.Close()

	p := newTestPool()
	p.MaxAge = 50 * time.Millisecond
	ctx := context.Background()

	if _, err := p.ListTools(ctx, srv.URL, nil); err != nil {
		t.Fatalf("first call: %v", err)
	}
	time.Sleep(100 * time.Millisecond)
	if _, err := p.ListTools(ctx, srv.URL, nil); err != nil {
		t.Fatalf("second call: %v", err)
	}

	deadline := time.Now().Add(2 * time.Second)
	for {
		fake.mu.Lock()
		inits, deletes := len(fake.initVersions), len(fake.deletes)
		fake.mu.Unlock()
		if inits == 2 && deletes == 1 {
			break
		}
		if time.Now().After(deadline) {
			t.Fatalf("inits = %d (want 2), deletes = %d (want 1)", inits, deletes)
		}
		time.Sleep(10 * time.Millisecond)
	}
}

func TestLRUEviction(t *testing.T) {
	fake := &fakeMCP{}
	srv1 := httptest.NewServer(fake)
	defer srv1.Close()
	srv2 := httptest.NewServer(fake)
	defer srv2.Close()
	srv3 := httptest.NewServer(fake)
	defer srv3.Close()

	p := newTestPool()
	p.MaxSize = 2
	ctx := context.Background()

	for _, u := range []string{srv1.URL, srv2.URL, srv3.URL} {
		if _, err := p.Acquire(ctx, u, nil); err != nil {
			t.Fatalf("Acquire %s: %v", u, err)
		}
	}
	if p.Len() != 2 {
		t.Errorf("pool size = %d, want 2", p.Len())
	}
}

func TestRetryTransient(t *testing.T) {
	fake := &fakeMCP{callFails: 1}
	srv := httptest.NewServer(fake)
	defer srv.Close()

	p := newTestPool()
	res, err := p.CallTool(context.Background(), srv.URL, nil, "echo", nil)
	if err != nil {
		t.Fatalf("CallTool: %v", err)
	}
	if res.Content[0].Text != "ok" {
		t.Errorf("result = %+v", res)
	}

	fake.mu.Lock()
	defer fake.mu.Unlock()
	if fake.calls != 2 {
		t.Errorf("tools/call attempts = %d, want 2", fake.calls)
	}
	// The failed session was evicted, so the retry re-initialises.
	if len(fake.initVersions) != 2 {
		t.Errorf("initialize count = %d, want 2", len(fake.initVersions))
	}
}

func TestNoRetryOnRPCError(t *testing.T) {
	fake := &fakeMCP{rpcError: true}
	srv := httptest.NewServer(fake)
	defer srv.Close()

	p := newTestPool()
	_, err := p.CallTool(context.Background(), srv.URL, nil, "missing", nil)
	if err == nil {
		t.Fatal("want error")
	}

	fake.mu.Lock()
	defer fake.mu.Unlock()
	if fake.calls != 1 {
		t.Errorf("tools/call attempts = %d, want 1 (no retry)", fake.calls)
	}
}

func TestTransientClassification(t *testing.T) {
	if pool.Transient(nil) {
		t.Error("nil is not transient")
	}
	for _, code := range []int{429, 502, 503, 504} {
		if !pool.Transient(&pool.StatusError{Code: code}) {
			t.Errorf("status %d should be transient", code)
		}
	}
	for _, code := range []int{400, 401, 403, 404, 500} {
		if pool.Transient(&pool.StatusError{Code: code}) {
			t.Errorf("status %d should not be transient", code)
		}
	}
	if pool.Transient(&pool.ResponseError{Code: -32602, Message: "bad params"}) {
		t.Error("jsonrpc errors are terminal")
	}
	if !pool.Transient(context.DeadlineExceeded) {
		t.Error("deadline exceeded should be transient")
	}
}
