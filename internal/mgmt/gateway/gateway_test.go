package gateway

import (
	"bytes"
	"context"
	"database/sql"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"path/filepath"
	"strings"
	"testing"

	"github.com/mcpbox/mcpbox/internal/mgmt/approvals"
	"github.com/mcpbox/mcpbox/internal/mgmt/audit"
	"github.com/mcpbox/mcpbox/internal/mgmt/credentials"
	"github.com/mcpbox/mcpbox/internal/mgmt/store"
	"github.com/mcpbox/mcpbox/internal/sandbox/pytool"
	sandboxserver "github.com/mcpbox/mcpbox/internal/sandbox/server"
)

var testKey = bytes.Repeat([]byte{0x17}, 32)

type fakeExec struct {
	lastReq *sandboxserver.ExecuteRequest
	result  *pytool.Result
	err     error
}

func (f *fakeExec) Execute(_ context.Context, req *sandboxserver.ExecuteRequest) (*pytool.Result, error) {
	f.lastReq = req
	if f.err != nil {
		return nil, f.err
	}
	return f.result, nil
}

func newTestGateway(t *testing.T, cfg Config, exec Executor) (*Gateway, *store.Store) {
	t.Helper()
	st, err := store.New(filepath.Join(t.TempDir(), "test.db"))
	if err != nil {
		t.Fatalf("store.New: %v", err)
	}
	t.Cleanup(func() { st.Close() })

	creds := credentials.New(testKey, st, nil)
	engine := approvals.New(st, creds, nil, nil)
	rec := audit.New(st, 0, nil)
	return New(cfg, st, creds, engine, rec, exec, nil), st
}

func rpcCall(t *testing.T, g *Gateway, headers map[string]string, body string) (*httptest.ResponseRecorder, map[string]any) {
	t.Helper()
	req := httptest.NewRequest(http.MethodPost, "/mcp", strings.NewReader(body))
	for k, v := range headers {
		req.Header.Set(k, v)
	}
	w := httptest.NewRecorder()
	g.ServeHTTP(w, req)

	var resp map[string]any
	if w.Body.Len() > 0 {
		if err := json.Unmarshal(w.Body.Bytes(), &resp); err != nil {
			t.Fatalf("response not JSON: %v: %s", err, w.Body.String())
		}
	}
	return w, resp
}

func callTool(t *testing.T, g *Gateway, name string, args map[string]any) map[string]any {
	t.Helper()
	body, _ := json.Marshal(map[string]any{
		"jsonrpc": "2.0", "id": 1, "method": "tools/call",
		"params": map[string]any{"name": name, "arguments": args},
	})
	w, resp := rpcCall(t, g, nil, string(body))
	if w.Code != http.StatusOK {
		t.Fatalf("status = %d", w.Code)
	}
	if resp["error"] != nil {
		t.Fatalf("rpc error: %v", resp["error"])
	}
	result, ok := resp["result"].(map[string]any)
	if !ok {
		t.Fatalf("no result in %v", resp)
	}
	return result
}

func resultText(t *testing.T, result map[string]any) string {
	t.Helper()
	content, ok := result["content"].([]any)
	if !ok || len(content) == 0 {
		t.Fatalf("no content in %v", result)
	}
	item := content[0].(map[string]any)
	return item["text"].(string)
}

func seedApprovedTool(t *testing.T, st *store.Store, serverName, toolName string) *store.Server {
	t.Helper()
	ctx := context.Background()
	srv := &store.Server{Name: serverName, Enabled: true}
	if err := st.CreateServer(ctx, srv); err != nil {
		t.Fatal(err)
	}
	tool := &store.Tool{
		ServerID:       srv.ID,
		Name:           toolName,
		Description:    "doubles a number",
		ToolType:       "python_code",
		PythonCode:     sql.NullString{String: "async def main(x: int):\n    return x * 2\n", Valid: true},
		InputSchema:    sql.NullString{String: `{"type":"object","properties":{"x":{"type":"integer"}}}`, Valid: true},
		Enabled:        true,
		ApprovalStatus: store.ApprovalApproved,
	}
	if err := st.CreateTool(ctx, tool, "test"); err != nil {
		t.Fatal(err)
	}
	return srv
}

func TestInitialize(t *testing.T) {
	g, _ := newTestGateway(t, Config{}, nil)

	w, resp := rpcCall(t, g, nil, `{"jsonrpc":"2.0","id":1,"method":"initialize"}`)
	if w.Code != http.StatusOK {
		t.Fatalf("status = %d", w.Code)
	}
	result := resp["result"].(map[string]any)
	if result["protocolVersion"] != protocolVersion {
		t.Errorf("protocolVersion = %v", result["protocolVersion"])
	}
	info := result["serverInfo"].(map[string]any)
	if info["name"] != "mcpbox" {
		t.Errorf("serverInfo = %v", info)
	}
}

func TestServiceTokenRequired(t *testing.T) {
	g, _ := newTestGateway(t, Config{ServiceToken: "sekrit-token"}, nil)
	body := `{"jsonrpc":"2.0","id":1,"method":"initialize"}`

	if w, _ := rpcCall(t, g, nil, body); w.Code != http.StatusUnauthorized {
		t.Errorf("no token: status = %d", w.Code)
	}
	if w, _ := rpcCall(t, g, map[string]string{"Authorization": "Bearer wrong"}, body); w.Code != http.StatusUnauthorized {
		t.Errorf("wrong token: status = %d", w.Code)
	}
	if w, _ := rpcCall(t, g, map[string]string{"Authorization": "Bearer sekrit-token"}, body); w.Code != http.StatusOK {
		t.Errorf("valid token: status = %d", w.Code)
	}
}

func TestRemoteModeEmailPolicy(t *testing.T) {
	g, st := newTestGateway(t, Config{RemoteMode: true}, nil)
	ctx := context.Background()
	policy, _ := json.Marshal(AccessPolicy{Type: PolicyEmailDomain, Domain: "example.com"})
	if err := st.SetSetting(ctx, "access_policy", string(policy), false); err != nil {
		t.Fatal(err)
	}
	body := `{"jsonrpc":"2.0","id":1,"method":"initialize"}`

	if w, _ := rpcCall(t, g, nil, body); w.Code != http.StatusUnauthorized {
		t.Errorf("no email header: status = %d", w.Code)
	}
	headers := map[string]string{accessEmailHeader: "eve@evil.test"}
	if w, _ := rpcCall(t, g, headers, body); w.Code != http.StatusUnauthorized {
		t.Errorf("wrong domain: status = %d", w.Code)
	}
	headers[accessEmailHeader] = "dev@example.com"
	if w, _ := rpcCall(t, g, headers, body); w.Code != http.StatusOK {
		t.Errorf("allowed domain: status = %d", w.Code)
	}
}

func TestPolicyChangeAppliesAfterInvalidate(t *testing.T) {
	g, st := newTestGateway(t, Config{RemoteMode: true}, nil)
	ctx := context.Background()
	policy, _ := json.Marshal(AccessPolicy{Type: PolicyEmails, Emails: []string{"a@x.test"}})
	if err := st.SetSetting(ctx, "access_policy", string(policy), false); err != nil {
		t.Fatal(err)
	}
	body := `{"jsonrpc":"2.0","id":1,"method":"initialize"}`
	headers := map[string]string{accessEmailHeader: "b@x.test"}

	if w, _ := rpcCall(t, g, headers, body); w.Code != http.StatusUnauthorized {
		t.Fatalf("b not yet allowed, status = %d", w.Code)
	}

	policy, _ = json.Marshal(AccessPolicy{Type: PolicyEmails, Emails: []string{"a@x.test", "b@x.test"}})
	if err := st.SetSetting(ctx, "access_policy", string(policy), false); err != nil {
		t.Fatal(err)
	}
	g.InvalidatePolicy()

	if w, _ := rpcCall(t, g, headers, body); w.Code != http.StatusOK {
		t.Errorf("b allowed after invalidate, status = %d", w.Code)
	}
}

func TestToolsListMergesApprovedTools(t *testing.T) {
	g, st := newTestGateway(t, Config{}, nil)
	ctx := context.Background()
	srv := seedApprovedTool(t, st, "math", "double")
	pending := &store.Tool{
		ServerID:       srv.ID,
		Name:           "unreviewed",
		ToolType:       "python_code",
		Enabled:        true,
		ApprovalStatus: store.ApprovalPendingReview,
	}
	if err := st.CreateTool(ctx, pending, "test"); err != nil {
		t.Fatal(err)
	}

	_, resp := rpcCall(t, g, nil, `{"jsonrpc":"2.0","id":1,"method":"tools/list"}`)
	tools := resp["result"].(map[string]any)["tools"].([]any)

	names := map[string]bool{}
	for _, raw := range tools {
		names[raw.(map[string]any)["name"].(string)] = true
	}
	if !names["mcpbox_list_servers"] || !names["mcpbox_approve_tool"] {
		t.Errorf("management tools missing from %v", names)
	}
	if !names["math__double"] {
		t.Errorf("approved tool missing from %v", names)
	}
	if names["math__unreviewed"] {
		t.Errorf("pending tool exposed: %v", names)
	}
}

func TestCallDomainTool(t *testing.T) {
	exec := &fakeExec{result: &pytool.Result{Success: true, Result: int64(42), DurationMS: 7}}
	g, st := newTestGateway(t, Config{}, exec)
	seedApprovedTool(t, st, "math", "double")

	result := callTool(t, g, "math__double", map[string]any{"x": 21})
	if result["isError"] == true {
		t.Fatalf("unexpected error result: %v", result)
	}
	if text := resultText(t, result); text != "42" {
		t.Errorf("text = %q", text)
	}
	if exec.lastReq.Tool != "math__double" {
		t.Errorf("executed tool = %q", exec.lastReq.Tool)
	}

	logs, err := st.ListRecentExecutions(context.Background(), 10)
	if err != nil {
		t.Fatal(err)
	}
	if len(logs) != 1 || logs[0].ToolName != "math__double" || !logs[0].Success {
		t.Errorf("execution log = %+v", logs)
	}
}

func TestCallToolFailureIsErrorResult(t *testing.T) {
	exec := &fakeExec{result: &pytool.Result{Success: false, Error: "division by zero", ErrorKind: pytool.KindToolException}}
	g, st := newTestGateway(t, Config{}, exec)
	seedApprovedTool(t, st, "math", "double")

	result := callTool(t, g, "math__double", map[string]any{"x": 0})
	if result["isError"] != true {
		t.Fatalf("expected isError: %v", result)
	}
	if text := resultText(t, result); !strings.Contains(text, "division by zero") {
		t.Errorf("text = %q", text)
	}
}

func TestCallUnknownToolHidesDetail(t *testing.T) {
	g, st := newTestGateway(t, Config{}, &fakeExec{})
	srv := seedApprovedTool(t, st, "math", "double")

	disabled := &store.Tool{
		ServerID:       srv.ID,
		Name:           "off",
		ToolType:       "python_code",
		Enabled:        false,
		ApprovalStatus: store.ApprovalApproved,
	}
	if err := st.CreateTool(context.Background(), disabled, "test"); err != nil {
		t.Fatal(err)
	}

	for _, name := range []string{"math__missing", "math__off", "nosuch__tool", "flat-name"} {
		result := callTool(t, g, name, nil)
		if result["isError"] != true {
			t.Errorf("%s: expected isError", name)
		}
		if text := resultText(t, result); !strings.Contains(text, "unknown tool") {
			t.Errorf("%s: text = %q", name, text)
		}
	}
}

func TestManagementCreateAndListServers(t *testing.T) {
	g, _ := newTestGateway(t, Config{}, nil)

	result := callTool(t, g, "mcpbox_create_server", map[string]any{"name": "weather", "description": "weather tools"})
	if result["isError"] == true {
		t.Fatalf("create failed: %v", result)
	}

	result = callTool(t, g, "mcpbox_create_server", map[string]any{"name": "weather"})
	if result["isError"] != true {
		t.Fatal("duplicate name accepted")
	}

	result = callTool(t, g, "mcpbox_list_servers", nil)
	if text := resultText(t, result); !strings.Contains(text, "weather") {
		t.Errorf("list = %s", text)
	}
}

func TestManagementCreateToolLifecycle(t *testing.T) {
	g, st := newTestGateway(t, Config{}, nil)
	ctx := context.Background()
	if err := st.CreateServer(ctx, &store.Server{Name: "math", Enabled: true}); err != nil {
		t.Fatal(err)
	}

	result := callTool(t, g, "mcpbox_create_tool", map[string]any{
		"server":      "math",
		"name":        "double",
		"python_code": "async def main(x: int):\n    return x * 2\n",
	})
	if result["isError"] == true {
		t.Fatalf("create_tool failed: %v", result)
	}
	if text := resultText(t, result); !strings.Contains(text, "awaiting approval") {
		t.Errorf("text = %q", text)
	}

	result = callTool(t, g, "mcpbox_list_pending", nil)
	text := resultText(t, result)
	if !strings.Contains(text, "double") {
		t.Fatalf("pending list = %s", text)
	}
	var pending []struct {
		ToolID string `json:"tool_id"`
	}
	if err := json.Unmarshal([]byte(text), &pending); err != nil || len(pending) != 1 {
		t.Fatalf("pending parse: %v %v", err, pending)
	}

	result = callTool(t, g, "mcpbox_approve_tool", map[string]any{"tool_id": pending[0].ToolID})
	if result["isError"] == true {
		t.Fatalf("approve failed: %v", result)
	}

	result = callTool(t, g, "mcpbox_list_pending", nil)
	if text := resultText(t, result); strings.Contains(text, "double") {
		t.Errorf("still pending after approval: %s", text)
	}
}

func TestManagementRejectsUnsafeCode(t *testing.T) {
	g, st := newTestGateway(t, Config{}, nil)
	if err := st.CreateServer(context.Background(), &store.Server{Name: "math", Enabled: true}); err != nil {
		t.Fatal(err)
	}

	result := callTool(t, g, "mcpbox_create_tool", map[string]any{
		"server":      "math",
		"name":        "escape",
		"python_code": "async def main():\n    return ().__class__\n",
	})
	if result["isError"] != true {
		t.Fatal("unsafe code accepted")
	}
}

func TestManagementMissingArgs(t *testing.T) {
	g, _ := newTestGateway(t, Config{}, nil)

	result := callTool(t, g, "mcpbox_create_server", nil)
	if result["isError"] != true {
		t.Fatal("expected isError")
	}
	if text := resultText(t, result); !strings.Contains(text, "name") {
		t.Errorf("text = %q", text)
	}
}

func TestManagementNetworkRequest(t *testing.T) {
	g, st := newTestGateway(t, Config{}, nil)
	if err := st.CreateServer(context.Background(), &store.Server{Name: "math", Enabled: true}); err != nil {
		t.Fatal(err)
	}

	result := callTool(t, g, "mcpbox_request_network_access", map[string]any{
		"server": "math", "host": "api.open-meteo.com", "reason": "forecast data",
	})
	if result["isError"] == true {
		t.Fatalf("request failed: %v", result)
	}
	if text := resultText(t, result); !strings.Contains(text, "awaiting approval") {
		t.Errorf("text = %q", text)
	}

	result = callTool(t, g, "mcpbox_request_network_access", map[string]any{
		"server": "math", "host": "api.open-meteo.com",
	})
	if result["isError"] != true {
		t.Fatal("duplicate pending request accepted")
	}
}

func TestProtocolErrors(t *testing.T) {
	g, _ := newTestGateway(t, Config{}, nil)

	_, resp := rpcCall(t, g, nil, `{not json`)
	if code := resp["error"].(map[string]any)["code"].(float64); code != codeParseError {
		t.Errorf("parse error code = %v", code)
	}

	_, resp = rpcCall(t, g, nil, `{"jsonrpc":"1.0","id":1,"method":"initialize"}`)
	if code := resp["error"].(map[string]any)["code"].(float64); code != codeInvalidRequest {
		t.Errorf("invalid request code = %v", code)
	}

	_, resp = rpcCall(t, g, nil, `{"jsonrpc":"2.0","id":1,"method":"resources/list"}`)
	if code := resp["error"].(map[string]any)["code"].(float64); code != codeMethodNotFound {
		t.Errorf("method not found code = %v", code)
	}

	_, resp = rpcCall(t, g, nil, `{"jsonrpc":"2.0","id":1,"method":"tools/call","params":{"arguments":{}}}`)
	if code := resp["error"].(map[string]any)["code"].(float64); code != codeInvalidParams {
		t.Errorf("invalid params code = %v", code)
	}
}

func TestGetRejected(t *testing.T) {
	g, _ := newTestGateway(t, Config{}, nil)
	req := httptest.NewRequest(http.MethodGet, "/mcp", nil)
	w := httptest.NewRecorder()
	g.ServeHTTP(w, req)
	if w.Code != http.StatusMethodNotAllowed {
		t.Errorf("status = %d", w.Code)
	}
}
