package server_test

import (
	"bytes"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"

	"github.com/mcpbox/mcpbox/internal/sandbox/server"
)

const testKey = "0123456789abcdef0123456789abcdef"

func newTestServer(t *testing.T, key string) *httptest.Server {
	t.Helper()
	srv := server.New(server.Config{Addr: ":0", APIKey: key, Version: "test"}, nil, nil, nil)
	ts := httptest.NewServer(srv.TestHandler())
	t.Cleanup(ts.Close)
	return ts
}

func doJSON(t *testing.T, ts *httptest.Server, key, path string, body any) *http.Response {
	t.Helper()
	payload, err := json.Marshal(body)
	if err != nil {
		t.Fatalf("marshal: %v", err)
	}
	req, err := http.NewRequest(http.MethodPost, ts.URL+path, bytes.NewReader(payload))
	if err != nil {
		t.Fatalf("build request: %v", err)
	}
	req.Header.Set("Content-Type", "application/json")
	if key != "" {
		req.Header.Set("X-API-Key", key)
	}
	resp, err := http.DefaultClient.Do(req)
	if err != nil {
		t.Fatalf("POST %s: %v", path, err)
	}
	return resp
}

func decodeResult(t *testing.T, resp *http.Response) map[string]any {
	t.Helper()
	defer resp.Body.Close()
	var out map[string]any
	if err := json.NewDecoder(resp.Body).Decode(&out); err != nil {
		t.Fatalf("decode response: %v", err)
	}
	return out
}

func registerWeather(t *testing.T, ts *httptest.Server) {
	t.Helper()
	resp := doJSON(t, ts, testKey, "/register_server", server.RegisterRequest{
		Name:           "weather",
		Secrets:        map[string]string{"API_KEY": "sk-weather"},
		AllowedModules: []string{"json"},
		Tools: []server.ToolPayload{{
			Name: "report",
			Type: "python_code",
			Code: "import os\n\nasync def main(city: str) -> str:\n    return city + \":\" + os.environ[\"API_KEY\"]\n",
		}},
	})
	resp.Body.Close()
	if resp.StatusCode != http.StatusOK {
		t.Fatalf("register: status %d", resp.StatusCode)
	}
}

func TestAuthRequired(t *testing.T) {
	ts := newTestServer(t, testKey)

	resp := doJSON(t, ts, "", "/execute", server.ExecuteRequest{Code: "async def main():\n    return 1\n"})
	resp.Body.Close()
	if resp.StatusCode != http.StatusUnauthorized {
		t.Errorf("no key: status %d, want 401", resp.StatusCode)
	}

	resp = doJSON(t, ts, "wrong-key-wrong-key-wrong-key-xx", "/execute", server.ExecuteRequest{Code: "async def main():\n    return 1\n"})
	resp.Body.Close()
	if resp.StatusCode != http.StatusUnauthorized {
		t.Errorf("wrong key: status %d, want 401", resp.StatusCode)
	}
}

func TestShortKeyDegradesService(t *testing.T) {
	ts := newTestServer(t, "too-short")

	// Everything but /health is refused, even with the configured key.
	resp := doJSON(t, ts, "too-short", "/execute", server.ExecuteRequest{Code: "async def main():\n    return 1\n"})
	resp.Body.Close()
	if resp.StatusCode != http.StatusServiceUnavailable {
		t.Errorf("execute: status %d, want 503", resp.StatusCode)
	}

	hr, err := http.Get(ts.URL + "/health")
	if err != nil {
		t.Fatalf("GET /health: %v", err)
	}
	health := decodeResult(t, hr)
	if health["status"] != "degraded" {
		t.Errorf("health status = %v, want degraded", health["status"])
	}
}

func TestHealth(t *testing.T) {
	ts := newTestServer(t, testKey)
	resp, err := http.Get(ts.URL + "/health")
	if err != nil {
		t.Fatalf("GET /health: %v", err)
	}
	health := decodeResult(t, resp)
	if health["status"] != "ok" {
		t.Errorf("status = %v", health["status"])
	}
}

func TestRegisterAndExecute(t *testing.T) {
	ts := newTestServer(t, testKey)
	registerWeather(t, ts)

	resp := doJSON(t, ts, testKey, "/execute", server.ExecuteRequest{
		Tool:      "weather__report",
		Arguments: map[string]any{"city": "lisbon"},
	})
	res := decodeResult(t, resp)
	if res["success"] != true {
		t.Fatalf("execution failed: %v", res)
	}
	if res["result"] != "lisbon:sk-weather" {
		t.Errorf("result = %v", res["result"])
	}
}

func TestExecuteValidatesArguments(t *testing.T) {
	ts := newTestServer(t, testKey)
	resp := doJSON(t, ts, testKey, "/register_server", server.RegisterRequest{
		Name: "geo",
		Tools: []server.ToolPayload{{
			Name: "locate",
			Type: "python_code",
			Code: "async def main(city: str) -> str:\n    return city.upper()\n",
			InputSchema: map[string]any{
				"type":       "object",
				"properties": map[string]any{"city": map[string]any{"type": "string"}},
				"required":   []any{"city"},
			},
		}},
	})
	resp.Body.Close()
	if resp.StatusCode != http.StatusOK {
		t.Fatalf("register: status %d", resp.StatusCode)
	}

	resp = doJSON(t, ts, testKey, "/execute", server.ExecuteRequest{
		Tool:      "geo__locate",
		Arguments: map[string]any{"city": 42},
	})
	res := decodeResult(t, resp)
	if res["success"] != false {
		t.Fatalf("wrong argument type must fail: %v", res)
	}
	if res["error_kind"] != "invalid_arguments" {
		t.Errorf("error_kind = %v, want invalid_arguments", res["error_kind"])
	}

	resp = doJSON(t, ts, testKey, "/execute", server.ExecuteRequest{
		Tool:      "geo__locate",
		Arguments: map[string]any{},
	})
	res = decodeResult(t, resp)
	if res["success"] != false || res["error_kind"] != "invalid_arguments" {
		t.Errorf("missing required argument: %v", res)
	}

	resp = doJSON(t, ts, testKey, "/execute", server.ExecuteRequest{
		Tool:      "geo__locate",
		Arguments: map[string]any{"city": "porto"},
	})
	res = decodeResult(t, resp)
	if res["success"] != true || res["result"] != "PORTO" {
		t.Errorf("valid call failed: %v", res)
	}
}

func TestUpdateSecrets(t *testing.T) {
	ts := newTestServer(t, testKey)
	registerWeather(t, ts)

	resp := doJSON(t, ts, testKey, "/update_server_secrets", map[string]any{
		"name":    "weather",
		"secrets": map[string]string{"API_KEY": "sk-rotated"},
	})
	resp.Body.Close()
	if resp.StatusCode != http.StatusOK {
		t.Fatalf("update secrets: status %d", resp.StatusCode)
	}

	resp = doJSON(t, ts, testKey, "/execute", server.ExecuteRequest{
		Tool:      "weather__report",
		Arguments: map[string]any{"city": "porto"},
	})
	res := decodeResult(t, resp)
	if res["result"] != "porto:sk-rotated" {
		t.Errorf("result = %v, want rotated secret", res["result"])
	}
}

func TestUpdateSecretsUnknownServer(t *testing.T) {
	ts := newTestServer(t, testKey)
	resp := doJSON(t, ts, testKey, "/update_server_secrets", map[string]any{
		"name":    "ghost",
		"secrets": map[string]string{},
	})
	resp.Body.Close()
	if resp.StatusCode != http.StatusNotFound {
		t.Errorf("status %d, want 404", resp.StatusCode)
	}
}

func TestUnregister(t *testing.T) {
	ts := newTestServer(t, testKey)
	registerWeather(t, ts)

	resp := doJSON(t, ts, testKey, "/unregister_server", map[string]string{"name": "weather"})
	resp.Body.Close()
	if resp.StatusCode != http.StatusOK {
		t.Fatalf("unregister: status %d", resp.StatusCode)
	}

	resp = doJSON(t, ts, testKey, "/execute", server.ExecuteRequest{Tool: "weather__report"})
	resp.Body.Close()
	if resp.StatusCode != http.StatusNotFound {
		t.Errorf("execute after unregister: status %d, want 404", resp.StatusCode)
	}

	// Unregistering again is idempotent.
	resp = doJSON(t, ts, testKey, "/unregister_server", map[string]string{"name": "weather"})
	resp.Body.Close()
	if resp.StatusCode != http.StatusOK {
		t.Errorf("second unregister: status %d", resp.StatusCode)
	}
}

func TestNetworkModeIsolatedDeniesEgress(t *testing.T) {
	ts := newTestServer(t, testKey)
	resp := doJSON(t, ts, testKey, "/register_server", server.RegisterRequest{
		Name:        "airgap",
		NetworkMode: "isolated",
		Tools: []server.ToolPayload{{
			Name: "fetch",
			Type: "python_code",
			Code: "async def main(http):\n    r = await http.get(\"http://api.example.com/\")\n    return r.status_code\n",
		}},
	})
	resp.Body.Close()
	if resp.StatusCode != http.StatusOK {
		t.Fatalf("register: status %d", resp.StatusCode)
	}

	resp = doJSON(t, ts, testKey, "/execute", server.ExecuteRequest{
		Tool:      "airgap__fetch",
		Arguments: map[string]any{},
	})
	res := decodeResult(t, resp)
	if res["success"] != false {
		t.Fatalf("isolated server must not reach the network: %v", res)
	}
	if res["error_kind"] != "http_ssrf" {
		t.Errorf("error_kind = %v, want http_ssrf", res["error_kind"])
	}
	if msg, _ := res["error"].(string); !strings.Contains(msg, "isolated") {
		t.Errorf("error = %q, should name the isolated mode", msg)
	}
}

func TestAllowlistModeEmptyDeniesEgress(t *testing.T) {
	ts := newTestServer(t, testKey)
	resp := doJSON(t, ts, testKey, "/register_server", server.RegisterRequest{
		Name:        "nohosts",
		NetworkMode: "allowlist",
		Tools: []server.ToolPayload{{
			Name: "fetch",
			Type: "python_code",
			Code: "async def main(http):\n    r = await http.get(\"http://8.8.8.8/\")\n    return r.status_code\n",
		}},
	})
	resp.Body.Close()
	if resp.StatusCode != http.StatusOK {
		t.Fatalf("register: status %d", resp.StatusCode)
	}

	// 8.8.8.8 is a public literal, so it passes validation without DNS and
	// the rejection can only come from the empty allowlist.
	resp = doJSON(t, ts, testKey, "/execute", server.ExecuteRequest{
		Tool:      "nohosts__fetch",
		Arguments: map[string]any{},
	})
	res := decodeResult(t, resp)
	if res["success"] != false {
		t.Fatalf("server with no approved hosts must not reach the network: %v", res)
	}
	if res["error_kind"] != "http_ssrf" {
		t.Errorf("error_kind = %v, want http_ssrf", res["error_kind"])
	}
	if msg, _ := res["error"].(string); !strings.Contains(msg, "allowlist") {
		t.Errorf("error = %q, should name the allowlist", msg)
	}
}

func TestCircuits(t *testing.T) {
	ts := newTestServer(t, testKey)

	req, err := http.NewRequest(http.MethodGet, ts.URL+"/circuits", nil)
	if err != nil {
		t.Fatalf("build request: %v", err)
	}
	req.Header.Set("X-API-Key", testKey)
	resp, err := http.DefaultClient.Do(req)
	if err != nil {
		t.Fatalf("GET /circuits: %v", err)
	}
	defer resp.Body.Close()
	if resp.StatusCode != http.StatusOK {
		t.Fatalf("status %d", resp.StatusCode)
	}
	var circuits []map[string]any
	if err := json.NewDecoder(resp.Body).Decode(&circuits); err != nil {
		t.Fatalf("decode: %v", err)
	}
	if len(circuits) != 0 {
		t.Errorf("fresh server should have no circuits: %v", circuits)
	}
}

func TestAdHocExecution(t *testing.T) {
	ts := newTestServer(t, testKey)
	resp := doJSON(t, ts, testKey, "/execute", server.ExecuteRequest{
		Code:      "async def main(x: int) -> int:\n    return x + 1\n",
		Arguments: map[string]any{"x": 41},
	})
	res := decodeResult(t, resp)
	if res["success"] != true || res["result"] != float64(42) {
		t.Errorf("result = %v", res)
	}
}

func TestExecuteRequiresToolOrCode(t *testing.T) {
	ts := newTestServer(t, testKey)
	resp := doJSON(t, ts, testKey, "/execute", server.ExecuteRequest{})
	resp.Body.Close()
	if resp.StatusCode != http.StatusBadRequest {
		t.Errorf("status %d, want 400", resp.StatusCode)
	}
}

func TestPassthroughBlockedURL(t *testing.T) {
	ts := newTestServer(t, testKey)
	resp := doJSON(t, ts, testKey, "/register_server", server.RegisterRequest{
		Name: "ext",
		Tools: []server.ToolPayload{{
			Name:             "lookup",
			Type:             "mcp_passthrough",
			ExternalURL:      "http://10.0.0.5/mcp",
			ExternalToolName: "lookup",
		}},
	})
	resp.Body.Close()

	resp = doJSON(t, ts, testKey, "/execute", server.ExecuteRequest{
		Tool:      "ext__lookup",
		Arguments: map[string]any{},
	})
	res := decodeResult(t, resp)
	if res["success"] != false {
		t.Fatalf("call to private address must fail: %v", res)
	}
	if res["error_kind"] != "http_ssrf" {
		t.Errorf("error_kind = %v, want http_ssrf", res["error_kind"])
	}
}

func TestDiscoverRejectsInternalURL(t *testing.T) {
	ts := newTestServer(t, testKey)
	resp := doJSON(t, ts, testKey, "/discover_external_tools", server.DiscoverRequest{
		URL: "http://169.254.169.254/latest/meta-data",
	})
	defer resp.Body.Close()
	if resp.StatusCode != http.StatusBadRequest {
		t.Errorf("status %d, want 400", resp.StatusCode)
	}
	var body map[string]string
	json.NewDecoder(resp.Body).Decode(&body)
	if !strings.Contains(body["error"], "169.254.169.254") {
		t.Errorf("error should name the blocked address: %v", body)
	}
}
