package sandbox

import (
	"context"
	"errors"
	"net/http/httptest"
	"strings"
	"testing"

	"github.com/mcpbox/mcpbox/internal/sandbox/registry"
	sandboxserver "github.com/mcpbox/mcpbox/internal/sandbox/server"
)

const testKey = "0123456789abcdef0123456789abcdef"

func newTestClient(t *testing.T) *Client {
	t.Helper()
	srv := sandboxserver.New(sandboxserver.Config{APIKey: testKey, Version: "test"},
		registry.New(), nil, nil)
	ts := httptest.NewServer(srv.TestHandler())
	t.Cleanup(ts.Close)

	c := NewClient(ts.URL, testKey)
	c.SetHTTPClient(ts.Client())
	return c
}

func TestHealth(t *testing.T) {
	c := newTestClient(t)
	h, err := c.Health(context.Background())
	if err != nil {
		t.Fatalf("Health: %v", err)
	}
	if h.Status != "ok" {
		t.Errorf("Status = %q, want ok", h.Status)
	}
}

func TestRegisterAndExecute(t *testing.T) {
	c := newTestClient(t)
	ctx := context.Background()

	err := c.RegisterServer(ctx, &sandboxserver.RegisterRequest{
		Name: "math",
		Tools: []sandboxserver.ToolPayload{{
			Name: "double",
			Type: "python_code",
			Code: "def main(x):\n    return x * 2\n",
		}},
	})
	if err != nil {
		t.Fatalf("RegisterServer: %v", err)
	}

	res, err := c.Execute(ctx, &sandboxserver.ExecuteRequest{
		Tool:      "math__double",
		Arguments: map[string]any{"x": int64(21)},
	})
	if err != nil {
		t.Fatalf("Execute: %v", err)
	}
	if !res.Success {
		t.Fatalf("execution failed: %s", res.Error)
	}
	if res.Result != int64(42) && res.Result != float64(42) {
		t.Errorf("Result = %v (%T)", res.Result, res.Result)
	}
}

func TestUpdateSecretsAndUnregister(t *testing.T) {
	c := newTestClient(t)
	ctx := context.Background()

	if err := c.RegisterServer(ctx, &sandboxserver.RegisterRequest{Name: "s"}); err != nil {
		t.Fatal(err)
	}
	if err := c.UpdateServerSecrets(ctx, "s", map[string]string{"API_KEY": "v"}); err != nil {
		t.Fatalf("UpdateServerSecrets: %v", err)
	}
	if err := c.UnregisterServer(ctx, "s"); err != nil {
		t.Fatalf("UnregisterServer: %v", err)
	}

	var se *StatusError
	err := c.UpdateServerSecrets(ctx, "s", map[string]string{"API_KEY": "v"})
	if !errors.As(err, &se) || se.Code != 404 {
		t.Errorf("after unregister = %v, want 404 StatusError", err)
	}
}

func TestBadAPIKeyRejected(t *testing.T) {
	srv := sandboxserver.New(sandboxserver.Config{APIKey: testKey, Version: "test"},
		registry.New(), nil, nil)
	ts := httptest.NewServer(srv.TestHandler())
	defer ts.Close()

	c := NewClient(ts.URL, "wrong-key-wrong-key-wrong-key-32")
	c.SetHTTPClient(ts.Client())

	var se *StatusError
	err := c.RegisterServer(context.Background(), &sandboxserver.RegisterRequest{Name: "s"})
	if !errors.As(err, &se) || se.Code != 401 {
		t.Errorf("wrong key = %v, want 401 StatusError", err)
	}
}

func TestUnreachableSandbox(t *testing.T) {
	c := NewClient("http://127.0.0.1:1", testKey)
	_, err := c.Health(context.Background())
	if !errors.Is(err, ErrUnavailable) {
		t.Errorf("dead endpoint = %v, want ErrUnavailable", err)
	}
	if !strings.Contains(err.Error(), "sandbox unavailable") {
		t.Errorf("error text = %q", err)
	}
}
