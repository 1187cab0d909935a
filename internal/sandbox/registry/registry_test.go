package registry_test

import (
	"testing"

	"github.com/mcpbox/mcpbox/internal/sandbox/registry"
)

func sampleServer() *registry.Server {
	return &registry.Server{
		Name:           "weather",
		Secrets:        map[string]string{"API_KEY": "sk-1"},
		AllowedModules: []string{"json"},
		Tools: []registry.Tool{
			{Name: "forecast", Type: registry.ToolTypePython, Code: "def main(city):\n    return city\n"},
			{Name: "lookup", Type: registry.ToolTypePassthrough, ExternalURL: "https://mcp.example.com", ExternalToolName: "lookup"},
		},
	}
}

func TestRegister_ReplacesAtomically(t *testing.T) {
	r := registry.New()
	if err := r.Register(sampleServer()); err != nil {
		t.Fatalf("Register: %v", err)
	}

	// Re-register with a smaller tool set; the old tools must be gone.
	replacement := sampleServer()
	replacement.Tools = replacement.Tools[:1]
	if err := r.Register(replacement); err != nil {
		t.Fatalf("re-register: %v", err)
	}

	if _, _, err := r.Lookup("weather__lookup"); err == nil {
		t.Error("stale tool survived re-registration")
	}
	if _, _, err := r.Lookup("weather__forecast"); err != nil {
		t.Errorf("surviving tool not found: %v", err)
	}
}

func TestLookup(t *testing.T) {
	r := registry.New()
	r.Register(sampleServer())

	srv, tool, err := r.Lookup("weather__forecast")
	if err != nil {
		t.Fatalf("Lookup: %v", err)
	}
	if srv.Name != "weather" || tool.Name != "forecast" {
		t.Errorf("got %s / %s", srv.Name, tool.Name)
	}

	for _, bad := range []string{"forecast", "weather__missing", "ghost__forecast", "__x", "x__"} {
		if _, _, err := r.Lookup(bad); err == nil {
			t.Errorf("Lookup(%q) succeeded, want error", bad)
		}
	}
}

func TestUnregister_Idempotent(t *testing.T) {
	r := registry.New()
	r.Register(sampleServer())
	r.Unregister("weather")
	r.Unregister("weather") // no-op

	if _, ok := r.Server("weather"); ok {
		t.Error("server still present after unregister")
	}
}

func TestUpdateSecrets(t *testing.T) {
	r := registry.New()
	r.Register(sampleServer())

	if err := r.UpdateSecrets("weather", map[string]string{"API_KEY": "sk-2"}); err != nil {
		t.Fatalf("UpdateSecrets: %v", err)
	}
	srv, _ := r.Server("weather")
	if srv.Secrets["API_KEY"] != "sk-2" {
		t.Errorf("secret = %q", srv.Secrets["API_KEY"])
	}

	if err := r.UpdateSecrets("ghost", nil); err == nil {
		t.Error("UpdateSecrets on unknown server must fail")
	}
}

func TestListTools_QualifiedNames(t *testing.T) {
	r := registry.New()
	r.Register(sampleServer())

	tools := r.ListTools()
	if len(tools) != 2 {
		t.Fatalf("len = %d", len(tools))
	}
	names := map[string]bool{}
	for _, tl := range tools {
		names[tl.Name] = true
	}
	if !names["weather__forecast"] || !names["weather__lookup"] {
		t.Errorf("names: %v", names)
	}
}

func TestSplitToolName(t *testing.T) {
	cases := []struct {
		in           string
		server, tool string
		ok           bool
	}{
		{"weather__forecast", "weather", "forecast", true},
		{"a__b__c", "a", "b__c", true},
		{"plain", "", "", false},
		{"__x", "", "", false},
		{"x__", "", "", false},
	}
	for _, tc := range cases {
		s, tl, ok := registry.SplitToolName(tc.in)
		if s != tc.server || tl != tc.tool || ok != tc.ok {
			t.Errorf("SplitToolName(%q) = %q, %q, %v", tc.in, s, tl, ok)
		}
	}
}
