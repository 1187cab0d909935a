package redact_test

import (
	"strings"
	"testing"

	"github.com/mcpbox/mcpbox/common/redact"
)

func TestString(t *testing.T) {
	got := redact.String("calling with token=sk-abc123 done", "sk-abc123")
	if got != "calling with token=[REDACTED] done" {
		t.Errorf("got %q", got)
	}
}

func TestString_ShortValuesSkipped(t *testing.T) {
	got := redact.String("a be sea", "a", "be")
	if got != "a be sea" {
		t.Errorf("short values must not be redacted, got %q", got)
	}
}

func TestArgs(t *testing.T) {
	in := map[string]any{
		"query":   "weather in oslo",
		"api_key": "sk-live-xyz",
		"count":   3,
		"nested": map[string]any{
			"password": "hunter2",
			"city":     "oslo",
		},
	}
	out := redact.Args(in)

	if out["query"] != "weather in oslo" || out["count"] != 3 {
		t.Errorf("non-sensitive values changed: %v", out)
	}
	if out["api_key"] != "[REDACTED]" {
		t.Errorf("api_key not redacted: %v", out["api_key"])
	}
	nested := out["nested"].(map[string]any)
	if nested["password"] != "[REDACTED]" || nested["city"] != "oslo" {
		t.Errorf("nested redaction wrong: %v", nested)
	}
	// Original map untouched.
	if in["api_key"] != "sk-live-xyz" {
		t.Error("input map was mutated")
	}
}

func TestTruncate(t *testing.T) {
	long := strings.Repeat("x", 100)
	got := redact.Truncate(long, 10)
	if !strings.HasPrefix(got, "xxxxxxxxxx") || !strings.HasSuffix(got, "[truncated]") {
		t.Errorf("got %q", got)
	}
	if redact.Truncate("short", 100) != "short" {
		t.Error("under-limit string must be unchanged")
	}
}

func TestTruncate_UTF8Boundary(t *testing.T) {
	s := strings.Repeat("é", 10) // 2 bytes each
	got := redact.Truncate(s, 5)
	if !strings.HasSuffix(got, "[truncated]") {
		t.Fatalf("got %q", got)
	}
	trimmed := strings.TrimSuffix(got, "…[truncated]")
	for _, r := range trimmed {
		if r == '�' {
			t.Errorf("truncation split a UTF-8 sequence: %q", got)
		}
	}
}
