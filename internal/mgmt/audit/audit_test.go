package audit

import (
	"context"
	"path/filepath"
	"strings"
	"testing"

	"github.com/mcpbox/mcpbox/internal/mgmt/store"
)

func newTestRecorder(t *testing.T) (*Recorder, *store.Store) {
	t.Helper()
	st, err := store.New(filepath.Join(t.TempDir(), "test.db"))
	if err != nil {
		t.Fatalf("store.New: %v", err)
	}
	t.Cleanup(func() { st.Close() })
	return New(st, 30, nil), st
}

func TestExecutionRedactsArgs(t *testing.T) {
	r, st := newTestRecorder(t)
	ctx := context.Background()

	r.Execution(ctx, Execution{
		RequestID: "req-1",
		ToolName:  "weather__report",
		Args: map[string]any{
			"city":    "lisbon",
			"api_key": "sk-secret-value",
		},
		Result:     `{"temp": 21}`,
		Success:    true,
		DurationMS: 42,
		ExecutedBy: "client",
	})

	logs, err := st.ListRecentExecutions(ctx, 10)
	if err != nil {
		t.Fatal(err)
	}
	if len(logs) != 1 {
		t.Fatalf("logs = %d", len(logs))
	}
	args := logs[0].InputArgs.String
	if strings.Contains(args, "sk-secret-value") {
		t.Errorf("secret leaked into args: %s", args)
	}
	if !strings.Contains(args, "[REDACTED]") {
		t.Errorf("no redaction marker in %s", args)
	}
	if !strings.Contains(args, "lisbon") {
		t.Errorf("benign arg lost: %s", args)
	}
}

func TestExecutionTruncatesPayloads(t *testing.T) {
	r, st := newTestRecorder(t)
	ctx := context.Background()

	r.Execution(ctx, Execution{
		ToolName: "big",
		Result:   strings.Repeat("x", 64*1024),
		Success:  true,
	})

	logs, err := st.ListRecentExecutions(ctx, 10)
	if err != nil {
		t.Fatal(err)
	}
	result := logs[0].Result.String
	if len(result) > maxPayloadBytes+32 {
		t.Errorf("result length = %d", len(result))
	}
	if !strings.HasSuffix(result, "[truncated]") {
		t.Errorf("missing truncation marker: ...%s", result[len(result)-24:])
	}
}

func TestActivityRoundTrip(t *testing.T) {
	r, st := newTestRecorder(t)
	ctx := context.Background()

	r.Activity(ctx, "req-9", "admin", "tool.approve", "tool-id-1", "approved via panel")

	logs, err := st.ListRecentActivity(ctx, 10)
	if err != nil {
		t.Fatal(err)
	}
	if len(logs) != 1 {
		t.Fatalf("logs = %d", len(logs))
	}
	l := logs[0]
	if l.Action != "tool.approve" || l.Actor.String != "admin" || l.Target.String != "tool-id-1" {
		t.Errorf("log = %+v", l)
	}
}

func TestPruneHonorsRetention(t *testing.T) {
	r, st := newTestRecorder(t)
	ctx := context.Background()

	r.Activity(ctx, "", "admin", "recent.action", "", "")
	// Backdate one row beyond the retention window.
	if _, err := st.DB().Exec(
		"UPDATE activity_logs SET created_at = datetime('now', '-60 days') WHERE action = 'recent.action'"); err != nil {
		t.Fatal(err)
	}
	r.Activity(ctx, "", "admin", "fresh.action", "", "")

	r.prune(ctx)

	logs, err := st.ListRecentActivity(ctx, 10)
	if err != nil {
		t.Fatal(err)
	}
	if len(logs) != 1 || logs[0].Action != "fresh.action" {
		t.Errorf("logs after prune = %+v", logs)
	}
}
