// Package audit persists activity and execution trails. Arguments are
// redacted and payloads truncated before anything touches the database.
package audit

import (
	"context"
	"database/sql"
	"encoding/json"
	"log/slog"
	"time"

	"github.com/mcpbox/mcpbox/common/redact"
	"github.com/mcpbox/mcpbox/internal/mgmt/store"
)

// Payloads are capped before persistence.
const (
	maxPayloadBytes   = 10 * 1024
	retentionInterval = 24 * time.Hour
)

// DefaultRetentionDays is how long log rows live unless configured.
const DefaultRetentionDays = 30

// Recorder writes audit records.
type Recorder struct {
	store         *store.Store
	logger        *slog.Logger
	retentionDays int
}

// New builds a Recorder. retentionDays <= 0 selects the default.
func New(st *store.Store, retentionDays int, logger *slog.Logger) *Recorder {
	if logger == nil {
		logger = slog.Default()
	}
	if retentionDays <= 0 {
		retentionDays = DefaultRetentionDays
	}
	return &Recorder{store: st, logger: logger, retentionDays: retentionDays}
}

// Activity records one admin action. Failures degrade to a log line; an
// audit write must never fail the action it describes.
func (r *Recorder) Activity(ctx context.Context, requestID, actor, action, target, detail string) {
	err := r.store.InsertActivityLog(ctx, &store.ActivityLog{
		RequestID: nullable(requestID),
		Actor:     nullable(actor),
		Action:    action,
		Target:    nullable(target),
		Detail:    nullable(redact.Truncate(detail, maxPayloadBytes)),
	})
	if err != nil {
		r.logger.Warn("activity log write failed", "action", action, "error", err)
	}
}

// Execution describes one tool call for the execution trail.
type Execution struct {
	RequestID  string
	ToolName   string
	Args       map[string]any
	Result     string
	Stdout     string
	Error      string
	ErrorKind  string
	Success    bool
	DurationMS int64
	ExecutedBy string
}

// Execution records one tool invocation. Secret-looking argument values
// are replaced before serialization.
func (r *Recorder) Execution(ctx context.Context, e Execution) {
	var argsJSON string
	if e.Args != nil {
		raw, err := json.Marshal(redact.Args(e.Args))
		if err != nil {
			r.logger.Warn("failed to serialize execution args", "tool", e.ToolName, "error", err)
		} else {
			argsJSON = redact.Truncate(string(raw), maxPayloadBytes)
		}
	}
	err := r.store.InsertExecutionLog(ctx, &store.ExecutionLog{
		RequestID:  nullable(e.RequestID),
		ToolName:   e.ToolName,
		InputArgs:  nullable(argsJSON),
		Result:     nullable(redact.Truncate(e.Result, maxPayloadBytes)),
		Stdout:     nullable(redact.Truncate(e.Stdout, maxPayloadBytes)),
		Error:      nullable(e.Error),
		ErrorKind:  nullable(e.ErrorKind),
		Success:    e.Success,
		DurationMS: e.DurationMS,
		ExecutedBy: nullable(e.ExecutedBy),
	})
	if err != nil {
		r.logger.Warn("execution log write failed", "tool", e.ToolName, "error", err)
	}
}

// Run prunes rows older than the retention window once a day until ctx
// is cancelled.
func (r *Recorder) Run(ctx context.Context) {
	ticker := time.NewTicker(retentionInterval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			r.prune(ctx)
		}
	}
}

func (r *Recorder) prune(ctx context.Context) {
	cutoff := time.Now().AddDate(0, 0, -r.retentionDays)
	n, err := r.store.PruneLogs(ctx, cutoff)
	if err != nil {
		r.logger.Warn("log retention prune failed", "error", err)
		return
	}
	if n > 0 {
		r.logger.Info("pruned audit logs", "removed", n, "older_than_days", r.retentionDays)
	}
}

func nullable(s string) sql.NullString {
	return sql.NullString{String: s, Valid: s != ""}
}
