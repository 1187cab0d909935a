// Package approvals runs the human-in-the-loop lifecycle for tools,
// network access and runtime modules, and keeps the sandbox registration
// in sync with every decision.
package approvals

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"

	"github.com/mcpbox/mcpbox/internal/mgmt/credentials"
	"github.com/mcpbox/mcpbox/internal/mgmt/notify"
	"github.com/mcpbox/mcpbox/internal/mgmt/store"
	sandboxserver "github.com/mcpbox/mcpbox/internal/sandbox/server"
)

// Registrar is the slice of the sandbox client the engine needs.
type Registrar interface {
	RegisterServer(ctx context.Context, req *sandboxserver.RegisterRequest) error
	UnregisterServer(ctx context.Context, name string) error
}

// Engine decides approval requests and propagates the results.
type Engine struct {
	store    *store.Store
	creds    *credentials.Service
	registry Registrar
	notifier notify.Notifier
	logger   *slog.Logger
}

// New builds an Engine. registry may be nil when no sandbox is attached;
// decisions then only touch the database.
func New(st *store.Store, creds *credentials.Service, registry Registrar, logger *slog.Logger) *Engine {
	if logger == nil {
		logger = slog.Default()
	}
	return &Engine{store: st, creds: creds, registry: registry, notifier: notify.Noop{}, logger: logger}
}

// SetNotifier routes lifecycle events to a room notifier. The default is
// a no-op.
func (e *Engine) SetNotifier(n notify.Notifier) {
	if n != nil {
		e.notifier = n
	}
}

// ApproveTool marks a tool approved and re-registers its server so the
// sandbox picks up the newly callable tool.
func (e *Engine) ApproveTool(ctx context.Context, toolID, actor string) error {
	if err := e.store.SetToolApproval(ctx, toolID, store.ApprovalApproved, actor); err != nil {
		return err
	}
	tool, err := e.store.GetTool(ctx, toolID)
	if err != nil {
		return err
	}
	e.logger.Info("tool approved", "tool_id", toolID, "actor", actor)
	e.notifier.Notify(ctx, notify.Event{
		Kind: notify.KindToolApproved, Actor: actor, Target: tool.Name,
		Message: "tool approved and registered",
	})
	return e.SyncServer(ctx, tool.ServerID)
}

// RejectTool marks a tool rejected. A previously approved tool drops out
// of the sandbox on the follow-up sync.
func (e *Engine) RejectTool(ctx context.Context, toolID, actor string) error {
	if err := e.store.SetToolApproval(ctx, toolID, store.ApprovalRejected, actor); err != nil {
		return err
	}
	tool, err := e.store.GetTool(ctx, toolID)
	if err != nil {
		return err
	}
	e.logger.Info("tool rejected", "tool_id", toolID, "actor", actor)
	e.notifier.Notify(ctx, notify.Event{
		Kind: notify.KindToolRejected, Actor: actor, Target: tool.Name,
		Message: "tool rejected",
	})
	return e.SyncServer(ctx, tool.ServerID)
}

// RequestNetworkAccess files a pending request for one outbound host.
func (e *Engine) RequestNetworkAccess(ctx context.Context, serverID, toolID, host, reason, requestedBy string) (*store.NetworkAccessRequest, error) {
	r := &store.NetworkAccessRequest{
		ServerID:    serverID,
		ToolID:      sql.NullString{String: toolID, Valid: toolID != ""},
		Host:        host,
		Reason:      reason,
		RequestedBy: sql.NullString{String: requestedBy, Valid: requestedBy != ""},
	}
	if err := e.store.CreateNetworkRequest(ctx, r); err != nil {
		return nil, err
	}
	if auto, err := e.autoApprove(ctx, "auto_approve_network"); err == nil && auto {
		return e.DecideNetworkRequest(ctx, r.ID, store.RequestApproved, "policy:auto")
	}
	e.notifier.Notify(ctx, notify.Event{
		Kind: notify.KindNetworkRequested, Actor: requestedBy, Target: host,
		Message: "outbound network access requested: " + reason,
	})
	return r, nil
}

// RequestModule files a pending request for one runtime module.
func (e *Engine) RequestModule(ctx context.Context, serverID, toolID, module, reason, requestedBy string) (*store.ModuleRequest, error) {
	r := &store.ModuleRequest{
		ServerID:    serverID,
		ToolID:      sql.NullString{String: toolID, Valid: toolID != ""},
		Module:      module,
		Reason:      reason,
		RequestedBy: sql.NullString{String: requestedBy, Valid: requestedBy != ""},
	}
	if err := e.store.CreateModuleRequest(ctx, r); err != nil {
		return nil, err
	}
	if auto, err := e.autoApprove(ctx, "auto_approve_modules"); err == nil && auto {
		return e.DecideModuleRequest(ctx, r.ID, store.RequestApproved, "policy:auto")
	}
	e.notifier.Notify(ctx, notify.Event{
		Kind: notify.KindModuleRequested, Actor: requestedBy, Target: module,
		Message: "runtime module requested: " + reason,
	})
	return r, nil
}

// DecideNetworkRequest resolves a pending network request and syncs the
// server's allowlist on approval.
func (e *Engine) DecideNetworkRequest(ctx context.Context, id, status, actor string) (*store.NetworkAccessRequest, error) {
	r, err := e.store.DecideNetworkRequest(ctx, id, status, actor)
	if err != nil {
		return nil, err
	}
	e.logger.Info("network request decided", "request_id", id, "status", status, "host", r.Host)
	e.notifier.Notify(ctx, notify.Event{
		Kind: decisionKind(status), Actor: actor, Target: r.Host,
		Message: "network request " + status,
	})
	if status == store.RequestApproved {
		if err := e.SyncServer(ctx, r.ServerID); err != nil {
			return r, err
		}
	}
	return r, nil
}

// DecideModuleRequest resolves a pending module request.
func (e *Engine) DecideModuleRequest(ctx context.Context, id, status, actor string) (*store.ModuleRequest, error) {
	r, err := e.store.DecideModuleRequest(ctx, id, status, actor)
	if err != nil {
		return nil, err
	}
	e.logger.Info("module request decided", "request_id", id, "status", status, "module", r.Module)
	e.notifier.Notify(ctx, notify.Event{
		Kind: decisionKind(status), Actor: actor, Target: r.Module,
		Message: "module request " + status,
	})
	if status == store.RequestApproved {
		if err := e.SyncServer(ctx, r.ServerID); err != nil {
			return r, err
		}
	}
	return r, nil
}

// ForgetServer drops a deleted server's sandbox registration. The row is
// already gone, so a failed unregister only warrants a warning.
func (e *Engine) ForgetServer(ctx context.Context, name string) {
	if e.registry == nil {
		return
	}
	if err := e.registry.UnregisterServer(ctx, name); err != nil {
		e.logger.Warn("failed to unregister deleted server", "server", name, "error", err)
	}
}

// AutoApproveTools reports whether tool edits bypass review under the
// current profile.
func (e *Engine) AutoApproveTools(ctx context.Context) bool {
	auto, err := e.autoApprove(ctx, "auto_approve_tools")
	return err == nil && auto
}

// SyncServer pushes a server's current approved state to the sandbox:
// enabled approved tools, decrypted secrets and the union of static and
// request-approved allowlists. The push is idempotent; registering an
// already registered server replaces it.
func (e *Engine) SyncServer(ctx context.Context, serverID string) error {
	if e.registry == nil {
		return nil
	}
	srv, err := e.store.GetServer(ctx, serverID)
	if err != nil {
		return err
	}
	if !srv.Enabled {
		if err := e.registry.UnregisterServer(ctx, srv.Name); err != nil {
			e.logger.Warn("failed to unregister disabled server", "server", srv.Name, "error", err)
		}
		return nil
	}

	req, err := e.buildRegistration(ctx, srv)
	if err != nil {
		return err
	}
	if err := e.registry.RegisterServer(ctx, req); err != nil {
		return fmt.Errorf("register server %q: %w", srv.Name, err)
	}
	e.logger.Info("server synced to sandbox", "server", srv.Name, "tools", len(req.Tools))
	return nil
}

func (e *Engine) buildRegistration(ctx context.Context, srv *store.Server) (*sandboxserver.RegisterRequest, error) {
	tools, err := e.store.ListTools(ctx, srv.ID)
	if err != nil {
		return nil, err
	}
	var payloads []sandboxserver.ToolPayload
	for _, t := range tools {
		if !t.Enabled || t.ApprovalStatus != store.ApprovalApproved {
			continue
		}
		p := sandboxserver.ToolPayload{
			Name:        t.Name,
			Description: t.Description,
			Type:        t.ToolType,
			Code:        t.PythonCode.String,
			TimeoutMS:   t.TimeoutMS,
		}
		if t.InputSchema.Valid && t.InputSchema.String != "" {
			var schema map[string]any
			if err := json.Unmarshal([]byte(t.InputSchema.String), &schema); err != nil {
				e.logger.Warn("skipping corrupt input schema", "tool_id", t.ID, "error", err)
			} else {
				p.InputSchema = schema
			}
		}
		if t.ExternalSourceID.Valid {
			src, err := e.store.GetExternalSource(ctx, t.ExternalSourceID.String)
			if err != nil && !errors.Is(err, store.ErrNotFound) {
				return nil, err
			}
			if src != nil {
				p.ExternalURL = src.URL
				p.ExternalToolName = t.ExternalToolName.String
			}
		}
		payloads = append(payloads, p)
	}

	secrets, err := e.decryptSecrets(ctx, srv.ID)
	if err != nil {
		return nil, err
	}

	approvedHosts, err := e.store.ApprovedHosts(ctx, srv.ID)
	if err != nil {
		return nil, err
	}
	approvedModules, err := e.store.ApprovedModules(ctx, srv.ID)
	if err != nil {
		return nil, err
	}

	return &sandboxserver.RegisterRequest{
		Name:             srv.Name,
		HelperCode:       srv.HelperCode,
		Secrets:          secrets,
		AllowedModules:   union(srv.AllowedModules, approvedModules),
		AllowedHosts:     union(srv.AllowedHosts, approvedHosts),
		NetworkMode:      srv.NetworkMode,
		DefaultTimeoutMS: srv.DefaultTimeoutMS,
		Tools:            payloads,
	}, nil
}

func (e *Engine) decryptSecrets(ctx context.Context, serverID string) (map[string]string, error) {
	rows, err := e.store.ListServerSecrets(ctx, serverID)
	if err != nil {
		return nil, err
	}
	if len(rows) == 0 {
		return nil, nil
	}
	out := make(map[string]string, len(rows))
	for _, row := range rows {
		value, err := e.creds.OpenSecret(row.KeyName, row.ValueEncrypted)
		if err != nil {
			e.logger.Warn("server secret failed to decrypt, omitting",
				"server_id", serverID, "key", row.KeyName)
			continue
		}
		out[row.KeyName] = value
	}
	return out, nil
}

func (e *Engine) autoApprove(ctx context.Context, key string) (bool, error) {
	setting, err := e.store.GetSetting(ctx, key)
	if errors.Is(err, store.ErrNotFound) {
		return false, nil
	}
	if err != nil {
		return false, err
	}
	return setting.Value.String == "true", nil
}

func decisionKind(status string) notify.Kind {
	if status == store.RequestApproved {
		return notify.KindRequestApproved
	}
	return notify.KindRequestDenied
}

func union(a, b []string) []string {
	seen := make(map[string]struct{}, len(a)+len(b))
	var out []string
	for _, s := range append(append([]string{}, a...), b...) {
		if _, dup := seen[s]; dup {
			continue
		}
		seen[s] = struct{}{}
		out = append(out, s)
	}
	return out
}
