package gateway

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"strings"

	"github.com/mcpbox/mcpbox/internal/mgmt/store"
	"github.com/mcpbox/mcpbox/internal/sandbox/pytool"
)

// managementTools are the in-process mcpbox_* tools, always present in
// tools/list regardless of sandbox health.
var managementTools = []Tool{
	{
		Name:        "mcpbox_list_servers",
		Description: "List the configured tool servers with their status",
		InputSchema: schema(nil, nil),
	},
	{
		Name:        "mcpbox_create_server",
		Description: "Create a new tool server (a namespace for tools)",
		InputSchema: schema(map[string]string{"name": "string", "description": "string"}, []string{"name"}),
	},
	{
		Name:        "mcpbox_create_tool",
		Description: "Create a Python tool on a server; it starts unapproved",
		InputSchema: schema(map[string]string{
			"server": "string", "name": "string", "description": "string", "python_code": "string",
		}, []string{"server", "name", "python_code"}),
	},
	{
		Name:        "mcpbox_set_secret",
		Description: "Set an encrypted secret available to a server's tools",
		InputSchema: schema(map[string]string{"server": "string", "key": "string", "value": "string"}, []string{"server", "key", "value"}),
	},
	{
		Name:        "mcpbox_list_pending",
		Description: "List tools awaiting review",
		InputSchema: schema(nil, nil),
	},
	{
		Name:        "mcpbox_approve_tool",
		Description: "Approve a pending tool so it becomes callable",
		InputSchema: schema(map[string]string{"tool_id": "string"}, []string{"tool_id"}),
	},
	{
		Name:        "mcpbox_reject_tool",
		Description: "Reject a pending tool",
		InputSchema: schema(map[string]string{"tool_id": "string"}, []string{"tool_id"}),
	},
	{
		Name:        "mcpbox_request_network_access",
		Description: "Request outbound network access to a host for a server",
		InputSchema: schema(map[string]string{"server": "string", "host": "string", "reason": "string"}, []string{"server", "host"}),
	},
	{
		Name:        "mcpbox_request_module",
		Description: "Request a runtime module for a server",
		InputSchema: schema(map[string]string{"server": "string", "module": "string", "reason": "string"}, []string{"server", "module"}),
	},
}

func schema(props map[string]string, required []string) map[string]any {
	properties := map[string]any{}
	for name, typ := range props {
		properties[name] = map[string]any{"type": typ}
	}
	s := map[string]any{"type": "object", "properties": properties}
	if len(required) > 0 {
		s["required"] = required
	}
	return s
}

// callManagementTool dispatches one mcpbox_* call. Validation failures
// come back as isError results with a usable message; anything internal
// is masked by the caller.
func (g *Gateway) callManagementTool(ctx context.Context, name, actor string, args map[string]any) (*CallResult, error) {
	switch name {
	case "mcpbox_list_servers":
		return g.toolListServers(ctx)
	case "mcpbox_create_server":
		return g.toolCreateServer(ctx, actor, args)
	case "mcpbox_create_tool":
		return g.toolCreateTool(ctx, actor, args)
	case "mcpbox_set_secret":
		return g.toolSetSecret(ctx, actor, args)
	case "mcpbox_list_pending":
		return g.toolListPending(ctx)
	case "mcpbox_approve_tool":
		return g.toolDecideTool(ctx, actor, args, true)
	case "mcpbox_reject_tool":
		return g.toolDecideTool(ctx, actor, args, false)
	case "mcpbox_request_network_access":
		return g.toolRequestNetwork(ctx, actor, args)
	case "mcpbox_request_module":
		return g.toolRequestModule(ctx, actor, args)
	default:
		return errorResult(fmt.Sprintf("unknown management tool %q", name)), nil
	}
}

func (g *Gateway) toolListServers(ctx context.Context) (*CallResult, error) {
	servers, err := g.store.ListServers(ctx)
	if err != nil {
		return nil, err
	}
	type row struct {
		Name      string `json:"name"`
		Enabled   bool   `json:"enabled"`
		ToolCount int    `json:"tool_count"`
	}
	rows := make([]row, 0, len(servers))
	for _, s := range servers {
		tools, err := g.store.ListTools(ctx, s.ID)
		if err != nil {
			return nil, err
		}
		rows = append(rows, row{Name: s.Name, Enabled: s.Enabled, ToolCount: len(tools)})
	}
	return jsonResult(rows)
}

func (g *Gateway) toolCreateServer(ctx context.Context, actor string, args map[string]any) (*CallResult, error) {
	name, ok := stringArg(args, "name")
	if !ok {
		return errorResult("missing required argument: name"), nil
	}
	srv := &store.Server{Name: name, Enabled: true}
	srv.Description, _ = stringArg(args, "description")
	if err := g.store.CreateServer(ctx, srv); err != nil {
		if store.IsUniqueViolation(err) {
			return errorResult(fmt.Sprintf("a server named %q already exists", name)), nil
		}
		return nil, err
	}
	g.audit.Activity(ctx, requestID(ctx), actor, "server.create", srv.ID, name)
	return textResult(fmt.Sprintf("created server %q (id %s)", name, srv.ID)), nil
}

func (g *Gateway) toolCreateTool(ctx context.Context, actor string, args map[string]any) (*CallResult, error) {
	serverName, ok := stringArg(args, "server")
	if !ok {
		return errorResult("missing required argument: server"), nil
	}
	name, ok := stringArg(args, "name")
	if !ok {
		return errorResult("missing required argument: name"), nil
	}
	code, ok := stringArg(args, "python_code")
	if !ok {
		return errorResult("missing required argument: python_code"), nil
	}

	srv, err := g.store.GetServerByName(ctx, serverName)
	if errors.Is(err, store.ErrNotFound) {
		return errorResult(fmt.Sprintf("no server named %q", serverName)), nil
	}
	if err != nil {
		return nil, err
	}

	if err := pytool.ValidateSource(code, true); err != nil {
		return errorResult(fmt.Sprintf("tool code rejected: %v", err)), nil
	}
	schemaMap, err := pytool.ExtractSchema(code)
	if err != nil {
		return errorResult(fmt.Sprintf("could not derive input schema: %v", err)), nil
	}
	schemaJSON, err := json.Marshal(schemaMap)
	if err != nil {
		return nil, err
	}

	status := store.ApprovalPendingReview
	if g.engine.AutoApproveTools(ctx) {
		status = store.ApprovalApproved
	}
	tool := &store.Tool{
		ServerID:       srv.ID,
		Name:           name,
		ToolType:       "python_code",
		PythonCode:     sql.NullString{String: code, Valid: true},
		InputSchema:    sql.NullString{String: string(schemaJSON), Valid: true},
		Enabled:        true,
		ApprovalStatus: status,
	}
	tool.Description, _ = stringArg(args, "description")
	if err := g.store.CreateTool(ctx, tool, actor); err != nil {
		if store.IsUniqueViolation(err) {
			return errorResult(fmt.Sprintf("tool %q already exists on %q", name, serverName)), nil
		}
		return nil, err
	}
	g.audit.Activity(ctx, requestID(ctx), actor, "tool.create", tool.ID, serverName+"/"+name)

	if status == store.ApprovalApproved {
		if err := g.engine.SyncServer(ctx, srv.ID); err != nil {
			g.logger.Warn("sandbox sync after tool create failed", "server", serverName, "error", err)
		}
		return textResult(fmt.Sprintf("created and auto-approved tool %q (id %s)", name, tool.ID)), nil
	}
	return textResult(fmt.Sprintf("created tool %q (id %s); awaiting approval", name, tool.ID)), nil
}

func (g *Gateway) toolSetSecret(ctx context.Context, actor string, args map[string]any) (*CallResult, error) {
	serverName, ok := stringArg(args, "server")
	if !ok {
		return errorResult("missing required argument: server"), nil
	}
	key, ok := stringArg(args, "key")
	if !ok {
		return errorResult("missing required argument: key"), nil
	}
	value, ok := stringArg(args, "value")
	if !ok {
		return errorResult("missing required argument: value"), nil
	}

	srv, err := g.store.GetServerByName(ctx, serverName)
	if errors.Is(err, store.ErrNotFound) {
		return errorResult(fmt.Sprintf("no server named %q", serverName)), nil
	}
	if err != nil {
		return nil, err
	}
	blob, err := g.creds.SealSecret(key, value)
	if err != nil {
		return nil, err
	}
	if err := g.store.UpsertServerSecret(ctx, srv.ID, key, blob); err != nil {
		return nil, err
	}
	g.audit.Activity(ctx, requestID(ctx), actor, "secret.set", srv.ID, key)
	if err := g.engine.SyncServer(ctx, srv.ID); err != nil {
		g.logger.Warn("sandbox sync after secret change failed", "server", serverName, "error", err)
	}
	return textResult(fmt.Sprintf("secret %q set on server %q", key, serverName)), nil
}

func (g *Gateway) toolListPending(ctx context.Context) (*CallResult, error) {
	pending, err := g.store.ListToolsPending(ctx)
	if err != nil {
		return nil, err
	}
	type row struct {
		ToolID string `json:"tool_id"`
		Name   string `json:"name"`
		Status string `json:"status"`
	}
	rows := make([]row, 0, len(pending))
	for _, t := range pending {
		rows = append(rows, row{ToolID: t.ID, Name: t.Name, Status: t.ApprovalStatus})
	}
	return jsonResult(rows)
}

func (g *Gateway) toolDecideTool(ctx context.Context, actor string, args map[string]any, approve bool) (*CallResult, error) {
	toolID, ok := stringArg(args, "tool_id")
	if !ok {
		return errorResult("missing required argument: tool_id"), nil
	}
	var err error
	action := "tool.reject"
	if approve {
		action = "tool.approve"
		err = g.engine.ApproveTool(ctx, toolID, actor)
	} else {
		err = g.engine.RejectTool(ctx, toolID, actor)
	}
	if errors.Is(err, store.ErrNotFound) {
		return errorResult(fmt.Sprintf("no tool with id %q", toolID)), nil
	}
	if err != nil {
		return nil, err
	}
	g.audit.Activity(ctx, requestID(ctx), actor, action, toolID, "")
	if approve {
		return textResult(fmt.Sprintf("tool %s approved", toolID)), nil
	}
	return textResult(fmt.Sprintf("tool %s rejected", toolID)), nil
}

func (g *Gateway) toolRequestNetwork(ctx context.Context, actor string, args map[string]any) (*CallResult, error) {
	serverName, ok := stringArg(args, "server")
	if !ok {
		return errorResult("missing required argument: server"), nil
	}
	host, ok := stringArg(args, "host")
	if !ok {
		return errorResult("missing required argument: host"), nil
	}
	reason, _ := stringArg(args, "reason")

	srv, err := g.store.GetServerByName(ctx, serverName)
	if errors.Is(err, store.ErrNotFound) {
		return errorResult(fmt.Sprintf("no server named %q", serverName)), nil
	}
	if err != nil {
		return nil, err
	}
	r, err := g.engine.RequestNetworkAccess(ctx, srv.ID, "", host, reason, actor)
	if errors.Is(err, store.ErrDuplicatePending) {
		return errorResult(fmt.Sprintf("a request for host %q is already pending", host)), nil
	}
	if err != nil {
		return nil, err
	}
	g.audit.Activity(ctx, requestID(ctx), actor, "network.request", srv.ID, host)
	if r.Status == store.RequestApproved {
		return textResult(fmt.Sprintf("network access to %q approved by policy", host)), nil
	}
	return textResult(fmt.Sprintf("network access to %q requested; awaiting approval", host)), nil
}

func (g *Gateway) toolRequestModule(ctx context.Context, actor string, args map[string]any) (*CallResult, error) {
	serverName, ok := stringArg(args, "server")
	if !ok {
		return errorResult("missing required argument: server"), nil
	}
	module, ok := stringArg(args, "module")
	if !ok {
		return errorResult("missing required argument: module"), nil
	}
	reason, _ := stringArg(args, "reason")

	srv, err := g.store.GetServerByName(ctx, serverName)
	if errors.Is(err, store.ErrNotFound) {
		return errorResult(fmt.Sprintf("no server named %q", serverName)), nil
	}
	if err != nil {
		return nil, err
	}
	r, err := g.engine.RequestModule(ctx, srv.ID, "", module, reason, actor)
	if errors.Is(err, store.ErrDuplicatePending) {
		return errorResult(fmt.Sprintf("a request for module %q is already pending", module)), nil
	}
	if err != nil {
		return nil, err
	}
	g.audit.Activity(ctx, requestID(ctx), actor, "module.request", srv.ID, module)
	if r.Status == store.RequestApproved {
		return textResult(fmt.Sprintf("module %q approved by policy", module)), nil
	}
	return textResult(fmt.Sprintf("module %q requested; awaiting approval", module)), nil
}

func stringArg(args map[string]any, key string) (string, bool) {
	v, ok := args[key].(string)
	if !ok || strings.TrimSpace(v) == "" {
		return "", false
	}
	return v, true
}

func jsonResult(v any) (*CallResult, error) {
	raw, err := json.MarshalIndent(v, "", "  ")
	if err != nil {
		return nil, err
	}
	return textResult(string(raw)), nil
}
