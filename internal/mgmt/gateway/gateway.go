// Package gateway serves the MCP endpoint. It speaks JSON-RPC 2.0 over
// HTTP POST, merges in-process management tools with sandbox-backed
// domain tools, and enforces the remote access policy.
package gateway

import (
	"context"
	"crypto/subtle"
	"encoding/json"
	"fmt"
	"log/slog"
	"net/http"
	"strings"
	"time"

	"github.com/mcpbox/mcpbox/common/trace"
	"github.com/mcpbox/mcpbox/internal/mgmt/approvals"
	"github.com/mcpbox/mcpbox/internal/mgmt/audit"
	"github.com/mcpbox/mcpbox/internal/mgmt/credentials"
	"github.com/mcpbox/mcpbox/internal/mgmt/store"
	"github.com/mcpbox/mcpbox/internal/sandbox/pytool"
	sandboxserver "github.com/mcpbox/mcpbox/internal/sandbox/server"
)

const maxRequestBytes = 4 << 20

// accessEmailHeader carries the authenticated caller identity set by the
// fronting access proxy.
const accessEmailHeader = "Cf-Access-Authenticated-User-Email"

// Executor runs registered tools. The sandbox client satisfies it.
type Executor interface {
	Execute(ctx context.Context, req *sandboxserver.ExecuteRequest) (*pytool.Result, error)
}

// Config selects the gateway's authentication posture.
type Config struct {
	// ServiceToken, when set, is required as a Bearer token on every call.
	ServiceToken string
	// RemoteMode additionally requires an access-proxy email header that
	// passes the stored access policy.
	RemoteMode bool
}

// Gateway is the MCP-facing HTTP handler.
type Gateway struct {
	cfg    Config
	store  *store.Store
	creds  *credentials.Service
	engine *approvals.Engine
	audit  *audit.Recorder
	exec   Executor
	policy *policyCache
	logger *slog.Logger
}

// New builds a Gateway. exec may be nil, in which case domain tool calls
// report the sandbox as unavailable.
func New(cfg Config, st *store.Store, creds *credentials.Service, engine *approvals.Engine, rec *audit.Recorder, exec Executor, logger *slog.Logger) *Gateway {
	if logger == nil {
		logger = slog.Default()
	}
	return &Gateway{
		cfg:    cfg,
		store:  st,
		creds:  creds,
		engine: engine,
		audit:  rec,
		exec:   exec,
		policy: newPolicyCache(st, logger),
		logger: logger,
	}
}

// InvalidatePolicy drops the cached access policy so the next request
// reloads it. Called after the policy setting changes.
func (g *Gateway) InvalidatePolicy() {
	g.policy.Invalidate()
}

func (g *Gateway) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodPost {
		http.Error(w, "method not allowed", http.StatusMethodNotAllowed)
		return
	}

	actor, ok := g.authorize(r)
	if !ok {
		// One generic refusal regardless of which check failed.
		w.Header().Set("WWW-Authenticate", "Bearer")
		http.Error(w, "unauthorized", http.StatusUnauthorized)
		return
	}

	ctx, _ := trace.Ensure(r.Context())

	var req rpcRequest
	body := http.MaxBytesReader(w, r.Body, maxRequestBytes)
	if err := json.NewDecoder(body).Decode(&req); err != nil {
		writeRPC(w, rpcResponse{JSONRPC: "2.0", Error: &rpcError{Code: codeParseError, Message: "parse error"}})
		return
	}
	if req.JSONRPC != "2.0" || req.Method == "" {
		writeRPC(w, rpcResponse{JSONRPC: "2.0", ID: req.ID, Error: &rpcError{Code: codeInvalidRequest, Message: "invalid request"}})
		return
	}

	resp := g.dispatch(ctx, actor, &req)
	if resp == nil {
		// Notification: no response body.
		w.WriteHeader(http.StatusAccepted)
		return
	}
	writeRPC(w, *resp)
}

// authorize validates the service token and, in remote mode, the access
// proxy identity. It returns the actor name used in audit rows.
func (g *Gateway) authorize(r *http.Request) (string, bool) {
	if g.cfg.ServiceToken != "" {
		token, ok := bearerToken(r)
		if !ok || subtle.ConstantTimeCompare([]byte(token), []byte(g.cfg.ServiceToken)) != 1 {
			return "", false
		}
	}
	if g.cfg.RemoteMode {
		email := r.Header.Get(accessEmailHeader)
		if email == "" || !g.policy.Allow(r.Context(), email) {
			return "", false
		}
		return email, true
	}
	if email := r.Header.Get(accessEmailHeader); email != "" {
		return email, true
	}
	return "local", true
}

func (g *Gateway) dispatch(ctx context.Context, actor string, req *rpcRequest) *rpcResponse {
	if len(req.ID) == 0 && req.Method != "initialize" {
		// Notifications get no reply.
		return nil
	}

	switch req.Method {
	case "initialize":
		return result(req.ID, map[string]any{
			"protocolVersion": protocolVersion,
			"capabilities":    map[string]any{"tools": map[string]any{}},
			"serverInfo":      map[string]any{"name": "mcpbox", "version": "1.0"},
		})
	case "notifications/initialized", "ping":
		return result(req.ID, map[string]any{})
	case "tools/list":
		return result(req.ID, map[string]any{"tools": g.listTools(ctx)})
	case "tools/call":
		var params callParams
		if err := json.Unmarshal(req.Params, &params); err != nil || params.Name == "" {
			return rpcErr(req.ID, codeInvalidParams, "invalid params")
		}
		return result(req.ID, g.call(ctx, actor, &params))
	default:
		return rpcErr(req.ID, codeMethodNotFound, fmt.Sprintf("method %q not found", req.Method))
	}
}

// listTools merges the management tools with every approved, enabled
// domain tool. A database failure degrades to management tools only.
func (g *Gateway) listTools(ctx context.Context) []Tool {
	tools := make([]Tool, len(managementTools))
	copy(tools, managementTools)

	servers, err := g.store.ListServers(ctx)
	if err != nil {
		g.logger.Warn("tools/list degraded to management tools", "error", err)
		return tools
	}
	for _, srv := range servers {
		if !srv.Enabled {
			continue
		}
		serverTools, err := g.store.ListTools(ctx, srv.ID)
		if err != nil {
			g.logger.Warn("tools/list skipped server", "server", srv.Name, "error", err)
			continue
		}
		for _, t := range serverTools {
			if !t.Enabled || t.ApprovalStatus != store.ApprovalApproved {
				continue
			}
			entry := Tool{Name: srv.Name + "__" + t.Name, Description: t.Description}
			if t.InputSchema.Valid {
				var schema map[string]any
				if err := json.Unmarshal([]byte(t.InputSchema.String), &schema); err != nil {
					g.logger.Warn("tool has corrupt input schema", "tool", entry.Name, "error", err)
				} else {
					entry.InputSchema = schema
				}
			}
			tools = append(tools, entry)
		}
	}
	return tools
}

// call routes one tools/call. Every failure surfaces as an isError
// result; protocol-level errors are reserved for malformed requests.
func (g *Gateway) call(ctx context.Context, actor string, params *callParams) *CallResult {
	if strings.HasPrefix(params.Name, "mcpbox_") {
		res, err := g.callManagementTool(ctx, params.Name, actor, params.Arguments)
		if err != nil {
			g.logger.Error("management tool failed", "tool", params.Name, "error", err)
			return errorResult("internal error")
		}
		return res
	}
	return g.callDomainTool(ctx, actor, params)
}

func (g *Gateway) callDomainTool(ctx context.Context, actor string, params *callParams) *CallResult {
	tool, err := g.resolveTool(ctx, params.Name)
	if err != nil {
		// Unknown, disabled, and unapproved all look the same to callers.
		return errorResult(fmt.Sprintf("unknown tool %q", params.Name))
	}
	if g.exec == nil {
		return errorResult("tool execution is unavailable")
	}

	start := time.Now()
	res, err := g.exec.Execute(ctx, &sandboxserver.ExecuteRequest{
		Tool:      params.Name,
		Arguments: params.Arguments,
		TimeoutMS: tool.TimeoutMS,
	})
	if err != nil {
		g.logger.Error("tool execution failed", "tool", params.Name, "error", err)
		g.audit.Execution(ctx, audit.Execution{
			RequestID:  trace.FromContext(ctx),
			ToolName:   params.Name,
			Args:       params.Arguments,
			Error:      "sandbox unavailable",
			ErrorKind:  "transport",
			DurationMS: time.Since(start).Milliseconds(),
			ExecutedBy: actor,
		})
		return errorResult("tool execution is unavailable")
	}

	resultText := renderResult(res.Result)
	g.audit.Execution(ctx, audit.Execution{
		RequestID:  trace.FromContext(ctx),
		ToolName:   params.Name,
		Args:       params.Arguments,
		Result:     resultText,
		Stdout:     res.Stdout,
		Error:      res.Error,
		ErrorKind:  string(res.ErrorKind),
		Success:    res.Success,
		DurationMS: res.DurationMS,
		ExecutedBy: actor,
	})

	if !res.Success {
		msg := res.Error
		if msg == "" {
			msg = "tool execution failed"
		}
		return errorResult(msg)
	}
	return textResult(resultText)
}

// resolveTool maps "<server>__<tool>" to its approved, enabled tool row.
func (g *Gateway) resolveTool(ctx context.Context, name string) (*store.Tool, error) {
	serverName, toolName, found := strings.Cut(name, "__")
	if !found || serverName == "" || toolName == "" {
		return nil, fmt.Errorf("malformed tool name %q", name)
	}
	srv, err := g.store.GetServerByName(ctx, serverName)
	if err != nil {
		return nil, err
	}
	if !srv.Enabled {
		return nil, fmt.Errorf("server %q disabled", serverName)
	}
	tool, err := g.store.GetToolByName(ctx, srv.ID, toolName)
	if err != nil {
		return nil, err
	}
	if !tool.Enabled || tool.ApprovalStatus != store.ApprovalApproved {
		return nil, fmt.Errorf("tool %q not callable", name)
	}
	return tool, nil
}

func renderResult(v any) string {
	switch r := v.(type) {
	case nil:
		return ""
	case string:
		return r
	default:
		raw, err := json.Marshal(r)
		if err != nil {
			return fmt.Sprintf("%v", r)
		}
		return string(raw)
	}
}

func requestID(ctx context.Context) string {
	return trace.FromContext(ctx)
}

func bearerToken(r *http.Request) (string, bool) {
	auth := r.Header.Get("Authorization")
	const prefix = "Bearer "
	if !strings.HasPrefix(auth, prefix) {
		return "", false
	}
	return auth[len(prefix):], true
}

func result(id json.RawMessage, v any) *rpcResponse {
	return &rpcResponse{JSONRPC: "2.0", ID: id, Result: v}
}

func rpcErr(id json.RawMessage, code int, msg string) *rpcResponse {
	return &rpcResponse{JSONRPC: "2.0", ID: id, Error: &rpcError{Code: code, Message: msg}}
}

func writeRPC(w http.ResponseWriter, resp rpcResponse) {
	w.Header().Set("Content-Type", "application/json")
	_ = json.NewEncoder(w).Encode(resp)
}
