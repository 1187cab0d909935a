// Package server implements the sandbox control HTTP server.
//
// The management plane drives the sandbox over this loopback interface: it
// pushes server registrations and secrets, requests tool executions, and
// asks for external MCP tool discovery. Every request must carry the shared
// key in X-API-Key.
//
// Endpoints:
//
//	GET  /health                    → HealthResponse
//	POST /execute                   → ExecuteRequest → execution result
//	POST /register_server           → RegisterRequest → 200 OK
//	POST /unregister_server         → {"name": ...} → 200 OK
//	POST /update_server_secrets     → {"name": ..., "secrets": ...} → 200 OK
//	POST /discover_external_tools   → {"url": ..., "headers": ...} → tool list
//
// A configured key shorter than 32 characters puts the server in degraded
// mode: /health reports it and every other endpoint returns 503. Running
// open because the key was mistyped is the failure mode this prevents.
package server

import (
	"context"
	"crypto/subtle"
	"encoding/json"
	"fmt"
	"log/slog"
	"net"
	"net/http"
	"net/url"
	"time"

	"github.com/mcpbox/mcpbox/internal/sandbox/breaker"
	"github.com/mcpbox/mcpbox/internal/sandbox/egress"
	"github.com/mcpbox/mcpbox/internal/sandbox/pool"
	"github.com/mcpbox/mcpbox/internal/sandbox/pytool"
	"github.com/mcpbox/mcpbox/internal/sandbox/registry"
	"github.com/mcpbox/mcpbox/internal/sandbox/ssrf"
)

// MinAPIKeyLength is the shortest acceptable shared key.
const MinAPIKeyLength = 32

const maxRequestBodyBytes = 8 << 20

// Config carries the server's startup parameters.
type Config struct {
	Addr    string
	APIKey  string
	Version string

	// DegradedReason, when non-empty, forces degraded mode regardless of
	// the key (used when mandatory resource limits could not be applied).
	DegradedReason string
}

// Server is the sandbox control HTTP server.
type Server struct {
	cfg       Config
	degraded  string // non-empty = degraded mode reason
	startedAt time.Time

	registry *registry.Registry
	sessions *pool.Pool
	breakers *breaker.Registry

	server *http.Server
}

// HealthResponse is returned by GET /health.
type HealthResponse struct {
	Status  string   `json:"status"`
	Version string   `json:"version"`
	Servers []string `json:"servers"`
	Uptime  float64  `json:"uptime_seconds"`
	Reason  string   `json:"reason,omitempty"`
}

// ExecuteRequest asks for one tool execution. Either Tool names a
// registered tool ("<server>__<tool>") or Code carries ad-hoc source with
// its own execution parameters (used for draft testing before approval).
type ExecuteRequest struct {
	Tool           string            `json:"tool,omitempty"`
	Code           string            `json:"code,omitempty"`
	HelperCode     string            `json:"helper_code,omitempty"`
	Arguments      map[string]any    `json:"arguments"`
	AllowedModules []string          `json:"allowed_modules,omitempty"`
	AllowedHosts   []string          `json:"allowed_hosts,omitempty"`
	NetworkMode    string            `json:"network_mode,omitempty"`
	Secrets        map[string]string `json:"secrets,omitempty"`
	TimeoutMS      int               `json:"timeout_ms,omitempty"`
}

// RegisterRequest is the full registration payload for one server.
type RegisterRequest struct {
	Name             string            `json:"name"`
	HelperCode       string            `json:"helper_code,omitempty"`
	Secrets          map[string]string `json:"secrets,omitempty"`
	AllowedModules   []string          `json:"allowed_modules,omitempty"`
	AllowedHosts     []string          `json:"allowed_hosts,omitempty"`
	NetworkMode      string            `json:"network_mode,omitempty"`
	DefaultTimeoutMS int               `json:"default_timeout_ms,omitempty"`
	Tools            []ToolPayload     `json:"tools"`
}

// ToolPayload is one tool inside a RegisterRequest.
type ToolPayload struct {
	Name             string            `json:"name"`
	Description      string            `json:"description,omitempty"`
	Type             string            `json:"tool_type"`
	Code             string            `json:"python_code,omitempty"`
	InputSchema      map[string]any    `json:"input_schema,omitempty"`
	TimeoutMS        int               `json:"timeout_ms,omitempty"`
	ExternalURL      string            `json:"external_url,omitempty"`
	ExternalToolName string            `json:"external_tool_name,omitempty"`
	ExternalHeaders  map[string]string `json:"external_headers,omitempty"`
}

// DiscoverRequest asks the session pool to list tools on an external server.
type DiscoverRequest struct {
	URL     string            `json:"url"`
	Headers map[string]string `json:"headers,omitempty"`
}

// New creates the control server. Dependencies default to fresh instances
// when nil so tests can construct a Server with just a Config.
func New(cfg Config, reg *registry.Registry, sessions *pool.Pool, breakers *breaker.Registry) *Server {
	if reg == nil {
		reg = registry.New()
	}
	if sessions == nil {
		sessions = pool.New()
	}
	if breakers == nil {
		breakers = breaker.NewRegistry(breaker.DefaultConfig)
	}

	s := &Server{
		cfg:       cfg,
		startedAt: time.Now(),
		registry:  reg,
		sessions:  sessions,
		breakers:  breakers,
	}
	if cfg.DegradedReason != "" {
		s.degraded = cfg.DegradedReason
	} else if len(cfg.APIKey) < MinAPIKeyLength {
		s.degraded = fmt.Sprintf("api key is %d chars, need at least %d", len(cfg.APIKey), MinAPIKeyLength)
	}
	if s.degraded != "" {
		slog.Error("sandbox control server starting degraded", "reason", s.degraded)
	}

	mux := http.NewServeMux()
	mux.HandleFunc("/health", s.handleHealth)
	mux.HandleFunc("/execute", s.handleExecute)
	mux.HandleFunc("/register_server", s.handleRegister)
	mux.HandleFunc("/unregister_server", s.handleUnregister)
	mux.HandleFunc("/update_server_secrets", s.handleUpdateSecrets)
	mux.HandleFunc("/discover_external_tools", s.handleDiscover)
	mux.HandleFunc("/circuits", s.handleCircuits)

	s.server = &http.Server{
		Addr:         cfg.Addr,
		Handler:      s.authMiddleware(mux),
		ReadTimeout:  30 * time.Second,
		WriteTimeout: 5 * time.Minute, // executions can legitimately run long
	}
	return s
}

// Start begins listening. It returns once the listener is bound.
func (s *Server) Start(ctx context.Context) error {
	ln, err := net.Listen("tcp", s.cfg.Addr)
	if err != nil {
		return fmt.Errorf("sandbox control listen %s: %w", s.cfg.Addr, err)
	}
	slog.Info("sandbox control server listening", "addr", ln.Addr().String())
	go func() {
		if err := s.server.Serve(ln); err != nil && err != http.ErrServerClosed {
			slog.Error("sandbox control server error", "err", err)
		}
	}()
	go func() {
		<-ctx.Done()
		s.server.Shutdown(context.Background())
	}()
	return nil
}

// Stop gracefully shuts down the server and closes pooled sessions.
func (s *Server) Stop() {
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	s.server.Shutdown(ctx)
	s.sessions.CloseAll(ctx)
}

// authMiddleware enforces X-API-Key on everything except /health, and
// degrades every non-health endpoint when the server is unhealthy to serve.
func (s *Server) authMiddleware(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if r.URL.Path == "/health" {
			next.ServeHTTP(w, r)
			return
		}
		if s.degraded != "" {
			writeError(w, http.StatusServiceUnavailable, "sandbox is degraded: "+s.degraded)
			return
		}
		key := r.Header.Get("X-API-Key")
		if subtle.ConstantTimeCompare([]byte(key), []byte(s.cfg.APIKey)) != 1 {
			writeError(w, http.StatusUnauthorized, "invalid api key")
			return
		}
		r.Body = http.MaxBytesReader(w, r.Body, maxRequestBodyBytes)
		next.ServeHTTP(w, r)
	})
}

// --- handlers ---

func (s *Server) handleHealth(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodGet {
		http.Error(w, "method not allowed", http.StatusMethodNotAllowed)
		return
	}
	status := "ok"
	if s.degraded != "" {
		status = "degraded"
	}
	writeJSON(w, http.StatusOK, HealthResponse{
		Status:  status,
		Version: s.cfg.Version,
		Servers: s.registry.ServerNames(),
		Uptime:  time.Since(s.startedAt).Seconds(),
		Reason:  s.degraded,
	})
}

func (s *Server) handleCircuits(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodGet {
		http.Error(w, "method not allowed", http.StatusMethodNotAllowed)
		return
	}
	writeJSON(w, http.StatusOK, s.breakers.Snapshot())
}

func (s *Server) handleExecute(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodPost {
		http.Error(w, "method not allowed", http.StatusMethodNotAllowed)
		return
	}
	var req ExecuteRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeError(w, http.StatusBadRequest, "invalid request: "+err.Error())
		return
	}

	switch {
	case req.Tool != "":
		srv, tool, err := s.registry.Lookup(req.Tool)
		if err != nil {
			writeError(w, http.StatusNotFound, err.Error())
			return
		}
		writeJSON(w, http.StatusOK, s.executeRegistered(r.Context(), srv, tool, req.Arguments))
	case req.Code != "":
		writeJSON(w, http.StatusOK, s.executeAdHoc(r.Context(), &req))
	default:
		writeError(w, http.StatusBadRequest, "either tool or code is required")
	}
}

// executeRegistered runs a registered tool with the server's own helper
// code, secrets, and network policy.
func (s *Server) executeRegistered(ctx context.Context, srv *registry.Server, tool *registry.Tool, args map[string]any) *pytool.Result {
	if tool.Type == registry.ToolTypePassthrough {
		return s.executePassthrough(ctx, tool, args)
	}

	// Arguments are checked against the tool's input schema before any
	// code runs, so a bad call never consumes an interpreter slot.
	if tool.InputSchema != nil {
		if compiled, err := pytool.CompileSchema(tool.InputSchema); err == nil {
			if err := pytool.ValidateArgs(compiled, args); err != nil {
				return &pytool.Result{
					Success:    false,
					Error:      "invalid arguments: " + err.Error(),
					ErrorKind:  pytool.KindInvalidArguments,
					DurationMS: 1,
				}
			}
		}
	}

	timeout := time.Duration(tool.TimeoutMS) * time.Millisecond
	if timeout <= 0 {
		timeout = srv.DefaultTimeout
	}
	return pytool.Execute(ctx, pytool.Request{
		Code:           tool.Code,
		HelperCode:     srv.HelperCode,
		Arguments:      args,
		AllowedModules: srv.AllowedModules,
		Secrets:        srv.Secrets,
		Timeout:        timeout,
		HTTP:           egressClient(srv.NetworkMode, srv.AllowedHosts),
	})
}

// executeAdHoc runs draft code that is not registered yet. The caller
// supplies the full execution parameters; approval gating happens upstream.
func (s *Server) executeAdHoc(ctx context.Context, req *ExecuteRequest) *pytool.Result {
	return pytool.Execute(ctx, pytool.Request{
		Code:           req.Code,
		HelperCode:     req.HelperCode,
		Arguments:      req.Arguments,
		AllowedModules: req.AllowedModules,
		Secrets:        req.Secrets,
		Timeout:        time.Duration(req.TimeoutMS) * time.Millisecond,
		HTTP:           egressClient(req.NetworkMode, req.AllowedHosts),
	})
}

// egressClient enforces the server's network mode. Isolated grants no
// egress; everything else is allowlist, where the set is always non-nil so
// an empty allowlist denies every host until one is approved.
func egressClient(mode string, hosts []string) *egress.Client {
	if mode == registry.NetworkModeIsolated {
		return &egress.Client{Isolated: true}
	}
	set := make(map[string]struct{}, len(hosts))
	for _, h := range hosts {
		set[h] = struct{}{}
	}
	return &egress.Client{AllowedHosts: set}
}

// executePassthrough proxies the call to the external MCP server through
// the session pool, guarded by a per-host circuit breaker.
func (s *Server) executePassthrough(ctx context.Context, tool *registry.Tool, args map[string]any) *pytool.Result {
	start := time.Now()
	fail := func(msg string) *pytool.Result {
		return &pytool.Result{
			Success:    false,
			Error:      msg,
			ErrorKind:  pytool.KindToolException,
			DurationMS: max(1, time.Since(start).Milliseconds()),
		}
	}

	if _, err := ssrf.Validate(ctx, tool.ExternalURL); err != nil {
		res := fail(err.Error())
		res.ErrorKind = pytool.KindHTTPSSRF
		return res
	}

	externalName := tool.ExternalToolName
	if externalName == "" {
		externalName = tool.Name
	}

	cb := s.breakers.Get(circuitName(tool.ExternalURL))
	var result *pool.CallToolResult
	err := cb.Call(func() error {
		var callErr error
		result, callErr = s.sessions.CallTool(ctx, tool.ExternalURL, tool.ExternalHeaders, externalName, args)
		return callErr
	})
	if err != nil {
		return fail(err.Error())
	}
	if result.IsError {
		msg := "external tool reported an error"
		if len(result.Content) > 0 && result.Content[0].Text != "" {
			msg = result.Content[0].Text
		}
		return fail(msg)
	}

	return &pytool.Result{
		Success:    true,
		Result:     result.Content,
		DurationMS: max(1, time.Since(start).Milliseconds()),
	}
}

func (s *Server) handleRegister(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodPost {
		http.Error(w, "method not allowed", http.StatusMethodNotAllowed)
		return
	}
	var req RegisterRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeError(w, http.StatusBadRequest, "invalid request: "+err.Error())
		return
	}

	srv := &registry.Server{
		Name:           req.Name,
		HelperCode:     req.HelperCode,
		Secrets:        req.Secrets,
		AllowedModules: req.AllowedModules,
		AllowedHosts:   req.AllowedHosts,
		NetworkMode:    req.NetworkMode,
		DefaultTimeout: time.Duration(req.DefaultTimeoutMS) * time.Millisecond,
	}
	for _, t := range req.Tools {
		srv.Tools = append(srv.Tools, registry.Tool{
			Name:             t.Name,
			Description:      t.Description,
			Type:             registry.ToolType(t.Type),
			Code:             t.Code,
			InputSchema:      t.InputSchema,
			TimeoutMS:        t.TimeoutMS,
			ExternalURL:      t.ExternalURL,
			ExternalToolName: t.ExternalToolName,
			ExternalHeaders:  t.ExternalHeaders,
		})
	}
	if err := s.registry.Register(srv); err != nil {
		writeError(w, http.StatusBadRequest, err.Error())
		return
	}
	slog.Info("sandbox: server registered", "name", req.Name, "tools", len(req.Tools))
	w.WriteHeader(http.StatusOK)
}

func (s *Server) handleUnregister(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodPost {
		http.Error(w, "method not allowed", http.StatusMethodNotAllowed)
		return
	}
	var req struct {
		Name string `json:"name"`
	}
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeError(w, http.StatusBadRequest, "invalid request: "+err.Error())
		return
	}
	s.registry.Unregister(req.Name)
	slog.Info("sandbox: server unregistered", "name", req.Name)
	w.WriteHeader(http.StatusOK)
}

func (s *Server) handleUpdateSecrets(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodPost {
		http.Error(w, "method not allowed", http.StatusMethodNotAllowed)
		return
	}
	var req struct {
		Name    string            `json:"name"`
		Secrets map[string]string `json:"secrets"`
	}
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeError(w, http.StatusBadRequest, "invalid request: "+err.Error())
		return
	}
	if err := s.registry.UpdateSecrets(req.Name, req.Secrets); err != nil {
		writeError(w, http.StatusNotFound, err.Error())
		return
	}
	slog.Info("sandbox: server secrets updated", "name", req.Name, "count", len(req.Secrets))
	w.WriteHeader(http.StatusOK)
}

func (s *Server) handleDiscover(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodPost {
		http.Error(w, "method not allowed", http.StatusMethodNotAllowed)
		return
	}
	var req DiscoverRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeError(w, http.StatusBadRequest, "invalid request: "+err.Error())
		return
	}
	if _, err := ssrf.Validate(r.Context(), req.URL); err != nil {
		writeError(w, http.StatusBadRequest, err.Error())
		return
	}

	tools, err := s.sessions.ListTools(r.Context(), req.URL, req.Headers)
	if err != nil {
		slog.Warn("sandbox: external discovery failed", "url", req.URL, "err", err)
		writeError(w, http.StatusBadGateway, "discovery failed: "+err.Error())
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{"tools": tools})
}

// circuitName keys circuits by the external server's host so that every
// tool on one upstream shares a breaker.
func circuitName(rawURL string) string {
	if u, err := url.Parse(rawURL); err == nil && u.Host != "" {
		return u.Host
	}
	return rawURL
}

// TestHandler exposes the HTTP handler for httptest. Tests only.
func (s *Server) TestHandler() http.Handler {
	return s.server.Handler
}

// --- helpers ---

func writeJSON(w http.ResponseWriter, status int, body any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	json.NewEncoder(w).Encode(body)
}

func writeError(w http.ResponseWriter, status int, msg string) {
	writeJSON(w, status, map[string]string{"error": msg})
}
