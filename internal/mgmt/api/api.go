// Package api serves the admin REST API: authentication, server and
// tool management, credentials, approvals, settings, and export.
package api

import (
	"context"
	"encoding/json"
	"errors"
	"log/slog"
	"net/http"

	"github.com/mcpbox/mcpbox/common/trace"
	"github.com/mcpbox/mcpbox/common/version"
	"github.com/mcpbox/mcpbox/internal/mgmt/approvals"
	"github.com/mcpbox/mcpbox/internal/mgmt/audit"
	"github.com/mcpbox/mcpbox/internal/mgmt/auth"
	"github.com/mcpbox/mcpbox/internal/mgmt/credentials"
	"github.com/mcpbox/mcpbox/internal/mgmt/export"
	"github.com/mcpbox/mcpbox/internal/mgmt/oauth"
	"github.com/mcpbox/mcpbox/internal/mgmt/ratelimit"
	"github.com/mcpbox/mcpbox/internal/mgmt/store"
	"github.com/mcpbox/mcpbox/internal/sandbox/breaker"
	"github.com/mcpbox/mcpbox/internal/sandbox/pytool"
	sandboxserver "github.com/mcpbox/mcpbox/internal/sandbox/server"
)

const maxBodyBytes = 4 << 20

// Sandbox is the slice of the sandbox client the API needs.
type Sandbox interface {
	Execute(ctx context.Context, req *sandboxserver.ExecuteRequest) (*pytool.Result, error)
	Health(ctx context.Context) (*sandboxserver.HealthResponse, error)
	Circuits(ctx context.Context) ([]breaker.CircuitStatus, error)
}

// PolicyInvalidator lets the API drop the gateway's cached access
// policy when the policy setting changes.
type PolicyInvalidator interface {
	InvalidatePolicy()
}

// Server is the admin HTTP API.
type Server struct {
	store   *store.Store
	auth    *auth.Service
	creds   *credentials.Service
	engine  *approvals.Engine
	audit   *audit.Recorder
	export  *export.Service
	flows   *oauth.FlowManager
	limiter *ratelimit.Limiter
	sandbox Sandbox
	gateway PolicyInvalidator
	// redirectBase builds the OAuth callback URI; empty disables flows.
	redirectBase string
	logger       *slog.Logger
}

// Deps carries the constructor dependencies. Optional fields may be nil:
// sandbox (no execution), flows and gateway (no OAuth, no policy cache),
// limiter (no rate limiting).
type Deps struct {
	Store        *store.Store
	Auth         *auth.Service
	Creds        *credentials.Service
	Engine       *approvals.Engine
	Audit        *audit.Recorder
	Export       *export.Service
	Flows        *oauth.FlowManager
	Limiter      *ratelimit.Limiter
	Sandbox      Sandbox
	Gateway      PolicyInvalidator
	RedirectBase string
	Logger       *slog.Logger
}

// New wires the API routes.
func New(d Deps) *Server {
	if d.Logger == nil {
		d.Logger = slog.Default()
	}
	return &Server{
		store:        d.Store,
		auth:         d.Auth,
		creds:        d.Creds,
		engine:       d.Engine,
		audit:        d.Audit,
		export:       d.Export,
		flows:        d.Flows,
		limiter:      d.Limiter,
		sandbox:      d.Sandbox,
		gateway:      d.Gateway,
		redirectBase: d.RedirectBase,
		logger:       d.Logger,
	}
}

// Handler builds the full route table. mcp, when non-nil, is mounted at
// POST /mcp so one listener serves both planes.
func (s *Server) Handler(mcp http.Handler) http.Handler {
	mux := http.NewServeMux()

	mux.HandleFunc("GET /health", s.handleHealth)
	if mcp != nil {
		mux.Handle("POST /mcp", mcp)
	}

	mux.HandleFunc("POST /api/auth/setup", s.handleSetup)
	mux.HandleFunc("POST /api/auth/login", s.handleLogin)
	mux.HandleFunc("POST /api/auth/refresh", s.handleRefresh)
	mux.HandleFunc("GET /api/oauth/callback", s.handleOAuthCallback)

	authed := func(h func(http.ResponseWriter, *http.Request, *auth.Claims)) http.HandlerFunc {
		return s.requireAuth(h)
	}

	mux.HandleFunc("POST /api/auth/logout", authed(s.handleLogout))
	mux.HandleFunc("POST /api/auth/change-password", authed(s.handleChangePassword))
	mux.HandleFunc("GET /api/auth/me", authed(s.handleMe))

	mux.HandleFunc("GET /api/servers", authed(s.handleListServers))
	mux.HandleFunc("POST /api/servers", authed(s.handleCreateServer))
	mux.HandleFunc("GET /api/servers/{id}", authed(s.handleGetServer))
	mux.HandleFunc("PUT /api/servers/{id}", authed(s.handleUpdateServer))
	mux.HandleFunc("DELETE /api/servers/{id}", authed(s.handleDeleteServer))

	mux.HandleFunc("GET /api/servers/{id}/tools", authed(s.handleListTools))
	mux.HandleFunc("POST /api/servers/{id}/tools", authed(s.handleCreateTool))
	mux.HandleFunc("GET /api/tools/{id}", authed(s.handleGetTool))
	mux.HandleFunc("PUT /api/tools/{id}/code", authed(s.handleUpdateToolCode))
	mux.HandleFunc("GET /api/tools/{id}/versions", authed(s.handleListToolVersions))
	mux.HandleFunc("POST /api/tools/{id}/rollback", authed(s.handleRollbackTool))
	mux.HandleFunc("POST /api/tools/{id}/approve", authed(s.handleApproveTool))
	mux.HandleFunc("POST /api/tools/{id}/reject", authed(s.handleRejectTool))
	mux.HandleFunc("POST /api/tools/{id}/test", authed(s.handleTestTool))
	mux.HandleFunc("DELETE /api/tools/{id}", authed(s.handleDeleteTool))

	mux.HandleFunc("GET /api/servers/{id}/secrets", authed(s.handleListSecrets))
	mux.HandleFunc("PUT /api/servers/{id}/secrets/{key}", authed(s.handleSetSecret))
	mux.HandleFunc("DELETE /api/servers/{id}/secrets/{key}", authed(s.handleDeleteSecret))

	mux.HandleFunc("GET /api/servers/{id}/credentials", authed(s.handleListCredentials))
	mux.HandleFunc("POST /api/servers/{id}/credentials", authed(s.handleCreateCredential))
	mux.HandleFunc("GET /api/credentials/{id}", authed(s.handleGetCredential))
	mux.HandleFunc("DELETE /api/credentials/{id}", authed(s.handleDeleteCredential))
	mux.HandleFunc("POST /api/credentials/{id}/oauth/discover", authed(s.handleOAuthDiscover))
	mux.HandleFunc("POST /api/credentials/{id}/oauth/begin", authed(s.handleOAuthBegin))

	mux.HandleFunc("GET /api/requests", authed(s.handleListRequests))
	mux.HandleFunc("POST /api/requests/network/{id}/decision", authed(s.handleDecideNetwork))
	mux.HandleFunc("POST /api/requests/module/{id}/decision", authed(s.handleDecideModule))

	mux.HandleFunc("GET /api/settings", authed(s.handleListSettings))
	mux.HandleFunc("PUT /api/settings/{key}", authed(s.handleSetSetting))
	mux.HandleFunc("GET /api/profile", authed(s.handleGetProfile))
	mux.HandleFunc("PUT /api/profile", authed(s.handleSetProfile))

	mux.HandleFunc("GET /api/export", authed(s.handleExport))
	mux.HandleFunc("POST /api/import", authed(s.handleImport))

	mux.HandleFunc("GET /api/logs/executions", authed(s.handleExecutionLogs))
	mux.HandleFunc("GET /api/logs/activity", authed(s.handleActivityLogs))
	mux.HandleFunc("GET /api/ops/sandbox", authed(s.handleSandboxHealth))
	mux.HandleFunc("GET /api/ops/circuits", authed(s.handleCircuits))

	var h http.Handler = s.withRequestID(mux)
	if s.limiter != nil {
		h = s.limiter.Middleware(h)
	}
	return h
}

func (s *Server) withRequestID(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		ctx, id := trace.Ensure(r.Context())
		w.Header().Set("X-Request-Id", id)
		next.ServeHTTP(w, r.WithContext(ctx))
	})
}

// requireAuth verifies the Bearer access token and hands the claims to
// the wrapped handler.
func (s *Server) requireAuth(h func(http.ResponseWriter, *http.Request, *auth.Claims)) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		token, ok := bearerToken(r)
		if !ok {
			writeError(w, http.StatusUnauthorized, "missing bearer token")
			return
		}
		claims, err := s.auth.VerifyAccess(r.Context(), token)
		if err != nil {
			writeError(w, http.StatusUnauthorized, "invalid or expired token")
			return
		}
		h(w, r, claims)
	}
}

func (s *Server) handleHealth(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, http.StatusOK, map[string]any{
		"status":  "ok",
		"version": version.Info(),
	})
}

// actorName resolves claims to a username for audit rows, falling back
// to the opaque user ID.
func (s *Server) actorName(ctx context.Context, claims *auth.Claims) string {
	admin, err := s.store.GetAdmin(ctx, claims.Subject)
	if err != nil {
		return claims.Subject
	}
	return admin.Username
}

func requestID(ctx context.Context) string {
	return trace.FromContext(ctx)
}

func bearerToken(r *http.Request) (string, bool) {
	const prefix = "Bearer "
	h := r.Header.Get("Authorization")
	if len(h) <= len(prefix) || h[:len(prefix)] != prefix {
		return "", false
	}
	return h[len(prefix):], true
}

func decodeJSON(w http.ResponseWriter, r *http.Request, v any) bool {
	body := http.MaxBytesReader(w, r.Body, maxBodyBytes)
	if err := json.NewDecoder(body).Decode(v); err != nil {
		writeError(w, http.StatusBadRequest, "invalid JSON body")
		return false
	}
	return true
}

func writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(v)
}

func writeError(w http.ResponseWriter, status int, msg string) {
	writeJSON(w, status, map[string]string{"error": msg})
}

// writeStoreError maps common store failures onto HTTP statuses.
func writeStoreError(w http.ResponseWriter, err error) {
	switch {
	case errors.Is(err, store.ErrNotFound):
		writeError(w, http.StatusNotFound, "not found")
	case errors.Is(err, store.ErrDuplicatePending):
		writeError(w, http.StatusConflict, err.Error())
	case store.IsUniqueViolation(err):
		writeError(w, http.StatusConflict, "already exists")
	default:
		writeError(w, http.StatusInternalServerError, "internal error")
	}
}
