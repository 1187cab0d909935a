package api

import (
	"errors"
	"net/http"
	"strconv"

	"github.com/mcpbox/mcpbox/internal/mgmt/approvals"
	"github.com/mcpbox/mcpbox/internal/mgmt/auth"
	"github.com/mcpbox/mcpbox/internal/mgmt/credentials"
	"github.com/mcpbox/mcpbox/internal/mgmt/export"
	"github.com/mcpbox/mcpbox/internal/mgmt/oauth"
	"github.com/mcpbox/mcpbox/internal/mgmt/store"
)

func (s *Server) handleListCredentials(w http.ResponseWriter, r *http.Request, _ *auth.Claims) {
	views, err := s.creds.List(r.Context(), r.PathValue("id"))
	if err != nil {
		writeStoreError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, views)
}

func (s *Server) handleCreateCredential(w http.ResponseWriter, r *http.Request, claims *auth.Claims) {
	ctx := r.Context()
	srv, err := s.store.GetServer(ctx, r.PathValue("id"))
	if err != nil {
		writeStoreError(w, err)
		return
	}
	var in credentials.Input
	if !decodeJSON(w, r, &in) {
		return
	}
	if in.Name == "" || in.AuthType == "" {
		writeError(w, http.StatusBadRequest, "name and auth_type are required")
		return
	}

	view, err := s.creds.Create(ctx, srv.ID, in)
	if err != nil {
		writeStoreError(w, err)
		return
	}
	s.audit.Activity(ctx, requestID(ctx), s.actorName(ctx, claims), "credential.create", view.ID, srv.Name+"/"+in.Name)
	writeJSON(w, http.StatusCreated, view)
}

func (s *Server) handleGetCredential(w http.ResponseWriter, r *http.Request, _ *auth.Claims) {
	view, err := s.creds.Get(r.Context(), r.PathValue("id"))
	if err != nil {
		writeStoreError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, view)
}

func (s *Server) handleDeleteCredential(w http.ResponseWriter, r *http.Request, claims *auth.Claims) {
	ctx := r.Context()
	id := r.PathValue("id")
	if err := s.creds.Delete(ctx, id); err != nil {
		writeStoreError(w, err)
		return
	}
	s.audit.Activity(ctx, requestID(ctx), s.actorName(ctx, claims), "credential.delete", id, "")
	w.WriteHeader(http.StatusNoContent)
}

// handleOAuthDiscover probes a server URL for its OAuth metadata,
// registers a client, and stores both on the credential.
func (s *Server) handleOAuthDiscover(w http.ResponseWriter, r *http.Request, claims *auth.Claims) {
	if s.redirectBase == "" {
		writeError(w, http.StatusServiceUnavailable, "OAuth flows require MCPBOX_OAUTH_REDIRECT_BASE")
		return
	}
	ctx := r.Context()
	id := r.PathValue("id")
	if _, err := s.creds.Get(ctx, id); err != nil {
		writeStoreError(w, err)
		return
	}
	var req struct {
		ServerURL string `json:"server_url"`
	}
	if !decodeJSON(w, r, &req) {
		return
	}
	if req.ServerURL == "" {
		writeError(w, http.StatusBadRequest, "server_url is required")
		return
	}

	meta, err := oauth.Discover(ctx, http.DefaultClient, req.ServerURL)
	if errors.Is(err, oauth.ErrNoOAuthRequired) {
		writeJSON(w, http.StatusOK, map[string]any{"oauth_required": false})
		return
	}
	if err != nil {
		writeError(w, http.StatusBadGateway, "discovery failed: "+err.Error())
		return
	}

	var clientID, clientSecret string
	if meta.RegistrationEndpoint != "" {
		clientID, clientSecret, err = oauth.RegisterClient(ctx, http.DefaultClient, meta.RegistrationEndpoint, s.callbackURI())
		if err != nil {
			writeError(w, http.StatusBadGateway, "client registration failed: "+err.Error())
			return
		}
	}
	if err := s.creds.SetOAuthClient(ctx, id, clientID, clientSecret, meta.AuthorizationEndpoint, meta.TokenEndpoint); err != nil {
		writeStoreError(w, err)
		return
	}
	s.audit.Activity(ctx, requestID(ctx), s.actorName(ctx, claims), "credential.oauth_discover", id, meta.Issuer)
	writeJSON(w, http.StatusOK, map[string]any{
		"oauth_required":         true,
		"issuer":                 meta.Issuer,
		"authorization_endpoint": meta.AuthorizationEndpoint,
		"token_endpoint":         meta.TokenEndpoint,
		"registered_client":      clientID != "",
	})
}

// handleOAuthBegin starts an authorization-code flow and returns the URL
// to open in the admin's browser.
func (s *Server) handleOAuthBegin(w http.ResponseWriter, r *http.Request, claims *auth.Claims) {
	if s.flows == nil || s.redirectBase == "" {
		writeError(w, http.StatusServiceUnavailable, "OAuth flows are not configured")
		return
	}
	ctx := r.Context()
	id := r.PathValue("id")
	c, err := s.store.GetCredential(ctx, id)
	if err != nil {
		writeStoreError(w, err)
		return
	}
	if !c.OAuthAuthorizationURL.Valid || !c.OAuthTokenURL.Valid || !c.OAuthClientID.Valid {
		writeError(w, http.StatusConflict, "credential has no OAuth client; run discovery first")
		return
	}
	material, err := s.creds.Open(ctx, id)
	if err != nil {
		writeStoreError(w, err)
		return
	}

	authorizeURL, err := s.flows.Begin(oauth.BeginInput{
		CredentialID:          id,
		AuthorizationEndpoint: c.OAuthAuthorizationURL.String,
		TokenEndpoint:         c.OAuthTokenURL.String,
		RedirectURI:           s.callbackURI(),
		ClientID:              c.OAuthClientID.String,
		ClientSecret:          material.OAuthClientSecret,
		Scopes:                c.OAuthScopes.String,
	})
	if err != nil {
		writeError(w, http.StatusInternalServerError, "internal error")
		return
	}
	s.audit.Activity(ctx, requestID(ctx), s.actorName(ctx, claims), "credential.oauth_begin", id, "")
	writeJSON(w, http.StatusOK, map[string]string{"authorize_url": authorizeURL})
}

// handleOAuthCallback is hit by the admin's browser after consent. It is
// unauthenticated; the single-use state token is the proof of origin.
func (s *Server) handleOAuthCallback(w http.ResponseWriter, r *http.Request) {
	if s.flows == nil {
		writeError(w, http.StatusServiceUnavailable, "OAuth flows are not configured")
		return
	}
	state := r.URL.Query().Get("state")
	code := r.URL.Query().Get("code")
	if state == "" || code == "" {
		writeError(w, http.StatusBadRequest, "state and code are required")
		return
	}
	if err := s.flows.Complete(r.Context(), state, code); err != nil {
		if errors.Is(err, oauth.ErrFlowNotFound) {
			writeError(w, http.StatusBadRequest, "unknown or expired authorization flow")
			return
		}
		writeError(w, http.StatusBadGateway, "token exchange failed")
		return
	}
	s.audit.Activity(r.Context(), requestID(r.Context()), "oauth:callback", "credential.oauth_complete", "", "")
	writeJSON(w, http.StatusOK, map[string]string{"status": "authorized"})
}

func (s *Server) callbackURI() string {
	return s.redirectBase + "/api/oauth/callback"
}

type requestView struct {
	ID          string `json:"id"`
	Type        string `json:"type"`
	ServerID    string `json:"server_id"`
	Target      string `json:"target"`
	Reason      string `json:"reason,omitempty"`
	Status      string `json:"status"`
	RequestedBy string `json:"requested_by,omitempty"`
}

func (s *Server) handleListRequests(w http.ResponseWriter, r *http.Request, _ *auth.Claims) {
	ctx := r.Context()
	status := r.URL.Query().Get("status")
	if status == "" {
		status = store.RequestPending
	}

	network, err := s.store.ListNetworkRequests(ctx, "", status)
	if err != nil {
		writeStoreError(w, err)
		return
	}
	modules, err := s.store.ListModuleRequests(ctx, "", status)
	if err != nil {
		writeStoreError(w, err)
		return
	}

	out := make([]requestView, 0, len(network)+len(modules))
	for _, n := range network {
		out = append(out, requestView{
			ID: n.ID, Type: "network", ServerID: n.ServerID,
			Target: n.Host, Reason: n.Reason, Status: n.Status, RequestedBy: n.RequestedBy.String,
		})
	}
	for _, m := range modules {
		out = append(out, requestView{
			ID: m.ID, Type: "module", ServerID: m.ServerID,
			Target: m.Module, Reason: m.Reason, Status: m.Status, RequestedBy: m.RequestedBy.String,
		})
	}
	writeJSON(w, http.StatusOK, out)
}

type decisionRequest struct {
	Approve bool `json:"approve"`
}

func (s *Server) handleDecideNetwork(w http.ResponseWriter, r *http.Request, claims *auth.Claims) {
	ctx := r.Context()
	var req decisionRequest
	if !decodeJSON(w, r, &req) {
		return
	}
	actor := s.actorName(ctx, claims)
	decided, err := s.engine.DecideNetworkRequest(ctx, r.PathValue("id"), decisionStatus(req.Approve), actor)
	if err != nil {
		writeStoreError(w, err)
		return
	}
	s.audit.Activity(ctx, requestID(ctx), actor, "network."+decided.Status, decided.ID, decided.Host)
	writeJSON(w, http.StatusOK, map[string]string{"status": decided.Status})
}

func (s *Server) handleDecideModule(w http.ResponseWriter, r *http.Request, claims *auth.Claims) {
	ctx := r.Context()
	var req decisionRequest
	if !decodeJSON(w, r, &req) {
		return
	}
	actor := s.actorName(ctx, claims)
	decided, err := s.engine.DecideModuleRequest(ctx, r.PathValue("id"), decisionStatus(req.Approve), actor)
	if err != nil {
		writeStoreError(w, err)
		return
	}
	s.audit.Activity(ctx, requestID(ctx), actor, "module."+decided.Status, decided.ID, decided.Module)
	writeJSON(w, http.StatusOK, map[string]string{"status": decided.Status})
}

func decisionStatus(approve bool) string {
	if approve {
		return store.RequestApproved
	}
	return store.RequestRejected
}

func (s *Server) handleListSettings(w http.ResponseWriter, r *http.Request, _ *auth.Claims) {
	settings, err := s.store.ListSettings(r.Context())
	if err != nil {
		writeStoreError(w, err)
		return
	}
	out := map[string]any{}
	for _, setting := range settings {
		if setting.Encrypted {
			// Encrypted settings report presence only.
			out[setting.Key] = map[string]bool{"encrypted": true, "set": setting.Value.Valid}
			continue
		}
		out[setting.Key] = setting.Value.String
	}
	writeJSON(w, http.StatusOK, out)
}

func (s *Server) handleSetSetting(w http.ResponseWriter, r *http.Request, claims *auth.Claims) {
	ctx := r.Context()
	key := r.PathValue("key")
	var req struct {
		Value     string `json:"value"`
		Encrypted bool   `json:"encrypted"`
	}
	if !decodeJSON(w, r, &req) {
		return
	}

	value := req.Value
	if req.Encrypted {
		sealed, err := s.creds.SealSetting(key, value)
		if err != nil {
			writeError(w, http.StatusInternalServerError, "internal error")
			return
		}
		value = sealed
	}
	if err := s.store.SetSetting(ctx, key, value, req.Encrypted); err != nil {
		writeStoreError(w, err)
		return
	}
	s.audit.Activity(ctx, requestID(ctx), s.actorName(ctx, claims), "setting.set", key, "")
	if key == "access_policy" && s.gateway != nil {
		s.gateway.InvalidatePolicy()
	}
	w.WriteHeader(http.StatusNoContent)
}

func (s *Server) handleGetProfile(w http.ResponseWriter, r *http.Request, _ *auth.Claims) {
	writeJSON(w, http.StatusOK, map[string]string{"profile": s.engine.CurrentProfile(r.Context())})
}

func (s *Server) handleSetProfile(w http.ResponseWriter, r *http.Request, claims *auth.Claims) {
	ctx := r.Context()
	var req struct {
		Profile string `json:"profile"`
	}
	if !decodeJSON(w, r, &req) {
		return
	}
	if err := s.engine.ApplyProfile(ctx, req.Profile); err != nil {
		writeError(w, http.StatusBadRequest, "unknown profile: must be one of "+
			approvals.ProfileStrict+", "+approvals.ProfileBalanced+", "+approvals.ProfilePermissive)
		return
	}
	s.audit.Activity(ctx, requestID(ctx), s.actorName(ctx, claims), "profile.set", req.Profile, "")
	w.WriteHeader(http.StatusNoContent)
}

func (s *Server) handleExport(w http.ResponseWriter, r *http.Request, claims *auth.Claims) {
	ctx := r.Context()
	f, err := s.export.Export(ctx)
	if err != nil {
		writeError(w, http.StatusInternalServerError, "internal error")
		return
	}
	s.audit.Activity(ctx, requestID(ctx), s.actorName(ctx, claims), "config.export", "", strconv.Itoa(len(f.Servers))+" servers")
	writeJSON(w, http.StatusOK, f)
}

func (s *Server) handleImport(w http.ResponseWriter, r *http.Request, claims *auth.Claims) {
	ctx := r.Context()
	var f export.File
	if !decodeJSON(w, r, &f) {
		return
	}
	actor := s.actorName(ctx, claims)
	report, err := s.export.Import(ctx, &f, actor)
	if errors.Is(err, export.ErrBadSignature) {
		writeError(w, http.StatusBadRequest, "signature verification failed")
		return
	}
	if err != nil {
		writeError(w, http.StatusBadRequest, err.Error())
		return
	}
	s.audit.Activity(ctx, requestID(ctx), actor, "config.import", "", strconv.Itoa(len(report.Imported))+" servers imported")
	for _, name := range report.Imported {
		if srv, err := s.store.GetServerByName(ctx, name); err == nil {
			if err := s.engine.SyncServer(ctx, srv.ID); err != nil {
				s.logger.Warn("sandbox sync after import failed", "server", name, "error", err)
			}
		}
	}
	writeJSON(w, http.StatusOK, map[string]any{
		"imported": report.Imported,
		"skipped":  report.Skipped,
	})
}

func (s *Server) handleExecutionLogs(w http.ResponseWriter, r *http.Request, _ *auth.Claims) {
	logs, err := s.store.ListRecentExecutions(r.Context(), queryLimit(r))
	if err != nil {
		writeStoreError(w, err)
		return
	}
	type row struct {
		RequestID  string `json:"request_id,omitempty"`
		ToolName   string `json:"tool_name"`
		Success    bool   `json:"success"`
		Error      string `json:"error,omitempty"`
		ErrorKind  string `json:"error_kind,omitempty"`
		DurationMS int64  `json:"duration_ms"`
		ExecutedBy string `json:"executed_by,omitempty"`
	}
	out := make([]row, 0, len(logs))
	for _, l := range logs {
		out = append(out, row{
			RequestID:  l.RequestID.String,
			ToolName:   l.ToolName,
			Success:    l.Success,
			Error:      l.Error.String,
			ErrorKind:  l.ErrorKind.String,
			DurationMS: l.DurationMS,
			ExecutedBy: l.ExecutedBy.String,
		})
	}
	writeJSON(w, http.StatusOK, out)
}

func (s *Server) handleActivityLogs(w http.ResponseWriter, r *http.Request, _ *auth.Claims) {
	logs, err := s.store.ListRecentActivity(r.Context(), queryLimit(r))
	if err != nil {
		writeStoreError(w, err)
		return
	}
	type row struct {
		RequestID string `json:"request_id,omitempty"`
		Actor     string `json:"actor,omitempty"`
		Action    string `json:"action"`
		Target    string `json:"target,omitempty"`
		Detail    string `json:"detail,omitempty"`
	}
	out := make([]row, 0, len(logs))
	for _, l := range logs {
		out = append(out, row{
			RequestID: l.RequestID.String,
			Actor:     l.Actor.String,
			Action:    l.Action,
			Target:    l.Target.String,
			Detail:    l.Detail.String,
		})
	}
	writeJSON(w, http.StatusOK, out)
}

func (s *Server) handleSandboxHealth(w http.ResponseWriter, r *http.Request, _ *auth.Claims) {
	if s.sandbox == nil {
		writeJSON(w, http.StatusOK, map[string]any{"attached": false})
		return
	}
	health, err := s.sandbox.Health(r.Context())
	if err != nil {
		writeJSON(w, http.StatusOK, map[string]any{"attached": true, "reachable": false})
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{
		"attached":  true,
		"reachable": true,
		"status":    health.Status,
		"version":   health.Version,
		"servers":   health.Servers,
		"reason":    health.Reason,
	})
}

func (s *Server) handleCircuits(w http.ResponseWriter, r *http.Request, _ *auth.Claims) {
	if s.sandbox == nil {
		writeError(w, http.StatusServiceUnavailable, "no sandbox attached")
		return
	}
	circuits, err := s.sandbox.Circuits(r.Context())
	if err != nil {
		writeError(w, http.StatusBadGateway, "sandbox unreachable")
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{"circuits": circuits})
}

func queryLimit(r *http.Request) int {
	n, err := strconv.Atoi(r.URL.Query().Get("limit"))
	if err != nil || n <= 0 || n > 500 {
		return 100
	}
	return n
}
