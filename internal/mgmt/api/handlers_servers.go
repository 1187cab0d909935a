package api

import (
	"database/sql"
	"encoding/json"
	"net/http"
	"strconv"

	"github.com/mcpbox/mcpbox/internal/mgmt/auth"
	"github.com/mcpbox/mcpbox/internal/mgmt/store"
	"github.com/mcpbox/mcpbox/internal/sandbox/pytool"
	sandboxserver "github.com/mcpbox/mcpbox/internal/sandbox/server"
)

type serverRequest struct {
	Name             string   `json:"name"`
	Description      string   `json:"description"`
	HelperCode       string   `json:"helper_code"`
	AllowedModules   []string `json:"allowed_modules"`
	AllowedHosts     []string `json:"allowed_hosts"`
	NetworkMode      string   `json:"network_mode"`
	DefaultTimeoutMS int      `json:"default_timeout_ms"`
	Enabled          *bool    `json:"enabled"`
}

type serverResponse struct {
	ID               string   `json:"id"`
	Name             string   `json:"name"`
	Description      string   `json:"description,omitempty"`
	HelperCode       string   `json:"helper_code,omitempty"`
	AllowedModules   []string `json:"allowed_modules,omitempty"`
	AllowedHosts     []string `json:"allowed_hosts,omitempty"`
	NetworkMode      string   `json:"network_mode"`
	DefaultTimeoutMS int      `json:"default_timeout_ms"`
	Enabled          bool     `json:"enabled"`
}

func serverView(srv *store.Server) serverResponse {
	return serverResponse{
		ID:               srv.ID,
		Name:             srv.Name,
		Description:      srv.Description,
		HelperCode:       srv.HelperCode,
		AllowedModules:   srv.AllowedModules,
		AllowedHosts:     srv.AllowedHosts,
		NetworkMode:      srv.NetworkMode,
		DefaultTimeoutMS: srv.DefaultTimeoutMS,
		Enabled:          srv.Enabled,
	}
}

func (s *Server) handleListServers(w http.ResponseWriter, r *http.Request, _ *auth.Claims) {
	servers, err := s.store.ListServers(r.Context())
	if err != nil {
		writeStoreError(w, err)
		return
	}
	out := make([]serverResponse, 0, len(servers))
	for _, srv := range servers {
		out = append(out, serverView(srv))
	}
	writeJSON(w, http.StatusOK, out)
}

func (s *Server) handleCreateServer(w http.ResponseWriter, r *http.Request, claims *auth.Claims) {
	var req serverRequest
	if !decodeJSON(w, r, &req) {
		return
	}
	if req.Name == "" {
		writeError(w, http.StatusBadRequest, "name is required")
		return
	}
	if req.HelperCode != "" {
		if err := pytool.ValidateSource(req.HelperCode, false); err != nil {
			writeError(w, http.StatusUnprocessableEntity, "helper code rejected: "+err.Error())
			return
		}
	}

	srv := &store.Server{
		Name:             req.Name,
		Description:      req.Description,
		HelperCode:       req.HelperCode,
		AllowedModules:   req.AllowedModules,
		AllowedHosts:     req.AllowedHosts,
		NetworkMode:      req.NetworkMode,
		DefaultTimeoutMS: req.DefaultTimeoutMS,
		Enabled:          req.Enabled == nil || *req.Enabled,
	}
	if err := s.store.CreateServer(r.Context(), srv); err != nil {
		writeStoreError(w, err)
		return
	}
	s.audit.Activity(r.Context(), requestID(r.Context()), s.actorName(r.Context(), claims), "server.create", srv.ID, srv.Name)
	writeJSON(w, http.StatusCreated, serverView(srv))
}

func (s *Server) handleGetServer(w http.ResponseWriter, r *http.Request, _ *auth.Claims) {
	srv, err := s.store.GetServer(r.Context(), r.PathValue("id"))
	if err != nil {
		writeStoreError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, serverView(srv))
}

func (s *Server) handleUpdateServer(w http.ResponseWriter, r *http.Request, claims *auth.Claims) {
	ctx := r.Context()
	srv, err := s.store.GetServer(ctx, r.PathValue("id"))
	if err != nil {
		writeStoreError(w, err)
		return
	}
	var req serverRequest
	if !decodeJSON(w, r, &req) {
		return
	}
	if req.HelperCode != "" && req.HelperCode != srv.HelperCode {
		if err := pytool.ValidateSource(req.HelperCode, false); err != nil {
			writeError(w, http.StatusUnprocessableEntity, "helper code rejected: "+err.Error())
			return
		}
	}

	if req.Name != "" {
		srv.Name = req.Name
	}
	srv.Description = req.Description
	srv.HelperCode = req.HelperCode
	srv.AllowedModules = req.AllowedModules
	srv.AllowedHosts = req.AllowedHosts
	if req.NetworkMode != "" {
		srv.NetworkMode = req.NetworkMode
	}
	if req.DefaultTimeoutMS > 0 {
		srv.DefaultTimeoutMS = req.DefaultTimeoutMS
	}
	if req.Enabled != nil {
		srv.Enabled = *req.Enabled
	}
	if err := s.store.UpdateServer(ctx, srv); err != nil {
		writeStoreError(w, err)
		return
	}
	s.audit.Activity(ctx, requestID(ctx), s.actorName(ctx, claims), "server.update", srv.ID, srv.Name)
	if err := s.engine.SyncServer(ctx, srv.ID); err != nil {
		s.logger.Warn("sandbox sync after server update failed", "server", srv.Name, "error", err)
	}
	writeJSON(w, http.StatusOK, serverView(srv))
}

func (s *Server) handleDeleteServer(w http.ResponseWriter, r *http.Request, claims *auth.Claims) {
	ctx := r.Context()
	srv, err := s.store.GetServer(ctx, r.PathValue("id"))
	if err != nil {
		writeStoreError(w, err)
		return
	}
	if err := s.store.DeleteServer(ctx, srv.ID); err != nil {
		writeStoreError(w, err)
		return
	}
	s.audit.Activity(ctx, requestID(ctx), s.actorName(ctx, claims), "server.delete", srv.ID, srv.Name)
	s.engine.ForgetServer(ctx, srv.Name)
	w.WriteHeader(http.StatusNoContent)
}

type toolRequest struct {
	Name        string `json:"name"`
	Description string `json:"description"`
	PythonCode  string `json:"python_code"`
	TimeoutMS   int    `json:"timeout_ms"`
}

type toolResponse struct {
	ID             string          `json:"id"`
	ServerID       string          `json:"server_id"`
	Name           string          `json:"name"`
	Description    string          `json:"description,omitempty"`
	ToolType       string          `json:"tool_type"`
	PythonCode     string          `json:"python_code,omitempty"`
	InputSchema    json.RawMessage `json:"input_schema,omitempty"`
	Enabled        bool            `json:"enabled"`
	TimeoutMS      int             `json:"timeout_ms"`
	CurrentVersion int64           `json:"current_version"`
	ApprovalStatus string          `json:"approval_status"`
}

func toolView(t *store.Tool) toolResponse {
	resp := toolResponse{
		ID:             t.ID,
		ServerID:       t.ServerID,
		Name:           t.Name,
		Description:    t.Description,
		ToolType:       t.ToolType,
		PythonCode:     t.PythonCode.String,
		Enabled:        t.Enabled,
		TimeoutMS:      t.TimeoutMS,
		CurrentVersion: t.CurrentVersion,
		ApprovalStatus: t.ApprovalStatus,
	}
	if t.InputSchema.Valid {
		resp.InputSchema = json.RawMessage(t.InputSchema.String)
	}
	return resp
}

func (s *Server) handleListTools(w http.ResponseWriter, r *http.Request, _ *auth.Claims) {
	tools, err := s.store.ListTools(r.Context(), r.PathValue("id"))
	if err != nil {
		writeStoreError(w, err)
		return
	}
	out := make([]toolResponse, 0, len(tools))
	for _, t := range tools {
		out = append(out, toolView(t))
	}
	writeJSON(w, http.StatusOK, out)
}

func (s *Server) handleCreateTool(w http.ResponseWriter, r *http.Request, claims *auth.Claims) {
	ctx := r.Context()
	srv, err := s.store.GetServer(ctx, r.PathValue("id"))
	if err != nil {
		writeStoreError(w, err)
		return
	}
	var req toolRequest
	if !decodeJSON(w, r, &req) {
		return
	}
	if req.Name == "" || req.PythonCode == "" {
		writeError(w, http.StatusBadRequest, "name and python_code are required")
		return
	}
	if err := pytool.ValidateSource(req.PythonCode, true); err != nil {
		writeError(w, http.StatusUnprocessableEntity, "tool code rejected: "+err.Error())
		return
	}
	schema, err := pytool.ExtractSchema(req.PythonCode)
	if err != nil {
		writeError(w, http.StatusUnprocessableEntity, "could not derive input schema: "+err.Error())
		return
	}
	schemaJSON, err := json.Marshal(schema)
	if err != nil {
		writeError(w, http.StatusInternalServerError, "internal error")
		return
	}

	actor := s.actorName(ctx, claims)
	status := store.ApprovalPendingReview
	if s.engine.AutoApproveTools(ctx) {
		status = store.ApprovalApproved
	}
	tool := &store.Tool{
		ServerID:       srv.ID,
		Name:           req.Name,
		Description:    req.Description,
		ToolType:       "python_code",
		PythonCode:     sql.NullString{String: req.PythonCode, Valid: true},
		InputSchema:    sql.NullString{String: string(schemaJSON), Valid: true},
		Enabled:        true,
		TimeoutMS:      req.TimeoutMS,
		ApprovalStatus: status,
	}
	if err := s.store.CreateTool(ctx, tool, actor); err != nil {
		writeStoreError(w, err)
		return
	}
	s.audit.Activity(ctx, requestID(ctx), actor, "tool.create", tool.ID, srv.Name+"/"+tool.Name)
	if status == store.ApprovalApproved {
		if err := s.engine.SyncServer(ctx, srv.ID); err != nil {
			s.logger.Warn("sandbox sync after tool create failed", "server", srv.Name, "error", err)
		}
	}
	writeJSON(w, http.StatusCreated, toolView(tool))
}

func (s *Server) handleGetTool(w http.ResponseWriter, r *http.Request, _ *auth.Claims) {
	tool, err := s.store.GetTool(r.Context(), r.PathValue("id"))
	if err != nil {
		writeStoreError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, toolView(tool))
}

func (s *Server) handleUpdateToolCode(w http.ResponseWriter, r *http.Request, claims *auth.Claims) {
	ctx := r.Context()
	var req toolRequest
	if !decodeJSON(w, r, &req) {
		return
	}
	if req.PythonCode == "" {
		writeError(w, http.StatusBadRequest, "python_code is required")
		return
	}
	if err := pytool.ValidateSource(req.PythonCode, true); err != nil {
		writeError(w, http.StatusUnprocessableEntity, "tool code rejected: "+err.Error())
		return
	}
	schema, err := pytool.ExtractSchema(req.PythonCode)
	if err != nil {
		writeError(w, http.StatusUnprocessableEntity, "could not derive input schema: "+err.Error())
		return
	}
	schemaJSON, err := json.Marshal(schema)
	if err != nil {
		writeError(w, http.StatusInternalServerError, "internal error")
		return
	}

	actor := s.actorName(ctx, claims)
	tool, err := s.store.UpdateToolCode(ctx, r.PathValue("id"), req.PythonCode, string(schemaJSON),
		store.ChangeEdit, actor, s.engine.AutoApproveTools(ctx))
	if err != nil {
		writeStoreError(w, err)
		return
	}
	s.audit.Activity(ctx, requestID(ctx), actor, "tool.edit", tool.ID, "version "+strconv.FormatInt(tool.CurrentVersion, 10))
	if err := s.engine.SyncServer(ctx, tool.ServerID); err != nil {
		s.logger.Warn("sandbox sync after tool edit failed", "tool", tool.Name, "error", err)
	}
	writeJSON(w, http.StatusOK, toolView(tool))
}

func (s *Server) handleListToolVersions(w http.ResponseWriter, r *http.Request, _ *auth.Claims) {
	versions, err := s.store.ListToolVersions(r.Context(), r.PathValue("id"))
	if err != nil {
		writeStoreError(w, err)
		return
	}
	type versionResponse struct {
		Version      int64  `json:"version"`
		ChangeSource string `json:"change_source"`
		CreatedBy    string `json:"created_by,omitempty"`
	}
	out := make([]versionResponse, 0, len(versions))
	for _, v := range versions {
		out = append(out, versionResponse{Version: v.Version, ChangeSource: v.ChangeSource, CreatedBy: v.CreatedBy.String})
	}
	writeJSON(w, http.StatusOK, out)
}

func (s *Server) handleRollbackTool(w http.ResponseWriter, r *http.Request, claims *auth.Claims) {
	ctx := r.Context()
	var req struct {
		Version int64 `json:"version"`
	}
	if !decodeJSON(w, r, &req) {
		return
	}
	if req.Version < 1 {
		writeError(w, http.StatusBadRequest, "version must be at least 1")
		return
	}

	actor := s.actorName(ctx, claims)
	tool, err := s.store.RollbackTool(ctx, r.PathValue("id"), req.Version, actor, s.engine.AutoApproveTools(ctx))
	if err != nil {
		writeStoreError(w, err)
		return
	}
	s.audit.Activity(ctx, requestID(ctx), actor, "tool.rollback", tool.ID, "to version "+strconv.FormatInt(req.Version, 10))
	if err := s.engine.SyncServer(ctx, tool.ServerID); err != nil {
		s.logger.Warn("sandbox sync after rollback failed", "tool", tool.Name, "error", err)
	}
	writeJSON(w, http.StatusOK, toolView(tool))
}

func (s *Server) handleApproveTool(w http.ResponseWriter, r *http.Request, claims *auth.Claims) {
	s.decideTool(w, r, claims, true)
}

func (s *Server) handleRejectTool(w http.ResponseWriter, r *http.Request, claims *auth.Claims) {
	s.decideTool(w, r, claims, false)
}

func (s *Server) decideTool(w http.ResponseWriter, r *http.Request, claims *auth.Claims, approve bool) {
	ctx := r.Context()
	actor := s.actorName(ctx, claims)
	id := r.PathValue("id")

	var err error
	action := "tool.reject"
	if approve {
		action = "tool.approve"
		err = s.engine.ApproveTool(ctx, id, actor)
	} else {
		err = s.engine.RejectTool(ctx, id, actor)
	}
	if err != nil {
		writeStoreError(w, err)
		return
	}
	s.audit.Activity(ctx, requestID(ctx), actor, action, id, "")
	w.WriteHeader(http.StatusNoContent)
}

// handleTestTool runs the tool's current code ad hoc in the sandbox so
// drafts can be exercised before approval.
func (s *Server) handleTestTool(w http.ResponseWriter, r *http.Request, claims *auth.Claims) {
	if s.sandbox == nil {
		writeError(w, http.StatusServiceUnavailable, "no sandbox attached")
		return
	}
	ctx := r.Context()
	tool, err := s.store.GetTool(ctx, r.PathValue("id"))
	if err != nil {
		writeStoreError(w, err)
		return
	}
	srv, err := s.store.GetServer(ctx, tool.ServerID)
	if err != nil {
		writeStoreError(w, err)
		return
	}
	var req struct {
		Arguments map[string]any `json:"arguments"`
	}
	if !decodeJSON(w, r, &req) {
		return
	}

	res, err := s.sandbox.Execute(ctx, &sandboxserver.ExecuteRequest{
		Code:           tool.PythonCode.String,
		HelperCode:     srv.HelperCode,
		Arguments:      req.Arguments,
		AllowedModules: srv.AllowedModules,
		AllowedHosts:   srv.AllowedHosts,
		NetworkMode:    srv.NetworkMode,
		TimeoutMS:      tool.TimeoutMS,
	})
	if err != nil {
		writeError(w, http.StatusBadGateway, "sandbox unavailable")
		return
	}
	s.audit.Activity(ctx, requestID(ctx), s.actorName(ctx, claims), "tool.test", tool.ID, "")
	writeJSON(w, http.StatusOK, res)
}

func (s *Server) handleDeleteTool(w http.ResponseWriter, r *http.Request, claims *auth.Claims) {
	ctx := r.Context()
	tool, err := s.store.GetTool(ctx, r.PathValue("id"))
	if err != nil {
		writeStoreError(w, err)
		return
	}
	if err := s.store.DeleteTool(ctx, tool.ID); err != nil {
		writeStoreError(w, err)
		return
	}
	s.audit.Activity(ctx, requestID(ctx), s.actorName(ctx, claims), "tool.delete", tool.ID, tool.Name)
	if err := s.engine.SyncServer(ctx, tool.ServerID); err != nil {
		s.logger.Warn("sandbox sync after tool delete failed", "tool", tool.Name, "error", err)
	}
	w.WriteHeader(http.StatusNoContent)
}

func (s *Server) handleListSecrets(w http.ResponseWriter, r *http.Request, _ *auth.Claims) {
	secrets, err := s.store.ListServerSecrets(r.Context(), r.PathValue("id"))
	if err != nil {
		writeStoreError(w, err)
		return
	}
	names := make([]string, 0, len(secrets))
	for _, sec := range secrets {
		names = append(names, sec.KeyName)
	}
	writeJSON(w, http.StatusOK, map[string]any{"keys": names})
}

func (s *Server) handleSetSecret(w http.ResponseWriter, r *http.Request, claims *auth.Claims) {
	ctx := r.Context()
	srv, err := s.store.GetServer(ctx, r.PathValue("id"))
	if err != nil {
		writeStoreError(w, err)
		return
	}
	key := r.PathValue("key")
	var req struct {
		Value string `json:"value"`
	}
	if !decodeJSON(w, r, &req) {
		return
	}
	if req.Value == "" {
		writeError(w, http.StatusBadRequest, "value is required")
		return
	}

	blob, err := s.creds.SealSecret(key, req.Value)
	if err != nil {
		writeError(w, http.StatusInternalServerError, "internal error")
		return
	}
	if err := s.store.UpsertServerSecret(ctx, srv.ID, key, blob); err != nil {
		writeStoreError(w, err)
		return
	}
	// The audit row names the key, never the value.
	s.audit.Activity(ctx, requestID(ctx), s.actorName(ctx, claims), "secret.set", srv.ID, key)
	if err := s.engine.SyncServer(ctx, srv.ID); err != nil {
		s.logger.Warn("sandbox sync after secret change failed", "server", srv.Name, "error", err)
	}
	w.WriteHeader(http.StatusNoContent)
}

func (s *Server) handleDeleteSecret(w http.ResponseWriter, r *http.Request, claims *auth.Claims) {
	ctx := r.Context()
	serverID := r.PathValue("id")
	key := r.PathValue("key")
	if err := s.store.DeleteServerSecret(ctx, serverID, key); err != nil {
		writeStoreError(w, err)
		return
	}
	s.audit.Activity(ctx, requestID(ctx), s.actorName(ctx, claims), "secret.delete", serverID, key)
	if err := s.engine.SyncServer(ctx, serverID); err != nil {
		s.logger.Warn("sandbox sync after secret delete failed", "server", serverID, "error", err)
	}
	w.WriteHeader(http.StatusNoContent)
}
