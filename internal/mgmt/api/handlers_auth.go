package api

import (
	"errors"
	"net/http"

	"github.com/mcpbox/mcpbox/common/crypto"
	"github.com/mcpbox/mcpbox/internal/mgmt/auth"
	"github.com/mcpbox/mcpbox/internal/mgmt/store"
)

type loginRequest struct {
	Username string `json:"username"`
	Password string `json:"password"`
}

// handleSetup creates the first admin account. Once any admin exists the
// endpoint locks itself.
func (s *Server) handleSetup(w http.ResponseWriter, r *http.Request) {
	ctx := r.Context()
	n, err := s.store.CountAdmins(ctx)
	if err != nil {
		writeStoreError(w, err)
		return
	}
	if n > 0 {
		writeError(w, http.StatusForbidden, "setup already completed")
		return
	}

	var req loginRequest
	if !decodeJSON(w, r, &req) {
		return
	}
	if req.Username == "" || len(req.Password) < 12 {
		writeError(w, http.StatusBadRequest, "username required and password must be at least 12 characters")
		return
	}

	hash, err := crypto.HashPassword(req.Password)
	if err != nil {
		writeError(w, http.StatusInternalServerError, "internal error")
		return
	}
	admin := &store.AdminUser{Username: req.Username, PasswordHash: hash, IsActive: true}
	if err := s.store.CreateAdminUser(ctx, admin); err != nil {
		writeStoreError(w, err)
		return
	}
	s.audit.Activity(ctx, requestID(ctx), req.Username, "admin.setup", admin.ID, "")
	writeJSON(w, http.StatusCreated, map[string]string{"id": admin.ID, "username": admin.Username})
}

func (s *Server) handleLogin(w http.ResponseWriter, r *http.Request) {
	var req loginRequest
	if !decodeJSON(w, r, &req) {
		return
	}

	ip := r.RemoteAddr
	if s.limiter != nil {
		ip = s.limiter.ClientIP(r)
	}
	pair, err := s.auth.Login(r.Context(), req.Username, req.Password, ip)
	switch {
	case errors.Is(err, auth.ErrTooManyAttempts):
		writeError(w, http.StatusTooManyRequests, "too many login attempts, try again later")
		return
	case errors.Is(err, auth.ErrInvalidCredentials):
		writeError(w, http.StatusUnauthorized, "invalid username or password")
		return
	case err != nil:
		writeError(w, http.StatusInternalServerError, "internal error")
		return
	}
	s.audit.Activity(r.Context(), requestID(r.Context()), req.Username, "auth.login", "", "")
	writeJSON(w, http.StatusOK, pair)
}

type refreshRequest struct {
	RefreshToken string `json:"refresh_token"`
}

func (s *Server) handleRefresh(w http.ResponseWriter, r *http.Request) {
	var req refreshRequest
	if !decodeJSON(w, r, &req) {
		return
	}
	pair, err := s.auth.Refresh(r.Context(), req.RefreshToken)
	if err != nil {
		writeError(w, http.StatusUnauthorized, "invalid refresh token")
		return
	}
	writeJSON(w, http.StatusOK, pair)
}

func (s *Server) handleLogout(w http.ResponseWriter, r *http.Request, claims *auth.Claims) {
	var req refreshRequest
	if !decodeJSON(w, r, &req) {
		return
	}
	access, _ := bearerToken(r)
	if err := s.auth.Logout(r.Context(), access, req.RefreshToken); err != nil {
		writeError(w, http.StatusInternalServerError, "internal error")
		return
	}
	s.audit.Activity(r.Context(), requestID(r.Context()), s.actorName(r.Context(), claims), "auth.logout", "", "")
	w.WriteHeader(http.StatusNoContent)
}

type changePasswordRequest struct {
	CurrentPassword string `json:"current_password"`
	NewPassword     string `json:"new_password"`
}

func (s *Server) handleChangePassword(w http.ResponseWriter, r *http.Request, claims *auth.Claims) {
	var req changePasswordRequest
	if !decodeJSON(w, r, &req) {
		return
	}
	if len(req.NewPassword) < 12 {
		writeError(w, http.StatusBadRequest, "new password must be at least 12 characters")
		return
	}
	err := s.auth.ChangePassword(r.Context(), claims.Subject, req.CurrentPassword, req.NewPassword)
	if errors.Is(err, auth.ErrInvalidCredentials) {
		writeError(w, http.StatusUnauthorized, "current password is wrong")
		return
	}
	if err != nil {
		writeError(w, http.StatusInternalServerError, "internal error")
		return
	}
	s.audit.Activity(r.Context(), requestID(r.Context()), s.actorName(r.Context(), claims), "auth.change_password", claims.Subject, "")
	w.WriteHeader(http.StatusNoContent)
}

func (s *Server) handleMe(w http.ResponseWriter, r *http.Request, claims *auth.Claims) {
	admin, err := s.store.GetAdmin(r.Context(), claims.Subject)
	if err != nil {
		writeStoreError(w, err)
		return
	}
	resp := map[string]any{
		"id":       admin.ID,
		"username": admin.Username,
	}
	if admin.LastLoginAt.Valid {
		resp["last_login_at"] = admin.LastLoginAt.Time
	}
	writeJSON(w, http.StatusOK, resp)
}
