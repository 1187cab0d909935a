package store

import (
	"context"
	"database/sql"
	"errors"
	"path/filepath"
	"testing"
	"time"
)

func newTestStore(t *testing.T) *Store {
	t.Helper()
	s, err := New(filepath.Join(t.TempDir(), "test.db"))
	if err != nil {
		t.Fatalf("New: %v", err)
	}
	t.Cleanup(func() { s.Close() })
	return s
}

func createTestServer(t *testing.T, s *Store, name string) *Server {
	t.Helper()
	srv := &Server{
		Name:           name,
		Description:    "test server",
		AllowedModules: []string{"json", "re"},
		AllowedHosts:   []string{"api.example.com"},
	}
	if err := s.CreateServer(context.Background(), srv); err != nil {
		t.Fatalf("CreateServer: %v", err)
	}
	return srv
}

func TestServerRoundTrip(t *testing.T) {
	s := newTestStore(t)
	ctx := context.Background()

	srv := createTestServer(t, s, "weather")
	if srv.NetworkMode != "allowlist" {
		t.Errorf("default network mode = %q, want allowlist", srv.NetworkMode)
	}
	if srv.DefaultTimeoutMS != 30000 {
		t.Errorf("default timeout = %d, want 30000", srv.DefaultTimeoutMS)
	}

	got, err := s.GetServerByName(ctx, "weather")
	if err != nil {
		t.Fatalf("GetServerByName: %v", err)
	}
	if got.ID != srv.ID {
		t.Errorf("ID = %q, want %q", got.ID, srv.ID)
	}
	if len(got.AllowedModules) != 2 || got.AllowedModules[0] != "json" {
		t.Errorf("AllowedModules = %v", got.AllowedModules)
	}
	if len(got.AllowedHosts) != 1 || got.AllowedHosts[0] != "api.example.com" {
		t.Errorf("AllowedHosts = %v", got.AllowedHosts)
	}

	got.Description = "updated"
	got.AllowedHosts = nil
	if err := s.UpdateServer(ctx, got); err != nil {
		t.Fatalf("UpdateServer: %v", err)
	}
	got, err = s.GetServer(ctx, srv.ID)
	if err != nil {
		t.Fatalf("GetServer: %v", err)
	}
	if got.Description != "updated" {
		t.Errorf("Description = %q", got.Description)
	}
	if len(got.AllowedHosts) != 0 {
		t.Errorf("AllowedHosts after clear = %v", got.AllowedHosts)
	}

	if _, err := s.GetServer(ctx, "missing"); !errors.Is(err, ErrNotFound) {
		t.Errorf("GetServer missing = %v, want ErrNotFound", err)
	}
}

func TestServerNameUnique(t *testing.T) {
	s := newTestStore(t)
	createTestServer(t, s, "dup")
	err := s.CreateServer(context.Background(), &Server{Name: "dup"})
	if !IsUniqueViolation(err) {
		t.Errorf("duplicate server name = %v, want unique violation", err)
	}
}

func TestDeleteServerCascades(t *testing.T) {
	s := newTestStore(t)
	ctx := context.Background()
	srv := createTestServer(t, s, "cascade")

	tool := &Tool{
		ServerID:   srv.ID,
		Name:       "lookup",
		ToolType:   "python_code",
		PythonCode: sql.NullString{String: "def main():\n    return 1\n", Valid: true},
		Enabled:    true,
	}
	if err := s.CreateTool(ctx, tool, "admin"); err != nil {
		t.Fatalf("CreateTool: %v", err)
	}
	if err := s.UpsertServerSecret(ctx, srv.ID, "API_KEY", []byte("ciphertext")); err != nil {
		t.Fatalf("UpsertServerSecret: %v", err)
	}

	if err := s.DeleteServer(ctx, srv.ID); err != nil {
		t.Fatalf("DeleteServer: %v", err)
	}
	if _, err := s.GetTool(ctx, tool.ID); !errors.Is(err, ErrNotFound) {
		t.Errorf("tool after cascade = %v, want ErrNotFound", err)
	}
	secrets, err := s.ListServerSecrets(ctx, srv.ID)
	if err != nil {
		t.Fatalf("ListServerSecrets: %v", err)
	}
	if len(secrets) != 0 {
		t.Errorf("secrets after cascade = %d, want 0", len(secrets))
	}
	versions, err := s.ListToolVersions(ctx, tool.ID)
	if err != nil {
		t.Fatalf("ListToolVersions: %v", err)
	}
	if len(versions) != 0 {
		t.Errorf("versions after cascade = %d, want 0", len(versions))
	}
}

func TestToolVersioning(t *testing.T) {
	s := newTestStore(t)
	ctx := context.Background()
	srv := createTestServer(t, s, "versions")

	tool := &Tool{
		ServerID:   srv.ID,
		Name:       "calc",
		ToolType:   "python_code",
		PythonCode: sql.NullString{String: "def main():\n    return 1\n", Valid: true},
		Enabled:    true,
	}
	if err := s.CreateTool(ctx, tool, "admin"); err != nil {
		t.Fatalf("CreateTool: %v", err)
	}
	if tool.CurrentVersion != 1 {
		t.Errorf("CurrentVersion = %d, want 1", tool.CurrentVersion)
	}
	if tool.ApprovalStatus != ApprovalDraft {
		t.Errorf("ApprovalStatus = %q, want draft", tool.ApprovalStatus)
	}

	if err := s.SetToolApproval(ctx, tool.ID, ApprovalApproved, "admin"); err != nil {
		t.Fatalf("SetToolApproval: %v", err)
	}

	// An edit without auto-approve must drop the tool back to review.
	updated, err := s.UpdateToolCode(ctx, tool.ID, "def main():\n    return 2\n", "", ChangeEdit, "admin", false)
	if err != nil {
		t.Fatalf("UpdateToolCode: %v", err)
	}
	if updated.CurrentVersion != 2 {
		t.Errorf("CurrentVersion = %d, want 2", updated.CurrentVersion)
	}
	if updated.ApprovalStatus != ApprovalPendingReview {
		t.Errorf("ApprovalStatus = %q, want pending_review", updated.ApprovalStatus)
	}
	if updated.ApprovedAt.Valid || updated.ApprovedBy.Valid {
		t.Error("approval metadata not cleared on edit")
	}

	rolled, err := s.RollbackTool(ctx, tool.ID, 1, "admin", true)
	if err != nil {
		t.Fatalf("RollbackTool: %v", err)
	}
	if rolled.CurrentVersion != 3 {
		t.Errorf("CurrentVersion after rollback = %d, want 3", rolled.CurrentVersion)
	}
	if rolled.PythonCode.String != "def main():\n    return 1\n" {
		t.Errorf("PythonCode after rollback = %q", rolled.PythonCode.String)
	}
	if rolled.ApprovalStatus != ApprovalApproved {
		t.Errorf("ApprovalStatus after auto-approve rollback = %q", rolled.ApprovalStatus)
	}

	versions, err := s.ListToolVersions(ctx, tool.ID)
	if err != nil {
		t.Fatalf("ListToolVersions: %v", err)
	}
	if len(versions) != 3 {
		t.Fatalf("versions = %d, want 3", len(versions))
	}
	if versions[0].Version != 3 || versions[0].ChangeSource != ChangeRollback {
		t.Errorf("newest version = %d/%s, want 3/rollback", versions[0].Version, versions[0].ChangeSource)
	}

	if _, err := s.RollbackTool(ctx, tool.ID, 99, "admin", false); !errors.Is(err, ErrNotFound) {
		t.Errorf("rollback to missing version = %v, want ErrNotFound", err)
	}
}

func TestToolNameUniquePerServer(t *testing.T) {
	s := newTestStore(t)
	ctx := context.Background()
	a := createTestServer(t, s, "srv-a")
	b := createTestServer(t, s, "srv-b")

	mk := func(serverID string) error {
		return s.CreateTool(ctx, &Tool{ServerID: serverID, Name: "same", ToolType: "python_code"}, "admin")
	}
	if err := mk(a.ID); err != nil {
		t.Fatalf("first create: %v", err)
	}
	if err := mk(b.ID); err != nil {
		t.Errorf("same name on other server: %v", err)
	}
	if err := mk(a.ID); !IsUniqueViolation(err) {
		t.Errorf("duplicate name on same server = %v, want unique violation", err)
	}
}

func TestServerSecretUpsert(t *testing.T) {
	s := newTestStore(t)
	ctx := context.Background()
	srv := createTestServer(t, s, "secrets")

	if err := s.UpsertServerSecret(ctx, srv.ID, "API_KEY", []byte("v1")); err != nil {
		t.Fatalf("UpsertServerSecret: %v", err)
	}
	if err := s.UpsertServerSecret(ctx, srv.ID, "API_KEY", []byte("v2")); err != nil {
		t.Fatalf("UpsertServerSecret overwrite: %v", err)
	}
	secrets, err := s.ListServerSecrets(ctx, srv.ID)
	if err != nil {
		t.Fatalf("ListServerSecrets: %v", err)
	}
	if len(secrets) != 1 {
		t.Fatalf("secrets = %d, want 1", len(secrets))
	}
	if string(secrets[0].ValueEncrypted) != "v2" {
		t.Errorf("value = %q, want v2", secrets[0].ValueEncrypted)
	}
}

func TestRequestDuplicatePending(t *testing.T) {
	s := newTestStore(t)
	ctx := context.Background()
	srv := createTestServer(t, s, "requests")

	req := &NetworkAccessRequest{ServerID: srv.ID, Host: "api.stripe.com", Reason: "billing"}
	if err := s.CreateNetworkRequest(ctx, req); err != nil {
		t.Fatalf("CreateNetworkRequest: %v", err)
	}
	dup := &NetworkAccessRequest{ServerID: srv.ID, Host: "api.stripe.com", Reason: "again"}
	if err := s.CreateNetworkRequest(ctx, dup); !errors.Is(err, ErrDuplicatePending) {
		t.Errorf("duplicate pending = %v, want ErrDuplicatePending", err)
	}

	decided, err := s.DecideNetworkRequest(ctx, req.ID, RequestApproved, "admin")
	if err != nil {
		t.Fatalf("DecideNetworkRequest: %v", err)
	}
	if decided.Status != RequestApproved || !decided.DecidedAt.Valid {
		t.Errorf("decided = %+v", decided)
	}

	// Once decided, a fresh pending request for the same host is allowed.
	if err := s.CreateNetworkRequest(ctx, dup); err != nil {
		t.Errorf("pending after decision: %v", err)
	}

	// Deciding twice fails: the row is no longer pending.
	if _, err := s.DecideNetworkRequest(ctx, req.ID, RequestRejected, "admin"); !errors.Is(err, ErrNotFound) {
		t.Errorf("double decide = %v, want ErrNotFound", err)
	}
}

func TestApprovedTargets(t *testing.T) {
	s := newTestStore(t)
	ctx := context.Background()
	srv := createTestServer(t, s, "targets")

	hosts := []string{"api.one.com", "api.two.com", "api.three.com"}
	var ids []string
	for _, h := range hosts {
		r := &NetworkAccessRequest{ServerID: srv.ID, Host: h, Reason: "test"}
		if err := s.CreateNetworkRequest(ctx, r); err != nil {
			t.Fatalf("CreateNetworkRequest(%s): %v", h, err)
		}
		ids = append(ids, r.ID)
	}
	if _, err := s.DecideNetworkRequest(ctx, ids[0], RequestApproved, "admin"); err != nil {
		t.Fatal(err)
	}
	if _, err := s.DecideNetworkRequest(ctx, ids[1], RequestRejected, "admin"); err != nil {
		t.Fatal(err)
	}

	approved, err := s.ApprovedHosts(ctx, srv.ID)
	if err != nil {
		t.Fatalf("ApprovedHosts: %v", err)
	}
	if len(approved) != 1 || approved[0] != "api.one.com" {
		t.Errorf("ApprovedHosts = %v, want [api.one.com]", approved)
	}

	mr := &ModuleRequest{ServerID: srv.ID, Module: "base64", Reason: "encoding"}
	if err := s.CreateModuleRequest(ctx, mr); err != nil {
		t.Fatalf("CreateModuleRequest: %v", err)
	}
	if _, err := s.DecideModuleRequest(ctx, mr.ID, RequestApproved, "admin"); err != nil {
		t.Fatal(err)
	}
	mods, err := s.ApprovedModules(ctx, srv.ID)
	if err != nil {
		t.Fatalf("ApprovedModules: %v", err)
	}
	if len(mods) != 1 || mods[0] != "base64" {
		t.Errorf("ApprovedModules = %v, want [base64]", mods)
	}
}

func TestAdminPasswordVersion(t *testing.T) {
	s := newTestStore(t)
	ctx := context.Background()

	u := &AdminUser{Username: "root", PasswordHash: "$argon2id$hash", IsActive: true}
	if err := s.CreateAdminUser(ctx, u); err != nil {
		t.Fatalf("CreateAdminUser: %v", err)
	}
	if u.PasswordVersion != 1 {
		t.Errorf("PasswordVersion = %d, want 1", u.PasswordVersion)
	}
	if err := s.UpdateAdminPassword(ctx, u.ID, "$argon2id$newhash"); err != nil {
		t.Fatalf("UpdateAdminPassword: %v", err)
	}
	got, err := s.GetAdminByUsername(ctx, "root")
	if err != nil {
		t.Fatalf("GetAdminByUsername: %v", err)
	}
	if got.PasswordVersion != 2 {
		t.Errorf("PasswordVersion after change = %d, want 2", got.PasswordVersion)
	}
	if got.PasswordHash != "$argon2id$newhash" {
		t.Errorf("PasswordHash = %q", got.PasswordHash)
	}
}

func TestTokenBlacklist(t *testing.T) {
	s := newTestStore(t)
	ctx := context.Background()

	if err := s.BlacklistToken(ctx, "jti-live", time.Now().Add(time.Hour)); err != nil {
		t.Fatalf("BlacklistToken: %v", err)
	}
	if err := s.BlacklistToken(ctx, "jti-stale", time.Now().Add(-time.Hour)); err != nil {
		t.Fatalf("BlacklistToken: %v", err)
	}

	live, err := s.IsTokenBlacklisted(ctx, "jti-live")
	if err != nil || !live {
		t.Errorf("live jti = %v, %v, want true", live, err)
	}
	stale, err := s.IsTokenBlacklisted(ctx, "jti-stale")
	if err != nil || stale {
		t.Errorf("stale jti = %v, %v, want false", stale, err)
	}

	active, err := s.LoadActiveBlacklist(ctx)
	if err != nil {
		t.Fatalf("LoadActiveBlacklist: %v", err)
	}
	if _, ok := active["jti-live"]; !ok || len(active) != 1 {
		t.Errorf("active blacklist = %v", active)
	}

	n, err := s.PruneBlacklist(ctx)
	if err != nil {
		t.Fatalf("PruneBlacklist: %v", err)
	}
	if n != 1 {
		t.Errorf("pruned = %d, want 1", n)
	}
}

func TestSettingsUpsert(t *testing.T) {
	s := newTestStore(t)
	ctx := context.Background()

	if err := s.SetSetting(ctx, "approval_profile", "balanced", false); err != nil {
		t.Fatalf("SetSetting: %v", err)
	}
	if err := s.SetSetting(ctx, "approval_profile", "strict", false); err != nil {
		t.Fatalf("SetSetting overwrite: %v", err)
	}
	got, err := s.GetSetting(ctx, "approval_profile")
	if err != nil {
		t.Fatalf("GetSetting: %v", err)
	}
	if got.Value.String != "strict" {
		t.Errorf("value = %q, want strict", got.Value.String)
	}
	if _, err := s.GetSetting(ctx, "missing"); !errors.Is(err, ErrNotFound) {
		t.Errorf("missing setting = %v, want ErrNotFound", err)
	}
}

func TestCredentialTokenUpdate(t *testing.T) {
	s := newTestStore(t)
	ctx := context.Background()
	srv := createTestServer(t, s, "creds")

	c := &Credential{
		ServerID:              srv.ID,
		Name:                  "github",
		AuthType:              "oauth2",
		AccessTokenEncrypted:  []byte("enc-access"),
		RefreshTokenEncrypted: []byte("enc-refresh"),
		AccessTokenExpiresAt:  sql.NullTime{Time: time.Now().Add(time.Minute), Valid: true},
	}
	if err := s.CreateCredential(ctx, c); err != nil {
		t.Fatalf("CreateCredential: %v", err)
	}

	expiring, err := s.ListCredentialsExpiringBy(ctx, time.Now().Add(10*time.Minute))
	if err != nil {
		t.Fatalf("ListCredentialsExpiringBy: %v", err)
	}
	if len(expiring) != 1 || expiring[0].ID != c.ID {
		t.Fatalf("expiring = %v", expiring)
	}

	newExp := time.Now().Add(time.Hour)
	if err := s.UpdateCredentialTokens(ctx, c.ID, []byte("enc-access-2"), []byte("enc-refresh-2"), newExp); err != nil {
		t.Fatalf("UpdateCredentialTokens: %v", err)
	}
	got, err := s.GetCredential(ctx, c.ID)
	if err != nil {
		t.Fatalf("GetCredential: %v", err)
	}
	if string(got.AccessTokenEncrypted) != "enc-access-2" {
		t.Errorf("access token = %q", got.AccessTokenEncrypted)
	}

	expiring, err = s.ListCredentialsExpiringBy(ctx, time.Now().Add(10*time.Minute))
	if err != nil {
		t.Fatalf("ListCredentialsExpiringBy: %v", err)
	}
	if len(expiring) != 0 {
		t.Errorf("expiring after refresh = %d, want 0", len(expiring))
	}
}

func TestExternalSourceDeleteKeepsTools(t *testing.T) {
	s := newTestStore(t)
	ctx := context.Background()
	srv := createTestServer(t, s, "external")

	src := &ExternalSource{ServerID: srv.ID, URL: "https://mcp.example.com/mcp"}
	if err := s.CreateExternalSource(ctx, src); err != nil {
		t.Fatalf("CreateExternalSource: %v", err)
	}
	tool := &Tool{
		ServerID:         srv.ID,
		Name:             "imported",
		ToolType:         "mcp_passthrough",
		ExternalSourceID: sql.NullString{String: src.ID, Valid: true},
		ExternalToolName: sql.NullString{String: "remote_tool", Valid: true},
	}
	if err := s.CreateTool(ctx, tool, "admin"); err != nil {
		t.Fatalf("CreateTool: %v", err)
	}

	if err := s.DeleteExternalSource(ctx, src.ID); err != nil {
		t.Fatalf("DeleteExternalSource: %v", err)
	}
	got, err := s.GetTool(ctx, tool.ID)
	if err != nil {
		t.Fatalf("tool after source delete: %v", err)
	}
	if got.ExternalSourceID.Valid {
		t.Errorf("ExternalSourceID = %v, want NULL", got.ExternalSourceID)
	}
}

func TestLogsInsertAndPrune(t *testing.T) {
	s := newTestStore(t)
	ctx := context.Background()

	if err := s.InsertActivityLog(ctx, &ActivityLog{
		Action: "server.create",
		Actor:  sql.NullString{String: "admin", Valid: true},
	}); err != nil {
		t.Fatalf("InsertActivityLog: %v", err)
	}
	if err := s.InsertExecutionLog(ctx, &ExecutionLog{
		ToolName:   "weather__report",
		Success:    true,
		DurationMS: 12,
	}); err != nil {
		t.Fatalf("InsertExecutionLog: %v", err)
	}

	execs, err := s.ListRecentExecutions(ctx, 10)
	if err != nil {
		t.Fatalf("ListRecentExecutions: %v", err)
	}
	if len(execs) != 1 || execs[0].ToolName != "weather__report" {
		t.Errorf("executions = %v", execs)
	}

	// Future cutoff drops everything.
	n, err := s.PruneLogs(ctx, time.Now().Add(time.Hour))
	if err != nil {
		t.Fatalf("PruneLogs: %v", err)
	}
	if n != 2 {
		t.Errorf("pruned = %d, want 2", n)
	}
}

func TestMigrationsIdempotent(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, "test.db")
	s, err := New(path)
	if err != nil {
		t.Fatalf("New: %v", err)
	}
	s.Close()

	// Reopening must not re-run applied migrations.
	s, err = New(path)
	if err != nil {
		t.Fatalf("reopen: %v", err)
	}
	defer s.Close()

	var n int
	if err := s.DB().QueryRow("SELECT COUNT(*) FROM schema_migrations").Scan(&n); err != nil {
		t.Fatalf("count migrations: %v", err)
	}
	if n != 1 {
		t.Errorf("applied migrations = %d, want 1", n)
	}
}
