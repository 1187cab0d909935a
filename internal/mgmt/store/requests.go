package store

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"
)

// Request states shared by network and module requests.
const (
	RequestPending  = "pending"
	RequestApproved = "approved"
	RequestRejected = "rejected"
)

// ErrDuplicatePending is returned when a pending request for the same
// target and origin already exists.
var ErrDuplicatePending = errors.New("a pending request for this target already exists")

// NetworkAccessRequest asks to allow outbound traffic to one host.
type NetworkAccessRequest struct {
	ID          string
	ServerID    string
	ToolID      sql.NullString
	Host        string
	Port        sql.NullInt64
	Reason      string
	Status      string
	RequestedBy sql.NullString
	DecidedBy   sql.NullString
	DecidedAt   sql.NullTime
	CreatedAt   time.Time
}

// ModuleRequest asks to allow one runtime module.
type ModuleRequest struct {
	ID          string
	ServerID    string
	ToolID      sql.NullString
	Module      string
	Reason      string
	Status      string
	RequestedBy sql.NullString
	DecidedBy   sql.NullString
	DecidedAt   sql.NullTime
	CreatedAt   time.Time
}

// CreateNetworkRequest inserts a pending network access request. The
// partial unique indexes reject a second pending request for the same
// target and origin.
func (s *Store) CreateNetworkRequest(ctx context.Context, r *NetworkAccessRequest) error {
	if r.ID == "" {
		r.ID = uuid.NewString()
	}
	r.Status = RequestPending
	r.CreatedAt = time.Now()
	_, err := s.db.ExecContext(ctx, `
		INSERT INTO network_access_requests (id, server_id, tool_id, host, port, reason,
		    status, requested_by, created_at)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?)
	`, r.ID, r.ServerID, r.ToolID, r.Host, r.Port, r.Reason, r.Status, r.RequestedBy, r.CreatedAt)
	if IsUniqueViolation(err) {
		return fmt.Errorf("network request for %q: %w", r.Host, ErrDuplicatePending)
	}
	if err != nil {
		return fmt.Errorf("failed to create network request: %w", err)
	}
	return nil
}

// CreateModuleRequest inserts a pending module request.
func (s *Store) CreateModuleRequest(ctx context.Context, r *ModuleRequest) error {
	if r.ID == "" {
		r.ID = uuid.NewString()
	}
	r.Status = RequestPending
	r.CreatedAt = time.Now()
	_, err := s.db.ExecContext(ctx, `
		INSERT INTO module_requests (id, server_id, tool_id, module, reason,
		    status, requested_by, created_at)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?)
	`, r.ID, r.ServerID, r.ToolID, r.Module, r.Reason, r.Status, r.RequestedBy, r.CreatedAt)
	if IsUniqueViolation(err) {
		return fmt.Errorf("module request for %q: %w", r.Module, ErrDuplicatePending)
	}
	if err != nil {
		return fmt.Errorf("failed to create module request: %w", err)
	}
	return nil
}

// DecideNetworkRequest transitions one pending network request to
// approved or rejected. Deciding a non-pending request is an error.
func (s *Store) DecideNetworkRequest(ctx context.Context, id, status, actor string) (*NetworkAccessRequest, error) {
	if err := s.decideRequest(ctx, "network_access_requests", id, status, actor); err != nil {
		return nil, err
	}
	return s.getNetworkRequest(ctx, id)
}

// DecideModuleRequest transitions one pending module request.
func (s *Store) DecideModuleRequest(ctx context.Context, id, status, actor string) (*ModuleRequest, error) {
	if err := s.decideRequest(ctx, "module_requests", id, status, actor); err != nil {
		return nil, err
	}
	return s.getModuleRequest(ctx, id)
}

func (s *Store) decideRequest(ctx context.Context, table, id, status, actor string) error {
	if status != RequestApproved && status != RequestRejected {
		return fmt.Errorf("invalid decision %q", status)
	}
	res, err := s.db.ExecContext(ctx, fmt.Sprintf(`
		UPDATE %s SET status = ?, decided_by = ?, decided_at = ?
		WHERE id = ? AND status = ?
	`, table), status, actor, time.Now(), id, RequestPending)
	if err != nil {
		return fmt.Errorf("failed to decide request: %w", err)
	}
	n, err := res.RowsAffected()
	if err != nil {
		return err
	}
	if n == 0 {
		return fmt.Errorf("pending request: %w", ErrNotFound)
	}
	return nil
}

// ListNetworkRequests returns a server's requests, optionally filtered by
// status ("" = all), newest first.
func (s *Store) ListNetworkRequests(ctx context.Context, serverID, status string) ([]*NetworkAccessRequest, error) {
	query := networkSelect + " WHERE server_id = ?"
	args := []any{serverID}
	if status != "" {
		query += " AND status = ?"
		args = append(args, status)
	}
	rows, err := s.db.QueryContext(ctx, query+" ORDER BY created_at DESC", args...)
	if err != nil {
		return nil, fmt.Errorf("failed to list network requests: %w", err)
	}
	defer rows.Close()

	var out []*NetworkAccessRequest
	for rows.Next() {
		r := &NetworkAccessRequest{}
		if err := rows.Scan(&r.ID, &r.ServerID, &r.ToolID, &r.Host, &r.Port, &r.Reason,
			&r.Status, &r.RequestedBy, &r.DecidedBy, &r.DecidedAt, &r.CreatedAt); err != nil {
			return nil, err
		}
		out = append(out, r)
	}
	return out, rows.Err()
}

// ListModuleRequests mirrors ListNetworkRequests for module requests.
func (s *Store) ListModuleRequests(ctx context.Context, serverID, status string) ([]*ModuleRequest, error) {
	query := moduleSelect + " WHERE server_id = ?"
	args := []any{serverID}
	if status != "" {
		query += " AND status = ?"
		args = append(args, status)
	}
	rows, err := s.db.QueryContext(ctx, query+" ORDER BY created_at DESC", args...)
	if err != nil {
		return nil, fmt.Errorf("failed to list module requests: %w", err)
	}
	defer rows.Close()

	var out []*ModuleRequest
	for rows.Next() {
		r := &ModuleRequest{}
		if err := rows.Scan(&r.ID, &r.ServerID, &r.ToolID, &r.Module, &r.Reason,
			&r.Status, &r.RequestedBy, &r.DecidedBy, &r.DecidedAt, &r.CreatedAt); err != nil {
			return nil, err
		}
		out = append(out, r)
	}
	return out, rows.Err()
}

// ApprovedHosts returns the approved network targets of a server. The
// request table is the single source of truth for the allowlist.
func (s *Store) ApprovedHosts(ctx context.Context, serverID string) ([]string, error) {
	return s.approvedTargets(ctx, "SELECT DISTINCT host FROM network_access_requests WHERE server_id = ? AND status = ?", serverID)
}

// ApprovedModules returns the approved runtime modules of a server.
func (s *Store) ApprovedModules(ctx context.Context, serverID string) ([]string, error) {
	return s.approvedTargets(ctx, "SELECT DISTINCT module FROM module_requests WHERE server_id = ? AND status = ?", serverID)
}

func (s *Store) approvedTargets(ctx context.Context, query, serverID string) ([]string, error) {
	rows, err := s.db.QueryContext(ctx, query+" ORDER BY 1", serverID, RequestApproved)
	if err != nil {
		return nil, fmt.Errorf("failed to list approved targets: %w", err)
	}
	defer rows.Close()

	var out []string
	for rows.Next() {
		var target string
		if err := rows.Scan(&target); err != nil {
			return nil, err
		}
		out = append(out, target)
	}
	return out, rows.Err()
}

func (s *Store) getNetworkRequest(ctx context.Context, id string) (*NetworkAccessRequest, error) {
	r := &NetworkAccessRequest{}
	err := s.db.QueryRowContext(ctx, networkSelect+" WHERE id = ?", id).Scan(
		&r.ID, &r.ServerID, &r.ToolID, &r.Host, &r.Port, &r.Reason,
		&r.Status, &r.RequestedBy, &r.DecidedBy, &r.DecidedAt, &r.CreatedAt)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, fmt.Errorf("network request: %w", ErrNotFound)
	}
	return r, err
}

func (s *Store) getModuleRequest(ctx context.Context, id string) (*ModuleRequest, error) {
	r := &ModuleRequest{}
	err := s.db.QueryRowContext(ctx, moduleSelect+" WHERE id = ?", id).Scan(
		&r.ID, &r.ServerID, &r.ToolID, &r.Module, &r.Reason,
		&r.Status, &r.RequestedBy, &r.DecidedBy, &r.DecidedAt, &r.CreatedAt)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, fmt.Errorf("module request: %w", ErrNotFound)
	}
	return r, err
}

const networkSelect = `
	SELECT id, server_id, tool_id, host, port, reason, status,
	       requested_by, decided_by, decided_at, created_at
	FROM network_access_requests`

const moduleSelect = `
	SELECT id, server_id, tool_id, module, reason, status,
	       requested_by, decided_by, decided_at, created_at
	FROM module_requests`
