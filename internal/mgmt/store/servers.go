package store

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/google/uuid"
)

// ErrNotFound is returned when a requested row does not exist.
var ErrNotFound = errors.New("not found")

// Server is one tool namespace with its sandbox policy.
type Server struct {
	ID               string
	Name             string
	Description      string
	HelperCode       string
	AllowedModules   []string
	AllowedHosts     []string
	NetworkMode      string
	DefaultTimeoutMS int
	Enabled          bool
	CreatedAt        time.Time
	UpdatedAt        time.Time
}

// CreateServer inserts a new server.
func (s *Store) CreateServer(ctx context.Context, srv *Server) error {
	if srv.ID == "" {
		srv.ID = uuid.NewString()
	}
	if srv.NetworkMode == "" {
		srv.NetworkMode = "allowlist"
	}
	if srv.DefaultTimeoutMS <= 0 {
		srv.DefaultTimeoutMS = 30000
	}
	srv.CreatedAt = time.Now()
	srv.UpdatedAt = srv.CreatedAt

	modules, hosts, err := marshalPolicy(srv.AllowedModules, srv.AllowedHosts)
	if err != nil {
		return err
	}
	_, err = s.db.ExecContext(ctx, `
		INSERT INTO servers (id, name, description, helper_code, allowed_modules, allowed_hosts,
		                     network_mode, default_timeout_ms, enabled, created_at, updated_at)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)
	`, srv.ID, srv.Name, srv.Description, srv.HelperCode, modules, hosts,
		srv.NetworkMode, srv.DefaultTimeoutMS, srv.Enabled, srv.CreatedAt, srv.UpdatedAt)
	if err != nil {
		return fmt.Errorf("failed to create server: %w", err)
	}
	return nil
}

// GetServer retrieves a server by ID.
func (s *Store) GetServer(ctx context.Context, id string) (*Server, error) {
	return s.scanServer(s.db.QueryRowContext(ctx, serverSelect+" WHERE id = ?", id))
}

// GetServerByName retrieves a server by its unique name.
func (s *Store) GetServerByName(ctx context.Context, name string) (*Server, error) {
	return s.scanServer(s.db.QueryRowContext(ctx, serverSelect+" WHERE name = ?", name))
}

// ListServers returns every server ordered by name.
func (s *Store) ListServers(ctx context.Context) ([]*Server, error) {
	rows, err := s.db.QueryContext(ctx, serverSelect+" ORDER BY name")
	if err != nil {
		return nil, fmt.Errorf("failed to list servers: %w", err)
	}
	defer rows.Close()

	var out []*Server
	for rows.Next() {
		srv, err := s.scanServerRow(rows)
		if err != nil {
			return nil, err
		}
		out = append(out, srv)
	}
	return out, rows.Err()
}

// UpdateServer updates the mutable fields of a server.
func (s *Store) UpdateServer(ctx context.Context, srv *Server) error {
	modules, hosts, err := marshalPolicy(srv.AllowedModules, srv.AllowedHosts)
	if err != nil {
		return err
	}
	srv.UpdatedAt = time.Now()
	res, err := s.db.ExecContext(ctx, `
		UPDATE servers
		SET description = ?, helper_code = ?, allowed_modules = ?, allowed_hosts = ?,
		    network_mode = ?, default_timeout_ms = ?, enabled = ?, updated_at = ?
		WHERE id = ?
	`, srv.Description, srv.HelperCode, modules, hosts,
		srv.NetworkMode, srv.DefaultTimeoutMS, srv.Enabled, srv.UpdatedAt, srv.ID)
	if err != nil {
		return fmt.Errorf("failed to update server: %w", err)
	}
	return requireRow(res, "server")
}

// DeleteServer removes a server. Tools, secrets, credentials, external
// sources and pending requests go with it via cascade.
func (s *Store) DeleteServer(ctx context.Context, id string) error {
	res, err := s.db.ExecContext(ctx, "DELETE FROM servers WHERE id = ?", id)
	if err != nil {
		return fmt.Errorf("failed to delete server: %w", err)
	}
	return requireRow(res, "server")
}

const serverSelect = `
	SELECT id, name, description, helper_code, allowed_modules, allowed_hosts,
	       network_mode, default_timeout_ms, enabled, created_at, updated_at
	FROM servers`

type rowScanner interface {
	Scan(dest ...any) error
}

func (s *Store) scanServer(row rowScanner) (*Server, error) {
	srv, err := s.scanServerRow(row)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, fmt.Errorf("server: %w", ErrNotFound)
	}
	return srv, err
}

func (s *Store) scanServerRow(row rowScanner) (*Server, error) {
	srv := &Server{}
	var modules, hosts string
	err := row.Scan(&srv.ID, &srv.Name, &srv.Description, &srv.HelperCode,
		&modules, &hosts, &srv.NetworkMode, &srv.DefaultTimeoutMS,
		&srv.Enabled, &srv.CreatedAt, &srv.UpdatedAt)
	if err != nil {
		return nil, err
	}
	if err := json.Unmarshal([]byte(modules), &srv.AllowedModules); err != nil {
		return nil, fmt.Errorf("corrupt allowed_modules for server %s: %w", srv.ID, err)
	}
	if err := json.Unmarshal([]byte(hosts), &srv.AllowedHosts); err != nil {
		return nil, fmt.Errorf("corrupt allowed_hosts for server %s: %w", srv.ID, err)
	}
	return srv, nil
}

func marshalPolicy(modules, hosts []string) (string, string, error) {
	if modules == nil {
		modules = []string{}
	}
	if hosts == nil {
		hosts = []string{}
	}
	m, err := json.Marshal(modules)
	if err != nil {
		return "", "", fmt.Errorf("marshal allowed_modules: %w", err)
	}
	h, err := json.Marshal(hosts)
	if err != nil {
		return "", "", fmt.Errorf("marshal allowed_hosts: %w", err)
	}
	return string(m), string(h), nil
}

func requireRow(res sql.Result, entity string) error {
	n, err := res.RowsAffected()
	if err != nil {
		return err
	}
	if n == 0 {
		return fmt.Errorf("%s: %w", entity, ErrNotFound)
	}
	return nil
}

// IsUniqueViolation reports whether err is a UNIQUE constraint failure,
// used to map duplicate pending approval requests to a friendly error.
func IsUniqueViolation(err error) bool {
	return err != nil && strings.Contains(err.Error(), "UNIQUE constraint failed")
}
