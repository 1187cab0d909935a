package store

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"
)

// ExternalSource is a reference to an external MCP server whose tools are
// imported as passthrough tools.
type ExternalSource struct {
	ID                   string
	ServerID             string
	URL                  string
	TransportType        string
	AuthType             string
	AuthSecretName       sql.NullString
	OAuthTokensEncrypted []byte
	Status               string
	LastDiscoveredAt     sql.NullTime
	ToolCount            int
	CreatedAt            time.Time
	UpdatedAt            time.Time
}

// CreateExternalSource inserts a source.
func (s *Store) CreateExternalSource(ctx context.Context, src *ExternalSource) error {
	if src.ID == "" {
		src.ID = uuid.NewString()
	}
	if src.TransportType == "" {
		src.TransportType = "streamable_http"
	}
	if src.AuthType == "" {
		src.AuthType = "none"
	}
	if src.Status == "" {
		src.Status = "unknown"
	}
	src.CreatedAt = time.Now()
	src.UpdatedAt = src.CreatedAt
	_, err := s.db.ExecContext(ctx, `
		INSERT INTO external_sources (id, server_id, url, transport_type, auth_type,
		    auth_secret_name, oauth_tokens_encrypted, status, last_discovered_at,
		    tool_count, created_at, updated_at)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)
	`, src.ID, src.ServerID, src.URL, src.TransportType, src.AuthType,
		src.AuthSecretName, src.OAuthTokensEncrypted, src.Status, src.LastDiscoveredAt,
		src.ToolCount, src.CreatedAt, src.UpdatedAt)
	if err != nil {
		return fmt.Errorf("failed to create external source: %w", err)
	}
	return nil
}

// GetExternalSource retrieves a source by ID.
func (s *Store) GetExternalSource(ctx context.Context, id string) (*ExternalSource, error) {
	src, err := scanExternalSource(s.db.QueryRowContext(ctx, externalSelect+" WHERE id = ?", id))
	if errors.Is(err, sql.ErrNoRows) {
		return nil, fmt.Errorf("external source: %w", ErrNotFound)
	}
	return src, err
}

// ListExternalSources returns the sources of one server.
func (s *Store) ListExternalSources(ctx context.Context, serverID string) ([]*ExternalSource, error) {
	rows, err := s.db.QueryContext(ctx, externalSelect+" WHERE server_id = ? ORDER BY url", serverID)
	if err != nil {
		return nil, fmt.Errorf("failed to list external sources: %w", err)
	}
	defer rows.Close()

	var out []*ExternalSource
	for rows.Next() {
		src, err := scanExternalSource(rows)
		if err != nil {
			return nil, err
		}
		out = append(out, src)
	}
	return out, rows.Err()
}

// RecordDiscovery updates a source's status after a discovery run.
func (s *Store) RecordDiscovery(ctx context.Context, id, status string, toolCount int) error {
	res, err := s.db.ExecContext(ctx, `
		UPDATE external_sources
		SET status = ?, tool_count = ?, last_discovered_at = ?, updated_at = ?
		WHERE id = ?
	`, status, toolCount, time.Now(), time.Now(), id)
	if err != nil {
		return fmt.Errorf("failed to record discovery: %w", err)
	}
	return requireRow(res, "external source")
}

// SaveExternalOAuthTokens stores the encrypted OAuth token blob.
func (s *Store) SaveExternalOAuthTokens(ctx context.Context, id string, encrypted []byte) error {
	res, err := s.db.ExecContext(ctx,
		"UPDATE external_sources SET oauth_tokens_encrypted = ?, updated_at = ? WHERE id = ?",
		encrypted, time.Now(), id)
	if err != nil {
		return fmt.Errorf("failed to save external oauth tokens: %w", err)
	}
	return requireRow(res, "external source")
}

// DeleteExternalSource removes a source. Imported tools survive with their
// external_source_id set to NULL.
func (s *Store) DeleteExternalSource(ctx context.Context, id string) error {
	res, err := s.db.ExecContext(ctx, "DELETE FROM external_sources WHERE id = ?", id)
	if err != nil {
		return fmt.Errorf("failed to delete external source: %w", err)
	}
	return requireRow(res, "external source")
}

const externalSelect = `
	SELECT id, server_id, url, transport_type, auth_type, auth_secret_name,
	       oauth_tokens_encrypted, status, last_discovered_at, tool_count,
	       created_at, updated_at
	FROM external_sources`

func scanExternalSource(row rowScanner) (*ExternalSource, error) {
	src := &ExternalSource{}
	err := row.Scan(&src.ID, &src.ServerID, &src.URL, &src.TransportType, &src.AuthType,
		&src.AuthSecretName, &src.OAuthTokensEncrypted, &src.Status, &src.LastDiscoveredAt,
		&src.ToolCount, &src.CreatedAt, &src.UpdatedAt)
	if err != nil {
		return nil, err
	}
	return src, nil
}
