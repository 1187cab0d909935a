package store

import (
	"context"
	"fmt"
	"time"

	"github.com/google/uuid"
)

// ServerSecret is one encrypted key/value pair scoped to a server. The
// store never sees plaintext; callers encrypt before writing.
type ServerSecret struct {
	ID             string
	ServerID       string
	KeyName        string
	ValueEncrypted []byte
	CreatedAt      time.Time
	UpdatedAt      time.Time
}

// UpsertServerSecret inserts or replaces a secret by (server_id, key_name).
func (s *Store) UpsertServerSecret(ctx context.Context, serverID, keyName string, encrypted []byte) error {
	now := time.Now()
	_, err := s.db.ExecContext(ctx, `
		INSERT INTO server_secrets (id, server_id, key_name, value_encrypted, created_at, updated_at)
		VALUES (?, ?, ?, ?, ?, ?)
		ON CONFLICT(server_id, key_name)
		DO UPDATE SET value_encrypted = excluded.value_encrypted, updated_at = excluded.updated_at
	`, uuid.NewString(), serverID, keyName, encrypted, now, now)
	if err != nil {
		return fmt.Errorf("failed to upsert server secret: %w", err)
	}
	return nil
}

// ListServerSecrets returns every encrypted secret of a server.
func (s *Store) ListServerSecrets(ctx context.Context, serverID string) ([]*ServerSecret, error) {
	rows, err := s.db.QueryContext(ctx, `
		SELECT id, server_id, key_name, value_encrypted, created_at, updated_at
		FROM server_secrets WHERE server_id = ? ORDER BY key_name
	`, serverID)
	if err != nil {
		return nil, fmt.Errorf("failed to list server secrets: %w", err)
	}
	defer rows.Close()

	var out []*ServerSecret
	for rows.Next() {
		sec := &ServerSecret{}
		if err := rows.Scan(&sec.ID, &sec.ServerID, &sec.KeyName,
			&sec.ValueEncrypted, &sec.CreatedAt, &sec.UpdatedAt); err != nil {
			return nil, err
		}
		out = append(out, sec)
	}
	return out, rows.Err()
}

// DeleteServerSecret removes one secret by key name.
func (s *Store) DeleteServerSecret(ctx context.Context, serverID, keyName string) error {
	res, err := s.db.ExecContext(ctx,
		"DELETE FROM server_secrets WHERE server_id = ? AND key_name = ?", serverID, keyName)
	if err != nil {
		return fmt.Errorf("failed to delete server secret: %w", err)
	}
	return requireRow(res, "server secret")
}
