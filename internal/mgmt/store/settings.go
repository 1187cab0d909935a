package store

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"time"
)

// Setting is one keyed configuration value. When Encrypted is set, Value
// holds base64-wrapped AES-GCM ciphertext; the store does not decrypt.
type Setting struct {
	Key       string
	Value     sql.NullString
	Encrypted bool
	UpdatedAt time.Time
}

// GetSetting retrieves one setting.
func (s *Store) GetSetting(ctx context.Context, key string) (*Setting, error) {
	set := &Setting{}
	err := s.db.QueryRowContext(ctx,
		"SELECT key, value, encrypted, updated_at FROM settings WHERE key = ?", key).
		Scan(&set.Key, &set.Value, &set.Encrypted, &set.UpdatedAt)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, fmt.Errorf("setting %q: %w", key, ErrNotFound)
	}
	if err != nil {
		return nil, fmt.Errorf("failed to get setting: %w", err)
	}
	return set, nil
}

// SetSetting upserts one setting.
func (s *Store) SetSetting(ctx context.Context, key, value string, encrypted bool) error {
	_, err := s.db.ExecContext(ctx, `
		INSERT INTO settings (key, value, encrypted, updated_at) VALUES (?, ?, ?, ?)
		ON CONFLICT(key) DO UPDATE SET value = excluded.value,
		    encrypted = excluded.encrypted, updated_at = excluded.updated_at
	`, key, value, encrypted, time.Now())
	if err != nil {
		return fmt.Errorf("failed to set setting: %w", err)
	}
	return nil
}

// ListSettings returns every setting ordered by key.
func (s *Store) ListSettings(ctx context.Context) ([]*Setting, error) {
	rows, err := s.db.QueryContext(ctx,
		"SELECT key, value, encrypted, updated_at FROM settings ORDER BY key")
	if err != nil {
		return nil, fmt.Errorf("failed to list settings: %w", err)
	}
	defer rows.Close()

	var out []*Setting
	for rows.Next() {
		set := &Setting{}
		if err := rows.Scan(&set.Key, &set.Value, &set.Encrypted, &set.UpdatedAt); err != nil {
			return nil, err
		}
		out = append(out, set)
	}
	return out, rows.Err()
}

// DeleteSetting removes one setting; missing keys are not an error.
func (s *Store) DeleteSetting(ctx context.Context, key string) error {
	_, err := s.db.ExecContext(ctx, "DELETE FROM settings WHERE key = ?", key)
	if err != nil {
		return fmt.Errorf("failed to delete setting: %w", err)
	}
	return nil
}
