package store

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"
)

// AdminUser is a management-plane login.
type AdminUser struct {
	ID              string
	Username        string
	PasswordHash    string
	PasswordVersion int64
	IsActive        bool
	LastLoginAt     sql.NullTime
	CreatedAt       time.Time
	UpdatedAt       time.Time
}

// CreateAdminUser inserts a new admin.
func (s *Store) CreateAdminUser(ctx context.Context, u *AdminUser) error {
	if u.ID == "" {
		u.ID = uuid.NewString()
	}
	if u.PasswordVersion == 0 {
		u.PasswordVersion = 1
	}
	u.CreatedAt = time.Now()
	u.UpdatedAt = u.CreatedAt
	_, err := s.db.ExecContext(ctx, `
		INSERT INTO admin_users (id, username, password_hash, password_version, is_active, created_at, updated_at)
		VALUES (?, ?, ?, ?, ?, ?, ?)
	`, u.ID, u.Username, u.PasswordHash, u.PasswordVersion, u.IsActive, u.CreatedAt, u.UpdatedAt)
	if err != nil {
		return fmt.Errorf("failed to create admin user: %w", err)
	}
	return nil
}

// GetAdminByUsername retrieves an admin by login name.
func (s *Store) GetAdminByUsername(ctx context.Context, username string) (*AdminUser, error) {
	return scanAdmin(s.db.QueryRowContext(ctx, adminSelect+" WHERE username = ?", username))
}

// GetAdmin retrieves an admin by ID.
func (s *Store) GetAdmin(ctx context.Context, id string) (*AdminUser, error) {
	return scanAdmin(s.db.QueryRowContext(ctx, adminSelect+" WHERE id = ?", id))
}

// CountAdmins reports how many admin users exist, for first-run bootstrap.
func (s *Store) CountAdmins(ctx context.Context) (int, error) {
	var n int
	if err := s.db.QueryRowContext(ctx, "SELECT COUNT(*) FROM admin_users").Scan(&n); err != nil {
		return 0, fmt.Errorf("failed to count admin users: %w", err)
	}
	return n, nil
}

// UpdateAdminPassword replaces the hash and bumps password_version, which
// invalidates every outstanding JWT for this user.
func (s *Store) UpdateAdminPassword(ctx context.Context, id, newHash string) error {
	res, err := s.db.ExecContext(ctx, `
		UPDATE admin_users
		SET password_hash = ?, password_version = password_version + 1, updated_at = ?
		WHERE id = ?
	`, newHash, time.Now(), id)
	if err != nil {
		return fmt.Errorf("failed to update admin password: %w", err)
	}
	return requireRow(res, "admin user")
}

// TouchAdminLogin records a successful login.
func (s *Store) TouchAdminLogin(ctx context.Context, id string) error {
	_, err := s.db.ExecContext(ctx,
		"UPDATE admin_users SET last_login_at = ? WHERE id = ?", time.Now(), id)
	if err != nil {
		return fmt.Errorf("failed to record admin login: %w", err)
	}
	return nil
}

// SetAdminActive flips an admin's active flag.
func (s *Store) SetAdminActive(ctx context.Context, id string, active bool) error {
	res, err := s.db.ExecContext(ctx,
		"UPDATE admin_users SET is_active = ?, updated_at = ? WHERE id = ?", active, time.Now(), id)
	if err != nil {
		return fmt.Errorf("failed to set admin active: %w", err)
	}
	return requireRow(res, "admin user")
}

const adminSelect = `
	SELECT id, username, password_hash, password_version, is_active, last_login_at, created_at, updated_at
	FROM admin_users`

func scanAdmin(row rowScanner) (*AdminUser, error) {
	u := &AdminUser{}
	err := row.Scan(&u.ID, &u.Username, &u.PasswordHash, &u.PasswordVersion,
		&u.IsActive, &u.LastLoginAt, &u.CreatedAt, &u.UpdatedAt)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, fmt.Errorf("admin user: %w", ErrNotFound)
	}
	if err != nil {
		return nil, err
	}
	return u, nil
}

// --- token blacklist ---

// BlacklistToken records a revoked JWT id until its natural expiry.
func (s *Store) BlacklistToken(ctx context.Context, jti string, expiresAt time.Time) error {
	_, err := s.db.ExecContext(ctx,
		"INSERT OR REPLACE INTO token_blacklist (jti, expires_at) VALUES (?, ?)", jti, expiresAt)
	if err != nil {
		return fmt.Errorf("failed to blacklist token: %w", err)
	}
	return nil
}

// IsTokenBlacklisted reports whether jti is revoked and unexpired.
func (s *Store) IsTokenBlacklisted(ctx context.Context, jti string) (bool, error) {
	var one int
	err := s.db.QueryRowContext(ctx,
		"SELECT 1 FROM token_blacklist WHERE jti = ? AND expires_at > ?", jti, time.Now()).Scan(&one)
	if errors.Is(err, sql.ErrNoRows) {
		return false, nil
	}
	if err != nil {
		return false, fmt.Errorf("failed to check token blacklist: %w", err)
	}
	return true, nil
}

// LoadActiveBlacklist returns every unexpired jti, for warming the
// in-memory mirror at startup.
func (s *Store) LoadActiveBlacklist(ctx context.Context) (map[string]time.Time, error) {
	rows, err := s.db.QueryContext(ctx,
		"SELECT jti, expires_at FROM token_blacklist WHERE expires_at > ?", time.Now())
	if err != nil {
		return nil, fmt.Errorf("failed to load token blacklist: %w", err)
	}
	defer rows.Close()

	out := make(map[string]time.Time)
	for rows.Next() {
		var jti string
		var exp time.Time
		if err := rows.Scan(&jti, &exp); err != nil {
			return nil, err
		}
		out[jti] = exp
	}
	return out, rows.Err()
}

// PruneBlacklist removes expired rows and reports how many were dropped.
func (s *Store) PruneBlacklist(ctx context.Context) (int64, error) {
	res, err := s.db.ExecContext(ctx,
		"DELETE FROM token_blacklist WHERE expires_at <= ?", time.Now())
	if err != nil {
		return 0, fmt.Errorf("failed to prune token blacklist: %w", err)
	}
	return res.RowsAffected()
}
