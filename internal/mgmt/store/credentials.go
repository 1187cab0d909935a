package store

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"
)

// Credential is auth material for outbound HTTP or OAuth. Every sensitive
// field is an encrypted blob; the store never handles plaintext.
type Credential struct {
	ID                         string
	ServerID                   string
	Name                       string
	AuthType                   string
	HeaderName                 sql.NullString
	QueryParam                 sql.NullString
	ValueEncrypted             []byte
	UsernameEncrypted          []byte
	PasswordEncrypted          []byte
	AccessTokenEncrypted       []byte
	RefreshTokenEncrypted      []byte
	OAuthClientID              sql.NullString
	OAuthClientSecretEncrypted []byte
	OAuthTokenURL              sql.NullString
	OAuthAuthorizationURL      sql.NullString
	OAuthScopes                sql.NullString
	OAuthGrantType             sql.NullString
	OAuthState                 sql.NullString
	AccessTokenExpiresAt       sql.NullTime
	CreatedAt                  time.Time
	UpdatedAt                  time.Time
}

// CreateCredential inserts a credential.
func (s *Store) CreateCredential(ctx context.Context, c *Credential) error {
	if c.ID == "" {
		c.ID = uuid.NewString()
	}
	c.CreatedAt = time.Now()
	c.UpdatedAt = c.CreatedAt
	_, err := s.db.ExecContext(ctx, `
		INSERT INTO credentials (id, server_id, name, auth_type, header_name, query_param,
		    value_encrypted, username_encrypted, password_encrypted,
		    access_token_encrypted, refresh_token_encrypted,
		    oauth_client_id, oauth_client_secret_encrypted, oauth_token_url,
		    oauth_authorization_url, oauth_scopes, oauth_grant_type, oauth_state,
		    access_token_expires_at, created_at, updated_at)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)
	`, c.ID, c.ServerID, c.Name, c.AuthType, c.HeaderName, c.QueryParam,
		c.ValueEncrypted, c.UsernameEncrypted, c.PasswordEncrypted,
		c.AccessTokenEncrypted, c.RefreshTokenEncrypted,
		c.OAuthClientID, c.OAuthClientSecretEncrypted, c.OAuthTokenURL,
		c.OAuthAuthorizationURL, c.OAuthScopes, c.OAuthGrantType, c.OAuthState,
		c.AccessTokenExpiresAt, c.CreatedAt, c.UpdatedAt)
	if err != nil {
		return fmt.Errorf("failed to create credential: %w", err)
	}
	return nil
}

// UpdateCredential rewrites every mutable column of a credential.
func (s *Store) UpdateCredential(ctx context.Context, c *Credential) error {
	c.UpdatedAt = time.Now()
	res, err := s.db.ExecContext(ctx, `
		UPDATE credentials SET auth_type = ?, header_name = ?, query_param = ?,
		    value_encrypted = ?, username_encrypted = ?, password_encrypted = ?,
		    access_token_encrypted = ?, refresh_token_encrypted = ?,
		    oauth_client_id = ?, oauth_client_secret_encrypted = ?, oauth_token_url = ?,
		    oauth_authorization_url = ?, oauth_scopes = ?, oauth_grant_type = ?,
		    oauth_state = ?, access_token_expires_at = ?, updated_at = ?
		WHERE id = ?
	`, c.AuthType, c.HeaderName, c.QueryParam,
		c.ValueEncrypted, c.UsernameEncrypted, c.PasswordEncrypted,
		c.AccessTokenEncrypted, c.RefreshTokenEncrypted,
		c.OAuthClientID, c.OAuthClientSecretEncrypted, c.OAuthTokenURL,
		c.OAuthAuthorizationURL, c.OAuthScopes, c.OAuthGrantType,
		c.OAuthState, c.AccessTokenExpiresAt, c.UpdatedAt, c.ID)
	if err != nil {
		return fmt.Errorf("failed to update credential: %w", err)
	}
	return requireRow(res, "credential")
}

// UpdateCredentialTokens rewrites only the OAuth token columns, committing
// a refresh without touching the rest of the row.
func (s *Store) UpdateCredentialTokens(ctx context.Context, id string, accessToken, refreshToken []byte, expiresAt time.Time) error {
	res, err := s.db.ExecContext(ctx, `
		UPDATE credentials SET access_token_encrypted = ?, refresh_token_encrypted = ?,
		    access_token_expires_at = ?, updated_at = ?
		WHERE id = ?
	`, accessToken, refreshToken, expiresAt, time.Now(), id)
	if err != nil {
		return fmt.Errorf("failed to update credential tokens: %w", err)
	}
	return requireRow(res, "credential")
}

// GetCredential retrieves a credential by ID.
func (s *Store) GetCredential(ctx context.Context, id string) (*Credential, error) {
	c, err := scanCredential(s.db.QueryRowContext(ctx, credentialSelect+" WHERE id = ?", id))
	if errors.Is(err, sql.ErrNoRows) {
		return nil, fmt.Errorf("credential: %w", ErrNotFound)
	}
	return c, err
}

// ListCredentials returns every credential of a server.
func (s *Store) ListCredentials(ctx context.Context, serverID string) ([]*Credential, error) {
	rows, err := s.db.QueryContext(ctx, credentialSelect+" WHERE server_id = ? ORDER BY name", serverID)
	if err != nil {
		return nil, fmt.Errorf("failed to list credentials: %w", err)
	}
	defer rows.Close()

	var out []*Credential
	for rows.Next() {
		c, err := scanCredential(rows)
		if err != nil {
			return nil, err
		}
		out = append(out, c)
	}
	return out, rows.Err()
}

// ListCredentialsExpiringBy returns OAuth credentials whose access token
// expires on or before deadline and which hold a refresh token.
func (s *Store) ListCredentialsExpiringBy(ctx context.Context, deadline time.Time) ([]*Credential, error) {
	rows, err := s.db.QueryContext(ctx, credentialSelect+`
		WHERE auth_type = 'oauth2'
		  AND refresh_token_encrypted IS NOT NULL AND length(refresh_token_encrypted) > 0
		  AND access_token_expires_at IS NOT NULL AND access_token_expires_at <= ?
	`, deadline)
	if err != nil {
		return nil, fmt.Errorf("failed to list expiring credentials: %w", err)
	}
	defer rows.Close()

	var out []*Credential
	for rows.Next() {
		c, err := scanCredential(rows)
		if err != nil {
			return nil, err
		}
		out = append(out, c)
	}
	return out, rows.Err()
}

// DeleteCredential removes a credential.
func (s *Store) DeleteCredential(ctx context.Context, id string) error {
	res, err := s.db.ExecContext(ctx, "DELETE FROM credentials WHERE id = ?", id)
	if err != nil {
		return fmt.Errorf("failed to delete credential: %w", err)
	}
	return requireRow(res, "credential")
}

const credentialSelect = `
	SELECT id, server_id, name, auth_type, header_name, query_param,
	       value_encrypted, username_encrypted, password_encrypted,
	       access_token_encrypted, refresh_token_encrypted,
	       oauth_client_id, oauth_client_secret_encrypted, oauth_token_url,
	       oauth_authorization_url, oauth_scopes, oauth_grant_type, oauth_state,
	       access_token_expires_at, created_at, updated_at
	FROM credentials`

func scanCredential(row rowScanner) (*Credential, error) {
	c := &Credential{}
	err := row.Scan(&c.ID, &c.ServerID, &c.Name, &c.AuthType, &c.HeaderName, &c.QueryParam,
		&c.ValueEncrypted, &c.UsernameEncrypted, &c.PasswordEncrypted,
		&c.AccessTokenEncrypted, &c.RefreshTokenEncrypted,
		&c.OAuthClientID, &c.OAuthClientSecretEncrypted, &c.OAuthTokenURL,
		&c.OAuthAuthorizationURL, &c.OAuthScopes, &c.OAuthGrantType, &c.OAuthState,
		&c.AccessTokenExpiresAt, &c.CreatedAt, &c.UpdatedAt)
	if err != nil {
		return nil, err
	}
	return c, nil
}
