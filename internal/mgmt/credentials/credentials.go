// Package credentials encrypts and decrypts auth material around the
// store. Each field is sealed with its own associated data so a blob
// copied between columns fails authentication on decrypt.
package credentials

import (
	"context"
	"database/sql"
	"fmt"
	"log/slog"
	"time"

	"github.com/mcpbox/mcpbox/common/crypto"
	"github.com/mcpbox/mcpbox/internal/mgmt/store"
)

// Associated data per encrypted column.
const (
	aadValue        = "credential:value"
	aadUsername     = "credential:username"
	aadPassword     = "credential:password"
	aadAccessToken  = "credential:access_token"
	aadRefreshToken = "credential:refresh_token"
	aadClientSecret = "credential:oauth_client_secret"
	aadServerSecret = "server_secret"
	aadOAuthBlob    = "external_source:oauth_tokens"
	aadSetting      = "setting"
)

// AAD names exported for the key rotation tool, which walks every
// encrypted column and must match the writers exactly.
const (
	AADCredentialValue        = aadValue
	AADCredentialUsername     = aadUsername
	AADCredentialPassword     = aadPassword
	AADCredentialAccessToken  = aadAccessToken
	AADCredentialRefreshToken = aadRefreshToken
	AADCredentialClientSecret = aadClientSecret
	AADServerSecretPrefix     = aadServerSecret + ":"
	AADExternalOAuth          = aadOAuthBlob
	AADSettingPrefix          = aadSetting + ":"
)

// Service seals and opens credential material with the master key.
type Service struct {
	key    []byte
	store  *store.Store
	logger *slog.Logger
}

// New builds a Service. key must be a parsed 32-byte master key.
func New(key []byte, st *store.Store, logger *slog.Logger) *Service {
	if logger == nil {
		logger = slog.Default()
	}
	return &Service{key: key, store: st, logger: logger}
}

// Input is plaintext credential material from the admin API.
type Input struct {
	Name                  string `json:"name"`
	AuthType              string `json:"auth_type"`
	HeaderName            string `json:"header_name,omitempty"`
	QueryParam            string `json:"query_param,omitempty"`
	Value                 string `json:"value,omitempty"`
	Username              string `json:"username,omitempty"`
	Password              string `json:"password,omitempty"`
	OAuthClientID         string `json:"oauth_client_id,omitempty"`
	OAuthClientSecret     string `json:"oauth_client_secret,omitempty"`
	OAuthTokenURL         string `json:"oauth_token_url,omitempty"`
	OAuthAuthorizationURL string `json:"oauth_authorization_url,omitempty"`
	OAuthScopes           string `json:"oauth_scopes,omitempty"`
	OAuthGrantType        string `json:"oauth_grant_type,omitempty"`
}

// View is the redacted shape returned to admins. Secret fields collapse
// to has_* booleans; plaintext never leaves the service this way.
type View struct {
	ID                    string     `json:"id"`
	ServerID              string     `json:"server_id"`
	Name                  string     `json:"name"`
	AuthType              string     `json:"auth_type"`
	HeaderName            string     `json:"header_name,omitempty"`
	QueryParam            string     `json:"query_param,omitempty"`
	HasValue              bool       `json:"has_value"`
	HasUsername           bool       `json:"has_username"`
	HasPassword           bool       `json:"has_password"`
	HasAccessToken        bool       `json:"has_access_token"`
	HasRefreshToken       bool       `json:"has_refresh_token"`
	OAuthClientID         string     `json:"oauth_client_id,omitempty"`
	HasClientSecret       bool       `json:"has_client_secret"`
	OAuthTokenURL         string     `json:"oauth_token_url,omitempty"`
	OAuthAuthorizationURL string     `json:"oauth_authorization_url,omitempty"`
	OAuthScopes           string     `json:"oauth_scopes,omitempty"`
	AccessTokenExpiresAt  *time.Time `json:"access_token_expires_at,omitempty"`
	CreatedAt             time.Time  `json:"created_at"`
	UpdatedAt             time.Time  `json:"updated_at"`
}

// Material is decrypted credential material for internal use only. A
// field that failed to decrypt is empty; Degraded marks that case.
type Material struct {
	AuthType          string
	HeaderName        string
	QueryParam        string
	Value             string
	Username          string
	Password          string
	AccessToken       string
	RefreshToken      string
	OAuthClientID     string
	OAuthClientSecret string
	OAuthTokenURL     string
	OAuthScopes       string
	ExpiresAt         time.Time
	Degraded          bool
}

// Create encrypts in and stores a new credential for serverID.
func (s *Service) Create(ctx context.Context, serverID string, in Input) (*View, error) {
	c := &store.Credential{
		ServerID:              serverID,
		Name:                  in.Name,
		AuthType:              in.AuthType,
		HeaderName:            nullable(in.HeaderName),
		QueryParam:            nullable(in.QueryParam),
		OAuthClientID:         nullable(in.OAuthClientID),
		OAuthTokenURL:         nullable(in.OAuthTokenURL),
		OAuthAuthorizationURL: nullable(in.OAuthAuthorizationURL),
		OAuthScopes:           nullable(in.OAuthScopes),
		OAuthGrantType:        nullable(in.OAuthGrantType),
	}
	var err error
	if c.ValueEncrypted, err = s.seal(in.Value, aadValue); err != nil {
		return nil, err
	}
	if c.UsernameEncrypted, err = s.seal(in.Username, aadUsername); err != nil {
		return nil, err
	}
	if c.PasswordEncrypted, err = s.seal(in.Password, aadPassword); err != nil {
		return nil, err
	}
	if c.OAuthClientSecretEncrypted, err = s.seal(in.OAuthClientSecret, aadClientSecret); err != nil {
		return nil, err
	}
	if err := s.store.CreateCredential(ctx, c); err != nil {
		return nil, err
	}
	return view(c), nil
}

// Get returns the redacted view of one credential.
func (s *Service) Get(ctx context.Context, id string) (*View, error) {
	c, err := s.store.GetCredential(ctx, id)
	if err != nil {
		return nil, err
	}
	return view(c), nil
}

// List returns redacted views of a server's credentials.
func (s *Service) List(ctx context.Context, serverID string) ([]*View, error) {
	creds, err := s.store.ListCredentials(ctx, serverID)
	if err != nil {
		return nil, err
	}
	out := make([]*View, 0, len(creds))
	for _, c := range creds {
		out = append(out, view(c))
	}
	return out, nil
}

// Delete removes a credential.
func (s *Service) Delete(ctx context.Context, id string) error {
	return s.store.DeleteCredential(ctx, id)
}

// Open decrypts a credential for internal use. A field whose blob fails
// authentication comes back empty and marks the material degraded rather
// than failing the whole call.
func (s *Service) Open(ctx context.Context, id string) (*Material, error) {
	c, err := s.store.GetCredential(ctx, id)
	if err != nil {
		return nil, err
	}
	m := &Material{
		AuthType:      c.AuthType,
		HeaderName:    c.HeaderName.String,
		QueryParam:    c.QueryParam.String,
		OAuthClientID: c.OAuthClientID.String,
		OAuthTokenURL: c.OAuthTokenURL.String,
		OAuthScopes:   c.OAuthScopes.String,
	}
	if c.AccessTokenExpiresAt.Valid {
		m.ExpiresAt = c.AccessTokenExpiresAt.Time
	}
	m.Value = s.open(c.ValueEncrypted, aadValue, c.ID, "value", &m.Degraded)
	m.Username = s.open(c.UsernameEncrypted, aadUsername, c.ID, "username", &m.Degraded)
	m.Password = s.open(c.PasswordEncrypted, aadPassword, c.ID, "password", &m.Degraded)
	m.AccessToken = s.open(c.AccessTokenEncrypted, aadAccessToken, c.ID, "access_token", &m.Degraded)
	m.RefreshToken = s.open(c.RefreshTokenEncrypted, aadRefreshToken, c.ID, "refresh_token", &m.Degraded)
	m.OAuthClientSecret = s.open(c.OAuthClientSecretEncrypted, aadClientSecret, c.ID, "oauth_client_secret", &m.Degraded)
	return m, nil
}

// SaveTokens seals refreshed OAuth tokens and commits them.
func (s *Service) SaveTokens(ctx context.Context, id, accessToken, refreshToken string, expiresAt time.Time) error {
	access, err := s.seal(accessToken, aadAccessToken)
	if err != nil {
		return err
	}
	refresh, err := s.seal(refreshToken, aadRefreshToken)
	if err != nil {
		return err
	}
	return s.store.UpdateCredentialTokens(ctx, id, access, refresh, expiresAt)
}

// SealSecret encrypts one sandbox environment secret. The key name is
// part of the associated data.
func (s *Service) SealSecret(keyName, value string) ([]byte, error) {
	return s.seal(value, aadServerSecret+":"+keyName)
}

// OpenSecret reverses SealSecret.
func (s *Service) OpenSecret(keyName string, blob []byte) (string, error) {
	pt, err := crypto.DecryptWithAAD(s.key, blob, []byte(aadServerSecret+":"+keyName))
	if err != nil {
		return "", err
	}
	return string(pt), nil
}

// SealBlob encrypts an external source's OAuth token document.
func (s *Service) SealBlob(plaintext []byte) ([]byte, error) {
	return crypto.EncryptWithAAD(s.key, plaintext, []byte(aadOAuthBlob))
}

// OpenBlob reverses SealBlob.
func (s *Service) OpenBlob(blob []byte) ([]byte, error) {
	return crypto.DecryptWithAAD(s.key, blob, []byte(aadOAuthBlob))
}

// SetOAuthClient stores discovered endpoints and a registered client on
// an existing credential.
func (s *Service) SetOAuthClient(ctx context.Context, id, clientID, clientSecret, authorizationEndpoint, tokenEndpoint string) error {
	c, err := s.store.GetCredential(ctx, id)
	if err != nil {
		return err
	}
	c.OAuthClientID = nullable(clientID)
	c.OAuthAuthorizationURL = nullable(authorizationEndpoint)
	c.OAuthTokenURL = nullable(tokenEndpoint)
	if clientSecret != "" {
		blob, err := s.seal(clientSecret, aadClientSecret)
		if err != nil {
			return err
		}
		c.OAuthClientSecretEncrypted = blob
	}
	return s.store.UpdateCredential(ctx, c)
}

// SealSetting encrypts a sensitive setting value as base64 for the
// text-typed settings column.
func (s *Service) SealSetting(key, value string) (string, error) {
	return crypto.EncryptStringB64(s.key, value, aadSetting+":"+key)
}

// OpenSetting reverses SealSetting.
func (s *Service) OpenSetting(key, encoded string) (string, error) {
	return crypto.DecryptStringB64(s.key, encoded, aadSetting+":"+key)
}

func (s *Service) seal(plaintext, aad string) ([]byte, error) {
	if plaintext == "" {
		return nil, nil
	}
	ct, err := crypto.EncryptWithAAD(s.key, []byte(plaintext), []byte(aad))
	if err != nil {
		return nil, fmt.Errorf("encrypt %s: %w", aad, err)
	}
	return ct, nil
}

func (s *Service) open(blob []byte, aad, id, field string, degraded *bool) string {
	if len(blob) == 0 {
		return ""
	}
	pt, err := crypto.DecryptWithAAD(s.key, blob, []byte(aad))
	if err != nil {
		s.logger.Warn("credential field failed to decrypt",
			"credential_id", id, "field", field, "error", err)
		*degraded = true
		return ""
	}
	return string(pt)
}

func view(c *store.Credential) *View {
	v := &View{
		ID:                    c.ID,
		ServerID:              c.ServerID,
		Name:                  c.Name,
		AuthType:              c.AuthType,
		HeaderName:            c.HeaderName.String,
		QueryParam:            c.QueryParam.String,
		HasValue:              len(c.ValueEncrypted) > 0,
		HasUsername:           len(c.UsernameEncrypted) > 0,
		HasPassword:           len(c.PasswordEncrypted) > 0,
		HasAccessToken:        len(c.AccessTokenEncrypted) > 0,
		HasRefreshToken:       len(c.RefreshTokenEncrypted) > 0,
		OAuthClientID:         c.OAuthClientID.String,
		HasClientSecret:       len(c.OAuthClientSecretEncrypted) > 0,
		OAuthTokenURL:         c.OAuthTokenURL.String,
		OAuthAuthorizationURL: c.OAuthAuthorizationURL.String,
		OAuthScopes:           c.OAuthScopes.String,
		CreatedAt:             c.CreatedAt,
		UpdatedAt:             c.UpdatedAt,
	}
	if c.AccessTokenExpiresAt.Valid {
		t := c.AccessTokenExpiresAt.Time
		v.AccessTokenExpiresAt = &t
	}
	return v
}

func nullable(s string) sql.NullString {
	return sql.NullString{String: s, Valid: s != ""}
}
