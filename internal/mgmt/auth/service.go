// Package auth implements admin login, JWT issuance and revocation.
package auth

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/mcpbox/mcpbox/common/crypto"
	"github.com/mcpbox/mcpbox/internal/mgmt/store"
)

// Service errors surfaced to handlers.
var (
	ErrInvalidCredentials = errors.New("invalid username or password")
	ErrTooManyAttempts    = errors.New("too many login attempts")
	ErrTokenRevoked       = errors.New("token revoked")
)

const blacklistSweepInterval = time.Hour

// Service runs logins, token verification and revocation against the
// store. A revoked jti is mirrored in memory so the hot verification path
// skips the database.
type Service struct {
	store  *store.Store
	issuer *Issuer
	logger *slog.Logger

	limiter   *loginLimiter
	dummyHash string

	mu      sync.RWMutex
	revoked map[string]time.Time
}

// NewService builds a Service and warms the revocation mirror from the
// database.
func NewService(ctx context.Context, st *store.Store, issuer *Issuer, logger *slog.Logger) (*Service, error) {
	if logger == nil {
		logger = slog.Default()
	}
	revoked, err := st.LoadActiveBlacklist(ctx)
	if err != nil {
		return nil, fmt.Errorf("warm token blacklist: %w", err)
	}
	return &Service{
		store:     st,
		issuer:    issuer,
		logger:    logger,
		limiter:   newLoginLimiter(),
		dummyHash: crypto.DummyHash(),
		revoked:   revoked,
	}, nil
}

// Login verifies credentials and mints a token pair. Unknown usernames
// burn the same Argon2 cost as real ones so timing does not reveal which
// accounts exist.
func (s *Service) Login(ctx context.Context, username, password, ip string) (*TokenPair, error) {
	if !s.limiter.allow(ip) {
		s.logger.Warn("login rate limited", "ip", ip)
		return nil, ErrTooManyAttempts
	}

	user, err := s.store.GetAdminByUsername(ctx, username)
	if errors.Is(err, store.ErrNotFound) {
		crypto.VerifyPassword(s.dummyHash, password)
		s.limiter.recordFailure(ip)
		return nil, ErrInvalidCredentials
	}
	if err != nil {
		return nil, fmt.Errorf("load admin: %w", err)
	}

	if err := crypto.VerifyPassword(user.PasswordHash, password); err != nil {
		s.limiter.recordFailure(ip)
		return nil, ErrInvalidCredentials
	}
	if !user.IsActive {
		s.limiter.recordFailure(ip)
		return nil, ErrInvalidCredentials
	}

	s.limiter.reset(ip)
	if err := s.store.TouchAdminLogin(ctx, user.ID); err != nil {
		s.logger.Warn("failed to record login time", "error", err)
	}
	s.logger.Info("admin login", "username", username)
	return s.issuer.IssuePair(user.ID, user.PasswordVersion)
}

// VerifyAccess validates an access token and returns its claims. The
// password version in the token must still match the user row.
func (s *Service) VerifyAccess(ctx context.Context, token string) (*Claims, error) {
	return s.verify(ctx, token, TokenAccess)
}

func (s *Service) verify(ctx context.Context, token, wantType string) (*Claims, error) {
	claims, err := s.issuer.Parse(token, wantType)
	if err != nil {
		return nil, err
	}
	if s.isRevoked(claims.ID) {
		return nil, ErrTokenRevoked
	}

	user, err := s.store.GetAdmin(ctx, claims.Subject)
	if errors.Is(err, store.ErrNotFound) {
		return nil, ErrTokenRevoked
	}
	if err != nil {
		return nil, fmt.Errorf("load admin: %w", err)
	}
	if !user.IsActive || user.PasswordVersion != claims.PasswordVersion {
		return nil, ErrTokenRevoked
	}
	return claims, nil
}

// Refresh rotates a refresh token: the old one is revoked and a fresh
// pair is minted.
func (s *Service) Refresh(ctx context.Context, refreshToken string) (*TokenPair, error) {
	claims, err := s.verify(ctx, refreshToken, TokenRefresh)
	if err != nil {
		return nil, err
	}
	if err := s.revoke(ctx, claims); err != nil {
		return nil, err
	}
	return s.issuer.IssuePair(claims.Subject, claims.PasswordVersion)
}

// Logout revokes the presented tokens. Unparsable tokens are ignored;
// logout must not fail because one of the pair already expired.
func (s *Service) Logout(ctx context.Context, accessToken, refreshToken string) error {
	for _, t := range []struct{ token, typ string }{
		{accessToken, TokenAccess},
		{refreshToken, TokenRefresh},
	} {
		if t.token == "" {
			continue
		}
		claims, err := s.issuer.Parse(t.token, t.typ)
		if err != nil {
			continue
		}
		if err := s.revoke(ctx, claims); err != nil {
			return err
		}
	}
	return nil
}

// ChangePassword verifies the current password, stores the new hash and
// bumps the password version. Every outstanding token dies with the bump.
func (s *Service) ChangePassword(ctx context.Context, userID, current, next string) error {
	user, err := s.store.GetAdmin(ctx, userID)
	if err != nil {
		return fmt.Errorf("load admin: %w", err)
	}
	if err := crypto.VerifyPassword(user.PasswordHash, current); err != nil {
		return ErrInvalidCredentials
	}
	hash, err := crypto.HashPassword(next)
	if err != nil {
		return fmt.Errorf("hash password: %w", err)
	}
	if err := s.store.UpdateAdminPassword(ctx, userID, hash); err != nil {
		return err
	}
	s.logger.Info("admin password changed", "user_id", userID)
	return nil
}

// Run sweeps expired blacklist rows until ctx is cancelled.
func (s *Service) Run(ctx context.Context) {
	ticker := time.NewTicker(blacklistSweepInterval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			if n, err := s.store.PruneBlacklist(ctx); err != nil {
				s.logger.Warn("blacklist prune failed", "error", err)
			} else if n > 0 {
				s.logger.Debug("pruned token blacklist", "removed", n)
			}
			s.pruneRevoked()
		}
	}
}

func (s *Service) revoke(ctx context.Context, claims *Claims) error {
	expires := claims.ExpiresAt.Time
	if err := s.store.BlacklistToken(ctx, claims.ID, expires); err != nil {
		return err
	}
	s.mu.Lock()
	s.revoked[claims.ID] = expires
	s.mu.Unlock()
	return nil
}

func (s *Service) isRevoked(jti string) bool {
	s.mu.RLock()
	expires, ok := s.revoked[jti]
	s.mu.RUnlock()
	return ok && expires.After(time.Now())
}

func (s *Service) pruneRevoked() {
	now := time.Now()
	s.mu.Lock()
	for jti, expires := range s.revoked {
		if !expires.After(now) {
			delete(s.revoked, jti)
		}
	}
	s.mu.Unlock()
}
