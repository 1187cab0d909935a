package oauth

import (
	"context"
	"fmt"
	"log/slog"
	"net/http"
	"net/url"
	"time"

	"github.com/mcpbox/mcpbox/internal/mgmt/credentials"
	"github.com/mcpbox/mcpbox/internal/mgmt/store"
)

const (
	refreshInterval  = 5 * time.Minute
	refreshLookahead = 10 * time.Minute
	// After this many consecutive failed passes the loop escalates to a
	// critical log line and resets its counter.
	refreshFailureLimit = 5
)

// Refresher renews OAuth access tokens before they expire. Each renewed
// credential is committed immediately so one bad server cannot lose the
// progress of the whole pass.
type Refresher struct {
	store  *store.Store
	creds  *credentials.Service
	client *http.Client
	logger *slog.Logger

	consecutiveFailures int
}

// NewRefresher builds a Refresher.
func NewRefresher(st *store.Store, creds *credentials.Service, client *http.Client, logger *slog.Logger) *Refresher {
	if client == nil {
		client = &http.Client{Timeout: 30 * time.Second}
	}
	if logger == nil {
		logger = slog.Default()
	}
	return &Refresher{store: st, creds: creds, client: client, logger: logger}
}

// Run refreshes expiring credentials every refreshInterval until ctx is
// cancelled.
func (r *Refresher) Run(ctx context.Context) {
	ticker := time.NewTicker(refreshInterval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			if err := r.RefreshExpiring(ctx); err != nil {
				r.consecutiveFailures++
				if r.consecutiveFailures >= refreshFailureLimit {
					r.logger.Error("token refresh failing persistently",
						"consecutive_failures", r.consecutiveFailures, "error", err)
					r.consecutiveFailures = 0
				} else {
					r.logger.Warn("token refresh pass failed", "error", err)
				}
			} else {
				r.consecutiveFailures = 0
			}
		}
	}
}

// RefreshExpiring renews every credential whose access token expires
// within the lookahead window. It returns the last per-credential error;
// successes before a failure are already committed.
func (r *Refresher) RefreshExpiring(ctx context.Context) error {
	expiring, err := r.store.ListCredentialsExpiringBy(ctx, time.Now().Add(refreshLookahead))
	if err != nil {
		return fmt.Errorf("list expiring credentials: %w", err)
	}
	var lastErr error
	for _, c := range expiring {
		if err := r.refreshOne(ctx, c.ID); err != nil {
			r.logger.Warn("credential refresh failed", "credential_id", c.ID, "error", err)
			lastErr = err
			continue
		}
		r.logger.Info("refreshed oauth credential", "credential_id", c.ID)
	}
	return lastErr
}

func (r *Refresher) refreshOne(ctx context.Context, id string) error {
	m, err := r.creds.Open(ctx, id)
	if err != nil {
		return err
	}
	if m.RefreshToken == "" || m.OAuthTokenURL == "" {
		return fmt.Errorf("credential lacks refresh material")
	}

	form := url.Values{
		"grant_type":    {"refresh_token"},
		"refresh_token": {m.RefreshToken},
	}
	if m.OAuthClientID != "" {
		form.Set("client_id", m.OAuthClientID)
	}
	if m.OAuthClientSecret != "" {
		form.Set("client_secret", m.OAuthClientSecret)
	}
	tokens, err := postTokenEndpoint(ctx, r.client, m.OAuthTokenURL, form)
	if err != nil {
		return err
	}

	// Servers may rotate the refresh token; keep the old one when they
	// do not.
	refresh := tokens.RefreshToken
	if refresh == "" {
		refresh = m.RefreshToken
	}
	expiresAt := time.Now().Add(time.Duration(tokens.ExpiresIn) * time.Second)
	return r.creds.SaveTokens(ctx, id, tokens.AccessToken, refresh, expiresAt)
}
