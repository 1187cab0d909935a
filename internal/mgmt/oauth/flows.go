package oauth

import (
	"context"
	"crypto/rand"
	"crypto/sha256"
	"encoding/base64"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"net/url"
	"strings"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/mcpbox/mcpbox/internal/mgmt/credentials"
)

// Pending authorization flows expire after this long.
const flowTTL = 10 * time.Minute

const flowSweepInterval = time.Minute

// ErrFlowNotFound is returned when a callback state has no pending flow,
// either because it never existed or because it expired.
var ErrFlowNotFound = errors.New("no pending authorization flow for state")

// pkcePair is one verifier/challenge pair for code_challenge_method=S256.
type pkcePair struct {
	Verifier  string
	Challenge string
}

func newPKCE() (pkcePair, error) {
	// 48 random bytes encode to 64 URL-safe characters, comfortably over
	// the 43-character RFC 7636 minimum.
	raw := make([]byte, 48)
	if _, err := rand.Read(raw); err != nil {
		return pkcePair{}, fmt.Errorf("generate pkce verifier: %w", err)
	}
	verifier := base64.RawURLEncoding.EncodeToString(raw)
	sum := sha256.Sum256([]byte(verifier))
	return pkcePair{
		Verifier:  verifier,
		Challenge: base64.RawURLEncoding.EncodeToString(sum[:]),
	}, nil
}

type pendingFlow struct {
	credentialID  string
	verifier      string
	tokenEndpoint string
	redirectURI   string
	clientID      string
	clientSecret  string
	createdAt     time.Time
}

// FlowManager tracks in-flight authorization-code flows keyed by state.
type FlowManager struct {
	creds  *credentials.Service
	client *http.Client
	logger *slog.Logger
	now    func() time.Time

	mu      sync.Mutex
	pending map[string]pendingFlow
}

// NewFlowManager builds a FlowManager.
func NewFlowManager(creds *credentials.Service, client *http.Client, logger *slog.Logger) *FlowManager {
	if client == nil {
		client = &http.Client{Timeout: 30 * time.Second}
	}
	if logger == nil {
		logger = slog.Default()
	}
	return &FlowManager{
		creds:   creds,
		client:  client,
		logger:  logger,
		now:     time.Now,
		pending: make(map[string]pendingFlow),
	}
}

// BeginInput identifies the credential and endpoints of a new flow.
type BeginInput struct {
	CredentialID          string
	AuthorizationEndpoint string
	TokenEndpoint         string
	RedirectURI           string
	ClientID              string
	ClientSecret          string
	Scopes                string
}

// Begin starts an authorization-code flow and returns the URL to send the
// admin's browser to.
func (f *FlowManager) Begin(in BeginInput) (authorizeURL string, err error) {
	pkce, err := newPKCE()
	if err != nil {
		return "", err
	}
	state := uuid.NewString()

	f.mu.Lock()
	f.pending[state] = pendingFlow{
		credentialID:  in.CredentialID,
		verifier:      pkce.Verifier,
		tokenEndpoint: in.TokenEndpoint,
		redirectURI:   in.RedirectURI,
		clientID:      in.ClientID,
		clientSecret:  in.ClientSecret,
		createdAt:     f.now(),
	}
	f.mu.Unlock()

	u, err := url.Parse(in.AuthorizationEndpoint)
	if err != nil {
		return "", fmt.Errorf("parse authorization endpoint: %w", err)
	}
	q := u.Query()
	q.Set("response_type", "code")
	q.Set("client_id", in.ClientID)
	q.Set("redirect_uri", in.RedirectURI)
	q.Set("state", state)
	q.Set("code_challenge", pkce.Challenge)
	q.Set("code_challenge_method", "S256")
	if in.Scopes != "" {
		q.Set("scope", in.Scopes)
	}
	u.RawQuery = q.Encode()
	return u.String(), nil
}

// Complete consumes the callback: the code is exchanged with the stored
// PKCE verifier and the resulting tokens are sealed into the credential.
func (f *FlowManager) Complete(ctx context.Context, state, code string) error {
	f.mu.Lock()
	flow, ok := f.pending[state]
	if ok {
		delete(f.pending, state)
	}
	f.mu.Unlock()
	if !ok || f.now().Sub(flow.createdAt) > flowTTL {
		return ErrFlowNotFound
	}

	form := url.Values{
		"grant_type":    {"authorization_code"},
		"code":          {code},
		"redirect_uri":  {flow.redirectURI},
		"client_id":     {flow.clientID},
		"code_verifier": {flow.verifier},
	}
	if flow.clientSecret != "" {
		form.Set("client_secret", flow.clientSecret)
	}
	tokens, err := postTokenEndpoint(ctx, f.client, flow.tokenEndpoint, form)
	if err != nil {
		return err
	}

	expiresAt := f.now().Add(time.Duration(tokens.ExpiresIn) * time.Second)
	if err := f.creds.SaveTokens(ctx, flow.credentialID, tokens.AccessToken, tokens.RefreshToken, expiresAt); err != nil {
		return fmt.Errorf("persist tokens: %w", err)
	}
	f.logger.Info("oauth flow completed", "credential_id", flow.credentialID)
	return nil
}

// Run sweeps expired pending flows until ctx is done.
func (f *FlowManager) Run(ctx context.Context) {
	ticker := time.NewTicker(flowSweepInterval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			f.sweep()
		}
	}
}

func (f *FlowManager) sweep() {
	cutoff := f.now().Add(-flowTTL)
	f.mu.Lock()
	for state, flow := range f.pending {
		if flow.createdAt.Before(cutoff) {
			delete(f.pending, state)
		}
	}
	f.mu.Unlock()
}

// tokenResponse is the token endpoint's success payload.
type tokenResponse struct {
	AccessToken  string `json:"access_token"`
	RefreshToken string `json:"refresh_token,omitempty"`
	TokenType    string `json:"token_type"`
	ExpiresIn    int64  `json:"expires_in"`
}

func postTokenEndpoint(ctx context.Context, client *http.Client, endpoint string, form url.Values) (*tokenResponse, error) {
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, endpoint, strings.NewReader(form.Encode()))
	if err != nil {
		return nil, err
	}
	req.Header.Set("Content-Type", "application/x-www-form-urlencoded")
	req.Header.Set("Accept", "application/json")

	resp, err := client.Do(req)
	if err != nil {
		return nil, fmt.Errorf("token endpoint: %w", err)
	}
	defer resp.Body.Close()
	body, err := io.ReadAll(io.LimitReader(resp.Body, maxMetadataBytes))
	if err != nil {
		return nil, err
	}
	if resp.StatusCode != http.StatusOK {
		return nil, fmt.Errorf("token endpoint returned http %d", resp.StatusCode)
	}
	var tokens tokenResponse
	if err := json.Unmarshal(body, &tokens); err != nil {
		return nil, fmt.Errorf("parse token response: %w", err)
	}
	if tokens.AccessToken == "" {
		return nil, fmt.Errorf("token response missing access_token")
	}
	if tokens.ExpiresIn <= 0 {
		tokens.ExpiresIn = 3600
	}
	return &tokens, nil
}
