// Package oauth sets up and maintains OAuth 2.1 credentials for external
// MCP servers: metadata discovery, PKCE authorization-code flows, dynamic
// client registration and a background token refresh loop.
package oauth

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strings"
)

// ErrNoOAuthRequired is returned by Discover when the server answers an
// unauthenticated probe, meaning OAuth setup is pointless.
var ErrNoOAuthRequired = errors.New("server does not require oauth")

const maxMetadataBytes = 1 << 20

// ResourceMetadata is the protected-resource document (RFC 9728).
type ResourceMetadata struct {
	Resource             string   `json:"resource"`
	AuthorizationServers []string `json:"authorization_servers"`
}

// ServerMetadata is the authorization-server document (RFC 8414).
type ServerMetadata struct {
	Issuer                string   `json:"issuer"`
	AuthorizationEndpoint string   `json:"authorization_endpoint"`
	TokenEndpoint         string   `json:"token_endpoint"`
	RegistrationEndpoint  string   `json:"registration_endpoint,omitempty"`
	ScopesSupported       []string `json:"scopes_supported,omitempty"`
	CodeChallengeMethods  []string `json:"code_challenge_methods_supported,omitempty"`
}

// Discover walks the OAuth discovery chain for an external MCP server:
// probe unauthenticated, follow WWW-Authenticate to the protected-resource
// metadata, then fetch the authorization-server metadata.
func Discover(ctx context.Context, client *http.Client, serverURL string) (*ServerMetadata, error) {
	probe := `{"jsonrpc":"2.0","id":1,"method":"initialize","params":{}}`
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, serverURL, strings.NewReader(probe))
	if err != nil {
		return nil, fmt.Errorf("build probe request: %w", err)
	}
	req.Header.Set("Content-Type", "application/json")
	req.Header.Set("Accept", "application/json, text/event-stream")

	resp, err := client.Do(req)
	if err != nil {
		return nil, fmt.Errorf("probe server: %w", err)
	}
	defer resp.Body.Close()
	io.Copy(io.Discard, io.LimitReader(resp.Body, maxMetadataBytes))

	if resp.StatusCode != http.StatusUnauthorized {
		if resp.StatusCode >= 200 && resp.StatusCode < 300 {
			return nil, ErrNoOAuthRequired
		}
		return nil, fmt.Errorf("unexpected probe status %d", resp.StatusCode)
	}

	metadataURL := resourceMetadataURL(resp.Header.Get("WWW-Authenticate"), serverURL)
	resource, err := fetchResourceMetadata(ctx, client, metadataURL)
	if err != nil {
		return nil, err
	}
	if len(resource.AuthorizationServers) == 0 {
		return nil, fmt.Errorf("protected resource metadata lists no authorization servers")
	}

	return fetchServerMetadata(ctx, client, resource.AuthorizationServers[0])
}

// resourceMetadataURL extracts resource_metadata from a WWW-Authenticate
// challenge, falling back to the well-known path next to the server URL.
func resourceMetadataURL(challenge, serverURL string) string {
	if i := strings.Index(challenge, `resource_metadata="`); i >= 0 {
		rest := challenge[i+len(`resource_metadata="`):]
		if j := strings.Index(rest, `"`); j >= 0 {
			return rest[:j]
		}
	}
	if u, err := url.Parse(serverURL); err == nil {
		u.Path = "/.well-known/oauth-protected-resource"
		u.RawQuery = ""
		return u.String()
	}
	return ""
}

func fetchResourceMetadata(ctx context.Context, client *http.Client, metadataURL string) (*ResourceMetadata, error) {
	var out ResourceMetadata
	if err := fetchJSON(ctx, client, metadataURL, &out); err != nil {
		return nil, fmt.Errorf("fetch protected resource metadata: %w", err)
	}
	return &out, nil
}

func fetchServerMetadata(ctx context.Context, client *http.Client, issuer string) (*ServerMetadata, error) {
	u, err := url.Parse(issuer)
	if err != nil {
		return nil, fmt.Errorf("parse authorization server url: %w", err)
	}
	u.Path = strings.TrimSuffix(u.Path, "/") + "/.well-known/oauth-authorization-server"

	var out ServerMetadata
	if err := fetchJSON(ctx, client, u.String(), &out); err != nil {
		return nil, fmt.Errorf("fetch authorization server metadata: %w", err)
	}
	if out.AuthorizationEndpoint == "" || out.TokenEndpoint == "" {
		return nil, fmt.Errorf("authorization server metadata missing endpoints")
	}
	return &out, nil
}

func fetchJSON(ctx context.Context, client *http.Client, rawURL string, out any) error {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, rawURL, nil)
	if err != nil {
		return err
	}
	req.Header.Set("Accept", "application/json")
	resp, err := client.Do(req)
	if err != nil {
		return err
	}
	defer resp.Body.Close()
	if resp.StatusCode != http.StatusOK {
		return fmt.Errorf("http %d from %s", resp.StatusCode, rawURL)
	}
	body, err := io.ReadAll(io.LimitReader(resp.Body, maxMetadataBytes))
	if err != nil {
		return err
	}
	return json.Unmarshal(body, out)
}

// clientRegistration is the dynamic registration response (RFC 7591).
type clientRegistration struct {
	ClientID     string `json:"client_id"`
	ClientSecret string `json:"client_secret,omitempty"`
}

// RegisterClient dynamically registers an OAuth client at the server's
// registration endpoint.
func RegisterClient(ctx context.Context, client *http.Client, registrationEndpoint, redirectURI string) (clientID, clientSecret string, err error) {
	payload, err := json.Marshal(map[string]any{
		"client_name":                "mcpbox",
		"redirect_uris":              []string{redirectURI},
		"grant_types":                []string{"authorization_code", "refresh_token"},
		"response_types":             []string{"code"},
		"token_endpoint_auth_method": "none",
	})
	if err != nil {
		return "", "", err
	}
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, registrationEndpoint, bytes.NewReader(payload))
	if err != nil {
		return "", "", err
	}
	req.Header.Set("Content-Type", "application/json")
	resp, err := client.Do(req)
	if err != nil {
		return "", "", fmt.Errorf("register client: %w", err)
	}
	defer resp.Body.Close()
	if resp.StatusCode != http.StatusCreated && resp.StatusCode != http.StatusOK {
		return "", "", fmt.Errorf("registration failed with http %d", resp.StatusCode)
	}
	body, err := io.ReadAll(io.LimitReader(resp.Body, maxMetadataBytes))
	if err != nil {
		return "", "", err
	}
	var reg clientRegistration
	if err := json.Unmarshal(body, &reg); err != nil {
		return "", "", fmt.Errorf("parse registration response: %w", err)
	}
	if reg.ClientID == "" {
		return "", "", fmt.Errorf("registration response missing client_id")
	}
	return reg.ClientID, reg.ClientSecret, nil
}
