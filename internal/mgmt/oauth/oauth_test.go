package oauth

import (
	"bytes"
	"context"
	"crypto/sha256"
	"encoding/base64"
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"net/http/httptest"
	"net/url"
	"path/filepath"
	"testing"
	"time"

	"github.com/mcpbox/mcpbox/internal/mgmt/credentials"
	"github.com/mcpbox/mcpbox/internal/mgmt/store"
)

var testKey = bytes.Repeat([]byte{0x42}, 32)

func newTestCreds(t *testing.T) (*credentials.Service, *store.Store, string) {
	t.Helper()
	st, err := store.New(filepath.Join(t.TempDir(), "test.db"))
	if err != nil {
		t.Fatalf("store.New: %v", err)
	}
	t.Cleanup(func() { st.Close() })
	srv := &store.Server{Name: "oauth-test"}
	if err := st.CreateServer(context.Background(), srv); err != nil {
		t.Fatal(err)
	}
	return credentials.New(testKey, st, nil), st, srv.ID
}

func TestDiscoverNoOAuthNeeded(t *testing.T) {
	ts := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Content-Type", "application/json")
		fmt.Fprint(w, `{"jsonrpc":"2.0","id":1,"result":{}}`)
	}))
	defer ts.Close()

	_, err := Discover(context.Background(), ts.Client(), ts.URL)
	if !errors.Is(err, ErrNoOAuthRequired) {
		t.Errorf("Discover = %v, want ErrNoOAuthRequired", err)
	}
}

func TestDiscoverFullChain(t *testing.T) {
	mux := http.NewServeMux()
	ts := httptest.NewServer(mux)
	defer ts.Close()

	mux.HandleFunc("POST /mcp", func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("WWW-Authenticate",
			fmt.Sprintf(`Bearer resource_metadata=%q`, ts.URL+"/meta"))
		w.WriteHeader(http.StatusUnauthorized)
	})
	mux.HandleFunc("GET /meta", func(w http.ResponseWriter, r *http.Request) {
		json.NewEncoder(w).Encode(ResourceMetadata{
			Resource:             ts.URL + "/mcp",
			AuthorizationServers: []string{ts.URL},
		})
	})
	mux.HandleFunc("GET /.well-known/oauth-authorization-server", func(w http.ResponseWriter, r *http.Request) {
		json.NewEncoder(w).Encode(ServerMetadata{
			Issuer:                ts.URL,
			AuthorizationEndpoint: ts.URL + "/authorize",
			TokenEndpoint:         ts.URL + "/token",
			RegistrationEndpoint:  ts.URL + "/register",
		})
	})

	meta, err := Discover(context.Background(), ts.Client(), ts.URL+"/mcp")
	if err != nil {
		t.Fatalf("Discover: %v", err)
	}
	if meta.TokenEndpoint != ts.URL+"/token" {
		t.Errorf("TokenEndpoint = %q", meta.TokenEndpoint)
	}
	if meta.RegistrationEndpoint != ts.URL+"/register" {
		t.Errorf("RegistrationEndpoint = %q", meta.RegistrationEndpoint)
	}
}

func TestDiscoverWellKnownFallback(t *testing.T) {
	mux := http.NewServeMux()
	ts := httptest.NewServer(mux)
	defer ts.Close()

	// No resource_metadata hint in the challenge.
	mux.HandleFunc("POST /mcp", func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("WWW-Authenticate", "Bearer")
		w.WriteHeader(http.StatusUnauthorized)
	})
	mux.HandleFunc("GET /.well-known/oauth-protected-resource", func(w http.ResponseWriter, r *http.Request) {
		json.NewEncoder(w).Encode(ResourceMetadata{AuthorizationServers: []string{ts.URL}})
	})
	mux.HandleFunc("GET /.well-known/oauth-authorization-server", func(w http.ResponseWriter, r *http.Request) {
		json.NewEncoder(w).Encode(ServerMetadata{
			AuthorizationEndpoint: ts.URL + "/authorize",
			TokenEndpoint:         ts.URL + "/token",
		})
	})

	meta, err := Discover(context.Background(), ts.Client(), ts.URL+"/mcp")
	if err != nil {
		t.Fatalf("Discover: %v", err)
	}
	if meta.AuthorizationEndpoint == "" {
		t.Error("missing authorization endpoint")
	}
}

func TestRegisterClient(t *testing.T) {
	ts := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		var body map[string]any
		json.NewDecoder(r.Body).Decode(&body)
		if body["client_name"] != "mcpbox" {
			t.Errorf("client_name = %v", body["client_name"])
		}
		w.WriteHeader(http.StatusCreated)
		fmt.Fprint(w, `{"client_id":"generated-id","client_secret":"generated-secret"}`)
	}))
	defer ts.Close()

	id, secret, err := RegisterClient(context.Background(), ts.Client(), ts.URL, "http://localhost/callback")
	if err != nil {
		t.Fatalf("RegisterClient: %v", err)
	}
	if id != "generated-id" || secret != "generated-secret" {
		t.Errorf("got %q / %q", id, secret)
	}
}

func TestPKCEPair(t *testing.T) {
	p, err := newPKCE()
	if err != nil {
		t.Fatal(err)
	}
	if len(p.Verifier) < 43 {
		t.Errorf("verifier length = %d, want >= 43", len(p.Verifier))
	}
	sum := sha256.Sum256([]byte(p.Verifier))
	if p.Challenge != base64.RawURLEncoding.EncodeToString(sum[:]) {
		t.Error("challenge is not S256 of verifier")
	}
	q, err := newPKCE()
	if err != nil {
		t.Fatal(err)
	}
	if p.Verifier == q.Verifier {
		t.Error("verifiers repeat")
	}
}

func TestAuthorizationCodeFlow(t *testing.T) {
	creds, _, serverID := newTestCreds(t)
	ctx := context.Background()

	v, err := creds.Create(ctx, serverID, credentials.Input{Name: "gh", AuthType: "oauth2"})
	if err != nil {
		t.Fatal(err)
	}

	var gotVerifier, gotCode string
	tokenSrv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		r.ParseForm()
		gotVerifier = r.PostForm.Get("code_verifier")
		gotCode = r.PostForm.Get("code")
		fmt.Fprint(w, `{"access_token":"at-1","refresh_token":"rt-1","token_type":"Bearer","expires_in":3600}`)
	}))
	defer tokenSrv.Close()

	fm := NewFlowManager(creds, tokenSrv.Client(), nil)
	authURL, err := fm.Begin(BeginInput{
		CredentialID:          v.ID,
		AuthorizationEndpoint: "https://auth.example.com/authorize",
		TokenEndpoint:         tokenSrv.URL,
		RedirectURI:           "http://localhost/callback",
		ClientID:              "client-1",
	})
	if err != nil {
		t.Fatalf("Begin: %v", err)
	}

	u, err := url.Parse(authURL)
	if err != nil {
		t.Fatal(err)
	}
	q := u.Query()
	if q.Get("code_challenge_method") != "S256" {
		t.Errorf("method = %q", q.Get("code_challenge_method"))
	}
	state := q.Get("state")
	if state == "" {
		t.Fatal("missing state")
	}

	if err := fm.Complete(ctx, state, "auth-code-xyz"); err != nil {
		t.Fatalf("Complete: %v", err)
	}
	if gotCode != "auth-code-xyz" {
		t.Errorf("code = %q", gotCode)
	}
	sum := sha256.Sum256([]byte(gotVerifier))
	if base64.RawURLEncoding.EncodeToString(sum[:]) != q.Get("code_challenge") {
		t.Error("verifier does not match challenge")
	}

	m, err := creds.Open(ctx, v.ID)
	if err != nil {
		t.Fatal(err)
	}
	if m.AccessToken != "at-1" || m.RefreshToken != "rt-1" {
		t.Errorf("tokens = %q / %q", m.AccessToken, m.RefreshToken)
	}

	// State is single use.
	if err := fm.Complete(ctx, state, "again"); !errors.Is(err, ErrFlowNotFound) {
		t.Errorf("reused state = %v, want ErrFlowNotFound", err)
	}
}

func TestFlowExpiry(t *testing.T) {
	creds, _, _ := newTestCreds(t)
	fm := NewFlowManager(creds, nil, nil)

	now := time.Now()
	fm.now = func() time.Time { return now }
	authURL, err := fm.Begin(BeginInput{
		CredentialID:          "cred",
		AuthorizationEndpoint: "https://auth.example.com/authorize",
		TokenEndpoint:         "https://auth.example.com/token",
		RedirectURI:           "http://localhost/callback",
		ClientID:              "client-1",
	})
	if err != nil {
		t.Fatal(err)
	}
	u, _ := url.Parse(authURL)
	state := u.Query().Get("state")

	now = now.Add(flowTTL + time.Minute)
	if err := fm.Complete(context.Background(), state, "code"); !errors.Is(err, ErrFlowNotFound) {
		t.Errorf("expired flow = %v, want ErrFlowNotFound", err)
	}

	// The sweep also drops expired entries.
	fm.Begin(BeginInput{AuthorizationEndpoint: "https://a/b", ClientID: "x"})
	now = now.Add(flowTTL + time.Minute)
	fm.sweep()
	fm.mu.Lock()
	n := len(fm.pending)
	fm.mu.Unlock()
	if n != 0 {
		t.Errorf("pending after sweep = %d, want 0", n)
	}
}

func TestRefreshExpiring(t *testing.T) {
	creds, st, serverID := newTestCreds(t)
	ctx := context.Background()

	var refreshCalls int
	tokenSrv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		r.ParseForm()
		refreshCalls++
		if r.PostForm.Get("grant_type") != "refresh_token" {
			t.Errorf("grant_type = %q", r.PostForm.Get("grant_type"))
		}
		if r.PostForm.Get("refresh_token") != "rt-old" {
			t.Errorf("refresh_token = %q", r.PostForm.Get("refresh_token"))
		}
		fmt.Fprint(w, `{"access_token":"at-new","token_type":"Bearer","expires_in":3600}`)
	}))
	defer tokenSrv.Close()

	v, err := creds.Create(ctx, serverID, credentials.Input{
		Name:          "gh",
		AuthType:      "oauth2",
		OAuthTokenURL: tokenSrv.URL,
	})
	if err != nil {
		t.Fatal(err)
	}
	// Token expiring inside the lookahead window.
	if err := creds.SaveTokens(ctx, v.ID, "at-old", "rt-old", time.Now().Add(time.Minute)); err != nil {
		t.Fatal(err)
	}

	r := NewRefresher(st, creds, tokenSrv.Client(), nil)
	if err := r.RefreshExpiring(ctx); err != nil {
		t.Fatalf("RefreshExpiring: %v", err)
	}
	if refreshCalls != 1 {
		t.Errorf("refresh calls = %d, want 1", refreshCalls)
	}

	m, err := creds.Open(ctx, v.ID)
	if err != nil {
		t.Fatal(err)
	}
	if m.AccessToken != "at-new" {
		t.Errorf("AccessToken = %q", m.AccessToken)
	}
	// Server did not rotate the refresh token, so the old one survives.
	if m.RefreshToken != "rt-old" {
		t.Errorf("RefreshToken = %q", m.RefreshToken)
	}

	// Nothing left inside the window after the refresh.
	if err := r.RefreshExpiring(ctx); err != nil {
		t.Fatal(err)
	}
	if refreshCalls != 1 {
		t.Errorf("refresh calls after second pass = %d, want 1", refreshCalls)
	}
}

func TestResourceMetadataURLFallback(t *testing.T) {
	got := resourceMetadataURL("Bearer", "https://mcp.example.com/v1/mcp?x=1")
	want := "https://mcp.example.com/.well-known/oauth-protected-resource"
	if got != want {
		t.Errorf("got %q, want %q", got, want)
	}

	got = resourceMetadataURL(`Bearer realm="x", resource_metadata="https://meta.example.com/doc"`, "https://mcp.example.com/mcp")
	if got != "https://meta.example.com/doc" {
		t.Errorf("got %q", got)
	}
}
