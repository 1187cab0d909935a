// Package config loads control-plane configuration from the environment.
package config

import (
	"fmt"
	"log/slog"
	"os"

	"gopkg.in/yaml.v3"

	"github.com/mcpbox/mcpbox/common/crypto"
	"github.com/mcpbox/mcpbox/common/environment"
	"github.com/mcpbox/mcpbox/internal/mgmt/audit"
	"github.com/mcpbox/mcpbox/internal/mgmt/notify"
)

// MinJWTSecretLength keeps HS256 keys out of brute-force range.
const MinJWTSecretLength = 32

// Config holds everything the control plane needs to start.
type Config struct {
	DatabasePath string
	ListenAddr   string

	// MasterKey encrypts credentials, secrets, and sensitive settings.
	MasterKey []byte
	// JWTSecret signs admin session tokens.
	JWTSecret []byte
	// ServiceToken, when set, is required on every MCP call.
	ServiceToken string
	// RemoteMode additionally requires an access-proxy identity header.
	RemoteMode     bool
	TrustedProxies []string

	// SandboxURL is the sandbox control API. Empty disables execution.
	SandboxURL    string
	SandboxAPIKey string
	// ManageSandbox makes the control plane launch the sandbox container
	// itself instead of expecting one at SandboxURL.
	ManageSandbox bool
	SandboxImage  string
	DockerNetwork string

	// OAuthRedirectBase is the externally reachable base URL used to
	// build OAuth callback URIs, e.g. "https://mcpbox.example.com".
	OAuthRedirectBase string

	LogRetentionDays int
	LogLevel         string
	LogFormat        string

	// Matrix, when fully set, enables room notifications.
	Matrix notify.MatrixConfig
}

// fileConfig is the optional YAML config file named by
// MCPBOX_CONFIG_FILE. It only carries non-secret knobs; keys and tokens
// always come from the environment. File values act as defaults that
// environment variables override.
type fileConfig struct {
	DBPath            string   `yaml:"db_path"`
	ListenAddr        string   `yaml:"listen_addr"`
	TrustedProxies    []string `yaml:"trusted_proxies"`
	SandboxURL        string   `yaml:"sandbox_url"`
	ManageSandbox     bool     `yaml:"manage_sandbox"`
	SandboxImage      string   `yaml:"sandbox_image"`
	DockerNetwork     string   `yaml:"docker_network"`
	OAuthRedirectBase string   `yaml:"oauth_redirect_base"`
	LogRetentionDays  int      `yaml:"log_retention_days"`
	LogLevel          string   `yaml:"log_level"`
	LogFormat         string   `yaml:"log_format"`
	Matrix            struct {
		Homeserver string `yaml:"homeserver"`
		UserID     string `yaml:"user_id"`
		RoomID     string `yaml:"notify_room"`
	} `yaml:"matrix"`
}

func loadFile(path string) (*fileConfig, error) {
	f := &fileConfig{}
	if path == "" {
		return f, nil
	}
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("config file: %w", err)
	}
	if err := yaml.Unmarshal(data, f); err != nil {
		return nil, fmt.Errorf("config file %s: %w", path, err)
	}
	return f, nil
}

// Load reads the optional config file and the environment. Missing
// required variables and malformed keys are errors; everything else
// falls back to a file value, then a default.
func Load() (*Config, error) {
	file, err := loadFile(os.Getenv("MCPBOX_CONFIG_FILE"))
	if err != nil {
		return nil, err
	}

	keyHex, err := environment.RequiredString("MCPBOX_MASTER_KEY")
	if err != nil {
		return nil, err
	}
	masterKey, err := crypto.ParseMasterKey(keyHex)
	if err != nil {
		return nil, fmt.Errorf("MCPBOX_MASTER_KEY: %w", err)
	}

	jwtSecret, err := environment.RequiredString("MCPBOX_JWT_SECRET")
	if err != nil {
		return nil, err
	}
	if len(jwtSecret) < MinJWTSecretLength {
		return nil, fmt.Errorf("MCPBOX_JWT_SECRET must be at least %d bytes, got %d", MinJWTSecretLength, len(jwtSecret))
	}

	cfg := &Config{
		DatabasePath: environment.StringOr("MCPBOX_DB_PATH", orDefault(file.DBPath, "./mcpbox.db")),
		ListenAddr:   environment.StringOr("MCPBOX_LISTEN_ADDR", orDefault(file.ListenAddr, ":8080")),

		MasterKey:      masterKey,
		JWTSecret:      []byte(jwtSecret),
		ServiceToken:   os.Getenv("MCPBOX_SERVICE_TOKEN"),
		RemoteMode:     environment.BoolOr("MCPBOX_REMOTE_MODE", false),
		TrustedProxies: environment.ListOr("TRUSTED_PROXY_IPS", file.TrustedProxies),

		SandboxURL:    environment.StringOr("SANDBOX_URL", orDefault(file.SandboxURL, "http://127.0.0.1:8787")),
		SandboxAPIKey: os.Getenv("SANDBOX_API_KEY"),
		ManageSandbox: environment.BoolOr("MCPBOX_MANAGE_SANDBOX", file.ManageSandbox),
		SandboxImage:  environment.StringOr("SANDBOX_IMAGE", orDefault(file.SandboxImage, "ghcr.io/mcpbox/mcpbox-sandbox:latest")),
		DockerNetwork: environment.StringOr("MCPBOX_DOCKER_NETWORK", orDefault(file.DockerNetwork, "mcpbox")),

		OAuthRedirectBase: environment.StringOr("MCPBOX_OAUTH_REDIRECT_BASE", file.OAuthRedirectBase),

		LogRetentionDays: environment.IntOr("MCPBOX_LOG_RETENTION_DAYS", orDefaultInt(file.LogRetentionDays, audit.DefaultRetentionDays)),
		LogLevel:         environment.StringOr("MCPBOX_LOG_LEVEL", orDefault(file.LogLevel, "info")),
		LogFormat:        environment.StringOr("MCPBOX_LOG_FORMAT", orDefault(file.LogFormat, "text")),

		Matrix: notify.MatrixConfig{
			Homeserver:  environment.StringOr("MATRIX_HOMESERVER", file.Matrix.Homeserver),
			UserID:      environment.StringOr("MATRIX_USER_ID", file.Matrix.UserID),
			AccessToken: os.Getenv("MATRIX_ACCESS_TOKEN"),
			RoomID:      environment.StringOr("MATRIX_NOTIFY_ROOM", file.Matrix.RoomID),
		},
	}

	if cfg.RemoteMode && cfg.ServiceToken == "" {
		return nil, fmt.Errorf("MCPBOX_REMOTE_MODE requires MCPBOX_SERVICE_TOKEN")
	}
	if !crypto.DistinctSecrets(keyHex, jwtSecret, cfg.SandboxAPIKey, cfg.ServiceToken) {
		slog.Warn("encryption key, JWT secret, sandbox API key, and service token should be pairwise distinct")
	}
	return cfg, nil
}

func orDefault(s, fallback string) string {
	if s != "" {
		return s
	}
	return fallback
}

func orDefaultInt(n, fallback int) int {
	if n > 0 {
		return n
	}
	return fallback
}

// MatrixEnabled reports whether all Matrix notification settings are set.
func (c *Config) MatrixEnabled() bool {
	m := c.Matrix
	return m.Homeserver != "" && m.UserID != "" && m.AccessToken != "" && m.RoomID != ""
}
