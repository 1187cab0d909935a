// Package app assembles the control plane: storage, crypto services,
// the approval engine, the sandbox connection, and the HTTP listener
// that serves both the admin API and the MCP gateway.
package app

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"strings"
	"time"

	"github.com/mcpbox/mcpbox/internal/mgmt/api"
	"github.com/mcpbox/mcpbox/internal/mgmt/approvals"
	"github.com/mcpbox/mcpbox/internal/mgmt/audit"
	"github.com/mcpbox/mcpbox/internal/mgmt/auth"
	"github.com/mcpbox/mcpbox/internal/mgmt/config"
	"github.com/mcpbox/mcpbox/internal/mgmt/credentials"
	"github.com/mcpbox/mcpbox/internal/mgmt/export"
	"github.com/mcpbox/mcpbox/internal/mgmt/gateway"
	"github.com/mcpbox/mcpbox/internal/mgmt/logging"
	"github.com/mcpbox/mcpbox/internal/mgmt/notify"
	"github.com/mcpbox/mcpbox/internal/mgmt/oauth"
	"github.com/mcpbox/mcpbox/internal/mgmt/ratelimit"
	"github.com/mcpbox/mcpbox/internal/mgmt/sandbox"
	"github.com/mcpbox/mcpbox/internal/mgmt/store"
)

const shutdownGrace = 10 * time.Second

// App is the assembled control plane.
type App struct {
	cfg       *config.Config
	store     *store.Store
	auth      *auth.Service
	engine    *approvals.Engine
	audit     *audit.Recorder
	limiter   *ratelimit.Limiter
	flows     *oauth.FlowManager
	refresher *oauth.Refresher
	server    *http.Server
}

// New wires every subsystem. Optional pieces (sandbox, Matrix, OAuth
// flows) degrade to disabled with a log line rather than failing start.
func New(ctx context.Context, cfg *config.Config) (*App, error) {
	logging.Setup(cfg.LogLevel, cfg.LogFormat)

	slog.Info("opening database", "path", cfg.DatabasePath)
	st, err := store.New(cfg.DatabasePath)
	if err != nil {
		return nil, fmt.Errorf("failed to open database: %w", err)
	}

	creds := credentials.New(cfg.MasterKey, st, nil)
	authSvc, err := auth.NewService(ctx, st, auth.NewIssuer(cfg.JWTSecret, 0, 0), nil)
	if err != nil {
		st.Close()
		return nil, fmt.Errorf("failed to initialize auth: %w", err)
	}

	sb := connectSandbox(ctx, cfg)

	var registrar approvals.Registrar
	if sb != nil {
		registrar = sb
	}
	engine := approvals.New(st, creds, registrar, nil)

	if cfg.MatrixEnabled() {
		m, err := notify.NewMatrix(cfg.Matrix)
		if err != nil {
			slog.Warn("Matrix notifications unavailable", "error", err)
		} else {
			engine.SetNotifier(notify.NewMatrixNotifier(m, cfg.Matrix.RoomID, nil))
			slog.Info("Matrix room notifications ready", "room", cfg.Matrix.RoomID)
		}
	}

	rec := audit.New(st, cfg.LogRetentionDays, nil)

	var exec gateway.Executor
	if sb != nil {
		exec = sb
	}
	gw := gateway.New(gateway.Config{
		ServiceToken: cfg.ServiceToken,
		RemoteMode:   cfg.RemoteMode,
	}, st, creds, engine, rec, exec, nil)

	flows := oauth.NewFlowManager(creds, http.DefaultClient, nil)
	refresher := oauth.NewRefresher(st, creds, http.DefaultClient, nil)
	limiter := ratelimit.New(nil, ratelimit.WithTrustedProxies(cidrs(cfg.TrustedProxies)))

	var apiSandbox api.Sandbox
	if sb != nil {
		apiSandbox = sb
	}
	apiSrv := api.New(api.Deps{
		Store:        st,
		Auth:         authSvc,
		Creds:        creds,
		Engine:       engine,
		Audit:        rec,
		Export:       export.New(st, cfg.MasterKey, nil),
		Flows:        flows,
		Limiter:      limiter,
		Sandbox:      apiSandbox,
		Gateway:      gw,
		RedirectBase: cfg.OAuthRedirectBase,
	})

	server := &http.Server{
		Addr:              cfg.ListenAddr,
		Handler:           apiSrv.Handler(gw),
		ReadHeaderTimeout: 10 * time.Second,
	}

	return &App{
		cfg:       cfg,
		store:     st,
		auth:      authSvc,
		engine:    engine,
		audit:     rec,
		limiter:   limiter,
		flows:     flows,
		refresher: refresher,
		server:    server,
	}, nil
}

// connectSandbox resolves the sandbox control API: either launch a
// managed container or point at an externally run one. A nil return
// means execution is disabled.
func connectSandbox(ctx context.Context, cfg *config.Config) *sandbox.Client {
	if cfg.ManageSandbox {
		launcher, err := sandbox.NewLauncher(cfg.DockerNetwork)
		if err != nil {
			slog.Warn("Docker unavailable, sandbox not managed", "error", err)
			return nil
		}
		if err := launcher.EnsureNetwork(ctx); err != nil {
			slog.Warn("could not ensure Docker network", "network", cfg.DockerNetwork, "error", err)
		}
		h, err := launcher.Launch(ctx, sandbox.LaunchSpec{
			Image:  cfg.SandboxImage,
			APIKey: cfg.SandboxAPIKey,
		})
		if err != nil {
			slog.Warn("sandbox container failed to launch, execution disabled", "error", err)
			return nil
		}
		slog.Info("sandbox container launched", "container", h.ContainerID, "url", h.ControlURL)
		return sandbox.NewClient(h.ControlURL, cfg.SandboxAPIKey)
	}
	if cfg.SandboxURL == "" {
		slog.Info("no sandbox configured, tool execution disabled")
		return nil
	}
	slog.Info("using external sandbox", "url", cfg.SandboxURL)
	return sandbox.NewClient(cfg.SandboxURL, cfg.SandboxAPIKey)
}

// Run starts the background loops and serves HTTP until ctx is
// canceled, then shuts down gracefully.
func (a *App) Run(ctx context.Context) error {
	go a.auth.Run(ctx)
	go a.audit.Run(ctx)
	go a.limiter.Run(ctx)
	go a.flows.Run(ctx)
	go a.refresher.Run(ctx)

	a.resync(ctx)

	errCh := make(chan error, 1)
	go func() {
		slog.Info("listening", "addr", a.cfg.ListenAddr)
		if err := a.server.ListenAndServe(); !errors.Is(err, http.ErrServerClosed) {
			errCh <- err
		}
	}()

	select {
	case err := <-errCh:
		return fmt.Errorf("http server: %w", err)
	case <-ctx.Done():
	}

	slog.Info("shutting down")
	shutdownCtx, cancel := context.WithTimeout(context.Background(), shutdownGrace)
	defer cancel()
	if err := a.server.Shutdown(shutdownCtx); err != nil {
		slog.Warn("forced shutdown", "error", err)
	}
	return nil
}

// Close releases resources held outside Run.
func (a *App) Close() {
	slog.Info("closing database")
	a.store.Close()
}

// resync pushes every enabled server to the sandbox on startup so the
// registry matches the database after a restart of either side.
func (a *App) resync(ctx context.Context) {
	servers, err := a.store.ListServers(ctx)
	if err != nil {
		slog.Warn("startup resync skipped", "error", err)
		return
	}
	for _, srv := range servers {
		if !srv.Enabled {
			continue
		}
		if err := a.engine.SyncServer(ctx, srv.ID); err != nil {
			slog.Warn("startup resync failed for server", "server", srv.Name, "error", err)
		}
	}
	slog.Info("startup resync complete", "servers", len(servers))
}

// cidrs widens bare IPs from TRUSTED_PROXY_IPS into single-host CIDRs.
func cidrs(ips []string) []string {
	out := make([]string, 0, len(ips))
	for _, ip := range ips {
		if !strings.Contains(ip, "/") {
			if strings.Contains(ip, ":") {
				ip += "/128"
			} else {
				ip += "/32"
			}
		}
		out = append(out, ip)
	}
	return out
}
