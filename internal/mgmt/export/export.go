// Package export moves server and tool definitions between instances as
// signed JSON. Credentials and secrets never leave the database; only
// the names of configured secret keys travel so the operator knows what
// to re-provision on the target.
package export

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"github.com/mcpbox/mcpbox/common/crypto"
	"github.com/mcpbox/mcpbox/internal/mgmt/store"
)

// FormatVersion identifies the export file layout.
const FormatVersion = 1

// ErrBadSignature means tampering or a master key mismatch; either way
// the whole import aborts.
var ErrBadSignature = errors.New("export signature verification failed")

// File is one signed export. The signature covers Version and Servers;
// ExportedAt is excluded so re-exports of identical content verify
// against each other.
type File struct {
	Version    int            `json:"version"`
	ExportedAt time.Time      `json:"exported_at"`
	Servers    []ServerExport `json:"servers"`
	Signature  string         `json:"signature"`
}

// ServerExport carries one server and its tools.
type ServerExport struct {
	Name             string       `json:"name"`
	Description      string       `json:"description,omitempty"`
	HelperCode       string       `json:"helper_code,omitempty"`
	AllowedModules   []string     `json:"allowed_modules,omitempty"`
	AllowedHosts     []string     `json:"allowed_hosts,omitempty"`
	NetworkMode      string       `json:"network_mode"`
	DefaultTimeoutMS int          `json:"default_timeout_ms"`
	Enabled          bool         `json:"enabled"`
	SecretKeys       []string     `json:"secret_keys,omitempty"`
	Tools            []ToolExport `json:"tools,omitempty"`
}

// ToolExport carries one tool definition without its approval history.
type ToolExport struct {
	Name        string `json:"name"`
	Description string `json:"description,omitempty"`
	ToolType    string `json:"tool_type"`
	PythonCode  string `json:"python_code,omitempty"`
	InputSchema string `json:"input_schema,omitempty"`
	TimeoutMS   int    `json:"timeout_ms"`
	Enabled     bool   `json:"enabled"`
}

// Report summarizes one import run.
type Report struct {
	Imported []string
	// Skipped maps server name to the reason it was not imported.
	Skipped map[string]string
}

// Service signs exports and verifies imports with the master key.
type Service struct {
	store  *store.Store
	key    []byte
	logger *slog.Logger
}

func New(st *store.Store, key []byte, logger *slog.Logger) *Service {
	if logger == nil {
		logger = slog.Default()
	}
	return &Service{store: st, key: key, logger: logger}
}

// signedPayload is the exact structure the signature covers.
type signedPayload struct {
	Version int            `json:"version"`
	Servers []ServerExport `json:"servers"`
}

// Export snapshots every server and tool into a signed File.
func (s *Service) Export(ctx context.Context) (*File, error) {
	servers, err := s.store.ListServers(ctx)
	if err != nil {
		return nil, err
	}

	out := make([]ServerExport, 0, len(servers))
	for _, srv := range servers {
		se := ServerExport{
			Name:             srv.Name,
			Description:      srv.Description,
			HelperCode:       srv.HelperCode,
			AllowedModules:   srv.AllowedModules,
			AllowedHosts:     srv.AllowedHosts,
			NetworkMode:      srv.NetworkMode,
			DefaultTimeoutMS: srv.DefaultTimeoutMS,
			Enabled:          srv.Enabled,
		}
		secrets, err := s.store.ListServerSecrets(ctx, srv.ID)
		if err != nil {
			return nil, err
		}
		for _, sec := range secrets {
			se.SecretKeys = append(se.SecretKeys, sec.KeyName)
		}
		tools, err := s.store.ListTools(ctx, srv.ID)
		if err != nil {
			return nil, err
		}
		for _, t := range tools {
			se.Tools = append(se.Tools, ToolExport{
				Name:        t.Name,
				Description: t.Description,
				ToolType:    t.ToolType,
				PythonCode:  t.PythonCode.String,
				InputSchema: t.InputSchema.String,
				TimeoutMS:   t.TimeoutMS,
				Enabled:     t.Enabled,
			})
		}
		out = append(out, se)
	}

	sig, err := crypto.SignCanonical(s.key, signedPayload{Version: FormatVersion, Servers: out})
	if err != nil {
		return nil, fmt.Errorf("failed to sign export: %w", err)
	}
	return &File{
		Version:    FormatVersion,
		ExportedAt: time.Now().UTC(),
		Servers:    out,
		Signature:  sig,
	}, nil
}

// Import verifies the signature and imports each server independently.
// One bad server skips that server only; imported tools always arrive
// unapproved so a human reviews foreign code before it runs.
func (s *Service) Import(ctx context.Context, f *File, actor string) (*Report, error) {
	if f.Version != FormatVersion {
		return nil, fmt.Errorf("export format version %d not supported", f.Version)
	}
	ok, err := crypto.VerifyCanonical(s.key, signedPayload{Version: f.Version, Servers: f.Servers}, f.Signature)
	if err != nil {
		return nil, err
	}
	if !ok {
		return nil, ErrBadSignature
	}

	report := &Report{Skipped: map[string]string{}}
	for _, se := range f.Servers {
		if err := s.importServer(ctx, se, actor); err != nil {
			s.logger.Warn("server import skipped", "server", se.Name, "error", err)
			report.Skipped[se.Name] = err.Error()
			continue
		}
		report.Imported = append(report.Imported, se.Name)
	}
	return report, nil
}

func (s *Service) importServer(ctx context.Context, se ServerExport, actor string) error {
	if se.Name == "" {
		return errors.New("server has no name")
	}
	if _, err := s.store.GetServerByName(ctx, se.Name); err == nil {
		return fmt.Errorf("server %q already exists", se.Name)
	} else if !errors.Is(err, store.ErrNotFound) {
		return err
	}

	srv := &store.Server{
		Name:             se.Name,
		Description:      se.Description,
		HelperCode:       se.HelperCode,
		AllowedModules:   se.AllowedModules,
		AllowedHosts:     se.AllowedHosts,
		NetworkMode:      se.NetworkMode,
		DefaultTimeoutMS: se.DefaultTimeoutMS,
		Enabled:          se.Enabled,
	}
	if err := s.store.CreateServer(ctx, srv); err != nil {
		return err
	}

	for _, te := range se.Tools {
		tool := &store.Tool{
			ServerID:       srv.ID,
			Name:           te.Name,
			Description:    te.Description,
			ToolType:       te.ToolType,
			PythonCode:     sql.NullString{String: te.PythonCode, Valid: te.PythonCode != ""},
			InputSchema:    sql.NullString{String: te.InputSchema, Valid: te.InputSchema != ""},
			TimeoutMS:      te.TimeoutMS,
			Enabled:        te.Enabled,
			ApprovalStatus: store.ApprovalPendingReview,
		}
		if err := s.store.CreateToolFrom(ctx, tool, actor, store.ChangeImport); err != nil {
			// Partial imports leave a server without its tools; undo it.
			if derr := s.store.DeleteServer(ctx, srv.ID); derr != nil {
				s.logger.Error("failed to roll back partial server import", "server", se.Name, "error", derr)
			}
			return fmt.Errorf("tool %q: %w", te.Name, err)
		}
	}
	return nil
}
