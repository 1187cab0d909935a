// Package rotate re-encrypts every encrypted column from one master key
// to another. Rotation runs in two phases: first every blob is decrypted
// with the old key so a single unreadable row aborts before anything is
// written, then each row is rewritten in its own statement so an
// interruption leaves rows either fully old-key or fully new-key.
package rotate

import (
	"context"
	"fmt"
	"log/slog"

	"github.com/mcpbox/mcpbox/common/crypto"
	"github.com/mcpbox/mcpbox/internal/mgmt/credentials"
	"github.com/mcpbox/mcpbox/internal/mgmt/store"
)

// Counts reports how many rows each phase touched.
type Counts struct {
	Credentials     int
	ServerSecrets   int
	ExternalSources int
	Settings        int
	// Fields is the total number of individual encrypted values.
	Fields int
}

// Rotator walks the encrypted columns.
type Rotator struct {
	store  *store.Store
	oldKey []byte
	newKey []byte
	logger *slog.Logger
}

// New builds a Rotator. Both keys must be parsed 32-byte master keys.
func New(st *store.Store, oldKey, newKey []byte, logger *slog.Logger) *Rotator {
	if logger == nil {
		logger = slog.Default()
	}
	return &Rotator{store: st, oldKey: oldKey, newKey: newKey, logger: logger}
}

// Run verifies every blob decrypts under the old key and, unless dryRun
// is set, rewrites it under the new key. The returned counts come from
// the verification phase either way.
func (r *Rotator) Run(ctx context.Context, dryRun bool) (*Counts, error) {
	counts, err := r.walk(ctx, true)
	if err != nil {
		return nil, err
	}
	if dryRun {
		return counts, nil
	}
	if _, err := r.walk(ctx, false); err != nil {
		return nil, err
	}
	r.logger.Info("master key rotated",
		"credentials", counts.Credentials,
		"server_secrets", counts.ServerSecrets,
		"external_sources", counts.ExternalSources,
		"settings", counts.Settings,
		"fields", counts.Fields)
	return counts, nil
}

func (r *Rotator) walk(ctx context.Context, verifyOnly bool) (*Counts, error) {
	counts := &Counts{}

	servers, err := r.store.ListServers(ctx)
	if err != nil {
		return nil, err
	}
	for _, srv := range servers {
		if err := r.walkCredentials(ctx, srv.ID, verifyOnly, counts); err != nil {
			return nil, err
		}
		if err := r.walkServerSecrets(ctx, srv.ID, verifyOnly, counts); err != nil {
			return nil, err
		}
		if err := r.walkExternalSources(ctx, srv.ID, verifyOnly, counts); err != nil {
			return nil, err
		}
	}
	if err := r.walkSettings(ctx, verifyOnly, counts); err != nil {
		return nil, err
	}
	return counts, nil
}

func (r *Rotator) walkCredentials(ctx context.Context, serverID string, verifyOnly bool, counts *Counts) error {
	creds, err := r.store.ListCredentials(ctx, serverID)
	if err != nil {
		return err
	}
	for _, c := range creds {
		fields := []struct {
			blob *[]byte
			aad  string
		}{
			{&c.ValueEncrypted, credentials.AADCredentialValue},
			{&c.UsernameEncrypted, credentials.AADCredentialUsername},
			{&c.PasswordEncrypted, credentials.AADCredentialPassword},
			{&c.AccessTokenEncrypted, credentials.AADCredentialAccessToken},
			{&c.RefreshTokenEncrypted, credentials.AADCredentialRefreshToken},
			{&c.OAuthClientSecretEncrypted, credentials.AADCredentialClientSecret},
		}
		touched := false
		for _, f := range fields {
			if len(*f.blob) == 0 {
				continue
			}
			rewritten, err := r.reseal(*f.blob, f.aad)
			if err != nil {
				return fmt.Errorf("credential %s (%s): %w", c.ID, f.aad, err)
			}
			if !verifyOnly {
				*f.blob = rewritten
			}
			counts.Fields++
			touched = true
		}
		if touched {
			counts.Credentials++
			if !verifyOnly {
				if err := r.store.UpdateCredential(ctx, c); err != nil {
					return fmt.Errorf("credential %s: %w", c.ID, err)
				}
			}
		}
	}
	return nil
}

func (r *Rotator) walkServerSecrets(ctx context.Context, serverID string, verifyOnly bool, counts *Counts) error {
	secrets, err := r.store.ListServerSecrets(ctx, serverID)
	if err != nil {
		return err
	}
	for _, sec := range secrets {
		aad := credentials.AADServerSecretPrefix + sec.KeyName
		rewritten, err := r.reseal(sec.ValueEncrypted, aad)
		if err != nil {
			return fmt.Errorf("server secret %s/%s: %w", serverID, sec.KeyName, err)
		}
		counts.ServerSecrets++
		counts.Fields++
		if !verifyOnly {
			if err := r.store.UpsertServerSecret(ctx, serverID, sec.KeyName, rewritten); err != nil {
				return fmt.Errorf("server secret %s/%s: %w", serverID, sec.KeyName, err)
			}
		}
	}
	return nil
}

func (r *Rotator) walkExternalSources(ctx context.Context, serverID string, verifyOnly bool, counts *Counts) error {
	sources, err := r.store.ListExternalSources(ctx, serverID)
	if err != nil {
		return err
	}
	for _, src := range sources {
		if len(src.OAuthTokensEncrypted) == 0 {
			continue
		}
		rewritten, err := r.reseal(src.OAuthTokensEncrypted, credentials.AADExternalOAuth)
		if err != nil {
			return fmt.Errorf("external source %s: %w", src.ID, err)
		}
		counts.ExternalSources++
		counts.Fields++
		if !verifyOnly {
			if err := r.store.SaveExternalOAuthTokens(ctx, src.ID, rewritten); err != nil {
				return fmt.Errorf("external source %s: %w", src.ID, err)
			}
		}
	}
	return nil
}

func (r *Rotator) walkSettings(ctx context.Context, verifyOnly bool, counts *Counts) error {
	settings, err := r.store.ListSettings(ctx)
	if err != nil {
		return err
	}
	for _, setting := range settings {
		if !setting.Encrypted || !setting.Value.Valid {
			continue
		}
		aad := credentials.AADSettingPrefix + setting.Key
		plaintext, err := crypto.DecryptStringB64(r.oldKey, setting.Value.String, aad)
		if err != nil {
			return fmt.Errorf("setting %s: %w", setting.Key, err)
		}
		counts.Settings++
		counts.Fields++
		if !verifyOnly {
			rewritten, err := crypto.EncryptStringB64(r.newKey, plaintext, aad)
			if err != nil {
				return fmt.Errorf("setting %s: %w", setting.Key, err)
			}
			if err := r.store.SetSetting(ctx, setting.Key, rewritten, true); err != nil {
				return fmt.Errorf("setting %s: %w", setting.Key, err)
			}
		}
	}
	return nil
}

// reseal decrypts blob under the old key and re-encrypts it under the
// new one, keeping the associated data intact.
func (r *Rotator) reseal(blob []byte, aad string) ([]byte, error) {
	plaintext, err := crypto.DecryptWithAAD(r.oldKey, blob, []byte(aad))
	if err != nil {
		return nil, err
	}
	return crypto.EncryptWithAAD(r.newKey, plaintext, []byte(aad))
}
