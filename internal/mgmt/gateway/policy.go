package gateway

import (
	"context"
	"encoding/json"
	"errors"
	"log/slog"
	"strings"
	"sync"
	"time"

	"github.com/mcpbox/mcpbox/internal/mgmt/store"
)

// Access policy types persisted under the access_policy setting.
const (
	PolicyEveryone    = "everyone"
	PolicyEmails      = "emails"
	PolicyEmailDomain = "email_domain"
)

const policyCacheTTL = 30 * time.Second

// AccessPolicy mirrors the upstream access product's rule shape: allow
// everyone, an explicit email list, or one email domain.
type AccessPolicy struct {
	Type   string   `json:"type"`
	Emails []string `json:"emails,omitempty"`
	Domain string   `json:"domain,omitempty"`
}

// policyCache holds the access policy with a short TTL. If the very
// first load fails the cache denies everything until a load succeeds;
// failing open on a broken database would disable the policy entirely.
type policyCache struct {
	store  *store.Store
	logger *slog.Logger
	now    func() time.Time

	mu         sync.Mutex
	policy     *AccessPolicy
	loadedAt   time.Time
	everLoaded bool
}

func newPolicyCache(st *store.Store, logger *slog.Logger) *policyCache {
	return &policyCache{store: st, logger: logger, now: time.Now}
}

// Allow reports whether email passes the current policy. An unset
// policy allows everyone.
func (p *policyCache) Allow(ctx context.Context, email string) bool {
	policy, ok := p.current(ctx)
	if !ok {
		return false
	}
	if policy == nil {
		return true
	}
	switch policy.Type {
	case PolicyEveryone:
		return true
	case PolicyEmails:
		for _, allowed := range policy.Emails {
			if strings.EqualFold(allowed, email) {
				return true
			}
		}
		return false
	case PolicyEmailDomain:
		_, domain, found := strings.Cut(email, "@")
		return found && strings.EqualFold(domain, policy.Domain)
	default:
		p.logger.Warn("unknown access policy type", "type", policy.Type)
		return false
	}
}

// Invalidate forces the next Allow to reload from the database.
func (p *policyCache) Invalidate() {
	p.mu.Lock()
	p.loadedAt = time.Time{}
	p.mu.Unlock()
}

// current returns the cached policy, refreshing it when stale. ok is
// false only when no load has ever succeeded.
func (p *policyCache) current(ctx context.Context) (*AccessPolicy, bool) {
	p.mu.Lock()
	defer p.mu.Unlock()

	if p.everLoaded && p.now().Sub(p.loadedAt) < policyCacheTTL {
		return p.policy, true
	}

	setting, err := p.store.GetSetting(ctx, "access_policy")
	switch {
	case errors.Is(err, store.ErrNotFound):
		p.policy = nil
	case err != nil:
		p.logger.Warn("access policy load failed", "error", err)
		// Keep serving the last good policy; deny only when there has
		// never been one.
		return p.policy, p.everLoaded
	default:
		var policy AccessPolicy
		if err := json.Unmarshal([]byte(setting.Value.String), &policy); err != nil {
			p.logger.Warn("corrupt access policy, denying remote callers", "error", err)
			return p.policy, p.everLoaded
		}
		p.policy = &policy
	}
	p.everLoaded = true
	p.loadedAt = p.now()
	return p.policy, true
}
