// Package ratelimit enforces per-client request budgets on the HTTP
// surfaces. Each client IP gets a token bucket for burst smoothing plus
// minute and hour sliding windows per route class.
package ratelimit

import (
	"context"
	"fmt"
	"log/slog"
	"net"
	"net/http"
	"strconv"
	"strings"
	"sync"
	"time"
)

// Limit is the budget for one route class.
type Limit struct {
	PerMinute int
	PerHour   int
	Burst     int
}

// Route classes, matched by path prefix with the longest prefix winning.
var defaultLimits = map[string]Limit{
	"/health":     {PerMinute: 120, PerHour: 3600, Burst: 30},
	"/mcp":        {PerMinute: 60, PerHour: 1000, Burst: 20},
	"/api/tools/": {PerMinute: 30, PerHour: 500, Burst: 10},
	"":            {PerMinute: 60, PerHour: 600, Burst: 20},
}

const (
	// gcInterval is how often idle client state is swept.
	gcInterval = time.Hour
	// idleTTL is how long an untouched bucket survives before the sweep
	// drops it.
	idleTTL = 24 * time.Hour
)

// Limiter tracks request budgets keyed by (client IP, route class).
type Limiter struct {
	limits         map[string]Limit
	trustedProxies []*net.IPNet
	logger         *slog.Logger
	now            func() time.Time

	mu      sync.Mutex
	clients map[string]*clientState
}

type clientState struct {
	tokens     float64
	lastRefill time.Time
	minute     *window
	hour       *window
	lastSeen   time.Time
}

// window counts events over a fixed span with second resolution.
type window struct {
	span    time.Duration
	events  []time.Time
	maxSize int
}

func newWindow(span time.Duration, maxSize int) *window {
	return &window{span: span, maxSize: maxSize}
}

func (w *window) count(now time.Time) int {
	cutoff := now.Add(-w.span)
	kept := w.events[:0]
	for _, e := range w.events {
		if e.After(cutoff) {
			kept = append(kept, e)
		}
	}
	w.events = kept
	return len(kept)
}

func (w *window) add(now time.Time) {
	if len(w.events) < w.maxSize {
		w.events = append(w.events, now)
	}
}

// oldest returns the earliest live event, the one whose expiry next frees
// a slot in the window.
func (w *window) oldest() (time.Time, bool) {
	if len(w.events) == 0 {
		return time.Time{}, false
	}
	return w.events[0], true
}

// Option configures a Limiter.
type Option func(*Limiter)

// WithLimits replaces the route class table.
func WithLimits(limits map[string]Limit) Option {
	return func(l *Limiter) { l.limits = limits }
}

// WithTrustedProxies sets the CIDRs whose X-Forwarded-For is honored.
func WithTrustedProxies(cidrs []string) Option {
	return func(l *Limiter) {
		for _, c := range cidrs {
			if _, ipnet, err := net.ParseCIDR(c); err == nil {
				l.trustedProxies = append(l.trustedProxies, ipnet)
			} else {
				l.logger.Warn("ignoring invalid trusted proxy cidr", "cidr", c)
			}
		}
	}
}

// New builds a Limiter with the default route class table.
func New(logger *slog.Logger, opts ...Option) *Limiter {
	if logger == nil {
		logger = slog.Default()
	}
	l := &Limiter{
		limits:  defaultLimits,
		logger:  logger,
		now:     time.Now,
		clients: make(map[string]*clientState),
	}
	for _, opt := range opts {
		opt(l)
	}
	return l
}

// Decision is the outcome of one admission check.
type Decision struct {
	Allowed       bool
	Limit         int
	Remaining     int
	LimitHour     int
	RemainingHour int
	RetryAfter    time.Duration
}

// Check admits or rejects one request for ip against the class of path.
func (l *Limiter) Check(ip, path string) Decision {
	prefix, limit := l.classify(path)
	key := ip + "|" + prefix
	now := l.now()

	l.mu.Lock()
	defer l.mu.Unlock()

	st, ok := l.clients[key]
	if !ok {
		st = &clientState{
			tokens:     float64(limit.Burst),
			lastRefill: now,
			minute:     newWindow(time.Minute, limit.PerMinute+1),
			hour:       newWindow(time.Hour, limit.PerHour+1),
		}
		l.clients[key] = st
	}
	st.lastSeen = now

	// Refill the bucket at PerMinute/60 tokens per second up to Burst.
	elapsed := now.Sub(st.lastRefill).Seconds()
	st.tokens += elapsed * float64(limit.PerMinute) / 60
	if st.tokens > float64(limit.Burst) {
		st.tokens = float64(limit.Burst)
	}
	st.lastRefill = now

	minuteUsed := st.minute.count(now)
	hourUsed := st.hour.count(now)

	if st.tokens >= 1 && minuteUsed < limit.PerMinute && hourUsed < limit.PerHour {
		st.tokens--
		st.minute.add(now)
		st.hour.add(now)
		remaining := limit.PerMinute - minuteUsed - 1
		if remaining < 0 {
			remaining = 0
		}
		remainingHour := limit.PerHour - hourUsed - 1
		if remainingHour < 0 {
			remainingHour = 0
		}
		return Decision{
			Allowed:       true,
			Limit:         limit.PerMinute,
			Remaining:     remaining,
			LimitHour:     limit.PerHour,
			RemainingHour: remainingHour,
		}
	}

	// Denied. Retry-After is the minimum time until one of the exhausted
	// limits releases: the bucket refilling past one token, or the oldest
	// window entry sliding out. An hour bounds all three.
	retry := time.Hour
	if st.tokens < 1 {
		refill := time.Duration((1 - st.tokens) * 60 / float64(limit.PerMinute) * float64(time.Second))
		if refill < retry {
			retry = refill
		}
	}
	if minuteUsed >= limit.PerMinute {
		if oldest, ok := st.minute.oldest(); ok {
			if wait := oldest.Add(time.Minute).Sub(now); wait < retry {
				retry = wait
			}
		}
	}
	if hourUsed >= limit.PerHour {
		if oldest, ok := st.hour.oldest(); ok {
			if wait := oldest.Add(time.Hour).Sub(now); wait < retry {
				retry = wait
			}
		}
	}
	if retry < time.Second {
		retry = time.Second
	}
	return Decision{Limit: limit.PerMinute, LimitHour: limit.PerHour, RetryAfter: retry}
}

func (l *Limiter) classify(path string) (string, Limit) {
	best := ""
	for prefix := range l.limits {
		if prefix != "" && strings.HasPrefix(path, prefix) && len(prefix) > len(best) {
			best = prefix
		}
	}
	return best, l.limits[best]
}

// ClientIP extracts the caller address, honoring X-Forwarded-For only
// when the direct peer is a trusted proxy.
func (l *Limiter) ClientIP(r *http.Request) string {
	host, _, err := net.SplitHostPort(r.RemoteAddr)
	if err != nil {
		host = r.RemoteAddr
	}
	peer := net.ParseIP(host)
	if peer == nil || !l.trusted(peer) {
		return host
	}
	xff := r.Header.Get("X-Forwarded-For")
	if xff == "" {
		return host
	}
	// The first entry is the original client.
	first := strings.TrimSpace(strings.Split(xff, ",")[0])
	if net.ParseIP(first) != nil {
		return first
	}
	return host
}

func (l *Limiter) trusted(ip net.IP) bool {
	for _, ipnet := range l.trustedProxies {
		if ipnet.Contains(ip) {
			return true
		}
	}
	return false
}

// Middleware rejects over-budget requests with 429 and stamps rate limit
// headers on every response.
func (l *Limiter) Middleware(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		ip := l.ClientIP(r)
		d := l.Check(ip, r.URL.Path)
		w.Header().Set("X-RateLimit-Limit", strconv.Itoa(d.Limit))
		w.Header().Set("X-RateLimit-Remaining", strconv.Itoa(d.Remaining))
		w.Header().Set("X-RateLimit-Limit-Hour", strconv.Itoa(d.LimitHour))
		w.Header().Set("X-RateLimit-Remaining-Hour", strconv.Itoa(d.RemainingHour))
		if !d.Allowed {
			// Round up so "retry after" never understates the wait.
			secs := int((d.RetryAfter + time.Second - 1) / time.Second)
			w.Header().Set("Retry-After", strconv.Itoa(secs))
			l.logger.Warn("rate limit exceeded", "ip", ip, "path", r.URL.Path)
			w.Header().Set("Content-Type", "application/json")
			w.WriteHeader(http.StatusTooManyRequests)
			fmt.Fprintf(w, `{"error":"rate limit exceeded, retry after %ds"}`, secs)
			return
		}
		next.ServeHTTP(w, r)
	})
}

// Run drops idle client state until ctx is done.
func (l *Limiter) Run(ctx context.Context) {
	ticker := time.NewTicker(gcInterval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			l.gc()
		}
	}
}

func (l *Limiter) gc() {
	cutoff := l.now().Add(-idleTTL)
	l.mu.Lock()
	for key, st := range l.clients {
		if st.lastSeen.Before(cutoff) {
			delete(l.clients, key)
		}
	}
	l.mu.Unlock()
}
