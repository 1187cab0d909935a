package pool

import (
	"container/list"
	"context"
	"crypto/sha256"
	"encoding/hex"
	"errors"
	"log/slog"
	"net"
	"net/http"
	"sort"
	"strings"
	"sync"
	"syscall"
	"time"

	"github.com/mcpbox/mcpbox/common/retry"
)

const (
	// DefaultMaxSize caps the number of live sessions.
	DefaultMaxSize = 50
	// DefaultMaxAge expires sessions on next acquisition.
	DefaultMaxAge = 300 * time.Second

	maxRetries   = 3
	retryInitial = 500 * time.Millisecond
	retryMax     = 5 * time.Second
)

// Key derives the pool key for a server URL and its auth headers. Header
// order does not matter; the same URL with different credentials yields a
// different session.
func Key(url string, headers map[string]string) string {
	parts := make([]string, 0, len(headers))
	for k, v := range headers {
		parts = append(parts, k+"="+v)
	}
	sort.Strings(parts)
	sum := sha256.Sum256([]byte(url + "|" + strings.Join(parts, "|")))
	return hex.EncodeToString(sum[:])
}

type entry struct {
	sess *Session
	elem *list.Element
}

// Pool hands out initialised MCP sessions, creating them on demand. A
// top-level mutex guards admission and eviction; in-flight calls are
// serialised by each session's own lock.
type Pool struct {
	MaxSize int
	MaxAge  time.Duration
	Client  *http.Client

	mu      sync.Mutex
	entries map[string]*entry
	lru     *list.List // front = most recently used; values are keys
}

// New builds a pool with the default limits.
func New() *Pool {
	return &Pool{
		MaxSize: DefaultMaxSize,
		MaxAge:  DefaultMaxAge,
		Client:  &http.Client{Timeout: 60 * time.Second},
		entries: make(map[string]*entry),
		lru:     list.New(),
	}
}

// Acquire returns a live session for url+headers, creating one if none
// exists. Expired sessions are closed and replaced. The caller does not
// hold any pool-level lock while using the session.
func (p *Pool) Acquire(ctx context.Context, url string, headers map[string]string) (*Session, error) {
	key := Key(url, headers)

	p.mu.Lock()
	if e, ok := p.entries[key]; ok {
		if e.sess.Age() < p.maxAge() {
			p.lru.MoveToFront(e.elem)
			p.mu.Unlock()
			return e.sess, nil
		}
		p.removeLocked(key, e)
		p.mu.Unlock()
		go e.sess.Close(context.Background())
	} else {
		p.mu.Unlock()
	}

	sess, err := newSession(ctx, key, url, headers, p.client())
	if err != nil {
		return nil, err
	}

	p.mu.Lock()
	defer p.mu.Unlock()

	// Someone else may have admitted a session for this key while the
	// handshake ran; keep theirs and discard ours.
	if e, ok := p.entries[key]; ok && e.sess.Age() < p.maxAge() {
		go sess.Close(context.Background())
		p.lru.MoveToFront(e.elem)
		return e.sess, nil
	}

	for p.lru.Len() >= p.maxSize() {
		oldest := p.lru.Back()
		oldKey := oldest.Value.(string)
		old := p.entries[oldKey]
		p.removeLocked(oldKey, old)
		slog.Debug("session pool: evicted lru session", "key", oldKey[:8])
		go old.sess.Close(context.Background())
	}

	p.entries[key] = &entry{sess: sess, elem: p.lru.PushFront(key)}
	return sess, nil
}

// Invalidate drops the session for url+headers, closing it in the
// background. Used after a failed call so the next attempt reconnects.
func (p *Pool) Invalidate(url string, headers map[string]string) {
	key := Key(url, headers)
	p.mu.Lock()
	e, ok := p.entries[key]
	if ok {
		p.removeLocked(key, e)
	}
	p.mu.Unlock()
	if ok {
		go e.sess.Close(context.Background())
	}
}

// Len reports the number of pooled sessions.
func (p *Pool) Len() int {
	p.mu.Lock()
	defer p.mu.Unlock()
	return len(p.entries)
}

// CloseAll tears down every pooled session.
func (p *Pool) CloseAll(ctx context.Context) {
	p.mu.Lock()
	sessions := make([]*Session, 0, len(p.entries))
	for _, e := range p.entries {
		sessions = append(sessions, e.sess)
	}
	p.entries = make(map[string]*entry)
	p.lru.Init()
	p.mu.Unlock()

	for _, s := range sessions {
		s.Close(ctx)
	}
}

// ListTools lists the external server's tools, retrying transient failures
// with a fresh session.
func (p *Pool) ListTools(ctx context.Context, url string, headers map[string]string) ([]Tool, error) {
	var tools []Tool
	err := p.withRetry(ctx, url, headers, func(s *Session) error {
		var err error
		tools, err = s.ListTools(ctx)
		return err
	})
	return tools, err
}

// CallTool invokes a tool on the external server, retrying transient
// failures with a fresh session.
func (p *Pool) CallTool(ctx context.Context, url string, headers map[string]string, name string, args map[string]any) (*CallToolResult, error) {
	var result *CallToolResult
	err := p.withRetry(ctx, url, headers, func(s *Session) error {
		var err error
		result, err = s.CallTool(ctx, name, args)
		return err
	})
	return result, err
}

// withRetry runs fn against an acquired session, retrying only transient
// transport failures. A failed session is evicted so the next attempt
// starts a new handshake.
func (p *Pool) withRetry(ctx context.Context, url string, headers map[string]string, fn func(*Session) error) error {
	return retry.Do(ctx, retry.Config{
		MaxAttempts:  1 + maxRetries,
		InitialDelay: retryInitial,
		MaxDelay:     retryMax,
		Jitter:       true,
		ShouldRetry:  Transient,
	}, func() error {
		sess, err := p.Acquire(ctx, url, headers)
		if err != nil {
			return err
		}
		if err := fn(sess); err != nil {
			if Transient(err) {
				p.Invalidate(url, headers)
			}
			return err
		}
		return nil
	})
}

// Transient reports whether an error is worth retrying: timeouts,
// connection resets, and HTTP 429/502/503/504. JSON-RPC errors, auth
// failures, and other 4xx responses are terminal.
func Transient(err error) bool {
	if err == nil {
		return false
	}

	var statusErr *StatusError
	if errors.As(err, &statusErr) {
		return retry.RetryableStatus(statusErr.Code)
	}
	var rpcErr *ResponseError
	if errors.As(err, &rpcErr) {
		return false
	}

	if errors.Is(err, context.DeadlineExceeded) {
		return true
	}
	var netErr net.Error
	if errors.As(err, &netErr) && netErr.Timeout() {
		return true
	}
	return errors.Is(err, syscall.ECONNRESET) || errors.Is(err, syscall.ECONNREFUSED) || errors.Is(err, syscall.EPIPE)
}

func (p *Pool) maxSize() int {
	if p.MaxSize <= 0 {
		return DefaultMaxSize
	}
	return p.MaxSize
}

func (p *Pool) maxAge() time.Duration {
	if p.MaxAge <= 0 {
		return DefaultMaxAge
	}
	return p.MaxAge
}

func (p *Pool) client() *http.Client {
	if p.Client == nil {
		return http.DefaultClient
	}
	return p.Client
}

func (p *Pool) removeLocked(key string, e *entry) {
	delete(p.entries, key)
	p.lru.Remove(e.elem)
}
