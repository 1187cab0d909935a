package auth

import (
	"sync"
	"time"
)

// Login attempt budget per source IP.
const (
	loginMaxAttempts = 5
	loginWindow      = time.Minute
)

// loginLimiter caps failed login attempts per IP over a sliding window.
// Successful logins clear the counter.
type loginLimiter struct {
	mu       sync.Mutex
	attempts map[string][]time.Time
}

func newLoginLimiter() *loginLimiter {
	return &loginLimiter{attempts: make(map[string][]time.Time)}
}

// allow reports whether ip may attempt a login right now.
func (l *loginLimiter) allow(ip string) bool {
	l.mu.Lock()
	defer l.mu.Unlock()
	return len(l.trim(ip, time.Now())) < loginMaxAttempts
}

// recordFailure counts one failed attempt for ip.
func (l *loginLimiter) recordFailure(ip string) {
	l.mu.Lock()
	defer l.mu.Unlock()
	now := time.Now()
	l.attempts[ip] = append(l.trim(ip, now), now)
}

// reset clears the counter after a successful login.
func (l *loginLimiter) reset(ip string) {
	l.mu.Lock()
	defer l.mu.Unlock()
	delete(l.attempts, ip)
}

func (l *loginLimiter) trim(ip string, now time.Time) []time.Time {
	cutoff := now.Add(-loginWindow)
	kept := l.attempts[ip][:0]
	for _, at := range l.attempts[ip] {
		if at.After(cutoff) {
			kept = append(kept, at)
		}
	}
	if len(kept) == 0 {
		delete(l.attempts, ip)
		return nil
	}
	l.attempts[ip] = kept
	return kept
}
