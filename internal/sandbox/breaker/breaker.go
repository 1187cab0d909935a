// Package breaker implements a per-service circuit breaker.
//
// Each named service has an independent state machine:
//
//	closed    → calls flow; failures count up, a success resets the count
//	open      → calls fail fast with ErrOpen until the timeout elapses
//	half-open → trial calls; enough successes close the circuit, any
//	            failure reopens it immediately
package breaker

import (
	"fmt"
	"sync"
	"time"
)

// State is the circuit state.
type State string

const (
	StateClosed   State = "closed"
	StateOpen     State = "open"
	StateHalfOpen State = "half_open"
)

// ErrOpen is returned when a call is rejected because the circuit is open.
// It is never retried; callers surface it with the retry-after hint.
type ErrOpen struct {
	Service    string
	RetryAfter time.Duration
}

func (e *ErrOpen) Error() string {
	return fmt.Sprintf("circuit breaker open for %q, retry in %s", e.Service, e.RetryAfter.Round(time.Second))
}

// Config tunes a single circuit.
type Config struct {
	// FailureThreshold is the consecutive-failure count that opens the circuit.
	FailureThreshold int
	// SuccessThreshold is the half-open success count that closes it again.
	SuccessThreshold int
	// Timeout is how long an open circuit rejects calls before probing.
	Timeout time.Duration
}

// DefaultConfig suits loopback sandbox and external MCP calls.
var DefaultConfig = Config{
	FailureThreshold: 5,
	SuccessThreshold: 2,
	Timeout:          30 * time.Second,
}

// Breaker is a single circuit. Safe for concurrent use.
type Breaker struct {
	name string
	cfg  Config

	mu           sync.Mutex
	state        State
	failureCount int
	successCount int
	lastFailure  time.Time
}

// New creates a closed Breaker named for the service it protects.
func New(name string, cfg Config) *Breaker {
	if cfg.FailureThreshold <= 0 {
		cfg.FailureThreshold = DefaultConfig.FailureThreshold
	}
	if cfg.SuccessThreshold <= 0 {
		cfg.SuccessThreshold = DefaultConfig.SuccessThreshold
	}
	if cfg.Timeout <= 0 {
		cfg.Timeout = DefaultConfig.Timeout
	}
	return &Breaker{name: name, cfg: cfg, state: StateClosed}
}

// Call runs fn under the circuit. When the circuit is open the call fails
// fast with *ErrOpen and fn is never invoked.
func (b *Breaker) Call(fn func() error) error {
	if err := b.before(); err != nil {
		return err
	}
	err := fn()
	b.after(err == nil)
	return err
}

// Allow reports whether a call may proceed right now, transitioning
// open → half-open when the timeout has elapsed. Callers that cannot wrap
// their work in a closure use Allow + Record.
func (b *Breaker) Allow() error {
	return b.before()
}

// Record feeds the outcome of a call admitted by Allow back into the circuit.
func (b *Breaker) Record(success bool) {
	b.after(success)
}

// Snapshot reports the circuit's current state for operational endpoints.
func (b *Breaker) Snapshot() (name string, state State, failures int, lastFailure time.Time) {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.name, b.state, b.failureCount, b.lastFailure
}

func (b *Breaker) before() error {
	b.mu.Lock()
	defer b.mu.Unlock()

	if b.state == StateOpen {
		elapsed := time.Since(b.lastFailure)
		if elapsed < b.cfg.Timeout {
			return &ErrOpen{Service: b.name, RetryAfter: b.cfg.Timeout - elapsed}
		}
		b.state = StateHalfOpen
		b.successCount = 0
	}
	return nil
}

func (b *Breaker) after(success bool) {
	b.mu.Lock()
	defer b.mu.Unlock()

	switch b.state {
	case StateClosed:
		if success {
			b.failureCount = 0
			return
		}
		b.failureCount++
		if b.failureCount >= b.cfg.FailureThreshold {
			b.state = StateOpen
			b.lastFailure = time.Now()
		}
	case StateHalfOpen:
		if !success {
			b.state = StateOpen
			b.lastFailure = time.Now()
			b.failureCount = b.cfg.FailureThreshold
			return
		}
		b.successCount++
		if b.successCount >= b.cfg.SuccessThreshold {
			b.state = StateClosed
			b.failureCount = 0
			b.successCount = 0
		}
	case StateOpen:
		// A failure recorded while open (call admitted just before the
		// transition) refreshes the window.
		if !success {
			b.lastFailure = time.Now()
		}
	}
}

// Registry holds the process-wide set of circuits, one per service name.
type Registry struct {
	mu       sync.Mutex
	cfg      Config
	breakers map[string]*Breaker
}

// NewRegistry creates a Registry whose circuits share cfg.
func NewRegistry(cfg Config) *Registry {
	return &Registry{cfg: cfg, breakers: make(map[string]*Breaker)}
}

// Get returns the circuit for service, creating it closed on first use.
func (r *Registry) Get(service string) *Breaker {
	r.mu.Lock()
	defer r.mu.Unlock()
	b, ok := r.breakers[service]
	if !ok {
		b = New(service, r.cfg)
		r.breakers[service] = b
	}
	return b
}

// CircuitStatus is the queryable view of one circuit.
type CircuitStatus struct {
	Service     string    `json:"service"`
	State       State     `json:"state"`
	Failures    int       `json:"failures"`
	LastFailure time.Time `json:"last_failure,omitzero"`
}

// Snapshot lists every circuit for the operational endpoint.
func (r *Registry) Snapshot() []CircuitStatus {
	r.mu.Lock()
	defer r.mu.Unlock()
	out := make([]CircuitStatus, 0, len(r.breakers))
	for _, b := range r.breakers {
		name, state, failures, last := b.Snapshot()
		out = append(out, CircuitStatus{Service: name, State: state, Failures: failures, LastFailure: last})
	}
	return out
}
