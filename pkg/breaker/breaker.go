// Package breaker gates calls to slow or unreliable external dependencies.
// Each dependency gets its own breaker; failures on one never affect the
// state of another.
package breaker

import (
	"errors"
	"fmt"
	"sync"
	"time"
)

// ErrOpen is returned when the breaker is rejecting calls. Callers must
// fail fast and surface a "dependency unavailable" condition, never retry
// the dependency inline.
var ErrOpen = errors.New("breaker: circuit open")

// State of a breaker.
type State int

const (
	Closed State = iota
	Open
	HalfOpen
)

func (s State) String() string {
	switch s {
	case Closed:
		return "CLOSED"
	case Open:
		return "OPEN"
	case HalfOpen:
		return "HALF_OPEN"
	default:
		return fmt.Sprintf("State(%d)", int(s))
	}
}

// Breaker tracks the health of one dependency. State transitions are
// driven only by recorded successes/failures and elapsed cooldown, never
// by caller intent.
type Breaker struct {
	mu           sync.Mutex
	name         string
	threshold    int
	cooldown     time.Duration
	now          func() time.Time
	state        State
	failureCount int
	openedAt     time.Time
	probing      bool

	onTransition func(name string, from, to State)
}

// Option configures a Breaker.
type Option func(*Breaker)

// WithClock injects a clock, for tests.
func WithClock(now func() time.Time) Option {
	return func(b *Breaker) { b.now = now }
}

// OnTransition registers a hook invoked on every state change, used for
// metrics and logging.
func OnTransition(fn func(name string, from, to State)) Option {
	return func(b *Breaker) { b.onTransition = fn }
}

// New creates a breaker that opens after threshold consecutive failures
// and probes again after cooldown.
func New(name string, threshold int, cooldown time.Duration, opts ...Option) *Breaker {
	b := &Breaker{
		name:      name,
		threshold: threshold,
		cooldown:  cooldown,
		now:       time.Now,
		state:     Closed,
	}
	for _, opt := range opts {
		opt(b)
	}
	return b
}

// Name returns the dependency name.
func (b *Breaker) Name() string { return b.name }

// State returns the current state.
func (b *Breaker) State() State {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.state
}

func (b *Breaker) transition(to State) {
	from := b.state
	if from == to {
		return
	}
	b.state = to
	if b.onTransition != nil {
		b.onTransition(b.name, from, to)
	}
}

// Allow reports whether a call may proceed. While OPEN it returns false
// until the cooldown elapses; the first Allow after cooldown flips to
// HALF_OPEN and permits exactly one probe until the probe's outcome is
// recorded.
func (b *Breaker) Allow() bool {
	b.mu.Lock()
	defer b.mu.Unlock()

	switch b.state {
	case Closed:
		return true
	case Open:
		if b.now().Sub(b.openedAt) < b.cooldown {
			return false
		}
		b.transition(HalfOpen)
		b.probing = true
		return true
	case HalfOpen:
		if b.probing {
			return false
		}
		b.probing = true
		return true
	default:
		return false
	}
}

// RecordSuccess resets the failure count and closes the breaker.
func (b *Breaker) RecordSuccess() {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.failureCount = 0
	b.probing = false
	b.transition(Closed)
}

// RecordFailure increments the failure count; crossing the threshold (or
// failing the HALF_OPEN probe) opens the breaker and stamps openedAt.
func (b *Breaker) RecordFailure() {
	b.mu.Lock()
	defer b.mu.Unlock()

	b.failureCount++
	b.probing = false

	if b.state == HalfOpen || (b.state == Closed && b.failureCount >= b.threshold) {
		b.openedAt = b.now()
		b.transition(Open)
	}
}

// Registry holds one breaker per dependency name.
type Registry struct {
	mu        sync.Mutex
	breakers  map[string]*Breaker
	threshold int
	cooldown  time.Duration
	opts      []Option
}

// NewRegistry creates a registry whose breakers share threshold/cooldown.
func NewRegistry(threshold int, cooldown time.Duration, opts ...Option) *Registry {
	return &Registry{
		breakers:  make(map[string]*Breaker),
		threshold: threshold,
		cooldown:  cooldown,
		opts:      opts,
	}
}

// Get returns (creating on first use) the breaker for a dependency.
func (r *Registry) Get(name string) *Breaker {
	r.mu.Lock()
	defer r.mu.Unlock()
	b, ok := r.breakers[name]
	if !ok {
		b = New(name, r.threshold, r.cooldown, r.opts...)
		r.breakers[name] = b
	}
	return b
}

// Allow reports whether a call to the named dependency may proceed.
func (r *Registry) Allow(name string) bool { return r.Get(name).Allow() }

// RecordSuccess records a successful call to the named dependency.
func (r *Registry) RecordSuccess(name string) { r.Get(name).RecordSuccess() }

// RecordFailure records a failed call to the named dependency.
func (r *Registry) RecordFailure(name string) { r.Get(name).RecordFailure() }
