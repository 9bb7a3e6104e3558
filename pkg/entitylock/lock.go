// Package entitylock grants one actor exclusive soft editing rights over a
// record, with inactivity-based auto-release.
//
// Locks are advisory: they do not block raw reads and do not physically
// prevent the store from accepting a write from a non-holder. Calling code
// consults the lock before applying edits. Liveness is a pure function of
// the stored last-activity timestamp evaluated on read; there is no
// background expiry timer.
package entitylock

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"github.com/Caseline-Labs/caseline/core/pkg/audit"
	"github.com/Caseline-Labs/caseline/core/pkg/identity"
)

// DefaultInactivityTimeout matches the observed production setting: an
// edit session with no heartbeat for two hours is considered abandoned.
const DefaultInactivityTimeout = 2 * time.Hour

// ErrNotHolder is returned when a caller releases or heartbeats a lock it
// does not hold. The caller may be racing against ownership it lost.
var ErrNotHolder = errors.New("entitylock: caller is not the current holder")

// Lock describes a held lock.
type Lock struct {
	TenantID       string    `json:"tenant_id"`
	EntityID       string    `json:"entity_id"`
	Holder         string    `json:"holder"`
	AcquiredAt     time.Time `json:"acquired_at"`
	LastActivityAt time.Time `json:"last_activity_at"`
}

// ConflictError reports a live lock held by another actor, with enough
// detail for the client to decide whether to wait or walk away.
type ConflictError struct {
	Holder         string    `json:"holder"`
	AcquiredAt     time.Time `json:"acquired_at"`
	LastActivityAt time.Time `json:"last_activity_at"`
}

func (e *ConflictError) Error() string {
	return fmt.Sprintf("entitylock: held by %s since %s", e.Holder, e.AcquiredAt.Format(time.RFC3339))
}

// Store is the backing source of truth for locks. Every method is a single
// atomic operation against the store; correctness across processes depends
// on that, not on in-process mutexes.
type Store interface {
	// Acquire grants the lock if it is absent, already held by holder, or
	// stale (last activity at or before staleBefore). It returns the resulting
	// lock when granted (nil otherwise) and the pre-existing lock (nil if
	// none), so callers can detect takeovers of expired locks.
	Acquire(ctx context.Context, tenantID, entityID, holder string, now, staleBefore time.Time) (granted *Lock, prev *Lock, err error)

	// Release removes the lock if held by holder. Reports whether a row
	// was removed and, when the holder did not match, the current lock.
	Release(ctx context.Context, tenantID, entityID, holder string) (released bool, current *Lock, err error)

	// Heartbeat refreshes last activity if the lock is held by holder and
	// still live. Reports the refreshed lock, or nil if not holder.
	Heartbeat(ctx context.Context, tenantID, entityID, holder string, now, staleBefore time.Time) (*Lock, error)

	// Get returns the current lock row, or nil if none.
	Get(ctx context.Context, tenantID, entityID string) (*Lock, error)
}

// Metrics receives lock conflict and auto-unlock events, typically backed
// by the observability provider's counters.
type Metrics interface {
	RecordLockConflict(ctx context.Context, tenantID string)
	RecordAutoUnlock(ctx context.Context, tenantID string)
}

// Manager applies the liveness and attribution rules over a Store and
// records every grant, release and auto-expiry as an audit event.
type Manager struct {
	store   Store
	auditor audit.Appender
	timeout time.Duration
	now     func() time.Time
	logger  *slog.Logger
	metrics Metrics
}

// Option configures a Manager.
type Option func(*Manager)

// WithTimeout overrides the inactivity timeout.
func WithTimeout(d time.Duration) Option {
	return func(m *Manager) { m.timeout = d }
}

// WithClock injects a clock, for tests.
func WithClock(now func() time.Time) Option {
	return func(m *Manager) { m.now = now }
}

// WithMetrics wires conflict and auto-unlock counters.
func WithMetrics(mt Metrics) Option {
	return func(m *Manager) { m.metrics = mt }
}

// NewManager creates a Manager over the given store and audit sink.
func NewManager(store Store, auditor audit.Appender, opts ...Option) *Manager {
	m := &Manager{
		store:   store,
		auditor: auditor,
		timeout: DefaultInactivityTimeout,
		now:     time.Now,
		logger:  slog.Default().With("component", "entitylock"),
	}
	for _, opt := range opts {
		opt(m)
	}
	return m
}

// Timeout returns the configured inactivity timeout.
func (m *Manager) Timeout() time.Duration { return m.timeout }

// Acquire grants the lock to actor, refreshes it if actor already holds
// it, or returns a ConflictError naming the live holder. Taking over an
// expired lock first records a system-attributed auto-unlock event.
func (m *Manager) Acquire(ctx context.Context, entityID string, actor identity.Actor) (*Lock, error) {
	now := m.now().UTC()
	staleBefore := now.Add(-m.timeout)

	granted, prev, err := m.store.Acquire(ctx, actor.TenantID, entityID, actor.ID, now, staleBefore)
	if err != nil {
		return nil, err
	}
	if granted == nil {
		if m.metrics != nil {
			m.metrics.RecordLockConflict(ctx, actor.TenantID)
		}
		return nil, &ConflictError{
			Holder:         prev.Holder,
			AcquiredAt:     prev.AcquiredAt,
			LastActivityAt: prev.LastActivityAt,
		}
	}

	takeover := prev != nil && prev.Holder != actor.ID
	if takeover {
		// The expiry is an explicit transition, not a silent drop.
		idle := now.Sub(prev.LastActivityAt).Round(time.Minute)
		if _, err := m.auditor.Append(ctx, audit.Event{
			Kind:       audit.KindLockExpired,
			TenantID:   actor.TenantID,
			EntityID:   entityID,
			Actor:      identity.SystemActor(actor.TenantID).String(),
			Annotation: fmt.Sprintf("auto-unlocked after %s of inactivity, previous holder %s", idle, prev.Holder),
			Metadata:   map[string]string{"previous_holder": prev.Holder},
		}); err != nil {
			return nil, fmt.Errorf("entitylock: record auto-unlock: %w", err)
		}
		if m.metrics != nil {
			m.metrics.RecordAutoUnlock(ctx, actor.TenantID)
		}
	}

	if prev == nil || takeover {
		if _, err := m.auditor.Append(ctx, audit.Event{
			Kind:     audit.KindLockAcquired,
			TenantID: actor.TenantID,
			EntityID: entityID,
			Actor:    actor.String(),
		}); err != nil {
			return nil, fmt.Errorf("entitylock: record acquire: %w", err)
		}
	}

	return granted, nil
}

// Release removes the lock if actor holds it. Releasing an absent lock is
// a no-op; releasing someone else's lock is ErrNotHolder.
func (m *Manager) Release(ctx context.Context, entityID string, actor identity.Actor) error {
	released, current, err := m.store.Release(ctx, actor.TenantID, entityID, actor.ID)
	if err != nil {
		return err
	}
	if !released {
		if current == nil {
			// Already gone; releasing twice is harmless.
			return nil
		}
		return ErrNotHolder
	}

	if _, err := m.auditor.Append(ctx, audit.Event{
		Kind:     audit.KindLockReleased,
		TenantID: actor.TenantID,
		EntityID: entityID,
		Actor:    actor.String(),
	}); err != nil {
		return fmt.Errorf("entitylock: record release: %w", err)
	}
	return nil
}

// Heartbeat refreshes the lock's activity timestamp for a long-lived edit
// session. Only the current holder of a live lock may heartbeat.
func (m *Manager) Heartbeat(ctx context.Context, entityID string, actor identity.Actor) (*Lock, error) {
	now := m.now().UTC()
	refreshed, err := m.store.Heartbeat(ctx, actor.TenantID, entityID, actor.ID, now, now.Add(-m.timeout))
	if err != nil {
		return nil, err
	}
	if refreshed == nil {
		return nil, ErrNotHolder
	}
	return refreshed, nil
}

// Holder reports the live holder of the entity's lock, or nil when the
// entity is unlocked or the lock has gone stale.
func (m *Manager) Holder(ctx context.Context, tenantID, entityID string) (*Lock, error) {
	lock, err := m.store.Get(ctx, tenantID, entityID)
	if err != nil {
		return nil, err
	}
	if lock == nil || m.now().UTC().Sub(lock.LastActivityAt) >= m.timeout {
		return nil, nil
	}
	return lock, nil
}
