package idempotency

import (
	"context"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/Caseline-Labs/caseline/core/pkg/identity"
)

// Reservation is the token returned by Reserve. Exactly one of Replay and
// Proceed applies: a replay carries the cached response; a proceed token
// must be finalized exactly once after the handler runs.
type Reservation struct {
	tenantID    string
	actorID     string
	key         string
	passthrough bool

	// Replay is the cached response for a committed duplicate, nil when
	// the handler should proceed.
	Replay *Record

	mu        sync.Mutex
	finalized bool
}

// Passthrough reports whether no key was supplied, so the request neither
// replays nor records anything.
func (r *Reservation) Passthrough() bool { return r.passthrough }

// Metrics receives replay and conflict events, typically backed by the
// observability provider's counters.
type Metrics interface {
	RecordReplay(ctx context.Context, tenantID string)
	RecordKeyConflict(ctx context.Context, tenantID string)
}

// Coordinator composes a Store with the retention policy and owns the
// reserve/finalize protocol.
type Coordinator struct {
	store     Store
	retention time.Duration
	now       func() time.Time
	logger    *slog.Logger
	metrics   Metrics
}

// Option configures a Coordinator.
type Option func(*Coordinator)

// WithRetention overrides the record retention window.
func WithRetention(d time.Duration) Option {
	return func(c *Coordinator) { c.retention = d }
}

// WithClock injects a clock, for tests.
func WithClock(now func() time.Time) Option {
	return func(c *Coordinator) { c.now = now }
}

// WithMetrics wires replay/conflict counters.
func WithMetrics(m Metrics) Option {
	return func(c *Coordinator) { c.metrics = m }
}

// NewCoordinator creates a Coordinator over the given store.
func NewCoordinator(store Store, opts ...Option) *Coordinator {
	c := &Coordinator{
		store:     store,
		retention: DefaultRetention,
		now:       time.Now,
		logger:    slog.Default().With("component", "idempotency"),
	}
	for _, opt := range opts {
		opt(c)
	}
	return c
}

// Reserve checks the key for the acting identity and either returns a
// replay, a proceed token, or an error:
//
//   - no key: a passthrough token; idempotency is opt-in per call site.
//   - unseen key: a PENDING record is created and the handler proceeds.
//   - same key, same fingerprint, COMMITTED: the cached response replays.
//   - same key, same fingerprint, PENDING: ErrReservationPending.
//   - same key, different fingerprint: ErrFingerprintConflict.
func (c *Coordinator) Reserve(ctx context.Context, actor identity.Actor, key, fingerprint string) (*Reservation, error) {
	if key == "" {
		return &Reservation{passthrough: true}, nil
	}

	now := c.now().UTC()
	existing, created, err := c.store.Reserve(ctx, Record{
		TenantID:    actor.TenantID,
		ActorID:     actor.ID,
		Key:         key,
		Fingerprint: fingerprint,
		Status:      StatusPending,
		CreatedAt:   now,
		ExpiresAt:   now.Add(c.retention),
	})
	if err != nil {
		// No degraded non-atomic path: if the store is down, the whole
		// operation fails.
		return nil, fmt.Errorf("idempotency: reserve: %w", err)
	}
	if created {
		return &Reservation{tenantID: actor.TenantID, actorID: actor.ID, key: key}, nil
	}

	if existing.Fingerprint != fingerprint {
		if c.metrics != nil {
			c.metrics.RecordKeyConflict(ctx, actor.TenantID)
		}
		return nil, ErrFingerprintConflict
	}
	switch existing.Status {
	case StatusCommitted:
		if c.metrics != nil {
			c.metrics.RecordReplay(ctx, actor.TenantID)
		}
		return &Reservation{Replay: existing}, nil
	case StatusPending:
		return nil, ErrReservationPending
	default:
		// FAILED records are taken over inside Reserve; reaching here
		// means the store broke its contract.
		return nil, fmt.Errorf("idempotency: unexpected record status %q", existing.Status)
	}
}

// Finalize resolves a proceed token exactly once. committed must reflect
// the unit of work's actual outcome: a response whose writes did not
// persist is recorded FAILED so a genuine retry can re-execute.
func (c *Coordinator) Finalize(ctx context.Context, res *Reservation, committed bool, statusCode int, contentType string, body []byte) error {
	if res == nil || res.passthrough || res.Replay != nil {
		return nil
	}

	res.mu.Lock()
	if res.finalized {
		res.mu.Unlock()
		return fmt.Errorf("idempotency: reservation already finalized")
	}
	res.finalized = true
	res.mu.Unlock()

	status := StatusFailed
	if committed {
		status = StatusCommitted
	}
	if err := c.store.Finalize(ctx, res.tenantID, res.actorID, res.key, status, statusCode, contentType, body); err != nil {
		// The record stays PENDING until retention expires; log loudly
		// since duplicates of this key will be rejected until then.
		c.logger.Error("finalize failed", "key", res.key, "error", err)
		return fmt.Errorf("idempotency: finalize: %w", err)
	}
	return nil
}

// Sweep evicts expired records. Run periodically; eviction is also lazy
// on Reserve, so the sweep only bounds storage.
func (c *Coordinator) Sweep(ctx context.Context) (int, error) {
	return c.store.Evict(ctx, c.now().UTC())
}
