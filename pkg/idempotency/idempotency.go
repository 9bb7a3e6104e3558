// Package idempotency deduplicates retried mutation requests using a
// client-supplied key plus a fingerprint of the request.
//
// A reservation is created PENDING before the handler runs and finalized
// exactly once afterwards: COMMITTED only when the request's unit of work
// actually committed, FAILED (and evictable, so a genuine retry can
// re-execute) otherwise. Replays of a COMMITTED reservation return the
// cached response verbatim without re-running handler logic.
package idempotency

import (
	"context"
	"errors"
	"time"
)

var (
	// ErrFingerprintConflict rejects a key reused for a semantically
	// different request. This is a client bug, not a retry.
	ErrFingerprintConflict = errors.New("idempotency: key reused with a different request fingerprint")

	// ErrReservationPending rejects a concurrent duplicate submission
	// while the first is still in flight. Callers should retry shortly.
	// Policy decision: we reject rather than block, so a slow first
	// attempt cannot pin server resources for its duplicates.
	ErrReservationPending = errors.New("idempotency: identical request still in flight")
)

// DefaultRetention bounds how long COMMITTED and FAILED records are kept.
const DefaultRetention = 24 * time.Hour

// Status of a reservation record.
type Status string

const (
	StatusPending   Status = "pending"
	StatusCommitted Status = "committed"
	StatusFailed    Status = "failed"
)

// Record is one idempotency reservation, keyed by (tenant, actor, key).
type Record struct {
	TenantID    string    `json:"tenant_id"`
	ActorID     string    `json:"actor_id"`
	Key         string    `json:"key"`
	Fingerprint string    `json:"fingerprint"`
	Status      Status    `json:"status"`
	StatusCode  int       `json:"status_code,omitempty"`
	ContentType string    `json:"content_type,omitempty"`
	Body        []byte    `json:"body,omitempty"`
	CreatedAt   time.Time `json:"created_at"`
	ExpiresAt   time.Time `json:"expires_at"`
}

// Store persists reservations. Reserve must be atomic against concurrent
// calls for the same (tenant, actor, key): at most one caller observes
// created == true while a PENDING or COMMITTED record exists.
type Store interface {
	// Reserve creates rec as PENDING if no live record exists. A FAILED
	// or expired record counts as absent and is taken over. When a live
	// record exists it is returned with created == false.
	Reserve(ctx context.Context, rec Record) (existing *Record, created bool, err error)

	// Finalize moves a PENDING record to COMMITTED or FAILED and stores
	// the response for replay.
	Finalize(ctx context.Context, tenantID, actorID, key string, status Status, statusCode int, contentType string, body []byte) error

	// Evict removes records that expired before the given time, returning
	// how many were removed.
	Evict(ctx context.Context, before time.Time) (int, error)
}
