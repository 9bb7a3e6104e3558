// Package audit implements append-only event storage with content
// addressing and hash chaining for case history trails.
//
// Every lifecycle transition and lock event produces exactly one immutable
// event. Appenders that participate in a unit of work make the event part
// of the same atomic write as the mutation it describes: if the audit
// write fails, the whole operation fails.
package audit

import (
	"context"
	"errors"
	"time"
)

var (
	ErrEventNotFound   = errors.New("event not found")
	ErrChainBroken     = errors.New("hash chain is broken")
	ErrMutationAttempt = errors.New("mutation of existing event attempted")
	ErrInvalidKind     = errors.New("invalid event kind")
)

// Kind categorizes audit events.
type Kind string

const (
	KindTransition   Kind = "transition"
	KindLockAcquired Kind = "lock_acquired"
	KindLockReleased Kind = "lock_released"
	KindLockExpired  Kind = "lock_expired"
)

var validKinds = map[Kind]bool{
	KindTransition:   true,
	KindLockAcquired: true,
	KindLockReleased: true,
	KindLockExpired:  true,
}

// Event is a single immutable entry in the audit trail.
type Event struct {
	EventID      string            `json:"event_id"`
	Sequence     uint64            `json:"sequence"`
	Timestamp    time.Time         `json:"timestamp"`
	Kind         Kind              `json:"kind"`
	TenantID     string            `json:"tenant_id"`
	EntityID     string            `json:"entity_id"`
	Actor        string            `json:"actor"`
	FromState    string            `json:"from_state,omitempty"`
	ToState      string            `json:"to_state,omitempty"`
	Annotation   string            `json:"annotation,omitempty"`
	Metadata     map[string]string `json:"metadata,omitempty"`
	PreviousHash string            `json:"previous_hash"`
	EventHash    string            `json:"event_hash"`
}

// Appender records events. Implementations must be append-only; events are
// never updated or deleted.
type Appender interface {
	Append(ctx context.Context, ev Event) (*Event, error)
}

// Handler is called when new events are appended.
type Handler func(ev *Event)
