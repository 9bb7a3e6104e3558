package audit

import (
	"context"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/Caseline-Labs/caseline/core/pkg/canonical"
)

// MemoryLog is an append-only audit log with hash chaining, held in
// memory. Used in tests and single-process deployments; durable
// deployments use PostgresLog.
type MemoryLog struct {
	mu        sync.RWMutex
	events    []*Event
	byID      map[string]*Event
	sequence  uint64
	chainHead string
	handlers  []Handler
}

// NewMemoryLog creates a new in-memory audit log.
func NewMemoryLog() *MemoryLog {
	return &MemoryLog{
		byID:      make(map[string]*Event),
		chainHead: "genesis",
	}
}

// OnAppend registers a handler invoked for every appended event.
func (l *MemoryLog) OnAppend(h Handler) {
	l.mu.Lock()
	defer l.mu.Unlock()
	l.handlers = append(l.handlers, h)
}

// Append adds a new event to the log.
func (l *MemoryLog) Append(_ context.Context, ev Event) (*Event, error) {
	if !validKinds[ev.Kind] {
		return nil, ErrInvalidKind
	}

	l.mu.Lock()

	l.sequence++
	ev.EventID = uuid.New().String()
	ev.Sequence = l.sequence
	if ev.Timestamp.IsZero() {
		ev.Timestamp = time.Now().UTC()
	}
	ev.PreviousHash = l.chainHead
	ev.EventHash = ""

	hash, err := canonical.Hash(&ev)
	if err != nil {
		l.sequence--
		l.mu.Unlock()
		return nil, err
	}
	ev.EventHash = hash
	l.chainHead = hash

	stored := ev
	l.events = append(l.events, &stored)
	l.byID[stored.EventID] = &stored

	handlers := l.handlers
	l.mu.Unlock()

	for _, h := range handlers {
		h(&stored)
	}
	return &stored, nil
}

// Get returns the event with the given id.
func (l *MemoryLog) Get(id string) (*Event, error) {
	l.mu.RLock()
	defer l.mu.RUnlock()
	ev, ok := l.byID[id]
	if !ok {
		return nil, ErrEventNotFound
	}
	return ev, nil
}

// ByEntity returns all events for an entity in append order.
func (l *MemoryLog) ByEntity(tenantID, entityID string) []*Event {
	l.mu.RLock()
	defer l.mu.RUnlock()
	var out []*Event
	for _, ev := range l.events {
		if ev.TenantID == tenantID && ev.EntityID == entityID {
			out = append(out, ev)
		}
	}
	return out
}

// Verify walks the chain and reports the first break, if any.
func (l *MemoryLog) Verify() error {
	l.mu.RLock()
	defer l.mu.RUnlock()

	prev := "genesis"
	for _, ev := range l.events {
		if ev.PreviousHash != prev {
			return ErrChainBroken
		}
		check := *ev
		check.EventHash = ""
		hash, err := canonical.Hash(&check)
		if err != nil {
			return err
		}
		if hash != ev.EventHash {
			return ErrChainBroken
		}
		prev = ev.EventHash
	}
	return nil
}

// Len returns the number of events appended.
func (l *MemoryLog) Len() int {
	l.mu.RLock()
	defer l.mu.RUnlock()
	return len(l.events)
}
