package txn

import (
	"context"
	"sync"
)

// Outcome is a carrier the idempotency middleware installs before the unit
// of work exists. Execute publishes the commit result into it, so an outer
// middleware can observe whether the writes it is about to cache actually
// persisted.
type Outcome struct {
	mu        sync.Mutex
	committed bool
}

// Committed reports whether a unit of work opened under this carrier
// committed.
func (o *Outcome) Committed() bool {
	o.mu.Lock()
	defer o.mu.Unlock()
	return o.committed
}

func (o *Outcome) markCommitted() {
	o.mu.Lock()
	o.committed = true
	o.mu.Unlock()
}

type outcomeKey struct{}

// WithOutcome installs an Outcome carrier on the context and returns it.
func WithOutcome(ctx context.Context) (context.Context, *Outcome) {
	o := &Outcome{}
	return context.WithValue(ctx, outcomeKey{}, o), o
}

func outcomeFrom(ctx context.Context) (*Outcome, bool) {
	o, ok := ctx.Value(outcomeKey{}).(*Outcome)
	return o, ok
}
