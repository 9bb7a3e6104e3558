// Package sequence issues unique, monotonically increasing integers scoped
// to (tenant, domain, day). Callers format the raw integer into a
// human-readable identifier; the counter itself is domain-agnostic.
//
// Increments are linearizable: every implementation performs a single
// atomic increment-and-read against its backing store. There is no
// read-then-write path and no non-atomic fallback; if the store is
// unavailable the caller's unit of work must abort. Gaps caused by aborted
// transactions are expected and acceptable; duplicates are not.
package sequence

import (
	"context"
	"fmt"
	"time"
)

// Scope identifies one counter. A new day yields a new scope and therefore
// a fresh counter; nothing ever resets or decrements an existing one.
type Scope struct {
	TenantID string
	Domain   string
	Day      string // YYYYMMDD, UTC
}

// ScopeFor builds a scope for the given tenant, domain and instant.
func ScopeFor(tenantID, domain string, at time.Time) Scope {
	return Scope{
		TenantID: tenantID,
		Domain:   domain,
		Day:      at.UTC().Format("20060102"),
	}
}

// Key renders the composite store key.
func (s Scope) Key() string {
	return fmt.Sprintf("%s:%s:%s", s.TenantID, s.Domain, s.Day)
}

// Counter allocates the next value for a scope.
type Counter interface {
	Next(ctx context.Context, scope Scope) (int64, error)
}

// Metrics receives successful allocation events, typically backed by the
// observability provider's counters.
type Metrics interface {
	RecordSequenceAlloc(ctx context.Context, domain string)
}

type instrumentedCounter struct {
	next    Counter
	metrics Metrics
}

// Instrument wraps a Counter so every successful allocation is counted.
func Instrument(c Counter, m Metrics) Counter {
	return &instrumentedCounter{next: c, metrics: m}
}

func (c *instrumentedCounter) Next(ctx context.Context, scope Scope) (int64, error) {
	v, err := c.next.Next(ctx, scope)
	if err == nil {
		c.metrics.RecordSequenceAlloc(ctx, scope.Domain)
	}
	return v, err
}
