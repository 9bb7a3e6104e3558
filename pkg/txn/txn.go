// Package txn enforces that every state-mutating code path runs inside an
// explicit unit of work. A mutation attempted outside one is a defect in
// the calling code and fails loudly rather than writing unguarded.
package txn

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"sync"
)

// ErrNoActiveTransaction is returned when a mutating operation executes
// without an open unit of work. This is a programmer error, never a client
// error; it must surface as a 500, not be swallowed.
var ErrNoActiveTransaction = errors.New("no active transaction: mutating operation executed outside a unit of work")

// Querier is the subset of database/sql shared by *sql.DB and *sql.Tx.
// Store code written against Querier runs transparently inside or outside
// a unit of work (the latter only for deliberately skipped operations).
type Querier interface {
	ExecContext(ctx context.Context, query string, args ...any) (sql.Result, error)
	QueryContext(ctx context.Context, query string, args ...any) (*sql.Rows, error)
	QueryRowContext(ctx context.Context, query string, args ...any) *sql.Row
}

// UnitOfWork is the explicit transaction object owned by a single request.
// It is never shared across requests and is destroyed at request end.
type UnitOfWork struct {
	mu        sync.Mutex
	tx        *sql.Tx
	db        *sql.DB
	active    bool
	committed bool
	skipped   bool
}

// Active reports whether the unit of work is open and usable.
func (u *UnitOfWork) Active() bool {
	u.mu.Lock()
	defer u.mu.Unlock()
	return u.active
}

// Committed reports whether the unit of work committed successfully. The
// idempotency coordinator inspects this before caching a response.
func (u *UnitOfWork) Committed() bool {
	u.mu.Lock()
	defer u.mu.Unlock()
	return u.committed
}

// Skipped reports whether transactional enforcement was deliberately
// bypassed for this request.
func (u *UnitOfWork) Skipped() bool {
	u.mu.Lock()
	defer u.mu.Unlock()
	return u.skipped
}

// Querier returns the handle store code must use for SQL. Inside a unit of
// work this is the transaction; for skipped requests it is the bare pool.
func (u *UnitOfWork) Querier() Querier {
	u.mu.Lock()
	defer u.mu.Unlock()
	if u.active {
		return u.tx
	}
	return u.db
}

func (u *UnitOfWork) markCommitted() {
	u.mu.Lock()
	u.committed = true
	u.active = false
	u.mu.Unlock()
}

func (u *UnitOfWork) markRolledBack() {
	u.mu.Lock()
	u.active = false
	u.mu.Unlock()
}

type contextKey struct{}

// With attaches a unit of work to the context.
func With(ctx context.Context, u *UnitOfWork) context.Context {
	return context.WithValue(ctx, contextKey{}, u)
}

// FromContext returns the request's unit of work, if any.
func FromContext(ctx context.Context) (*UnitOfWork, bool) {
	u, ok := ctx.Value(contextKey{}).(*UnitOfWork)
	return u, ok
}

// RequireActive returns the context's unit of work, or
// ErrNoActiveTransaction when none is open. Requests that deliberately
// opted out via Skip pass the check but operate on the bare pool.
func RequireActive(ctx context.Context) (*UnitOfWork, error) {
	u, ok := FromContext(ctx)
	if !ok {
		return nil, ErrNoActiveTransaction
	}
	if u.Skipped() {
		return u, nil
	}
	if !u.Active() {
		return nil, ErrNoActiveTransaction
	}
	return u, nil
}

// Skip marks the request as deliberately non-transactional (read-only or
// cross-tenant administrative paths). Never the default.
func Skip(ctx context.Context, db *sql.DB) context.Context {
	return With(ctx, &UnitOfWork{db: db, skipped: true})
}

// Runner opens and resolves units of work against a single database pool.
type Runner struct {
	DB *sql.DB
}

// NewRunner creates a Runner for the given pool.
func NewRunner(db *sql.DB) *Runner {
	return &Runner{DB: db}
}

// Execute runs fn inside a unit of work. On success the transaction
// commits and the unit of work is marked committed; on error or panic it
// rolls back and the error (or panic) propagates unchanged.
//
// If the context already carries an active unit of work, fn joins it
// rather than opening a nested transaction.
func (r *Runner) Execute(ctx context.Context, fn func(ctx context.Context) error) error {
	if existing, ok := FromContext(ctx); ok && existing.Active() {
		return fn(ctx)
	}

	tx, err := r.DB.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("begin transaction: %w", err)
	}

	u := &UnitOfWork{tx: tx, db: r.DB, active: true}
	ctx = With(ctx, u)

	defer func() {
		if p := recover(); p != nil {
			u.markRolledBack()
			_ = tx.Rollback()
			panic(p)
		}
	}()

	if err := fn(ctx); err != nil {
		u.markRolledBack()
		if rbErr := tx.Rollback(); rbErr != nil && !errors.Is(rbErr, sql.ErrTxDone) {
			return errors.Join(err, fmt.Errorf("rollback failed: %w", rbErr))
		}
		return err
	}

	if err := tx.Commit(); err != nil {
		u.markRolledBack()
		return fmt.Errorf("commit transaction: %w", err)
	}
	u.markCommitted()
	if o, ok := outcomeFrom(ctx); ok {
		o.markCommitted()
	}
	return nil
}
