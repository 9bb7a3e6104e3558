package sequence

import (
	"context"
	"database/sql"
	"fmt"

	_ "github.com/lib/pq"

	"github.com/Caseline-Labs/caseline/core/pkg/txn"
)

// PostgresCounter allocates values with a single upsert-returning
// statement inside the caller's unit of work. The row-level lock taken by
// the UPDATE serializes concurrent allocations for the same scope; two
// transactions can never observe the same value.
type PostgresCounter struct{}

// NewPostgresCounter creates a Postgres-backed counter.
func NewPostgresCounter() *PostgresCounter {
	return &PostgresCounter{}
}

const pgCounterSchema = `
CREATE TABLE IF NOT EXISTS sequence_counters (
	scope_key TEXT PRIMARY KEY,
	value BIGINT NOT NULL
);
`

// Init ensures the schema exists. Takes the pool directly since
// allocations themselves run inside units of work.
func (c *PostgresCounter) Init(ctx context.Context, db *sql.DB) error {
	_, err := db.ExecContext(ctx, pgCounterSchema)
	return err
}

// Next atomically increments and reads the scope's counter. Runs only
// inside a unit of work so an identifier allocation failure aborts the
// owning transaction instead of leaking into a non-atomic path.
func (c *PostgresCounter) Next(ctx context.Context, scope Scope) (int64, error) {
	u, err := txn.RequireActive(ctx)
	if err != nil {
		return 0, err
	}

	var value int64
	err = u.Querier().QueryRowContext(ctx,
		`INSERT INTO sequence_counters (scope_key, value)
		 VALUES ($1, 1)
		 ON CONFLICT (scope_key)
		 DO UPDATE SET value = sequence_counters.value + 1
		 RETURNING value`,
		scope.Key(),
	).Scan(&value)
	if err != nil {
		return 0, fmt.Errorf("sequence: allocate %s: %w", scope.Key(), err)
	}
	return value, nil
}
