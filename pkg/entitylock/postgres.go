package entitylock

import (
	"context"
	"database/sql"
	"fmt"
	"time"

	_ "github.com/lib/pq"

	"github.com/Caseline-Labs/caseline/core/pkg/txn"
)

// PostgresStore keeps locks in Postgres. Acquire runs as a single
// statement whose row lock serializes concurrent attempts for the same
// entity; two actors can never both be granted a live lock.
//
// Mutating operations join the caller's unit of work, so the lock row and
// its audit event commit (or roll back) together.
type PostgresStore struct {
	db *sql.DB
}

// NewPostgresStore creates a Postgres-backed lock store.
func NewPostgresStore(db *sql.DB) *PostgresStore {
	return &PostgresStore{db: db}
}

const pgLockSchema = `
CREATE TABLE IF NOT EXISTS entity_locks (
	tenant_id TEXT NOT NULL,
	entity_id TEXT NOT NULL,
	holder TEXT NOT NULL,
	acquired_at TIMESTAMPTZ NOT NULL,
	last_activity_at TIMESTAMPTZ NOT NULL,
	PRIMARY KEY (tenant_id, entity_id)
);
`

// Init ensures the schema exists.
func (s *PostgresStore) Init(ctx context.Context) error {
	_, err := s.db.ExecContext(ctx, pgLockSchema)
	return err
}

func (s *PostgresStore) querier(ctx context.Context) (txn.Querier, error) {
	u, err := txn.RequireActive(ctx)
	if err != nil {
		return nil, err
	}
	return u.Querier(), nil
}

// Acquire implements Store.
func (s *PostgresStore) Acquire(ctx context.Context, tenantID, entityID, holder string, now, staleBefore time.Time) (*Lock, *Lock, error) {
	q, err := s.querier(ctx)
	if err != nil {
		return nil, nil, err
	}

	// FOR UPDATE in the CTE pins the row so the conditional upsert and the
	// returned pre-image are consistent under concurrency.
	row := q.QueryRowContext(ctx, `
		WITH prev AS (
		    SELECT holder, acquired_at, last_activity_at
		    FROM entity_locks
		    WHERE tenant_id = $1 AND entity_id = $2
		    FOR UPDATE
		), granted AS (
		    INSERT INTO entity_locks (tenant_id, entity_id, holder, acquired_at, last_activity_at)
		    VALUES ($1, $2, $3, $4, $4)
		    ON CONFLICT (tenant_id, entity_id) DO UPDATE
		        SET holder = EXCLUDED.holder,
		            acquired_at = CASE WHEN entity_locks.holder = EXCLUDED.holder
		                               THEN entity_locks.acquired_at
		                               ELSE EXCLUDED.acquired_at END,
		            last_activity_at = EXCLUDED.last_activity_at
		        WHERE entity_locks.holder = EXCLUDED.holder
		           OR entity_locks.last_activity_at <= $5
		    RETURNING holder, acquired_at, last_activity_at
		)
		SELECT g.holder, g.acquired_at, g.last_activity_at,
		       p.holder, p.acquired_at, p.last_activity_at
		FROM (SELECT 1) AS one
		LEFT JOIN granted g ON TRUE
		LEFT JOIN prev p ON TRUE`,
		tenantID, entityID, holder, now, staleBefore,
	)

	var gHolder, pHolder sql.NullString
	var gAcq, gAct, pAcq, pAct sql.NullTime
	if err := row.Scan(&gHolder, &gAcq, &gAct, &pHolder, &pAcq, &pAct); err != nil {
		return nil, nil, fmt.Errorf("entitylock: acquire %s/%s: %w", tenantID, entityID, err)
	}

	var granted, prev *Lock
	if gHolder.Valid {
		granted = &Lock{
			TenantID:       tenantID,
			EntityID:       entityID,
			Holder:         gHolder.String,
			AcquiredAt:     gAcq.Time,
			LastActivityAt: gAct.Time,
		}
	}
	if pHolder.Valid {
		prev = &Lock{
			TenantID:       tenantID,
			EntityID:       entityID,
			Holder:         pHolder.String,
			AcquiredAt:     pAcq.Time,
			LastActivityAt: pAct.Time,
		}
	}
	return granted, prev, nil
}

// Release implements Store.
func (s *PostgresStore) Release(ctx context.Context, tenantID, entityID, holder string) (bool, *Lock, error) {
	q, err := s.querier(ctx)
	if err != nil {
		return false, nil, err
	}

	res, err := q.ExecContext(ctx,
		`DELETE FROM entity_locks
		 WHERE tenant_id = $1 AND entity_id = $2 AND holder = $3`,
		tenantID, entityID, holder,
	)
	if err != nil {
		return false, nil, fmt.Errorf("entitylock: release %s/%s: %w", tenantID, entityID, err)
	}
	affected, err := res.RowsAffected()
	if err != nil {
		return false, nil, fmt.Errorf("entitylock: release %s/%s: %w", tenantID, entityID, err)
	}
	if affected > 0 {
		return true, nil, nil
	}

	current, err := s.get(ctx, q, tenantID, entityID)
	if err != nil {
		return false, nil, err
	}
	return false, current, nil
}

// Heartbeat implements Store.
func (s *PostgresStore) Heartbeat(ctx context.Context, tenantID, entityID, holder string, now, staleBefore time.Time) (*Lock, error) {
	q, err := s.querier(ctx)
	if err != nil {
		return nil, err
	}

	row := q.QueryRowContext(ctx,
		`UPDATE entity_locks
		 SET last_activity_at = $4
		 WHERE tenant_id = $1 AND entity_id = $2 AND holder = $3
		   AND last_activity_at > $5
		 RETURNING holder, acquired_at, last_activity_at`,
		tenantID, entityID, holder, now, staleBefore,
	)

	lock := &Lock{TenantID: tenantID, EntityID: entityID}
	err = row.Scan(&lock.Holder, &lock.AcquiredAt, &lock.LastActivityAt)
	if err == sql.ErrNoRows {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("entitylock: heartbeat %s/%s: %w", tenantID, entityID, err)
	}
	return lock, nil
}

// Get implements Store. Reads go to the pool directly; they are not
// mutations and need no unit of work.
func (s *PostgresStore) Get(ctx context.Context, tenantID, entityID string) (*Lock, error) {
	return s.get(ctx, s.db, tenantID, entityID)
}

func (s *PostgresStore) get(ctx context.Context, q txn.Querier, tenantID, entityID string) (*Lock, error) {
	row := q.QueryRowContext(ctx,
		`SELECT holder, acquired_at, last_activity_at
		 FROM entity_locks
		 WHERE tenant_id = $1 AND entity_id = $2`,
		tenantID, entityID,
	)

	lock := &Lock{TenantID: tenantID, EntityID: entityID}
	err := row.Scan(&lock.Holder, &lock.AcquiredAt, &lock.LastActivityAt)
	if err == sql.ErrNoRows {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("entitylock: get %s/%s: %w", tenantID, entityID, err)
	}
	return lock, nil
}
