package lifecycle

import (
	"context"
	"database/sql"
	"fmt"
	"sort"
	"sync"
	"time"

	_ "github.com/lib/pq"

	"github.com/Caseline-Labs/caseline/core/pkg/txn"
)

// MemoryEntityStore keeps lifecycle positions in memory, for tests and
// single-process deployments.
type MemoryEntityStore struct {
	mu        sync.Mutex
	instances map[string]*Instance
}

// NewMemoryEntityStore creates an empty store.
func NewMemoryEntityStore() *MemoryEntityStore {
	return &MemoryEntityStore{instances: make(map[string]*Instance)}
}

func instKey(tenantID, entityID string) string {
	return tenantID + ":" + entityID
}

// Get implements EntityStore.
func (s *MemoryEntityStore) Get(_ context.Context, tenantID, entityID string) (*Instance, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	inst, ok := s.instances[instKey(tenantID, entityID)]
	if !ok {
		return nil, ErrEntityNotFound
	}
	out := *inst
	return &out, nil
}

// Create implements EntityStore.
func (s *MemoryEntityStore) Create(_ context.Context, inst *Instance) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	key := instKey(inst.TenantID, inst.EntityID)
	if _, exists := s.instances[key]; exists {
		return fmt.Errorf("lifecycle: entity %s already exists", inst.EntityID)
	}
	stored := *inst
	s.instances[key] = &stored
	return nil
}

// UpdateState implements EntityStore with an in-process version check.
func (s *MemoryEntityStore) UpdateState(_ context.Context, inst *Instance, expectedVersion int64) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	key := instKey(inst.TenantID, inst.EntityID)
	cur, ok := s.instances[key]
	if !ok {
		return ErrEntityNotFound
	}
	if cur.Version != expectedVersion {
		return ErrStaleEntity
	}
	stored := *inst
	s.instances[key] = &stored
	return nil
}

// ListParkedBefore implements EntityStore.
func (s *MemoryEntityStore) ListParkedBefore(_ context.Context, state State, before time.Time, limit int) ([]*Instance, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	var out []*Instance
	for _, inst := range s.instances {
		if inst.State == state && inst.ParkedUntil != nil && !inst.ParkedUntil.After(before) {
			copied := *inst
			out = append(out, &copied)
		}
	}
	sort.Slice(out, func(i, j int) bool { return out[i].ParkedUntil.Before(*out[j].ParkedUntil) })
	if limit > 0 && len(out) > limit {
		out = out[:limit]
	}
	return out, nil
}

// PostgresEntityStore persists lifecycle positions in Postgres. State
// updates carry an optimistic version predicate; a zero-row update means a
// concurrent transition won and the caller must roll back.
type PostgresEntityStore struct {
	db *sql.DB
}

// NewPostgresEntityStore creates a Postgres-backed store.
func NewPostgresEntityStore(db *sql.DB) *PostgresEntityStore {
	return &PostgresEntityStore{db: db}
}

const pgEntitySchema = `
CREATE TABLE IF NOT EXISTS case_entities (
	tenant_id TEXT NOT NULL,
	entity_id TEXT NOT NULL,
	state TEXT NOT NULL,
	version BIGINT NOT NULL,
	parked_until TIMESTAMPTZ,
	last_transition_actor TEXT NOT NULL DEFAULT '',
	last_transition_at TIMESTAMPTZ NOT NULL,
	PRIMARY KEY (tenant_id, entity_id)
);

CREATE INDEX IF NOT EXISTS case_entities_parked
	ON case_entities (state, parked_until)
	WHERE parked_until IS NOT NULL;
`

// Init ensures the schema exists.
func (s *PostgresEntityStore) Init(ctx context.Context) error {
	_, err := s.db.ExecContext(ctx, pgEntitySchema)
	return err
}

// Get implements EntityStore. Reads go to the pool.
func (s *PostgresEntityStore) Get(ctx context.Context, tenantID, entityID string) (*Instance, error) {
	return scanInstance(s.db.QueryRowContext(ctx,
		`SELECT tenant_id, entity_id, state, version, parked_until,
		        last_transition_actor, last_transition_at
		 FROM case_entities
		 WHERE tenant_id = $1 AND entity_id = $2`,
		tenantID, entityID,
	))
}

// Create implements EntityStore inside the caller's unit of work.
func (s *PostgresEntityStore) Create(ctx context.Context, inst *Instance) error {
	u, err := txn.RequireActive(ctx)
	if err != nil {
		return err
	}
	_, err = u.Querier().ExecContext(ctx,
		`INSERT INTO case_entities
		   (tenant_id, entity_id, state, version, parked_until,
		    last_transition_actor, last_transition_at)
		 VALUES ($1, $2, $3, $4, $5, $6, $7)`,
		inst.TenantID, inst.EntityID, string(inst.State), inst.Version,
		inst.ParkedUntil, inst.LastTransitionActor, inst.LastTransitionAt,
	)
	if err != nil {
		return fmt.Errorf("lifecycle: create entity: %w", err)
	}
	return nil
}

// UpdateState implements EntityStore inside the caller's unit of work.
func (s *PostgresEntityStore) UpdateState(ctx context.Context, inst *Instance, expectedVersion int64) error {
	u, err := txn.RequireActive(ctx)
	if err != nil {
		return err
	}
	res, err := u.Querier().ExecContext(ctx,
		`UPDATE case_entities
		 SET state = $3, version = $4, parked_until = $5,
		     last_transition_actor = $6, last_transition_at = $7
		 WHERE tenant_id = $1 AND entity_id = $2 AND version = $8`,
		inst.TenantID, inst.EntityID, string(inst.State), inst.Version,
		inst.ParkedUntil, inst.LastTransitionActor, inst.LastTransitionAt,
		expectedVersion,
	)
	if err != nil {
		return fmt.Errorf("lifecycle: update entity: %w", err)
	}
	affected, err := res.RowsAffected()
	if err != nil {
		return fmt.Errorf("lifecycle: update entity: %w", err)
	}
	if affected == 0 {
		// Either the entity vanished or a concurrent transition bumped
		// the version first.
		if _, getErr := s.Get(ctx, inst.TenantID, inst.EntityID); getErr != nil {
			return getErr
		}
		return ErrStaleEntity
	}
	return nil
}

// ListParkedBefore implements EntityStore.
func (s *PostgresEntityStore) ListParkedBefore(ctx context.Context, state State, before time.Time, limit int) ([]*Instance, error) {
	rows, err := s.db.QueryContext(ctx,
		`SELECT tenant_id, entity_id, state, version, parked_until,
		        last_transition_actor, last_transition_at
		 FROM case_entities
		 WHERE state = $1 AND parked_until IS NOT NULL AND parked_until <= $2
		 ORDER BY parked_until ASC
		 LIMIT $3`,
		string(state), before, limit,
	)
	if err != nil {
		return nil, fmt.Errorf("lifecycle: list parked: %w", err)
	}
	defer rows.Close()

	var out []*Instance
	for rows.Next() {
		inst, err := scanInstanceRows(rows)
		if err != nil {
			return nil, err
		}
		out = append(out, inst)
	}
	return out, rows.Err()
}

type rowScanner interface {
	Scan(dest ...any) error
}

func scanInstance(row *sql.Row) (*Instance, error) {
	inst, err := scanFrom(row)
	if err == sql.ErrNoRows {
		return nil, ErrEntityNotFound
	}
	return inst, err
}

func scanInstanceRows(rows *sql.Rows) (*Instance, error) {
	return scanFrom(rows)
}

func scanFrom(r rowScanner) (*Instance, error) {
	var inst Instance
	var state string
	var parked sql.NullTime
	if err := r.Scan(&inst.TenantID, &inst.EntityID, &state, &inst.Version,
		&parked, &inst.LastTransitionActor, &inst.LastTransitionAt); err != nil {
		return nil, err
	}
	inst.State = State(state)
	if parked.Valid {
		t := parked.Time
		inst.ParkedUntil = &t
	}
	return &inst, nil
}
