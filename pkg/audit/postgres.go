package audit

import (
	"context"
	"database/sql"
	"encoding/json"
	"fmt"
	"time"

	"github.com/google/uuid"
	_ "github.com/lib/pq"

	"github.com/Caseline-Labs/caseline/core/pkg/canonical"
	"github.com/Caseline-Labs/caseline/core/pkg/txn"
)

// PostgresLog appends audit events inside the caller's unit of work. The
// event row commits or rolls back together with the mutation it describes;
// there is no out-of-band write path.
//
// Chaining is per (tenant, entity): each event's previous_hash is the hash
// of the entity's most recent event. Per-entity ordering is guaranteed by
// the entity's own optimistic version check upstream.
type PostgresLog struct{}

// NewPostgresLog creates a Postgres-backed appender.
func NewPostgresLog() *PostgresLog {
	return &PostgresLog{}
}

const pgEventSchema = `
CREATE TABLE IF NOT EXISTS audit_events (
	sequence BIGSERIAL PRIMARY KEY,
	event_id TEXT NOT NULL UNIQUE,
	kind TEXT NOT NULL,
	tenant_id TEXT NOT NULL,
	entity_id TEXT NOT NULL,
	actor TEXT NOT NULL,
	from_state TEXT NOT NULL DEFAULT '',
	to_state TEXT NOT NULL DEFAULT '',
	annotation TEXT NOT NULL DEFAULT '',
	metadata JSONB,
	previous_hash TEXT NOT NULL,
	event_hash TEXT NOT NULL,
	created_at TIMESTAMPTZ NOT NULL
);

CREATE INDEX IF NOT EXISTS audit_events_entity
	ON audit_events (tenant_id, entity_id, sequence);
`

// Init ensures the schema exists. Takes the pool directly since the log
// itself writes only through units of work.
func (l *PostgresLog) Init(ctx context.Context, db *sql.DB) error {
	_, err := db.ExecContext(ctx, pgEventSchema)
	return err
}

// Append writes one event using the active unit of work.
func (l *PostgresLog) Append(ctx context.Context, ev Event) (*Event, error) {
	if !validKinds[ev.Kind] {
		return nil, ErrInvalidKind
	}

	u, err := txn.RequireActive(ctx)
	if err != nil {
		return nil, err
	}
	q := u.Querier()

	var prev string
	err = q.QueryRowContext(ctx,
		`SELECT event_hash FROM audit_events
		 WHERE tenant_id = $1 AND entity_id = $2
		 ORDER BY sequence DESC LIMIT 1`,
		ev.TenantID, ev.EntityID,
	).Scan(&prev)
	if err == sql.ErrNoRows {
		prev = "genesis"
	} else if err != nil {
		return nil, fmt.Errorf("audit: read chain head: %w", err)
	}

	ev.EventID = uuid.New().String()
	if ev.Timestamp.IsZero() {
		ev.Timestamp = time.Now().UTC()
	}
	ev.PreviousHash = prev
	ev.EventHash = ""

	hash, err := canonical.Hash(&ev)
	if err != nil {
		return nil, err
	}
	ev.EventHash = hash

	meta, err := json.Marshal(ev.Metadata)
	if err != nil {
		return nil, fmt.Errorf("audit: marshal metadata: %w", err)
	}

	err = q.QueryRowContext(ctx,
		`INSERT INTO audit_events
		   (event_id, kind, tenant_id, entity_id, actor, from_state, to_state,
		    annotation, metadata, previous_hash, event_hash, created_at)
		 VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10, $11, $12)
		 RETURNING sequence`,
		ev.EventID, string(ev.Kind), ev.TenantID, ev.EntityID, ev.Actor,
		ev.FromState, ev.ToState, ev.Annotation, meta,
		ev.PreviousHash, ev.EventHash, ev.Timestamp,
	).Scan(&ev.Sequence)
	if err != nil {
		return nil, fmt.Errorf("audit: append event: %w", err)
	}
	return &ev, nil
}

// ByEntity returns an entity's events in append order, outside any unit of
// work (history reads are not mutations).
func (l *PostgresLog) ByEntity(ctx context.Context, db *sql.DB, tenantID, entityID string) ([]*Event, error) {
	rows, err := db.QueryContext(ctx,
		`SELECT event_id, sequence, kind, tenant_id, entity_id, actor,
		        from_state, to_state, annotation, metadata,
		        previous_hash, event_hash, created_at
		 FROM audit_events
		 WHERE tenant_id = $1 AND entity_id = $2
		 ORDER BY sequence ASC`,
		tenantID, entityID,
	)
	if err != nil {
		return nil, fmt.Errorf("audit: query events: %w", err)
	}
	defer rows.Close()

	var out []*Event
	for rows.Next() {
		var ev Event
		var kind string
		var meta []byte
		if err := rows.Scan(&ev.EventID, &ev.Sequence, &kind, &ev.TenantID,
			&ev.EntityID, &ev.Actor, &ev.FromState, &ev.ToState,
			&ev.Annotation, &meta, &ev.PreviousHash, &ev.EventHash,
			&ev.Timestamp); err != nil {
			return nil, fmt.Errorf("audit: scan event: %w", err)
		}
		ev.Kind = Kind(kind)
		if len(meta) > 0 {
			if err := json.Unmarshal(meta, &ev.Metadata); err != nil {
				return nil, fmt.Errorf("audit: unmarshal metadata: %w", err)
			}
		}
		out = append(out, &ev)
	}
	return out, rows.Err()
}
