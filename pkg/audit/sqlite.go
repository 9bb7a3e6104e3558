package audit

import (
	"context"
	"database/sql"
	"encoding/json"
	"fmt"
	"time"

	"github.com/google/uuid"
	_ "modernc.org/sqlite"

	"github.com/Caseline-Labs/caseline/core/pkg/canonical"
	"github.com/Caseline-Labs/caseline/core/pkg/txn"
)

// SQLiteLog is the single-node appender used by local and edge
// deployments. Same contract as PostgresLog: events join the caller's
// unit of work.
type SQLiteLog struct {
	db *sql.DB
}

// NewSQLiteLog creates the appender and runs its migration.
func NewSQLiteLog(db *sql.DB) (*SQLiteLog, error) {
	l := &SQLiteLog{db: db}
	if err := l.migrate(); err != nil {
		return nil, err
	}
	return l, nil
}

func (l *SQLiteLog) migrate() error {
	query := `
    CREATE TABLE IF NOT EXISTS audit_events (
        sequence INTEGER PRIMARY KEY AUTOINCREMENT,
        event_id TEXT NOT NULL UNIQUE,
        kind TEXT NOT NULL,
        tenant_id TEXT NOT NULL,
        entity_id TEXT NOT NULL,
        actor TEXT NOT NULL,
        from_state TEXT NOT NULL DEFAULT '',
        to_state TEXT NOT NULL DEFAULT '',
        annotation TEXT NOT NULL DEFAULT '',
        metadata JSON,
        previous_hash TEXT NOT NULL DEFAULT '',
        event_hash TEXT NOT NULL,
        created_at DATETIME NOT NULL
    );
    CREATE INDEX IF NOT EXISTS idx_audit_events_entity
        ON audit_events (tenant_id, entity_id, sequence);`
	_, err := l.db.ExecContext(context.Background(), query)
	return err
}

// Append writes one event using the active unit of work.
func (l *SQLiteLog) Append(ctx context.Context, ev Event) (*Event, error) {
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
		 WHERE tenant_id = ? AND entity_id = ?
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

	res, err := q.ExecContext(ctx,
		`INSERT INTO audit_events
		   (event_id, kind, tenant_id, entity_id, actor, from_state, to_state,
		    annotation, metadata, previous_hash, event_hash, created_at)
		 VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)`,
		ev.EventID, string(ev.Kind), ev.TenantID, ev.EntityID, ev.Actor,
		ev.FromState, ev.ToState, ev.Annotation, meta,
		ev.PreviousHash, ev.EventHash, ev.Timestamp,
	)
	if err != nil {
		return nil, fmt.Errorf("audit: append event: %w", err)
	}
	seq, err := res.LastInsertId()
	if err != nil {
		return nil, fmt.Errorf("audit: read sequence: %w", err)
	}
	ev.Sequence = uint64(seq)
	return &ev, nil
}
