package idempotency

import (
	"context"
	"database/sql"
	"fmt"
	"time"

	_ "github.com/lib/pq"
)

// PostgresStore provides durable idempotency enforcement backed by
// PostgreSQL, shared by all processes of a deployment.
//
// Reservations deliberately run on the pool, not the request's unit of
// work: a PENDING record must be visible to concurrent duplicates
// immediately, and must survive the rollback of the handler's own
// transaction so Finalize can mark it FAILED.
type PostgresStore struct {
	db *sql.DB
}

// NewPostgresStore creates a Postgres-backed idempotency store.
func NewPostgresStore(db *sql.DB) *PostgresStore {
	return &PostgresStore{db: db}
}

const pgRecordSchema = `
CREATE TABLE IF NOT EXISTS idempotency_records (
	tenant_id TEXT NOT NULL,
	actor_id TEXT NOT NULL,
	key TEXT NOT NULL,
	fingerprint TEXT NOT NULL,
	status TEXT NOT NULL,
	status_code INTEGER,
	content_type TEXT,
	body BYTEA,
	created_at TIMESTAMPTZ NOT NULL,
	expires_at TIMESTAMPTZ NOT NULL,
	PRIMARY KEY (tenant_id, actor_id, key)
);

CREATE INDEX IF NOT EXISTS idempotency_records_expiry
	ON idempotency_records (expires_at);
`

// Init ensures the schema exists.
func (s *PostgresStore) Init(ctx context.Context) error {
	_, err := s.db.ExecContext(ctx, pgRecordSchema)
	return err
}

// Reserve implements Store. The insert and the takeover of dead records
// are each single atomic statements; at most one concurrent caller for a
// key observes created == true.
func (s *PostgresStore) Reserve(ctx context.Context, rec Record) (*Record, bool, error) {
	res, err := s.db.ExecContext(ctx,
		`INSERT INTO idempotency_records
		   (tenant_id, actor_id, key, fingerprint, status, created_at, expires_at)
		 VALUES ($1, $2, $3, $4, $5, $6, $7)
		 ON CONFLICT (tenant_id, actor_id, key) DO NOTHING`,
		rec.TenantID, rec.ActorID, rec.Key, rec.Fingerprint,
		string(StatusPending), rec.CreatedAt, rec.ExpiresAt,
	)
	if err != nil {
		return nil, false, fmt.Errorf("insert reservation: %w", err)
	}
	if n, err := res.RowsAffected(); err != nil {
		return nil, false, fmt.Errorf("insert reservation: %w", err)
	} else if n == 1 {
		return nil, true, nil
	}

	// A record exists. FAILED or expired records count as absent: take
	// them over atomically, resetting them to PENDING.
	row := s.db.QueryRowContext(ctx,
		`UPDATE idempotency_records
		 SET fingerprint = $4, status = $5, status_code = NULL,
		     content_type = NULL, body = NULL, created_at = $6, expires_at = $7
		 WHERE tenant_id = $1 AND actor_id = $2 AND key = $3
		   AND (status = $8 OR expires_at <= $6)
		 RETURNING key`,
		rec.TenantID, rec.ActorID, rec.Key, rec.Fingerprint,
		string(StatusPending), rec.CreatedAt, rec.ExpiresAt, string(StatusFailed),
	)
	var taken string
	err = row.Scan(&taken)
	if err == nil {
		return nil, true, nil
	}
	if err != sql.ErrNoRows {
		return nil, false, fmt.Errorf("take over reservation: %w", err)
	}

	existing, err := s.get(ctx, rec.TenantID, rec.ActorID, rec.Key)
	if err != nil {
		return nil, false, err
	}
	return existing, false, nil
}

// Finalize implements Store.
func (s *PostgresStore) Finalize(ctx context.Context, tenantID, actorID, key string, status Status, statusCode int, contentType string, body []byte) error {
	_, err := s.db.ExecContext(ctx,
		`UPDATE idempotency_records
		 SET status = $4, status_code = $5, content_type = $6, body = $7
		 WHERE tenant_id = $1 AND actor_id = $2 AND key = $3 AND status = $8`,
		tenantID, actorID, key, string(status), statusCode, contentType, body,
		string(StatusPending),
	)
	if err != nil {
		return fmt.Errorf("finalize reservation: %w", err)
	}
	return nil
}

// Evict implements Store.
func (s *PostgresStore) Evict(ctx context.Context, before time.Time) (int, error) {
	res, err := s.db.ExecContext(ctx,
		`DELETE FROM idempotency_records WHERE expires_at < $1`, before)
	if err != nil {
		return 0, fmt.Errorf("evict reservations: %w", err)
	}
	n, err := res.RowsAffected()
	if err != nil {
		return 0, fmt.Errorf("evict reservations: %w", err)
	}
	return int(n), nil
}

func (s *PostgresStore) get(ctx context.Context, tenantID, actorID, key string) (*Record, error) {
	row := s.db.QueryRowContext(ctx,
		`SELECT fingerprint, status, COALESCE(status_code, 0),
		        COALESCE(content_type, ''), body, created_at, expires_at
		 FROM idempotency_records
		 WHERE tenant_id = $1 AND actor_id = $2 AND key = $3`,
		tenantID, actorID, key,
	)

	rec := &Record{TenantID: tenantID, ActorID: actorID, Key: key}
	var status string
	if err := row.Scan(&rec.Fingerprint, &status, &rec.StatusCode,
		&rec.ContentType, &rec.Body, &rec.CreatedAt, &rec.ExpiresAt); err != nil {
		return nil, fmt.Errorf("load reservation: %w", err)
	}
	rec.Status = Status(status)
	return rec, nil
}
