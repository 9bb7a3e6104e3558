package idempotency

import (
	"context"
	"database/sql"
	"testing"
	"time"

	"github.com/DATA-DOG/go-sqlmock"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func pgFixture(t *testing.T) (*PostgresStore, sqlmock.Sqlmock) {
	t.Helper()
	db, mock, err := sqlmock.New()
	require.NoError(t, err)
	t.Cleanup(func() { _ = db.Close() })
	return NewPostgresStore(db), mock
}

func testRecord() Record {
	now := time.Date(2026, 3, 1, 9, 0, 0, 0, time.UTC)
	return Record{
		TenantID:    "acme",
		ActorID:     "agent-7",
		Key:         "k-1",
		Fingerprint: "fp-1",
		Status:      StatusPending,
		CreatedAt:   now,
		ExpiresAt:   now.Add(24 * time.Hour),
	}
}

func TestPostgresReserveInsertsFresh(t *testing.T) {
	store, mock := pgFixture(t)
	rec := testRecord()

	mock.ExpectExec(`INSERT INTO idempotency_records`).
		WithArgs(rec.TenantID, rec.ActorID, rec.Key, rec.Fingerprint,
			string(StatusPending), rec.CreatedAt, rec.ExpiresAt).
		WillReturnResult(sqlmock.NewResult(0, 1))

	existing, created, err := store.Reserve(context.Background(), rec)
	require.NoError(t, err)
	assert.True(t, created)
	assert.Nil(t, existing)
	assert.NoError(t, mock.ExpectationsWereMet())
}

func TestPostgresReserveTakesOverDeadRecord(t *testing.T) {
	store, mock := pgFixture(t)
	rec := testRecord()

	mock.ExpectExec(`INSERT INTO idempotency_records`).
		WillReturnResult(sqlmock.NewResult(0, 0))
	mock.ExpectQuery(`UPDATE idempotency_records`).
		WillReturnRows(sqlmock.NewRows([]string{"key"}).AddRow(rec.Key))

	_, created, err := store.Reserve(context.Background(), rec)
	require.NoError(t, err)
	assert.True(t, created, "a FAILED or expired record behaves as absent")
	assert.NoError(t, mock.ExpectationsWereMet())
}

func TestPostgresReserveReturnsLiveExisting(t *testing.T) {
	store, mock := pgFixture(t)
	rec := testRecord()

	mock.ExpectExec(`INSERT INTO idempotency_records`).
		WillReturnResult(sqlmock.NewResult(0, 0))
	mock.ExpectQuery(`UPDATE idempotency_records`).
		WillReturnError(sql.ErrNoRows)
	mock.ExpectQuery(`SELECT fingerprint, status`).
		WithArgs(rec.TenantID, rec.ActorID, rec.Key).
		WillReturnRows(sqlmock.NewRows([]string{
			"fingerprint", "status", "status_code", "content_type", "body", "created_at", "expires_at",
		}).AddRow("fp-1", string(StatusCommitted), 201, "application/json",
			[]byte(`{"id":"c-1"}`), rec.CreatedAt, rec.ExpiresAt))

	existing, created, err := store.Reserve(context.Background(), rec)
	require.NoError(t, err)
	assert.False(t, created)
	require.NotNil(t, existing)
	assert.Equal(t, StatusCommitted, existing.Status)
	assert.Equal(t, 201, existing.StatusCode)
	assert.NoError(t, mock.ExpectationsWereMet())
}

func TestPostgresFinalizeOnlyTouchesPending(t *testing.T) {
	store, mock := pgFixture(t)

	mock.ExpectExec(`UPDATE idempotency_records`).
		WithArgs("acme", "agent-7", "k-1", string(StatusCommitted), 201,
			"application/json", []byte(`{}`), string(StatusPending)).
		WillReturnResult(sqlmock.NewResult(0, 1))

	err := store.Finalize(context.Background(), "acme", "agent-7", "k-1",
		StatusCommitted, 201, "application/json", []byte(`{}`))
	require.NoError(t, err)
	assert.NoError(t, mock.ExpectationsWereMet())
}

func TestPostgresEvict(t *testing.T) {
	store, mock := pgFixture(t)
	before := time.Date(2026, 3, 2, 9, 0, 0, 0, time.UTC)

	mock.ExpectExec(`DELETE FROM idempotency_records`).
		WithArgs(before).
		WillReturnResult(sqlmock.NewResult(0, 3))

	n, err := store.Evict(context.Background(), before)
	require.NoError(t, err)
	assert.Equal(t, 3, n)
	assert.NoError(t, mock.ExpectationsWereMet())
}
