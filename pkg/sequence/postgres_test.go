package sequence

import (
	"context"
	"testing"
	"time"

	"github.com/DATA-DOG/go-sqlmock"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/Caseline-Labs/caseline/core/pkg/txn"
)

func TestPostgresCounterRequiresUnitOfWork(t *testing.T) {
	_, err := NewPostgresCounter().Next(context.Background(), ScopeFor("acme", "case", time.Now()))
	assert.ErrorIs(t, err, txn.ErrNoActiveTransaction)
}

func TestPostgresCounterUpsertReturning(t *testing.T) {
	db, mock, err := sqlmock.New()
	require.NoError(t, err)
	defer db.Close()

	scope := Scope{TenantID: "acme", Domain: "case", Day: "20260301"}

	mock.ExpectBegin()
	mock.ExpectQuery(`INSERT INTO sequence_counters`).
		WithArgs("acme:case:20260301").
		WillReturnRows(sqlmock.NewRows([]string{"value"}).AddRow(int64(42)))
	mock.ExpectCommit()

	counter := NewPostgresCounter()
	err = txn.NewRunner(db).Execute(context.Background(), func(ctx context.Context) error {
		n, err := counter.Next(ctx, scope)
		require.NoError(t, err)
		assert.EqualValues(t, 42, n)
		return nil
	})
	require.NoError(t, err)
	assert.NoError(t, mock.ExpectationsWereMet())
}

func TestPostgresCounterStoreFailureAbortsUnitOfWork(t *testing.T) {
	db, mock, err := sqlmock.New()
	require.NoError(t, err)
	defer db.Close()

	mock.ExpectBegin()
	mock.ExpectQuery(`INSERT INTO sequence_counters`).WillReturnError(assert.AnError)
	mock.ExpectRollback()

	counter := NewPostgresCounter()
	err = txn.NewRunner(db).Execute(context.Background(), func(ctx context.Context) error {
		_, err := counter.Next(ctx, ScopeFor("acme", "case", time.Now()))
		return err
	})
	assert.Error(t, err, "no fallback identifier when the store is down")
	assert.NoError(t, mock.ExpectationsWereMet())
}
