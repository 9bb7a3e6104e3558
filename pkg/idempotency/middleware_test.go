package idempotency

import (
	"context"
	"io"
	"net/http"
	"net/http/httptest"
	"strings"
	"sync/atomic"
	"testing"

	"github.com/DATA-DOG/go-sqlmock"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/Caseline-Labs/caseline/core/pkg/identity"
	"github.com/Caseline-Labs/caseline/core/pkg/txn"
)

// newStack builds the production middleware order: idempotency outside the
// transaction boundary, so the replay cache only fills after a commit.
func newStack(t *testing.T, handler http.Handler) (http.Handler, sqlmock.Sqlmock, *atomic.Int32) {
	t.Helper()
	db, mock, err := sqlmock.New()
	require.NoError(t, err)
	t.Cleanup(func() { _ = db.Close() })

	store := NewMemoryStore()
	t.Cleanup(store.Close)
	coord := NewCoordinator(store)

	var calls atomic.Int32
	counted := http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		calls.Add(1)
		handler.ServeHTTP(w, r)
	})

	var h http.Handler = txn.Middleware(txn.NewRunner(db))(counted)
	h = Middleware(coord)(h)
	return h, mock, &calls
}

func doRequest(h http.Handler, method, path, key, body string) *httptest.ResponseRecorder {
	req := httptest.NewRequest(method, path, strings.NewReader(body))
	req = req.WithContext(identity.WithActor(req.Context(), identity.Actor{TenantID: "acme", ID: "agent-7"}))
	if key != "" {
		req.Header.Set(HeaderKey, key)
	}
	rec := httptest.NewRecorder()
	h.ServeHTTP(rec, req)
	return rec
}

func TestMiddlewareReplaysCommittedDuplicate(t *testing.T) {
	h, mock, calls := newStack(t, http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		body, _ := io.ReadAll(r.Body)
		assert.JSONEq(t, `{"title":"outage"}`, string(body), "handler sees the restored body")
		w.Header().Set("Content-Type", "application/json")
		w.WriteHeader(http.StatusCreated)
		_, _ = w.Write([]byte(`{"id":"c-1"}`))
	}))

	mock.ExpectBegin()
	mock.ExpectCommit()

	first := doRequest(h, http.MethodPost, "/api/cases", "k-1", `{"title":"outage"}`)
	assert.Equal(t, http.StatusCreated, first.Code)
	assert.Empty(t, first.Header().Get("Idempotency-Replayed"))

	second := doRequest(h, http.MethodPost, "/api/cases", "k-1", `{"title":"outage"}`)
	assert.Equal(t, http.StatusCreated, second.Code)
	assert.Equal(t, "true", second.Header().Get("Idempotency-Replayed"))
	assert.JSONEq(t, `{"id":"c-1"}`, second.Body.String())

	assert.EqualValues(t, 1, calls.Load(), "the duplicate never reaches the handler")
	assert.NoError(t, mock.ExpectationsWereMet(), "no second transaction for the replay")
}

func TestMiddlewareReplayToleratesReorderedBody(t *testing.T) {
	h, mock, calls := newStack(t, http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusCreated)
	}))

	mock.ExpectBegin()
	mock.ExpectCommit()

	doRequest(h, http.MethodPost, "/api/cases", "k-1", `{"a":1,"b":2}`)
	second := doRequest(h, http.MethodPost, "/api/cases", "k-1", `{"b":2,"a":1}`)

	assert.Equal(t, "true", second.Header().Get("Idempotency-Replayed"))
	assert.EqualValues(t, 1, calls.Load())
}

func TestMiddlewareKeyReuseWithDifferentBody(t *testing.T) {
	h, mock, _ := newStack(t, http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusCreated)
	}))

	mock.ExpectBegin()
	mock.ExpectCommit()

	doRequest(h, http.MethodPost, "/api/cases", "k-1", `{"title":"outage"}`)
	second := doRequest(h, http.MethodPost, "/api/cases", "k-1", `{"title":"different"}`)

	assert.Equal(t, http.StatusConflict, second.Code)
	assert.Empty(t, second.Header().Get("Retry-After"), "a fingerprint conflict is not retryable")
}

func TestMiddlewareRolledBackRequestIsNotCached(t *testing.T) {
	var fail atomic.Bool
	fail.Store(true)
	h, mock, calls := newStack(t, http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if fail.Load() {
			w.WriteHeader(http.StatusConflict)
			return
		}
		w.WriteHeader(http.StatusCreated)
	}))

	mock.ExpectBegin()
	mock.ExpectRollback()
	first := doRequest(h, http.MethodPost, "/api/cases", "k-1", `{"title":"outage"}`)
	assert.Equal(t, http.StatusConflict, first.Code)

	// The retry with the same key must execute, not replay the failure.
	fail.Store(false)
	mock.ExpectBegin()
	mock.ExpectCommit()
	second := doRequest(h, http.MethodPost, "/api/cases", "k-1", `{"title":"outage"}`)
	assert.Equal(t, http.StatusCreated, second.Code)
	assert.Empty(t, second.Header().Get("Idempotency-Replayed"))
	assert.EqualValues(t, 2, calls.Load())
}

func TestMiddlewarePendingDuplicateGetsRetryableConflict(t *testing.T) {
	release := make(chan struct{})
	started := make(chan struct{})
	h, mock, _ := newStack(t, http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		close(started)
		<-release
		w.WriteHeader(http.StatusCreated)
	}))

	mock.ExpectBegin()
	mock.ExpectCommit()

	done := make(chan *httptest.ResponseRecorder)
	go func() { done <- doRequest(h, http.MethodPost, "/api/cases", "k-1", `{"t":1}`) }()
	<-started

	dup := doRequest(h, http.MethodPost, "/api/cases", "k-1", `{"t":1}`)
	assert.Equal(t, http.StatusConflict, dup.Code)
	assert.Equal(t, "1", dup.Header().Get("Retry-After"), "a pending duplicate is told to retry shortly")

	close(release)
	first := <-done
	assert.Equal(t, http.StatusCreated, first.Code)
}

func TestMiddlewareWithoutKeyPassesThrough(t *testing.T) {
	h, mock, calls := newStack(t, http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusCreated)
	}))

	mock.ExpectBegin()
	mock.ExpectCommit()
	mock.ExpectBegin()
	mock.ExpectCommit()

	doRequest(h, http.MethodPost, "/api/cases", "", `{"t":1}`)
	doRequest(h, http.MethodPost, "/api/cases", "", `{"t":1}`)
	assert.EqualValues(t, 2, calls.Load(), "without a key every request executes")
}

func TestMiddlewareIgnoresReads(t *testing.T) {
	h, _, calls := newStack(t, http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusOK)
	}))

	doRequest(h, http.MethodGet, "/api/cases/c-1", "k-1", "")
	doRequest(h, http.MethodGet, "/api/cases/c-1", "k-1", "")
	assert.EqualValues(t, 2, calls.Load())
}

func TestMiddlewareRequiresIdentity(t *testing.T) {
	h, _, calls := newStack(t, http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusCreated)
	}))

	req := httptest.NewRequest(http.MethodPost, "/api/cases", strings.NewReader(`{}`))
	req.Header.Set(HeaderKey, "k-1")
	rec := httptest.NewRecorder()
	h.ServeHTTP(rec, req)

	assert.Equal(t, http.StatusUnauthorized, rec.Code)
	assert.Zero(t, calls.Load())
}

// canceledAwareStore fails finalization once the context is gone, the way
// a SQL-backed store does.
type canceledAwareStore struct{ Store }

func (s *canceledAwareStore) Finalize(ctx context.Context, tenantID, actorID, key string, status Status, statusCode int, contentType string, body []byte) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	return s.Store.Finalize(ctx, tenantID, actorID, key, status, statusCode, contentType, body)
}

func TestMiddlewareResolvesReservationAfterClientDisconnect(t *testing.T) {
	mem := NewMemoryStore()
	t.Cleanup(mem.Close)
	coord := NewCoordinator(&canceledAwareStore{Store: mem})

	ctx, cancel := context.WithCancel(context.Background())
	var calls atomic.Int32
	h := Middleware(coord)(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		calls.Add(1)
		cancel() // the client goes away while the handler runs
		w.WriteHeader(http.StatusCreated)
	}))

	req := httptest.NewRequest(http.MethodPost, "/api/cases", strings.NewReader(`{"t":1}`))
	req = req.WithContext(identity.WithActor(ctx, identity.Actor{TenantID: "acme", ID: "agent-7"}))
	req.Header.Set(HeaderKey, "k-1")
	h.ServeHTTP(httptest.NewRecorder(), req)

	// Finalization must survive the cancelled request context; a record
	// stuck PENDING would reject every retry of this key until retention
	// expired.
	retry := doRequest(h, http.MethodPost, "/api/cases", "k-1", `{"t":1}`)
	assert.Equal(t, http.StatusCreated, retry.Code)
	assert.EqualValues(t, 2, calls.Load(), "the retry executes instead of being rejected as pending")
}

func TestMiddlewarePanicResolvesReservation(t *testing.T) {
	var boom atomic.Bool
	boom.Store(true)
	h, mock, calls := newStack(t, http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if boom.Load() {
			panic("handler exploded")
		}
		w.WriteHeader(http.StatusCreated)
	}))

	mock.ExpectBegin()
	mock.ExpectRollback()
	assert.Panics(t, func() { doRequest(h, http.MethodPost, "/api/cases", "k-1", `{"t":1}`) })

	// The reservation resolved FAILED on the way out, so the retry runs.
	boom.Store(false)
	mock.ExpectBegin()
	mock.ExpectCommit()
	second := doRequest(h, http.MethodPost, "/api/cases", "k-1", `{"t":1}`)
	assert.Equal(t, http.StatusCreated, second.Code)
	assert.EqualValues(t, 2, calls.Load())
}

func TestMiddlewareCachesCommittedRedirect(t *testing.T) {
	h, mock, calls := newStack(t, http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Location", "/api/cases/c-1")
		w.WriteHeader(http.StatusSeeOther)
	}))

	mock.ExpectBegin()
	mock.ExpectCommit()

	first := doRequest(h, http.MethodPost, "/api/cases", "k-1", `{"t":1}`)
	assert.Equal(t, http.StatusSeeOther, first.Code)

	// The guard commits anything under 400; the cache must agree, or a
	// committed redirect would be recorded FAILED and the duplicate would
	// re-execute the mutation.
	second := doRequest(h, http.MethodPost, "/api/cases", "k-1", `{"t":1}`)
	assert.Equal(t, http.StatusSeeOther, second.Code)
	assert.Equal(t, "true", second.Header().Get("Idempotency-Replayed"))
	assert.EqualValues(t, 1, calls.Load())
	assert.NoError(t, mock.ExpectationsWereMet(), "no second transaction for the replay")
}
