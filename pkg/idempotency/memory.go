package idempotency

import (
	"context"
	"sync"
	"time"
)

// MemoryStore holds reservations in memory. Single-process use only; a
// real deployment runs multiple processes and must use PostgresStore so
// the backing store, not process memory, is the source of truth.
type MemoryStore struct {
	mu      sync.Mutex
	entries map[string]*Record
	done    chan struct{}
}

// NewMemoryStore creates an in-memory store with a background janitor.
func NewMemoryStore() *MemoryStore {
	s := &MemoryStore{
		entries: make(map[string]*Record),
		done:    make(chan struct{}),
	}
	go s.janitor()
	return s
}

// Close stops the janitor.
func (s *MemoryStore) Close() {
	close(s.done)
}

func (s *MemoryStore) janitor() {
	ticker := time.NewTicker(5 * time.Minute)
	defer ticker.Stop()
	for {
		select {
		case <-s.done:
			return
		case <-ticker.C:
			_, _ = s.Evict(context.Background(), time.Now().UTC())
		}
	}
}

func recordKey(tenantID, actorID, key string) string {
	return tenantID + "\x00" + actorID + "\x00" + key
}

// Reserve implements Store.
func (s *MemoryStore) Reserve(_ context.Context, rec Record) (*Record, bool, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	k := recordKey(rec.TenantID, rec.ActorID, rec.Key)
	existing, ok := s.entries[k]
	if ok && existing.Status != StatusFailed && existing.ExpiresAt.After(rec.CreatedAt) {
		out := *existing
		return &out, false, nil
	}

	stored := rec
	s.entries[k] = &stored
	return nil, true, nil
}

// Finalize implements Store.
func (s *MemoryStore) Finalize(_ context.Context, tenantID, actorID, key string, status Status, statusCode int, contentType string, body []byte) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	rec, ok := s.entries[recordKey(tenantID, actorID, key)]
	if !ok || rec.Status != StatusPending {
		return nil
	}
	rec.Status = status
	rec.StatusCode = statusCode
	rec.ContentType = contentType
	rec.Body = append([]byte(nil), body...)
	return nil
}

// Evict implements Store.
func (s *MemoryStore) Evict(_ context.Context, before time.Time) (int, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	n := 0
	for k, rec := range s.entries {
		if rec.ExpiresAt.Before(before) {
			delete(s.entries, k)
			n++
		}
	}
	return n, nil
}
