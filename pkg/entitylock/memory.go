package entitylock

import (
	"context"
	"sync"
	"time"
)

// MemoryStore keeps locks in process memory. Single-process use only; the
// mutex makes each operation atomic within the process.
type MemoryStore struct {
	mu    sync.Mutex
	locks map[string]*Lock
}

// NewMemoryStore creates an empty lock table.
func NewMemoryStore() *MemoryStore {
	return &MemoryStore{locks: make(map[string]*Lock)}
}

func lockKey(tenantID, entityID string) string {
	return tenantID + ":" + entityID
}

// Acquire implements Store.
func (s *MemoryStore) Acquire(_ context.Context, tenantID, entityID, holder string, now, staleBefore time.Time) (*Lock, *Lock, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	key := lockKey(tenantID, entityID)
	existing := s.locks[key]
	if existing != nil {
		prev := *existing
		sameHolder := existing.Holder == holder
		expired := !existing.LastActivityAt.After(staleBefore)
		if !sameHolder && !expired {
			return nil, &prev, nil
		}
		granted := &Lock{
			TenantID:       tenantID,
			EntityID:       entityID,
			Holder:         holder,
			AcquiredAt:     existing.AcquiredAt,
			LastActivityAt: now,
		}
		if !sameHolder {
			granted.AcquiredAt = now
		}
		s.locks[key] = granted
		out := *granted
		return &out, &prev, nil
	}

	granted := &Lock{
		TenantID:       tenantID,
		EntityID:       entityID,
		Holder:         holder,
		AcquiredAt:     now,
		LastActivityAt: now,
	}
	s.locks[key] = granted
	out := *granted
	return &out, nil, nil
}

// Release implements Store.
func (s *MemoryStore) Release(_ context.Context, tenantID, entityID, holder string) (bool, *Lock, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	key := lockKey(tenantID, entityID)
	existing := s.locks[key]
	if existing == nil {
		return false, nil, nil
	}
	if existing.Holder != holder {
		current := *existing
		return false, &current, nil
	}
	delete(s.locks, key)
	return true, nil, nil
}

// Heartbeat implements Store.
func (s *MemoryStore) Heartbeat(_ context.Context, tenantID, entityID, holder string, now, staleBefore time.Time) (*Lock, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	existing := s.locks[lockKey(tenantID, entityID)]
	if existing == nil || existing.Holder != holder || !existing.LastActivityAt.After(staleBefore) {
		return nil, nil
	}
	existing.LastActivityAt = now
	out := *existing
	return &out, nil
}

// Get implements Store.
func (s *MemoryStore) Get(_ context.Context, tenantID, entityID string) (*Lock, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	existing := s.locks[lockKey(tenantID, entityID)]
	if existing == nil {
		return nil, nil
	}
	out := *existing
	return &out, nil
}
