package sequence

import (
	"context"
	"sync"
)

// MemoryCounter is a process-local counter for tests and single-process
// deployments. Multi-process deployments must use the Postgres or Redis
// counters; a process-local map cannot be the source of truth across
// processes.
type MemoryCounter struct {
	mu     sync.Mutex
	values map[string]int64
}

// NewMemoryCounter creates an empty counter set.
func NewMemoryCounter() *MemoryCounter {
	return &MemoryCounter{values: make(map[string]int64)}
}

// Next returns the next value for the scope, starting at 1.
func (c *MemoryCounter) Next(_ context.Context, scope Scope) (int64, error) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.values[scope.Key()]++
	return c.values[scope.Key()], nil
}
