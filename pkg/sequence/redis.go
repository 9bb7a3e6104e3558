package sequence

import (
	"context"
	"fmt"
	"time"

	"github.com/redis/go-redis/v9"
)

// RedisCounter allocates values with a single INCR, which Redis executes
// atomically. Used by deployments that do not route identifier allocation
// through Postgres.
//
// Note: Redis allocations happen outside the caller's SQL unit of work, so
// an aborted transaction leaves a gap in the sequence. Gaps are acceptable;
// duplicates would not be.
type RedisCounter struct {
	client *redis.Client
	// retention bounds how long a day's counter key lives past its last
	// use. Two days covers clock skew around the date rollover.
	retention time.Duration
}

// NewRedisCounter creates a Redis-backed counter.
func NewRedisCounter(client *redis.Client) *RedisCounter {
	return &RedisCounter{client: client, retention: 48 * time.Hour}
}

// Next atomically increments and reads the scope's counter.
func (c *RedisCounter) Next(ctx context.Context, scope Scope) (int64, error) {
	key := "sequence:" + scope.Key()

	value, err := c.client.Incr(ctx, key).Result()
	if err != nil {
		return 0, fmt.Errorf("sequence: allocate %s: %w", scope.Key(), err)
	}
	// First allocation stamps the retention window; later ones leave it.
	if value == 1 {
		if err := c.client.Expire(ctx, key, c.retention).Err(); err != nil {
			return 0, fmt.Errorf("sequence: set retention on %s: %w", scope.Key(), err)
		}
	}
	return value, nil
}
