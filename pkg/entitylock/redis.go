package entitylock

import (
	"context"
	"fmt"
	"time"

	"github.com/redis/go-redis/v9"
)

// Lua scripts make each lock operation a single atomic Redis command, so
// the store stays correct when multiple processes race on the same entity.
// Timestamps are stored as unix milliseconds.

// acquireScript grants the lock if absent, held by the caller, or stale.
// Returns {granted, prev_holder, prev_acquired_ms, prev_activity_ms}.
var acquireScript = redis.NewScript(`
local key = KEYS[1]
local holder = ARGV[1]
local now = tonumber(ARGV[2])
local stale = tonumber(ARGV[3])

local state = redis.call("HMGET", key, "holder", "acquired_at", "last_activity_at")
local cur = state[1]

if not cur then
    redis.call("HMSET", key, "holder", holder, "acquired_at", now, "last_activity_at", now)
    return {1, "", 0, 0}
end

local acq = tonumber(state[2])
local act = tonumber(state[3])

if cur == holder then
    redis.call("HSET", key, "last_activity_at", now)
    return {1, cur, acq, now}
end

if act <= stale then
    redis.call("HMSET", key, "holder", holder, "acquired_at", now, "last_activity_at", now)
    return {1, cur, acq, act}
end

return {0, cur, acq, act}
`)

// releaseScript deletes the lock only when held by the caller.
// Returns {released, cur_holder, cur_acquired_ms, cur_activity_ms}.
var releaseScript = redis.NewScript(`
local key = KEYS[1]
local holder = ARGV[1]

local state = redis.call("HMGET", key, "holder", "acquired_at", "last_activity_at")
local cur = state[1]

if not cur then
    return {0, "", 0, 0}
end
if cur == holder then
    redis.call("DEL", key)
    return {1, "", 0, 0}
end
return {0, cur, tonumber(state[2]), tonumber(state[3])}
`)

// heartbeatScript refreshes activity only for the live holder.
// Returns {refreshed, acquired_ms}.
var heartbeatScript = redis.NewScript(`
local key = KEYS[1]
local holder = ARGV[1]
local now = tonumber(ARGV[2])
local stale = tonumber(ARGV[3])

local state = redis.call("HMGET", key, "holder", "acquired_at", "last_activity_at")
if not state[1] or state[1] ~= holder or tonumber(state[3]) <= stale then
    return {0, 0}
end
redis.call("HSET", key, "last_activity_at", now)
return {1, tonumber(state[2])}
`)

// RedisStore keeps locks in Redis for deployments where lock traffic
// should not land on Postgres. Lock audit events then flow through a
// non-transactional appender; the Postgres store is preferred when lock
// events must join the mutation's unit of work.
type RedisStore struct {
	client *redis.Client
}

// NewRedisStore creates a Redis-backed lock store.
func NewRedisStore(client *redis.Client) *RedisStore {
	return &RedisStore{client: client}
}

func redisLockKey(tenantID, entityID string) string {
	return fmt.Sprintf("entitylock:%s:%s", tenantID, entityID)
}

func scriptInts(res any) ([]int64, []string, error) {
	vals, ok := res.([]any)
	if !ok {
		return nil, nil, fmt.Errorf("entitylock: unexpected script reply %T", res)
	}
	ints := make([]int64, len(vals))
	strs := make([]string, len(vals))
	for i, v := range vals {
		switch t := v.(type) {
		case int64:
			ints[i] = t
		case string:
			strs[i] = t
		}
	}
	return ints, strs, nil
}

// Acquire implements Store.
func (s *RedisStore) Acquire(ctx context.Context, tenantID, entityID, holder string, now, staleBefore time.Time) (*Lock, *Lock, error) {
	res, err := acquireScript.Run(ctx, s.client,
		[]string{redisLockKey(tenantID, entityID)},
		holder, now.UnixMilli(), staleBefore.UnixMilli(),
	).Result()
	if err != nil {
		return nil, nil, fmt.Errorf("entitylock: acquire %s/%s: %w", tenantID, entityID, err)
	}

	ints, strs, err := scriptInts(res)
	if err != nil || len(ints) < 4 {
		return nil, nil, fmt.Errorf("entitylock: malformed acquire reply")
	}

	var prev *Lock
	if strs[1] != "" {
		prev = &Lock{
			TenantID:       tenantID,
			EntityID:       entityID,
			Holder:         strs[1],
			AcquiredAt:     time.UnixMilli(ints[2]).UTC(),
			LastActivityAt: time.UnixMilli(ints[3]).UTC(),
		}
	}
	if ints[0] == 0 {
		return nil, prev, nil
	}

	granted := &Lock{
		TenantID:       tenantID,
		EntityID:       entityID,
		Holder:         holder,
		AcquiredAt:     now,
		LastActivityAt: now,
	}
	if prev != nil && prev.Holder == holder {
		granted.AcquiredAt = prev.AcquiredAt
	}
	return granted, prev, nil
}

// Release implements Store.
func (s *RedisStore) Release(ctx context.Context, tenantID, entityID, holder string) (bool, *Lock, error) {
	res, err := releaseScript.Run(ctx, s.client,
		[]string{redisLockKey(tenantID, entityID)}, holder,
	).Result()
	if err != nil {
		return false, nil, fmt.Errorf("entitylock: release %s/%s: %w", tenantID, entityID, err)
	}

	ints, strs, err := scriptInts(res)
	if err != nil || len(ints) < 4 {
		return false, nil, fmt.Errorf("entitylock: malformed release reply")
	}
	if ints[0] == 1 {
		return true, nil, nil
	}
	if strs[1] == "" {
		return false, nil, nil
	}
	return false, &Lock{
		TenantID:       tenantID,
		EntityID:       entityID,
		Holder:         strs[1],
		AcquiredAt:     time.UnixMilli(ints[2]).UTC(),
		LastActivityAt: time.UnixMilli(ints[3]).UTC(),
	}, nil
}

// Heartbeat implements Store.
func (s *RedisStore) Heartbeat(ctx context.Context, tenantID, entityID, holder string, now, staleBefore time.Time) (*Lock, error) {
	res, err := heartbeatScript.Run(ctx, s.client,
		[]string{redisLockKey(tenantID, entityID)},
		holder, now.UnixMilli(), staleBefore.UnixMilli(),
	).Result()
	if err != nil {
		return nil, fmt.Errorf("entitylock: heartbeat %s/%s: %w", tenantID, entityID, err)
	}

	ints, _, err := scriptInts(res)
	if err != nil || len(ints) < 2 {
		return nil, fmt.Errorf("entitylock: malformed heartbeat reply")
	}
	if ints[0] == 0 {
		return nil, nil
	}
	return &Lock{
		TenantID:       tenantID,
		EntityID:       entityID,
		Holder:         holder,
		AcquiredAt:     time.UnixMilli(ints[1]).UTC(),
		LastActivityAt: now,
	}, nil
}

// Get implements Store.
func (s *RedisStore) Get(ctx context.Context, tenantID, entityID string) (*Lock, error) {
	vals, err := s.client.HMGet(ctx, redisLockKey(tenantID, entityID),
		"holder", "acquired_at", "last_activity_at").Result()
	if err != nil {
		return nil, fmt.Errorf("entitylock: get %s/%s: %w", tenantID, entityID, err)
	}
	holder, ok := vals[0].(string)
	if !ok || holder == "" {
		return nil, nil
	}

	parseMs := func(v any) time.Time {
		s, _ := v.(string)
		var ms int64
		_, _ = fmt.Sscan(s, &ms)
		return time.UnixMilli(ms).UTC()
	}
	return &Lock{
		TenantID:       tenantID,
		EntityID:       entityID,
		Holder:         holder,
		AcquiredAt:     parseMs(vals[1]),
		LastActivityAt: parseMs(vals[2]),
	}, nil
}
