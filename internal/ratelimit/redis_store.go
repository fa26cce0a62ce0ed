package ratelimit

import (
	"context"
	"fmt"
	"strconv"
	"time"

	"github.com/redis/go-redis/v9"
)

// fixedWindowScript atomically admits and increments a fixed-window
// counter. The increment is never applied when the window is full, so
// an admitted request's count can never exceed the limit.
//
// Keys: KEYS[1] = window counter key
// Args: ARGV[1] = limit, ARGV[2] = ttl in milliseconds
// Returns: {count, allowed (0/1)}
var fixedWindowScript = redis.NewScript(`
local count = tonumber(redis.call("GET", KEYS[1]) or "0")
if count >= tonumber(ARGV[1]) then
    return {count, 0}
end
count = redis.call("INCR", KEYS[1])
if count == 1 then
    redis.call("PEXPIRE", KEYS[1], ARGV[2])
end
return {count, 1}
`)

// RedisStore is the distributed CounterStore. Counters are shared
// across app instances, so a subject's budget holds globally.
type RedisStore struct {
	client *redis.Client
	prefix string
}

// NewRedisStore creates a Redis-backed counter store.
func NewRedisStore(client *redis.Client, prefix string) *RedisStore {
	if prefix == "" {
		prefix = "abide:rl:"
	}
	return &RedisStore{client: client, prefix: prefix}
}

func (s *RedisStore) Incr(ctx context.Context, key string, windowStart time.Time, limit int, ttl time.Duration) (int64, bool, error) {
	// The window start is part of the key, so rollover is implicit and
	// expired windows age out via the TTL.
	counterKey := s.prefix + key + ":" + strconv.FormatInt(windowStart.Unix(), 10)

	result, err := fixedWindowScript.Run(ctx, s.client, []string{counterKey},
		limit, ttl.Milliseconds(),
	).Int64Slice()
	if err != nil {
		return 0, false, fmt.Errorf("rate limit incr: %w", err)
	}
	if len(result) != 2 {
		return 0, false, fmt.Errorf("rate limit incr: unexpected result length %d", len(result))
	}
	return result[0], result[1] == 1, nil
}
