package quota

import (
	"context"
	"fmt"
	"time"

	"github.com/redis/go-redis/v9"
)

// reserveScript increments KEYS[1] by ARGV[1] iff the result is <= ARGV[2].
// ARGV[3] is a TTL in milliseconds applied when the key is created.
var reserveScript = redis.NewScript(`
local cur = tonumber(redis.call('GET', KEYS[1]) or '0')
local n = tonumber(ARGV[1])
local limit = tonumber(ARGV[2])
if cur + n > limit then
  return {0, cur}
end
local next = redis.call('INCRBY', KEYS[1], n)
local ttl = tonumber(ARGV[3])
if ttl > 0 and redis.call('PTTL', KEYS[1]) < 0 then
  redis.call('PEXPIRE', KEYS[1], ttl)
end
return {1, next}
`)

// releaseScript decrements KEYS[1] by ARGV[1], flooring at zero.
var releaseScript = redis.NewScript(`
local cur = tonumber(redis.call('GET', KEYS[1]) or '0')
local next = cur - tonumber(ARGV[1])
if next < 0 then next = 0 end
if redis.call('EXISTS', KEYS[1]) == 1 then
  redis.call('SET', KEYS[1], next, 'KEEPTTL')
end
return next
`)

// RedisStore keeps counters in Redis so every replica shares one ledger.
type RedisStore struct {
	client *redis.Client
	prefix string
}

// NewRedisStore creates a RedisStore. Keys are namespaced with prefix.
func NewRedisStore(client *redis.Client, prefix string) *RedisStore {
	return &RedisStore{client: client, prefix: prefix}
}

var _ Store = (*RedisStore)(nil)

func (s *RedisStore) key(k string) string {
	return s.prefix + k
}

// Reserve implements Store.
func (s *RedisStore) Reserve(ctx context.Context, key string, n, limit int64, ttl time.Duration) (bool, int64, error) {
	res, err := reserveScript.Run(ctx, s.client, []string{s.key(key)}, n, limit, ttl.Milliseconds()).Int64Slice()
	if err != nil {
		return false, 0, fmt.Errorf("failed to reserve quota %s: %w", key, err)
	}
	if len(res) != 2 {
		return false, 0, fmt.Errorf("unexpected reserve reply for %s: %v", key, res)
	}
	return res[0] == 1, res[1], nil
}

// Release implements Store.
func (s *RedisStore) Release(ctx context.Context, key string, n int64) (int64, error) {
	v, err := releaseScript.Run(ctx, s.client, []string{s.key(key)}, n).Int64()
	if err != nil {
		return 0, fmt.Errorf("failed to release quota %s: %w", key, err)
	}
	return v, nil
}

// Get implements Store.
func (s *RedisStore) Get(ctx context.Context, key string) (int64, error) {
	v, err := s.client.Get(ctx, s.key(key)).Int64()
	if err == redis.Nil {
		return 0, nil
	}
	if err != nil {
		return 0, fmt.Errorf("failed to read quota %s: %w", key, err)
	}
	return v, nil
}

// Seed implements Store.
func (s *RedisStore) Seed(ctx context.Context, key string, value int64, ttl time.Duration) (bool, error) {
	ok, err := s.client.SetNX(ctx, s.key(key), value, ttl).Result()
	if err != nil {
		return false, fmt.Errorf("failed to seed quota %s: %w", key, err)
	}
	return ok, nil
}
