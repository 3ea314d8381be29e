package locks

import (
	"context"
	"fmt"
	"strings"
	"time"

	"github.com/redis/go-redis/v9"
)

const (
	defaultRedisURL = "redis://localhost:6379"
	defaultTTL      = 30 * time.Second
	keyPrefix       = "plugind:lock:"
)

// RedisStore keeps each lock as a hash of owner counts plus a mode field,
// expiring with the longest outstanding TTL.
type RedisStore struct {
	client *redis.Client
}

// NewRedisStore constructs a Redis-backed lock store.
func NewRedisStore(url string) (*RedisStore, error) {
	if url == "" {
		url = defaultRedisURL
	}
	opts, err := redisOptions(url)
	if err != nil {
		return nil, err
	}
	client := redis.NewClient(opts)
	ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
	defer cancel()
	if err := client.Ping(ctx).Err(); err != nil {
		_ = client.Close()
		return nil, fmt.Errorf("connect redis: %w", err)
	}
	return &RedisStore{client: client}, nil
}

// Close shuts down the Redis client.
func (s *RedisStore) Close() error {
	if s == nil || s.client == nil {
		return nil
	}
	return s.client.Close()
}

// Acquire attempts to acquire a shared or exclusive lock.
func (s *RedisStore) Acquire(ctx context.Context, resource, owner string, mode Mode, ttl time.Duration) (bool, error) {
	if s == nil || s.client == nil {
		return false, fmt.Errorf("lock store unavailable")
	}
	resource, owner = strings.TrimSpace(resource), strings.TrimSpace(owner)
	if resource == "" || owner == "" {
		return false, fmt.Errorf("resource and owner required")
	}
	n, err := s.client.Eval(ctx, acquireScript, []string{keyPrefix + resource},
		string(normalizeMode(mode)),
		owner,
		normalizeTTL(ttl).Milliseconds(),
	).Int()
	if err != nil {
		return false, err
	}
	return n == 1, nil
}

// Release drops one hold of owner; the key disappears with its last owner.
func (s *RedisStore) Release(ctx context.Context, resource, owner string) error {
	if s == nil || s.client == nil {
		return fmt.Errorf("lock store unavailable")
	}
	resource, owner = strings.TrimSpace(resource), strings.TrimSpace(owner)
	if resource == "" || owner == "" {
		return fmt.Errorf("resource and owner required")
	}
	return s.client.Eval(ctx, releaseScript, []string{keyPrefix + resource}, owner).Err()
}

const acquireScript = `
local key = KEYS[1]
local mode = ARGV[1]
local field = "owner:" .. ARGV[2]
local ttl = tonumber(ARGV[3])
local current = redis.call("HGET", key, "mode")
if current and (current == "exclusive" or mode == "exclusive") then
  return 0
end
redis.call("HSET", key, "mode", mode)
redis.call("HINCRBY", key, field, 1)
if redis.call("PTTL", key) < ttl then
  redis.call("PEXPIRE", key, ttl)
end
return 1
`

const releaseScript = `
local key = KEYS[1]
local field = "owner:" .. ARGV[1]
if redis.call("HEXISTS", key, field) == 0 then
  return 0
end
if redis.call("HINCRBY", key, field, -1) <= 0 then
  redis.call("HDEL", key, field)
end
if redis.call("HLEN", key) <= 1 then
  redis.call("DEL", key)
end
return 1
`
