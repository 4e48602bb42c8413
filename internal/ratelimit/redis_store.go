package ratelimit

import (
	"context"
	"fmt"
	"strconv"
	"time"

	"github.com/redis/go-redis/v9"
)

// takeScript refills and consumes one token atomically. Bucket state is a
// hash of tokens and last refill time in milliseconds.
var takeScript = redis.NewScript(`
local capacity = tonumber(ARGV[1])
local rate = tonumber(ARGV[2])
local now = tonumber(ARGV[3])
local ttl = tonumber(ARGV[4])

local tokens = tonumber(redis.call('HGET', KEYS[1], 'tokens'))
local last = tonumber(redis.call('HGET', KEYS[1], 'last'))
if tokens == nil or last == nil then
  tokens = capacity
  last = now
end
if now > last then
  tokens = math.min(capacity, tokens + (now - last) / 1000 * rate)
end

local allowed = 0
if tokens >= 1 then
  tokens = tokens - 1
  allowed = 1
end
redis.call('HSET', KEYS[1], 'tokens', tostring(tokens), 'last', tostring(now))
redis.call('PEXPIRE', KEYS[1], ttl)
return {allowed, tostring(tokens)}
`)

// RedisStore shares buckets across instances.
type RedisStore struct {
	client    redis.UniversalClient
	keyPrefix string
	now       func() time.Time
}

// NewRedisStore wraps client. Keys are written under keyPrefix.
func NewRedisStore(client redis.UniversalClient, keyPrefix string) *RedisStore {
	if keyPrefix == "" {
		keyPrefix = "paygate:ratelimit"
	}
	return &RedisStore{client: client, keyPrefix: keyPrefix, now: time.Now}
}

// Take consumes a token from key's bucket.
func (s *RedisStore) Take(ctx context.Context, key string, capacity, refillRate float64) (Decision, error) {
	// A bucket left alone for ttl is full again, so its state can expire.
	ttl := int64(1000)
	if refillRate > 0 {
		ttl += int64(capacity / refillRate * 1000)
	}
	res, err := takeScript.Run(ctx, s.client, []string{s.keyPrefix + ":" + key},
		strconv.FormatFloat(capacity, 'f', -1, 64),
		strconv.FormatFloat(refillRate, 'f', -1, 64),
		s.now().UnixMilli(),
		ttl,
	).Slice()
	if err != nil {
		return Decision{}, fmt.Errorf("ratelimit: take %s: %w", key, err)
	}
	if len(res) != 2 {
		return Decision{}, fmt.Errorf("ratelimit: unexpected script reply %v", res)
	}
	allowed, _ := res[0].(int64)
	raw, _ := res[1].(string)
	remaining, err := strconv.ParseFloat(raw, 64)
	if err != nil {
		return Decision{}, fmt.Errorf("ratelimit: parse remaining %q: %w", raw, err)
	}
	d := Decision{Allowed: allowed == 1, Limit: capacity, Remaining: remaining}
	if !d.Allowed && refillRate > 0 {
		d.RetryAfter = time.Duration((1 - remaining) / refillRate * float64(time.Second))
	}
	return d, nil
}

// Close closes the underlying client.
func (s *RedisStore) Close() error {
	return s.client.Close()
}
