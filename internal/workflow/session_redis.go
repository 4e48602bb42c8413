package workflow

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/redis/go-redis/v9"
)

// RedisSessionStore shares sessions between daemon instances.
//
// Key structure:
//
//	{prefix}:{sessionID} -> JSON(Session)
type RedisSessionStore struct {
	client    redis.UniversalClient
	keyPrefix string
	ttl       time.Duration
	now       func() time.Time
}

// NewRedisSessionStore wraps client. Keys expire after ttl unless it is zero.
func NewRedisSessionStore(client redis.UniversalClient, keyPrefix string, ttl time.Duration) *RedisSessionStore {
	if keyPrefix == "" {
		keyPrefix = "paygate:sessions"
	}
	return &RedisSessionStore{
		client:    client,
		keyPrefix: keyPrefix,
		ttl:       ttl,
		now:       func() time.Time { return time.Now().UTC() },
	}
}

// DialRedis connects to addr and pings it.
func DialRedis(ctx context.Context, addr, password string, db int) (*redis.Client, error) {
	client := redis.NewClient(&redis.Options{Addr: addr, Password: password, DB: db})
	if err := client.Ping(ctx).Err(); err != nil {
		_ = client.Close()
		return nil, fmt.Errorf("ping redis %s: %w", addr, err)
	}
	return client, nil
}

func (r *RedisSessionStore) key(id string) string {
	return r.keyPrefix + ":" + id
}

// Get loads a session.
func (r *RedisSessionStore) Get(ctx context.Context, id string) (Session, error) {
	data, err := r.client.Get(ctx, r.key(id)).Bytes()
	if errors.Is(err, redis.Nil) {
		return Session{}, ErrSessionNotFound
	}
	if err != nil {
		return Session{}, fmt.Errorf("get session: %w", err)
	}
	var s Session
	if err := json.Unmarshal(data, &s); err != nil {
		return Session{}, fmt.Errorf("decode session %s: %w", id, err)
	}
	return s, nil
}

// Put writes a session and refreshes its expiry.
func (r *RedisSessionStore) Put(ctx context.Context, s Session) error {
	s.UpdatedAt = r.now()
	data, err := json.Marshal(s)
	if err != nil {
		return fmt.Errorf("encode session: %w", err)
	}
	return r.client.Set(ctx, r.key(s.ID), data, r.ttl).Err()
}

// Ping checks the Redis connection.
func (r *RedisSessionStore) Ping(ctx context.Context) error {
	return r.client.Ping(ctx).Err()
}

// Delete removes a session.
func (r *RedisSessionStore) Delete(ctx context.Context, id string) error {
	return r.client.Del(ctx, r.key(id)).Err()
}

// Sweep removes sessions idle longer than ttl. Keys written with an expiry
// are normally gone already; this catches the rest.
func (r *RedisSessionStore) Sweep(ctx context.Context, ttl time.Duration) (int, error) {
	cutoff := r.now().Add(-ttl)
	var (
		cursor  uint64
		removed int
	)
	for {
		keys, next, err := r.client.Scan(ctx, cursor, r.keyPrefix+":*", 100).Result()
		if err != nil {
			return removed, fmt.Errorf("scan sessions: %w", err)
		}
		for _, key := range keys {
			data, err := r.client.Get(ctx, key).Bytes()
			if err != nil {
				continue
			}
			var s Session
			if err := json.Unmarshal(data, &s); err != nil || s.UpdatedAt.Before(cutoff) {
				if err := r.client.Del(ctx, key).Err(); err != nil {
					return removed, fmt.Errorf("delete session: %w", err)
				}
				removed++
			}
		}
		cursor = next
		if cursor == 0 {
			return removed, nil
		}
	}
}
