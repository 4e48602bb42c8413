package ratelimit

import (
	"context"
	"errors"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/alicebob/miniredis/v2"
	"github.com/redis/go-redis/v9"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

type failingStore struct{}

func (failingStore) Take(context.Context, string, float64, float64) (Decision, error) {
	return Decision{}, errors.New("store down")
}

func (failingStore) Close() error { return nil }

func TestLimiterKeysAreIndependent(t *testing.T) {
	clock := newFakeClock()
	store := NewMemoryStore(0, clock.Now)
	l := NewLimiter(Config{Store: store, RequestsPerSecond: 1, Burst: 2})
	t.Cleanup(func() { _ = l.Close() })
	ctx := context.Background()

	assert.True(t, l.Allow(ctx, "a").Allowed)
	assert.True(t, l.Allow(ctx, "a").Allowed)
	assert.False(t, l.Allow(ctx, "a").Allowed)
	assert.True(t, l.Allow(ctx, "b").Allowed)
	assert.Equal(t, 2, store.Len())

	clock.Advance(time.Second)
	assert.True(t, l.Allow(ctx, "a").Allowed)
}

func TestLimiterEmptyKeyAndStoreFailureAdmit(t *testing.T) {
	l := NewLimiter(Config{Store: failingStore{}, RequestsPerSecond: 1, Burst: 1})
	assert.True(t, l.Allow(context.Background(), "").Allowed)
	assert.True(t, l.Allow(context.Background(), "k").Allowed)
}

func TestMemoryStoreCleanupDropsIdleBuckets(t *testing.T) {
	clock := newFakeClock()
	store := NewMemoryStore(0, clock.Now)
	_, _ = store.Take(context.Background(), "idle", 2, 1)
	_, _ = store.Take(context.Background(), "busy", 2, 0)
	clock.Advance(time.Minute)
	store.cleanup()
	assert.Equal(t, 1, store.Len())
}

func TestRedisStoreSharesBuckets(t *testing.T) {
	mr := miniredis.RunT(t)
	client := redis.NewClient(&redis.Options{Addr: mr.Addr()})
	clock := newFakeClock()
	a := NewRedisStore(client, "test")
	a.now = clock.Now
	b := NewRedisStore(client, "test")
	b.now = clock.Now
	ctx := context.Background()

	d, err := a.Take(ctx, "ip:1", 2, 1)
	require.NoError(t, err)
	assert.True(t, d.Allowed)
	assert.Equal(t, float64(1), d.Remaining)

	d, err = b.Take(ctx, "ip:1", 2, 1)
	require.NoError(t, err)
	assert.True(t, d.Allowed)

	d, err = a.Take(ctx, "ip:1", 2, 1)
	require.NoError(t, err)
	assert.False(t, d.Allowed)
	assert.Equal(t, time.Second, d.RetryAfter)

	clock.Advance(1500 * time.Millisecond)
	d, err = b.Take(ctx, "ip:1", 2, 1)
	require.NoError(t, err)
	assert.True(t, d.Allowed)
	assert.InDelta(t, 0.5, d.Remaining, 1e-9)
	assert.True(t, mr.Exists("test:ip:1"))
}

func TestMiddlewareRejectsWithHeaders(t *testing.T) {
	l := NewLimiter(Config{Store: NewMemoryStore(0, newFakeClock().Now), RequestsPerSecond: 1, Burst: 1})
	mw := NewMiddleware(l, func(r *http.Request) string { return r.RemoteAddr }, nil)
	h := mw.Wrap(http.HandlerFunc(func(w http.ResponseWriter, _ *http.Request) { w.WriteHeader(http.StatusNoContent) }))

	req := httptest.NewRequest(http.MethodGet, "/mcp/entries", nil)
	rec := httptest.NewRecorder()
	h.ServeHTTP(rec, req)
	assert.Equal(t, http.StatusNoContent, rec.Code)
	assert.Equal(t, "1", rec.Header().Get("X-RateLimit-Limit"))
	assert.Equal(t, "0", rec.Header().Get("X-RateLimit-Remaining"))

	rec = httptest.NewRecorder()
	h.ServeHTTP(rec, req)
	assert.Equal(t, http.StatusTooManyRequests, rec.Code)
	assert.Equal(t, "1", rec.Header().Get("Retry-After"))
}
