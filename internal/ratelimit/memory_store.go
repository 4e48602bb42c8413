package ratelimit

import (
	"context"
	"sync"
	"time"
)

// MemoryStore holds buckets for a single instance. Idle buckets are dropped
// on every cleanup tick.
type MemoryStore struct {
	mu      sync.Mutex
	buckets map[string]*TokenBucket
	now     func() time.Time
	stop    chan struct{}
	once    sync.Once
}

// NewMemoryStore starts a store whose cleanup runs every cleanupInterval.
// A non-positive interval disables cleanup.
func NewMemoryStore(cleanupInterval time.Duration, now func() time.Time) *MemoryStore {
	if now == nil {
		now = time.Now
	}
	s := &MemoryStore{
		buckets: make(map[string]*TokenBucket),
		now:     now,
		stop:    make(chan struct{}),
	}
	if cleanupInterval > 0 {
		go s.cleanupLoop(cleanupInterval)
	}
	return s
}

// Take consumes a token from key's bucket.
func (s *MemoryStore) Take(_ context.Context, key string, capacity, refillRate float64) (Decision, error) {
	s.mu.Lock()
	bucket, ok := s.buckets[key]
	if !ok {
		bucket = NewTokenBucket(capacity, refillRate, s.now)
		s.buckets[key] = bucket
	}
	s.mu.Unlock()
	return bucket.Take(), nil
}

// Len reports how many keys hold a bucket.
func (s *MemoryStore) Len() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return len(s.buckets)
}

// Close stops the cleanup loop.
func (s *MemoryStore) Close() error {
	s.once.Do(func() { close(s.stop) })
	return nil
}

func (s *MemoryStore) cleanupLoop(interval time.Duration) {
	ticker := time.NewTicker(interval)
	defer ticker.Stop()
	for {
		select {
		case <-ticker.C:
			s.cleanup()
		case <-s.stop:
			return
		}
	}
}

func (s *MemoryStore) cleanup() {
	s.mu.Lock()
	defer s.mu.Unlock()
	for key, bucket := range s.buckets {
		if bucket.Full() {
			delete(s.buckets, key)
		}
	}
}
