package limiter

import (
	"context"
	"sync"
	"time"
)

// MemoryStore is an in-process Store.
type MemoryStore struct {
	mu      sync.Mutex
	buckets map[string]bucket
	now     func() time.Time
}

// NewMemoryStore creates an empty MemoryStore.
func NewMemoryStore() *MemoryStore {
	return &MemoryStore{
		buckets: make(map[string]bucket),
		now:     time.Now,
	}
}

func (s *MemoryStore) Allow(_ context.Context, key string, rate, period float64) (bool, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	now := s.now()
	b, ok := s.buckets[key]
	if !ok {
		b = bucket{tokens: rate, last: now}
	} else {
		b.tokens += now.Sub(b.last).Seconds() * rate / period
		if b.tokens > rate {
			b.tokens = rate
		}
		b.last = now
	}

	allowed := b.tokens >= 1
	if allowed {
		b.tokens--
	}
	s.buckets[key] = b
	return allowed, nil
}

// Forget drops the bucket for key.
func (s *MemoryStore) Forget(key string) {
	s.mu.Lock()
	delete(s.buckets, key)
	s.mu.Unlock()
}
