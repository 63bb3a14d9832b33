package ratelimit

import (
	"context"
	"sync"
	"time"
)

type memoryBucket struct {
	windowStart time.Time
	count       int64
}

// MemoryStore is the in-process CounterStore. Windows reset lazily at the
// boundary, so correctness does not depend on any sweeper; the sweep only
// bounds memory when many distinct keys come and go.
type MemoryStore struct {
	mu        sync.Mutex
	buckets   map[string]memoryBucket
	maxMemory int
	now       func() time.Time
}

func NewMemoryStore() *MemoryStore {
	return &MemoryStore{
		buckets:   make(map[string]memoryBucket),
		maxMemory: 5000,
		now:       time.Now,
	}
}

// WithClock overrides the time source. Test hook only.
func (s *MemoryStore) WithClock(now func() time.Time) *MemoryStore {
	s.now = now
	return s
}

func (s *MemoryStore) Incr(_ context.Context, key string, window time.Duration) (int64, time.Time, error) {
	now := s.now().UTC()
	threshold := now.Add(-window)

	s.mu.Lock()
	defer s.mu.Unlock()

	bucket, ok := s.buckets[key]
	if !ok || !bucket.windowStart.After(threshold) {
		bucket = memoryBucket{windowStart: now}
	}
	bucket.count++
	s.buckets[key] = bucket

	if len(s.buckets) > s.maxMemory {
		for existing, value := range s.buckets {
			if existing != key && !value.windowStart.After(threshold) {
				delete(s.buckets, existing)
			}
		}
	}

	return bucket.count, bucket.windowStart, nil
}
