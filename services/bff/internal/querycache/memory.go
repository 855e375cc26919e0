package querycache

import (
	"context"
	"sync"
	"time"
)

// MemoryStore keeps entries in per-bucket maps. Expired entries stay until
// overwritten or invalidated; freshness is decided by the Cache.
type MemoryStore struct {
	mu      sync.RWMutex
	buckets map[string]map[string]Entry
}

func NewMemoryStore() *MemoryStore {
	return &MemoryStore{buckets: make(map[string]map[string]Entry)}
}

func (s *MemoryStore) Get(_ context.Context, bucket, key string) (Entry, bool, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	e, ok := s.buckets[bucket][key]
	return e, ok, nil
}

func (s *MemoryStore) Set(_ context.Context, bucket, key string, e Entry, _ time.Duration) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	m, ok := s.buckets[bucket]
	if !ok {
		m = make(map[string]Entry)
		s.buckets[bucket] = m
	}
	m[key] = e
	return nil
}

func (s *MemoryStore) Invalidate(_ context.Context, bucket string, match Predicate) (int, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	n := 0
	for k, e := range s.buckets[bucket] {
		if match == nil || match(k, e) {
			delete(s.buckets[bucket], k)
			n++
		}
	}
	return n, nil
}

func (s *MemoryStore) Clear(_ context.Context, buckets ...string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	for _, b := range buckets {
		delete(s.buckets, b)
	}
	return nil
}

// Len returns the number of entries in bucket.
func (s *MemoryStore) Len(bucket string) int {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return len(s.buckets[bucket])
}
