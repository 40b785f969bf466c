package ratelimit

import (
	"context"
	"sync"
	"time"
)

const sweepEvery = 1024

type bucket struct {
	resetAt time.Time
	count   int
}

// MemoryStore - счетчики в памяти процесса, без согласования между инстансами.
type MemoryStore struct {
	mu      sync.Mutex
	buckets map[string]*bucket
	now     func() time.Time
	takes   int
}

func NewMemoryStore() *MemoryStore {
	return &MemoryStore{buckets: make(map[string]*bucket), now: time.Now}
}

// WithClock подменяет часы (для тестов).
func (s *MemoryStore) WithClock(now func() time.Time) *MemoryStore {
	s.now = now
	return s
}

func (s *MemoryStore) Take(_ context.Context, key string, limit int, window time.Duration) (bool, error) {
	now := s.now()

	s.mu.Lock()
	defer s.mu.Unlock()

	s.takes++
	if s.takes%sweepEvery == 0 {
		s.sweep(now)
	}

	b, ok := s.buckets[key]
	if !ok || !b.resetAt.After(now) {
		s.buckets[key] = &bucket{resetAt: now.Add(window), count: 1}
		return true, nil
	}
	if b.count >= limit {
		return false, nil
	}
	b.count++
	return true, nil
}

// Len - число живых корзин.
func (s *MemoryStore) Len() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return len(s.buckets)
}

func (s *MemoryStore) sweep(now time.Time) {
	for k, b := range s.buckets {
		if !b.resetAt.After(now) {
			delete(s.buckets, k)
		}
	}
}
