package state

import (
	"context"
	"sync"
	"time"

	"stockpulse/internal/clock"
)

// MemoryStore is a process-local ClaimStore.
type MemoryStore struct {
	mu      sync.Mutex
	clock   clock.Clock
	expires map[string]time.Time
}

func NewMemoryStore(c clock.Clock) *MemoryStore {
	if c == nil {
		c = clock.Real()
	}
	return &MemoryStore{clock: c, expires: make(map[string]time.Time)}
}

func (s *MemoryStore) Claim(ctx context.Context, key string, ttl time.Duration) (bool, error) {
	now := s.clock.Now()

	s.mu.Lock()
	defer s.mu.Unlock()

	if exp, ok := s.expires[key]; ok && now.Before(exp) {
		return false, nil
	}
	s.expires[key] = now.Add(ttl)
	return true, nil
}

func (s *MemoryStore) Release(ctx context.Context, key string) error {
	s.mu.Lock()
	delete(s.expires, key)
	s.mu.Unlock()
	return nil
}

// Sweep forgets expired claims and returns how many were dropped.
func (s *MemoryStore) Sweep() int {
	now := s.clock.Now()

	s.mu.Lock()
	defer s.mu.Unlock()

	n := 0
	for k, exp := range s.expires {
		if !now.Before(exp) {
			delete(s.expires, k)
			n++
		}
	}
	return n
}

func (s *MemoryStore) Close() error { return nil }
