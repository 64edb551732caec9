package ratelimit

import (
	"context"
	"sync"
	"time"
)

// MemoryStore is a process-local CounterStore for single-instance
// deployments and tests. Counters are guarded per store; windows reset
// lazily when their deadline passes.
type MemoryStore struct {
	mu       sync.Mutex
	windows  map[string]*windowCounter
	inflight map[string]int64
	now      func() time.Time
}

type windowCounter struct {
	count   int64
	resetAt time.Time
}

func NewMemoryStore() *MemoryStore {
	return &MemoryStore{
		windows:  make(map[string]*windowCounter),
		inflight: make(map[string]int64),
		now:      time.Now,
	}
}

func (s *MemoryStore) IncrWindow(_ context.Context, key string, window time.Duration) (int64, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	now := s.now()
	w, ok := s.windows[key]
	if !ok || now.After(w.resetAt) {
		w = &windowCounter{resetAt: now.Add(window)}
		s.windows[key] = w
	}
	w.count++
	return w.count, nil
}

func (s *MemoryStore) IncrInflight(_ context.Context, key string) (int64, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.inflight[key]++
	return s.inflight[key], nil
}

func (s *MemoryStore) DecrInflight(_ context.Context, key string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.inflight[key] > 0 {
		s.inflight[key]--
	}
	return nil
}

// Inflight reports the current in-flight count for a key. Test helper.
func (s *MemoryStore) Inflight(key string) int64 {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.inflight[key]
}
