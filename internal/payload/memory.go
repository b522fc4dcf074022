package payload

import (
	"context"
	"sync"
	"time"
)

// MemoryStore keeps payloads in process memory. It serves hosts that share
// the worker's address space through a proxy, and tests.
type MemoryStore struct {
	mu      sync.RWMutex
	entries map[string]*memEntry
	closed  bool
	stop    chan struct{}
}

type memEntry struct {
	data      []byte
	expiresAt time.Time
}

func (e *memEntry) expired() bool {
	return !e.expiresAt.IsZero() && time.Now().After(e.expiresAt)
}

// NewMemoryStore creates a store that evicts expired entries every
// evictEvery (30s when zero).
func NewMemoryStore(evictEvery time.Duration) *MemoryStore {
	if evictEvery <= 0 {
		evictEvery = 30 * time.Second
	}
	s := &MemoryStore{
		entries: make(map[string]*memEntry),
		stop:    make(chan struct{}),
	}
	go s.evictLoop(evictEvery)
	return s
}

func (s *MemoryStore) Put(_ context.Context, name string, data []byte, ttl time.Duration) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.closed {
		return ErrNotFound
	}
	var expiresAt time.Time
	if ttl > 0 {
		expiresAt = time.Now().Add(ttl)
	}
	cp := make([]byte, len(data))
	copy(cp, data)
	s.entries[name] = &memEntry{data: cp, expiresAt: expiresAt}
	return nil
}

func (s *MemoryStore) Get(_ context.Context, name string, offset, count int64) ([]byte, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	entry, ok := s.entries[name]
	if !ok || entry.expired() {
		return nil, ErrNotFound
	}
	return sliceRange(entry.data, offset, count)
}

func (s *MemoryStore) Delete(_ context.Context, name string) (bool, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	_, ok := s.entries[name]
	delete(s.entries, name)
	return ok, nil
}

func (s *MemoryStore) Ping(context.Context) error { return nil }

func (s *MemoryStore) Close() error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.closed {
		return nil
	}
	s.closed = true
	s.entries = nil
	close(s.stop)
	return nil
}

// Len reports the number of live entries.
func (s *MemoryStore) Len() int {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return len(s.entries)
}

func (s *MemoryStore) evictLoop(every time.Duration) {
	ticker := time.NewTicker(every)
	defer ticker.Stop()
	for {
		select {
		case <-s.stop:
			return
		case <-ticker.C:
		}
		s.mu.Lock()
		for name, entry := range s.entries {
			if entry.expired() {
				delete(s.entries, name)
			}
		}
		s.mu.Unlock()
	}
}
