package ephemeral

import (
	"context"
	"sync"
	"time"
)

type entry struct {
	value     []byte
	expiresAt time.Time
}

// MemoryStore keeps records in process. Suitable for a single instance.
type MemoryStore struct {
	mu      sync.Mutex
	entries map[string]entry
	now     func() time.Time
}

func NewMemoryStore() *MemoryStore {
	return &MemoryStore{entries: make(map[string]entry), now: time.Now}
}

func memKey(ns, key string) string {
	return ns + "\x00" + key
}

func (s *MemoryStore) Set(_ context.Context, ns, key string, value []byte, ttl time.Duration) error {
	v := make([]byte, len(value))
	copy(v, value)
	s.mu.Lock()
	s.entries[memKey(ns, key)] = entry{value: v, expiresAt: s.now().Add(ttl)}
	s.mu.Unlock()
	return nil
}

func (s *MemoryStore) Get(_ context.Context, ns, key string) ([]byte, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.lookupLocked(memKey(ns, key))
}

func (s *MemoryStore) Take(_ context.Context, ns, key string) ([]byte, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	k := memKey(ns, key)
	v, err := s.lookupLocked(k)
	if err != nil {
		return nil, err
	}
	delete(s.entries, k)
	return v, nil
}

func (s *MemoryStore) Delete(_ context.Context, ns, key string) error {
	s.mu.Lock()
	delete(s.entries, memKey(ns, key))
	s.mu.Unlock()
	return nil
}

func (s *MemoryStore) lookupLocked(k string) ([]byte, error) {
	e, ok := s.entries[k]
	if !ok {
		return nil, ErrNotFound
	}
	if !s.now().Before(e.expiresAt) {
		delete(s.entries, k)
		return nil, ErrNotFound
	}
	return e.value, nil
}

// Sweep drops expired records and returns how many were removed.
func (s *MemoryStore) Sweep() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	now := s.now()
	n := 0
	for k, e := range s.entries {
		if !now.Before(e.expiresAt) {
			delete(s.entries, k)
			n++
		}
	}
	return n
}
