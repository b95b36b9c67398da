package otpstore

import (
	"context"
	"sync"
	"time"

	"github.com/trezcool/karo/core/portal"
)

var NowFunc = time.Now // mockable

type memEntry struct {
	code      string
	attempts  int
	expiresAt time.Time
}

// MemoryStore implements portal.CodeStore in process. Used when redis is not configured and in tests.
type MemoryStore struct {
	mu      sync.Mutex
	entries map[string]*memEntry
}

var _ portal.CodeStore = (*MemoryStore)(nil)

func NewMemoryStore() *MemoryStore {
	return &MemoryStore{entries: make(map[string]*memEntry)}
}

// get returns the live entry of `key`, dropping it when expired. Callers hold mu.
func (s *MemoryStore) get(key string) (*memEntry, bool) {
	e, ok := s.entries[key]
	if !ok {
		return nil, false
	}
	if !NowFunc().Before(e.expiresAt) {
		delete(s.entries, key)
		return nil, false
	}
	return e, true
}

func (s *MemoryStore) Set(_ context.Context, key, code string, ttl time.Duration) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.entries[key] = &memEntry{code: code, expiresAt: NowFunc().Add(ttl)}
	return nil
}

func (s *MemoryStore) Get(_ context.Context, key string) (string, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	e, ok := s.get(key)
	if !ok {
		return "", portal.ErrCodeNotFound
	}
	return e.code, nil
}

func (s *MemoryStore) IncrAttempts(_ context.Context, key string) (int, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	e, ok := s.get(key)
	if !ok {
		return 1, nil
	}
	e.attempts++
	return e.attempts, nil
}

func (s *MemoryStore) Delete(_ context.Context, key string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	delete(s.entries, key)
	return nil
}
