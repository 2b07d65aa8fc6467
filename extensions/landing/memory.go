package landing

import (
	"context"
	"strings"
	"sync"
)

// MemoryStore keeps objects in process memory.
type MemoryStore struct {
	mu      sync.RWMutex
	objects map[string][]byte
}

func NewMemoryStore() *MemoryStore {
	return &MemoryStore{objects: map[string][]byte{}}
}

func (s *MemoryStore) Put(ctx context.Context, key string, data []byte) error {
	c := make([]byte, len(data))
	copy(c, data)
	s.mu.Lock()
	defer s.mu.Unlock()
	s.objects[cleanKey(key)] = c
	return nil
}

func (s *MemoryStore) Get(ctx context.Context, key string) ([]byte, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	data, ok := s.objects[cleanKey(key)]
	if !ok {
		return nil, notFound(key)
	}
	c := make([]byte, len(data))
	copy(c, data)
	return c, nil
}

func (s *MemoryStore) Exists(ctx context.Context, key string) (bool, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	_, ok := s.objects[cleanKey(key)]
	return ok, nil
}

func (s *MemoryStore) List(ctx context.Context, prefix string) ([]string, error) {
	prefix = cleanKey(prefix)
	s.mu.RLock()
	defer s.mu.RUnlock()
	var keys []string
	for k := range s.objects {
		if strings.HasPrefix(k, prefix) {
			keys = append(keys, k)
		}
	}
	return sortedKeys(keys), nil
}

func (s *MemoryStore) Delete(ctx context.Context, key string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	delete(s.objects, cleanKey(key))
	return nil
}
