package store

import (
	"context"
	"fmt"
	"sync"
)

// MemoryStore is an in-process ObjectStore used by tests and local one-shot
// runs.
type MemoryStore struct {
	mu      sync.RWMutex
	objects map[string][]byte
}

// NewMemoryStore creates an empty in-memory store.
func NewMemoryStore() *MemoryStore {
	return &MemoryStore{objects: make(map[string][]byte)}
}

// Get fetches the object at the URI.
func (s *MemoryStore) Get(ctx context.Context, uri string) ([]byte, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	data, ok := s.objects[uri]
	if !ok {
		return nil, fmt.Errorf("object %q not found", uri)
	}
	out := make([]byte, len(data))
	copy(out, data)
	return out, nil
}

// Put writes an object, overwriting any existing one.
func (s *MemoryStore) Put(ctx context.Context, uri string, data []byte, contentType string) error {
	if _, _, err := SplitURI(uri); err != nil {
		return err
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	stored := make([]byte, len(data))
	copy(stored, data)
	s.objects[uri] = stored
	return nil
}

// Exists reports whether the object is present.
func (s *MemoryStore) Exists(ctx context.Context, uri string) (bool, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	_, ok := s.objects[uri]
	return ok, nil
}

// Keys lists the stored URIs, a test convenience.
func (s *MemoryStore) Keys() []string {
	s.mu.RLock()
	defer s.mu.RUnlock()
	keys := make([]string, 0, len(s.objects))
	for k := range s.objects {
		keys = append(keys, k)
	}
	return keys
}
