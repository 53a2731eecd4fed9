package cache

import (
	"sort"
	"sync"

	"tileflow/internal/core"
)

// Store persists cache entries. Implementations need not be safe for
// concurrent writes to the same ref; ResultCache serializes those.
type Store interface {
	// Load returns the entry for ref, or nil if there is none.
	Load(ref core.TileRef) (*CacheEntry, error)
	Save(e *CacheEntry) error
	Delete(ref core.TileRef) error
	// List returns metadata of every entry; payloads may be nil.
	List() ([]*CacheEntry, error)
	Close() error
}

// MemoryStore implements Store using in-memory storage.
// Useful for testing and short-lived processes.
type MemoryStore struct {
	mu      sync.RWMutex
	entries map[core.TileRef]*CacheEntry
}

// NewMemoryStore creates a new in-memory store.
func NewMemoryStore() *MemoryStore {
	return &MemoryStore{entries: make(map[core.TileRef]*CacheEntry)}
}

func (s *MemoryStore) Load(ref core.TileRef) (*CacheEntry, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	e, ok := s.entries[ref]
	if !ok {
		return nil, nil
	}
	// Return a copy to prevent mutation
	return e.clone(), nil
}

func (s *MemoryStore) Save(e *CacheEntry) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.entries[e.Ref] = e.clone()
	return nil
}

func (s *MemoryStore) Delete(ref core.TileRef) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	delete(s.entries, ref)
	return nil
}

func (s *MemoryStore) List() ([]*CacheEntry, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	out := make([]*CacheEntry, 0, len(s.entries))
	for _, e := range s.entries {
		meta := *e
		meta.Payload = nil
		out = append(out, &meta)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].Ref.Less(out[j].Ref) })
	return out, nil
}

func (s *MemoryStore) Close() error { return nil }
