package cache

import (
	"context"
	"sync"
	"time"

	gocache "github.com/patrickmn/go-cache"
)

// MemoryCache implements Storage in process memory. Nothing survives a restart;
// it backs tests and throwaway deployments.
type MemoryCache struct {
	mu     sync.Mutex
	ttl    time.Duration
	stores map[string]*memoryStore
}

// NewMemory creates an empty in-memory storage
func NewMemory(ttl time.Duration) *MemoryCache {
	return &MemoryCache{
		ttl:    ttl,
		stores: make(map[string]*memoryStore),
	}
}

// Open returns the named store, creating it if absent
func (m *MemoryCache) Open(ctx context.Context, name string) (Store, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	m.mu.Lock()
	defer m.mu.Unlock()

	if s, ok := m.stores[name]; ok {
		return s, nil
	}

	expiration := gocache.NoExpiration
	var cleanup time.Duration
	if m.ttl > 0 {
		expiration = m.ttl
		cleanup = 2 * m.ttl
	}
	s := &memoryStore{items: gocache.New(expiration, cleanup)}
	m.stores[name] = s
	return s, nil
}

// Has reports whether the named store exists
func (m *MemoryCache) Has(ctx context.Context, name string) (bool, error) {
	if err := ctx.Err(); err != nil {
		return false, err
	}
	m.mu.Lock()
	defer m.mu.Unlock()
	_, ok := m.stores[name]
	return ok, nil
}

// Delete drops the named store
func (m *MemoryCache) Delete(ctx context.Context, name string) (bool, error) {
	if err := ctx.Err(); err != nil {
		return false, err
	}
	m.mu.Lock()
	defer m.mu.Unlock()

	s, ok := m.stores[name]
	if !ok {
		return false, nil
	}
	delete(m.stores, name)
	s.drop()
	return true, nil
}

// Names lists the existing stores
func (m *MemoryCache) Names(ctx context.Context) ([]string, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	m.mu.Lock()
	defer m.mu.Unlock()

	names := make([]string, 0, len(m.stores))
	for name := range m.stores {
		names = append(names, name)
	}
	return names, nil
}

// Close drops every store
func (m *MemoryCache) Close() error {
	m.mu.Lock()
	defer m.mu.Unlock()
	for name, s := range m.stores {
		s.drop()
		delete(m.stores, name)
	}
	return nil
}

type memoryStore struct {
	mu      sync.RWMutex
	deleted bool
	items   *gocache.Cache
}

func (s *memoryStore) drop() {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.deleted = true
	s.items.Flush()
}

func (s *memoryStore) Get(ctx context.Context, key string) ([]byte, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	s.mu.RLock()
	defer s.mu.RUnlock()

	v, ok := s.items.Get(key)
	if !ok {
		return nil, nil
	}
	data := v.([]byte)
	return append([]byte(nil), data...), nil
}

func (s *memoryStore) Set(ctx context.Context, key string, value []byte) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	s.mu.RLock()
	defer s.mu.RUnlock()

	if s.deleted {
		return ErrStoreDeleted
	}
	s.items.SetDefault(key, append([]byte(nil), value...))
	return nil
}

func (s *memoryStore) Delete(ctx context.Context, key string) (bool, error) {
	if err := ctx.Err(); err != nil {
		return false, err
	}
	s.mu.RLock()
	defer s.mu.RUnlock()

	if _, ok := s.items.Get(key); !ok {
		return false, nil
	}
	s.items.Delete(key)
	return true, nil
}

func (s *memoryStore) Keys(ctx context.Context) ([]string, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	s.mu.RLock()
	defer s.mu.RUnlock()

	items := s.items.Items()
	keys := make([]string, 0, len(items))
	for key := range items {
		keys = append(keys, key)
	}
	return keys, nil
}
