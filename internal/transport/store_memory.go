package transport

import (
	"context"
	"fmt"
	"sync"
)

// MemoryStore is an in-memory bundle store. Safe for concurrent use; used by
// tests and by in-process service mode.
type MemoryStore struct {
	mu      sync.RWMutex
	bundles map[string][]byte
}

var _ BundleStore = (*MemoryStore)(nil)

// NewMemoryStore creates an empty in-memory bundle store.
func NewMemoryStore() *MemoryStore {
	return &MemoryStore{bundles: make(map[string][]byte)}
}

func (m *MemoryStore) Put(ctx context.Context, key string, data []byte) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.bundles[key] = append([]byte(nil), data...)
	return nil
}

func (m *MemoryStore) Get(ctx context.Context, key string) ([]byte, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	data, ok := m.bundles[key]
	if !ok {
		return nil, fmt.Errorf("%w: %s", ErrNotFound, key)
	}
	return append([]byte(nil), data...), nil
}

func (m *MemoryStore) Exists(ctx context.Context, key string) (bool, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	_, ok := m.bundles[key]
	return ok, nil
}

// Delete removes a bundle. Tests use it to simulate a store that lost data.
func (m *MemoryStore) Delete(key string) {
	m.mu.Lock()
	defer m.mu.Unlock()
	delete(m.bundles, key)
}

// Len returns the number of stored bundles.
func (m *MemoryStore) Len() int {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return len(m.bundles)
}
