package secrets

import (
	"context"
	"sync"
)

// MemoryStore keeps secrets in process memory.
type MemoryStore struct {
	mu     sync.Mutex
	values map[string]string
}

func NewMemoryStore() *MemoryStore {
	return &MemoryStore{values: make(map[string]string)}
}

func (m *MemoryStore) Get(_ context.Context, path string) (string, error) {
	if err := ValidPath(path); err != nil {
		return "", err
	}
	m.mu.Lock()
	defer m.mu.Unlock()
	v, ok := m.values[path]
	if !ok {
		return "", ErrNotFound
	}
	return v, nil
}

func (m *MemoryStore) Put(_ context.Context, path, value string) error {
	if err := ValidPath(path); err != nil {
		return err
	}
	m.mu.Lock()
	defer m.mu.Unlock()
	m.values[path] = value
	return nil
}

func (m *MemoryStore) Delete(_ context.Context, path string) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	delete(m.values, path)
	return nil
}
