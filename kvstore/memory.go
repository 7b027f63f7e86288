package kvstore

import (
	"context"
	"sync"

	"github.com/pkg/errors"
)

// ErrNotFound is returned by Memory.Get when the key is absent. Memory.Delete
// of an absent key succeeds.
var ErrNotFound = errors.New("kvstore: key not found")

// Memory is an in-process Store, used by tests and by embedders that don't
// need failover persistence across restarts (single-instance deployments).
type Memory struct {
	mu   sync.Mutex
	data map[string]string
}

// NewMemory returns an empty Memory store.
func NewMemory() *Memory {
	return &Memory{data: map[string]string{}}
}

func (m *Memory) Exists(ctx context.Context, key string) (bool, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	_, ok := m.data[key]
	return ok, nil
}

func (m *Memory) Get(ctx context.Context, key string) (string, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	v, ok := m.data[key]
	if !ok {
		return "", ErrNotFound
	}
	return v, nil
}

func (m *Memory) Create(ctx context.Context, key, value string) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.data[key] = value
	return nil
}

func (m *Memory) Set(ctx context.Context, key, value string) error {
	return m.Create(ctx, key, value)
}

func (m *Memory) Delete(ctx context.Context, key string) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	delete(m.data, key)
	return nil
}
