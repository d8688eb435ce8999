package storage

import (
	"context"
	"sync"
)

type entry struct {
	scalar string
	list   []string // newest first
	isList bool
}

// MemoryBackend keeps a tier in process memory. Nothing survives a restart.
type MemoryBackend struct {
	mu       sync.RWMutex
	data     map[string]*entry
	listSize int
	closed   bool
}

var _ Backend = (*MemoryBackend)(nil)

func NewMemoryBackend(listSize int) *MemoryBackend {
	if listSize <= 0 {
		listSize = DefaultListSize
	}
	return &MemoryBackend{
		data:     make(map[string]*entry),
		listSize: listSize,
	}
}

func (m *MemoryBackend) Set(ctx context.Context, key, value string) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	if m.closed {
		return ErrClosed
	}
	m.data[key] = &entry{scalar: value}
	return nil
}

func (m *MemoryBackend) Get(ctx context.Context, key string) (string, bool, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()

	if m.closed {
		return "", false, ErrClosed
	}
	e, ok := m.data[key]
	if !ok {
		return "", false, nil
	}
	if e.isList {
		return "", false, ErrWrongType
	}
	return e.scalar, true, nil
}

func (m *MemoryBackend) MSet(ctx context.Context, items []KeyValue) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	if m.closed {
		return ErrClosed
	}
	for _, item := range items {
		m.data[item.Key] = &entry{scalar: item.Value}
	}
	return nil
}

func (m *MemoryBackend) MGet(ctx context.Context, keys []string) ([]KeyValue, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()

	if m.closed {
		return nil, ErrClosed
	}
	results := make([]KeyValue, len(keys))
	for i, key := range keys {
		results[i] = KeyValue{Key: key}
		if e, ok := m.data[key]; ok && !e.isList {
			results[i].Value = e.scalar
			results[i].Found = true
		}
	}
	return results, nil
}

func (m *MemoryBackend) LPushTrim(ctx context.Context, key string, values []string) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	if m.closed {
		return ErrClosed
	}
	if len(values) == 0 {
		return nil
	}

	var current []string
	if e, ok := m.data[key]; ok {
		if !e.isList {
			return ErrWrongType
		}
		current = e.list
	}
	m.data[key] = &entry{list: pushTrim(current, values, m.listSize), isList: true}
	return nil
}

func (m *MemoryBackend) LRange(ctx context.Context, key string, from, to int64) ([]string, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()

	if m.closed {
		return nil, ErrClosed
	}
	e, ok := m.data[key]
	if !ok {
		return []string{}, nil
	}
	if !e.isList {
		return nil, ErrWrongType
	}
	return sliceWindow(e.list, from, to), nil
}

func (m *MemoryBackend) LLen(ctx context.Context, key string) (int64, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()

	if m.closed {
		return 0, ErrClosed
	}
	e, ok := m.data[key]
	if !ok {
		return 0, nil
	}
	if !e.isList {
		return 0, ErrWrongType
	}
	return int64(len(e.list)), nil
}

func (m *MemoryBackend) FlushAll(ctx context.Context) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	if m.closed {
		return ErrClosed
	}
	m.data = make(map[string]*entry)
	return nil
}

func (m *MemoryBackend) Ping(ctx context.Context) error {
	m.mu.RLock()
	defer m.mu.RUnlock()

	if m.closed {
		return ErrClosed
	}
	return nil
}

func (m *MemoryBackend) Stats() map[string]interface{} {
	m.mu.RLock()
	defer m.mu.RUnlock()

	lists := 0
	for _, e := range m.data {
		if e.isList {
			lists++
		}
	}
	return map[string]interface{}{
		"driver":    "memory",
		"entries":   len(m.data),
		"lists":     lists,
		"list_size": m.listSize,
	}
}

func (m *MemoryBackend) Close() error {
	m.mu.Lock()
	defer m.mu.Unlock()

	m.closed = true
	m.data = nil
	return nil
}
