package store

import (
	"context"
	"sort"
	"sync"
)

type memoryEntry[T any] struct {
	mu      sync.Mutex
	value   T
	deleted bool
}

// Memory is an in-process Repository. Each key has its own mutex so
// unrelated keys never contend.
type Memory[T Cloner[T]] struct {
	name    string
	mu      sync.RWMutex
	entries map[string]*memoryEntry[T]
}

// NewMemory creates an empty repository; name appears in error messages.
func NewMemory[T Cloner[T]](name string) *Memory[T] {
	return &Memory[T]{name: name, entries: make(map[string]*memoryEntry[T])}
}

func (m *Memory[T]) entry(key string) (*memoryEntry[T], bool) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	e, ok := m.entries[key]
	return e, ok
}

// Create implements Repository.
func (m *Memory[T]) Create(_ context.Context, key string, v T) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if _, ok := m.entries[key]; ok {
		return alreadyExists(m.name, key)
	}
	m.entries[key] = &memoryEntry[T]{value: v.Clone()}
	return nil
}

// Get implements Repository.
func (m *Memory[T]) Get(_ context.Context, key string) (T, error) {
	var zero T
	e, ok := m.entry(key)
	if !ok {
		return zero, notFound(m.name, key)
	}
	e.mu.Lock()
	defer e.mu.Unlock()
	if e.deleted {
		return zero, notFound(m.name, key)
	}
	return e.value.Clone(), nil
}

// Update implements Repository.
func (m *Memory[T]) Update(ctx context.Context, key string, fn func(*T) error) (T, error) {
	var zero T
	if err := ctx.Err(); err != nil {
		return zero, err
	}
	e, ok := m.entry(key)
	if !ok {
		return zero, notFound(m.name, key)
	}
	e.mu.Lock()
	defer e.mu.Unlock()
	if e.deleted {
		return zero, notFound(m.name, key)
	}

	draft := e.value.Clone()
	if err := fn(&draft); err != nil {
		return zero, err
	}
	e.value = draft
	return draft.Clone(), nil
}

// Delete implements Repository.
func (m *Memory[T]) Delete(_ context.Context, key string, guard func(T) error) error {
	e, ok := m.entry(key)
	if !ok {
		return notFound(m.name, key)
	}
	e.mu.Lock()
	defer e.mu.Unlock()
	if e.deleted {
		return notFound(m.name, key)
	}
	if guard != nil {
		if err := guard(e.value.Clone()); err != nil {
			return err
		}
	}
	e.deleted = true

	m.mu.Lock()
	delete(m.entries, key)
	m.mu.Unlock()
	return nil
}

// List implements Repository.
func (m *Memory[T]) List(_ context.Context) ([]T, error) {
	m.mu.RLock()
	keys := make([]string, 0, len(m.entries))
	for k := range m.entries {
		keys = append(keys, k)
	}
	m.mu.RUnlock()
	sort.Strings(keys)

	out := make([]T, 0, len(keys))
	for _, k := range keys {
		e, ok := m.entry(k)
		if !ok {
			continue
		}
		e.mu.Lock()
		if !e.deleted {
			out = append(out, e.value.Clone())
		}
		e.mu.Unlock()
	}
	return out, nil
}

// Len returns the number of stored keys.
func (m *Memory[T]) Len() int {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return len(m.entries)
}
