package store

import (
	"context"
	"sync"
)

// MemoryStore is a process-local Store.
type MemoryStore struct {
	mu       sync.RWMutex
	data     map[string][]byte
	watchers watchers

	failSet error
}

// NewMemoryStore builds an empty in-memory store.
func NewMemoryStore() *MemoryStore {
	return &MemoryStore{data: make(map[string][]byte)}
}

// FailWrites makes every subsequent Set return err. Passing nil restores normal writes.
func (s *MemoryStore) FailWrites(err error) {
	s.mu.Lock()
	s.failSet = err
	s.mu.Unlock()
}

func (s *MemoryStore) Get(_ context.Context, keys ...string) (map[string][]byte, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	out := make(map[string][]byte, len(keys))
	if len(keys) == 0 {
		for k, v := range s.data {
			out[k] = cloneBytes(v)
		}
		return out, nil
	}
	for _, k := range keys {
		if v, ok := s.data[k]; ok {
			out[k] = cloneBytes(v)
		}
	}
	return out, nil
}

func (s *MemoryStore) Set(_ context.Context, values map[string][]byte) error {
	s.mu.Lock()
	if s.failSet != nil {
		err := s.failSet
		s.mu.Unlock()
		return wrapFailure(err, "set", sortedKeys(values)...)
	}
	changes := make([]Change, 0, len(values))
	for _, k := range sortedKeys(values) {
		v := cloneBytes(values[k])
		s.data[k] = v
		changes = append(changes, Change{Key: k, Value: cloneBytes(v)})
	}
	s.mu.Unlock()
	s.watchers.notify(changes...)
	return nil
}

func (s *MemoryStore) Remove(_ context.Context, keys ...string) error {
	s.mu.Lock()
	changes := make([]Change, 0, len(keys))
	for _, k := range keys {
		if _, ok := s.data[k]; ok {
			delete(s.data, k)
			changes = append(changes, Change{Key: k, Removed: true})
		}
	}
	s.mu.Unlock()
	s.watchers.notify(changes...)
	return nil
}

func (s *MemoryStore) Clear(ctx context.Context) error {
	s.mu.RLock()
	keys := sortedKeys(s.data)
	s.mu.RUnlock()
	return s.Remove(ctx, keys...)
}

func (s *MemoryStore) Watch(fn Listener) func() {
	return s.watchers.add(fn)
}
