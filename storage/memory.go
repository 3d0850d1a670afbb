package storage

import (
	"sync"
)

var _ Store = (*MemoryStore)(nil)

// MemoryStore is an in-process Store. Values are copied in and out.
type MemoryStore struct {
	values map[string][]byte
	lock   sync.RWMutex
}

func NewMemoryStore() *MemoryStore {
	return &MemoryStore{
		values: make(map[string][]byte),
	}
}

func (ms *MemoryStore) Get(key string) ([]byte, error) {
	ms.lock.RLock()
	defer ms.lock.RUnlock()

	v, ok := ms.values[key]
	if !ok {
		return nil, ErrNotFound
	}
	return append([]byte(nil), v...), nil
}

func (ms *MemoryStore) Set(key string, value []byte) error {
	ms.lock.Lock()
	defer ms.lock.Unlock()
	ms.values[key] = append([]byte(nil), value...)
	return nil
}

func (ms *MemoryStore) Remove(key string) error {
	ms.lock.Lock()
	defer ms.lock.Unlock()
	delete(ms.values, key)
	return nil
}

// Keys returns the stored keys (test helper).
func (ms *MemoryStore) Keys() []string {
	ms.lock.RLock()
	defer ms.lock.RUnlock()
	keys := make([]string, 0, len(ms.values))
	for k := range ms.values {
		keys = append(keys, k)
	}
	return keys
}
