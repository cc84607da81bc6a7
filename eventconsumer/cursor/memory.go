package cursor

import (
	"sync"
)

type MemoryStore struct {
	store sync.Map
}

func (m *MemoryStore) Set(source string, cursor int64) {
	m.store.Store(source, cursor)
}

func (m *MemoryStore) Get(source string) (cursor int64) {
	if result, ok := m.store.Load(source); ok {
		if val, ok := result.(int64); ok {
			return val
		}
	}

	return 0
}
