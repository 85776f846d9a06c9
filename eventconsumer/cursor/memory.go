package cursor

import "sync"

type MemoryStore struct {
	mu      sync.Mutex
	cursors map[string]int64
}

func (m *MemoryStore) Set(source string, cursor int64) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.cursors == nil {
		m.cursors = make(map[string]int64)
	}
	m.cursors[source] = cursor
}

func (m *MemoryStore) Get(source string) int64 {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.cursors[source]
}
