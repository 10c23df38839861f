package queue

import (
	"sort"
	"sync"
)

// MemoryBackend keeps records in memory. Useful for tests and for agents
// started without a data directory.
type MemoryBackend struct {
	mu   sync.Mutex
	recs map[string]Record
}

func NewMemoryBackend() *MemoryBackend {
	return &MemoryBackend{recs: map[string]Record{}}
}

func (m *MemoryBackend) Load() ([]Record, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	out := make([]Record, 0, len(m.recs))
	for _, rec := range m.recs {
		out = append(out, rec)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].Seq < out[j].Seq })
	return out, nil
}

func (m *MemoryBackend) Put(rec Record) error {
	m.mu.Lock()
	m.recs[rec.ID] = rec
	m.mu.Unlock()
	return nil
}

func (m *MemoryBackend) Delete(id string) error {
	m.mu.Lock()
	delete(m.recs, id)
	m.mu.Unlock()
	return nil
}

func (m *MemoryBackend) Close() error { return nil }
