// Package progress persists the per-workflow progress cursor: the last
// checkpoint sequence number a worker has durably processed.
package progress

import (
	"context"
	"sync"
)

// Store maps a workflow name to its last committed checkpoint.
//
// Get reports false when the workflow has never saved progress. Save must be
// crash safe and must never move a cursor backwards.
type Store interface {
	Get(ctx context.Context, workflow string) (uint64, bool, error)
	Save(ctx context.Context, workflow string, seq uint64) error
}

// MemoryStore keeps progress in process memory.
type MemoryStore struct {
	mu      sync.Mutex
	records map[string]uint64
	saves   int
}

func NewMemoryStore() *MemoryStore {
	return &MemoryStore{records: make(map[string]uint64)}
}

func (m *MemoryStore) Get(ctx context.Context, workflow string) (uint64, bool, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	seq, ok := m.records[workflow]
	return seq, ok, nil
}

func (m *MemoryStore) Save(ctx context.Context, workflow string, seq uint64) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.saves++
	if cur, ok := m.records[workflow]; ok && cur >= seq {
		return nil
	}
	m.records[workflow] = seq
	return nil
}

// Saves returns the number of Save calls.
func (m *MemoryStore) Saves() int {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.saves
}

// Snapshot returns a copy of all records.
func (m *MemoryStore) Snapshot() map[string]uint64 {
	m.mu.Lock()
	defer m.mu.Unlock()
	out := make(map[string]uint64, len(m.records))
	for k, v := range m.records {
		out[k] = v
	}
	return out
}
