package store

import (
	"context"
	"slices"
	"sync"
)

// MemStore keeps pass history in memory.
//
// It is safe for concurrent use. History is lost when the process exits.
type MemStore struct {
	mu     sync.RWMutex
	passes map[string][]Record // runID -> passes ordered by Pass
	closed bool
}

// NewMemStore creates an empty in-memory store.
func NewMemStore() *MemStore {
	return &MemStore{passes: make(map[string][]Record)}
}

// SavePass implements Store.
func (m *MemStore) SavePass(_ context.Context, rec Record) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.closed {
		return ErrClosed
	}

	rec.Nodes = slices.Clone(rec.Nodes)
	recs := m.passes[rec.RunID]
	i, found := slices.BinarySearchFunc(recs, rec.Pass, func(r Record, pass int) int {
		return r.Pass - pass
	})
	if found {
		recs[i] = rec
	} else {
		recs = slices.Insert(recs, i, rec)
	}
	m.passes[rec.RunID] = recs
	return nil
}

// LoadPasses implements Store.
func (m *MemStore) LoadPasses(_ context.Context, runID string) ([]Record, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	if m.closed {
		return nil, ErrClosed
	}

	recs := make([]Record, len(m.passes[runID]))
	for i, r := range m.passes[runID] {
		r.Nodes = slices.Clone(r.Nodes)
		recs[i] = r
	}
	return recs, nil
}

// LatestPass implements Store.
func (m *MemStore) LatestPass(_ context.Context, runID string) (Record, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	if m.closed {
		return Record{}, ErrClosed
	}

	recs := m.passes[runID]
	if len(recs) == 0 {
		return Record{}, ErrNotFound
	}
	r := recs[len(recs)-1]
	r.Nodes = slices.Clone(r.Nodes)
	return r, nil
}

// Close implements Store.
func (m *MemStore) Close() error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.closed = true
	return nil
}
