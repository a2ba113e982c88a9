package memory

import (
	"context"
	"sync"
)

// Compile-time interface assertion.
var _ SummaryStore = (*MemStore)(nil)

// MemStore is an in-memory [SummaryStore]. It backs tests and deployments
// that run without a database; summaries do not survive a restart.
type MemStore struct {
	mu        sync.Mutex
	summaries []Summary
	nextID    int64
}

// NewMemStore creates an empty MemStore.
func NewMemStore() *MemStore {
	return &MemStore{nextID: 1}
}

// Insert implements [SummaryStore].
func (m *MemStore) Insert(_ context.Context, s Summary) (int64, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	s.ID = m.nextID
	m.nextID++
	m.summaries = append(m.summaries, s)
	return s.ID, nil
}

// LatestSince implements [SummaryStore].
func (m *MemStore) LatestSince(_ context.Context, cutoff int64) (*Summary, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	for i := len(m.summaries) - 1; i >= 0; i-- {
		if m.summaries[i].TS >= cutoff {
			cp := m.summaries[i]
			return &cp, nil
		}
	}
	return nil, nil
}

// Ping implements [SummaryStore]; a MemStore is always reachable.
func (m *MemStore) Ping(context.Context) error { return nil }

// Len returns the number of stored summaries.
func (m *MemStore) Len() int {
	m.mu.Lock()
	defer m.mu.Unlock()
	return len(m.summaries)
}
