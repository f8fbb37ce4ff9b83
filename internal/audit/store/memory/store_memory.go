package memory

import (
	"context"
	"sync"

	"countersign/internal/audit"
)

// Store keeps audit streams in memory, one append slice per workflow. Safe
// for concurrent appends across workflows.
type Store struct {
	mu      sync.RWMutex
	entries map[string][]audit.Entry
}

// New constructs an empty in-memory audit store.
func New() *Store {
	return &Store{entries: make(map[string][]audit.Entry)}
}

func (s *Store) Append(_ context.Context, entry audit.Entry) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.entries[entry.WorkflowID] = append(s.entries[entry.WorkflowID], entry)
	return nil
}

func (s *Store) ListByWorkflow(_ context.Context, workflowID string) ([]audit.Entry, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return append([]audit.Entry{}, s.entries[workflowID]...), nil
}
