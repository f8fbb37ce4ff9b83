package memory

import (
	"context"
	"fmt"
	"sync"

	"countersign/internal/workflow"
	"countersign/pkg/platform/sentinel"
)

// Store keeps workflow aggregates in memory for tests and single-instance
// deployments. Aggregates are deep-copied on both reads and writes so callers
// can never mutate stored state outside a Save.
type Store struct {
	mu        sync.RWMutex
	workflows map[string]*workflow.Workflow
}

// New constructs an empty in-memory workflow store.
func New() *Store {
	return &Store{workflows: make(map[string]*workflow.Workflow)}
}

func (s *Store) Create(_ context.Context, w *workflow.Workflow) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if _, ok := s.workflows[w.ID]; ok {
		return fmt.Errorf("workflow %s already exists: %w", w.ID, sentinel.ErrConflict)
	}
	w.Version = 1
	s.workflows[w.ID] = w.Clone()
	return nil
}

func (s *Store) Load(_ context.Context, id string) (*workflow.Workflow, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	if w, ok := s.workflows[id]; ok {
		return w.Clone(), nil
	}
	return nil, fmt.Errorf("workflow %s: %w", id, sentinel.ErrNotFound)
}

// Save applies an optimistic version check: the write only lands if the
// stored stamp still equals expectedVersion. Two racing transitions on the
// same aggregate therefore resolve to one winner and one ErrConflict.
func (s *Store) Save(_ context.Context, w *workflow.Workflow, expectedVersion int) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	stored, ok := s.workflows[w.ID]
	if !ok {
		return fmt.Errorf("workflow %s: %w", w.ID, sentinel.ErrNotFound)
	}
	if stored.Version != expectedVersion {
		return fmt.Errorf("workflow %s at version %d, expected %d: %w",
			w.ID, stored.Version, expectedVersion, sentinel.ErrConflict)
	}
	cp := w.Clone()
	cp.Version = expectedVersion + 1
	s.workflows[w.ID] = cp
	w.Version = cp.Version
	return nil
}
