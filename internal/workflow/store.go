package workflow

import "context"

// Store persists workflow aggregates with atomic visibility: readers never
// observe a partially written aggregate. Save compares expectedVersion
// against the stored stamp and returns ErrConflict on a stale write, which is
// how concurrent transitions against one workflow are serialized.
//
// Error contract, following the store boundary convention:
// - sentinel.ErrNotFound when the workflow does not exist
// - sentinel.ErrConflict when the version check fails
// - wrapped infrastructure errors otherwise
type Store interface {
	Create(ctx context.Context, w *Workflow) error
	Load(ctx context.Context, id string) (*Workflow, error)
	Save(ctx context.Context, w *Workflow, expectedVersion int) error
}
