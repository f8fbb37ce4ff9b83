package audit

import (
	"context"
	"fmt"
)

// Queue is a Store adapter that decouples appends from the backing store:
// Append enqueues without blocking and a Worker drains the inbox into the
// real store. Reads pass through so cursors observe persisted entries only.
type Queue struct {
	inbox chan Entry
	store Store
}

// NewQueue wraps store with a bounded append queue.
func NewQueue(store Store, size int) *Queue {
	return &Queue{
		inbox: make(chan Entry, size),
		store: store,
	}
}

// Append enqueues the entry. A full queue is reported as an error so the
// Recorder logs the drop rather than stalling a transition.
func (q *Queue) Append(_ context.Context, entry Entry) error {
	select {
	case q.inbox <- entry:
		return nil
	default:
		return fmt.Errorf("audit queue full, dropping %s for workflow %s", entry.EventType, entry.WorkflowID)
	}
}

// ListByWorkflow reads through to the backing store.
func (q *Queue) ListByWorkflow(ctx context.Context, workflowID string) ([]Entry, error) {
	return q.store.ListByWorkflow(ctx, workflowID)
}

// Inbox exposes the channel a Worker drains.
func (q *Queue) Inbox() <-chan Entry {
	return q.inbox
}
