// Package audit provides the append-only event log kept per workflow.
package audit

import (
	"context"
	"log/slog"
	"time"
)

// Store persists audit entries. Append-only; implementations must keep
// per-workflow insertion order.
type Store interface {
	Append(ctx context.Context, entry Entry) error
	ListByWorkflow(ctx context.Context, workflowID string) ([]Entry, error)
}

// Recorder is the audit facade used by the engine. Appends are best-effort
// relative to the core transition: a failed append is logged and swallowed so
// it can never roll back or block the state change it describes.
type Recorder struct {
	store  Store
	logger *slog.Logger
	now    func() time.Time
}

// NewRecorder builds a Recorder over the given store.
func NewRecorder(store Store, logger *slog.Logger) *Recorder {
	return &Recorder{store: store, logger: logger, now: time.Now}
}

// Record appends an entry, stamping the timestamp if unset. Failures are
// logged, never returned.
func (r *Recorder) Record(ctx context.Context, entry Entry) {
	if entry.Timestamp.IsZero() {
		entry.Timestamp = r.now()
	}
	if entry.Actor == "" {
		entry.Actor = ActorSystem
	}
	if err := r.store.Append(ctx, entry); err != nil {
		r.logger.ErrorContext(ctx, "audit append failed",
			"workflow_id", entry.WorkflowID,
			"event_type", entry.EventType,
			"error", err,
		)
	}
}

// Query returns a forward-only cursor over a workflow's entries in insertion
// order. Each call re-reads the store, so a cursor is restartable by querying
// again.
func (r *Recorder) Query(ctx context.Context, workflowID string) (*Cursor, error) {
	entries, err := r.store.ListByWorkflow(ctx, workflowID)
	if err != nil {
		return nil, err
	}
	return &Cursor{entries: entries}, nil
}

// Cursor iterates audit entries forward-only.
type Cursor struct {
	entries []Entry
	pos     int
}

// Next returns the next entry, or false when exhausted.
func (c *Cursor) Next() (Entry, bool) {
	if c.pos >= len(c.entries) {
		return Entry{}, false
	}
	e := c.entries[c.pos]
	c.pos++
	return e, true
}
