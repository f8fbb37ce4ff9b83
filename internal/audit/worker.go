package audit

import (
	"context"
	"log/slog"
)

// Worker consumes audit entries from a channel and persists them, for
// deployments that want audit writes off the request path. Unlike the
// synchronous Recorder path it keeps running through store failures: audit is
// best-effort by contract, so a bad entry is logged and dropped.
type Worker struct {
	store  Store
	inbox  <-chan Entry
	logger *slog.Logger
}

// NewWorker builds a Worker draining inbox into store.
func NewWorker(store Store, inbox <-chan Entry, logger *slog.Logger) *Worker {
	return &Worker{store: store, inbox: inbox, logger: logger}
}

// Run blocks until ctx is done, persisting entries as they arrive.
func (w *Worker) Run(ctx context.Context) error {
	for {
		select {
		case <-ctx.Done():
			return ctx.Err()
		case entry := <-w.inbox:
			if err := w.store.Append(ctx, entry); err != nil {
				w.logger.ErrorContext(ctx, "audit worker append failed",
					"workflow_id", entry.WorkflowID,
					"event_type", entry.EventType,
					"error", err,
				)
			}
		}
	}
}
