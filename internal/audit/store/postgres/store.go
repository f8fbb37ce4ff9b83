// Package postgres persists audit streams in a single append-only table.
// Uses database/sql over the pgx stdlib driver; callers open the pool and
// import the driver.
package postgres

import (
	"context"
	"database/sql"
	"fmt"

	"github.com/google/uuid"

	"countersign/internal/audit"
)

const schema = `
CREATE TABLE IF NOT EXISTS audit_entries (
	id          UUID PRIMARY KEY,
	seq         BIGSERIAL,
	workflow_id TEXT        NOT NULL,
	ts          TIMESTAMPTZ NOT NULL,
	actor       TEXT        NOT NULL,
	event_type  TEXT        NOT NULL,
	detail      TEXT        NOT NULL DEFAULT ''
);
CREATE INDEX IF NOT EXISTS audit_entries_workflow_seq ON audit_entries (workflow_id, seq);
`

// Store is the Postgres-backed audit store.
type Store struct {
	db *sql.DB
}

// New wraps an opened connection pool.
func New(db *sql.DB) *Store {
	return &Store{db: db}
}

// EnsureSchema creates the audit table if missing. Idempotent.
func (s *Store) EnsureSchema(ctx context.Context) error {
	if _, err := s.db.ExecContext(ctx, schema); err != nil {
		return fmt.Errorf("ensure audit schema: %w", err)
	}
	return nil
}

func (s *Store) Append(ctx context.Context, entry audit.Entry) error {
	_, err := s.db.ExecContext(ctx,
		`INSERT INTO audit_entries (id, workflow_id, ts, actor, event_type, detail)
		 VALUES ($1, $2, $3, $4, $5, $6)`,
		uuid.NewString(), entry.WorkflowID, entry.Timestamp, entry.Actor, entry.EventType, entry.Detail,
	)
	if err != nil {
		return fmt.Errorf("append audit entry: %w", err)
	}
	return nil
}

func (s *Store) ListByWorkflow(ctx context.Context, workflowID string) ([]audit.Entry, error) {
	rows, err := s.db.QueryContext(ctx,
		`SELECT workflow_id, ts, actor, event_type, detail
		 FROM audit_entries WHERE workflow_id = $1 ORDER BY seq`,
		workflowID,
	)
	if err != nil {
		return nil, fmt.Errorf("list audit entries: %w", err)
	}
	defer rows.Close()

	var entries []audit.Entry
	for rows.Next() {
		var e audit.Entry
		if err := rows.Scan(&e.WorkflowID, &e.Timestamp, &e.Actor, &e.EventType, &e.Detail); err != nil {
			return nil, fmt.Errorf("scan audit entry: %w", err)
		}
		entries = append(entries, e)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("iterate audit entries: %w", err)
	}
	return entries, nil
}
