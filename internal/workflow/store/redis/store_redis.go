package redis

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"

	"github.com/redis/go-redis/v9"

	"countersign/internal/workflow"
	"countersign/pkg/platform/sentinel"
)

const workflowKeyPrefix = "csn:wf:"

// Store is a Redis-backed workflow store for deployments where multiple
// instances share state. Optimistic concurrency is implemented with
// WATCH/MULTI: the version embedded in the JSON record is checked inside the
// transaction, and any interleaved write aborts the MULTI.
type Store struct {
	client *redis.Client
}

// New constructs a Redis-backed workflow store.
func New(client *redis.Client) *Store {
	return &Store{client: client}
}

func key(id string) string {
	return workflowKeyPrefix + id
}

func (s *Store) Create(ctx context.Context, w *workflow.Workflow) error {
	w.Version = 1
	payload, err := json.Marshal(w)
	if err != nil {
		return fmt.Errorf("marshal workflow: %w", err)
	}
	ok, err := s.client.SetNX(ctx, key(w.ID), payload, 0).Result()
	if err != nil {
		return fmt.Errorf("create workflow %s: %w", w.ID, err)
	}
	if !ok {
		return fmt.Errorf("workflow %s already exists: %w", w.ID, sentinel.ErrConflict)
	}
	return nil
}

func (s *Store) Load(ctx context.Context, id string) (*workflow.Workflow, error) {
	payload, err := s.client.Get(ctx, key(id)).Bytes()
	if errors.Is(err, redis.Nil) {
		return nil, fmt.Errorf("workflow %s: %w", id, sentinel.ErrNotFound)
	}
	if err != nil {
		return nil, fmt.Errorf("load workflow %s: %w", id, err)
	}
	var w workflow.Workflow
	if err := json.Unmarshal(payload, &w); err != nil {
		return nil, fmt.Errorf("unmarshal workflow %s: %w", id, err)
	}
	return &w, nil
}

func (s *Store) Save(ctx context.Context, w *workflow.Workflow, expectedVersion int) error {
	k := key(w.ID)
	err := s.client.Watch(ctx, func(tx *redis.Tx) error {
		payload, err := tx.Get(ctx, k).Bytes()
		if errors.Is(err, redis.Nil) {
			return fmt.Errorf("workflow %s: %w", w.ID, sentinel.ErrNotFound)
		}
		if err != nil {
			return fmt.Errorf("load workflow %s: %w", w.ID, err)
		}
		var stored workflow.Workflow
		if err := json.Unmarshal(payload, &stored); err != nil {
			return fmt.Errorf("unmarshal workflow %s: %w", w.ID, err)
		}
		if stored.Version != expectedVersion {
			return fmt.Errorf("workflow %s at version %d, expected %d: %w",
				w.ID, stored.Version, expectedVersion, sentinel.ErrConflict)
		}

		next := w.Clone()
		next.Version = expectedVersion + 1
		out, err := json.Marshal(next)
		if err != nil {
			return fmt.Errorf("marshal workflow: %w", err)
		}
		_, err = tx.TxPipelined(ctx, func(pipe redis.Pipeliner) error {
			pipe.Set(ctx, k, out, 0)
			return nil
		})
		if err == nil {
			w.Version = next.Version
		}
		return err
	}, k)

	// A write that slips in between WATCH and EXEC aborts the transaction;
	// surface it as the same conflict the version check produces.
	if errors.Is(err, redis.TxFailedErr) {
		return fmt.Errorf("workflow %s concurrently modified: %w", w.ID, sentinel.ErrConflict)
	}
	return err
}
