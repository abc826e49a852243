// Package memory provides an in-memory implementation of the dedup store,
// suitable for development and testing. It mirrors the UNIQUE-index
// semantics of the Mongo implementation: duplicate Record calls are no-ops.
package memory

import (
	"context"
	"sync"
	"time"

	"github.com/conduitflow/conduit/store/processed"
)

// Store is an in-memory implementation of processed.Store.
// It is safe for concurrent use.
type Store struct {
	mu   sync.RWMutex
	rows map[string]processed.Entry
}

var _ processed.Store = (*Store)(nil)

// New creates a new in-memory store.
func New() *Store {
	return &Store{rows: make(map[string]processed.Entry)}
}

func key(workflowID, triggerType, externalID string) string {
	return workflowID + "\x00" + triggerType + "\x00" + externalID
}

// Record inserts the entry; duplicates are silently ignored.
func (s *Store) Record(ctx context.Context, e processed.Entry) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	k := key(e.WorkflowID, e.TriggerType, e.ExternalID)
	if _, ok := s.rows[k]; ok {
		return nil
	}
	if e.ProcessedAt.IsZero() {
		e.ProcessedAt = time.Now().UTC()
	}
	s.rows[k] = e
	return nil
}

// Seen reports whether the external id was already processed.
func (s *Store) Seen(ctx context.Context, workflowID, triggerType, externalID string) (bool, error) {
	if err := ctx.Err(); err != nil {
		return false, err
	}
	s.mu.RLock()
	defer s.mu.RUnlock()
	_, ok := s.rows[key(workflowID, triggerType, externalID)]
	return ok, nil
}

// ListIDs returns every external id processed for the pair.
func (s *Store) ListIDs(ctx context.Context, workflowID, triggerType string) ([]string, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	s.mu.RLock()
	defer s.mu.RUnlock()
	var out []string
	for _, e := range s.rows {
		if e.WorkflowID == workflowID && e.TriggerType == triggerType {
			out = append(out, e.ExternalID)
		}
	}
	return out, nil
}

// DeleteOlderThan trims entries processed before the cutoff.
func (s *Store) DeleteOlderThan(ctx context.Context, cutoff time.Time) (int64, error) {
	if err := ctx.Err(); err != nil {
		return 0, err
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	var n int64
	for k, e := range s.rows {
		if e.ProcessedAt.Before(cutoff) {
			delete(s.rows, k)
			n++
		}
	}
	return n, nil
}

// DeleteForWorkflow removes every entry of a workflow.
func (s *Store) DeleteForWorkflow(ctx context.Context, workflowID string) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	for k, e := range s.rows {
		if e.WorkflowID == workflowID {
			delete(s.rows, k)
		}
	}
	return nil
}

// DeleteForWorkflows removes entries for each listed workflow.
func (s *Store) DeleteForWorkflows(ctx context.Context, workflowIDs []string) error {
	for _, id := range workflowIDs {
		if err := s.DeleteForWorkflow(ctx, id); err != nil {
			return err
		}
	}
	return nil
}
