// Package memory provides an in-memory implementation of the runs store,
// suitable for development and testing.
package memory

import (
	"context"
	"sort"
	"sync"

	"github.com/conduitflow/conduit/store/runs"
	"github.com/conduitflow/conduit/workflow"
)

// Store is an in-memory implementation of runs.Store.
// It is safe for concurrent use.
type Store struct {
	mu   sync.RWMutex
	rows map[string]*runs.Run
}

var _ runs.Store = (*Store)(nil)

// New creates a new in-memory store.
func New() *Store {
	return &Store{rows: make(map[string]*runs.Run)}
}

func clone(r *runs.Run) *runs.Run {
	cp := *r
	cp.ExecutionLog = append([]workflow.StepResult(nil), r.ExecutionLog...)
	return &cp
}

// Create inserts a new run row.
func (s *Store) Create(ctx context.Context, r *runs.Run) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	s.rows[r.ID] = clone(r)
	return nil
}

// Update replaces the stored run.
func (s *Store) Update(ctx context.Context, r *runs.Run) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	if _, ok := s.rows[r.ID]; !ok {
		return runs.ErrNotFound
	}
	s.rows[r.ID] = clone(r)
	return nil
}

// Load retrieves a run by id.
func (s *Store) Load(ctx context.Context, id string) (*runs.Run, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	s.mu.RLock()
	defer s.mu.RUnlock()
	r, ok := s.rows[id]
	if !ok {
		return nil, runs.ErrNotFound
	}
	return clone(r), nil
}

// ListByWorkflow returns runs for a workflow, newest first.
func (s *Store) ListByWorkflow(ctx context.Context, workflowID string, limit int) ([]*runs.Run, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	s.mu.RLock()
	defer s.mu.RUnlock()
	var out []*runs.Run
	for _, r := range s.rows {
		if r.WorkflowID == workflowID {
			out = append(out, clone(r))
		}
	}
	sort.Slice(out, func(i, j int) bool { return out[i].StartedAt.After(out[j].StartedAt) })
	if limit > 0 && len(out) > limit {
		out = out[:limit]
	}
	return out, nil
}

// DeleteForWorkflow removes every run of a workflow.
func (s *Store) DeleteForWorkflow(ctx context.Context, workflowID string) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	for id, r := range s.rows {
		if r.WorkflowID == workflowID {
			delete(s.rows, id)
		}
	}
	return nil
}

// DeleteForUser removes every run owned by the user.
func (s *Store) DeleteForUser(ctx context.Context, userID string) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	for id, r := range s.rows {
		if r.UserID == userID {
			delete(s.rows, id)
		}
	}
	return nil
}
