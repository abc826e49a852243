// Package memory provides an in-memory implementation of the workflows
// store, suitable for development and testing.
package memory

import (
	"context"
	"sync"
	"time"

	"github.com/conduitflow/conduit/store/workflows"
	"github.com/conduitflow/conduit/workflow"
)

// Store is an in-memory implementation of workflows.Store.
// It is safe for concurrent use.
type Store struct {
	mu  sync.RWMutex
	wfs map[string]*workflow.Workflow
}

var _ workflows.Store = (*Store)(nil)

// New creates a new in-memory store.
func New() *Store {
	return &Store{wfs: make(map[string]*workflow.Workflow)}
}

func clone(w *workflow.Workflow) *workflow.Workflow {
	cp := *w
	cp.Steps = append([]workflow.Step(nil), w.Steps...)
	return &cp
}

func (s *Store) nameTakenLocked(userID, name, excludeID string) bool {
	for _, w := range s.wfs {
		if w.UserID == userID && w.Name == name && w.ID != excludeID {
			return true
		}
	}
	return false
}

// Create inserts a new workflow.
func (s *Store) Create(ctx context.Context, w *workflow.Workflow) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.nameTakenLocked(w.UserID, w.Name, w.ID) {
		return workflows.ErrNameTaken
	}
	s.wfs[w.ID] = clone(w)
	return nil
}

// Update replaces the stored workflow.
func (s *Store) Update(ctx context.Context, w *workflow.Workflow) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	if _, ok := s.wfs[w.ID]; !ok {
		return workflows.ErrNotFound
	}
	if s.nameTakenLocked(w.UserID, w.Name, w.ID) {
		return workflows.ErrNameTaken
	}
	s.wfs[w.ID] = clone(w)
	return nil
}

// Load retrieves a workflow by id.
func (s *Store) Load(ctx context.Context, id string) (*workflow.Workflow, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	s.mu.RLock()
	defer s.mu.RUnlock()
	w, ok := s.wfs[id]
	if !ok {
		return nil, workflows.ErrNotFound
	}
	return clone(w), nil
}

// LoadForUser retrieves a workflow by id scoped to an owner.
func (s *Store) LoadForUser(ctx context.Context, id, userID string) (*workflow.Workflow, error) {
	w, err := s.Load(ctx, id)
	if err != nil {
		return nil, err
	}
	if w.UserID != userID {
		return nil, workflows.ErrNotFound
	}
	return w, nil
}

// ListByUser returns all workflows owned by the user.
func (s *Store) ListByUser(ctx context.Context, userID string) ([]*workflow.Workflow, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	s.mu.RLock()
	defer s.mu.RUnlock()
	var out []*workflow.Workflow
	for _, w := range s.wfs {
		if w.UserID == userID {
			out = append(out, clone(w))
		}
	}
	return out, nil
}

// ListActive returns all active workflows across users.
func (s *Store) ListActive(ctx context.Context) ([]*workflow.Workflow, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	s.mu.RLock()
	defer s.mu.RUnlock()
	var out []*workflow.Workflow
	for _, w := range s.wfs {
		if w.Active {
			out = append(out, clone(w))
		}
	}
	return out, nil
}

// SetActive flips the active flag with a targeted field write.
func (s *Store) SetActive(ctx context.Context, id string, active bool) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	w, ok := s.wfs[id]
	if !ok {
		return workflows.ErrNotFound
	}
	w.Active = active
	w.UpdatedAt = time.Now().UTC()
	return nil
}

// SetLastRunAt advances the poll clock with a targeted field write.
func (s *Store) SetLastRunAt(ctx context.Context, id string, t time.Time) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	w, ok := s.wfs[id]
	if !ok {
		return workflows.ErrNotFound
	}
	w.LastRunAt = t
	return nil
}

// Delete removes a workflow by id.
func (s *Store) Delete(ctx context.Context, id string) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	if _, ok := s.wfs[id]; !ok {
		return workflows.ErrNotFound
	}
	delete(s.wfs, id)
	return nil
}

// DeleteForUser removes every workflow owned by the user.
func (s *Store) DeleteForUser(ctx context.Context, userID string) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	for id, w := range s.wfs {
		if w.UserID == userID {
			delete(s.wfs, id)
		}
	}
	return nil
}
