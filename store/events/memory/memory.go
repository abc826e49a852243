// Package memory provides an in-memory implementation of the event log
// store, suitable for development and testing.
package memory

import (
	"context"
	"sort"
	"strconv"
	"sync"
	"time"

	"github.com/conduitflow/conduit/store/events"
)

// Store is an in-memory implementation of events.Store.
// It is safe for concurrent use.
type Store struct {
	mu   sync.RWMutex
	rows []*events.Entry
	seq  int
}

var _ events.Store = (*Store)(nil)

// New creates a new in-memory store.
func New() *Store {
	return &Store{}
}

// Append inserts a new entry and assigns its ID.
func (s *Store) Append(ctx context.Context, e *events.Entry) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	s.seq++
	e.ID = strconv.Itoa(s.seq)
	if e.CreatedAt.IsZero() {
		e.CreatedAt = time.Now().UTC()
	}
	cp := *e
	s.rows = append(s.rows, &cp)
	return nil
}

func matchTypes(e *events.Entry, types []events.Type) bool {
	if len(types) == 0 {
		return true
	}
	for _, t := range types {
		if e.Type == t {
			return true
		}
	}
	return false
}

func (s *Store) list(pred func(*events.Entry) bool, q events.Query) []*events.Entry {
	var out []*events.Entry
	for _, e := range s.rows {
		if pred(e) && matchTypes(e, q.Types) {
			cp := *e
			out = append(out, &cp)
		}
	}
	sort.Slice(out, func(i, j int) bool { return out[i].CreatedAt.After(out[j].CreatedAt) })
	if q.Limit > 0 && len(out) > q.Limit {
		out = out[:q.Limit]
	}
	return out
}

// ListByWorkflow returns entries referencing the workflow, newest first.
func (s *Store) ListByWorkflow(ctx context.Context, workflowID string, q events.Query) ([]*events.Entry, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.list(func(e *events.Entry) bool { return e.WorkflowID == workflowID }, q), nil
}

// ListByRun returns entries referencing the run, newest first.
func (s *Store) ListByRun(ctx context.Context, runID string, q events.Query) ([]*events.Entry, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.list(func(e *events.Entry) bool { return e.RunID == runID && runID != "" }, q), nil
}

// DeleteOlderThan trims entries created before the cutoff.
func (s *Store) DeleteOlderThan(ctx context.Context, cutoff time.Time) (int64, error) {
	if err := ctx.Err(); err != nil {
		return 0, err
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	var kept []*events.Entry
	var n int64
	for _, e := range s.rows {
		if e.CreatedAt.Before(cutoff) {
			n++
			continue
		}
		kept = append(kept, e)
	}
	s.rows = kept
	return n, nil
}

// ClearRunRefs nullifies the run backreference for a deleted run.
func (s *Store) ClearRunRefs(ctx context.Context, runID string) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	for _, e := range s.rows {
		if e.RunID == runID {
			e.RunID = ""
		}
	}
	return nil
}

// DeleteForUser removes every entry owned by the user.
func (s *Store) DeleteForUser(ctx context.Context, userID string) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	var kept []*events.Entry
	for _, e := range s.rows {
		if e.UserID == userID {
			continue
		}
		kept = append(kept, e)
	}
	s.rows = kept
	return nil
}
