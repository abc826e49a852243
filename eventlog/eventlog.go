// Package eventlog records the engine's audit trail. Recording never
// fails the caller: a broken trail must not take down workflow execution,
// so append errors are logged and swallowed.
package eventlog

import (
	"context"
	"time"

	"goa.design/clue/log"

	"github.com/conduitflow/conduit/store/events"
)

const (
	// DefaultLimit caps queries that do not ask for a limit.
	DefaultLimit = 100
	// MaxLimit caps queries regardless of what they ask for.
	MaxLimit = 500
)

// Refs ties a log entry to the entities it concerns. Zero fields are
// omitted from the stored entry.
type Refs struct {
	UserID     string
	WorkflowID string
	RunID      string
}

// Log appends to and queries the event trail.
type Log struct {
	store events.Store
	now   func() time.Time
}

// New creates a Log on the given store.
func New(store events.Store) *Log {
	return &Log{store: store, now: time.Now}
}

// Record appends an entry. Failures are logged, never returned.
func (l *Log) Record(ctx context.Context, t events.Type, details map[string]any, refs Refs) {
	e := &events.Entry{
		Type:       t,
		Details:    details,
		UserID:     refs.UserID,
		WorkflowID: refs.WorkflowID,
		RunID:      refs.RunID,
		CreatedAt:  l.now().UTC(),
	}
	if err := l.store.Append(ctx, e); err != nil {
		log.Errorf(ctx, err, "append log entry %q", t)
	}
}

func clampLimit(limit int) int {
	if limit <= 0 {
		return DefaultLimit
	}
	if limit > MaxLimit {
		return MaxLimit
	}
	return limit
}

// ListByWorkflow returns entries for a workflow, newest first. A zero
// limit means DefaultLimit; limits above MaxLimit are clamped.
func (l *Log) ListByWorkflow(ctx context.Context, workflowID string, types []events.Type, limit int) ([]*events.Entry, error) {
	return l.store.ListByWorkflow(ctx, workflowID, events.Query{Types: types, Limit: clampLimit(limit)})
}

// ListByRun returns entries for a run, newest first, with the same limit
// rules as ListByWorkflow.
func (l *Log) ListByRun(ctx context.Context, runID string, types []events.Type, limit int) ([]*events.Entry, error) {
	return l.store.ListByRun(ctx, runID, events.Query{Types: types, Limit: clampLimit(limit)})
}
