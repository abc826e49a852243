// Package events defines the append-only event log: timestamped lifecycle
// records queryable by workflow or run. Entries are never updated; only the
// reaper deletes them.
package events

import (
	"context"
	"time"
)

// Type enumerates the closed set of lifecycle event types.
type Type string

const (
	WorkflowCreated            Type = "workflow_created"
	WorkflowActivated          Type = "workflow_activated"
	WorkflowDeactivated        Type = "workflow_deactivated"
	WorkflowExecutionStarted   Type = "workflow_execution_started"
	WorkflowExecutionCompleted Type = "workflow_execution_completed"
	WorkflowExecutionFailed    Type = "workflow_execution_failed"
	TriggerChecked             Type = "trigger_checked"
	TriggerFired               Type = "trigger_fired"
	ActionStarted              Type = "action_started"
	ActionCompleted            Type = "action_completed"
	ActionFailed               Type = "action_failed"
	TokenRefreshed             Type = "token_refreshed"
)

// Entry is one append-only log row. User, workflow and run references are
// weak: deleting a run nullifies RunID on its entries, the entries survive.
type Entry struct {
	ID         string
	Type       Type
	Details    map[string]any
	UserID     string
	WorkflowID string
	RunID      string
	CreatedAt  time.Time
}

// Query narrows a log listing. Limit defaults to 100 and is capped at 500
// by the eventlog service before it reaches the store.
type Query struct {
	Types []Type
	Limit int
}

// Store defines the persistence layer for log entries.
// Implementations must be safe for concurrent use.
type Store interface {
	// Append inserts a new entry and assigns its ID.
	Append(ctx context.Context, e *Entry) error

	// ListByWorkflow returns entries referencing the workflow, newest
	// first, filtered and capped by q.
	ListByWorkflow(ctx context.Context, workflowID string, q Query) ([]*Entry, error)

	// ListByRun returns entries referencing the run, newest first,
	// filtered and capped by q.
	ListByRun(ctx context.Context, runID string, q Query) ([]*Entry, error)

	// DeleteOlderThan trims entries created before the cutoff, returning
	// the number removed.
	DeleteOlderThan(ctx context.Context, cutoff time.Time) (int64, error)

	// ClearRunRefs nullifies the run backreference on entries for a
	// deleted run. The entries themselves are kept.
	ClearRunRefs(ctx context.Context, runID string) error

	// DeleteForUser removes every entry owned by the user.
	DeleteForUser(ctx context.Context, userID string) error
}
