// Package processed defines the dedup store: the persistent set of external
// event ids already executed per (workflow, trigger type). The UNIQUE index
// on (workflow_id, trigger_type, external_id) makes Record idempotent, which
// is what makes at-least-once job delivery safe.
package processed

import (
	"context"
	"time"
)

// Entry marks one external event as processed for a workflow.
type Entry struct {
	WorkflowID  string
	TriggerType string
	ExternalID  string
	Metadata    map[string]any
	ProcessedAt time.Time
}

// Store defines the persistence layer for processed-trigger rows.
// Implementations must be safe for concurrent use.
type Store interface {
	// Record inserts the entry. A duplicate (workflow, trigger type,
	// external id) insert is silently ignored: racing pollers and job
	// retries both land here.
	Record(ctx context.Context, e Entry) error

	// Seen reports whether the external id was already processed.
	Seen(ctx context.Context, workflowID, triggerType, externalID string) (bool, error)

	// ListIDs returns every external id ever processed for the
	// (workflow, trigger type) pair. The scheduler filters detector
	// output against this set.
	ListIDs(ctx context.Context, workflowID, triggerType string) ([]string, error)

	// DeleteOlderThan trims entries processed before the cutoff,
	// returning the number removed.
	DeleteOlderThan(ctx context.Context, cutoff time.Time) (int64, error)

	// DeleteForWorkflow removes every entry of a workflow.
	DeleteForWorkflow(ctx context.Context, workflowID string) error

	// DeleteForUser removes every entry owned by the user's workflows.
	// Implementations receive the workflow ids because entries do not
	// reference users directly.
	DeleteForWorkflows(ctx context.Context, workflowIDs []string) error
}
