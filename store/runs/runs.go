// Package runs defines the persistence interface for workflow runs: one row
// per execution attempt of a workflow against a triggering event.
package runs

import (
	"context"
	"errors"
	"time"

	"github.com/conduitflow/conduit/workflow"
)

// ErrNotFound is returned when a run does not exist.
var ErrNotFound = errors.New("run not found")

// Status is the lifecycle state of a run. A run is mutated only by the
// executor that owns it and becomes immutable once it leaves StatusRunning.
type Status string

const (
	StatusRunning Status = "running"
	StatusSuccess Status = "success"
	StatusFailed  Status = "failed"
)

// Run records one execution of a workflow for a specific triggering event.
type Run struct {
	ID           string
	WorkflowID   string
	UserID       string
	Status       Status
	TriggerData  map[string]any
	ExecutionLog []workflow.StepResult
	RetryCount   int
	Error        string
	StartedAt    time.Time
	FinishedAt   time.Time
}

// Store defines the persistence layer for runs.
// Implementations must be safe for concurrent use.
type Store interface {
	// Create inserts a new run row.
	Create(ctx context.Context, r *Run) error

	// Update replaces the stored run. Returns ErrNotFound when absent.
	Update(ctx context.Context, r *Run) error

	// Load retrieves a run by id.
	Load(ctx context.Context, id string) (*Run, error)

	// ListByWorkflow returns runs for a workflow, newest first, capped at
	// limit (<=0 means no cap).
	ListByWorkflow(ctx context.Context, workflowID string, limit int) ([]*Run, error)

	// DeleteForWorkflow removes every run of a workflow.
	DeleteForWorkflow(ctx context.Context, workflowID string) error

	// DeleteForUser removes every run owned by the user.
	DeleteForUser(ctx context.Context, userID string) error
}
