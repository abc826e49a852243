// Package workflows defines the persistence interface for workflow graphs.
package workflows

import (
	"context"
	"errors"
	"time"

	"github.com/conduitflow/conduit/workflow"
)

var (
	// ErrNotFound is returned when a workflow does not exist (or is not
	// owned by the requesting user).
	ErrNotFound = errors.New("workflow not found")

	// ErrNameTaken is returned when saving a workflow whose name collides
	// with another workflow of the same user.
	ErrNameTaken = errors.New("workflow name already in use")
)

// Store defines the persistence layer for workflows.
// Implementations must be safe for concurrent use.
type Store interface {
	// Create inserts a new workflow. Returns ErrNameTaken when the
	// (user, name) pair already exists.
	Create(ctx context.Context, w *workflow.Workflow) error

	// Update replaces the stored workflow. Returns ErrNotFound when
	// absent and ErrNameTaken on a rename collision.
	Update(ctx context.Context, w *workflow.Workflow) error

	// Load retrieves a workflow by id.
	Load(ctx context.Context, id string) (*workflow.Workflow, error)

	// LoadForUser retrieves a workflow by id scoped to an owner. Returns
	// ErrNotFound when the workflow exists but belongs to someone else.
	LoadForUser(ctx context.Context, id, userID string) (*workflow.Workflow, error)

	// ListByUser returns all workflows owned by the user.
	ListByUser(ctx context.Context, userID string) ([]*workflow.Workflow, error)

	// ListActive returns all active workflows across users. The scheduler
	// sweep iterates this set.
	ListActive(ctx context.Context) ([]*workflow.Workflow, error)

	// SetActive flips the active flag with a targeted field write.
	SetActive(ctx context.Context, id string, active bool) error

	// SetLastRunAt advances the poll clock with a targeted field write so
	// the rest of the workflow row is never inadvertently cleared.
	SetLastRunAt(ctx context.Context, id string, t time.Time) error

	// Delete removes a workflow by id.
	Delete(ctx context.Context, id string) error

	// DeleteForUser removes every workflow owned by the user.
	DeleteForUser(ctx context.Context, userID string) error
}
