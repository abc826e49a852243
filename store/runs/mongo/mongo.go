// Package mongo provides a MongoDB implementation of the runs store.
package mongo

import (
	"context"
	"errors"
	"fmt"
	"time"

	"go.mongodb.org/mongo-driver/bson"
	mongodriver "go.mongodb.org/mongo-driver/mongo"
	"go.mongodb.org/mongo-driver/mongo/options"
	"go.mongodb.org/mongo-driver/mongo/readpref"

	"goa.design/clue/health"

	"github.com/conduitflow/conduit/store/runs"
	"github.com/conduitflow/conduit/workflow"
)

// Store is a MongoDB implementation of runs.Store.
type Store struct {
	coll *mongodriver.Collection
}

var (
	_ runs.Store    = (*Store)(nil)
	_ health.Pinger = (*Store)(nil)
)

const initTimeout = 5 * time.Second

type runDocument struct {
	ID           string                `bson:"_id"`
	WorkflowID   string                `bson:"workflow_id"`
	UserID       string                `bson:"user_id"`
	Status       string                `bson:"status"`
	TriggerData  map[string]any        `bson:"trigger_data,omitempty"`
	ExecutionLog []workflow.StepResult `bson:"execution_log,omitempty"`
	RetryCount   int                   `bson:"retry_count"`
	Error        string                `bson:"error,omitempty"`
	StartedAt    time.Time             `bson:"started_at"`
	FinishedAt   *time.Time            `bson:"finished_at,omitempty"`
}

// New creates a MongoDB runs store on the provided collection.
func New(coll *mongodriver.Collection) (*Store, error) {
	if coll == nil {
		return nil, errors.New("collection is required")
	}
	ctx, cancel := context.WithTimeout(context.Background(), initTimeout)
	defer cancel()
	indexes := []mongodriver.IndexModel{
		{Keys: bson.D{{Key: "workflow_id", Value: 1}, {Key: "started_at", Value: -1}}},
		{Keys: bson.D{{Key: "user_id", Value: 1}}},
	}
	if _, err := coll.Indexes().CreateMany(ctx, indexes); err != nil {
		return nil, fmt.Errorf("mongodb runs indexes: %w", err)
	}
	return &Store{coll: coll}, nil
}

// Name implements health.Pinger.
func (s *Store) Name() string { return "runs-mongo" }

// Ping implements health.Pinger.
func (s *Store) Ping(ctx context.Context) error {
	return s.coll.Database().Client().Ping(ctx, readpref.Primary())
}

func toDocument(r *runs.Run) runDocument {
	doc := runDocument{
		ID:           r.ID,
		WorkflowID:   r.WorkflowID,
		UserID:       r.UserID,
		Status:       string(r.Status),
		TriggerData:  r.TriggerData,
		ExecutionLog: r.ExecutionLog,
		RetryCount:   r.RetryCount,
		Error:        r.Error,
		StartedAt:    r.StartedAt.UTC(),
	}
	if !r.FinishedAt.IsZero() {
		t := r.FinishedAt.UTC()
		doc.FinishedAt = &t
	}
	return doc
}

func fromDocument(doc *runDocument) *runs.Run {
	r := &runs.Run{
		ID:           doc.ID,
		WorkflowID:   doc.WorkflowID,
		UserID:       doc.UserID,
		Status:       runs.Status(doc.Status),
		TriggerData:  doc.TriggerData,
		ExecutionLog: doc.ExecutionLog,
		RetryCount:   doc.RetryCount,
		Error:        doc.Error,
		StartedAt:    doc.StartedAt,
	}
	if doc.FinishedAt != nil {
		r.FinishedAt = *doc.FinishedAt
	}
	return r
}

// Create inserts a new run row.
func (s *Store) Create(ctx context.Context, r *runs.Run) error {
	if _, err := s.coll.InsertOne(ctx, toDocument(r)); err != nil {
		return fmt.Errorf("mongodb create run %q: %w", r.ID, err)
	}
	return nil
}

// Update replaces the stored run.
func (s *Store) Update(ctx context.Context, r *runs.Run) error {
	res, err := s.coll.ReplaceOne(ctx, bson.M{"_id": r.ID}, toDocument(r))
	if err != nil {
		return fmt.Errorf("mongodb update run %q: %w", r.ID, err)
	}
	if res.MatchedCount == 0 {
		return runs.ErrNotFound
	}
	return nil
}

// Load retrieves a run by id.
func (s *Store) Load(ctx context.Context, id string) (*runs.Run, error) {
	var doc runDocument
	if err := s.coll.FindOne(ctx, bson.M{"_id": id}).Decode(&doc); err != nil {
		if errors.Is(err, mongodriver.ErrNoDocuments) {
			return nil, runs.ErrNotFound
		}
		return nil, fmt.Errorf("mongodb load run %q: %w", id, err)
	}
	return fromDocument(&doc), nil
}

// ListByWorkflow returns runs for a workflow, newest first.
func (s *Store) ListByWorkflow(ctx context.Context, workflowID string, limit int) ([]*runs.Run, error) {
	opts := options.Find().SetSort(bson.D{{Key: "started_at", Value: -1}})
	if limit > 0 {
		opts = opts.SetLimit(int64(limit))
	}
	cursor, err := s.coll.Find(ctx, bson.M{"workflow_id": workflowID}, opts)
	if err != nil {
		return nil, fmt.Errorf("mongodb list runs for workflow %q: %w", workflowID, err)
	}
	defer func() { _ = cursor.Close(ctx) }()

	var docs []runDocument
	if err := cursor.All(ctx, &docs); err != nil {
		return nil, fmt.Errorf("mongodb list runs decode: %w", err)
	}
	out := make([]*runs.Run, len(docs))
	for i := range docs {
		out[i] = fromDocument(&docs[i])
	}
	return out, nil
}

// DeleteForWorkflow removes every run of a workflow.
func (s *Store) DeleteForWorkflow(ctx context.Context, workflowID string) error {
	if _, err := s.coll.DeleteMany(ctx, bson.M{"workflow_id": workflowID}); err != nil {
		return fmt.Errorf("mongodb delete runs for workflow %q: %w", workflowID, err)
	}
	return nil
}

// DeleteForUser removes every run owned by the user.
func (s *Store) DeleteForUser(ctx context.Context, userID string) error {
	if _, err := s.coll.DeleteMany(ctx, bson.M{"user_id": userID}); err != nil {
		return fmt.Errorf("mongodb delete runs for user %q: %w", userID, err)
	}
	return nil
}
