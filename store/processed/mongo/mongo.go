// Package mongo provides a MongoDB implementation of the dedup store. The
// unique compound index on (workflow_id, trigger_type, external_id) is the
// at-most-once guarantee: duplicate inserts from racing pollers or retried
// jobs surface as duplicate-key errors and are swallowed.
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

	"github.com/conduitflow/conduit/store/processed"
)

// Store is a MongoDB implementation of processed.Store.
type Store struct {
	coll *mongodriver.Collection
}

var (
	_ processed.Store = (*Store)(nil)
	_ health.Pinger   = (*Store)(nil)
)

const initTimeout = 5 * time.Second

type entryDocument struct {
	WorkflowID  string         `bson:"workflow_id"`
	TriggerType string         `bson:"trigger_type"`
	ExternalID  string         `bson:"external_id"`
	Metadata    map[string]any `bson:"metadata,omitempty"`
	ProcessedAt time.Time      `bson:"processed_at"`
}

// New creates a MongoDB dedup store on the provided collection.
func New(coll *mongodriver.Collection) (*Store, error) {
	if coll == nil {
		return nil, errors.New("collection is required")
	}
	ctx, cancel := context.WithTimeout(context.Background(), initTimeout)
	defer cancel()
	indexes := []mongodriver.IndexModel{
		{
			Keys: bson.D{
				{Key: "workflow_id", Value: 1},
				{Key: "trigger_type", Value: 1},
				{Key: "external_id", Value: 1},
			},
			Options: options.Index().SetUnique(true),
		},
		{Keys: bson.D{{Key: "processed_at", Value: 1}}},
	}
	if _, err := coll.Indexes().CreateMany(ctx, indexes); err != nil {
		return nil, fmt.Errorf("mongodb processed indexes: %w", err)
	}
	return &Store{coll: coll}, nil
}

// Name implements health.Pinger.
func (s *Store) Name() string { return "processed-mongo" }

// Ping implements health.Pinger.
func (s *Store) Ping(ctx context.Context) error {
	return s.coll.Database().Client().Ping(ctx, readpref.Primary())
}

// Record inserts the entry; a duplicate-key error is benign.
func (s *Store) Record(ctx context.Context, e processed.Entry) error {
	if e.ProcessedAt.IsZero() {
		e.ProcessedAt = time.Now().UTC()
	}
	doc := entryDocument{
		WorkflowID:  e.WorkflowID,
		TriggerType: e.TriggerType,
		ExternalID:  e.ExternalID,
		Metadata:    e.Metadata,
		ProcessedAt: e.ProcessedAt.UTC(),
	}
	if _, err := s.coll.InsertOne(ctx, doc); err != nil {
		if mongodriver.IsDuplicateKeyError(err) {
			return nil
		}
		return fmt.Errorf("mongodb record processed trigger: %w", err)
	}
	return nil
}

// Seen reports whether the external id was already processed.
func (s *Store) Seen(ctx context.Context, workflowID, triggerType, externalID string) (bool, error) {
	filter := bson.M{"workflow_id": workflowID, "trigger_type": triggerType, "external_id": externalID}
	err := s.coll.FindOne(ctx, filter, options.FindOne().SetProjection(bson.M{"_id": 1})).Err()
	if err != nil {
		if errors.Is(err, mongodriver.ErrNoDocuments) {
			return false, nil
		}
		return false, fmt.Errorf("mongodb seen processed trigger: %w", err)
	}
	return true, nil
}

// ListIDs returns every external id processed for the pair.
func (s *Store) ListIDs(ctx context.Context, workflowID, triggerType string) ([]string, error) {
	filter := bson.M{"workflow_id": workflowID, "trigger_type": triggerType}
	cursor, err := s.coll.Find(ctx, filter, options.Find().SetProjection(bson.M{"external_id": 1}))
	if err != nil {
		return nil, fmt.Errorf("mongodb list processed ids: %w", err)
	}
	defer func() { _ = cursor.Close(ctx) }()

	var docs []struct {
		ExternalID string `bson:"external_id"`
	}
	if err := cursor.All(ctx, &docs); err != nil {
		return nil, fmt.Errorf("mongodb list processed ids decode: %w", err)
	}
	ids := make([]string, len(docs))
	for i, d := range docs {
		ids[i] = d.ExternalID
	}
	return ids, nil
}

// DeleteOlderThan trims entries processed before the cutoff.
func (s *Store) DeleteOlderThan(ctx context.Context, cutoff time.Time) (int64, error) {
	res, err := s.coll.DeleteMany(ctx, bson.M{"processed_at": bson.M{"$lt": cutoff.UTC()}})
	if err != nil {
		return 0, fmt.Errorf("mongodb trim processed triggers: %w", err)
	}
	return res.DeletedCount, nil
}

// DeleteForWorkflow removes every entry of a workflow.
func (s *Store) DeleteForWorkflow(ctx context.Context, workflowID string) error {
	if _, err := s.coll.DeleteMany(ctx, bson.M{"workflow_id": workflowID}); err != nil {
		return fmt.Errorf("mongodb delete processed triggers for workflow %q: %w", workflowID, err)
	}
	return nil
}

// DeleteForWorkflows removes entries for each listed workflow.
func (s *Store) DeleteForWorkflows(ctx context.Context, workflowIDs []string) error {
	if len(workflowIDs) == 0 {
		return nil
	}
	filter := bson.M{"workflow_id": bson.M{"$in": workflowIDs}}
	if _, err := s.coll.DeleteMany(ctx, filter); err != nil {
		return fmt.Errorf("mongodb delete processed triggers for workflows: %w", err)
	}
	return nil
}
