// Package mongo provides a MongoDB implementation of the event log store.
package mongo

import (
	"context"
	"errors"
	"fmt"
	"time"

	"go.mongodb.org/mongo-driver/bson"
	"go.mongodb.org/mongo-driver/bson/primitive"
	mongodriver "go.mongodb.org/mongo-driver/mongo"
	"go.mongodb.org/mongo-driver/mongo/options"
	"go.mongodb.org/mongo-driver/mongo/readpref"

	"goa.design/clue/health"

	"github.com/conduitflow/conduit/store/events"
)

// Store is a MongoDB implementation of events.Store.
type Store struct {
	coll *mongodriver.Collection
}

var (
	_ events.Store  = (*Store)(nil)
	_ health.Pinger = (*Store)(nil)
)

const initTimeout = 5 * time.Second

type entryDocument struct {
	ID         primitive.ObjectID `bson:"_id,omitempty"`
	Type       string             `bson:"event_type"`
	Details    map[string]any     `bson:"details,omitempty"`
	UserID     string             `bson:"user_id,omitempty"`
	WorkflowID string             `bson:"workflow_id,omitempty"`
	RunID      string             `bson:"run_id,omitempty"`
	CreatedAt  time.Time          `bson:"created_at"`
}

// New creates a MongoDB event log store on the provided collection.
func New(coll *mongodriver.Collection) (*Store, error) {
	if coll == nil {
		return nil, errors.New("collection is required")
	}
	ctx, cancel := context.WithTimeout(context.Background(), initTimeout)
	defer cancel()
	indexes := []mongodriver.IndexModel{
		{Keys: bson.D{{Key: "workflow_id", Value: 1}, {Key: "created_at", Value: -1}}},
		{Keys: bson.D{{Key: "run_id", Value: 1}}},
		{Keys: bson.D{{Key: "created_at", Value: 1}}},
	}
	if _, err := coll.Indexes().CreateMany(ctx, indexes); err != nil {
		return nil, fmt.Errorf("mongodb events indexes: %w", err)
	}
	return &Store{coll: coll}, nil
}

// Name implements health.Pinger.
func (s *Store) Name() string { return "events-mongo" }

// Ping implements health.Pinger.
func (s *Store) Ping(ctx context.Context) error {
	return s.coll.Database().Client().Ping(ctx, readpref.Primary())
}

// Append inserts a new entry and assigns its ID.
func (s *Store) Append(ctx context.Context, e *events.Entry) error {
	if e == nil {
		return errors.New("entry is required")
	}
	if e.Type == "" {
		return errors.New("event type is required")
	}
	if e.CreatedAt.IsZero() {
		e.CreatedAt = time.Now().UTC()
	}
	doc := entryDocument{
		Type:       string(e.Type),
		Details:    e.Details,
		UserID:     e.UserID,
		WorkflowID: e.WorkflowID,
		RunID:      e.RunID,
		CreatedAt:  e.CreatedAt.UTC(),
	}
	res, err := s.coll.InsertOne(ctx, doc)
	if err != nil {
		return fmt.Errorf("mongodb append log entry: %w", err)
	}
	oid, ok := res.InsertedID.(primitive.ObjectID)
	if !ok {
		return fmt.Errorf("unexpected inserted id type %T", res.InsertedID)
	}
	e.ID = oid.Hex()
	return nil
}

func (s *Store) list(ctx context.Context, filter bson.M, q events.Query) ([]*events.Entry, error) {
	if len(q.Types) > 0 {
		types := make([]string, len(q.Types))
		for i, t := range q.Types {
			types[i] = string(t)
		}
		filter["event_type"] = bson.M{"$in": types}
	}
	opts := options.Find().SetSort(bson.D{{Key: "created_at", Value: -1}})
	if q.Limit > 0 {
		opts = opts.SetLimit(int64(q.Limit))
	}
	cursor, err := s.coll.Find(ctx, filter, opts)
	if err != nil {
		return nil, fmt.Errorf("mongodb list log entries: %w", err)
	}
	defer func() { _ = cursor.Close(ctx) }()

	var docs []entryDocument
	if err := cursor.All(ctx, &docs); err != nil {
		return nil, fmt.Errorf("mongodb list log entries decode: %w", err)
	}
	out := make([]*events.Entry, len(docs))
	for i, doc := range docs {
		out[i] = &events.Entry{
			ID:         doc.ID.Hex(),
			Type:       events.Type(doc.Type),
			Details:    doc.Details,
			UserID:     doc.UserID,
			WorkflowID: doc.WorkflowID,
			RunID:      doc.RunID,
			CreatedAt:  doc.CreatedAt,
		}
	}
	return out, nil
}

// ListByWorkflow returns entries referencing the workflow, newest first.
func (s *Store) ListByWorkflow(ctx context.Context, workflowID string, q events.Query) ([]*events.Entry, error) {
	return s.list(ctx, bson.M{"workflow_id": workflowID}, q)
}

// ListByRun returns entries referencing the run, newest first.
func (s *Store) ListByRun(ctx context.Context, runID string, q events.Query) ([]*events.Entry, error) {
	return s.list(ctx, bson.M{"run_id": runID}, q)
}

// DeleteOlderThan trims entries created before the cutoff.
func (s *Store) DeleteOlderThan(ctx context.Context, cutoff time.Time) (int64, error) {
	res, err := s.coll.DeleteMany(ctx, bson.M{"created_at": bson.M{"$lt": cutoff.UTC()}})
	if err != nil {
		return 0, fmt.Errorf("mongodb trim log entries: %w", err)
	}
	return res.DeletedCount, nil
}

// ClearRunRefs nullifies the run backreference for a deleted run.
func (s *Store) ClearRunRefs(ctx context.Context, runID string) error {
	update := bson.M{"$unset": bson.M{"run_id": ""}}
	if _, err := s.coll.UpdateMany(ctx, bson.M{"run_id": runID}, update); err != nil {
		return fmt.Errorf("mongodb clear run refs %q: %w", runID, err)
	}
	return nil
}

// DeleteForUser removes every entry owned by the user.
func (s *Store) DeleteForUser(ctx context.Context, userID string) error {
	if _, err := s.coll.DeleteMany(ctx, bson.M{"user_id": userID}); err != nil {
		return fmt.Errorf("mongodb delete log entries for user %q: %w", userID, err)
	}
	return nil
}
