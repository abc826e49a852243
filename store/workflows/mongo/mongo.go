// Package mongo provides a MongoDB implementation of the workflows store.
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

	"github.com/conduitflow/conduit/store/workflows"
	"github.com/conduitflow/conduit/workflow"
)

// Store is a MongoDB implementation of workflows.Store.
type Store struct {
	coll *mongodriver.Collection
}

var (
	_ workflows.Store = (*Store)(nil)
	_ health.Pinger   = (*Store)(nil)
)

const initTimeout = 5 * time.Second

type workflowDocument struct {
	ID           string          `bson:"_id"`
	UserID       string          `bson:"user_id"`
	Name         string          `bson:"name"`
	Description  string          `bson:"description,omitempty"`
	Active       bool            `bson:"is_active"`
	PollInterval int64           `bson:"polling_interval_seconds"`
	LastRunAt    *time.Time      `bson:"last_run_at,omitempty"`
	Start        string          `bson:"start,omitempty"`
	Steps        []workflow.Step `bson:"steps"`
	CreatedAt    time.Time       `bson:"created_at"`
	UpdatedAt    time.Time       `bson:"updated_at"`
}

// New creates a MongoDB workflows store on the provided collection. The
// unique (user_id, name) index enforces per-user name uniqueness.
func New(coll *mongodriver.Collection) (*Store, error) {
	if coll == nil {
		return nil, errors.New("collection is required")
	}
	ctx, cancel := context.WithTimeout(context.Background(), initTimeout)
	defer cancel()
	indexes := []mongodriver.IndexModel{
		{
			Keys:    bson.D{{Key: "user_id", Value: 1}, {Key: "name", Value: 1}},
			Options: options.Index().SetUnique(true),
		},
		{Keys: bson.D{{Key: "is_active", Value: 1}}},
	}
	if _, err := coll.Indexes().CreateMany(ctx, indexes); err != nil {
		return nil, fmt.Errorf("mongodb workflows indexes: %w", err)
	}
	return &Store{coll: coll}, nil
}

// Name implements health.Pinger.
func (s *Store) Name() string { return "workflows-mongo" }

// Ping implements health.Pinger.
func (s *Store) Ping(ctx context.Context) error {
	return s.coll.Database().Client().Ping(ctx, readpref.Primary())
}

func toDocument(w *workflow.Workflow) workflowDocument {
	doc := workflowDocument{
		ID:           w.ID,
		UserID:       w.UserID,
		Name:         w.Name,
		Description:  w.Description,
		Active:       w.Active,
		PollInterval: int64(w.PollInterval / time.Second),
		Start:        w.Start,
		Steps:        w.Steps,
		CreatedAt:    w.CreatedAt.UTC(),
		UpdatedAt:    w.UpdatedAt.UTC(),
	}
	if !w.LastRunAt.IsZero() {
		t := w.LastRunAt.UTC()
		doc.LastRunAt = &t
	}
	return doc
}

func fromDocument(doc *workflowDocument) *workflow.Workflow {
	w := &workflow.Workflow{
		ID:           doc.ID,
		UserID:       doc.UserID,
		Name:         doc.Name,
		Description:  doc.Description,
		Active:       doc.Active,
		PollInterval: time.Duration(doc.PollInterval) * time.Second,
		Start:        doc.Start,
		Steps:        doc.Steps,
		CreatedAt:    doc.CreatedAt,
		UpdatedAt:    doc.UpdatedAt,
	}
	if doc.LastRunAt != nil {
		w.LastRunAt = *doc.LastRunAt
	}
	return w
}

// Create inserts a new workflow.
func (s *Store) Create(ctx context.Context, w *workflow.Workflow) error {
	doc := toDocument(w)
	if _, err := s.coll.InsertOne(ctx, doc); err != nil {
		if mongodriver.IsDuplicateKeyError(err) {
			return workflows.ErrNameTaken
		}
		return fmt.Errorf("mongodb create workflow %q: %w", w.Name, err)
	}
	return nil
}

// Update replaces the stored workflow.
func (s *Store) Update(ctx context.Context, w *workflow.Workflow) error {
	doc := toDocument(w)
	res, err := s.coll.ReplaceOne(ctx, bson.M{"_id": w.ID}, doc)
	if err != nil {
		if mongodriver.IsDuplicateKeyError(err) {
			return workflows.ErrNameTaken
		}
		return fmt.Errorf("mongodb update workflow %q: %w", w.ID, err)
	}
	if res.MatchedCount == 0 {
		return workflows.ErrNotFound
	}
	return nil
}

// Load retrieves a workflow by id.
func (s *Store) Load(ctx context.Context, id string) (*workflow.Workflow, error) {
	var doc workflowDocument
	if err := s.coll.FindOne(ctx, bson.M{"_id": id}).Decode(&doc); err != nil {
		if errors.Is(err, mongodriver.ErrNoDocuments) {
			return nil, workflows.ErrNotFound
		}
		return nil, fmt.Errorf("mongodb load workflow %q: %w", id, err)
	}
	return fromDocument(&doc), nil
}

// LoadForUser retrieves a workflow by id scoped to an owner.
func (s *Store) LoadForUser(ctx context.Context, id, userID string) (*workflow.Workflow, error) {
	var doc workflowDocument
	err := s.coll.FindOne(ctx, bson.M{"_id": id, "user_id": userID}).Decode(&doc)
	if err != nil {
		if errors.Is(err, mongodriver.ErrNoDocuments) {
			return nil, workflows.ErrNotFound
		}
		return nil, fmt.Errorf("mongodb load workflow %q for user %q: %w", id, userID, err)
	}
	return fromDocument(&doc), nil
}

func (s *Store) find(ctx context.Context, filter bson.M) ([]*workflow.Workflow, error) {
	cursor, err := s.coll.Find(ctx, filter)
	if err != nil {
		return nil, fmt.Errorf("mongodb list workflows: %w", err)
	}
	defer func() { _ = cursor.Close(ctx) }()

	var docs []workflowDocument
	if err := cursor.All(ctx, &docs); err != nil {
		return nil, fmt.Errorf("mongodb list workflows decode: %w", err)
	}
	out := make([]*workflow.Workflow, len(docs))
	for i := range docs {
		out[i] = fromDocument(&docs[i])
	}
	return out, nil
}

// ListByUser returns all workflows owned by the user.
func (s *Store) ListByUser(ctx context.Context, userID string) ([]*workflow.Workflow, error) {
	return s.find(ctx, bson.M{"user_id": userID})
}

// ListActive returns all active workflows across users.
func (s *Store) ListActive(ctx context.Context) ([]*workflow.Workflow, error) {
	return s.find(ctx, bson.M{"is_active": true})
}

// SetActive flips the active flag with a targeted field write.
func (s *Store) SetActive(ctx context.Context, id string, active bool) error {
	update := bson.M{"$set": bson.M{"is_active": active, "updated_at": time.Now().UTC()}}
	res, err := s.coll.UpdateOne(ctx, bson.M{"_id": id}, update)
	if err != nil {
		return fmt.Errorf("mongodb set active on workflow %q: %w", id, err)
	}
	if res.MatchedCount == 0 {
		return workflows.ErrNotFound
	}
	return nil
}

// SetLastRunAt advances the poll clock with a targeted field write.
func (s *Store) SetLastRunAt(ctx context.Context, id string, t time.Time) error {
	update := bson.M{"$set": bson.M{"last_run_at": t.UTC()}}
	res, err := s.coll.UpdateOne(ctx, bson.M{"_id": id}, update)
	if err != nil {
		return fmt.Errorf("mongodb set last run at on workflow %q: %w", id, err)
	}
	if res.MatchedCount == 0 {
		return workflows.ErrNotFound
	}
	return nil
}

// Delete removes a workflow by id.
func (s *Store) Delete(ctx context.Context, id string) error {
	res, err := s.coll.DeleteOne(ctx, bson.M{"_id": id})
	if err != nil {
		return fmt.Errorf("mongodb delete workflow %q: %w", id, err)
	}
	if res.DeletedCount == 0 {
		return workflows.ErrNotFound
	}
	return nil
}

// DeleteForUser removes every workflow owned by the user.
func (s *Store) DeleteForUser(ctx context.Context, userID string) error {
	if _, err := s.coll.DeleteMany(ctx, bson.M{"user_id": userID}); err != nil {
		return fmt.Errorf("mongodb delete workflows for user %q: %w", userID, err)
	}
	return nil
}
