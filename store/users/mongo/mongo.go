// Package mongo provides a MongoDB implementation of the users store.
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

	"github.com/conduitflow/conduit/store/users"
)

// Store is a MongoDB implementation of users.Store.
type Store struct {
	coll *mongodriver.Collection
}

var (
	_ users.Store   = (*Store)(nil)
	_ health.Pinger = (*Store)(nil)
)

const initTimeout = 5 * time.Second

type userDocument struct {
	ID        string    `bson:"_id"`
	Email     string    `bson:"email"`
	Name      string    `bson:"name,omitempty"`
	CreatedAt time.Time `bson:"created_at"`
}

// New creates a MongoDB users store on the provided collection.
func New(coll *mongodriver.Collection) (*Store, error) {
	if coll == nil {
		return nil, errors.New("collection is required")
	}
	ctx, cancel := context.WithTimeout(context.Background(), initTimeout)
	defer cancel()
	index := mongodriver.IndexModel{
		Keys:    bson.D{{Key: "email", Value: 1}},
		Options: options.Index().SetUnique(true),
	}
	if _, err := coll.Indexes().CreateOne(ctx, index); err != nil {
		return nil, fmt.Errorf("mongodb users indexes: %w", err)
	}
	return &Store{coll: coll}, nil
}

// Name implements health.Pinger.
func (s *Store) Name() string { return "users-mongo" }

// Ping implements health.Pinger.
func (s *Store) Ping(ctx context.Context) error {
	return s.coll.Database().Client().Ping(ctx, readpref.Primary())
}

// Save stores or updates a user.
func (s *Store) Save(ctx context.Context, u users.User) error {
	if u.ID == "" {
		return errors.New("user id is required")
	}
	if u.CreatedAt.IsZero() {
		u.CreatedAt = time.Now().UTC()
	}
	doc := userDocument{ID: u.ID, Email: u.Email, Name: u.Name, CreatedAt: u.CreatedAt.UTC()}
	opts := options.Replace().SetUpsert(true)
	if _, err := s.coll.ReplaceOne(ctx, bson.M{"_id": u.ID}, doc, opts); err != nil {
		return fmt.Errorf("mongodb save user %q: %w", u.ID, err)
	}
	return nil
}

// Load retrieves a user by id.
func (s *Store) Load(ctx context.Context, id string) (users.User, error) {
	var doc userDocument
	if err := s.coll.FindOne(ctx, bson.M{"_id": id}).Decode(&doc); err != nil {
		if errors.Is(err, mongodriver.ErrNoDocuments) {
			return users.User{}, users.ErrNotFound
		}
		return users.User{}, fmt.Errorf("mongodb load user %q: %w", id, err)
	}
	return users.User{ID: doc.ID, Email: doc.Email, Name: doc.Name, CreatedAt: doc.CreatedAt}, nil
}

// Delete removes a user by id.
func (s *Store) Delete(ctx context.Context, id string) error {
	res, err := s.coll.DeleteOne(ctx, bson.M{"_id": id})
	if err != nil {
		return fmt.Errorf("mongodb delete user %q: %w", id, err)
	}
	if res.DeletedCount == 0 {
		return users.ErrNotFound
	}
	return nil
}
