// Package mongo provides a MongoDB implementation of the credentials store.
// Reads project only the columns an operation needs: token material is
// fetched explicitly via Load, while LoadMeta omits it.
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

	"github.com/conduitflow/conduit/store/credentials"
)

// Store is a MongoDB implementation of credentials.Store.
type Store struct {
	coll *mongodriver.Collection
}

var (
	_ credentials.Store = (*Store)(nil)
	_ health.Pinger     = (*Store)(nil)
)

const initTimeout = 5 * time.Second

type credentialDocument struct {
	UserID       string         `bson:"user_id"`
	App          string         `bson:"app"`
	AccessToken  string         `bson:"access_token,omitempty"`
	RefreshToken string         `bson:"refresh_token,omitempty"`
	ExpiresAt    *time.Time     `bson:"expires_at,omitempty"`
	Metadata     map[string]any `bson:"metadata,omitempty"`
	CreatedAt    time.Time      `bson:"created_at"`
	UpdatedAt    time.Time      `bson:"updated_at"`
}

// New creates a MongoDB credentials store on the provided collection.
func New(coll *mongodriver.Collection) (*Store, error) {
	if coll == nil {
		return nil, errors.New("collection is required")
	}
	ctx, cancel := context.WithTimeout(context.Background(), initTimeout)
	defer cancel()
	index := mongodriver.IndexModel{
		Keys:    bson.D{{Key: "user_id", Value: 1}, {Key: "app", Value: 1}},
		Options: options.Index().SetUnique(true),
	}
	if _, err := coll.Indexes().CreateOne(ctx, index); err != nil {
		return nil, fmt.Errorf("mongodb credentials indexes: %w", err)
	}
	return &Store{coll: coll}, nil
}

// Name implements health.Pinger.
func (s *Store) Name() string { return "credentials-mongo" }

// Ping implements health.Pinger.
func (s *Store) Ping(ctx context.Context) error {
	return s.coll.Database().Client().Ping(ctx, readpref.Primary())
}

func (doc credentialDocument) toCredential() credentials.Credential {
	c := credentials.Credential{
		UserID:       doc.UserID,
		App:          doc.App,
		AccessToken:  doc.AccessToken,
		RefreshToken: doc.RefreshToken,
		Metadata:     doc.Metadata,
		CreatedAt:    doc.CreatedAt,
		UpdatedAt:    doc.UpdatedAt,
	}
	if doc.ExpiresAt != nil {
		c.ExpiresAt = *doc.ExpiresAt
	}
	return c
}

// Load retrieves the full credential including token material.
func (s *Store) Load(ctx context.Context, userID, app string) (credentials.Credential, error) {
	var doc credentialDocument
	err := s.coll.FindOne(ctx, bson.M{"user_id": userID, "app": app}).Decode(&doc)
	if err != nil {
		if errors.Is(err, mongodriver.ErrNoDocuments) {
			return credentials.Credential{}, credentials.ErrNotConnected
		}
		return credentials.Credential{}, fmt.Errorf("mongodb load credential %s/%s: %w", userID, app, err)
	}
	return doc.toCredential(), nil
}

// LoadMeta retrieves the credential with sensitive fields projected out.
func (s *Store) LoadMeta(ctx context.Context, userID, app string) (credentials.Credential, error) {
	projection := bson.M{"access_token": 0, "refresh_token": 0, "metadata": 0}
	var doc credentialDocument
	err := s.coll.FindOne(ctx, bson.M{"user_id": userID, "app": app},
		options.FindOne().SetProjection(projection)).Decode(&doc)
	if err != nil {
		if errors.Is(err, mongodriver.ErrNoDocuments) {
			return credentials.Credential{}, credentials.ErrNotConnected
		}
		return credentials.Credential{}, fmt.Errorf("mongodb load credential meta %s/%s: %w", userID, app, err)
	}
	return doc.toCredential(), nil
}

// Save upserts the credential for (UserID, App).
func (s *Store) Save(ctx context.Context, c credentials.Credential) error {
	if c.UserID == "" || c.App == "" {
		return errors.New("user id and app are required")
	}
	if c.AccessToken == "" {
		return errors.New("access token is required")
	}
	now := time.Now().UTC()
	set := bson.M{
		"access_token":  c.AccessToken,
		"refresh_token": c.RefreshToken,
		"metadata":      c.Metadata,
		"updated_at":    now,
	}
	if !c.ExpiresAt.IsZero() {
		set["expires_at"] = c.ExpiresAt.UTC()
	} else {
		set["expires_at"] = nil
	}
	update := bson.M{
		"$set":         set,
		"$setOnInsert": bson.M{"user_id": c.UserID, "app": c.App, "created_at": now},
	}
	_, err := s.coll.UpdateOne(ctx, bson.M{"user_id": c.UserID, "app": c.App}, update,
		options.Update().SetUpsert(true))
	if err != nil {
		return fmt.Errorf("mongodb save credential %s/%s: %w", c.UserID, c.App, err)
	}
	return nil
}

// UpdateAccess replaces the access token and expiry in place.
func (s *Store) UpdateAccess(ctx context.Context, userID, app, accessToken string, expiresAt time.Time) error {
	if accessToken == "" {
		return errors.New("access token is required")
	}
	set := bson.M{"access_token": accessToken, "updated_at": time.Now().UTC()}
	if !expiresAt.IsZero() {
		set["expires_at"] = expiresAt.UTC()
	} else {
		set["expires_at"] = nil
	}
	res, err := s.coll.UpdateOne(ctx, bson.M{"user_id": userID, "app": app}, bson.M{"$set": set})
	if err != nil {
		return fmt.Errorf("mongodb update access token %s/%s: %w", userID, app, err)
	}
	if res.MatchedCount == 0 {
		return credentials.ErrNotConnected
	}
	return nil
}

// DeleteForUser removes every credential owned by the user.
func (s *Store) DeleteForUser(ctx context.Context, userID string) error {
	if _, err := s.coll.DeleteMany(ctx, bson.M{"user_id": userID}); err != nil {
		return fmt.Errorf("mongodb delete credentials for user %q: %w", userID, err)
	}
	return nil
}
