// Package users defines the persistence interface for workflow owners.
//
// Available implementations:
//
//   - memory: in-memory store for development and testing
//   - mongo: MongoDB store for production persistence
package users

import (
	"context"
	"errors"
	"time"
)

// ErrNotFound is returned when a user does not exist.
var ErrNotFound = errors.New("user not found")

// User identifies a workflow owner. Deleting a user cascades to every
// entity it owns; the cascade itself is orchestrated by the workflow
// service, not by this store.
type User struct {
	ID        string
	Email     string
	Name      string
	CreatedAt time.Time
}

// Store defines the persistence layer for users.
// Implementations must be safe for concurrent use.
type Store interface {
	// Save stores or updates a user.
	Save(ctx context.Context, u User) error

	// Load retrieves a user by id. Returns ErrNotFound if the user does
	// not exist.
	Load(ctx context.Context, id string) (User, error)

	// Delete removes a user by id. Returns ErrNotFound if the user does
	// not exist.
	Delete(ctx context.Context, id string) error
}
