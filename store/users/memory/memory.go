// Package memory provides an in-memory implementation of the users store,
// suitable for development and testing.
package memory

import (
	"context"
	"sync"

	"github.com/conduitflow/conduit/store/users"
)

// Store is an in-memory implementation of users.Store.
// It is safe for concurrent use.
type Store struct {
	mu    sync.RWMutex
	users map[string]users.User
}

var _ users.Store = (*Store)(nil)

// New creates a new in-memory store.
func New() *Store {
	return &Store{users: make(map[string]users.User)}
}

// Save stores or updates a user.
func (s *Store) Save(ctx context.Context, u users.User) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	s.users[u.ID] = u
	return nil
}

// Load retrieves a user by id.
func (s *Store) Load(ctx context.Context, id string) (users.User, error) {
	if err := ctx.Err(); err != nil {
		return users.User{}, err
	}
	s.mu.RLock()
	defer s.mu.RUnlock()
	u, ok := s.users[id]
	if !ok {
		return users.User{}, users.ErrNotFound
	}
	return u, nil
}

// Delete removes a user by id.
func (s *Store) Delete(ctx context.Context, id string) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	if _, ok := s.users[id]; !ok {
		return users.ErrNotFound
	}
	delete(s.users, id)
	return nil
}
