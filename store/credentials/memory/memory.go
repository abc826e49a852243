// Package memory provides an in-memory implementation of the credentials
// store, suitable for development and testing.
package memory

import (
	"context"
	"sync"
	"time"

	"github.com/conduitflow/conduit/store/credentials"
)

// Store is an in-memory implementation of credentials.Store.
// It is safe for concurrent use.
type Store struct {
	mu    sync.RWMutex
	creds map[string]credentials.Credential
}

var _ credentials.Store = (*Store)(nil)

// New creates a new in-memory store.
func New() *Store {
	return &Store{creds: make(map[string]credentials.Credential)}
}

func key(userID, app string) string { return userID + "/" + app }

// Load retrieves the full credential including token material.
func (s *Store) Load(ctx context.Context, userID, app string) (credentials.Credential, error) {
	if err := ctx.Err(); err != nil {
		return credentials.Credential{}, err
	}
	s.mu.RLock()
	defer s.mu.RUnlock()
	c, ok := s.creds[key(userID, app)]
	if !ok {
		return credentials.Credential{}, credentials.ErrNotConnected
	}
	return c, nil
}

// LoadMeta retrieves the credential with sensitive fields omitted.
func (s *Store) LoadMeta(ctx context.Context, userID, app string) (credentials.Credential, error) {
	c, err := s.Load(ctx, userID, app)
	if err != nil {
		return credentials.Credential{}, err
	}
	c.AccessToken = ""
	c.RefreshToken = ""
	c.Metadata = nil
	return c, nil
}

// Save upserts the credential for (UserID, App).
func (s *Store) Save(ctx context.Context, c credentials.Credential) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	now := time.Now().UTC()
	if prev, ok := s.creds[key(c.UserID, c.App)]; ok {
		c.CreatedAt = prev.CreatedAt
	} else if c.CreatedAt.IsZero() {
		c.CreatedAt = now
	}
	c.UpdatedAt = now
	s.creds[key(c.UserID, c.App)] = c
	return nil
}

// UpdateAccess replaces the access token and expiry in place.
func (s *Store) UpdateAccess(ctx context.Context, userID, app, accessToken string, expiresAt time.Time) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	c, ok := s.creds[key(userID, app)]
	if !ok {
		return credentials.ErrNotConnected
	}
	c.AccessToken = accessToken
	c.ExpiresAt = expiresAt
	c.UpdatedAt = time.Now().UTC()
	s.creds[key(userID, app)] = c
	return nil
}

// DeleteForUser removes every credential owned by the user.
func (s *Store) DeleteForUser(ctx context.Context, userID string) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	for k, c := range s.creds {
		if c.UserID == userID {
			delete(s.creds, k)
		}
	}
	return nil
}
