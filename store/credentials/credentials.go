// Package credentials defines the persistence interface for per-(user, app)
// OAuth tokens. The store is the only writer of token rows; the integration
// dispatcher consumes them and refreshes access tokens in place.
package credentials

import (
	"context"
	"errors"
	"time"
)

// ErrNotConnected is returned when no credential exists for a (user, app)
// pair. Callers surface it as a request to connect the app.
var ErrNotConnected = errors.New("app not connected")

// Credential holds the OAuth tokens for one (user, app) pair. ExpiresAt is
// zero for providers that do not issue an expiry. Metadata carries the raw
// provider response (for example the installing Slack user id).
type Credential struct {
	UserID       string
	App          string
	AccessToken  string
	RefreshToken string
	ExpiresAt    time.Time
	Metadata     map[string]any
	CreatedAt    time.Time
	UpdatedAt    time.Time
}

// Expired reports whether the access token is past its expiry at the given
// wall clock. Credentials without an expiry never expire.
func (c Credential) Expired(now time.Time) bool {
	return !c.ExpiresAt.IsZero() && c.ExpiresAt.Before(now)
}

// Store defines the persistence layer for credentials. At most one
// credential exists per (user, app). Implementations must be safe for
// concurrent use.
type Store interface {
	// Load retrieves the full credential including token material.
	// Returns ErrNotConnected when absent.
	Load(ctx context.Context, userID, app string) (Credential, error)

	// LoadMeta retrieves the credential with sensitive fields
	// (AccessToken, RefreshToken, Metadata) omitted. Reads that do not
	// need token material use this projection.
	LoadMeta(ctx context.Context, userID, app string) (Credential, error)

	// Save upserts the credential for (UserID, App).
	Save(ctx context.Context, c Credential) error

	// UpdateAccess replaces the access token and expiry in place,
	// leaving the refresh token and metadata untouched. Used by the
	// dispatcher after a successful refresh.
	UpdateAccess(ctx context.Context, userID, app, accessToken string, expiresAt time.Time) error

	// DeleteForUser removes every credential owned by the user.
	DeleteForUser(ctx context.Context, userID string) error
}
