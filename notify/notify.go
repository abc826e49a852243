// Package notify delivers operational emails to workflow owners when an
// app connection needs attention.
package notify

import "context"

// Notifier alerts a user about a broken app connection.
type Notifier interface {
	// ReauthRequired tells the user to reconnect app after a failed
	// token refresh.
	ReauthRequired(ctx context.Context, email, app string) error
	// NotConnected tells the user a workflow action needs an app they
	// never connected.
	NotConnected(ctx context.Context, email, app, workflowName string) error
}

// Noop is a Notifier that discards everything. Used when no SMTP relay is
// configured and in tests.
type Noop struct{}

// ReauthRequired implements Notifier.
func (Noop) ReauthRequired(context.Context, string, string) error { return nil }

// NotConnected implements Notifier.
func (Noop) NotConnected(context.Context, string, string, string) error { return nil }
