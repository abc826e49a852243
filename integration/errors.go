package integration

import (
	"context"
	"errors"
	"fmt"
	"net"
	"net/http"
	"time"
)

// Kind classifies integration failures. The set is closed: every error that
// crosses the dispatcher boundary carries exactly one kind, and retry
// decisions are made on the kind alone.
type Kind string

const (
	// KindNotConnected: no credential row for the (user, app) pair.
	KindNotConnected Kind = "not_connected"
	// KindReauthRequired: token refresh failed, or the provider rejected a
	// freshly refreshed token. The user must reconnect the app.
	KindReauthRequired Kind = "reauth_required"
	// KindUnauthorized: provider returned 401.
	KindUnauthorized Kind = "unauthorized"
	// KindForbidden: provider returned 403.
	KindForbidden Kind = "forbidden"
	// KindNotFound: provider returned 404.
	KindNotFound Kind = "not_found"
	// KindInvalidRequest: other 4xx, bad config, or bad template output.
	KindInvalidRequest Kind = "invalid_request"
	// KindRateLimited: provider returned 429; RetryAfter carries the
	// provider hint when present.
	KindRateLimited Kind = "rate_limited"
	// KindTransient: network error, timeout or 5xx.
	KindTransient Kind = "transient"
	// KindProviderError: HTTP 200 with an ok:false style envelope.
	KindProviderError Kind = "provider_error"
	// KindInternal: a bug in the engine.
	KindInternal Kind = "internal"
)

// Error is the typed failure crossing the dispatcher boundary.
type Error struct {
	Kind       Kind
	App        string
	Message    string
	RetryAfter time.Duration
	wrapped    error
}

// Error implements the error interface.
func (e *Error) Error() string {
	if e.App != "" {
		return fmt.Sprintf("%s: %s: %s", e.App, e.Kind, e.Message)
	}
	return fmt.Sprintf("%s: %s", e.Kind, e.Message)
}

// Unwrap returns the underlying error, if any.
func (e *Error) Unwrap() error { return e.wrapped }

// E builds a new integration error.
func E(kind Kind, app, message string) *Error {
	return &Error{Kind: kind, App: app, Message: message}
}

// Errf builds a new integration error with a formatted message.
func Errf(kind Kind, app, format string, args ...any) *Error {
	return &Error{Kind: kind, App: app, Message: fmt.Sprintf(format, args...)}
}

// Wrap classifies err under kind, preserving it for errors.Is/As chains.
func Wrap(kind Kind, app string, err error) *Error {
	if err == nil {
		return nil
	}
	return &Error{Kind: kind, App: app, Message: err.Error(), wrapped: err}
}

// KindOf extracts the kind from an error chain. Network errors and
// deadline expiries classify as transient; anything unrecognized is
// internal.
func KindOf(err error) Kind {
	if err == nil {
		return ""
	}
	var ie *Error
	if errors.As(err, &ie) {
		return ie.Kind
	}
	if errors.Is(err, context.DeadlineExceeded) {
		return KindTransient
	}
	var netErr net.Error
	if errors.As(err, &netErr) {
		return KindTransient
	}
	return KindInternal
}

// Retryable reports whether the queue should retry after this failure.
// Rate limits, transient failures and provider ok:false envelopes retry;
// everything else is terminal.
func Retryable(err error) bool {
	switch KindOf(err) {
	case KindRateLimited, KindTransient, KindProviderError:
		return true
	}
	return false
}

// FromHTTPStatus translates a provider HTTP status into an integration
// error.
func FromHTTPStatus(app string, status int, message string) *Error {
	switch {
	case status == http.StatusUnauthorized:
		return E(KindUnauthorized, app, message)
	case status == http.StatusForbidden:
		return E(KindForbidden, app, message)
	case status == http.StatusNotFound:
		return E(KindNotFound, app, message)
	case status == http.StatusTooManyRequests:
		return E(KindRateLimited, app, message)
	case status >= 500:
		return E(KindTransient, app, message)
	case status >= 400:
		return E(KindInvalidRequest, app, message)
	default:
		return E(KindInternal, app, fmt.Sprintf("unexpected status %d: %s", status, message))
	}
}
