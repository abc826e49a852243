// Package integration routes workflow calls to provider adapters. The
// dispatcher owns the credential lifecycle: it loads the stored token,
// refreshes it when expired, memoizes read-only calls and translates
// provider failures into the typed error taxonomy.
package integration

import (
	"context"
	"errors"
	"strings"
	"time"

	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/metric"
	"go.opentelemetry.io/otel/trace"
	"goa.design/clue/log"
	"golang.org/x/oauth2"
	"golang.org/x/time/rate"

	"github.com/conduitflow/conduit/eventlog"
	"github.com/conduitflow/conduit/integration/cache"
	"github.com/conduitflow/conduit/notify"
	"github.com/conduitflow/conduit/store/credentials"
	"github.com/conduitflow/conduit/store/events"
	"github.com/conduitflow/conduit/store/users"
)

// Adapter executes provider calls on behalf of the dispatcher. Method
// names are adapter-scoped; unknown methods return an invalid_request
// error.
type Adapter interface {
	// Name returns the app key the adapter serves ("gmail", "slack", ...).
	Name() string
	// Invoke performs method with the given bearer token and arguments.
	Invoke(ctx context.Context, token, method string, args map[string]any) (any, error)
}

// OAuthApp holds the client half of an OAuth app registration, used to
// refresh user tokens.
type OAuthApp struct {
	ClientID     string
	ClientSecret string
	TokenURL     string
}

// cacheTTLs lists the read-only methods whose results may be memoized,
// with their freshness windows. Everything else always hits the provider.
var cacheTTLs = map[string]map[string]time.Duration{
	"gmail": {
		"listLabels": 5 * time.Minute,
		"getProfile": 10 * time.Minute,
	},
	"slack": {
		"listChannels":     5 * time.Minute,
		"listUsers":        5 * time.Minute,
		"getWorkspaceInfo": 10 * time.Minute,
		"getCurrentUser":   10 * time.Minute,
	},
	"github": {
		"listRepos":      5 * time.Minute,
		"getCurrentUser": 10 * time.Minute,
	},
}

// expirySkew refreshes tokens slightly before their recorded expiry so a
// token never dies mid-call.
const expirySkew = 30 * time.Second

// tracer uses the global provider; configure it via otel.SetTracerProvider
// (typically clue.ConfigureOpenTelemetry).
var tracer = otel.Tracer("github.com/conduitflow/conduit/integration")

// Options configures a Dispatcher.
type Options struct {
	Credentials credentials.Store
	Cache       *cache.Cache
	Events      *eventlog.Log
	Notifier    notify.Notifier
	// OAuth maps app keys to their OAuth client registration. Apps
	// without an entry cannot refresh and fail with reauth_required
	// when their token expires.
	OAuth map[string]OAuthApp
	// Limits maps app keys to a per-process call rate. Apps without an
	// entry are not limited.
	Limits map[string]rate.Limit
}

// Dispatcher routes calls to registered adapters.
type Dispatcher struct {
	creds    credentials.Store
	cache    *cache.Cache
	events   *eventlog.Log
	notifier notify.Notifier
	oauth    map[string]OAuthApp
	limiters map[string]*rate.Limiter
	adapters map[string]Adapter
	calls    metric.Int64Counter
	now      func() time.Time
}

// New creates a Dispatcher. Adapters are added with Register.
func New(opts Options) *Dispatcher {
	notifier := opts.Notifier
	if notifier == nil {
		notifier = notify.Noop{}
	}
	c := opts.Cache
	if c == nil {
		c = cache.New()
	}
	limiters := make(map[string]*rate.Limiter, len(opts.Limits))
	for app, limit := range opts.Limits {
		limiters[app] = rate.NewLimiter(limit, 1)
	}
	meter := otel.Meter("github.com/conduitflow/conduit/integration")
	calls, err := meter.Int64Counter("conduit.provider.calls",
		metric.WithDescription("Provider calls by app, method and outcome."))
	if err != nil {
		calls = nil
	}
	return &Dispatcher{
		creds:    opts.Credentials,
		cache:    c,
		events:   opts.Events,
		notifier: notifier,
		oauth:    opts.OAuth,
		limiters: limiters,
		adapters: make(map[string]Adapter),
		calls:    calls,
		now:      time.Now,
	}
}

// Register adds an adapter under its app key.
func (d *Dispatcher) Register(a Adapter) {
	d.adapters[a.Name()] = a
}

// Call invokes method on app for the given user. Used by trigger polling,
// where a missing connection is reported but not emailed.
func (d *Dispatcher) Call(ctx context.Context, user *users.User, app, method string, args map[string]any) (any, error) {
	return d.call(ctx, user, app, method, args, false)
}

// CallAction is Call for workflow actions: a missing connection
// additionally notifies the user by email. workflowName labels the
// notification.
func (d *Dispatcher) CallAction(ctx context.Context, user *users.User, workflowName, app, method string, args map[string]any) (any, error) {
	out, err := d.call(ctx, user, app, method, args, false)
	if err != nil && KindOf(err) == KindNotConnected && user != nil {
		if nerr := d.notifier.NotConnected(ctx, user.Email, app, workflowName); nerr != nil {
			log.Errorf(ctx, nerr, "notify %q about missing %s connection", user.Email, app)
		}
	}
	return out, err
}

func (d *Dispatcher) call(ctx context.Context, user *users.User, app, method string, args map[string]any, refreshed bool) (any, error) {
	if user == nil {
		return nil, E(KindInternal, app, "user is required")
	}
	adapter, ok := d.adapters[app]
	if !ok {
		return nil, Errf(KindInvalidRequest, app, "unknown app %q", app)
	}

	cred, err := d.creds.Load(ctx, user.ID, app)
	if err != nil {
		if errors.Is(err, credentials.ErrNotConnected) {
			return nil, Errf(KindNotConnected, app, "%s is not connected", app)
		}
		return nil, Wrap(KindInternal, app, err)
	}

	if cred.Expired(d.now().Add(expirySkew)) {
		cred, err = d.refresh(ctx, user, app, cred)
		if err != nil {
			return nil, err
		}
		refreshed = true
	}

	ttl := cacheTTLs[app][method]
	key := cacheKey(user.ID, app, method)
	if ttl > 0 {
		if v, ok := d.cache.Get(key); ok {
			return v, nil
		}
	}

	if lim := d.limiters[app]; lim != nil {
		if err := lim.Wait(ctx); err != nil {
			return nil, Wrap(KindTransient, app, err)
		}
	}

	callCtx, span := tracer.Start(ctx, app+"."+method,
		trace.WithSpanKind(trace.SpanKindClient),
		trace.WithAttributes(
			attribute.String("provider.app", app),
			attribute.String("provider.method", method),
		))
	out, err := adapter.Invoke(callCtx, cred.AccessToken, method, args)
	d.observe(ctx, span, app, method, err)
	if err != nil {
		switch KindOf(err) {
		case KindUnauthorized, KindForbidden:
			// A rejected token that is not yet due for refresh gets one
			// refresh-and-retry. A rejection right after a refresh means
			// the grant itself is dead.
			if !refreshed && cred.RefreshToken != "" {
				return d.callAfterForcedRefresh(ctx, user, app, method, args)
			}
			return nil, d.reauthRequired(ctx, user, app, err)
		}
		return nil, err
	}

	if ttl > 0 {
		d.cache.Set(key, out, ttl)
	}
	return out, nil
}

func (d *Dispatcher) callAfterForcedRefresh(ctx context.Context, user *users.User, app, method string, args map[string]any) (any, error) {
	cred, err := d.creds.Load(ctx, user.ID, app)
	if err != nil {
		return nil, Wrap(KindInternal, app, err)
	}
	if _, err := d.refresh(ctx, user, app, cred); err != nil {
		return nil, err
	}
	return d.call(ctx, user, app, method, args, true)
}

// refresh exchanges the stored refresh token for a new access token and
// persists it. A refresh failure notifies the user and surfaces as
// reauth_required.
func (d *Dispatcher) refresh(ctx context.Context, user *users.User, app string, cred credentials.Credential) (credentials.Credential, error) {
	reg, ok := d.oauth[app]
	if !ok || cred.RefreshToken == "" {
		return cred, d.reauthRequired(ctx, user, app, Errf(KindReauthRequired, app, "no refresh token for %s", app))
	}

	conf := &oauth2.Config{
		ClientID:     reg.ClientID,
		ClientSecret: reg.ClientSecret,
		Endpoint:     oauth2.Endpoint{TokenURL: reg.TokenURL},
	}
	src := conf.TokenSource(ctx, &oauth2.Token{RefreshToken: cred.RefreshToken})
	tok, err := src.Token()
	if err != nil {
		return cred, d.reauthRequired(ctx, user, app, err)
	}

	cred.AccessToken = tok.AccessToken
	cred.ExpiresAt = tok.Expiry
	if tok.RefreshToken != "" && tok.RefreshToken != cred.RefreshToken {
		// Provider rotated the refresh token; persist the whole row.
		cred.RefreshToken = tok.RefreshToken
		if err := d.creds.Save(ctx, cred); err != nil {
			return cred, Wrap(KindInternal, app, err)
		}
	} else if err := d.creds.UpdateAccess(ctx, user.ID, app, tok.AccessToken, tok.Expiry); err != nil {
		return cred, Wrap(KindInternal, app, err)
	}

	log.Printf(ctx, "refreshed %s token for user %s", app, user.ID)
	if d.events != nil {
		d.events.Record(ctx, events.TokenRefreshed, map[string]any{"app": app}, eventlog.Refs{UserID: user.ID})
	}
	return cred, nil
}

func (d *Dispatcher) reauthRequired(ctx context.Context, user *users.User, app string, cause error) error {
	log.Errorf(ctx, cause, "%s connection for user %s needs reauthorization", app, user.ID)
	if err := d.notifier.ReauthRequired(ctx, user.Email, app); err != nil {
		log.Errorf(ctx, err, "notify %q about %s reauthorization", user.Email, app)
	}
	var ie *Error
	if errors.As(cause, &ie) && ie.Kind == KindReauthRequired {
		return cause
	}
	return Wrap(KindReauthRequired, app, cause)
}

// observe closes the provider call span and counts the call by outcome.
func (d *Dispatcher) observe(ctx context.Context, span trace.Span, app, method string, err error) {
	outcome := "success"
	if err != nil {
		outcome = string(KindOf(err))
		span.RecordError(err)
		span.SetStatus(codes.Error, err.Error())
	}
	span.End()
	if d.calls != nil {
		d.calls.Add(ctx, 1, metric.WithAttributes(
			attribute.String("provider.app", app),
			attribute.String("provider.method", method),
			attribute.String("outcome", outcome),
		))
	}
}

// Connected reports whether the user has an app connection on file. The
// check reads the credential row without its token material and does not
// touch the provider.
func (d *Dispatcher) Connected(ctx context.Context, userID, app string) (bool, error) {
	if _, err := d.creds.LoadMeta(ctx, userID, app); err != nil {
		if errors.Is(err, credentials.ErrNotConnected) {
			return false, nil
		}
		return false, Wrap(KindInternal, app, err)
	}
	return true, nil
}

// Metadata returns the credential metadata for (user, app), such as the
// installing Slack user recorded at connect time.
func (d *Dispatcher) Metadata(ctx context.Context, userID, app string) (map[string]any, error) {
	cred, err := d.creds.Load(ctx, userID, app)
	if err != nil {
		if errors.Is(err, credentials.ErrNotConnected) {
			return nil, Errf(KindNotConnected, app, "%s is not connected", app)
		}
		return nil, Wrap(KindInternal, app, err)
	}
	return cred.Metadata, nil
}

func cacheKey(userID, app, method string) string {
	return strings.Join([]string{app, userID, method}, "\x00")
}
