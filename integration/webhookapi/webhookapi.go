// Package webhookapi posts workflow payloads to arbitrary HTTP endpoints.
// Unlike the OAuth adapters it needs no stored credential: the target URL
// is the secret.
package webhookapi

import (
	"bytes"
	"context"
	"encoding/json"
	"io"
	"net/http"
	"net/url"
	"strings"
	"time"

	"github.com/conduitflow/conduit/integration"
)

// callTimeout bounds a single webhook delivery.
const callTimeout = 10 * time.Second

// Adapter serves the "webhook" app.
type Adapter struct {
	client *http.Client
}

var _ integration.Adapter = (*Adapter)(nil)

// New creates a webhook adapter.
func New() *Adapter {
	return &Adapter{client: &http.Client{Timeout: callTimeout}}
}

// NewWithClient creates a webhook adapter on a caller-provided client.
func NewWithClient(c *http.Client) *Adapter {
	return &Adapter{client: c}
}

// Name implements integration.Adapter.
func (a *Adapter) Name() string { return "webhook" }

// Invoke implements integration.Adapter. The token is ignored.
func (a *Adapter) Invoke(ctx context.Context, _, method string, args map[string]any) (any, error) {
	if method != "send" {
		return nil, integration.Errf(integration.KindInvalidRequest, "webhook", "unknown method %q", method)
	}
	return a.send(ctx, args)
}

func (a *Adapter) send(ctx context.Context, args map[string]any) (any, error) {
	target, err := integration.RequireString("webhook", args, "url")
	if err != nil {
		return nil, err
	}
	parsed, err := url.Parse(target)
	if err != nil || (parsed.Scheme != "http" && parsed.Scheme != "https") {
		return nil, integration.Errf(integration.KindInvalidRequest, "webhook", "invalid webhook url %q", target)
	}

	body, err := encodePayload(parsed.Host, args["payload"])
	if err != nil {
		return nil, err
	}

	ctx, cancel := context.WithTimeout(ctx, callTimeout)
	defer cancel()
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, target, bytes.NewReader(body))
	if err != nil {
		return nil, integration.Wrap(integration.KindInternal, "webhook", err)
	}
	req.Header.Set("Content-Type", "application/json")

	resp, err := a.client.Do(req)
	if err != nil {
		return nil, integration.Wrap(integration.KindTransient, "webhook", err)
	}
	defer func() { _ = resp.Body.Close() }()
	raw, _ := io.ReadAll(io.LimitReader(resp.Body, 64<<10))

	if resp.StatusCode >= 400 {
		return nil, integration.FromHTTPStatus("webhook", resp.StatusCode, strings.TrimSpace(string(raw)))
	}
	return map[string]any{"status": resp.StatusCode, "response": string(raw)}, nil
}

// encodePayload renders the payload as a JSON body. Slack incoming
// webhooks reject bare strings, so a raw string aimed at a Slack host is
// wrapped in the {"text": ...} envelope Slack expects.
func encodePayload(host string, payload any) ([]byte, error) {
	if s, ok := payload.(string); ok && strings.HasSuffix(host, "hooks.slack.com") {
		payload = map[string]any{"text": s}
	}
	if payload == nil {
		payload = map[string]any{}
	}
	body, err := json.Marshal(payload)
	if err != nil {
		return nil, integration.Wrap(integration.KindInvalidRequest, "webhook", err)
	}
	return body, nil
}
