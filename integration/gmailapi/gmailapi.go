// Package gmailapi adapts Gmail REST calls to the dispatcher contract.
// List results are hydrated into a normalized message shape: decoded
// plain-text body truncated for templating, RFC 3339 timestamps and the
// common headers lifted to top-level keys.
package gmailapi

import (
	"bytes"
	"context"
	"encoding/base64"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strconv"
	"strings"
	"time"

	"github.com/conduitflow/conduit/integration"
)

const (
	defaultBaseURL = "https://gmail.googleapis.com/gmail/v1"

	// maxHydrated bounds per-message detail fetches on a list call.
	maxHydrated = 5
	// bodyLimit truncates decoded bodies for templating.
	bodyLimit = 500
)

// Adapter serves the "gmail" app.
type Adapter struct {
	client  *http.Client
	baseURL string
}

var _ integration.Adapter = (*Adapter)(nil)

// Option configures an Adapter.
type Option func(*Adapter)

// WithHTTPClient overrides the HTTP client.
func WithHTTPClient(c *http.Client) Option {
	return func(a *Adapter) { a.client = c }
}

// WithBaseURL overrides the Gmail API base URL. Tests point this at a
// local server.
func WithBaseURL(u string) Option {
	return func(a *Adapter) { a.baseURL = strings.TrimSuffix(u, "/") }
}

// New creates a Gmail adapter.
func New(opts ...Option) *Adapter {
	a := &Adapter{
		client:  &http.Client{Timeout: 30 * time.Second},
		baseURL: defaultBaseURL,
	}
	for _, opt := range opts {
		opt(a)
	}
	return a
}

// Name implements integration.Adapter.
func (a *Adapter) Name() string { return "gmail" }

// Invoke implements integration.Adapter.
func (a *Adapter) Invoke(ctx context.Context, token, method string, args map[string]any) (any, error) {
	switch method {
	case "listMessages":
		return a.listMessages(ctx, token, args)
	case "getMessage":
		return a.getMessage(ctx, token, args)
	case "sendEmail":
		return a.sendEmail(ctx, token, args)
	case "replyToEmail":
		return a.replyToEmail(ctx, token, args)
	case "addLabels":
		return a.addLabels(ctx, token, args)
	case "listLabels":
		return a.listLabels(ctx, token)
	case "getProfile":
		return a.getProfile(ctx, token)
	default:
		return nil, integration.Errf(integration.KindInvalidRequest, "gmail", "unknown method %q", method)
	}
}

func (a *Adapter) do(ctx context.Context, token, httpMethod, path string, query url.Values, body any, out any) error {
	u := a.baseURL + path
	if len(query) > 0 {
		u += "?" + query.Encode()
	}
	var reader io.Reader
	if body != nil {
		raw, err := json.Marshal(body)
		if err != nil {
			return integration.Wrap(integration.KindInternal, "gmail", err)
		}
		reader = bytes.NewReader(raw)
	}
	req, err := http.NewRequestWithContext(ctx, httpMethod, u, reader)
	if err != nil {
		return integration.Wrap(integration.KindInternal, "gmail", err)
	}
	req.Header.Set("Authorization", "Bearer "+token)
	if body != nil {
		req.Header.Set("Content-Type", "application/json")
	}
	resp, err := a.client.Do(req)
	if err != nil {
		return integration.Wrap(integration.KindTransient, "gmail", err)
	}
	defer func() { _ = resp.Body.Close() }()

	raw, err := io.ReadAll(io.LimitReader(resp.Body, 4<<20))
	if err != nil {
		return integration.Wrap(integration.KindTransient, "gmail", err)
	}
	if resp.StatusCode >= 400 {
		return integration.FromHTTPStatus("gmail", resp.StatusCode, strings.TrimSpace(string(raw)))
	}
	if out == nil {
		return nil
	}
	if err := json.Unmarshal(raw, out); err != nil {
		return integration.Wrap(integration.KindProviderError, "gmail", fmt.Errorf("decode response: %w", err))
	}
	return nil
}

type messageRef struct {
	ID       string `json:"id"`
	ThreadID string `json:"threadId"`
}

type messagePart struct {
	MimeType string `json:"mimeType"`
	Body     struct {
		Data string `json:"data"`
	} `json:"body"`
	Parts []messagePart `json:"parts"`
}

type message struct {
	ID           string `json:"id"`
	ThreadID     string `json:"threadId"`
	Snippet      string `json:"snippet"`
	InternalDate string   `json:"internalDate"`
	LabelIDs     []string `json:"labelIds"`
	Payload      struct {
		Headers []struct {
			Name  string `json:"name"`
			Value string `json:"value"`
		} `json:"headers"`
		messagePart
	} `json:"payload"`
}

func (a *Adapter) listMessages(ctx context.Context, token string, args map[string]any) (any, error) {
	query := url.Values{}
	if q := integration.StringArg(args, "query"); q != "" {
		query.Set("q", q)
	}
	if n := integration.IntArg(args, "maxResults", 0); n > 0 {
		query.Set("maxResults", strconv.Itoa(n))
	}
	var listed struct {
		Messages []messageRef `json:"messages"`
	}
	if err := a.do(ctx, token, http.MethodGet, "/users/me/messages", query, nil, &listed); err != nil {
		return nil, err
	}

	refs := listed.Messages
	if len(refs) > maxHydrated {
		refs = refs[:maxHydrated]
	}
	out := make([]map[string]any, 0, len(refs))
	for _, ref := range refs {
		msg, err := a.fetchMessage(ctx, token, ref.ID)
		if err != nil {
			return nil, err
		}
		out = append(out, msg)
	}
	return out, nil
}

func (a *Adapter) getMessage(ctx context.Context, token string, args map[string]any) (any, error) {
	id, err := integration.RequireString("gmail", args, "messageId")
	if err != nil {
		return nil, err
	}
	return a.fetchMessage(ctx, token, id)
}

func (a *Adapter) fetchMessage(ctx context.Context, token, id string) (map[string]any, error) {
	var msg message
	path := "/users/me/messages/" + url.PathEscape(id)
	if err := a.do(ctx, token, http.MethodGet, path, url.Values{"format": {"full"}}, nil, &msg); err != nil {
		return nil, err
	}
	return normalize(&msg), nil
}

// normalize flattens a raw Gmail message into the shape workflow
// templates address: headers lifted, body decoded and truncated, and the
// provider's millisecond timestamp rendered as RFC 3339 UTC.
func normalize(msg *message) map[string]any {
	out := map[string]any{
		"id":       msg.ID,
		"threadId": msg.ThreadID,
		"snippet":  msg.Snippet,
	}
	for _, h := range msg.Payload.Headers {
		switch strings.ToLower(h.Name) {
		case "from":
			out["from"] = h.Value
		case "to":
			out["to"] = h.Value
		case "subject":
			out["subject"] = h.Value
		case "message-id":
			out["messageIdHeader"] = h.Value
		}
	}
	if ms, err := strconv.ParseInt(msg.InternalDate, 10, 64); err == nil {
		out["date"] = time.UnixMilli(ms).UTC().Format(time.RFC3339)
	}
	out["body"] = decodeBody(&msg.Payload.messagePart)
	return out
}

// decodeBody walks the MIME tree preferring text/plain, decodes the
// base64url payload and truncates the result.
func decodeBody(part *messagePart) string {
	data := findBody(part, "text/plain")
	if data == "" {
		data = findBody(part, "text/html")
	}
	if data == "" {
		return ""
	}
	decoded, err := base64.RawURLEncoding.DecodeString(strings.TrimRight(data, "="))
	if err != nil {
		return ""
	}
	body := string(decoded)
	if len(body) > bodyLimit {
		body = body[:bodyLimit]
	}
	return body
}

func findBody(part *messagePart, mimeType string) string {
	if part.Body.Data != "" && (part.MimeType == mimeType || part.MimeType == "") {
		return part.Body.Data
	}
	for i := range part.Parts {
		if data := findBody(&part.Parts[i], mimeType); data != "" {
			return data
		}
	}
	return ""
}

func (a *Adapter) sendEmail(ctx context.Context, token string, args map[string]any) (any, error) {
	to, err := integration.RequireString("gmail", args, "to")
	if err != nil {
		return nil, err
	}
	subject := integration.StringArg(args, "subject")
	body := integration.StringArg(args, "body")
	raw := encodeRFC822(to, subject, body, "")
	var sent messageRef
	payload := map[string]any{"raw": raw}
	if err := a.do(ctx, token, http.MethodPost, "/users/me/messages/send", nil, payload, &sent); err != nil {
		return nil, err
	}
	return map[string]any{"id": sent.ID, "threadId": sent.ThreadID}, nil
}

func (a *Adapter) replyToEmail(ctx context.Context, token string, args map[string]any) (any, error) {
	threadID, err := integration.RequireString("gmail", args, "threadId")
	if err != nil {
		return nil, err
	}
	to, err := integration.RequireString("gmail", args, "to")
	if err != nil {
		return nil, err
	}
	subject := integration.StringArg(args, "subject")
	if subject != "" && !strings.HasPrefix(strings.ToLower(subject), "re:") {
		subject = "Re: " + subject
	}
	body := integration.StringArg(args, "body")
	inReplyTo := integration.StringArg(args, "messageIdHeader")
	raw := encodeRFC822(to, subject, body, inReplyTo)
	var sent messageRef
	payload := map[string]any{"raw": raw, "threadId": threadID}
	if err := a.do(ctx, token, http.MethodPost, "/users/me/messages/send", nil, payload, &sent); err != nil {
		return nil, err
	}
	return map[string]any{"id": sent.ID, "threadId": sent.ThreadID}, nil
}

// encodeRFC822 builds the base64url-encoded wire message the send
// endpoint expects.
func encodeRFC822(to, subject, body, inReplyTo string) string {
	var b strings.Builder
	fmt.Fprintf(&b, "To: %s\r\n", to)
	fmt.Fprintf(&b, "Subject: %s\r\n", subject)
	if inReplyTo != "" {
		fmt.Fprintf(&b, "In-Reply-To: %s\r\n", inReplyTo)
		fmt.Fprintf(&b, "References: %s\r\n", inReplyTo)
	}
	b.WriteString("Content-Type: text/plain; charset=\"UTF-8\"\r\n")
	b.WriteString("\r\n")
	b.WriteString(body)
	return base64.URLEncoding.EncodeToString([]byte(b.String()))
}

func (a *Adapter) addLabels(ctx context.Context, token string, args map[string]any) (any, error) {
	id, err := integration.RequireString("gmail", args, "messageId")
	if err != nil {
		return nil, err
	}
	labels := integration.StringsArg(args, "labelIds")
	if len(labels) == 0 {
		return nil, integration.E(integration.KindInvalidRequest, "gmail", "missing required argument \"labelIds\"")
	}
	path := "/users/me/messages/" + url.PathEscape(id) + "/modify"
	payload := map[string]any{"addLabelIds": labels}
	var modified messageRef
	if err := a.do(ctx, token, http.MethodPost, path, nil, payload, &modified); err != nil {
		return nil, err
	}
	return map[string]any{"id": modified.ID, "labelIds": labels}, nil
}

func (a *Adapter) listLabels(ctx context.Context, token string) (any, error) {
	var listed struct {
		Labels []struct {
			ID   string `json:"id"`
			Name string `json:"name"`
			Type string `json:"type"`
		} `json:"labels"`
	}
	if err := a.do(ctx, token, http.MethodGet, "/users/me/labels", nil, nil, &listed); err != nil {
		return nil, err
	}
	out := make([]map[string]any, len(listed.Labels))
	for i, l := range listed.Labels {
		out[i] = map[string]any{"id": l.ID, "name": l.Name, "type": l.Type}
	}
	return out, nil
}

func (a *Adapter) getProfile(ctx context.Context, token string) (any, error) {
	var profile struct {
		EmailAddress  string `json:"emailAddress"`
		MessagesTotal int64  `json:"messagesTotal"`
		ThreadsTotal  int64  `json:"threadsTotal"`
	}
	if err := a.do(ctx, token, http.MethodGet, "/users/me/profile", nil, nil, &profile); err != nil {
		return nil, err
	}
	return map[string]any{
		"emailAddress":  profile.EmailAddress,
		"messagesTotal": profile.MessagesTotal,
		"threadsTotal":  profile.ThreadsTotal,
	}, nil
}
