// Package slackapi adapts Slack Web API calls to the dispatcher contract.
// Clients are built per call because the bearer token belongs to the
// workflow owner, not the process.
package slackapi

import (
	"context"
	"errors"
	"fmt"
	"math"
	"strconv"
	"strings"
	"time"

	"github.com/slack-go/slack"

	"github.com/conduitflow/conduit/integration"
)

// defaultHistoryLimit bounds channel history reads when the caller does
// not ask for a limit.
const defaultHistoryLimit = 10

// Adapter serves the "slack" app.
type Adapter struct {
	opts []slack.Option
}

var _ integration.Adapter = (*Adapter)(nil)

// New creates a Slack adapter. Extra options are passed to every client;
// tests use slack.OptionAPIURL to point at a local server.
func New(opts ...slack.Option) *Adapter {
	return &Adapter{opts: opts}
}

// Name implements integration.Adapter.
func (a *Adapter) Name() string { return "slack" }

func (a *Adapter) client(token string) *slack.Client {
	return slack.New(token, a.opts...)
}

// Invoke implements integration.Adapter.
func (a *Adapter) Invoke(ctx context.Context, token, method string, args map[string]any) (any, error) {
	c := a.client(token)
	switch method {
	case "history":
		return a.history(ctx, c, args)
	case "postMessage":
		return a.postMessage(ctx, c, args)
	case "updateMessage":
		return a.updateMessage(ctx, c, args)
	case "addReaction":
		return a.addReaction(ctx, c, args)
	case "sendDM":
		return a.sendDM(ctx, c, args)
	case "listChannels":
		return a.listChannels(ctx, c)
	case "listUsers":
		return a.listUsers(ctx, c)
	case "getWorkspaceInfo":
		return a.getWorkspaceInfo(ctx, c)
	case "getCurrentUser":
		return a.getCurrentUser(ctx, c)
	default:
		return nil, integration.Errf(integration.KindInvalidRequest, "slack", "unknown method %q", method)
	}
}

// ParseTS converts a Slack message timestamp ("1712345678.000200") to a
// wall-clock time.
func ParseTS(ts string) (time.Time, error) {
	f, err := strconv.ParseFloat(ts, 64)
	if err != nil {
		return time.Time{}, fmt.Errorf("slack timestamp %q: %w", ts, err)
	}
	sec, frac := math.Modf(f)
	return time.Unix(int64(sec), int64(frac*1e9)).UTC(), nil
}

func normalizeMessage(channel string, m *slack.Message) map[string]any {
	out := map[string]any{
		"ts":      m.Timestamp,
		"text":    m.Text,
		"user":    m.User,
		"channel": channel,
	}
	if t, err := ParseTS(m.Timestamp); err == nil {
		out["date"] = t.Format(time.RFC3339)
	}
	return out
}

func (a *Adapter) history(ctx context.Context, c *slack.Client, args map[string]any) (any, error) {
	channel, err := integration.RequireString("slack", args, "channel")
	if err != nil {
		return nil, err
	}
	limit := integration.IntArg(args, "limit", defaultHistoryLimit)
	resp, err := c.GetConversationHistoryContext(ctx, &slack.GetConversationHistoryParameters{
		ChannelID: channel,
		Limit:     limit,
	})
	if err != nil {
		return nil, translate(err)
	}
	out := make([]map[string]any, len(resp.Messages))
	for i := range resp.Messages {
		out[i] = normalizeMessage(channel, &resp.Messages[i])
	}
	return out, nil
}

func (a *Adapter) postMessage(ctx context.Context, c *slack.Client, args map[string]any) (any, error) {
	channel, err := integration.RequireString("slack", args, "channel")
	if err != nil {
		return nil, err
	}
	text, err := integration.RequireString("slack", args, "text")
	if err != nil {
		return nil, err
	}
	ch, ts, err := c.PostMessageContext(ctx, channel, slack.MsgOptionText(text, false))
	if err != nil {
		return nil, translate(err)
	}
	return map[string]any{"channel": ch, "ts": ts, "text": text}, nil
}

func (a *Adapter) updateMessage(ctx context.Context, c *slack.Client, args map[string]any) (any, error) {
	channel, err := integration.RequireString("slack", args, "channel")
	if err != nil {
		return nil, err
	}
	ts, err := integration.RequireString("slack", args, "messageTs")
	if err != nil {
		return nil, err
	}
	text, err := integration.RequireString("slack", args, "text")
	if err != nil {
		return nil, err
	}
	ch, newTS, _, err := c.UpdateMessageContext(ctx, channel, ts, slack.MsgOptionText(text, false))
	if err != nil {
		return nil, translate(err)
	}
	return map[string]any{"channel": ch, "ts": newTS, "text": text}, nil
}

func (a *Adapter) addReaction(ctx context.Context, c *slack.Client, args map[string]any) (any, error) {
	channel, err := integration.RequireString("slack", args, "channel")
	if err != nil {
		return nil, err
	}
	ts, err := integration.RequireString("slack", args, "messageTs")
	if err != nil {
		return nil, err
	}
	name, err := integration.RequireString("slack", args, "emoji")
	if err != nil {
		return nil, err
	}
	name = strings.Trim(name, ":")
	if err := c.AddReactionContext(ctx, name, slack.NewRefToMessage(channel, ts)); err != nil {
		return nil, translate(err)
	}
	return map[string]any{"channel": channel, "ts": ts, "emoji": name}, nil
}

func (a *Adapter) sendDM(ctx context.Context, c *slack.Client, args map[string]any) (any, error) {
	userID, err := integration.RequireString("slack", args, "userId")
	if err != nil {
		return nil, err
	}
	text, err := integration.RequireString("slack", args, "text")
	if err != nil {
		return nil, err
	}
	channel, _, _, err := c.OpenConversationContext(ctx, &slack.OpenConversationParameters{
		Users:    []string{userID},
		ReturnIM: true,
	})
	if err != nil {
		return nil, translate(err)
	}
	ch, ts, err := c.PostMessageContext(ctx, channel.ID, slack.MsgOptionText(text, false))
	if err != nil {
		return nil, translate(err)
	}
	return map[string]any{"channel": ch, "ts": ts, "text": text}, nil
}

func (a *Adapter) listChannels(ctx context.Context, c *slack.Client) (any, error) {
	channels, _, err := c.GetConversationsContext(ctx, &slack.GetConversationsParameters{
		Types:           []string{"public_channel"},
		ExcludeArchived: true,
		Limit:           200,
	})
	if err != nil {
		return nil, translate(err)
	}
	out := make([]map[string]any, len(channels))
	for i, ch := range channels {
		out[i] = map[string]any{"id": ch.ID, "name": ch.Name, "isMember": ch.IsMember}
	}
	return out, nil
}

func (a *Adapter) listUsers(ctx context.Context, c *slack.Client) (any, error) {
	users, err := c.GetUsersContext(ctx)
	if err != nil {
		return nil, translate(err)
	}
	out := make([]map[string]any, 0, len(users))
	for _, u := range users {
		if u.IsBot || u.Deleted {
			continue
		}
		out = append(out, map[string]any{"id": u.ID, "name": u.Name, "realName": u.RealName})
	}
	return out, nil
}

func (a *Adapter) getWorkspaceInfo(ctx context.Context, c *slack.Client) (any, error) {
	info, err := c.GetTeamInfoContext(ctx)
	if err != nil {
		return nil, translate(err)
	}
	return map[string]any{"id": info.ID, "name": info.Name, "domain": info.Domain}, nil
}

func (a *Adapter) getCurrentUser(ctx context.Context, c *slack.Client) (any, error) {
	resp, err := c.AuthTestContext(ctx)
	if err != nil {
		return nil, translate(err)
	}
	return map[string]any{"userId": resp.UserID, "user": resp.User, "team": resp.Team}, nil
}

// translate maps slack-go errors onto the integration taxonomy. The Web
// API reports most failures as an ok:false envelope whose error code
// arrives as the error string.
func translate(err error) error {
	if err == nil {
		return nil
	}
	var rl *slack.RateLimitedError
	if errors.As(err, &rl) {
		ie := integration.Wrap(integration.KindRateLimited, "slack", err)
		ie.RetryAfter = rl.RetryAfter
		return ie
	}
	var sc slack.StatusCodeError
	if errors.As(err, &sc) {
		return integration.FromHTTPStatus("slack", sc.Code, sc.Status)
	}
	switch err.Error() {
	case "invalid_auth", "not_authed", "token_revoked", "token_expired", "account_inactive":
		return integration.Wrap(integration.KindUnauthorized, "slack", err)
	case "missing_scope", "access_denied", "not_in_channel", "restricted_action":
		return integration.Wrap(integration.KindForbidden, "slack", err)
	case "channel_not_found", "user_not_found", "message_not_found", "users_not_found":
		return integration.Wrap(integration.KindNotFound, "slack", err)
	case "ratelimited", "rate_limited":
		return integration.Wrap(integration.KindRateLimited, "slack", err)
	}
	return integration.Wrap(integration.KindProviderError, "slack", err)
}
