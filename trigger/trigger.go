// Package trigger polls integration providers for new occurrences of a
// workflow's trigger. Detection is read-only: it reports candidates and
// leaves dedup and enqueueing to the scheduler.
package trigger

import (
	"context"
	"sort"
	"strconv"
	"time"

	"goa.design/clue/log"

	"github.com/conduitflow/conduit/integration"
	"github.com/conduitflow/conduit/store/users"
	"github.com/conduitflow/conduit/workflow"
)

const (
	// defaultEmailQuery scopes inbox polling to recent unread mail.
	defaultEmailQuery = "is:unread newer_than:2d"
	// emailListLimit caps messages fetched per poll.
	emailListLimit = 10
	// channelHistoryLimit caps channel messages fetched per poll.
	channelHistoryLimit = 10
)

// Candidate is one occurrence of a trigger observed at the provider.
// ExternalID is the provider-native identity used for dedup. Data is the
// run payload: the normalized provider item nested under the "trigger"
// key that step templates address ({{trigger.subject}}).
type Candidate struct {
	ExternalID string
	Timestamp  time.Time
	Data       map[string]any
}

func templateData(item map[string]any) map[string]any {
	return map[string]any{"trigger": item}
}

// Detector polls providers for trigger candidates.
type Detector struct {
	dispatcher *integration.Dispatcher
}

// New creates a Detector.
func New(d *integration.Dispatcher) *Detector {
	return &Detector{dispatcher: d}
}

// Detect returns candidates for the trigger step, newest first. A trigger
// whose config lacks its required fields detects nothing rather than
// erroring: the workflow was saved incomplete and polling it is a no-op.
func (d *Detector) Detect(ctx context.Context, user *users.User, trig workflow.Step) ([]Candidate, error) {
	var (
		cands []Candidate
		err   error
	)
	switch trig.TriggerID {
	case "new_email":
		cands, err = d.detectEmail(ctx, user, trig, "")
	case "email_starred":
		cands, err = d.detectEmail(ctx, user, trig, "is:starred")
	case "new_channel_message":
		cands, err = d.detectChannelMessage(ctx, user, trig)
	case "new_issue":
		cands, err = d.detectGitHubList(ctx, user, trig, "listIssues", "number", "createdAt")
	case "pull_request_opened":
		cands, err = d.detectGitHubList(ctx, user, trig, "listPullRequests", "number", "createdAt")
	case "issue_commented":
		cands, err = d.detectGitHubList(ctx, user, trig, "listIssueComments", "id", "createdAt")
	case "commit_pushed":
		cands, err = d.detectCommits(ctx, user, trig)
	default:
		log.Printf(ctx, "trigger %q on app %q is not pollable", trig.TriggerID, trig.App)
		return nil, nil
	}
	if err != nil {
		return nil, err
	}
	sort.SliceStable(cands, func(i, j int) bool {
		return cands[i].Timestamp.After(cands[j].Timestamp)
	})
	return cands, nil
}

func configString(cfg map[string]any, key string) string {
	if cfg == nil {
		return ""
	}
	s, _ := cfg[key].(string)
	return s
}

// asList tolerates both the []map and []any shapes adapter results take
// after a JSON round trip.
func asList(v any) []map[string]any {
	switch list := v.(type) {
	case []map[string]any:
		return list
	case []any:
		out := make([]map[string]any, 0, len(list))
		for _, e := range list {
			if m, ok := e.(map[string]any); ok {
				out = append(out, m)
			}
		}
		return out
	}
	return nil
}

func timestampOf(data map[string]any, key string) time.Time {
	s, _ := data[key].(string)
	if s == "" {
		return time.Time{}
	}
	t, err := time.Parse(time.RFC3339, s)
	if err != nil {
		return time.Time{}
	}
	return t
}

func (d *Detector) detectEmail(ctx context.Context, user *users.User, trig workflow.Step, forcedQuery string) ([]Candidate, error) {
	query := forcedQuery
	if query == "" {
		query = configString(trig.Config, "query")
	}
	if query == "" {
		query = defaultEmailQuery
	}
	out, err := d.dispatcher.Call(ctx, user, "gmail", "listMessages", map[string]any{
		"query":      query,
		"maxResults": emailListLimit,
	})
	if err != nil {
		return nil, err
	}
	var cands []Candidate
	for _, msg := range asList(out) {
		id, _ := msg["id"].(string)
		if id == "" {
			continue
		}
		cands = append(cands, Candidate{
			ExternalID: id,
			Timestamp:  timestampOf(msg, "date"),
			Data:       templateData(msg),
		})
	}
	return cands, nil
}

func (d *Detector) detectChannelMessage(ctx context.Context, user *users.User, trig workflow.Step) ([]Candidate, error) {
	channel := configString(trig.Config, "channel")
	if channel == "" {
		return nil, nil
	}
	out, err := d.dispatcher.Call(ctx, user, "slack", "history", map[string]any{
		"channel": channel,
		"limit":   channelHistoryLimit,
	})
	if err != nil {
		return nil, err
	}
	var cands []Candidate
	for _, msg := range asList(out) {
		ts, _ := msg["ts"].(string)
		if ts == "" {
			continue
		}
		cands = append(cands, Candidate{
			ExternalID: ts,
			Timestamp:  timestampOf(msg, "date"),
			Data:       templateData(msg),
		})
	}
	return cands, nil
}

func (d *Detector) detectGitHubList(ctx context.Context, user *users.User, trig workflow.Step, method, idKey, tsKey string) ([]Candidate, error) {
	owner := configString(trig.Config, "owner")
	repo := configString(trig.Config, "repo")
	if owner == "" || repo == "" {
		return nil, nil
	}
	out, err := d.dispatcher.Call(ctx, user, "github", method, map[string]any{
		"owner": owner,
		"repo":  repo,
	})
	if err != nil {
		return nil, err
	}
	var cands []Candidate
	for _, item := range asList(out) {
		id := externalID(item[idKey])
		if id == "" {
			continue
		}
		cands = append(cands, Candidate{
			ExternalID: id,
			Timestamp:  timestampOf(item, tsKey),
			Data:       templateData(item),
		})
	}
	return cands, nil
}

func (d *Detector) detectCommits(ctx context.Context, user *users.User, trig workflow.Step) ([]Candidate, error) {
	owner := configString(trig.Config, "owner")
	repo := configString(trig.Config, "repo")
	if owner == "" || repo == "" {
		return nil, nil
	}
	args := map[string]any{"owner": owner, "repo": repo}
	if branch := configString(trig.Config, "branch"); branch != "" {
		args["branch"] = branch
	}
	out, err := d.dispatcher.Call(ctx, user, "github", "listCommits", args)
	if err != nil {
		return nil, err
	}
	var cands []Candidate
	for _, commit := range asList(out) {
		sha, _ := commit["sha"].(string)
		if sha == "" {
			continue
		}
		cands = append(cands, Candidate{
			ExternalID: sha,
			Timestamp:  timestampOf(commit, "date"),
			Data:       templateData(commit),
		})
	}
	return cands, nil
}

// externalID stringifies provider identities that arrive as numbers.
func externalID(v any) string {
	switch id := v.(type) {
	case string:
		return id
	case int:
		return strconv.Itoa(id)
	case int64:
		return strconv.FormatInt(id, 10)
	case float64:
		return strconv.FormatInt(int64(id), 10)
	}
	return ""
}
