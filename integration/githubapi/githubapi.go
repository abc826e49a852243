// Package githubapi adapts GitHub REST calls to the dispatcher contract.
// A client is built per call from the workflow owner's token.
package githubapi

import (
	"context"
	"errors"
	"strings"
	"time"

	"github.com/google/go-github/v37/github"
	"golang.org/x/oauth2"

	"github.com/conduitflow/conduit/integration"
)

// defaultListLimit bounds list calls polled by triggers.
const defaultListLimit = 30

// Adapter serves the "github" app.
type Adapter struct {
	baseURL string
}

var _ integration.Adapter = (*Adapter)(nil)

// Option configures an Adapter.
type Option func(*Adapter)

// WithBaseURL points the client at a different API endpoint. Tests use a
// local server; the URL must end in a slash for go-github.
func WithBaseURL(u string) Option {
	return func(a *Adapter) { a.baseURL = u }
}

// New creates a GitHub adapter.
func New(opts ...Option) *Adapter {
	a := &Adapter{}
	for _, opt := range opts {
		opt(a)
	}
	return a
}

// Name implements integration.Adapter.
func (a *Adapter) Name() string { return "github" }

func (a *Adapter) client(ctx context.Context, token string) (*github.Client, error) {
	httpClient := oauth2.NewClient(ctx, oauth2.StaticTokenSource(&oauth2.Token{AccessToken: token}))
	cl := github.NewClient(httpClient)
	if a.baseURL != "" {
		u := a.baseURL
		if !strings.HasSuffix(u, "/") {
			u += "/"
		}
		parsed, err := cl.BaseURL.Parse(u)
		if err != nil {
			return nil, integration.Wrap(integration.KindInternal, "github", err)
		}
		cl.BaseURL = parsed
	}
	return cl, nil
}

// Invoke implements integration.Adapter.
func (a *Adapter) Invoke(ctx context.Context, token, method string, args map[string]any) (any, error) {
	c, err := a.client(ctx, token)
	if err != nil {
		return nil, err
	}
	switch method {
	case "listIssues":
		return a.listIssues(ctx, c, args)
	case "listPullRequests":
		return a.listPullRequests(ctx, c, args)
	case "listCommits":
		return a.listCommits(ctx, c, args)
	case "listIssueComments":
		return a.listIssueComments(ctx, c, args)
	case "createIssue":
		return a.createIssue(ctx, c, args)
	case "addComment":
		return a.addComment(ctx, c, args)
	case "closeIssue":
		return a.closeIssue(ctx, c, args)
	case "assignIssue":
		return a.assignIssue(ctx, c, args)
	case "listRepos":
		return a.listRepos(ctx, c)
	case "getCurrentUser":
		return a.getCurrentUser(ctx, c)
	default:
		return nil, integration.Errf(integration.KindInvalidRequest, "github", "unknown method %q", method)
	}
}

func ownerRepo(args map[string]any) (string, string, error) {
	owner, err := integration.RequireString("github", args, "owner")
	if err != nil {
		return "", "", err
	}
	repo, err := integration.RequireString("github", args, "repo")
	if err != nil {
		return "", "", err
	}
	return owner, repo, nil
}

func issueNumber(args map[string]any) (int, error) {
	n := integration.IntArg(args, "issueNumber", 0)
	if n <= 0 {
		return 0, integration.E(integration.KindInvalidRequest, "github", "missing required argument \"issueNumber\"")
	}
	return n, nil
}

func normalizeIssue(issue *github.Issue) map[string]any {
	out := map[string]any{
		"number": issue.GetNumber(),
		"title":  issue.GetTitle(),
		"body":   issue.GetBody(),
		"state":  issue.GetState(),
		"url":    issue.GetHTMLURL(),
		"author": issue.GetUser().GetLogin(),
	}
	if t := issue.GetCreatedAt(); !t.IsZero() {
		out["createdAt"] = t.UTC().Format(time.RFC3339)
	}
	return out
}

func (a *Adapter) listIssues(ctx context.Context, c *github.Client, args map[string]any) (any, error) {
	owner, repo, err := ownerRepo(args)
	if err != nil {
		return nil, err
	}
	opts := &github.IssueListByRepoOptions{
		State:       "open",
		Sort:        "created",
		Direction:   "desc",
		ListOptions: github.ListOptions{PerPage: integration.IntArg(args, "limit", defaultListLimit)},
	}
	issues, _, err := c.Issues.ListByRepo(ctx, owner, repo, opts)
	if err != nil {
		return nil, translate(err)
	}
	out := make([]map[string]any, 0, len(issues))
	for _, issue := range issues {
		// The issues API interleaves pull requests; triggers on issues
		// must not fire for them.
		if issue.IsPullRequest() {
			continue
		}
		out = append(out, normalizeIssue(issue))
	}
	return out, nil
}

func (a *Adapter) listPullRequests(ctx context.Context, c *github.Client, args map[string]any) (any, error) {
	owner, repo, err := ownerRepo(args)
	if err != nil {
		return nil, err
	}
	opts := &github.PullRequestListOptions{
		State:       "open",
		Sort:        "created",
		Direction:   "desc",
		ListOptions: github.ListOptions{PerPage: integration.IntArg(args, "limit", defaultListLimit)},
	}
	prs, _, err := c.PullRequests.List(ctx, owner, repo, opts)
	if err != nil {
		return nil, translate(err)
	}
	out := make([]map[string]any, len(prs))
	for i, pr := range prs {
		out[i] = map[string]any{
			"number": pr.GetNumber(),
			"title":  pr.GetTitle(),
			"body":   pr.GetBody(),
			"state":  pr.GetState(),
			"url":    pr.GetHTMLURL(),
			"author": pr.GetUser().GetLogin(),
			"branch": pr.GetHead().GetRef(),
		}
		if t := pr.GetCreatedAt(); !t.IsZero() {
			out[i]["createdAt"] = t.UTC().Format(time.RFC3339)
		}
	}
	return out, nil
}

func (a *Adapter) listCommits(ctx context.Context, c *github.Client, args map[string]any) (any, error) {
	owner, repo, err := ownerRepo(args)
	if err != nil {
		return nil, err
	}
	opts := &github.CommitsListOptions{
		SHA:         integration.StringArg(args, "branch"),
		ListOptions: github.ListOptions{PerPage: integration.IntArg(args, "limit", defaultListLimit)},
	}
	commits, _, err := c.Repositories.ListCommits(ctx, owner, repo, opts)
	if err != nil {
		return nil, translate(err)
	}
	out := make([]map[string]any, len(commits))
	for i, commit := range commits {
		out[i] = map[string]any{
			"sha":     commit.GetSHA(),
			"message": commit.GetCommit().GetMessage(),
			"author":  commit.GetCommit().GetAuthor().GetName(),
			"url":     commit.GetHTMLURL(),
		}
		if t := commit.GetCommit().GetAuthor().GetDate(); !t.IsZero() {
			out[i]["date"] = t.UTC().Format(time.RFC3339)
		}
	}
	return out, nil
}

func (a *Adapter) listIssueComments(ctx context.Context, c *github.Client, args map[string]any) (any, error) {
	owner, repo, err := ownerRepo(args)
	if err != nil {
		return nil, err
	}
	sort := "created"
	direction := "desc"
	opts := &github.IssueListCommentsOptions{
		Sort:        &sort,
		Direction:   &direction,
		ListOptions: github.ListOptions{PerPage: integration.IntArg(args, "limit", defaultListLimit)},
	}
	// Issue number zero lists comments across the whole repository.
	number := integration.IntArg(args, "issueNumber", 0)
	comments, _, err := c.Issues.ListComments(ctx, owner, repo, number, opts)
	if err != nil {
		return nil, translate(err)
	}
	out := make([]map[string]any, len(comments))
	for i, comment := range comments {
		out[i] = map[string]any{
			"id":     comment.GetID(),
			"body":   comment.GetBody(),
			"author": comment.GetUser().GetLogin(),
			"url":    comment.GetHTMLURL(),
		}
		if t := comment.GetCreatedAt(); !t.IsZero() {
			out[i]["createdAt"] = t.UTC().Format(time.RFC3339)
		}
	}
	return out, nil
}

func (a *Adapter) createIssue(ctx context.Context, c *github.Client, args map[string]any) (any, error) {
	owner, repo, err := ownerRepo(args)
	if err != nil {
		return nil, err
	}
	title, err := integration.RequireString("github", args, "title")
	if err != nil {
		return nil, err
	}
	req := &github.IssueRequest{Title: github.String(title)}
	if body := integration.StringArg(args, "body"); body != "" {
		req.Body = github.String(body)
	}
	if labels := integration.StringsArg(args, "labels"); len(labels) > 0 {
		req.Labels = &labels
	}
	issue, _, err := c.Issues.Create(ctx, owner, repo, req)
	if err != nil {
		return nil, translate(err)
	}
	return normalizeIssue(issue), nil
}

func (a *Adapter) addComment(ctx context.Context, c *github.Client, args map[string]any) (any, error) {
	owner, repo, err := ownerRepo(args)
	if err != nil {
		return nil, err
	}
	number, err := issueNumber(args)
	if err != nil {
		return nil, err
	}
	body, err := integration.RequireString("github", args, "body")
	if err != nil {
		return nil, err
	}
	comment, _, err := c.Issues.CreateComment(ctx, owner, repo, number, &github.IssueComment{
		Body: github.String(body),
	})
	if err != nil {
		return nil, translate(err)
	}
	return map[string]any{"id": comment.GetID(), "body": comment.GetBody(), "url": comment.GetHTMLURL()}, nil
}

func (a *Adapter) closeIssue(ctx context.Context, c *github.Client, args map[string]any) (any, error) {
	owner, repo, err := ownerRepo(args)
	if err != nil {
		return nil, err
	}
	number, err := issueNumber(args)
	if err != nil {
		return nil, err
	}
	issue, _, err := c.Issues.Edit(ctx, owner, repo, number, &github.IssueRequest{
		State: github.String("closed"),
	})
	if err != nil {
		return nil, translate(err)
	}
	return normalizeIssue(issue), nil
}

func (a *Adapter) assignIssue(ctx context.Context, c *github.Client, args map[string]any) (any, error) {
	owner, repo, err := ownerRepo(args)
	if err != nil {
		return nil, err
	}
	number, err := issueNumber(args)
	if err != nil {
		return nil, err
	}
	assignees := integration.StringsArg(args, "assignees")
	if len(assignees) == 0 {
		return nil, integration.E(integration.KindInvalidRequest, "github", "missing required argument \"assignees\"")
	}
	issue, _, err := c.Issues.AddAssignees(ctx, owner, repo, number, assignees)
	if err != nil {
		return nil, translate(err)
	}
	return normalizeIssue(issue), nil
}

func (a *Adapter) listRepos(ctx context.Context, c *github.Client) (any, error) {
	opts := &github.RepositoryListOptions{
		Sort:        "updated",
		ListOptions: github.ListOptions{PerPage: 100},
	}
	repos, _, err := c.Repositories.List(ctx, "", opts)
	if err != nil {
		return nil, translate(err)
	}
	out := make([]map[string]any, len(repos))
	for i, r := range repos {
		out[i] = map[string]any{
			"fullName": r.GetFullName(),
			"name":     r.GetName(),
			"owner":    r.GetOwner().GetLogin(),
			"private":  r.GetPrivate(),
		}
	}
	return out, nil
}

func (a *Adapter) getCurrentUser(ctx context.Context, c *github.Client) (any, error) {
	user, _, err := c.Users.Get(ctx, "")
	if err != nil {
		return nil, translate(err)
	}
	return map[string]any{"login": user.GetLogin(), "name": user.GetName(), "email": user.GetEmail()}, nil
}

// translate maps go-github errors onto the integration taxonomy.
func translate(err error) error {
	if err == nil {
		return nil
	}
	var rle *github.RateLimitError
	if errors.As(err, &rle) {
		ie := integration.Wrap(integration.KindRateLimited, "github", err)
		if reset := rle.Rate.Reset.Time; !reset.IsZero() {
			if wait := time.Until(reset); wait > 0 {
				ie.RetryAfter = wait
			}
		}
		return ie
	}
	var arle *github.AbuseRateLimitError
	if errors.As(err, &arle) {
		ie := integration.Wrap(integration.KindRateLimited, "github", err)
		ie.RetryAfter = arle.GetRetryAfter()
		return ie
	}
	var ghe *github.ErrorResponse
	if errors.As(err, &ghe) && ghe.Response != nil {
		return integration.FromHTTPStatus("github", ghe.Response.StatusCode, ghe.Message)
	}
	return integration.Wrap(integration.KindTransient, "github", err)
}
