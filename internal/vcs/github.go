package vcs

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"net/url"
	"strings"

	"github.com/google/go-github/v66/github"

	"github.com/rogers-f/steward/internal/domain"
	"github.com/rogers-f/steward/internal/retry"
)

const (
	maxPerPage   = 100
	markerWindow = 100
)

// GitHubClient implements Client against the GitHub REST API.
type GitHubClient struct {
	owner string
	repo  string
	gh    *github.Client
}

// GitHubOption configures a GitHubClient.
type GitHubOption func(*github.Client) error

// WithBaseURL points the client at a different API root, such as a GitHub
// Enterprise host or a test server.
func WithBaseURL(raw string) GitHubOption {
	return func(c *github.Client) error {
		if !strings.HasSuffix(raw, "/") {
			raw += "/"
		}
		u, err := url.Parse(raw)
		if err != nil {
			return fmt.Errorf("parse base url: %w", err)
		}
		c.BaseURL = u
		return nil
	}
}

// NewGitHubClient creates a client for owner/repo. httpClient may be nil.
func NewGitHubClient(owner, repo, token string, httpClient *http.Client, opts ...GitHubOption) (*GitHubClient, error) {
	if owner == "" || repo == "" {
		return nil, domain.ErrRepositoryNotSet
	}
	gh := github.NewClient(httpClient)
	if token != "" {
		gh = gh.WithAuthToken(token)
	}
	for _, opt := range opts {
		if err := opt(gh); err != nil {
			return nil, err
		}
	}
	return &GitHubClient{owner: owner, repo: repo, gh: gh}, nil
}

// FullName returns "owner/repo".
func (c *GitHubClient) FullName() string { return c.owner + "/" + c.repo }

// ReadIssues lists issues (not pull requests), newest first.
func (c *GitHubClient) ReadIssues(ctx context.Context, state string, limit int) ([]Issue, error) {
	if state == "" {
		state = "open"
	}
	list, _, err := c.gh.Issues.ListByRepo(ctx, c.owner, c.repo, &github.IssueListByRepoOptions{
		State:       state,
		Sort:        "created",
		Direction:   "desc",
		ListOptions: github.ListOptions{PerPage: perPage(limit)},
	})
	if err != nil {
		return nil, classify("list issues", err)
	}
	out := make([]Issue, 0, len(list))
	for _, is := range list {
		if is.IsPullRequest() {
			continue
		}
		out = append(out, toIssue(is))
		if limit > 0 && len(out) == limit {
			break
		}
	}
	return out, nil
}

// ReadIssue fetches one issue.
func (c *GitHubClient) ReadIssue(ctx context.Context, number int) (Issue, error) {
	is, _, err := c.gh.Issues.Get(ctx, c.owner, c.repo, number)
	if err != nil {
		return Issue{}, classify(fmt.Sprintf("get issue #%d", number), err)
	}
	return toIssue(is), nil
}

// ReadHistory lists the latest commits of the default branch.
func (c *GitHubClient) ReadHistory(ctx context.Context, limit int) ([]Commit, error) {
	list, _, err := c.gh.Repositories.ListCommits(ctx, c.owner, c.repo, &github.CommitsListOptions{
		ListOptions: github.ListOptions{PerPage: perPage(limit)},
	})
	if err != nil {
		return nil, classify("list commits", err)
	}
	out := make([]Commit, 0, len(list))
	for _, rc := range list {
		out = append(out, Commit{
			SHA:     rc.GetSHA(),
			Message: rc.GetCommit().GetMessage(),
			Author:  rc.GetCommit().GetAuthor().GetName(),
			Date:    rc.GetCommit().GetAuthor().GetDate().Time,
		})
	}
	return out, nil
}

// ReadPullRequest fetches a pull request and its unified diff.
func (c *GitHubClient) ReadPullRequest(ctx context.Context, number int) (PullRequest, error) {
	pr, _, err := c.gh.PullRequests.Get(ctx, c.owner, c.repo, number)
	if err != nil {
		return PullRequest{}, classify(fmt.Sprintf("get pull request #%d", number), err)
	}
	diff, _, err := c.gh.PullRequests.GetRaw(ctx, c.owner, c.repo, number, github.RawOptions{Type: github.Diff})
	if err != nil {
		return PullRequest{}, classify(fmt.Sprintf("get diff of #%d", number), err)
	}
	out := toPullRequest(pr)
	out.Diff = diff
	return out, nil
}

// CreateIssue opens an issue.
func (c *GitHubClient) CreateIssue(ctx context.Context, in NewIssue) (Issue, error) {
	req := &github.IssueRequest{
		Title: github.String(in.Title),
		Body:  github.String(in.Body),
	}
	if len(in.Labels) > 0 {
		labels := append([]string(nil), in.Labels...)
		req.Labels = &labels
	}
	is, _, err := c.gh.Issues.Create(ctx, c.owner, c.repo, req)
	if err != nil {
		return Issue{}, classify("create issue", err)
	}
	return toIssue(is), nil
}

// CreatePullRequest opens a pull request from an existing branch.
func (c *GitHubClient) CreatePullRequest(ctx context.Context, in NewPullRequest) (PullRequest, error) {
	pr, _, err := c.gh.PullRequests.Create(ctx, c.owner, c.repo, &github.NewPullRequest{
		Title: github.String(in.Title),
		Body:  github.String(in.Body),
		Head:  github.String(in.Head),
		Base:  github.String(in.Base),
	})
	if err != nil {
		return PullRequest{}, classify("create pull request", err)
	}
	return toPullRequest(pr), nil
}

// AddComment comments on an issue or pull request.
func (c *GitHubClient) AddComment(ctx context.Context, number int, body string) (Comment, error) {
	cm, _, err := c.gh.Issues.CreateComment(ctx, c.owner, c.repo, number, &github.IssueComment{Body: github.String(body)})
	if err != nil {
		return Comment{}, classify(fmt.Sprintf("comment on #%d", number), err)
	}
	return toComment(cm), nil
}

// FindIssueByMarker scans the most recent issues for marker.
func (c *GitHubClient) FindIssueByMarker(ctx context.Context, marker string) (*Issue, error) {
	list, _, err := c.gh.Issues.ListByRepo(ctx, c.owner, c.repo, &github.IssueListByRepoOptions{
		State:       "all",
		Sort:        "created",
		Direction:   "desc",
		ListOptions: github.ListOptions{PerPage: markerWindow},
	})
	if err != nil {
		return nil, classify("search issues", err)
	}
	for _, is := range list {
		if is.IsPullRequest() || !strings.Contains(is.GetBody(), marker) {
			continue
		}
		found := toIssue(is)
		return &found, nil
	}
	return nil, nil
}

// FindPullRequestByHead returns the pull request opened from branch head.
func (c *GitHubClient) FindPullRequestByHead(ctx context.Context, head string) (*PullRequest, error) {
	list, _, err := c.gh.PullRequests.List(ctx, c.owner, c.repo, &github.PullRequestListOptions{
		State:       "all",
		Head:        c.owner + ":" + head,
		ListOptions: github.ListOptions{PerPage: 1},
	})
	if err != nil {
		return nil, classify("list pull requests", err)
	}
	if len(list) == 0 {
		return nil, nil
	}
	found := toPullRequest(list[0])
	return &found, nil
}

// FindCommentByMarker scans the comments of an issue or pull request.
func (c *GitHubClient) FindCommentByMarker(ctx context.Context, number int, marker string) (*Comment, error) {
	opts := &github.IssueListCommentsOptions{ListOptions: github.ListOptions{PerPage: maxPerPage}}
	for {
		list, resp, err := c.gh.Issues.ListComments(ctx, c.owner, c.repo, number, opts)
		if err != nil {
			return nil, classify(fmt.Sprintf("list comments of #%d", number), err)
		}
		for _, cm := range list {
			if strings.Contains(cm.GetBody(), marker) {
				found := toComment(cm)
				return &found, nil
			}
		}
		if resp == nil || resp.NextPage == 0 {
			return nil, nil
		}
		opts.Page = resp.NextPage
	}
}

func perPage(limit int) int {
	if limit <= 0 || limit > maxPerPage {
		return maxPerPage
	}
	return limit
}

// classify tags a go-github error with its retry classification.
func classify(op string, err error) error {
	wrapped := fmt.Errorf("github %s: %w", op, err)

	var rateErr *github.RateLimitError
	if errors.As(err, &rateErr) {
		return retry.Mark(retry.RateLimited, wrapped)
	}
	var abuseErr *github.AbuseRateLimitError
	if errors.As(err, &abuseErr) {
		return retry.Mark(retry.RateLimited, wrapped)
	}
	var acceptedErr *github.AcceptedError
	if errors.As(err, &acceptedErr) {
		return retry.Mark(retry.Retryable, wrapped)
	}
	var respErr *github.ErrorResponse
	if errors.As(err, &respErr) && respErr.Response != nil {
		if c, ok := retry.ClassifyStatus(respErr.Response.StatusCode); ok {
			return retry.Mark(c, wrapped)
		}
	}
	return retry.Mark(retry.Classify(err), wrapped)
}

func toIssue(is *github.Issue) Issue {
	out := Issue{
		Number:    is.GetNumber(),
		Title:     is.GetTitle(),
		Body:      is.GetBody(),
		State:     is.GetState(),
		URL:       is.GetHTMLURL(),
		Author:    is.GetUser().GetLogin(),
		CreatedAt: is.GetCreatedAt().Time,
	}
	for _, l := range is.Labels {
		out.Labels = append(out.Labels, l.GetName())
	}
	return out
}

func toPullRequest(pr *github.PullRequest) PullRequest {
	return PullRequest{
		Number: pr.GetNumber(),
		Title:  pr.GetTitle(),
		Body:   pr.GetBody(),
		State:  pr.GetState(),
		URL:    pr.GetHTMLURL(),
		Head:   pr.GetHead().GetRef(),
		Base:   pr.GetBase().GetRef(),
	}
}

func toComment(cm *github.IssueComment) Comment {
	return Comment{
		ID:     cm.GetID(),
		Body:   cm.GetBody(),
		URL:    cm.GetHTMLURL(),
		Author: cm.GetUser().GetLogin(),
	}
}
