// Package vcs is the repository boundary: reads of issues, history and pull
// requests, and the three writes a run may publish.
package vcs

import (
	"context"
	"time"
)

// Issue is a repository issue.
type Issue struct {
	Number    int       `json:"number"`
	Title     string    `json:"title"`
	Body      string    `json:"body"`
	State     string    `json:"state"`
	URL       string    `json:"url"`
	Author    string    `json:"author,omitempty"`
	Labels    []string  `json:"labels,omitempty"`
	CreatedAt time.Time `json:"created_at"`
}

// Commit is one entry of the default branch history.
type Commit struct {
	SHA     string    `json:"sha"`
	Message string    `json:"message"`
	Author  string    `json:"author,omitempty"`
	Date    time.Time `json:"date"`
}

// PullRequest is a repository pull request. Diff is only filled by
// ReadPullRequest.
type PullRequest struct {
	Number int    `json:"number"`
	Title  string `json:"title"`
	Body   string `json:"body"`
	State  string `json:"state"`
	URL    string `json:"url"`
	Head   string `json:"head"`
	Base   string `json:"base"`
	Diff   string `json:"diff,omitempty"`
}

// Comment is an issue or pull request comment.
type Comment struct {
	ID     int64  `json:"id"`
	Body   string `json:"body"`
	URL    string `json:"url"`
	Author string `json:"author,omitempty"`
}

// NewIssue is the payload of CreateIssue.
type NewIssue struct {
	Title  string
	Body   string
	Labels []string
}

// NewPullRequest is the payload of CreatePullRequest. Head is a branch that
// has already been pushed.
type NewPullRequest struct {
	Title string
	Body  string
	Head  string
	Base  string
}

// Client is bound to one repository. Errors carry a retry classification.
type Client interface {
	ReadIssues(ctx context.Context, state string, limit int) ([]Issue, error)
	ReadIssue(ctx context.Context, number int) (Issue, error)
	ReadHistory(ctx context.Context, limit int) ([]Commit, error)
	ReadPullRequest(ctx context.Context, number int) (PullRequest, error)

	CreateIssue(ctx context.Context, in NewIssue) (Issue, error)
	CreatePullRequest(ctx context.Context, in NewPullRequest) (PullRequest, error)
	AddComment(ctx context.Context, number int, body string) (Comment, error)

	// Lookups used before a write; a nil result means nothing was found.
	FindIssueByMarker(ctx context.Context, marker string) (*Issue, error)
	FindPullRequestByHead(ctx context.Context, head string) (*PullRequest, error)
	FindCommentByMarker(ctx context.Context, number int, marker string) (*Comment, error)
}
