package workflow

import (
	"crypto/sha256"
	"encoding/hex"
	"encoding/json"
	"fmt"
	"regexp"
	"strings"

	"github.com/rogers-f/steward/internal/domain"
	"github.com/rogers-f/steward/internal/retry"
	"github.com/rogers-f/steward/internal/review"
	"github.com/rogers-f/steward/internal/vcs"
)

// Draft is the content PublishResult writes to the repository.
type Draft struct {
	Title  string
	Body   string
	Labels []string
	Patch  string
	Files  []string
}

// DraftFunc derives a Draft from the run's context.
type DraftFunc func(in StageContext) (Draft, error)

var (
	jsonBlock = regexp.MustCompile("(?s)```(?:json)?\\s*\\n(\\{.*?\\})\\s*```")
	diffBlock = regexp.MustCompile("(?s)```(?:diff|patch)\\s*\\n.*?```")
)

// ParseIssueDraft reads an issue proposal from agent output. It accepts the
// JSON form {"title", "body", "labels"} and falls back to Markdown whose
// first line is the title.
func ParseIssueDraft(text string) (Draft, error) {
	var raw struct {
		Title  string   `json:"title"`
		Body   string   `json:"body"`
		Labels []string `json:"labels"`
	}
	if obj, ok := jsonObject(text); ok && json.Unmarshal([]byte(obj), &raw) == nil && strings.TrimSpace(raw.Title) != "" {
		return Draft{Title: strings.TrimSpace(raw.Title), Body: strings.TrimSpace(raw.Body), Labels: raw.Labels}, nil
	}

	lines := strings.Split(strings.TrimSpace(text), "\n")
	for i, line := range lines {
		title := strings.TrimSpace(line)
		title = strings.TrimLeft(title, "# ")
		title = strings.TrimSpace(strings.TrimPrefix(title, "Title:"))
		if title == "" {
			continue
		}
		return Draft{Title: title, Body: strings.TrimSpace(strings.Join(lines[i+1:], "\n"))}, nil
	}
	return Draft{}, retry.Mark(retry.Fatal,
		domain.WrapEngineError(domain.ErrEmptyResponse.Code, "agent output has no issue title", nil))
}

func jsonObject(text string) (string, bool) {
	if m := jsonBlock.FindStringSubmatch(text); m != nil {
		return m[1], true
	}
	start := strings.Index(text, "{")
	end := strings.LastIndex(text, "}")
	if start < 0 || end <= start {
		return "", false
	}
	return text[start : end+1], true
}

// IssueDraft publishes the issue proposed by the agent role.
func IssueDraft(role string) DraftFunc {
	return func(in StageContext) (Draft, error) {
		text, err := Require[string](in, ResponseKey(role))
		if err != nil {
			return Draft{}, retry.Mark(retry.Fatal, err)
		}
		return ParseIssueDraft(text)
	}
}

// PullRequestDraft publishes the fix for the run's issue. It prefers the
// patch a reconcile stage accepted and otherwise extracts it from the
// generator's response.
func PullRequestDraft(role string) DraftFunc {
	return func(in StageContext) (Draft, error) {
		text, err := Require[string](in, ResponseKey(role))
		if err != nil {
			return Draft{}, retry.Mark(retry.Fatal, err)
		}
		patch, ok := Lookup[string](in, KeyReconcilePatch)
		if !ok {
			if patch, ok = review.ExtractPatch(text); !ok {
				return Draft{}, retry.Mark(retry.Fatal,
					domain.WrapEngineError(domain.ErrInvalidPatch.Code, "agent output contains no unified diff", nil))
			}
		}
		stats, err := review.CheckPatch(patch)
		if err != nil {
			return Draft{}, retry.Mark(retry.Fatal, err)
		}

		t := in.Target()
		title := fmt.Sprintf("Resolve #%d", t.Issue)
		if is, ok := issueFrom(in); ok {
			title = fmt.Sprintf("Fix #%d: %s", is.Number, is.Title)
		}
		explanation := strings.TrimSpace(diffBlock.ReplaceAllString(text, ""))
		if strings.HasPrefix(explanation, "diff --git") || explanation == "" {
			explanation = "Automated fix."
		}
		var body strings.Builder
		body.WriteString(explanation)
		fmt.Fprintf(&body, "\n\n### Changed files\n")
		for _, f := range stats.Files {
			fmt.Fprintf(&body, "- `%s`\n", f)
		}
		fmt.Fprintf(&body, "\n+%d / -%d lines\n", stats.Added, stats.Removed)
		if t.Issue > 0 {
			fmt.Fprintf(&body, "\nCloses #%d\n", t.Issue)
		}
		return Draft{Title: title, Body: body.String(), Patch: patch, Files: stats.Files}, nil
	}
}

// ReviewCommentDraft publishes the review written by the agent role as a
// comment on the target pull request.
func ReviewCommentDraft(role string) DraftFunc {
	return func(in StageContext) (Draft, error) {
		text, err := Require[string](in, ResponseKey(role))
		if err != nil {
			return Draft{}, retry.Mark(retry.Fatal, err)
		}
		t := in.Target()
		title := fmt.Sprintf("Review of #%d", t.Pull)
		if pr, ok := Lookup[vcs.PullRequest](in, KeyGatherPull); ok {
			title = fmt.Sprintf("Review of #%d: %s", pr.Number, pr.Title)
		}
		return Draft{Title: title, Body: "## Automated review\n\n" + strings.TrimSpace(text) + "\n"}, nil
	}
}

// IdempotencyKey identifies one logical write. Re-running the same work on
// the same target yields the same key.
func IdempotencyKey(kind domain.PublishKind, t domain.Target, title string) string {
	norm := strings.ToLower(strings.Join(strings.Fields(title), " "))
	sum := sha256.Sum256([]byte(fmt.Sprintf("%s|%s|%d|%d|%s", kind, strings.ToLower(t.FullName()), t.Issue, t.Pull, norm)))
	return hex.EncodeToString(sum[:])[:20]
}

func payloadHash(s string) string {
	sum := sha256.Sum256([]byte(s))
	return hex.EncodeToString(sum[:])
}
