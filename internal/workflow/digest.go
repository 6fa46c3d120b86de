package workflow

import (
	"fmt"
	"strings"

	"github.com/rogers-f/steward/internal/vcs"
)

// Stage names and the keys stages exchange through the StageContext.
const (
	StageValidate  = "validate"
	StageGather    = "gather"
	StageReconcile = "reconcile"
	StagePublish   = "publish"

	KeyGatherIssues   = StageGather + ".issues"
	KeyGatherHistory  = StageGather + ".history"
	KeyGatherIssue    = StageGather + ".issue"
	KeyGatherPull     = StageGather + ".pull"
	KeyGatherSummary  = StageGather + ".summary"
	KeyGatherBrief    = StageGather + ".brief"
	KeyValidateIssue  = StageValidate + ".issue"
	KeyReconcilePatch = StageReconcile + ".patch"
)

// AgentStage returns the stage name of the agent call for role.
func AgentStage(role string) string { return "agent:" + role }

// ResponseKey returns the key holding the text an agent role produced.
func ResponseKey(role string) string { return AgentStage(role) + ".response" }

// DigestLimits bounds how much repository context goes into one prompt.
type DigestLimits struct {
	Issues    int
	Commits   int
	BodyChars int
	DiffChars int
}

// DefaultDigestLimits returns limits that keep prompts well under common
// model context windows.
func DefaultDigestLimits() DigestLimits {
	return DigestLimits{Issues: 20, Commits: 15, BodyChars: 4000, DiffChars: 60000}
}

// Digest is the bounded view of a run's context handed to prompt templates.
type Digest struct {
	Repository  string
	Objective   string
	Issue       *vcs.Issue
	Pull        *vcs.PullRequest
	Issues      []vcs.Issue
	History     []vcs.Commit
	Summary     string
	Brief       string
	Analysis    string
	Generated   string
	Feedback    string
	Round       int
	Constraints []string
}

// BuildDigest assembles a Digest from everything earlier stages produced.
func BuildDigest(in StageContext, objective string, limits DigestLimits) Digest {
	t := in.Target()
	d := Digest{
		Repository: t.FullName(),
		Objective:  objective,
		Summary:    in.String(KeyGatherSummary),
		Brief:      clip(in.String(KeyGatherBrief), limits.BodyChars*2),
		Analysis:   clip(in.String(ResponseKey("analyzer")), limits.BodyChars),
		Generated:  clip(in.String(ResponseKey("generator")), limits.DiffChars),
		Feedback:   in.String(KeyRegenerateFeedback),
	}
	d.Round, _ = Lookup[int](in, KeyRegenerateRound)

	if is, ok := issueFrom(in); ok {
		is.Body = clip(is.Body, limits.BodyChars)
		d.Issue = &is
	}
	if pr, ok := Lookup[vcs.PullRequest](in, KeyGatherPull); ok {
		pr.Body = clip(pr.Body, limits.BodyChars)
		pr.Diff = clip(pr.Diff, limits.DiffChars)
		d.Pull = &pr
	}
	if issues, ok := Lookup[[]vcs.Issue](in, KeyGatherIssues); ok {
		d.Issues = head(issues, limits.Issues)
	}
	if commits, ok := Lookup[[]vcs.Commit](in, KeyGatherHistory); ok {
		d.History = head(commits, limits.Commits)
	}

	d.Constraints = []string{fmt.Sprintf("repository=%s", t.FullName())}
	if t.Workspace != "" {
		d.Constraints = append(d.Constraints, "workspace="+t.Workspace)
	}
	if d.Round > 0 {
		d.Constraints = append(d.Constraints, fmt.Sprintf("regenerate_round=%d", d.Round))
	}
	return d
}

// issueFrom returns the issue a run works on, read either by the validate
// or the gather stage.
func issueFrom(in StageContext) (vcs.Issue, bool) {
	if is, ok := Lookup[vcs.Issue](in, KeyGatherIssue); ok {
		return is, true
	}
	return Lookup[vcs.Issue](in, KeyValidateIssue)
}

func head[T any](list []T, n int) []T {
	if n <= 0 || len(list) <= n {
		return list
	}
	return list[:n]
}

// clip shortens s to at most n runes.
func clip(s string, n int) string {
	if n <= 0 {
		return s
	}
	r := []rune(s)
	if len(r) <= n {
		return s
	}
	return strings.TrimRight(string(r[:n]), " \n") + "\n...[truncated]"
}
