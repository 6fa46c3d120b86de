package workflow

import (
	"context"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/rogers-f/steward/internal/agent"
	"github.com/rogers-f/steward/internal/brief"
	"github.com/rogers-f/steward/internal/domain"
	"github.com/rogers-f/steward/internal/retry"
	"github.com/rogers-f/steward/internal/review"
	"github.com/rogers-f/steward/internal/store"
	"github.com/rogers-f/steward/internal/vcs"
)

func instantExecutor() *retry.Executor {
	return retry.NewExecutor(
		retry.WithSleep(func(context.Context, time.Duration) error { return nil }),
		retry.WithScheduler(retry.NewSeededScheduler(1)),
	)
}

// fakeRepo is an in-memory vcs.Client. failures[op] errors are returned,
// one per call, before the operation succeeds.
type fakeRepo struct {
	mu       sync.Mutex
	issues   []vcs.Issue
	history  []vcs.Commit
	pulls    []vcs.PullRequest
	comments map[int][]vcs.Comment
	calls    map[string]int
	failures map[string][]error
	// lostWrite makes the next create succeed server side but report a
	// transient error to the caller.
	lostWrite bool
}

func newFakeRepo() *fakeRepo {
	return &fakeRepo{
		issues: []vcs.Issue{{
			Number: 3, Title: "Crash on empty config",
			Body:  "Starting with an empty config file panics. Expected a clear error message instead.",
			State: "open", URL: "https://github.com/octo/repo/issues/3",
		}},
		history:  []vcs.Commit{{SHA: "abcdef123456", Message: "fix: something\n\nlong body"}},
		comments: map[int][]vcs.Comment{},
		calls:    map[string]int{},
		failures: map[string][]error{},
	}
}

func (r *fakeRepo) hit(op string) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.calls[op]++
	if errs := r.failures[op]; len(errs) > 0 {
		r.failures[op] = errs[1:]
		return errs[0]
	}
	return nil
}

func (r *fakeRepo) count(op string) int {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.calls[op]
}

func (r *fakeRepo) lose() error {
	r.mu.Lock()
	defer r.mu.Unlock()
	if r.lostWrite {
		r.lostWrite = false
		return retry.Mark(retry.Retryable, errors.New("connection reset by peer"))
	}
	return nil
}

func (r *fakeRepo) ReadIssues(_ context.Context, _ string, _ int) ([]vcs.Issue, error) {
	if err := r.hit("ReadIssues"); err != nil {
		return nil, err
	}
	return r.issues, nil
}

func (r *fakeRepo) ReadIssue(_ context.Context, number int) (vcs.Issue, error) {
	if err := r.hit("ReadIssue"); err != nil {
		return vcs.Issue{}, err
	}
	for _, is := range r.issues {
		if is.Number == number {
			return is, nil
		}
	}
	return vcs.Issue{}, retry.Mark(retry.Fatal, fmt.Errorf("issue #%d not found", number))
}

func (r *fakeRepo) ReadHistory(_ context.Context, _ int) ([]vcs.Commit, error) {
	if err := r.hit("ReadHistory"); err != nil {
		return nil, err
	}
	return r.history, nil
}

func (r *fakeRepo) ReadPullRequest(_ context.Context, number int) (vcs.PullRequest, error) {
	if err := r.hit("ReadPullRequest"); err != nil {
		return vcs.PullRequest{}, err
	}
	for _, pr := range r.pulls {
		if pr.Number == number {
			return pr, nil
		}
	}
	return vcs.PullRequest{}, retry.Mark(retry.Fatal, fmt.Errorf("pull request #%d not found", number))
}

func (r *fakeRepo) CreateIssue(_ context.Context, in vcs.NewIssue) (vcs.Issue, error) {
	if err := r.hit("CreateIssue"); err != nil {
		return vcs.Issue{}, err
	}
	r.mu.Lock()
	is := vcs.Issue{Number: 100 + len(r.issues), Title: in.Title, Body: in.Body, Labels: in.Labels, State: "open"}
	is.URL = fmt.Sprintf("https://github.com/octo/repo/issues/%d", is.Number)
	r.issues = append(r.issues, is)
	r.mu.Unlock()
	return is, r.lose()
}

func (r *fakeRepo) CreatePullRequest(_ context.Context, in vcs.NewPullRequest) (vcs.PullRequest, error) {
	if err := r.hit("CreatePullRequest"); err != nil {
		return vcs.PullRequest{}, err
	}
	r.mu.Lock()
	pr := vcs.PullRequest{Number: 200 + len(r.pulls), Title: in.Title, Body: in.Body, Head: in.Head, Base: in.Base, State: "open"}
	pr.URL = fmt.Sprintf("https://github.com/octo/repo/pull/%d", pr.Number)
	r.pulls = append(r.pulls, pr)
	r.mu.Unlock()
	return pr, r.lose()
}

func (r *fakeRepo) AddComment(_ context.Context, number int, body string) (vcs.Comment, error) {
	if err := r.hit("AddComment"); err != nil {
		return vcs.Comment{}, err
	}
	r.mu.Lock()
	c := vcs.Comment{ID: int64(len(r.comments[number]) + 1), Body: body}
	c.URL = fmt.Sprintf("https://github.com/octo/repo/pull/%d#issuecomment-%d", number, c.ID)
	r.comments[number] = append(r.comments[number], c)
	r.mu.Unlock()
	return c, r.lose()
}

func (r *fakeRepo) FindIssueByMarker(_ context.Context, marker string) (*vcs.Issue, error) {
	if err := r.hit("FindIssueByMarker"); err != nil {
		return nil, err
	}
	r.mu.Lock()
	defer r.mu.Unlock()
	for _, is := range r.issues {
		if strings.Contains(is.Body, marker) {
			found := is
			return &found, nil
		}
	}
	return nil, nil
}

func (r *fakeRepo) FindPullRequestByHead(_ context.Context, head string) (*vcs.PullRequest, error) {
	if err := r.hit("FindPullRequestByHead"); err != nil {
		return nil, err
	}
	r.mu.Lock()
	defer r.mu.Unlock()
	for _, pr := range r.pulls {
		if pr.Head == head {
			found := pr
			return &found, nil
		}
	}
	return nil, nil
}

func (r *fakeRepo) FindCommentByMarker(_ context.Context, number int, marker string) (*vcs.Comment, error) {
	if err := r.hit("FindCommentByMarker"); err != nil {
		return nil, err
	}
	r.mu.Lock()
	defer r.mu.Unlock()
	for _, c := range r.comments[number] {
		if strings.Contains(c.Body, marker) {
			found := c
			return &found, nil
		}
	}
	return nil, nil
}

// scriptedAgent returns its replies in order, repeating the last one.
type scriptedAgent struct {
	mu      sync.Mutex
	role    string
	replies []any
	prompts []string
	systems []string
}

func (a *scriptedAgent) Role() string { return a.role }

func (a *scriptedAgent) Invoke(_ context.Context, prompt string, in agent.Context) (agent.Response, error) {
	a.mu.Lock()
	defer a.mu.Unlock()
	a.prompts = append(a.prompts, prompt)
	a.systems = append(a.systems, in.System)
	i := len(a.prompts) - 1
	if i >= len(a.replies) {
		i = len(a.replies) - 1
	}
	switch r := a.replies[i].(type) {
	case error:
		return agent.Response{}, r
	default:
		return agent.Response{
			Text:     fmt.Sprint(r),
			Provider: "fake",
			Usage:    domain.Usage{Provider: "fake", InputTokens: 100, OutputTokens: 50, AmountUSD: 0.01},
		}, nil
	}
}

func (a *scriptedAgent) calls() int {
	a.mu.Lock()
	defer a.mu.Unlock()
	return len(a.prompts)
}

type fakeGit struct {
	prepared []string
	pushes   int
	failPush []error
}

func (g *fakeGit) PrepareBranch(_ context.Context, branch, base, patch, message string) error {
	g.prepared = append(g.prepared, branch+"@"+base)
	return nil
}

func (g *fakeGit) Push(_ context.Context, branch string) error {
	g.pushes++
	if len(g.failPush) > 0 {
		err := g.failPush[0]
		g.failPush = g.failPush[1:]
		return err
	}
	return nil
}

type denyAll struct{ prefix string }

func (d denyAll) Violations(_ context.Context, _ string, files []string) []string {
	var out []string
	for _, f := range files {
		if strings.HasPrefix(f, d.prefix) {
			out = append(out, f)
		}
	}
	return out
}

const goodFix = "Here is the fix.\n\n```diff\n" +
	"diff --git a/config.go b/config.go\n" +
	"--- a/config.go\n" +
	"+++ b/config.go\n" +
	"@@ -1,3 +1,4 @@\n" +
	" package config\n" +
	"+// Load rejects empty files.\n" +
	" func Load() {\n" +
	" }\n" +
	"```\n\nThe loader now reports empty files.\n"

const workflowFix = "```diff\n" +
	"diff --git a/.github/workflows/ci.yml b/.github/workflows/ci.yml\n" +
	"--- a/.github/workflows/ci.yml\n" +
	"+++ b/.github/workflows/ci.yml\n" +
	"@@ -1,1 +1,1 @@\n" +
	"-on: push\n" +
	"+on: pull_request\n" +
	"```\n"

const passVerdict = `{"scores": {"correctness": 5, "security": 5, "maintainability": 4, "scope": 5, "testing": 4},
 "findings": [], "verdict": "pass", "summary": "Looks right."}`

const failVerdict = "```json\n" + `{"scores": {"correctness": 2, "security": 4, "maintainability": 3, "scope": 4, "testing": 2},
 "findings": [{"severity": "high", "location": "config.go:2", "description": "empty file still panics", "suggestion": "check the size before parsing"}],
 "verdict": "fail", "summary": "Does not fix the crash."}` + "\n```"

func seeded(t *testing.T, values map[string]any) StageContext {
	t.Helper()
	sc := NewStageContext("run-1", testTarget)
	byNS := map[string]*Slot{}
	for k, v := range values {
		i := strings.LastIndex(k, ".")
		ns := k[:i]
		if byNS[ns] == nil {
			byNS[ns] = NewSlot(ns)
		}
		byNS[ns].Put(k[i+1:], v)
	}
	for ns, slot := range byNS {
		next, err := sc.merge(ns, slot)
		if err != nil {
			t.Fatalf("seed %s: %v", ns, err)
		}
		sc = next
	}
	return sc
}

func TestValidatePreconditions_Issue(t *testing.T) {
	repo := newFakeRepo()
	s := &ValidatePreconditions{Issue: brief.NewIssueValidator(), Repo: repo, Exec: instantExecutor(), Policy: retry.DefaultPolicy(retry.CategoryVCSRead)}
	out := NewSlot(s.Name())

	if err := s.Run(context.Background(), NewStageContext("run-1", testTarget), out); err != nil {
		t.Fatalf("Run: %v", err)
	}
	v := out.Values()
	if v["validate.source"] != "issue" {
		t.Errorf("source = %v", v["validate.source"])
	}
	if is, ok := v["validate.issue"].(vcs.Issue); !ok || is.Number != 3 {
		t.Errorf("validate.issue = %#v", v["validate.issue"])
	}
}

func TestValidatePreconditions_InvalidIssueIsFatal(t *testing.T) {
	repo := newFakeRepo()
	repo.issues[0].Body = "broken"
	s := &ValidatePreconditions{Issue: brief.NewIssueValidator(), Repo: repo, Exec: instantExecutor(), Policy: retry.DefaultPolicy(retry.CategoryVCSRead)}

	err := s.Run(context.Background(), NewStageContext("run-1", testTarget), NewSlot(s.Name()))
	if !errors.Is(err, domain.ErrPreconditionFailed) {
		t.Fatalf("err = %v, want ErrPreconditionFailed", err)
	}
	if retry.Classify(err) != retry.Fatal {
		t.Errorf("classification = %v, want Fatal", retry.Classify(err))
	}
	if !strings.Contains(err.Error(), "too short") {
		t.Errorf("error should carry validator findings: %v", err)
	}
}

func TestValidatePreconditions_MissingBrief(t *testing.T) {
	s := &ValidatePreconditions{Brief: brief.NewValidator()}
	target := domain.Target{Owner: "octo", Repo: "repo", BriefPath: filepath.Join(t.TempDir(), "PROJECT_BRIEF.md")}

	err := s.Run(context.Background(), NewStageContext("run-1", target), NewSlot(s.Name()))
	if retry.Classify(err) != retry.Fatal {
		t.Fatalf("err = %v, want a fatal error", err)
	}
	if !strings.Contains(err.Error(), "project brief not found") {
		t.Errorf("err = %v", err)
	}
}

func TestValidatePreconditions_IncompleteBrief(t *testing.T) {
	path := filepath.Join(t.TempDir(), "PROJECT_BRIEF.md")
	if err := os.WriteFile(path, []byte("# Brief\n\n## Overview\n\nToo short.\n"), 0o644); err != nil {
		t.Fatalf("WriteFile: %v", err)
	}
	s := &ValidatePreconditions{Brief: brief.NewValidator()}
	target := domain.Target{Owner: "octo", Repo: "repo", BriefPath: path}

	out := NewSlot(s.Name())
	err := s.Run(context.Background(), NewStageContext("run-1", target), out)
	if !errors.Is(err, domain.ErrPreconditionFailed) || retry.Classify(err) != retry.Fatal {
		t.Fatalf("err = %v, want fatal ErrPreconditionFailed", err)
	}
}

func TestValidatePreconditions_NothingToValidate(t *testing.T) {
	s := &ValidatePreconditions{}
	err := s.Run(context.Background(), NewStageContext("run-1", domain.Target{Owner: "o", Repo: "r"}), NewSlot(s.Name()))
	if retry.Classify(err) != retry.Fatal {
		t.Fatalf("err = %v, want fatal", err)
	}
}

type fakeScanner struct{ root string }

func (f *fakeScanner) Scan(_ context.Context, root string) (string, error) {
	f.root = root
	return "Project: repo\nPrimary language: Go", nil
}

func TestGatherContext_RetriesTransientReads(t *testing.T) {
	repo := newFakeRepo()
	repo.failures["ReadIssues"] = []error{
		retry.Mark(retry.Retryable, errors.New("502 bad gateway")),
		retry.Mark(retry.RateLimited, errors.New("secondary rate limit")),
	}
	scan := &fakeScanner{}
	s := &GatherContext{Repo: repo, Exec: instantExecutor(), Policy: retry.DefaultPolicy(retry.CategoryVCSRead), Scanner: scan}
	target := testTarget
	target.Workspace = "/work/repo"

	out := NewSlot(s.Name())
	if err := s.Run(context.Background(), NewStageContext("run-1", target), out); err != nil {
		t.Fatalf("Run: %v", err)
	}
	if repo.count("ReadIssues") != 3 {
		t.Errorf("ReadIssues calls = %d, want 3", repo.count("ReadIssues"))
	}
	v := out.Values()
	for _, key := range []string{KeyGatherIssues, KeyGatherHistory, KeyGatherIssue, KeyGatherSummary} {
		if _, ok := v[key]; !ok {
			t.Errorf("missing %s", key)
		}
	}
	if scan.root != "/work/repo" {
		t.Errorf("scanned %q, want /work/repo", scan.root)
	}
}

func TestGatherContext_ReusesValidatedIssue(t *testing.T) {
	repo := newFakeRepo()
	s := &GatherContext{Repo: repo, Exec: instantExecutor(), Policy: retry.DefaultPolicy(retry.CategoryVCSRead)}
	in := seeded(t, map[string]any{KeyValidateIssue: repo.issues[0]})

	if err := s.Run(context.Background(), in, NewSlot(s.Name())); err != nil {
		t.Fatalf("Run: %v", err)
	}
	if repo.count("ReadIssue") != 0 {
		t.Errorf("ReadIssue called %d times, want 0", repo.count("ReadIssue"))
	}
}

func TestGatherContext_FatalReadStops(t *testing.T) {
	repo := newFakeRepo()
	repo.failures["ReadHistory"] = []error{retry.Mark(retry.Fatal, errors.New("401 bad credentials"))}
	s := &GatherContext{Repo: repo, Exec: instantExecutor(), Policy: retry.DefaultPolicy(retry.CategoryVCSRead)}

	err := s.Run(context.Background(), NewStageContext("run-1", testTarget), NewSlot(s.Name()))
	var rerr *retry.Error
	if !errors.As(err, &rerr) || rerr.Attempts != 1 || rerr.Exhausted {
		t.Fatalf("err = %v, want a single fatal attempt", err)
	}
	if repo.count("ReadIssue") != 0 {
		t.Error("gather continued after a fatal read")
	}
}

func TestInvokeAgent_RetriesEmptyResponse(t *testing.T) {
	gen := &scriptedAgent{role: agent.RoleGenerator, replies: []any{"   ", goodFix}}
	s := &InvokeAgent{
		Client: gen,
		Exec:   instantExecutor(),
		Policy: retry.DefaultPolicy(retry.CategoryLLM),
		Prompt: NewPrompts(DefaultDigestLimits()).For(PromptFix, "Resolve the issue."),
	}
	in := seeded(t, map[string]any{KeyGatherIssue: newFakeRepo().issues[0]})

	out := NewSlot(s.Name())
	if err := s.Run(context.Background(), in, out); err != nil {
		t.Fatalf("Run: %v", err)
	}
	if gen.calls() != 2 {
		t.Errorf("calls = %d, want 2", gen.calls())
	}
	v := out.Values()
	if v["agent:generator.response"] != goodFix {
		t.Errorf("response = %v", v["agent:generator.response"])
	}
	u, _ := v["agent:generator.usage"].(domain.Usage)
	if u.Role != agent.RoleGenerator || u.Stage != "agent:generator" {
		t.Errorf("usage = %+v, want role and stage filled in", u)
	}
	if !strings.Contains(gen.prompts[0], "Crash on empty config") {
		t.Errorf("prompt does not mention the issue:\n%s", gen.prompts[0])
	}
	if gen.systems[0] == "" {
		t.Error("system prompt not passed")
	}
}

func TestInvokeAgent_FatalErrorIsNotRetried(t *testing.T) {
	gen := &scriptedAgent{role: agent.RoleGenerator, replies: []any{retry.Mark(retry.Fatal, errors.New("invalid api key"))}}
	s := &InvokeAgent{Client: gen, Exec: instantExecutor(), Policy: retry.DefaultPolicy(retry.CategoryLLM),
		Prompt: NewPrompts(DefaultDigestLimits()).For(PromptFix, "x")}

	err := s.Run(context.Background(), NewStageContext("run-1", testTarget), NewSlot(s.Name()))
	if retry.Classify(err) != retry.Fatal {
		t.Fatalf("err = %v, want fatal", err)
	}
	if gen.calls() != 1 {
		t.Errorf("calls = %d, want 1", gen.calls())
	}
}

func newReconcile(validator agent.Client, paths PathChecker) *ReconcileOutputs {
	return &ReconcileOutputs{
		Generator: agent.RoleGenerator,
		Analyzer:  agent.RoleAnalyzer,
		Validator: validator,
		Exec:      instantExecutor(),
		Policy:    retry.DefaultPolicy(retry.CategoryLLM),
		Prompt:    NewPrompts(DefaultDigestLimits()).For(PromptValidate, "Review the fix."),
		Consensus: review.NewConsensusEngine(review.DefaultWeights()),
		Paths:     paths,
	}
}

func agentOutputs(t *testing.T, fix string) StageContext {
	return seeded(t, map[string]any{
		ResponseKey(agent.RoleAnalyzer):  `{"issue_type": "bug", "root_cause": "no size check"}`,
		ResponseKey(agent.RoleGenerator): fix,
	})
}

func TestReconcileOutputs_Accepts(t *testing.T) {
	val := &scriptedAgent{role: agent.RoleValidator, replies: []any{passVerdict}}
	s := newReconcile(val, denyAll{prefix: ".github/"})

	out := NewSlot(s.Name())
	if err := s.Run(context.Background(), agentOutputs(t, goodFix), out); err != nil {
		t.Fatalf("Run: %v", err)
	}
	v := out.Values()
	if v["reconcile.verdict"] != domain.VerdictPass {
		t.Errorf("verdict = %v", v["reconcile.verdict"])
	}
	if files, _ := v["reconcile.files"].([]string); len(files) != 1 || files[0] != "config.go" {
		t.Errorf("files = %v", v["reconcile.files"])
	}
	if !strings.HasPrefix(v[KeyReconcilePatch].(string), "diff --git a/config.go") {
		t.Errorf("patch = %q", v[KeyReconcilePatch])
	}
	card, _ := v["reconcile.scorecard"].(domain.ScoreCard)
	if card.Reviewer != agent.RoleValidator || card.ReviewID == "" {
		t.Errorf("scorecard = %+v", card)
	}
	if !strings.Contains(val.prompts[0], "config.go") {
		t.Error("validator prompt should include the proposed fix")
	}
}

func TestReconcileOutputs_RejectsWithFeedback(t *testing.T) {
	val := &scriptedAgent{role: agent.RoleValidator, replies: []any{failVerdict}}
	s := newReconcile(val, nil)

	err := s.Run(context.Background(), agentOutputs(t, goodFix), NewSlot(s.Name()))
	var nr *NotReconciledError
	if !errors.As(err, &nr) {
		t.Fatalf("err = %v, want NotReconciledError", err)
	}
	if !strings.Contains(nr.Feedback, "empty file still panics") {
		t.Errorf("feedback = %q", nr.Feedback)
	}
	if nr.ScoreCard == nil || nr.ScoreCard.Verdict != domain.VerdictFail {
		t.Errorf("ScoreCard = %+v", nr.ScoreCard)
	}
}

func TestReconcileOutputs_DeniedPathSkipsValidator(t *testing.T) {
	val := &scriptedAgent{role: agent.RoleValidator, replies: []any{passVerdict}}
	s := newReconcile(val, denyAll{prefix: ".github/"})

	err := s.Run(context.Background(), agentOutputs(t, workflowFix), NewSlot(s.Name()))
	var nr *NotReconciledError
	if !errors.As(err, &nr) {
		t.Fatalf("err = %v, want NotReconciledError", err)
	}
	if !strings.Contains(nr.Feedback, ".github/workflows/ci.yml") {
		t.Errorf("feedback = %q", nr.Feedback)
	}
	if val.calls() != 0 {
		t.Error("validator should not review a patch that touches a protected path")
	}
}

func TestReconcileOutputs_NoDiff(t *testing.T) {
	s := newReconcile(nil, nil)
	err := s.Run(context.Background(), agentOutputs(t, "I could not find the bug."), NewSlot(s.Name()))
	if !errors.Is(err, domain.ErrNotReconciled) {
		t.Fatalf("err = %v, want ErrNotReconciled", err)
	}
}

func TestReconcileOutputs_RetriesUnreadableVerdict(t *testing.T) {
	val := &scriptedAgent{role: agent.RoleValidator, replies: []any{"I think it is fine.", passVerdict}}
	s := newReconcile(val, nil)

	if err := s.Run(context.Background(), agentOutputs(t, goodFix), NewSlot(s.Name())); err != nil {
		t.Fatalf("Run: %v", err)
	}
	if val.calls() != 2 {
		t.Errorf("validator calls = %d, want 2", val.calls())
	}
}

func TestReconcileOutputs_MissingAnalysis(t *testing.T) {
	s := newReconcile(nil, nil)
	in := seeded(t, map[string]any{ResponseKey(agent.RoleGenerator): goodFix})
	err := s.Run(context.Background(), in, NewSlot(s.Name()))
	if !errors.Is(err, domain.ErrMissingInput) {
		t.Fatalf("err = %v, want ErrMissingInput", err)
	}
}

func newTestLedger(t *testing.T) *store.PublishLedger {
	t.Helper()
	db, err := store.NewDB(filepath.Join(t.TempDir(), "test.db"))
	if err != nil {
		t.Fatalf("NewDB: %v", err)
	}
	t.Cleanup(func() { db.Close() })
	return store.NewPublishLedger(db)
}

func newPublish(kind domain.PublishKind, draft DraftFunc, repo vcs.Client, ledger PublishLedger) *PublishResult {
	return &PublishResult{
		Kind:       kind,
		Draft:      draft,
		Repo:       repo,
		Exec:       instantExecutor(),
		Policy:     retry.DefaultPolicy(retry.CategoryVCSWrite),
		Ledger:     ledger,
		BaseBranch: "main",
		Labels:     []string{"steward"},
	}
}

const issueProposal = "```json\n{\"title\": \"Add config schema validation\", \"body\": \"## Description\\nValidate config.\", \"labels\": [\"enhancement\"]}\n```"

func TestPublishResult_IssueIsIdempotentAcrossRuns(t *testing.T) {
	repo := newFakeRepo()
	ledger := newTestLedger(t)
	in := seeded(t, map[string]any{ResponseKey(agent.RoleGenerator): issueProposal})
	s := newPublish(domain.PublishIssue, IssueDraft(agent.RoleGenerator), repo, ledger)

	first := NewSlot(s.Name())
	if err := s.Run(context.Background(), in, first); err != nil {
		t.Fatalf("first Run: %v", err)
	}
	v := first.Values()
	if v["publish.duplicate"] != false || v["publish.number"] != 101 {
		t.Errorf("first publish = %v", v)
	}
	created := repo.issues[len(repo.issues)-1]
	if _, ok := vcs.MarkerKey(created.Body); !ok {
		t.Error("created issue carries no idempotency marker")
	}
	if strings.Join(created.Labels, ",") != "steward,enhancement" {
		t.Errorf("labels = %v", created.Labels)
	}

	second := NewSlot(s.Name())
	if err := s.Run(context.Background(), in, second); err != nil {
		t.Fatalf("second Run: %v", err)
	}
	if second.Values()["publish.duplicate"] != true {
		t.Error("second publish should be reported as duplicate")
	}
	if repo.count("CreateIssue") != 1 {
		t.Errorf("CreateIssue calls = %d, want 1", repo.count("CreateIssue"))
	}
}

func TestPublishResult_LostResponseDoesNotDuplicate(t *testing.T) {
	repo := newFakeRepo()
	repo.lostWrite = true
	in := seeded(t, map[string]any{ResponseKey(agent.RoleGenerator): issueProposal})
	s := newPublish(domain.PublishIssue, IssueDraft(agent.RoleGenerator), repo, newTestLedger(t))

	out := NewSlot(s.Name())
	if err := s.Run(context.Background(), in, out); err != nil {
		t.Fatalf("Run: %v", err)
	}
	if repo.count("CreateIssue") != 1 {
		t.Errorf("CreateIssue calls = %d, want 1", repo.count("CreateIssue"))
	}
	if repo.count("FindIssueByMarker") != 2 {
		t.Errorf("FindIssueByMarker calls = %d, want 2", repo.count("FindIssueByMarker"))
	}
	if out.Values()["publish.number"] != 101 {
		t.Errorf("number = %v, want the issue created by the first attempt", out.Values()["publish.number"])
	}
}

func TestPublishResult_DryRun(t *testing.T) {
	repo := newFakeRepo()
	ledger := newTestLedger(t)
	in := seeded(t, map[string]any{ResponseKey(agent.RoleGenerator): issueProposal})
	s := newPublish(domain.PublishIssue, IssueDraft(agent.RoleGenerator), repo, ledger)
	s.DryRun = true

	out := NewSlot(s.Name())
	if err := s.Run(context.Background(), in, out); err != nil {
		t.Fatalf("Run: %v", err)
	}
	if repo.count("CreateIssue") != 0 || repo.count("FindIssueByMarker") != 0 {
		t.Error("dry run touched the repository")
	}
	key := out.Values()["publish.key"].(string)
	rec, err := ledger.Lookup(context.Background(), key)
	if err != nil || rec != nil {
		t.Errorf("dry run wrote the ledger: %+v, %v", rec, err)
	}
	if !strings.Contains(out.Values()["publish.body"].(string), vcs.Marker(key)) {
		t.Error("dry run body should show the marker")
	}
}

func TestPublishResult_PullRequest(t *testing.T) {
	repo := newFakeRepo()
	git := &fakeGit{failPush: []error{retry.Mark(retry.Retryable, errors.New("could not resolve host"))}}
	in := seeded(t, map[string]any{
		ResponseKey(agent.RoleGenerator): goodFix,
		KeyGatherIssue:                   repo.issues[0],
	})
	s := newPublish(domain.PublishPullRequest, PullRequestDraft(agent.RoleGenerator), repo, newTestLedger(t))
	s.Git = git
	s.Paths = denyAll{prefix: ".github/"}

	out := NewSlot(s.Name())
	if err := s.Run(context.Background(), in, out); err != nil {
		t.Fatalf("Run: %v", err)
	}
	if git.pushes != 2 {
		t.Errorf("pushes = %d, want 2", git.pushes)
	}
	if len(repo.pulls) != 1 {
		t.Fatalf("pull requests = %d, want 1", len(repo.pulls))
	}
	pr := repo.pulls[0]
	if pr.Title != "Fix #3: Crash on empty config" || pr.Base != "main" {
		t.Errorf("pull request = %+v", pr)
	}
	if !strings.HasPrefix(pr.Head, "steward/issue-3-") || git.prepared[0] != pr.Head+"@main" {
		t.Errorf("head = %q, prepared %v", pr.Head, git.prepared)
	}
	if !strings.Contains(pr.Body, "Closes #3") || !strings.Contains(pr.Body, "`config.go`") {
		t.Errorf("body = %q", pr.Body)
	}
	if out.Values()["publish.branch"] != pr.Head {
		t.Errorf("branch = %v", out.Values()["publish.branch"])
	}
}

func TestPublishResult_PullRequestExistingBranch(t *testing.T) {
	repo := newFakeRepo()
	git := &fakeGit{}
	in := seeded(t, map[string]any{ResponseKey(agent.RoleGenerator): goodFix, KeyGatherIssue: repo.issues[0]})
	s := newPublish(domain.PublishPullRequest, PullRequestDraft(agent.RoleGenerator), repo, nil)
	s.Git = git

	if err := s.Run(context.Background(), in, NewSlot(s.Name())); err != nil {
		t.Fatalf("first Run: %v", err)
	}
	out := NewSlot(s.Name())
	if err := s.Run(context.Background(), in, out); err != nil {
		t.Fatalf("second Run: %v", err)
	}
	if out.Values()["publish.duplicate"] != true || len(repo.pulls) != 1 {
		t.Errorf("duplicate = %v, pulls = %d", out.Values()["publish.duplicate"], len(repo.pulls))
	}
	if len(git.prepared) != 1 {
		t.Errorf("branch prepared %d times, want 1", len(git.prepared))
	}
}

func TestPublishResult_DeniedPathIsFatal(t *testing.T) {
	repo := newFakeRepo()
	in := seeded(t, map[string]any{ResponseKey(agent.RoleGenerator): workflowFix})
	s := newPublish(domain.PublishPullRequest, PullRequestDraft(agent.RoleGenerator), repo, nil)
	s.Git = &fakeGit{}
	s.Paths = denyAll{prefix: ".github/"}

	err := s.Run(context.Background(), in, NewSlot(s.Name()))
	if !errors.Is(err, domain.ErrPathDenied) || retry.Classify(err) != retry.Fatal {
		t.Fatalf("err = %v, want fatal ErrPathDenied", err)
	}
	if len(repo.pulls) != 0 {
		t.Error("pull request opened for a denied path")
	}
}

func TestPublishResult_Comment(t *testing.T) {
	repo := newFakeRepo()
	repo.pulls = []vcs.PullRequest{{Number: 7, Title: "Add cache"}}
	target := domain.Target{Owner: "octo", Repo: "repo", Pull: 7}
	sc := NewStageContext("run-1", target)
	slot := NewSlot(AgentStage(agent.RoleReviewer))
	slot.Put("response", "### Summary\nLooks good.")
	sc, _ = sc.merge(slot.Namespace(), slot)

	s := newPublish(domain.PublishComment, ReviewCommentDraft(agent.RoleReviewer), repo, newTestLedger(t))
	for i := 0; i < 2; i++ {
		if err := s.Run(context.Background(), sc, NewSlot(s.Name())); err != nil {
			t.Fatalf("Run %d: %v", i, err)
		}
	}
	if len(repo.comments[7]) != 1 {
		t.Fatalf("comments = %d, want 1", len(repo.comments[7]))
	}
	if !strings.HasPrefix(repo.comments[7][0].Body, "## Automated review") {
		t.Errorf("comment = %q", repo.comments[7][0].Body)
	}
}

func TestMultiAgentPipeline_EndToEnd(t *testing.T) {
	repo := newFakeRepo()
	analyzer := &scriptedAgent{role: agent.RoleAnalyzer, replies: []any{`{"issue_type": "bug"}`}}
	gen := &scriptedAgent{role: agent.RoleGenerator, replies: []any{goodFix}}
	val := &scriptedAgent{role: agent.RoleValidator, replies: []any{failVerdict, passVerdict}}
	agents := agent.NewRegistry()
	for _, a := range []agent.Client{analyzer, gen, val} {
		if err := agents.Register(a); err != nil {
			t.Fatalf("Register: %v", err)
		}
	}
	git := &fakeGit{}

	p, err := Build(domain.KindMultiAgentResolve, Deps{
		Repo:             repo,
		Agents:           agents,
		Exec:             instantExecutor(),
		Policies:         retry.DefaultPolicies(),
		Issues:           brief.NewIssueValidator(),
		Ledger:           newTestLedger(t),
		Git:              git,
		Paths:            denyAll{prefix: ".github/"},
		BaseBranch:       "main",
		RegenerateBudget: 2,
	})
	if err != nil {
		t.Fatalf("Build: %v", err)
	}
	want := "validate,gather,agent:analyzer,agent:generator,reconcile,publish"
	if got := strings.Join(p.StageNames(), ","); got != want {
		t.Fatalf("stages = %s, want %s", got, want)
	}

	res := NewOrchestrator(quietLogger()).Run(context.Background(), "run-1", p, testTarget)
	if !res.Succeeded() {
		t.Fatalf("run failed: %v", res.Err())
	}
	if res.Rounds != 1 {
		t.Errorf("Rounds = %d, want 1", res.Rounds)
	}
	if analyzer.calls() != 1 || gen.calls() != 2 || val.calls() != 2 {
		t.Errorf("calls analyzer=%d generator=%d validator=%d, want 1/2/2", analyzer.calls(), gen.calls(), val.calls())
	}
	if !strings.Contains(gen.prompts[1], "empty file still panics") {
		t.Errorf("regenerated prompt lacks reviewer feedback:\n%s", gen.prompts[1])
	}
	if len(repo.pulls) != 1 {
		t.Errorf("pull requests = %d, want 1", len(repo.pulls))
	}
	if url := res.Context.String("publish.url"); url == "" {
		t.Error("publish.url missing from final context")
	}
}

func TestBuild_UnknownKindAndMissingAgent(t *testing.T) {
	if _, err := Build("nightly", Deps{}); !errors.Is(err, domain.ErrUnknownPipeline) {
		t.Errorf("err = %v, want ErrUnknownPipeline", err)
	}
	if _, err := Build(domain.KindQAReview, Deps{Agents: agent.NewRegistry()}); !errors.Is(err, domain.ErrAgentNotFound) {
		t.Errorf("err = %v, want ErrAgentNotFound", err)
	}
}

func TestBuild_PipelineShapes(t *testing.T) {
	agents := agent.NewRegistry()
	for _, role := range []string{agent.RoleGenerator, agent.RoleAnalyzer, agent.RoleValidator, agent.RoleReviewer} {
		_ = agents.Register(&scriptedAgent{role: role, replies: []any{"x"}})
	}
	tests := []struct {
		kind domain.RunKind
		want string
	}{
		{domain.KindIssueGeneration, "gather,agent:generator,publish"},
		{domain.KindIssueResolution, "validate,gather,agent:generator,publish"},
		{domain.KindQAReview, "gather,agent:reviewer,publish"},
	}
	for _, tt := range tests {
		p, err := Build(tt.kind, Deps{Agents: agents})
		if err != nil {
			t.Fatalf("Build(%s): %v", tt.kind, err)
		}
		if got := strings.Join(p.StageNames(), ","); got != tt.want {
			t.Errorf("Build(%s) = %s, want %s", tt.kind, got, tt.want)
		}
		if err := p.Validate(); err != nil {
			t.Errorf("Build(%s).Validate: %v", tt.kind, err)
		}
	}
}
