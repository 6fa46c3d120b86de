package workflow

import (
	"context"
	"errors"
	"fmt"
	"io/fs"
	"os"
	"strings"

	"github.com/rogers-f/steward/internal/agent"
	"github.com/rogers-f/steward/internal/brief"
	"github.com/rogers-f/steward/internal/domain"
	"github.com/rogers-f/steward/internal/retry"
	"github.com/rogers-f/steward/internal/review"
	"github.com/rogers-f/steward/internal/vcs"
)

// ContentValidator checks the text a run starts from.
type ContentValidator interface {
	Validate(text string) brief.Result
}

// ContextScanner summarises a local checkout.
type ContextScanner interface {
	Scan(ctx context.Context, root string) (string, error)
}

// PathChecker reports the files a generated change may not touch.
type PathChecker interface {
	Violations(ctx context.Context, runID string, files []string) []string
}

// PublishLedger is the local record of repository writes.
type PublishLedger interface {
	Lookup(ctx context.Context, key string) (*domain.PublishRecord, error)
	Begin(ctx context.Context, rec domain.PublishRecord) error
	Complete(ctx context.Context, key, url string, number int) error
}

// BranchPreparer commits a patch to a branch and pushes it.
type BranchPreparer interface {
	PrepareBranch(ctx context.Context, branch, base, patch, message string) error
	Push(ctx context.Context, branch string) error
}

// ValidatePreconditions checks that the issue or project brief a run starts
// from is complete enough to act on. It never retries: an invalid input
// stays invalid.
type ValidatePreconditions struct {
	Brief  ContentValidator
	Issue  ContentValidator
	Repo   vcs.Client
	Exec   *retry.Executor
	Policy retry.Policy
}

// Name implements Stage.
func (s *ValidatePreconditions) Name() string { return StageValidate }

// Run implements Stage.
func (s *ValidatePreconditions) Run(ctx context.Context, in StageContext, out *Slot) error {
	t := in.Target()
	var (
		text, source string
		validator    ContentValidator
	)
	switch {
	case t.Issue > 0:
		if s.Repo == nil {
			return retry.Mark(retry.Fatal, domain.ErrRepositoryNotSet)
		}
		is, err := retry.Call(ctx, s.Exec, s.Policy, func(ctx context.Context) (vcs.Issue, error) {
			return s.Repo.ReadIssue(ctx, t.Issue)
		})
		if err != nil {
			return err
		}
		out.Put("issue", is)
		text, source, validator = brief.FormatIssue(is.Title, is.Body), "issue", s.Issue
	case t.BriefPath != "":
		data, err := readBrief(t.BriefPath)
		if err != nil {
			return err
		}
		text, source, validator = data, "brief", s.Brief
	default:
		return retry.Mark(retry.Fatal, domain.WrapEngineError(domain.ErrPreconditionFailed.Code,
			"run has neither an issue nor a project brief", nil))
	}
	if validator == nil {
		return retry.Mark(retry.Fatal, domain.WrapEngineError(domain.ErrConfigInvalid.Code,
			"no validator configured for "+source, nil))
	}

	res := validator.Validate(text)
	out.Put("source", source)
	out.Put("errors", res.Errors)
	out.Put("warnings", res.Warnings)
	if !res.Valid {
		return retry.Mark(retry.Fatal, domain.WrapEngineError(domain.ErrPreconditionFailed.Code,
			strings.Join(res.Errors, "; "), nil))
	}
	return nil
}

// readBrief loads a project brief. Local read errors are never retried.
func readBrief(path string) (string, error) {
	data, err := os.ReadFile(path)
	if errors.Is(err, fs.ErrNotExist) {
		return "", retry.Mark(retry.Fatal, domain.WrapEngineError(domain.ErrPreconditionFailed.Code,
			"project brief not found: "+path, nil))
	}
	if err != nil {
		return "", retry.Mark(retry.Fatal, fmt.Errorf("read project brief: %w", err))
	}
	return string(data), nil
}

// GatherContext reads the repository state the agents work from.
type GatherContext struct {
	Repo         vcs.Client
	Exec         *retry.Executor
	Policy       retry.Policy
	Scanner      ContextScanner
	IssueLimit   int
	HistoryLimit int
}

// Name implements Stage.
func (s *GatherContext) Name() string { return StageGather }

// Run implements Stage.
func (s *GatherContext) Run(ctx context.Context, in StageContext, out *Slot) error {
	if s.Repo == nil {
		return retry.Mark(retry.Fatal, domain.ErrRepositoryNotSet)
	}
	t := in.Target()

	issues, err := retry.Call(ctx, s.Exec, s.Policy, func(ctx context.Context) ([]vcs.Issue, error) {
		return s.Repo.ReadIssues(ctx, "open", s.IssueLimit)
	})
	if err != nil {
		return err
	}
	out.Put("issues", issues)

	history, err := retry.Call(ctx, s.Exec, s.Policy, func(ctx context.Context) ([]vcs.Commit, error) {
		return s.Repo.ReadHistory(ctx, s.HistoryLimit)
	})
	if err != nil {
		return err
	}
	out.Put("history", history)

	if t.Issue > 0 {
		is, ok := Lookup[vcs.Issue](in, KeyValidateIssue)
		if !ok {
			is, err = retry.Call(ctx, s.Exec, s.Policy, func(ctx context.Context) (vcs.Issue, error) {
				return s.Repo.ReadIssue(ctx, t.Issue)
			})
			if err != nil {
				return err
			}
		}
		out.Put("issue", is)
	}

	if t.Pull > 0 {
		pr, err := retry.Call(ctx, s.Exec, s.Policy, func(ctx context.Context) (vcs.PullRequest, error) {
			return s.Repo.ReadPullRequest(ctx, t.Pull)
		})
		if err != nil {
			return err
		}
		out.Put("pull", pr)
	}

	if t.BriefPath != "" {
		text, err := readBrief(t.BriefPath)
		if err != nil {
			return err
		}
		out.Put("brief", text)
	}

	summary := ""
	if t.Workspace != "" && s.Scanner != nil {
		summary, err = s.Scanner.Scan(ctx, t.Workspace)
		if err != nil {
			return retry.Mark(retry.Fatal, fmt.Errorf("scan workspace: %w", err))
		}
	}
	out.Put("summary", summary)
	return nil
}

// InvokeAgent makes one agent call for a role.
type InvokeAgent struct {
	Client agent.Client
	Exec   *retry.Executor
	Policy retry.Policy
	Prompt PromptFunc
}

// Name implements Stage.
func (s *InvokeAgent) Name() string { return AgentStage(s.Client.Role()) }

// Run implements Stage.
func (s *InvokeAgent) Run(ctx context.Context, in StageContext, out *Slot) error {
	system, prompt, err := s.Prompt(in)
	if err != nil {
		return retry.Mark(retry.Fatal, err)
	}
	resp, err := invoke(ctx, s.Exec, s.Policy, s.Client, prompt, agent.Context{
		RunID:     in.RunID(),
		Stage:     s.Name(),
		Workspace: in.Target().Workspace,
		System:    system,
	}, nil)
	if err != nil {
		return err
	}
	out.Put("response", resp.Text)
	out.Put("usage", resp.Usage)
	out.Put("model", resp.Model)
	out.Put("provider", resp.Provider)
	return nil
}

// invoke calls an agent through the executor. check, when set, inspects a
// response and may reject it with a classified error.
func invoke(ctx context.Context, exec *retry.Executor, p retry.Policy, c agent.Client, prompt string,
	ac agent.Context, check func(agent.Response) error) (agent.Response, error) {
	return retry.Call(ctx, exec, p, func(ctx context.Context) (agent.Response, error) {
		resp, err := c.Invoke(ctx, prompt, ac)
		if err != nil {
			return resp, err
		}
		if strings.TrimSpace(resp.Text) == "" {
			return resp, retry.Mark(retry.Retryable, domain.ErrEmptyResponse)
		}
		if resp.Usage.Stage == "" {
			resp.Usage.Stage = ac.Stage
		}
		if resp.Usage.Role == "" {
			resp.Usage.Role = c.Role()
		}
		if check != nil {
			if err := check(resp); err != nil {
				return resp, err
			}
		}
		return resp, nil
	})
}

// ReconcileOutputs decides whether the generated fix can be published. It
// checks the patch is well formed and stays out of denied paths, then asks
// the validator agent for a score card and evaluates it. Any rejection asks
// the orchestrator to regenerate with the collected feedback.
type ReconcileOutputs struct {
	Generator string
	Analyzer  string
	Validator agent.Client
	Exec      *retry.Executor
	Policy    retry.Policy
	Prompt    PromptFunc
	Consensus *review.ConsensusEngine
	Paths     PathChecker
}

// Name implements Stage.
func (s *ReconcileOutputs) Name() string { return StageReconcile }

// Run implements Stage.
func (s *ReconcileOutputs) Run(ctx context.Context, in StageContext, out *Slot) error {
	generated, err := Require[string](in, ResponseKey(s.Generator))
	if err != nil {
		return retry.Mark(retry.Fatal, err)
	}
	if s.Analyzer != "" {
		if _, err := Require[string](in, ResponseKey(s.Analyzer)); err != nil {
			return retry.Mark(retry.Fatal, err)
		}
	}
	round, _ := Lookup[int](in, KeyRegenerateRound)
	out.Put("rounds", round)

	var problems []string
	patch, ok := review.ExtractPatch(generated)
	var stats review.PatchStats
	if !ok {
		problems = append(problems, "the response contains no unified diff")
	} else if stats, err = review.CheckPatch(patch); err != nil {
		problems = append(problems, err.Error())
	} else if s.Paths != nil {
		for _, f := range s.Paths.Violations(ctx, in.RunID(), stats.Files) {
			problems = append(problems, "the patch modifies a protected path: "+f)
		}
	}
	out.Put("files", stats.Files)

	var (
		card  domain.ScoreCard
		res   *domain.ConsensusResult
		usage domain.Usage
	)
	if s.Validator != nil && len(problems) == 0 {
		system, prompt, err := s.Prompt(in)
		if err != nil {
			return retry.Mark(retry.Fatal, err)
		}
		resp, err := invoke(ctx, s.Exec, s.Policy, s.Validator, prompt, agent.Context{
			RunID:     in.RunID(),
			Stage:     s.Name(),
			Workspace: in.Target().Workspace,
			System:    system,
		}, func(r agent.Response) error {
			c, err := review.ParseVerdict(r.Text, s.Validator.Role())
			if err != nil {
				return retry.Mark(retry.Retryable, err)
			}
			res, err = s.Consensus.Evaluate([]domain.ScoreCard{c})
			if err != nil {
				return retry.Mark(retry.Retryable, err)
			}
			card = c
			return nil
		})
		if err != nil {
			return err
		}
		if card.ReviewID == "" {
			card.ReviewID = fmt.Sprintf("%s-r%d", in.RunID(), round)
		}
		usage = resp.Usage
		out.Put("review", resp.Text)
		out.Put("usage", usage)
		out.Put("scorecard", card)
		out.Put("consensus", *res)
	}

	if len(problems) > 0 || (res != nil && !review.Accepted(res)) {
		nr := &NotReconciledError{Feedback: review.Feedback(card, res, problems...)}
		if res != nil {
			nr.ScoreCard = &card
			nr.Usage = &usage
		}
		return nr
	}

	verdict := domain.VerdictPass
	if res != nil {
		verdict = res.FinalVerdict
	}
	out.Put("verdict", verdict)
	out.Put("feedback", "")
	out.Put("patch", patch)
	return nil
}

// PublishResult performs the single repository write of a run. A write is
// identified by an idempotency key: the local ledger short-circuits writes
// that already completed, and a marker embedded in the body lets a retried
// or re-run write find what an earlier attempt created.
type PublishResult struct {
	Kind       domain.PublishKind
	Draft      DraftFunc
	Repo       vcs.Client
	Exec       *retry.Executor
	Policy     retry.Policy
	Ledger     PublishLedger
	Git        BranchPreparer
	Paths      PathChecker
	BaseBranch string
	Labels     []string
	DryRun     bool
}

type published struct {
	URL       string
	Number    int
	Duplicate bool
}

// Name implements Stage.
func (s *PublishResult) Name() string { return StagePublish }

// Run implements Stage.
func (s *PublishResult) Run(ctx context.Context, in StageContext, out *Slot) error {
	if s.Repo == nil {
		return retry.Mark(retry.Fatal, domain.ErrRepositoryNotSet)
	}
	d, err := s.Draft(in)
	if err != nil {
		return err
	}
	t := in.Target()
	key := IdempotencyKey(s.Kind, t, d.Title)
	body := vcs.WithMarker(d.Body, key)
	out.Put("key", key)
	out.Put("title", d.Title)

	if s.Paths != nil && len(d.Files) > 0 {
		if denied := s.Paths.Violations(ctx, in.RunID(), d.Files); len(denied) > 0 {
			return retry.Mark(retry.Fatal, domain.WrapEngineError(domain.ErrPathDenied.Code,
				"patch modifies protected paths: "+strings.Join(denied, ", "), nil))
		}
	}

	if s.Ledger != nil {
		rec, err := s.Ledger.Lookup(ctx, key)
		if err != nil {
			return retry.Mark(retry.Fatal, err)
		}
		if rec != nil && rec.Status == domain.PublishDone {
			out.Put("url", rec.URL)
			out.Put("number", rec.Number)
			out.Put("duplicate", true)
			return nil
		}
	}

	if s.DryRun {
		out.Put("dry_run", true)
		out.Put("body", body)
		out.Put("duplicate", false)
		return nil
	}

	if s.Ledger != nil {
		err := s.Ledger.Begin(ctx, domain.PublishRecord{
			Key:         key,
			RunID:       in.RunID(),
			Kind:        s.Kind,
			Target:      t.FullName(),
			PayloadHash: payloadHash(body),
		})
		if err != nil {
			return retry.Mark(retry.Fatal, err)
		}
	}

	var p published
	switch s.Kind {
	case domain.PublishIssue:
		p, err = s.publishIssue(ctx, d, body, key)
	case domain.PublishPullRequest:
		var branch string
		branch, p, err = s.publishPullRequest(ctx, t, d, body, key)
		out.Put("branch", branch)
	case domain.PublishComment:
		p, err = s.publishComment(ctx, t, body, key)
	default:
		err = retry.Mark(retry.Fatal, domain.WrapEngineError(domain.ErrConfigInvalid.Code,
			fmt.Sprintf("unknown publish kind %q", s.Kind), nil))
	}
	if err != nil {
		return err
	}

	if s.Ledger != nil {
		if err := s.Ledger.Complete(ctx, key, p.URL, p.Number); err != nil {
			return retry.Mark(retry.Fatal, err)
		}
	}
	out.Put("url", p.URL)
	out.Put("number", p.Number)
	out.Put("duplicate", p.Duplicate)
	return nil
}

func (s *PublishResult) publishIssue(ctx context.Context, d Draft, body, key string) (published, error) {
	marker := vcs.Marker(key)
	labels := append(append([]string(nil), s.Labels...), d.Labels...)
	return retry.Call(ctx, s.Exec, s.Policy, func(ctx context.Context) (published, error) {
		existing, err := s.Repo.FindIssueByMarker(ctx, marker)
		if err != nil {
			return published{}, err
		}
		if existing != nil {
			return published{URL: existing.URL, Number: existing.Number, Duplicate: true}, nil
		}
		is, err := s.Repo.CreateIssue(ctx, vcs.NewIssue{Title: d.Title, Body: body, Labels: labels})
		if err != nil {
			return published{}, err
		}
		return published{URL: is.URL, Number: is.Number}, nil
	})
}

func (s *PublishResult) publishPullRequest(ctx context.Context, t domain.Target, d Draft, body, key string) (string, published, error) {
	branch := fmt.Sprintf("steward/issue-%d-%s", t.Issue, key[:8])
	findPR := func(ctx context.Context) (*vcs.PullRequest, error) {
		return s.Repo.FindPullRequestByHead(ctx, branch)
	}
	existing, err := retry.Call(ctx, s.Exec, s.Policy, findPR)
	if err != nil {
		return branch, published{}, err
	}
	if existing != nil {
		return branch, published{URL: existing.URL, Number: existing.Number, Duplicate: true}, nil
	}

	if s.Git == nil {
		return branch, published{}, retry.Mark(retry.Fatal, domain.WrapEngineError(domain.ErrConfigInvalid.Code,
			"publishing a pull request needs a local checkout", nil))
	}
	base := s.BaseBranch
	if base == "" {
		base = "main"
	}
	if err := s.Git.PrepareBranch(ctx, branch, base, d.Patch, d.Title); err != nil {
		return branch, published{}, err
	}
	if err := s.Exec.Do(ctx, s.Policy, func(ctx context.Context) error {
		return s.Git.Push(ctx, branch)
	}); err != nil {
		return branch, published{}, err
	}

	p, err := retry.Call(ctx, s.Exec, s.Policy, func(ctx context.Context) (published, error) {
		existing, err := findPR(ctx)
		if err != nil {
			return published{}, err
		}
		if existing != nil {
			return published{URL: existing.URL, Number: existing.Number, Duplicate: true}, nil
		}
		pr, err := s.Repo.CreatePullRequest(ctx, vcs.NewPullRequest{Title: d.Title, Body: body, Head: branch, Base: base})
		if err != nil {
			return published{}, err
		}
		return published{URL: pr.URL, Number: pr.Number}, nil
	})
	return branch, p, err
}

func (s *PublishResult) publishComment(ctx context.Context, t domain.Target, body, key string) (published, error) {
	number := t.Pull
	if number == 0 {
		number = t.Issue
	}
	if number == 0 {
		return published{}, retry.Mark(retry.Fatal, domain.WrapEngineError(domain.ErrPreconditionFailed.Code,
			"comment target has no issue or pull request number", nil))
	}
	marker := vcs.Marker(key)
	return retry.Call(ctx, s.Exec, s.Policy, func(ctx context.Context) (published, error) {
		existing, err := s.Repo.FindCommentByMarker(ctx, number, marker)
		if err != nil {
			return published{}, err
		}
		if existing != nil {
			return published{URL: existing.URL, Number: number, Duplicate: true}, nil
		}
		c, err := s.Repo.AddComment(ctx, number, body)
		if err != nil {
			return published{}, err
		}
		return published{URL: c.URL, Number: number}, nil
	})
}
