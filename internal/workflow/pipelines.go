package workflow

import (
	"fmt"

	"github.com/rogers-f/steward/internal/agent"
	"github.com/rogers-f/steward/internal/domain"
	"github.com/rogers-f/steward/internal/retry"
	"github.com/rogers-f/steward/internal/review"
	"github.com/rogers-f/steward/internal/vcs"
)

// Deps are the collaborators the stages of one run are built from. Every
// run gets its own Deps; nothing here is shared global state.
type Deps struct {
	Repo      vcs.Client
	Agents    *agent.Registry
	Exec      *retry.Executor
	Policies  retry.Policies
	Briefs    ContentValidator
	Issues    ContentValidator
	Scanner   ContextScanner
	Paths     PathChecker
	Ledger    PublishLedger
	Git       BranchPreparer
	Consensus *review.ConsensusEngine
	Prompts   *Prompts

	BaseBranch       string
	Labels           []string
	DryRun           bool
	RegenerateBudget int
	IssueLimit       int
	HistoryLimit     int
}

// Build returns the pipeline for a run kind.
func Build(kind domain.RunKind, d Deps) (Pipeline, error) {
	if d.Exec == nil {
		d.Exec = retry.NewExecutor()
	}
	if d.Prompts == nil {
		d.Prompts = NewPrompts(DefaultDigestLimits())
	}
	if d.Consensus == nil {
		d.Consensus = review.NewConsensusEngine(review.DefaultWeights())
	}
	switch kind {
	case domain.KindIssueGeneration:
		return buildIssueGeneration(d)
	case domain.KindIssueResolution:
		return buildIssueResolution(d)
	case domain.KindMultiAgentResolve:
		return buildMultiAgentResolution(d)
	case domain.KindQAReview:
		return buildQAReview(d)
	default:
		return Pipeline{}, domain.WrapEngineError(domain.ErrUnknownPipeline.Code,
			fmt.Sprintf("unknown pipeline kind %q", kind), nil)
	}
}

func buildIssueGeneration(d Deps) (Pipeline, error) {
	gen, err := d.agent(agent.RoleGenerator)
	if err != nil {
		return Pipeline{}, err
	}
	return Pipeline{
		Kind: domain.KindIssueGeneration,
		Stages: []Stage{
			d.gather(),
			d.invoke(gen, PromptIssue, "Identify the most valuable missing work item for this repository."),
			d.publish(domain.PublishIssue, IssueDraft(agent.RoleGenerator), nil),
		},
	}, nil
}

func buildIssueResolution(d Deps) (Pipeline, error) {
	gen, err := d.agent(agent.RoleGenerator)
	if err != nil {
		return Pipeline{}, err
	}
	return Pipeline{
		Kind: domain.KindIssueResolution,
		Stages: []Stage{
			d.validate(),
			d.gather(),
			d.invoke(gen, PromptFix, "Resolve the issue above."),
			d.publish(domain.PublishPullRequest, PullRequestDraft(agent.RoleGenerator), d.Paths),
		},
	}, nil
}

func buildMultiAgentResolution(d Deps) (Pipeline, error) {
	analyzer, err := d.agent(agent.RoleAnalyzer)
	if err != nil {
		return Pipeline{}, err
	}
	gen, err := d.agent(agent.RoleGenerator)
	if err != nil {
		return Pipeline{}, err
	}
	validator, err := d.agent(agent.RoleValidator)
	if err != nil {
		return Pipeline{}, err
	}
	return Pipeline{
		Kind: domain.KindMultiAgentResolve,
		Stages: []Stage{
			d.validate(),
			d.gather(),
			d.invoke(analyzer, PromptAnalyze, "Analyze the issue above."),
			d.invoke(gen, PromptFix, "Resolve the issue above following the analysis."),
			&ReconcileOutputs{
				Generator: agent.RoleGenerator,
				Analyzer:  agent.RoleAnalyzer,
				Validator: validator,
				Exec:      d.Exec,
				Policy:    d.Policies.LLM,
				Prompt:    d.Prompts.For(PromptValidate, "Review the proposed fix for the issue above."),
				Consensus: d.Consensus,
				Paths:     d.Paths,
			},
			d.publish(domain.PublishPullRequest, PullRequestDraft(agent.RoleGenerator), d.Paths),
		},
		RegenerateFrom:   AgentStage(agent.RoleGenerator),
		RegenerateBudget: d.RegenerateBudget,
	}, nil
}

func buildQAReview(d Deps) (Pipeline, error) {
	reviewer, err := d.agent(agent.RoleReviewer)
	if err != nil {
		return Pipeline{}, err
	}
	return Pipeline{
		Kind: domain.KindQAReview,
		Stages: []Stage{
			d.gather(),
			d.invoke(reviewer, PromptQAReview, "Review the pull request above."),
			d.publish(domain.PublishComment, ReviewCommentDraft(agent.RoleReviewer), nil),
		},
	}, nil
}

func (d Deps) agent(role string) (agent.Client, error) {
	if d.Agents == nil {
		return nil, domain.WrapEngineError(domain.ErrAgentNotFound.Code, "no agents configured", nil)
	}
	return d.Agents.Get(role)
}

func (d Deps) validate() Stage {
	return &ValidatePreconditions{
		Brief:  d.Briefs,
		Issue:  d.Issues,
		Repo:   d.Repo,
		Exec:   d.Exec,
		Policy: d.Policies.VCSRead,
	}
}

func (d Deps) gather() Stage {
	return &GatherContext{
		Repo:         d.Repo,
		Exec:         d.Exec,
		Policy:       d.Policies.VCSRead,
		Scanner:      d.Scanner,
		IssueLimit:   d.IssueLimit,
		HistoryLimit: d.HistoryLimit,
	}
}

func (d Deps) invoke(c agent.Client, prompt, objective string) Stage {
	return &InvokeAgent{
		Client: c,
		Exec:   d.Exec,
		Policy: d.Policies.LLM,
		Prompt: d.Prompts.For(prompt, objective),
	}
}

func (d Deps) publish(kind domain.PublishKind, draft DraftFunc, paths PathChecker) Stage {
	return &PublishResult{
		Kind:       kind,
		Draft:      draft,
		Repo:       d.Repo,
		Exec:       d.Exec,
		Policy:     d.Policies.VCSWrite,
		Ledger:     d.Ledger,
		Git:        d.Git,
		Paths:      paths,
		BaseBranch: d.BaseBranch,
		Labels:     d.Labels,
		DryRun:     d.DryRun,
	}
}
