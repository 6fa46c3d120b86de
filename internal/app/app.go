// Package app wires steward's components into runnable workflows.
package app

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"sort"
	"sync"

	"github.com/google/uuid"

	"github.com/rogers-f/steward/internal/agent"
	"github.com/rogers-f/steward/internal/batch"
	"github.com/rogers-f/steward/internal/bridge"
	"github.com/rogers-f/steward/internal/brief"
	"github.com/rogers-f/steward/internal/config"
	"github.com/rogers-f/steward/internal/domain"
	"github.com/rogers-f/steward/internal/guard"
	"github.com/rogers-f/steward/internal/ipc"
	"github.com/rogers-f/steward/internal/metrics"
	"github.com/rogers-f/steward/internal/retry"
	"github.com/rogers-f/steward/internal/review"
	"github.com/rogers-f/steward/internal/scanner"
	"github.com/rogers-f/steward/internal/store"
	"github.com/rogers-f/steward/internal/vcs"
	"github.com/rogers-f/steward/internal/workflow"
)

// App holds the long-lived collaborators shared by every run. Per-run state
// lives in the pipeline built for each run.
type App struct {
	Config       *config.Config
	DB           *sql.DB
	Logger       *slog.Logger
	Agents       *agent.Registry
	Repo         vcs.Client
	Git          workflow.BranchPreparer
	Paths        *guard.PathPolicy
	Ledger       *store.PublishLedger
	Governor     *workflow.BudgetGovernor
	Recorder     *bridge.Recorder
	Orchestrator *workflow.Orchestrator
	Prompts      *workflow.Prompts
	Consensus    *review.ConsensusEngine

	execOpts []retry.Option

	ctx    context.Context
	cancel context.CancelFunc
	wg     sync.WaitGroup
	slots  chan struct{}
}

// Option overrides a collaborator, mostly for tests.
type Option func(*App)

// WithRepoClient replaces the GitHub client.
func WithRepoClient(c vcs.Client) Option {
	return func(a *App) { a.Repo = c }
}

// WithAgents replaces the agent registry built from config.
func WithAgents(r *agent.Registry) Option {
	return func(a *App) { a.Agents = r }
}

// WithBranchPreparer replaces the local git checkout.
func WithBranchPreparer(g workflow.BranchPreparer) Option {
	return func(a *App) { a.Git = g }
}

// WithExecutorOptions adds retry executor options, such as a test sleep.
// They apply to the executor built for every run.
func WithExecutorOptions(opts ...retry.Option) Option {
	return func(a *App) { a.execOpts = append(a.execOpts, opts...) }
}

// NewExecutor returns a retry executor for one run. Observers are shared;
// the backoff scheduler is not.
func (a *App) NewExecutor() *retry.Executor {
	opts := []retry.Option{
		retry.WithObserver(retry.LogObserver{Logger: a.Logger}),
		retry.WithObserver(metrics.RetryObserver{}),
		retry.WithObserver(a.Recorder),
		retry.WithScheduler(retry.NewScheduler(nil)),
	}
	return retry.NewExecutor(append(opts, a.execOpts...)...)
}

// New opens the database and builds the shared collaborators from cfg.
func New(cfg *config.Config, logger *slog.Logger, opts ...Option) (*App, error) {
	if logger == nil {
		logger = slog.Default()
	}
	db, err := store.NewDB(cfg.DBPath)
	if err != nil {
		return nil, fmt.Errorf("open database: %w", err)
	}

	paths, err := guard.NewPathPolicy(db, cfg.DeniedPaths...)
	if err != nil {
		db.Close()
		return nil, err
	}

	gov := workflow.NewBudgetGovernor(db)
	slots := cfg.MaxConcurrentRuns
	if slots < 1 {
		slots = 1
	}
	ctx, cancel := context.WithCancel(context.Background())
	a := &App{
		Config:    cfg,
		DB:        db,
		Logger:    logger,
		Paths:     paths,
		Ledger:    store.NewPublishLedger(db),
		Governor:  gov,
		Recorder:  bridge.NewRecorder(db, gov, cfg.BudgetCapUSD, logger),
		Prompts:   workflow.NewPrompts(workflow.DefaultDigestLimits()),
		Consensus: review.NewConsensusEngine(review.DefaultWeights()),
		ctx:       ctx,
		cancel:    cancel,
		slots:     make(chan struct{}, slots),
	}

	if cfg.Workspace != "" {
		a.Git = vcs.NewGit(cfg.Workspace)
	}
	for _, opt := range opts {
		opt(a)
	}

	if a.Agents == nil {
		a.Agents = BuildAgents(cfg, logger)
	}
	if a.Repo == nil && cfg.Repository.Owner != "" {
		var ghOpts []vcs.GitHubOption
		if cfg.Repository.APIURL != "" {
			ghOpts = append(ghOpts, vcs.WithBaseURL(cfg.Repository.APIURL))
		}
		gh, err := vcs.NewGitHubClient(cfg.Repository.Owner, cfg.Repository.Name, cfg.Repository.Token(), http.DefaultClient, ghOpts...)
		if err != nil {
			a.Close()
			return nil, err
		}
		a.Repo = gh
	}

	a.Orchestrator = workflow.NewOrchestrator(logger, &workflow.BudgetGate{Governor: gov, CapUSD: cfg.BudgetCapUSD})
	a.Orchestrator.AddObserver(a.Recorder)
	return a, nil
}

// BuildAgents creates one client per configured role. A role whose backend
// cannot be built is logged and left unregistered; pipelines that need it
// fail with ErrAgentNotFound.
func BuildAgents(cfg *config.Config, logger *slog.Logger) *agent.Registry {
	reg := agent.NewRegistry()
	roles := make([]string, 0, len(cfg.Agents))
	for role := range cfg.Agents {
		roles = append(roles, role)
	}
	sort.Strings(roles)

	for _, role := range roles {
		ac := cfg.Agents[role]
		c, err := buildAgent(role, ac)
		if err == nil {
			err = reg.Register(guard.Throttle(c, ac.RatePerMinute, ac.Burst))
		}
		if err != nil {
			logger.Warn("agent unavailable", "role", role, "kind", ac.Kind, "error", err)
		}
	}
	return reg
}

func buildAgent(role string, ac config.AgentConfig) (agent.Client, error) {
	switch ac.Kind {
	case config.KindClaudeCLI, config.KindGeminiCLI:
		return agent.NewCLIClient(agent.CLISpec{
			Role:         role,
			Dialect:      ac.Kind,
			Command:      ac.Command,
			Args:         ac.Args,
			Env:          ac.Env,
			Model:        ac.Model,
			AllowedTools: ac.AllowedTools,
			Timeout:      ac.Timeout,
			Pricing:      ac.Pricing,
		}, nil)
	case config.KindOpenAI:
		return agent.NewOpenAIClient(agent.OpenAISpec{
			Role: role, Model: ac.Model, APIKey: ac.APIKey(), BaseURL: ac.BaseURL, Timeout: ac.Timeout, Pricing: ac.Pricing,
		})
	case config.KindGemini:
		return agent.NewGeminiClient(agent.GeminiSpec{
			Role: role, Model: ac.Model, APIKey: ac.APIKey(), BaseURL: ac.BaseURL, Timeout: ac.Timeout, Pricing: ac.Pricing,
		})
	default:
		return nil, domain.WrapEngineError(domain.ErrConfigInvalid.Code,
			fmt.Sprintf("agent %s: unknown kind %q", role, ac.Kind), nil)
	}
}

// Deps returns the stage collaborators for one run. Each call gets its own
// retry executor. The agent registry and repository client are shared: the
// throttles inside the registry must see every run's calls, and neither
// holds per-run state.
func (a *App) Deps() workflow.Deps {
	limits := workflow.DefaultDigestLimits()
	return workflow.Deps{
		Repo:             a.Repo,
		Agents:           a.Agents,
		Exec:             a.NewExecutor(),
		Policies:         a.Config.Retry,
		Briefs:           brief.NewValidator(),
		Issues:           brief.NewIssueValidator(),
		Scanner:          scanner.New(),
		Paths:            a.Paths,
		Ledger:           a.Ledger,
		Git:              a.Git,
		Consensus:        a.Consensus,
		Prompts:          a.Prompts,
		BaseBranch:       a.Config.Repository.BaseBranch,
		Labels:           a.Config.Repository.Labels,
		DryRun:           a.Config.DryRun,
		RegenerateBudget: a.Config.RegenerateBudget,
		IssueLimit:       limits.Issues,
		HistoryLimit:     limits.Commits,
	}
}

// Target returns the configured repository as a run target.
func (a *App) Target() (domain.Target, error) {
	return a.Config.Repo()
}

// Run executes one run of kind against target with a fresh run ID. The
// error reports a run that could not be set up; a run that started always
// reports through the result.
func (a *App) Run(ctx context.Context, kind domain.RunKind, target domain.Target) (workflow.Result, error) {
	return a.RunWithID(ctx, uuid.NewString(), kind, target)
}

// RunWithID is Run with a caller-chosen run ID.
func (a *App) RunWithID(ctx context.Context, runID string, kind domain.RunKind, target domain.Target) (workflow.Result, error) {
	if a.Repo == nil {
		return workflow.Result{}, domain.ErrRepositoryNotSet
	}
	p, err := workflow.Build(kind, a.Deps())
	if err != nil {
		return workflow.Result{}, err
	}
	return a.Orchestrator.Run(ctx, runID, p, target), nil
}

// RunBatch resolves each issue in its own run, at most MaxConcurrentRuns at
// a time.
func (a *App) RunBatch(ctx context.Context, kind domain.RunKind, issues []int) ([]batch.Outcome, error) {
	base, err := a.Target()
	if err != nil {
		return nil, err
	}
	jobs := make([]batch.Job, 0, len(issues))
	for _, n := range issues {
		t := base
		t.Issue = n
		jobs = append(jobs, batch.NewJob(kind, t))
	}
	runner := batch.NewRunner(a.Config.MaxConcurrentRuns, func(ctx context.Context, job batch.Job) workflow.Result {
		res, err := a.RunWithID(ctx, job.RunID, job.Kind, job.Target)
		if err != nil {
			return workflow.Result{
				RunID:   job.RunID,
				Kind:    job.Kind,
				Status:  domain.StatusFailed,
				Failure: &workflow.Failure{Cause: err, Fatal: true, Reason: domain.ReasonFatal},
			}
		}
		return res
	}, a.Logger)
	return runner.RunAll(ctx, jobs), nil
}

// Launch starts a run in the background and returns its ID. Runs beyond
// MaxConcurrentRuns wait for a slot. Launch implements ipc.Launcher.
func (a *App) Launch(_ context.Context, kind domain.RunKind, target domain.Target) (string, error) {
	if a.Repo == nil {
		return "", domain.ErrRepositoryNotSet
	}
	p, err := workflow.Build(kind, a.Deps())
	if err != nil {
		return "", err
	}
	if a.ctx.Err() != nil {
		return "", errors.New("steward is shutting down")
	}

	runID := uuid.NewString()
	a.wg.Add(1)
	go func() {
		defer a.wg.Done()
		select {
		case a.slots <- struct{}{}:
		case <-a.ctx.Done():
			a.Logger.Warn("launch dropped at shutdown", "run_id", runID)
			return
		}
		defer func() { <-a.slots }()
		res := a.Orchestrator.Run(a.ctx, runID, p, target)
		a.Logger.Info("launched run finished", "run_id", runID, "status", string(res.Status))
	}()
	return runID, nil
}

// Handler returns the HTTP API handler with this app as its launcher.
func (a *App) Handler() *ipc.Handler {
	h := ipc.NewHandler(a.DB, a.Governor, a.Config.BudgetCapUSD, a.Logger)
	if t, err := a.Target(); err == nil {
		h.Repository = t
		h.Launcher = a
	}
	return h
}

// Close cancels launched runs, waits for them and closes the database.
func (a *App) Close() error {
	a.cancel()
	a.wg.Wait()
	return a.DB.Close()
}
