package workflow

import (
	"context"
	"errors"
	"fmt"
	"log/slog"

	"github.com/rogers-f/steward/internal/domain"
)

// Stage is one step of a pipeline. Run reads in and writes its contribution
// to out; the contribution is merged only if Run returns nil.
type Stage interface {
	Name() string
	Run(ctx context.Context, in StageContext, out *Slot) error
}

// NotReconciledError is returned by a stage whose agent outputs disagree.
// It asks the orchestrator to regenerate from an earlier stage.
type NotReconciledError struct {
	Feedback  string
	ScoreCard *domain.ScoreCard
	// Usage is the reviewing call's usage, when one was made.
	Usage *domain.Usage
}

// Error implements the error interface.
func (e *NotReconciledError) Error() string {
	return fmt.Sprintf("%s: %s", domain.ErrNotReconciled.Message, e.Feedback)
}

// Is matches domain.ErrNotReconciled.
func (e *NotReconciledError) Is(target error) bool {
	return target == domain.ErrNotReconciled
}

// Pipeline is an ordered list of stages for one run kind.
type Pipeline struct {
	Kind   domain.RunKind
	Stages []Stage
	// RegenerateFrom names the stage to rewind to when a later stage
	// reports ErrNotReconciled. Empty disables regeneration.
	RegenerateFrom string
	// RegenerateBudget bounds regenerations per run. It is independent of
	// any call's retry policy.
	RegenerateBudget int
}

// Validate checks the pipeline shape.
func (p Pipeline) Validate() error {
	if len(p.Stages) == 0 {
		return domain.ErrEmptyPipeline
	}
	seen := map[string]bool{}
	for _, s := range p.Stages {
		if s.Name() == "regenerate" || s.Name() == "" {
			return domain.WrapEngineError(domain.ErrConfigInvalid.Code,
				fmt.Sprintf("reserved stage name %q", s.Name()), nil)
		}
		if seen[s.Name()] {
			return domain.WrapEngineError(domain.ErrDuplicateStage.Code,
				fmt.Sprintf("duplicate stage %q", s.Name()), nil)
		}
		seen[s.Name()] = true
	}
	if p.RegenerateFrom != "" && p.indexOf(p.RegenerateFrom) < 0 {
		return domain.WrapEngineError(domain.ErrConfigInvalid.Code,
			fmt.Sprintf("regenerate stage %q not in pipeline", p.RegenerateFrom), nil)
	}
	return nil
}

// StageNames returns the stage names in order.
func (p Pipeline) StageNames() []string {
	names := make([]string, len(p.Stages))
	for i, s := range p.Stages {
		names[i] = s.Name()
	}
	return names
}

func (p Pipeline) indexOf(name string) int {
	for i, s := range p.Stages {
		if s.Name() == name {
			return i
		}
	}
	return -1
}

// RunObserver is notified of run progress. Implementations persist events,
// snapshots and metrics and must not fail the run.
type RunObserver interface {
	RunStarted(ctx context.Context, runID string, p Pipeline, target domain.Target)
	StageStarted(ctx context.Context, runID, stage string, round int)
	StageCompleted(ctx context.Context, runID, stage string, round int, values map[string]any)
	StageFailed(ctx context.Context, runID, stage string, err error)
	StageRewound(ctx context.Context, runID, from, to string, round int, feedback string)
	RunFinished(ctx context.Context, res Result)
}

// Orchestrator runs pipelines one stage at a time.
type Orchestrator struct {
	Logger    *slog.Logger
	Gates     []Gate
	Observers []RunObserver
}

// NewOrchestrator creates an orchestrator with the cancellation gate.
func NewOrchestrator(logger *slog.Logger, gates ...Gate) *Orchestrator {
	if logger == nil {
		logger = slog.Default()
	}
	return &Orchestrator{
		Logger: logger,
		Gates:  append([]Gate{CancellationGate{}}, gates...),
	}
}

// AddObserver registers a run observer.
func (o *Orchestrator) AddObserver(obs RunObserver) {
	o.Observers = append(o.Observers, obs)
}

// Run executes p for target. Stages run strictly in order; a fatal error
// stops the run without retrying the stage. The result is built once.
func (o *Orchestrator) Run(ctx context.Context, runID string, p Pipeline, target domain.Target) Result {
	log := o.Logger.With("run_id", runID, "kind", string(p.Kind))
	ctx = WithRunID(ctx, runID)
	res := Result{RunID: runID, Kind: p.Kind}

	if err := p.Validate(); err != nil {
		res.Status = domain.StatusFailed
		res.Failure = &Failure{Cause: err, Fatal: true, Reason: domain.ReasonFatal}
		log.Error("invalid pipeline", "error", err)
		return res
	}

	m := NewMachine(len(p.Stages))
	if err := m.Start(); err != nil {
		res.Status = domain.StatusFailed
		res.Failure = &Failure{Cause: err, Fatal: true, Reason: domain.ReasonFatal}
		return res
	}
	for _, obs := range o.Observers {
		obs.RunStarted(ctx, runID, p, target)
	}
	log.Info("run started", "stages", len(p.Stages), "target", target.FullName())

	sc := NewStageContext(runID, target)
	before := make([]StageContext, len(p.Stages))
	round := 0

	fail := func(stage string, err error, fatal bool, reason domain.FailureReason) Result {
		_ = m.Fail()
		res.Status = m.Status()
		res.Context = sc
		res.Rounds = round
		res.Failure = &Failure{Stage: stage, Cause: err, Fatal: fatal, Reason: reason}
		log.Error("run failed", "stage", stage, "reason", string(reason), "fatal", fatal, "error", err)
		for _, obs := range o.Observers {
			obs.RunFinished(ctx, res)
		}
		return res
	}

	for {
		idx := m.Stage()
		stage := p.Stages[idx]
		name := stage.Name()

		if blocked, reason, err := o.checkGates(ctx, Checkpoint{
			RunID: runID, Kind: p.Kind, Stage: name, Index: idx, Round: round,
		}); blocked {
			return fail(name, err, true, reason)
		}

		before[idx] = sc
		slot := NewSlot(name)
		for _, obs := range o.Observers {
			obs.StageStarted(ctx, runID, name, round)
		}
		log.Debug("stage started", "stage", name, "index", idx, "round", round)

		if err := stage.Run(ctx, sc, slot); err != nil {
			for _, obs := range o.Observers {
				obs.StageFailed(ctx, runID, name, err)
			}

			var nr *NotReconciledError
			if errors.As(err, &nr) || errors.Is(err, domain.ErrNotReconciled) {
				if p.RegenerateFrom == "" || round >= p.RegenerateBudget {
					return fail(name, err, false, domain.ReasonReconcileExhausted)
				}
				to := p.indexOf(p.RegenerateFrom)
				if rerr := m.Rewind(to); rerr != nil {
					return fail(name, rerr, true, domain.ReasonFatal)
				}
				round++
				feedback := ""
				if nr != nil {
					feedback = nr.Feedback
				}
				sc = regenerationContext(before[to], sc.completed, round, feedback)
				for _, obs := range o.Observers {
					obs.StageRewound(ctx, runID, name, p.RegenerateFrom, round, feedback)
				}
				log.Warn("outputs not reconciled, regenerating", "from", p.RegenerateFrom, "round", round, "budget", p.RegenerateBudget)
				continue
			}

			fatal, reason := classifyFailure(ctx, err)
			return fail(name, err, fatal, reason)
		}

		next, err := sc.merge(name, slot)
		if err != nil {
			return fail(name, err, true, domain.ReasonFatal)
		}
		sc = next
		for _, obs := range o.Observers {
			obs.StageCompleted(ctx, runID, name, round, slot.Values())
		}
		log.Info("stage completed", "stage", name, "keys", slot.Len())

		if idx == len(p.Stages)-1 {
			if err := m.Succeed(); err != nil {
				return fail(name, err, true, domain.ReasonFatal)
			}
			res.Status = m.Status()
			res.Context = sc
			res.Rounds = round
			log.Info("run succeeded", "rounds", round)
			for _, obs := range o.Observers {
				obs.RunFinished(ctx, res)
			}
			return res
		}
		if err := m.Advance(); err != nil {
			return fail(name, err, true, domain.ReasonFatal)
		}
	}
}

// checkGates evaluates every gate. A gate error blocks the run as fatal.
func (o *Orchestrator) checkGates(ctx context.Context, cp Checkpoint) (bool, domain.FailureReason, error) {
	for _, g := range o.Gates {
		d, err := g.Evaluate(ctx, cp)
		if err != nil {
			return true, domain.ReasonFatal, fmt.Errorf("gate %s: %w", g.Name(), err)
		}
		if !d.Allow {
			reason := d.Reason
			if reason == "" {
				reason = domain.ReasonFatal
			}
			cause := gateError(reason, d.Blockers)
			if reason == domain.ReasonCanceled && ctx.Err() != nil {
				cause = fmt.Errorf("%v: %w", d.Blockers, ctx.Err())
			}
			return true, reason, cause
		}
	}
	return false, "", nil
}

func gateError(reason domain.FailureReason, blockers []string) error {
	if reason == domain.ReasonBudgetExceeded {
		return domain.WrapEngineError(domain.ErrBudgetExceeded.Code, fmt.Sprintf("gate blocked stage: %v", blockers), nil)
	}
	return fmt.Errorf("gate blocked stage: %v", blockers)
}

// regenerationContext records the round and reviewer feedback on top of the
// context captured before the regenerated stage first ran. Outputs of the
// rewound stages are dropped; the completion log is kept.
func regenerationContext(base StageContext, completed []string, round int, feedback string) StageContext {
	next := base.clone()
	next.completed = append(next.completed[:0], completed...)
	delete(next.outputs, KeyRegenerateRound)
	delete(next.outputs, KeyRegenerateFeedback)
	next.outputs[KeyRegenerateRound] = round
	next.outputs[KeyRegenerateFeedback] = feedback
	return next
}
