// Package batch runs independent workflow runs in parallel with a
// concurrency limit.
package batch

import (
	"context"
	"log/slog"

	"github.com/google/uuid"
	"golang.org/x/sync/errgroup"

	"github.com/rogers-f/steward/internal/domain"
	"github.com/rogers-f/steward/internal/workflow"
)

// Job is one run to execute.
type Job struct {
	RunID  string
	Kind   domain.RunKind
	Target domain.Target
}

// NewJob returns a job with a fresh run ID.
func NewJob(kind domain.RunKind, target domain.Target) Job {
	return Job{RunID: uuid.NewString(), Kind: kind, Target: target}
}

// RunFunc executes one job. Each call builds its own pipeline and
// collaborators; nothing is shared between runs.
type RunFunc func(ctx context.Context, job Job) workflow.Result

// Outcome pairs a job with its result.
type Outcome struct {
	Job    Job
	Result workflow.Result
}

// Runner executes jobs with at most MaxConcurrent runs in flight.
type Runner struct {
	MaxConcurrent int
	Run           RunFunc
	Logger        *slog.Logger
}

// NewRunner creates a Runner. A limit below one means one.
func NewRunner(maxConcurrent int, run RunFunc, logger *slog.Logger) *Runner {
	if maxConcurrent < 1 {
		maxConcurrent = 1
	}
	if logger == nil {
		logger = slog.Default()
	}
	return &Runner{MaxConcurrent: maxConcurrent, Run: run, Logger: logger}
}

// RunAll executes every job and returns the outcomes in job order. A failed
// run does not stop the others. Jobs not started before ctx is canceled are
// reported as canceled.
func (r *Runner) RunAll(ctx context.Context, jobs []Job) []Outcome {
	out := make([]Outcome, len(jobs))
	g := new(errgroup.Group)
	g.SetLimit(r.MaxConcurrent)

	for i, job := range jobs {
		out[i].Job = job
		if ctx.Err() != nil {
			out[i].Result = canceled(job, ctx.Err())
			continue
		}
		g.Go(func() error {
			if err := ctx.Err(); err != nil {
				out[i].Result = canceled(job, err)
				return nil
			}
			r.Logger.Info("batch run started", "run_id", job.RunID, "kind", string(job.Kind), "target", job.Target.FullName(), "issue", job.Target.Issue)
			res := r.Run(ctx, job)
			out[i].Result = res
			r.Logger.Info("batch run finished", "run_id", job.RunID, "status", string(res.Status))
			return nil
		})
	}
	_ = g.Wait()
	return out
}

func canceled(job Job, err error) workflow.Result {
	return workflow.Result{
		RunID:  job.RunID,
		Kind:   job.Kind,
		Status: domain.StatusFailed,
		Failure: &workflow.Failure{
			Cause:  err,
			Reason: domain.ReasonCanceled,
		},
	}
}

// Summary counts outcomes by status.
type Summary struct {
	Succeeded int
	Failed    int
	Reasons   map[domain.FailureReason]int
}

// Summarize counts the outcomes.
func Summarize(outcomes []Outcome) Summary {
	s := Summary{Reasons: map[domain.FailureReason]int{}}
	for _, o := range outcomes {
		if o.Result.Succeeded() {
			s.Succeeded++
			continue
		}
		s.Failed++
		if o.Result.Failure != nil {
			s.Reasons[o.Result.Failure.Reason]++
		}
	}
	return s
}
