// Package bridge connects the workflow engine to the run ledger, persisting
// run progress, agent usage, score cards, audit records and metrics.
package bridge

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"log/slog"
	"sort"
	"strings"
	"sync"
	"time"

	"github.com/rogers-f/steward/internal/domain"
	"github.com/rogers-f/steward/internal/metrics"
	"github.com/rogers-f/steward/internal/retry"
	"github.com/rogers-f/steward/internal/store"
	"github.com/rogers-f/steward/internal/workflow"
)

// Recorder is the integration layer between the orchestrator and the store.
// It implements workflow.RunObserver and retry.Observer. Persistence errors
// are logged and never fail a run.
type Recorder struct {
	DB         *sql.DB
	Runs       *store.RunRepo
	Events     *store.EventRepo
	Outputs    *store.OutputRepo
	Audit      *store.AuditRepo
	ScoreCards *store.ScoreCardRepo
	Governor   *workflow.BudgetGovernor
	CapUSD     float64
	Logger     *slog.Logger
	Now        func() time.Time

	mu   sync.Mutex
	runs map[string]*runState
}

type runState struct {
	mu         sync.Mutex
	rec        domain.RunRecord
	round      int
	stageStart time.Time
}

// NewRecorder creates a Recorder with all required dependencies.
func NewRecorder(db *sql.DB, gov *workflow.BudgetGovernor, capUSD float64, logger *slog.Logger) *Recorder {
	if logger == nil {
		logger = slog.Default()
	}
	return &Recorder{
		DB:         db,
		Runs:       &store.RunRepo{},
		Events:     &store.EventRepo{},
		Outputs:    &store.OutputRepo{},
		Audit:      &store.AuditRepo{},
		ScoreCards: &store.ScoreCardRepo{},
		Governor:   gov,
		CapUSD:     capUSD,
		Logger:     logger,
		Now:        time.Now,
		runs:       map[string]*runState{},
	}
}

var (
	_ workflow.RunObserver = (*Recorder)(nil)
	_ retry.Observer       = (*Recorder)(nil)
)

// RunStarted inserts the run row and its first event.
func (r *Recorder) RunStarted(ctx context.Context, runID string, p workflow.Pipeline, target domain.Target) {
	ctx = context.WithoutCancel(ctx)
	now := r.Now()
	rec := domain.RunRecord{
		RunID:         runID,
		Kind:          p.Kind,
		Target:        target,
		Status:        domain.StatusRunning,
		LastEventSeq:  1,
		StartedAtUnix: now.Unix(),
		UpdatedAtUnix: now.Unix(),
	}
	if names := p.StageNames(); len(names) > 0 {
		rec.CurrentStage = names[0]
	}

	err := store.WithTx(ctx, r.DB, func(tx *sql.Tx) error {
		if err := r.Runs.CreateTx(ctx, tx, rec); err != nil {
			return err
		}
		return r.Events.AppendTx(ctx, tx, domain.RunEvent{
			RunID:     runID,
			SeqNo:     1,
			EventType: domain.EventRunStarted,
			PayloadJSON: mustJSON(map[string]any{
				"kind":   p.Kind,
				"target": target,
				"stages": p.StageNames(),
			}),
			CreatedAt: now.Unix(),
		})
	})
	if err != nil {
		r.Logger.Warn("record run start", "run_id", runID, "error", err)
		return
	}

	r.mu.Lock()
	r.runs[runID] = &runState{rec: rec}
	r.mu.Unlock()
	metrics.RunsInFlight.Inc()
}

// StageStarted records the stage as current.
func (r *Recorder) StageStarted(ctx context.Context, runID, stage string, round int) {
	st := r.state(runID)
	if st == nil {
		return
	}
	st.mu.Lock()
	defer st.mu.Unlock()
	st.stageStart = r.Now()
	st.round = round
	r.appendLocked(ctx, st, stage, domain.EventStageStarted, map[string]any{"round": round},
		func(rec *domain.RunRecord) { rec.CurrentStage = stage }, nil)
}

// StageCompleted snapshots the stage's values and records the usage,
// score cards and publications they carry.
func (r *Recorder) StageCompleted(ctx context.Context, runID, stage string, round int, values map[string]any) {
	st := r.state(runID)
	if st == nil {
		return
	}
	ctx = context.WithoutCancel(ctx)
	st.mu.Lock()
	kind := st.rec.Kind
	started := st.stageStart
	now := r.Now()
	r.appendLocked(ctx, st, stage, domain.EventStageCompleted,
		map[string]any{"round": round, "keys": sortedKeys(values)}, nil,
		func(tx *sql.Tx) error {
			return r.Outputs.SaveTx(ctx, tx, domain.StageOutput{
				RunID:      runID,
				Stage:      stage,
				Round:      round,
				OutputJSON: mustJSON(values),
				CreatedAt:  now.Unix(),
			})
		})
	st.mu.Unlock()

	if !started.IsZero() {
		metrics.ObserveStage(stage, "ok", now.Sub(started))
	}
	for key, v := range values {
		switch {
		case strings.HasSuffix(key, ".usage"):
			if u, ok := v.(domain.Usage); ok {
				r.recordUsage(ctx, runID, u)
			}
		case strings.HasSuffix(key, ".scorecard"):
			if card, ok := v.(domain.ScoreCard); ok {
				r.recordScoreCard(ctx, runID, round, card)
			}
		}
	}
	if url, ok := values[workflow.StagePublish+".url"].(string); ok && url != "" {
		r.recordPublish(ctx, runID, kind, values)
	}
}

// StageFailed records the failure. A rejected review still carries the
// reviewer's score card and usage, which are persisted here.
func (r *Recorder) StageFailed(ctx context.Context, runID, stage string, err error) {
	st := r.state(runID)
	if st == nil {
		return
	}
	ctx = context.WithoutCancel(ctx)
	st.mu.Lock()
	round := st.round
	started := st.stageStart
	r.appendLocked(ctx, st, stage, domain.EventStageFailed, map[string]any{
		"round":          round,
		"error":          err.Error(),
		"classification": retry.Classify(err).String(),
		"fatal":          retry.IsFatal(err),
		"code":           domain.CodeOf(err),
	}, nil, nil)
	st.mu.Unlock()

	if !started.IsZero() {
		metrics.ObserveStage(stage, "failed", r.Now().Sub(started))
	}

	var nr *workflow.NotReconciledError
	if errors.As(err, &nr) {
		if nr.Usage != nil {
			r.recordUsage(ctx, runID, *nr.Usage)
		}
		if nr.ScoreCard != nil {
			r.recordScoreCard(ctx, runID, round, *nr.ScoreCard)
		}
	}
	if errors.Is(err, domain.ErrPathDenied) {
		r.audit(ctx, runID, "permission", "publish", "warn",
			map[string]string{"stage": stage}, map[string]string{"result": "denied", "reason": err.Error()})
	}
}

// StageRewound records a regeneration round.
func (r *Recorder) StageRewound(ctx context.Context, runID, from, to string, round int, feedback string) {
	st := r.state(runID)
	if st == nil {
		return
	}
	st.mu.Lock()
	kind := st.rec.Kind
	st.round = round
	r.appendLocked(ctx, st, from, domain.EventStageRewound, map[string]any{
		"from":     from,
		"to":       to,
		"round":    round,
		"feedback": feedback,
	}, func(rec *domain.RunRecord) { rec.CurrentStage = to }, nil)
	st.mu.Unlock()
	metrics.Regenerations.WithLabelValues(string(kind)).Inc()
}

// RunFinished stores the final status and forgets the run.
func (r *Recorder) RunFinished(ctx context.Context, res workflow.Result) {
	st := r.state(res.RunID)
	if st == nil {
		return
	}
	ctx = context.WithoutCancel(ctx)
	event := domain.EventRunSucceeded
	payload := map[string]any{"rounds": res.Rounds}
	if f := res.Failure; f != nil {
		event = domain.EventRunFailed
		payload["stage"] = f.Stage
		payload["reason"] = f.Reason
		payload["fatal"] = f.Fatal
		payload["error"] = f.Error()
	}

	st.mu.Lock()
	r.appendLocked(ctx, st, "", event, payload, func(rec *domain.RunRecord) {
		rec.Status = res.Status
		if f := res.Failure; f != nil {
			rec.FailedStage = f.Stage
			rec.Reason = f.Reason
			rec.Fatal = f.Fatal
			rec.ErrorMessage = f.Error()
		}
	}, nil)
	st.mu.Unlock()

	r.mu.Lock()
	delete(r.runs, res.RunID)
	r.mu.Unlock()

	reason := ""
	if res.Failure != nil {
		reason = string(res.Failure.Reason)
		if res.Failure.Reason == domain.ReasonBudgetExceeded {
			r.audit(ctx, res.RunID, "budget", "halt_run", "warn",
				map[string]any{"cap_usd": r.CapUSD}, map[string]string{"result": "halted"})
		}
	}
	metrics.RunsInFlight.Dec()
	metrics.RunsTotal.WithLabelValues(string(res.Kind), string(res.Status), reason).Inc()
}

// OnAttempt implements retry.Observer.
func (r *Recorder) OnAttempt(context.Context, retry.Attempt) {}

// OnRetry appends a call_retry event to the run the call belongs to.
func (r *Recorder) OnRetry(ctx context.Context, a retry.Attempt, err error) {
	st := r.state(workflow.RunIDFrom(ctx))
	if st == nil {
		return
	}
	st.mu.Lock()
	defer st.mu.Unlock()
	r.appendLocked(ctx, st, st.rec.CurrentStage, domain.EventCallRetry, map[string]any{
		"category":       a.Category,
		"attempt":        a.Index + 1,
		"classification": a.Prior.String(),
		"delay_ms":       a.Delay.Milliseconds(),
		"error":          err.Error(),
	}, nil, nil)
}

// OnGiveUp implements retry.Observer. The stage failure is recorded by
// StageFailed.
func (r *Recorder) OnGiveUp(context.Context, *retry.Error) {}

func (r *Recorder) state(runID string) *runState {
	if runID == "" {
		return nil
	}
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.runs[runID]
}

// appendLocked appends one event and updates the run row in a single
// transaction. The in-memory record only advances when the commit succeeds.
// st.mu must be held.
func (r *Recorder) appendLocked(ctx context.Context, st *runState, stage, eventType string, payload any,
	mutate func(*domain.RunRecord), extra func(*sql.Tx) error) {
	ctx = context.WithoutCancel(ctx)
	now := r.Now().Unix()
	next := st.rec
	if mutate != nil {
		mutate(&next)
	}
	next.LastEventSeq++
	next.UpdatedAtUnix = now

	err := store.WithTx(ctx, r.DB, func(tx *sql.Tx) error {
		if extra != nil {
			if err := extra(tx); err != nil {
				return err
			}
		}
		if err := r.Events.AppendTx(ctx, tx, domain.RunEvent{
			RunID:       next.RunID,
			SeqNo:       next.LastEventSeq,
			Stage:       stage,
			EventType:   eventType,
			PayloadJSON: mustJSON(payload),
			CreatedAt:   now,
		}); err != nil {
			return err
		}
		return r.Runs.UpdateTx(ctx, tx, next)
	})
	if err != nil {
		r.Logger.Warn("record run event", "run_id", next.RunID, "event", eventType, "error", err)
		return
	}
	next.StateVersion++
	st.rec = next
}

func (r *Recorder) recordUsage(ctx context.Context, runID string, u domain.Usage) {
	metrics.AgentTokens.WithLabelValues(u.Role, u.Provider, "input").Add(float64(u.InputTokens))
	metrics.AgentTokens.WithLabelValues(u.Role, u.Provider, "output").Add(float64(u.OutputTokens))
	metrics.AgentCostUSD.WithLabelValues(u.Role, u.Provider).Add(u.AmountUSD)
	if r.Governor == nil {
		return
	}
	action, err := r.Governor.RecordUsage(ctx, runID, u, r.CapUSD)
	if err != nil {
		r.Logger.Warn("record usage", "run_id", runID, "error", err)
		return
	}
	if action != domain.CostContinue {
		r.Logger.Warn("run budget threshold reached", "run_id", runID, "action", string(action), "cap_usd", r.CapUSD)
	}
}

func (r *Recorder) recordScoreCard(ctx context.Context, runID string, round int, card domain.ScoreCard) {
	if err := r.ScoreCards.Create(ctx, r.DB, runID, round, card, r.Now().Unix()); err != nil {
		r.Logger.Warn("record score card", "run_id", runID, "error", err)
	}
}

func (r *Recorder) recordPublish(ctx context.Context, runID string, kind domain.RunKind, values map[string]any) {
	key := workflow.StagePublish + "."
	duplicate, _ := values[key+"duplicate"].(bool)
	result := "created"
	if duplicate {
		result = "duplicate"
	}
	metrics.PublishTotal.WithLabelValues(string(kind), result).Inc()
	r.audit(ctx, runID, "publish", "write", "info",
		map[string]any{"key": values[key+"key"], "title": values[key+"title"]},
		map[string]any{"result": result, "url": values[key+"url"], "number": values[key+"number"]})
}

func (r *Recorder) audit(ctx context.Context, runID, category, action, severity string, request, decision any) {
	now := r.Now()
	_, err := r.Audit.Record(ctx, r.DB, domain.AuditRecord{
		RunID:        runID,
		Category:     category,
		Actor:        "steward",
		Action:       action,
		RequestJSON:  mustJSON(request),
		DecisionJSON: mustJSON(decision),
		Severity:     severity,
		CreatedAt:    now.Unix(),
	})
	if err != nil {
		r.Logger.Warn("record audit", "run_id", runID, "action", action, "error", err)
	}
}

func sortedKeys(m map[string]any) []string {
	keys := make([]string, 0, len(m))
	for k := range m {
		keys = append(keys, k)
	}
	sort.Strings(keys)
	return keys
}

// mustJSON marshals v to a JSON string, returning "{}" on error.
func mustJSON(v any) string {
	b, err := json.Marshal(v)
	if err != nil {
		return "{}"
	}
	return string(b)
}
