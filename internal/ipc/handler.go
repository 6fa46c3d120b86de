// Package ipc provides the read-mostly HTTP API over steward's run store.
package ipc

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"strconv"
	"time"

	"github.com/rogers-f/steward/internal/domain"
	"github.com/rogers-f/steward/internal/store"
	"github.com/rogers-f/steward/internal/workflow"
)

// Launcher starts a run in the background and returns its ID.
type Launcher interface {
	Launch(ctx context.Context, kind domain.RunKind, target domain.Target) (string, error)
}

// Handler holds all dependencies for the HTTP handlers.
type Handler struct {
	DB            *sql.DB
	RunRepo       *store.RunRepo
	EventRepo     *store.EventRepo
	OutputRepo    *store.OutputRepo
	ScoreCardRepo *store.ScoreCardRepo
	UsageRepo     *store.UsageRepo
	AuditRepo     *store.AuditRepo
	PublishRepo   *store.PublishRepo
	Governor      *workflow.BudgetGovernor
	BudgetCapUSD  float64
	Repository    domain.Target
	// Launcher is nil when the server only reports on runs.
	Launcher     Launcher
	PollInterval time.Duration
	Logger       *slog.Logger
}

// NewHandler creates a Handler over db.
func NewHandler(db *sql.DB, gov *workflow.BudgetGovernor, capUSD float64, logger *slog.Logger) *Handler {
	if logger == nil {
		logger = slog.Default()
	}
	return &Handler{
		DB:            db,
		RunRepo:       &store.RunRepo{},
		EventRepo:     &store.EventRepo{},
		OutputRepo:    &store.OutputRepo{},
		ScoreCardRepo: &store.ScoreCardRepo{},
		UsageRepo:     &store.UsageRepo{},
		AuditRepo:     &store.AuditRepo{},
		PublishRepo:   &store.PublishRepo{},
		Governor:      gov,
		BudgetCapUSD:  capUSD,
		PollInterval:  2 * time.Second,
		Logger:        logger,
	}
}

// RunView is the JSON form of a run.
type RunView struct {
	RunID        string               `json:"run_id"`
	Kind         domain.RunKind       `json:"kind"`
	Target       domain.Target        `json:"target"`
	Status       domain.RunStatus     `json:"status"`
	CurrentStage string               `json:"current_stage,omitempty"`
	FailedStage  string               `json:"failed_stage,omitempty"`
	Reason       domain.FailureReason `json:"reason,omitempty"`
	Fatal        bool                 `json:"fatal,omitempty"`
	Error        string               `json:"error,omitempty"`
	LastEventSeq int64                `json:"last_event_seq"`
	StartedAt    time.Time            `json:"started_at"`
	UpdatedAt    time.Time            `json:"updated_at"`
}

func viewOf(rec domain.RunRecord) RunView {
	return RunView{
		RunID:        rec.RunID,
		Kind:         rec.Kind,
		Target:       rec.Target,
		Status:       rec.Status,
		CurrentStage: rec.CurrentStage,
		FailedStage:  rec.FailedStage,
		Reason:       rec.Reason,
		Fatal:        rec.Fatal,
		Error:        rec.ErrorMessage,
		LastEventSeq: rec.LastEventSeq,
		StartedAt:    time.Unix(rec.StartedAtUnix, 0).UTC(),
		UpdatedAt:    time.Unix(rec.UpdatedAtUnix, 0).UTC(),
	}
}

// EventView is the JSON form of a run event.
type EventView struct {
	SeqNo     int64           `json:"seq_no"`
	Stage     string          `json:"stage,omitempty"`
	EventType string          `json:"event_type"`
	Payload   json.RawMessage `json:"payload,omitempty"`
	CreatedAt int64           `json:"created_at"`
}

func eventView(ev domain.RunEvent) EventView {
	v := EventView{SeqNo: ev.SeqNo, Stage: ev.Stage, EventType: ev.EventType, CreatedAt: ev.CreatedAt}
	if ev.PayloadJSON != "" && json.Valid([]byte(ev.PayloadJSON)) {
		v.Payload = json.RawMessage(ev.PayloadJSON)
	}
	return v
}

// OutputView is the JSON form of a stage output snapshot.
type OutputView struct {
	Stage     string          `json:"stage"`
	Round     int             `json:"round"`
	Output    json.RawMessage `json:"output"`
	Checksum  string          `json:"checksum"`
	CreatedAt int64           `json:"created_at"`
}

// CostSummary is the response for GET /api/v1/runs/{runID}/cost.
type CostSummary struct {
	BudgetUsedUSD float64           `json:"budget_used_usd"`
	BudgetCapUSD  float64           `json:"budget_cap_usd"`
	CostAction    domain.CostAction `json:"cost_action"`
	Usage         []domain.Usage    `json:"usage"`
}

// LaunchRequest is the body for POST /api/v1/runs.
type LaunchRequest struct {
	Kind  domain.RunKind `json:"kind"`
	Issue int            `json:"issue,omitempty"`
	Pull  int            `json:"pull,omitempty"`
}

// APIError is a structured error response.
type APIError struct {
	Code    int    `json:"code"`
	Message string `json:"message"`
}

// Health handles GET /api/v1/health.
func (h *Handler) Health(w http.ResponseWriter, r *http.Request) {
	if err := h.DB.PingContext(r.Context()); err != nil {
		writeJSON(w, http.StatusServiceUnavailable, map[string]string{"status": "unavailable", "error": err.Error()})
		return
	}
	writeJSON(w, http.StatusOK, map[string]string{"status": "ok"})
}

// ListRuns handles GET /api/v1/runs?status=S&limit=N.
func (h *Handler) ListRuns(w http.ResponseWriter, r *http.Request) {
	status := domain.RunStatus(r.URL.Query().Get("status"))
	switch status {
	case "", domain.StatusPending, domain.StatusRunning, domain.StatusSucceeded, domain.StatusFailed:
	default:
		writeJSON(w, http.StatusBadRequest, APIError{Code: 400, Message: fmt.Sprintf("unknown status %q", status)})
		return
	}
	limit := 50
	if s := r.URL.Query().Get("limit"); s != "" {
		n, err := strconv.Atoi(s)
		if err != nil || n <= 0 {
			writeJSON(w, http.StatusBadRequest, APIError{Code: 400, Message: "limit must be a positive integer"})
			return
		}
		limit = n
	}

	runs, err := h.RunRepo.List(r.Context(), h.DB, status, limit)
	if err != nil {
		writeError(w, err)
		return
	}
	views := make([]RunView, 0, len(runs))
	for _, rec := range runs {
		views = append(views, viewOf(rec))
	}
	writeJSON(w, http.StatusOK, views)
}

// GetRun handles GET /api/v1/runs/{runID}.
func (h *Handler) GetRun(w http.ResponseWriter, r *http.Request) {
	rec, err := h.RunRepo.GetByID(r.Context(), h.DB, r.PathValue("runID"))
	if err != nil {
		writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, viewOf(*rec))
}

// LaunchRun handles POST /api/v1/runs.
func (h *Handler) LaunchRun(w http.ResponseWriter, r *http.Request) {
	if h.Launcher == nil {
		writeJSON(w, http.StatusNotImplemented, APIError{Code: 501, Message: "this server does not launch runs"})
		return
	}
	var req LaunchRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeJSON(w, http.StatusBadRequest, APIError{Code: 400, Message: "invalid request body"})
		return
	}
	if msg := checkLaunch(req); msg != "" {
		writeJSON(w, http.StatusBadRequest, APIError{Code: 400, Message: msg})
		return
	}

	target := h.Repository
	target.Issue, target.Pull = req.Issue, req.Pull
	runID, err := h.Launcher.Launch(r.Context(), req.Kind, target)
	if err != nil {
		writeError(w, err)
		return
	}
	writeJSON(w, http.StatusAccepted, map[string]string{"run_id": runID})
}

func checkLaunch(req LaunchRequest) string {
	switch req.Kind {
	case domain.KindIssueGeneration:
	case domain.KindIssueResolution, domain.KindMultiAgentResolve:
		if req.Issue <= 0 {
			return "issue is required"
		}
	case domain.KindQAReview:
		if req.Pull <= 0 {
			return "pull is required"
		}
	case "":
		return "kind is required"
	default:
		return fmt.Sprintf("unknown kind %q", req.Kind)
	}
	return ""
}

// ListEvents handles GET /api/v1/runs/{runID}/events?since_seq=N&stage=S&type=T&limit=N.
func (h *Handler) ListEvents(w http.ResponseWriter, r *http.Request) {
	runID := r.PathValue("runID")
	query := r.URL.Query()
	filter := store.EventFilter{Stage: query.Get("stage"), Types: query["type"]}
	if s := query.Get("since_seq"); s != "" {
		parsed, err := strconv.ParseInt(s, 10, 64)
		if err == nil {
			filter.SinceSeq = parsed
		}
	}
	if s := query.Get("limit"); s != "" {
		n, err := strconv.Atoi(s)
		if err != nil || n <= 0 {
			writeJSON(w, http.StatusBadRequest, APIError{Code: 400, Message: "limit must be a positive integer"})
			return
		}
		filter.Limit = n
	}

	events, err := h.EventRepo.Query(r.Context(), h.DB, runID, filter)
	if err != nil {
		writeError(w, err)
		return
	}
	views := make([]EventView, 0, len(events))
	for _, ev := range events {
		views = append(views, eventView(ev))
	}
	writeJSON(w, http.StatusOK, views)
}

// ListOutputs handles GET /api/v1/runs/{runID}/outputs.
func (h *Handler) ListOutputs(w http.ResponseWriter, r *http.Request) {
	outputs, err := h.OutputRepo.ListByRun(r.Context(), h.DB, r.PathValue("runID"))
	if err != nil {
		writeError(w, err)
		return
	}
	views := make([]OutputView, 0, len(outputs))
	for _, o := range outputs {
		views = append(views, OutputView{
			Stage:     o.Stage,
			Round:     o.Round,
			Output:    json.RawMessage(o.OutputJSON),
			Checksum:  o.Checksum,
			CreatedAt: o.CreatedAt,
		})
	}
	writeJSON(w, http.StatusOK, views)
}

// GetLatestOutput handles GET /api/v1/runs/{runID}/outputs/{stage}.
func (h *Handler) GetLatestOutput(w http.ResponseWriter, r *http.Request) {
	out, err := h.OutputRepo.GetLatest(r.Context(), h.DB, r.PathValue("runID"), r.PathValue("stage"))
	if err != nil {
		writeError(w, err)
		return
	}
	if out == nil {
		writeJSON(w, http.StatusNotFound, APIError{Code: 404, Message: "no output recorded for stage"})
		return
	}
	writeJSON(w, http.StatusOK, OutputView{
		Stage:     out.Stage,
		Round:     out.Round,
		Output:    json.RawMessage(out.OutputJSON),
		Checksum:  out.Checksum,
		CreatedAt: out.CreatedAt,
	})
}

// ListReviews handles GET /api/v1/runs/{runID}/reviews.
func (h *Handler) ListReviews(w http.ResponseWriter, r *http.Request) {
	cards, err := h.ScoreCardRepo.ListByRun(r.Context(), h.DB, r.PathValue("runID"))
	if err != nil {
		writeError(w, err)
		return
	}
	if cards == nil {
		cards = []domain.ScoreCard{}
	}
	writeJSON(w, http.StatusOK, cards)
}

// ListAudit handles GET /api/v1/runs/{runID}/audit?category=C.
func (h *Handler) ListAudit(w http.ResponseWriter, r *http.Request) {
	records, err := h.AuditRepo.ListByRun(r.Context(), h.DB, r.PathValue("runID"), r.URL.Query().Get("category"))
	if err != nil {
		writeError(w, err)
		return
	}
	if records == nil {
		records = []domain.AuditRecord{}
	}
	writeJSON(w, http.StatusOK, records)
}

// ListPublished handles GET /api/v1/runs/{runID}/published.
func (h *Handler) ListPublished(w http.ResponseWriter, r *http.Request) {
	records, err := h.PublishRepo.ListByRun(r.Context(), h.DB, r.PathValue("runID"))
	if err != nil {
		writeError(w, err)
		return
	}
	if records == nil {
		records = []domain.PublishRecord{}
	}
	writeJSON(w, http.StatusOK, records)
}

// GetCost handles GET /api/v1/runs/{runID}/cost.
func (h *Handler) GetCost(w http.ResponseWriter, r *http.Request) {
	runID := r.PathValue("runID")
	if _, err := h.RunRepo.GetByID(r.Context(), h.DB, runID); err != nil {
		writeError(w, err)
		return
	}

	usage, err := h.UsageRepo.ListByRun(r.Context(), h.DB, runID)
	if err != nil {
		writeError(w, err)
		return
	}
	if usage == nil {
		usage = []domain.Usage{}
	}

	action, used, err := h.Governor.CheckBudget(r.Context(), runID, h.BudgetCapUSD)
	if err != nil {
		writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, CostSummary{
		BudgetUsedUSD: used,
		BudgetCapUSD:  h.BudgetCapUSD,
		CostAction:    action,
		Usage:         usage,
	})
}

// StreamEvents handles GET /api/v1/runs/{runID}/events/stream (SSE). The
// stream ends when the run reaches a terminal status.
func (h *Handler) StreamEvents(w http.ResponseWriter, r *http.Request) {
	runID := r.PathValue("runID")
	ctx := r.Context()
	if _, err := h.RunRepo.GetByID(ctx, h.DB, runID); err != nil {
		writeError(w, err)
		return
	}
	flusher, ok := w.(http.Flusher)
	if !ok {
		writeJSON(w, http.StatusInternalServerError, APIError{Code: 500, Message: "streaming not supported"})
		return
	}

	w.Header().Set("Content-Type", "text/event-stream")
	w.Header().Set("Cache-Control", "no-cache")
	w.Header().Set("Connection", "keep-alive")

	interval := h.PollInterval
	if interval <= 0 {
		interval = 2 * time.Second
	}
	ticker := time.NewTicker(interval)
	defer ticker.Stop()

	lastSeq := int64(0)
	for {
		events, err := h.EventRepo.ListByRun(ctx, h.DB, runID, lastSeq)
		if err != nil {
			writeSSEError(w, flusher, err)
			return
		}
		for _, ev := range events {
			writeSSEEvent(w, flusher, ev)
			lastSeq = ev.SeqNo
		}

		rec, err := h.RunRepo.GetByID(ctx, h.DB, runID)
		if err != nil {
			writeSSEError(w, flusher, err)
			return
		}
		if rec.Status.Terminal() && rec.LastEventSeq <= lastSeq {
			return
		}

		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
		}
	}
}

func writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	json.NewEncoder(w).Encode(v)
}

func writeError(w http.ResponseWriter, err error) {
	var engErr *domain.EngineError
	if errors.As(err, &engErr) {
		status := http.StatusInternalServerError
		switch engErr.Code {
		case domain.ErrRunNotFound.Code, domain.ErrPublishNotFound.Code:
			status = http.StatusNotFound
		case domain.ErrDuplicateRun.Code:
			status = http.StatusConflict
		case domain.ErrBudgetExceeded.Code:
			status = http.StatusForbidden
		case domain.ErrUnknownPipeline.Code, domain.ErrRepositoryNotSet.Code, domain.ErrAgentNotFound.Code:
			status = http.StatusUnprocessableEntity
		}
		writeJSON(w, status, APIError{Code: engErr.Code, Message: engErr.Message})
		return
	}
	writeJSON(w, http.StatusInternalServerError, APIError{Code: -1, Message: err.Error()})
}

func writeSSEEvent(w http.ResponseWriter, f http.Flusher, ev domain.RunEvent) {
	data, _ := json.Marshal(eventView(ev))
	fmt.Fprintf(w, "id: %d\nevent: %s\ndata: %s\n\n", ev.SeqNo, ev.EventType, data)
	f.Flush()
}

func writeSSEError(w http.ResponseWriter, f http.Flusher, err error) {
	fmt.Fprintf(w, "event: error\ndata: %s\n\n", err.Error())
	f.Flush()
}
