// Package domain defines the core types shared by the steward engine.
package domain

// RunKind identifies which pipeline a run executes.
type RunKind string

const (
	KindIssueGeneration   RunKind = "issue-generation"
	KindIssueResolution   RunKind = "issue-resolution"
	KindMultiAgentResolve RunKind = "multi-agent-resolution"
	KindQAReview          RunKind = "qa-review"
)

// RunStatus represents the state of a workflow run.
type RunStatus string

const (
	StatusPending   RunStatus = "pending"
	StatusRunning   RunStatus = "running"
	StatusSucceeded RunStatus = "succeeded"
	StatusFailed    RunStatus = "failed"
)

// Terminal reports whether the status is final.
func (s RunStatus) Terminal() bool {
	return s == StatusSucceeded || s == StatusFailed
}

// FailureReason explains why a run ended in StatusFailed.
type FailureReason string

const (
	ReasonFatal              FailureReason = "fatal"
	ReasonRetriesExhausted   FailureReason = "retries_exhausted"
	ReasonReconcileExhausted FailureReason = "reconcile_exhausted"
	ReasonBudgetExceeded     FailureReason = "budget_exceeded"
	ReasonCanceled           FailureReason = "canceled"
)

// Target identifies the repository object a run works on.
type Target struct {
	Owner     string `json:"owner"`
	Repo      string `json:"repo"`
	Issue     int    `json:"issue,omitempty"`
	Pull      int    `json:"pull,omitempty"`
	Workspace string `json:"workspace,omitempty"`
	BriefPath string `json:"brief_path,omitempty"`
}

// FullName returns "owner/repo".
func (t Target) FullName() string {
	return t.Owner + "/" + t.Repo
}

// RunRecord is the persisted state of a workflow run.
type RunRecord struct {
	RunID         string
	Kind          RunKind
	Target        Target
	Status        RunStatus
	CurrentStage  string
	FailedStage   string
	Reason        FailureReason
	Fatal         bool
	ErrorMessage  string
	StateVersion  int64
	LastEventSeq  int64
	StartedAtUnix int64
	UpdatedAtUnix int64
}

// RunEvent is one entry of a run's append-only event log.
type RunEvent struct {
	ID          int64
	RunID       string
	SeqNo       int64
	Stage       string
	EventType   string
	PayloadJSON string
	CreatedAt   int64
}

// Event types written to the run event log.
const (
	EventRunStarted     = "run_started"
	EventStageStarted   = "stage_started"
	EventStageCompleted = "stage_completed"
	EventStageFailed    = "stage_failed"
	EventStageRewound   = "stage_rewound"
	EventCallRetry      = "call_retry"
	EventRunSucceeded   = "run_succeeded"
	EventRunFailed      = "run_failed"
)

// StageOutput is a snapshot of the keys a stage contributed.
type StageOutput struct {
	ID         int64
	RunID      string
	Stage      string
	Round      int
	OutputJSON string
	Checksum   string
	CreatedAt  int64
}

// PublishKind is the kind of write performed by the publish stage.
type PublishKind string

const (
	PublishIssue       PublishKind = "issue"
	PublishPullRequest PublishKind = "pull_request"
	PublishComment     PublishKind = "comment"
)

// PublishRecord is the local idempotency ledger entry for one write.
type PublishRecord struct {
	Key         string
	RunID       string
	Kind        PublishKind
	Target      string
	Status      string
	PayloadHash string
	URL         string
	Number      int
	CreatedAt   int64
	UpdatedAt   int64
}

// Publish ledger statuses.
const (
	PublishPending = "pending"
	PublishDone    = "done"
)

// AuditRecord logs security and compliance events.
type AuditRecord struct {
	ID           string
	RunID        string
	Category     string
	Actor        string
	Action       string
	RequestJSON  string
	DecisionJSON string
	Severity     string
	CreatedAt    int64
}

// Usage records token and cost consumption of one agent call.
type Usage struct {
	Role         string  `json:"role"`
	Provider     string  `json:"provider"`
	InputTokens  int64   `json:"input_tokens"`
	OutputTokens int64   `json:"output_tokens"`
	AmountUSD    float64 `json:"amount_usd"`
	Stage        string  `json:"stage"`
	CreatedAt    int64   `json:"created_at"`
}

// CostAction is the decision from the budget governor.
type CostAction string

const (
	CostContinue CostAction = "continue"
	CostWarn     CostAction = "warn"
	CostHalt     CostAction = "halt"
)

// Scores holds the review dimensions (1-5 each) a validator agent assigns to a fix.
type Scores struct {
	Correctness     int `json:"correctness"`
	Security        int `json:"security"`
	Maintainability int `json:"maintainability"`
	Scope           int `json:"scope"`
	Testing         int `json:"testing"`
}

// Finding represents a problem a reviewer found in generated output.
type Finding struct {
	Severity    string `json:"severity"`
	Location    string `json:"location"`
	Description string `json:"description"`
	Suggestion  string `json:"suggestion,omitempty"`
}

// ScoreCard is the structured verdict a validator agent returns.
type ScoreCard struct {
	ReviewID string    `json:"review_id"`
	Reviewer string    `json:"reviewer"`
	Scores   Scores    `json:"scores"`
	Findings []Finding `json:"findings"`
	Verdict  string    `json:"verdict"`
	Summary  string    `json:"summary,omitempty"`
}

// ConsensusResult is the aggregated review decision.
type ConsensusResult struct {
	WeightedScore float64  `json:"weighted_score"`
	Blocking      bool     `json:"blocking"`
	BlockReasons  []string `json:"block_reasons,omitempty"`
	FinalVerdict  string   `json:"final_verdict"`
}

// Review verdicts.
const (
	VerdictPass            = "pass"
	VerdictConditionalPass = "conditional_pass"
	VerdictFail            = "fail"
)
