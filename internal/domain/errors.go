package domain

import (
	"errors"
	"fmt"
)

// EngineError is the unified error type for the engine.
// Each error has a numeric code and human-readable message.
type EngineError struct {
	Code    int
	Message string
	Cause   error
}

// Error implements the error interface.
func (e *EngineError) Error() string {
	if e.Cause != nil {
		return fmt.Sprintf("engine error %d: %s: %v", e.Code, e.Message, e.Cause)
	}
	return fmt.Sprintf("engine error %d: %s", e.Code, e.Message)
}

// Unwrap returns the underlying cause, if any.
func (e *EngineError) Unwrap() error {
	return e.Cause
}

// Is reports whether target is an EngineError with the same code.
func (e *EngineError) Is(target error) bool {
	var t *EngineError
	if !errors.As(target, &t) {
		return false
	}
	return t.Code == e.Code
}

// NewEngineError creates a new EngineError.
func NewEngineError(code int, msg string) *EngineError {
	return &EngineError{Code: code, Message: msg}
}

// WrapEngineError creates an EngineError that includes a cause.
func WrapEngineError(code int, msg string, cause error) *EngineError {
	return &EngineError{Code: code, Message: msg, Cause: cause}
}

// CodeOf returns the code of the first EngineError in err's chain, or 0.
func CodeOf(err error) int {
	var e *EngineError
	if errors.As(err, &e) {
		return e.Code
	}
	return 0
}

// ---- Run / orchestrator errors (-32010 to -32039) ----

var (
	ErrInvalidTransition = &EngineError{Code: -32010, Message: "invalid run state transition"}
	ErrRunNotFound       = &EngineError{Code: -32012, Message: "run not found"}
	ErrRunAlreadyDone    = &EngineError{Code: -32013, Message: "run already finished"}
	ErrOptimisticLock    = &EngineError{Code: -32015, Message: "optimistic lock conflict: run was modified concurrently"}
	ErrEmptyPipeline     = &EngineError{Code: -32016, Message: "pipeline has no stages"}
	ErrUnknownPipeline   = &EngineError{Code: -32017, Message: "unknown pipeline kind"}
	ErrDuplicateRun      = &EngineError{Code: -32019, Message: "run already exists"}
	ErrNamespaceViolation = &EngineError{Code: -32020, Message: "stage wrote outside its namespace"}
	ErrDuplicateStage    = &EngineError{Code: -32021, Message: "duplicate stage name in pipeline"}
)

// ---- Stage errors (-32040 to -32069) ----

var (
	ErrPreconditionFailed = &EngineError{Code: -32040, Message: "precondition validation failed"}
	ErrMissingInput       = &EngineError{Code: -32041, Message: "required stage input missing"}
	ErrNotReconciled      = &EngineError{Code: -32042, Message: "agent outputs could not be reconciled"}
	ErrEmptyResponse      = &EngineError{Code: -32043, Message: "agent returned an empty response"}
	ErrInvalidVerdict     = &EngineError{Code: -32044, Message: "validator verdict is malformed"}
	ErrInvalidPatch       = &EngineError{Code: -32045, Message: "generated patch is malformed"}
)

// ---- Agent / repository errors (-32070 to -32099) ----

var (
	ErrAgentNotFound       = &EngineError{Code: -32070, Message: "agent role not registered"}
	ErrProviderUnavailable = &EngineError{Code: -32075, Message: "agent provider unavailable"}
	ErrAgentProcess        = &EngineError{Code: -32076, Message: "agent process failed"}
	ErrRepositoryNotSet    = &EngineError{Code: -32077, Message: "repository is not configured"}
)

// ---- Guard / budget errors (-32100 to -32129) ----

var (
	ErrPathDenied       = &EngineError{Code: -32100, Message: "path denied by policy"}
	ErrBudgetExceeded   = &EngineError{Code: -32101, Message: "budget limit exceeded"}
	ErrRateLimitWait    = &EngineError{Code: -32103, Message: "rate limiter wait aborted"}
	ErrMaxRoundsExceeded = &EngineError{Code: -32105, Message: "maximum regeneration rounds exceeded"}
)

// ---- Review errors (-32160 to -32189) ----

var (
	ErrScoreCardInvalid = &EngineError{Code: -32160, Message: "score card validation failed"}
	ErrConsensusNoCards = &EngineError{Code: -32161, Message: "consensus requires at least one score card"}
)

// ---- Store / config errors (-32130 to -32159) ----

var (
	ErrStoreInit       = &EngineError{Code: -32130, Message: "failed to initialize store"}
	ErrStoreQuery      = &EngineError{Code: -32131, Message: "store query failed"}
	ErrStoreWrite      = &EngineError{Code: -32132, Message: "store write failed"}
	ErrPublishNotFound = &EngineError{Code: -32134, Message: "publish record not found"}
	ErrConfigInvalid   = &EngineError{Code: -32136, Message: "invalid configuration"}
	ErrDuplicateEvent  = &EngineError{Code: -32137, Message: "duplicate event sequence number"}
)
