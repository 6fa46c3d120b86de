package workflow

import (
	"context"
	"fmt"
	"sort"
	"strings"

	"github.com/rogers-f/steward/internal/domain"
)

// Keys written by the orchestrator when a stage is regenerated.
const (
	KeyRegenerateRound    = "regenerate.round"
	KeyRegenerateFeedback = "regenerate.feedback"
)

// StageContext is the accumulated, read-only state of a run. Every merge
// returns a new value; a StageContext is never modified in place.
type StageContext struct {
	runID     string
	target    domain.Target
	outputs   map[string]any
	completed []string
}

// NewStageContext returns an empty context for a run.
func NewStageContext(runID string, target domain.Target) StageContext {
	return StageContext{
		runID:   runID,
		target:  target,
		outputs: map[string]any{},
	}
}

// RunID returns the run identifier.
func (c StageContext) RunID() string { return c.runID }

// Target returns the repository object the run works on.
func (c StageContext) Target() domain.Target { return c.target }

// Get returns the value stored under a fully qualified "namespace.key".
func (c StageContext) Get(key string) (any, bool) {
	v, ok := c.outputs[key]
	return v, ok
}

// Has reports whether key is present.
func (c StageContext) Has(key string) bool {
	_, ok := c.outputs[key]
	return ok
}

// String returns the string stored under key, or "".
func (c StageContext) String(key string) string {
	s, _ := Lookup[string](c, key)
	return s
}

// Keys returns every key in sorted order.
func (c StageContext) Keys() []string {
	keys := make([]string, 0, len(c.outputs))
	for k := range c.outputs {
		keys = append(keys, k)
	}
	sort.Strings(keys)
	return keys
}

// Namespace returns a copy of the values written by one stage, keyed by
// their unqualified names.
func (c StageContext) Namespace(ns string) map[string]any {
	prefix := ns + "."
	out := map[string]any{}
	for k, v := range c.outputs {
		if strings.HasPrefix(k, prefix) {
			out[strings.TrimPrefix(k, prefix)] = v
		}
	}
	return out
}

// Completed returns the names of completed stages in completion order.
func (c StageContext) Completed() []string {
	out := make([]string, len(c.completed))
	copy(out, c.completed)
	return out
}

// Lookup returns the value under key asserted to T.
func Lookup[T any](c StageContext, key string) (T, bool) {
	v, ok := c.outputs[key]
	if !ok {
		var zero T
		return zero, false
	}
	t, ok := v.(T)
	return t, ok
}

// Require is Lookup that reports a missing or mistyped key as ErrMissingInput.
func Require[T any](c StageContext, key string) (T, error) {
	v, ok := c.outputs[key]
	if !ok {
		var zero T
		return zero, domain.WrapEngineError(domain.ErrMissingInput.Code,
			fmt.Sprintf("missing %q", key), nil)
	}
	t, ok := v.(T)
	if !ok {
		var zero T
		return zero, domain.WrapEngineError(domain.ErrMissingInput.Code,
			fmt.Sprintf("%q has type %T", key, v), nil)
	}
	return t, nil
}

// merge returns a new context with the slot's values added and stage
// appended to the completion log. Existing keys are never overwritten.
func (c StageContext) merge(stage string, s *Slot) (StageContext, error) {
	next := c.clone()
	for k, v := range s.values {
		full := s.namespace + "." + k
		if _, exists := next.outputs[full]; exists {
			return c, domain.WrapEngineError(domain.ErrNamespaceViolation.Code,
				fmt.Sprintf("stage %s rewrote %q", stage, full), nil)
		}
		next.outputs[full] = v
	}
	if stage != "" {
		next.completed = append(next.completed, stage)
	}
	return next, nil
}

func (c StageContext) clone() StageContext {
	out := make(map[string]any, len(c.outputs))
	for k, v := range c.outputs {
		out[k] = v
	}
	completed := make([]string, len(c.completed))
	copy(completed, c.completed)
	return StageContext{runID: c.runID, target: c.target, outputs: out, completed: completed}
}

// Slot collects the values a running stage contributes. Keys are scoped to
// the stage's namespace, so a stage cannot write another stage's keys.
type Slot struct {
	namespace string
	values    map[string]any
}

// NewSlot returns an empty slot for the given namespace.
func NewSlot(namespace string) *Slot {
	return &Slot{namespace: namespace, values: map[string]any{}}
}

// Namespace returns the slot's namespace.
func (s *Slot) Namespace() string { return s.namespace }

// Put stores v under namespace.key. A later Put of the same key wins.
func (s *Slot) Put(key string, v any) {
	s.values[key] = v
}

// Values returns a copy of the slot keyed by fully qualified name.
func (s *Slot) Values() map[string]any {
	out := make(map[string]any, len(s.values))
	for k, v := range s.values {
		out[s.namespace+"."+k] = v
	}
	return out
}

// Len returns the number of values in the slot.
func (s *Slot) Len() int { return len(s.values) }

type runIDKey struct{}

// WithRunID returns a context carrying the run identifier, so callbacks that
// only see a context (retry observers) can attribute events to a run.
func WithRunID(ctx context.Context, runID string) context.Context {
	return context.WithValue(ctx, runIDKey{}, runID)
}

// RunIDFrom returns the run identifier carried by ctx.
func RunIDFrom(ctx context.Context) string {
	id, _ := ctx.Value(runIDKey{}).(string)
	return id
}
