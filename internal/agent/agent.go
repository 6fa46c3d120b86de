// Package agent wraps the AI backends a run talks to: local agent CLIs
// (claude, gemini) run as subprocesses, and hosted chat APIs.
package agent

import (
	"context"
	"sort"
	"sync"

	"github.com/rogers-f/steward/internal/domain"
)

// Roles a pipeline assigns to agents.
const (
	RoleGenerator = "generator"
	RoleAnalyzer  = "analyzer"
	RoleValidator = "validator"
	RoleReviewer  = "reviewer"
)

// Context carries per-call information that is not part of the prompt.
type Context struct {
	RunID     string
	Stage     string
	Workspace string
	System    string
}

// Response is a completed agent call.
type Response struct {
	Text     string       `json:"text"`
	Model    string       `json:"model,omitempty"`
	Provider string       `json:"provider"`
	Usage    domain.Usage `json:"usage"`
}

// Client invokes one agent role. Errors returned by Invoke carry a retry
// classification.
type Client interface {
	Role() string
	Invoke(ctx context.Context, prompt string, in Context) (Response, error)
}

// Pricing converts token counts to USD.
type Pricing struct {
	InputPerMTok  float64 `yaml:"input_per_mtok" json:"input_per_mtok"`
	OutputPerMTok float64 `yaml:"output_per_mtok" json:"output_per_mtok"`
}

// Cost returns the price of a call.
func (p Pricing) Cost(in, out int64) float64 {
	return float64(in)/1e6*p.InputPerMTok + float64(out)/1e6*p.OutputPerMTok
}

// Registry is a thread-safe map of role to client.
type Registry struct {
	mu      sync.RWMutex
	clients map[string]Client
}

// NewRegistry creates an empty registry.
func NewRegistry() *Registry {
	return &Registry{clients: make(map[string]Client)}
}

// Register adds a client under its role.
// Returns ErrProviderUnavailable if the role is already registered.
func (r *Registry) Register(c Client) error {
	r.mu.Lock()
	defer r.mu.Unlock()

	if _, exists := r.clients[c.Role()]; exists {
		return domain.WrapEngineError(
			domain.ErrProviderUnavailable.Code,
			"agent role already registered: "+c.Role(),
			nil,
		)
	}
	r.clients[c.Role()] = c
	return nil
}

// Get returns the client for role, or ErrAgentNotFound.
func (r *Registry) Get(role string) (Client, error) {
	r.mu.RLock()
	defer r.mu.RUnlock()

	c, ok := r.clients[role]
	if !ok {
		return nil, domain.WrapEngineError(domain.ErrAgentNotFound.Code, "agent role not registered: "+role, nil)
	}
	return c, nil
}

// Roles returns registered roles in sorted order.
func (r *Registry) Roles() []string {
	r.mu.RLock()
	defer r.mu.RUnlock()

	roles := make([]string, 0, len(r.clients))
	for role := range r.clients {
		roles = append(roles, role)
	}
	sort.Strings(roles)
	return roles
}
