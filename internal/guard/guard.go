// Package guard holds the safety checks applied around agent output: which
// repository paths a generated patch may touch, and how fast each agent
// backend may be called.
package guard

import (
	"context"
	"database/sql"
	"encoding/json"
	"fmt"
	"path"
	"strings"
	"time"

	"github.com/bmatcuk/doublestar/v4"

	"github.com/rogers-f/steward/internal/domain"
	"github.com/rogers-f/steward/internal/store"
)

// DefaultDeniedPatterns are paths a generated patch may never modify.
var DefaultDeniedPatterns = []string{
	".env",
	".env.*",
	"*.key",
	"*.pem",
	".git/**",
	".github/workflows/**",
}

// PathPolicy decides which repository paths a patch may touch. Denials are
// audited when DB is set.
type PathPolicy struct {
	Denied    []string
	Allowed   []string
	DB        *sql.DB
	AuditRepo *store.AuditRepo
}

// NewPathPolicy creates a policy with the default denied patterns plus extra.
func NewPathPolicy(db *sql.DB, extra ...string) (*PathPolicy, error) {
	denied := append(append([]string(nil), DefaultDeniedPatterns...), extra...)
	for _, p := range denied {
		if !doublestar.ValidatePattern(p) {
			return nil, domain.WrapEngineError(domain.ErrConfigInvalid.Code,
				fmt.Sprintf("invalid denied path pattern %q", p), nil)
		}
	}
	return &PathPolicy{Denied: denied, DB: db, AuditRepo: &store.AuditRepo{}}, nil
}

// Violations returns one message per file the policy refuses.
func (p *PathPolicy) Violations(ctx context.Context, runID string, files []string) []string {
	var out []string
	for _, f := range files {
		reason, denied := p.check(f)
		if !denied {
			continue
		}
		out = append(out, fmt.Sprintf("%s: %s", f, reason))
		p.auditDenial(ctx, runID, f, reason)
	}
	return out
}

// Allows reports whether a single path may be modified.
func (p *PathPolicy) Allows(file string) bool {
	_, denied := p.check(file)
	return !denied
}

func (p *PathPolicy) check(file string) (string, bool) {
	clean := path.Clean(strings.TrimPrefix(file, "./"))
	if strings.HasPrefix(clean, "../") || clean == ".." || path.IsAbs(clean) {
		return "path escapes the repository", true
	}
	for _, pattern := range p.Denied {
		if matchPattern(pattern, clean) {
			return "denied by pattern " + pattern, true
		}
	}
	if len(p.Allowed) == 0 {
		return "", false
	}
	for _, pattern := range p.Allowed {
		if matchPattern(pattern, clean) || strings.HasPrefix(clean, strings.TrimSuffix(pattern, "/")+"/") {
			return "", false
		}
	}
	return "path not in allowed list", true
}

// matchPattern matches the full path, then the base name, so ".env" and
// "*.key" apply at any depth.
func matchPattern(pattern, file string) bool {
	if ok, _ := doublestar.Match(pattern, file); ok {
		return true
	}
	if strings.Contains(pattern, "/") {
		return false
	}
	ok, _ := doublestar.Match(pattern, path.Base(file))
	return ok
}

func (p *PathPolicy) auditDenial(ctx context.Context, runID, file, reason string) {
	if p.DB == nil || p.AuditRepo == nil {
		return
	}
	req, _ := json.Marshal(map[string]string{"path": file})
	dec, _ := json.Marshal(map[string]string{"reason": reason})
	_, _ = p.AuditRepo.Record(ctx, p.DB, domain.AuditRecord{
		RunID:        runID,
		Category:     "guard",
		Actor:        "steward",
		Action:       "path_denied",
		RequestJSON:  string(req),
		DecisionJSON: string(dec),
		Severity:     "warning",
		CreatedAt:    time.Now().Unix(),
	})
}
