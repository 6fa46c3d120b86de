package workflow

import (
	"fmt"
	"strings"
	"text/template"
)

// PromptFunc renders the system and user prompt of an agent call from the
// run's context.
type PromptFunc func(in StageContext) (system, user string, err error)

// Prompt template names.
const (
	PromptIssue    = "issue"
	PromptAnalyze  = "analyze"
	PromptFix      = "fix"
	PromptValidate = "validate"
	PromptQAReview = "qa-review"
)

var systemPrompts = map[string]string{
	PromptIssue: "You are a senior engineer triaging a repository. You write precise, " +
		"actionable GitHub issues and never duplicate existing ones.",
	PromptAnalyze: "You analyze GitHub issues before anyone writes code. You identify the root " +
		"cause, affected areas and risks. You do not write the fix.",
	PromptFix: "You resolve GitHub issues with minimal, focused changes. You answer with a " +
		"unified diff that applies cleanly with git apply, followed by a short explanation.",
	PromptValidate: "You review proposed fixes strictly. You score them and answer with JSON only.",
	PromptQAReview: "You are a meticulous code reviewer. You review pull requests for bugs, " +
		"security problems, missing tests and unclear code.",
}

const promptTemplates = `
{{define "context"}}Repository: {{.Repository}}
{{range .Constraints}}- {{.}}
{{end}}{{if .Summary}}
## Project structure
{{.Summary}}
{{end}}{{end}}

{{define "issue-ref"}}{{with .Issue}}
## Issue #{{.Number}}: {{.Title}}
{{.Body}}
{{end}}{{end}}

{{define "feedback"}}{{if .Feedback}}
## Review feedback (round {{.Round}})
The previous attempt was rejected:
{{.Feedback}}
Address every point above.
{{end}}{{end}}

{{define "issue"}}{{template "context" .}}{{if .Brief}}
## Project brief
{{.Brief}}
{{end}}
## Open issues
{{range .Issues}}- #{{.Number}} {{.Title}}
{{else}}(none)
{{end}}
## Recent commits
{{range .History}}- {{short .SHA}} {{firstLine .Message}}
{{end}}
{{.Objective}}

Propose exactly one new, well scoped issue that no open issue already covers.
Answer with a JSON object:
{{fence}}json
{"title": "...", "body": "...", "labels": ["..."]}
{{fence}}
The body must contain the sections "Description", "Acceptance Criteria" and "Technical Notes".
{{end}}

{{define "analyze"}}{{template "context" .}}{{template "issue-ref" .}}
{{.Objective}}

Answer with a JSON object:
{{fence}}json
{"issue_type": "bug|feature|refactor|docs", "severity": "low|medium|high|critical",
 "complexity": "low|medium|high", "affected_areas": ["path or component"],
 "root_cause": "...", "recommended_approach": "...", "risks": ["..."]}
{{fence}}
{{end}}

{{define "fix"}}{{template "context" .}}{{template "issue-ref" .}}{{if .Analysis}}
## Analysis
{{.Analysis}}
{{end}}{{template "feedback" .}}
{{.Objective}}

Answer with the complete change as a unified diff against the repository root,
using a/ and b/ path prefixes, inside a {{fence}}diff block. After the block,
explain the change in a few sentences. Do not modify files under .github/workflows
or any credentials.
{{end}}

{{define "validate"}}{{template "context" .}}{{template "issue-ref" .}}{{if .Analysis}}
## Analysis
{{.Analysis}}
{{end}}
## Proposed fix
{{.Generated}}

{{.Objective}}

Score the fix from 1 (poor) to 5 (excellent) on each dimension and list findings.
Answer with JSON only:
{{fence}}json
{"scores": {"correctness": 0, "security": 0, "maintainability": 0, "scope": 0, "testing": 0},
 "findings": [{"severity": "critical|high|medium|low", "location": "file:line",
   "description": "...", "suggestion": "..."}],
 "verdict": "pass|conditional_pass|fail", "summary": "..."}
{{fence}}
{{end}}

{{define "qa-review"}}{{template "context" .}}{{with .Pull}}
## Pull request #{{.Number}}: {{.Title}}
{{.Body}}

{{fence}}diff
{{.Diff}}
{{fence}}
{{end}}
{{.Objective}}

Write the review in Markdown with the sections "Summary", "Issues Found",
"Suggestions" and "Verdict". Reference files and lines where possible.
{{end}}
`

// Prompts renders agent prompts from the run's context.
type Prompts struct {
	Limits DigestLimits
	tmpl   *template.Template
}

// NewPrompts parses the built-in prompt templates.
func NewPrompts(limits DigestLimits) *Prompts {
	funcs := template.FuncMap{
		"fence": func() string { return "```" },
		"short": func(sha string) string {
			if len(sha) > 7 {
				return sha[:7]
			}
			return sha
		},
		"firstLine": func(s string) string {
			line, _, _ := strings.Cut(s, "\n")
			return strings.TrimSpace(line)
		},
	}
	return &Prompts{
		Limits: limits,
		tmpl:   template.Must(template.New("prompts").Funcs(funcs).Parse(promptTemplates)),
	}
}

// For returns a PromptFunc rendering the named template with objective.
func (p *Prompts) For(name, objective string) PromptFunc {
	return func(in StageContext) (string, string, error) {
		return p.Render(name, BuildDigest(in, objective, p.Limits))
	}
}

// Render executes the named template against d.
func (p *Prompts) Render(name string, d Digest) (string, string, error) {
	system, ok := systemPrompts[name]
	if !ok {
		return "", "", fmt.Errorf("unknown prompt %q", name)
	}
	var b strings.Builder
	if err := p.tmpl.ExecuteTemplate(&b, name, d); err != nil {
		return "", "", fmt.Errorf("render prompt %s: %w", name, err)
	}
	return system, strings.TrimSpace(b.String()) + "\n", nil
}
