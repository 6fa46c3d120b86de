// Package brief validates the textual inputs of a run: project briefs
// (PROJECT_BRIEF.md) and issues picked for resolution.
package brief

import (
	"errors"
	"fmt"
	"io/fs"
	"os"
	"strings"
	"unicode"

	"github.com/yuin/goldmark"
	"github.com/yuin/goldmark/ast"
	"github.com/yuin/goldmark/text"
)

// Result is the outcome of a validation. Errors make the input invalid;
// warnings do not.
type Result struct {
	Valid    bool     `json:"valid"`
	Errors   []string `json:"errors,omitempty"`
	Warnings []string `json:"warnings,omitempty"`
}

// Summary renders the result as a short multi-line report.
func (r Result) Summary() string {
	var b strings.Builder
	if r.Valid {
		b.WriteString("valid")
	} else {
		fmt.Fprintf(&b, "invalid (%d error(s))", len(r.Errors))
	}
	for _, e := range r.Errors {
		b.WriteString("\n  error: " + e)
	}
	for _, w := range r.Warnings {
		b.WriteString("\n  warning: " + w)
	}
	return b.String()
}

// Section is a required part of a project brief.
type Section struct {
	Name       string
	Variations []string
	MinLength  int
}

// DefaultSections are the required sections of a project brief.
var DefaultSections = []Section{
	{Name: "Project Overview", Variations: []string{"project overview", "overview", "project summary", "summary", "introduction"}, MinLength: 50},
	{Name: "Core Requirements", Variations: []string{"core requirements", "requirements", "core features", "features", "key features"}, MinLength: 30},
	{Name: "Technical Preferences", Variations: []string{"technical preferences", "technical requirements", "tech stack", "technology stack", "technologies"}, MinLength: 10},
	{Name: "Success Criteria", Variations: []string{"success criteria", "acceptance criteria", "success metrics", "goals"}, MinLength: 20},
}

// RecommendedSections produce warnings when missing.
var RecommendedSections = []Section{
	{Name: "User Roles & Permissions", Variations: []string{"user roles & permissions", "user roles", "roles"}},
	{Name: "Key User Flows", Variations: []string{"key user flows", "user flows"}},
	{Name: "Data Model", Variations: []string{"data model", "data model high level"}},
	{Name: "External Integrations", Variations: []string{"external integrations", "integrations"}},
	{Name: "Timeline & Priorities", Variations: []string{"timeline & priorities", "timeline", "priorities"}},
}

// Validator checks a project brief written in Markdown.
type Validator struct {
	Required    []Section
	Recommended []Section
	md          goldmark.Markdown
}

// NewValidator returns a validator with the default sections.
func NewValidator() *Validator {
	return &Validator{
		Required:    DefaultSections,
		Recommended: RecommendedSections,
		md:          goldmark.New(),
	}
}

// Validate checks the brief text.
func (v *Validator) Validate(src string) Result {
	var res Result
	if strings.TrimSpace(src) == "" {
		res.Errors = append(res.Errors, "project brief is empty")
		return res
	}

	sections := v.sections([]byte(src))
	for _, req := range v.Required {
		body, ok := findSection(sections, req)
		if !ok {
			res.Errors = append(res.Errors, fmt.Sprintf("missing required section: %s", req.Name))
			continue
		}
		if n := len([]rune(body)); n < req.MinLength {
			res.Errors = append(res.Errors, fmt.Sprintf("section %s is too short (%d chars, minimum %d)", req.Name, n, req.MinLength))
		}
	}
	for _, rec := range v.Recommended {
		if _, ok := findSection(sections, rec); !ok {
			res.Warnings = append(res.Warnings, fmt.Sprintf("recommended section missing: %s", rec.Name))
		}
	}
	res.Valid = len(res.Errors) == 0
	return res
}

// ValidateFile reads and validates the brief at path. A missing or
// unreadable file is reported as a validation error.
func (v *Validator) ValidateFile(path string) Result {
	data, err := os.ReadFile(path)
	if err != nil {
		if errors.Is(err, fs.ErrNotExist) {
			return Result{Errors: []string{fmt.Sprintf("project brief not found: %s", path)}}
		}
		return Result{Errors: []string{fmt.Sprintf("read project brief %s: %v", path, err)}}
	}
	return v.Validate(string(data))
}

type section struct {
	title string
	level int
	body  string
}

// sections splits the document at headings. A section's body is the text
// of every block up to the next heading of the same or higher level,
// including nested headings.
func (v *Validator) sections(src []byte) []section {
	doc := v.md.Parser().Parse(text.NewReader(src))

	var blocks []ast.Node
	for n := doc.FirstChild(); n != nil; n = n.NextSibling() {
		blocks = append(blocks, n)
	}

	var out []section
	for i, n := range blocks {
		h, ok := n.(*ast.Heading)
		if !ok {
			continue
		}
		var body strings.Builder
		for _, next := range blocks[i+1:] {
			if nh, ok := next.(*ast.Heading); ok && nh.Level <= h.Level {
				break
			}
			if body.Len() > 0 {
				body.WriteByte(' ')
			}
			body.WriteString(nodeText(next, src))
		}
		out = append(out, section{
			title: normalizeTitle(nodeText(h, src)),
			level: h.Level,
			body:  strings.TrimSpace(body.String()),
		})
	}
	return out
}

func findSection(sections []section, want Section) (string, bool) {
	for _, variation := range want.Variations {
		for _, s := range sections {
			if s.title == variation {
				return s.body, true
			}
		}
	}
	return "", false
}

// nodeText concatenates the text content under n. List items keep their
// marker and start on a new line.
func nodeText(n ast.Node, src []byte) string {
	var b strings.Builder
	_ = ast.Walk(n, func(c ast.Node, entering bool) (ast.WalkStatus, error) {
		if !entering {
			switch c.(type) {
			case *ast.Paragraph, *ast.TextBlock, *ast.Heading:
				b.WriteByte(' ')
			}
			return ast.WalkContinue, nil
		}
		switch t := c.(type) {
		case *ast.Text:
			b.Write(t.Segment.Value(src))
			if t.SoftLineBreak() || t.HardLineBreak() {
				b.WriteByte(' ')
			}
		case *ast.String:
			b.Write(t.Value)
		case *ast.ListItem:
			if b.Len() > 0 {
				b.WriteByte('\n')
			}
			b.WriteString(listMarker(t))
		case *ast.FencedCodeBlock, *ast.CodeBlock:
			lines := c.Lines()
			for i := 0; i < lines.Len(); i++ {
				seg := lines.At(i)
				b.Write(seg.Value(src))
			}
			return ast.WalkSkipChildren, nil
		}
		return ast.WalkContinue, nil
	})
	return strings.TrimSpace(b.String())
}

func listMarker(item *ast.ListItem) string {
	list, ok := item.Parent().(*ast.List)
	if !ok {
		return "- "
	}
	if !list.IsOrdered() {
		return string(list.Marker) + " "
	}
	idx := list.Start
	for prev := item.PreviousSibling(); prev != nil; prev = prev.PreviousSibling() {
		idx++
	}
	return fmt.Sprintf("%d%c ", idx, list.Marker)
}

// normalizeTitle lower-cases a heading and drops emoji, punctuation other
// than '&', and redundant whitespace.
func normalizeTitle(s string) string {
	var b strings.Builder
	for _, r := range strings.ToLower(s) {
		switch {
		case unicode.IsLetter(r), unicode.IsDigit(r), r == '&':
			b.WriteRune(r)
		default:
			b.WriteRune(' ')
		}
	}
	return strings.Join(strings.Fields(b.String()), " ")
}
