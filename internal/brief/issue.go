package brief

import (
	"fmt"
	"strings"
)

// IssueValidator checks that an issue carries enough text to act on. It
// validates the "title\n\nbody" form produced by FormatIssue.
type IssueValidator struct {
	MinTitle int
	MinBody  int
}

// NewIssueValidator returns a validator with default minimums.
func NewIssueValidator() *IssueValidator {
	return &IssueValidator{MinTitle: 5, MinBody: 20}
}

// FormatIssue joins an issue title and body into validator input.
func FormatIssue(title, body string) string {
	return strings.TrimSpace(title) + "\n\n" + strings.TrimSpace(body)
}

// Validate checks the issue text.
func (v *IssueValidator) Validate(src string) Result {
	var res Result
	title, body, _ := strings.Cut(src, "\n\n")
	title = strings.TrimSpace(title)
	body = strings.TrimSpace(body)

	if len([]rune(title)) < v.MinTitle {
		res.Errors = append(res.Errors, fmt.Sprintf("issue title is too short (%d chars, minimum %d)", len([]rune(title)), v.MinTitle))
	}
	switch n := len([]rune(body)); {
	case n == 0:
		res.Errors = append(res.Errors, "issue body is empty")
	case n < v.MinBody:
		res.Errors = append(res.Errors, fmt.Sprintf("issue body is too short (%d chars, minimum %d)", n, v.MinBody))
	}
	if body != "" && !strings.Contains(strings.ToLower(body), "expected") && !strings.Contains(body, "```") {
		res.Warnings = append(res.Warnings, "issue body has no expected behaviour or code sample")
	}
	res.Valid = len(res.Errors) == 0
	return res
}
