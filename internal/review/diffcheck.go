package review

import (
	"fmt"
	"regexp"
	"sort"
	"strings"

	"github.com/sourcegraph/go-diff/diff"

	"github.com/rogers-f/steward/internal/domain"
)

var diffFence = regexp.MustCompile("(?s)```(?:diff|patch)\\s*\\n(.*?)```")

// PatchStats summarizes a parsed unified diff.
type PatchStats struct {
	Files   []string `json:"files"`
	Added   int      `json:"added"`
	Removed int      `json:"removed"`
}

// ExtractPatch returns the unified diff embedded in an agent reply, taken
// from a ```diff fence or from the first "diff --git" line onwards.
func ExtractPatch(text string) (string, bool) {
	if m := diffFence.FindStringSubmatch(text); m != nil {
		return ensureNewline(m[1]), true
	}
	if i := strings.Index(text, "diff --git "); i >= 0 {
		return ensureNewline(text[i:]), true
	}
	if i := strings.Index(text, "--- a/"); i >= 0 {
		return ensureNewline(text[i:]), true
	}
	return "", false
}

func ensureNewline(s string) string {
	if !strings.HasSuffix(s, "\n") {
		s += "\n"
	}
	return s
}

// CheckPatch parses patch and reports the files it touches. A patch that does
// not parse or carries no hunks is rejected with ErrInvalidPatch.
func CheckPatch(patch string) (PatchStats, error) {
	fileDiffs, err := diff.NewMultiFileDiffReader(strings.NewReader(patch)).ReadAllFiles()
	if err != nil {
		return PatchStats{}, domain.WrapEngineError(domain.ErrInvalidPatch.Code,
			fmt.Sprintf("invalid diff format: %v", err), err)
	}
	if len(fileDiffs) == 0 {
		return PatchStats{}, domain.WrapEngineError(domain.ErrInvalidPatch.Code, "diff contains no files", nil)
	}

	var stats PatchStats
	seen := make(map[string]bool)
	for _, fd := range fileDiffs {
		if len(fd.Hunks) == 0 {
			return PatchStats{}, domain.WrapEngineError(domain.ErrInvalidPatch.Code,
				fmt.Sprintf("diff for %s has no hunks", fileName(fd)), nil)
		}
		name := fileName(fd)
		if !seen[name] {
			seen[name] = true
			stats.Files = append(stats.Files, name)
		}
		for _, hunk := range fd.Hunks {
			for _, line := range strings.Split(string(hunk.Body), "\n") {
				if strings.HasPrefix(line, "+") && !strings.HasPrefix(line, "+++") {
					stats.Added++
				} else if strings.HasPrefix(line, "-") && !strings.HasPrefix(line, "---") {
					stats.Removed++
				}
			}
		}
	}
	sort.Strings(stats.Files)
	return stats, nil
}

func fileName(fd *diff.FileDiff) string {
	name := fd.NewName
	if name == "" || name == "/dev/null" {
		name = fd.OrigName
	}
	name = strings.TrimPrefix(name, "a/")
	name = strings.TrimPrefix(name, "b/")
	return name
}
