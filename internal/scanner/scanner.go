// Package scanner builds a compact summary of a local project checkout for
// use in agent prompts.
package scanner

import (
	"context"
	"encoding/json"
	"fmt"
	"io/fs"
	"os"
	"path"
	"sort"
	"strings"

	"github.com/bmatcuk/doublestar/v4"
)

// DefaultIgnore lists globs skipped while scanning.
var DefaultIgnore = []string{
	".git",
	".git/**",
	"**/node_modules",
	"**/node_modules/**",
	"**/vendor/**",
	"**/__pycache__/**",
	"**/.venv/**",
	"**/dist/**",
	"**/build/**",
}

var languageByExt = map[string]string{
	".py":   "Python",
	".js":   "JavaScript",
	".ts":   "TypeScript",
	".jsx":  "JavaScript (React)",
	".tsx":  "TypeScript (React)",
	".go":   "Go",
	".java": "Java",
	".rb":   "Ruby",
	".php":  "PHP",
	".rs":   "Rust",
	".cpp":  "C++",
	".c":    "C",
	".cs":   "C#",
}

var packageManagers = map[string]string{
	"package.json":     "Node.js/npm",
	"requirements.txt": "Python/pip",
	"Pipfile":          "Python/pipenv",
	"pyproject.toml":   "Python/poetry",
	"go.mod":           "Go modules",
	"Cargo.toml":       "Rust/Cargo",
	"pom.xml":          "Java/Maven",
	"build.gradle":     "Java/Gradle",
	"composer.json":    "PHP/Composer",
	"Gemfile":          "Ruby/Bundler",
}

var containerFiles = map[string]string{
	"Dockerfile":         "Docker",
	"docker-compose.yml": "Docker Compose",
}

var ciFiles = map[string]string{
	".gitlab-ci.yml": "GitLab CI",
	".travis.yml":    "Travis CI",
	"Jenkinsfile":    "Jenkins",
}

var testConfigs = map[string]string{
	"pytest.ini":     "pytest",
	"setup.cfg":      "pytest/unittest",
	"jest.config.js": "Jest",
	"karma.conf.js":  "Karma",
}

var keyDirs = []string{"src", "tests", "docs", "scripts", ".github", "config", "cmd", "internal"}

// FileType is an extension and how many files have it.
type FileType struct {
	Ext   string `json:"ext"`
	Count int    `json:"count"`
}

// Analysis is the structured result of a scan.
type Analysis struct {
	TotalDirectories int        `json:"total_directories"`
	TopLevelDirs     []string   `json:"top_level_dirs"`
	KeyDirectories   []string   `json:"key_directories"`
	TotalFiles       int        `json:"total_files"`
	FileTypes        []FileType `json:"file_types"`
	PrimaryLanguage  string     `json:"primary_language"`
	PackageManagers  []string   `json:"package_managers"`
	Frameworks       []string   `json:"frameworks"`
	Tools            []string   `json:"tools"`
	Documentation    []string   `json:"documentation"`
	TestFrameworks   []string   `json:"test_frameworks"`
	HasTestDirectory bool       `json:"has_test_directory"`
	HasCoverage      bool       `json:"has_coverage"`
	CIPlatforms      []string   `json:"ci_platforms"`
	HasDeployment    bool       `json:"has_deployment"`
	Truncated        bool       `json:"truncated"`
}

// Scanner walks a directory tree to a bounded depth.
type Scanner struct {
	MaxDepth   int
	MaxEntries int
	TopTypes   int
	Ignore     []string
}

// New returns a scanner with depth 3, the top 10 file types and at most
// 5000 visited entries.
func New() *Scanner {
	return &Scanner{
		MaxDepth:   3,
		MaxEntries: 5000,
		TopTypes:   10,
		Ignore:     DefaultIgnore,
	}
}

// Scan analyzes root and returns the human-readable summary.
func (s *Scanner) Scan(ctx context.Context, root string) (string, error) {
	a, err := s.Analyze(ctx, root)
	if err != nil {
		return "", err
	}
	return a.Summary(), nil
}

// Analyze walks root and collects the analysis.
func (s *Scanner) Analyze(ctx context.Context, root string) (Analysis, error) {
	var a Analysis
	info, err := os.Stat(root)
	if err != nil {
		return a, fmt.Errorf("scan %s: %w", root, err)
	}
	if !info.IsDir() {
		return a, fmt.Errorf("scan %s: not a directory", root)
	}

	fsys := os.DirFS(root)
	counts := map[string]int{}
	visited := 0
	seenTool := map[string]bool{}
	addTool := func(t string) {
		if !seenTool[t] {
			seenTool[t] = true
			a.Tools = append(a.Tools, t)
		}
	}

	err = fs.WalkDir(fsys, ".", func(p string, d fs.DirEntry, werr error) error {
		if werr != nil {
			if p == "." {
				return werr
			}
			return nil
		}
		if err := ctx.Err(); err != nil {
			return err
		}
		if p == "." {
			return nil
		}
		if s.ignored(p) {
			if d.IsDir() {
				return fs.SkipDir
			}
			return nil
		}
		visited++
		if s.MaxEntries > 0 && visited > s.MaxEntries {
			a.Truncated = true
			return fs.SkipAll
		}

		depth := strings.Count(p, "/")
		name := d.Name()
		if d.IsDir() {
			a.TotalDirectories++
			if depth == 0 {
				a.TopLevelDirs = append(a.TopLevelDirs, name)
				lower := strings.ToLower(name)
				if strings.Contains(lower, "test") || lower == "spec" {
					a.HasTestDirectory = true
				}
				if lower == "docs" {
					a.Documentation = append(a.Documentation, "docs/")
				}
				if name == "kubernetes" || name == "k8s" {
					addTool("Kubernetes")
				}
			}
			for _, k := range keyDirs {
				if name == k {
					a.KeyDirectories = appendUnique(a.KeyDirectories, k)
				}
			}
			if p == ".github/workflows" {
				a.CIPlatforms = appendUnique(a.CIPlatforms, "GitHub Actions")
				addTool("GitHub Actions")
			}
			if depth >= s.MaxDepth {
				return fs.SkipDir
			}
			return nil
		}

		a.TotalFiles++
		ext := strings.ToLower(path.Ext(name))
		if ext == "" {
			ext = "[no extension]"
		}
		counts[ext]++

		if depth == 0 {
			s.inspectRootFile(fsys, name, &a, addTool)
		}
		if strings.HasPrefix(p, ".github/workflows/") && !a.HasDeployment {
			if data, err := fs.ReadFile(fsys, p); err == nil && strings.Contains(strings.ToLower(string(data)), "deploy") {
				a.HasDeployment = true
			}
		}
		return nil
	})
	if err != nil {
		return a, fmt.Errorf("scan %s: %w", root, err)
	}

	a.FileTypes = topTypes(counts, s.TopTypes)
	a.PrimaryLanguage = primaryLanguage(topTypes(counts, 0))
	return a, nil
}

func (s *Scanner) inspectRootFile(fsys fs.FS, name string, a *Analysis, addTool func(string)) {
	lower := strings.ToLower(name)
	switch {
	case lower == "readme.md" || lower == "readme":
		a.Documentation = appendUnique(a.Documentation, "README")
	case lower == "contributing.md":
		a.Documentation = appendUnique(a.Documentation, "CONTRIBUTING")
	case lower == "changelog.md":
		a.Documentation = appendUnique(a.Documentation, "CHANGELOG")
	case strings.HasPrefix(lower, "license"):
		a.Documentation = appendUnique(a.Documentation, "LICENSE")
	}
	if pm, ok := packageManagers[name]; ok {
		a.PackageManagers = appendUnique(a.PackageManagers, pm)
	}
	if tool, ok := containerFiles[name]; ok {
		addTool(tool)
	}
	if ci, ok := ciFiles[name]; ok {
		a.CIPlatforms = appendUnique(a.CIPlatforms, ci)
	}
	if fw, ok := testConfigs[name]; ok {
		a.TestFrameworks = appendUnique(a.TestFrameworks, fw)
	}
	if name == ".coveragerc" {
		a.HasCoverage = true
	}

	switch name {
	case "package.json":
		a.Frameworks = append(a.Frameworks, nodeFrameworks(fsys)...)
	case "requirements.txt":
		a.Frameworks = append(a.Frameworks, pythonFrameworks(fsys)...)
	case "go.mod":
		a.Frameworks = append(a.Frameworks, goFrameworks(fsys)...)
	}
}

func (s *Scanner) ignored(p string) bool {
	for _, pattern := range s.Ignore {
		if ok, _ := doublestar.Match(pattern, p); ok {
			return true
		}
	}
	return false
}

func nodeFrameworks(fsys fs.FS) []string {
	data, err := fs.ReadFile(fsys, "package.json")
	if err != nil {
		return nil
	}
	var pkg struct {
		Dependencies    map[string]string `json:"dependencies"`
		DevDependencies map[string]string `json:"devDependencies"`
	}
	if json.Unmarshal(data, &pkg) != nil {
		return nil
	}
	has := func(name string) bool {
		_, a := pkg.Dependencies[name]
		_, b := pkg.DevDependencies[name]
		return a || b
	}
	var out []string
	for _, fw := range []struct{ dep, name string }{
		{"react", "React"},
		{"next", "Next.js"},
		{"vue", "Vue.js"},
		{"@angular/core", "Angular"},
		{"express", "Express"},
		{"fastify", "Fastify"},
	} {
		if has(fw.dep) {
			out = append(out, fw.name)
		}
	}
	return out
}

func pythonFrameworks(fsys fs.FS) []string {
	data, err := fs.ReadFile(fsys, "requirements.txt")
	if err != nil {
		return nil
	}
	content := strings.ToLower(string(data))
	var out []string
	for _, fw := range []struct{ dep, name string }{
		{"django", "Django"},
		{"flask", "Flask"},
		{"fastapi", "FastAPI"},
	} {
		if strings.Contains(content, fw.dep) {
			out = append(out, fw.name)
		}
	}
	return out
}

func goFrameworks(fsys fs.FS) []string {
	data, err := fs.ReadFile(fsys, "go.mod")
	if err != nil {
		return nil
	}
	content := string(data)
	var out []string
	for _, fw := range []struct{ dep, name string }{
		{"github.com/gin-gonic/gin", "Gin"},
		{"github.com/labstack/echo", "Echo"},
		{"github.com/spf13/cobra", "Cobra"},
		{"google.golang.org/grpc", "gRPC"},
	} {
		if strings.Contains(content, fw.dep) {
			out = append(out, fw.name)
		}
	}
	return out
}

func topTypes(counts map[string]int, limit int) []FileType {
	out := make([]FileType, 0, len(counts))
	for ext, n := range counts {
		out = append(out, FileType{Ext: ext, Count: n})
	}
	sort.Slice(out, func(i, j int) bool {
		if out[i].Count != out[j].Count {
			return out[i].Count > out[j].Count
		}
		return out[i].Ext < out[j].Ext
	})
	if limit > 0 && len(out) > limit {
		out = out[:limit]
	}
	return out
}

func primaryLanguage(types []FileType) string {
	for _, ft := range types {
		if lang, ok := languageByExt[ft.Ext]; ok {
			return lang
		}
	}
	return "Unknown"
}

func appendUnique(list []string, v string) []string {
	for _, s := range list {
		if s == v {
			return list
		}
	}
	return append(list, v)
}

// Summary renders the analysis as indented text.
func (a Analysis) Summary() string {
	var lines []string
	lines = append(lines, "Directory Structure:",
		fmt.Sprintf("  - Total directories: %d", a.TotalDirectories),
		fmt.Sprintf("  - Top-level: %s", strings.Join(head(a.TopLevelDirs, 5), ", ")))
	if len(a.KeyDirectories) > 0 {
		lines = append(lines, fmt.Sprintf("  - Key directories: %s", strings.Join(a.KeyDirectories, ", ")))
	}

	lines = append(lines, "", "File Analysis:",
		fmt.Sprintf("  - Total files: %d", a.TotalFiles),
		fmt.Sprintf("  - Primary language: %s", a.PrimaryLanguage))
	if len(a.FileTypes) > 0 {
		var parts []string
		for _, ft := range a.FileTypes[:min(3, len(a.FileTypes))] {
			parts = append(parts, fmt.Sprintf("%s(%d)", ft.Ext, ft.Count))
		}
		lines = append(lines, "  - Main file types: "+strings.Join(parts, ", "))
	}

	if len(a.PackageManagers)+len(a.Frameworks)+len(a.Tools) > 0 {
		lines = append(lines, "", "Technology Stack:")
		if len(a.PackageManagers) > 0 {
			lines = append(lines, "  - Package managers: "+strings.Join(a.PackageManagers, ", "))
		}
		if len(a.Frameworks) > 0 {
			lines = append(lines, "  - Frameworks: "+strings.Join(a.Frameworks, ", "))
		}
		if len(a.Tools) > 0 {
			lines = append(lines, "  - Tools: "+strings.Join(a.Tools, ", "))
		}
	}
	if len(a.Documentation) > 0 {
		lines = append(lines, "", "Documentation: "+strings.Join(a.Documentation, ", "))
	}
	if a.HasTestDirectory || len(a.TestFrameworks) > 0 {
		lines = append(lines, "", "Testing:")
		if len(a.TestFrameworks) > 0 {
			lines = append(lines, "  - Frameworks: "+strings.Join(a.TestFrameworks, ", "))
		}
		if a.HasCoverage {
			lines = append(lines, "  - Coverage tracking: Yes")
		}
	}
	if len(a.CIPlatforms) > 0 {
		lines = append(lines, "", "CI/CD:", "  - Platforms: "+strings.Join(a.CIPlatforms, ", "))
		if a.HasDeployment {
			lines = append(lines, "  - Deployment configured: Yes")
		}
	}
	if a.Truncated {
		lines = append(lines, "", "(scan truncated)")
	}
	return strings.Join(lines, "\n")
}

func head(s []string, n int) []string {
	if len(s) > n {
		return s[:n]
	}
	return s
}
