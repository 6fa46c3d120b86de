package config

import (
	"errors"
	"os"
	"path/filepath"
	"strings"
	"testing"
	"time"

	"github.com/rogers-f/steward/internal/domain"
)

// validYAML returns a minimal valid configuration.
func validYAML() string {
	return `
db_path: /tmp/test.db
workspace: /tmp/workspace
repository:
  owner: octo
  name: repo
agents:
  generator:
    kind: claude-cli
    timeout: 90s
    rate_per_minute: 10
  validator:
    kind: openai
    model: gpt-4o
    api_key_env: STEWARD_TEST_KEY
retry:
  llm:
    max_attempts: 6
budget_cap_usd: 5
`
}

func writeConfig(t *testing.T, dir, name, content string) string {
	t.Helper()
	p := filepath.Join(dir, name)
	if err := os.WriteFile(p, []byte(content), 0o644); err != nil {
		t.Fatalf("write config: %v", err)
	}
	return p
}

func TestLoad_Valid(t *testing.T) {
	path := writeConfig(t, t.TempDir(), "steward.yaml", validYAML())

	cfg, err := Load(path)
	if err != nil {
		t.Fatalf("Load: %v", err)
	}
	if cfg.DBPath != "/tmp/test.db" {
		t.Errorf("DBPath = %q, want /tmp/test.db", cfg.DBPath)
	}
	if len(cfg.Agents) != 2 {
		t.Errorf("Agents = %d, want 2", len(cfg.Agents))
	}
	if got := cfg.Agents["generator"].Timeout; got != 90*time.Second {
		t.Errorf("generator timeout = %s, want 90s", got)
	}
	if cfg.BudgetCapUSD != 5 {
		t.Errorf("BudgetCapUSD = %f, want 5", cfg.BudgetCapUSD)
	}
}

func TestLoad_RetryOverridesKeepDefaults(t *testing.T) {
	cfg, err := Load(writeConfig(t, t.TempDir(), "steward.yaml", validYAML()))
	if err != nil {
		t.Fatalf("Load: %v", err)
	}
	llm := cfg.Retry.LLM
	if llm.MaxAttempts != 6 {
		t.Errorf("llm max_attempts = %d, want 6", llm.MaxAttempts)
	}
	if llm.BaseDelay != 2*time.Second || llm.MaxDelay != 120*time.Second || !llm.Jitter {
		t.Errorf("llm policy lost its defaults: %+v", llm)
	}
	if llm.Name != "llm" || cfg.Retry.VCSWrite.Name != "vcs_write" {
		t.Errorf("policy names = %q, %q", llm.Name, cfg.Retry.VCSWrite.Name)
	}
}

func TestLoad_Defaults(t *testing.T) {
	cfg, err := Load(writeConfig(t, t.TempDir(), "steward.yaml", "db_path: x.db\n"))
	if err != nil {
		t.Fatalf("Load: %v", err)
	}
	if cfg.ListenAddr != "127.0.0.1:9800" {
		t.Errorf("ListenAddr = %q", cfg.ListenAddr)
	}
	if cfg.MaxConcurrentRuns != 3 || cfg.RegenerateBudget != 2 {
		t.Errorf("MaxConcurrentRuns = %d, RegenerateBudget = %d", cfg.MaxConcurrentRuns, cfg.RegenerateBudget)
	}
	if cfg.Repository.BaseBranch != "main" || cfg.Repository.TokenEnv != "GITHUB_TOKEN" {
		t.Errorf("repository defaults = %+v", cfg.Repository)
	}
	if len(cfg.Agents) != 4 {
		t.Errorf("default agents = %d, want 4", len(cfg.Agents))
	}
}

func TestLoad_JSON(t *testing.T) {
	path := writeConfig(t, t.TempDir(), "steward.json", `{"db_path": "j.db", "log_level": "DEBUG", "dry_run": true}`)
	cfg, err := Load(path)
	if err != nil {
		t.Fatalf("Load: %v", err)
	}
	if cfg.DBPath != "j.db" || cfg.LogLevel != "debug" || !cfg.DryRun {
		t.Errorf("cfg = %+v", cfg)
	}
}

func TestLoad_ExpandsEnv(t *testing.T) {
	t.Setenv("STEWARD_TEST_DB", "/var/lib/steward.db")
	cfg, err := Load(writeConfig(t, t.TempDir(), "steward.yaml", "db_path: ${STEWARD_TEST_DB}\n"))
	if err != nil {
		t.Fatalf("Load: %v", err)
	}
	if cfg.DBPath != "/var/lib/steward.db" {
		t.Errorf("DBPath = %q", cfg.DBPath)
	}
}

func TestLoad_FileNotFound(t *testing.T) {
	if _, err := Load("/nonexistent/path/steward.yaml"); err == nil {
		t.Fatal("expected error for missing file, got nil")
	}
}

func TestLoad_InvalidYAML(t *testing.T) {
	if _, err := Load(writeConfig(t, t.TempDir(), "steward.yaml", "db_path: [unclosed\n")); err == nil {
		t.Fatal("expected parse error, got nil")
	}
}

func TestLoad_CollectsProblems(t *testing.T) {
	content := `
db_path: ""
log_level: loud
repository:
  owner: octo
agents:
  planner:
    kind: claude-cli
  generator:
    kind: shell
retry:
  vcs_read:
    max_attempts: 0
`
	_, err := Load(writeConfig(t, t.TempDir(), "steward.yaml", content))
	if err == nil {
		t.Fatal("expected validation error, got nil")
	}
	if !errors.Is(err, domain.ErrConfigInvalid) {
		t.Fatalf("err = %v, want ErrConfigInvalid", err)
	}
	for _, want := range []string{
		"db_path is required",
		"log_level must be one of",
		"repository.name is required",
		"planner",
		"agents[generator].kind must be one of",
		`retry policy "vcs_read"`,
	} {
		if !strings.Contains(err.Error(), want) {
			t.Errorf("error missing %q:\n%v", want, err)
		}
	}
}

func TestSetRepository(t *testing.T) {
	cfg := Default()
	if err := cfg.SetRepository("octo/repo"); err != nil {
		t.Fatalf("SetRepository: %v", err)
	}
	target, err := cfg.Repo()
	if err != nil {
		t.Fatalf("Repo: %v", err)
	}
	if target.FullName() != "octo/repo" {
		t.Errorf("FullName = %q", target.FullName())
	}
	for _, bad := range []string{"octo", "/repo", "octo/", "a/b/c"} {
		if err := cfg.SetRepository(bad); err == nil {
			t.Errorf("SetRepository(%q) accepted", bad)
		}
	}
}

func TestRepo_NotSet(t *testing.T) {
	if _, err := Default().Repo(); !errors.Is(err, domain.ErrRepositoryNotSet) {
		t.Errorf("err = %v, want ErrRepositoryNotSet", err)
	}
}

func TestLoadDotEnv(t *testing.T) {
	dir := t.TempDir()
	if err := LoadDotEnv(dir); err != nil {
		t.Fatalf("missing .env should be ignored: %v", err)
	}

	writeConfig(t, dir, ".env", "STEWARD_DOTENV_TEST=from-file\n")
	t.Setenv("STEWARD_DOTENV_TEST", "")
	os.Unsetenv("STEWARD_DOTENV_TEST")
	if err := LoadDotEnv(dir); err != nil {
		t.Fatalf("LoadDotEnv: %v", err)
	}
	if got := os.Getenv("STEWARD_DOTENV_TEST"); got != "from-file" {
		t.Errorf("STEWARD_DOTENV_TEST = %q, want from-file", got)
	}
}

func TestDiscover(t *testing.T) {
	if got := Discover("explicit.yaml"); got != "explicit.yaml" {
		t.Errorf("Discover(explicit) = %q", got)
	}
	t.Setenv("STEWARD_CONFIG", "/etc/steward.yaml")
	if got := Discover(""); got != "/etc/steward.yaml" {
		t.Errorf("Discover(env) = %q", got)
	}
}

func TestAgentConfig_APIKey(t *testing.T) {
	t.Setenv("STEWARD_TEST_KEY", "sk-test")
	t.Setenv("GEMINI_API_KEY", "g-test")
	if got := (AgentConfig{Kind: KindOpenAI, APIKeyEnv: "STEWARD_TEST_KEY"}).APIKey(); got != "sk-test" {
		t.Errorf("explicit env = %q", got)
	}
	if got := (AgentConfig{Kind: KindGemini}).APIKey(); got != "g-test" {
		t.Errorf("conventional env = %q", got)
	}
	if got := (AgentConfig{Kind: KindClaudeCLI}).APIKey(); got != "" {
		t.Errorf("CLI agent key = %q, want empty", got)
	}
}
