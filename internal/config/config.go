// Package config loads steward's runtime configuration from YAML (or JSON),
// with ${ENV} expansion and a .env file.
package config

import (
	"errors"
	"fmt"
	"io/fs"
	"os"
	"path/filepath"
	"reflect"
	"sort"
	"strings"
	"time"

	"github.com/go-playground/validator/v10"
	"github.com/joho/godotenv"
	"gopkg.in/yaml.v3"

	"github.com/rogers-f/steward/internal/agent"
	"github.com/rogers-f/steward/internal/domain"
	"github.com/rogers-f/steward/internal/retry"
)

// Agent backend kinds.
const (
	KindClaudeCLI = agent.DialectClaude
	KindGeminiCLI = agent.DialectGemini
	KindOpenAI    = "openai"
	KindGemini    = "gemini"
)

// AgentConfig defines how to reach the backend serving one role.
type AgentConfig struct {
	Kind          string            `yaml:"kind" validate:"required,oneof=claude-cli gemini-cli openai gemini"`
	Model         string            `yaml:"model"`
	Command       string            `yaml:"command"`
	Args          []string          `yaml:"args"`
	Env           map[string]string `yaml:"env"`
	AllowedTools  []string          `yaml:"allowed_tools"`
	APIKeyEnv     string            `yaml:"api_key_env"`
	BaseURL       string            `yaml:"base_url" validate:"omitempty,url"`
	Timeout       time.Duration     `yaml:"timeout" validate:"gte=0"`
	RatePerMinute int               `yaml:"rate_per_minute" validate:"gte=0"`
	Burst         int               `yaml:"burst" validate:"gte=0"`
	Pricing       agent.Pricing     `yaml:"pricing"`
}

// APIKey returns the key named by APIKeyEnv, or the backend's conventional
// variable.
func (a AgentConfig) APIKey() string {
	name := a.APIKeyEnv
	if name == "" {
		switch a.Kind {
		case KindOpenAI:
			name = "OPENAI_API_KEY"
		case KindGemini:
			name = "GEMINI_API_KEY"
		}
	}
	if name == "" {
		return ""
	}
	return os.Getenv(name)
}

// RepositoryConfig identifies the repository runs operate on.
type RepositoryConfig struct {
	Owner      string   `yaml:"owner" validate:"required_with=Name"`
	Name       string   `yaml:"name" validate:"required_with=Owner"`
	BaseBranch string   `yaml:"base_branch" validate:"required"`
	TokenEnv   string   `yaml:"token_env" validate:"required"`
	APIURL     string   `yaml:"api_url" validate:"omitempty,url"`
	Labels     []string `yaml:"labels"`
}

// Token returns the API token from the environment.
func (r RepositoryConfig) Token() string {
	return os.Getenv(r.TokenEnv)
}

// Config holds steward's runtime configuration.
type Config struct {
	DBPath            string                 `yaml:"db_path" validate:"required"`
	Workspace         string                 `yaml:"workspace"`
	BriefPath         string                 `yaml:"brief_path"`
	LogLevel          string                 `yaml:"log_level" validate:"oneof=debug info warn error"`
	ListenAddr        string                 `yaml:"listen_addr" validate:"required"`
	Repository        RepositoryConfig       `yaml:"repository"`
	Agents            map[string]AgentConfig `yaml:"agents" validate:"dive,keys,oneof=generator analyzer validator reviewer,endkeys"`
	Retry             retry.Policies         `yaml:"retry"`
	RegenerateBudget  int                    `yaml:"regenerate_budget" validate:"gte=0,lte=10"`
	MaxConcurrentRuns int                    `yaml:"max_concurrent_runs" validate:"gte=1,lte=64"`
	BudgetCapUSD      float64                `yaml:"budget_cap_usd" validate:"gte=0"`
	DeniedPaths       []string               `yaml:"denied_paths"`
	DryRun            bool                   `yaml:"dry_run"`
}

// Default returns the configuration used when no file is given.
func Default() *Config {
	return &Config{
		DBPath:     "steward.db",
		LogLevel:   "info",
		ListenAddr: "127.0.0.1:9800",
		Repository: RepositoryConfig{
			BaseBranch: "main",
			TokenEnv:   "GITHUB_TOKEN",
		},
		Agents: map[string]AgentConfig{
			agent.RoleGenerator: {Kind: KindClaudeCLI, Timeout: 10 * time.Minute},
			agent.RoleAnalyzer:  {Kind: KindGeminiCLI, Timeout: 5 * time.Minute},
			agent.RoleValidator: {Kind: KindGeminiCLI, Timeout: 5 * time.Minute},
			agent.RoleReviewer:  {Kind: KindClaudeCLI, Timeout: 10 * time.Minute},
		},
		Retry:             retry.DefaultPolicies(),
		RegenerateBudget:  2,
		MaxConcurrentRuns: 3,
	}
}

// Load reads a YAML or JSON config file over the defaults, expands ${VAR}
// references from the environment, and validates the result.
func Load(path string) (*Config, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("read config file: %w", err)
	}

	cfg := Default()
	// A file that lists agents replaces the default set.
	cfg.Agents = nil
	if err := yaml.Unmarshal([]byte(os.ExpandEnv(string(data))), cfg); err != nil {
		return nil, fmt.Errorf("parse config file: %w", err)
	}
	if cfg.Agents == nil {
		cfg.Agents = Default().Agents
	}
	cfg.applyDefaults()

	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return cfg, nil
}

func (c *Config) applyDefaults() {
	// Policy names are not part of the file.
	c.Retry.LLM.Name = retry.CategoryLLM
	c.Retry.VCSRead.Name = retry.CategoryVCSRead
	c.Retry.VCSWrite.Name = retry.CategoryVCSWrite
	if c.Repository.BaseBranch == "" {
		c.Repository.BaseBranch = "main"
	}
	if c.Repository.TokenEnv == "" {
		c.Repository.TokenEnv = "GITHUB_TOKEN"
	}
	c.LogLevel = strings.ToLower(c.LogLevel)
	if c.LogLevel == "" {
		c.LogLevel = "info"
	}
}

var validate = newValidator()

func newValidator() *validator.Validate {
	v := validator.New(validator.WithRequiredStructEnabled())
	// Report problems by their YAML key.
	v.RegisterTagNameFunc(func(f reflect.StructField) string {
		name, _, _ := strings.Cut(f.Tag.Get("yaml"), ",")
		if name == "-" {
			return ""
		}
		return name
	})
	return v
}

// Validate checks field constraints and retry policies. All problems are
// reported together.
func (c *Config) Validate() error {
	var problems []string

	if err := validate.Struct(c); err != nil {
		var verrs validator.ValidationErrors
		if !errors.As(err, &verrs) {
			return domain.WrapEngineError(domain.ErrConfigInvalid.Code, err.Error(), err)
		}
		for _, fe := range verrs {
			problems = append(problems, describe(fe))
		}
	}
	if err := c.Retry.Validate(); err != nil {
		problems = append(problems, err.Error())
	}

	if len(problems) > 0 {
		sort.Strings(problems)
		return &domain.EngineError{
			Code:    domain.ErrConfigInvalid.Code,
			Message: fmt.Sprintf("%s: %v", domain.ErrConfigInvalid.Message, problems),
		}
	}
	return nil
}

func describe(fe validator.FieldError) string {
	field := strings.TrimPrefix(fe.Namespace(), "Config.")
	switch fe.Tag() {
	case "required", "required_with":
		return field + " is required"
	case "oneof":
		return fmt.Sprintf("%s must be one of [%s], got %v", field, fe.Param(), fe.Value())
	case "url":
		return field + " must be a URL"
	default:
		return fmt.Sprintf("%s failed %s=%s", field, fe.Tag(), fe.Param())
	}
}

// Repo returns the configured repository as a target without an issue or
// pull request.
func (c *Config) Repo() (domain.Target, error) {
	if c.Repository.Owner == "" || c.Repository.Name == "" {
		return domain.Target{}, domain.ErrRepositoryNotSet
	}
	return domain.Target{
		Owner:     c.Repository.Owner,
		Repo:      c.Repository.Name,
		Workspace: c.Workspace,
		BriefPath: c.BriefPath,
	}, nil
}

// SetRepository parses "owner/name" into the repository settings.
func (c *Config) SetRepository(full string) error {
	owner, name, ok := strings.Cut(full, "/")
	if !ok || owner == "" || name == "" || strings.Contains(name, "/") {
		return domain.WrapEngineError(domain.ErrConfigInvalid.Code,
			fmt.Sprintf("repository must be owner/name, got %q", full), nil)
	}
	c.Repository.Owner, c.Repository.Name = owner, name
	return nil
}

// LoadDotEnv loads a .env file from dir into the environment. Variables
// already set are kept and a missing file is not an error.
func LoadDotEnv(dir string) error {
	err := godotenv.Load(filepath.Join(dir, ".env"))
	if err != nil && !errors.Is(err, fs.ErrNotExist) {
		return fmt.Errorf("load .env: %w", err)
	}
	return nil
}

// Discover resolves the config file path: explicit path, then
// STEWARD_CONFIG, then steward.yaml / steward.yml / steward.json next to the
// executable or in the working directory. It returns "" when none exists.
func Discover(explicit string) string {
	if explicit != "" {
		return explicit
	}
	if env := os.Getenv("STEWARD_CONFIG"); env != "" {
		return env
	}
	var dirs []string
	if exe, err := os.Executable(); err == nil {
		dirs = append(dirs, filepath.Dir(exe))
	}
	dirs = append(dirs, ".")
	for _, dir := range dirs {
		for _, name := range []string{"steward.yaml", "steward.yml", "steward.json"} {
			candidate := filepath.Join(dir, name)
			if _, err := os.Stat(candidate); err == nil {
				return candidate
			}
		}
	}
	return ""
}

// Resolve loads the discovered config file, or the defaults when there is
// none.
func Resolve(explicit string) (*Config, string, error) {
	path := Discover(explicit)
	if path == "" {
		cfg := Default()
		return cfg, "", cfg.Validate()
	}
	cfg, err := Load(path)
	return cfg, path, err
}
