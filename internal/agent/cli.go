package agent

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"os"
	"os/exec"
	"strings"
	"time"

	"github.com/rogers-f/steward/internal/domain"
	"github.com/rogers-f/steward/internal/retry"
)

// CLI dialects.
const (
	DialectClaude = "claude-cli"
	DialectGemini = "gemini-cli"
)

// CLISpec describes an agent CLI's command and environment.
type CLISpec struct {
	Role         string
	Dialect      string
	Command      string
	Args         []string
	Env          map[string]string
	Model        string
	AllowedTools []string
	Timeout      time.Duration
	Pricing      Pricing
}

// Runner executes a command with stdin and returns its output.
type Runner func(ctx context.Context, name string, args, env []string, dir string, stdin []byte) (stdout, stderr []byte, err error)

// ExecRunner runs the command as a subprocess.
func ExecRunner(ctx context.Context, name string, args, env []string, dir string, stdin []byte) ([]byte, []byte, error) {
	cmd := exec.CommandContext(ctx, name, args...)
	cmd.Env = append(os.Environ(), env...)
	cmd.Dir = dir
	cmd.Stdin = bytes.NewReader(stdin)
	var stdout, stderr bytes.Buffer
	cmd.Stdout = &stdout
	cmd.Stderr = &stderr
	err := cmd.Run()
	return stdout.Bytes(), stderr.Bytes(), err
}

// CLIClient runs one prompt per process. The prompt is written to stdin
// and the JSON result is read from stdout.
type CLIClient struct {
	Spec CLISpec
	run  Runner
}

// NewCLIClient creates a CLI-backed client.
func NewCLIClient(spec CLISpec, run Runner) (*CLIClient, error) {
	if spec.Command == "" {
		switch spec.Dialect {
		case DialectClaude:
			spec.Command = "claude"
		case DialectGemini:
			spec.Command = "gemini"
		default:
			return nil, domain.WrapEngineError(domain.ErrConfigInvalid.Code,
				fmt.Sprintf("agent %s: unknown CLI dialect %q", spec.Role, spec.Dialect), nil)
		}
	}
	if run == nil {
		run = ExecRunner
	}
	return &CLIClient{Spec: spec, run: run}, nil
}

// Role returns the configured role.
func (c *CLIClient) Role() string { return c.Spec.Role }

// Args returns the command-line arguments for a call.
func (c *CLIClient) Args(in Context) []string {
	args := append([]string(nil), c.Spec.Args...)
	switch c.Spec.Dialect {
	case DialectClaude:
		args = append(args, "-p", "--output-format", "json")
		if c.Spec.Model != "" {
			args = append(args, "--model", c.Spec.Model)
		}
		if in.System != "" {
			args = append(args, "--append-system-prompt", in.System)
		}
		if len(c.Spec.AllowedTools) > 0 {
			args = append(args, "--allowedTools", strings.Join(c.Spec.AllowedTools, ","))
		}
	case DialectGemini:
		args = append(args, "--output-format", "json")
		if c.Spec.Model != "" {
			args = append(args, "--model", c.Spec.Model)
		}
	}
	return args
}

// Invoke runs the CLI once.
func (c *CLIClient) Invoke(ctx context.Context, prompt string, in Context) (Response, error) {
	if c.Spec.Timeout > 0 {
		var cancel context.CancelFunc
		ctx, cancel = context.WithTimeout(ctx, c.Spec.Timeout)
		defer cancel()
	}

	input := prompt
	if c.Spec.Dialect == DialectGemini && in.System != "" {
		input = in.System + "\n\n" + prompt
	}

	env := make([]string, 0, len(c.Spec.Env))
	for k, v := range c.Spec.Env {
		env = append(env, k+"="+v)
	}

	stdout, stderr, err := c.run(ctx, c.Spec.Command, c.Args(in), env, in.Workspace, []byte(input))
	if err != nil {
		return Response{}, c.classify(ctx, err, stderr)
	}

	resp, err := parseCLIOutput(stdout)
	if err != nil {
		return Response{}, retry.Mark(retry.Retryable, fmt.Errorf("agent %s: %w", c.Spec.Role, err))
	}
	if resp.isError {
		return Response{}, classifyText(fmt.Errorf("agent %s: %s", c.Spec.Role, resp.Text))
	}
	if resp.Model == "" {
		resp.Model = c.Spec.Model
	}
	out := Response{
		Text:     resp.Text,
		Model:    resp.Model,
		Provider: c.Spec.Dialect,
		Usage: domain.Usage{
			Role:         c.Spec.Role,
			Provider:     c.Spec.Dialect,
			InputTokens:  resp.InputTokens,
			OutputTokens: resp.OutputTokens,
			AmountUSD:    resp.CostUSD,
			Stage:        in.Stage,
			CreatedAt:    time.Now().Unix(),
		},
	}
	if out.Usage.AmountUSD == 0 {
		out.Usage.AmountUSD = c.Spec.Pricing.Cost(resp.InputTokens, resp.OutputTokens)
	}
	return out, nil
}

func (c *CLIClient) classify(ctx context.Context, err error, stderr []byte) error {
	msg := strings.TrimSpace(string(stderr))
	wrapped := fmt.Errorf("agent %s (%s): %w: %s", c.Spec.Role, c.Spec.Command, err, msg)

	switch {
	case errors.Is(err, exec.ErrNotFound):
		return retry.Mark(retry.Fatal, domain.WrapEngineError(domain.ErrProviderUnavailable.Code,
			c.Spec.Command+" is not installed", err))
	case ctx.Err() != nil && errors.Is(ctx.Err(), context.DeadlineExceeded):
		return retry.Mark(retry.Retryable, fmt.Errorf("agent %s timed out: %w", c.Spec.Role, ctx.Err()))
	}
	var exitErr *exec.ExitError
	if errors.As(err, &exitErr) {
		return classifyText(domain.WrapEngineError(domain.ErrAgentProcess.Code, wrapped.Error(), err))
	}
	return classifyText(wrapped)
}

// classifyText tags err from its message. A process that failed without a
// recognizable transient cause is fatal.
func classifyText(err error) error {
	class, ok := retry.ClassifyMessage(err.Error())
	if !ok {
		class = retry.Fatal
	}
	return retry.Mark(class, err)
}

type cliResult struct {
	Text         string
	Model        string
	InputTokens  int64
	OutputTokens int64
	CostUSD      float64
	isError      bool
}

// parseCLIOutput accepts the JSON shapes emitted by the claude and gemini
// CLIs; anything that is not JSON is taken as plain text.
func parseCLIOutput(stdout []byte) (cliResult, error) {
	trimmed := bytes.TrimSpace(stdout)
	if len(trimmed) == 0 {
		return cliResult{}, domain.ErrEmptyResponse
	}
	if trimmed[0] != '{' {
		return cliResult{Text: string(trimmed)}, nil
	}

	var raw struct {
		Type     string  `json:"type"`
		IsError  bool    `json:"is_error"`
		Result   string  `json:"result"`
		Content  string  `json:"content"`
		Response string  `json:"response"`
		Model    string  `json:"model"`
		CostUSD  float64 `json:"total_cost_usd"`
		Usage    struct {
			InputTokens  int64 `json:"input_tokens"`
			OutputTokens int64 `json:"output_tokens"`
		} `json:"usage"`
		Stats struct {
			Models map[string]struct {
				Tokens struct {
					Prompt     int64 `json:"prompt"`
					Candidates int64 `json:"candidates"`
				} `json:"tokens"`
			} `json:"models"`
		} `json:"stats"`
		Error *struct {
			Message string `json:"message"`
		} `json:"error"`
	}
	if err := json.Unmarshal(trimmed, &raw); err != nil {
		return cliResult{Text: string(trimmed)}, nil
	}

	out := cliResult{
		Model:        raw.Model,
		InputTokens:  raw.Usage.InputTokens,
		OutputTokens: raw.Usage.OutputTokens,
		CostUSD:      raw.CostUSD,
		isError:      raw.IsError,
	}
	for _, s := range []string{raw.Result, raw.Content, raw.Response} {
		if s != "" {
			out.Text = s
			break
		}
	}
	for model, m := range raw.Stats.Models {
		if out.Model == "" {
			out.Model = model
		}
		out.InputTokens += m.Tokens.Prompt
		out.OutputTokens += m.Tokens.Candidates
	}
	if raw.Error != nil && raw.Error.Message != "" {
		out.isError = true
		out.Text = raw.Error.Message
	}
	if out.Text == "" && !out.isError {
		return out, domain.ErrEmptyResponse
	}
	return out, nil
}
