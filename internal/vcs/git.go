package vcs

import (
	"bytes"
	"context"
	"fmt"
	"os/exec"
	"strings"

	"github.com/rogers-f/steward/internal/retry"
)

// CommandRunner runs a command in dir and returns its combined output.
type CommandRunner func(ctx context.Context, dir string, stdin []byte, name string, args ...string) ([]byte, error)

// ExecCommand runs the command as a subprocess.
func ExecCommand(ctx context.Context, dir string, stdin []byte, name string, args ...string) ([]byte, error) {
	cmd := exec.CommandContext(ctx, name, args...)
	cmd.Dir = dir
	if stdin != nil {
		cmd.Stdin = bytes.NewReader(stdin)
	}
	return cmd.CombinedOutput()
}

// Git drives the git binary inside a local checkout. It prepares the branch
// a pull request is opened from.
type Git struct {
	Dir         string
	Remote      string
	AuthorName  string
	AuthorEmail string
	Run         CommandRunner
}

// NewGit creates a Git for the checkout at dir.
func NewGit(dir string) *Git {
	return &Git{
		Dir:         dir,
		Remote:      "origin",
		AuthorName:  "steward",
		AuthorEmail: "steward@users.noreply.github.com",
		Run:         ExecCommand,
	}
}

func (g *Git) git(ctx context.Context, stdin []byte, args ...string) (string, error) {
	out, err := g.Run(ctx, g.Dir, stdin, "git", args...)
	if err != nil {
		return "", fmt.Errorf("git %s: %w: %s", args[0], err, strings.TrimSpace(string(out)))
	}
	return strings.TrimSpace(string(out)), nil
}

// Checkout creates or resets branch from base.
func (g *Git) Checkout(ctx context.Context, branch, base string) error {
	if _, err := g.git(ctx, nil, "checkout", "-B", branch, base); err != nil {
		return retry.Mark(retry.Fatal, err)
	}
	return nil
}

// Apply stages a unified diff. A patch that does not apply is Fatal.
func (g *Git) Apply(ctx context.Context, patch string) error {
	if _, err := g.git(ctx, []byte(patch), "apply", "--index", "--whitespace=nowarn", "-"); err != nil {
		return retry.Mark(retry.Fatal, err)
	}
	return nil
}

// Commit records the staged changes.
func (g *Git) Commit(ctx context.Context, message string) error {
	_, err := g.git(ctx, nil,
		"-c", "user.name="+g.AuthorName,
		"-c", "user.email="+g.AuthorEmail,
		"commit", "--no-verify", "-m", message)
	if err != nil {
		return retry.Mark(retry.Fatal, err)
	}
	return nil
}

// Push publishes branch to the remote. Re-pushing the same branch replaces
// it, so a retried push is safe.
func (g *Git) Push(ctx context.Context, branch string) error {
	_, err := g.git(ctx, nil, "push", "--force-with-lease", g.Remote, branch)
	if err == nil {
		return nil
	}
	if c, ok := retry.ClassifyMessage(err.Error()); ok {
		return retry.Mark(c, err)
	}
	return retry.Mark(retry.Retryable, err)
}

// PrepareBranch checks out branch from base, applies patch and commits it.
func (g *Git) PrepareBranch(ctx context.Context, branch, base, patch, message string) error {
	if err := g.Checkout(ctx, branch, base); err != nil {
		return err
	}
	if err := g.Apply(ctx, patch); err != nil {
		return err
	}
	return g.Commit(ctx, message)
}
