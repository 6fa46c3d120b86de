package main

import (
	"context"
	"fmt"
	"log/slog"
	"os"
	"os/signal"
	"syscall"

	"github.com/spf13/cobra"

	"github.com/rogers-f/steward/internal/app"
	"github.com/rogers-f/steward/internal/config"
	"github.com/rogers-f/steward/internal/logging"
)

// globalFlags are shared by every subcommand.
type globalFlags struct {
	configPath string
	repo       string
	workspace  string
	debug      bool
	dryRun     bool
}

func newRootCmd() *cobra.Command {
	var g globalFlags
	root := &cobra.Command{
		Use:           "steward",
		Short:         "Drive AI agent workflows against a GitHub repository",
		SilenceUsage:  true,
		SilenceErrors: true,
		Version:       fmt.Sprintf("%s (commit=%s, built=%s)", version, commit, date),
	}
	pf := root.PersistentFlags()
	pf.StringVar(&g.configPath, "config", "", "path to steward.yaml (default: $STEWARD_CONFIG or ./steward.yaml)")
	pf.StringVar(&g.repo, "repo", "", "repository as owner/name, overrides the config file")
	pf.StringVar(&g.workspace, "workspace", "", "local checkout of the repository")
	pf.BoolVar(&g.debug, "debug", false, "enable debug logging")
	pf.BoolVar(&g.dryRun, "dry-run", false, "run every stage but publish nothing")

	root.AddCommand(
		newGenerateCmd(&g),
		newResolveCmd(&g),
		newResolveBatchCmd(&g),
		newReviewCmd(&g),
		newValidateBriefCmd(),
		newRunsCmd(&g),
		newServeCmd(&g),
	)
	return root
}

// loadConfig resolves the config file and applies flag overrides.
func (g *globalFlags) loadConfig() (*config.Config, *slog.Logger, error) {
	if err := config.LoadDotEnv("."); err != nil {
		return nil, nil, err
	}
	cfg, path, err := config.Resolve(g.configPath)
	if err != nil {
		return nil, nil, err
	}
	if g.repo != "" {
		if err := cfg.SetRepository(g.repo); err != nil {
			return nil, nil, err
		}
	}
	if g.workspace != "" {
		cfg.Workspace = g.workspace
	}
	if g.dryRun {
		cfg.DryRun = true
	}
	level := cfg.LogLevel
	if g.debug {
		level = "debug"
	}
	logger := logging.New(os.Stderr, logging.ParseLevel(level))
	if path != "" {
		logger.Debug("config loaded", "path", path)
	}
	return cfg, logger, nil
}

// open loads the config and builds the app.
func (g *globalFlags) open() (*app.App, error) {
	cfg, logger, err := g.loadConfig()
	if err != nil {
		return nil, err
	}
	return app.New(cfg, logger)
}

// signalContext is canceled on SIGINT or SIGTERM.
func signalContext(parent context.Context) (context.Context, context.CancelFunc) {
	return signal.NotifyContext(parent, os.Interrupt, syscall.SIGTERM)
}
