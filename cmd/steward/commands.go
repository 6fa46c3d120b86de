package main

import (
	"context"
	"errors"
	"fmt"
	"sort"
	"strconv"
	"strings"
	"time"

	"github.com/spf13/cobra"

	"github.com/rogers-f/steward/internal/app"
	"github.com/rogers-f/steward/internal/batch"
	"github.com/rogers-f/steward/internal/brief"
	"github.com/rogers-f/steward/internal/domain"
	"github.com/rogers-f/steward/internal/ipc"
	"github.com/rogers-f/steward/internal/store"
)

// runOne executes a single run and prints its result.
func runOne(cmd *cobra.Command, g *globalFlags, kind domain.RunKind, mutate func(*domain.Target)) error {
	a, err := g.open()
	if err != nil {
		return err
	}
	defer a.Close()

	target, err := a.Target()
	if err != nil {
		return err
	}
	if mutate != nil {
		mutate(&target)
	}

	ctx, stop := signalContext(cmd.Context())
	defer stop()
	res, err := a.Run(ctx, kind, target)
	if err != nil {
		return err
	}
	printResult(cmd.OutOrStdout(), res)
	if !res.Succeeded() {
		return &runFailedError{failed: 1}
	}
	return nil
}

func resolveKind(multiAgent bool) domain.RunKind {
	if multiAgent {
		return domain.KindMultiAgentResolve
	}
	return domain.KindIssueResolution
}

func newGenerateCmd(g *globalFlags) *cobra.Command {
	var briefPath string
	cmd := &cobra.Command{
		Use:   "generate",
		Short: "Propose and file a new issue from the repository's context",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, _ []string) error {
			return runOne(cmd, g, domain.KindIssueGeneration, func(t *domain.Target) {
				if briefPath != "" {
					t.BriefPath = briefPath
				}
			})
		},
	}
	cmd.Flags().StringVar(&briefPath, "brief", "", "project brief to plan from")
	return cmd
}

func newResolveCmd(g *globalFlags) *cobra.Command {
	var multiAgent bool
	cmd := &cobra.Command{
		Use:   "resolve <issue>",
		Short: "Resolve an issue and open a pull request",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			n, err := parseNumber(args[0])
			if err != nil {
				return err
			}
			return runOne(cmd, g, resolveKind(multiAgent), func(t *domain.Target) { t.Issue = n })
		},
	}
	cmd.Flags().BoolVar(&multiAgent, "multi-agent", false, "analyze, generate and validate with separate agents")
	return cmd
}

func newResolveBatchCmd(g *globalFlags) *cobra.Command {
	var multiAgent bool
	cmd := &cobra.Command{
		Use:   "resolve-batch <issues>...",
		Short: "Resolve several issues in parallel (e.g. 3 7 10-12 or 3,7,10-12)",
		Args:  cobra.MinimumNArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			issues, err := parseIssueList(args)
			if err != nil {
				return err
			}
			a, err := g.open()
			if err != nil {
				return err
			}
			defer a.Close()

			ctx, stop := signalContext(cmd.Context())
			defer stop()
			outcomes, err := a.RunBatch(ctx, resolveKind(multiAgent), issues)
			if err != nil {
				return err
			}
			printBatch(cmd.OutOrStdout(), outcomes)
			if s := batch.Summarize(outcomes); s.Failed > 0 {
				return &runFailedError{failed: s.Failed}
			}
			return nil
		},
	}
	cmd.Flags().BoolVar(&multiAgent, "multi-agent", false, "analyze, generate and validate with separate agents")
	return cmd
}

func newReviewCmd(g *globalFlags) *cobra.Command {
	return &cobra.Command{
		Use:   "review <pull>",
		Short: "Review a pull request and post the review as a comment",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			n, err := parseNumber(args[0])
			if err != nil {
				return err
			}
			return runOne(cmd, g, domain.KindQAReview, func(t *domain.Target) { t.Pull = n })
		},
	}
}

func newValidateBriefCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "validate-brief <path>",
		Short: "Check a project brief for required sections",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			res := brief.NewValidator().ValidateFile(args[0])
			printBriefResult(cmd.OutOrStdout(), args[0], res)
			if !res.Valid {
				return &runFailedError{failed: 1}
			}
			return nil
		},
	}
}

func newRunsCmd(g *globalFlags) *cobra.Command {
	var (
		status string
		limit  int
	)
	cmd := &cobra.Command{
		Use:   "runs [run-id]",
		Short: "List recorded runs, or show the event log of one run",
		Args:  cobra.MaximumNArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg, _, err := g.loadConfig()
			if err != nil {
				return err
			}
			db, err := store.NewDB(cfg.DBPath)
			if err != nil {
				return err
			}
			defer db.Close()
			ctx := cmd.Context()

			if len(args) == 1 {
				if _, err := (&store.RunRepo{}).GetByID(ctx, db, args[0]); err != nil {
					return err
				}
				events, err := (&store.EventRepo{}).ListByRun(ctx, db, args[0], 0)
				if err != nil {
					return err
				}
				printEvents(cmd.OutOrStdout(), events)
				return nil
			}

			runs, err := (&store.RunRepo{}).List(ctx, db, domain.RunStatus(status), limit)
			if err != nil {
				return err
			}
			printRuns(cmd.OutOrStdout(), runs)
			return nil
		},
	}
	cmd.Flags().StringVar(&status, "status", "", "only runs with this status (pending, running, succeeded, failed)")
	cmd.Flags().IntVar(&limit, "limit", 20, "maximum number of runs to list")
	return cmd
}

func newServeCmd(g *globalFlags) *cobra.Command {
	var addr string
	cmd := &cobra.Command{
		Use:   "serve",
		Short: "Serve the run status API and Prometheus metrics",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, _ []string) error {
			a, err := g.open()
			if err != nil {
				return err
			}
			defer a.Close()
			if addr == "" {
				addr = a.Config.ListenAddr
			}
			return serve(cmd.Context(), a, addr)
		},
	}
	cmd.Flags().StringVar(&addr, "listen", "", "listen address (default from config)")
	return cmd
}

func serve(parent context.Context, a *app.App, addr string) error {
	srv := ipc.NewServer(a.Handler(), addr)
	ctx, stop := signalContext(parent)
	defer stop()

	errCh := make(chan error, 1)
	go func() { errCh <- srv.Start() }()

	select {
	case err := <-errCh:
		return err
	case <-ctx.Done():
		a.Logger.Info("shutting down")
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
		defer cancel()
		return srv.Shutdown(shutdownCtx)
	}
}

func parseNumber(s string) (int, error) {
	n, err := strconv.Atoi(strings.TrimPrefix(strings.TrimSpace(s), "#"))
	if err != nil || n <= 0 {
		return 0, fmt.Errorf("invalid issue or pull request number %q", s)
	}
	return n, nil
}

// parseIssueList accepts numbers, comma lists and inclusive ranges, and
// returns the sorted distinct issue numbers.
func parseIssueList(args []string) ([]int, error) {
	seen := map[int]bool{}
	for _, arg := range args {
		for _, part := range strings.Split(arg, ",") {
			part = strings.TrimSpace(part)
			if part == "" {
				continue
			}
			lo, hi, isRange := strings.Cut(part, "-")
			if !isRange {
				n, err := parseNumber(part)
				if err != nil {
					return nil, err
				}
				seen[n] = true
				continue
			}
			from, err := parseNumber(lo)
			if err != nil {
				return nil, err
			}
			to, err := parseNumber(hi)
			if err != nil {
				return nil, err
			}
			if to < from {
				return nil, fmt.Errorf("invalid range %q", part)
			}
			if to-from > 500 {
				return nil, fmt.Errorf("range %q is too large", part)
			}
			for n := from; n <= to; n++ {
				seen[n] = true
			}
		}
	}
	if len(seen) == 0 {
		return nil, errors.New("no issues given")
	}
	issues := make([]int, 0, len(seen))
	for n := range seen {
		issues = append(issues, n)
	}
	sort.Ints(issues)
	return issues, nil
}
