package main

import (
	"fmt"
	"io"
	"strings"
	"time"

	"github.com/fatih/color"

	"github.com/rogers-f/steward/internal/batch"
	"github.com/rogers-f/steward/internal/brief"
	"github.com/rogers-f/steward/internal/domain"
	"github.com/rogers-f/steward/internal/workflow"
)

var (
	headerStyle  = color.New(color.FgCyan, color.Bold)
	successStyle = color.New(color.FgGreen)
	errorStyle   = color.New(color.FgRed, color.Bold)
	warningStyle = color.New(color.FgYellow)
	mutedStyle   = color.New(color.FgHiBlack)
)

const (
	checkmark = "✓"
	xmark     = "✗"
	bullet    = "•"
)

// runFailedError reports a run that finished unsuccessfully. Its details
// were already printed.
type runFailedError struct {
	failed int
}

func (e *runFailedError) Error() string {
	return fmt.Sprintf("%d run(s) failed", e.failed)
}

func printResult(w io.Writer, res workflow.Result) {
	if res.Succeeded() {
		fmt.Fprintf(w, "%s %s %s\n", successStyle.Sprint(checkmark), headerStyle.Sprint(res.Kind), mutedStyle.Sprint(res.RunID))
		ctx := res.Context
		switch {
		case ctx.Has("publish.dry_run"):
			fmt.Fprintf(w, "  %s dry run, would publish %q\n", bullet, ctx.String("publish.title"))
		case ctx.String("publish.url") != "":
			note := ""
			if dup, _ := workflow.Lookup[bool](ctx, "publish.duplicate"); dup {
				note = mutedStyle.Sprint(" (already published)")
			}
			fmt.Fprintf(w, "  %s %s%s\n", bullet, ctx.String("publish.url"), note)
		}
		if res.Rounds > 0 {
			fmt.Fprintf(w, "  %s regenerated %d time(s)\n", bullet, res.Rounds)
		}
		return
	}

	fmt.Fprintf(w, "%s %s %s\n", errorStyle.Sprint(xmark), headerStyle.Sprint(res.Kind), mutedStyle.Sprint(res.RunID))
	if f := res.Failure; f != nil {
		stage := f.Stage
		if stage == "" {
			stage = "-"
		}
		fmt.Fprintf(w, "  %s stage %s: %s\n", bullet, stage, warningStyle.Sprint(f.Reason))
		if f.Cause != nil {
			fmt.Fprintf(w, "  %s %v\n", bullet, f.Cause)
		}
	}
}

func printBatch(w io.Writer, outcomes []batch.Outcome) {
	for _, o := range outcomes {
		fmt.Fprintf(w, "#%d ", o.Job.Target.Issue)
		printResult(w, o.Result)
	}
	s := batch.Summarize(outcomes)
	fmt.Fprintf(w, "\n%s %d succeeded, %d failed\n", headerStyle.Sprint("batch:"), s.Succeeded, s.Failed)
}

func printBriefResult(w io.Writer, path string, res brief.Result) {
	if res.Valid {
		fmt.Fprintf(w, "%s %s is valid\n", successStyle.Sprint(checkmark), path)
	} else {
		fmt.Fprintf(w, "%s %s is invalid\n", errorStyle.Sprint(xmark), path)
	}
	for _, e := range res.Errors {
		fmt.Fprintf(w, "  %s %s\n", errorStyle.Sprint("error:"), e)
	}
	for _, warn := range res.Warnings {
		fmt.Fprintf(w, "  %s %s\n", warningStyle.Sprint("warning:"), warn)
	}
}

func printRuns(w io.Writer, runs []domain.RunRecord) {
	if len(runs) == 0 {
		fmt.Fprintln(w, mutedStyle.Sprint("no runs"))
		return
	}
	for _, r := range runs {
		status := string(r.Status)
		switch r.Status {
		case domain.StatusSucceeded:
			status = successStyle.Sprint(status)
		case domain.StatusFailed:
			status = errorStyle.Sprint(status)
		}
		target := r.Target.FullName()
		switch {
		case r.Target.Issue > 0:
			target += fmt.Sprintf("#%d", r.Target.Issue)
		case r.Target.Pull > 0:
			target += fmt.Sprintf("!%d", r.Target.Pull)
		}
		line := []string{
			mutedStyle.Sprint(time.Unix(r.StartedAtUnix, 0).Format(time.DateTime)),
			r.RunID,
			string(r.Kind),
			target,
			status,
		}
		if r.Status == domain.StatusFailed {
			line = append(line, fmt.Sprintf("%s (%s)", r.FailedStage, r.Reason))
		} else if r.CurrentStage != "" {
			line = append(line, r.CurrentStage)
		}
		fmt.Fprintln(w, strings.Join(line, "  "))
	}
}

func printEvents(w io.Writer, events []domain.RunEvent) {
	for _, e := range events {
		stage := e.Stage
		if stage == "" {
			stage = "-"
		}
		fmt.Fprintf(w, "%4d  %s  %-16s %-22s %s\n",
			e.SeqNo,
			mutedStyle.Sprint(time.Unix(e.CreatedAt, 0).Format(time.TimeOnly)),
			stage,
			e.EventType,
			mutedStyle.Sprint(e.PayloadJSON))
	}
}
