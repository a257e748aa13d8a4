package main

import (
	"context"
	"fmt"
	"log/slog"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/dustin/go-humanize"
	"github.com/spf13/cobra"

	"github.com/BadgerOps/gamesync/internal/engine"
	"github.com/BadgerOps/gamesync/internal/progress"
	"github.com/BadgerOps/gamesync/internal/ui/console"
	"github.com/BadgerOps/gamesync/internal/ui/tui"
)

// runFunc performs one run and returns a one-line summary.
type runFunc func(ctx context.Context, eng *engine.Engine) (string, error)

// execute runs fn with the renderer selected by --gui and --quiet.
// SIGINT and SIGTERM cancel the run.
func execute(cmd *cobra.Command, title string, fn runFunc) error {
	ctx, stop := signal.NotifyContext(cmd.Context(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	if guiMode {
		return executeTUI(ctx, title, fn)
	}

	var observer progress.Observer = progress.Discard
	var out *console.Renderer
	if !quiet {
		out = console.ForFile(os.Stdout)
		observer = out
	}

	eng, err := buildEngine(ctx, observer)
	if err != nil {
		return err
	}
	summary, err := fn(ctx, eng)
	if out != nil && summary != "" {
		if err != nil {
			out.Warnf("%s", summary)
		} else {
			out.Infof("%s", summary)
		}
	}
	return err
}

// executeTUI runs fn behind the full-screen view. Log records are routed
// into the view while it is up.
func executeTUI(ctx context.Context, title string, fn runFunc) error {
	ctx, cancel := context.WithCancel(ctx)
	defer cancel()

	ui := tui.New("gamesync "+title, cancel, levelVar)
	prev := logger
	logger = slog.New(ui.LogHandler())
	slog.SetDefault(logger)
	defer func() {
		logger = prev
		slog.SetDefault(prev)
	}()

	done := make(chan error, 1)
	go func() {
		eng, err := buildEngine(ctx, ui)
		summary := ""
		if err == nil {
			summary, err = fn(ctx, eng)
		}
		ui.Done(summary, err)
		done <- err
	}()

	if _, err := ui.Run(); err != nil {
		cancel()
		<-done
		return err
	}
	return <-done
}

// summarize renders the per-status counts of a report.
func summarize(rep *engine.Report) string {
	if rep == nil {
		return ""
	}
	s := fmt.Sprintf("%d verified, %d repaired, %d unverified, %d skipped",
		rep.Count(engine.FileVerified),
		rep.Count(engine.FileRepaired),
		len(rep.Unverified()),
		rep.Count(engine.FileSkipped))
	if n := rep.BytesTransferred(); n > 0 {
		s += ", " + humanize.IBytes(uint64(n)) + " transferred"
	}
	return s + " in " + rep.Duration.Round(time.Millisecond).String()
}

// unverifiedError is returned when a run completed but left files
// unverified, so the process exits non-zero.
func unverifiedError(rep *engine.Report) error {
	n := len(rep.Unverified())
	if n == 1 {
		return fmt.Errorf("1 file not verified")
	}
	return fmt.Errorf("%d files not verified", n)
}
