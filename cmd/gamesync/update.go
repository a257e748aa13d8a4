package main

import (
	"context"
	"fmt"
	"strings"

	"github.com/dustin/go-humanize"
	"github.com/spf13/cobra"

	"github.com/BadgerOps/gamesync/internal/download"
	"github.com/BadgerOps/gamesync/internal/engine"
)

var (
	updateDryRun bool
	updateForce  bool
)

func newUpdateCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "update",
		Short: "Install the current release from its full bundle",
		Long: `Fetch the release pointer, download and verify the release bundle, extract
it into a directory named after the release, check the extracted tree against
the release manifest when one is published, and record the launchable
executable in the install record.

A bundle that is already present and verified is not downloaded again.
With --force, entries matching updater.release_glob are removed first.`,
		Example: `  gamesync update
  gamesync update --force
  gamesync update --dry-run`,
		RunE: updateRun,
	}

	cmd.Flags().BoolVar(&updateDryRun, "dry-run", false, "report the plan without downloading or extracting")
	cmd.Flags().BoolVar(&updateForce, "force", false, "remove previous release entries before updating")

	return cmd
}

func updateRun(cmd *cobra.Command, args []string) error {
	opts := engine.RunOptions{DryRun: updateDryRun, Force: updateForce}

	return execute(cmd, "update", func(ctx context.Context, eng *engine.Engine) (string, error) {
		rep, err := eng.Update(ctx, opts)
		summary := describeUpdate(rep, opts.DryRun)
		if err != nil {
			return summary, err
		}
		if !rep.OK() {
			if rep.Files != nil && !rep.Files.AllVerified() {
				return summary, unverifiedError(rep.Files)
			}
			return summary, fmt.Errorf("release bundle was not installed")
		}
		return summary, nil
	})
}

// describeUpdate renders the outcome of an update as a few lines.
func describeUpdate(rep *engine.UpdateReport, dryRun bool) string {
	if rep == nil || rep.Release == nil {
		return ""
	}

	var lines []string
	lines = append(lines, "Release: "+rep.Release.Label)
	for _, r := range rep.Removed {
		if dryRun {
			lines = append(lines, "Would remove: "+r)
		} else {
			lines = append(lines, "Removed: "+r)
		}
	}

	switch {
	case rep.Bundle == nil:
		lines = append(lines, "Bundle: already verified")
	case rep.Bundle.Outcome == download.OutcomePlanned:
		lines = append(lines, "Bundle: would download "+rep.Release.Bundle)
	case rep.Bundle.Outcome == download.OutcomeSuccess:
		lines = append(lines, fmt.Sprintf("Bundle: %s in %d attempt(s)", humanize.IBytes(uint64(rep.Bundle.Bytes)), rep.Bundle.Attempts))
	default:
		lines = append(lines, fmt.Sprintf("Bundle: %s after %d attempt(s)", rep.Bundle.Outcome, rep.Bundle.Attempts))
	}

	if rep.Extract != nil {
		lines = append(lines, fmt.Sprintf("Extracted: %d files, %s (%s)", rep.Extract.Files, humanize.IBytes(uint64(rep.Extract.Bytes)), rep.Extract.Format))
	}
	if rep.Files != nil {
		lines = append(lines, "Files: "+summarize(rep.Files))
	}
	if rep.Executable != "" {
		lines = append(lines, "Executable: "+rep.Executable)
	}
	return strings.Join(lines, "\n")
}
