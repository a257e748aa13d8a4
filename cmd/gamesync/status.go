package main

import (
	"fmt"
	"io"
	"strings"

	"github.com/dustin/go-humanize"
	"github.com/spf13/cobra"

	"github.com/BadgerOps/gamesync/internal/install"
)

var (
	statusLimit  int
	statusFailed bool
)

func newStatusCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "status",
		Short: "Display run history and files that failed to verify",
		Long: `Display recent runs recorded for the install root, the number of files and
bytes last verified, and every file that is still unverified after its last
run. Run history is informational: sync always re-checks files on disk.

Use --failed to list only the unverified files.`,
		Example: `  gamesync status
  gamesync status --limit 5
  gamesync status --failed`,
		RunE: statusRun,
	}

	cmd.Flags().IntVar(&statusLimit, "limit", 10, "number of recent runs to show")
	cmd.Flags().BoolVar(&statusFailed, "failed", false, "show only files that failed to verify")

	return cmd
}

func statusRun(cmd *cobra.Command, args []string) error {
	if globalCfg == nil {
		return fmt.Errorf("config not loaded")
	}
	out := cmd.OutOrStdout()
	root := globalCfg.Updater.RootDir

	fmt.Fprintf(out, "Root:      %s\n", root)
	if exe, ok, err := install.Read(globalCfg.Install.RecordPath); err == nil && ok {
		fmt.Fprintf(out, "Installed: %s\n", exe)
	}

	if globalStore == nil {
		fmt.Fprintln(out, "Run history is disabled (store.path is empty).")
		return nil
	}

	if !statusFailed {
		files, err := globalStore.CountFileRecords(root)
		if err != nil {
			return err
		}
		size, err := globalStore.SumFileSize(root)
		if err != nil {
			return err
		}
		fmt.Fprintf(out, "Verified:  %d files, %s\n\n", files, humanize.IBytes(uint64(size)))

		if err := printRuns(out, root); err != nil {
			return err
		}
	}

	return printFailures(out, root)
}

func printRuns(out io.Writer, root string) error {
	runs, err := globalStore.ListRuns(root, statusLimit)
	if err != nil {
		return err
	}
	if len(runs) == 0 {
		fmt.Fprintln(out, "No runs recorded yet.")
		fmt.Fprintln(out)
		return nil
	}

	fmt.Fprintln(out, "Recent Runs")
	fmt.Fprintln(out, "===========")
	fmt.Fprintf(out, "%-6s %-8s %-24s %8s %8s %8s %10s %-8s %s\n",
		"ID", "Kind", "Release", "Verified", "Repaired", "Failed", "Bytes", "Status", "Started")
	fmt.Fprintln(out, strings.Repeat("-", 100))
	for _, r := range runs {
		fmt.Fprintf(out, "%-6d %-8s %-24s %8d %8d %8d %10s %-8s %s\n",
			r.ID,
			r.Kind,
			truncate(r.Label, 24),
			r.FilesVerified,
			r.FilesRepaired,
			r.FilesFailed,
			humanize.IBytes(uint64(r.BytesTransferred)),
			r.Status,
			humanize.Time(r.StartTime),
		)
	}
	fmt.Fprintln(out)
	return nil
}

func printFailures(out io.Writer, root string) error {
	failed, err := globalStore.ListFailedFiles(root)
	if err != nil {
		return err
	}
	if len(failed) == 0 {
		fmt.Fprintln(out, "No unverified files.")
		return nil
	}

	fmt.Fprintln(out, "Unverified Files")
	fmt.Fprintln(out, "================")
	for _, f := range failed {
		fmt.Fprintf(out, "%-40s %d attempt(s), %d run(s), last %s\n    %s\n",
			f.FilePath, f.Attempts, f.RetryCount+1, humanize.Time(f.LastFailure), f.Error)
	}
	return nil
}

func truncate(s string, n int) string {
	if len(s) <= n {
		return s
	}
	return s[:n-3] + "..."
}
