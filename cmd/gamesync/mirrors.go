package main

import (
	"fmt"
	"strings"

	"github.com/spf13/cobra"

	"github.com/BadgerOps/gamesync/internal/mirror"
)

func newMirrorsCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "mirrors",
		Short: "Probe the configured CDN and mirrors and show which one would be used",
		Long: `Probe updater.cdn and every entry of updater.mirrors: each base's release
pointer is requested to measure latency and throughput. Mirrors publishing a
different release than the first reachable base are marked stale and are
never selected.`,
		Example: `  gamesync mirrors`,
		RunE:    mirrorsRun,
	}
}

func mirrorsRun(cmd *cobra.Command, args []string) error {
	if globalCfg == nil {
		return fmt.Errorf("config not loaded")
	}
	out := cmd.OutOrStdout()
	bases := append([]string{globalCfg.Updater.CDN}, globalCfg.Updater.Mirrors...)

	selector := mirror.NewSelector(nil, logger)
	results := selector.SpeedTest(cmd.Context(), bases)
	chosen, _, selErr := selector.Select(cmd.Context(), bases)

	fmt.Fprintf(out, "  %-48s %10s %14s  %s\n", "Base", "Latency", "Throughput", "Release")
	fmt.Fprintln(out, strings.Repeat("-", 90))
	for _, r := range results {
		mark := " "
		if selErr == nil && r.URL == chosen {
			mark = "*"
		}
		if !r.OK() {
			fmt.Fprintf(out, "%s %-48s %10s %14s  %s\n", mark, r.URL, "-", "-", "error: "+r.Error)
			continue
		}
		fmt.Fprintf(out, "%s %-48s %8dms %9.1f KB/s  %s\n", mark, r.URL, r.LatencyMs, r.ThroughputKBps, r.Label)
	}

	if selErr != nil {
		return fmt.Errorf("no usable CDN base: %w", selErr)
	}
	fmt.Fprintf(out, "\nSelected: %s\n", chosen)
	return nil
}
