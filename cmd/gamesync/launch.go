package main

import (
	"fmt"

	"github.com/spf13/cobra"

	"github.com/BadgerOps/gamesync/internal/install"
)

func newLaunchCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "launch [-- ARGS...]",
		Short: "Start the installed game",
		Long: `Read the install record written by the last successful update and start
the recorded executable from its own directory. The game runs detached; the
command returns as soon as it has started.`,
		Example: `  gamesync launch
  gamesync launch -- -windowed`,
		RunE: launchRun,
	}
}

func launchRun(cmd *cobra.Command, args []string) error {
	if globalCfg == nil {
		return fmt.Errorf("config not loaded")
	}
	record := globalCfg.Install.RecordPath
	if record == "" {
		return fmt.Errorf("install.record_path is not configured")
	}

	exe, ok, err := install.Read(record)
	if err != nil {
		return err
	}
	if !ok {
		return fmt.Errorf("no installed release recorded in %s; run gamesync update first", record)
	}

	pid, err := install.Launch(exe, args...)
	if err != nil {
		return err
	}
	logger.Info("game launched", "path", exe, "pid", pid)
	fmt.Fprintf(cmd.OutOrStdout(), "Started %s (pid %d)\n", exe, pid)
	return nil
}
