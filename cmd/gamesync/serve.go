package main

import (
	"context"
	"fmt"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/spf13/cobra"

	"github.com/BadgerOps/gamesync/internal/mirror"
	"github.com/BadgerOps/gamesync/internal/progress"
	"github.com/BadgerOps/gamesync/internal/server"
)

var serveListen string

func newServeCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "serve",
		Short: "Start the local status and trigger API",
		Long: `Start a local HTTP API that reports run history and live progress and can
start sync, verify and update runs in the background. Only one run is active
at a time; a second request answers 409 Conflict.

Endpoints:
  GET    /healthz
  GET    /metrics
  GET    /api/status
  GET    /api/progress
  GET    /api/progress/stream
  GET    /api/failures
  DELETE /api/failures/{id}
  GET    /api/mirrors
  POST   /api/sync?dry_run=1&force=1
  POST   /api/verify
  POST   /api/update?dry_run=1&force=1

By default the server listens on server.listen from the config file
(default: 127.0.0.1:8787). Use --listen to override.`,
		Example: `  gamesync serve
  gamesync serve --listen 127.0.0.1:9000`,
		RunE: serveRun,
	}

	cmd.Flags().StringVar(&serveListen, "listen", "", "address to listen on (host:port)")

	return cmd
}

func serveRun(cmd *cobra.Command, args []string) error {
	if globalCfg == nil {
		return fmt.Errorf("config not loaded")
	}
	listen := serveListen
	if listen == "" {
		listen = globalCfg.Server.Listen
	}

	tracker := progress.NewTracker()
	eng, err := buildEngine(cmd.Context(), progress.NewMulti(tracker, progress.ObserverFunc(logEvent)))
	if err != nil {
		return err
	}

	srv := server.NewServer(eng, globalStore, tracker, logger)
	if mirrors := globalCfg.Updater.Mirrors; len(mirrors) > 0 {
		bases := append([]string{globalCfg.Updater.CDN}, mirrors...)
		srv.SetMirrors(mirror.NewSelector(nil, logger), bases)
	}

	logger.Info("server starting", "listen", listen, "root", globalCfg.Updater.RootDir)

	errChan := make(chan error, 1)
	go func() {
		fmt.Fprintf(cmd.OutOrStdout(), "Starting server on %s...\n", listen)
		if err := srv.Start(listen); err != nil {
			errChan <- err
		}
	}()

	sigChan := make(chan os.Signal, 1)
	signal.Notify(sigChan, syscall.SIGINT, syscall.SIGTERM)
	defer signal.Stop(sigChan)

	select {
	case err := <-errChan:
		return fmt.Errorf("server error: %w", err)
	case sig := <-sigChan:
		logger.Info("received shutdown signal", "signal", sig)
		fmt.Fprintln(cmd.OutOrStdout(), "\nShutting down server...")

		ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
		defer cancel()

		if err := srv.Shutdown(ctx); err != nil {
			return fmt.Errorf("server shutdown error: %w", err)
		}

		fmt.Fprintln(cmd.OutOrStdout(), "Server stopped gracefully")
	}

	return nil
}

// logEvent records file failures and run results in the server log.
func logEvent(e progress.Event) {
	switch e.Phase {
	case progress.PhaseFileFailed:
		logger.Warn("file not verified", "path", e.Path, "attempt", e.Attempt, "status", e.Message)
	case progress.PhaseComplete:
		logger.Info("run complete", "status", e.Message)
	case progress.PhaseFailed:
		logger.Warn("run failed", "status", e.Message)
	}
}
