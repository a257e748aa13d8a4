package main

import (
	"context"
	"fmt"
	"log/slog"
	"os"
	"path/filepath"
	"strings"

	"github.com/spf13/cobra"

	"github.com/BadgerOps/gamesync/internal/checksum"
	"github.com/BadgerOps/gamesync/internal/config"
	"github.com/BadgerOps/gamesync/internal/download"
	"github.com/BadgerOps/gamesync/internal/engine"
	"github.com/BadgerOps/gamesync/internal/manifest"
	"github.com/BadgerOps/gamesync/internal/mirror"
	"github.com/BadgerOps/gamesync/internal/progress"
	"github.com/BadgerOps/gamesync/internal/safety"
	"github.com/BadgerOps/gamesync/internal/store"
)

const version = "0.1.0"

var (
	// Global flags
	cfgPath   string
	cdnURL    string
	rootDir   string
	logLevel  string
	logFormat string
	quiet     bool
	verbose   bool
	guiMode   bool

	globalCfg   *config.Config
	logger      = slog.Default()
	levelVar    = new(slog.LevelVar)
	globalStore *store.Store
)

// NewRootCmd creates and returns the root command
func NewRootCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "gamesync",
		Short: "Keep a local game install in sync with its CDN release",
		Long: `gamesync fetches the current release pointer and checksum manifest from a
CDN, verifies every file under the install root and downloads whatever is
missing or corrupt. Transfers resume partial files and are retried a bounded
number of times. The update command installs a release from its full bundle.`,
		Example: `  gamesync sync
  gamesync sync --dry-run
  gamesync update --force
  gamesync verify --root ./YandereSim
  gamesync launch
  gamesync serve --listen 127.0.0.1:8787`,
		Version:       version,
		SilenceUsage:  true,
		SilenceErrors: true,
		PersistentPreRunE: func(cmd *cobra.Command, args []string) error {
			setupLogging()

			if shouldSkipConfig(cmd.Name()) {
				return nil
			}
			if err := loadConfig(); err != nil {
				return err
			}

			if !shouldSkipComponentInit(cmd) {
				if err := openStore(); err != nil {
					return err
				}
			}
			return nil
		},
		PersistentPostRun: func(cmd *cobra.Command, args []string) {
			closeStore()
		},
	}

	cmd.PersistentFlags().StringVar(&cfgPath, "config", "", "path to config file (auto-discovered if not specified)")
	cmd.PersistentFlags().StringVar(&cdnURL, "cdn", "", "override the CDN base URL (disables mirror selection)")
	cmd.PersistentFlags().StringVar(&rootDir, "root", "", "override the install root directory")
	cmd.PersistentFlags().StringVar(&logLevel, "log-level", "warn", "log level (debug, info, warn, error)")
	cmd.PersistentFlags().StringVar(&logFormat, "log-format", "text", "log format (text or json)")
	cmd.PersistentFlags().BoolVar(&quiet, "quiet", false, "suppress progress output")
	cmd.PersistentFlags().BoolVar(&verbose, "verbose", false, "show full error chains")
	cmd.PersistentFlags().BoolVar(&guiMode, "gui", false, "show a full-screen terminal interface")

	cmd.AddCommand(
		newSyncCmd(),
		newVerifyCmd(),
		newUpdateCmd(),
		newLaunchCmd(),
		newStatusCmd(),
		newServeCmd(),
		newMirrorsCmd(),
		newConfigCmd(),
	)

	return cmd
}

// loadConfig reads the config file, applies flag overrides and validates
// the result.
func loadConfig() error {
	path := cfgPath
	if path == "" {
		var err error
		path, err = config.FindConfigFile()
		if err != nil {
			logger.Debug("config file not found, using defaults", "error", err)
		}
	}

	cfg := config.DefaultConfig()
	if path != "" {
		loaded, err := config.Load(path)
		if err != nil {
			return fmt.Errorf("failed to load config: %w", err)
		}
		cfg = loaded
	}

	if cdnURL != "" {
		cfg.Updater.CDN = cdnURL
	}
	if rootDir != "" {
		abs, err := filepath.Abs(rootDir)
		if err != nil {
			return fmt.Errorf("resolving --root: %w", err)
		}
		cfg.Updater.RootDir = abs
	}
	cfg.Normalize()
	if err := cfg.Validate(); err != nil {
		return fmt.Errorf("invalid configuration: %w", err)
	}

	globalCfg = cfg
	logger.Debug("config loaded", "path", path, "cdn", cfg.Updater.CDN, "root", cfg.Updater.RootDir)
	return nil
}

// openStore opens run history when a store path is configured.
func openStore() error {
	path := globalCfg.Store.Path
	if path == "" || globalStore != nil {
		return nil
	}
	if path != ":memory:" {
		if err := os.MkdirAll(filepath.Dir(path), 0o755); err != nil {
			return fmt.Errorf("creating store directory: %w", err)
		}
	}
	st, err := store.New(path, logger)
	if err != nil {
		return fmt.Errorf("failed to initialize store: %w", err)
	}
	globalStore = st
	return nil
}

// closeStore closes the global store connection
func closeStore() {
	if globalStore != nil {
		if err := globalStore.Close(); err != nil {
			logger.Error("failed to close store", "error", err)
		}
		globalStore = nil
	}
}

// buildEngine wires the updater components for one command. The CDN is
// chosen among the configured mirrors unless --cdn was given.
func buildEngine(ctx context.Context, observer progress.Observer) (*engine.Engine, error) {
	if globalCfg == nil {
		return nil, fmt.Errorf("config not loaded")
	}
	u := globalCfg.Updater

	cdn := u.CDN
	if cdnURL == "" && len(u.Mirrors) > 0 {
		bases := append([]string{u.CDN}, u.Mirrors...)
		chosen, _, err := mirror.NewSelector(nil, logger).Select(ctx, bases)
		if err != nil {
			logger.Warn("mirror selection failed, using configured CDN", "error", err)
		} else {
			cdn = chosen
		}
	}

	hasher := checksum.New(globalCfg.DigestAlgorithm())
	manifests := manifest.NewClient(manifest.Options{
		CDN:        cdn,
		HTTPClient: safety.NewHTTPClient(u.ConnectTimeout, u.ReadTimeout),
		DigestLen:  hasher.HexLen(),
		UserAgent:  "gamesync/" + version,
	}, logger)
	client := download.NewClient(logger, download.Options{
		ConnectTimeout: u.ConnectTimeout,
		ReadTimeout:    u.ReadTimeout,
		Hasher:         hasher,
		MaxAttempts:    u.MaxAttempts,
		RetryBackoff:   u.RetryBackoff,
		UserAgent:      "gamesync/" + version,
	})

	deps := engine.Deps{
		Hasher:   hasher,
		Client:   client,
		Store:    globalStore,
		Observer: observer,
	}
	return engine.New(engine.SettingsFromConfig(globalCfg), manifests, deps, logger), nil
}

// setupLogging initializes the slog logger based on flags
func setupLogging() {
	levelVar.Set(parseLevel(logLevel))

	var handler slog.Handler
	if strings.ToLower(logFormat) == "json" {
		handler = slog.NewJSONHandler(os.Stderr, &slog.HandlerOptions{Level: levelVar})
	} else {
		handler = slog.NewTextHandler(os.Stderr, &slog.HandlerOptions{Level: levelVar})
	}

	logger = slog.New(handler)
	slog.SetDefault(logger)
}

func parseLevel(s string) slog.Level {
	switch strings.ToLower(s) {
	case "debug":
		return slog.LevelDebug
	case "info":
		return slog.LevelInfo
	case "warn", "warning":
		return slog.LevelWarn
	case "error":
		return slog.LevelError
	default:
		return slog.LevelInfo
	}
}

// shouldSkipConfig checks if a command should skip config loading
func shouldSkipConfig(cmdName string) bool {
	skipConfigCmds := map[string]bool{
		"help":       true,
		"version":    true,
		"completion": true,
	}
	return skipConfigCmds[cmdName]
}

// shouldSkipComponentInit reports invocations that never touch run history.
// Verify and dry runs leave no history, and opening the store would create
// its file.
func shouldSkipComponentInit(cmd *cobra.Command) bool {
	switch cmd.Name() {
	case "launch", "mirrors", "verify":
		return true
	}
	if dryRun, err := cmd.Flags().GetBool("dry-run"); err == nil && dryRun {
		return true
	}
	return cmd.Parent() != nil && cmd.Parent().Name() == "config"
}
