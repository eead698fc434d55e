package main

import (
	"fmt"
	"log/slog"
	"os"
	"strings"

	"github.com/joho/godotenv"
	"github.com/spf13/cobra"

	"github.com/dumptools/dumpsync/internal/config"
	"github.com/dumptools/dumpsync/internal/manifest"
	"github.com/dumptools/dumpsync/internal/orchestrator"
	"github.com/dumptools/dumpsync/internal/state"
	"github.com/dumptools/dumpsync/internal/transfer"
)

var (
	// Global flags
	cfgPath     string
	mirrorURL   string
	outDir      string
	dumpName    string
	dumpVersion string
	jobName     string
	fileRegex   string
	concurrency int
	logLevel    string
	logFormat   string

	globalCfg *config.Config
	logger    *slog.Logger

	// Global components
	globalStore   *state.Store
	globalFetcher *manifest.Fetcher
	globalOrch    *orchestrator.Orchestrator
)

// initializeComponents wires the store, fetcher, transfer engine, and
// orchestrator from the loaded config.
func initializeComponents() error {
	if globalCfg == nil {
		return fmt.Errorf("config not loaded")
	}

	st, err := state.New(globalCfg.StatePath(), logger)
	if err != nil {
		return fmt.Errorf("failed to initialize state store: %w", err)
	}
	globalStore = st

	globalFetcher = manifest.NewFetcher(globalCfg.MetadataURL, manifest.DumpStatusParser{}, logger)

	client := transfer.NewClient(logger)
	engine := transfer.NewEngine(client, globalStore, globalCfg.Concurrency, globalCfg.RetryAttempts, logger)
	engine.SetProgressHook(progressHook())

	globalOrch = orchestrator.New(globalCfg, globalFetcher, globalStore, engine, logger)

	logger.Debug("components initialized",
		"mirror", globalCfg.MirrorURL,
		"out_dir", globalCfg.OutDir,
		"concurrency", globalCfg.Concurrency)
	return nil
}

// shouldSkipComponentInit checks if a command should skip component
// initialization.
func shouldSkipComponentInit(cmdName string) bool {
	skipInitCmds := map[string]bool{
		"help":    true,
		"version": true,
		"config":  true,
	}
	return skipInitCmds[cmdName]
}

// closeStore closes the global store connection.
func closeStore() {
	if globalStore != nil {
		if err := globalStore.Close(); err != nil {
			logger.Error("failed to close state store", "error", err)
		}
	}
}

// NewRootCmd creates and returns the root command.
func NewRootCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "dumpsync",
		Short: "Resumable mirror downloader for Wikimedia-style dump archives",
		Long: `dumpsync downloads large structured dump archives from a mirror,
resuming partial transfers, retrying transient failures, and verifying
file integrity. Completed downloads are tracked in a local state
database so repeated invocations are incremental: files already
verified against the mirror listing are skipped.

Listings are always fetched from the canonical metadata host; file
bytes come from the configured mirror.`,
		Example: `  dumpsync fetch
  dumpsync fetch --dump enwiki --dump-version 20230301 --dry-run
  dumpsync fetch --mirror-url https://ftp.acc.umu.se/mirror/wikimedia.org/dumps
  dumpsync plan --dump frwiki
  dumpsync status
  dumpsync versions --dump enwiki`,
		Version: "0.1.0",
		PersistentPreRunE: func(cmd *cobra.Command, args []string) error {
			// Pick up DUMPSYNC_* vars from a .env file if present.
			_ = godotenv.Load()

			if shouldSkipConfig(cmd.Name()) {
				setupLogging("")
				return nil
			}

			if cfgPath == "" {
				var err error
				cfgPath, err = config.FindConfigFile()
				if err != nil {
					cfgPath = ""
				}
			}

			var err error
			globalCfg, err = config.Load(cfgPath)
			if err != nil {
				return fmt.Errorf("failed to load config: %w", err)
			}

			applyFlagOverrides(cmd)
			setupLogging(globalCfg.LogFormat)

			if err := globalCfg.Validate(); err != nil {
				return fmt.Errorf("invalid configuration: %w", err)
			}
			logger.Debug("config loaded", "path", cfgPath, "out_dir", globalCfg.OutDir)

			if !shouldSkipComponentInit(cmd.Name()) {
				if err := initializeComponents(); err != nil {
					return fmt.Errorf("failed to initialize components: %w", err)
				}
			}
			return nil
		},
		PersistentPostRun: func(cmd *cobra.Command, args []string) {
			closeStore()
		},
	}

	cmd.PersistentFlags().StringVar(&cfgPath, "config", "", "path to config file (auto-discovered if not specified)")
	cmd.PersistentFlags().StringVar(&mirrorURL, "mirror-url", "", "base URL of the mirror to download files from")
	cmd.PersistentFlags().StringVar(&outDir, "out-dir", "", "output directory for downloaded files")
	cmd.PersistentFlags().StringVar(&dumpName, "dump", "", "dump name, e.g. enwiki")
	cmd.PersistentFlags().StringVar(&dumpVersion, "dump-version", "", "dump version (8 digits) or \"latest\"")
	cmd.PersistentFlags().StringVar(&jobName, "job", "", "dump job to download files for")
	cmd.PersistentFlags().StringVar(&fileRegex, "file-regex", "", "only download files whose name matches this regex")
	cmd.PersistentFlags().IntVar(&concurrency, "concurrency", 0, "number of concurrent downloads")
	cmd.PersistentFlags().StringVar(&logLevel, "log-level", "", "log level (debug, info, warn, error)")
	cmd.PersistentFlags().StringVar(&logFormat, "log-format", "", "log format (text or json)")

	cmd.AddCommand(
		newFetchCmd(),
		newPlanCmd(),
		newStatusCmd(),
		newVersionsCmd(),
		newConfigCmd(),
	)

	return cmd
}

// applyFlagOverrides layers explicit command-line flags over the
// loaded config. Flags win over environment, environment over file.
func applyFlagOverrides(cmd *cobra.Command) {
	if mirrorURL != "" {
		globalCfg.MirrorURL = mirrorURL
	}
	if outDir != "" {
		globalCfg.OutDir = outDir
	}
	if dumpName != "" {
		globalCfg.Dump = dumpName
	}
	if dumpVersion != "" {
		globalCfg.Version = dumpVersion
	}
	if jobName != "" {
		globalCfg.Job = jobName
	}
	if cmd.Flags().Changed("file-regex") {
		globalCfg.FileRegex = fileRegex
	}
	if concurrency > 0 {
		globalCfg.Concurrency = concurrency
	}
	if logLevel != "" {
		globalCfg.LogLevel = logLevel
	}
	if logFormat != "" {
		globalCfg.LogFormat = logFormat
	}
}

// setupLogging initializes the slog logger from config and flags.
func setupLogging(format string) {
	level := slog.LevelInfo
	effective := logLevel
	if effective == "" && globalCfg != nil {
		effective = globalCfg.LogLevel
	}
	switch strings.ToLower(effective) {
	case "debug":
		level = slog.LevelDebug
	case "info":
		level = slog.LevelInfo
	case "warn", "warning":
		level = slog.LevelWarn
	case "error":
		level = slog.LevelError
	}

	var handler slog.Handler
	if strings.ToLower(format) == "json" {
		handler = slog.NewJSONHandler(os.Stderr, &slog.HandlerOptions{Level: level})
	} else {
		handler = slog.NewTextHandler(os.Stderr, &slog.HandlerOptions{Level: level})
	}

	logger = slog.New(handler)
	slog.SetDefault(logger)
}

// shouldSkipConfig checks if a command should skip config loading.
func shouldSkipConfig(cmdName string) bool {
	skipConfigCmds := map[string]bool{
		"help":    true,
		"version": true,
	}
	return skipConfigCmds[cmdName]
}
