// Package main implements the kse CLI: a thin command surface over the
// orchestration engine: global flags, a zap CLI logger wired in
// PersistentPreRunE, and file-based logging initialized alongside it.
package main

import (
	"fmt"
	"os"
	"path/filepath"
	"time"

	"github.com/spf13/cobra"
	"go.uber.org/zap"
	"go.uber.org/zap/zapcore"

	"kse/internal/logging"
)

var (
	verbose     bool
	workspace   string
	configPath  string
	timeout     time.Duration
	maxParallel int

	logger *zap.Logger
)

var rootCmd = &cobra.Command{
	Use:   "kse",
	Short: "kse - spec orchestration engine",
	Long: `kse runs a set of named specs through autonomous coding-agent
subprocesses under a dependency graph, with bounded parallelism, retry,
and rate-limit-aware backoff.`,
	PersistentPreRunE: func(cmd *cobra.Command, args []string) error {
		cfg := zap.NewProductionConfig()
		if verbose {
			cfg.Level = zap.NewAtomicLevelAt(zapcore.DebugLevel)
		}
		var err error
		logger, err = cfg.Build()
		if err != nil {
			return fmt.Errorf("failed to initialize logger: %w", err)
		}

		ws := workspace
		if ws == "" {
			ws, _ = os.Getwd()
		}
		debugMode := verbose
		if err := logging.Initialize(ws, debugMode, "info", false); err != nil {
			fmt.Fprintf(os.Stderr, "Warning: failed to initialize file logging: %v\n", err)
		}
		return nil
	},
	PersistentPostRun: func(cmd *cobra.Command, args []string) {
		if logger != nil {
			_ = logger.Sync()
		}
		logging.CloseAll()
	},
}

func init() {
	rootCmd.PersistentFlags().BoolVarP(&verbose, "verbose", "v", false, "Enable verbose logging")
	rootCmd.PersistentFlags().StringVarP(&workspace, "workspace", "w", "", "Workspace directory (default: current)")
	rootCmd.PersistentFlags().StringVar(&configPath, "config", "", "Path to YAML config (default: <workspace>/.kiro/config/engine.yaml)")
	rootCmd.PersistentFlags().DurationVar(&timeout, "timeout", 0, "Overall run timeout (0 = no timeout)")

	runCmd.Flags().IntVar(&maxParallel, "max-parallel", 0, "Override configured max parallel specs (0 = use config)")

	rootCmd.AddCommand(runCmd, statusCmd)
}

func resolveWorkspace() (string, error) {
	ws := workspace
	if ws == "" {
		return os.Getwd()
	}
	return filepath.Abs(ws)
}

func defaultConfigPath(ws string) string {
	if configPath != "" {
		return configPath
	}
	return filepath.Join(ws, ".kiro", "config", "engine.yaml")
}

func statusFilePath(ws string) string {
	return filepath.Join(ws, ".kiro", "config", "orchestration-status.json")
}

func main() {
	if err := rootCmd.Execute(); err != nil {
		fmt.Fprintln(os.Stderr, err)
		os.Exit(1)
	}
}
