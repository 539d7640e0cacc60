package main

import (
	"fmt"
	"os"
	"time"

	"github.com/spf13/cobra"
	"go.uber.org/zap"
	"go.uber.org/zap/zapcore"

	"mel/internal/config"
	"mel/internal/logging"
)

var (
	// Global flags
	verbose   bool
	workspace string
	timeout   time.Duration

	// Logger for one-shot commands; the panel has its own UI
	logger *zap.Logger
)

// rootCmd launches the interactive suggestion panel by default.
var rootCmd = &cobra.Command{
	Use:   "mel",
	Short: "Mel - AI pair programming assistant",
	Long: `Mel is a local-first AI pair programming assistant.

It learns coding patterns from your interactions, stores them in a
local SQLite database, and offers suggestions matched against what you
are currently writing. When no learned pattern fits, it can escalate
to a configured AI provider (OpenAI, Anthropic, Google, or a local
Ollama server).

Every suggestion passes an ethics check before display: embedded
secrets, privacy leaks, and destructive operations are caught by a
rule set you can extend in .mel/ethics.yaml.

Run without arguments to start the interactive panel.`,
	PersistentPreRunE: func(cmd *cobra.Command, args []string) error {
		// The panel draws its own UI; zap would fight the terminal
		if cmd.Use == "mel" && cmd.CalledAs() == "mel" {
			return nil
		}

		cfg := zap.NewProductionConfig()
		if verbose {
			cfg.Level = zap.NewAtomicLevelAt(zapcore.DebugLevel)
		}
		var err error
		logger, err = cfg.Build()
		if err != nil {
			return fmt.Errorf("failed to initialize logger: %w", err)
		}
		return nil
	},
	PersistentPostRun: func(cmd *cobra.Command, args []string) {
		if logger != nil {
			_ = logger.Sync()
		}
		logging.CloseAll()
	},
	RunE: func(cmd *cobra.Command, args []string) error {
		return runPanel()
	},
}

func init() {
	rootCmd.PersistentFlags().BoolVarP(&verbose, "verbose", "v", false, "Enable verbose logging")
	rootCmd.PersistentFlags().StringVarP(&workspace, "workspace", "w", "", "Workspace directory (default: detected from .mel or go.mod)")
	rootCmd.PersistentFlags().DurationVar(&timeout, "timeout", 2*time.Minute, "Operation timeout")

	recordCmd.Flags().StringVar(&recordSession, "session", "", "Session ID to record under (default: new)")

	rootCmd.AddCommand(initCmd)
	rootCmd.AddCommand(askCmd)
	rootCmd.AddCommand(suggestCmd)
	rootCmd.AddCommand(recordCmd)
	rootCmd.AddCommand(statusCmd)
	rootCmd.AddCommand(decayCmd)
}

// resolveWorkspace returns the --workspace flag or the detected root.
func resolveWorkspace() (string, error) {
	if workspace != "" {
		return workspace, nil
	}
	return config.FindWorkspaceRoot()
}

func main() {
	if err := rootCmd.Execute(); err != nil {
		fmt.Fprintln(os.Stderr, err)
		os.Exit(1)
	}
}
