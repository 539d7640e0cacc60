package main

import (
	"context"
	"errors"
	"fmt"
	"os"
	"os/signal"
	"path/filepath"
	"strings"
	"syscall"

	"github.com/google/uuid"
	"github.com/spf13/cobra"
	"go.uber.org/zap"

	"mel/cmd/mel/panel"
	"mel/cmd/mel/ui"
	"mel/internal/config"
	"mel/internal/embedding"
	"mel/internal/ethics"
	"mel/internal/learning"
	"mel/internal/logging"
	"mel/internal/provider"
	"mel/internal/store"
)

var recordSession string

// app bundles the wired backends for a command invocation.
type app struct {
	workspace string
	cfg       *config.UserConfig
	store     *store.Store
	engine    *learning.Engine
	checker   *ethics.Checker
	router    *provider.Router
}

// openApp wires config, store, learning, ethics, and the provider
// router for the resolved workspace.
func openApp() (*app, error) {
	ws, err := resolveWorkspace()
	if err != nil {
		return nil, err
	}

	if err := logging.Initialize(ws); err != nil {
		fmt.Fprintf(os.Stderr, "warning: logging init failed: %v\n", err)
	}

	cfg, err := config.LoadUserConfig(filepath.Join(ws, ".mel", "config.json"))
	if err != nil {
		return nil, err
	}

	s, err := store.OpenDefault(ws)
	if err != nil {
		return nil, err
	}

	embedder, err := embedding.NewEngine(cfg.GetEmbeddingConfig(), cfg.GoogleAPIKey)
	if err != nil {
		// Embeddings are an enhancement; a broken config degrades to
		// keyword matching rather than blocking startup.
		fmt.Fprintf(os.Stderr, "warning: embeddings unavailable: %v\n", err)
		embedder = nil
	}

	checker, err := ethics.NewCheckerFromConfig(cfg.GetEthicsConfig(), ws)
	if err != nil {
		s.Close()
		return nil, err
	}

	return &app{
		workspace: ws,
		cfg:       cfg,
		store:     s,
		engine:    learning.NewEngine(s, embedder, cfg.GetLearningConfig()),
		checker:   checker,
		router:    provider.NewRouter(cfg),
	}, nil
}

func (a *app) Close() {
	a.store.Close()
}

// runPanel starts the interactive suggestion panel.
func runPanel() error {
	a, err := openApp()
	if err != nil {
		return err
	}
	defer a.Close()

	// Fade stale patterns once per session
	if err := a.engine.Decay(context.Background()); err != nil {
		fmt.Fprintf(os.Stderr, "warning: decay pass failed: %v\n", err)
	}

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	// Hot-reload the ethics policy while the panel runs
	ethicsCfg := a.cfg.GetEthicsConfig()
	if ethicsCfg.WatchPolicy && !ethicsCfg.Disabled {
		policyFile := ethicsCfg.PolicyFile
		if !filepath.IsAbs(policyFile) {
			policyFile = filepath.Join(a.workspace, policyFile)
		}
		go func() {
			if err := ethics.WatchPolicy(ctx, policyFile, a.checker); err != nil && !errors.Is(err, context.Canceled) {
				logging.Get(logging.CategoryEthics).Error("policy watcher stopped: %v", err)
			}
		}()
	}

	sigCh := make(chan os.Signal, 1)
	signal.Notify(sigCh, syscall.SIGINT, syscall.SIGTERM)
	defer signal.Stop(sigCh)
	go func() {
		<-sigCh
		cancel()
	}()

	styles := ui.NewStyles(ui.ThemeByName(a.cfg.Theme))
	return panel.Run(panel.Services{
		Engine:  a.engine,
		Checker: a.checker,
		Router:  a.router,
	}, styles)
}

// initCmd sets up the .mel directory in the workspace.
var initCmd = &cobra.Command{
	Use:   "init",
	Short: "Initialize Mel in the current workspace",
	Long: `Creates the .mel/ directory with a default config.json, an empty
learning database, and a starter ethics policy.`,
	RunE: func(cmd *cobra.Command, args []string) error {
		ws, err := resolveWorkspace()
		if err != nil {
			return err
		}

		melDir := filepath.Join(ws, ".mel")
		if err := os.MkdirAll(melDir, 0755); err != nil {
			return fmt.Errorf("failed to create %s: %w", melDir, err)
		}

		configPath := filepath.Join(melDir, "config.json")
		if _, err := os.Stat(configPath); os.IsNotExist(err) {
			if err := config.DefaultUserConfig().Save(configPath); err != nil {
				return err
			}
			fmt.Printf("wrote %s\n", configPath)
		}

		s, err := store.OpenDefault(ws)
		if err != nil {
			return err
		}
		s.Close()
		fmt.Printf("initialized database at %s\n", filepath.Join(melDir, "mel.db"))

		policyPath := filepath.Join(melDir, "ethics.yaml")
		if err := ethics.WritePolicyTemplate(policyPath); err != nil {
			return err
		}
		fmt.Printf("wrote %s\n", policyPath)

		fmt.Println("mel is ready; run `mel` to start the panel")
		return nil
	},
}

// askCmd sends a one-shot question to the configured AI provider.
var askCmd = &cobra.Command{
	Use:   "ask [question]",
	Short: "Ask the configured AI provider directly",
	Args:  cobra.MinimumNArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		a, err := openApp()
		if err != nil {
			return err
		}
		defer a.Close()

		question := strings.Join(args, " ")
		logger.Debug("ask", zap.String("provider", string(a.router.ActiveProvider())))

		ctx, cancel := context.WithTimeout(cmd.Context(), timeout)
		defer cancel()

		answer, err := a.router.CompleteWithSystem(ctx,
			"You are Mel, a terse pair-programming assistant. Answer in markdown.",
			question)
		if err != nil {
			return err
		}

		check, err := a.checker.CheckSuggestion(ctx, answer)
		if err != nil {
			return err
		}
		switch check.Result {
		case ethics.ResultRejected:
			return fmt.Errorf("answer withheld by ethics check: %s", check.Reason)
		case ethics.ResultNeedsReview:
			fmt.Printf("[review: %s]\n\n", check.Reason)
		}

		fmt.Println(answer)
		return nil
	},
}

// suggestCmd matches editor context against learned patterns.
var suggestCmd = &cobra.Command{
	Use:   "suggest [context]",
	Short: "Get the best learned suggestion for an editor context",
	Args:  cobra.MinimumNArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		a, err := openApp()
		if err != nil {
			return err
		}
		defer a.Close()

		ctx, cancel := context.WithTimeout(cmd.Context(), timeout)
		defer cancel()

		editorContext := strings.Join(args, " ")
		s, err := a.engine.GetSuggestion(ctx, editorContext)
		if errors.Is(err, learning.ErrNoSuggestion) {
			fmt.Println("no learned pattern matches; try `mel ask`")
			return nil
		}
		if err != nil {
			return err
		}

		check, err := a.checker.CheckSuggestion(ctx, s.Text)
		if err != nil {
			return err
		}
		if check.Result == ethics.ResultRejected {
			return fmt.Errorf("suggestion withheld by ethics check: %s", check.Reason)
		}
		if check.Result == ethics.ResultNeedsReview {
			fmt.Printf("[review: %s]\n", check.Reason)
		}

		fmt.Printf("%s\n  (pattern %q, confidence %.0f%%, via %s)\n",
			s.Text, s.Pattern, s.Confidence*100, s.Source)
		return nil
	},
}

// recordCmd records one interaction from the command line.
var recordCmd = &cobra.Command{
	Use:   "record [context] [action]",
	Short: "Record an interaction so Mel can learn from it",
	Long: `Records that [action] was taken in [context]. The action is what the
user actually did (the code written, the command run) and becomes the
suggestion Mel offers the next time a similar context appears.`,
	Args: cobra.ExactArgs(2),
	RunE: func(cmd *cobra.Command, args []string) error {
		a, err := openApp()
		if err != nil {
			return err
		}
		defer a.Close()

		sessionID := recordSession
		if sessionID == "" {
			sessionID = uuid.NewString()
		}

		ctx, cancel := context.WithTimeout(cmd.Context(), timeout)
		defer cancel()

		editorContext, action := args[0], args[1]

		// Screen learning data before it is persisted
		check, err := a.checker.CheckPrivacy(ctx, editorContext)
		if err != nil {
			return err
		}
		if check.Result == ethics.ResultRejected {
			return fmt.Errorf("refusing to learn from this context: %s", check.Reason)
		}

		if err := a.engine.RecordInteraction(ctx, sessionID, editorContext, action); err != nil {
			return err
		}
		fmt.Printf("recorded under session %s\n", sessionID)
		return nil
	},
}

// statusCmd reports workspace state.
var statusCmd = &cobra.Command{
	Use:   "status",
	Short: "Show Mel status for this workspace",
	RunE: func(cmd *cobra.Command, args []string) error {
		a, err := openApp()
		if err != nil {
			return err
		}
		defer a.Close()

		stats, err := a.store.GetStats(cmd.Context())
		if err != nil {
			return err
		}

		fmt.Printf("workspace:    %s\n", a.workspace)
		fmt.Printf("provider:     %s\n", a.router.ActiveProvider())
		fmt.Printf("patterns:     %d (avg confidence %.2f)\n", stats.PatternCount, stats.AvgConfidence)
		fmt.Printf("interactions: %d\n", stats.InteractionCount)
		fmt.Printf("ethics rules: %d\n", a.checker.RuleCount())
		return nil
	},
}

// decayCmd runs a decay pass immediately.
var decayCmd = &cobra.Command{
	Use:   "decay",
	Short: "Fade stale patterns now instead of waiting for the next session",
	RunE: func(cmd *cobra.Command, args []string) error {
		a, err := openApp()
		if err != nil {
			return err
		}
		defer a.Close()

		if err := a.engine.Decay(cmd.Context()); err != nil {
			return err
		}
		fmt.Println("decay pass complete")
		return nil
	},
}
