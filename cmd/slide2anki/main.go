// slide2anki turns rendered slide decks into deduplicated study notes
// and Anki card decks through a checkpointed processing pipeline.
package main

import (
	"context"
	"fmt"
	"os"
	"os/signal"
	"syscall"

	"github.com/spf13/cobra"

	"github.com/dschulmeist/slide2anki/internal/capability"
	"github.com/dschulmeist/slide2anki/internal/checkpoint"
	"github.com/dschulmeist/slide2anki/internal/config"
	"github.com/dschulmeist/slide2anki/internal/events"
	"github.com/dschulmeist/slide2anki/internal/logging"
	"github.com/dschulmeist/slide2anki/internal/pipeline"
)

var (
	configPath string
	workspace  string
	verbose    bool
	fastMode   bool
)

var rootCmd = &cobra.Command{
	Use:   "slide2anki",
	Short: "Turn slide decks into study notes and Anki cards",
	Long: `slide2anki processes rendered lecture documents through a
checkpointed pipeline: chunked content extraction, figure
transcription, deduplicated note assembly, and card generation.

Every completed step is checkpointed, so interrupted or failed runs
resume without redoing finished work.`,
	SilenceUsage:  true,
	SilenceErrors: true,
}

func init() {
	rootCmd.PersistentFlags().StringVarP(&configPath, "config", "c", "slide2anki.yaml", "config file path")
	rootCmd.PersistentFlags().StringVarP(&workspace, "workspace", "w", "", "workspace directory (overrides config)")
	rootCmd.PersistentFlags().BoolVarP(&verbose, "verbose", "v", false, "debug logging")
	rootCmd.PersistentFlags().BoolVar(&fastMode, "fast", false, "skip figure classification and transcription")

	rootCmd.AddCommand(runCmd, resumeCmd, statusCmd, runsCmd, cancelCmd, unitsCmd, planCmd, watchCmd)
}

// app holds the wired collaborators behind every command.
type app struct {
	cfg     *config.Config
	store   checkpoint.Store
	service *pipeline.Service
	emitter *events.ChannelEmitter
}

func (a *app) Close() {
	_ = a.store.Close()
}

// loadConfig applies flags over the file-and-env configuration.
func loadConfig() (*config.Config, error) {
	cfg, err := config.Load(configPath)
	if err != nil {
		return nil, err
	}
	if workspace != "" {
		cfg.Workspace = workspace
	}
	if fastMode {
		cfg.Pipeline.FastMode = true
	}
	if verbose {
		cfg.Logging.Level = "debug"
	}
	return cfg, nil
}

// newApp wires the store, invoker, orchestrator and service. Commands
// that never invoke capabilities pass needInvoker false so they work
// without an API key.
func newApp(ctx context.Context, needInvoker bool) (*app, error) {
	cfg, err := loadConfig()
	if err != nil {
		return nil, err
	}
	if err := logging.Initialize(logging.Options{
		Workspace: cfg.Workspace,
		Level:     cfg.Logging.Level,
		Console:   cfg.Logging.Console,
		Disabled:  cfg.Logging.Disabled,
	}); err != nil {
		return nil, err
	}

	var store checkpoint.Store
	switch cfg.Store.Driver {
	case "memory":
		store = checkpoint.NewMemoryStore()
	default:
		store, err = checkpoint.NewSQLiteStore(cfg.Store.DatabasePath)
		if err != nil {
			return nil, err
		}
	}

	var invoker capability.Invoker
	if needInvoker {
		switch cfg.Capability.Provider {
		case "gemini":
			gem, err := capability.NewGeminiInvoker(ctx, capability.GeminiConfig{
				APIKey:  cfg.Capability.APIKey,
				Model:   cfg.Capability.Model,
				Timeout: cfg.Capability.Timeout,
			})
			if err != nil {
				_ = store.Close()
				return nil, err
			}
			retry := capability.DefaultRetryConfig()
			retry.MaxAttempts = cfg.Pipeline.MaxRetries
			invoker = capability.WithRetry(gem, retry)
		default:
			_ = store.Close()
			return nil, fmt.Errorf("unknown capability provider %q", cfg.Capability.Provider)
		}
	}

	emitter := events.NewChannelEmitter(256)
	exec := pipeline.NewExecutor(invoker, cfg.Pipeline.MaxRepairs)
	graph := pipeline.BuildGraph(cfg.Pipeline, cfg.Workspace)
	orch, err := pipeline.NewOrchestrator(graph, store, exec, cfg.Pipeline, emitter)
	if err != nil {
		_ = store.Close()
		return nil, err
	}
	return &app{
		cfg:     cfg,
		store:   store,
		service: pipeline.NewService(orch, store),
		emitter: emitter,
	}, nil
}

// signalContext cancels on Ctrl-C so runs stop at their next
// cancellation point instead of dying mid-write.
func signalContext() (context.Context, context.CancelFunc) {
	return signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
}

func main() {
	if err := rootCmd.Execute(); err != nil {
		fmt.Fprintln(os.Stderr, "error:", err)
		os.Exit(1)
	}
}
