package main

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"os"
	"os/signal"
	"strings"
	"syscall"

	"github.com/spf13/cobra"

	"github.com/FranksOps/bazaar/internal/config"
	"github.com/FranksOps/bazaar/internal/engine"
)

var (
	flagConfig string
	flagSource string
	flagJSON   bool
)

func main() {
	root := &cobra.Command{
		Use:           "bazaar",
		Short:         "Resilient marketplace crawl engine",
		SilenceUsage:  true,
		SilenceErrors: true,
	}
	root.PersistentFlags().StringVarP(&flagConfig, "config", "c", "", "config file (default ./bazaar.yaml)")
	root.PersistentFlags().StringVarP(&flagSource, "source", "s", "", "source override (uzum, uzex, olx)")

	scanCmd := &cobra.Command{
		Use:   "scan",
		Short: "Scan the configured id range once",
		RunE: func(cmd *cobra.Command, args []string) error {
			return withEngine(cmd.Context(), func(ctx context.Context, e *engine.Engine) error {
				stats, err := e.DownloadRange(ctx)
				if err != nil {
					return err
				}
				slog.Info("scan finished",
					"processed", stats.Processed,
					"found", stats.Found,
					"errors", stats.Errors,
					"elapsed", stats.Elapsed)
				return nil
			})
		},
	}

	walkCmd := &cobra.Command{
		Use:   "walk",
		Short: "Walk the category graph once",
		RunE: func(cmd *cobra.Command, args []string) error {
			return withEngine(cmd.Context(), func(ctx context.Context, e *engine.Engine) error {
				stats, err := e.WalkCategories(ctx)
				if err != nil {
					return err
				}
				slog.Info("walk finished",
					"pages", stats.Processed,
					"discovered", stats.Found,
					"errors", stats.Errors,
					"elapsed", stats.Elapsed)
				return nil
			})
		},
	}

	runCmd := &cobra.Command{
		Use:   "run",
		Short: "Run supervised scan cycles until interrupted",
		RunE: func(cmd *cobra.Command, args []string) error {
			return withEngine(cmd.Context(), func(ctx context.Context, e *engine.Engine) error {
				err := e.RunContinuously(ctx)
				if errors.Is(err, context.Canceled) {
					return nil
				}
				return err
			})
		},
	}

	statusCmd := &cobra.Command{
		Use:   "status",
		Short: "Show persisted crawl progress",
		RunE: func(cmd *cobra.Command, args []string) error {
			return withEngine(cmd.Context(), func(ctx context.Context, e *engine.Engine) error {
				return e.Status(ctx, os.Stdout, flagJSON)
			})
		},
	}
	statusCmd.Flags().BoolVar(&flagJSON, "json", false, "emit JSON instead of text")

	clearCmd := &cobra.Command{
		Use:   "clear <scan|walk>",
		Short: "Erase a job's checkpoint and seen-set",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			return withEngine(cmd.Context(), func(ctx context.Context, e *engine.Engine) error {
				job := strings.ToLower(args[0])
				if err := e.ClearCheckpoint(ctx, job); err != nil {
					return err
				}
				slog.Info("checkpoint cleared", "job", job)
				return nil
			})
		},
	}

	root.AddCommand(scanCmd, walkCmd, runCmd, statusCmd, clearCmd)

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	if err := root.ExecuteContext(ctx); err != nil {
		slog.Error("command failed", "err", err)
		os.Exit(1)
	}
}

// withEngine loads the configuration, sets up logging, builds the engine and
// guarantees teardown around fn.
func withEngine(ctx context.Context, fn func(context.Context, *engine.Engine) error) error {
	cfg, err := config.Load(flagConfig)
	if err != nil {
		return err
	}
	if flagSource != "" {
		cfg.Source = flagSource
	}

	logger := newLogger(cfg.LogLevel)
	slog.SetDefault(logger)

	e, err := engine.New(ctx, cfg, logger)
	if err != nil {
		return fmt.Errorf("build engine: %w", err)
	}

	runErr := fn(ctx, e)

	// Teardown flushes the sink; use a fresh context so an interrupt does
	// not drop buffered records.
	if err := e.Close(context.Background()); err != nil {
		logger.Warn("shutdown incomplete", "err", err)
	}
	return runErr
}

func newLogger(level string) *slog.Logger {
	var lvl slog.Level
	switch strings.ToLower(level) {
	case "debug":
		lvl = slog.LevelDebug
	case "warn":
		lvl = slog.LevelWarn
	case "error":
		lvl = slog.LevelError
	default:
		lvl = slog.LevelInfo
	}
	return slog.New(slog.NewTextHandler(os.Stderr, &slog.HandlerOptions{Level: lvl}))
}
