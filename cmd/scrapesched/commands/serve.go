package commands

import (
	"context"
	"fmt"
	"log/slog"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/spf13/cobra"

	"github.com/jholhewres/scrapesched/internal/api"
	"github.com/jholhewres/scrapesched/internal/config"
	"github.com/jholhewres/scrapesched/internal/runner"
	"github.com/jholhewres/scrapesched/internal/scheduler"
	"github.com/jholhewres/scrapesched/internal/store"
)

// newServeCmd creates the `scrapesched serve` command that starts the
// scheduler daemon and its HTTP management API.
func newServeCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "serve",
		Short: "Start the scheduler daemon and HTTP API",
		RunE:  runServe,
	}
}

// logLevelFromConfig maps the four documented LogConfig.Level values to
// their slog.Level; anything unrecognized falls back to Info.
func logLevelFromConfig(level string) slog.Level {
	switch level {
	case "debug":
		return slog.LevelDebug
	case "warn":
		return slog.LevelWarn
	case "error":
		return slog.LevelError
	default:
		return slog.LevelInfo
	}
}

func runServe(cmd *cobra.Command, _ []string) error {
	configPath, _ := cmd.Root().PersistentFlags().GetString("config")
	cfg, err := config.Load(configPath)
	if err != nil {
		return fmt.Errorf("loading config: %w", err)
	}

	verbose, _ := cmd.Root().PersistentFlags().GetBool("verbose")
	logLevel := logLevelFromConfig(cfg.Log.Level)
	if verbose {
		logLevel = slog.LevelDebug
	}
	var handler slog.Handler
	if cfg.Log.Format == "text" {
		handler = slog.NewTextHandler(os.Stdout, &slog.HandlerOptions{Level: logLevel})
	} else {
		handler = slog.NewJSONHandler(os.Stdout, &slog.HandlerOptions{Level: logLevel})
	}
	logger := slog.New(handler)

	// Opening the store applies migrations idempotently.
	st, err := store.Open(cfg.Database.Path)
	if err != nil {
		return fmt.Errorf("opening store: %w", err)
	}
	defer st.Close()

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	// Recovery sweep runs before any job is registered.
	if err := scheduler.RecoverOrphanRuns(ctx, st, logger); err != nil {
		logger.Error("orphan recovery failed", "error", err)
	}

	client := runner.NewHTTPClient(runner.ClientConfig{})
	run := runner.New(client)
	sched := scheduler.New(st, run, logger, cfg.Scheduler.ShutdownTimeout, cfg.Scheduler.CleanupCron)

	if err := sched.Start(ctx); err != nil {
		return fmt.Errorf("starting scheduler: %w", err)
	}

	server := api.New(cfg.Server.Address, st, sched, logger)
	server.Start()

	logger.Info("scrapesched running. Press Ctrl+C to stop.",
		"address", cfg.Server.Address,
		"database", cfg.Database.Path,
	)

	sigChan := make(chan os.Signal, 1)
	signal.Notify(sigChan, syscall.SIGINT, syscall.SIGTERM)
	<-sigChan

	logger.Info("shutdown signal received, stopping...")

	shutdownCtx, shutdownCancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer shutdownCancel()
	if err := server.Stop(shutdownCtx); err != nil {
		logger.Warn("api server shutdown error", "error", err)
	}
	sched.Stop()
	cancel()

	logger.Info("shutdown complete")
	return nil
}
