package main

import (
	"context"
	"errors"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/spf13/cobra"

	"github.com/jonathan/pick-agent/internal/logger"
)

var workerInterval time.Duration

var workerCmd = &cobra.Command{
	Use:   "worker",
	Short: "Run the scheduler in-process on a fixed interval",
	Long: `Run a scheduler cycle every poll interval until interrupted. Several workers
may run at once; the global scheduler lock lets only one cycle dispatch at a time.`,
	RunE: runWorker,
}

func init() {
	workerCmd.Flags().DurationVar(&workerInterval, "interval", 0, "Poll interval (defaults to SCHEDULER_POLL_INTERVAL)")
	rootCmd.AddCommand(workerCmd)
}

func runWorker(cmd *cobra.Command, _ []string) error {
	ctx, stop := signal.NotifyContext(cmd.Context(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	a, err := buildApp(ctx)
	if err != nil {
		return err
	}
	defer a.Close()
	defer logger.Sync()

	interval := workerInterval
	if interval <= 0 {
		interval = a.Config.Scheduler.PollInterval
	}
	logger.Logger.Infow("worker started", "interval", interval, "concurrency", a.Config.Scheduler.MaxConcurrency)

	if err := a.Scheduler.Run(ctx, interval); err != nil && !errors.Is(err, context.Canceled) {
		return err
	}
	logger.Logger.Infow("worker stopped")
	return nil
}
