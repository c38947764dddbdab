// Package main provides the pick-agent command line: the HTTP API server, the
// in-process scheduler worker and operator commands.
package main

import (
	"context"
	"fmt"
	"os"

	"github.com/joho/godotenv"
	"github.com/spf13/cobra"

	"github.com/jonathan/pick-agent/internal/app"
	"github.com/jonathan/pick-agent/internal/config"
	"github.com/jonathan/pick-agent/internal/logger"
)

var rootCmd = &cobra.Command{
	Use:   "pick_agent",
	Short: "Scheduled pick pipeline",
	Long: `pick_agent evaluates upcoming games for registered cappers on a schedule.
Each run selects an opportunity, snapshots the market, scores factors, predicts,
decides and finalizes exactly once, coordinated through a durable lock table.`,
	SilenceUsage: true,
}

func main() {
	// Load .env file if it exists
	_ = godotenv.Load()

	if err := rootCmd.Execute(); err != nil {
		fmt.Fprintf(os.Stderr, "Error: %v\n", err)
		os.Exit(1)
	}
}

// loadConfig reads the environment and initializes logging.
func loadConfig() (*config.Config, error) {
	cfg, err := config.Load()
	if err != nil {
		return nil, err
	}
	if err := logger.Initialize(cfg.LogJSON, cfg.Debug); err != nil {
		return nil, fmt.Errorf("failed to initialize logger: %w", err)
	}
	return cfg, nil
}

// buildApp loads configuration and wires every component.
func buildApp(ctx context.Context) (*app.App, error) {
	cfg, err := loadConfig()
	if err != nil {
		return nil, err
	}
	return app.Build(ctx, cfg)
}
