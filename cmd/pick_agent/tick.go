package main

import (
	"encoding/json"
	"fmt"

	"github.com/spf13/cobra"

	"github.com/jonathan/pick-agent/internal/observability"
)

var tickVerbose bool

var tickCmd = &cobra.Command{
	Use:   "tick",
	Short: "Run one scheduler cycle and print its summary",
	RunE:  runTick,
}

func init() {
	tickCmd.Flags().BoolVarP(&tickVerbose, "verbose", "v", false, "Print a readable summary instead of JSON")
	rootCmd.AddCommand(tickCmd)
}

func runTick(cmd *cobra.Command, _ []string) error {
	a, err := buildApp(cmd.Context())
	if err != nil {
		return err
	}
	defer a.Close()

	if err := a.RequireWrites(); err != nil {
		return err
	}

	summary, err := a.Scheduler.Tick(cmd.Context())
	if err != nil {
		return fmt.Errorf("scheduler cycle failed: %w", err)
	}

	if tickVerbose {
		observability.NewPrinter(cmd.OutOrStdout()).PrintSummary(summary)
		return nil
	}

	enc := json.NewEncoder(cmd.OutOrStdout())
	enc.SetIndent("", "  ")
	return enc.Encode(summary)
}
