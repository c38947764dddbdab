package main

import (
	"context"
	"encoding/json"
	"fmt"

	"github.com/google/uuid"
	"github.com/spf13/cobra"

	"github.com/jonathan/pick-agent/internal/app"
	"github.com/jonathan/pick-agent/internal/observability"
	"github.com/jonathan/pick-agent/internal/types"
)

var runVerbose bool

var runCmd = &cobra.Command{
	Use:   "run <subject_id> <category> <kind>",
	Short: "Run the full pipeline once for a capper",
	Long: `Run select through finalize for one capper under its subject lock, the same
way a scheduler dispatch does. Prints the pipeline result as JSON, or the run
detail with --verbose.`,
	Args: cobra.ExactArgs(3),
	RunE: runPipeline,
}

var inspectCmd = &cobra.Command{
	Use:   "inspect <run_id>",
	Short: "Show a run with its steps, factors and outcome",
	Args:  cobra.ExactArgs(1),
	RunE:  runInspect,
}

func init() {
	runCmd.Flags().BoolVarP(&runVerbose, "verbose", "v", false, "Print the run detail instead of JSON")
	rootCmd.AddCommand(runCmd, inspectCmd)
}

func runPipeline(cmd *cobra.Command, args []string) error {
	req := types.SelectRequest{SubjectID: args[0], Category: args[1], Kind: args[2]}
	if err := req.Validate(); err != nil {
		return fmt.Errorf("invalid request: %w", err)
	}

	a, err := buildApp(cmd.Context())
	if err != nil {
		return err
	}
	defer a.Close()

	if err := a.RequireWrites(); err != nil {
		return err
	}

	ctx := cmd.Context()
	res, runErr := a.Pipeline.RunLocked(ctx, req)
	if res == nil {
		return runErr
	}

	if runVerbose && res.RunID != nil {
		if err := printRun(ctx, cmd, a.Store, *res.RunID); err != nil {
			return err
		}
	} else {
		enc := json.NewEncoder(cmd.OutOrStdout())
		enc.SetIndent("", "  ")
		if err := enc.Encode(res); err != nil {
			return err
		}
	}
	return runErr
}

func runInspect(cmd *cobra.Command, args []string) error {
	runID, err := uuid.Parse(args[0])
	if err != nil {
		return fmt.Errorf("run_id must be a UUID: %w", err)
	}

	store, err := openStore(cmd)
	if err != nil {
		return err
	}
	defer store.Close()

	return printRun(cmd.Context(), cmd, store, runID)
}

// printRun loads a run with everything appended to it and prints it.
func printRun(ctx context.Context, cmd *cobra.Command, store app.Store, runID uuid.UUID) error {
	run, err := store.GetRun(ctx, runID)
	if err != nil {
		return fmt.Errorf("failed to load run: %w", err)
	}
	if run == nil {
		return fmt.Errorf("run %s not found", runID)
	}

	detail := &types.RunDetail{Run: run}
	if detail.Steps, err = store.ListRunSteps(ctx, runID); err != nil {
		return fmt.Errorf("failed to list run steps: %w", err)
	}
	if detail.Factors, err = store.ListFactors(ctx, runID); err != nil {
		return fmt.Errorf("failed to list factors: %w", err)
	}
	if detail.Outcome, err = store.GetOutcomeByRun(ctx, runID); err != nil {
		return fmt.Errorf("failed to load outcome: %w", err)
	}

	observability.NewPrinter(cmd.OutOrStdout()).PrintRunDetail(detail)
	return nil
}
