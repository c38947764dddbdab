package main

import (
	"fmt"
	"strings"

	"github.com/google/uuid"
	"github.com/spf13/cobra"

	"github.com/jonathan/pick-agent/internal/types"
)

var gradeProfit float64

var gradeCmd = &cobra.Command{
	Use:   "grade <run_id> <WIN|LOSS|PUSH>",
	Short: "Record the settled result of a pick",
	Long: `Record the result of a finalized pick. Graded outcomes feed the capper's
recent performance, which the factors step reads on later runs.`,
	Args: cobra.ExactArgs(2),
	RunE: runGrade,
}

func init() {
	gradeCmd.Flags().Float64Var(&gradeProfit, "profit", 0, "Profit in units (negative for a loss)")
	rootCmd.AddCommand(gradeCmd)
}

// parseGrade validates the run id and result arguments.
func parseGrade(args []string) (uuid.UUID, string, error) {
	runID, err := uuid.Parse(args[0])
	if err != nil {
		return uuid.Nil, "", fmt.Errorf("run_id must be a UUID: %w", err)
	}
	result := strings.ToUpper(strings.TrimSpace(args[1]))
	switch result {
	case types.ResultWin, types.ResultLoss, types.ResultPush:
		return runID, result, nil
	default:
		return uuid.Nil, "", fmt.Errorf("result must be WIN, LOSS or PUSH, got %q", args[1])
	}
}

func runGrade(cmd *cobra.Command, args []string) error {
	runID, result, err := parseGrade(args)
	if err != nil {
		return err
	}

	store, err := openStore(cmd)
	if err != nil {
		return err
	}
	defer store.Close()

	ctx := cmd.Context()
	outcome, err := store.GetOutcomeByRun(ctx, runID)
	if err != nil {
		return fmt.Errorf("failed to load outcome: %w", err)
	}
	if outcome == nil {
		return fmt.Errorf("run %s has no outcome to grade", runID)
	}
	if err := store.GradeOutcome(ctx, runID, result, gradeProfit); err != nil {
		return err
	}
	fmt.Fprintf(cmd.OutOrStdout(), "graded %s: %s (%+.2f units)\n", runID, result, gradeProfit)
	return nil
}
