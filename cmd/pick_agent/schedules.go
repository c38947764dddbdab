package main

import (
	"fmt"
	"io"
	"strconv"
	"time"

	"github.com/olekukonko/tablewriter"
	"github.com/spf13/cobra"

	"github.com/jonathan/pick-agent/internal/app"
	"github.com/jonathan/pick-agent/internal/types"
)

var (
	scheduleInterval time.Duration
	schedulePriority int
	scheduleDisabled bool
)

var schedulesCmd = &cobra.Command{
	Use:   "schedules",
	Short: "Manage capper schedules",
}

var schedulesListCmd = &cobra.Command{
	Use:   "list",
	Short: "List schedules in dispatch order",
	Args:  cobra.NoArgs,
	RunE:  runSchedulesList,
}

var schedulesAddCmd = &cobra.Command{
	Use:   "add <subject_id> <category> <kind>",
	Short: "Create or update a schedule",
	Long: `Create or update the schedule for a (subject, category, kind) triple.
Kind is "total" or "spread". A new schedule is due immediately.`,
	Args: cobra.ExactArgs(3),
	RunE: runSchedulesAdd,
}

var schedulesEnableCmd = &cobra.Command{
	Use:   "enable <subject_id> <category> <kind>",
	Short: "Enable a schedule",
	Args:  cobra.ExactArgs(3),
	RunE: func(cmd *cobra.Command, args []string) error {
		return setScheduleEnabled(cmd, args, true)
	},
}

var schedulesDisableCmd = &cobra.Command{
	Use:   "disable <subject_id> <category> <kind>",
	Short: "Disable a schedule",
	Args:  cobra.ExactArgs(3),
	RunE: func(cmd *cobra.Command, args []string) error {
		return setScheduleEnabled(cmd, args, false)
	},
}

func init() {
	schedulesAddCmd.Flags().DurationVar(&scheduleInterval, "interval", 30*time.Minute, "Time between runs (minimum 1m)")
	schedulesAddCmd.Flags().IntVar(&schedulePriority, "priority", 0, "Dispatch priority, higher runs first (0-100)")
	schedulesAddCmd.Flags().BoolVar(&scheduleDisabled, "disabled", false, "Create the schedule disabled")

	schedulesCmd.AddCommand(schedulesListCmd, schedulesAddCmd, schedulesEnableCmd, schedulesDisableCmd)
	rootCmd.AddCommand(schedulesCmd)
}

// openStore opens the configured store for operator commands that do not
// need the full pipeline.
func openStore(cmd *cobra.Command) (app.Store, error) {
	cfg, err := loadConfig()
	if err != nil {
		return nil, err
	}
	return app.OpenStore(cmd.Context(), cfg)
}

func runSchedulesList(cmd *cobra.Command, _ []string) error {
	store, err := openStore(cmd)
	if err != nil {
		return err
	}
	defer store.Close()

	schedules, err := store.ListSchedules(cmd.Context())
	if err != nil {
		return fmt.Errorf("failed to list schedules: %w", err)
	}
	if len(schedules) == 0 {
		fmt.Fprintln(cmd.OutOrStdout(), "no schedules")
		return nil
	}
	return renderSchedules(cmd.OutOrStdout(), schedules)
}

// renderSchedules writes schedules as a table.
func renderSchedules(w io.Writer, schedules []types.Schedule) error {
	table := tablewriter.NewWriter(w)
	table.Header("Subject", "Category", "Kind", "Enabled", "Every", "Priority", "Next Run", "Last Status", "Runs", "OK", "Failed")
	for _, s := range schedules {
		if err := table.Append(
			s.SubjectID,
			s.Category,
			s.Kind,
			strconv.FormatBool(s.Enabled),
			s.Interval().String(),
			strconv.Itoa(s.Priority),
			formatTime(s.NextRunAt),
			orDash(s.LastStatus),
			strconv.Itoa(s.RunCount),
			strconv.Itoa(s.SuccessCount),
			strconv.Itoa(s.FailureCount),
		); err != nil {
			return err
		}
	}
	return table.Render()
}

func formatTime(t *time.Time) string {
	if t == nil {
		return "-"
	}
	return t.UTC().Format(time.RFC3339)
}

func orDash(s string) string {
	if s == "" {
		return "-"
	}
	return s
}

// scheduleInput builds and validates the input for schedules add.
func scheduleInput(args []string, interval time.Duration, priority int, disabled bool) (types.ScheduleInput, error) {
	in := types.ScheduleInput{
		SubjectID:       args[0],
		Category:        args[1],
		Kind:            args[2],
		IntervalSeconds: int(interval / time.Second),
		Priority:        priority,
		Enabled:         !disabled,
	}
	if err := in.Validate(); err != nil {
		return in, fmt.Errorf("invalid schedule: %w", err)
	}
	return in, nil
}

func runSchedulesAdd(cmd *cobra.Command, args []string) error {
	in, err := scheduleInput(args, scheduleInterval, schedulePriority, scheduleDisabled)
	if err != nil {
		return err
	}

	store, err := openStore(cmd)
	if err != nil {
		return err
	}
	defer store.Close()

	sched, err := store.UpsertSchedule(cmd.Context(), in, time.Now().UTC())
	if err != nil {
		return fmt.Errorf("failed to save schedule: %w", err)
	}
	fmt.Fprintf(cmd.OutOrStdout(), "saved %s/%s/%s every %s (enabled=%t)\n",
		sched.SubjectID, sched.Category, sched.Kind, sched.Interval(), sched.Enabled)
	return nil
}

func setScheduleEnabled(cmd *cobra.Command, args []string, enabled bool) error {
	store, err := openStore(cmd)
	if err != nil {
		return err
	}
	defer store.Close()

	found, err := store.SetScheduleEnabled(cmd.Context(), args[0], args[1], args[2], enabled, time.Now().UTC())
	if err != nil {
		return fmt.Errorf("failed to update schedule: %w", err)
	}
	if !found {
		return fmt.Errorf("schedule %s/%s/%s not found", args[0], args[1], args[2])
	}
	fmt.Fprintf(cmd.OutOrStdout(), "%s/%s/%s enabled=%t\n", args[0], args[1], args[2], enabled)
	return nil
}
