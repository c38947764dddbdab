package db

import (
	"context"
	"fmt"
	"time"

	"github.com/jackc/pgx/v5"

	"github.com/jonathan/pick-agent/internal/types"
)

// -----------------------------------------------------------------------------
// Schedule Methods
// -----------------------------------------------------------------------------

const scheduleColumns = `subject_id, category, kind, enabled, interval_seconds, priority,
	last_run_at, next_run_at, last_status, run_count, success_count, failure_count,
	created_at, updated_at`

func scanSchedule(row pgx.Row) (*types.Schedule, error) {
	var s types.Schedule
	err := row.Scan(&s.SubjectID, &s.Category, &s.Kind, &s.Enabled, &s.IntervalSeconds, &s.Priority,
		&s.LastRunAt, &s.NextRunAt, &s.LastStatus, &s.RunCount, &s.SuccessCount, &s.FailureCount,
		&s.CreatedAt, &s.UpdatedAt)
	if err != nil {
		return nil, err
	}
	return &s, nil
}

// UpsertSchedule registers or updates a schedule, keeping its counters
func (db *DB) UpsertSchedule(ctx context.Context, in types.ScheduleInput, now time.Time) (*types.Schedule, error) {
	row := db.pool.QueryRow(ctx,
		`INSERT INTO schedules (subject_id, category, kind, enabled, interval_seconds, priority, created_at, updated_at)
		 VALUES ($1, $2, $3, $4, $5, $6, $7, $7)
		 ON CONFLICT (subject_id, category, kind) DO UPDATE SET
		     enabled = EXCLUDED.enabled,
		     interval_seconds = EXCLUDED.interval_seconds,
		     priority = EXCLUDED.priority,
		     updated_at = EXCLUDED.updated_at
		 RETURNING `+scheduleColumns,
		in.SubjectID, in.Category, in.Kind, in.Enabled, in.IntervalSeconds, in.Priority, now,
	)
	s, err := scanSchedule(row)
	if err != nil {
		return nil, fmt.Errorf("failed to upsert schedule: %w", err)
	}
	return s, nil
}

// GetSchedule retrieves one schedule, nil if absent
func (db *DB) GetSchedule(ctx context.Context, subjectID, category, kind string) (*types.Schedule, error) {
	row := db.pool.QueryRow(ctx,
		`SELECT `+scheduleColumns+` FROM schedules WHERE subject_id = $1 AND category = $2 AND kind = $3`,
		subjectID, category, kind,
	)
	s, err := scanSchedule(row)
	if err != nil {
		if noRows(err) {
			return nil, nil
		}
		return nil, fmt.Errorf("failed to get schedule: %w", err)
	}
	return s, nil
}

// ListSchedules lists every schedule in dispatch order
func (db *DB) ListSchedules(ctx context.Context) ([]types.Schedule, error) {
	rows, err := db.pool.Query(ctx,
		`SELECT `+scheduleColumns+` FROM schedules
		 ORDER BY priority DESC, next_run_at ASC NULLS FIRST, subject_id`,
	)
	if err != nil {
		return nil, fmt.Errorf("failed to list schedules: %w", err)
	}
	return collectSchedules(rows)
}

// ListDueSchedules lists enabled schedules due at now, highest priority first
func (db *DB) ListDueSchedules(ctx context.Context, now time.Time, limit int) ([]types.Schedule, error) {
	rows, err := db.pool.Query(ctx,
		`SELECT `+scheduleColumns+` FROM schedules
		 WHERE enabled AND (next_run_at IS NULL OR next_run_at <= $1)
		 ORDER BY priority DESC, next_run_at ASC NULLS FIRST, subject_id
		 LIMIT $2`,
		now, limit,
	)
	if err != nil {
		return nil, fmt.Errorf("failed to list due schedules: %w", err)
	}
	return collectSchedules(rows)
}

func collectSchedules(rows pgx.Rows) ([]types.Schedule, error) {
	defer rows.Close()
	var out []types.Schedule
	for rows.Next() {
		s, err := scanSchedule(rows)
		if err != nil {
			return nil, fmt.Errorf("failed to scan schedule: %w", err)
		}
		out = append(out, *s)
	}
	return out, rows.Err()
}

// RecordDispatch updates counters and run times after a dispatch
func (db *DB) RecordDispatch(ctx context.Context, rec types.DispatchRecord) error {
	success, failure := 0, 1
	if rec.Success {
		success, failure = 1, 0
	}
	_, err := db.pool.Exec(ctx,
		`UPDATE schedules SET
		     last_run_at = $1,
		     next_run_at = $2,
		     last_status = $3,
		     run_count = run_count + 1,
		     success_count = success_count + $4,
		     failure_count = failure_count + $5,
		     updated_at = $1
		 WHERE subject_id = $6 AND category = $7 AND kind = $8`,
		rec.RanAt, rec.NextRunAt, rec.Status, success, failure, rec.SubjectID, rec.Category, rec.Kind,
	)
	if err != nil {
		return fmt.Errorf("failed to record dispatch: %w", err)
	}
	return nil
}

// SetScheduleEnabled toggles a schedule, false if it does not exist
func (db *DB) SetScheduleEnabled(ctx context.Context, subjectID, category, kind string, enabled bool, now time.Time) (bool, error) {
	tag, err := db.pool.Exec(ctx,
		`UPDATE schedules SET enabled = $1, updated_at = $2
		 WHERE subject_id = $3 AND category = $4 AND kind = $5`,
		enabled, now, subjectID, category, kind,
	)
	if err != nil {
		return false, fmt.Errorf("failed to update schedule: %w", err)
	}
	return tag.RowsAffected() == 1, nil
}
