package sqlite

import (
	"context"
	"database/sql"
	"fmt"
	"time"

	"github.com/jonathan/pick-agent/internal/types"
)

const scheduleColumns = `subject_id, category, kind, enabled, interval_seconds, priority,
	last_run_at, next_run_at, last_status, run_count, success_count, failure_count,
	created_at, updated_at`

type rowScanner interface {
	Scan(dest ...any) error
}

func scanSchedule(row rowScanner) (*types.Schedule, error) {
	var sch types.Schedule
	var enabled int
	var lastRun, nextRun sql.NullInt64
	var created, updated int64
	err := row.Scan(
		&sch.SubjectID, &sch.Category, &sch.Kind, &enabled, &sch.IntervalSeconds, &sch.Priority,
		&lastRun, &nextRun, &sch.LastStatus, &sch.RunCount, &sch.SuccessCount, &sch.FailureCount,
		&created, &updated,
	)
	if err != nil {
		return nil, err
	}
	sch.Enabled = enabled != 0
	sch.LastRunAt = timePtr(lastRun)
	sch.NextRunAt = timePtr(nextRun)
	sch.CreatedAt = fromMillis(created)
	sch.UpdatedAt = fromMillis(updated)
	return &sch, nil
}

func boolInt(b bool) int {
	if b {
		return 1
	}
	return 0
}

// UpsertSchedule registers a schedule or updates its cadence, priority and
// enabled flag. Counters and run times are preserved.
func (s *Store) UpsertSchedule(ctx context.Context, in types.ScheduleInput, now time.Time) (*types.Schedule, error) {
	_, err := s.db.ExecContext(ctx,
		`INSERT INTO schedules (subject_id, category, kind, enabled, interval_seconds, priority, created_at, updated_at)
		 VALUES (?, ?, ?, ?, ?, ?, ?, ?)
		 ON CONFLICT(subject_id, category, kind) DO UPDATE SET
		     enabled = excluded.enabled,
		     interval_seconds = excluded.interval_seconds,
		     priority = excluded.priority,
		     updated_at = excluded.updated_at`,
		in.SubjectID, in.Category, in.Kind, boolInt(in.Enabled), in.IntervalSeconds, in.Priority,
		toMillis(now), toMillis(now),
	)
	if err != nil {
		return nil, fmt.Errorf("failed to upsert schedule: %w", err)
	}
	return s.GetSchedule(ctx, in.SubjectID, in.Category, in.Kind)
}

// GetSchedule returns one schedule or nil.
func (s *Store) GetSchedule(ctx context.Context, subjectID, category, kind string) (*types.Schedule, error) {
	row := s.db.QueryRowContext(ctx,
		`SELECT `+scheduleColumns+` FROM schedules WHERE subject_id = ? AND category = ? AND kind = ?`,
		subjectID, category, kind,
	)
	sch, err := scanSchedule(row)
	if err == sql.ErrNoRows {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("failed to get schedule: %w", err)
	}
	return sch, nil
}

// ListSchedules returns every schedule in dispatch order.
func (s *Store) ListSchedules(ctx context.Context) ([]types.Schedule, error) {
	rows, err := s.db.QueryContext(ctx,
		`SELECT `+scheduleColumns+` FROM schedules
		 ORDER BY priority DESC, next_run_at IS NOT NULL, next_run_at ASC, subject_id ASC`,
	)
	if err != nil {
		return nil, fmt.Errorf("failed to list schedules: %w", err)
	}
	return collectSchedules(rows)
}

// ListDueSchedules returns enabled schedules whose next run is at or before
// now, highest priority first and then earliest due (never-run first).
func (s *Store) ListDueSchedules(ctx context.Context, now time.Time, limit int) ([]types.Schedule, error) {
	rows, err := s.db.QueryContext(ctx,
		`SELECT `+scheduleColumns+` FROM schedules
		 WHERE enabled = 1 AND (next_run_at IS NULL OR next_run_at <= ?)
		 ORDER BY priority DESC, next_run_at IS NOT NULL, next_run_at ASC, subject_id ASC
		 LIMIT ?`,
		toMillis(now), limit,
	)
	if err != nil {
		return nil, fmt.Errorf("failed to list due schedules: %w", err)
	}
	return collectSchedules(rows)
}

func collectSchedules(rows *sql.Rows) ([]types.Schedule, error) {
	defer rows.Close()
	var out []types.Schedule
	for rows.Next() {
		sch, err := scanSchedule(rows)
		if err != nil {
			return nil, fmt.Errorf("failed to scan schedule: %w", err)
		}
		out = append(out, *sch)
	}
	return out, rows.Err()
}

// RecordDispatch writes run bookkeeping for one dispatch.
func (s *Store) RecordDispatch(ctx context.Context, rec types.DispatchRecord) error {
	success, failure := 0, 0
	if rec.Success {
		success = 1
	} else {
		failure = 1
	}
	_, err := s.db.ExecContext(ctx,
		`UPDATE schedules SET
		     last_run_at = ?,
		     next_run_at = ?,
		     last_status = ?,
		     run_count = run_count + 1,
		     success_count = success_count + ?,
		     failure_count = failure_count + ?,
		     updated_at = ?
		 WHERE subject_id = ? AND category = ? AND kind = ?`,
		toMillis(rec.RanAt), toMillis(rec.NextRunAt), rec.Status, success, failure, toMillis(rec.RanAt),
		rec.SubjectID, rec.Category, rec.Kind,
	)
	if err != nil {
		return fmt.Errorf("failed to record dispatch: %w", err)
	}
	return nil
}

// SetScheduleEnabled toggles a schedule. Returns false when it does not exist.
func (s *Store) SetScheduleEnabled(ctx context.Context, subjectID, category, kind string, enabled bool, now time.Time) (bool, error) {
	res, err := s.db.ExecContext(ctx,
		`UPDATE schedules SET enabled = ?, updated_at = ?
		 WHERE subject_id = ? AND category = ? AND kind = ?`,
		boolInt(enabled), toMillis(now), subjectID, category, kind,
	)
	if err != nil {
		return false, fmt.Errorf("failed to update schedule: %w", err)
	}
	return affected(res)
}
