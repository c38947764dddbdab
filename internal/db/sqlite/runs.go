package sqlite

import (
	"context"
	"database/sql"
	"encoding/json"
	"fmt"
	"time"

	"github.com/google/uuid"

	"github.com/jonathan/pick-agent/internal/types"
)

const runColumns = `id, subject_id, category, kind, game_id, game_start, state,
	decision, selection, confidence, tier, error_message, created_at, completed_at`

func scanRun(row rowScanner) (*types.Run, error) {
	var r types.Run
	var id, state string
	var gameStart, created int64
	var decision, selection, tier, errMsg sql.NullString
	var confidence sql.NullFloat64
	var completed sql.NullInt64
	err := row.Scan(
		&id, &r.SubjectID, &r.Category, &r.Kind, &r.GameID, &gameStart, &state,
		&decision, &selection, &confidence, &tier, &errMsg, &created, &completed,
	)
	if err != nil {
		return nil, err
	}
	parsed, err := uuid.Parse(id)
	if err != nil {
		return nil, fmt.Errorf("invalid run id %q: %w", id, err)
	}
	r.ID = parsed
	r.GameStart = fromMillis(gameStart)
	r.State = types.RunState(state)
	r.Decision = stringPtr(decision)
	r.Selection = stringPtr(selection)
	r.Confidence = floatPtr(confidence)
	r.Tier = stringPtr(tier)
	r.ErrorMessage = stringPtr(errMsg)
	r.CreatedAt = fromMillis(created)
	r.CompletedAt = timePtr(completed)
	return &r, nil
}

// CreateRun inserts a new run.
func (s *Store) CreateRun(ctx context.Context, run *types.Run) error {
	_, err := s.db.ExecContext(ctx,
		`INSERT INTO runs (id, subject_id, category, kind, game_id, game_start, state, created_at)
		 VALUES (?, ?, ?, ?, ?, ?, ?, ?)`,
		run.ID.String(), run.SubjectID, run.Category, run.Kind, run.GameID,
		toMillis(run.GameStart), string(run.State), toMillis(run.CreatedAt),
	)
	if err != nil {
		return fmt.Errorf("failed to create run: %w", err)
	}
	return nil
}

// GetRun returns a run by id or nil.
func (s *Store) GetRun(ctx context.Context, id uuid.UUID) (*types.Run, error) {
	row := s.db.QueryRowContext(ctx, `SELECT `+runColumns+` FROM runs WHERE id = ?`, id.String())
	run, err := scanRun(row)
	if err == sql.ErrNoRows {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("failed to get run: %w", err)
	}
	return run, nil
}

// FindOpenRun returns the newest PENDING run for the opportunity created at
// or after since, or nil.
func (s *Store) FindOpenRun(ctx context.Context, opp types.Opportunity, since time.Time) (*types.Run, error) {
	row := s.db.QueryRowContext(ctx,
		`SELECT `+runColumns+` FROM runs
		 WHERE subject_id = ? AND category = ? AND kind = ? AND game_id = ?
		   AND state = ? AND created_at >= ?
		 ORDER BY created_at DESC LIMIT 1`,
		opp.SubjectID, opp.Category, opp.Kind, opp.GameID, string(types.RunPending), toMillis(since),
	)
	run, err := scanRun(row)
	if err == sql.ErrNoRows {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("failed to find open run: %w", err)
	}
	return run, nil
}

// CompleteRun moves a PENDING run to a terminal state. Returns false when the
// run was already terminal.
func (s *Store) CompleteRun(ctx context.Context, id uuid.UUID, c types.RunCompletion) (bool, error) {
	res, err := s.db.ExecContext(ctx,
		`UPDATE runs SET state = ?, decision = ?, selection = ?, confidence = ?, tier = ?,
		     error_message = ?, completed_at = ?
		 WHERE id = ? AND state = ?`,
		string(c.State), nullString(c.Decision), nullString(c.Selection), nullFloat(c.Confidence),
		nullString(c.Tier), nullString(c.ErrorMessage), toMillis(c.CompletedAt),
		id.String(), string(types.RunPending),
	)
	if err != nil {
		return false, fmt.Errorf("failed to complete run: %w", err)
	}
	return affected(res)
}

// SaveRunStep stores a step result once. When the step already exists the
// stored bytes are returned with created=false.
func (s *Store) SaveRunStep(ctx context.Context, runID uuid.UUID, step string, result []byte, now time.Time) ([]byte, bool, error) {
	res, err := s.db.ExecContext(ctx,
		`INSERT INTO run_steps (run_id, step, result, created_at)
		 VALUES (?, ?, ?, ?)
		 ON CONFLICT(run_id, step) DO NOTHING`,
		runID.String(), step, string(result), toMillis(now),
	)
	if err != nil {
		return nil, false, fmt.Errorf("failed to save run step %s: %w", step, err)
	}
	created, err := affected(res)
	if err != nil {
		return nil, false, err
	}
	if created {
		return result, true, nil
	}
	existing, err := s.GetRunStep(ctx, runID, step)
	if err != nil {
		return nil, false, err
	}
	if existing == nil {
		return nil, false, fmt.Errorf("run step %s vanished after conflict", step)
	}
	return existing.Result, false, nil
}

// GetRunStep returns one stored step or nil.
func (s *Store) GetRunStep(ctx context.Context, runID uuid.UUID, step string) (*types.RunStep, error) {
	var result string
	var created int64
	err := s.db.QueryRowContext(ctx,
		`SELECT result, created_at FROM run_steps WHERE run_id = ? AND step = ?`,
		runID.String(), step,
	).Scan(&result, &created)
	if err == sql.ErrNoRows {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("failed to get run step %s: %w", step, err)
	}
	return &types.RunStep{
		RunID:     runID,
		Step:      step,
		Result:    json.RawMessage(result),
		CreatedAt: fromMillis(created),
	}, nil
}

// ListRunSteps returns the run's steps in the order they were stored.
func (s *Store) ListRunSteps(ctx context.Context, runID uuid.UUID) ([]types.RunStep, error) {
	rows, err := s.db.QueryContext(ctx,
		`SELECT step, result, created_at FROM run_steps WHERE run_id = ? ORDER BY created_at ASC, rowid ASC`,
		runID.String(),
	)
	if err != nil {
		return nil, fmt.Errorf("failed to list run steps: %w", err)
	}
	defer rows.Close()

	var steps []types.RunStep
	for rows.Next() {
		var st types.RunStep
		var result string
		var created int64
		if err := rows.Scan(&st.Step, &result, &created); err != nil {
			return nil, fmt.Errorf("failed to scan run step: %w", err)
		}
		st.RunID = runID
		st.Result = json.RawMessage(result)
		st.CreatedAt = fromMillis(created)
		steps = append(steps, st)
	}
	return steps, rows.Err()
}

// SaveFactors writes the factor rows for a run. Existing rows are kept.
func (s *Store) SaveFactors(ctx context.Context, factors []types.Factor) error {
	if len(factors) == 0 {
		return nil
	}
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("failed to begin transaction: %w", err)
	}
	defer func() { _ = tx.Rollback() }()

	for _, f := range factors {
		raw := f.RawInputs
		if len(raw) == 0 {
			raw = json.RawMessage("{}")
		}
		_, err := tx.ExecContext(ctx,
			`INSERT INTO factors (run_id, factor_no, name, raw_inputs, normalized_value, weight, points, caps_applied)
			 VALUES (?, ?, ?, ?, ?, ?, ?, ?)
			 ON CONFLICT(run_id, factor_no) DO NOTHING`,
			f.RunID.String(), f.FactorNo, f.Name, string(raw), f.NormalizedValue, f.Weight, f.Points, boolInt(f.CapsApplied),
		)
		if err != nil {
			return fmt.Errorf("failed to save factor %s: %w", f.Name, err)
		}
	}
	if err := tx.Commit(); err != nil {
		return fmt.Errorf("failed to commit factors: %w", err)
	}
	return nil
}

// ListFactors returns a run's factors by factor number.
func (s *Store) ListFactors(ctx context.Context, runID uuid.UUID) ([]types.Factor, error) {
	rows, err := s.db.QueryContext(ctx,
		`SELECT factor_no, name, raw_inputs, normalized_value, weight, points, caps_applied
		 FROM factors WHERE run_id = ? ORDER BY factor_no ASC`,
		runID.String(),
	)
	if err != nil {
		return nil, fmt.Errorf("failed to list factors: %w", err)
	}
	defer rows.Close()

	var factors []types.Factor
	for rows.Next() {
		var f types.Factor
		var raw string
		var caps int
		if err := rows.Scan(&f.FactorNo, &f.Name, &raw, &f.NormalizedValue, &f.Weight, &f.Points, &caps); err != nil {
			return nil, fmt.Errorf("failed to scan factor: %w", err)
		}
		f.RunID = runID
		f.RawInputs = json.RawMessage(raw)
		f.CapsApplied = caps != 0
		factors = append(factors, f)
	}
	return factors, rows.Err()
}
