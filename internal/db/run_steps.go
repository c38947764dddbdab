package db

import (
	"context"
	"encoding/json"
	"fmt"
	"time"

	"github.com/google/uuid"
	"github.com/jackc/pgx/v5"

	"github.com/jonathan/pick-agent/internal/types"
)

// -----------------------------------------------------------------------------
// Run Methods
// -----------------------------------------------------------------------------

const runColumns = `id, subject_id, category, kind, game_id, game_start, state,
	decision, selection, confidence, tier, error_message, created_at, completed_at`

func scanRun(row pgx.Row) (*types.Run, error) {
	var r types.Run
	var state string
	err := row.Scan(&r.ID, &r.SubjectID, &r.Category, &r.Kind, &r.GameID, &r.GameStart, &state,
		&r.Decision, &r.Selection, &r.Confidence, &r.Tier, &r.ErrorMessage, &r.CreatedAt, &r.CompletedAt)
	if err != nil {
		return nil, err
	}
	r.State = types.RunState(state)
	return &r, nil
}

// CreateRun creates a new pipeline run record
func (db *DB) CreateRun(ctx context.Context, run *types.Run) error {
	_, err := db.pool.Exec(ctx,
		`INSERT INTO runs (id, subject_id, category, kind, game_id, game_start, state, created_at)
		 VALUES ($1, $2, $3, $4, $5, $6, $7, $8)`,
		run.ID, run.SubjectID, run.Category, run.Kind, run.GameID, run.GameStart, string(run.State), run.CreatedAt,
	)
	if err != nil {
		return fmt.Errorf("failed to create run: %w", err)
	}
	return nil
}

// GetRun retrieves a run by ID, nil if absent
func (db *DB) GetRun(ctx context.Context, id uuid.UUID) (*types.Run, error) {
	run, err := scanRun(db.pool.QueryRow(ctx, `SELECT `+runColumns+` FROM runs WHERE id = $1`, id))
	if err != nil {
		if noRows(err) {
			return nil, nil
		}
		return nil, fmt.Errorf("failed to get run: %w", err)
	}
	return run, nil
}

// FindOpenRun returns the newest PENDING run for an opportunity created at or after since
func (db *DB) FindOpenRun(ctx context.Context, opp types.Opportunity, since time.Time) (*types.Run, error) {
	run, err := scanRun(db.pool.QueryRow(ctx,
		`SELECT `+runColumns+` FROM runs
		 WHERE subject_id = $1 AND category = $2 AND kind = $3 AND game_id = $4
		   AND state = 'PENDING' AND created_at >= $5
		 ORDER BY created_at DESC LIMIT 1`,
		opp.SubjectID, opp.Category, opp.Kind, opp.GameID, since,
	))
	if err != nil {
		if noRows(err) {
			return nil, nil
		}
		return nil, fmt.Errorf("failed to find open run: %w", err)
	}
	return run, nil
}

// CompleteRun marks a PENDING run terminal, false if it was already terminal
func (db *DB) CompleteRun(ctx context.Context, id uuid.UUID, c types.RunCompletion) (bool, error) {
	tag, err := db.pool.Exec(ctx,
		`UPDATE runs SET state = $1, decision = $2, selection = $3, confidence = $4, tier = $5,
		     error_message = $6, completed_at = $7
		 WHERE id = $8 AND state = 'PENDING'`,
		string(c.State), c.Decision, c.Selection, c.Confidence, c.Tier, c.ErrorMessage, c.CompletedAt, id,
	)
	if err != nil {
		return false, fmt.Errorf("failed to complete run: %w", err)
	}
	return tag.RowsAffected() == 1, nil
}

// -----------------------------------------------------------------------------
// Run Steps Methods
// -----------------------------------------------------------------------------

// SaveRunStep stores a step result once; an existing result wins and is returned
func (db *DB) SaveRunStep(ctx context.Context, runID uuid.UUID, step string, result []byte, now time.Time) ([]byte, bool, error) {
	tag, err := db.pool.Exec(ctx,
		`INSERT INTO run_steps (run_id, step, result, created_at)
		 VALUES ($1, $2, $3, $4)
		 ON CONFLICT (run_id, step) DO NOTHING`,
		runID, step, result, now,
	)
	if err != nil {
		return nil, false, fmt.Errorf("failed to save run step %s: %w", step, err)
	}
	if tag.RowsAffected() == 1 {
		return result, true, nil
	}
	existing, err := db.GetRunStep(ctx, runID, step)
	if err != nil {
		return nil, false, err
	}
	if existing == nil {
		return nil, false, fmt.Errorf("run step %s vanished after conflict", step)
	}
	return existing.Result, false, nil
}

// GetRunStep retrieves a run step by run_id and step name
func (db *DB) GetRunStep(ctx context.Context, runID uuid.UUID, stepName string) (*types.RunStep, error) {
	st := types.RunStep{RunID: runID, Step: stepName}
	var result []byte
	err := db.pool.QueryRow(ctx,
		`SELECT result, created_at FROM run_steps WHERE run_id = $1 AND step = $2`,
		runID, stepName,
	).Scan(&result, &st.CreatedAt)
	if err != nil {
		if noRows(err) {
			return nil, nil
		}
		return nil, fmt.Errorf("failed to get run step: %w", err)
	}
	st.Result = json.RawMessage(result)
	return &st, nil
}

// ListRunSteps retrieves all steps for a run
func (db *DB) ListRunSteps(ctx context.Context, runID uuid.UUID) ([]types.RunStep, error) {
	rows, err := db.pool.Query(ctx,
		`SELECT step, result, created_at FROM run_steps WHERE run_id = $1 ORDER BY created_at`,
		runID,
	)
	if err != nil {
		return nil, fmt.Errorf("failed to list run steps: %w", err)
	}
	defer rows.Close()

	var steps []types.RunStep
	for rows.Next() {
		st := types.RunStep{RunID: runID}
		var result []byte
		if err := rows.Scan(&st.Step, &result, &st.CreatedAt); err != nil {
			return nil, err
		}
		st.Result = json.RawMessage(result)
		steps = append(steps, st)
	}
	return steps, rows.Err()
}

// -----------------------------------------------------------------------------
// Factor Methods
// -----------------------------------------------------------------------------

// SaveFactors writes a run's factor rows in one batch; existing rows are kept
func (db *DB) SaveFactors(ctx context.Context, factors []types.Factor) error {
	if len(factors) == 0 {
		return nil
	}
	batch := &pgx.Batch{}
	for _, f := range factors {
		raw := []byte(f.RawInputs)
		if len(raw) == 0 {
			raw = []byte("{}")
		}
		batch.Queue(
			`INSERT INTO factors (run_id, factor_no, name, raw_inputs, normalized_value, weight, points, caps_applied)
			 VALUES ($1, $2, $3, $4, $5, $6, $7, $8)
			 ON CONFLICT (run_id, factor_no) DO NOTHING`,
			f.RunID, f.FactorNo, f.Name, raw, f.NormalizedValue, f.Weight, f.Points, f.CapsApplied,
		)
	}
	if err := db.pool.SendBatch(ctx, batch).Close(); err != nil {
		return fmt.Errorf("failed to save factors: %w", err)
	}
	return nil
}

// ListFactors retrieves a run's factors ordered by factor number
func (db *DB) ListFactors(ctx context.Context, runID uuid.UUID) ([]types.Factor, error) {
	rows, err := db.pool.Query(ctx,
		`SELECT factor_no, name, raw_inputs, normalized_value, weight, points, caps_applied
		 FROM factors WHERE run_id = $1 ORDER BY factor_no`,
		runID,
	)
	if err != nil {
		return nil, fmt.Errorf("failed to list factors: %w", err)
	}
	defer rows.Close()

	var factors []types.Factor
	for rows.Next() {
		f := types.Factor{RunID: runID}
		var raw []byte
		if err := rows.Scan(&f.FactorNo, &f.Name, &raw, &f.NormalizedValue, &f.Weight, &f.Points, &f.CapsApplied); err != nil {
			return nil, err
		}
		f.RawInputs = json.RawMessage(raw)
		factors = append(factors, f)
	}
	return factors, rows.Err()
}
