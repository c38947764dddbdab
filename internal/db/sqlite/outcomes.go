package sqlite

import (
	"context"
	"database/sql"
	"fmt"

	"github.com/google/uuid"

	"github.com/jonathan/pick-agent/internal/types"
)

// CreateOutcome materializes a pick. Returns false when the run already has
// one.
func (s *Store) CreateOutcome(ctx context.Context, o *types.Outcome) (bool, error) {
	res, err := s.db.ExecContext(ctx,
		`INSERT INTO outcomes (id, run_id, subject_id, category, kind, game_id, selection, line, price,
		     confidence, tier, units, created_at)
		 VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)
		 ON CONFLICT(run_id) DO NOTHING`,
		o.ID.String(), o.RunID.String(), o.SubjectID, o.Category, o.Kind, o.GameID, o.Selection,
		o.Line, o.Price, o.Confidence, o.Tier, o.Units, toMillis(o.CreatedAt),
	)
	if err != nil {
		return false, fmt.Errorf("failed to create outcome: %w", err)
	}
	return affected(res)
}

// GetOutcomeByRun returns the run's outcome or nil.
func (s *Store) GetOutcomeByRun(ctx context.Context, runID uuid.UUID) (*types.Outcome, error) {
	var o types.Outcome
	var id string
	var created int64
	var result sql.NullString
	var profit sql.NullFloat64
	err := s.db.QueryRowContext(ctx,
		`SELECT id, subject_id, category, kind, game_id, selection, line, price, confidence, tier, units,
		     created_at, result, profit_units
		 FROM outcomes WHERE run_id = ?`,
		runID.String(),
	).Scan(&id, &o.SubjectID, &o.Category, &o.Kind, &o.GameID, &o.Selection, &o.Line, &o.Price,
		&o.Confidence, &o.Tier, &o.Units, &created, &result, &profit)
	if err == sql.ErrNoRows {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("failed to get outcome: %w", err)
	}
	parsed, err := uuid.Parse(id)
	if err != nil {
		return nil, fmt.Errorf("invalid outcome id %q: %w", id, err)
	}
	o.ID = parsed
	o.RunID = runID
	o.CreatedAt = fromMillis(created)
	o.Result = stringPtr(result)
	o.ProfitUnits = floatPtr(profit)
	return &o, nil
}

// GradeOutcome records the graded result of a pick.
func (s *Store) GradeOutcome(ctx context.Context, runID uuid.UUID, result string, profitUnits float64) error {
	_, err := s.db.ExecContext(ctx,
		`UPDATE outcomes SET result = ?, profit_units = ? WHERE run_id = ?`,
		result, profitUnits, runID.String(),
	)
	if err != nil {
		return fmt.Errorf("failed to grade outcome: %w", err)
	}
	return nil
}

// GetPerformance summarizes the most recent graded outcomes for a schedule.
func (s *Store) GetPerformance(ctx context.Context, subjectID, category, kind string, limit int) (*types.Performance, error) {
	rows, err := s.db.QueryContext(ctx,
		`SELECT result, COALESCE(profit_units, 0) FROM outcomes
		 WHERE subject_id = ? AND category = ? AND kind = ? AND result IS NOT NULL
		 ORDER BY created_at DESC
		 LIMIT ?`,
		subjectID, category, kind, limit,
	)
	if err != nil {
		return nil, fmt.Errorf("failed to load performance: %w", err)
	}
	defer rows.Close()

	var results []string
	var profits []float64
	for rows.Next() {
		var r string
		var p float64
		if err := rows.Scan(&r, &p); err != nil {
			return nil, fmt.Errorf("failed to scan performance row: %w", err)
		}
		results = append(results, r)
		profits = append(profits, p)
	}
	if err := rows.Err(); err != nil {
		return nil, err
	}
	return types.SummarizePerformance(results, profits), nil
}
