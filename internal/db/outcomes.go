package db

import (
	"context"
	"fmt"

	"github.com/google/uuid"

	"github.com/jonathan/pick-agent/internal/types"
)

// -----------------------------------------------------------------------------
// Outcome Methods
// -----------------------------------------------------------------------------

// CreateOutcome materializes a pick, false if the run already has one
func (db *DB) CreateOutcome(ctx context.Context, o *types.Outcome) (bool, error) {
	tag, err := db.pool.Exec(ctx,
		`INSERT INTO outcomes (id, run_id, subject_id, category, kind, game_id, selection, line, price,
		     confidence, tier, units, created_at)
		 VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10, $11, $12, $13)
		 ON CONFLICT (run_id) DO NOTHING`,
		o.ID, o.RunID, o.SubjectID, o.Category, o.Kind, o.GameID, o.Selection, o.Line, o.Price,
		o.Confidence, o.Tier, o.Units, o.CreatedAt,
	)
	if err != nil {
		return false, fmt.Errorf("failed to create outcome: %w", err)
	}
	return tag.RowsAffected() == 1, nil
}

// GetOutcomeByRun retrieves a run's outcome, nil if absent
func (db *DB) GetOutcomeByRun(ctx context.Context, runID uuid.UUID) (*types.Outcome, error) {
	var o types.Outcome
	err := db.pool.QueryRow(ctx,
		`SELECT id, run_id, subject_id, category, kind, game_id, selection, line, price, confidence, tier, units,
		     created_at, result, profit_units
		 FROM outcomes WHERE run_id = $1`,
		runID,
	).Scan(&o.ID, &o.RunID, &o.SubjectID, &o.Category, &o.Kind, &o.GameID, &o.Selection, &o.Line, &o.Price,
		&o.Confidence, &o.Tier, &o.Units, &o.CreatedAt, &o.Result, &o.ProfitUnits)
	if err != nil {
		if noRows(err) {
			return nil, nil
		}
		return nil, fmt.Errorf("failed to get outcome: %w", err)
	}
	return &o, nil
}

// GradeOutcome records the graded result of a pick
func (db *DB) GradeOutcome(ctx context.Context, runID uuid.UUID, result string, profitUnits float64) error {
	_, err := db.pool.Exec(ctx,
		`UPDATE outcomes SET result = $1, profit_units = $2 WHERE run_id = $3`,
		result, profitUnits, runID,
	)
	if err != nil {
		return fmt.Errorf("failed to grade outcome: %w", err)
	}
	return nil
}

// GetPerformance summarizes the most recent graded outcomes for a schedule
func (db *DB) GetPerformance(ctx context.Context, subjectID, category, kind string, limit int) (*types.Performance, error) {
	rows, err := db.pool.Query(ctx,
		`SELECT result, COALESCE(profit_units, 0) FROM outcomes
		 WHERE subject_id = $1 AND category = $2 AND kind = $3 AND result IS NOT NULL
		 ORDER BY created_at DESC
		 LIMIT $4`,
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
			return nil, err
		}
		results = append(results, r)
		profits = append(profits, p)
	}
	if err := rows.Err(); err != nil {
		return nil, err
	}
	return types.SummarizePerformance(results, profits), nil
}
