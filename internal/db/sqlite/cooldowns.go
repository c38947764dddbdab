package sqlite

import (
	"context"
	"database/sql"
	"fmt"

	"github.com/jonathan/pick-agent/internal/types"
)

// GetCooldown returns the cooldown for an opportunity subject or nil.
func (s *Store) GetCooldown(ctx context.Context, subjectID, category, kind string) (*types.Cooldown, error) {
	var c types.Cooldown
	var outcome string
	var runID sql.NullString
	var expires, updated int64
	err := s.db.QueryRowContext(ctx,
		`SELECT subject_id, category, kind, outcome, run_id, expires_at, updated_at
		 FROM cooldowns WHERE subject_id = ? AND category = ? AND kind = ?`,
		subjectID, category, kind,
	).Scan(&c.SubjectID, &c.Category, &c.Kind, &outcome, &runID, &expires, &updated)
	if err == sql.ErrNoRows {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("failed to get cooldown: %w", err)
	}
	c.Outcome = types.CooldownOutcome(outcome)
	c.RunID = runID.String
	c.ExpiresAt = fromMillis(expires)
	c.UpdatedAt = fromMillis(updated)
	return &c, nil
}

// UpsertCooldown writes the cooldown; an existing DECIDED row is never
// overwritten. Returns whether the write applied.
func (s *Store) UpsertCooldown(ctx context.Context, c types.Cooldown) (bool, error) {
	res, err := s.db.ExecContext(ctx,
		`INSERT INTO cooldowns (subject_id, category, kind, outcome, run_id, expires_at, updated_at)
		 VALUES (?, ?, ?, ?, ?, ?, ?)
		 ON CONFLICT(subject_id, category, kind) DO UPDATE SET
		     outcome = excluded.outcome,
		     run_id = excluded.run_id,
		     expires_at = excluded.expires_at,
		     updated_at = excluded.updated_at
		 WHERE cooldowns.outcome <> 'DECIDED'`,
		c.SubjectID, c.Category, c.Kind, string(c.Outcome), sql.NullString{String: c.RunID, Valid: c.RunID != ""},
		toMillis(c.ExpiresAt), toMillis(c.UpdatedAt),
	)
	if err != nil {
		return false, fmt.Errorf("failed to upsert cooldown: %w", err)
	}
	return affected(res)
}
