package db

import (
	"context"
	"fmt"
	"time"

	"github.com/jonathan/pick-agent/internal/types"
)

// -----------------------------------------------------------------------------
// Lock Methods
// -----------------------------------------------------------------------------

// TryAcquireLock takes the lock in one statement. The conflict branch only
// updates an expired row or one the caller already holds.
func (db *DB) TryAcquireLock(ctx context.Context, lock types.Lock, now time.Time) (bool, error) {
	tag, err := db.pool.Exec(ctx,
		`INSERT INTO locks (key, holder_id, acquired_at, expires_at)
		 VALUES ($1, $2, $3, $4)
		 ON CONFLICT (key) DO UPDATE SET
		     holder_id = EXCLUDED.holder_id,
		     acquired_at = EXCLUDED.acquired_at,
		     expires_at = EXCLUDED.expires_at
		 WHERE locks.expires_at <= $5 OR locks.holder_id = EXCLUDED.holder_id`,
		lock.Key, lock.HolderID, lock.AcquiredAt, lock.ExpiresAt, now,
	)
	if err != nil {
		return false, fmt.Errorf("failed to acquire lock %s: %w", lock.Key, err)
	}
	return tag.RowsAffected() == 1, nil
}

// GetLock retrieves a lock row, nil if absent
func (db *DB) GetLock(ctx context.Context, key string) (*types.Lock, error) {
	var l types.Lock
	err := db.pool.QueryRow(ctx,
		`SELECT key, holder_id, acquired_at, expires_at FROM locks WHERE key = $1`, key,
	).Scan(&l.Key, &l.HolderID, &l.AcquiredAt, &l.ExpiresAt)
	if err != nil {
		if noRows(err) {
			return nil, nil
		}
		return nil, fmt.Errorf("failed to get lock %s: %w", key, err)
	}
	l.AcquiredAt = l.AcquiredAt.UTC()
	l.ExpiresAt = l.ExpiresAt.UTC()
	return &l, nil
}

// InsertLock inserts a lock row relying on the primary key
func (db *DB) InsertLock(ctx context.Context, lock types.Lock) (bool, error) {
	tag, err := db.pool.Exec(ctx,
		`INSERT INTO locks (key, holder_id, acquired_at, expires_at)
		 VALUES ($1, $2, $3, $4)
		 ON CONFLICT (key) DO NOTHING`,
		lock.Key, lock.HolderID, lock.AcquiredAt, lock.ExpiresAt,
	)
	if err != nil {
		return false, fmt.Errorf("failed to insert lock %s: %w", lock.Key, err)
	}
	return tag.RowsAffected() == 1, nil
}

// DeleteExpiredLock deletes a lock only while it is still expired
func (db *DB) DeleteExpiredLock(ctx context.Context, key string, now time.Time) (bool, error) {
	tag, err := db.pool.Exec(ctx,
		`DELETE FROM locks WHERE key = $1 AND expires_at <= $2`, key, now,
	)
	if err != nil {
		return false, fmt.Errorf("failed to delete expired lock %s: %w", key, err)
	}
	return tag.RowsAffected() == 1, nil
}

// DeleteLock deletes a lock held by holderID
func (db *DB) DeleteLock(ctx context.Context, key, holderID string) (bool, error) {
	tag, err := db.pool.Exec(ctx,
		`DELETE FROM locks WHERE key = $1 AND holder_id = $2`, key, holderID,
	)
	if err != nil {
		return false, fmt.Errorf("failed to delete lock %s: %w", key, err)
	}
	return tag.RowsAffected() == 1, nil
}

// -----------------------------------------------------------------------------
// Cooldown Methods
// -----------------------------------------------------------------------------

// GetCooldown retrieves the cooldown for a subject, nil if absent
func (db *DB) GetCooldown(ctx context.Context, subjectID, category, kind string) (*types.Cooldown, error) {
	var c types.Cooldown
	var outcome string
	var runID *string
	err := db.pool.QueryRow(ctx,
		`SELECT subject_id, category, kind, outcome, run_id, expires_at, updated_at
		 FROM cooldowns WHERE subject_id = $1 AND category = $2 AND kind = $3`,
		subjectID, category, kind,
	).Scan(&c.SubjectID, &c.Category, &c.Kind, &outcome, &runID, &c.ExpiresAt, &c.UpdatedAt)
	if err != nil {
		if noRows(err) {
			return nil, nil
		}
		return nil, fmt.Errorf("failed to get cooldown: %w", err)
	}
	c.Outcome = types.CooldownOutcome(outcome)
	if runID != nil {
		c.RunID = *runID
	}
	c.ExpiresAt = c.ExpiresAt.UTC()
	c.UpdatedAt = c.UpdatedAt.UTC()
	return &c, nil
}

// UpsertCooldown writes a cooldown unless a DECIDED row already exists
func (db *DB) UpsertCooldown(ctx context.Context, c types.Cooldown) (bool, error) {
	var runID *string
	if c.RunID != "" {
		runID = &c.RunID
	}
	tag, err := db.pool.Exec(ctx,
		`INSERT INTO cooldowns (subject_id, category, kind, outcome, run_id, expires_at, updated_at)
		 VALUES ($1, $2, $3, $4, $5, $6, $7)
		 ON CONFLICT (subject_id, category, kind) DO UPDATE SET
		     outcome = EXCLUDED.outcome,
		     run_id = EXCLUDED.run_id,
		     expires_at = EXCLUDED.expires_at,
		     updated_at = EXCLUDED.updated_at
		 WHERE cooldowns.outcome <> 'DECIDED'`,
		c.SubjectID, c.Category, c.Kind, string(c.Outcome), runID, c.ExpiresAt, c.UpdatedAt,
	)
	if err != nil {
		return false, fmt.Errorf("failed to upsert cooldown: %w", err)
	}
	return tag.RowsAffected() == 1, nil
}
