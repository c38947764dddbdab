package db

import (
	"context"
	"fmt"
	"time"

	"github.com/jonathan/pick-agent/internal/types"
)

// -----------------------------------------------------------------------------
// Idempotency Methods
// -----------------------------------------------------------------------------

// ReserveIdempotencyKey claims (step, key). A stale in-progress reservation
// carrying the same request hash is taken over; otherwise the existing record
// is returned with reserved=false.
func (db *DB) ReserveIdempotencyKey(ctx context.Context, rec types.IdempotencyRecord, staleBefore time.Time) (*types.IdempotencyRecord, bool, error) {
	tag, err := db.pool.Exec(ctx,
		`INSERT INTO idempotency_keys (step, key, request_hash, state, reserved_at)
		 VALUES ($1, $2, $3, 'in_progress', $4)
		 ON CONFLICT (step, key) DO UPDATE SET reserved_at = EXCLUDED.reserved_at
		 WHERE idempotency_keys.state = 'in_progress'
		   AND idempotency_keys.request_hash = EXCLUDED.request_hash
		   AND idempotency_keys.reserved_at < $5`,
		rec.Step, rec.Key, rec.RequestHash, rec.ReservedAt, staleBefore,
	)
	if err != nil {
		return nil, false, fmt.Errorf("failed to reserve idempotency key: %w", err)
	}
	if tag.RowsAffected() == 1 {
		return nil, true, nil
	}
	existing, err := db.GetIdempotencyKey(ctx, rec.Step, rec.Key)
	if err != nil {
		return nil, false, err
	}
	return existing, false, nil
}

// GetIdempotencyKey retrieves the record for (step, key), nil if absent
func (db *DB) GetIdempotencyKey(ctx context.Context, step, key string) (*types.IdempotencyRecord, error) {
	var rec types.IdempotencyRecord
	err := db.pool.QueryRow(ctx,
		`SELECT step, key, request_hash, state, status_code, response_body, reserved_at, completed_at
		 FROM idempotency_keys WHERE step = $1 AND key = $2`,
		step, key,
	).Scan(&rec.Step, &rec.Key, &rec.RequestHash, &rec.State, &rec.StatusCode, &rec.ResponseBody,
		&rec.ReservedAt, &rec.CompletedAt)
	if err != nil {
		if noRows(err) {
			return nil, nil
		}
		return nil, fmt.Errorf("failed to get idempotency key: %w", err)
	}
	return &rec, nil
}

// CompleteIdempotencyKey stores the final response for a reservation
func (db *DB) CompleteIdempotencyKey(ctx context.Context, step, key string, statusCode int, body []byte, now time.Time) error {
	_, err := db.pool.Exec(ctx,
		`UPDATE idempotency_keys SET state = 'completed', status_code = $1, response_body = $2, completed_at = $3
		 WHERE step = $4 AND key = $5`,
		statusCode, body, now, step, key,
	)
	if err != nil {
		return fmt.Errorf("failed to complete idempotency key: %w", err)
	}
	return nil
}

// ReleaseIdempotencyKey drops an in-progress reservation
func (db *DB) ReleaseIdempotencyKey(ctx context.Context, step, key string) error {
	_, err := db.pool.Exec(ctx,
		`DELETE FROM idempotency_keys WHERE step = $1 AND key = $2 AND state = 'in_progress'`,
		step, key,
	)
	if err != nil {
		return fmt.Errorf("failed to release idempotency key: %w", err)
	}
	return nil
}
