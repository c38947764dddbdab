package sqlite

import (
	"context"
	"database/sql"
	"fmt"
	"time"

	"github.com/jonathan/pick-agent/internal/types"
)

// ReserveIdempotencyKey claims (step, key) for rec. A stale in-progress
// reservation with the same request hash is taken over. When the claim does
// not apply, the existing record is returned with reserved=false.
func (s *Store) ReserveIdempotencyKey(ctx context.Context, rec types.IdempotencyRecord, staleBefore time.Time) (*types.IdempotencyRecord, bool, error) {
	res, err := s.db.ExecContext(ctx,
		`INSERT INTO idempotency_keys (step, key, request_hash, state, reserved_at)
		 VALUES (?, ?, ?, ?, ?)
		 ON CONFLICT(step, key) DO UPDATE SET
		     reserved_at = excluded.reserved_at
		 WHERE idempotency_keys.state = 'in_progress'
		   AND idempotency_keys.request_hash = excluded.request_hash
		   AND idempotency_keys.reserved_at < ?`,
		rec.Step, rec.Key, rec.RequestHash, types.IdempotencyInProgress, toMillis(rec.ReservedAt), toMillis(staleBefore),
	)
	if err != nil {
		return nil, false, fmt.Errorf("failed to reserve idempotency key: %w", err)
	}
	reserved, err := affected(res)
	if err != nil {
		return nil, false, err
	}
	if reserved {
		return nil, true, nil
	}
	existing, err := s.GetIdempotencyKey(ctx, rec.Step, rec.Key)
	if err != nil {
		return nil, false, err
	}
	return existing, false, nil
}

// GetIdempotencyKey returns the record for (step, key) or nil.
func (s *Store) GetIdempotencyKey(ctx context.Context, step, key string) (*types.IdempotencyRecord, error) {
	var rec types.IdempotencyRecord
	var reserved int64
	var completed sql.NullInt64
	err := s.db.QueryRowContext(ctx,
		`SELECT step, key, request_hash, state, status_code, response_body, reserved_at, completed_at
		 FROM idempotency_keys WHERE step = ? AND key = ?`,
		step, key,
	).Scan(&rec.Step, &rec.Key, &rec.RequestHash, &rec.State, &rec.StatusCode, &rec.ResponseBody, &reserved, &completed)
	if err == sql.ErrNoRows {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("failed to get idempotency key: %w", err)
	}
	rec.ReservedAt = fromMillis(reserved)
	rec.CompletedAt = timePtr(completed)
	return &rec, nil
}

// CompleteIdempotencyKey stores the final response for a reservation.
func (s *Store) CompleteIdempotencyKey(ctx context.Context, step, key string, statusCode int, body []byte, now time.Time) error {
	_, err := s.db.ExecContext(ctx,
		`UPDATE idempotency_keys SET state = ?, status_code = ?, response_body = ?, completed_at = ?
		 WHERE step = ? AND key = ?`,
		types.IdempotencyCompleted, statusCode, body, toMillis(now), step, key,
	)
	if err != nil {
		return fmt.Errorf("failed to complete idempotency key: %w", err)
	}
	return nil
}

// ReleaseIdempotencyKey drops an in-progress reservation so the key can be
// retried.
func (s *Store) ReleaseIdempotencyKey(ctx context.Context, step, key string) error {
	_, err := s.db.ExecContext(ctx,
		`DELETE FROM idempotency_keys WHERE step = ? AND key = ? AND state = ?`,
		step, key, types.IdempotencyInProgress,
	)
	if err != nil {
		return fmt.Errorf("failed to release idempotency key: %w", err)
	}
	return nil
}
