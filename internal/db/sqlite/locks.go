package sqlite

import (
	"context"
	"database/sql"
	"fmt"
	"time"

	"github.com/jonathan/pick-agent/internal/types"
)

// TryAcquireLock is a single upsert: the conflict update only applies when
// the existing row is expired or already owned by the caller.
func (s *Store) TryAcquireLock(ctx context.Context, lock types.Lock, now time.Time) (bool, error) {
	res, err := s.db.ExecContext(ctx,
		`INSERT INTO locks (key, holder_id, acquired_at, expires_at)
		 VALUES (?, ?, ?, ?)
		 ON CONFLICT(key) DO UPDATE SET
		     holder_id = excluded.holder_id,
		     acquired_at = excluded.acquired_at,
		     expires_at = excluded.expires_at
		 WHERE locks.expires_at <= ? OR locks.holder_id = excluded.holder_id`,
		lock.Key, lock.HolderID, toMillis(lock.AcquiredAt), toMillis(lock.ExpiresAt), toMillis(now),
	)
	if err != nil {
		return false, fmt.Errorf("failed to acquire lock %s: %w", lock.Key, err)
	}
	return affected(res)
}

// GetLock returns the lock row or nil.
func (s *Store) GetLock(ctx context.Context, key string) (*types.Lock, error) {
	var l types.Lock
	var acquired, expires int64
	err := s.db.QueryRowContext(ctx,
		`SELECT key, holder_id, acquired_at, expires_at FROM locks WHERE key = ?`, key,
	).Scan(&l.Key, &l.HolderID, &acquired, &expires)
	if err == sql.ErrNoRows {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("failed to get lock %s: %w", key, err)
	}
	l.AcquiredAt = fromMillis(acquired)
	l.ExpiresAt = fromMillis(expires)
	return &l, nil
}

// InsertLock inserts the row unless the key exists.
func (s *Store) InsertLock(ctx context.Context, lock types.Lock) (bool, error) {
	res, err := s.db.ExecContext(ctx,
		`INSERT INTO locks (key, holder_id, acquired_at, expires_at)
		 VALUES (?, ?, ?, ?)
		 ON CONFLICT(key) DO NOTHING`,
		lock.Key, lock.HolderID, toMillis(lock.AcquiredAt), toMillis(lock.ExpiresAt),
	)
	if err != nil {
		return false, fmt.Errorf("failed to insert lock %s: %w", lock.Key, err)
	}
	return affected(res)
}

// DeleteExpiredLock deletes the row only while it is still expired.
func (s *Store) DeleteExpiredLock(ctx context.Context, key string, now time.Time) (bool, error) {
	res, err := s.db.ExecContext(ctx,
		`DELETE FROM locks WHERE key = ? AND expires_at <= ?`, key, toMillis(now),
	)
	if err != nil {
		return false, fmt.Errorf("failed to delete expired lock %s: %w", key, err)
	}
	return affected(res)
}

// DeleteLock deletes the row only if holderID holds it.
func (s *Store) DeleteLock(ctx context.Context, key, holderID string) (bool, error) {
	res, err := s.db.ExecContext(ctx,
		`DELETE FROM locks WHERE key = ? AND holder_id = ?`, key, holderID,
	)
	if err != nil {
		return false, fmt.Errorf("failed to delete lock %s: %w", key, err)
	}
	return affected(res)
}
