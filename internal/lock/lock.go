// Package lock provides named mutual exclusion over a durable lock table.
//
// Acquisition is a single atomic conditional write in the store: the row is
// written when no row exists, when the existing row has expired, or when the
// caller already holds it. Stores that cannot do that report
// errors.ErrAtomicUnsupported and the manager falls back to a degraded
// two-step path that re-validates staleness in the delete it issues.
package lock

import (
	"context"
	"fmt"
	"time"

	"github.com/jonathan/pick-agent/internal/clock"
	"github.com/jonathan/pick-agent/internal/errors"
	"github.com/jonathan/pick-agent/internal/logger"
	"github.com/jonathan/pick-agent/internal/types"
	"github.com/oklog/ulid/v2"
)

// GlobalSchedulerKey guards a scheduler cycle.
const GlobalSchedulerKey = "scheduler_global_lock"

// SubjectKey builds the per-schedule lock key.
func SubjectKey(subject, category, kind string) string {
	return fmt.Sprintf("%s_%s_%s_lock", subject, category, kind)
}

// NewHolderID returns a unique holder identity for one invocation.
func NewHolderID(role string) string {
	return role + "-" + ulid.Make().String()
}

// Store is the durable lock table.
type Store interface {
	// TryAcquireLock writes lock iff no live row for its key is held by
	// another holder at now. It must be one atomic conditional write.
	TryAcquireLock(ctx context.Context, lock types.Lock, now time.Time) (bool, error)
	GetLock(ctx context.Context, key string) (*types.Lock, error)
	// InsertLock inserts relying on the key's uniqueness; false on conflict.
	InsertLock(ctx context.Context, lock types.Lock) (bool, error)
	// DeleteExpiredLock deletes the row only if it is still expired at now.
	DeleteExpiredLock(ctx context.Context, key string, now time.Time) (bool, error)
	// DeleteLock deletes the row only if holderID holds it.
	DeleteLock(ctx context.Context, key, holderID string) (bool, error)
}

// Result reports the outcome of an acquisition attempt.
type Result struct {
	Granted        bool          `json:"granted"`
	ExistingHolder string        `json:"existing_holder,omitempty"`
	ExistingAge    time.Duration `json:"existing_age,omitempty"`
	Degraded       bool          `json:"degraded,omitempty"`
}

// Manager acquires and releases locks.
type Manager struct {
	store   Store
	clock   clock.Clock
	twoStep bool
}

// Option configures a Manager.
type Option func(*Manager)

// WithTwoStep forces the degraded check-then-write path.
func WithTwoStep() Option {
	return func(m *Manager) { m.twoStep = true }
}

// NewManager creates a lock manager over store.
func NewManager(store Store, clk clock.Clock, opts ...Option) *Manager {
	m := &Manager{store: store, clock: clk}
	for _, opt := range opts {
		opt(m)
	}
	return m
}

// Acquire attempts to take key for holderID until now+ttl. Not being granted
// is not an error: the caller should skip its work for this cycle.
func (m *Manager) Acquire(ctx context.Context, key, holderID string, ttl time.Duration) (Result, error) {
	if key == "" || holderID == "" {
		return Result{}, errors.Wrap(errors.ErrInvalidRequest, "lock key and holder are required")
	}
	if ttl <= 0 {
		return Result{}, errors.Wrapf(errors.ErrInvalidRequest, "lock ttl must be positive, got %s", ttl)
	}

	now := m.clock.Now()
	row := types.Lock{Key: key, HolderID: holderID, AcquiredAt: now, ExpiresAt: now.Add(ttl)}

	if m.twoStep {
		return m.acquireTwoStep(ctx, row, now)
	}

	granted, err := m.store.TryAcquireLock(ctx, row, now)
	if errors.Is(err, errors.ErrAtomicUnsupported) {
		return m.acquireTwoStep(ctx, row, now)
	}
	if err != nil {
		return Result{}, errors.Wrapf(errors.WithSecondaryError(errors.ErrLockUnavailable, err), "failed to acquire lock %s: %v", key, err)
	}
	if granted {
		logger.Logger.Debugw("lock acquired", "key", key, "holder", holderID, "expires_at", row.ExpiresAt)
		return Result{Granted: true}, nil
	}
	return m.contended(ctx, key, now, false), nil
}

// acquireTwoStep is the degraded path. It is only safe because the stale
// delete re-checks expiry in its WHERE clause and the insert relies on the
// key's unique constraint.
func (m *Manager) acquireTwoStep(ctx context.Context, row types.Lock, now time.Time) (Result, error) {
	logger.Logger.Warnw("lock acquisition using two-step fallback", "key", row.Key)

	existing, err := m.store.GetLock(ctx, row.Key)
	if err != nil {
		return Result{}, errors.Wrapf(errors.WithSecondaryError(errors.ErrLockUnavailable, err), "failed to read lock %s", row.Key)
	}

	if existing != nil {
		switch {
		case existing.IsLive(now) && existing.HolderID != row.HolderID:
			return Result{
				ExistingHolder: existing.HolderID,
				ExistingAge:    now.Sub(existing.AcquiredAt),
				Degraded:       true,
			}, nil
		case existing.IsLive(now):
			if _, err := m.store.DeleteLock(ctx, row.Key, row.HolderID); err != nil {
				return Result{}, errors.Wrapf(errors.WithSecondaryError(errors.ErrLockUnavailable, err), "failed to refresh lock %s", row.Key)
			}
		default:
			if _, err := m.store.DeleteExpiredLock(ctx, row.Key, now); err != nil {
				return Result{}, errors.Wrapf(errors.WithSecondaryError(errors.ErrLockUnavailable, err), "failed to reclaim lock %s", row.Key)
			}
		}
	}

	inserted, err := m.store.InsertLock(ctx, row)
	if err != nil {
		return Result{}, errors.Wrapf(errors.WithSecondaryError(errors.ErrLockUnavailable, err), "failed to insert lock %s", row.Key)
	}
	if !inserted {
		return m.contended(ctx, row.Key, now, true), nil
	}
	return Result{Granted: true, Degraded: true}, nil
}

func (m *Manager) contended(ctx context.Context, key string, now time.Time, degraded bool) Result {
	res := Result{Degraded: degraded}
	existing, err := m.store.GetLock(ctx, key)
	if err != nil {
		logger.Logger.Warnw("failed to read contended lock", "key", key, "error", err)
		return res
	}
	if existing != nil {
		res.ExistingHolder = existing.HolderID
		res.ExistingAge = now.Sub(existing.AcquiredAt)
	}
	logger.Logger.Infow("lock held by another holder",
		"key", key,
		"holder", res.ExistingHolder,
		"age", res.ExistingAge,
	)
	return res
}

// Release deletes the lock iff holderID holds it.
func (m *Manager) Release(ctx context.Context, key, holderID string) error {
	deleted, err := m.store.DeleteLock(ctx, key, holderID)
	if err != nil {
		logger.Logger.Errorw("failed to release lock", "key", key, "holder", holderID, "error", err)
		return errors.Wrapf(err, "failed to release lock %s", key)
	}
	if !deleted {
		logger.Logger.Debugw("release skipped, lock not held by caller", "key", key, "holder", holderID)
	}
	return nil
}

// WithLock runs fn while holding key. Release always runs, on a context that
// survives cancellation of ctx. When the lock is not granted fn is not called
// and the returned error is nil.
func (m *Manager) WithLock(ctx context.Context, key, holderID string, ttl time.Duration, fn func(context.Context) error) (Result, error) {
	res, err := m.Acquire(ctx, key, holderID, ttl)
	if err != nil || !res.Granted {
		return res, err
	}
	defer func() {
		_ = m.Release(context.WithoutCancel(ctx), key, holderID)
	}()
	return res, fn(ctx)
}
