package lock

import (
	"context"
	"strings"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/jonathan/pick-agent/internal/clock"
	"github.com/jonathan/pick-agent/internal/db/sqlite"
	"github.com/jonathan/pick-agent/internal/errors"
	"github.com/jonathan/pick-agent/internal/types"
)

var t0 = time.Date(2026, 3, 14, 10, 0, 0, 0, time.UTC)

func newStore(t *testing.T) *sqlite.Store {
	t.Helper()
	s, err := sqlite.Open(":memory:")
	require.NoError(t, err)
	t.Cleanup(s.Close)
	return s
}

// noAtomicStore hides the atomic write so the manager must degrade.
type noAtomicStore struct {
	Store
}

func (noAtomicStore) TryAcquireLock(context.Context, types.Lock, time.Time) (bool, error) {
	return false, errors.ErrAtomicUnsupported
}

type failingStore struct {
	Store
}

func (failingStore) TryAcquireLock(context.Context, types.Lock, time.Time) (bool, error) {
	return false, errors.New("connection refused")
}

func TestSubjectKey(t *testing.T) {
	assert.Equal(t, "capper1_nba_total_lock", SubjectKey("capper1", "nba", "total"))
}

func TestNewHolderID(t *testing.T) {
	a := NewHolderID("scheduler")
	b := NewHolderID("scheduler")
	assert.True(t, strings.HasPrefix(a, "scheduler-"))
	assert.NotEqual(t, a, b)
}

func TestAcquire_ValidatesInput(t *testing.T) {
	m := NewManager(newStore(t), clock.NewFake(t0))
	ctx := context.Background()

	_, err := m.Acquire(ctx, "", "h", time.Minute)
	assert.True(t, errors.IsInvalidRequestError(err))
	_, err = m.Acquire(ctx, "k", "h", 0)
	assert.True(t, errors.IsInvalidRequestError(err))
}

func TestAcquire_MutualExclusion(t *testing.T) {
	for _, tc := range []struct {
		name  string
		store func(*testing.T) Store
	}{
		{"atomic", func(t *testing.T) Store { return newStore(t) }},
		{"two-step", func(t *testing.T) Store { return noAtomicStore{newStore(t)} }},
	} {
		t.Run(tc.name, func(t *testing.T) {
			m := NewManager(tc.store(t), clock.NewFake(t0))
			ctx := context.Background()

			var granted atomic.Int32
			var wg sync.WaitGroup
			for i := 0; i < 8; i++ {
				wg.Add(1)
				go func() {
					defer wg.Done()
					res, err := m.Acquire(ctx, "k", NewHolderID("worker"), time.Minute)
					assert.NoError(t, err)
					if res.Granted {
						granted.Add(1)
					}
				}()
			}
			wg.Wait()
			assert.Equal(t, int32(1), granted.Load())
		})
	}
}

func TestAcquire_ReportsHolder(t *testing.T) {
	clk := clock.NewFake(t0)
	m := NewManager(newStore(t), clk)
	ctx := context.Background()

	res, err := m.Acquire(ctx, "k", "a", time.Minute)
	require.NoError(t, err)
	require.True(t, res.Granted)

	clk.Advance(20 * time.Second)
	res, err = m.Acquire(ctx, "k", "b", time.Minute)
	require.NoError(t, err)
	assert.False(t, res.Granted)
	assert.Equal(t, "a", res.ExistingHolder)
	assert.Equal(t, 20*time.Second, res.ExistingAge)
}

func TestAcquire_SameHolderRefreshes(t *testing.T) {
	clk := clock.NewFake(t0)
	store := newStore(t)
	m := NewManager(store, clk)
	ctx := context.Background()

	_, err := m.Acquire(ctx, "k", "a", time.Minute)
	require.NoError(t, err)
	clk.Advance(50 * time.Second)
	res, err := m.Acquire(ctx, "k", "a", time.Minute)
	require.NoError(t, err)
	assert.True(t, res.Granted)

	row, err := store.GetLock(ctx, "k")
	require.NoError(t, err)
	assert.Equal(t, t0.Add(110*time.Second), row.ExpiresAt)
}

func TestAcquire_StaleReclaim(t *testing.T) {
	for _, tc := range []struct {
		name     string
		opts     []Option
		degraded bool
	}{
		{"atomic", nil, false},
		{"two-step", []Option{WithTwoStep()}, true},
	} {
		t.Run(tc.name, func(t *testing.T) {
			clk := clock.NewFake(t0)
			m := NewManager(newStore(t), clk, tc.opts...)
			ctx := context.Background()

			res, err := m.Acquire(ctx, "k", "crashed", time.Minute)
			require.NoError(t, err)
			require.True(t, res.Granted)
			assert.Equal(t, tc.degraded, res.Degraded)

			clk.Advance(30 * time.Second)
			res, err = m.Acquire(ctx, "k", "next", time.Minute)
			require.NoError(t, err)
			assert.False(t, res.Granted, "live lock is not reclaimed")

			clk.Advance(30 * time.Second)
			res, err = m.Acquire(ctx, "k", "next", time.Minute)
			require.NoError(t, err)
			assert.True(t, res.Granted, "expired lock is reclaimed")
		})
	}
}

func TestAcquire_StoreFailure(t *testing.T) {
	m := NewManager(failingStore{newStore(t)}, clock.NewFake(t0))
	_, err := m.Acquire(context.Background(), "k", "a", time.Minute)
	require.Error(t, err)
	assert.True(t, errors.Is(err, errors.ErrLockUnavailable))
}

func TestRelease_OnlyHolder(t *testing.T) {
	store := newStore(t)
	m := NewManager(store, clock.NewFake(t0))
	ctx := context.Background()

	_, err := m.Acquire(ctx, "k", "a", time.Minute)
	require.NoError(t, err)

	require.NoError(t, m.Release(ctx, "k", "b"))
	row, err := store.GetLock(ctx, "k")
	require.NoError(t, err)
	require.NotNil(t, row, "non-holder release is a no-op")

	require.NoError(t, m.Release(ctx, "k", "a"))
	row, err = store.GetLock(ctx, "k")
	require.NoError(t, err)
	assert.Nil(t, row)
}

func TestWithLock_ReleasesOnError(t *testing.T) {
	store := newStore(t)
	m := NewManager(store, clock.NewFake(t0))
	ctx, cancel := context.WithCancel(context.Background())

	boom := errors.New("boom")
	res, err := m.WithLock(ctx, "k", "a", time.Minute, func(context.Context) error {
		cancel()
		return boom
	})
	assert.True(t, res.Granted)
	assert.ErrorIs(t, err, boom)

	row, err := store.GetLock(context.Background(), "k")
	require.NoError(t, err)
	assert.Nil(t, row, "released even though ctx was cancelled")
}

func TestWithLock_SkipsWhenHeld(t *testing.T) {
	m := NewManager(newStore(t), clock.NewFake(t0))
	ctx := context.Background()

	_, err := m.Acquire(ctx, "k", "other", time.Minute)
	require.NoError(t, err)

	called := false
	res, err := m.WithLock(ctx, "k", "a", time.Minute, func(context.Context) error {
		called = true
		return nil
	})
	require.NoError(t, err)
	assert.False(t, res.Granted)
	assert.False(t, called)
}
