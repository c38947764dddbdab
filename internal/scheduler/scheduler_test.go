package scheduler

import (
	"context"
	"sync"
	"testing"
	"time"

	"github.com/google/uuid"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/goleak"

	"github.com/jonathan/pick-agent/internal/clock"
	"github.com/jonathan/pick-agent/internal/db/sqlite"
	"github.com/jonathan/pick-agent/internal/errors"
	"github.com/jonathan/pick-agent/internal/lock"
	"github.com/jonathan/pick-agent/internal/types"
)

func TestMain(m *testing.M) {
	goleak.VerifyTestMain(m)
}

var t0 = time.Date(2026, 3, 14, 10, 0, 0, 0, time.UTC)

var testConfig = Config{
	LockTTL:         5 * time.Minute,
	PipelineTimeout: 2 * time.Minute,
	MaxConcurrency:  1,
	BatchLimit:      50,
}

// fakeExecutor takes the subject lock for its select phase only, like the
// orchestrator, and answers with the configured outcome.
type fakeExecutor struct {
	mu       sync.Mutex
	calls    []string
	errs     map[string]error
	statuses map[string]string
	clock    *clock.Fake
	locks    *lock.Manager
	cost     time.Duration
}

func (f *fakeExecutor) RunScoped(ctx context.Context, req types.SelectRequest) (*types.PipelineResult, error) {
	res, err := f.locks.WithLock(ctx, lock.SubjectKey(req.SubjectID, req.Category, req.Kind), "select-fake", time.Minute,
		func(context.Context) error { return nil })
	if err != nil {
		return &types.PipelineResult{Status: types.StatusError, Error: err.Error()}, err
	}
	if !res.Granted {
		return &types.PipelineResult{Status: types.StatusSkipped, Holder: res.ExistingHolder}, nil
	}

	f.mu.Lock()
	defer f.mu.Unlock()
	f.calls = append(f.calls, req.SubjectID)
	if f.cost > 0 {
		f.clock.Advance(f.cost)
	}
	runID := uuid.New()
	if err := f.errs[req.SubjectID]; err != nil {
		return &types.PipelineResult{Status: types.StatusError, RunID: &runID, Error: err.Error()}, err
	}
	status := types.StatusCompleted
	if s, ok := f.statuses[req.SubjectID]; ok {
		status = s
	}
	if status == types.StatusNoOpportunity {
		return &types.PipelineResult{Status: status}, nil
	}
	return &types.PipelineResult{Status: status, RunID: &runID, Decision: types.DecisionPass}, nil
}

func (f *fakeExecutor) Calls() []string {
	f.mu.Lock()
	defer f.mu.Unlock()
	return append([]string(nil), f.calls...)
}

type fixture struct {
	sched *Scheduler
	store *sqlite.Store
	exec  *fakeExecutor
	clock *clock.Fake
	locks *lock.Manager
}

func newFixture(t *testing.T, cfg Config) *fixture {
	t.Helper()
	s, err := sqlite.Open(":memory:")
	require.NoError(t, err)
	t.Cleanup(s.Close)

	clk := clock.NewFake(t0)
	locks := lock.NewManager(s, clk)
	exec := &fakeExecutor{clock: clk, locks: locks, errs: map[string]error{}, statuses: map[string]string{}}
	return &fixture{
		sched: New(s, locks, exec, clk, cfg),
		store: s,
		exec:  exec,
		clock: clk,
		locks: locks,
	}
}

func (f *fixture) addSchedule(t *testing.T, subject string, priority int, nextRunAt *time.Time) {
	t.Helper()
	ctx := context.Background()
	_, err := f.store.UpsertSchedule(ctx, types.ScheduleInput{
		SubjectID: subject, Category: "nba", Kind: "total",
		IntervalSeconds: 600, Priority: priority, Enabled: true,
	}, t0)
	require.NoError(t, err)
	if nextRunAt != nil {
		require.NoError(t, f.store.RecordDispatch(ctx, types.DispatchRecord{
			SubjectID: subject, Category: "nba", Kind: "total",
			Status: types.DispatchCompleted, Success: true,
			RanAt: nextRunAt.Add(-10 * time.Minute), NextRunAt: *nextRunAt,
		}))
	}
}

func at(d time.Duration) *time.Time {
	ts := t0.Add(d)
	return &ts
}

func TestTick_NoWork(t *testing.T) {
	f := newFixture(t, testConfig)

	summary, err := f.sched.Tick(context.Background())
	require.NoError(t, err)
	assert.Equal(t, StatusNoWork, summary.Status)
	assert.Equal(t, 0, summary.ExecutedCount)
	assert.Empty(t, summary.Results)
	assert.Empty(t, f.exec.Calls())

	held, err := f.store.GetLock(context.Background(), lock.GlobalSchedulerKey)
	require.NoError(t, err)
	assert.Nil(t, held, "global lock released")
}

func TestTick_PriorityOrderAndBookkeeping(t *testing.T) {
	f := newFixture(t, testConfig)
	ctx := context.Background()

	f.addSchedule(t, "A", 5, at(0))
	f.addSchedule(t, "B", 9, at(5*time.Minute))
	f.addSchedule(t, "C", 9, nil)
	f.exec.errs["A"] = errors.WrapUpstream(errors.New("odds feed down"), "snapshot")
	f.clock.Set(t0.Add(6 * time.Minute))

	summary, err := f.sched.Tick(ctx)
	require.NoError(t, err)
	assert.Equal(t, StatusOK, summary.Status)
	assert.Equal(t, []string{"C", "B", "A"}, f.exec.Calls())
	assert.Equal(t, 3, summary.ExecutedCount)
	require.Len(t, summary.Results, 3)
	assert.Equal(t, types.DispatchCompleted, summary.Results[0].Status)
	assert.Equal(t, types.DispatchError, summary.Results[2].Status)
	assert.Contains(t, summary.Results[2].Error, "odds feed down")
	assert.NotEmpty(t, summary.Results[2].RunID)

	a, err := f.store.GetSchedule(ctx, "A", "nba", "total")
	require.NoError(t, err)
	assert.Equal(t, types.DispatchError, a.LastStatus)
	assert.Equal(t, 1, a.FailureCount)
	require.NotNil(t, a.NextRunAt)
	assert.Equal(t, a.LastRunAt.Add(10*time.Minute), *a.NextRunAt)

	c, err := f.store.GetSchedule(ctx, "C", "nba", "total")
	require.NoError(t, err)
	assert.Equal(t, 1, c.SuccessCount)
	assert.Equal(t, t0.Add(16*time.Minute), *c.NextRunAt)

	// nothing is due again until the interval passes
	summary, err = f.sched.Tick(ctx)
	require.NoError(t, err)
	assert.Equal(t, StatusNoWork, summary.Status)
}

func TestTick_NoOpportunityCountsAsSuccess(t *testing.T) {
	f := newFixture(t, testConfig)
	f.addSchedule(t, "A", 5, nil)
	f.exec.statuses["A"] = types.StatusNoOpportunity

	summary, err := f.sched.Tick(context.Background())
	require.NoError(t, err)
	require.Len(t, summary.Results, 1)
	assert.Equal(t, types.DispatchNoOpportunity, summary.Results[0].Status)
	assert.Empty(t, summary.Results[0].RunID)

	a, err := f.store.GetSchedule(context.Background(), "A", "nba", "total")
	require.NoError(t, err)
	assert.Equal(t, 1, a.SuccessCount)
	assert.Equal(t, types.DispatchNoOpportunity, a.LastStatus)
}

func TestTick_GlobalLockHeld(t *testing.T) {
	f := newFixture(t, testConfig)
	ctx := context.Background()
	f.addSchedule(t, "A", 5, nil)

	res, err := f.locks.Acquire(ctx, lock.GlobalSchedulerKey, "other-instance", time.Minute)
	require.NoError(t, err)
	require.True(t, res.Granted)

	summary, err := f.sched.Tick(ctx)
	require.NoError(t, err)
	assert.Equal(t, StatusLocked, summary.Status)
	assert.Empty(t, f.exec.Calls())

	held, err := f.store.GetLock(ctx, lock.GlobalSchedulerKey)
	require.NoError(t, err)
	assert.Equal(t, "other-instance", held.HolderID, "a losing cycle never releases someone else's lock")
}

func TestTick_SubjectLockHeldSkipsWithoutBookkeeping(t *testing.T) {
	f := newFixture(t, testConfig)
	ctx := context.Background()
	f.addSchedule(t, "A", 5, nil)
	f.addSchedule(t, "B", 1, nil)

	res, err := f.locks.Acquire(ctx, lock.SubjectKey("A", "nba", "total"), "manual-run", time.Minute)
	require.NoError(t, err)
	require.True(t, res.Granted)

	summary, err := f.sched.Tick(ctx)
	require.NoError(t, err)
	assert.Equal(t, []string{"B"}, f.exec.Calls())
	require.Len(t, summary.Results, 2)
	assert.Equal(t, types.DispatchSkipped, summary.Results[0].Status)
	assert.Equal(t, 1, summary.ExecutedCount)

	a, err := f.store.GetSchedule(ctx, "A", "nba", "total")
	require.NoError(t, err)
	assert.Equal(t, 0, a.RunCount)
	assert.Nil(t, a.NextRunAt, "skipped schedule stays due")
}

func TestTick_BudgetStopsNewDispatches(t *testing.T) {
	f := newFixture(t, testConfig)
	for _, s := range []string{"A", "B", "C"} {
		f.addSchedule(t, s, 5, nil)
	}
	f.exec.cost = 2 * time.Minute

	summary, err := f.sched.Tick(context.Background())
	require.NoError(t, err)
	assert.Equal(t, StatusPartial, summary.Status)
	assert.Equal(t, []string{"A", "B"}, f.exec.Calls())
	assert.Equal(t, 2, summary.ExecutedCount)

	c, err := f.store.GetSchedule(context.Background(), "C", "nba", "total")
	require.NoError(t, err)
	assert.Equal(t, 0, c.RunCount)
}

func TestTick_BoundedConcurrency(t *testing.T) {
	cfg := testConfig
	cfg.MaxConcurrency = 4
	f := newFixture(t, cfg)
	subjects := []string{"A", "B", "C", "D", "E", "F"}
	for _, s := range subjects {
		f.addSchedule(t, s, 5, nil)
	}

	summary, err := f.sched.Tick(context.Background())
	require.NoError(t, err)
	assert.Equal(t, 6, summary.ExecutedCount)
	assert.ElementsMatch(t, subjects, f.exec.Calls())
	for i, r := range summary.Results {
		assert.Equal(t, subjects[i], r.SubjectID, "results keep due order")
	}
}

type brokenLockStore struct {
	*sqlite.Store
}

func (brokenLockStore) TryAcquireLock(context.Context, types.Lock, time.Time) (bool, error) {
	return false, errors.New("connection reset")
}

func TestTick_LockStoreUnavailable(t *testing.T) {
	f := newFixture(t, testConfig)
	locks := lock.NewManager(brokenLockStore{f.store}, f.clock)
	sched := New(f.store, locks, f.exec, f.clock, testConfig)

	_, err := sched.Tick(context.Background())
	require.Error(t, err)
	assert.True(t, errors.Is(err, errors.ErrLockUnavailable))
}

func TestRun_StopsOnCancel(t *testing.T) {
	f := newFixture(t, testConfig)
	f.addSchedule(t, "A", 5, nil)

	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan error, 1)
	go func() {
		done <- f.sched.Run(ctx, 10*time.Millisecond)
	}()

	require.Eventually(t, func() bool { return len(f.exec.Calls()) >= 1 }, time.Second, 5*time.Millisecond)
	cancel()

	select {
	case err := <-done:
		assert.ErrorIs(t, err, context.Canceled)
	case <-time.After(time.Second):
		t.Fatal("scheduler loop did not stop")
	}
}
