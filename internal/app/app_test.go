package app

import (
	"context"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/jonathan/pick-agent/internal/clock"
	"github.com/jonathan/pick-agent/internal/config"
	"github.com/jonathan/pick-agent/internal/errors"
	"github.com/jonathan/pick-agent/internal/scheduler"
	"github.com/jonathan/pick-agent/internal/types"
)

var t0 = time.Date(2026, 3, 14, 10, 0, 0, 0, time.UTC)

type emptyFeed struct{}

func (emptyFeed) ListGames(context.Context, string, time.Time, time.Time) ([]types.Game, error) {
	return nil, nil
}

func (emptyFeed) GetOdds(context.Context, string, string) (*types.MarketSnapshot, error) {
	return nil, errors.WrapNotFound("odds")
}

func (emptyFeed) GetStats(context.Context, string, string) (map[string]float64, error) {
	return nil, errors.WrapNotFound("stats")
}

func testConfig() *config.Config {
	return &config.Config{
		StoreDriver:         config.DriverSQLite,
		SQLitePath:          ":memory:",
		CoordinationBackend: config.CoordinationSQL,
		LockMode:            config.LockModeAtomic,
		WritesEnabled:       true,
		ScoringProfilesPath: "testdata/does-not-exist.yaml",
		Scheduler: config.SchedulerConfig{
			PollInterval:   6 * time.Minute,
			LockTTL:        5 * time.Minute,
			SubjectLockTTL: 3 * time.Minute,
			MaxConcurrency: 1,
			BatchLimit:     50,
		},
		Pipeline: config.PipelineConfig{
			Timeout:             2 * time.Minute,
			ExternalCallTimeout: 20 * time.Second,
			RunClaimTTL:         10 * time.Minute,
			MinLeadTime:         15 * time.Minute,
			Lookahead:           36 * time.Hour,
		},
		Cooldown: config.CooldownConfig{
			PassWindow:  12 * time.Hour,
			ErrorWindow: 2 * time.Hour,
		},
		Idempotency: config.IdempotencyConfig{ReservationTTL: 5 * time.Minute},
	}
}

func TestBuild_SQLite(t *testing.T) {
	ctx := context.Background()
	a, err := Build(ctx, testConfig(), WithClock(clock.NewFake(t0)), WithGameSource(emptyFeed{}))
	require.NoError(t, err)
	t.Cleanup(a.Close)

	require.NotNil(t, a.Store)
	require.NotNil(t, a.Locks)
	require.NotNil(t, a.Cooldowns)
	require.NotNil(t, a.Pipeline)
	require.NotNil(t, a.Scheduler)
	assert.Equal(t, 3*time.Minute, a.Pipeline.Config().SubjectLockTTL)
	assert.Equal(t, 12*time.Hour, a.Cooldowns.Policy().PassWindow)

	summary, err := a.Scheduler.Tick(ctx)
	require.NoError(t, err)
	assert.Equal(t, scheduler.StatusNoWork, summary.Status)

	_, err = a.Store.UpsertSchedule(ctx, types.ScheduleInput{
		SubjectID: "sharp-sam", Category: "nba", Kind: "total", IntervalSeconds: 600, Priority: 1, Enabled: true,
	}, t0)
	require.NoError(t, err)

	summary, err = a.Scheduler.Tick(ctx)
	require.NoError(t, err)
	require.Len(t, summary.Results, 1)
	assert.Equal(t, types.DispatchNoOpportunity, summary.Results[0].Status)
}

func TestBuild_TwoStepLocks(t *testing.T) {
	cfg := testConfig()
	cfg.LockMode = config.LockModeTwoStep

	a, err := Build(context.Background(), cfg, WithClock(clock.NewFake(t0)), WithGameSource(emptyFeed{}))
	require.NoError(t, err)
	t.Cleanup(a.Close)

	res, err := a.Locks.Acquire(context.Background(), "k", "holder-a", time.Minute)
	require.NoError(t, err)
	assert.True(t, res.Granted)
	assert.True(t, res.Degraded)
}

func TestBuild_NewServer(t *testing.T) {
	a, err := Build(context.Background(), testConfig(), WithGameSource(emptyFeed{}))
	require.NoError(t, err)
	t.Cleanup(a.Close)

	srv, err := a.NewServer(8080)
	require.NoError(t, err)
	t.Cleanup(srv.Close)

	cfg := a.ServerConfig(8080)
	assert.True(t, cfg.WritesEnabled)
	assert.Equal(t, 5*time.Minute, cfg.IdempotencyTTL)
}

func TestRequireWrites(t *testing.T) {
	cfg := testConfig()
	a, err := Build(context.Background(), cfg, WithGameSource(emptyFeed{}))
	require.NoError(t, err)
	t.Cleanup(a.Close)

	assert.NoError(t, a.RequireWrites())

	cfg.WritesEnabled = false
	err = a.RequireWrites()
	require.Error(t, err)
	assert.True(t, errors.Is(err, errors.ErrServiceUnavailable))
	assert.Contains(t, err.Error(), "WRITES_ENABLED=false")
}

func TestOpenStore_UnknownDriver(t *testing.T) {
	cfg := testConfig()
	cfg.StoreDriver = "mysql"

	_, err := OpenStore(context.Background(), cfg)
	require.Error(t, err)
	assert.True(t, errors.IsInvalidRequestError(err))
}
