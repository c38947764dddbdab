package main

import (
	"context"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/jonathan/pick-agent/internal/app"
	"github.com/jonathan/pick-agent/internal/config"
	"github.com/jonathan/pick-agent/internal/errors"
	"github.com/jonathan/pick-agent/internal/scheduler"
	"github.com/jonathan/pick-agent/internal/types"
)

type noGames struct{}

func (noGames) ListGames(context.Context, string, time.Time, time.Time) ([]types.Game, error) {
	return nil, nil
}

func (noGames) GetOdds(context.Context, string, string) (*types.MarketSnapshot, error) {
	return nil, errors.WrapNotFound("odds")
}

func (noGames) GetStats(context.Context, string, string) (map[string]float64, error) {
	return nil, errors.WrapNotFound("stats")
}

func buildTestApp(t *testing.T, writes bool) *app.App {
	t.Helper()
	cfg := &config.Config{
		StoreDriver:         config.DriverSQLite,
		SQLitePath:          ":memory:",
		CoordinationBackend: config.CoordinationSQL,
		LockMode:            config.LockModeAtomic,
		WritesEnabled:       writes,
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
	a, err := app.Build(context.Background(), cfg, app.WithGameSource(noGames{}))
	require.NoError(t, err)
	t.Cleanup(a.Close)
	return a
}

func TestTick_ReadOnly(t *testing.T) {
	a := buildTestApp(t, false)

	summary, err := tick(context.Background(), a)
	require.Error(t, err)
	assert.Nil(t, summary)
	assert.True(t, errors.Is(err, errors.ErrServiceUnavailable))
}

func TestTick_NoWork(t *testing.T) {
	a := buildTestApp(t, true)

	summary, err := tick(context.Background(), a)
	require.NoError(t, err)
	assert.Equal(t, scheduler.StatusNoWork, summary.Status)
}
