package cooldown

import (
	"context"
	"testing"
	"time"

	"github.com/google/uuid"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/jonathan/pick-agent/internal/clock"
	"github.com/jonathan/pick-agent/internal/db/sqlite"
	"github.com/jonathan/pick-agent/internal/errors"
	"github.com/jonathan/pick-agent/internal/types"
)

var t0 = time.Date(2026, 3, 14, 10, 0, 0, 0, time.UTC)

var opp = types.Opportunity{SubjectID: "cap", Category: "nba", Kind: "total", GameID: "g1"}

func newLedger(t *testing.T) (*Ledger, *clock.Fake) {
	t.Helper()
	s, err := sqlite.Open(":memory:")
	require.NoError(t, err)
	t.Cleanup(s.Close)
	clk := clock.NewFake(t0)
	return NewLedger(s, clk, DefaultPolicy()), clk
}

func TestPolicy_ExpiryFor(t *testing.T) {
	p := Policy{PassWindow: 12 * time.Hour, ErrorWindow: 2 * time.Hour}

	tests := []struct {
		name       string
		outcome    types.CooldownOutcome
		eventStart time.Time
		want       time.Time
	}{
		{"decided is permanent", types.CooldownDecided, t0.Add(time.Hour), types.PermanentExpiry},
		{"pass capped by event start", types.CooldownPass, t0.Add(3 * time.Hour), t0.Add(3 * time.Hour)},
		{"pass capped by window", types.CooldownPass, t0.Add(48 * time.Hour), t0.Add(12 * time.Hour)},
		{"pass without event", types.CooldownPass, time.Time{}, t0.Add(12 * time.Hour)},
		{"error window", types.CooldownError, t0.Add(time.Hour), t0.Add(2 * time.Hour)},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			assert.Equal(t, tt.want, p.ExpiryFor(tt.outcome, t0, tt.eventStart))
		})
	}
}

func TestPolicy_ZeroUsesDefaults(t *testing.T) {
	var p Policy
	assert.Equal(t, t0.Add(DefaultPassWindow), p.ExpiryFor(types.CooldownPass, t0, time.Time{}))
	assert.Equal(t, t0.Add(DefaultErrorWindow), p.ExpiryFor(types.CooldownError, t0, time.Time{}))
}

func TestLedger_PassExpires(t *testing.T) {
	l, clk := newLedger(t)
	ctx := context.Background()

	_, err := l.RecordPass(ctx, opp, uuid.New(), t0.Add(time.Hour))
	require.NoError(t, err)

	c, err := l.Check(ctx, opp)
	require.NoError(t, err)
	require.NotNil(t, c)
	assert.Equal(t, types.CooldownPass, c.Outcome)

	clk.Advance(time.Hour)
	c, err = l.Check(ctx, opp)
	require.NoError(t, err)
	assert.Nil(t, c, "pass expires at event start")
}

func TestLedger_ErrorThenDecided(t *testing.T) {
	l, clk := newLedger(t)
	ctx := context.Background()

	_, err := l.RecordError(ctx, opp, uuid.New())
	require.NoError(t, err)
	clk.Advance(2 * time.Hour)

	c, err := l.Check(ctx, opp)
	require.NoError(t, err)
	assert.Nil(t, c)

	runID := uuid.New()
	_, err = l.RecordDecided(ctx, opp, runID)
	require.NoError(t, err)

	clk.Advance(24 * 365 * time.Hour)
	c, err = l.Check(ctx, opp)
	require.NoError(t, err)
	require.NotNil(t, c)
	assert.True(t, c.IsPermanent())
	assert.Equal(t, runID.String(), c.RunID)
}

func TestLedger_DecidedIsExclusive(t *testing.T) {
	l, _ := newLedger(t)
	ctx := context.Background()

	first := uuid.New()
	_, err := l.RecordDecided(ctx, opp, first)
	require.NoError(t, err)

	// the same run may record again
	_, err = l.RecordDecided(ctx, opp, first)
	require.NoError(t, err)

	_, err = l.RecordDecided(ctx, opp, uuid.New())
	require.Error(t, err)
	assert.True(t, errors.Is(err, errors.ErrAlreadyDecided))

	// pass and error never replace a decided row
	_, err = l.RecordPass(ctx, opp, uuid.New(), t0.Add(time.Hour))
	require.NoError(t, err)
	_, err = l.RecordError(ctx, opp, uuid.New())
	require.NoError(t, err)

	c, err := l.Check(ctx, opp)
	require.NoError(t, err)
	require.NotNil(t, c)
	assert.Equal(t, types.CooldownDecided, c.Outcome)
	assert.Equal(t, first.String(), c.RunID)
}

func TestLedger_KeyedPerGame(t *testing.T) {
	l, _ := newLedger(t)
	ctx := context.Background()

	_, err := l.RecordDecided(ctx, opp, uuid.New())
	require.NoError(t, err)

	other := opp
	other.GameID = "g2"
	c, err := l.Check(ctx, other)
	require.NoError(t, err)
	assert.Nil(t, c)
}
