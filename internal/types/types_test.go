package types

import (
	"testing"
	"time"

	"github.com/google/uuid"
	"github.com/stretchr/testify/assert"
)

func TestScheduleIsDue(t *testing.T) {
	now := time.Date(2026, 3, 1, 10, 2, 0, 0, time.UTC)
	past := now.Add(-2 * time.Minute)
	future := now.Add(3 * time.Minute)

	tests := []struct {
		name     string
		schedule Schedule
		want     bool
	}{
		{"never run", Schedule{Enabled: true}, true},
		{"due in past", Schedule{Enabled: true, NextRunAt: &past}, true},
		{"due exactly now", Schedule{Enabled: true, NextRunAt: &now}, true},
		{"not yet due", Schedule{Enabled: true, NextRunAt: &future}, false},
		{"disabled", Schedule{Enabled: false, NextRunAt: &past}, false},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			assert.Equal(t, tt.want, tt.schedule.IsDue(now))
		})
	}
}

func TestLockIsLive(t *testing.T) {
	now := time.Date(2026, 3, 1, 10, 0, 0, 0, time.UTC)
	l := Lock{ExpiresAt: now}
	assert.False(t, l.IsLive(now), "a lock expiring at now is free")
	l.ExpiresAt = now.Add(time.Second)
	assert.True(t, l.IsLive(now))
}

func TestOpportunityCooldownSubject(t *testing.T) {
	opp := Opportunity{SubjectID: "capper-7", Category: "nba", Kind: KindTotal, GameID: "g-100"}
	assert.Equal(t, "capper-7:g-100", opp.CooldownSubject())
}

func TestRunStateIsTerminal(t *testing.T) {
	assert.False(t, RunPending.IsTerminal())
	assert.True(t, RunComplete.IsTerminal())
	assert.True(t, RunVoided.IsTerminal())
	assert.True(t, RunError.IsTerminal())
}

func TestPerformanceWinRate(t *testing.T) {
	assert.Equal(t, 0.0, Performance{}.WinRate())
	p := Performance{Wins: 6, Losses: 4, Pushes: 3}
	assert.Equal(t, 10, p.Graded())
	assert.InDelta(t, 0.6, p.WinRate(), 1e-9)
}

func TestSelectRequestValidate(t *testing.T) {
	valid := SelectRequest{SubjectID: "capper-1", Category: "nba", Kind: KindSpread}
	assert.NoError(t, valid.Validate())

	badKind := SelectRequest{SubjectID: "capper-1", Category: "nba", Kind: "moneyline"}
	assert.Error(t, badKind.Validate())

	missing := SelectRequest{Category: "nba", Kind: KindTotal}
	assert.Error(t, missing.Validate())
}

func TestRunStepRequestValidate(t *testing.T) {
	assert.Error(t, (&RunStepRequest{}).Validate())
	assert.NoError(t, (&RunStepRequest{RunID: uuid.New()}).Validate())
}

func TestScheduleInputValidate(t *testing.T) {
	in := ScheduleInput{SubjectID: "c1", Category: "nfl", Kind: KindTotal, IntervalSeconds: 900, Priority: 5}
	assert.NoError(t, in.Validate())

	in.IntervalSeconds = 10
	assert.Error(t, in.Validate())
}

func TestStreakFromResults(t *testing.T) {
	tests := []struct {
		name    string
		results []string
		want    int
	}{
		{"empty", nil, 0},
		{"two wins then loss", []string{ResultWin, ResultWin, ResultLoss, ResultWin}, 2},
		{"push does not break", []string{ResultWin, ResultPush, ResultWin, ResultLoss}, 2},
		{"losing streak", []string{ResultLoss, ResultLoss, ResultLoss, ResultWin}, -3},
		{"only pushes", []string{ResultPush, ResultPush}, 0},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			assert.Equal(t, tt.want, StreakFromResults(tt.results))
		})
	}
}

func TestSummarizePerformance(t *testing.T) {
	perf := SummarizePerformance(
		[]string{ResultWin, ResultPush, ResultWin, ResultLoss},
		[]float64{1.0, 0, 0.9, -1.1},
	)
	assert.Equal(t, 2, perf.Wins)
	assert.Equal(t, 1, perf.Losses)
	assert.Equal(t, 1, perf.Pushes)
	assert.Equal(t, 2, perf.Streak)
	assert.InDelta(t, 0.8, perf.NetUnits, 1e-9)
	assert.InDelta(t, 2.0/3.0, perf.WinRate(), 1e-9)
}
