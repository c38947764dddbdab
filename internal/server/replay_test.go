package server

import (
	"context"
	"encoding/json"
	"net/http"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/jonathan/pick-agent/internal/clock"
	"github.com/jonathan/pick-agent/internal/cooldown"
	"github.com/jonathan/pick-agent/internal/db/sqlite"
	"github.com/jonathan/pick-agent/internal/errors"
	"github.com/jonathan/pick-agent/internal/lock"
	"github.com/jonathan/pick-agent/internal/pipeline"
	"github.com/jonathan/pick-agent/internal/scheduler"
	"github.com/jonathan/pick-agent/internal/scoring"
	"github.com/jonathan/pick-agent/internal/server/ratelimit"
	"github.com/jonathan/pick-agent/internal/types"
)

// downFeed lists one game and fails every odds request.
type downFeed struct {
	mu        sync.Mutex
	listErr   error
	listCalls int
	oddsCalls int
}

func (f *downFeed) ListGames(_ context.Context, category string, from, to time.Time) ([]types.Game, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.listCalls++
	if f.listErr != nil {
		return nil, f.listErr
	}
	return []types.Game{{ID: "g1", Category: category, HomeTeam: "BOS", AwayTeam: "NYK", StartTime: t0.Add(2 * time.Hour)}}, nil
}

func (f *downFeed) GetOdds(context.Context, string, string) (*types.MarketSnapshot, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.oddsCalls++
	return nil, errors.WrapUpstream(errors.New("odds feed 503"), "failed to fetch odds")
}

func (f *downFeed) GetStats(context.Context, string, string) (map[string]float64, error) {
	return map[string]float64{}, nil
}

func (f *downFeed) calls() (list, odds int) {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.listCalls, f.oddsCalls
}

type orchestratorFixture struct {
	*fixture
	feed   *downFeed
	ledger *cooldown.Ledger
}

// newOrchestratorFixture serves a real orchestrator backed by sqlite.
func newOrchestratorFixture(t *testing.T) *orchestratorFixture {
	t.Helper()
	store, err := sqlite.Open(":memory:")
	require.NoError(t, err)
	t.Cleanup(store.Close)

	clk := clock.NewFake(t0)
	registry, err := scoring.NewRegistry(scoring.DefaultProfiles())
	require.NoError(t, err)

	feed := &downFeed{}
	ledger := cooldown.NewLedger(store, clk, cooldown.DefaultPolicy())
	orch := pipeline.New(pipeline.Deps{
		Store:     store,
		Games:     feed,
		Cooldowns: ledger,
		Locks:     lock.NewManager(store, clk),
		Scoring:   registry,
		Clock:     clk,
	}, pipeline.Config{
		Timeout:             time.Minute,
		ExternalCallTimeout: 10 * time.Second,
		RunClaimTTL:         10 * time.Minute,
		MinLeadTime:         15 * time.Minute,
		Lookahead:           36 * time.Hour,
		SubjectLockTTL:      3 * time.Minute,
	})

	tk := &fakeTicker{summary: &scheduler.Summary{Status: scheduler.StatusNoWork, Results: []scheduler.Result{}, Timestamp: t0}}
	srv, err := New(Config{
		WritesEnabled:  true,
		IdempotencyTTL: 5 * time.Minute,
		RateLimit:      &ratelimit.Config{Enabled: false},
	}, Deps{Pipeline: orch, Scheduler: tk, Store: store, Clock: clk})
	require.NoError(t, err)
	t.Cleanup(srv.Close)

	return &orchestratorFixture{
		fixture: &fixture{srv: srv, handler: srv.Handler(), store: store, ticker: tk, clock: clk},
		feed:    feed,
		ledger:  ledger,
	}
}

func TestRun_UpstreamFailureReplaysWithoutReexecuting(t *testing.T) {
	f := newOrchestratorFixture(t)

	first := f.do(http.MethodPost, "/v1/pipeline/run", "k1", selectBody)
	require.Equal(t, http.StatusBadGateway, first.Code, first.Body.String())
	apiErr := decodeError(t, first)
	assert.Equal(t, CodeUpstreamUnavailable, apiErr.Code)
	details, ok := apiErr.Details.(map[string]any)
	require.True(t, ok)
	runID, ok := details["run_id"].(string)
	require.True(t, ok)

	second := f.do(http.MethodPost, "/v1/pipeline/run", "k1", selectBody)
	assert.Equal(t, http.StatusBadGateway, second.Code)
	assert.Equal(t, "true", second.Header().Get(ReplayedHeader))
	assert.Equal(t, first.Body.Bytes(), second.Body.Bytes())

	_, odds := f.feed.calls()
	assert.Equal(t, 1, odds, "the replay must not call the feed again")

	cd, err := f.ledger.Check(context.Background(), types.Opportunity{SubjectID: "sharp-sam", Category: "nba", Kind: "total", GameID: "g1"})
	require.NoError(t, err)
	require.NotNil(t, cd)
	assert.Equal(t, types.CooldownError, cd.Outcome)
	assert.Equal(t, runID, cd.RunID, "only the first run wrote a cooldown")
}

func TestSnapshot_UpstreamFailureReplaysWithoutReexecuting(t *testing.T) {
	f := newOrchestratorFixture(t)

	w := f.do(http.MethodPost, "/v1/pipeline/select", "sel-1", selectBody)
	require.Equal(t, http.StatusOK, w.Code, w.Body.String())
	var sel types.SelectResult
	require.NoError(t, json.Unmarshal(w.Body.Bytes(), &sel))
	require.NotNil(t, sel.RunID)
	body := `{"run_id":"` + sel.RunID.String() + `"}`

	first := f.do(http.MethodPost, "/v1/pipeline/snapshot", "snap-1", body)
	require.Equal(t, http.StatusBadGateway, first.Code, first.Body.String())

	second := f.do(http.MethodPost, "/v1/pipeline/snapshot", "snap-1", body)
	assert.Equal(t, http.StatusBadGateway, second.Code, "a replay is not RUN_TERMINAL")
	assert.Equal(t, "true", second.Header().Get(ReplayedHeader))
	assert.Equal(t, first.Body.Bytes(), second.Body.Bytes())

	_, odds := f.feed.calls()
	assert.Equal(t, 1, odds)

	// a fresh key reaches the orchestrator and sees the aborted run
	w = f.do(http.MethodPost, "/v1/pipeline/snapshot", "snap-2", body)
	assert.Equal(t, http.StatusConflict, w.Code)
	assert.Equal(t, CodeRunTerminal, decodeError(t, w).Code)
}

func TestSelect_FeedFailureReleasesKey(t *testing.T) {
	f := newOrchestratorFixture(t)
	f.feed.listErr = errors.WrapUpstream(errors.New("schedule feed 503"), "failed to list games")

	w := f.do(http.MethodPost, "/v1/pipeline/run", "k1", selectBody)
	require.Equal(t, http.StatusBadGateway, w.Code, w.Body.String())

	f.feed.listErr = nil
	w = f.do(http.MethodPost, "/v1/pipeline/run", "k1", selectBody)
	assert.Equal(t, http.StatusBadGateway, w.Code, "the retry runs and fails at the odds feed")
	assert.Empty(t, w.Header().Get(ReplayedHeader))

	list, odds := f.feed.calls()
	assert.Equal(t, 2, list)
	assert.Equal(t, 1, odds)
}
