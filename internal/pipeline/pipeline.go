// Package pipeline drives a run through select, snapshot, factors, predict,
// decide and finalize. Every step result is stored once per run, so repeating
// a step returns what was stored instead of executing again.
package pipeline

import (
	"context"
	"encoding/json"
	"strings"
	"time"

	"github.com/google/uuid"

	"github.com/jonathan/pick-agent/internal/clock"
	"github.com/jonathan/pick-agent/internal/cooldown"
	"github.com/jonathan/pick-agent/internal/errors"
	"github.com/jonathan/pick-agent/internal/lock"
	"github.com/jonathan/pick-agent/internal/logger"
	"github.com/jonathan/pick-agent/internal/pipeline/steps"
	"github.com/jonathan/pick-agent/internal/research"
	"github.com/jonathan/pick-agent/internal/scoring"
	"github.com/jonathan/pick-agent/internal/types"
)

// DefaultPerformanceWindow is how many graded outcomes feed the performance
// bonus.
const DefaultPerformanceWindow = 50

// Skip reasons reported by select.
const (
	SkipRunInProgress = "run_in_progress"
	skipCooldown      = "cooldown_"
)

// Store is the persistence the orchestrator needs.
type Store interface {
	CreateRun(ctx context.Context, run *types.Run) error
	GetRun(ctx context.Context, id uuid.UUID) (*types.Run, error)
	FindOpenRun(ctx context.Context, opp types.Opportunity, since time.Time) (*types.Run, error)
	CompleteRun(ctx context.Context, id uuid.UUID, c types.RunCompletion) (bool, error)
	SaveRunStep(ctx context.Context, runID uuid.UUID, step string, result []byte, now time.Time) ([]byte, bool, error)
	GetRunStep(ctx context.Context, runID uuid.UUID, step string) (*types.RunStep, error)
	SaveFactors(ctx context.Context, factors []types.Factor) error
	CreateOutcome(ctx context.Context, o *types.Outcome) (bool, error)
	GetOutcomeByRun(ctx context.Context, runID uuid.UUID) (*types.Outcome, error)
	GetPerformance(ctx context.Context, subjectID, category, kind string, limit int) (*types.Performance, error)
}

// GameSource supplies upcoming games, odds and statistical inputs.
type GameSource interface {
	ListGames(ctx context.Context, category string, from, to time.Time) ([]types.Game, error)
	GetOdds(ctx context.Context, gameID, kind string) (*types.MarketSnapshot, error)
	GetStats(ctx context.Context, gameID, kind string) (map[string]float64, error)
}

// Researcher produces a qualitative lean for a game.
type Researcher interface {
	Lean(ctx context.Context, game types.Game, market *types.MarketSnapshot) (*research.Lean, error)
}

// Config bounds pipeline execution.
type Config struct {
	Timeout             time.Duration
	ExternalCallTimeout time.Duration
	RunClaimTTL         time.Duration
	MinLeadTime         time.Duration
	Lookahead           time.Duration
	SubjectLockTTL      time.Duration
	PerformanceWindow   int
}

// Deps are the collaborators of an Orchestrator. Research is optional.
type Deps struct {
	Store     Store
	Games     GameSource
	Research  Researcher
	Cooldowns *cooldown.Ledger
	Locks     *lock.Manager
	Scoring   *scoring.Registry
	Clock     clock.Clock
}

// Orchestrator executes pipeline steps.
type Orchestrator struct {
	store     Store
	games     GameSource
	research  Researcher
	cooldowns *cooldown.Ledger
	locks     *lock.Manager
	scoring   *scoring.Registry
	clock     clock.Clock
	cfg       Config
}

// New creates an Orchestrator.
func New(deps Deps, cfg Config) *Orchestrator {
	if deps.Clock == nil {
		deps.Clock = clock.Real{}
	}
	if cfg.PerformanceWindow <= 0 {
		cfg.PerformanceWindow = DefaultPerformanceWindow
	}
	return &Orchestrator{
		store:     deps.Store,
		games:     deps.Games,
		research:  deps.Research,
		cooldowns: deps.Cooldowns,
		locks:     deps.Locks,
		scoring:   deps.Scoring,
		clock:     deps.Clock,
		cfg:       cfg,
	}
}

// Config returns the orchestrator's limits.
func (o *Orchestrator) Config() Config {
	return o.cfg
}

// =============================================================================
// Full pipeline
// =============================================================================

// RunLocked takes the per-subject lock and executes the full pipeline. When
// another holder has the lock the result is SKIPPED and nothing runs.
func (o *Orchestrator) RunLocked(ctx context.Context, req types.SelectRequest) (*types.PipelineResult, error) {
	holder := lock.NewHolderID("run")
	key := lock.SubjectKey(req.SubjectID, req.Category, req.Kind)

	var out *types.PipelineResult
	res, err := o.locks.WithLock(ctx, key, holder, o.cfg.SubjectLockTTL, func(ctx context.Context) error {
		var execErr error
		out, execErr = o.Execute(ctx, req)
		return execErr
	})
	if err != nil {
		return out, err
	}
	if !res.Granted {
		return &types.PipelineResult{Status: types.StatusSkipped, Holder: res.ExistingHolder}, nil
	}
	return out, nil
}

// Execute runs every step for one schedule under the pipeline timeout. The
// caller must already hold the per-subject lock. A failing step returns the
// error together with a result whose status is ERROR.
func (o *Orchestrator) Execute(ctx context.Context, req types.SelectRequest) (*types.PipelineResult, error) {
	return o.execute(ctx, req, o.selectLocked, o.finalizeLocked)
}

// RunScoped runs every step for one schedule, holding the per-subject lock
// only while selecting and finalizing. Snapshot, factors, predict and decide
// make their external calls under the run's claim, as the step endpoints do.
// Contention on select returns SKIPPED; contention on finalize leaves the run
// PENDING with its decision stored and returns errors.ErrConflict.
func (o *Orchestrator) RunScoped(ctx context.Context, req types.SelectRequest) (*types.PipelineResult, error) {
	return o.execute(ctx, req, o.Select, o.Finalize)
}

func (o *Orchestrator) execute(
	ctx context.Context,
	req types.SelectRequest,
	selectFn func(context.Context, types.SelectRequest) (*types.SelectResult, error),
	finalizeFn func(context.Context, uuid.UUID) (*types.FinalizeResult, error),
) (*types.PipelineResult, error) {
	if o.cfg.Timeout > 0 {
		var cancel context.CancelFunc
		ctx, cancel = context.WithTimeout(ctx, o.cfg.Timeout)
		defer cancel()
	}

	sel, err := selectFn(ctx, req)
	if err != nil {
		return &types.PipelineResult{Status: types.StatusError, Error: err.Error()}, err
	}
	if sel.Status != types.StatusSelected {
		return &types.PipelineResult{Status: sel.Status, Select: sel, Holder: sel.Holder}, nil
	}

	runID := *sel.RunID
	failed := func(err error) (*types.PipelineResult, error) {
		return &types.PipelineResult{Status: types.StatusError, RunID: &runID, Select: sel, Error: err.Error()}, err
	}

	if _, err := o.Snapshot(ctx, runID); err != nil {
		return failed(err)
	}
	if _, err := o.Factors(ctx, runID); err != nil {
		return failed(err)
	}
	if _, err := o.Predict(ctx, runID); err != nil {
		return failed(err)
	}
	if _, err := o.Decide(ctx, runID); err != nil {
		return failed(err)
	}
	fin, err := finalizeFn(ctx, runID)
	if err != nil {
		return failed(err)
	}

	out := &types.PipelineResult{
		Status:     types.StatusCompleted,
		RunID:      &runID,
		Select:     sel,
		Finalize:   fin,
		Decision:   fin.Decision,
		Confidence: fin.Confidence,
		Tier:       fin.Tier,
	}
	switch {
	case fin.State == types.RunVoided:
		out.Status = types.StatusVoided
	case !fin.Persisted:
		out.Status = types.StatusError
		out.Error = fin.PersistError
	}
	logger.Logger.Infow("pipeline finished",
		"run_id", runID,
		"subject", req.SubjectID,
		"category", req.Category,
		"kind", req.Kind,
		"status", out.Status,
		"decision", out.Decision,
		"confidence", out.Confidence,
	)
	return out, nil
}

// =============================================================================
// Select
// =============================================================================

// Select picks the next eligible game for a schedule and opens a run for it.
// It holds the per-subject lock for the duration of the selection.
func (o *Orchestrator) Select(ctx context.Context, req types.SelectRequest) (*types.SelectResult, error) {
	holder := lock.NewHolderID("select")
	key := lock.SubjectKey(req.SubjectID, req.Category, req.Kind)

	var out *types.SelectResult
	res, err := o.locks.WithLock(ctx, key, holder, o.cfg.SubjectLockTTL, func(ctx context.Context) error {
		var selErr error
		out, selErr = o.selectLocked(ctx, req)
		return selErr
	})
	if err != nil {
		return nil, err
	}
	if !res.Granted {
		return &types.SelectResult{
			Status:  types.StatusSkipped,
			Skipped: []types.SkippedOpportunity{},
			Holder:  res.ExistingHolder,
		}, nil
	}
	return out, nil
}

func (o *Orchestrator) selectLocked(ctx context.Context, req types.SelectRequest) (*types.SelectResult, error) {
	if err := req.Validate(); err != nil {
		return nil, errors.Wrap(errors.ErrInvalidRequest, err.Error())
	}
	if _, err := o.scoring.Engine(req.Category, req.Kind); err != nil {
		return nil, errors.Wrap(errors.ErrInvalidRequest, err.Error())
	}

	now := o.clock.Now()
	from := now.Add(o.cfg.MinLeadTime)
	to := now.Add(o.cfg.Lookahead)

	var games []types.Game
	err := o.external(ctx, func(ctx context.Context) error {
		var listErr error
		games, listErr = o.games.ListGames(ctx, req.Category, from, to)
		return listErr
	})
	if err != nil {
		return nil, err
	}

	out := &types.SelectResult{Status: types.StatusNoOpportunity, Skipped: []types.SkippedOpportunity{}}
	for i := range games {
		game := games[i]
		if game.StartTime.Before(from) || game.StartTime.After(to) {
			continue
		}
		opp := types.Opportunity{SubjectID: req.SubjectID, Category: req.Category, Kind: req.Kind, GameID: game.ID}

		cd, err := o.cooldowns.Check(ctx, opp)
		if err != nil {
			return nil, err
		}
		if cd != nil {
			out.Skipped = append(out.Skipped, types.SkippedOpportunity{
				GameID: game.ID,
				Reason: skipCooldown + strings.ToLower(string(cd.Outcome)),
			})
			continue
		}

		open, err := o.store.FindOpenRun(ctx, opp, now.Add(-o.cfg.RunClaimTTL))
		if err != nil {
			return nil, errors.Wrap(err, "failed to check open runs")
		}
		if open != nil {
			out.Skipped = append(out.Skipped, types.SkippedOpportunity{GameID: game.ID, Reason: SkipRunInProgress})
			continue
		}

		run := &types.Run{
			ID:        uuid.New(),
			SubjectID: req.SubjectID,
			Category:  req.Category,
			Kind:      req.Kind,
			GameID:    game.ID,
			GameStart: game.StartTime,
			State:     types.RunPending,
			CreatedAt: now,
		}
		if err := o.store.CreateRun(ctx, run); err != nil {
			return nil, errors.Wrap(err, "failed to create run")
		}

		out.Status = types.StatusSelected
		out.RunID = &run.ID
		out.Game = &game
		if _, _, err := o.store.SaveRunStep(ctx, run.ID, types.StepSelect, mustJSON(out), now); err != nil {
			return nil, o.abort(ctx, run, errors.Wrap(err, "failed to store select result"))
		}
		logger.Logger.Infow("run selected",
			"run_id", run.ID,
			"subject", req.SubjectID,
			"game_id", game.ID,
			"game_start", game.StartTime,
			"skipped", len(out.Skipped),
		)
		return out, nil
	}

	logger.Logger.Infow("no opportunity",
		"subject", req.SubjectID,
		"category", req.Category,
		"kind", req.Kind,
		"candidates", len(games),
		"skipped", len(out.Skipped),
	)
	return out, nil
}

// =============================================================================
// Snapshot, factors, predict, decide
// =============================================================================

// Snapshot captures the market for the run's game and kind.
func (o *Orchestrator) Snapshot(ctx context.Context, runID uuid.UUID) (*types.SnapshotResult, error) {
	return runStep(ctx, o, runID, types.StepSnapshot, func(ctx context.Context, run *types.Run) (*types.SnapshotResult, error) {
		var market *types.MarketSnapshot
		err := o.external(ctx, func(ctx context.Context) error {
			var oddsErr error
			market, oddsErr = o.games.GetOdds(ctx, run.GameID, run.Kind)
			return oddsErr
		})
		if err != nil {
			return nil, err
		}
		snap := *market
		snap.GameID = run.GameID
		snap.Kind = run.Kind
		if snap.CapturedAt.IsZero() {
			snap.CapturedAt = o.clock.Now()
		}
		return &types.SnapshotResult{RunID: run.ID, Snapshot: snap}, nil
	})
}

// Factors loads the run's inputs, scores them and persists one factor row
// per configured factor.
func (o *Orchestrator) Factors(ctx context.Context, runID uuid.UUID) (*types.FactorsResult, error) {
	return runStep(ctx, o, runID, types.StepFactors, func(ctx context.Context, run *types.Run) (*types.FactorsResult, error) {
		engine, err := o.scoring.Engine(run.Category, run.Kind)
		if err != nil {
			return nil, err
		}
		sel, err := loadStep[types.SelectResult](ctx, o.store, run.ID, types.StepSelect)
		if err != nil {
			return nil, err
		}
		snap, err := loadStep[types.SnapshotResult](ctx, o.store, run.ID, types.StepSnapshot)
		if err != nil {
			return nil, err
		}

		game := types.Game{ID: run.GameID, Category: run.Category, StartTime: run.GameStart}
		if sel.Game != nil {
			game = *sel.Game
		}
		in, err := o.gatherInputs(ctx, engine, game, &snap.Snapshot)
		if err != nil {
			return nil, err
		}

		combined := engine.Combine(engine.Signals(in.values))
		rows := make([]types.Factor, 0, len(combined.Factors))
		for _, f := range combined.Factors {
			raw, _ := json.Marshal(map[string]any{
				"input":    f.Input,
				"raw":      f.Raw,
				"baseline": f.Baseline,
				"scale":    f.Scale,
				"missing":  f.Missing,
			})
			rows = append(rows, types.Factor{
				RunID:           run.ID,
				FactorNo:        f.FactorNo,
				Name:            f.Name,
				RawInputs:       raw,
				NormalizedValue: f.Normalized,
				Weight:          f.Weight,
				Points:          f.Points,
				CapsApplied:     f.CapsApplied,
			})
		}
		if err := o.store.SaveFactors(ctx, rows); err != nil {
			return nil, errors.Wrap(err, "failed to persist factors")
		}

		return &types.FactorsResult{
			RunID:        run.ID,
			Factors:      combined.Factors,
			NetPoints:    combined.NetPoints,
			Directional:  combined.Directional,
			ResearchNote: in.note,
		}, nil
	})
}

// Predict shifts the market line by the run's directional value.
func (o *Orchestrator) Predict(ctx context.Context, runID uuid.UUID) (*types.PredictResult, error) {
	return runStep(ctx, o, runID, types.StepPredict, func(ctx context.Context, run *types.Run) (*types.PredictResult, error) {
		engine, err := o.scoring.Engine(run.Category, run.Kind)
		if err != nil {
			return nil, err
		}
		snap, err := loadStep[types.SnapshotResult](ctx, o.store, run.ID, types.StepSnapshot)
		if err != nil {
			return nil, err
		}
		factors, err := loadStep[types.FactorsResult](ctx, o.store, run.ID, types.StepFactors)
		if err != nil {
			return nil, err
		}

		pred := engine.Predict(run.Kind, factors.Directional, snap.Snapshot.Line)
		return &types.PredictResult{
			RunID:          run.ID,
			Direction:      pred.Direction,
			MarketLine:     pred.MarketLine,
			PredictedValue: pred.PredictedValue,
			Magnitude:      pred.Magnitude,
		}, nil
	})
}

// Decide grades the run with the capper's history and returns PICK or PASS.
func (o *Orchestrator) Decide(ctx context.Context, runID uuid.UUID) (*types.DecideResult, error) {
	return runStep(ctx, o, runID, types.StepDecide, func(ctx context.Context, run *types.Run) (*types.DecideResult, error) {
		engine, err := o.scoring.Engine(run.Category, run.Kind)
		if err != nil {
			return nil, err
		}
		snap, err := loadStep[types.SnapshotResult](ctx, o.store, run.ID, types.StepSnapshot)
		if err != nil {
			return nil, err
		}
		factors, err := loadStep[types.FactorsResult](ctx, o.store, run.ID, types.StepFactors)
		if err != nil {
			return nil, err
		}
		pred, err := loadStep[types.PredictResult](ctx, o.store, run.ID, types.StepPredict)
		if err != nil {
			return nil, err
		}

		perf, err := o.store.GetPerformance(ctx, run.SubjectID, run.Category, run.Kind, o.cfg.PerformanceWindow)
		if err != nil {
			return nil, errors.Wrap(err, "failed to load performance")
		}
		if perf == nil {
			perf = &types.Performance{}
		}

		score := engine.ScoreCombined(scoring.Combined{
			Factors:     factors.Factors,
			NetPoints:   factors.NetPoints,
			Directional: factors.Directional,
		}, *perf)
		decision := engine.Decide(scoring.Prediction{
			Direction:      pred.Direction,
			MarketLine:     pred.MarketLine,
			PredictedValue: pred.PredictedValue,
			Magnitude:      pred.Magnitude,
		}, score, snap.Snapshot)

		out := &types.DecideResult{
			RunID:       run.ID,
			Decision:    decision.Decision,
			Selection:   decision.Selection,
			Line:        decision.Line,
			Price:       decision.Price,
			Edge:        pred.Magnitude,
			EdgePoints:  score.EdgePoints,
			Performance: score.Performance,
			Confidence:  score.Confidence,
			Tier:        score.Tier.Name,
			TierRank:    score.Tier.Rank,
			Units:       decision.Units,
			Reasons:     decision.Reasons,
		}
		if out.Reasons == nil {
			out.Reasons = []string{}
		}
		logger.Logger.Infow("run decided",
			"run_id", run.ID,
			"decision", out.Decision,
			"confidence", out.Confidence,
			"tier", out.Tier,
			"reasons", out.Reasons,
		)
		return out, nil
	})
}

// =============================================================================
// Step plumbing
// =============================================================================

// runStep returns the stored result of step when one exists. Otherwise it
// checks the run can take the step, executes fn and stores its result. A
// failure inside fn aborts the run.
func runStep[T any](ctx context.Context, o *Orchestrator, runID uuid.UUID, step string, fn func(context.Context, *types.Run) (*T, error)) (*T, error) {
	run, err := o.loadRun(ctx, runID)
	if err != nil {
		return nil, err
	}
	if stored, err := loadStored[T](ctx, o.store, runID, step); err != nil || stored != nil {
		return stored, err
	}
	if run.State.IsTerminal() {
		return nil, errors.Wrapf(errors.ErrRunTerminal, "run %s is %s, step %s cannot run", runID, run.State, step)
	}
	if err := steps.ValidateDependencies(ctx, o.store, runID, step); err != nil {
		return nil, err
	}

	out, err := fn(ctx, run)
	if err != nil {
		return nil, o.abort(ctx, run, errors.Wrapf(err, "step %s failed", step))
	}

	stored, _, err := o.store.SaveRunStep(ctx, runID, step, mustJSON(out), o.clock.Now())
	if err != nil {
		return nil, o.abort(ctx, run, errors.Wrapf(err, "failed to store %s result", step))
	}
	var result T
	if err := json.Unmarshal(stored, &result); err != nil {
		return nil, errors.Wrapf(err, "failed to decode stored %s result", step)
	}
	logger.Logger.Debugw("step completed", "run_id", runID, "step", step)
	return &result, nil
}

func (o *Orchestrator) loadRun(ctx context.Context, runID uuid.UUID) (*types.Run, error) {
	run, err := o.store.GetRun(ctx, runID)
	if err != nil {
		return nil, errors.Wrap(err, "failed to load run")
	}
	if run == nil {
		return nil, errors.WrapNotFound("run " + runID.String())
	}
	return run, nil
}

// loadStored returns the stored result of step, or nil when the step has not
// been stored.
func loadStored[T any](ctx context.Context, store steps.StepReader, runID uuid.UUID, step string) (*T, error) {
	row, err := store.GetRunStep(ctx, runID, step)
	if err != nil {
		return nil, errors.Wrapf(err, "failed to load %s result", step)
	}
	if row == nil {
		return nil, nil
	}
	var out T
	if err := json.Unmarshal(row.Result, &out); err != nil {
		return nil, errors.Wrapf(err, "failed to decode %s result", step)
	}
	return &out, nil
}

// loadStep is loadStored for a prerequisite that must exist.
func loadStep[T any](ctx context.Context, store steps.StepReader, runID uuid.UUID, step string) (*T, error) {
	out, err := loadStored[T](ctx, store, runID, step)
	if err != nil {
		return nil, err
	}
	if out == nil {
		return nil, &steps.DependencyError{Step: step, MissingDependencies: []string{step}}
	}
	return out, nil
}

// abort marks the run ERROR and records an ERROR cooldown. Both writes are
// best-effort and survive cancellation of ctx. The returned error is cause
// marked with errors.ErrRunAborted.
func (o *Orchestrator) abort(ctx context.Context, run *types.Run, cause error) error {
	ctx = context.WithoutCancel(ctx)
	msg := cause.Error()

	logger.Logger.Errorw("run aborted", "run_id", run.ID, "subject", run.SubjectID, "game_id", run.GameID, "error", msg)

	if _, err := o.store.CompleteRun(ctx, run.ID, types.RunCompletion{
		State:        types.RunError,
		ErrorMessage: &msg,
		CompletedAt:  o.clock.Now(),
	}); err != nil {
		logger.Logger.Errorw("failed to mark run errored", "run_id", run.ID, "error", err)
	}
	if _, err := o.cooldowns.RecordError(ctx, run.Opportunity(), run.ID); err != nil {
		logger.Logger.Errorw("failed to record error cooldown", "run_id", run.ID, "error", err)
	}
	return errors.Mark(cause, errors.ErrRunAborted)
}

// external runs fn under the external call timeout.
func (o *Orchestrator) external(ctx context.Context, fn func(context.Context) error) error {
	if o.cfg.ExternalCallTimeout > 0 {
		var cancel context.CancelFunc
		ctx, cancel = context.WithTimeout(ctx, o.cfg.ExternalCallTimeout)
		defer cancel()
	}
	err := fn(ctx)
	if err != nil && ctx.Err() != nil && !errors.IsUpstreamError(err) {
		return errors.WrapUpstream(err, "external call timed out")
	}
	return err
}

func mustJSON(v any) []byte {
	data, err := json.Marshal(v)
	if err != nil {
		panic(errors.Wrap(err, "step result is not serializable"))
	}
	return data
}
