package pipeline

import (
	"context"

	"github.com/google/uuid"

	"github.com/jonathan/pick-agent/internal/errors"
	"github.com/jonathan/pick-agent/internal/lock"
	"github.com/jonathan/pick-agent/internal/logger"
	"github.com/jonathan/pick-agent/internal/pipeline/steps"
	"github.com/jonathan/pick-agent/internal/types"
)

// Finalize persists the run's decision under the per-subject lock. When
// another holder has the lock it returns errors.ErrConflict.
func (o *Orchestrator) Finalize(ctx context.Context, runID uuid.UUID) (*types.FinalizeResult, error) {
	run, err := o.loadRun(ctx, runID)
	if err != nil {
		return nil, err
	}
	if stored, err := loadStored[types.FinalizeResult](ctx, o.store, runID, types.StepFinalize); err != nil || stored != nil {
		return stored, err
	}

	holder := lock.NewHolderID("finalize")
	key := lock.SubjectKey(run.SubjectID, run.Category, run.Kind)

	var out *types.FinalizeResult
	res, err := o.locks.WithLock(ctx, key, holder, o.cfg.SubjectLockTTL, func(ctx context.Context) error {
		var finErr error
		out, finErr = o.finalizeLocked(ctx, runID)
		return finErr
	})
	if err != nil {
		return nil, err
	}
	if !res.Granted {
		return nil, errors.WithDetailf(
			errors.Wrapf(errors.ErrConflict, "subject %s is being processed", key),
			"lock held by %s", res.ExistingHolder,
		)
	}
	return out, nil
}

// finalizeLocked writes the cooldown, the outcome and the terminal run state.
// A persistence failure is logged and reported with Persisted=false; no
// finalize result is stored, so a later call retries the writes using the
// stored decide result. The decision itself is never recomputed.
func (o *Orchestrator) finalizeLocked(ctx context.Context, runID uuid.UUID) (*types.FinalizeResult, error) {
	run, err := o.loadRun(ctx, runID)
	if err != nil {
		return nil, err
	}
	if stored, err := loadStored[types.FinalizeResult](ctx, o.store, runID, types.StepFinalize); err != nil || stored != nil {
		return stored, err
	}
	// A COMPLETE or VOIDED run without a finalize result is a persistence
	// retry.
	if run.State == types.RunError {
		return nil, errors.Wrapf(errors.ErrRunTerminal, "run %s is %s, step %s cannot run", runID, run.State, types.StepFinalize)
	}
	if err := steps.ValidateDependencies(ctx, o.store, runID, types.StepFinalize); err != nil {
		return nil, err
	}
	dec, err := loadStep[types.DecideResult](ctx, o.store, runID, types.StepDecide)
	if err != nil {
		return nil, err
	}

	out := &types.FinalizeResult{
		RunID:      run.ID,
		Decision:   dec.Decision,
		Selection:  dec.Selection,
		Confidence: dec.Confidence,
		Tier:       dec.Tier,
	}

	if dec.Decision == types.DecisionPick {
		err = o.persistPick(ctx, run, dec, out)
	} else {
		err = o.persistPass(ctx, run, dec, out)
	}
	if err != nil {
		return o.persistFailed(run, out, err), nil
	}

	out.Persisted = true
	if _, _, err := o.store.SaveRunStep(ctx, run.ID, types.StepFinalize, mustJSON(out), o.clock.Now()); err != nil {
		return o.persistFailed(run, out, errors.Wrap(err, "failed to store finalize result")), nil
	}
	logger.Logger.Infow("run finalized",
		"run_id", run.ID,
		"state", out.State,
		"decision", out.Decision,
		"selection", out.Selection,
	)
	return out, nil
}

func (o *Orchestrator) persistPick(ctx context.Context, run *types.Run, dec *types.DecideResult, out *types.FinalizeResult) error {
	opp := run.Opportunity()

	cd, err := o.cooldowns.RecordDecided(ctx, opp, run.ID)
	if errors.Is(err, errors.ErrAlreadyDecided) {
		msg := err.Error()
		if _, err := o.store.CompleteRun(ctx, run.ID, types.RunCompletion{
			State:        types.RunVoided,
			Decision:     &dec.Decision,
			Selection:    &dec.Selection,
			Confidence:   &dec.Confidence,
			Tier:         &dec.Tier,
			ErrorMessage: &msg,
			CompletedAt:  o.clock.Now(),
		}); err != nil {
			return errors.Wrap(err, "failed to void run")
		}
		logger.Logger.Warnw("run voided, opportunity already decided", "run_id", run.ID, "game_id", run.GameID)
		out.State = types.RunVoided
		return nil
	}
	if err != nil {
		return err
	}

	outcome := &types.Outcome{
		ID:         uuid.New(),
		RunID:      run.ID,
		SubjectID:  run.SubjectID,
		Category:   run.Category,
		Kind:       run.Kind,
		GameID:     run.GameID,
		Selection:  dec.Selection,
		Line:       dec.Line,
		Price:      dec.Price,
		Confidence: dec.Confidence,
		Tier:       dec.Tier,
		Units:      dec.Units,
		CreatedAt:  o.clock.Now(),
	}
	created, err := o.store.CreateOutcome(ctx, outcome)
	if err != nil {
		return errors.Wrap(err, "failed to create outcome")
	}
	if !created {
		existing, err := o.store.GetOutcomeByRun(ctx, run.ID)
		if err != nil {
			return errors.Wrap(err, "failed to load existing outcome")
		}
		if existing != nil {
			outcome = existing
		}
	}

	if err := o.complete(ctx, run, dec, out); err != nil {
		return err
	}
	out.OutcomeID = &outcome.ID
	out.Cooldown = &types.CooldownSummary{Outcome: cd.Outcome, ExpiresAt: cd.ExpiresAt}
	return nil
}

func (o *Orchestrator) persistPass(ctx context.Context, run *types.Run, dec *types.DecideResult, out *types.FinalizeResult) error {
	if err := o.complete(ctx, run, dec, out); err != nil {
		return err
	}
	cd, err := o.cooldowns.RecordPass(ctx, run.Opportunity(), run.ID, run.GameStart)
	if err != nil {
		return err
	}
	out.Cooldown = &types.CooldownSummary{Outcome: cd.Outcome, ExpiresAt: cd.ExpiresAt}
	return nil
}

// complete marks the run COMPLETE and records the new state on out as soon
// as the write lands.
func (o *Orchestrator) complete(ctx context.Context, run *types.Run, dec *types.DecideResult, out *types.FinalizeResult) error {
	completion := types.RunCompletion{
		State:       types.RunComplete,
		Decision:    &dec.Decision,
		Confidence:  &dec.Confidence,
		Tier:        &dec.Tier,
		CompletedAt: o.clock.Now(),
	}
	if dec.Selection != "" {
		completion.Selection = &dec.Selection
	}
	if _, err := o.store.CompleteRun(ctx, run.ID, completion); err != nil {
		return errors.Wrap(err, "failed to complete run")
	}
	out.State = types.RunComplete
	return nil
}

func (o *Orchestrator) persistFailed(run *types.Run, out *types.FinalizeResult, err error) *types.FinalizeResult {
	logger.Logger.Errorw("finalize persistence failed",
		"run_id", run.ID,
		"subject", run.SubjectID,
		"game_id", run.GameID,
		"decision", out.Decision,
		"error", err,
	)
	if out.State == "" {
		out.State = run.State
	}
	out.Persisted = false
	out.PersistError = err.Error()
	return out
}
