// Package scheduler runs one dispatch cycle over the due schedules. A cycle is
// stateless: it takes the global lock, dispatches every due schedule to the
// pipeline, which locks the subject itself, and writes the schedule
// bookkeeping.
package scheduler

import (
	"context"
	"time"

	"golang.org/x/sync/errgroup"

	"github.com/jonathan/pick-agent/internal/clock"
	"github.com/jonathan/pick-agent/internal/errors"
	"github.com/jonathan/pick-agent/internal/lock"
	"github.com/jonathan/pick-agent/internal/logger"
	"github.com/jonathan/pick-agent/internal/types"
)

// Cycle status values.
const (
	StatusOK      = "ok"
	StatusNoWork  = "no_work"
	StatusLocked  = "locked"
	StatusPartial = "partial"
)

// Store reads due schedules and writes dispatch bookkeeping.
type Store interface {
	ListDueSchedules(ctx context.Context, now time.Time, limit int) ([]types.Schedule, error)
	RecordDispatch(ctx context.Context, rec types.DispatchRecord) error
}

// Executor runs the full pipeline for one schedule. It takes the subject
// lock around its critical sections and reports contention as SKIPPED.
type Executor interface {
	RunScoped(ctx context.Context, req types.SelectRequest) (*types.PipelineResult, error)
}

// Config controls a cycle.
type Config struct {
	LockTTL         time.Duration
	PipelineTimeout time.Duration
	MaxConcurrency  int
	BatchLimit      int
}

// Result is the outcome of one dispatch.
type Result struct {
	SubjectID string `json:"subjectId"`
	Category  string `json:"category"`
	Kind      string `json:"kind"`
	Status    string `json:"status"`
	RunID     string `json:"runId,omitempty"`
	Decision  string `json:"decision,omitempty"`
	Error     string `json:"error,omitempty"`
}

// Summary is the outcome of one cycle.
type Summary struct {
	ExecutedCount int       `json:"executedCount"`
	Results       []Result  `json:"results"`
	Timestamp     time.Time `json:"timestamp"`
	Status        string    `json:"status"`
}

// Scheduler dispatches due schedules.
type Scheduler struct {
	store    Store
	locks    *lock.Manager
	pipeline Executor
	clock    clock.Clock
	cfg      Config
}

// New creates a Scheduler.
func New(store Store, locks *lock.Manager, pipeline Executor, clk clock.Clock, cfg Config) *Scheduler {
	if cfg.MaxConcurrency < 1 {
		cfg.MaxConcurrency = 1
	}
	if cfg.BatchLimit < 1 {
		cfg.BatchLimit = 50
	}
	return &Scheduler{store: store, locks: locks, pipeline: pipeline, clock: clk, cfg: cfg}
}

// Tick runs one cycle. Losing the global lock to another instance is not an
// error; the summary status is "locked".
func (s *Scheduler) Tick(ctx context.Context) (*Summary, error) {
	start := s.clock.Now()
	holder := lock.NewHolderID("scheduler")
	summary := &Summary{Results: []Result{}, Timestamp: start}

	res, err := s.locks.Acquire(ctx, lock.GlobalSchedulerKey, holder, s.cfg.LockTTL)
	if err != nil {
		return nil, err
	}
	if !res.Granted {
		logger.Logger.Infow("scheduler cycle skipped, global lock held",
			"holder", res.ExistingHolder, "age", res.ExistingAge)
		summary.Status = StatusLocked
		return summary, nil
	}
	defer func() {
		_ = s.locks.Release(context.WithoutCancel(ctx), lock.GlobalSchedulerKey, holder)
	}()
	deadline := start.Add(s.cfg.LockTTL)

	due, err := s.store.ListDueSchedules(ctx, start, s.cfg.BatchLimit)
	if err != nil {
		return nil, errors.Wrap(err, "failed to list due schedules")
	}
	if len(due) == 0 {
		summary.Status = StatusNoWork
		return summary, nil
	}
	logger.Logger.Infow("scheduler cycle started", "due", len(due), "concurrency", s.cfg.MaxConcurrency)

	results := make([]*Result, len(due))
	g := new(errgroup.Group)
	g.SetLimit(s.cfg.MaxConcurrency)
	for i := range due {
		sched := due[i]
		g.Go(func() error {
			// Work that cannot finish before the global lock expires waits for
			// the next cycle.
			if deadline.Sub(s.clock.Now()) < s.cfg.PipelineTimeout {
				logger.Logger.Warnw("cycle budget exhausted, deferring schedule",
					"subject", sched.SubjectID, "category", sched.Category, "kind", sched.Kind)
				return nil
			}
			r := s.dispatch(ctx, sched)
			results[i] = &r
			return nil
		})
	}
	_ = g.Wait()

	summary.Status = StatusOK
	for _, r := range results {
		if r == nil {
			summary.Status = StatusPartial
			continue
		}
		summary.Results = append(summary.Results, *r)
		if r.Status != types.DispatchSkipped {
			summary.ExecutedCount++
		}
	}
	logger.Logger.Infow("scheduler cycle finished",
		"executed", summary.ExecutedCount,
		"dispatched", len(summary.Results),
		"status", summary.Status,
		"duration", s.clock.Now().Sub(start),
	)
	return summary, nil
}

// dispatch runs one schedule and writes bookkeeping. Contention on the
// subject leaves the schedule untouched.
func (s *Scheduler) dispatch(ctx context.Context, sched types.Schedule) Result {
	out := Result{SubjectID: sched.SubjectID, Category: sched.Category, Kind: sched.Kind}
	req := types.SelectRequest{SubjectID: sched.SubjectID, Category: sched.Category, Kind: sched.Kind}
	key := lock.SubjectKey(sched.SubjectID, sched.Category, sched.Kind)
	ranAt := s.clock.Now()

	pr, err := s.pipeline.RunScoped(ctx, req)
	if err == nil && pr.Status == types.StatusSkipped {
		logger.Logger.Infow("schedule skipped, subject locked", "key", key, "holder", pr.Holder)
		out.Status = types.DispatchSkipped
		return out
	}

	if pr != nil {
		if pr.RunID != nil {
			out.RunID = pr.RunID.String()
		}
		out.Decision = pr.Decision
	}
	switch {
	case err != nil:
		out.Status = types.DispatchError
		out.Error = err.Error()
		logger.Logger.Errorw("schedule dispatch failed", "key", key, "run_id", out.RunID, "error", err)
	case pr.Status == types.StatusNoOpportunity:
		out.Status = types.DispatchNoOpportunity
	case pr.Status == types.StatusError:
		out.Status = types.DispatchError
		out.Error = pr.Error
	default:
		out.Status = types.DispatchCompleted
	}

	rec := types.DispatchRecord{
		SubjectID: sched.SubjectID,
		Category:  sched.Category,
		Kind:      sched.Kind,
		Status:    out.Status,
		Success:   out.Status != types.DispatchError,
		RanAt:     ranAt,
		NextRunAt: ranAt.Add(sched.Interval()),
	}
	if err := s.store.RecordDispatch(context.WithoutCancel(ctx), rec); err != nil {
		logger.Logger.Errorw("failed to record dispatch", "key", key, "error", err)
	}
	return out
}

// Run calls Tick every interval until ctx is cancelled.
func (s *Scheduler) Run(ctx context.Context, interval time.Duration) error {
	ticker := time.NewTicker(interval)
	defer ticker.Stop()

	s.tickOnce(ctx)
	for {
		select {
		case <-ctx.Done():
			logger.Logger.Infow("scheduler loop stopped")
			return ctx.Err()
		case <-ticker.C:
			s.tickOnce(ctx)
		}
	}
}

func (s *Scheduler) tickOnce(ctx context.Context) {
	if _, err := s.Tick(ctx); err != nil {
		logger.Logger.Errorw("scheduler cycle failed", "error", err)
	}
}
