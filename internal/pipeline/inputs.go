package pipeline

import (
	"context"

	"golang.org/x/sync/errgroup"

	"github.com/jonathan/pick-agent/internal/logger"
	"github.com/jonathan/pick-agent/internal/research"
	"github.com/jonathan/pick-agent/internal/scoring"
	"github.com/jonathan/pick-agent/internal/types"
)

type factorInputs struct {
	values map[string]float64
	note   string
}

// gatherInputs loads statistical inputs and, when the profile reads one and a
// researcher is configured, the research lean. Both calls run concurrently.
// A failed stats call fails the step; a failed research call leaves the
// research factor missing, which scores as neutral.
func (o *Orchestrator) gatherInputs(ctx context.Context, engine *scoring.Engine, game types.Game, market *types.MarketSnapshot) (*factorInputs, error) {
	var stats map[string]float64
	var lean *research.Lean

	g, gCtx := errgroup.WithContext(ctx)

	g.Go(func() error {
		return o.external(gCtx, func(ctx context.Context) error {
			var err error
			stats, err = o.games.GetStats(ctx, game.ID, market.Kind)
			return err
		})
	})

	if o.research != nil && engine.UsesResearch() {
		g.Go(func() error {
			err := o.external(gCtx, func(ctx context.Context) error {
				var err error
				lean, err = o.research.Lean(ctx, game, market)
				return err
			})
			if err != nil {
				logger.Logger.Warnw("research lean unavailable, scoring without it",
					"game_id", game.ID, "error", err)
				lean = nil
			}
			return nil
		})
	}

	if err := g.Wait(); err != nil {
		return nil, err
	}

	out := &factorInputs{values: make(map[string]float64, len(stats)+1)}
	for k, v := range stats {
		out.values[k] = v
	}
	if lean != nil {
		out.values[scoring.ResearchInputKey("lean")] = lean.Value
		out.note = lean.Rationale
	}
	return out, nil
}
