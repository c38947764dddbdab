// Package research turns a completion-model call into a bounded lean on one
// market, used as an optional scoring signal.
package research

import (
	"context"
	"encoding/json"
	"fmt"
	"math"
	"strings"
	"time"

	"github.com/sony/gobreaker"

	"github.com/jonathan/pick-agent/internal/errors"
	"github.com/jonathan/pick-agent/internal/llm"
	"github.com/jonathan/pick-agent/internal/logger"
	"github.com/jonathan/pick-agent/internal/types"
)

const (
	breakerTrip    = 3
	breakerTimeout = time.Minute
)

// Lean is the analyst's view of one market. Value is in [-1, 1]; positive
// favours OVER or HOME.
type Lean struct {
	Value     float64 `json:"lean"`
	Rationale string  `json:"rationale,omitempty"`
}

// Analyst asks the model for a lean.
type Analyst struct {
	client  llm.Client
	tier    llm.ModelTier
	breaker *gobreaker.CircuitBreaker
}

// NewAnalyst creates an Analyst over client.
func NewAnalyst(client llm.Client, tier llm.ModelTier) *Analyst {
	if tier == "" {
		tier = llm.TierLite
	}
	return &Analyst{
		client: client,
		tier:   tier,
		breaker: gobreaker.NewCircuitBreaker(gobreaker.Settings{
			Name:    "research",
			Timeout: breakerTimeout,
			ReadyToTrip: func(counts gobreaker.Counts) bool {
				return counts.ConsecutiveFailures >= breakerTrip
			},
			OnStateChange: func(name string, from, to gobreaker.State) {
				logger.Logger.Warnw("circuit breaker state changed", "breaker", name, "from", from.String(), "to", to.String())
			},
		}),
	}
}

// Lean returns the analyst's lean for game and market.
func (a *Analyst) Lean(ctx context.Context, game types.Game, market *types.MarketSnapshot) (*Lean, error) {
	prompt := leanPrompt(game, market)

	out, err := a.breaker.Execute(func() (interface{}, error) {
		return a.client.GenerateJSON(ctx, prompt, a.tier)
	})
	if err != nil {
		return nil, errors.WrapUpstream(err, "research lean")
	}

	lean, err := parseLean(out.(string))
	if err != nil {
		return nil, errors.WrapUpstream(err, "research lean")
	}
	logger.Logger.Debugw("research lean", "game", game.ID, "lean", lean.Value)
	return lean, nil
}

// Close releases the underlying client.
func (a *Analyst) Close() error {
	return a.client.Close()
}

func parseLean(raw string) (*Lean, error) {
	var lean Lean
	if err := json.Unmarshal([]byte(llm.CleanJSONBlock(raw)), &lean); err != nil {
		return nil, fmt.Errorf("invalid lean response: %w", err)
	}
	if math.IsNaN(lean.Value) || math.IsInf(lean.Value, 0) {
		return nil, fmt.Errorf("invalid lean value")
	}
	lean.Value = math.Max(-1, math.Min(1, lean.Value))
	return &lean, nil
}

// leanPrompt asks for a single number in [-1, 1] plus a short rationale.
func leanPrompt(game types.Game, market *types.MarketSnapshot) string {
	var sb strings.Builder
	sb.WriteString("Assess qualitative context for one game and one market: rest, travel, motivation, ")
	sb.WriteString("weather and matchup notes. Express it as a lean where positive means OVER for totals ")
	sb.WriteString("and HOME for spreads.\n\n")
	sb.WriteString("Respond with exactly this JSON object:\n")
	sb.WriteString(`{"lean": <number between -1 and 1, 0 when there is no edge>, "rationale": "<one or two sentences>"}`)
	sb.WriteString("\n\n")
	fmt.Fprintf(&sb, "Sport: %s\n", game.Category)
	fmt.Fprintf(&sb, "Game: %s at %s\n", game.AwayTeam, game.HomeTeam)
	fmt.Fprintf(&sb, "Start: %s\n", game.StartTime.UTC().Format(time.RFC3339))
	if market != nil {
		switch market.Kind {
		case types.KindSpread:
			fmt.Fprintf(&sb, "Market: spread, home line %+.1f (home %d / away %d)\n", market.Line, market.Price, market.OpposingPrice)
		default:
			fmt.Fprintf(&sb, "Market: total %.1f (over %d / under %d)\n", market.Line, market.Price, market.OpposingPrice)
		}
	}
	return sb.String()
}
